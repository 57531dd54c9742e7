// pattern: Imperative Shell
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"
	flag "github.com/spf13/pflag"

	"devsync/internal/cli"
	"devsync/internal/config"
	"devsync/internal/console"
	"devsync/internal/devserver"
	"devsync/internal/instance"
	"devsync/internal/logging"
	"devsync/internal/port"
	"devsync/internal/prompt"
	"devsync/internal/session"
)

var version = "dev"

// options are the command-line settings for a dev server run.
type options struct {
	configPath     string
	port           int
	host           string
	https          bool
	strategy       string
	nonInteractive bool
	verbose        bool
	logLevel       string
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func newFlagSet(opts *options, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("devsync", flag.ContinueOnError)
	fs.SetOutput(stderr)
	// Stop at the subcommand so its own --help reaches it.
	fs.SetInterspersed(false)

	fs.StringVarP(&opts.configPath, "config", "c", config.FileName, "path to the configuration file")
	fs.IntVarP(&opts.port, "port", "p", 0, "preferred port (overrides server.port and PORT)")
	fs.StringVar(&opts.host, "host", "", "bind host (overrides server.host and HOST)")
	fs.BoolVar(&opts.https, "https", false, "serve over https")
	fs.StringVar(&opts.strategy, "restart-strategy", "", "two-phase or teardown-first")
	fs.BoolVar(&opts.nonInteractive, "non-interactive", false, "never prompt; fail on port conflicts")
	fs.BoolVarP(&opts.verbose, "verbose", "v", false, "also log to stderr")
	fs.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error")
	return fs
}

// override applies the flags that were set explicitly.
func (o *options) override(fs *flag.FlagSet) func(*config.Config) {
	return func(cfg *config.Config) {
		if fs.Changed("port") {
			cfg.Server.Port = o.port
		}
		if fs.Changed("host") {
			cfg.Server.Host = o.host
		}
		if fs.Changed("https") {
			cfg.Server.HTTPS = o.https
		}
		if fs.Changed("restart-strategy") {
			cfg.Server.RestartStrategy = o.strategy
		}
		if fs.Changed("log-level") {
			cfg.Log.Level = o.logLevel
		}
	}
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var opts options
	fs := newFlagSet(&opts, stderr)
	fs.Usage = func() {
		cli.BuildApp(version, filepath.Dir(opts.configPath)).PrintHelp(stderr)
		fmt.Fprintf(stderr, "\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	app := cli.BuildApp(version, filepath.Dir(opts.configPath))
	app.Out, app.Err = stdout, stderr
	rest := fs.Args()
	launch, code := app.Execute(rest)
	if !launch {
		return code
	}
	if len(rest) > 0 && rest[0] == "start" {
		if err := fs.Parse(rest[1:]); err != nil {
			if errors.Is(err, flag.ErrHelp) {
				return 0
			}
			return 2
		}
	}

	return start(&opts, fs, stdin, stdout, stderr)
}

// start runs the dev server until SIGINT or SIGTERM.
func start(opts *options, fs *flag.FlagSet, stdin io.Reader, stdout, stderr io.Writer) int {
	override := opts.override(fs)
	cfg, err := devserver.LoadConfig(opts.configPath, override)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "Error: invalid config: %v\n", err)
		return 1
	}

	if missing := cfg.Missing(); len(missing) > 0 {
		console.NewReporter(stdout, false, console.NewStyles(cfg.Theme)).MissingFiles(missing)
		return 1
	}

	logConfig := logging.Config{
		FilePath: cfg.Resolve(cfg.Log.File),
		Level:    cfg.Log.Level,
	}
	if opts.verbose {
		logConfig.Console = stderr
	}
	logManager, err := logging.NewManager(logConfig)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to initialize logging: %v\n", err)
		return 1
	}
	defer func() { _ = logManager.Close() }()

	appLogger := logManager.For("app")
	appLogger.Info("devsync starting", "version", version, "config", opts.configPath)

	interactive := !opts.nonInteractive && isTerminal(stdout)
	dataDir := instance.DataDir(cfg.Resolve("."))

	d, err := devserver.New(devserver.Options{
		ConfigPath:  opts.configPath,
		Override:    override,
		Interactive: interactive,
		Logs:        logManager,
		Out:         stdout,
		Prompter:    prompt.Terminal{In: stdin, Out: stdout, Theme: cfg.Theme},
		OnListen: func(s *session.Session) {
			if err := instance.WritePort(dataDir, strings.TrimSuffix(s.URL(), "/")); err != nil {
				appLogger.Error("failed to write port file", "error", err)
			}
		},
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	fl, err := instance.Lock(dataDir)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer instance.Cleanup(dataDir, fl)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := d.Negotiate(ctx)
	var conflict *port.ConflictError
	switch {
	case errors.As(err, &conflict):
		d.Reporter().PortConflict(conflict.Port, conflict.Owner)
		return 1
	case err != nil:
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	case res.Declined:
		appLogger.Info("user declined alternate port")
		return 0
	}

	if err := d.Run(ctx, res.Port); err != nil {
		appLogger.Error("dev server exited with error", "error", err)
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	appLogger.Info("devsync stopped")
	return 0
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
