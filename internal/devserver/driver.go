// pattern: Imperative Shell

// Package devserver owns one dev session end to end: port negotiation, the
// source watcher, the entry registry, the rebuild coordinator and the
// session manager. Everything is reached through the Driver; there is no
// package-level state.
package devserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"devsync/internal/clock"
	"devsync/internal/config"
	"devsync/internal/console"
	"devsync/internal/coordinator"
	"devsync/internal/entry"
	"devsync/internal/events"
	"devsync/internal/logging"
	"devsync/internal/port"
	"devsync/internal/session"
	"devsync/internal/watcher"
)

const closeTimeout = 10 * time.Second

// Options configures a Driver.
type Options struct {
	// ConfigPath is re-read on every (re)start.
	ConfigPath string
	// Override is applied to every freshly loaded configuration, after
	// environment overrides. Command-line flags live here.
	Override    func(*config.Config)
	Interactive bool
	Logs        logging.LoggerProvider
	Out         io.Writer
	Clock       clock.Clock
	Prober      port.Prober
	Owners      port.OwnerLookup
	Prompter    port.Prompter
	// OnListen runs after each successful (re)start with the session URL.
	OnListen func(s *session.Session)
}

// Driver is the context object shared by every component of a run.
type Driver struct {
	opts     Options
	cfg      config.Config
	logger   *logging.ScopedLogger
	registry *entry.Registry
	watcher  *watcher.Watcher
	coord    *coordinator.Coordinator
	sessions *session.Manager
	reporter *console.Reporter
}

// LoadConfig reads the configuration and applies environment and
// command-line overrides.
func LoadConfig(path string, override func(*config.Config)) (config.Config, error) {
	cfg, err := config.LoadFrom(path)
	if err != nil {
		return cfg, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	if override != nil {
		override(&cfg)
	}
	return cfg, nil
}

// New loads the configuration and builds every component. Nothing runs
// until Run.
func New(opts Options) (*Driver, error) {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}

	cfg, err := LoadConfig(opts.ConfigPath, opts.Override)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	d := &Driver{
		opts:     opts,
		cfg:      cfg,
		logger:   opts.Logs.For("app"),
		reporter: console.NewReporter(opts.Out, opts.Interactive, console.NewStyles(cfg.Theme)),
	}

	rule, err := entry.NewGlobRule(cfg.Entries.Patterns...)
	if err != nil {
		return nil, err
	}
	d.registry, err = entry.NewRegistry(cfg.SourceRoot(), cfg.Extension, rule, opts.Logs.For("entry"))
	if err != nil {
		return nil, err
	}

	d.coord = coordinator.New(coordinator.Config{
		Registry:  d.registry,
		Restarter: coordinator.RestartFunc(d.restart),
		Extension: cfg.Extension,
		Window:    cfg.Throttle(),
		Clock:     opts.Clock,
	}, opts.Logs.For("coordinator"))

	d.sessions = session.NewManager(session.Options{
		Load:    d.load,
		Entries: d.registry,
		OnDone:  d.onDone,
		Logs:    opts.Logs,
	})
	d.sessions.Events().Subscribe(d.coord)
	d.sessions.Events().Subscribe(d.reporter)

	return d, nil
}

// Config returns the configuration loaded by New.
func (d *Driver) Config() config.Config {
	return d.cfg
}

// Reporter returns the console reporter.
func (d *Driver) Reporter() *console.Reporter {
	return d.reporter
}

// Preflight reports required files that are missing.
func (d *Driver) Preflight() []string {
	return d.cfg.Missing()
}

// Negotiate settles the port for the configured preferred port.
func (d *Driver) Negotiate(ctx context.Context) (port.Result, error) {
	prober := d.opts.Prober
	if prober == nil {
		prober = port.NetProber{Host: d.cfg.Server.Host}
	}
	owners := d.opts.Owners
	if owners == nil {
		owners = port.LsofLookup{}
	}
	n := port.NewNegotiator(prober, owners, d.opts.Prompter, d.opts.Logs.For("port"))
	return n.Negotiate(ctx, d.cfg.Server.Port, d.opts.Interactive)
}

// Run starts the session on p and blocks until ctx is cancelled.
func (d *Driver) Run(ctx context.Context, p int) error {
	added, err := d.registry.Scan()
	if err != nil {
		return fmt.Errorf("scan entries: %w", err)
	}
	d.logger.Info("entries discovered", "count", added, "root", d.registry.Root())

	d.watcher, err = watcher.New(watcher.Config{
		Root:      d.cfg.SourceRoot(),
		Extension: d.cfg.Extension,
		Clock:     d.opts.Clock,
	}, d.opts.Logs.For("watcher"))
	if err != nil {
		return err
	}
	d.watcher.Arm(d.coord.HandleEvent)
	if err := d.watcher.Start(ctx); err != nil {
		_ = d.watcher.Close()
		return err
	}

	d.reporter.Starting()
	s, err := d.sessions.Start(ctx, p)
	if err != nil {
		_ = d.watcher.Close()
		return err
	}
	d.listening(s)

	<-ctx.Done()
	return d.shutdown()
}

// Sessions exposes the session manager.
func (d *Driver) Sessions() *session.Manager {
	return d.sessions
}

// Coordinator exposes the rebuild coordinator.
func (d *Driver) Coordinator() *coordinator.Coordinator {
	return d.coord
}

// Registry exposes the entry registry.
func (d *Driver) Registry() *entry.Registry {
	return d.registry
}

func (d *Driver) load() (config.Config, error) {
	return LoadConfig(d.opts.ConfigPath, d.opts.Override)
}

func (d *Driver) restart(ctx context.Context) error {
	s, err := d.sessions.Restart(ctx)
	if err != nil {
		return err
	}
	d.listening(s)
	return nil
}

func (d *Driver) listening(s *session.Session) {
	d.reporter.SetURL(s.URL())
	if d.opts.OnListen != nil {
		d.opts.OnListen(s)
	}
}

// onDone re-arms the watcher after every completed build.
func (d *Driver) onDone(e events.BuildEvent) {
	if d.watcher != nil {
		d.watcher.Arm(d.coord.HandleEvent)
	}
	d.logger.Debug("build done", "generation", e.Generation, "errors", len(e.Errors), "warnings", len(e.Warnings))
}

func (d *Driver) shutdown() error {
	d.logger.Info("shutting down")
	d.coord.Stop()

	var errs []error
	if d.watcher != nil {
		if err := d.watcher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close watcher: %w", err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := d.sessions.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
