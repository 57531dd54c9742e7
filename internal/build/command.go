// pattern: Imperative Shell

package build

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"devsync/internal/config"
	"devsync/internal/events"
	"devsync/internal/logging"
	"devsync/internal/process"
)

// Placeholders expanded in build.command.
const (
	EntriesPlaceholder = "{entries}"
	OutDirPlaceholder  = "{outdir}"
)

// CommandEngine runs an external watch-mode build tool and follows its
// output.
type CommandEngine struct {
	logger *logging.ScopedLogger
}

func (e *CommandEngine) Start(ctx context.Context, job Job) (Handle, error) {
	cfg := job.Config
	if len(cfg.Build.Command) == 0 {
		return nil, ErrNoCommand
	}
	parser, err := newOutputParser(cfg.Build, job.Generation)
	if err != nil {
		return nil, err
	}

	outDir := cfg.Resolve(cfg.Build.OutputDir)
	argv := ExpandCommand(cfg.Build.Command, job.Entries, outDir)
	if len(argv) == 0 {
		return nil, ErrNoCommand
	}

	runCtx, cancel := context.WithCancel(ctx)
	h := &commandHandle{
		hub:     newHub(job),
		handler: newFileHandler(outDir, cfg.Resolve(cfg.PublicDir)),
		parser:  parser,
		cancel:  cancel,
		logger:  e.logger,
	}
	h.sup = process.NewSupervisor(process.Config{
		Name:       fmt.Sprintf("build-%d", job.Generation),
		Binary:     argv[0],
		Args:       argv[1:],
		Dir:        cfg.Resolve("."),
		Env:        []string{"FORCE_COLOR=1"},
		PTY:        cfg.Build.PTY,
		OnLine:     h.onLine,
		RestartOn:  restartPolicy(cfg.Build.Restart),
		MaxRetries: cfg.Build.MaxRetries,
		RetryDelay: cfg.RetryDelay(),
	}, e.logger)

	if err := h.sup.Start(runCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("start build command: %w", err)
	}
	e.logger.Info("build command started", "generation", job.Generation, "command", strings.Join(argv, " "))

	go h.watchExit()
	return h, nil
}

func restartPolicy(name string) process.RestartPolicy {
	switch name {
	case config.RestartOnFailure:
		return process.OnFailure
	case config.RestartAlways:
		return process.Always
	default:
		return process.Never
	}
}

// ExpandCommand substitutes placeholders. An argument that is exactly
// {entries} becomes one argument per entry.
func ExpandCommand(command, entries []string, outDir string) []string {
	argv := make([]string, 0, len(command)+len(entries))
	for _, arg := range command {
		if arg == EntriesPlaceholder {
			argv = append(argv, entries...)
			continue
		}
		arg = strings.ReplaceAll(arg, EntriesPlaceholder, strings.Join(entries, ","))
		arg = strings.ReplaceAll(arg, OutDirPlaceholder, outDir)
		argv = append(argv, arg)
	}
	return argv
}

type commandHandle struct {
	hub     *events.Hub
	handler http.Handler
	sup     *process.Supervisor
	cancel  context.CancelFunc
	logger  *logging.ScopedLogger

	mu      sync.Mutex
	parser  *outputParser
	closing bool
}

func (h *commandHandle) Events() *events.Hub   { return h.hub }
func (h *commandHandle) Handler() http.Handler { return h.handler }

func (h *commandHandle) onLine(_ string, line string) {
	h.mu.Lock()
	out := h.parser.Feed(line)
	h.mu.Unlock()

	for _, e := range out {
		h.hub.Publish(e)
	}
}

func (h *commandHandle) watchExit() {
	<-h.sup.Done()

	h.mu.Lock()
	closing := h.closing
	code := h.sup.ExitCode()
	var (
		e  events.BuildEvent
		ok bool
	)
	if !closing {
		e, ok = h.parser.Exit(code)
	}
	h.mu.Unlock()

	if closing {
		return
	}
	h.logger.Warn("build command exited", "exit_code", code)
	if ok {
		h.hub.Publish(e)
	}
}

func (h *commandHandle) Close() error {
	h.mu.Lock()
	h.closing = true
	h.mu.Unlock()

	err := h.sup.Stop()
	h.cancel()
	return err
}
