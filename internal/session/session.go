// pattern: Imperative Shell

// Package session owns the running build and the web server in front of it.
// It starts the first session, replaces it on restart, and forwards build
// events from the live generation to observers.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"devsync/internal/build"
	"devsync/internal/config"
	"devsync/internal/events"
	"devsync/internal/logging"
	"devsync/internal/web"
)

// ErrNoSession is returned by Restart before Start succeeded.
var ErrNoSession = errors.New("session: no session running")

const shutdownTimeout = 5 * time.Second

// Session is one build plus the handler serving it.
type Session struct {
	Host       string
	Port       int
	Protocol   string
	Generation int
	Strategy   string

	build build.Handle
}

// URL is the address users open in a browser.
func (s *Session) URL() string {
	return fmt.Sprintf("%s://%s/", s.Protocol, net.JoinHostPort(s.Host, strconv.Itoa(s.Port)))
}

// Handler serves the session's build output.
func (s *Session) Handler() http.Handler {
	return s.build.Handler()
}

// Loader returns a freshly read configuration.
type Loader func() (config.Config, error)

// EntrySource supplies the current entry points.
type EntrySource interface {
	Entries() []string
}

// EngineFactory resolves a build engine by name.
type EngineFactory func(name string, logger *logging.ScopedLogger) (build.Engine, error)

// Options wires the manager's collaborators.
type Options struct {
	Load    Loader
	Entries EntrySource
	Engines EngineFactory
	// OnDone runs for every Done event of the live generation.
	OnDone func(events.BuildEvent)
	Logs   logging.LoggerProvider
}

// Manager is safe for concurrent use; Start, Restart and Close are
// serialized.
type Manager struct {
	opts   Options
	logger *logging.ScopedLogger
	hub    *events.Hub

	op sync.Mutex // serializes Start/Restart/Close

	mu         sync.Mutex
	current    *Session
	server     *web.Server
	serveDone  chan error
	port       int
	generation int

	router *router
}

// NewManager creates a manager with no session.
func NewManager(opts Options) *Manager {
	if opts.Engines == nil {
		opts.Engines = build.New
	}
	m := &Manager{
		opts:   opts,
		logger: opts.Logs.For("session"),
		hub:    events.NewHub(),
	}
	m.router = newRouter(m.deliver)
	return m
}

// Events is where observers subscribe to build events of the live session.
func (m *Manager) Events() *events.Hub {
	return m.hub
}

// Current returns the live session or nil.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Addr returns the address the web server is bound to, or "".
func (m *Manager) Addr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.server == nil {
		return ""
	}
	return m.server.Addr()
}

// Start launches the first session on port.
func (m *Manager) Start(ctx context.Context, port int) (*Session, error) {
	m.op.Lock()
	defer m.op.Unlock()

	if m.Current() != nil {
		return nil, errors.New("session: already started")
	}
	m.mu.Lock()
	m.port = port
	m.mu.Unlock()

	return m.launch(ctx)
}

// Restart replaces the live session on the same port. The configuration
// is reloaded and the entry list re-read.
func (m *Manager) Restart(ctx context.Context) (*Session, error) {
	m.op.Lock()
	defer m.op.Unlock()

	old := m.Current()
	if old == nil {
		return nil, ErrNoSession
	}

	cfg, err := m.load()
	if err != nil {
		return nil, err
	}

	m.logger.Info("restarting session", "strategy", cfg.Server.RestartStrategy, "generation", old.Generation)
	if cfg.Server.RestartStrategy == config.StrategyTeardownFirst {
		return m.restartTeardownFirst(ctx, old, cfg)
	}
	return m.restartTwoPhase(ctx, old, cfg)
}

// restartTwoPhase builds the replacement while the old session keeps
// serving, then swaps handlers on the same listener.
func (m *Manager) restartTwoPhase(ctx context.Context, old *Session, cfg config.Config) (*Session, error) {
	m.mu.Lock()
	server := m.server
	m.mu.Unlock()

	gen := m.nextGeneration()
	m.router.stage(gen)

	handle, err := m.startBuild(ctx, cfg, gen)
	if err != nil {
		m.router.abandon(gen)
		m.logger.Error("replacement build failed, keeping current session", "generation", gen, "error", err)
		return nil, err
	}

	if host := cfg.Server.Host; host != old.Host || cfg.Server.HTTPS != (old.Protocol == "https") {
		m.logger.Warn("server address settings change on full restart only", "host", host, "https", cfg.Server.HTTPS)
	}

	next := &Session{
		Host:       old.Host,
		Port:       old.Port,
		Protocol:   old.Protocol,
		Generation: gen,
		Strategy:   config.StrategyTwoPhase,
		build:      handle,
	}
	server.SetHandler(handle.Handler(), gen)

	m.mu.Lock()
	m.current = next
	m.mu.Unlock()
	m.router.promote(gen)

	if err := old.build.Close(); err != nil {
		m.logger.Warn("closing previous build failed", "generation", old.Generation, "error", err)
	}
	m.logger.Info("session replaced", "generation", gen)
	return next, nil
}

// restartTeardownFirst stops everything before building the replacement.
// If the replacement fails nothing is listening afterwards.
func (m *Manager) restartTeardownFirst(ctx context.Context, old *Session, _ config.Config) (*Session, error) {
	if err := m.teardown(ctx); err != nil {
		m.logger.Warn("teardown incomplete", "generation", old.Generation, "error", err)
	}
	next, err := m.launch(ctx)
	if err != nil {
		m.logger.Error("restart failed, no server is listening", "error", err)
		return nil, err
	}
	return next, nil
}

// Close stops the live session and the web server.
func (m *Manager) Close(ctx context.Context) error {
	m.op.Lock()
	defer m.op.Unlock()
	return m.teardown(ctx)
}

// launch loads the configuration and brings up a build and, when none is
// running, a web server.
func (m *Manager) launch(ctx context.Context) (*Session, error) {
	cfg, err := m.load()
	if err != nil {
		return nil, err
	}

	gen := m.nextGeneration()
	// Events stay buffered until the server below is in place.
	m.router.stage(gen)

	handle, err := m.startBuild(ctx, cfg, gen)
	if err != nil {
		m.router.abandon(gen)
		return nil, err
	}

	m.mu.Lock()
	port := m.port
	m.mu.Unlock()

	server := web.New(web.Config{
		Host:    cfg.Server.Host,
		Port:    port,
		TLSCert: tlsFile(cfg, cfg.Server.TLSCert),
		TLSKey:  tlsFile(cfg, cfg.Server.TLSKey),
	}, m.opts.Logs)
	ln, err := server.Listen()
	if err != nil {
		_ = handle.Close()
		m.router.abandon(gen)
		return nil, fmt.Errorf("start session: %w", err)
	}
	server.SetHandler(handle.Handler(), gen)

	serveDone := make(chan error, 1)
	go func() {
		err := server.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("web server stopped", "error", err)
		}
		serveDone <- err
	}()

	bound := ln.Addr().(*net.TCPAddr).Port
	s := &Session{
		Host:       cfg.Server.Host,
		Port:       bound,
		Protocol:   cfg.Protocol(),
		Generation: gen,
		Strategy:   cfg.Server.RestartStrategy,
		build:      handle,
	}

	m.mu.Lock()
	m.server = server
	m.serveDone = serveDone
	m.current = s
	m.port = bound
	m.mu.Unlock()
	m.router.promote(gen)

	m.logger.Info("session started", "url", s.URL(), "generation", gen)
	return s, nil
}

// teardown shuts the server down and closes the build.
func (m *Manager) teardown(ctx context.Context) error {
	m.mu.Lock()
	server, serveDone, current := m.server, m.serveDone, m.current
	m.server, m.serveDone, m.current = nil, nil, nil
	m.mu.Unlock()

	m.router.reset()

	var errs []error
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
		}
		if serveDone != nil {
			<-serveDone
		}
	}
	if current != nil {
		if err := current.build.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close build %d: %w", current.Generation, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) load() (config.Config, error) {
	cfg, err := m.opts.Load()
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (m *Manager) startBuild(ctx context.Context, cfg config.Config, gen int) (build.Handle, error) {
	engine, err := m.opts.Engines(cfg.Build.Engine, m.opts.Logs.For("build"))
	if err != nil {
		return nil, err
	}

	var entries []string
	if m.opts.Entries != nil {
		entries = m.opts.Entries.Entries()
	}

	handle, err := engine.Start(ctx, build.Job{
		Config:     cfg,
		Entries:    entries,
		Generation: gen,
		Observer:   m.router,
	})
	if err != nil {
		return nil, fmt.Errorf("start build %d: %w", gen, err)
	}
	return handle, nil
}

func (m *Manager) nextGeneration() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generation++
	return m.generation
}

// deliver runs on the router's delivery path for live-generation events.
func (m *Manager) deliver(e events.BuildEvent) {
	m.mu.Lock()
	server := m.server
	m.mu.Unlock()

	if server != nil {
		server.OnBuildEvent(e)
	}
	m.hub.Publish(e)
	if e.Kind == events.Done && m.opts.OnDone != nil {
		m.opts.OnDone(e)
	}
}

func tlsFile(cfg config.Config, path string) string {
	if !cfg.Server.HTTPS || path == "" {
		return ""
	}
	return cfg.Resolve(path)
}
