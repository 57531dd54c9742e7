// pattern: Imperative Shell

// Package coordinator decides when a filesystem change requires restarting
// the build session. Events are throttled on the trailing edge, classified by
// the entry registry, and turned into at most one restart at a time.
package coordinator

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"devsync/internal/clock"
	"devsync/internal/coalesce"
	"devsync/internal/events"
	"devsync/internal/logging"
	"devsync/internal/watcher"
)

// State is the coordinator's position in its lifecycle.
type State int

const (
	Inactive State = iota
	Idle
	Throttling
	Restarting
)

func (s State) String() string {
	switch s {
	case Inactive:
		return "inactive"
	case Idle:
		return "idle"
	case Throttling:
		return "throttling"
	case Restarting:
		return "restarting"
	default:
		return "unknown"
	}
}

// Registry decides whether a change alters the entry set.
type Registry interface {
	Update(path string, isDelete bool) (bool, error)
}

// Restarter replaces the running session.
type Restarter interface {
	Restart(ctx context.Context) error
}

// RestartFunc adapts a function to Restarter.
type RestartFunc func(ctx context.Context) error

func (f RestartFunc) Restart(ctx context.Context) error {
	return f(ctx)
}

// Stats counts what the coordinator has done so far.
type Stats struct {
	EventsSeen      int
	EventsDiscarded int
	Updates         int
	Restarts        int
	RestartFailures int
}

// Config holds the coordinator's collaborators.
type Config struct {
	Registry  Registry
	Restarter Restarter
	Extension string
	Window    time.Duration
	Clock     clock.Clock
}

// Coordinator is safe for concurrent use. Watcher events and build events may
// arrive on different goroutines.
type Coordinator struct {
	registry  Registry
	restarter Restarter
	extension string
	logger    *logging.ScopedLogger
	throttle  *coalesce.Trailing[watcher.Event]

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	state   State
	pending *watcher.Event
	stats   Stats
}

// New creates an inactive coordinator.
func New(cfg Config, logger *logging.ScopedLogger) *Coordinator {
	if logger == nil {
		logger = logging.NopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		registry:  cfg.Registry,
		restarter: cfg.Restarter,
		extension: cfg.Extension,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		state:     Inactive,
	}
	c.throttle = coalesce.NewTrailing(cfg.Clock, cfg.Window, c.flush)
	return c
}

// HandleEvent is the watcher handler.
func (c *Coordinator) HandleEvent(e watcher.Event) {
	if e.IsDir() || !c.qualifies(e.Path) {
		return
	}

	c.mu.Lock()
	c.stats.EventsSeen++
	switch c.state {
	case Inactive:
		c.stats.EventsDiscarded++
		c.mu.Unlock()
		return
	case Restarting:
		pending := e
		c.pending = &pending
		c.mu.Unlock()
		c.logger.Debug("event deferred until restart completes", "path", e.Path, "kind", e.Kind.String())
		return
	}
	c.state = Throttling
	c.mu.Unlock()

	c.throttle.Trigger(e)
}

// OnBuildEvent activates the coordinator on the first completed build.
func (c *Coordinator) OnBuildEvent(e events.BuildEvent) {
	if e.Kind != events.Done {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Inactive {
		c.state = Idle
		c.logger.Info("coordinator active", "generation", e.Generation)
	}
}

func (c *Coordinator) flush(e watcher.Event) {
	c.mu.Lock()
	if c.state == Restarting {
		pending := e
		c.pending = &pending
		c.mu.Unlock()
		return
	}
	c.stats.Updates++
	c.mu.Unlock()

	changed, err := c.registry.Update(e.Path, e.IsDelete())
	if err != nil {
		c.logger.Warn("entry update failed, keeping current session", "path", e.Path, "error", err)
		c.settle()
		return
	}
	if !changed {
		c.logger.Debug("entries unchanged", "path", e.Path)
		c.settle()
		return
	}

	c.mu.Lock()
	c.state = Restarting
	c.stats.Restarts++
	c.mu.Unlock()

	c.logger.Info("entry set changed, restarting", "path", e.Path, "kind", e.Kind.String())
	if err := c.restarter.Restart(c.ctx); err != nil {
		c.mu.Lock()
		c.stats.RestartFailures++
		c.mu.Unlock()
		c.logger.Error("restart failed", "error", err)
	}
	c.settle()
}

// settle returns to Idle and replays the deferred event, if any.
func (c *Coordinator) settle() {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	if c.state == Inactive {
		c.mu.Unlock()
		return
	}
	if pending == nil {
		// Events that arrived while Update ran are already queued in the
		// coalescer; its flush must find the coordinator out of Restarting.
		if c.throttle.Pending() {
			c.state = Throttling
		} else {
			c.state = Idle
		}
		c.mu.Unlock()
		return
	}
	c.state = Throttling
	c.mu.Unlock()

	c.throttle.Trigger(*pending)
}

func (c *Coordinator) qualifies(path string) bool {
	return c.extension == "" || filepath.Ext(path) == c.extension
}

// Stop cancels any pending flush and an in-flight restart's context.
func (c *Coordinator) Stop() {
	c.throttle.Stop()
	c.cancel()
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats returns a snapshot of the counters.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
