// pattern: Imperative Shell

// Package build runs the build engine behind a dev session. An engine turns
// a configuration and an entry list into an HTTP handler for the compiled
// output plus a stream of Invalid/Done signals.
package build

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"devsync/internal/config"
	"devsync/internal/events"
	"devsync/internal/logging"
)

// ErrNoCommand is returned when the command engine has nothing to run.
var ErrNoCommand = errors.New("build: no command configured")

// Job is everything an engine needs for one session.
type Job struct {
	Config     config.Config
	Entries    []string
	Generation int
	// Observer, when set, is subscribed before the engine does any work so
	// it cannot miss the first signal.
	Observer events.Observer
}

// Handle is a running build.
type Handle interface {
	Events() *events.Hub
	Handler() http.Handler
	Close() error
}

// Engine starts builds.
type Engine interface {
	Start(ctx context.Context, job Job) (Handle, error)
}

// New returns the engine registered under name.
func New(name string, logger *logging.ScopedLogger) (Engine, error) {
	switch name {
	case config.EngineStatic:
		return &StaticEngine{logger: logger}, nil
	case config.EngineCommand:
		return &CommandEngine{logger: logger}, nil
	default:
		return nil, fmt.Errorf("unknown build engine %q", name)
	}
}

func newHub(job Job) *events.Hub {
	hub := events.NewHub()
	if job.Observer != nil {
		hub.Subscribe(job.Observer)
	}
	return hub
}
