// pattern: Imperative Shell

package build

import (
	"context"
	"net/http"
	"sync"

	"devsync/internal/events"
	"devsync/internal/logging"
)

// StaticEngine serves files as they are on disk. It has nothing to compile
// and reports Done as soon as it starts.
type StaticEngine struct {
	logger *logging.ScopedLogger
}

func (e *StaticEngine) Start(_ context.Context, job Job) (Handle, error) {
	h := &staticHandle{
		hub:     newHub(job),
		handler: newFileHandler(job.Config.Resolve(job.Config.Build.OutputDir), job.Config.Resolve(job.Config.PublicDir)),
		done:    make(chan struct{}),
	}
	e.logger.Info("static build ready", "generation", job.Generation, "entries", len(job.Entries))

	go func() {
		defer close(h.done)
		h.hub.Publish(events.BuildEvent{Kind: events.Done, Generation: job.Generation})
	}()
	return h, nil
}

type staticHandle struct {
	hub       *events.Hub
	handler   http.Handler
	done      chan struct{}
	closeOnce sync.Once
}

func (h *staticHandle) Events() *events.Hub   { return h.hub }
func (h *staticHandle) Handler() http.Handler { return h.handler }

func (h *staticHandle) Close() error {
	h.closeOnce.Do(func() { <-h.done })
	return nil
}
