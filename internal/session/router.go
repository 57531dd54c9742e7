// pattern: Imperative Shell

package session

import (
	"sync"

	"devsync/internal/events"
)

// router filters build events by generation. Events of the live generation
// are delivered; events of a staged generation wait until it is promoted;
// everything else belongs to a superseded build and is dropped.
type router struct {
	deliver func(events.BuildEvent)

	// delivery serializes deliver calls so buffered events flushed on
	// promotion stay ordered ahead of later ones.
	delivery sync.Mutex

	mu      sync.Mutex
	live    int
	staged  int
	buffer  []events.BuildEvent
	dropped int
}

func newRouter(deliver func(events.BuildEvent)) *router {
	return &router{deliver: deliver}
}

func (r *router) OnBuildEvent(e events.BuildEvent) {
	r.delivery.Lock()
	defer r.delivery.Unlock()

	r.mu.Lock()
	switch e.Generation {
	case r.live:
		r.mu.Unlock()
		r.deliver(e)
		return
	case r.staged:
		r.buffer = append(r.buffer, e)
	default:
		r.dropped++
	}
	r.mu.Unlock()
}

// stage marks gen as the candidate replacing the live generation.
func (r *router) stage(gen int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.staged = gen
	r.buffer = nil
}

// promote makes gen live and flushes what it produced while staged.
func (r *router) promote(gen int) {
	r.delivery.Lock()
	defer r.delivery.Unlock()

	r.mu.Lock()
	if r.staged != gen {
		r.mu.Unlock()
		return
	}
	r.live = gen
	r.staged = 0
	buffered := r.buffer
	r.buffer = nil
	r.mu.Unlock()

	for _, e := range buffered {
		r.deliver(e)
	}
}

// abandon forgets a staged generation whose build failed.
func (r *router) abandon(gen int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.staged == gen {
		r.staged = 0
		r.buffer = nil
	}
	if r.live == gen {
		r.live = 0
	}
}

// reset drops the live generation.
func (r *router) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live, r.staged, r.buffer = 0, 0, nil
}

// Dropped returns how many superseded events were discarded.
func (r *router) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}
