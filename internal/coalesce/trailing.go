// Package coalesce implements a trailing-edge coalescer: a burst of
// triggers inside one window produces a single flush carrying only the most
// recent value.
package coalesce

import (
	"sync"
	"time"

	"devsync/internal/clock"
)

// Trailing coalesces values of type T. Each Trigger stores the value and
// pushes the flush deadline to now+window; when the window elapses without
// another Trigger, onFlush receives the last value.
type Trailing[T any] struct {
	mu      sync.Mutex
	clock   clock.Clock
	window  time.Duration
	onFlush func(T)

	timer   clock.Timer
	latest  T
	pending bool
	seq     uint64
	stopped bool
}

// NewTrailing creates a coalescer. A nil clock uses the real clock.
func NewTrailing[T any](c clock.Clock, window time.Duration, onFlush func(T)) *Trailing[T] {
	if c == nil {
		c = clock.Real()
	}
	return &Trailing[T]{
		clock:   c,
		window:  window,
		onFlush: onFlush,
	}
}

// Trigger records v as the latest value and restarts the window.
func (t *Trailing[T]) Trigger(v T) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return
	}

	t.latest = v
	t.pending = true
	t.seq++
	if t.timer != nil {
		t.timer.Stop()
	}

	// A timer that already fired but has not taken the lock yet carries an
	// old sequence number and is ignored in fire.
	seq := t.seq
	t.timer = t.clock.AfterFunc(t.window, func() { t.fire(seq) })
}

func (t *Trailing[T]) fire(seq uint64) {
	t.mu.Lock()
	if t.stopped || !t.pending || seq != t.seq {
		t.mu.Unlock()
		return
	}
	v := t.latest
	var zero T
	t.latest = zero
	t.pending = false
	t.timer = nil
	t.mu.Unlock()

	// Handler runs without the lock so it may call Trigger again.
	if t.onFlush != nil {
		t.onFlush(v)
	}
}

// Pending reports whether a value is waiting for its window to elapse.
func (t *Trailing[T]) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending
}

// Stop cancels any pending flush. Later Triggers are ignored.
func (t *Trailing[T]) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopped = true
	t.pending = false
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
