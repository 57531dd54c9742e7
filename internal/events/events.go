// Package events defines the build lifecycle signals shared between the
// build engines, the session manager, and their observers.
package events

import "sync"

// Kind is the type of a build lifecycle signal.
type Kind int

const (
	// Invalid fires when the engine noticed a change and started recompiling.
	Invalid Kind = iota
	// Done fires when a compilation finished, with or without errors.
	Done
)

func (k Kind) String() string {
	switch k {
	case Invalid:
		return "invalid"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

// BuildEvent is emitted by a build handle. Generation identifies the
// session that produced it so signals from a superseded session can be
// discarded.
type BuildEvent struct {
	Kind       Kind
	Generation int
	Errors     []string
	Warnings   []string
}

// Successful reports whether a Done event carried no errors or warnings.
func (e BuildEvent) Successful() bool {
	return e.Kind == Done && len(e.Errors) == 0 && len(e.Warnings) == 0
}

// Observer receives build events.
type Observer interface {
	OnBuildEvent(BuildEvent)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(BuildEvent)

// OnBuildEvent calls f(e).
func (f ObserverFunc) OnBuildEvent(e BuildEvent) {
	f(e)
}

// Hub fans build events out to subscribed observers in subscription order.
type Hub struct {
	mu        sync.Mutex
	nextID    int
	observers []subscription
}

type subscription struct {
	id       int
	observer Observer
}

// Subscription identifies a registration on a Hub.
type Subscription int

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{}
}

// Subscribe registers o and returns a handle for Unsubscribe.
func (h *Hub) Subscribe(o Observer) Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	h.observers = append(h.observers, subscription{id: h.nextID, observer: o})
	return Subscription(h.nextID)
}

// Unsubscribe removes a registration. Unknown handles are ignored.
func (h *Hub) Unsubscribe(s Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, sub := range h.observers {
		if sub.id == int(s) {
			h.observers = append(h.observers[:i:i], h.observers[i+1:]...)
			return
		}
	}
}

// Len returns the number of subscribed observers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.observers)
}

// Publish delivers e to every observer. Observers are called without the
// hub lock held, so they may subscribe or unsubscribe.
func (h *Hub) Publish(e BuildEvent) {
	h.mu.Lock()
	snapshot := make([]Observer, len(h.observers))
	for i, sub := range h.observers {
		snapshot[i] = sub.observer
	}
	h.mu.Unlock()

	for _, o := range snapshot {
		o.OnBuildEvent(e)
	}
}
