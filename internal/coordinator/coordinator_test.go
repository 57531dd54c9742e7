package coordinator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"devsync/internal/clock"
	"devsync/internal/entry"
	"devsync/internal/events"
	"devsync/internal/logging"
	"devsync/internal/watcher"
)

const window = time.Second

type countingRegistry struct {
	inner    *entry.Registry
	onUpdate func(n int)

	mu    sync.Mutex
	calls []update
}

type update struct {
	path     string
	isDelete bool
}

func (r *countingRegistry) Update(path string, isDelete bool) (bool, error) {
	r.mu.Lock()
	r.calls = append(r.calls, update{path, isDelete})
	n := len(r.calls)
	hook := r.onUpdate
	r.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return r.inner.Update(path, isDelete)
}

func (r *countingRegistry) updates() []update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]update(nil), r.calls...)
}

type harness struct {
	root       string
	clock      *clock.Fake
	registry   *countingRegistry
	entries    *entry.Registry
	coord      *Coordinator
	restarts   int
	onRestart  func()
	restartErr error
}

func newHarness(t *testing.T, existing ...string) *harness {
	t.Helper()
	root := t.TempDir()
	for _, name := range existing {
		writeFile(t, filepath.Join(root, name))
	}

	rule, err := entry.NewGlobRule("*.src")
	if err != nil {
		t.Fatalf("NewGlobRule() error = %v", err)
	}
	reg, err := entry.NewRegistry(root, ".src", rule, logging.NopLogger())
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	if _, err := reg.Scan(); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}

	h := &harness{
		root:     root,
		clock:    clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		registry: &countingRegistry{inner: reg},
		entries:  reg,
	}
	h.coord = New(Config{
		Registry: h.registry,
		Restarter: RestartFunc(func(context.Context) error {
			h.restarts++
			if h.onRestart != nil {
				h.onRestart()
			}
			return h.restartErr
		}),
		Extension: ".src",
		Window:    window,
		Clock:     h.clock,
	}, logging.NopLogger())
	t.Cleanup(h.coord.Stop)
	return h
}

func (h *harness) activate() {
	h.coord.OnBuildEvent(events.BuildEvent{Kind: events.Done, Generation: 1})
}

func (h *harness) event(name string, kind watcher.Kind) watcher.Event {
	return watcher.Event{Path: filepath.Join(h.root, name), Kind: kind}
}

func writeFile(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("export {}"), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestCoordinator_StartsInactive(t *testing.T) {
	h := newHarness(t)
	if got := h.coord.State(); got != Inactive {
		t.Fatalf("State() = %v, want %v", got, Inactive)
	}
}

func TestCoordinator_DiscardsEventsUntilFirstDone(t *testing.T) {
	h := newHarness(t)

	// The initial scan burst arrives before the first build completes.
	for _, name := range []string{"a.src", "b.src", "c.src"} {
		writeFile(t, filepath.Join(h.root, name))
		h.coord.HandleEvent(h.event(name, watcher.Add))
	}
	h.coord.OnBuildEvent(events.BuildEvent{Kind: events.Invalid, Generation: 1})
	h.clock.Advance(5 * window)

	if calls := h.registry.updates(); len(calls) != 0 {
		t.Errorf("Update called %d times before activation", len(calls))
	}
	if h.restarts != 0 {
		t.Errorf("restarts = %d, want 0", h.restarts)
	}
	stats := h.coord.Stats()
	if stats.EventsDiscarded != 3 {
		t.Errorf("EventsDiscarded = %d, want 3", stats.EventsDiscarded)
	}

	h.activate()
	if got := h.coord.State(); got != Idle {
		t.Errorf("State() after Done = %v, want %v", got, Idle)
	}

	// Later Done events do not change anything.
	h.activate()
	if got := h.coord.State(); got != Idle {
		t.Errorf("State() after second Done = %v, want %v", got, Idle)
	}
}

func TestCoordinator_RapidSavesRestartOnce(t *testing.T) {
	h := newHarness(t, "a.src")
	h.activate()

	writeFile(t, filepath.Join(h.root, "b.src"))
	for i := 0; i < 5; i++ {
		h.coord.HandleEvent(h.event("b.src", watcher.Add))
		if got := h.coord.State(); got != Throttling {
			t.Fatalf("State() = %v, want %v", got, Throttling)
		}
		h.clock.Advance(150 * time.Millisecond)
	}

	// 600ms since the first save, and the window restarts on each one.
	if calls := h.registry.updates(); len(calls) != 0 {
		t.Fatalf("Update called during burst: %v", calls)
	}

	h.clock.Advance(window)

	calls := h.registry.updates()
	if len(calls) != 1 {
		t.Fatalf("Update called %d times, want 1", len(calls))
	}
	if calls[0].path != filepath.Join(h.root, "b.src") || calls[0].isDelete {
		t.Errorf("Update(%q, %v), want b.src add", calls[0].path, calls[0].isDelete)
	}
	if h.restarts != 1 {
		t.Errorf("restarts = %d, want 1", h.restarts)
	}
	if !h.entries.Contains("a.src") || !h.entries.Contains("b.src") {
		t.Errorf("Entries() = %v, want a.src and b.src", h.entries.Entries())
	}
	if got := h.coord.State(); got != Idle {
		t.Errorf("State() = %v, want %v", got, Idle)
	}
}

func TestCoordinator_LastEventInWindowWins(t *testing.T) {
	h := newHarness(t, "a.src", "b.src")
	h.activate()

	h.coord.HandleEvent(h.event("b.src", watcher.Change))
	h.coord.HandleEvent(h.event("b.src", watcher.Unlink))
	h.clock.Advance(window)

	calls := h.registry.updates()
	if len(calls) != 1 || !calls[0].isDelete {
		t.Fatalf("updates = %v, want a single delete", calls)
	}
}

func TestCoordinator_UntrackedFilesIgnored(t *testing.T) {
	h := newHarness(t, "a.src")
	h.activate()

	writeFile(t, filepath.Join(h.root, "style.css"))
	h.coord.HandleEvent(h.event("style.css", watcher.Change))
	h.clock.Advance(2 * window)

	if calls := h.registry.updates(); len(calls) != 0 {
		t.Errorf("Update called for untracked file: %v", calls)
	}
	if h.restarts != 0 {
		t.Errorf("restarts = %d, want 0", h.restarts)
	}
	if got := h.coord.State(); got != Idle {
		t.Errorf("State() = %v, want %v", got, Idle)
	}
}

func TestCoordinator_DirectoryEventsIgnored(t *testing.T) {
	h := newHarness(t, "a.src")
	h.activate()
	before := h.entries.Entries()

	h.coord.HandleEvent(h.event("pages.src", watcher.AddDir))
	h.coord.HandleEvent(h.event("a.src", watcher.UnlinkDir))
	h.clock.Advance(2 * window)

	if calls := h.registry.updates(); len(calls) != 0 {
		t.Errorf("Update called for directory events: %v", calls)
	}
	if h.restarts != 0 {
		t.Errorf("restarts = %d, want 0", h.restarts)
	}
	if after := h.entries.Entries(); len(after) != len(before) {
		t.Errorf("Entries() = %v, want %v", after, before)
	}
}

func TestCoordinator_DeletingEntryRestartsOnce(t *testing.T) {
	h := newHarness(t, "a.src", "b.src")
	h.activate()

	if err := os.Remove(filepath.Join(h.root, "b.src")); err != nil {
		t.Fatal(err)
	}
	h.coord.HandleEvent(h.event("b.src", watcher.Unlink))
	h.clock.Advance(window)

	if h.restarts != 1 {
		t.Errorf("restarts = %d, want 1", h.restarts)
	}
	if h.entries.Contains("b.src") {
		t.Error("b.src still an entry after delete")
	}
	if !h.entries.Contains("a.src") {
		t.Error("a.src missing after delete of b.src")
	}
}

func TestCoordinator_EditToExistingEntryNoRestart(t *testing.T) {
	h := newHarness(t, "a.src")
	h.activate()

	h.coord.HandleEvent(h.event("a.src", watcher.Change))
	h.clock.Advance(window)

	if calls := h.registry.updates(); len(calls) != 1 {
		t.Fatalf("Update called %d times, want 1", len(calls))
	}
	if h.restarts != 0 {
		t.Errorf("restarts = %d, want 0", h.restarts)
	}
}

func TestCoordinator_UpdateFailureSkipsRestart(t *testing.T) {
	h := newHarness(t, "a.src")
	h.activate()

	outside := filepath.Join(filepath.Dir(h.root), "elsewhere.src")
	h.coord.HandleEvent(watcher.Event{Path: outside, Kind: watcher.Add})
	h.clock.Advance(window)

	if h.restarts != 0 {
		t.Errorf("restarts = %d, want 0", h.restarts)
	}
	if got := h.coord.State(); got != Idle {
		t.Errorf("State() = %v, want %v", got, Idle)
	}
	if !h.entries.Contains("a.src") {
		t.Error("existing entries lost after failed update")
	}
}

func TestCoordinator_EventDuringRestartIsDeferred(t *testing.T) {
	h := newHarness(t, "a.src")
	h.activate()
	writeFile(t, filepath.Join(h.root, "b.src"))
	writeFile(t, filepath.Join(h.root, "c.src"))

	h.onRestart = func() {
		if h.restarts != 1 {
			return
		}
		if got := h.coord.State(); got != Restarting {
			t.Errorf("State() during restart = %v, want %v", got, Restarting)
		}
		h.coord.HandleEvent(h.event("c.src", watcher.Add))
		if h.clock.Pending() != 0 {
			t.Error("deferred event should not start a timer while restarting")
		}
	}

	h.coord.HandleEvent(h.event("b.src", watcher.Add))
	h.clock.Advance(window)

	if h.restarts != 1 {
		t.Fatalf("restarts = %d after first window, want 1", h.restarts)
	}
	if got := h.coord.State(); got != Throttling {
		t.Fatalf("State() after restart = %v, want %v (pending replay)", got, Throttling)
	}

	h.clock.Advance(window)

	if h.restarts != 2 {
		t.Errorf("restarts = %d, want 2", h.restarts)
	}
	if !h.entries.Contains("c.src") {
		t.Error("deferred c.src never applied")
	}
	if got := h.coord.State(); got != Idle {
		t.Errorf("State() = %v, want %v", got, Idle)
	}
}

func TestCoordinator_EventDuringUpdateBeforeRestart(t *testing.T) {
	h := newHarness(t, "a.src")
	h.activate()
	for _, name := range []string{"b.src", "c.src", "d.src"} {
		writeFile(t, filepath.Join(h.root, name))
	}

	h.registry.onUpdate = func(n int) {
		if n == 1 {
			h.coord.HandleEvent(h.event("c.src", watcher.Add))
		}
	}

	h.coord.HandleEvent(h.event("b.src", watcher.Add))
	h.clock.Advance(window)

	if h.restarts != 1 {
		t.Fatalf("restarts = %d after first window, want 1", h.restarts)
	}
	if got := h.coord.State(); got != Throttling {
		t.Fatalf("State() after restart = %v, want %v", got, Throttling)
	}

	h.clock.Advance(window)

	if h.restarts != 2 {
		t.Errorf("restarts = %d after second window, want 2", h.restarts)
	}
	if !h.entries.Contains("c.src") {
		t.Error("c.src queued during update never applied")
	}
	if got := h.coord.State(); got != Idle {
		t.Fatalf("State() = %v, want %v", got, Idle)
	}

	h.coord.HandleEvent(h.event("d.src", watcher.Add))
	h.clock.Advance(window)

	if h.restarts != 3 {
		t.Errorf("restarts = %d after later event, want 3", h.restarts)
	}
	if got := h.coord.State(); got != Idle {
		t.Errorf("State() = %v, want %v", got, Idle)
	}
}

func TestCoordinator_FlushDuringRestartNeverOverlaps(t *testing.T) {
	h := newHarness(t, "a.src")
	h.activate()
	writeFile(t, filepath.Join(h.root, "b.src"))
	writeFile(t, filepath.Join(h.root, "c.src"))

	var inFlight, maxInFlight int
	h.onRestart = func() {
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		if h.restarts == 1 {
			// A window elapsing mid-restart must not start another one.
			h.coord.flush(h.event("c.src", watcher.Add))
		}
		inFlight--
	}

	h.coord.HandleEvent(h.event("b.src", watcher.Add))
	h.clock.Advance(window)
	h.clock.Advance(window)

	if maxInFlight != 1 {
		t.Errorf("max concurrent restarts = %d, want 1", maxInFlight)
	}
	if h.restarts != 2 {
		t.Errorf("restarts = %d, want 2", h.restarts)
	}
}

func TestCoordinator_RestartFailureReturnsToIdle(t *testing.T) {
	h := newHarness(t)
	h.activate()
	h.restartErr = errors.New("bind: address already in use")

	writeFile(t, filepath.Join(h.root, "b.src"))
	h.coord.HandleEvent(h.event("b.src", watcher.Add))
	h.clock.Advance(window)

	if got := h.coord.State(); got != Idle {
		t.Errorf("State() = %v, want %v", got, Idle)
	}
	if stats := h.coord.Stats(); stats.RestartFailures != 1 || stats.Restarts != 1 {
		t.Errorf("Stats() = %+v", stats)
	}
}

func TestCoordinator_StopCancelsPendingFlush(t *testing.T) {
	h := newHarness(t)
	h.activate()

	writeFile(t, filepath.Join(h.root, "b.src"))
	h.coord.HandleEvent(h.event("b.src", watcher.Add))
	h.coord.Stop()
	h.clock.Advance(window)

	if calls := h.registry.updates(); len(calls) != 0 {
		t.Errorf("Update called after Stop: %v", calls)
	}
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		Inactive:   "inactive",
		Idle:       "idle",
		Throttling: "throttling",
		Restarting: "restarting",
		State(42):  "unknown",
	}
	for state, want := range tests {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(state), got, want)
		}
	}
}
