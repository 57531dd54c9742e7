package session

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"devsync/internal/config"
	"devsync/internal/events"
	"devsync/internal/logging"
)

type fakeEntries []string

func (f fakeEntries) Entries() []string { return f }

type fixture struct {
	t       *testing.T
	mu      sync.Mutex
	cfg     config.Config
	loads   int
	dones   chan events.BuildEvent
	manager *Manager
}

func newFixture(t *testing.T, strategy string) *fixture {
	t.Helper()
	root := t.TempDir()
	for path, body := range map[string]string{
		"public/index.html": "<html>index</html>",
		"src/index.js":      "console.log('hi')",
	} {
		full := filepath.Join(root, path)
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(body), 0644); err != nil {
			t.Fatal(err)
		}
	}

	cfg := config.DefaultConfig()
	cfg.Root = root
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.RestartStrategy = strategy

	lm := logging.NewTestLogManager(100)
	t.Cleanup(func() { _ = lm.Close() })

	f := &fixture{t: t, cfg: cfg, dones: make(chan events.BuildEvent, 16)}
	f.manager = NewManager(Options{
		Load:    f.load,
		Entries: fakeEntries{filepath.Join(root, "src", "index.js")},
		OnDone:  func(e events.BuildEvent) { f.dones <- e },
		Logs:    lm,
	})
	t.Cleanup(func() { _ = f.manager.Close(context.Background()) })
	return f
}

func (f *fixture) load() (config.Config, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	return f.cfg, nil
}

func (f *fixture) update(fn func(*config.Config)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(&f.cfg)
}

func (f *fixture) breakBuild() {
	f.update(func(c *config.Config) {
		c.Build.Engine = config.EngineCommand
		c.Build.Command = []string{"devsync-missing-bundler", "{entries}"}
	})
}

func (f *fixture) waitDone(gen int) {
	f.t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e := <-f.dones:
			if e.Generation == gen {
				return
			}
		case <-timeout:
			f.t.Fatalf("no Done for generation %d", gen)
		}
	}
}

func (f *fixture) get(path string) (string, error) {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://" + f.manager.Addr() + path)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	return string(body), err
}

func TestManager_StartServesAndSignals(t *testing.T) {
	f := newFixture(t, config.StrategyTwoPhase)

	var observed []events.BuildEvent
	var mu sync.Mutex
	f.manager.Events().Subscribe(events.ObserverFunc(func(e events.BuildEvent) {
		mu.Lock()
		observed = append(observed, e)
		mu.Unlock()
	}))

	s, err := f.manager.Start(context.Background(), 0)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if s.Generation != 1 || s.Port == 0 || s.Protocol != "http" {
		t.Errorf("session = %+v", s)
	}
	if f.manager.Current() != s {
		t.Error("Current() is not the started session")
	}
	f.waitDone(1)

	body, err := f.get("/")
	if err != nil || body != "<html>index</html>" {
		t.Errorf("GET / = %q, %v", body, err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(observed) != 1 || observed[0].Kind != events.Done {
		t.Errorf("observed = %+v, want one Done", observed)
	}

	if _, err := f.manager.Start(context.Background(), 0); err == nil {
		t.Error("second Start() should fail")
	}
}

func TestManager_FirstDoneReachesServer(t *testing.T) {
	f := newFixture(t, config.StrategyTeardownFirst)
	served := make(chan bool, 4)
	f.manager.opts.OnDone = func(e events.BuildEvent) {
		f.manager.mu.Lock()
		served <- f.manager.server != nil
		f.manager.mu.Unlock()
	}

	expectServed := func(step string) {
		t.Helper()
		select {
		case ok := <-served:
			if !ok {
				t.Errorf("%s: Done delivered before the server was in place", step)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("%s: no Done", step)
		}
	}

	if _, err := f.manager.Start(context.Background(), 0); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	expectServed("start")

	if _, err := f.manager.Restart(context.Background()); err != nil {
		t.Fatalf("Restart() error = %v", err)
	}
	expectServed("restart")
}

func TestManager_RestartBeforeStart(t *testing.T) {
	f := newFixture(t, config.StrategyTwoPhase)
	if _, err := f.manager.Restart(context.Background()); !errors.Is(err, ErrNoSession) {
		t.Errorf("Restart() error = %v, want ErrNoSession", err)
	}
}

func TestManager_TwoPhaseRestartKeepsPort(t *testing.T) {
	f := newFixture(t, config.StrategyTwoPhase)
	first, err := f.manager.Start(context.Background(), 0)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	f.waitDone(1)
	addr := f.manager.Addr()

	next, err := f.manager.Restart(context.Background())
	if err != nil {
		t.Fatalf("Restart() error = %v", err)
	}
	f.waitDone(2)

	if next.Generation != 2 || next.Port != first.Port {
		t.Errorf("restarted session = %+v, first = %+v", next, first)
	}
	if f.manager.Addr() != addr {
		t.Errorf("Addr() = %q, want unchanged %q", f.manager.Addr(), addr)
	}
	if body, err := f.get("/"); err != nil || body != "<html>index</html>" {
		t.Errorf("GET / after restart = %q, %v", body, err)
	}
	if f.loads != 2 {
		t.Errorf("config loaded %d times, want once per (re)start", f.loads)
	}
}

func TestManager_TwoPhaseFailureKeepsServing(t *testing.T) {
	f := newFixture(t, config.StrategyTwoPhase)
	first, err := f.manager.Start(context.Background(), 0)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	f.waitDone(1)

	f.breakBuild()
	if _, err := f.manager.Restart(context.Background()); err == nil {
		t.Fatal("Restart() with a missing build tool should fail")
	}

	if f.manager.Current() != first {
		t.Error("failed restart replaced the live session")
	}
	if body, err := f.get("/"); err != nil || body != "<html>index</html>" {
		t.Errorf("GET / after failed restart = %q, %v", body, err)
	}
}

func TestManager_TeardownFirstRestart(t *testing.T) {
	f := newFixture(t, config.StrategyTeardownFirst)
	first, err := f.manager.Start(context.Background(), 0)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	f.waitDone(1)

	next, err := f.manager.Restart(context.Background())
	if err != nil {
		t.Fatalf("Restart() error = %v", err)
	}
	f.waitDone(2)

	if next.Port != first.Port {
		t.Errorf("port changed from %d to %d", first.Port, next.Port)
	}
	if next.Strategy != config.StrategyTeardownFirst {
		t.Errorf("Strategy = %q", next.Strategy)
	}
	if body, err := f.get("/"); err != nil || body != "<html>index</html>" {
		t.Errorf("GET / after restart = %q, %v", body, err)
	}
}

func TestManager_TeardownFirstFailureLeavesNothing(t *testing.T) {
	f := newFixture(t, config.StrategyTeardownFirst)
	if _, err := f.manager.Start(context.Background(), 0); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	f.waitDone(1)
	addr := f.manager.Addr()

	f.breakBuild()
	if _, err := f.manager.Restart(context.Background()); err == nil {
		t.Fatal("Restart() with a missing build tool should fail")
	}

	if f.manager.Current() != nil {
		t.Error("Current() should be nil after failed teardown-first restart")
	}
	client := &http.Client{Timeout: time.Second}
	if _, err := client.Get("http://" + addr + "/"); err == nil {
		t.Error("server still listening after failed teardown-first restart")
	}
}

func TestManager_Close(t *testing.T) {
	f := newFixture(t, config.StrategyTwoPhase)
	if _, err := f.manager.Start(context.Background(), 0); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	f.waitDone(1)
	addr := f.manager.Addr()

	if err := f.manager.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if f.manager.Current() != nil || f.manager.Addr() != "" {
		t.Error("session still present after Close")
	}
	client := &http.Client{Timeout: time.Second}
	if _, err := client.Get("http://" + addr + "/"); err == nil {
		t.Error("server still listening after Close")
	}
}

func TestSession_URL(t *testing.T) {
	s := &Session{Host: "localhost", Port: 3000, Protocol: "https"}
	if got := s.URL(); got != "https://localhost:3000/" {
		t.Errorf("URL() = %q", got)
	}
}
