package build

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"devsync/internal/config"
	"devsync/internal/events"
	"devsync/internal/logging"
	"devsync/internal/process"
)

type collector chan events.BuildEvent

func (c collector) OnBuildEvent(e events.BuildEvent) { c <- e }

func (c collector) next(t *testing.T) events.BuildEvent {
	t.Helper()
	select {
	case e := <-c:
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for build event")
		return events.BuildEvent{}
	}
}

func projectConfig(t *testing.T) config.Config {
	t.Helper()
	root := t.TempDir()
	for path, body := range map[string]string{
		"public/index.html": "<html>app</html>",
		"public/robots.txt": "public robots",
		"dist/main.js":      "compiled main",
		"dist/robots.txt":   "dist robots",
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
	return cfg
}

func get(t *testing.T, h http.Handler, path string) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	body, _ := io.ReadAll(rec.Result().Body)
	return rec.Code, string(body)
}

func TestNew(t *testing.T) {
	for _, name := range []string{config.EngineStatic, config.EngineCommand} {
		if _, err := New(name, logging.NopLogger()); err != nil {
			t.Errorf("New(%q) error = %v", name, err)
		}
	}
	if _, err := New("webpack", logging.NopLogger()); err == nil {
		t.Error("expected error for unknown engine")
	}
}

func TestFileHandler(t *testing.T) {
	cfg := projectConfig(t)
	h := newFileHandler(cfg.Resolve("dist"), cfg.Resolve("public"))

	tests := []struct {
		path     string
		wantCode int
		wantBody string
	}{
		{"/main.js", http.StatusOK, "compiled main"},
		{"/robots.txt", http.StatusOK, "dist robots"},
		{"/", http.StatusOK, "<html>app</html>"},
		{"/users/42", http.StatusOK, "<html>app</html>"},
		{"/missing.js", http.StatusNotFound, ""},
		{"/../../etc/passwd", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			code, body := get(t, h, tt.path)
			if code != tt.wantCode {
				t.Errorf("GET %s = %d, want %d", tt.path, code, tt.wantCode)
			}
			if tt.wantBody != "" && body != tt.wantBody {
				t.Errorf("GET %s body = %q, want %q", tt.path, body, tt.wantBody)
			}
		})
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/main.js", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST = %d, want 405", rec.Code)
	}
}

func TestStaticEngine_EmitsDone(t *testing.T) {
	cfg := projectConfig(t)
	sink := make(collector, 4)

	engine, _ := New(config.EngineStatic, logging.NopLogger())
	h, err := engine.Start(context.Background(), Job{Config: cfg, Generation: 3, Observer: sink})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer h.Close()

	e := sink.next(t)
	if !e.Successful() || e.Generation != 3 {
		t.Errorf("event = %+v, want successful Done for generation 3", e)
	}
	if code, body := get(t, h.Handler(), "/main.js"); code != http.StatusOK || body != "compiled main" {
		t.Errorf("GET /main.js = %d %q", code, body)
	}
}

func TestCommandEngine_NoCommand(t *testing.T) {
	cfg := projectConfig(t)
	engine, _ := New(config.EngineCommand, logging.NopLogger())

	_, err := engine.Start(context.Background(), Job{Config: cfg})
	if !errors.Is(err, ErrNoCommand) {
		t.Errorf("Start() error = %v, want ErrNoCommand", err)
	}
}

func TestCommandEngine_MissingBinaryFailsSynchronously(t *testing.T) {
	cfg := projectConfig(t)
	cfg.Build.Engine = config.EngineCommand
	cfg.Build.Command = []string{"devsync-no-such-bundler", "{entries}"}

	engine, _ := New(config.EngineCommand, logging.NopLogger())
	_, err := engine.Start(context.Background(), Job{Config: cfg, Generation: 2})
	if !errors.Is(err, exec.ErrNotFound) {
		t.Errorf("Start() error = %v, want exec.ErrNotFound", err)
	}
}

func TestCommandEngine_FollowsOutput(t *testing.T) {
	cfg := projectConfig(t)
	cfg.Build.Engine = config.EngineCommand
	cfg.Build.PTY = false
	cfg.Build.Command = []string{"sh", "-c", "echo Compiling...; echo 'ERROR in ./src/app.js'; echo Compiled; exec sleep 30"}

	sink := make(collector, 8)
	engine, _ := New(config.EngineCommand, logging.NopLogger())
	h, err := engine.Start(context.Background(), Job{Config: cfg, Generation: 5, Observer: sink})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if e := sink.next(t); e.Kind != events.Invalid || e.Generation != 5 {
		t.Errorf("first event = %+v, want invalid", e)
	}
	done := sink.next(t)
	if done.Kind != events.Done || len(done.Errors) != 1 {
		t.Errorf("second event = %+v, want done with one error", done)
	}

	if err := h.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	select {
	case e := <-sink:
		t.Errorf("unexpected event after Close: %+v", e)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestCommandEngine_ReportsCrash(t *testing.T) {
	cfg := projectConfig(t)
	cfg.Build.Engine = config.EngineCommand
	cfg.Build.PTY = false
	cfg.Build.Command = []string{"sh", "-c", "exit 4"}
	cfg.Build.Restart = config.RestartNever

	sink := make(collector, 4)
	engine, _ := New(config.EngineCommand, logging.NopLogger())
	h, err := engine.Start(context.Background(), Job{Config: cfg, Generation: 1, Observer: sink})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer h.Close()

	e := sink.next(t)
	if e.Successful() || len(e.Errors) == 0 {
		t.Errorf("event = %+v, want Done with exit error", e)
	}
}

func TestCommandEngine_RestartsCrashedCommand(t *testing.T) {
	cfg := projectConfig(t)
	runs := filepath.Join(cfg.Root, "runs.log")
	cfg.Build.Engine = config.EngineCommand
	cfg.Build.PTY = false
	cfg.Build.Command = []string{"sh", "-c", "echo run >> " + runs + "; exit 3"}
	cfg.Build.Restart = config.RestartOnFailure
	cfg.Build.MaxRetries = 2
	cfg.Build.RetryDelayMS = 10

	sink := make(collector, 4)
	engine, _ := New(config.EngineCommand, logging.NopLogger())
	h, err := engine.Start(context.Background(), Job{Config: cfg, Generation: 1, Observer: sink})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer h.Close()

	// Done arrives only after the retries are used up.
	e := sink.next(t)
	if e.Successful() {
		t.Errorf("event = %+v, want Done with exit error", e)
	}
	data, err := os.ReadFile(runs)
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Count(string(data), "run"); got != 3 {
		t.Errorf("command ran %d times, want 3", got)
	}
}

func TestRestartPolicy(t *testing.T) {
	tests := map[string]process.RestartPolicy{
		config.RestartNever:     process.Never,
		config.RestartOnFailure: process.OnFailure,
		config.RestartAlways:    process.Always,
		"":                      process.Never,
	}
	for name, want := range tests {
		if got := restartPolicy(name); got != want {
			t.Errorf("restartPolicy(%q) = %v, want %v", name, got, want)
		}
	}
}
