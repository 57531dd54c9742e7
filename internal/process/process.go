// pattern: Imperative Shell

// Package process supervises the external build tool: it resolves and starts
// the binary, streams its output line by line, and stops it on demand.
package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"devsync/internal/logging"
)

// RestartPolicy controls when a process is restarted after exit.
type RestartPolicy int

const (
	Never     RestartPolicy = iota // Never restart
	OnFailure                      // Restart only on non-zero exit
	Always                         // Always restart (unless Stop is called)
)

// Stream names passed to LineFunc.
const (
	Stdout   = "stdout"
	Stderr   = "stderr"
	Terminal = "pty"
)

// LineFunc receives each output line. Under a pty both streams arrive as
// Terminal.
type LineFunc func(stream, line string)

// Config describes a child process to supervise.
type Config struct {
	Name       string
	Binary     string
	Args       []string
	Dir        string
	Env        []string
	PTY        bool
	OnLine     LineFunc
	RestartOn  RestartPolicy
	MaxRetries int
	RetryDelay time.Duration
	StopGrace  time.Duration
}

// Supervisor manages the lifecycle of a child process.
type Supervisor struct {
	cfg    Config
	logger *logging.ScopedLogger

	mu       sync.Mutex
	cmd      *exec.Cmd
	path     string
	running  bool
	stopped  bool
	exitCode int
	done     chan struct{}
}

// NewSupervisor creates a new child process supervisor.
func NewSupervisor(cfg Config, logger *logging.ScopedLogger) *Supervisor {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if cfg.StopGrace == 0 {
		cfg.StopGrace = 5 * time.Second
	}
	return &Supervisor{
		cfg:    cfg,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start resolves the binary and launches the child in a goroutine. A binary
// that cannot be found is reported here rather than from the goroutine.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("supervisor: already running")
	}
	s.mu.Unlock()

	path, err := exec.LookPath(s.cfg.Binary)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", s.cfg.Binary, err)
	}

	s.mu.Lock()
	s.path = path
	s.running = true
	s.mu.Unlock()

	go s.run(ctx)
	return nil
}

// Stop sends SIGTERM and waits up to the grace period, then SIGKILL.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	s.stopped = true
	started := s.running
	cmd := s.cmd
	s.mu.Unlock()

	if !started {
		return nil
	}

	if cmd == nil || cmd.Process == nil {
		// Not running or already exited
		<-s.done
		return nil
	}

	if err := signalGroup(cmd, syscall.SIGTERM); err != nil {
		// Process may already be gone
		<-s.done
		return nil
	}

	select {
	case <-s.done:
		return nil
	case <-time.After(s.cfg.StopGrace):
	}

	s.mu.Lock()
	cmd = s.cmd
	s.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		_ = signalGroup(cmd, syscall.SIGKILL)
	}

	<-s.done
	return nil
}

// Running returns whether the child process is currently running.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// ExitCode returns the last exit code, -1 when the process never exited
// normally.
func (s *Supervisor) ExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode
}

// Done returns a channel that is closed when the supervisor exits
// (either the process exited without restart or Stop was called).
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	retries := 0
	for {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		exitCode := s.runOnce(ctx)

		s.mu.Lock()
		s.exitCode = exitCode
		if s.stopped {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		shouldRestart := false
		switch s.cfg.RestartOn {
		case Always:
			shouldRestart = true
		case OnFailure:
			shouldRestart = exitCode != 0
		}

		if !shouldRestart {
			return
		}

		retries++
		if s.cfg.MaxRetries > 0 && retries > s.cfg.MaxRetries {
			s.logger.Error("max retries exceeded", "retries", retries-1, "process", s.cfg.Name)
			return
		}

		delay := s.cfg.RetryDelay
		if delay == 0 {
			delay = time.Second
		}

		s.logger.Info("restarting process", "process", s.cfg.Name, "attempt", retries, "delay", delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

func (s *Supervisor) command(ctx context.Context) *exec.Cmd {
	s.mu.Lock()
	path := s.path
	s.mu.Unlock()

	cmd := exec.CommandContext(ctx, path, s.cfg.Args...)
	cmd.Dir = s.cfg.Dir
	cmd.Cancel = func() error {
		return signalGroup(cmd, syscall.SIGKILL)
	}
	if len(s.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), s.cfg.Env...)
	}
	return cmd
}

func (s *Supervisor) runOnce(ctx context.Context) int {
	cmd := s.command(ctx)
	s.logger.Info("starting process", "process", s.cfg.Name, "binary", s.cfg.Binary, "args", fmt.Sprintf("%v", s.cfg.Args), "pty", s.cfg.PTY)

	var err error
	if s.cfg.PTY {
		err = s.runTerminal(cmd)
	} else {
		err = s.runPipes(cmd)
	}

	s.mu.Lock()
	s.cmd = nil
	s.mu.Unlock()

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code := exitErr.ExitCode()
			s.logger.Warn("process exited", "process", s.cfg.Name, "exit_code", code)
			return code
		}
		// Context cancellation or other error
		s.logger.Info("process stopped", "process", s.cfg.Name, "error", err)
		return -1
	}

	s.logger.Info("process exited cleanly", "process", s.cfg.Name)
	return 0
}

func (s *Supervisor) runPipes(cmd *exec.Cmd) error {
	// Own process group so watch-mode tools take their workers down with them.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	s.track(cmd)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.scan(Stdout, stdout)
	}()
	go func() {
		defer wg.Done()
		s.scan(Stderr, stderr)
	}()

	wg.Wait()
	return cmd.Wait()
}

func (s *Supervisor) runTerminal(cmd *exec.Cmd) error {
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 40, Cols: 120})
	if err != nil {
		return fmt.Errorf("start pty: %w", err)
	}
	s.track(cmd)

	scanned := make(chan struct{})
	go func() {
		defer close(scanned)
		s.scan(Terminal, ptmx)
	}()

	err = cmd.Wait()

	// Descendants may keep the terminal open after the child exits.
	select {
	case <-scanned:
	case <-time.After(500 * time.Millisecond):
	}
	_ = ptmx.Close()
	<-scanned
	return err
}

// signalGroup signals the child's process group. Children started under a
// pty lead their own session, pipe children their own group.
func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return os.ErrProcessDone
	}
	if err := syscall.Kill(-cmd.Process.Pid, sig); err != nil {
		return cmd.Process.Signal(sig)
	}
	return nil
}

func (s *Supervisor) track(cmd *exec.Cmd) {
	s.mu.Lock()
	s.cmd = cmd
	stopped := s.stopped
	s.mu.Unlock()

	// Stop ran between launch and tracking.
	if stopped {
		_ = signalGroup(cmd, syscall.SIGTERM)
	}
}

func (s *Supervisor) scan(stream string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		s.logger.Debug(line, "stream", stream, "process", s.cfg.Name)
		if s.cfg.OnLine != nil {
			s.cfg.OnLine(stream, line)
		}
	}
}
