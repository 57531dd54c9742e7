// pattern: Imperative Shell

package logging

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NopLogger returns a logger that discards all output.
func NopLogger() *ScopedLogger {
	return &ScopedLogger{}
}

// TestLogManager is a LoggerProvider for tests. Everything at debug level
// and above is decoded onto a channel.
type TestLogManager struct {
	sink    *ChannelSink
	baseZap *zap.Logger

	mu      sync.Mutex
	loggers map[string]*ScopedLogger
}

// NewTestLogManager creates a TestLogManager with the given buffer size.
func NewTestLogManager(bufferSize int) *TestLogManager {
	sink := NewChannelSink(bufferSize)
	core := zapcore.NewCore(zapcore.NewJSONEncoder(jsonEncoderConfig()), zapcore.AddSync(sink), zapcore.DebugLevel)
	return &TestLogManager{
		sink:    sink,
		baseZap: zap.New(core),
		loggers: make(map[string]*ScopedLogger),
	}
}

// For returns the cached logger for scope.
func (m *TestLogManager) For(scope string) *ScopedLogger {
	m.mu.Lock()
	defer m.mu.Unlock()
	if logger, ok := m.loggers[scope]; ok {
		return logger
	}
	logger := newScopedLogger(m.baseZap.Named(scope), zapcore.DebugLevel, scope)
	m.loggers[scope] = logger
	return logger
}

// Channel returns the decoded entries.
func (m *TestLogManager) Channel() <-chan LogEntry {
	return m.sink.Entries()
}

// WaitFor returns the first entry with the given message, draining entries
// that do not match. It gives up after timeout.
func (m *TestLogManager) WaitFor(message string, timeout time.Duration) (LogEntry, bool) {
	deadline := time.After(timeout)
	for {
		select {
		case entry, ok := <-m.sink.Entries():
			if !ok {
				return LogEntry{}, false
			}
			if entry.Message == message {
				return entry, true
			}
		case <-deadline:
			return LogEntry{}, false
		}
	}
}

// Close closes the underlying channel.
func (m *TestLogManager) Close() error {
	return m.sink.Close()
}
