// pattern: Imperative Shell

// Package instance keeps one devsync per project root. The running process
// holds a file lock and publishes its URL in a port file next to it.
package instance

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

const (
	lockFileName = "devsync.lock"
	portFileName = "devsync.port"
)

// ErrRunning is returned when another devsync holds the lock.
var ErrRunning = errors.New("another devsync instance is already running for this project")

// DataDir is where the lock and port file live for a project root.
func DataDir(root string) string {
	return filepath.Join(root, ".devsync")
}

// Lock acquires an exclusive file lock for single-instance enforcement.
// Returns the flock handle (caller must defer Cleanup) or ErrRunning if
// another instance already holds the lock.
func Lock(dataDir string) (*flock.Flock, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create %s: %w", dataDir, err)
	}
	fl := flock.New(filepath.Join(dataDir, lockFileName))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return nil, ErrRunning
	}
	return fl, nil
}

// WritePort records the dev server's base URL (e.g. "http://127.0.0.1:3000").
func WritePort(dataDir, baseURL string) error {
	return os.WriteFile(filepath.Join(dataDir, portFileName), []byte(baseURL), 0600)
}

// Cleanup removes the port file and releases the file lock.
func Cleanup(dataDir string, fl *flock.Flock) {
	_ = os.Remove(filepath.Join(dataDir, portFileName))
	if fl != nil {
		_ = fl.Unlock()
	}
}

// RemoveStale deletes lock and port files left behind by a devsync that
// did not exit cleanly. It refuses while an instance holds the lock.
func RemoveStale(dataDir string) ([]string, error) {
	lockPath := filepath.Join(dataDir, lockFileName)
	if _, err := os.Stat(lockPath); os.IsNotExist(err) {
		return nil, nil
	}

	fl := flock.New(lockPath)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to check lock: %w", err)
	}
	if !locked {
		return nil, ErrRunning
	}
	defer func() { _ = fl.Unlock() }()

	var removed []string
	for _, name := range []string{portFileName, lockFileName} {
		path := filepath.Join(dataDir, name)
		if err := os.Remove(path); err == nil {
			removed = append(removed, path)
		} else if !os.IsNotExist(err) {
			return removed, fmt.Errorf("remove %s: %w", path, err)
		}
	}
	return removed, nil
}
