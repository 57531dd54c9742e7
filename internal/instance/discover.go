// pattern: Imperative Shell

package instance

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
)

// ErrNotRunning is returned by Discover when nothing holds the lock.
var ErrNotRunning = fmt.Errorf("no running devsync instance found")

// Discover checks whether a running devsync instance exists and returns
// its base URL. Returns an error if no instance is running, the port file
// is missing, or the health check fails.
func Discover(dataDir string) (string, error) {
	if _, err := os.Stat(dataDir); os.IsNotExist(err) {
		return "", ErrNotRunning
	}

	// Acquiring the lock means no instance is running.
	fl := flock.New(filepath.Join(dataDir, lockFileName))
	locked, err := fl.TryLock()
	if err != nil {
		return "", fmt.Errorf("failed to check lock: %w", err)
	}
	if locked {
		_ = fl.Unlock()
		return "", ErrNotRunning
	}

	data, err := os.ReadFile(filepath.Join(dataDir, portFileName))
	if err != nil {
		return "", fmt.Errorf("devsync instance detected but port file missing (try 'devsync cleanup'): %w", err)
	}

	baseURL := strings.TrimRight(strings.TrimSpace(string(data)), "/")
	if baseURL == "" {
		return "", fmt.Errorf("devsync port file is empty (try 'devsync cleanup')")
	}
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}

	if _, err := NewClient(baseURL).Health(); err != nil {
		return "", fmt.Errorf("devsync instance not responding (try 'devsync cleanup'): %w", err)
	}
	return baseURL, nil
}
