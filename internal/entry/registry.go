// pattern: Imperative Shell

// Package entry tracks the set of build entry points and decides whether a
// filesystem change alters that set.
package entry

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"devsync/internal/logging"
)

// ErrOutsideRoot is returned for paths that do not live under the root.
var ErrOutsideRoot = errors.New("path is outside the source root")

// Registry owns the entry set. Keys are cleaned absolute paths.
type Registry struct {
	root   string
	ext    string
	rule   Rule
	logger *logging.ScopedLogger

	mu      sync.RWMutex
	entries map[string]bool
}

// NewRegistry creates an empty registry for files with extension ext under
// root, qualified by rule.
func NewRegistry(root, ext string, rule Rule, logger *logging.ScopedLogger) (*Registry, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Registry{
		root:    abs,
		ext:     ext,
		rule:    rule,
		logger:  logger,
		entries: make(map[string]bool),
	}, nil
}

// Update applies one filesystem change and reports whether the entry set
// changed. Edits to existing entries never change the set; the build
// engine recompiles those on its own.
func (r *Registry) Update(path string, isDelete bool) (bool, error) {
	abs, rel, err := r.relative(path)
	if err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if isDelete {
		if !r.entries[abs] {
			return false, nil
		}
		delete(r.entries, abs)
		r.logger.Info("entry removed", "path", rel, "entries", len(r.entries))
		return true, nil
	}

	if r.entries[abs] {
		return false, nil
	}
	if !r.candidate(rel) {
		return false, nil
	}
	r.entries[abs] = true
	r.logger.Info("entry added", "path", rel, "entries", len(r.entries))
	return true, nil
}

// Scan walks the root and inserts every candidate, skipping dot entries.
// It returns the number of entries added.
func (r *Registry) Scan() (int, error) {
	added := 0
	err := filepath.WalkDir(r.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			r.logger.Warn("scan error", "path", path, "error", err)
			return nil
		}
		if path != r.root && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		changed, err := r.Update(path, false)
		if err != nil {
			return err
		}
		if changed {
			added++
		}
		return nil
	})
	if err != nil {
		return added, fmt.Errorf("scan %s: %w", r.root, err)
	}
	return added, nil
}

// Entries returns the sorted entry paths.
func (r *Registry) Entries() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for path := range r.entries {
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}

// Contains reports whether path is currently an entry.
func (r *Registry) Contains(path string) bool {
	abs, _, err := r.relative(path)
	if err != nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[abs]
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Root returns the absolute source root.
func (r *Registry) Root() string {
	return r.root
}

func (r *Registry) candidate(rel string) bool {
	if !strings.HasSuffix(rel, r.ext) {
		return false
	}
	for _, segment := range strings.Split(rel, "/") {
		if strings.HasPrefix(segment, ".") {
			return false
		}
	}
	return r.rule.Match(rel)
}

func (r *Registry) relative(path string) (string, string, error) {
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(r.root, path)
	}
	abs = filepath.Clean(abs)

	rel, err := filepath.Rel(r.root, abs)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", "", fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	return abs, filepath.ToSlash(rel), nil
}
