// pattern: Imperative Shell

// Package watcher observes a source tree recursively and emits classified
// events for files with the tracked extension and for directories.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"devsync/internal/clock"
	"devsync/internal/logging"
)

// Config configures the watcher.
type Config struct {
	Root      string
	Extension string      // tracked file extension, e.g. ".js"
	Clock     clock.Clock // optional; defaults to the real clock
}

// Watcher wraps an fsnotify watcher with recursive directory tracking.
type Watcher struct {
	root      string
	extension string
	clock     clock.Clock
	logger    *logging.ScopedLogger
	fsWatcher *fsnotify.Watcher

	mu      sync.Mutex
	dirs    map[string]bool
	handler Handler
	closed  bool
	done    chan struct{}
}

// New creates a watcher. Nothing is observed until Start.
func New(cfg Config, logger *logging.ScopedLogger) (*Watcher, error) {
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve watch root: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("watch root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch root %s is not a directory", root)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	c := cfg.Clock
	if c == nil {
		c = clock.Real()
	}
	if logger == nil {
		logger = logging.NopLogger()
	}

	return &Watcher{
		root:      root,
		extension: cfg.Extension,
		clock:     c,
		logger:    logger,
		fsWatcher: fsWatcher,
		dirs:      make(map[string]bool),
		done:      make(chan struct{}),
	}, nil
}

// Arm sets the handler that receives events, replacing any previous one.
// Calling it again with the same handler is harmless.
func (w *Watcher) Arm(h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handler = h
}

// Start watches every directory under the root, emits the initial scan
// (AddDir and Add for existing content) and then processes notifications
// until ctx is cancelled or Close is called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.addTree(w.root); err != nil {
		return err
	}
	w.logger.Info("watching", "root", w.root, "dirs", len(w.WatchedDirs()), "extension", w.extension)

	go w.run(ctx)
	return nil
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.handle(event)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			// Non-fatal: keep observing the paths that still work.
			w.logger.Error("watcher error", "error", err)
		}
	}
}

// handle classifies a single fsnotify event.
func (w *Watcher) handle(event fsnotify.Event) {
	path := filepath.Clean(event.Name)
	if w.ignored(path) {
		return
	}

	switch {
	case event.Has(fsnotify.Create):
		info, err := os.Stat(path)
		if err != nil {
			// Created and removed before we looked.
			return
		}
		if info.IsDir() {
			if err := w.addTree(path); err != nil {
				w.logger.Error("failed to watch new directory", "path", path, "error", err)
			}
			return
		}
		if w.tracked(path) {
			w.emit(path, Add)
		}

	case event.Has(fsnotify.Write):
		if w.tracked(path) && !w.isDir(path) {
			w.emit(path, Change)
		}

	case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
		if w.isDir(path) {
			w.removeTree(path)
			return
		}
		if w.tracked(path) {
			w.emit(path, Unlink)
		}
	}
}

// addTree watches dir and everything below it, emitting AddDir for each
// directory other than the root and Add for each tracked file.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			w.logger.Warn("walk error", "path", path, "error", err)
			return nil
		}
		if w.ignored(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if !d.IsDir() {
			if w.tracked(path) {
				w.emit(path, Add)
			}
			return nil
		}

		w.mu.Lock()
		known := w.dirs[path]
		w.mu.Unlock()
		if known {
			return nil
		}

		if err := w.fsWatcher.Add(path); err != nil {
			if isWatchLimitError(err) {
				return fmt.Errorf("watch limit reached for %s: %w", path, err)
			}
			w.logger.Warn("failed to watch directory", "path", path, "error", err)
			return nil
		}

		w.mu.Lock()
		w.dirs[path] = true
		w.mu.Unlock()

		if path != w.root {
			w.emit(path, AddDir)
		}
		return nil
	})
}

// removeTree forgets dir and its subdirectories, emitting UnlinkDir for
// each, deepest first.
func (w *Watcher) removeTree(dir string) {
	prefix := dir + string(filepath.Separator)

	w.mu.Lock()
	var removed []string
	for path := range w.dirs {
		if path == dir || strings.HasPrefix(path, prefix) {
			removed = append(removed, path)
			delete(w.dirs, path)
		}
	}
	w.mu.Unlock()

	sort.Sort(sort.Reverse(sort.StringSlice(removed)))
	for _, path := range removed {
		// The kernel usually dropped the watch already.
		_ = w.fsWatcher.Remove(path)
		w.emit(path, UnlinkDir)
	}
}

func (w *Watcher) emit(path string, kind Kind) {
	w.mu.Lock()
	h := w.handler
	closed := w.closed
	w.mu.Unlock()

	if closed {
		return
	}
	w.logger.Debug("fs event", "path", path, "kind", kind.String())
	if h != nil {
		h(Event{Path: path, Kind: kind, Time: w.clock.Now()})
	}
}

// ignored reports whether any segment below the root starts with a dot.
func (w *Watcher) ignored(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." {
		return false
	}
	for _, segment := range strings.Split(filepath.ToSlash(rel), "/") {
		if strings.HasPrefix(segment, ".") {
			return true
		}
	}
	return false
}

func (w *Watcher) tracked(path string) bool {
	return filepath.Ext(path) == w.extension
}

func (w *Watcher) isDir(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dirs[path]
}

// WatchedDirs returns the sorted list of watched directories.
func (w *Watcher) WatchedDirs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.dirs))
	for d := range w.dirs {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// Close stops the watcher and releases the fsnotify handle.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()
	return w.fsWatcher.Close()
}

// Done is closed when the event loop exits.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

// isWatchLimitError checks for inotify watch exhaustion.
func isWatchLimitError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "no space left on device") ||
		strings.Contains(msg, "too many open files")
}
