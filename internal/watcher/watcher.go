// Package watcher wraps fsnotify with a per-path debounce, so the task
// source can invalidate its descriptor cache when package.json or a
// Makefile changes without reacting to every editor write burst.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Handler is called, debounced, when a watched path changes.
type Handler func(path string)

// Watcher watches a directory (non-recursive) and debounces change bursts.
type Watcher struct {
	dir      string
	handler  Handler
	logger   *slog.Logger
	debounce time.Duration
	fs       *fsnotify.Watcher

	mu       sync.Mutex
	lastFire map[string]time.Time
}

// Config holds watcher configuration.
type Config struct {
	Dir      string
	Handler  Handler
	Logger   *slog.Logger
	Debounce time.Duration
}

// New creates a watcher over cfg.Dir.
func New(cfg Config) (*Watcher, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("watch dir is required")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("change handler is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = time.Second
	}

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}

	abs, err := filepath.Abs(cfg.Dir)
	if err != nil {
		fs.Close()
		return nil, fmt.Errorf("resolve watch dir: %w", err)
	}
	if err := fs.Add(abs); err != nil {
		fs.Close()
		return nil, fmt.Errorf("watch %s: %w", abs, err)
	}

	return &Watcher{
		dir:      abs,
		handler:  cfg.Handler,
		logger:   cfg.Logger.With("component", "watcher"),
		debounce: cfg.Debounce,
		fs:       fs,
		lastFire: make(map[string]time.Time),
	}, nil
}

// Run consumes events until ctx is cancelled, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) {
	defer w.fs.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if w.shouldFire(ev.Name) {
				w.logger.Debug("watched path changed", "path", ev.Name, "op", ev.Op.String())
				w.handler(ev.Name)
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", "error", err)
		}
	}
}

// shouldFire suppresses repeat events for the same path inside the
// debounce window; editors produce write bursts on save.
func (w *Watcher) shouldFire(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	if last, ok := w.lastFire[path]; ok && now.Sub(last) < w.debounce {
		return false
	}
	w.lastFire[path] = now
	return true
}
