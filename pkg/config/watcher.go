package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads configuration when its file changes and hands every
// valid result to the apply callback. Invalid edits are logged and the
// last good config stays in effect.
type Watcher struct {
	loader   *Loader
	apply    func(*RuntimeConfig)
	logger   *slog.Logger
	debounce time.Duration
}

// WatcherOption customizes watcher behaviour.
type WatcherOption func(*Watcher)

// WithWatchLogger overrides the default logger.
func WithWatchLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithDebounce collapses bursts of write events within the window.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// NewWatcher wires a watcher around an already constructed loader.
func NewWatcher(loader *Loader, apply func(*RuntimeConfig), opts ...WatcherOption) *Watcher {
	w := &Watcher{
		loader:   loader,
		apply:    apply,
		logger:   slog.Default(),
		debounce: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run blocks until ctx is cancelled. Editors replace files with rename
// and create rather than plain writes, so the watch covers the parent
// directory and filters on the target path.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	target := w.loader.Path()
	if err := fsw.Add(filepath.Dir(target)); err != nil {
		return err
	}

	var timer *time.Timer
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			pending = timer.C
		case <-pending:
			pending = nil
			w.reload()
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watch error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := w.loader.Reload()
	if err != nil {
		w.logger.Warn("config reload failed", "path", w.loader.Path(), "error", err)
		return
	}
	w.logger.Info("config reloaded", "path", cfg.SourcePath, "hash", cfg.SourceHash)
	if w.apply != nil {
		w.apply(cfg)
	}
}
