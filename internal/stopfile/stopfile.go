// Package stopfile turns the appearance of a file into a cancellation.
// Operators stop a run with `touch ~/.rootwatch/STOP`.
package stopfile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrStopRequested is the cancellation cause when the stop file appears.
var ErrStopRequested = errors.New("stopfile: stop requested")

const pollDefault = 2 * time.Second

// Watcher watches one path. fsnotify events on the parent directory are the
// primary trigger; a slow poll covers filesystems without inotify.
type Watcher struct {
	path     string
	interval time.Duration
	logger   *slog.Logger
}

// New creates a watcher for path. A zero interval uses the default poll.
func New(path string, interval time.Duration, logger *slog.Logger) *Watcher {
	if interval <= 0 {
		interval = pollDefault
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     filepath.Clean(path),
		interval: interval,
		logger:   logger.With("component", "stopfile"),
	}
}

// Path returns the watched path.
func (w *Watcher) Path() string { return w.path }

// Present reports whether the stop file exists.
func (w *Watcher) Present() bool {
	_, err := os.Stat(w.path)
	return err == nil
}

// Clear removes a stale stop file.
func (w *Watcher) Clear() error {
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("stopfile: clear: %w", err)
	}
	return nil
}

// Run blocks until ctx is done or the stop file appears, in which case it
// calls onStop once and returns nil.
func (w *Watcher) Run(ctx context.Context, onStop func()) error {
	if w.Present() {
		onStop()
		return nil
	}

	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("stopfile: create dir: %w", err)
	}

	var events <-chan fsnotify.Event
	var errs <-chan error
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer func() { _ = watcher.Close() }()
		if err = watcher.Add(dir); err == nil {
			events, errs = watcher.Events, watcher.Errors
		}
	}
	if err != nil {
		w.logger.Warn("fsnotify unavailable, polling", "dir", dir, "error", err)
	}

	// The file may have appeared between the first check and Add.
	if w.Present() {
		onStop()
		return nil
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != w.path || !ev.Has(fsnotify.Create|fsnotify.Write|fsnotify.Rename) {
				continue
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			w.logger.Debug("watch error", "error", err)
			continue
		}
		if w.Present() {
			w.logger.Info("stop file detected", "path", w.path)
			onStop()
			return nil
		}
	}
}

// WithStop derives a context that is cancelled with ErrStopRequested when
// the stop file appears. The returned cancel func stops the watcher.
func WithStop(parent context.Context, w *Watcher) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	if w.Present() {
		w.logger.Info("stop file already present", "path", w.path)
		cancel(ErrStopRequested)
		return ctx, func() { cancel(context.Canceled) }
	}
	go func() {
		if err := w.Run(ctx, func() { cancel(ErrStopRequested) }); err != nil {
			w.logger.Error("stop watcher failed", "error", err)
		}
	}()
	return ctx, func() { cancel(context.Canceled) }
}
