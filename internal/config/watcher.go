package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces the burst of events an editor save produces.
const DefaultDebounce = 200 * time.Millisecond

// Watcher reloads the settings file when it changes on disk.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func(Settings)

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher creates a watcher calling onChange with each successfully parsed revision.
func NewWatcher(path string, debounce time.Duration, onChange func(Settings)) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{path: filepath.Clean(path), debounce: debounce, onChange: onChange}
}

// Run watches until ctx is cancelled. The parent directory is watched so
// atomic replacements (write temp, rename) are seen; it is created if missing.
func (w *Watcher) Run(ctx context.Context) error {
	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create settings dir %s: %w", dir, err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	slog.Info("settings watcher started", "path", w.path)

	defer w.stopTimer()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("settings watcher error", "error", err)
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}

func (w *Watcher) reload() {
	s, err := LoadSettings(w.path)
	if err != nil {
		slog.Warn("ignoring unreadable settings", "path", w.path, "error", err)
		return
	}
	slog.Debug("settings reloaded", "path", w.path)
	w.onChange(s)
}
