package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

type catalogReloader interface {
	ReloadCatalog(path string) error
}

// catalogWatcher reloads the catalog when its file changes. The parent
// directory is watched because editors often replace the file on save,
// which drops a watch placed on the file itself.
type catalogWatcher struct {
	engine   catalogReloader
	path     string
	debounce time.Duration

	watcher *fsnotify.Watcher
	mu      sync.Mutex
	timer   *time.Timer
}

// Start begins watching. Events stop when ctx ends or Close is called.
func (w *catalogWatcher) Start(ctx context.Context) error {
	abs, err := filepath.Abs(w.path)
	if err != nil {
		return fmt.Errorf("resolving catalog path: %w", err)
	}
	w.path = abs

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return err
	}
	w.watcher = fw

	go w.loop(ctx)
	slog.Info("watching catalog", "path", abs)
	return nil
}

func (w *catalogWatcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.schedule()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("catalog watcher error", "error", err)
		}
	}
}

// schedule coalesces bursts of events into one reload.
func (w *catalogWatcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *catalogWatcher) reload() {
	start := time.Now()
	if err := w.engine.ReloadCatalog(w.path); err != nil {
		// The previous catalog stays active.
		slog.Error("catalog reload failed", "path", w.path, "error", err)
		return
	}
	slog.Info("catalog reloaded", "path", w.path, "elapsed", time.Since(start).Round(time.Millisecond))
}

// Close stops the watcher and any pending reload.
func (w *catalogWatcher) Close() error {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	if w.watcher == nil {
		return nil
	}
	return w.watcher.Close()
}
