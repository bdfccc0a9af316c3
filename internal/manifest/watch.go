package manifest

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/folio/internal/models"
)

const watchDebounce = 200 * time.Millisecond

// ChangeCallback is called after the manifest file under a watched root changed.
type ChangeCallback func()

// Watch starts an fsnotify watcher on contentRoot and calls cb, debounced,
// whenever the manifest file is created, written, renamed or removed. It
// watches the directory rather than the file so a promotion that clears the
// root and rewrites the manifest keeps being observed. Returns when ctx is done.
func Watch(ctx context.Context, contentRoot string, logger *slog.Logger, cb ChangeCallback) error {
	if err := os.MkdirAll(contentRoot, 0o755); err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(contentRoot); err != nil {
		return err
	}
	logger.Info("manifest watcher: started", slog.String("root", contentRoot))

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			logger.Info("manifest watcher: stopped")
			return nil

		case <-fire:
			fire = nil
			if cb != nil {
				cb()
			}

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != models.FileName {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			logger.Debug("manifest watcher: event", slog.String("op", ev.Op.String()))
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				timer.Reset(watchDebounce)
			}
			fire = timer.C

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("manifest watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}
