package jsonfile

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the catalog whenever its file is written or replaced, until
// ctx is done. The parent directory is watched because Put and most editors
// replace the file by rename. Bursts of events within debounce collapse into
// one reload; a failed reload keeps the previous definitions.
func (c *Catalog) Watch(ctx context.Context, debounce time.Duration) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create catalog watcher: %w", err)
	}
	defer watcher.Close()

	target, err := filepath.Abs(c.path)
	if err != nil {
		return fmt.Errorf("resolve catalog path: %w", err)
	}
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}
	slog.Info("watching badge catalog", "path", target)

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			if err := c.Reload(); err != nil {
				slog.Error("badge catalog reload failed", "path", target, "error", err)
				continue
			}
			slog.Info("badge catalog reloaded", "path", target, "badges", c.size())
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("badge catalog watcher error", "error", err)
		}
	}
}

func (c *Catalog) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.badges)
}
