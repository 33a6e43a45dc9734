package placesapi

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/yshengliao/hashnav/pkg/inflight"
)

// reloadDebounce collapses the burst of events an editor save produces.
const reloadDebounce = 200 * time.Millisecond

// Watch reloads d from path whenever the file changes, until ctx is done.
// The parent directory is watched so atomic rename-over saves are seen.
// onReload, if set, runs after every successful reload.
func Watch(ctx context.Context, d *Dataset, path string, logger *zap.Logger, onReload func(n int)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("placesapi: create watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return fmt.Errorf("placesapi: watch %s: %w", filepath.Dir(abs), err)
	}

	debounce := inflight.NewDebouncer(reloadDebounce)
	reload := func() {
		if err := d.Reload(abs); err != nil {
			logger.Warn("dataset reload failed, keeping previous data", zap.String("path", abs), zap.Error(err))
			return
		}
		n := d.Len()
		logger.Info("dataset reloaded", zap.String("path", abs), zap.Int("places", n))
		if onReload != nil {
			onReload(n)
		}
	}

	go func() {
		defer watcher.Close()
		defer debounce.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					debounce.Trigger(reload)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("dataset watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}
