package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch notifies on the returned channel whenever cfile is written or
// replaced. The directory is watched rather than the file so that editors
// which save by renaming are noticed too. Notifications are coalesced; the
// channel is closed when ctx is done.
func Watch(ctx context.Context, cfile string) (<-chan struct{}, error) {
	abs, err := filepath.Abs(cfile)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %s: %w", cfile, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	changed := make(chan struct{}, 1)
	go func() {
		defer close(changed)
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				slog.Debug("Config file changed", "file", abs, "op", event.Op.String())
				select {
				case changed <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("Config watcher error", "error", err)
			}
		}
	}()
	return changed, nil
}
