package policy

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounceInterval is the delay after an fsnotify event before the
// policy file is re-read, letting atomic write+rename sequences settle.
const watchDebounceInterval = 200 * time.Millisecond

// Watch reloads the policy file into store whenever it changes on disk.
// It watches the parent directory rather than the file itself: editors and
// config management tools replace files by rename, which changes the inode.
// Blocks until ctx is cancelled.
func Watch(ctx context.Context, store *Store, path string, defaults Policy) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	watchDir := filepath.Dir(path)
	fileName := filepath.Base(path)
	if err := watcher.Add(watchDir); err != nil {
		return err
	}
	slog.Info("watching policy file", "path", path)

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != fileName {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(watchDebounceInterval, func() {
				p, err := Load(path, defaults)
				if err != nil {
					slog.Error("policy reload failed, keeping previous policy", "path", path, "error", err)
					return
				}
				store.Swap(p)
				slog.Info("policy reloaded",
					"threshold", p.DelegationThreshold,
					"max_concurrency", p.MaxConcurrency,
				)
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("policy watcher error", "error", err)
		}
	}
}
