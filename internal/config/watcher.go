package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/MimeLyc/transcript-overlay/pkg/log"
)

const reloadDebounce = 500 * time.Millisecond

// StartWatcher reloads the settings file when it changes on disk until ctx
// is cancelled. The parent directory is watched because atomic writes
// replace the file rather than modify it.
func (s *RuntimeSettingsStore) StartWatcher(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	logger := log.WithComponent("settings")
	logger.Info("Watching %s for changes", s.path)
	go s.watchLoop(ctx, watcher, logger)
	return nil
}

func (s *RuntimeSettingsStore) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, logger *log.Logger) {
	defer func() { _ = watcher.Close() }()

	target := filepath.Clean(s.path)
	var (
		mu       sync.Mutex
		debounce *time.Timer
	)
	defer func() {
		mu.Lock()
		if debounce != nil {
			debounce.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			mu.Lock()
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, func() {
				if ctx.Err() != nil {
					return
				}
				next, changed, err := s.Reload()
				if err != nil {
					logger.Warn("Settings reload failed, keeping current: %v", err)
					return
				}
				if changed {
					logger.Info("Settings reloaded: backend=%q language=%s", next.BackendURL, next.PreferredLanguage)
				}
			})
			mu.Unlock()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("Settings watcher error: %v", err)
		}
	}
}
