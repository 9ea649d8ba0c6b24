package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/moltbunker/usdstake/internal/logging"
)

// Watch calls onChange with the reloaded configuration every time the file
// at path is written or replaced. Files that fail to load or validate are
// logged and skipped. Watch blocks until ctx is done.
//
// The parent directory is watched so editors that save by rename are seen.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	path = filepath.Clean(expandPath(path))

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			cfg, err := Load(path)
			if err != nil {
				logging.Warn("ignoring config change",
					"path", path,
					logging.Err(err),
					logging.Component("config"))
				continue
			}
			onChange(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.Warn("config watcher error", logging.Err(err), logging.Component("config"))
		}
	}
}
