package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the config file whenever it changes and hands each new
// valid config to apply. The parent directory is watched rather than
// the file itself so editors that replace the file (rename-over) do not
// break the watch. Invalid or unparseable configs are logged and
// skipped; the previous config stays in effect. Returns when ctx is
// done.
func Watch(ctx context.Context, path string, apply func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	last := ""
	if cfg, err := Load(path); err == nil {
		last = cfg.Hash()
	}

	base := filepath.Base(path)
	var debounce <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			// Editors fire bursts of events per save; settle first.
			debounce = time.After(500 * time.Millisecond)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config watcher error", "error", err)

		case <-debounce:
			debounce = nil
			cfg, err := Load(path)
			if err != nil {
				slog.Warn("config reload failed", "path", path, "error", err)
				continue
			}
			if err := cfg.Validate(); err != nil {
				slog.Warn("config reload rejected", "path", path, "error", err)
				continue
			}
			h := cfg.Hash()
			if h == last {
				continue
			}
			last = h
			slog.Info("config reloaded", "path", path, "hash", h)
			apply(cfg)
		}
	}
}
