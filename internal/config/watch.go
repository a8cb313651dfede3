// Copyright 2024 The go-equa Authors
// ti-oracle - config file change watcher

package config

import (
	"context"
	"path/filepath"

	"github.com/ethereum/go-ethereum/log"
	"github.com/fsnotify/fsnotify"
)

// WatchForChanges watches path's containing directory and logs a
// restart-required warning if the file is modified. Hot-reload is
// deliberately not attempted — restarting the process is the only
// supported way to pick up a config change.
func WatchForChanges(ctx context.Context, path string) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn("config: fsnotify watcher unavailable", "error", err)
		return
	}

	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		log.Warn("config: watch config directory failed", "dir", dir, "error", err)
		w.Close()
		return
	}

	target := filepath.Clean(path)
	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					log.Warn("config: file changed on disk, restart required to apply", "path", path)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn("config: watcher error", "error", err)
			}
		}
	}()
}
