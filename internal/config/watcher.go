package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// OnReload receives the freshly loaded configuration after a file change.
type OnReload func(*Config)

// Watch observes the config file and invokes onReload with a re-parsed
// configuration whenever it changes. Only runtime-tunable settings should be
// consumed from reloads; session slots and gateway parameters are read once
// at startup. Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, onReload OnReload) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return err
	}
	// Watch the directory too, to catch atomic writes (rename into place).
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		log.WithError(err).WithField("dir", filepath.Dir(path)).Warn("failed to watch config directory")
	}

	log.WithField("path", path).Info("config watcher started")

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != path || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(100*time.Millisecond, func() {
				cfg := LoadWithFile(path)
				if cfg == nil {
					log.WithField("path", path).Warn("ignoring unreadable config reload")
					return
				}
				if err := cfg.Validate(); err != nil {
					log.WithError(err).Warn("ignoring invalid config reload")
					return
				}
				onReload(cfg)
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Warn("config watcher error")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
