package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const watchDebounce = 250 * time.Millisecond

// Watch reloads the file when it changes on disk until ctx is done. The
// parent directory is watched so editors that replace the file by rename
// are still seen. Invalid edits are logged and ignored.
func (s *Store) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	target := filepath.Clean(s.path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return err
	}

	debounce := time.NewTimer(watchDebounce)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce.Reset(watchDebounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("config watcher error", zap.Error(err))
		case <-debounce.C:
			s.reload()
		}
	}
}

func (s *Store) reload() {
	cfg, err := Read(s.path)
	if err != nil {
		s.logger.Warn("ignoring config change", zap.String("path", s.path), zap.Error(err))
		return
	}
	if s.replace(cfg) {
		s.logger.Info("config reloaded", zap.String("path", s.path))
	}
}
