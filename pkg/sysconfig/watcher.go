package sysconfig

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/fileworks/tessera/pkg/observability"
)

// Watcher re-applies the bootstrap file's system_config section whenever the
// file changes, so operators can adjust limits without a restart. Changes
// land as the "system" actor in the audit trail.
type Watcher struct {
	store  *Store
	path   string
	logger *observability.Logger
}

func NewWatcher(store *Store, path string, logger *observability.Logger) *Watcher {
	return &Watcher{store: store, path: path, logger: logger}
}

// Run blocks until ctx is cancelled. The parent directory is watched rather
// than the file itself because editors and config tooling replace files by
// rename, which drops a plain file watch.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	w.logger.WithField("path", w.path).Info("watching config seed file")

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.reload(ctx)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Warn("config watcher error")
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	seed, err := LoadSeedFile(w.path)
	if err != nil {
		w.logger.WithError(err).Warn("failed to reload config seed file")
		return
	}
	if err := w.store.ApplySeed(ctx, "system", seed); err != nil {
		w.logger.WithError(err).Warn("failed to apply config seed file")
		return
	}
	w.logger.WithField("path", w.path).Info("config seed file reloaded")
}
