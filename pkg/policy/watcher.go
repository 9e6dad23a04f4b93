package policy

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher hot-reloads a policy bundle when its file changes on disk. A reload
// that fails validation keeps the previous policy active and logs the error.
type Watcher struct {
	path      string
	evaluator *Evaluator
	logger    *slog.Logger
}

// NewWatcher watches the bundle at path and pushes reloads into ev.
func NewWatcher(path string, ev *Evaluator) *Watcher {
	return &Watcher{
		path:      path,
		evaluator: ev,
		logger:    slog.Default().With("component", "policy-watcher", "path", path),
	}
}

// Run blocks until ctx is canceled, reloading on every write to the bundle.
// Watching the directory rather than the file survives editors and config
// systems that replace the file by rename.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = fw.Close() }()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			p, err := LoadFile(w.path)
			if err != nil {
				w.logger.Error("policy reload rejected, keeping previous bundle", "error", err)
				continue
			}
			w.evaluator.Reload(p)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watch error", "error", err)
		}
	}
}
