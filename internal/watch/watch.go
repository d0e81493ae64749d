// Package watch reloads the vault when the secrets file is edited by hand.
package watch

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce batches the burst of events an editor produces on save.
const DefaultDebounce = 200 * time.Millisecond

// Reloader re-reads the secrets file.
type Reloader interface {
	Reload() error
}

// Watcher watches the directory holding the secrets file. Watching the
// directory rather than the file keeps working across atomic renames.
type Watcher struct {
	path     string
	target   Reloader
	debounce time.Duration
	logger   *zap.Logger
	fs       *fsnotify.Watcher
}

// New starts watching the directory of path. Run must be called to
// process events; it also releases the watch.
func New(path string, target Reloader, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fs.Add(filepath.Dir(abs)); err != nil {
		fs.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}

	return &Watcher{
		path:     abs,
		target:   target,
		debounce: DefaultDebounce,
		logger:   logger,
		fs:       fs,
	}, nil
}

// Run reloads after each quiet period following a create or write of the
// secrets file. Removal is ignored so that a deleted file does not empty
// the store. It returns when ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fs.Close()

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", zap.Error(err))

		case <-fire:
			fire = nil
			if err := w.target.Reload(); err != nil {
				w.logger.Warn("reload failed, keeping current environments",
					zap.String("file", w.path), zap.Error(err))
				continue
			}
			w.logger.Info("secrets file reloaded", zap.String("file", w.path))
		}
	}
}
