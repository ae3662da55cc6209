// Package filewatch reloads a configuration payload from a local file when
// it changes on disk.
package filewatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Installer receives the raw contents of the payload file.
type Installer interface {
	InstallLocal(raw []byte) error
}

// Watcher watches a payload file for changes and emits its contents.
type Watcher struct {
	path   string
	logger *slog.Logger
}

// New creates a Watcher for path. A nil logger uses slog.Default().
func New(path string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{path: filepath.Clean(path), logger: logger}
}

// Watch begins watching the file and returns a channel that emits the file
// contents whenever it is written or replaced. The current contents are
// emitted first. The channel is closed once ctx is done.
//
// The parent directory is watched rather than the file itself so that
// editors and config management tools that replace the file by rename keep
// triggering reloads.
func (w *Watcher) Watch(ctx context.Context) (<-chan []byte, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch payload file %s: %w", w.path, err)
	}

	out := make(chan []byte)

	go func() {
		defer close(out)
		defer watcher.Close()

		if data, err := os.ReadFile(w.path); err == nil {
			select {
			case out <- data:
			case <-ctx.Done():
				return
			}
		} else {
			w.logger.Warn("payload file not readable", "path", w.path, "error", err)
		}

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != w.path {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}

				data, err := os.ReadFile(w.path)
				if err != nil {
					w.logger.Warn("payload file not readable", "path", w.path, "error", err)
					continue
				}

				select {
				case out <- data:
				case <-ctx.Done():
					return
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				w.logger.Warn("payload file watch error", "path", w.path, "error", err)
			}
		}
	}()

	return out, nil
}

// Run installs every emitted version of the file until ctx is done. Invalid
// contents are logged and skipped; the previously installed payload stays in
// place.
func (w *Watcher) Run(ctx context.Context, installer Installer) error {
	contents, err := w.Watch(ctx)
	if err != nil {
		return err
	}

	for data := range contents {
		if err := installer.InstallLocal(data); err != nil {
			w.logger.Error("payload file rejected", "path", w.path, "error", err)
			continue
		}
		w.logger.Debug("payload file processed", "path", w.path)
	}

	return nil
}
