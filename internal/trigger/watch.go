package trigger

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/schaermu/hostcfg/internal/config"
)

// Watcher re-runs the converge whenever files below the configuration root
// change. Changes made by the run itself to the state file and state
// directory are ignored.
type Watcher struct {
	root     string
	runs     *Coalescer
	logger   *slog.Logger
	debounce *debouncer
	watcher  *fsnotify.Watcher
}

// NewWatcher creates a watcher for root.
func NewWatcher(root string, delay time.Duration, runner Runner, logger *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &Watcher{
		root:     root,
		runs:     NewCoalescer(runner, logger),
		logger:   logger,
		debounce: newDebouncer(delay),
		watcher:  fw,
	}, nil
}

// Start performs an initial run and then watches until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	defer func() {
		_ = w.watcher.Close()
	}()

	w.runs.Run(ctx)

	if err := w.addRecursive(w.root); err != nil {
		return err
	}
	w.logger.Info("watching configuration root", "root", w.root)

	for {
		select {
		case <-ctx.Done():
			w.debounce.stop()
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if w.shouldIgnore(event.Name) {
				continue
			}

			if event.Has(fsnotify.Create) {
				// new directories are not watched by fsnotify on their own
				if err := w.addRecursive(event.Name); err != nil {
					w.logger.Debug("failed to watch new path", "path", event.Name, "error", err)
				}
			}

			w.logger.Debug("change detected", "path", event.Name, "op", event.Op.String())
			w.debounce.trigger(func() {
				w.runs.Run(ctx)
			})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", "error", err)
		}
	}
}

// addRecursive watches every directory below root.
func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && w.shouldIgnore(path) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

// shouldIgnore filters paths written by runs or by git.
func (w *Watcher) shouldIgnore(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return true
	}

	first, _, _ := strings.Cut(filepath.ToSlash(rel), "/")
	switch first {
	case ".git", config.StateDirName, config.StateFileName:
		return true
	}

	return strings.HasPrefix(filepath.Base(path), ".hostcfg-")
}
