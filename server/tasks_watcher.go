package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nomis52/goquest/agent"
)

const (
	defaultWatchDebounce = 500 * time.Millisecond
	defaultWatchRetry    = 5 * time.Second
)

// TasksWatcher reloads task definitions when the tasks file changes. A change seen
// while a task is active is applied once the orchestrator is idle again.
type TasksWatcher struct {
	path     string
	reload   func() error
	logger   *slog.Logger
	debounce time.Duration
	retry    time.Duration
}

// NewTasksWatcher creates a watcher for path that calls reload after each change.
// reload should return agent.ErrBusy when the change cannot be applied yet.
func NewTasksWatcher(path string, reload func() error, logger *slog.Logger) *TasksWatcher {
	return &TasksWatcher{
		path:     filepath.Clean(path),
		reload:   reload,
		logger:   logger,
		debounce: defaultWatchDebounce,
		retry:    defaultWatchRetry,
	}
}

// Run watches until ctx is done. The directory is watched rather than the file so
// editors that replace the file on save are still seen.
func (w *TasksWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}
	w.logger.Info("watching tasks file", "path", w.path)

	retry := time.NewTicker(w.retry)
	defer retry.Stop()

	var (
		debounce <-chan time.Time
		pending  bool
	)
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.logger.Debug("tasks file changed", "op", event.Op.String())
			debounce = time.After(w.debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watcher error", "error", err)

		case <-debounce:
			debounce = nil
			pending = w.apply()

		case <-retry.C:
			if pending {
				pending = w.apply()
			}
		}
	}
}

// apply reloads the tasks and reports whether the change is still pending.
func (w *TasksWatcher) apply() bool {
	err := w.reload()
	switch {
	case errors.Is(err, agent.ErrBusy):
		w.logger.Info("tasks file changed while busy, will retry")
		return true
	case err != nil:
		w.logger.Error("failed to reload tasks", "path", w.path, "error", err)
		return false
	default:
		w.logger.Info("tasks reloaded", "path", w.path)
		return false
	}
}
