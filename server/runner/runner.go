// Package runner drives the orchestrator for the goquest server.
//
// The runner owns the only goroutine that calls Tick, so task units never overlap.
// While no task is executing it keeps polling the signal monitor so that the control
// surface shows fresh values.
//
// # Example
//
//	r := runner.New(orch, runner.WithInterval(600*time.Millisecond), runner.WithLogger(logger))
//	go r.Run(ctx)
//
//	// Start the first task of the list that has not completed yet
//	if err := r.StartTasks([]string{"cook", "sheep"}); err != nil {
//	    if errors.Is(err, runner.ErrNothingToStart) {
//	        // every task already completed
//	    }
//	}
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/nomis52/goquest/history"
	"github.com/nomis52/goquest/orchestrator"
	"github.com/nomis52/goquest/signals"
)

const defaultInterval = 600 * time.Millisecond

// ErrNothingToStart is returned by StartTasks when every listed task already completed.
var ErrNothingToStart = errors.New("all tasks already completed")

// Engine is the part of the orchestrator the runner drives.
type Engine interface {
	Tick()
	StartTask(id string) error
	Stop()
	State() orchestrator.State
	History() history.Store
}

// Poller is polled between tasks.
type Poller interface {
	Poll(ctx context.Context) []signals.Change
}

// Runner calls Engine.Tick at a fixed interval.
type Runner struct {
	engine   Engine
	poller   Poller
	interval time.Duration
	logger   *slog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithInterval sets the tick interval.
func WithInterval(d time.Duration) Option {
	return func(r *Runner) {
		r.interval = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger.With("component", "runner")
	}
}

// WithIdlePoller polls p on every tick while no task is executing.
func WithIdlePoller(p Poller) Option {
	return func(r *Runner) {
		r.poller = p
	}
}

// New creates a new Runner.
func New(engine Engine, opts ...Option) *Runner {
	r := &Runner{
		engine:   engine,
		interval: defaultInterval,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run ticks until ctx is cancelled, then stops any active task.
func (r *Runner) Run(ctx context.Context) error {
	if r.interval <= 0 {
		return fmt.Errorf("tick interval must be positive, got %s", r.interval)
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("runner started", "interval", r.interval)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("runner shutting down")
			r.engine.Stop()
			return nil
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	if r.poller != nil && r.engine.State() != orchestrator.StateExecuting {
		r.poller.Poll(ctx)
	}
	r.engine.Tick()
}

// StartTasks starts the first task in ids that has not completed yet.
func (r *Runner) StartTasks(ids []string) error {
	store := r.engine.History()
	for _, id := range ids {
		if store.Completed(id) {
			r.logger.Debug("skipping completed task", "task_id", id)
			continue
		}
		if err := r.engine.StartTask(id); err != nil {
			return err
		}
		r.logger.Info("task started", "task_id", id)
		return nil
	}
	return ErrNothingToStart
}
