package cron

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// TaskStarter is implemented by anything that can start the first pending task of a list.
type TaskStarter interface {
	StartTasks(ids []string) error
}

// CronTriggerManager manages multiple CronTrigger instances with different tasks and schedules.
type CronTriggerManager struct {
	triggers []*CronTrigger
	specs    []TriggerSpec
	logger   *slog.Logger
}

// NewCronTriggerManager creates a CronTrigger for each spec. Each trigger asks starter
// to start its tasks.
func NewCronTriggerManager(specs []TriggerSpec, starter TaskStarter, logger *slog.Logger) (*CronTriggerManager, error) {
	triggers := make([]*CronTrigger, 0, len(specs))
	for _, spec := range specs {
		tasks := spec.Tasks
		job := func() error {
			return starter.StartTasks(tasks)
		}

		trigger, err := NewCronTrigger(spec.CronSpec, job, logger)
		if err != nil {
			return nil, fmt.Errorf("creating trigger for '%s:%s': %w",
				strings.Join(spec.Tasks, taskListSeparator), spec.CronSpec, err)
		}
		triggers = append(triggers, trigger)
	}

	logger.Info("cron trigger manager created", "trigger_count", len(triggers))
	for i, trigger := range triggers {
		logger.Info("trigger registered",
			"index", i,
			"tasks", specs[i].Tasks,
			"schedule", specs[i].CronSpec,
			"next_run", trigger.NextRun(),
		)
	}

	return &CronTriggerManager{
		triggers: triggers,
		specs:    specs,
		logger:   logger,
	}, nil
}

// Start launches all triggers. Each trigger runs in its own goroutine.
// Returns immediately. All goroutines exit when ctx is cancelled.
func (m *CronTriggerManager) Start(ctx context.Context) {
	for _, trigger := range m.triggers {
		trigger.Start(ctx)
	}
}

// Specs returns the schedules the manager was created with.
func (m *CronTriggerManager) Specs() []TriggerSpec {
	return append([]TriggerSpec(nil), m.specs...)
}

// NextRun returns the earliest scheduled run time across all triggers.
// Returns zero time if there are no triggers.
func (m *CronTriggerManager) NextRun() time.Time {
	if len(m.triggers) == 0 {
		return time.Time{}
	}

	earliest := m.triggers[0].NextRun()
	for _, trigger := range m.triggers[1:] {
		if next := trigger.NextRun(); next.Before(earliest) {
			earliest = next
		}
	}
	return earliest
}
