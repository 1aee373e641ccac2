// Package cron provides cron-based scheduling for starting tasks.
//
// A CronTrigger runs a job according to a cron schedule. It is designed to be started
// once and run until the context is cancelled.
//
// Example usage:
//
//	trigger, err := cron.NewCronTrigger("0 2 * * *", func() error {
//	    return runner.StartTasks([]string{"cook"})
//	}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	trigger.Start(ctx)  // Returns immediately, runs in background
//	<-ctx.Done()        // Wait for shutdown signal
package cron

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidCronSpec is returned when the cron specification cannot be parsed.
var ErrInvalidCronSpec = errors.New("invalid cron spec")

// Job is the work a trigger performs on every scheduled run.
type Job func() error

// CronTrigger executes a Job according to a cron schedule.
type CronTrigger struct {
	spec     string
	schedule cron.Schedule
	job      Job
	logger   *slog.Logger
}

// NewCronTrigger creates a new CronTrigger with the given cron specification.
// The spec follows standard cron format (5 fields: minute, hour, day, month, weekday)
// or a descriptor such as @daily.
// Returns ErrInvalidCronSpec if the specification cannot be parsed.
func NewCronTrigger(spec string, job Job, logger *slog.Logger) (*CronTrigger, error) {
	schedule, err := parseSchedule(spec)
	if err != nil {
		return nil, errors.Join(ErrInvalidCronSpec, err)
	}

	return &CronTrigger{
		spec:     spec,
		schedule: schedule,
		job:      job,
		logger:   logger,
	}, nil
}

func parseSchedule(spec string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return parser.Parse(spec)
}

// Start launches a goroutine that runs the job according to the cron schedule.
// Returns immediately. The goroutine exits when ctx is cancelled.
func (ct *CronTrigger) Start(ctx context.Context) {
	go ct.loop(ctx)
}

// NextRun returns the next scheduled run time from now.
func (ct *CronTrigger) NextRun() time.Time {
	return ct.schedule.Next(time.Now())
}

func (ct *CronTrigger) loop(ctx context.Context) {
	for {
		nextRun := ct.schedule.Next(time.Now())
		waitDuration := time.Until(nextRun)

		ct.logger.Debug("waiting for next scheduled run",
			"next_run", nextRun,
			"wait_duration", waitDuration,
		)

		timer := time.NewTimer(waitDuration)
		select {
		case <-ctx.Done():
			timer.Stop()
			ct.logger.Info("cron trigger shutting down")
			return
		case <-timer.C:
			ct.executeRun()
		}
	}
}

// executeRun runs the job and logs the result.
func (ct *CronTrigger) executeRun() {
	ct.logger.Info("starting scheduled tasks", "schedule", ct.spec)

	if err := ct.job(); err != nil {
		ct.logger.Warn("scheduled start failed", "schedule", ct.spec, "error", err)
	} else {
		ct.logger.Info("scheduled start succeeded", "schedule", ct.spec)
	}
}
