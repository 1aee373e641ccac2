// Package history records finished task runs and answers whether a task has already
// been completed.
package history

import (
	"time"

	"github.com/google/uuid"

	"github.com/nomis52/goquest/logging"
)

// Outcome is how a task run ended.
type Outcome string

const (
	// OutcomeCompleted means the task reached completion.
	OutcomeCompleted Outcome = "completed"
	// OutcomeFailed means the task failed terminally or exceeded its retry ceiling.
	OutcomeFailed Outcome = "failed"
	// OutcomeStopped means an operator stopped the task.
	OutcomeStopped Outcome = "stopped"
	// OutcomeAborted means the task was emergency stopped.
	OutcomeAborted Outcome = "aborted"
)

// Run is the record of one task run.
type Run struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	TaskName  string    `json:"task_name"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Outcome   Outcome   `json:"outcome"`
	// Reason explains a failure or stop. Empty on completion.
	Reason string `json:"reason,omitempty"`
	// Units is the number of task units executed.
	Units int `json:"units"`
	// Retries is the number of failed units.
	Retries int `json:"retries"`
	// Logs holds the log lines captured during the run.
	Logs []logging.LogEntry `json:"logs,omitempty"`
}

// NewRun starts a record for taskID with a fresh id.
func NewRun(taskID, taskName string, startedAt time.Time) Run {
	return Run{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		TaskName:  taskName,
		StartedAt: startedAt,
	}
}

// Duration returns how long the run took.
func (r Run) Duration() time.Duration {
	if r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// Store persists run history.
type Store interface {
	// Save records a finished run.
	Save(Run) error
	// Runs returns the retained runs, most recent first, without logs.
	Runs() []Run
	// Get returns one run including its logs.
	Get(id string) (Run, bool)
	// Completed reports whether taskID has ever completed. It is not affected by the
	// retention limit.
	Completed(taskID string) bool
}

func withoutLogs(runs []Run) []Run {
	out := make([]Run, len(runs))
	for i, r := range runs {
		r.Logs = nil
		out[i] = r
	}
	return out
}
