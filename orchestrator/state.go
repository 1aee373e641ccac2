package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/nomis52/goquest/history"
)

var (
	// ErrValidation is returned when a task cannot be started: the orchestrator is busy,
	// the id is unknown, the task already completed, or its resources cannot be verified.
	ErrValidation = errors.New("task validation failed")
	// ErrFatal marks a panic recovered at the tick boundary.
	ErrFatal = errors.New("fatal error during tick")
)

// State is the orchestrator's executor state.
type State int

const (
	// StateIdle means no task is loaded.
	StateIdle State = iota
	// StatePreparing means a task is loaded and its preconditions are being checked.
	StatePreparing
	// StateExecuting means ticks run task units.
	StateExecuting
	// StatePaused means a task is loaded but ticks do nothing.
	StatePaused
	// StateCompleted is held briefly between a task completing and returning to idle.
	StateCompleted
	// StateError means preparation failed. The task stays loaded until Stop.
	StateError
)

// String returns a human-readable representation of the State.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePreparing:
		return "preparing"
	case StateExecuting:
		return "executing"
	case StatePaused:
		return "paused"
	case StateCompleted:
		return "completed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	for st := StateIdle; st <= StateError; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", text)
}

// hasTask reports whether a task is loaded in this state.
func (s State) hasTask() bool {
	return s != StateIdle && s != StateCompleted
}

// Snapshot is a consistent view of the orchestrator for the control surface.
type Snapshot struct {
	State    State  `json:"state"`
	TaskID   string `json:"task_id,omitempty"`
	TaskName string `json:"task_name,omitempty"`
	RunID    string `json:"run_id,omitempty"`
	// Progress is 0 to 100.
	Progress int    `json:"progress"`
	Step     string `json:"step,omitempty"`
	// Retries is the current count of consecutive failed units.
	Retries   int        `json:"retries"`
	Units     int        `json:"units"`
	Aborted   bool       `json:"aborted"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

// Observer is notified of orchestrator changes. Calls are made synchronously after the
// orchestrator releases its locks, so observers may call back into it.
type Observer interface {
	// StateChanged is called on every state transition.
	StateChanged(from, to State, snap Snapshot)
	// StepChanged is called when the active task's step description changes.
	StepChanged(snap Snapshot)
	// TaskFinished is called once per run with its final record.
	TaskFinished(run history.Run)
}
