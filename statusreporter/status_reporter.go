// Package statusreporter keeps a live view of the orchestrator for the control surface:
// the latest snapshot, the last status line of every task, and a bounded feed of events.
package statusreporter

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nomis52/goquest/history"
	"github.com/nomis52/goquest/orchestrator"
	"github.com/nomis52/goquest/signals"
)

// DefaultFeedSize is the number of events kept when New is given a non-positive size.
const DefaultFeedSize = 200

// EventKind classifies a feed event.
type EventKind string

const (
	EventState  EventKind = "state"
	EventStep   EventKind = "step"
	EventTask   EventKind = "task"
	EventSignal EventKind = "signal"
)

// Event is one entry of the feed. Seq increases by one per event and never repeats
// within a process, so clients can poll with the last Seq they saw.
type Event struct {
	Seq     uint64    `json:"seq"`
	Time    time.Time `json:"time"`
	Kind    EventKind `json:"kind"`
	TaskID  string    `json:"task_id,omitempty"`
	Message string    `json:"message"`
}

// StatusReporter observes the orchestrator and the signal monitor.
//
// It implements orchestrator.Observer, and SignalChanged can be registered as a
// signals.Listener:
//
//	reporter := statusreporter.New(logger, 0)
//	orch, _ := orchestrator.New(orchestrator.WithObserver(reporter), ...)
//	monitor, _ := signals.New(reader, signals.WithListener(reporter.SignalChanged))
//
// THREAD SAFETY:
// All methods are thread-safe and can be called from concurrent goroutines.
type StatusReporter struct {
	logger   *slog.Logger
	now      func() time.Time
	statuses map[string]string
	latest   orchestrator.Snapshot
	feed     []Event
	size     int
	next     uint64
	mu       sync.RWMutex
}

// New creates a new StatusReporter keeping at most feedSize events.
// Each status change is automatically logged at Info level.
func New(logger *slog.Logger, feedSize int) *StatusReporter {
	if feedSize <= 0 {
		feedSize = DefaultFeedSize
	}
	return &StatusReporter{
		logger:   logger,
		now:      time.Now,
		statuses: make(map[string]string),
		size:     feedSize,
		next:     1,
	}
}

// StateChanged implements orchestrator.Observer.
func (r *StatusReporter) StateChanged(from, to orchestrator.State, snap orchestrator.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.latest = snap
	r.appendLocked(EventState, snap.TaskID, fmt.Sprintf("%s -> %s", from, to))
}

// StepChanged implements orchestrator.Observer.
func (r *StatusReporter) StepChanged(snap orchestrator.Snapshot) {
	r.logger.Info(snap.Step, "task_id", snap.TaskID, "progress", snap.Progress)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.latest = snap
	if snap.TaskID != "" {
		r.statuses[snap.TaskID] = snap.Step
	}
	r.appendLocked(EventStep, snap.TaskID, snap.Step)
}

// TaskFinished implements orchestrator.Observer.
func (r *StatusReporter) TaskFinished(run history.Run) {
	status := string(run.Outcome)
	if run.Reason != "" {
		status = fmt.Sprintf("❌ %s: %s", run.Outcome, run.Reason)
	}
	r.logger.Info("task finished", "task_id", run.TaskID, "outcome", run.Outcome, "duration", run.Duration())

	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[run.TaskID] = status
	r.appendLocked(EventTask, run.TaskID, fmt.Sprintf("%s %s after %d units", run.TaskName, status, run.Units))
}

// SignalChanged records a progress signal change. Its signature matches signals.Listener.
func (r *StatusReporter) SignalChanged(c signals.Change) {
	msg := fmt.Sprintf("signal %d: %d -> %d", c.Key, c.Old, c.New)
	if c.Stage != "" {
		msg += " (" + c.Stage + ")"
	}
	if c.Discovered {
		msg += " [discovered]"
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.appendLocked(EventSignal, c.Task, msg)
}

// appendLocked must be called with mu held.
func (r *StatusReporter) appendLocked(kind EventKind, taskID, msg string) {
	r.feed = append(r.feed, Event{
		Seq:     r.next,
		Time:    r.now(),
		Kind:    kind,
		TaskID:  taskID,
		Message: msg,
	})
	r.next++
	if len(r.feed) > r.size {
		r.feed = r.feed[len(r.feed)-r.size:]
	}
}

// Latest returns the most recent orchestrator snapshot seen.
func (r *StatusReporter) Latest() orchestrator.Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latest
}

// CurrentStatuses returns a copy of the last status line of every task seen.
func (r *StatusReporter) CurrentStatuses() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]string, len(r.statuses))
	for id, status := range r.statuses {
		result[id] = status
	}
	return result
}

// Events returns the retained events with Seq greater than after, oldest first.
func (r *StatusReporter) Events(after uint64) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []Event
	for _, e := range r.feed {
		if e.Seq > after {
			result = append(result, e)
		}
	}
	return result
}
