// Package handlers provides HTTP handlers for the goquest server.
//
// Each handler is in its own file and implements http.Handler.
// Handlers use interfaces to access server dependencies, avoiding
// circular imports.
package handlers

import (
	"context"
	"time"

	"github.com/nomis52/goquest/config"
	"github.com/nomis52/goquest/history"
	"github.com/nomis52/goquest/orchestrator"
	"github.com/nomis52/goquest/server/types"
	"github.com/nomis52/goquest/signals"
	"github.com/nomis52/goquest/statusreporter"
	"github.com/nomis52/goquest/workflow"
)

// ConfigProvider provides access to the current configuration.
type ConfigProvider interface {
	Config() *config.Config
}

// Reloader can reload its task definitions.
type Reloader interface {
	Reload() error
}

// TaskStarter starts tasks by id.
type TaskStarter interface {
	StartTask(id string) error
}

// Controller exposes the orchestrator's control operations.
type Controller interface {
	Pause() bool
	Resume() bool
	Stop()
	EmergencyStop()
	State() orchestrator.State
}

// StatusProvider provides the data behind /api/status.
type StatusProvider interface {
	Snapshot() orchestrator.Snapshot
	NextRun() *time.Time
	Properties() types.ServerProperties
	CurrentStatuses() map[string]string
}

// TaskLister lists registered tasks.
type TaskLister interface {
	Tasks() []workflow.TaskInfo
	History() history.Store
}

// SignalProvider provides access to the signal monitor.
type SignalProvider interface {
	Snapshot() []signals.Signal
	Discovering() bool
}

// HistoryProvider provides access to run history.
type HistoryProvider interface {
	History() history.Store
}

// EventProvider provides access to the event feed.
type EventProvider interface {
	Events(after uint64) []statusreporter.Event
}

// ResourceChecker reports the local shortfall of a task's requirements.
type ResourceChecker interface {
	CheckResources(ctx context.Context, taskID string) (map[string]int, error)
}

// AuditProvider returns recent audit log lines.
type AuditProvider interface {
	Tail(maxLines int) []string
}
