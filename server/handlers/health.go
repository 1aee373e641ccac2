package handlers

import (
	"net/http"

	"github.com/nomis52/goquest/buildinfo"
	"github.com/nomis52/goquest/orchestrator"
)

// StateReporter reports the orchestrator state.
type StateReporter interface {
	State() orchestrator.State
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string             `json:"status"` // "ok" or "degraded"
	State   orchestrator.State `json:"state"`
	Version string             `json:"version"`
}

// HealthHandler reports whether the engine can make progress. A task whose preparation
// failed holds the engine in the error state until stopped, which reports as degraded
// with a 503.
type HealthHandler struct {
	engine StateReporter
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(engine StateReporter) *HealthHandler {
	return &HealthHandler{engine: engine}
}

// ServeHTTP implements http.Handler.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "ok",
		State:   h.engine.State(),
		Version: buildinfo.Get().Version,
	}
	status := http.StatusOK
	if resp.State == orchestrator.StateError {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
