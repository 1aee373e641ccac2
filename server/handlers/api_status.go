package handlers

import (
	"net/http"
	"time"

	"github.com/nomis52/goquest/orchestrator"
	"github.com/nomis52/goquest/server/types"
)

// NextRunResponse is the JSON response for the next run information.
type NextRunResponse struct {
	Scheduled bool       `json:"scheduled"`
	NextRun   *time.Time `json:"next_run,omitempty"`
}

// APIStatusResponse is the consolidated response for /api/status.
type APIStatusResponse struct {
	Server  types.ServerProperties `json:"server"`
	Engine  orchestrator.Snapshot  `json:"engine"`
	NextRun NextRunResponse        `json:"next_run"`
	// Statuses holds the last status line of every task seen this session.
	Statuses map[string]string `json:"statuses,omitempty"`
}

// APIStatusHandler handles requests for the consolidated status endpoint.
type APIStatusHandler struct {
	provider StatusProvider
}

// NewAPIStatusHandler creates a new APIStatusHandler.
func NewAPIStatusHandler(provider StatusProvider) *APIStatusHandler {
	return &APIStatusHandler{
		provider: provider,
	}
}

// ServeHTTP implements http.Handler.
func (h *APIStatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	nextRun := h.provider.NextRun()

	resp := APIStatusResponse{
		Server: h.provider.Properties(),
		Engine: h.provider.Snapshot(),
		NextRun: NextRunResponse{
			Scheduled: nextRun != nil,
			NextRun:   nextRun,
		},
		Statuses: h.provider.CurrentStatuses(),
	}

	writeJSON(w, http.StatusOK, resp)
}
