package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/nomis52/goquest/agent"
)

// ResourcesResponse is the JSON response for /api/tasks/{id}/resources.
type ResourcesResponse struct {
	TaskID string `json:"task_id"`
	Ready  bool   `json:"ready"`
	// Missing maps item names to the quantity still needed locally.
	Missing map[string]int `json:"missing"`
}

// ResourcesHandler reports which requirements of a task are not in local stock.
type ResourcesHandler struct {
	logger  *slog.Logger
	checker ResourceChecker
}

// NewResourcesHandler creates a new ResourcesHandler.
func NewResourcesHandler(logger *slog.Logger, checker ResourceChecker) *ResourcesHandler {
	return &ResourcesHandler{
		logger:  logger,
		checker: checker,
	}
}

// ServeHTTP implements http.Handler.
func (h *ResourcesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	missing, err := h.checker.CheckResources(r.Context(), id)
	if err != nil {
		if errors.Is(err, agent.ErrUnknownTask) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		h.logger.Error("resource check failed", "task_id", id, "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if missing == nil {
		missing = map[string]int{}
	}

	writeJSON(w, http.StatusOK, ResourcesResponse{
		TaskID:  id,
		Ready:   len(missing) == 0,
		Missing: missing,
	})
}
