package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/nomis52/goquest/orchestrator"
)

// StartResponse is returned when a task was accepted.
type StartResponse struct {
	TaskID string             `json:"task_id"`
	State  orchestrator.State `json:"state"`
}

// StartHandler handles POST /api/tasks/{id}/start.
type StartHandler struct {
	logger     *slog.Logger
	starter    TaskStarter
	controller Controller
}

// NewStartHandler creates a new StartHandler.
func NewStartHandler(logger *slog.Logger, starter TaskStarter, controller Controller) *StartHandler {
	return &StartHandler{
		logger:     logger,
		starter:    starter,
		controller: controller,
	}
}

// ServeHTTP implements http.Handler.
func (h *StartHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing task id")
		return
	}

	if err := h.starter.StartTask(id); err != nil {
		h.logger.Warn("task start rejected", "task_id", id, "error", err)
		if errors.Is(err, orchestrator.ErrValidation) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, StartResponse{TaskID: id, State: h.controller.State()})
}
