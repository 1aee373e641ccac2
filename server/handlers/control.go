package handlers

import (
	"fmt"
	"log/slog"
	"net/http"
)

// ControlAction is one of the control operations without arguments.
type ControlAction string

const (
	ActionPause         ControlAction = "pause"
	ActionResume        ControlAction = "resume"
	ActionStop          ControlAction = "stop"
	ActionEmergencyStop ControlAction = "emergency-stop"
)

// ControlHandler handles POST /api/{pause,resume,stop,emergency-stop}.
type ControlHandler struct {
	logger     *slog.Logger
	controller Controller
	action     ControlAction
}

// NewControlHandler creates a handler for action.
func NewControlHandler(logger *slog.Logger, controller Controller, action ControlAction) *ControlHandler {
	return &ControlHandler{
		logger:     logger,
		controller: controller,
		action:     action,
	}
}

// ServeHTTP implements http.Handler.
func (h *ControlHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ok := true
	switch h.action {
	case ActionPause:
		ok = h.controller.Pause()
	case ActionResume:
		ok = h.controller.Resume()
	case ActionStop:
		h.controller.Stop()
	case ActionEmergencyStop:
		h.controller.EmergencyStop()
	default:
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown action %q", h.action))
		return
	}

	state := h.controller.State()
	if !ok {
		writeError(w, http.StatusConflict, fmt.Sprintf("cannot %s while %s", h.action, state))
		return
	}

	h.logger.Info("control action applied", "action", h.action, "state", state)
	w.WriteHeader(http.StatusNoContent)
}
