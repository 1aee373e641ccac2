package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/nomis52/goquest/agent"
)

// ReloadHandler handles requests to reload task definitions from disk.
type ReloadHandler struct {
	logger   *slog.Logger
	reloader Reloader
}

// NewReloadHandler creates a new ReloadHandler.
func NewReloadHandler(logger *slog.Logger, reloader Reloader) *ReloadHandler {
	return &ReloadHandler{
		logger:   logger,
		reloader: reloader,
	}
}

// ServeHTTP implements http.Handler.
func (h *ReloadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.logger.Info("reloading task definitions")

	if err := h.reloader.Reload(); err != nil {
		if errors.Is(err, agent.ErrBusy) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		h.logger.Error("failed to reload task definitions", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to reload: "+err.Error())
		return
	}

	h.logger.Info("task definitions reloaded successfully")
	w.WriteHeader(http.StatusNoContent)
}
