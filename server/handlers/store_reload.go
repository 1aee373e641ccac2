package handlers

import (
	"log/slog"
	"net/http"

	"github.com/nomis52/goquest/history"
)

// ReloadableStore is a run history store that can re-read its state directory.
type ReloadableStore interface {
	Reload() error
	Runs() []history.Run
}

// StoreReloadResponse is the body of POST /api/history/reload.
type StoreReloadResponse struct {
	Runs      int `json:"runs"`
	Completed int `json:"completed"`
}

// StoreReloadHandler re-reads run history written by another process, such as a restored
// backup of the state directory.
type StoreReloadHandler struct {
	logger *slog.Logger
	store  ReloadableStore
}

// NewStoreReloadHandler creates a new StoreReloadHandler.
func NewStoreReloadHandler(logger *slog.Logger, store ReloadableStore) *StoreReloadHandler {
	return &StoreReloadHandler{
		logger: logger,
		store:  store,
	}
}

// ServeHTTP implements http.Handler.
func (h *StoreReloadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Reload(); err != nil {
		h.logger.Error("failed to reload run history", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to reload run history: "+err.Error())
		return
	}

	var resp StoreReloadResponse
	for _, run := range h.store.Runs() {
		resp.Runs++
		if run.Outcome == history.OutcomeCompleted {
			resp.Completed++
		}
	}
	h.logger.Info("run history reloaded", "runs", resp.Runs, "completed", resp.Completed)
	writeJSON(w, http.StatusOK, resp)
}
