package handlers

import (
	"net/http"
)

// HistoryHandler handles requests for the run history.
type HistoryHandler struct {
	provider HistoryProvider
}

// NewHistoryHandler creates a new HistoryHandler.
func NewHistoryHandler(provider HistoryProvider) *HistoryHandler {
	return &HistoryHandler{
		provider: provider,
	}
}

// ServeHTTP implements http.Handler.
func (h *HistoryHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.provider.History().Runs())
}

// HistoryRunHandler handles requests for one run, including its logs.
type HistoryRunHandler struct {
	provider HistoryProvider
}

// NewHistoryRunHandler creates a new HistoryRunHandler.
func NewHistoryRunHandler(provider HistoryProvider) *HistoryRunHandler {
	return &HistoryRunHandler{
		provider: provider,
	}
}

// ServeHTTP implements http.Handler.
func (h *HistoryRunHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing run id")
		return
	}

	run, ok := h.provider.History().Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "run not found: "+id)
		return
	}

	writeJSON(w, http.StatusOK, run)
}
