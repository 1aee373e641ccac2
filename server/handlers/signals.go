package handlers

import (
	"net/http"

	"github.com/nomis52/goquest/signals"
)

// SignalsResponse is the JSON response for /api/signals.
type SignalsResponse struct {
	Discovering bool             `json:"discovering"`
	Signals     []signals.Signal `json:"signals"`
}

// SignalsHandler handles GET /api/signals.
type SignalsHandler struct {
	provider SignalProvider
}

// NewSignalsHandler creates a new SignalsHandler. provider may be nil when no monitor
// is configured.
func NewSignalsHandler(provider SignalProvider) *SignalsHandler {
	return &SignalsHandler{
		provider: provider,
	}
}

// ServeHTTP implements http.Handler.
func (h *SignalsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := SignalsResponse{Signals: []signals.Signal{}}
	if h.provider != nil {
		resp.Discovering = h.provider.Discovering()
		resp.Signals = h.provider.Snapshot()
	}
	writeJSON(w, http.StatusOK, resp)
}
