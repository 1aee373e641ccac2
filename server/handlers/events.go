package handlers

import (
	"net/http"
	"strconv"

	"github.com/nomis52/goquest/statusreporter"
)

// EventsHandler handles GET /api/events?after=<seq>.
type EventsHandler struct {
	provider EventProvider
}

// NewEventsHandler creates a new EventsHandler.
func NewEventsHandler(provider EventProvider) *EventsHandler {
	return &EventsHandler{
		provider: provider,
	}
}

// ServeHTTP implements http.Handler.
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var after uint64
	if s := r.URL.Query().Get("after"); s != "" {
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid after: "+s)
			return
		}
		after = v
	}

	events := h.provider.Events(after)
	if events == nil {
		events = []statusreporter.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}
