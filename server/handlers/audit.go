package handlers

import (
	"net/http"
	"strconv"
)

const (
	defaultAuditLines = 100
	maxAuditLines     = 1000
)

// AuditResponse is returned by GET /api/audit.
type AuditResponse struct {
	Lines []string `json:"lines"`
}

// AuditHandler handles GET /api/audit?lines=<n>.
type AuditHandler struct {
	provider AuditProvider
}

// NewAuditHandler creates a new AuditHandler.
func NewAuditHandler(provider AuditProvider) *AuditHandler {
	return &AuditHandler{
		provider: provider,
	}
}

// ServeHTTP implements http.Handler.
func (h *AuditHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := defaultAuditLines
	if s := r.URL.Query().Get("lines"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 1 {
			writeError(w, http.StatusBadRequest, "invalid lines: "+s)
			return
		}
		n = min(v, maxAuditLines)
	}

	lines := h.provider.Tail(n)
	if lines == nil {
		lines = []string{}
	}
	writeJSON(w, http.StatusOK, AuditResponse{Lines: lines})
}
