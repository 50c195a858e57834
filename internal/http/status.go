package http

import (
	"net/http"
	"time"

	"github.com/barkerhq/barker/internal/session"
)

// StatusHandler serves the daemon status endpoint.
type StatusHandler struct {
	registry *session.Registry
	token    string
	version  string
	started  time.Time
}

// NewStatusHandler creates a handler for the daemon status endpoint.
func NewStatusHandler(registry *session.Registry, token, version string) *StatusHandler {
	return &StatusHandler{registry: registry, token: token, version: version, started: time.Now()}
}

// RegisterRoutes registers the status route on the given mux.
func (h *StatusHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/status", h.handleStatus)
}

func (h *StatusHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if h.token != "" && BearerToken(r) != h.token {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	agents := h.registry.Snapshot()
	active := 0
	for _, st := range agents {
		if st.State == session.StateActive {
			active++
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version": h.version,
		"uptime":  time.Since(h.started).Round(time.Second).String(),
		"running": len(agents),
		"active":  active,
		"agents":  agents,
	})
}
