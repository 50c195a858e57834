package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/barkerhq/barker/internal/campaign"
	"github.com/barkerhq/barker/internal/session"
)

// AgentsHandler serves the agent roster and lifecycle control endpoints.
type AgentsHandler struct {
	registry  *session.Registry
	campaigns *campaign.Service
	agents    func() []session.AgentConfig
	token     string
}

// NewAgentsHandler creates a handler for agent management endpoints.
// agents returns the currently configured launchable agents so config
// reloads take effect without a restart.
func NewAgentsHandler(registry *session.Registry, campaigns *campaign.Service, agents func() []session.AgentConfig, token string) *AgentsHandler {
	return &AgentsHandler{registry: registry, campaigns: campaigns, agents: agents, token: token}
}

// RegisterRoutes registers all agent management routes on the given mux.
func (h *AgentsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/agents", h.authMiddleware(h.handleList))
	mux.HandleFunc("GET /api/agents/{id}", h.authMiddleware(h.handleGet))
	mux.HandleFunc("POST /api/agents/{id}/start", h.authMiddleware(h.handleStart))
	mux.HandleFunc("POST /api/agents/{id}/stop", h.authMiddleware(h.handleStop))
	mux.HandleFunc("GET /api/agents/{id}/campaigns", h.authMiddleware(h.handleCampaigns))
}

func (h *AgentsHandler) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.token != "" && BearerToken(r) != h.token {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

// roster merges running sessions with configured-but-stopped agents so
// callers always see the full set.
func (h *AgentsHandler) roster() []session.Status {
	list := h.registry.Snapshot()
	seen := make(map[string]bool, len(list))
	for _, st := range list {
		seen[st.AgentID] = true
	}
	for _, cfg := range h.agents() {
		if seen[cfg.ID] {
			continue
		}
		list = append(list, session.Status{
			AgentID:  cfg.ID,
			Name:     cfg.Name,
			Platform: cfg.Platform,
			Template: cfg.Template,
			State:    session.StateIdle,
		})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].AgentID < list[j].AgentID })
	return list
}

func (h *AgentsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"agents": h.roster()})
}

func (h *AgentsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if st, ok := h.registry.Get(id); ok {
		writeJSON(w, http.StatusOK, st)
		return
	}
	for _, cfg := range h.agents() {
		if cfg.ID == id {
			writeJSON(w, http.StatusOK, session.Status{
				AgentID:  cfg.ID,
				Name:     cfg.Name,
				Platform: cfg.Platform,
				Template: cfg.Template,
				State:    session.StateIdle,
			})
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown agent: " + id})
}

func (h *AgentsHandler) handleStart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var cfg session.AgentConfig
	found := false
	for _, a := range h.agents() {
		if a.ID == id {
			cfg, found = a, true
			break
		}
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown agent: " + id})
		return
	}
	if h.registry.Running(id) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "agent already running"})
		return
	}

	// The launch protocol retries with backoff; run it in the
	// background and let the event stream carry the outcome.
	go func() {
		if err := h.registry.Start(context.Background(), cfg); err != nil && !errors.Is(err, session.ErrAlreadyRunning) {
			slog.Warn("agent start failed", "agent", cfg.ID, "error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "starting"})
}

func (h *AgentsHandler) handleStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !h.registry.Running(id) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "agent not running: " + id})
		return
	}

	go func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := h.registry.Stop(stopCtx, id); err != nil && !errors.Is(err, session.ErrNotRunning) {
			slog.Warn("agent stop failed", "agent", id, "error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

func (h *AgentsHandler) handleCampaigns(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	campaigns, err := h.campaigns.List(r.Context(), id, limit)
	if err != nil {
		slog.Error("list campaigns", "agent", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list campaigns"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"campaigns": campaigns})
}

// BearerToken extracts the bearer token from the Authorization header,
// falling back to the token query parameter for WebSocket clients that
// cannot set headers.
func BearerToken(r *http.Request) string {
	hdr := r.Header.Get("Authorization")
	if strings.HasPrefix(hdr, "Bearer ") {
		return strings.TrimPrefix(hdr, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
