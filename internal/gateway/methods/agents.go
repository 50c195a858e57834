package methods

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/barkerhq/barker/internal/gateway"
	"github.com/barkerhq/barker/internal/session"
	"github.com/barkerhq/barker/pkg/protocol"
)

// AgentMethods exposes agent lifecycle control over WebSocket RPC.
type AgentMethods struct {
	registry *session.Registry
	agents   func() []session.AgentConfig
}

// NewAgentMethods creates the agent control handler. agents returns the
// currently configured launchable agents; it is re-read on every call so
// config reloads take effect without reconnecting.
func NewAgentMethods(registry *session.Registry, agents func() []session.AgentConfig) *AgentMethods {
	return &AgentMethods{registry: registry, agents: agents}
}

// Register registers all agent RPC methods.
func (m *AgentMethods) Register(router *gateway.MethodRouter) {
	router.Register(protocol.MethodAgentsList, m.handleList)
	router.Register(protocol.MethodAgentsStart, m.handleStart)
	router.Register(protocol.MethodAgentsStop, m.handleStop)
}

func (m *AgentMethods) handleList(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	list := m.registry.Snapshot()
	seen := make(map[string]bool, len(list))
	for _, st := range list {
		seen[st.AgentID] = true
	}

	// Configured but stopped agents appear as idle so the client sees
	// the full roster.
	for _, cfg := range m.agents() {
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

	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{
		"agents": list,
	}))
}

func (m *AgentMethods) handleStart(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params struct {
		ID string `json:"id"`
	}
	if req.Params != nil {
		json.Unmarshal(req.Params, &params)
	}
	if params.ID == "" {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "id is required"))
		return
	}

	var cfg session.AgentConfig
	found := false
	for _, a := range m.agents() {
		if a.ID == params.ID {
			cfg, found = a, true
			break
		}
	}
	if !found {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, "unknown agent: "+params.ID))
		return
	}
	if m.registry.Running(params.ID) {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "agent already running"))
		return
	}

	// Launching retries with backoff and can take a while; run it in
	// the background and let the event stream carry the outcome.
	// Daemon shutdown still cancels in-flight launches through the
	// registry.
	go func() {
		if err := m.registry.Start(context.Background(), cfg); err != nil && !errors.Is(err, session.ErrAlreadyRunning) {
			slog.Warn("agent start failed", "agent", cfg.ID, "error", err)
		}
	}()

	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{
		"status": "starting",
	}))
}

func (m *AgentMethods) handleStop(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params struct {
		ID string `json:"id"`
	}
	if req.Params != nil {
		json.Unmarshal(req.Params, &params)
	}
	if params.ID == "" {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "id is required"))
		return
	}
	if !m.registry.Running(params.ID) {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, "agent not running: "+params.ID))
		return
	}

	go func(id string) {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := m.registry.Stop(stopCtx, id); err != nil && !errors.Is(err, session.ErrNotRunning) {
			slog.Warn("agent stop failed", "agent", id, "error", err)
		}
	}(params.ID)

	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{
		"status": "stopping",
	}))
}
