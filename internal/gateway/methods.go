package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/barkerhq/barker/pkg/protocol"
)

// HandlerFunc handles one RPC method call on a client connection.
type HandlerFunc func(ctx context.Context, client *Client, req *protocol.RequestFrame)

// MethodRouter dispatches request frames to registered method handlers.
type MethodRouter struct {
	server   *Server
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewMethodRouter creates a router with the built-in system methods.
func NewMethodRouter(s *Server) *MethodRouter {
	r := &MethodRouter{server: s, handlers: make(map[string]HandlerFunc)}
	r.Register(protocol.MethodConnect, s.handleConnect)
	r.Register(protocol.MethodHealth, s.handleHealthMethod)
	r.Register(protocol.MethodStatus, s.handleStatusMethod)
	return r
}

// Register adds a handler for a method name.
func (r *MethodRouter) Register(method string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[method] = h
}

// Dispatch routes a request to its handler. Unauthenticated clients may
// only call connect.
func (r *MethodRouter) Dispatch(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	if !client.Authed() && req.Method != protocol.MethodConnect {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrUnauthorized, "connect first"))
		return
	}

	r.mu.RLock()
	h, ok := r.handlers[req.Method]
	r.mu.RUnlock()
	if !ok {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "unknown method: "+req.Method))
		return
	}
	h(ctx, client, req)
}

// handleConnect authenticates a client against the gateway token.
func (s *Server) handleConnect(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	var params struct {
		Token string `json:"token"`
	}
	if req.Params != nil {
		json.Unmarshal(req.Params, &params)
	}

	if s.cfg.Gateway.Token != "" && params.Token != s.cfg.Gateway.Token {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrUnauthorized, "invalid token"))
		return
	}

	client.setAuthed()
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{
		"protocol": protocol.ProtocolVersion,
	}))
}

func (s *Server) handleHealthMethod(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{
		"status":   "ok",
		"protocol": protocol.ProtocolVersion,
	}))
}

func (s *Server) handleStatusMethod(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{
		"agents": s.registry.Snapshot(),
		"uptime": time.Since(s.started).Round(time.Second).String(),
	}))
}
