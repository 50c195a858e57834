package methods

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/barkerhq/barker/internal/campaign"
	"github.com/barkerhq/barker/internal/gateway"
	"github.com/barkerhq/barker/pkg/protocol"
)

// CampaignMethods exposes campaign listing over WebSocket RPC.
type CampaignMethods struct {
	campaigns *campaign.Service
}

// NewCampaignMethods creates the campaign listing handler.
func NewCampaignMethods(svc *campaign.Service) *CampaignMethods {
	return &CampaignMethods{campaigns: svc}
}

// Register registers all campaign RPC methods.
func (m *CampaignMethods) Register(router *gateway.MethodRouter) {
	router.Register(protocol.MethodCampaignsList, m.handleList)
}

func (m *CampaignMethods) handleList(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params struct {
		AgentID string `json:"agentId"`
		Limit   int    `json:"limit"`
	}
	if req.Params != nil {
		json.Unmarshal(req.Params, &params)
	}
	if params.AgentID == "" {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "agentId is required"))
		return
	}
	if params.Limit <= 0 {
		params.Limit = 50
	}

	campaigns, err := m.campaigns.List(ctx, params.AgentID, params.Limit)
	if err != nil {
		slog.Error("campaigns.list", "error", err)
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInternal, "failed to list campaigns"))
		return
	}

	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{
		"campaigns": campaigns,
	}))
}
