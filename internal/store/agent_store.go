package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrAgentNotFound is returned when no agent matches the given key.
var ErrAgentNotFound = errors.New("agent not found")

// AgentRecord is the persisted view of one configured agent. Credentials
// are never stored; they stay in config and environment.
type AgentRecord struct {
	ID           uuid.UUID `json:"id"`
	AgentID      string    `json:"agentID"` // stable key, unique (config key in standalone mode)
	Name         string    `json:"name"`
	Platform     string    `json:"platform"` // "telegram", "discord", "memory"
	Template     string    `json:"template"` // "poll", "giveaway", "qa", "analytics"
	ChannelRef   string    `json:"channelRef"`
	ChannelID    string    `json:"channelID,omitempty"` // resolved at verify, empty until first launch
	Enabled      bool      `json:"enabled"`
	State        string    `json:"state"`                  // last observed session state
	StatusDetail string    `json:"statusDetail,omitempty"` // surfaced to the owner (launch failures etc.)
	DigestCron   string    `json:"digestCron,omitempty"`   // analytics template only
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// AgentStore persists agent records and their observed runtime status.
type AgentStore interface {
	UpsertAgent(ctx context.Context, a *AgentRecord) error
	GetAgent(ctx context.Context, agentID string) (*AgentRecord, error)
	ListAgents(ctx context.Context) ([]AgentRecord, error)
	SetAgentState(ctx context.Context, agentID, state, detail string) error
	SetAgentChannel(ctx context.Context, agentID, channelID string) error
	SetAgentEnabled(ctx context.Context, agentID string, enabled bool) error
}
