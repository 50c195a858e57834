package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrCampaignNotFound is returned when no campaign matches the ID.
	ErrCampaignNotFound = errors.New("campaign not found")

	// ErrCampaignClosed is returned when mutating a campaign that has
	// already been resolved.
	ErrCampaignClosed = errors.New("campaign already closed")

	// ErrDuplicateVote is returned when a voter votes twice in one poll.
	ErrDuplicateVote = errors.New("voter already voted in this campaign")

	// ErrDuplicateEntry is returned when a participant enters a giveaway twice.
	ErrDuplicateEntry = errors.New("participant already entered this campaign")
)

// CampaignKind discriminates the campaign payload.
type CampaignKind string

const (
	KindPoll     CampaignKind = "poll"
	KindGiveaway CampaignKind = "giveaway"
)

// Campaign is one poll or giveaway run by an agent. IDs are store-assigned
// sequence numbers; participants type them in /vote and /enter.
type Campaign struct {
	ID         int64        `json:"id"`
	AgentID    string       `json:"agentId"`
	Kind       CampaignKind `json:"kind"`
	ChannelID  string       `json:"channelId"` // chat the campaign was opened in; resolutions announce here
	Question   string       `json:"question,omitempty"`
	Options    []string     `json:"options,omitempty"`
	Prize      string       `json:"prize,omitempty"`
	ClosesAt   time.Time    `json:"closesAt"`
	Closed     bool         `json:"closed"`
	WinnerID   string       `json:"winnerId,omitempty"`
	WinnerName string       `json:"winnerName,omitempty"`
	Counts     []int        `json:"counts,omitempty"` // final per-option tally, index-aligned with Options
	CreatedAt  time.Time    `json:"createdAt"`
	ResolvedAt *time.Time   `json:"resolvedAt,omitempty"`
}

// Vote is one poll vote. Option is the 1-based option number as typed.
type Vote struct {
	CampaignID int64     `json:"campaignId"`
	VoterID    string    `json:"voterId"`
	Option     int       `json:"option"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Entry is one giveaway entry.
type Entry struct {
	CampaignID      int64     `json:"campaignId"`
	ParticipantID   string    `json:"participantId"`
	ParticipantName string    `json:"participantName,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Resolution is the outcome written when a campaign closes.
type Resolution struct {
	WinnerID   string `json:"winnerId,omitempty"`
	WinnerName string `json:"winnerName,omitempty"`
	Counts     []int  `json:"counts,omitempty"`
}

// ActivitySummary aggregates campaign activity for the digest template.
type ActivitySummary struct {
	OpenCampaigns int `json:"openCampaigns"`
	VotesSince    int `json:"votesSince"`
	EntriesSince  int `json:"entriesSince"`
	ClosedSince   int `json:"closedSince"`
}

// CampaignStore persists campaigns and their participation records.
// Duplicate participation is rejected at this layer via the unique
// constraints, so callers can rely on ErrDuplicateVote/ErrDuplicateEntry.
type CampaignStore interface {
	// CreateCampaign inserts the campaign and assigns its ID.
	CreateCampaign(ctx context.Context, c *Campaign) error

	GetCampaign(ctx context.Context, id int64) (*Campaign, error)

	// OpenCampaigns lists unresolved campaigns for one agent, oldest first.
	OpenCampaigns(ctx context.Context, agentID string) ([]Campaign, error)

	// ListCampaigns lists campaigns for one agent, newest first.
	ListCampaigns(ctx context.Context, agentID string, limit int) ([]Campaign, error)

	// CloseCampaign records the resolution. Returns ErrCampaignClosed when
	// the campaign was already closed, which is what makes resolution
	// fire exactly once across restarts.
	CloseCampaign(ctx context.Context, id int64, res Resolution) error

	RecordVote(ctx context.Context, v Vote) error
	RecordEntry(ctx context.Context, e Entry) error

	// VoteCounts tallies recorded votes by 1-based option number.
	VoteCounts(ctx context.Context, campaignID int64) (map[int]int, error)

	Entries(ctx context.Context, campaignID int64) ([]Entry, error)

	// ActivitySince aggregates one agent's campaign activity after the
	// given instant, for digest reports.
	ActivitySince(ctx context.Context, agentID string, since time.Time) (*ActivitySummary, error)
}
