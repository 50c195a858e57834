// Package campaign manages poll and giveaway lifecycles: creation,
// participation, and resolution. All mutation of one campaign is
// serialized through a per-campaign lock, so handler goroutines and
// scheduler fire callbacks never interleave on the same campaign.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/barkerhq/barker/internal/bus"
	"github.com/barkerhq/barker/internal/store"
	"github.com/barkerhq/barker/pkg/protocol"
)

// PollWindow is the fixed voting window for polls.
const PollWindow = 24 * time.Hour

var (
	// ErrNotAPoll is returned when /vote targets a giveaway.
	ErrNotAPoll = errors.New("campaign is not a poll")

	// ErrNotAGiveaway is returned when /enter targets a poll.
	ErrNotAGiveaway = errors.New("campaign is not a giveaway")
)

// OptionRangeError is returned when a vote names an option number outside
// the poll's option list.
type OptionRangeError struct {
	Option int
	Max    int
}

func (e *OptionRangeError) Error() string {
	return fmt.Sprintf("option %d out of range (poll has %d options)", e.Option, e.Max)
}

// SendFunc delivers one message to a channel. The owning session supplies
// it, bound to the live platform connection.
type SendFunc func(ctx context.Context, channelID, text string) error

// Service coordinates campaign state against the store.
type Service struct {
	campaigns store.CampaignStore
	resolver  *Resolver
	events    bus.EventPublisher

	mu    sync.Mutex
	locks map[int64]*sync.Mutex

	now func() time.Time
}

// NewService creates a campaign service.
func NewService(campaigns store.CampaignStore, resolver *Resolver, events bus.EventPublisher) *Service {
	return &Service{
		campaigns: campaigns,
		resolver:  resolver,
		events:    events,
		locks:     make(map[int64]*sync.Mutex),
		now:       time.Now,
	}
}

// lockFor returns the mutex serializing one campaign's mutations.
func (s *Service) lockFor(id int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// CreatePoll opens a poll with the fixed voting window.
func (s *Service) CreatePoll(ctx context.Context, agentID, channelID, question string, options []string) (*store.Campaign, error) {
	c := &store.Campaign{
		AgentID:   agentID,
		Kind:      store.KindPoll,
		ChannelID: channelID,
		Question:  question,
		Options:   options,
		ClosesAt:  s.now().Add(PollWindow),
	}
	if err := s.campaigns.CreateCampaign(ctx, c); err != nil {
		return nil, fmt.Errorf("create poll: %w", err)
	}

	slog.Info("poll opened", "campaign_id", c.ID, "agent_id", agentID, "options", len(options))
	s.broadcast(protocol.CampaignEventOpened, c)
	return c, nil
}

// CreateGiveaway opens a giveaway closing after the given duration.
// A zero duration means the giveaway resolves immediately on schedule.
func (s *Service) CreateGiveaway(ctx context.Context, agentID, channelID, prize string, duration time.Duration) (*store.Campaign, error) {
	c := &store.Campaign{
		AgentID:   agentID,
		Kind:      store.KindGiveaway,
		ChannelID: channelID,
		Prize:     prize,
		ClosesAt:  s.now().Add(duration),
	}
	if err := s.campaigns.CreateCampaign(ctx, c); err != nil {
		return nil, fmt.Errorf("create giveaway: %w", err)
	}

	slog.Info("giveaway opened", "campaign_id", c.ID, "agent_id", agentID, "closes_at", c.ClosesAt)
	s.broadcast(protocol.CampaignEventOpened, c)
	return c, nil
}

// RecordVote validates and records one vote. The campaign must be an open
// poll whose window has not passed, the option must be in range, and the
// voter must not have voted before.
func (s *Service) RecordVote(ctx context.Context, campaignID int64, voterID string, option int) error {
	lock := s.lockFor(campaignID)
	lock.Lock()
	defer lock.Unlock()

	c, err := s.campaigns.GetCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	if c.Kind != store.KindPoll {
		return ErrNotAPoll
	}
	if c.Closed || s.now().After(c.ClosesAt) {
		return store.ErrCampaignClosed
	}
	if option < 1 || option > len(c.Options) {
		return &OptionRangeError{Option: option, Max: len(c.Options)}
	}

	if err := s.campaigns.RecordVote(ctx, store.Vote{
		CampaignID: campaignID,
		VoterID:    voterID,
		Option:     option,
	}); err != nil {
		return err
	}

	s.broadcast(protocol.CampaignEventVoteRecorded, map[string]any{
		"campaignId": campaignID,
		"option":     option,
	})
	return nil
}

// RecordEntry validates and records one giveaway entry.
func (s *Service) RecordEntry(ctx context.Context, campaignID int64, participantID, participantName string) error {
	lock := s.lockFor(campaignID)
	lock.Lock()
	defer lock.Unlock()

	c, err := s.campaigns.GetCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	if c.Kind != store.KindGiveaway {
		return ErrNotAGiveaway
	}
	if c.Closed || s.now().After(c.ClosesAt) {
		return store.ErrCampaignClosed
	}

	if err := s.campaigns.RecordEntry(ctx, store.Entry{
		CampaignID:      campaignID,
		ParticipantID:   participantID,
		ParticipantName: participantName,
	}); err != nil {
		return err
	}

	s.broadcast(protocol.CampaignEventEntryRecorded, map[string]any{
		"campaignId": campaignID,
	})
	return nil
}

// Resolve closes the campaign and announces the outcome through send.
// It is a no-op on an already-closed campaign, which is what keeps a
// re-armed job from double-firing after a restart. A delivery failure
// after the close is logged and reported on the bus but does not reopen
// the campaign; the recorded outcome stands.
func (s *Service) Resolve(ctx context.Context, campaignID int64, send SendFunc) error {
	lock := s.lockFor(campaignID)
	lock.Lock()
	defer lock.Unlock()

	c, err := s.campaigns.GetCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	if c.Closed {
		return nil
	}

	var res store.Resolution
	var msg string
	switch c.Kind {
	case store.KindPoll:
		counts, err := s.campaigns.VoteCounts(ctx, campaignID)
		if err != nil {
			return fmt.Errorf("tally votes for campaign %d: %w", campaignID, err)
		}
		res, msg = s.resolver.ResolvePoll(c, counts)
	case store.KindGiveaway:
		entries, err := s.campaigns.Entries(ctx, campaignID)
		if err != nil {
			return fmt.Errorf("load entries for campaign %d: %w", campaignID, err)
		}
		res, msg = s.resolver.ResolveGiveaway(c, entries)
	default:
		return fmt.Errorf("campaign %d has unknown kind %q", campaignID, c.Kind)
	}

	if err := s.campaigns.CloseCampaign(ctx, campaignID, res); err != nil {
		if errors.Is(err, store.ErrCampaignClosed) {
			return nil
		}
		return fmt.Errorf("close campaign %d: %w", campaignID, err)
	}

	slog.Info("campaign resolved", "campaign_id", campaignID, "kind", c.Kind)
	s.broadcast(protocol.CampaignEventResolved, map[string]any{
		"campaignId": campaignID,
		"agentId":    c.AgentID,
		"kind":       c.Kind,
		"winnerId":   res.WinnerID,
		"counts":     res.Counts,
	})

	if send != nil {
		if err := send(ctx, c.ChannelID, msg); err != nil {
			slog.Warn("resolution delivery failed", "campaign_id", campaignID, "error", err)
			s.broadcast(protocol.CampaignEventDeliveryFailed, map[string]any{
				"campaignId": campaignID,
				"agentId":    c.AgentID,
				"error":      err.Error(),
			})
		}
	}

	return nil
}

// Get returns one campaign.
func (s *Service) Get(ctx context.Context, campaignID int64) (*store.Campaign, error) {
	return s.campaigns.GetCampaign(ctx, campaignID)
}

// Open lists an agent's unresolved campaigns, oldest first. The registry
// uses it to re-arm scheduler jobs at session start.
func (s *Service) Open(ctx context.Context, agentID string) ([]store.Campaign, error) {
	return s.campaigns.OpenCampaigns(ctx, agentID)
}

// List lists an agent's campaigns, newest first.
func (s *Service) List(ctx context.Context, agentID string, limit int) ([]store.Campaign, error) {
	return s.campaigns.ListCampaigns(ctx, agentID, limit)
}

// Activity aggregates an agent's campaign activity since the given instant.
func (s *Service) Activity(ctx context.Context, agentID string, since time.Time) (*store.ActivitySummary, error) {
	return s.campaigns.ActivitySince(ctx, agentID, since)
}

func (s *Service) broadcast(eventType string, payload any) {
	if s.events == nil {
		return
	}
	s.events.Broadcast(bus.Event{
		Name: protocol.EventCampaign,
		Payload: map[string]any{
			"type": eventType,
			"data": payload,
		},
	})
}
