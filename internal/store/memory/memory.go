// Package memory implements the barker stores on in-process maps. It backs
// dry-run mode and the test suites; data does not survive the process.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/barkerhq/barker/internal/store"
)

// Store implements store.AgentStore and store.CampaignStore in memory.
type Store struct {
	mu        sync.Mutex
	agents    map[string]*store.AgentRecord
	campaigns map[int64]*store.Campaign
	votes     map[int64]map[string]store.Vote  // campaign ID → voter ID → vote
	entries   map[int64]map[string]store.Entry // campaign ID → participant ID → entry
	nextID    int64
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		agents:    make(map[string]*store.AgentRecord),
		campaigns: make(map[int64]*store.Campaign),
		votes:     make(map[int64]map[string]store.Vote),
		entries:   make(map[int64]map[string]store.Entry),
		nextID:    1,
	}
}

// NewStores wraps a fresh Store in the standard container.
func NewStores() *store.Stores {
	s := NewStore()
	return &store.Stores{Agents: s, Campaigns: s}
}

func (s *Store) UpsertAgent(_ context.Context, a *store.AgentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if existing, ok := s.agents[a.AgentID]; ok {
		existing.Name = a.Name
		existing.Platform = a.Platform
		existing.Template = a.Template
		existing.ChannelRef = a.ChannelRef
		existing.Enabled = a.Enabled
		existing.DigestCron = a.DigestCron
		existing.UpdatedAt = now
		*a = *existing
		return nil
	}

	cp := *a
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.agents[a.AgentID] = &cp
	*a = cp
	return nil
}

func (s *Store) GetAgent(_ context.Context, agentID string) (*store.AgentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentID]
	if !ok {
		return nil, store.ErrAgentNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *Store) ListAgents(_ context.Context) ([]store.AgentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.AgentRecord, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

func (s *Store) SetAgentState(_ context.Context, agentID, state, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentID]
	if !ok {
		return store.ErrAgentNotFound
	}
	a.State = state
	a.StatusDetail = detail
	a.UpdatedAt = time.Now()
	return nil
}

func (s *Store) SetAgentChannel(_ context.Context, agentID, channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentID]
	if !ok {
		return store.ErrAgentNotFound
	}
	a.ChannelID = channelID
	a.UpdatedAt = time.Now()
	return nil
}

func (s *Store) SetAgentEnabled(_ context.Context, agentID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentID]
	if !ok {
		return store.ErrAgentNotFound
	}
	a.Enabled = enabled
	a.UpdatedAt = time.Now()
	return nil
}

func (s *Store) CreateCampaign(_ context.Context, c *store.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c.ID = s.nextID
	s.nextID++
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	cp := *c
	s.campaigns[c.ID] = &cp
	return nil
}

func (s *Store) GetCampaign(_ context.Context, id int64) (*store.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, store.ErrCampaignNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Store) OpenCampaigns(_ context.Context, agentID string) ([]store.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Campaign
	for _, c := range s.campaigns {
		if c.AgentID == agentID && !c.Closed {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ListCampaigns(_ context.Context, agentID string, limit int) ([]store.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	var out []store.Campaign
	for _, c := range s.campaigns {
		if c.AgentID == agentID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CloseCampaign(_ context.Context, id int64, res store.Resolution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return store.ErrCampaignNotFound
	}
	if c.Closed {
		return store.ErrCampaignClosed
	}
	now := time.Now()
	c.Closed = true
	c.WinnerID = res.WinnerID
	c.WinnerName = res.WinnerName
	c.Counts = res.Counts
	c.ResolvedAt = &now
	return nil
}

func (s *Store) RecordVote(_ context.Context, v store.Vote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.campaigns[v.CampaignID]; !ok {
		return store.ErrCampaignNotFound
	}
	byVoter, ok := s.votes[v.CampaignID]
	if !ok {
		byVoter = make(map[string]store.Vote)
		s.votes[v.CampaignID] = byVoter
	}
	if _, dup := byVoter[v.VoterID]; dup {
		return store.ErrDuplicateVote
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}
	byVoter[v.VoterID] = v
	return nil
}

func (s *Store) RecordEntry(_ context.Context, e store.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.campaigns[e.CampaignID]; !ok {
		return store.ErrCampaignNotFound
	}
	byParticipant, ok := s.entries[e.CampaignID]
	if !ok {
		byParticipant = make(map[string]store.Entry)
		s.entries[e.CampaignID] = byParticipant
	}
	if _, dup := byParticipant[e.ParticipantID]; dup {
		return store.ErrDuplicateEntry
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	byParticipant[e.ParticipantID] = e
	return nil
}

func (s *Store) VoteCounts(_ context.Context, campaignID int64) (map[int]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[int]int)
	for _, v := range s.votes[campaignID] {
		counts[v.Option]++
	}
	return counts, nil
}

func (s *Store) Entries(_ context.Context, campaignID int64) ([]store.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Entry
	for _, e := range s.entries[campaignID] {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ParticipantID < out[j].ParticipantID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) ActivitySince(_ context.Context, agentID string, since time.Time) (*store.ActivitySummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := &store.ActivitySummary{}
	for id, c := range s.campaigns {
		if c.AgentID != agentID {
			continue
		}
		if !c.Closed {
			sum.OpenCampaigns++
		} else if c.ResolvedAt != nil && !c.ResolvedAt.Before(since) {
			sum.ClosedSince++
		}
		for _, v := range s.votes[id] {
			if !v.CreatedAt.Before(since) {
				sum.VotesSince++
			}
		}
		for _, e := range s.entries[id] {
			if !e.CreatedAt.Before(since) {
				sum.EntriesSince++
			}
		}
	}
	return sum, nil
}
