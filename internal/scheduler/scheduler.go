// Package scheduler arms deferred work for running agents: one-shot
// timers that resolve campaigns when their window closes, and recurring
// cron-driven digest jobs.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/adhocore/gronx"
)

// ResolveFunc is invoked when a campaign's closing time arrives.
type ResolveFunc func(ctx context.Context, campaignID int64)

// DigestFunc is invoked on each digest tick for an agent.
type DigestFunc func(ctx context.Context, agentID string)

// job is one armed timer. Cancelling the context stops a pending fire;
// done closes when the goroutine has fully exited, fired or not.
type job struct {
	agentID    string
	campaignID int64
	cancel     context.CancelFunc
	done       chan struct{}
}

// Scheduler owns the timer goroutines for campaign resolution and agent
// digests. One job exists per campaign ID; scheduling the same campaign
// again replaces the previous timer. All cancel paths wait for the
// affected goroutines to exit, so after Cancel or CancelAll returns no
// callback for those jobs is pending or in flight.
type Scheduler struct {
	resolve ResolveFunc
	digest  DigestFunc

	mu      sync.Mutex
	jobs    map[int64]*job
	digests map[string]*job
	closed  bool

	now func() time.Time
}

// New creates a scheduler. digest may be nil when no agent has a digest
// configured.
func New(resolve ResolveFunc, digest DigestFunc) *Scheduler {
	return &Scheduler{
		resolve: resolve,
		digest:  digest,
		jobs:    make(map[int64]*job),
		digests: make(map[string]*job),
		now:     time.Now,
	}
}

// Schedule arms a one-shot resolution for the campaign at the given
// instant. A past instant fires immediately, which is how past-due
// campaigns found during recovery get resolved. An existing job for the
// same campaign is replaced.
func (s *Scheduler) Schedule(agentID string, campaignID int64, at time.Time) {
	ctx, cancel := context.WithCancel(context.Background())
	j := &job{
		agentID:    agentID,
		campaignID: campaignID,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return
	}
	if old, ok := s.jobs[campaignID]; ok {
		old.cancel()
	}
	s.jobs[campaignID] = j
	delay := at.Sub(s.now())
	s.mu.Unlock()

	slog.Debug("campaign job armed", "campaign_id", campaignID, "agent_id", agentID, "fires_in", delay)
	go s.runJob(ctx, j, delay)
}

func (s *Scheduler) runJob(ctx context.Context, j *job, delay time.Duration) {
	defer close(j.done)
	defer s.removeJob(j)

	t := time.NewTimer(delay)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return
	case <-t.C:
	}
	if ctx.Err() != nil {
		return
	}
	s.resolve(ctx, j.campaignID)
}

// removeJob drops j from the map unless a replacement already took the slot.
func (s *Scheduler) removeJob(j *job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobs[j.campaignID] == j {
		delete(s.jobs, j.campaignID)
	}
}

// Cancel disarms the campaign's job if one is pending and waits for its
// goroutine to exit. Cancelling an unknown or already-fired campaign is
// a no-op. Do not call it from inside a resolve callback.
func (s *Scheduler) Cancel(campaignID int64) {
	s.mu.Lock()
	j, ok := s.jobs[campaignID]
	s.mu.Unlock()
	if !ok {
		return
	}
	j.cancel()
	<-j.done
	slog.Debug("campaign job cancelled", "campaign_id", campaignID)
}

// CancelAll disarms every job belonging to the agent, the digest
// included, and waits for their goroutines to exit. Agent shutdown calls
// this before disconnecting so nothing fires against a closed session.
func (s *Scheduler) CancelAll(agentID string) {
	s.mu.Lock()
	var victims []*job
	for _, j := range s.jobs {
		if j.agentID == agentID {
			victims = append(victims, j)
		}
	}
	if dj, ok := s.digests[agentID]; ok {
		victims = append(victims, dj)
		delete(s.digests, agentID)
	}
	s.mu.Unlock()

	for _, j := range victims {
		j.cancel()
	}
	for _, j := range victims {
		<-j.done
	}
	if len(victims) > 0 {
		slog.Debug("agent jobs cancelled", "agent_id", agentID, "count", len(victims))
	}
}

// Pending lists the agent's armed campaign IDs in ascending order.
func (s *Scheduler) Pending(agentID string) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int64
	for id, j := range s.jobs {
		if j.agentID == agentID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, k int) bool { return ids[i] < ids[k] })
	return ids
}

// ScheduleDigest arms a recurring digest for the agent driven by the
// cron expression. An existing digest for the agent is replaced.
func (s *Scheduler) ScheduleDigest(agentID, cronExpr string) error {
	if !gronx.New().IsValid(cronExpr) {
		return fmt.Errorf("invalid cron expression %q", cronExpr)
	}
	if s.digest == nil {
		return fmt.Errorf("no digest handler configured")
	}

	ctx, cancel := context.WithCancel(context.Background())
	j := &job{
		agentID: agentID,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return nil
	}
	if old, ok := s.digests[agentID]; ok {
		old.cancel()
	}
	s.digests[agentID] = j
	s.mu.Unlock()

	slog.Debug("digest armed", "agent_id", agentID, "cron", cronExpr)
	go s.runDigest(ctx, j, cronExpr)
	return nil
}

func (s *Scheduler) runDigest(ctx context.Context, j *job, cronExpr string) {
	defer close(j.done)

	for {
		next, err := gronx.NextTickAfter(cronExpr, s.now(), false)
		if err != nil {
			slog.Warn("digest schedule stopped", "agent_id", j.agentID, "error", err)
			return
		}

		t := time.NewTimer(next.Sub(s.now()))
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		if ctx.Err() != nil {
			return
		}
		s.digest(ctx, j.agentID)
	}
}

// CancelDigest disarms the agent's digest job if one is running.
func (s *Scheduler) CancelDigest(agentID string) {
	s.mu.Lock()
	j, ok := s.digests[agentID]
	if ok {
		delete(s.digests, agentID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	j.cancel()
	<-j.done
}

// Close disarms everything and waits. The scheduler accepts no new jobs
// afterwards.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	var victims []*job
	for _, j := range s.jobs {
		victims = append(victims, j)
	}
	for _, j := range s.digests {
		victims = append(victims, j)
	}
	s.jobs = make(map[int64]*job)
	s.digests = make(map[string]*job)
	s.mu.Unlock()

	for _, j := range victims {
		j.cancel()
	}
	for _, j := range victims {
		<-j.done
	}
}
