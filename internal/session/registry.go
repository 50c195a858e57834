package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/barkerhq/barker/internal/bus"
	"github.com/barkerhq/barker/internal/campaign"
	"github.com/barkerhq/barker/internal/command"
	"github.com/barkerhq/barker/internal/platform"
	"github.com/barkerhq/barker/internal/scheduler"
	"github.com/barkerhq/barker/internal/store"
	"github.com/barkerhq/barker/pkg/protocol"
)

var (
	// ErrAlreadyRunning is returned by Start when the agent has a live session.
	ErrAlreadyRunning = errors.New("agent already running")

	// ErrNotRunning is returned by Stop when the agent has no live session.
	ErrNotRunning = errors.New("agent not running")

	// ErrUnknownPlatform is returned when no connector matches the agent's platform.
	ErrUnknownPlatform = errors.New("no connector registered for platform")
)

// DefaultDigestCron is the digest schedule for analytics agents that
// don't configure one: top of every hour.
const DefaultDigestCron = "0 * * * *"

const disconnectTimeout = 15 * time.Second

// Config wires the registry's collaborators.
type Config struct {
	Stores     *store.Stores
	Campaigns  *campaign.Service
	Events     bus.EventPublisher
	Connectors []platform.Connector
	Policy     LaunchPolicy
}

// Registry owns every live session in the process. It is the only
// component that starts and stops agents; the gateway, the config
// watcher, and the scheduler's callbacks all go through it.
//
// Start and Stop serialize per agent, so a stop issued during a launch
// waits for the launch to abort rather than racing it. Different agents
// start and stop concurrently.
type Registry struct {
	stores     *store.Stores
	campaigns  *campaign.Service
	events     bus.EventPublisher
	connectors map[string]platform.Connector
	lock       *CredentialLock
	launcher   *Launcher
	sched      *scheduler.Scheduler

	mu       sync.Mutex
	sessions map[string]*Session
	ops      map[string]*sync.Mutex
	launches map[string]context.CancelFunc
}

// NewRegistry creates a registry. The campaign scheduler is created
// here because its fire callbacks need the registry's session table.
func NewRegistry(cfg Config) *Registry {
	r := &Registry{
		stores:     cfg.Stores,
		campaigns:  cfg.Campaigns,
		events:     cfg.Events,
		connectors: make(map[string]platform.Connector, len(cfg.Connectors)),
		lock:       NewCredentialLock(),
		sessions:   make(map[string]*Session),
		ops:        make(map[string]*sync.Mutex),
		launches:   make(map[string]context.CancelFunc),
	}
	for _, c := range cfg.Connectors {
		r.connectors[c.Platform()] = c
	}
	r.launcher = NewLauncher(r.lock, r.preemptHolder, cfg.Policy)
	r.sched = scheduler.New(r.resolveCampaign, r.runDigest)
	return r
}

// Scheduler exposes the campaign scheduler for components that arm
// timers directly (the command router).
func (r *Registry) Scheduler() *scheduler.Scheduler {
	return r.sched
}

// opLock returns the mutex serializing Start/Stop for one agent.
func (r *Registry) opLock(agentID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.ops[agentID]
	if !ok {
		m = &sync.Mutex{}
		r.ops[agentID] = m
	}
	return m
}

func (r *Registry) session(agentID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[agentID]
}

// Running reports whether the agent currently has a live session.
func (r *Registry) Running(agentID string) bool {
	return r.session(agentID) != nil
}

// Start runs the launch protocol for the agent and, on success,
// registers its session and re-arms any persisted work (open campaigns,
// the analytics digest). It blocks for the whole launch including
// retries; callers who need to return sooner run it in a goroutine.
//
// Launch failure leaves no session behind: the agent record is marked
// Failed (or Stopped, if the launch was cancelled by Stop or shutdown)
// and a later Start begins from scratch.
func (r *Registry) Start(ctx context.Context, cfg AgentConfig) error {
	if err := validateAgent(cfg); err != nil {
		return err
	}
	connector, ok := r.connectors[cfg.Platform]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPlatform, cfg.Platform)
	}

	op := r.opLock(cfg.ID)
	op.Lock()
	defer op.Unlock()

	r.mu.Lock()
	if _, exists := r.sessions[cfg.ID]; exists {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	launchCtx, cancel := context.WithCancel(ctx)
	r.launches[cfg.ID] = cancel
	r.mu.Unlock()
	defer func() {
		cancel()
		r.mu.Lock()
		delete(r.launches, cfg.ID)
		r.mu.Unlock()
	}()

	sess := newSession(cfg)
	hooks := LaunchHooks{
		OnState: func(st State, detail string) {
			r.applyState(sess, st, detail)
		},
		OnRetry: func(attempt int, wait time.Duration, cause error) {
			r.broadcast(protocol.AgentEventLaunchRetry, map[string]any{
				"agentId": cfg.ID,
				"attempt": attempt,
				"nextIn":  wait.String(),
				"error":   cause.Error(),
			})
		},
	}

	res, err := r.launcher.Launch(launchCtx, cfg, connector, sess.enqueue, hooks)
	if err != nil {
		if launchCtx.Err() != nil {
			r.applyState(sess, StateStopped, "launch cancelled")
			return err
		}
		r.applyState(sess, StateFailed, err.Error())
		r.broadcast(protocol.AgentEventLaunchFailed, map[string]any{
			"agentId": cfg.ID,
			"error":   err.Error(),
		})
		return err
	}

	sess.attach(res.Conn, res.ChannelID, res.BotName)
	r.persistChannel(cfg.ID, res.ChannelID)

	router := command.NewRouter(command.Config{
		AgentID:   cfg.ID,
		Template:  cfg.Template,
		ChannelID: res.ChannelID,
		Campaigns: r.campaigns,
		Scheduler: r.sched,
		Send:      sess.Send,
		Status:    func() string { return r.statusLine(cfg.ID) },
	})
	sess.startLoop(router)

	r.mu.Lock()
	r.sessions[cfg.ID] = sess
	r.mu.Unlock()

	r.applyState(sess, StateActive, fmt.Sprintf("connected as %s", res.BotName))
	r.broadcast(protocol.AgentEventReady, map[string]any{
		"agentId":   cfg.ID,
		"botName":   res.BotName,
		"channelId": res.ChannelID,
		"attempts":  res.Attempts,
	})

	r.rearm(launchCtx, cfg)
	return nil
}

// Stop tears the agent's session down in dependency order: cancel any
// in-flight launch, halt scheduled campaign work, stop the command
// loop, disconnect the platform, release the credential. Campaigns the
// scheduler was holding stay open in the store and re-arm on the next
// Start.
func (r *Registry) Stop(ctx context.Context, agentID string) error {
	r.mu.Lock()
	if cancel, ok := r.launches[agentID]; ok {
		cancel()
	}
	r.mu.Unlock()

	op := r.opLock(agentID)
	op.Lock()
	defer op.Unlock()

	r.mu.Lock()
	sess, ok := r.sessions[agentID]
	r.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}

	r.applyState(sess, StateStopping, "")

	r.sched.CancelAll(agentID)
	sess.stopLoop()

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), disconnectTimeout)
	defer cancel()
	if err := sess.disconnect(dctx); err != nil {
		slog.Warn("disconnect on stop", "agent_id", agentID, "error", err)
	}

	if err := r.lock.Release(sess.cfg.Credential, agentID); err != nil {
		slog.Error("credential release on stop", "agent_id", agentID, "error", err)
	}

	r.mu.Lock()
	delete(r.sessions, agentID)
	r.mu.Unlock()

	r.applyState(sess, StateStopped, "")
	slog.Info("agent stopped", "agent_id", agentID)
	return nil
}

// StopAll stops every running agent concurrently and shuts the
// scheduler down. In-flight launches are cancelled. Used at shutdown.
func (r *Registry) StopAll(ctx context.Context) error {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	for _, cancel := range r.launches {
		cancel()
	}
	r.mu.Unlock()

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			if err := r.Stop(ctx, id); err != nil && !errors.Is(err, ErrNotRunning) {
				return fmt.Errorf("stop %s: %w", id, err)
			}
			return nil
		})
	}
	err := g.Wait()
	r.sched.Close()
	return err
}

// Reconcile aligns running sessions with the desired agent set: new
// agents start, removed agents stop, and agents whose config changed
// restart. The config watcher calls this after every reload.
func (r *Registry) Reconcile(ctx context.Context, desired []AgentConfig) {
	want := make(map[string]AgentConfig, len(desired))
	for _, a := range desired {
		want[a.ID] = a
	}

	r.mu.Lock()
	current := make(map[string]AgentConfig, len(r.sessions))
	for id, sess := range r.sessions {
		current[id] = sess.cfg
	}
	r.mu.Unlock()

	// All stops land before any start, so a credential that moved
	// between agents in the edit is free by the time its new owner
	// claims it.
	var stops sync.WaitGroup
	for id, cfg := range current {
		next, ok := want[id]
		if ok && next == cfg {
			continue
		}
		stops.Add(1)
		go func() {
			defer stops.Done()
			if err := r.Stop(ctx, id); err != nil && !errors.Is(err, ErrNotRunning) {
				slog.Error("reconcile stop", "agent_id", id, "error", err)
			}
		}()
	}
	stops.Wait()

	var starts sync.WaitGroup
	for id, cfg := range want {
		if r.Running(id) {
			continue
		}
		starts.Add(1)
		go func() {
			defer starts.Done()
			err := r.Start(ctx, cfg)
			if err != nil && !errors.Is(err, ErrAlreadyRunning) {
				slog.Error("reconcile start", "agent_id", id, "error", err)
			}
		}()
	}
	starts.Wait()
}

// Snapshot lists the running sessions sorted by agent ID.
func (r *Registry) Snapshot() []Status {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	out := make([]Status, 0, len(sessions))
	for _, s := range sessions {
		st := s.status()
		st.PendingJobs = len(r.sched.Pending(st.AgentID))
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Get returns the status of one running agent.
func (r *Registry) Get(agentID string) (Status, bool) {
	sess := r.session(agentID)
	if sess == nil {
		return Status{}, false
	}
	st := sess.status()
	st.PendingJobs = len(r.sched.Pending(agentID))
	return st, true
}

func validateAgent(cfg AgentConfig) error {
	if cfg.ID == "" {
		return errors.New("agent id is required")
	}
	if cfg.Credential == "" {
		return fmt.Errorf("agent %s has no credential", cfg.ID)
	}
	if cfg.ChannelRef == "" {
		return fmt.Errorf("agent %s has no channel", cfg.ID)
	}
	if !command.ValidTemplate(cfg.Template) {
		return fmt.Errorf("agent %s has unknown template %q", cfg.ID, cfg.Template)
	}
	return nil
}

// preemptHolder is the launcher's callback for a locally held
// credential: stop the holder so the new claim can go through. The
// holder either has a live session (Stop tears it down) or is mid-launch
// (Stop cancels the launch and returns ErrNotRunning once it unwinds).
func (r *Registry) preemptHolder(ctx context.Context, agentID string) {
	if err := r.Stop(ctx, agentID); err != nil && !errors.Is(err, ErrNotRunning) {
		slog.Warn("credential preemption failed", "agent_id", agentID, "error", err)
	}
}

// applyState moves the session and mirrors the new state to the agent
// store and the event bus. Store writes use their own deadline so state
// is recorded even when the triggering context is already cancelled.
func (r *Registry) applyState(sess *Session, st State, detail string) {
	if !sess.transition(st, detail) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.stores.Agents.SetAgentState(ctx, sess.cfg.ID, string(st), detail); err != nil {
		slog.Warn("persist agent state", "agent_id", sess.cfg.ID, "state", string(st), "error", err)
	}
	r.broadcast(protocol.AgentEventStateChanged, map[string]any{
		"agentId": sess.cfg.ID,
		"state":   string(st),
		"detail":  detail,
	})
}

func (r *Registry) persistChannel(agentID, channelID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.stores.Agents.SetAgentChannel(ctx, agentID, channelID); err != nil {
		slog.Warn("persist agent channel", "agent_id", agentID, "error", err)
	}
}

// rearm restores timer-driven work after a successful launch: open
// campaigns get their resolution jobs back (past-due ones fire
// immediately) and analytics agents get their digest schedule.
func (r *Registry) rearm(ctx context.Context, cfg AgentConfig) {
	open, err := r.campaigns.Open(ctx, cfg.ID)
	if err != nil {
		slog.Error("open campaign recovery", "agent_id", cfg.ID, "error", err)
	} else {
		for _, c := range open {
			r.sched.Schedule(cfg.ID, c.ID, c.ClosesAt)
		}
		if len(open) > 0 {
			slog.Info("re-armed open campaigns", "agent_id", cfg.ID, "count", len(open))
		}
	}

	if cfg.Template == command.TemplateAnalytics {
		expr := cfg.DigestCron
		if expr == "" {
			expr = DefaultDigestCron
		}
		if err := r.sched.ScheduleDigest(cfg.ID, expr); err != nil {
			slog.Error("digest schedule", "agent_id", cfg.ID, "cron", expr, "error", err)
		}
	}
}

// resolveCampaign is the scheduler's campaign fire callback.
func (r *Registry) resolveCampaign(ctx context.Context, campaignID int64) {
	c, err := r.campaigns.Get(ctx, campaignID)
	if err != nil {
		slog.Error("campaign lookup at resolution", "campaign_id", campaignID, "error", err)
		return
	}
	sess := r.session(c.AgentID)
	if sess == nil {
		// Stop cancels the agent's jobs before the session goes away, so
		// this only happens when a fire and a stop race. The campaign
		// stays open and re-arms on the next launch.
		slog.Warn("campaign fired without a live session",
			"campaign_id", campaignID, "agent_id", c.AgentID)
		return
	}
	if err := r.campaigns.Resolve(ctx, campaignID, sess.Send); err != nil {
		slog.Error("campaign resolution", "campaign_id", campaignID, "error", err)
	}
}

// runDigest is the scheduler's digest fire callback.
func (r *Registry) runDigest(ctx context.Context, agentID string) {
	sess := r.session(agentID)
	if sess == nil {
		return
	}
	text, err := r.campaigns.DigestSince(ctx, agentID, sess.digestWindow(time.Now()))
	if err != nil {
		slog.Error("digest build", "agent_id", agentID, "error", err)
		return
	}
	if err := sess.Send(ctx, sess.ChannelID(), text); err != nil {
		slog.Warn("digest delivery", "agent_id", agentID, "error", err)
	}
}

// statusLine renders the /status reply for a running agent.
func (r *Registry) statusLine(agentID string) string {
	sess := r.session(agentID)
	if sess == nil {
		return "Agent is not running."
	}
	st := sess.status()
	pending := len(r.sched.Pending(agentID))
	return fmt.Sprintf("%s is %s since %s. Scheduled campaigns: %d.",
		st.BotName, st.State, st.Since.Format("15:04:05 MST"), pending)
}

func (r *Registry) broadcast(eventType string, data any) {
	if r.events == nil {
		return
	}
	r.events.Broadcast(bus.Event{
		Name: protocol.EventAgent,
		Payload: map[string]any{
			"type": eventType,
			"data": data,
		},
	})
}
