package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/barkerhq/barker/internal/platform"
)

// AgentConfig describes one agent the registry can run. The credential
// lives only here and in the process environment; it is never written to
// a store.
type AgentConfig struct {
	ID         string
	Name       string
	Platform   string
	Credential string
	ChannelRef string
	Template   string
	DigestCron string
}

// LaunchPolicy bounds the launch protocol. Timeouts apply per
// network-facing step, never cumulatively across retries.
type LaunchPolicy struct {
	MaxAttempts      int
	StepTimeout      time.Duration
	InitialBackoff   time.Duration // doubled after each failed attempt
	ClaimCooldown    time.Duration // wait after preempting a local credential holder
	ConflictCooldown time.Duration // wait after a platform-side session conflict
}

// DefaultLaunchPolicy returns the production launch bounds.
func DefaultLaunchPolicy() LaunchPolicy {
	return LaunchPolicy{
		MaxAttempts:      3,
		StepTimeout:      15 * time.Second,
		InitialBackoff:   2 * time.Second,
		ClaimCooldown:    2 * time.Second,
		ConflictCooldown: 10 * time.Second,
	}
}

func (p LaunchPolicy) withDefaults() LaunchPolicy {
	d := DefaultLaunchPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.StepTimeout <= 0 {
		p.StepTimeout = d.StepTimeout
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = d.InitialBackoff
	}
	if p.ClaimCooldown <= 0 {
		p.ClaimCooldown = d.ClaimCooldown
	}
	if p.ConflictCooldown <= 0 {
		p.ConflictCooldown = d.ConflictCooldown
	}
	return p
}

// LaunchExhaustedError is terminal: every attempt in the budget failed.
// The session it belongs to ends in the Failed state.
type LaunchExhaustedError struct {
	Attempts int
	Cause    error
}

func (e *LaunchExhaustedError) Error() string {
	return fmt.Sprintf("launch failed after %d attempts: %v", e.Attempts, e.Cause)
}

func (e *LaunchExhaustedError) Unwrap() error { return e.Cause }

// LaunchResult is a successful launch: a live, activated connection.
type LaunchResult struct {
	Conn      platform.Conn
	ChannelID string
	BotName   string
	Attempts  int
}

// LaunchHooks report launch progress to the caller. Both hooks are
// optional.
type LaunchHooks struct {
	OnState func(st State, detail string)
	OnRetry func(attempt int, wait time.Duration, cause error)
}

func (h LaunchHooks) state(st State, detail string) {
	if h.OnState != nil {
		h.OnState(st, detail)
	}
}

func (h LaunchHooks) retry(attempt int, wait time.Duration, cause error) {
	if h.OnRetry != nil {
		h.OnRetry(attempt, wait, cause)
	}
}

// Launcher drives one agent from unconnected to actively receiving
// commands, or fails permanently. Every failure path past the credential
// claim releases the claim before returning, so no claim outlives its
// launch.
type Launcher struct {
	lock    *CredentialLock
	preempt func(ctx context.Context, agentID string)
	policy  LaunchPolicy
}

// NewLauncher creates a launcher. preempt stops the named agent's
// session when its credential claim blocks a new launch; nil disables
// preemption and claim conflicts fail immediately.
func NewLauncher(lock *CredentialLock, preempt func(ctx context.Context, agentID string), policy LaunchPolicy) *Launcher {
	return &Launcher{lock: lock, preempt: preempt, policy: policy.withDefaults()}
}

// Launch performs the full protocol: claim the credential (preempting a
// local holder), then connect, verify the channel with a probe message,
// and activate update delivery, retrying with exponential backoff up to
// the attempt budget. Platform-side conflicts wait the longer conflict
// cooldown before the next attempt. Channel and credential rejections
// are permanent and skip remaining retries. onMessage starts receiving
// as soon as activation succeeds.
func (l *Launcher) Launch(ctx context.Context, agent AgentConfig, connector platform.Connector, onMessage platform.MessageFunc, hooks LaunchHooks) (*LaunchResult, error) {
	if err := l.claim(ctx, agent); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= l.policy.MaxAttempts; attempt++ {
		hooks.state(StateConnecting, fmt.Sprintf("attempt %d/%d", attempt, l.policy.MaxAttempts))

		res, err := l.attempt(ctx, agent, connector, onMessage, hooks)
		if err == nil {
			res.Attempts = attempt
			l.sendReady(ctx, agent, res)
			slog.Info("agent launched",
				"agent_id", agent.ID, "bot", res.BotName, "channel_id", res.ChannelID, "attempts", attempt)
			return res, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			break
		}
		if errors.Is(err, platform.ErrChannelUnreachable) || errors.Is(err, platform.ErrUnauthorized) {
			break
		}
		if attempt == l.policy.MaxAttempts {
			break
		}

		wait := l.backoffFor(err, attempt)
		hooks.retry(attempt, wait, err)
		slog.Warn("launch attempt failed",
			"agent_id", agent.ID, "attempt", attempt, "next_in", wait, "error", err)
		if !sleep(ctx, wait) {
			break
		}
	}

	if err := l.lock.Release(agent.Credential, agent.ID); err != nil {
		slog.Error("claim release after failed launch", "agent_id", agent.ID, "error", err)
	}

	switch {
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(lastErr, platform.ErrChannelUnreachable):
		return nil, fmt.Errorf("channel %q is not usable, add the bot to it and allow posting: %w", agent.ChannelRef, lastErr)
	case errors.Is(lastErr, platform.ErrUnauthorized):
		return nil, fmt.Errorf("platform rejected the credential, rotate the token: %w", lastErr)
	default:
		return nil, &LaunchExhaustedError{Attempts: l.policy.MaxAttempts, Cause: lastErr}
	}
}

// claim takes the credential, stopping a local holder first. Preemption
// waits the claim cooldown so the platform can notice the holder's
// session ended before the new one connects.
func (l *Launcher) claim(ctx context.Context, agent AgentConfig) error {
	err := l.lock.Claim(agent.Credential, agent.ID)
	if err == nil {
		return nil
	}
	var conflict *ConflictError
	if !errors.As(err, &conflict) || l.preempt == nil {
		return err
	}

	slog.Info("credential held locally, preempting", "agent_id", agent.ID, "holder_id", conflict.OwnerID)
	l.preempt(ctx, conflict.OwnerID)
	if !sleep(ctx, l.policy.ClaimCooldown) {
		return ctx.Err()
	}
	if err := l.lock.Claim(agent.Credential, agent.ID); err != nil {
		return fmt.Errorf("credential still contended after preempting agent %s: %w", conflict.OwnerID, err)
	}
	return nil
}

// attempt runs one connect/verify/activate pass. A failure at any step
// disconnects the partial connection so retries never stack sessions.
func (l *Launcher) attempt(ctx context.Context, agent AgentConfig, connector platform.Connector, onMessage platform.MessageFunc, hooks LaunchHooks) (*LaunchResult, error) {
	connectCtx, cancel := context.WithTimeout(ctx, l.policy.StepTimeout)
	conn, err := connector.Connect(connectCtx, agent.Credential)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	hooks.state(StateVerifying, "probing channel "+agent.ChannelRef)

	verifyCtx, cancel := context.WithTimeout(ctx, l.policy.StepTimeout)
	channelID, err := conn.VerifyChannel(verifyCtx, agent.ChannelRef)
	cancel()
	if err != nil {
		l.drop(conn)
		return nil, fmt.Errorf("verify channel: %w", err)
	}

	probeCtx, cancel := context.WithTimeout(ctx, l.policy.StepTimeout)
	err = conn.Send(probeCtx, channelID, "Connection check.")
	cancel()
	if err != nil {
		l.drop(conn)
		return nil, fmt.Errorf("channel probe: %w", err)
	}

	activateCtx, cancel := context.WithTimeout(ctx, l.policy.StepTimeout)
	err = conn.Activate(activateCtx, onMessage)
	cancel()
	if err != nil {
		l.drop(conn)
		return nil, fmt.Errorf("activate: %w", err)
	}

	return &LaunchResult{Conn: conn, ChannelID: channelID, BotName: conn.BotName()}, nil
}

// backoffFor picks the wait before the next attempt. Platform session
// conflicts get the fixed longer cooldown; everything else backs off
// exponentially from the initial wait.
func (l *Launcher) backoffFor(err error, attempt int) time.Duration {
	if errors.Is(err, platform.ErrConflict) {
		return l.policy.ConflictCooldown
	}
	return l.policy.InitialBackoff << (attempt - 1)
}

// sendReady posts the ready confirmation. The probe already proved the
// channel postable, so a failure here is logged and does not fail the
// launch.
func (l *Launcher) sendReady(ctx context.Context, agent AgentConfig, res *LaunchResult) {
	readyCtx, cancel := context.WithTimeout(ctx, l.policy.StepTimeout)
	defer cancel()
	text := fmt.Sprintf("%s is ready. Send /help to see commands.", res.BotName)
	if err := res.Conn.Send(readyCtx, res.ChannelID, text); err != nil {
		slog.Warn("ready message failed", "agent_id", agent.ID, "error", err)
	}
}

// drop disconnects a partially-launched connection.
func (l *Launcher) drop(conn platform.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Disconnect(ctx); err != nil {
		slog.Warn("disconnect after failed attempt", "error", err)
	}
}

// sleep waits d unless the context ends first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
