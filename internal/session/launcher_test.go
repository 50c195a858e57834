package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/barkerhq/barker/internal/command"
	"github.com/barkerhq/barker/internal/platform"
	platmem "github.com/barkerhq/barker/internal/platform/memory"
)

// fastPolicy keeps launch waits in the low milliseconds so retry paths
// run quickly under test.
func fastPolicy() LaunchPolicy {
	return LaunchPolicy{
		MaxAttempts:      3,
		StepTimeout:      time.Second,
		InitialBackoff:   2 * time.Millisecond,
		ClaimCooldown:    2 * time.Millisecond,
		ConflictCooldown: 40 * time.Millisecond,
	}
}

func testAgent(id string) AgentConfig {
	return AgentConfig{
		ID:         id,
		Name:       "Test " + id,
		Platform:   "memory",
		Credential: "tok-" + id + "-0123456789",
		ChannelRef: "chan-main",
		Template:   command.TemplatePoll,
	}
}

func noMessages(platform.Inbound) {}

// --- launcher tests ---

// TestLaunch_Succeeds runs the happy path and checks the claim is held,
// the probe precedes the ready message, and delivery is active.
func TestLaunch_Succeeds(t *testing.T) {
	lock := NewCredentialLock()
	l := NewLauncher(lock, nil, fastPolicy())
	connector := platmem.NewConnector()
	agent := testAgent("a")

	res, err := l.Launch(context.Background(), agent, connector, noMessages, LaunchHooks{})
	if err != nil {
		t.Fatalf("Launch = %v, want nil", err)
	}
	if res.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", res.Attempts)
	}
	if res.ChannelID != "chan-main" {
		t.Errorf("ChannelID = %q, want %q", res.ChannelID, "chan-main")
	}
	wantBot := "membot-" + agent.Credential[:8]
	if res.BotName != wantBot {
		t.Errorf("BotName = %q, want %q", res.BotName, wantBot)
	}

	if owner, ok := lock.Owner(agent.Credential); !ok || owner != agent.ID {
		t.Errorf("credential owner = %q, %v, want %q, true", owner, ok, agent.ID)
	}

	conn := connector.LastConn()
	if !conn.Active() {
		t.Error("connection not active after launch")
	}
	texts := conn.SentTexts()
	if len(texts) != 2 {
		t.Fatalf("sent %d messages %v, want 2", len(texts), texts)
	}
	if texts[0] != "Connection check." {
		t.Errorf("first message = %q, want the probe", texts[0])
	}
	if want := wantBot + " is ready. Send /help to see commands."; texts[1] != want {
		t.Errorf("second message = %q, want %q", texts[1], want)
	}
}

// TestLaunch_RetriesThenSucceeds scripts two connect failures and checks
// the backoff doubles between attempts.
func TestLaunch_RetriesThenSucceeds(t *testing.T) {
	lock := NewCredentialLock()
	policy := fastPolicy()
	l := NewLauncher(lock, nil, policy)
	connector := platmem.NewConnector()
	connector.OnConnect = func(call int) error {
		if call <= 2 {
			return fmt.Errorf("dial: %w", platform.ErrTimeout)
		}
		return nil
	}

	var waits []time.Duration
	hooks := LaunchHooks{
		OnRetry: func(_ int, wait time.Duration, _ error) { waits = append(waits, wait) },
	}

	res, err := l.Launch(context.Background(), testAgent("a"), connector, noMessages, hooks)
	if err != nil {
		t.Fatalf("Launch = %v, want nil", err)
	}
	if res.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", res.Attempts)
	}
	if got := connector.ConnectCalls(); got != 3 {
		t.Errorf("ConnectCalls = %d, want 3", got)
	}
	want := []time.Duration{policy.InitialBackoff, 2 * policy.InitialBackoff}
	if len(waits) != 2 || waits[0] != want[0] || waits[1] != want[1] {
		t.Errorf("retry waits = %v, want %v", waits, want)
	}
}

// TestLaunch_ExhaustsBudget fails every attempt and checks the terminal
// error, the attempt count, and that the claim is released.
func TestLaunch_ExhaustsBudget(t *testing.T) {
	lock := NewCredentialLock()
	l := NewLauncher(lock, nil, fastPolicy())
	connector := platmem.NewConnector()
	connector.OnConnect = func(int) error {
		return fmt.Errorf("dial: %w", platform.ErrTimeout)
	}
	agent := testAgent("a")

	_, err := l.Launch(context.Background(), agent, connector, noMessages, LaunchHooks{})
	var exhausted *LaunchExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("Launch = %v, want *LaunchExhaustedError", err)
	}
	if exhausted.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", exhausted.Attempts)
	}
	if !errors.Is(err, platform.ErrTimeout) {
		t.Errorf("error chain %v does not include ErrTimeout", err)
	}
	if got := connector.ConnectCalls(); got != 3 {
		t.Errorf("ConnectCalls = %d, want 3", got)
	}
	if owner, ok := lock.Owner(agent.Credential); ok {
		t.Errorf("claim still held by %q after exhausted launch", owner)
	}
}

// TestLaunch_FailedAttemptsDropConnections scripts verify failures and
// checks every partial connection is disconnected.
func TestLaunch_FailedAttemptsDropConnections(t *testing.T) {
	lock := NewCredentialLock()
	l := NewLauncher(lock, nil, fastPolicy())
	connector := platmem.NewConnector()
	connector.OnVerify = func(int) error {
		return fmt.Errorf("lookup: %w", platform.ErrTimeout)
	}

	if _, err := l.Launch(context.Background(), testAgent("a"), connector, noMessages, LaunchHooks{}); err == nil {
		t.Fatal("Launch succeeded, want error")
	}
	conns := connector.Conns()
	if len(conns) != 3 {
		t.Fatalf("connections opened = %d, want 3", len(conns))
	}
	for i, conn := range conns {
		if !conn.Disconnected() {
			t.Errorf("connection %d not disconnected", i)
		}
		if conn.Active() {
			t.Errorf("connection %d still active", i)
		}
	}
}

// TestLaunch_PermanentFailures checks unreachable channels and rejected
// credentials skip the remaining retry budget and carry remediation text.
func TestLaunch_PermanentFailures(t *testing.T) {
	tests := []struct {
		name         string
		script       func(c *platmem.Connector)
		wantErr      error
		wantText     string
		wantConnects int
	}{
		{
			name: "channel unreachable",
			script: func(c *platmem.Connector) {
				c.OnVerify = func(int) error {
					return fmt.Errorf("chat not found: %w", platform.ErrChannelUnreachable)
				}
			},
			wantErr:      platform.ErrChannelUnreachable,
			wantText:     "add the bot",
			wantConnects: 1,
		},
		{
			name: "credential rejected",
			script: func(c *platmem.Connector) {
				c.OnConnect = func(int) error {
					return fmt.Errorf("getMe: %w", platform.ErrUnauthorized)
				}
			},
			wantErr:      platform.ErrUnauthorized,
			wantText:     "rotate the token",
			wantConnects: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lock := NewCredentialLock()
			l := NewLauncher(lock, nil, fastPolicy())
			connector := platmem.NewConnector()
			tt.script(connector)
			agent := testAgent("a")

			_, err := l.Launch(context.Background(), agent, connector, noMessages, LaunchHooks{})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Launch = %v, want %v in chain", err, tt.wantErr)
			}
			var exhausted *LaunchExhaustedError
			if errors.As(err, &exhausted) {
				t.Errorf("permanent failure reported as exhausted retries: %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantText) {
				t.Errorf("error %q does not mention %q", err, tt.wantText)
			}
			if got := connector.ConnectCalls(); got != tt.wantConnects {
				t.Errorf("ConnectCalls = %d, want %d", got, tt.wantConnects)
			}
			if owner, ok := lock.Owner(agent.Credential); ok {
				t.Errorf("claim still held by %q", owner)
			}
		})
	}
}

// TestLaunch_ConflictWaitsLonger scripts a platform session conflict on
// the first activation and checks the next attempt waits the conflict
// cooldown instead of the exponential backoff.
func TestLaunch_ConflictWaitsLonger(t *testing.T) {
	lock := NewCredentialLock()
	policy := fastPolicy()
	l := NewLauncher(lock, nil, policy)
	connector := platmem.NewConnector()
	activates := 0
	connector.OnActivate = func(int) error {
		activates++
		if activates == 1 {
			return fmt.Errorf("getUpdates: %w", platform.ErrConflict)
		}
		return nil
	}

	var waits []time.Duration
	hooks := LaunchHooks{
		OnRetry: func(_ int, wait time.Duration, _ error) { waits = append(waits, wait) },
	}

	res, err := l.Launch(context.Background(), testAgent("a"), connector, noMessages, hooks)
	if err != nil {
		t.Fatalf("Launch = %v, want nil", err)
	}
	if res.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", res.Attempts)
	}
	if len(waits) != 1 || waits[0] != policy.ConflictCooldown {
		t.Errorf("retry waits = %v, want [%v]", waits, policy.ConflictCooldown)
	}
	if conns := connector.Conns(); len(conns) == 2 && !conns[0].Disconnected() {
		t.Error("conflicted connection not disconnected")
	}
}

// TestLaunch_PreemptsLocalHolder releases the holder through the preempt
// callback and checks the claim lands with the new agent.
func TestLaunch_PreemptsLocalHolder(t *testing.T) {
	lock := NewCredentialLock()
	agent := testAgent("a")
	if err := lock.Claim(agent.Credential, "agent-old"); err != nil {
		t.Fatalf("seed claim = %v", err)
	}

	preempted := ""
	preempt := func(_ context.Context, holder string) {
		preempted = holder
		lock.Release(agent.Credential, holder)
	}
	l := NewLauncher(lock, preempt, fastPolicy())

	if _, err := l.Launch(context.Background(), agent, platmem.NewConnector(), noMessages, LaunchHooks{}); err != nil {
		t.Fatalf("Launch = %v, want nil", err)
	}
	if preempted != "agent-old" {
		t.Errorf("preempted holder = %q, want %q", preempted, "agent-old")
	}
	if owner, _ := lock.Owner(agent.Credential); owner != agent.ID {
		t.Errorf("owner after preemption = %q, want %q", owner, agent.ID)
	}
}

// TestLaunch_ClaimStillContended leaves the holder in place and checks
// the launch fails before any connect.
func TestLaunch_ClaimStillContended(t *testing.T) {
	lock := NewCredentialLock()
	agent := testAgent("a")
	if err := lock.Claim(agent.Credential, "agent-old"); err != nil {
		t.Fatalf("seed claim = %v", err)
	}

	l := NewLauncher(lock, func(context.Context, string) {}, fastPolicy())
	connector := platmem.NewConnector()

	_, err := l.Launch(context.Background(), agent, connector, noMessages, LaunchHooks{})
	if err == nil {
		t.Fatal("Launch succeeded, want contention error")
	}
	if !strings.Contains(err.Error(), "still contended") {
		t.Errorf("error = %q, want contention mention", err)
	}
	if got := connector.ConnectCalls(); got != 0 {
		t.Errorf("ConnectCalls = %d, want 0", got)
	}
	if owner, _ := lock.Owner(agent.Credential); owner != "agent-old" {
		t.Errorf("owner = %q, want agent-old untouched", owner)
	}
}

// TestLaunch_NilPreemptFailsFast checks a claim conflict surfaces
// directly when no preemption callback is wired.
func TestLaunch_NilPreemptFailsFast(t *testing.T) {
	lock := NewCredentialLock()
	agent := testAgent("a")
	if err := lock.Claim(agent.Credential, "agent-old"); err != nil {
		t.Fatalf("seed claim = %v", err)
	}

	l := NewLauncher(lock, nil, fastPolicy())
	_, err := l.Launch(context.Background(), agent, platmem.NewConnector(), noMessages, LaunchHooks{})
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("Launch = %v, want *ConflictError", err)
	}
	if conflict.OwnerID != "agent-old" {
		t.Errorf("OwnerID = %q, want %q", conflict.OwnerID, "agent-old")
	}
}

// TestLaunch_CancelDuringBackoff cancels the context while the launcher
// waits out a backoff and checks the claim is released.
func TestLaunch_CancelDuringBackoff(t *testing.T) {
	lock := NewCredentialLock()
	policy := fastPolicy()
	policy.InitialBackoff = time.Hour
	l := NewLauncher(lock, nil, policy)
	connector := platmem.NewConnector()
	connector.OnConnect = func(int) error {
		return fmt.Errorf("dial: %w", platform.ErrTimeout)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hooks := LaunchHooks{OnRetry: func(int, time.Duration, error) { cancel() }}
	agent := testAgent("a")

	_, err := l.Launch(ctx, agent, connector, noMessages, hooks)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Launch = %v, want context.Canceled", err)
	}
	if owner, ok := lock.Owner(agent.Credential); ok {
		t.Errorf("claim still held by %q after cancelled launch", owner)
	}
}

// TestLaunch_StateHookSequence records lifecycle callbacks across a
// retry and checks connecting repeats before verifying.
func TestLaunch_StateHookSequence(t *testing.T) {
	lock := NewCredentialLock()
	l := NewLauncher(lock, nil, fastPolicy())
	connector := platmem.NewConnector()
	connector.OnConnect = func(call int) error {
		if call == 1 {
			return fmt.Errorf("dial: %w", platform.ErrTimeout)
		}
		return nil
	}

	var states []State
	hooks := LaunchHooks{OnState: func(st State, _ string) { states = append(states, st) }}

	if _, err := l.Launch(context.Background(), testAgent("a"), connector, noMessages, hooks); err != nil {
		t.Fatalf("Launch = %v, want nil", err)
	}
	want := []State{StateConnecting, StateConnecting, StateVerifying}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("states = %v, want %v", states, want)
		}
	}
}
