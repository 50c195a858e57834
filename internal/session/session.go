package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/barkerhq/barker/internal/command"
	"github.com/barkerhq/barker/internal/platform"
)

const inboxSize = 256

// Session is one agent's live run: its lifecycle state, its platform
// connection, and the inbox feeding the command router. Messages for one
// agent are processed in arrival order by a single loop goroutine;
// sessions for different agents run independently.
type Session struct {
	cfg AgentConfig

	mu         sync.Mutex
	state      State
	detail     string
	since      time.Time
	conn       platform.Conn
	channelID  string
	botName    string
	lastDigest time.Time

	inbox      chan platform.Inbound
	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

func newSession(cfg AgentConfig) *Session {
	return &Session{
		cfg:   cfg,
		state: StateIdle,
		since: time.Now(),
		inbox: make(chan platform.Inbound, inboxSize),
	}
}

// enqueue is the adapter-facing message callback. It never blocks the
// platform's receive loop; when the inbox is full the message is dropped
// with a warning.
func (s *Session) enqueue(msg platform.Inbound) {
	select {
	case s.inbox <- msg:
	default:
		slog.Warn("inbox full, dropping message", "agent_id", s.cfg.ID, "chat_id", msg.ChatID)
	}
}

// transition moves the session to the next state. Invalid moves are
// refused and logged; the registry only drives moves the lifecycle
// allows, so a refusal indicates a bug.
func (s *Session) transition(to State, detail string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !validTransition(s.state, to) {
		slog.Error("invalid session transition",
			"agent_id", s.cfg.ID, "from", string(s.state), "to", string(to))
		return false
	}
	s.state = to
	s.detail = detail
	s.since = time.Now()
	return true
}

// State returns the current lifecycle state and its detail text.
func (s *Session) State() (State, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.detail
}

// attach stores the live connection after a successful launch.
func (s *Session) attach(conn platform.Conn, channelID, botName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
	s.channelID = channelID
	s.botName = botName
	s.lastDigest = time.Now()
}

// Send delivers text through the session's connection.
func (s *Session) Send(ctx context.Context, channelID, text string) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("agent %s has no live connection", s.cfg.ID)
	}
	return conn.Send(ctx, channelID, text)
}

// ChannelID returns the verified channel the session posts to.
func (s *Session) ChannelID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channelID
}

// disconnect tears the platform connection down and detaches it.
func (s *Session) disconnect(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Disconnect(ctx)
}

// startLoop begins consuming the inbox through the router. The loop
// lives until stopLoop; it deliberately does not inherit the launch
// context, whose deadline only covers launching.
func (s *Session) startLoop(router *command.Router) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.loopCancel = cancel
	s.loopDone = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-s.inbox:
				router.HandleMessage(ctx, msg)
			}
		}
	}()
}

// stopLoop halts inbox consumption and waits for the loop to exit. Any
// message still queued is discarded.
func (s *Session) stopLoop() {
	s.mu.Lock()
	cancel, done := s.loopCancel, s.loopDone
	s.loopCancel, s.loopDone = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// digestWindow returns the start of the next digest window and advances
// the bookmark, so consecutive digests never overlap or miss activity.
func (s *Session) digestWindow(now time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	since := s.lastDigest
	s.lastDigest = now
	return since
}

// Status is a point-in-time session snapshot for the admin surface.
type Status struct {
	AgentID     string    `json:"agentId"`
	Name        string    `json:"name"`
	Platform    string    `json:"platform"`
	Template    string    `json:"template"`
	State       State     `json:"state"`
	Detail      string    `json:"detail,omitempty"`
	Since       time.Time `json:"since"`
	BotName     string    `json:"botName,omitempty"`
	ChannelID   string    `json:"channelId,omitempty"`
	PendingJobs int       `json:"pendingJobs"`
}

func (s *Session) status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		AgentID:   s.cfg.ID,
		Name:      s.cfg.Name,
		Platform:  s.cfg.Platform,
		Template:  s.cfg.Template,
		State:     s.state,
		Detail:    s.detail,
		Since:     s.since,
		BotName:   s.botName,
		ChannelID: s.channelID,
	}
}
