// Package memory implements an in-process platform adapter. It backs
// dry-run mode and the test suites: connections record what was sent,
// inbound messages are injected directly, and failures are scripted
// through optional hooks.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/barkerhq/barker/internal/platform"
)

// Sent is one message recorded by a connection.
type Sent struct {
	ChannelID string
	Text      string
}

// Connector hands out in-memory connections. The On* hooks are optional;
// when set they are called with the 1-based call count and any returned
// error is surfaced to the caller, which is how tests script timeouts,
// conflicts, and unreachable channels.
type Connector struct {
	OnConnect  func(call int) error
	OnVerify   func(call int) error
	OnActivate func(call int) error
	OnSend     func(channelID, text string) error

	// Echo mirrors every send to the log (used by dry-run mode).
	Echo bool

	mu           sync.Mutex
	connectCalls int
	conns        []*Conn
}

// NewConnector creates a memory connector with no scripted failures.
func NewConnector() *Connector { return &Connector{} }

// Platform returns "memory".
func (c *Connector) Platform() string { return "memory" }

// Connect returns a fresh connection, or the scripted error.
func (c *Connector) Connect(_ context.Context, credential string) (platform.Conn, error) {
	c.mu.Lock()
	c.connectCalls++
	call := c.connectCalls
	c.mu.Unlock()

	if c.OnConnect != nil {
		if err := c.OnConnect(call); err != nil {
			return nil, err
		}
	}

	conn := &Conn{connector: c, credential: credential}
	c.mu.Lock()
	c.conns = append(c.conns, conn)
	c.mu.Unlock()
	return conn, nil
}

// ConnectCalls reports how many times Connect was invoked.
func (c *Connector) ConnectCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectCalls
}

// Conns returns a snapshot of every connection handed out so far.
func (c *Connector) Conns() []*Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Conn, len(c.conns))
	copy(out, c.conns)
	return out
}

// LastConn returns the most recent connection, or nil.
func (c *Connector) LastConn() *Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.conns) == 0 {
		return nil
	}
	return c.conns[len(c.conns)-1]
}

// Conn is one in-memory connection.
type Conn struct {
	connector  *Connector
	credential string

	mu            sync.Mutex
	sent          []Sent
	onMessage     platform.MessageFunc
	active        bool
	disconnected  bool
	verifyCalls   int
	activateCalls int
}

// BotName returns a synthetic bot identity derived from the credential.
func (c *Conn) BotName() string {
	if len(c.credential) > 8 {
		return "membot-" + c.credential[:8]
	}
	return "membot-" + c.credential
}

// VerifyChannel echoes the reference back as the canonical ID, or fails
// per the connector's script. Empty references are unreachable.
func (c *Conn) VerifyChannel(_ context.Context, channelRef string) (string, error) {
	c.mu.Lock()
	c.verifyCalls++
	call := c.verifyCalls
	c.mu.Unlock()

	if c.connector.OnVerify != nil {
		if err := c.connector.OnVerify(call); err != nil {
			return "", err
		}
	}
	if channelRef == "" {
		return "", fmt.Errorf("empty channel reference: %w", platform.ErrChannelUnreachable)
	}
	return channelRef, nil
}

// Send records the message, or fails per the connector's script.
func (c *Conn) Send(_ context.Context, channelID, text string) error {
	if c.connector.OnSend != nil {
		if err := c.connector.OnSend(channelID, text); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.sent = append(c.sent, Sent{ChannelID: channelID, Text: text})
	c.mu.Unlock()

	if c.connector.Echo {
		slog.Info("dry-run send", "channel_id", channelID, "text", text)
	}
	return nil
}

// Activate stores the message callback, or fails per the script.
func (c *Conn) Activate(_ context.Context, onMessage platform.MessageFunc) error {
	c.mu.Lock()
	c.activateCalls++
	call := c.activateCalls
	c.mu.Unlock()

	if c.connector.OnActivate != nil {
		if err := c.connector.OnActivate(call); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.onMessage = onMessage
	c.active = true
	c.mu.Unlock()
	return nil
}

// Disconnect deactivates the connection. Safe to call more than once.
func (c *Conn) Disconnect(_ context.Context) error {
	c.mu.Lock()
	c.active = false
	c.disconnected = true
	c.onMessage = nil
	c.mu.Unlock()
	return nil
}

// Inject delivers an inbound message to the registered callback, as if it
// arrived from the platform. No-op when the connection is not active.
func (c *Conn) Inject(msg platform.Inbound) {
	c.mu.Lock()
	fn := c.onMessage
	c.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
}

// Sent returns a copy of everything sent on this connection.
func (c *Conn) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Sent, len(c.sent))
	copy(out, c.sent)
	return out
}

// SentTexts returns just the text of every sent message, in order.
func (c *Conn) SentTexts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sent))
	for i, s := range c.sent {
		out[i] = s.Text
	}
	return out
}

// Active reports whether Activate succeeded and Disconnect has not run.
func (c *Conn) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Disconnected reports whether Disconnect was called at least once.
func (c *Conn) Disconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}
