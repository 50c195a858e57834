// Package platform defines the capability surface barker needs from a
// messaging platform: connect with a credential, verify a channel, send
// plain text, and receive inbound messages. Adapters (Telegram, Discord,
// in-memory) implement these interfaces; everything above them is
// platform-agnostic.
package platform

import (
	"context"
	"errors"
)

// Error kinds adapters report. The launcher classifies retry behavior
// off these, so adapters must wrap their platform errors accordingly.
var (
	// ErrConflict means the credential is already driving another live
	// session on the platform side (e.g. Telegram 409 on getUpdates).
	ErrConflict = errors.New("credential already in use by another session")

	// ErrTimeout means the platform did not answer within the deadline.
	ErrTimeout = errors.New("platform request timed out")

	// ErrChannelUnreachable means the bot cannot use the target channel:
	// it does not exist, or the bot was never added to it. Not retryable.
	ErrChannelUnreachable = errors.New("channel unreachable")

	// ErrUnauthorized means the credential itself was rejected. Not retryable.
	ErrUnauthorized = errors.New("credential rejected by platform")
)

// Inbound is one message received from the platform, already reduced to
// the fields the command router consumes.
type Inbound struct {
	SenderID   string // platform user ID, stable per sender
	SenderName string // display name or username, best effort
	ChatID     string // chat the message arrived in
	Text       string
}

// MessageFunc receives inbound messages. Adapters call it from their
// receive loop; ordering per chat follows platform delivery order.
type MessageFunc func(msg Inbound)

// Connector opens platform connections. One Connector per platform kind
// is registered at startup; Connect is called once per launch attempt.
type Connector interface {
	// Platform returns the platform identifier (e.g. "telegram", "discord").
	Platform() string

	// Connect authenticates the credential and returns a live connection.
	// It does not start update delivery; that is Activate's job.
	Connect(ctx context.Context, credential string) (Conn, error)
}

// Conn is one authenticated platform connection.
type Conn interface {
	// BotName returns the platform-side identity of the connected bot.
	BotName() string

	// VerifyChannel checks the bot can post to the referenced channel and
	// returns the platform's canonical channel ID. channelRef may be an
	// ID, an @username, or an invite-style reference depending on platform.
	VerifyChannel(ctx context.Context, channelRef string) (string, error)

	// Send delivers one plain-text message to a channel.
	Send(ctx context.Context, channelID, text string) error

	// Activate begins update delivery. Inbound messages are passed to
	// onMessage until Disconnect. Returns after delivery is established.
	Activate(ctx context.Context, onMessage MessageFunc) error

	// Disconnect tears the connection down and stops update delivery.
	// Safe to call more than once.
	Disconnect(ctx context.Context) error
}
