// Package discord implements the platform adapter for Discord using the
// discordgo gateway.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/bwmarrin/discordgo"

	"github.com/barkerhq/barker/internal/platform"
)

// Connector opens Discord bot connections.
type Connector struct{}

// NewConnector creates a Discord connector.
func NewConnector() *Connector { return &Connector{} }

// Platform returns "discord".
func (c *Connector) Platform() string { return "discord" }

// Connect builds a session and validates the token by fetching the bot
// identity over REST. The gateway is not opened until Activate.
func (c *Connector) Connect(ctx context.Context, credential string) (platform.Conn, error) {
	session, err := discordgo.New("Bot " + credential)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	user, err := session.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		return nil, classify(fmt.Errorf("fetch discord bot identity: %w", err))
	}

	return &Conn{session: session, botUserID: user.ID, botName: user.Username}, nil
}

// Conn is one authenticated Discord bot session.
type Conn struct {
	session   *discordgo.Session
	botUserID string
	botName   string

	removeHandler func()
}

// BotName returns the bot username.
func (c *Conn) BotName() string { return c.botName }

// VerifyChannel confirms the channel exists and is visible to the bot.
// Discord channel references are already canonical snowflake IDs.
func (c *Conn) VerifyChannel(ctx context.Context, channelRef string) (string, error) {
	ch, err := c.session.Channel(channelRef, discordgo.WithContext(ctx))
	if err != nil {
		return "", classify(fmt.Errorf("fetch channel %q: %w", channelRef, err))
	}
	return ch.ID, nil
}

// Send delivers one text message to a channel.
func (c *Conn) Send(ctx context.Context, channelID, text string) error {
	if _, err := c.session.ChannelMessageSend(channelID, text, discordgo.WithContext(ctx)); err != nil {
		return classify(fmt.Errorf("send message: %w", err))
	}
	return nil
}

// Activate registers the message handler and opens the gateway connection.
func (c *Conn) Activate(ctx context.Context, onMessage platform.MessageFunc) error {
	c.removeHandler = c.session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.Bot || m.Author.ID == c.botUserID {
			return
		}
		onMessage(platform.Inbound{
			SenderID:   m.Author.ID,
			SenderName: m.Author.Username,
			ChatID:     m.ChannelID,
			Text:       m.Content,
		})
	})

	if err := c.session.Open(); err != nil {
		if c.removeHandler != nil {
			c.removeHandler()
			c.removeHandler = nil
		}
		return classify(fmt.Errorf("open discord gateway: %w", err))
	}

	slog.Info("discord gateway active", "bot", c.botName)
	return nil
}

// Disconnect closes the gateway connection. Safe to call more than once.
func (c *Conn) Disconnect(_ context.Context) error {
	if c.removeHandler != nil {
		c.removeHandler()
		c.removeHandler = nil
	}
	if err := c.session.Close(); err != nil {
		return fmt.Errorf("close discord session: %w", err)
	}
	return nil
}

// classify maps discordgo REST errors onto the adapter error kinds.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", platform.ErrTimeout, err)
	}

	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		switch restErr.Response.StatusCode {
		case http.StatusUnauthorized:
			return fmt.Errorf("%w: %w", platform.ErrUnauthorized, err)
		case http.StatusForbidden, http.StatusNotFound:
			return fmt.Errorf("%w: %w", platform.ErrChannelUnreachable, err)
		}
	}
	return err
}
