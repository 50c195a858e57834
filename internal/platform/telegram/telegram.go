// Package telegram implements the platform adapter for the Telegram Bot API
// using long polling via telego.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	"github.com/mymmrac/telego/telegoapi"
	tu "github.com/mymmrac/telego/telegoutil"
	"golang.org/x/time/rate"

	"github.com/barkerhq/barker/internal/platform"
)

// Telegram Bot API etiquette: ~30 messages/second overall, at most one
// message per second to the same chat.
const (
	globalSendRate  = 25
	globalSendBurst = 5
)

// Connector opens Telegram bot connections.
type Connector struct {
	proxy string
}

// NewConnector creates a Telegram connector. proxy is optional
// (empty = direct connection).
func NewConnector(proxy string) *Connector {
	return &Connector{proxy: proxy}
}

// Platform returns "telegram".
func (c *Connector) Platform() string { return "telegram" }

// Connect authenticates the bot token. telego fetches the bot identity
// during construction, so a rejected token fails here.
func (c *Connector) Connect(ctx context.Context, credential string) (platform.Conn, error) {
	var opts []telego.BotOption

	if c.proxy != "" {
		proxyURL, parseErr := url.Parse(c.proxy)
		if parseErr != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", c.proxy, parseErr)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyURL(proxyURL),
			},
		}))
	}

	bot, err := telego.NewBot(credential, opts...)
	if err != nil {
		return nil, classify(fmt.Errorf("create telegram bot: %w", err))
	}

	return &Conn{
		bot:     bot,
		global:  rate.NewLimiter(rate.Limit(globalSendRate), globalSendBurst),
		perChat: make(map[string]*rate.Limiter),
	}, nil
}

// Conn is one authenticated Telegram bot connection.
type Conn struct {
	bot *telego.Bot

	mu      sync.Mutex
	global  *rate.Limiter
	perChat map[string]*rate.Limiter

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// BotName returns the bot username.
func (c *Conn) BotName() string { return c.bot.Username() }

// VerifyChannel resolves a channel reference (numeric chat ID or @username)
// and confirms the bot can see it. Returns the canonical numeric chat ID.
func (c *Conn) VerifyChannel(ctx context.Context, channelRef string) (string, error) {
	chatID, err := refToChatID(channelRef)
	if err != nil {
		return "", err
	}

	chat, err := c.bot.GetChat(ctx, &telego.GetChatParams{ChatID: chatID})
	if err != nil {
		return "", classify(fmt.Errorf("get chat %q: %w", channelRef, err))
	}

	return strconv.FormatInt(chat.ID, 10), nil
}

// Send delivers one text message, honoring the global and per-chat rate
// limits before hitting the API.
func (c *Conn) Send(ctx context.Context, channelID, text string) error {
	id, err := strconv.ParseInt(channelID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat ID %q: %w", channelID, err)
	}

	if err := c.global.Wait(ctx); err != nil {
		return classify(err)
	}
	if err := c.chatLimiter(channelID).Wait(ctx); err != nil {
		return classify(err)
	}

	if _, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(id), text)); err != nil {
		return classify(fmt.Errorf("send message: %w", err))
	}
	return nil
}

// Activate probes getUpdates once to surface a competing consumer, then
// starts long polling on a background context so delivery survives the
// caller's deadline. Inbound text messages go to onMessage in arrival order.
func (c *Conn) Activate(ctx context.Context, onMessage platform.MessageFunc) error {
	// A second consumer on the same token makes this probe fail with 409,
	// which is exactly the conflict the launcher wants to know about.
	if _, err := c.bot.GetUpdates(ctx, &telego.GetUpdatesParams{Limit: 1}); err != nil {
		return classify(fmt.Errorf("probe getUpdates: %w", err))
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return classify(fmt.Errorf("start long polling: %w", err))
	}

	slog.Info("telegram updates active", "bot", c.bot.Username())

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				msg := update.Message
				if msg == nil || msg.Text == "" {
					slog.Debug("telegram update skipped (no text)", "update_id", update.UpdateID)
					continue
				}
				onMessage(inboundFrom(msg))
			}
		}
	}()

	return nil
}

// Disconnect cancels long polling and waits for the polling goroutine to
// exit so Telegram releases the getUpdates lock before another session
// claims the token.
func (c *Conn) Disconnect(_ context.Context) error {
	if c.pollCancel != nil {
		c.pollCancel()
		c.pollCancel = nil
	}

	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit within timeout", "bot", c.bot.Username())
		}
		c.pollDone = nil
	}

	return nil
}

func (c *Conn) chatLimiter(chatID string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	lim, ok := c.perChat[chatID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Second), 1)
		c.perChat[chatID] = lim
	}
	return lim
}

func inboundFrom(msg *telego.Message) platform.Inbound {
	in := platform.Inbound{
		ChatID: strconv.FormatInt(msg.Chat.ID, 10),
		Text:   msg.Text,
	}
	if msg.From != nil {
		in.SenderID = strconv.FormatInt(msg.From.ID, 10)
		in.SenderName = msg.From.Username
		if in.SenderName == "" {
			in.SenderName = msg.From.FirstName
		}
	}
	return in
}

// refToChatID accepts "-100123456789" style numeric IDs or "@channelname"
// references (a bare name gets the "@" prepended).
func refToChatID(ref string) (telego.ChatID, error) {
	if ref == "" {
		return telego.ChatID{}, fmt.Errorf("empty channel reference: %w", platform.ErrChannelUnreachable)
	}
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return tu.ID(id), nil
	}
	if !strings.HasPrefix(ref, "@") {
		ref = "@" + ref
	}
	return tu.Username(ref), nil
}

// classify maps telego and context errors onto the adapter error kinds the
// launcher switches on.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", platform.ErrTimeout, err)
	}

	var apiErr *telegoapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode {
		case http.StatusConflict:
			return fmt.Errorf("%w: %w", platform.ErrConflict, err)
		case http.StatusUnauthorized:
			return fmt.Errorf("%w: %w", platform.ErrUnauthorized, err)
		case http.StatusForbidden, http.StatusNotFound:
			return fmt.Errorf("%w: %w", platform.ErrChannelUnreachable, err)
		case http.StatusBadRequest:
			if strings.Contains(apiErr.Description, "chat not found") {
				return fmt.Errorf("%w: %w", platform.ErrChannelUnreachable, err)
			}
		}
	}
	return err
}
