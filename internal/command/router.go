package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/barkerhq/barker/internal/campaign"
	"github.com/barkerhq/barker/internal/platform"
	"github.com/barkerhq/barker/internal/scheduler"
	"github.com/barkerhq/barker/internal/store"
)

// SendFunc delivers one outbound message to a chat.
type SendFunc func(ctx context.Context, chatID, text string) error

// Config wires a router to one live agent session.
type Config struct {
	AgentID   string
	Template  string
	ChannelID string // announcement target: the agent's verified channel
	Campaigns *campaign.Service
	Scheduler *scheduler.Scheduler
	Send      SendFunc
	Status    func() string // optional /status line provider
}

// Router parses inbound messages and dispatches them to the handlers of
// the agent's template. Commands outside the template's set are ignored,
// like any other unrecognized input. Dispatch is synchronous; the session
// feeds messages one at a time so replies keep arrival order.
type Router struct {
	cfg Config
}

// NewRouter creates a router for one agent session.
func NewRouter(cfg Config) *Router {
	return &Router{cfg: cfg}
}

// commandsFor lists the command names each template answers.
func commandsFor(template string) []string {
	switch template {
	case TemplatePoll:
		return []string{"poll", "vote", "start", "help", "status"}
	case TemplateGiveaway:
		return []string{"giveaway", "enter", "start", "help", "status"}
	case TemplateQA:
		return []string{"start", "help", "status"}
	case TemplateAnalytics:
		return []string{"digest", "start", "help", "status"}
	}
	return nil
}

func (r *Router) allows(name string) bool {
	for _, n := range commandsFor(r.cfg.Template) {
		if n == name {
			return true
		}
	}
	return false
}

// HandleMessage processes one inbound message. Validation problems become
// replies to the sender's chat; nothing propagates to the session loop.
func (r *Router) HandleMessage(ctx context.Context, msg platform.Inbound) {
	cmd, err := Parse(msg.Text)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotCommand):
			if r.cfg.Template == TemplateQA {
				r.ackQuestion(ctx, msg)
			}
		case errors.Is(err, ErrUnknownCommand):
			// Not every message is for us.
		default:
			var usage *UsageError
			if errors.As(err, &usage) && r.allows(usage.Command) {
				r.reply(ctx, msg.ChatID, usage.Error())
			}
		}
		return
	}

	if !r.allows(cmd.Name) {
		return
	}

	switch cmd.Name {
	case "poll":
		r.handlePoll(ctx, msg, cmd)
	case "vote":
		r.handleVote(ctx, msg, cmd)
	case "giveaway":
		r.handleGiveaway(ctx, msg, cmd)
	case "enter":
		r.handleEnter(ctx, msg, cmd)
	case "digest":
		r.handleDigest(ctx, msg)
	case "status":
		r.handleStatus(ctx, msg)
	case "start", "help":
		r.reply(ctx, msg.ChatID, r.helpText(cmd.Name == "start"))
	}
}

func (r *Router) handlePoll(ctx context.Context, msg platform.Inbound, cmd *Command) {
	c, err := r.cfg.Campaigns.CreatePoll(ctx, r.cfg.AgentID, r.cfg.ChannelID, cmd.Question, cmd.Options)
	if err != nil {
		slog.Error("poll create failed", "agent_id", r.cfg.AgentID, "error", err)
		r.reply(ctx, msg.ChatID, "Could not create the poll, please try again.")
		return
	}
	r.cfg.Scheduler.Schedule(r.cfg.AgentID, c.ID, c.ClosesAt)

	var b strings.Builder
	fmt.Fprintf(&b, "Poll #%d: %q\n", c.ID, c.Question)
	for i, opt := range c.Options {
		fmt.Fprintf(&b, "%d. %s\n", i+1, opt)
	}
	fmt.Fprintf(&b, "Vote with /vote %d <option>. Closes in %s.", c.ID, formatWindow(campaign.PollWindow))
	r.announce(ctx, b.String())
}

func (r *Router) handleVote(ctx context.Context, msg platform.Inbound, cmd *Command) {
	err := r.cfg.Campaigns.RecordVote(ctx, cmd.CampaignID, msg.SenderID, cmd.Option)
	if err == nil {
		r.reply(ctx, msg.ChatID, fmt.Sprintf("Vote counted for poll #%d.", cmd.CampaignID))
		return
	}

	var rangeErr *campaign.OptionRangeError
	switch {
	case errors.As(err, &rangeErr):
		r.reply(ctx, msg.ChatID, fmt.Sprintf("Pick an option between 1 and %d.", rangeErr.Max))
	case errors.Is(err, campaign.ErrNotAPoll):
		r.reply(ctx, msg.ChatID, fmt.Sprintf("Campaign #%d is not a poll.", cmd.CampaignID))
	default:
		r.replyStoreError(ctx, msg.ChatID, "poll", cmd.CampaignID, err)
	}
}

func (r *Router) handleGiveaway(ctx context.Context, msg platform.Inbound, cmd *Command) {
	c, err := r.cfg.Campaigns.CreateGiveaway(ctx, r.cfg.AgentID, r.cfg.ChannelID, cmd.Prize, cmd.Duration)
	if err != nil {
		slog.Error("giveaway create failed", "agent_id", r.cfg.AgentID, "error", err)
		r.reply(ctx, msg.ChatID, "Could not create the giveaway, please try again.")
		return
	}
	r.cfg.Scheduler.Schedule(r.cfg.AgentID, c.ID, c.ClosesAt)

	var b strings.Builder
	fmt.Fprintf(&b, "Giveaway #%d: %q\n", c.ID, c.Prize)
	fmt.Fprintf(&b, "Enter with /enter %d. ", c.ID)
	if cmd.Duration <= 0 {
		b.WriteString("Drawing immediately.")
	} else {
		fmt.Fprintf(&b, "Drawing in %s.", formatWindow(cmd.Duration))
	}
	r.announce(ctx, b.String())
}

func (r *Router) handleEnter(ctx context.Context, msg platform.Inbound, cmd *Command) {
	err := r.cfg.Campaigns.RecordEntry(ctx, cmd.CampaignID, msg.SenderID, msg.SenderName)
	if err == nil {
		r.reply(ctx, msg.ChatID, fmt.Sprintf("You're in giveaway #%d. Good luck!", cmd.CampaignID))
		return
	}
	if errors.Is(err, campaign.ErrNotAGiveaway) {
		r.reply(ctx, msg.ChatID, fmt.Sprintf("Campaign #%d is not a giveaway.", cmd.CampaignID))
		return
	}
	r.replyStoreError(ctx, msg.ChatID, "giveaway", cmd.CampaignID, err)
}

func (r *Router) handleDigest(ctx context.Context, msg platform.Inbound) {
	text, err := r.cfg.Campaigns.DigestSince(ctx, r.cfg.AgentID, time.Now().Add(-24*time.Hour))
	if err != nil {
		slog.Error("digest failed", "agent_id", r.cfg.AgentID, "error", err)
		r.reply(ctx, msg.ChatID, "Could not build the digest, please try again.")
		return
	}
	r.reply(ctx, msg.ChatID, text)
}

func (r *Router) handleStatus(ctx context.Context, msg platform.Inbound) {
	line := "Agent is active."
	if r.cfg.Status != nil {
		line = r.cfg.Status()
	}
	r.reply(ctx, msg.ChatID, line)
}

// ackQuestion handles Q&A chatter: acknowledge the sender and keep the
// question in the log for human review.
func (r *Router) ackQuestion(ctx context.Context, msg platform.Inbound) {
	slog.Info("question received",
		"agent_id", r.cfg.AgentID,
		"sender_id", msg.SenderID,
		"sender_name", msg.SenderName,
		"text", msg.Text)
	r.reply(ctx, msg.ChatID, "Thanks! Your question has been recorded for the team.")
}

func (r *Router) helpText(welcome bool) string {
	var b strings.Builder
	if welcome {
		switch r.cfg.Template {
		case TemplatePoll:
			b.WriteString("Hi! I run polls here.\n")
		case TemplateGiveaway:
			b.WriteString("Hi! I run giveaways here.\n")
		case TemplateQA:
			b.WriteString("Hi! Send me any question and the team will review it.\n")
		case TemplateAnalytics:
			b.WriteString("Hi! I post campaign activity digests.\n")
		}
	}
	b.WriteString("Commands:")
	for _, name := range commandsFor(r.cfg.Template) {
		b.WriteString("\n  " + Usage(name))
	}
	return b.String()
}

// replyStoreError maps shared campaign store failures to reply text.
func (r *Router) replyStoreError(ctx context.Context, chatID, kind string, campaignID int64, err error) {
	switch {
	case errors.Is(err, store.ErrCampaignNotFound):
		r.reply(ctx, chatID, fmt.Sprintf("Campaign #%d not found.", campaignID))
	case errors.Is(err, store.ErrCampaignClosed):
		r.reply(ctx, chatID, fmt.Sprintf("The %s #%d is closed.", kind, campaignID))
	case errors.Is(err, store.ErrDuplicateVote):
		r.reply(ctx, chatID, fmt.Sprintf("You already voted in poll #%d.", campaignID))
	case errors.Is(err, store.ErrDuplicateEntry):
		r.reply(ctx, chatID, fmt.Sprintf("You're already in giveaway #%d.", campaignID))
	default:
		slog.Error("command failed", "agent_id", r.cfg.AgentID, "campaign_id", campaignID, "error", err)
		r.reply(ctx, chatID, "Something went wrong, please try again.")
	}
}

func (r *Router) reply(ctx context.Context, chatID, text string) {
	if err := r.cfg.Send(ctx, chatID, text); err != nil {
		slog.Warn("reply failed", "agent_id", r.cfg.AgentID, "chat_id", chatID, "error", err)
	}
}

// announce posts to the agent's channel rather than the sender's chat.
func (r *Router) announce(ctx context.Context, text string) {
	r.reply(ctx, r.cfg.ChannelID, text)
}

// formatWindow renders a duration the way people write them in chat.
func formatWindow(d time.Duration) string {
	if d >= time.Hour && d%time.Hour == 0 {
		return fmt.Sprintf("%dh", int(d/time.Hour))
	}
	if d < time.Minute {
		return "under a minute"
	}
	return fmt.Sprintf("%dm", int(d/time.Minute))
}
