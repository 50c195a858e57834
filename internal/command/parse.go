// Package command parses inbound chat text against the fixed command
// grammar and dispatches to the handler set for the agent's template.
package command

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// Agent templates. The template decides which commands an agent answers.
const (
	TemplatePoll      = "poll"
	TemplateGiveaway  = "giveaway"
	TemplateQA        = "qa"
	TemplateAnalytics = "analytics"
)

// ValidTemplate reports whether s names a known template.
func ValidTemplate(s string) bool {
	switch s {
	case TemplatePoll, TemplateGiveaway, TemplateQA, TemplateAnalytics:
		return true
	}
	return false
}

var (
	// ErrNotCommand marks plain chatter without a leading slash.
	ErrNotCommand = errors.New("not a command")
	// ErrUnknownCommand marks a slash command whose name is not in the grammar.
	ErrUnknownCommand = errors.New("unknown command")
)

// UsageError marks a recognized command with malformed arguments. The
// router turns it into a usage reply.
type UsageError struct {
	Command string
}

func (e *UsageError) Error() string {
	return "Usage: " + Usage(e.Command)
}

// Usage returns the grammar line for a command name.
func Usage(name string) string {
	switch name {
	case "poll":
		return `/poll "<question>" [<option>, <option>, ...]`
	case "vote":
		return `/vote <campaign-id> <option-number>`
	case "giveaway":
		return `/giveaway "<prize>" in <amount> <min|mins|h|hour|hours>`
	case "enter":
		return `/enter <campaign-id>`
	case "digest":
		return `/digest`
	case "status":
		return `/status`
	default:
		return "/" + name
	}
}

// Command is one parsed inbound command. Only the fields for the named
// command are set.
type Command struct {
	Name string

	// poll
	Question string
	Options  []string

	// giveaway
	Prize    string
	Duration time.Duration

	// vote / enter
	CampaignID int64
	Option     int
}

// Parse splits one line of inbound text into a command. Chatter without a
// slash prefix returns ErrNotCommand; an unrecognized command name returns
// ErrUnknownCommand; malformed arguments for a recognized name return a
// *UsageError.
func Parse(text string) (*Command, error) {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "/") {
		return nil, ErrNotCommand
	}

	name := s[1:]
	rest := ""
	if i := strings.IndexAny(name, " \t"); i >= 0 {
		name, rest = name[:i], strings.TrimSpace(name[i+1:])
	}
	// Group chats address commands as /name@botname.
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	name = strings.ToLower(name)

	switch name {
	case "poll":
		return parsePoll(rest)
	case "vote":
		return parseVote(rest)
	case "giveaway":
		return parseGiveaway(rest)
	case "enter":
		return parseEnter(rest)
	case "start", "help", "digest", "status":
		return &Command{Name: name}, nil
	default:
		return nil, ErrUnknownCommand
	}
}

// quoted consumes a leading double-quoted string and returns it with the
// remaining input. No escape sequences; the closing quote is required.
func quoted(s string) (string, string, bool) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '"' {
		return "", "", false
	}
	end := strings.IndexByte(s[1:], '"')
	if end < 0 {
		return "", "", false
	}
	return s[1 : 1+end], strings.TrimSpace(s[2+end:]), true
}

func parsePoll(rest string) (*Command, error) {
	question, rest, ok := quoted(rest)
	if !ok || question == "" {
		return nil, &UsageError{Command: "poll"}
	}

	if !strings.HasPrefix(rest, "[") || !strings.HasSuffix(rest, "]") {
		return nil, &UsageError{Command: "poll"}
	}
	var options []string
	for _, raw := range strings.Split(rest[1:len(rest)-1], ",") {
		opt := strings.TrimSpace(raw)
		// Quotes around individual options are accepted but not required.
		if len(opt) >= 2 && opt[0] == '"' && opt[len(opt)-1] == '"' {
			opt = strings.TrimSpace(opt[1 : len(opt)-1])
		}
		if opt == "" {
			return nil, &UsageError{Command: "poll"}
		}
		options = append(options, opt)
	}
	if len(options) < 2 {
		return nil, &UsageError{Command: "poll"}
	}

	return &Command{Name: "poll", Question: question, Options: options}, nil
}

func parseVote(rest string) (*Command, error) {
	fields := strings.Fields(rest)
	if len(fields) != 2 {
		return nil, &UsageError{Command: "vote"}
	}
	id, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil || id <= 0 {
		return nil, &UsageError{Command: "vote"}
	}
	option, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, &UsageError{Command: "vote"}
	}
	return &Command{Name: "vote", CampaignID: id, Option: option}, nil
}

func parseGiveaway(rest string) (*Command, error) {
	prize, rest, ok := quoted(rest)
	if !ok || prize == "" {
		return nil, &UsageError{Command: "giveaway"}
	}

	fields := strings.Fields(rest)
	if len(fields) != 3 || !strings.EqualFold(fields[0], "in") {
		return nil, &UsageError{Command: "giveaway"}
	}
	amount, err := strconv.Atoi(fields[1])
	if err != nil || amount < 0 {
		return nil, &UsageError{Command: "giveaway"}
	}

	var unit time.Duration
	switch strings.ToLower(fields[2]) {
	case "min", "mins", "minute", "minutes":
		unit = time.Minute
	case "h", "hour", "hours":
		unit = time.Hour
	default:
		return nil, &UsageError{Command: "giveaway"}
	}

	return &Command{
		Name:     "giveaway",
		Prize:    prize,
		Duration: time.Duration(amount) * unit,
	}, nil
}

func parseEnter(rest string) (*Command, error) {
	fields := strings.Fields(rest)
	if len(fields) != 1 {
		return nil, &UsageError{Command: "enter"}
	}
	id, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil || id <= 0 {
		return nil, &UsageError{Command: "enter"}
	}
	return &Command{Name: "enter", CampaignID: id}, nil
}
