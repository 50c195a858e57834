package command

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

// --- poll grammar tests ---

// TestParse_Poll covers the poll command grammar: quoted question plus a
// bracketed option list, quotes around individual options optional.
func TestParse_Poll(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		question string
		options  []string
	}{
		{"two options", `/poll "Best color?" [Red, Blue]`, "Best color?", []string{"Red", "Blue"}},
		{"quoted options", `/poll "Pick one" ["option a", "option b"]`, "Pick one", []string{"option a", "option b"}},
		{"options with spaces", `/poll "Next meetup?" [New York, Los Angeles, Chicago]`, "Next meetup?", []string{"New York", "Los Angeles", "Chicago"}},
		{"bot mention suffix", `/poll@barker_bot "Q?" [a, b]`, "Q?", []string{"a", "b"}},
		{"uppercase name", `/POLL "Q?" [a, b]`, "Q?", []string{"a", "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := Parse(tt.input)
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", tt.input, err)
			}
			if cmd.Name != "poll" || cmd.Question != tt.question {
				t.Errorf("Parse(%q) = %q/%q, want poll/%q", tt.input, cmd.Name, cmd.Question, tt.question)
			}
			if !reflect.DeepEqual(cmd.Options, tt.options) {
				t.Errorf("options = %v, want %v", cmd.Options, tt.options)
			}
		})
	}
}

// TestParse_PollMalformed verifies malformed poll input becomes a usage
// error rather than a partial command.
func TestParse_PollMalformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"unquoted question", `/poll Best color? [a, b]`},
		{"unterminated quote", `/poll "Best color? [a, b]`},
		{"empty question", `/poll "" [a, b]`},
		{"missing options", `/poll "Q?"`},
		{"no brackets", `/poll "Q?" a, b`},
		{"one option", `/poll "Q?" [a]`},
		{"empty option", `/poll "Q?" [a, ]`},
		{"trailing junk", `/poll "Q?" [a, b] extra`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.input)
			var usage *UsageError
			if !errors.As(err, &usage) {
				t.Fatalf("Parse(%q) = %v, want UsageError", tt.input, err)
			}
			if usage.Command != "poll" {
				t.Errorf("usage command = %q, want poll", usage.Command)
			}
		})
	}
}

// --- vote and enter grammar tests ---

func TestParse_Vote(t *testing.T) {
	cmd, err := Parse("/vote 12 2")
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if cmd.CampaignID != 12 || cmd.Option != 2 {
		t.Errorf("vote = campaign %d option %d, want 12/2", cmd.CampaignID, cmd.Option)
	}

	for _, input := range []string{"/vote", "/vote 12", "/vote abc 1", "/vote 12 x", "/vote 0 1", "/vote -4 1", "/vote 12 1 9"} {
		t.Run(input, func(t *testing.T) {
			_, err := Parse(input)
			var usage *UsageError
			if !errors.As(err, &usage) {
				t.Errorf("Parse(%q) = %v, want UsageError", input, err)
			}
		})
	}
}

func TestParse_Enter(t *testing.T) {
	cmd, err := Parse("/enter 7")
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if cmd.CampaignID != 7 {
		t.Errorf("CampaignID = %d, want 7", cmd.CampaignID)
	}

	for _, input := range []string{"/enter", "/enter x", "/enter 0", "/enter 1 2"} {
		t.Run(input, func(t *testing.T) {
			_, err := Parse(input)
			var usage *UsageError
			if !errors.As(err, &usage) {
				t.Errorf("Parse(%q) = %v, want UsageError", input, err)
			}
		})
	}
}

// --- giveaway grammar tests ---

// TestParse_GiveawayUnits covers every accepted duration unit, including
// the zero amount used for immediate drawings.
func TestParse_GiveawayUnits(t *testing.T) {
	tests := []struct {
		name  string
		input string
		prize string
		want  time.Duration
	}{
		{"min", `/giveaway "Ticket" in 30 min`, "Ticket", 30 * time.Minute},
		{"mins", `/giveaway "Ticket" in 5 mins`, "Ticket", 5 * time.Minute},
		{"minute", `/giveaway "Ticket" in 1 minute`, "Ticket", time.Minute},
		{"minutes", `/giveaway "Ticket" in 90 minutes`, "Ticket", 90 * time.Minute},
		{"h", `/giveaway "AirPods" in 2 h`, "AirPods", 2 * time.Hour},
		{"hour", `/giveaway "AirPods" in 1 hour`, "AirPods", time.Hour},
		{"hours", `/giveaway "AirPods" in 48 hours`, "AirPods", 48 * time.Hour},
		{"zero amount", `/giveaway "Ticket" in 0 mins`, "Ticket", 0},
		{"mixed case unit", `/giveaway "Ticket" in 2 Hours`, "Ticket", 2 * time.Hour},
		{"mixed case in", `/giveaway "Ticket" In 5 min`, "Ticket", 5 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := Parse(tt.input)
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", tt.input, err)
			}
			if cmd.Prize != tt.prize || cmd.Duration != tt.want {
				t.Errorf("Parse(%q) = %q/%v, want %q/%v", tt.input, cmd.Prize, cmd.Duration, tt.prize, tt.want)
			}
		})
	}
}

func TestParse_GiveawayMalformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"unquoted prize", `/giveaway Ticket in 5 min`},
		{"missing in", `/giveaway "Ticket" 5 min`},
		{"negative amount", `/giveaway "Ticket" in -5 min`},
		{"fractional amount", `/giveaway "Ticket" in 1.5 h`},
		{"unknown unit", `/giveaway "Ticket" in 5 days`},
		{"missing unit", `/giveaway "Ticket" in 5`},
		{"empty prize", `/giveaway "" in 5 min`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.input)
			var usage *UsageError
			if !errors.As(err, &usage) {
				t.Fatalf("Parse(%q) = %v, want UsageError", tt.input, err)
			}
			if usage.Command != "giveaway" {
				t.Errorf("usage command = %q, want giveaway", usage.Command)
			}
		})
	}
}

// --- bare command and chatter tests ---

func TestParse_BareCommands(t *testing.T) {
	for _, input := range []string{"/start", "/help", "/digest", "/status", "/help me please", "  /status  "} {
		t.Run(input, func(t *testing.T) {
			cmd, err := Parse(input)
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", input, err)
			}
			if cmd.Name == "" {
				t.Errorf("Parse(%q) produced empty name", input)
			}
		})
	}
}

// TestParse_ChatterAndUnknown verifies plain messages and unknown slash
// commands are distinguishable: chatter feeds the Q&A template, unknown
// commands are dropped everywhere.
func TestParse_ChatterAndUnknown(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  error
	}{
		{"plain text", "hello there", ErrNotCommand},
		{"empty", "", ErrNotCommand},
		{"whitespace", "   ", ErrNotCommand},
		{"question", "how do I join?", ErrNotCommand},
		{"unknown command", "/frobnicate", ErrUnknownCommand},
		{"bare slash", "/", ErrUnknownCommand},
		{"unknown with args", "/ban @user", ErrUnknownCommand},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.input)
			if !errors.Is(err, tt.want) {
				t.Errorf("Parse(%q) = %v, want %v", tt.input, err, tt.want)
			}
		})
	}
}
