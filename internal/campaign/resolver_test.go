package campaign

import (
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/barkerhq/barker/internal/store"
)

// --- poll resolution tests ---

// TestResolvePoll_Tally verifies per-option counts, the total, and the
// rendered percentages.
func TestResolvePoll_Tally(t *testing.T) {
	c := &store.Campaign{
		ID:       7,
		Kind:     store.KindPoll,
		Question: "Which feature next?",
		Options:  []string{"Dark mode", "Mobile app", "API"},
	}
	votes := map[int]int{1: 5, 2: 3, 3: 2}

	res, msg := NewResolver().ResolvePoll(c, votes)

	want := []int{5, 3, 2}
	if len(res.Counts) != len(want) {
		t.Fatalf("Counts length = %d, want %d", len(res.Counts), len(want))
	}
	for i, n := range want {
		if res.Counts[i] != n {
			t.Errorf("Counts[%d] = %d, want %d", i, res.Counts[i], n)
		}
	}

	for _, line := range []string{
		"Poll #7 closed",
		"1. Dark mode: 5 votes (50%)",
		"2. Mobile app: 3 votes (30%)",
		"3. API: 2 votes (20%)",
		"Total votes: 10",
	} {
		if !strings.Contains(msg, line) {
			t.Errorf("message missing %q:\n%s", line, msg)
		}
	}
}

// TestResolvePoll_CountsSumMatchesVotes verifies the tally invariant: the
// sum of resolved counts equals the number of recorded votes, including
// votes for options nobody else picked.
func TestResolvePoll_CountsSumMatchesVotes(t *testing.T) {
	tests := []struct {
		name  string
		votes map[int]int
		total int
	}{
		{"spread", map[int]int{1: 4, 2: 4, 3: 1}, 9},
		{"single option", map[int]int{2: 12}, 12},
		{"none", map[int]int{}, 0},
	}

	c := &store.Campaign{ID: 1, Kind: store.KindPoll, Question: "q", Options: []string{"a", "b", "c"}}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, _ := NewResolver().ResolvePoll(c, tt.votes)
			sum := 0
			for _, n := range res.Counts {
				sum += n
			}
			if sum != tt.total {
				t.Errorf("sum(Counts) = %d, want %d", sum, tt.total)
			}
		})
	}
}

// TestResolvePoll_NoVotes verifies the zero-total rendering: every option
// shows 0%, and the message says no votes were cast.
func TestResolvePoll_NoVotes(t *testing.T) {
	c := &store.Campaign{ID: 3, Kind: store.KindPoll, Question: "q", Options: []string{"yes", "no"}}

	res, msg := NewResolver().ResolvePoll(c, map[int]int{})

	for i, n := range res.Counts {
		if n != 0 {
			t.Errorf("Counts[%d] = %d, want 0", i, n)
		}
	}
	if !strings.Contains(msg, "No votes were cast.") {
		t.Errorf("message missing no-votes line:\n%s", msg)
	}
	if !strings.Contains(msg, "(0%)") {
		t.Errorf("message missing 0%% rendering:\n%s", msg)
	}
}

// TestResolvePoll_TieReportedAsIs verifies a tied poll reports both
// options with equal counts and no tiebreak.
func TestResolvePoll_TieReportedAsIs(t *testing.T) {
	c := &store.Campaign{ID: 4, Kind: store.KindPoll, Question: "q", Options: []string{"a", "b"}}

	res, msg := NewResolver().ResolvePoll(c, map[int]int{1: 3, 2: 3})

	if res.Counts[0] != 3 || res.Counts[1] != 3 {
		t.Errorf("Counts = %v, want [3 3]", res.Counts)
	}
	if !strings.Contains(msg, "1. a: 3 votes (50%)") || !strings.Contains(msg, "2. b: 3 votes (50%)") {
		t.Errorf("tie not reported as-is:\n%s", msg)
	}
}

// --- giveaway resolution tests ---

// TestResolveGiveaway_NoParticipants verifies the zero-entry outcome: no
// winner, and the message says so.
func TestResolveGiveaway_NoParticipants(t *testing.T) {
	c := &store.Campaign{ID: 9, Kind: store.KindGiveaway, Prize: "AirPods"}

	res, msg := NewResolver().ResolveGiveaway(c, nil)

	if res.WinnerID != "" {
		t.Errorf("WinnerID = %q, want empty", res.WinnerID)
	}
	if !strings.Contains(msg, "no participants") {
		t.Errorf("message missing no-participants line:\n%s", msg)
	}
}

// TestResolveGiveaway_SingleEntry verifies a one-entry giveaway always
// picks that entry.
func TestResolveGiveaway_SingleEntry(t *testing.T) {
	c := &store.Campaign{ID: 10, Kind: store.KindGiveaway, Prize: "Sticker pack"}
	entries := []store.Entry{{CampaignID: 10, ParticipantID: "u1", ParticipantName: "alice"}}

	res, msg := NewResolver().ResolveGiveaway(c, entries)

	if res.WinnerID != "u1" || res.WinnerName != "alice" {
		t.Errorf("winner = %q/%q, want u1/alice", res.WinnerID, res.WinnerName)
	}
	if !strings.Contains(msg, "Winner: alice") {
		t.Errorf("message missing winner line:\n%s", msg)
	}
}

// TestResolveGiveaway_WinnerAlwaysAmongEntries runs repeated draws and
// checks the winner is always one of the entries.
func TestResolveGiveaway_WinnerAlwaysAmongEntries(t *testing.T) {
	c := &store.Campaign{ID: 11, Kind: store.KindGiveaway, Prize: "p"}
	entries := []store.Entry{
		{ParticipantID: "u1"}, {ParticipantID: "u2"}, {ParticipantID: "u3"},
	}
	valid := map[string]bool{"u1": true, "u2": true, "u3": true}

	r := NewResolverWithRand(rand.New(rand.NewPCG(42, 0)))
	for i := 0; i < 100; i++ {
		res, _ := r.ResolveGiveaway(c, entries)
		if !valid[res.WinnerID] {
			t.Fatalf("draw %d picked %q, not an entry", i, res.WinnerID)
		}
	}
}

// TestResolveGiveaway_UniformDistribution draws many winners from a
// seeded source and checks each entry wins close to its fair share.
func TestResolveGiveaway_UniformDistribution(t *testing.T) {
	const (
		participants = 5
		draws        = 5000
	)

	c := &store.Campaign{ID: 12, Kind: store.KindGiveaway, Prize: "p"}
	entries := make([]store.Entry, participants)
	for i := range entries {
		entries[i].ParticipantID = string(rune('a' + i))
	}

	r := NewResolverWithRand(rand.New(rand.NewPCG(7, 13)))
	wins := make(map[string]int)
	for i := 0; i < draws; i++ {
		res, _ := r.ResolveGiveaway(c, entries)
		wins[res.WinnerID]++
	}

	// Expected share is draws/participants = 1000. Binomial stddev is
	// about 28 here, so 150 is over five sigmas of slack.
	const expected, tolerance = draws / participants, 150
	for _, e := range entries {
		got := wins[e.ParticipantID]
		if got < expected-tolerance || got > expected+tolerance {
			t.Errorf("entry %q won %d of %d draws, want %d±%d", e.ParticipantID, got, draws, expected, tolerance)
		}
	}
}
