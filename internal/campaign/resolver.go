package campaign

import (
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/barkerhq/barker/internal/store"
)

// Resolver computes campaign outcomes. The random source is injectable so
// winner selection is reproducible under test; production uses the
// auto-seeded math/rand/v2 default.
type Resolver struct {
	intn func(n int) int
}

// NewResolver creates a resolver drawing from the shared rand source.
func NewResolver() *Resolver {
	return &Resolver{intn: rand.IntN}
}

// NewResolverWithRand creates a resolver drawing from rng.
func NewResolverWithRand(rng *rand.Rand) *Resolver {
	return &Resolver{intn: rng.IntN}
}

// ResolvePoll tallies votes per option and renders the results message.
// Ties are reported as-is; option percentages are votes/total, 0 when no
// votes were cast.
func (r *Resolver) ResolvePoll(c *store.Campaign, votesByOption map[int]int) (store.Resolution, string) {
	counts := make([]int, len(c.Options))
	total := 0
	for i := range c.Options {
		n := votesByOption[i+1]
		counts[i] = n
		total += n
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Poll #%d closed: %q\n", c.ID, c.Question)
	for i, opt := range c.Options {
		pct := 0
		if total > 0 {
			pct = counts[i] * 100 / total
		}
		fmt.Fprintf(&b, "%d. %s: %d votes (%d%%)\n", i+1, opt, counts[i], pct)
	}
	if total == 0 {
		b.WriteString("No votes were cast.")
	} else {
		fmt.Fprintf(&b, "Total votes: %d", total)
	}

	return store.Resolution{Counts: counts}, b.String()
}

// ResolveGiveaway picks one winner uniformly at random among the distinct
// entries. Zero entries closes the giveaway with no winner.
func (r *Resolver) ResolveGiveaway(c *store.Campaign, entries []store.Entry) (store.Resolution, string) {
	if len(entries) == 0 {
		msg := fmt.Sprintf("Giveaway #%d (%q) closed with no participants.", c.ID, c.Prize)
		return store.Resolution{}, msg
	}

	winner := entries[r.intn(len(entries))]
	name := winner.ParticipantName
	if name == "" {
		name = winner.ParticipantID
	}

	msg := fmt.Sprintf("Giveaway #%d closed: %q\nWinner: %s (out of %d entries)",
		c.ID, c.Prize, name, len(entries))
	return store.Resolution{WinnerID: winner.ParticipantID, WinnerName: name}, msg
}
