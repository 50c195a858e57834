package campaign

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/barkerhq/barker/internal/bus"
	"github.com/barkerhq/barker/internal/store"
	"github.com/barkerhq/barker/internal/store/memory"
	"github.com/barkerhq/barker/pkg/protocol"
)

func newTestService(events bus.EventPublisher) *Service {
	stores := memory.NewStores()
	return NewService(stores.Campaigns, NewResolverWithRand(rand.New(rand.NewPCG(1, 1))), events)
}

// collectSent returns a SendFunc that appends every delivered message.
func collectSent(sent *[]string) SendFunc {
	return func(_ context.Context, _ string, text string) error {
		*sent = append(*sent, text)
		return nil
	}
}

// --- vote recording tests ---

// TestRecordVote_Rejections walks the validation failures: unknown
// campaign, wrong kind, already-resolved campaign, out-of-range option,
// and duplicate voter.
func TestRecordVote_Rejections(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(nil)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }

	poll, err := svc.CreatePoll(ctx, "agent-1", "chan-1", "Best color?", []string{"red", "blue"})
	if err != nil {
		t.Fatalf("CreatePoll: %v", err)
	}
	giveaway, err := svc.CreateGiveaway(ctx, "agent-1", "chan-1", "mug", time.Hour)
	if err != nil {
		t.Fatalf("CreateGiveaway: %v", err)
	}
	resolved, err := svc.CreatePoll(ctx, "agent-1", "chan-1", "q", []string{"a", "b"})
	if err != nil {
		t.Fatalf("CreatePoll: %v", err)
	}
	if err := svc.Resolve(ctx, resolved.ID, nil); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := svc.RecordVote(ctx, poll.ID, "dup", 1); err != nil {
		t.Fatalf("seed vote: %v", err)
	}

	tests := []struct {
		name       string
		campaignID int64
		voterID    string
		option     int
		wantErr    error
	}{
		{"unknown campaign", 9999, "v1", 1, store.ErrCampaignNotFound},
		{"vote on giveaway", giveaway.ID, "v1", 1, ErrNotAPoll},
		{"vote on resolved poll", resolved.ID, "v1", 1, store.ErrCampaignClosed},
		{"duplicate voter", poll.ID, "dup", 2, store.ErrDuplicateVote},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := svc.RecordVote(ctx, tt.campaignID, tt.voterID, tt.option)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("RecordVote = %v, want %v", err, tt.wantErr)
			}
		})
	}

	for _, option := range []int{0, -1, 3} {
		t.Run(fmt.Sprintf("option %d out of range", option), func(t *testing.T) {
			err := svc.RecordVote(ctx, poll.ID, "v2", option)
			var rangeErr *OptionRangeError
			if !errors.As(err, &rangeErr) {
				t.Fatalf("RecordVote = %v, want OptionRangeError", err)
			}
			if rangeErr.Max != 2 {
				t.Errorf("Max = %d, want 2", rangeErr.Max)
			}
		})
	}
}

// TestRecordVote_WindowExpired verifies votes are rejected once the
// voting window has passed, even before the campaign is resolved.
func TestRecordVote_WindowExpired(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(nil)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }

	poll, err := svc.CreatePoll(ctx, "agent-1", "chan-1", "q", []string{"a", "b"})
	if err != nil {
		t.Fatalf("CreatePoll: %v", err)
	}
	if err := svc.RecordVote(ctx, poll.ID, "early", 1); err != nil {
		t.Fatalf("vote inside window: %v", err)
	}

	svc.now = func() time.Time { return base.Add(PollWindow + time.Minute) }
	if err := svc.RecordVote(ctx, poll.ID, "late", 1); !errors.Is(err, store.ErrCampaignClosed) {
		t.Errorf("vote after window = %v, want %v", err, store.ErrCampaignClosed)
	}
}

// --- entry recording tests ---

// TestRecordEntry_Rejections walks the giveaway entry validation
// failures.
func TestRecordEntry_Rejections(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(nil)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }

	giveaway, err := svc.CreateGiveaway(ctx, "agent-1", "chan-1", "mug", time.Hour)
	if err != nil {
		t.Fatalf("CreateGiveaway: %v", err)
	}
	poll, err := svc.CreatePoll(ctx, "agent-1", "chan-1", "q", []string{"a"})
	if err != nil {
		t.Fatalf("CreatePoll: %v", err)
	}
	resolved, err := svc.CreateGiveaway(ctx, "agent-1", "chan-1", "hat", time.Hour)
	if err != nil {
		t.Fatalf("CreateGiveaway: %v", err)
	}
	if err := svc.Resolve(ctx, resolved.ID, nil); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := svc.RecordEntry(ctx, giveaway.ID, "dup", "Dup"); err != nil {
		t.Fatalf("seed entry: %v", err)
	}

	tests := []struct {
		name       string
		campaignID int64
		wantErr    error
	}{
		{"unknown campaign", 9999, store.ErrCampaignNotFound},
		{"enter a poll", poll.ID, ErrNotAGiveaway},
		{"enter resolved giveaway", resolved.ID, store.ErrCampaignClosed},
		{"duplicate participant", giveaway.ID, store.ErrDuplicateEntry},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := svc.RecordEntry(ctx, tt.campaignID, "dup", "Dup")
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("RecordEntry = %v, want %v", err, tt.wantErr)
			}
		})
	}

	svc.now = func() time.Time { return base.Add(2 * time.Hour) }
	if err := svc.RecordEntry(ctx, giveaway.ID, "late", "Late"); !errors.Is(err, store.ErrCampaignClosed) {
		t.Errorf("entry after window = %v, want %v", err, store.ErrCampaignClosed)
	}
}

// --- resolution tests ---

// TestResolve_PollClosesOnce verifies a poll resolves exactly once: the
// outcome is stored, the announcement goes out a single time, and a
// second Resolve is a silent no-op.
func TestResolve_PollClosesOnce(t *testing.T) {
	ctx := context.Background()
	b := bus.New()
	var events []bus.Event
	b.Subscribe("test", func(e bus.Event) { events = append(events, e) })
	svc := newTestService(b)

	poll, err := svc.CreatePoll(ctx, "agent-1", "chan-1", "Best color?", []string{"red", "blue"})
	if err != nil {
		t.Fatalf("CreatePoll: %v", err)
	}
	for i, voter := range []string{"v1", "v2", "v3"} {
		option := 1
		if i == 2 {
			option = 2
		}
		if err := svc.RecordVote(ctx, poll.ID, voter, option); err != nil {
			t.Fatalf("vote %s: %v", voter, err)
		}
	}

	var sent []string
	if err := svc.Resolve(ctx, poll.ID, collectSent(&sent)); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := svc.Resolve(ctx, poll.ID, collectSent(&sent)); err != nil {
		t.Fatalf("second Resolve: %v", err)
	}

	if len(sent) != 1 {
		t.Fatalf("announcements sent = %d, want 1", len(sent))
	}
	if !strings.Contains(sent[0], "1. red: 2 votes") || !strings.Contains(sent[0], "2. blue: 1 votes") {
		t.Errorf("announcement tally wrong:\n%s", sent[0])
	}

	got, err := svc.Get(ctx, poll.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.Closed {
		t.Error("campaign not marked closed")
	}
	if len(got.Counts) != 2 || got.Counts[0] != 2 || got.Counts[1] != 1 {
		t.Errorf("stored Counts = %v, want [2 1]", got.Counts)
	}

	resolvedEvents := 0
	for _, e := range events {
		payload, ok := e.Payload.(map[string]any)
		if ok && payload["type"] == protocol.CampaignEventResolved {
			resolvedEvents++
		}
	}
	if resolvedEvents != 1 {
		t.Errorf("resolved events = %d, want 1", resolvedEvents)
	}
}

// TestResolve_GiveawayRecordsWinner verifies the drawn winner lands in
// the store and in the announcement.
func TestResolve_GiveawayRecordsWinner(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(nil)

	g, err := svc.CreateGiveaway(ctx, "agent-1", "chan-1", "AirPods", time.Hour)
	if err != nil {
		t.Fatalf("CreateGiveaway: %v", err)
	}
	participants := map[string]bool{"u1": true, "u2": true, "u3": true}
	for id := range participants {
		if err := svc.RecordEntry(ctx, g.ID, id, "name-"+id); err != nil {
			t.Fatalf("entry %s: %v", id, err)
		}
	}

	var sent []string
	if err := svc.Resolve(ctx, g.ID, collectSent(&sent)); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	got, err := svc.Get(ctx, g.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.Closed {
		t.Error("campaign not marked closed")
	}
	if !participants[got.WinnerID] {
		t.Errorf("WinnerID = %q, not a participant", got.WinnerID)
	}
	if len(sent) != 1 || !strings.Contains(sent[0], "Winner: "+got.WinnerName) {
		t.Errorf("announcement missing winner %q: %v", got.WinnerName, sent)
	}
}

// TestResolve_GiveawayNoEntries verifies an empty giveaway still closes
// and announces that nobody entered.
func TestResolve_GiveawayNoEntries(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(nil)

	g, err := svc.CreateGiveaway(ctx, "agent-1", "chan-1", "mug", time.Hour)
	if err != nil {
		t.Fatalf("CreateGiveaway: %v", err)
	}

	var sent []string
	if err := svc.Resolve(ctx, g.ID, collectSent(&sent)); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	got, err := svc.Get(ctx, g.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.Closed {
		t.Error("campaign not marked closed")
	}
	if got.WinnerID != "" {
		t.Errorf("WinnerID = %q, want empty", got.WinnerID)
	}
	if len(sent) != 1 || !strings.Contains(sent[0], "no participants") {
		t.Errorf("announcement = %v, want no-participants notice", sent)
	}
}

// TestResolve_DeliveryFailureKeepsClosure verifies a failed announcement
// does not reopen the campaign: Resolve still returns nil, the outcome
// stays recorded, and the failure is reported on the bus.
func TestResolve_DeliveryFailureKeepsClosure(t *testing.T) {
	ctx := context.Background()
	b := bus.New()
	var events []bus.Event
	b.Subscribe("test", func(e bus.Event) { events = append(events, e) })
	svc := newTestService(b)

	poll, err := svc.CreatePoll(ctx, "agent-1", "chan-1", "q", []string{"a", "b"})
	if err != nil {
		t.Fatalf("CreatePoll: %v", err)
	}

	failing := func(context.Context, string, string) error {
		return errors.New("network down")
	}
	if err := svc.Resolve(ctx, poll.ID, failing); err != nil {
		t.Fatalf("Resolve = %v, want nil despite delivery failure", err)
	}

	got, err := svc.Get(ctx, poll.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.Closed {
		t.Error("delivery failure reopened the campaign")
	}
	if err := svc.RecordVote(ctx, poll.ID, "v1", 1); !errors.Is(err, store.ErrCampaignClosed) {
		t.Errorf("vote after failed delivery = %v, want %v", err, store.ErrCampaignClosed)
	}

	sawFailure := false
	for _, e := range events {
		if payload, ok := e.Payload.(map[string]any); ok && payload["type"] == protocol.CampaignEventDeliveryFailed {
			sawFailure = true
		}
	}
	if !sawFailure {
		t.Error("delivery failure not reported on the bus")
	}
}

// TestConcurrentVotes verifies distinct voters racing on one poll all
// land in the tally.
func TestConcurrentVotes(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(nil)

	poll, err := svc.CreatePoll(ctx, "agent-1", "chan-1", "q", []string{"a", "b"})
	if err != nil {
		t.Fatalf("CreatePoll: %v", err)
	}

	const voters = 50
	var wg sync.WaitGroup
	errs := make(chan error, voters)
	for i := 0; i < voters; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			errs <- svc.RecordVote(ctx, poll.ID, fmt.Sprintf("voter-%d", n), n%2+1)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("RecordVote: %v", err)
		}
	}

	var sent []string
	if err := svc.Resolve(ctx, poll.ID, collectSent(&sent)); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	got, err := svc.Get(ctx, poll.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	total := 0
	for _, n := range got.Counts {
		total += n
	}
	if total != voters {
		t.Errorf("total recorded votes = %d, want %d", total, voters)
	}
}
