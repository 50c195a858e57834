package campaign

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// DigestSince aggregates the agent's campaign activity from since to now
// and renders it as the digest message posted to the agent's channel.
func (s *Service) DigestSince(ctx context.Context, agentID string, since time.Time) (string, error) {
	a, err := s.campaigns.ActivitySince(ctx, agentID, since)
	if err != nil {
		return "", fmt.Errorf("aggregate activity: %w", err)
	}

	var b strings.Builder
	b.WriteString("Campaign digest\n")
	fmt.Fprintf(&b, "Open campaigns: %d\n", a.OpenCampaigns)
	fmt.Fprintf(&b, "New votes: %d\n", a.VotesSince)
	fmt.Fprintf(&b, "New entries: %d\n", a.EntriesSince)
	fmt.Fprintf(&b, "Campaigns closed: %d", a.ClosedSince)
	return b.String(), nil
}
