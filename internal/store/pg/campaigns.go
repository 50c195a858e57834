package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/barkerhq/barker/internal/store"
)

const campaignColumns = `id, agent_id, kind, channel_id, question, options, prize, closes_at, closed, winner_id, winner_name, counts, created_at, resolved_at`

func (s *Store) CreateCampaign(ctx context.Context, c *store.Campaign) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	countsJSON, err := json.Marshal(c.Counts)
	if err != nil {
		return fmt.Errorf("marshal counts: %w", err)
	}

	row := s.db.QueryRowContext(ctx,
		`INSERT INTO campaigns (agent_id, kind, channel_id, question, options, prize, closes_at, closed, counts, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8, $9)
		 RETURNING id`,
		c.AgentID, string(c.Kind), c.ChannelID, c.Question, pq.Array(c.Options),
		c.Prize, c.ClosesAt, countsJSON, c.CreatedAt,
	)
	return row.Scan(&c.ID)
}

func (s *Store) GetCampaign(ctx context.Context, id int64) (*store.Campaign, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id)
	c, err := scanCampaign(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrCampaignNotFound
	}
	return c, err
}

func (s *Store) OpenCampaigns(ctx context.Context, agentID string) ([]store.Campaign, error) {
	return s.queryCampaigns(ctx,
		`SELECT `+campaignColumns+` FROM campaigns
		 WHERE agent_id = $1 AND NOT closed ORDER BY id`, agentID)
}

func (s *Store) ListCampaigns(ctx context.Context, agentID string, limit int) ([]store.Campaign, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryCampaigns(ctx,
		`SELECT `+campaignColumns+` FROM campaigns
		 WHERE agent_id = $1 ORDER BY id DESC LIMIT $2`, agentID, limit)
}

func (s *Store) CloseCampaign(ctx context.Context, id int64, res store.Resolution) error {
	countsJSON, err := json.Marshal(res.Counts)
	if err != nil {
		return fmt.Errorf("marshal counts: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE campaigns
		 SET closed = TRUE, winner_id = $1, winner_name = $2, counts = $3, resolved_at = $4
		 WHERE id = $5 AND NOT closed`,
		res.WinnerID, res.WinnerName, countsJSON, time.Now(), id,
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, getErr := s.GetCampaign(ctx, id); getErr != nil {
			return getErr
		}
		return store.ErrCampaignClosed
	}
	return nil
}

func (s *Store) RecordVote(ctx context.Context, v store.Vote) error {
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO votes (campaign_id, voter_id, option_num, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (campaign_id, voter_id) DO NOTHING`,
		v.CampaignID, v.VoterID, v.Option, v.CreatedAt,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrDuplicateVote
	}
	return nil
}

func (s *Store) RecordEntry(ctx context.Context, e store.Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO entries (campaign_id, participant_id, participant_name, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (campaign_id, participant_id) DO NOTHING`,
		e.CampaignID, e.ParticipantID, e.ParticipantName, e.CreatedAt,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrDuplicateEntry
	}
	return nil
}

func (s *Store) VoteCounts(ctx context.Context, campaignID int64) (map[int]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT option_num, COUNT(*) FROM votes WHERE campaign_id = $1 GROUP BY option_num`,
		campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[int]int)
	for rows.Next() {
		var option, count int
		if err := rows.Scan(&option, &count); err != nil {
			return nil, err
		}
		counts[option] = count
	}
	return counts, rows.Err()
}

func (s *Store) Entries(ctx context.Context, campaignID int64) ([]store.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT campaign_id, participant_id, participant_name, created_at
		 FROM entries WHERE campaign_id = $1 ORDER BY created_at`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []store.Entry
	for rows.Next() {
		var e store.Entry
		if err := rows.Scan(&e.CampaignID, &e.ParticipantID, &e.ParticipantName, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) ActivitySince(ctx context.Context, agentID string, since time.Time) (*store.ActivitySummary, error) {
	sum := &store.ActivitySummary{}

	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM campaigns WHERE agent_id = $1 AND NOT closed`, agentID)
	if err := row.Scan(&sum.OpenCampaigns); err != nil {
		return nil, err
	}

	row = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM votes v
		 JOIN campaigns c ON c.id = v.campaign_id
		 WHERE c.agent_id = $1 AND v.created_at >= $2`, agentID, since)
	if err := row.Scan(&sum.VotesSince); err != nil {
		return nil, err
	}

	row = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entries e
		 JOIN campaigns c ON c.id = e.campaign_id
		 WHERE c.agent_id = $1 AND e.created_at >= $2`, agentID, since)
	if err := row.Scan(&sum.EntriesSince); err != nil {
		return nil, err
	}

	row = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM campaigns
		 WHERE agent_id = $1 AND closed AND resolved_at >= $2`, agentID, since)
	if err := row.Scan(&sum.ClosedSince); err != nil {
		return nil, err
	}

	return sum, nil
}

func (s *Store) queryCampaigns(ctx context.Context, query string, args ...any) ([]store.Campaign, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var campaigns []store.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, *c)
	}
	return campaigns, rows.Err()
}

func scanCampaign(row rowScanner) (*store.Campaign, error) {
	var c store.Campaign
	var kind string
	var options pq.StringArray
	var countsJSON []byte
	var resolvedAt sql.NullTime

	if err := row.Scan(&c.ID, &c.AgentID, &kind, &c.ChannelID, &c.Question,
		&options, &c.Prize, &c.ClosesAt, &c.Closed, &c.WinnerID, &c.WinnerName,
		&countsJSON, &c.CreatedAt, &resolvedAt); err != nil {
		return nil, err
	}

	c.Kind = store.CampaignKind(kind)
	c.Options = []string(options)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		c.ResolvedAt = &t
	}
	if len(countsJSON) > 0 {
		if err := json.Unmarshal(countsJSON, &c.Counts); err != nil {
			return nil, fmt.Errorf("unmarshal counts for campaign %d: %w", c.ID, err)
		}
	}
	return &c, nil
}
