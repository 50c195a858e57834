package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/barkerhq/barker/internal/store"
)

const campaignColumns = `id, agent_id, kind, channel_id, question, options, prize, closes_at, closed, winner_id, winner_name, counts, created_at, resolved_at`

func (s *Store) CreateCampaign(ctx context.Context, c *store.Campaign) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	optionsJSON, err := json.Marshal(c.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO barker_campaigns (agent_id, kind, channel_id, question, options, prize, closes_at, closed, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		c.AgentID, string(c.Kind), c.ChannelID, c.Question, string(optionsJSON),
		c.Prize, c.ClosesAt.UnixMilli(), c.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return err
	}
	c.ID, err = res.LastInsertId()
	return err
}

func (s *Store) GetCampaign(ctx context.Context, id int64) (*store.Campaign, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+campaignColumns+` FROM barker_campaigns WHERE id = ?`, id)
	c, err := scanCampaign(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrCampaignNotFound
	}
	return c, err
}

func (s *Store) OpenCampaigns(ctx context.Context, agentID string) ([]store.Campaign, error) {
	return s.queryCampaigns(ctx,
		`SELECT `+campaignColumns+` FROM barker_campaigns
		 WHERE agent_id = ? AND closed = 0 ORDER BY id`, agentID)
}

func (s *Store) ListCampaigns(ctx context.Context, agentID string, limit int) ([]store.Campaign, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryCampaigns(ctx,
		`SELECT `+campaignColumns+` FROM barker_campaigns
		 WHERE agent_id = ? ORDER BY id DESC LIMIT ?`, agentID, limit)
}

// CloseCampaign flips the closed flag and records the outcome. The closed
// guard in the WHERE clause is what makes a second close report
// ErrCampaignClosed instead of overwriting the first resolution.
func (s *Store) CloseCampaign(ctx context.Context, id int64, res store.Resolution) error {
	countsJSON, err := json.Marshal(res.Counts)
	if err != nil {
		return fmt.Errorf("marshal counts: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE barker_campaigns
		 SET closed = 1, winner_id = ?, winner_name = ?, counts = ?, resolved_at = ?
		 WHERE id = ? AND closed = 0`,
		res.WinnerID, res.WinnerName, string(countsJSON), time.Now().UnixMilli(), id,
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
		`INSERT OR IGNORE INTO barker_votes (campaign_id, voter_id, option_num, created_at)
		 VALUES (?, ?, ?, ?)`,
		v.CampaignID, v.VoterID, v.Option, v.CreatedAt.UnixMilli(),
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
		`INSERT OR IGNORE INTO barker_entries (campaign_id, participant_id, participant_name, created_at)
		 VALUES (?, ?, ?, ?)`,
		e.CampaignID, e.ParticipantID, e.ParticipantName, e.CreatedAt.UnixMilli(),
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
		`SELECT option_num, COUNT(*) FROM barker_votes WHERE campaign_id = ? GROUP BY option_num`,
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
		 FROM barker_entries WHERE campaign_id = ? ORDER BY created_at`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []store.Entry
	for rows.Next() {
		var e store.Entry
		var createdAt int64
		if err := rows.Scan(&e.CampaignID, &e.ParticipantID, &e.ParticipantName, &createdAt); err != nil {
			return nil, err
		}
		e.CreatedAt = time.UnixMilli(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) ActivitySince(ctx context.Context, agentID string, since time.Time) (*store.ActivitySummary, error) {
	sinceMs := since.UnixMilli()
	sum := &store.ActivitySummary{}

	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM barker_campaigns WHERE agent_id = ? AND closed = 0`, agentID)
	if err := row.Scan(&sum.OpenCampaigns); err != nil {
		return nil, err
	}

	row = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM barker_votes v
		 JOIN barker_campaigns c ON c.id = v.campaign_id
		 WHERE c.agent_id = ? AND v.created_at >= ?`, agentID, sinceMs)
	if err := row.Scan(&sum.VotesSince); err != nil {
		return nil, err
	}

	row = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM barker_entries e
		 JOIN barker_campaigns c ON c.id = e.campaign_id
		 WHERE c.agent_id = ? AND e.created_at >= ?`, agentID, sinceMs)
	if err := row.Scan(&sum.EntriesSince); err != nil {
		return nil, err
	}

	row = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM barker_campaigns
		 WHERE agent_id = ? AND closed = 1 AND resolved_at >= ?`, agentID, sinceMs)
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
	var kind, optionsJSON, countsJSON string
	var closesAt, createdAt int64
	var closed int
	var resolvedAt sql.NullInt64

	if err := row.Scan(&c.ID, &c.AgentID, &kind, &c.ChannelID, &c.Question,
		&optionsJSON, &c.Prize, &closesAt, &closed, &c.WinnerID, &c.WinnerName,
		&countsJSON, &createdAt, &resolvedAt); err != nil {
		return nil, err
	}

	c.Kind = store.CampaignKind(kind)
	c.Closed = closed != 0
	c.ClosesAt = time.UnixMilli(closesAt)
	c.CreatedAt = time.UnixMilli(createdAt)
	if resolvedAt.Valid {
		t := time.UnixMilli(resolvedAt.Int64)
		c.ResolvedAt = &t
	}
	if err := json.Unmarshal([]byte(optionsJSON), &c.Options); err != nil {
		return nil, fmt.Errorf("unmarshal options for campaign %d: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(countsJSON), &c.Counts); err != nil {
		return nil, fmt.Errorf("unmarshal counts for campaign %d: %w", c.ID, err)
	}
	return &c, nil
}
