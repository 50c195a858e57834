package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/barkerhq/barker/internal/store"
)

func (s *Store) UpsertAgent(ctx context.Context, a *store.AgentRecord) error {
	if a.ID == uuid.Nil {
		a.ID = store.GenNewID()
	}
	now := time.Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	// Runtime state columns stay untouched on conflict; they belong to
	// the registry, not the config loader.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (id, agent_id, name, platform, template, channel_ref, channel_id, enabled, state, status_detail, digest_cron, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (agent_id) DO UPDATE SET
		   name = EXCLUDED.name,
		   platform = EXCLUDED.platform,
		   template = EXCLUDED.template,
		   channel_ref = EXCLUDED.channel_ref,
		   enabled = EXCLUDED.enabled,
		   digest_cron = EXCLUDED.digest_cron,
		   updated_at = EXCLUDED.updated_at`,
		a.ID, a.AgentID, a.Name, a.Platform, a.Template,
		a.ChannelRef, a.ChannelID, a.Enabled, a.State, a.StatusDetail,
		a.DigestCron, a.CreatedAt, a.UpdatedAt,
	)
	return err
}

func (s *Store) GetAgent(ctx context.Context, agentID string) (*store.AgentRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, name, platform, template, channel_ref, channel_id, enabled, state, status_detail, digest_cron, created_at, updated_at
		 FROM agents WHERE agent_id = $1`, agentID)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrAgentNotFound
	}
	return a, err
}

func (s *Store) ListAgents(ctx context.Context) ([]store.AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, name, platform, template, channel_ref, channel_id, enabled, state, status_detail, digest_cron, created_at, updated_at
		 FROM agents ORDER BY agent_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []store.AgentRecord
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

func (s *Store) SetAgentState(ctx context.Context, agentID, state, detail string) error {
	return s.updateAgent(ctx,
		`UPDATE agents SET state = $1, status_detail = $2, updated_at = $3 WHERE agent_id = $4`,
		state, detail, time.Now(), agentID)
}

func (s *Store) SetAgentChannel(ctx context.Context, agentID, channelID string) error {
	return s.updateAgent(ctx,
		`UPDATE agents SET channel_id = $1, updated_at = $2 WHERE agent_id = $3`,
		channelID, time.Now(), agentID)
}

func (s *Store) SetAgentEnabled(ctx context.Context, agentID string, enabled bool) error {
	return s.updateAgent(ctx,
		`UPDATE agents SET enabled = $1, updated_at = $2 WHERE agent_id = $3`,
		enabled, time.Now(), agentID)
}

func (s *Store) updateAgent(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrAgentNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*store.AgentRecord, error) {
	var a store.AgentRecord
	if err := row.Scan(&a.ID, &a.AgentID, &a.Name, &a.Platform, &a.Template,
		&a.ChannelRef, &a.ChannelID, &a.Enabled, &a.State, &a.StatusDetail,
		&a.DigestCron, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}
