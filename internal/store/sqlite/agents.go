package sqlite

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

	// State and status detail are runtime fields owned by the registry;
	// a config reload must not clobber them, so the conflict branch
	// leaves them alone.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO barker_agents (id, agent_id, name, platform, template, channel_ref, channel_id, enabled, state, status_detail, digest_cron, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(agent_id) DO UPDATE SET
		   name = excluded.name,
		   platform = excluded.platform,
		   template = excluded.template,
		   channel_ref = excluded.channel_ref,
		   enabled = excluded.enabled,
		   digest_cron = excluded.digest_cron,
		   updated_at = excluded.updated_at`,
		a.ID.String(), a.AgentID, a.Name, a.Platform, a.Template,
		a.ChannelRef, a.ChannelID, boolToInt(a.Enabled), a.State, a.StatusDetail,
		a.DigestCron, a.CreatedAt.UnixMilli(), a.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *Store) GetAgent(ctx context.Context, agentID string) (*store.AgentRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, name, platform, template, channel_ref, channel_id, enabled, state, status_detail, digest_cron, created_at, updated_at
		 FROM barker_agents WHERE agent_id = ?`, agentID)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrAgentNotFound
	}
	return a, err
}

func (s *Store) ListAgents(ctx context.Context) ([]store.AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, name, platform, template, channel_ref, channel_id, enabled, state, status_detail, digest_cron, created_at, updated_at
		 FROM barker_agents ORDER BY agent_id`)
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
		`UPDATE barker_agents SET state = ?, status_detail = ?, updated_at = ? WHERE agent_id = ?`,
		state, detail, time.Now().UnixMilli(), agentID)
}

func (s *Store) SetAgentChannel(ctx context.Context, agentID, channelID string) error {
	return s.updateAgent(ctx,
		`UPDATE barker_agents SET channel_id = ?, updated_at = ? WHERE agent_id = ?`,
		channelID, time.Now().UnixMilli(), agentID)
}

func (s *Store) SetAgentEnabled(ctx context.Context, agentID string, enabled bool) error {
	return s.updateAgent(ctx,
		`UPDATE barker_agents SET enabled = ?, updated_at = ? WHERE agent_id = ?`,
		boolToInt(enabled), time.Now().UnixMilli(), agentID)
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
	var id string
	var enabled int
	var createdAt, updatedAt int64
	if err := row.Scan(&id, &a.AgentID, &a.Name, &a.Platform, &a.Template,
		&a.ChannelRef, &a.ChannelID, &enabled, &a.State, &a.StatusDetail,
		&a.DigestCron, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	a.ID, _ = uuid.Parse(id)
	a.Enabled = enabled != 0
	a.CreatedAt = time.UnixMilli(createdAt)
	a.UpdatedAt = time.UnixMilli(updatedAt)
	return &a, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
