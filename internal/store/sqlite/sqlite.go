// Package sqlite implements the barker stores on a single SQLite file.
// This is the standalone-mode backend; managed deployments use pg.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/barkerhq/barker/internal/store"
)

const schemaSQL = `
-- Configured agents and their observed runtime status
CREATE TABLE IF NOT EXISTS barker_agents (
  id TEXT PRIMARY KEY,                    -- uuid
  agent_id TEXT NOT NULL UNIQUE,          -- stable key (config key)
  name TEXT NOT NULL DEFAULT '',
  platform TEXT NOT NULL,
  template TEXT NOT NULL,
  channel_ref TEXT NOT NULL DEFAULT '',
  channel_id TEXT NOT NULL DEFAULT '',    -- resolved at verify
  enabled INTEGER NOT NULL DEFAULT 1,
  state TEXT NOT NULL DEFAULT 'idle',
  status_detail TEXT NOT NULL DEFAULT '',
  digest_cron TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL,            -- unix ms
  updated_at INTEGER NOT NULL
);

-- Polls and giveaways
CREATE TABLE IF NOT EXISTS barker_campaigns (
  id INTEGER PRIMARY KEY AUTOINCREMENT,   -- user-facing campaign ID
  agent_id TEXT NOT NULL,
  kind TEXT NOT NULL,                     -- 'poll' or 'giveaway'
  channel_id TEXT NOT NULL,
  question TEXT NOT NULL DEFAULT '',
  options TEXT NOT NULL DEFAULT '[]',     -- JSON array of option labels
  prize TEXT NOT NULL DEFAULT '',
  closes_at INTEGER NOT NULL,
  closed INTEGER NOT NULL DEFAULT 0,
  winner_id TEXT NOT NULL DEFAULT '',
  winner_name TEXT NOT NULL DEFAULT '',
  counts TEXT NOT NULL DEFAULT '[]',      -- JSON array, final tally
  created_at INTEGER NOT NULL,
  resolved_at INTEGER                     -- null until closed
);

CREATE INDEX IF NOT EXISTS idx_barker_campaigns_agent ON barker_campaigns(agent_id, closed);

-- One vote per voter per poll
CREATE TABLE IF NOT EXISTS barker_votes (
  campaign_id INTEGER NOT NULL,
  voter_id TEXT NOT NULL,
  option_num INTEGER NOT NULL,            -- 1-based as typed
  created_at INTEGER NOT NULL,
  PRIMARY KEY (campaign_id, voter_id),
  FOREIGN KEY (campaign_id) REFERENCES barker_campaigns(id)
);

-- One entry per participant per giveaway
CREATE TABLE IF NOT EXISTS barker_entries (
  campaign_id INTEGER NOT NULL,
  participant_id TEXT NOT NULL,
  participant_name TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL,
  PRIMARY KEY (campaign_id, participant_id),
  FOREIGN KEY (campaign_id) REFERENCES barker_campaigns(id)
);
`

// Store implements store.AgentStore and store.CampaignStore on SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite database at path and ensures
// the schema exists.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Stores wraps the store in the container the registry consumes. The
// same handle serves both interfaces.
func (s *Store) Stores() *store.Stores {
	return &store.Stores{Agents: s, Campaigns: s}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
