// Package pg implements the barker stores on Postgres (managed mode).
// Schema is owned by the migrations under ./migrations, applied with
// `barker migrate up`.
package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/barkerhq/barker/internal/store"
)

// Store implements store.AgentStore and store.CampaignStore on Postgres.
type Store struct {
	db *sql.DB
}

// NewStores wraps an already opened connection pool in the store
// container. The caller owns the pool's lifetime.
func NewStores(db *sql.DB) *store.Stores {
	s := &Store{db: db}
	return &store.Stores{Agents: s, Campaigns: s}
}

// OpenDB opens a pgx stdlib connection pool and verifies connectivity.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return db, nil
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.db.Close()
}
