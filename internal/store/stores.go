package store

import "github.com/google/uuid"

// Stores is the top-level container for all storage backends.
// Standalone mode backs these with SQLite, managed mode with Postgres.
type Stores struct {
	Agents    AgentStore
	Campaigns CampaignStore
}

// GenNewID generates a new UUIDv7 for database row identity.
func GenNewID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}
