// Package store persists document snapshots. Stores have plain
// upsert-by-id semantics; the engine treats them as an external collaborator
// and only talks to them from the debounced auto-save path.
package store

import (
	"context"
	"time"
)

// Record is a saved document snapshot.
type Record struct {
	Buffer  string    `msgpack:"buffer"`
	SavedAt time.Time `msgpack:"saved_at"`
}

// SessionInfo describes one editing session, for the recent-sessions list.
type SessionInfo struct {
	Actor     string    `msgpack:"actor"`
	StartedAt time.Time `msgpack:"started_at"`
	EndedAt   time.Time `msgpack:"ended_at"`
}

// Store saves and loads document snapshots by id.
type Store interface {
	// Save upserts the snapshot for docID.
	Save(ctx context.Context, docID, buffer string) error
	// Load returns the stored snapshot, or nil if none exists.
	Load(ctx context.Context, docID string) (*Record, error)
	Close() error
}
