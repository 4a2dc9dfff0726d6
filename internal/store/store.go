package store

import (
	"context"
	"time"
)

// HistoryEntry is one lifecycle event: a status change, an abnormal exit,
// a claim or a reset.
type HistoryEntry struct {
	ID     int64     `json:"id"`
	At     time.Time `json:"at"`
	Kind   string    `json:"kind"`
	Detail string    `json:"detail"`
}

// Store is playwire's history storage. All methods are safe for concurrent use.
type Store interface {
	Append(ctx context.Context, e HistoryEntry) error
	// Recent returns up to limit entries, newest first.
	Recent(ctx context.Context, limit int) ([]HistoryEntry, error)
	// Prune deletes entries older than before and reports how many.
	Prune(ctx context.Context, before time.Time) (int64, error)

	// Close releases resources (e.g. closes the database).
	Close() error
}
