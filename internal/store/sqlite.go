package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultRetention is how long history entries are kept.
const DefaultRetention = 30 * 24 * time.Hour

// SQLiteStore implements Store using an embedded SQLite database.
// It uses modernc.org/sqlite which is pure Go (no CGO).
type SQLiteStore struct {
	db        *sql.DB
	mu        sync.RWMutex // serializes writes (SQLite is single-writer)
	retention time.Duration
	closeCh   chan struct{}
	closeOnce sync.Once
}

// NewSQLiteStore opens or creates a SQLite database at dataDir/history.db
// and runs schema migrations. Entries older than retention are pruned in
// the background; retention <= 0 means DefaultRetention.
func NewSQLiteStore(dataDir string, retention time.Duration) (*SQLiteStore, error) {
	dbPath := filepath.Join(dataDir, "history.db")
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}

	// Single connection for writes to avoid SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if retention <= 0 {
		retention = DefaultRetention
	}
	s := &SQLiteStore{
		db:        db,
		retention: retention,
		closeCh:   make(chan struct{}),
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating sqlite: %w", err)
	}

	go s.cleanupLoop()

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS history (
			id     INTEGER PRIMARY KEY AUTOINCREMENT,
			at     DATETIME NOT NULL,
			kind   TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_history_at ON history(at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}
	return nil
}

// cleanupLoop periodically prunes entries older than the retention period.
func (s *SQLiteStore) cleanupLoop() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-s.closeCh:
			return
		case <-ticker.C:
			if n, err := s.Prune(context.Background(), time.Now().UTC().Add(-s.retention)); err != nil {
				slog.Warn("pruning history", "err", err)
			} else if n > 0 {
				slog.Debug("pruned history", "entries", n)
			}
		}
	}
}

func (s *SQLiteStore) Append(ctx context.Context, e HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO history (at, kind, detail) VALUES (?, ?, ?)",
		e.At.UTC(), e.Kind, e.Detail,
	)
	return err
}

func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, at, kind, detail FROM history ORDER BY id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.ID, &e.At, &e.Kind, &e.Detail); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM history WHERE at < ?", before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Close shuts down the cleanup goroutine and closes the database.
func (s *SQLiteStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closeCh)
		err = s.db.Close()
	})
	return err
}
