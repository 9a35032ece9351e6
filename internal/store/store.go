// Package store implements the embedded relational store: idempotent
// engagement and feed-snapshot ingestion, change-driven membership snapshots,
// hydration bookkeeping, and the position-matching pass.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database. SQLite allows a single writer, so the pool
// is pinned to one connection; every write happens inside a scoped
// transaction per logical unit.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	audit  *AuditLog
}

// Open opens (creating if needed) the database at path, applies the schema,
// and returns a Store. Use ":memory:" for an ephemeral database in tests.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	return &Store{db: db, logger: logger, audit: noopAuditLog()}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetAuditLog attaches a JSONL audit log; database mutations record one entry
// per logical write.
func (s *Store) SetAuditLog(audit *AuditLog) {
	if audit != nil {
		s.audit = audit
	}
}

func (s *Store) recordAudit(table string, details map[string]any) {
	if err := s.audit.Record(table, details); err != nil {
		s.logger.Warn("audit log write failed", "table", table, "error", err)
	}
}

// latestTimestampColumns whitelists the table/column pairs LatestTimestamp may
// query; identifiers cannot be bound as parameters.
var latestTimestampColumns = map[string]string{
	"engagements":   "timestamp",
	"feed_requests": "timestamp",
}

// LatestTimestamp returns the most recent timestamp stored in the given
// table, used to derive default catch-up windows. The boolean is false when
// the table is empty or its latest value is unparsable.
func (s *Store) LatestTimestamp(ctx context.Context, table string) (time.Time, bool, error) {
	column, ok := latestTimestampColumns[table]
	if !ok {
		return time.Time{}, false, fmt.Errorf("latest timestamp: unknown table %q", table)
	}
	var raw sql.NullString
	query := fmt.Sprintf("SELECT MAX(%s) FROM %s", column, table)
	if err := s.db.QueryRowContext(ctx, query).Scan(&raw); err != nil {
		return time.Time{}, false, fmt.Errorf("query latest %s timestamp: %w", table, err)
	}
	if !raw.Valid || raw.String == "" {
		return time.Time{}, false, nil
	}
	t, ok := parseStoredTime(raw.String)
	return t, ok, nil
}
