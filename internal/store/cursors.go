package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// GetCursor returns the persisted stream cursor for a service, or zero when
// none has been stored yet.
func (s *Store) GetCursor(ctx context.Context, service string) (int64, error) {
	var cursor int64
	err := s.db.QueryRowContext(ctx,
		`SELECT cursor_value FROM cursors WHERE service = ?`, service,
	).Scan(&cursor)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query cursor for %s: %w", service, err)
	}
	return cursor, nil
}

// UpdateCursor persists the stream cursor for a service.
func (s *Store) UpdateCursor(ctx context.Context, service string, cursor int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cursors (service, cursor_value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(service) DO UPDATE SET
			cursor_value = excluded.cursor_value,
			updated_at = excluded.updated_at`,
		service, cursor, formatStoredTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("update cursor for %s: %w", service, err)
	}
	return nil
}
