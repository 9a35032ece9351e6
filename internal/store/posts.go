package store

import (
	"context"
	"fmt"
	"time"
)

// Hydration statuses for cached post metadata.
const (
	HydrationPending  = "pending"
	HydrationOK       = "ok"
	HydrationNotFound = "not_found"
	HydrationError    = "error"
)

// PostMetadata is one hydration result for a post URI.
type PostMetadata struct {
	URI            string
	CID            string
	AuthorDID      string
	AuthorHandle   string
	IndexedAt      string
	CreatedAt      string
	HydrationState string
	HydrationError string
}

// PostsPendingHydration returns URIs still missing author metadata, oldest
// hydration attempt first. Permanently missing posts (not_found) are skipped.
// A non-positive limit returns everything.
func (s *Store) PostsPendingHydration(ctx context.Context, limit int) ([]string, error) {
	query := `
		SELECT post_uri FROM posts
		WHERE (author_did IS NULL OR author_handle IS NULL)
		AND COALESCE(hydration_status, 'pending') != 'not_found'
		ORDER BY COALESCE(last_hydrated_at, '') ASC, post_uri ASC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pending hydration: %w", err)
	}
	defer rows.Close()

	var uris []string
	for rows.Next() {
		var uri string
		if err := rows.Scan(&uri); err != nil {
			return nil, fmt.Errorf("scan post uri: %w", err)
		}
		uris = append(uris, uri)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending hydration: %w", err)
	}
	return uris, nil
}

// UpdatePostMetadata applies hydration results. The hydration path is the only
// writer of post metadata; matching never touches it. One transaction per
// batch.
func (s *Store) UpdatePostMetadata(ctx context.Context, updates []PostMetadata, hydratedAt time.Time) error {
	if len(updates) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE posts
		SET
			cid = COALESCE(?, cid),
			author_did = ?,
			author_handle = ?,
			indexed_at = COALESCE(?, indexed_at),
			created_at = COALESCE(?, created_at),
			last_hydrated_at = ?,
			hydration_status = ?,
			hydration_error = ?
		WHERE post_uri = ?`)
	if err != nil {
		return fmt.Errorf("prepare update: %w", err)
	}
	defer stmt.Close()

	hydratedTS := formatStoredTime(hydratedAt)
	for _, update := range updates {
		if update.URI == "" {
			continue
		}
		_, err := stmt.ExecContext(ctx,
			nullIfEmpty(update.CID),
			nullIfEmpty(update.AuthorDID),
			nullIfEmpty(update.AuthorHandle),
			nullIfEmpty(update.IndexedAt),
			nullIfEmpty(update.CreatedAt),
			hydratedTS,
			update.HydrationState,
			nullIfEmpty(update.HydrationError),
			update.URI,
		)
		if err != nil {
			return fmt.Errorf("update post %s: %w", update.URI, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
