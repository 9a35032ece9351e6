package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/newsflows/bluesky-compliance/internal/feedgen"
)

// StoreFeedRetrievals persists feed-serving events. Each retrieval commits as
// one transaction: the feed_requests row is fully replaced (a later snapshot
// for the same request_id supersedes the earlier one), its child
// feed_request_posts rows are cascaded away first, and the new post rows plus
// pending post placeholders are written together. Returns the number of
// retrievals stored.
func (s *Store) StoreFeedRetrievals(ctx context.Context, retrievals []feedgen.Retrieval) (int, error) {
	stored := 0
	var requestIDs []int64
	postRows := 0

	for i := range retrievals {
		retrieval := &retrievals[i]
		if err := s.storeRetrieval(ctx, retrieval); err != nil {
			return stored, err
		}
		stored++
		requestIDs = append(requestIDs, retrieval.ID)
		postRows += len(retrieval.Posts)
	}

	if stored > 0 {
		s.recordAudit("feed_requests", map[string]any{
			"action":        "insert_or_replace",
			"requests":      stored,
			"request_ids":   requestIDs,
			"posts_written": postRows,
		})
	}
	return stored, nil
}

func (s *Store) storeRetrieval(ctx context.Context, retrieval *feedgen.Retrieval) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var algo any
	if retrieval.Algo != nil {
		algo = *retrieval.Algo
	}
	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO feed_requests (request_id, requester_did, algo, timestamp, posts_json)
		VALUES (?, ?, ?, ?, ?)`,
		retrieval.ID, retrieval.Requester(), algo, retrieval.Timestamp, retrieval.PostsJSON(),
	)
	if err != nil {
		return fmt.Errorf("upsert feed request %d: %w", retrieval.ID, err)
	}

	// Replace, not merge: snapshots can change shape between retries.
	_, err = tx.ExecContext(ctx, `DELETE FROM feed_request_posts WHERE request_id = ?`, retrieval.ID)
	if err != nil {
		return fmt.Errorf("clear feed request posts %d: %w", retrieval.ID, err)
	}

	for _, post := range retrieval.Posts {
		if err := upsertPostPlaceholder(ctx, tx, post.URI, post.CID); err != nil {
			return err
		}
		var uri, index any
		if post.URI != "" {
			uri = post.URI
		}
		if post.Position != nil {
			index = *post.Position
		}
		_, err = tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO feed_request_posts (request_id, post_index, post_uri, post_json)
			VALUES (?, ?, ?, ?)`,
			retrieval.ID, index, uri, string(post.Raw),
		)
		if err != nil {
			return fmt.Errorf("insert feed request post: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// upsertPostPlaceholder records a post URI as pending hydration the first time
// it is observed; an already-hydrated row is left alone.
func upsertPostPlaceholder(ctx context.Context, tx *sql.Tx, uri, cid string) error {
	if uri == "" {
		return nil
	}
	var cidValue any
	if cid != "" {
		cidValue = cid
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO posts (post_uri, cid, hydration_status)
		VALUES (?, ?, 'pending')
		ON CONFLICT(post_uri) DO UPDATE SET
			cid = COALESCE(posts.cid, excluded.cid),
			hydration_status = CASE
				WHEN posts.hydration_status IS NULL THEN 'pending'
				ELSE posts.hydration_status
			END`,
		uri, cidValue,
	)
	if err != nil {
		return fmt.Errorf("upsert post placeholder %s: %w", uri, err)
	}
	return nil
}

// SeedPostsFromFeed inserts pending placeholders for every URI referenced by
// stored feed snapshots but absent from the posts table.
func (s *Store) SeedPostsFromFeed(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO posts (post_uri, cid, hydration_status)
		SELECT DISTINCT post_uri,
		       json_extract(post_json, '$.cid') AS cid,
		       'pending'
		FROM feed_request_posts
		WHERE post_uri IS NOT NULL`)
	if err != nil {
		return 0, fmt.Errorf("seed posts from feed: %w", err)
	}
	inserted, _ := res.RowsAffected()
	return inserted, nil
}

// RebuildStats summarizes a post-index rebuild pass.
type RebuildStats struct {
	Scanned         int
	Updated         int
	MissingPosition int
	InvalidPosition int
	ParseErrors     int
}

// RebuildPostIndices re-derives feed_request_posts.post_index from the stored
// verbatim payloads, repairing rows whose index drifted from what the source
// reported.
func (s *Store) RebuildPostIndices(ctx context.Context) (RebuildStats, error) {
	var stats RebuildStats

	rows, err := s.db.QueryContext(ctx, `SELECT id, post_json, post_index FROM feed_request_posts`)
	if err != nil {
		return stats, fmt.Errorf("query feed request posts: %w", err)
	}

	type update struct {
		index int64
		id    int64
	}
	var updates []update
	for rows.Next() {
		var (
			id       int64
			payload  sql.NullString
			existing sql.NullInt64
		)
		if err := rows.Scan(&id, &payload, &existing); err != nil {
			rows.Close()
			return stats, fmt.Errorf("scan feed request post: %w", err)
		}
		stats.Scanned++
		if !payload.Valid || payload.String == "" {
			stats.MissingPosition++
			continue
		}
		var post feedgen.RetrievalPost
		if err := json.Unmarshal([]byte(payload.String), &post); err != nil {
			stats.ParseErrors++
			continue
		}
		if post.Position == nil {
			if positionFieldPresent(payload.String) {
				stats.InvalidPosition++
			} else {
				stats.MissingPosition++
			}
			continue
		}
		if existing.Valid && existing.Int64 == *post.Position {
			continue
		}
		updates = append(updates, update{index: *post.Position, id: id})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return stats, fmt.Errorf("iterate feed request posts: %w", err)
	}
	rows.Close()

	if len(updates) == 0 {
		return stats, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return stats, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()
	for _, u := range updates {
		if _, err := tx.ExecContext(ctx,
			`UPDATE feed_request_posts SET post_index = ? WHERE id = ?`, u.index, u.id,
		); err != nil {
			return stats, fmt.Errorf("update post index: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return stats, fmt.Errorf("commit transaction: %w", err)
	}
	stats.Updated = len(updates)

	s.recordAudit("feed_request_posts_rebuild", map[string]any{
		"scanned":          stats.Scanned,
		"updated":          stats.Updated,
		"missing_position": stats.MissingPosition,
		"invalid_position": stats.InvalidPosition,
		"parse_errors":     stats.ParseErrors,
	})
	return stats, nil
}

func positionFieldPresent(payload string) bool {
	var probe struct {
		Position json.RawMessage `json:"position"`
	}
	if err := json.Unmarshal([]byte(payload), &probe); err != nil {
		return false
	}
	return len(probe.Position) > 0 && string(probe.Position) != "null"
}
