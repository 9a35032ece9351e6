package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"
)

// Position statuses written to engagements.position_status. Exactly one
// applies per processed row.
const (
	PositionMatched             = "matched"
	PositionNoFeedRequest       = "no_feed_request"
	PositionEmptyFeedPosts      = "empty_feed_posts"
	PositionPostNotInFeed       = "post_not_in_feed"
	PositionInvalidEngagement   = "invalid_engagement_timestamp"
	PositionInvalidFeed         = "invalid_feed_timestamp"
	PositionFeedAfterEngagement = "feed_after_engagement"
	PositionMissingPostURI      = "missing_post_uri"
)

// MatchStats summarizes one position-matching pass.
type MatchStats struct {
	Processed    int
	Matched      int
	StatusCounts map[string]int
	AgeSeconds   float64
	AgeSamples   int
}

// MeanAgeSeconds is the average engagement-to-feed age across matched rows.
func (m MatchStats) MeanAgeSeconds() float64 {
	if m.AgeSamples == 0 {
		return 0
	}
	return m.AgeSeconds / float64(m.AgeSamples)
}

type matchCandidate struct {
	rowID     int64
	timestamp string
	did       string
	postURI   sql.NullString
}

type feedEntry struct {
	requestID int64
	at        time.Time
	valid     bool
	hasPosts  bool
}

type positionUpdate struct {
	rowID      int64
	status     string
	position   sql.NullInt64
	requestID  sql.NullInt64
	ageSeconds sql.NullFloat64
}

// MatchPositions correlates subscriber engagements against stored feed
// snapshots. For each unmatched subscriber row it finds the nearest feed
// request served to that DID at or before the engagement time, looks the
// engaged post up in that snapshot, and writes position, request id, age, and
// a status. Rows already matched are skipped, so re-runs only touch rows that
// could improve; everything happens in one transaction.
func (s *Store) MatchPositions(ctx context.Context, since *time.Time) (MatchStats, error) {
	stats := MatchStats{StatusCounts: make(map[string]int)}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return stats, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	candidates, err := loadMatchCandidates(ctx, tx, since)
	if err != nil {
		return stats, err
	}
	if len(candidates) == 0 {
		return stats, nil
	}

	// Both caches are per-pass: feeds keyed by requester DID, snapshot
	// contents keyed by request id.
	feedsByDID := make(map[string][]feedEntry)
	postsByRequest := make(map[int64]map[string]int64)

	updates := make([]positionUpdate, 0, len(candidates))
	for _, candidate := range candidates {
		update, err := s.resolvePosition(ctx, tx, candidate, feedsByDID, postsByRequest)
		if err != nil {
			return stats, err
		}
		updates = append(updates, update)

		stats.Processed++
		stats.StatusCounts[update.status]++
		if update.status == PositionMatched {
			stats.Matched++
			if update.ageSeconds.Valid {
				stats.AgeSeconds += update.ageSeconds.Float64
				stats.AgeSamples++
			}
		}
	}

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE engagements
		SET post_position = ?, position_feed_request_id = ?, position_age_seconds = ?, position_status = ?
		WHERE rowid = ?`)
	if err != nil {
		return stats, fmt.Errorf("prepare position update: %w", err)
	}
	defer stmt.Close()

	for _, update := range updates {
		if _, err := stmt.ExecContext(ctx,
			update.position, update.requestID, update.ageSeconds, update.status, update.rowID,
		); err != nil {
			return stats, fmt.Errorf("update engagement position: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return stats, fmt.Errorf("commit transaction: %w", err)
	}

	s.recordAudit("engagements_positions", map[string]any{
		"processed":     stats.Processed,
		"matched":       stats.Matched,
		"status_counts": stats.StatusCounts,
	})
	return stats, nil
}

// loadMatchCandidates materializes every unmatched subscriber engagement
// before any other query runs; the pool holds a single connection, so open
// cursors cannot overlap.
func loadMatchCandidates(ctx context.Context, tx *sql.Tx, since *time.Time) ([]matchCandidate, error) {
	query := `
		SELECT rowid, timestamp, did_engagement, post_uri
		FROM engagements
		WHERE is_subscriber = 1
		AND (position_status IS NULL OR position_status != 'matched')`
	args := []any{}
	if since != nil {
		query += " AND timestamp >= ?"
		args = append(args, formatStoredTime(*since))
	}
	query += " ORDER BY timestamp ASC, rowid ASC"

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query match candidates: %w", err)
	}
	defer rows.Close()

	var candidates []matchCandidate
	for rows.Next() {
		var c matchCandidate
		if err := rows.Scan(&c.rowID, &c.timestamp, &c.did, &c.postURI); err != nil {
			return nil, fmt.Errorf("scan match candidate: %w", err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate match candidates: %w", err)
	}
	return candidates, nil
}

func (s *Store) resolvePosition(
	ctx context.Context,
	tx *sql.Tx,
	candidate matchCandidate,
	feedsByDID map[string][]feedEntry,
	postsByRequest map[int64]map[string]int64,
) (positionUpdate, error) {
	update := positionUpdate{rowID: candidate.rowID}

	engagedAt, ok := parseStoredTime(candidate.timestamp)
	if !ok {
		update.status = PositionInvalidEngagement
		return update, nil
	}
	if !candidate.postURI.Valid || candidate.postURI.String == "" {
		update.status = PositionMissingPostURI
		return update, nil
	}

	feeds, cached := feedsByDID[candidate.did]
	if !cached {
		var err error
		feeds, err = loadFeedEntries(ctx, tx, candidate.did)
		if err != nil {
			return update, err
		}
		feedsByDID[candidate.did] = feeds
	}
	if len(feeds) == 0 {
		update.status = PositionNoFeedRequest
		return update, nil
	}

	// Rightmost feed served at or before the engagement. Feeds with
	// unparsable timestamps sort to the front and stay eligible so they
	// surface as invalid_feed_timestamp instead of silently vanishing.
	idx := sort.Search(len(feeds), func(i int) bool {
		return feeds[i].valid && feeds[i].at.After(engagedAt)
	})
	if idx == 0 {
		update.status = PositionNoFeedRequest
		return update, nil
	}

	// From here on a snapshot has been chosen; every outcome records its id.
	feed := feeds[idx-1]
	update.requestID = sql.NullInt64{Int64: feed.requestID, Valid: true}

	if !feed.valid {
		update.status = PositionInvalidFeed
		return update, nil
	}
	if feed.at.After(engagedAt) {
		update.status = PositionFeedAfterEngagement
		return update, nil
	}
	if !feed.hasPosts {
		update.status = PositionEmptyFeedPosts
		return update, nil
	}

	positions, cached := postsByRequest[feed.requestID]
	if !cached {
		var err error
		positions, err = loadFeedPositions(ctx, tx, feed.requestID)
		if err != nil {
			return update, err
		}
		postsByRequest[feed.requestID] = positions
	}

	position, found := positions[candidate.postURI.String]
	if !found {
		update.status = PositionPostNotInFeed
		return update, nil
	}

	update.status = PositionMatched
	update.position = sql.NullInt64{Int64: position, Valid: true}
	update.ageSeconds = sql.NullFloat64{Float64: engagedAt.Sub(feed.at).Seconds(), Valid: true}
	return update, nil
}

// loadFeedEntries returns every feed request served to a DID, ordered so that
// entries with unparsable timestamps come first and the rest ascend
// chronologically.
func loadFeedEntries(ctx context.Context, tx *sql.Tx, did string) ([]feedEntry, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT fr.request_id, fr.timestamp, COUNT(frp.id)
		FROM feed_requests fr
		LEFT JOIN feed_request_posts frp ON frp.request_id = fr.request_id
		WHERE fr.requester_did = ?
		GROUP BY fr.request_id, fr.timestamp`, did)
	if err != nil {
		return nil, fmt.Errorf("query feed requests for %s: %w", did, err)
	}
	defer rows.Close()

	var entries []feedEntry
	for rows.Next() {
		var (
			entry     feedEntry
			raw       string
			postCount int64
		)
		if err := rows.Scan(&entry.requestID, &raw, &postCount); err != nil {
			return nil, fmt.Errorf("scan feed request: %w", err)
		}
		entry.at, entry.valid = parseStoredTime(raw)
		entry.hasPosts = postCount > 0
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate feed requests: %w", err)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].valid != entries[j].valid {
			return !entries[i].valid
		}
		if !entries[i].valid {
			return entries[i].requestID < entries[j].requestID
		}
		return entries[i].at.Before(entries[j].at)
	})
	return entries, nil
}

// loadFeedPositions returns the URI-to-position map for one stored snapshot.
// Only rows with a stored index are mapped; rows still missing one after a
// rebuild-index pass cannot produce a match.
func loadFeedPositions(ctx context.Context, tx *sql.Tx, requestID int64) (map[string]int64, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT post_uri, post_index FROM feed_request_posts
		WHERE request_id = ? AND post_uri IS NOT NULL AND post_index IS NOT NULL
		ORDER BY id ASC`, requestID)
	if err != nil {
		return nil, fmt.Errorf("query feed request posts %d: %w", requestID, err)
	}
	defer rows.Close()

	positions := make(map[string]int64)
	for rows.Next() {
		var (
			uri   string
			index int64
		)
		if err := rows.Scan(&uri, &index); err != nil {
			return nil, fmt.Errorf("scan feed request post: %w", err)
		}
		if uri == "" {
			continue
		}
		positions[uri] = index
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate feed request posts: %w", err)
	}
	return positions, nil
}
