package store

import (
	"context"
	"fmt"
	"time"

	"github.com/newsflows/bluesky-compliance/internal/feedgen"
	"github.com/newsflows/bluesky-compliance/internal/window"
)

// RetrievalFetcher re-fetches feed-serving events for one user from the
// ranking service.
type RetrievalFetcher interface {
	FetchRetrievals(ctx context.Context, userDID, minDate string) ([]feedgen.Retrieval, error)
}

// RepairStats summarizes an empty-feed repair pass.
type RepairStats struct {
	EmptyRequests int
	DIDAttempts   int
	Repaired      int
	StillEmpty    int
	Errors        int
}

type emptyRequest struct {
	requestID int64
	did       string
	at        time.Time
	hasTime   bool
}

// RepairEmptyFeedRequests re-fetches feed snapshots for requests stored with
// no post rows, which happens when an earlier export omitted post payloads.
// Requests are grouped by requester and re-fetched from just before the
// earliest affected timestamp; fetch failures for one requester do not stop
// the others. A request that comes back empty again is counted, not retried.
func (s *Store) RepairEmptyFeedRequests(ctx context.Context, fetcher RetrievalFetcher, since *time.Time) (RepairStats, error) {
	var stats RepairStats

	empties, err := s.loadEmptyFeedRequests(ctx, since)
	if err != nil {
		return stats, err
	}
	stats.EmptyRequests = len(empties)
	if len(empties) == 0 {
		return stats, nil
	}

	byDID := make(map[string][]emptyRequest)
	for _, empty := range empties {
		byDID[empty.did] = append(byDID[empty.did], empty)
	}

	for did, requests := range byDID {
		stats.DIDAttempts++

		var earliest time.Time
		hasEarliest := false
		for _, request := range requests {
			if request.hasTime && (!hasEarliest || request.at.Before(earliest)) {
				earliest = request.at
				hasEarliest = true
			}
		}
		minDate := ""
		if hasEarliest {
			// Back off slightly so the source's own boundary handling
			// cannot exclude the row we are repairing.
			minDate = window.FormatMinDate(earliest.Add(-5 * time.Second))
		}

		retrievals, err := fetcher.FetchRetrievals(ctx, did, minDate)
		if err != nil {
			stats.Errors++
			s.logger.Warn("repair fetch failed", "did", did, "error", err)
			continue
		}
		if _, err := s.StoreFeedRetrievals(ctx, retrievals); err != nil {
			stats.Errors++
			s.logger.Warn("repair store failed", "did", did, "error", err)
			continue
		}

		for _, request := range requests {
			repaired, err := s.feedRequestHasPosts(ctx, request.requestID)
			if err != nil {
				return stats, err
			}
			if repaired {
				stats.Repaired++
			} else {
				stats.StillEmpty++
			}
		}
	}

	s.recordAudit("feed_requests_repair", map[string]any{
		"empty_requests": stats.EmptyRequests,
		"did_attempts":   stats.DIDAttempts,
		"repaired":       stats.Repaired,
		"still_empty":    stats.StillEmpty,
		"errors":         stats.Errors,
	})
	return stats, nil
}

func (s *Store) loadEmptyFeedRequests(ctx context.Context, since *time.Time) ([]emptyRequest, error) {
	query := `
		SELECT fr.request_id, fr.requester_did, fr.timestamp
		FROM feed_requests fr
		LEFT JOIN feed_request_posts frp ON frp.request_id = fr.request_id
		WHERE frp.id IS NULL`
	args := []any{}
	if since != nil {
		query += " AND fr.timestamp >= ?"
		args = append(args, formatStoredTime(*since))
	}
	query += " ORDER BY fr.timestamp ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query empty feed requests: %w", err)
	}
	defer rows.Close()

	var empties []emptyRequest
	for rows.Next() {
		var (
			empty emptyRequest
			raw   string
		)
		if err := rows.Scan(&empty.requestID, &empty.did, &raw); err != nil {
			return nil, fmt.Errorf("scan empty feed request: %w", err)
		}
		empty.at, empty.hasTime = parseStoredTime(raw)
		empties = append(empties, empty)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate empty feed requests: %w", err)
	}
	return empties, nil
}

func (s *Store) feedRequestHasPosts(ctx context.Context, requestID int64) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM feed_request_posts WHERE request_id = ?`, requestID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("count feed request posts %d: %w", requestID, err)
	}
	return count > 0, nil
}
