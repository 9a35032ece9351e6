package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/newsflows/bluesky-compliance/internal/engagement"
	"github.com/newsflows/bluesky-compliance/internal/window"
)

// formatStoredTime renders timestamps with fixed-width millisecond precision
// so lexicographic comparisons in SQL agree with chronological order.
func formatStoredTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000") + "Z"
}

func parseStoredTime(raw string) (time.Time, bool) {
	return window.ParseTime(raw)
}

// InsertEngagements stores engagement rows with insert-or-ignore semantics
// keyed on (timestamp, did_engagement, post_uri, engagement_type); re-running
// the same window never duplicates rows. Returns the number actually
// inserted. The batch commits as one transaction.
func (s *Store) InsertEngagements(ctx context.Context, rows []engagement.Engagement) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO engagements
			(timestamp, did_engagement, post_uri, post_author_handle, engagement_type, is_subscriber, engagement_text)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, row := range rows {
		var text any
		if row.Text != "" {
			text = row.Text
		}
		res, err := stmt.ExecContext(ctx,
			formatStoredTime(row.Timestamp),
			row.EngagerDID,
			row.PostURI,
			row.PostAuthorHandle,
			string(row.Type),
			boolToInt(row.IsSubscriber),
			text,
		)
		if err != nil {
			return 0, fmt.Errorf("insert engagement: %w", err)
		}
		affected, _ := res.RowsAffected()
		inserted += int(affected)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}

	if inserted > 0 {
		s.recordAudit("engagements", map[string]any{
			"action":           "insert_or_ignore",
			"attempted":        len(rows),
			"inserted":         inserted,
			"unique_dids":      uniqueEngagerDIDs(rows),
			"engagement_types": uniqueEngagementTypes(rows),
			"subscriber_rows":  countSubscribers(rows),
		})
	}
	return inserted, nil
}

// CountEngagementsMissingText reports quote and comment rows without captured
// text; the repo-based collection path records text at classification time, so
// a non-zero count points at rows ingested by older tooling.
func (s *Store) CountEngagementsMissingText(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM engagements
		WHERE engagement_type IN ('comment', 'quote')
		AND (engagement_text IS NULL OR engagement_text = '')`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count engagements missing text: %w", err)
	}
	return count, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func uniqueEngagerDIDs(rows []engagement.Engagement) []string {
	seen := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		seen[row.EngagerDID] = struct{}{}
	}
	dids := make([]string, 0, len(seen))
	for did := range seen {
		dids = append(dids, did)
	}
	sort.Strings(dids)
	return dids
}

func uniqueEngagementTypes(rows []engagement.Engagement) []string {
	seen := make(map[string]struct{}, 4)
	for _, row := range rows {
		seen[string(row.Type)] = struct{}{}
	}
	types := make([]string, 0, len(seen))
	for t := range seen {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func countSubscribers(rows []engagement.Engagement) int {
	n := 0
	for _, row := range rows {
		if row.IsSubscriber {
			n++
		}
	}
	return n
}
