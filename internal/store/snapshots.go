package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"
)

// StoreSubscriberSnapshot records subscriber-set membership with change-driven
// compaction, evaluated per DID: if the latest stored state for a DID matches
// the observation, only last_checked_ts advances; otherwise a new history row
// is inserted. Returns (inserted, refreshed).
func (s *Store) StoreSubscriberSnapshot(ctx context.Context, subscribers map[string]string, at time.Time) (int, int, error) {
	if len(subscribers) == 0 {
		return 0, 0, nil
	}
	snapshotTS := formatStoredTime(at)

	dids := make([]string, 0, len(subscribers))
	for did := range subscribers {
		dids = append(dids, did)
	}
	sort.Strings(dids)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	inserted, refreshed := 0, 0
	for _, did := range dids {
		handle := subscribers[did]

		var (
			latestHandle sql.NullString
			latestTS     string
		)
		err := tx.QueryRowContext(ctx, `
			SELECT handle, snapshot_ts FROM subscriber_snapshots
			WHERE did = ? ORDER BY snapshot_ts DESC LIMIT 1`, did,
		).Scan(&latestHandle, &latestTS)
		switch {
		case err == sql.ErrNoRows:
			// no prior state
		case err != nil:
			return 0, 0, fmt.Errorf("query latest snapshot for %s: %w", did, err)
		case latestHandle.String == handle:
			_, err := tx.ExecContext(ctx, `
				UPDATE subscriber_snapshots SET last_checked_ts = ?
				WHERE did = ? AND snapshot_ts = ?`,
				snapshotTS, did, latestTS,
			)
			if err != nil {
				return 0, 0, fmt.Errorf("refresh snapshot for %s: %w", did, err)
			}
			refreshed++
			continue
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO subscriber_snapshots (snapshot_ts, last_checked_ts, did, handle)
			VALUES (?, ?, ?, ?)`,
			snapshotTS, snapshotTS, did, nullIfEmpty(handle),
		)
		if err != nil {
			return 0, 0, fmt.Errorf("insert snapshot for %s: %w", did, err)
		}
		inserted++
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit transaction: %w", err)
	}

	s.recordAudit("subscriber_snapshots", map[string]any{
		"snapshot_ts":      snapshotTS,
		"subscriber_count": len(dids),
		"inserted":         inserted,
		"updated":          refreshed,
	})
	return inserted, refreshed, nil
}

// StoreFollowCounts records per-subscriber following counts with the same
// change-driven pattern specialized to a single integer: an unchanged count
// only advances its recency timestamp, a new distinct count inserts a history
// row. Returns (inserted, refreshed).
func (s *Store) StoreFollowCounts(ctx context.Context, counts map[string]int64, at time.Time) (int, int, error) {
	if len(counts) == 0 {
		return 0, 0, nil
	}
	snapshotTS := formatStoredTime(at)

	dids := make([]string, 0, len(counts))
	for did := range counts {
		dids = append(dids, did)
	}
	sort.Strings(dids)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	inserted, refreshed := 0, 0
	for _, did := range dids {
		count := counts[did]
		res, err := tx.ExecContext(ctx, `
			UPDATE subscriber_follow_counts SET snapshot_ts = ?
			WHERE did = ? AND following_count = ?`,
			snapshotTS, did, count,
		)
		if err != nil {
			return 0, 0, fmt.Errorf("refresh follow count for %s: %w", did, err)
		}
		if affected, _ := res.RowsAffected(); affected > 0 {
			refreshed += int(affected)
			continue
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO subscriber_follow_counts (did, following_count, snapshot_ts)
			VALUES (?, ?, ?)`,
			did, count, snapshotTS,
		)
		if err != nil {
			return 0, 0, fmt.Errorf("insert follow count for %s: %w", did, err)
		}
		inserted++
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit transaction: %w", err)
	}

	if inserted > 0 || refreshed > 0 {
		s.recordAudit("subscriber_follow_counts", map[string]any{
			"snapshot_ts": snapshotTS,
			"inserted":    inserted,
			"updated":     refreshed,
		})
	}
	return inserted, refreshed, nil
}

// LatestFollowCounts returns the most recent following count per DID.
func (s *Store) LatestFollowCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sfc.did, sfc.following_count
		FROM subscriber_follow_counts sfc
		JOIN (
			SELECT did, MAX(snapshot_ts) AS latest_ts
			FROM subscriber_follow_counts
			GROUP BY did
		) latest ON latest.did = sfc.did AND latest.latest_ts = sfc.snapshot_ts`)
	if err != nil {
		return nil, fmt.Errorf("query latest follow counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var (
			did   string
			count int64
		)
		if err := rows.Scan(&did, &count); err != nil {
			return nil, fmt.Errorf("scan follow count: %w", err)
		}
		counts[did] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate follow counts: %w", err)
	}
	return counts, nil
}

// FollowCountRow is one history entry for a DID's following count.
type FollowCountRow struct {
	DID            string
	FollowingCount int64
	SnapshotTS     string
}

// FollowCountHistory returns follow-count rows, newest first. With a DID it
// returns that subscriber's history; without, the latest row per subscriber.
func (s *Store) FollowCountHistory(ctx context.Context, did string, limit int) ([]FollowCountRow, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if did != "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT did, following_count, snapshot_ts FROM subscriber_follow_counts
			WHERE did = ? ORDER BY snapshot_ts DESC LIMIT ?`, did, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT did, following_count, snapshot_ts FROM subscriber_follow_counts
			WHERE (did, snapshot_ts) IN (
				SELECT did, MAX(snapshot_ts) FROM subscriber_follow_counts GROUP BY did
			) ORDER BY snapshot_ts DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query follow count history: %w", err)
	}
	defer rows.Close()

	var history []FollowCountRow
	for rows.Next() {
		var row FollowCountRow
		if err := rows.Scan(&row.DID, &row.FollowingCount, &row.SnapshotTS); err != nil {
			return nil, fmt.Errorf("scan follow count row: %w", err)
		}
		history = append(history, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate follow count history: %w", err)
	}
	return history, nil
}
