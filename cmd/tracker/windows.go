package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/newsflows/bluesky-compliance/internal/store"
	"github.com/newsflows/bluesky-compliance/internal/window"
)

// defaultLookbackDays is used when no window is given and the table is empty.
const defaultLookbackDays = 7

// resolveWindow determines a run's window start. An explicit value (absolute
// timestamp or numeric days-ago) wins, then --days, then catch-up from the
// latest stored timestamp minus one second, then the default lookback.
func resolveWindow(ctx context.Context, st *store.Store, table, explicit string, days float64, logger *slog.Logger) (time.Time, error) {
	now := time.Now()
	if explicit != "" {
		return window.NormalizeSince(explicit, now)
	}
	if days > 0 {
		return window.SinceDays(days, now)
	}

	latest, ok, err := st.LatestTimestamp(ctx, table)
	if err != nil {
		return time.Time{}, err
	}
	if ok {
		// Step one second back so records sharing the boundary timestamp
		// are re-seen; inserts are idempotent.
		since := latest.Add(-time.Second)
		logger.Info("resuming from latest stored timestamp", "table", table, "since", since)
		return since, nil
	}
	return window.SinceDays(defaultLookbackDays, now)
}

// optionalWindow is resolveWindow for passes where no window means
// "everything": it returns nil unless a window was requested.
func optionalWindow(explicit string, days float64) (*time.Time, error) {
	now := time.Now()
	if explicit != "" {
		since, err := window.NormalizeSince(explicit, now)
		if err != nil {
			return nil, err
		}
		return &since, nil
	}
	if days > 0 {
		since, err := window.SinceDays(days, now)
		if err != nil {
			return nil, err
		}
		return &since, nil
	}
	return nil, nil
}
