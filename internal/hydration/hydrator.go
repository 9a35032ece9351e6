// Package hydration fills in author metadata for post URIs observed in feed
// snapshots, batching lookups against the public AppView.
package hydration

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/newsflows/bluesky-compliance/internal/bluesky"
	"github.com/newsflows/bluesky-compliance/internal/store"
)

// PostFetcher hydrates a batch of post URIs.
type PostFetcher interface {
	GetPosts(ctx context.Context, uris []string) ([]bluesky.PostView, error)
}

// PostStore is the bookkeeping side: which URIs still need metadata, and
// where results land.
type PostStore interface {
	PostsPendingHydration(ctx context.Context, limit int) ([]string, error)
	UpdatePostMetadata(ctx context.Context, updates []store.PostMetadata, hydratedAt time.Time) error
}

// Stats summarizes one hydration run.
type Stats struct {
	Attempted int
	Hydrated  int
	NotFound  int
	Errors    int
}

// Hydrator drains the pending-hydration queue in AppView-sized batches.
type Hydrator struct {
	fetcher PostFetcher
	posts   PostStore
	logger  *slog.Logger
}

func New(fetcher PostFetcher, posts PostStore, logger *slog.Logger) *Hydrator {
	return &Hydrator{fetcher: fetcher, posts: posts, logger: logger}
}

// Run hydrates up to limit pending posts (everything pending when limit is
// non-positive). A URI the AppView omits from its response is marked
// not_found and never retried; a failed batch marks its URIs with an error
// status so the next run picks them up again.
func (h *Hydrator) Run(ctx context.Context, limit int) (Stats, error) {
	var stats Stats

	pending, err := h.posts.PostsPendingHydration(ctx, limit)
	if err != nil {
		return stats, fmt.Errorf("list pending posts: %w", err)
	}
	if len(pending) == 0 {
		return stats, nil
	}
	h.logger.Info("hydrating posts", "pending", len(pending))

	for start := 0; start < len(pending); start += bluesky.GetPostsBatchLimit {
		end := start + bluesky.GetPostsBatchLimit
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]
		stats.Attempted += len(batch)

		if err := h.hydrateBatch(ctx, batch, &stats); err != nil {
			return stats, err
		}
	}

	h.logger.Info("hydration complete",
		"attempted", stats.Attempted,
		"hydrated", stats.Hydrated,
		"not_found", stats.NotFound,
		"errors", stats.Errors,
	)
	return stats, nil
}

func (h *Hydrator) hydrateBatch(ctx context.Context, uris []string, stats *Stats) error {
	now := time.Now()

	views, err := h.fetcher.GetPosts(ctx, uris)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		stats.Errors += len(uris)
		h.logger.Warn("post batch fetch failed", "batch_size", len(uris), "error", err)
		updates := make([]store.PostMetadata, 0, len(uris))
		for _, uri := range uris {
			updates = append(updates, store.PostMetadata{
				URI:            uri,
				HydrationState: store.HydrationError,
				HydrationError: err.Error(),
			})
		}
		if err := h.posts.UpdatePostMetadata(ctx, updates, now); err != nil {
			return fmt.Errorf("record batch failure: %w", err)
		}
		return nil
	}

	byURI := make(map[string]bluesky.PostView, len(views))
	for _, view := range views {
		byURI[view.URI] = view
	}

	updates := make([]store.PostMetadata, 0, len(uris))
	for _, uri := range uris {
		view, found := byURI[uri]
		if !found {
			// The AppView silently drops deleted and blocked posts.
			stats.NotFound++
			updates = append(updates, store.PostMetadata{
				URI:            uri,
				HydrationState: store.HydrationNotFound,
			})
			continue
		}
		stats.Hydrated++
		updates = append(updates, store.PostMetadata{
			URI:            uri,
			CID:            view.CID,
			AuthorDID:      view.Author.DID,
			AuthorHandle:   view.Author.Handle,
			IndexedAt:      view.IndexedAt,
			CreatedAt:      view.CreatedAt(),
			HydrationState: store.HydrationOK,
		})
	}

	if err := h.posts.UpdatePostMetadata(ctx, updates, now); err != nil {
		return fmt.Errorf("store hydration results: %w", err)
	}
	return nil
}
