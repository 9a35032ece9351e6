package hydration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newsflows/bluesky-compliance/internal/bluesky"
	"github.com/newsflows/bluesky-compliance/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeFetcher struct {
	batches [][]string
	views   map[string]bluesky.PostView
	err     error
}

func (f *fakeFetcher) GetPosts(_ context.Context, uris []string) ([]bluesky.PostView, error) {
	f.batches = append(f.batches, uris)
	if f.err != nil {
		return nil, f.err
	}
	var views []bluesky.PostView
	for _, uri := range uris {
		if view, ok := f.views[uri]; ok {
			views = append(views, view)
		}
	}
	return views, nil
}

type fakePostStore struct {
	pending []string
	updates []store.PostMetadata
}

func (f *fakePostStore) PostsPendingHydration(_ context.Context, limit int) ([]string, error) {
	if limit > 0 && limit < len(f.pending) {
		return f.pending[:limit], nil
	}
	return f.pending, nil
}

func (f *fakePostStore) UpdatePostMetadata(_ context.Context, updates []store.PostMetadata, _ time.Time) error {
	f.updates = append(f.updates, updates...)
	return nil
}

func postView(uri, authorDID, handle string) bluesky.PostView {
	view := bluesky.PostView{
		URI:       uri,
		CID:       "bafy",
		IndexedAt: "2024-02-01T10:00:00Z",
		Record:    []byte(`{"createdAt":"2024-02-01T09:59:00Z"}`),
	}
	view.Author.DID = authorDID
	view.Author.Handle = handle
	return view
}

func TestRun_HydratesAndMarksMissing(t *testing.T) {
	found := "at://did:plc:bot/app.bsky.feed.post/found"
	missing := "at://did:plc:bot/app.bsky.feed.post/deleted"

	fetcher := &fakeFetcher{views: map[string]bluesky.PostView{
		found: postView(found, "did:plc:bot", "news-flows-nl.bsky.social"),
	}}
	posts := &fakePostStore{pending: []string{found, missing}}

	stats, err := New(fetcher, posts, discardLogger()).Run(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, Stats{Attempted: 2, Hydrated: 1, NotFound: 1}, stats)

	require.Len(t, posts.updates, 2)
	assert.Equal(t, store.PostMetadata{
		URI:            found,
		CID:            "bafy",
		AuthorDID:      "did:plc:bot",
		AuthorHandle:   "news-flows-nl.bsky.social",
		IndexedAt:      "2024-02-01T10:00:00Z",
		CreatedAt:      "2024-02-01T09:59:00Z",
		HydrationState: store.HydrationOK,
	}, posts.updates[0])
	assert.Equal(t, store.HydrationNotFound, posts.updates[1].HydrationState)
}

func TestRun_SplitsIntoBatches(t *testing.T) {
	var pending []string
	views := make(map[string]bluesky.PostView)
	for i := 0; i < bluesky.GetPostsBatchLimit+5; i++ {
		uri := fmt.Sprintf("at://did:plc:bot/app.bsky.feed.post/%02d", i)
		pending = append(pending, uri)
		views[uri] = postView(uri, "did:plc:bot", "news-flows-nl.bsky.social")
	}

	fetcher := &fakeFetcher{views: views}
	posts := &fakePostStore{pending: pending}

	stats, err := New(fetcher, posts, discardLogger()).Run(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, len(pending), stats.Attempted)
	require.Len(t, fetcher.batches, 2)
	assert.Len(t, fetcher.batches[0], bluesky.GetPostsBatchLimit)
	assert.Len(t, fetcher.batches[1], 5)
}

// A failed batch marks its URIs with an error status so the next run retries
// them, and does not abort the run.
func TestRun_BatchFailureRecorded(t *testing.T) {
	uri := "at://did:plc:bot/app.bsky.feed.post/1"
	fetcher := &fakeFetcher{err: errors.New("upstream down")}
	posts := &fakePostStore{pending: []string{uri}}

	stats, err := New(fetcher, posts, discardLogger()).Run(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, Stats{Attempted: 1, Errors: 1}, stats)

	require.Len(t, posts.updates, 1)
	assert.Equal(t, store.HydrationError, posts.updates[0].HydrationState)
	assert.Equal(t, "upstream down", posts.updates[0].HydrationError)
}

func TestRun_NothingPending(t *testing.T) {
	fetcher := &fakeFetcher{}
	posts := &fakePostStore{}

	stats, err := New(fetcher, posts, discardLogger()).Run(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, stats.Attempted)
	assert.Empty(t, fetcher.batches)
}
