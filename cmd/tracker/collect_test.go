package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newsflows/bluesky-compliance/internal/bluesky"
	"github.com/newsflows/bluesky-compliance/internal/collector"
	"github.com/newsflows/bluesky-compliance/internal/engagement"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeWalker struct {
	mu      sync.Mutex
	walked  []string
	records map[string][]bluesky.RawRecord
	err     error
}

func (f *fakeWalker) Collect(_ context.Context, did, collection string) ([]bluesky.RawRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.walked = append(f.walked, did)
	if f.err != nil {
		return nil, f.err
	}
	return f.records[did+"/"+collection], nil
}

type fakeChecker struct {
	missing map[string]bool
	err     error
}

func (f *fakeChecker) ProfileExists(_ context.Context, actor string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return !f.missing[actor], nil
}

func testClassifier() *engagement.Classifier {
	return engagement.NewClassifier(
		time.Unix(0, 0),
		map[string]string{"did:plc:bot": "news-flows-nl.bsky.social"},
		map[string]struct{}{"did:plc:alice": {}, "did:plc:bob": {}},
		engagement.AllOptions(),
	)
}

func likeRawRecord(t *testing.T) bluesky.RawRecord {
	t.Helper()
	value, err := json.Marshal(map[string]any{
		"$type":     "app.bsky.feed.like",
		"subject":   map[string]any{"uri": "at://did:plc:bot/app.bsky.feed.post/1"},
		"createdAt": "2024-02-01T10:00:00Z",
	})
	require.NoError(t, err)
	return bluesky.RawRecord{
		URI:   "at://did:plc:alice/app.bsky.feed.like/3kabc",
		CID:   "bafy",
		Value: value,
	}
}

func TestCollectEngagements(t *testing.T) {
	walker := &fakeWalker{records: map[string][]bluesky.RawRecord{
		"did:plc:alice/" + engagement.CollectionLike: {likeRawRecord(t)},
	}}
	checker := &fakeChecker{}

	rows, failed := collectEngagements(context.Background(), walker, checker, testClassifier(),
		[]string{"did:plc:alice"}, []string{engagement.CollectionLike}, 2, discardLogger())
	assert.Zero(t, failed)
	require.Len(t, rows, 1)
	assert.Equal(t, engagement.TypeLike, rows[0].Type)
	assert.Equal(t, "did:plc:alice", rows[0].EngagerDID)
}

// An actor whose profile no longer resolves is skipped before any repository
// walk, and is not counted as a failure.
func TestCollectEngagements_MissingProfileSkipped(t *testing.T) {
	walker := &fakeWalker{records: map[string][]bluesky.RawRecord{
		"did:plc:bob/" + engagement.CollectionLike: {likeRawRecord(t)},
	}}
	checker := &fakeChecker{missing: map[string]bool{"did:plc:alice": true}}

	_, failed := collectEngagements(context.Background(), walker, checker, testClassifier(),
		[]string{"did:plc:alice", "did:plc:bob"}, []string{engagement.CollectionLike}, 1, discardLogger())
	assert.Zero(t, failed)
	assert.Equal(t, []string{"did:plc:bob"}, walker.walked)
}

func TestCollectEngagements_ProfileCheckFailureCounted(t *testing.T) {
	walker := &fakeWalker{}
	checker := &fakeChecker{err: errors.New("upstream down")}

	rows, failed := collectEngagements(context.Background(), walker, checker, testClassifier(),
		[]string{"did:plc:alice"}, []string{engagement.CollectionLike}, 1, discardLogger())
	assert.Equal(t, 1, failed)
	assert.Empty(t, rows)
	assert.Empty(t, walker.walked)
}

func TestCollectEngagements_WalkFailureIsolated(t *testing.T) {
	walker := &fakeWalker{err: collector.ErrEndpointUnresolved}
	checker := &fakeChecker{}

	rows, failed := collectEngagements(context.Background(), walker, checker, testClassifier(),
		[]string{"did:plc:alice", "did:plc:bob"}, []string{engagement.CollectionLike}, 1, discardLogger())
	assert.Equal(t, 2, failed)
	assert.Empty(t, rows)
}
