package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newsflows/bluesky-compliance/internal/feedgen"
)

func feedPost(uri string, position int64) feedgen.RetrievalPost {
	raw := fmt.Sprintf(`{"uri":%q,"cid":"bafy","position":%d}`, uri, position)
	pos := position
	return feedgen.RetrievalPost{
		Raw:      json.RawMessage(raw),
		URI:      uri,
		CID:      "bafy",
		Position: &pos,
	}
}

func testRetrieval(id int64, did, timestamp string, uris ...string) feedgen.Retrieval {
	posts := make([]feedgen.RetrievalPost, len(uris))
	for i, uri := range uris {
		posts[i] = feedPost(uri, int64(i))
	}
	return feedgen.Retrieval{
		ID:           id,
		RequesterDID: did,
		Timestamp:    timestamp,
		Posts:        posts,
	}
}

func TestStoreFeedRetrievals(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	stored, err := st.StoreFeedRetrievals(ctx, []feedgen.Retrieval{
		testRetrieval(1, "did:plc:a", "2024-02-01T10:00:00.000Z",
			"at://did:plc:bot/app.bsky.feed.post/1",
			"at://did:plc:bot/app.bsky.feed.post/2",
		),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, stored)

	var requests, posts, placeholders int
	require.NoError(t, st.db.QueryRow(`SELECT COUNT(*) FROM feed_requests`).Scan(&requests))
	require.NoError(t, st.db.QueryRow(`SELECT COUNT(*) FROM feed_request_posts`).Scan(&posts))
	require.NoError(t, st.db.QueryRow(`SELECT COUNT(*) FROM posts WHERE hydration_status = 'pending'`).Scan(&placeholders))
	assert.Equal(t, 1, requests)
	assert.Equal(t, 2, posts)
	assert.Equal(t, 2, placeholders)
}

// A later snapshot for the same request id fully replaces the earlier one,
// children included.
func TestStoreFeedRetrievals_ReplaceCascades(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	_, err := st.StoreFeedRetrievals(ctx, []feedgen.Retrieval{
		testRetrieval(1, "did:plc:a", "2024-02-01T10:00:00.000Z",
			"at://did:plc:bot/app.bsky.feed.post/old",
		),
	})
	require.NoError(t, err)

	_, err = st.StoreFeedRetrievals(ctx, []feedgen.Retrieval{
		testRetrieval(1, "did:plc:a", "2024-02-01T10:00:00.000Z",
			"at://did:plc:bot/app.bsky.feed.post/new1",
			"at://did:plc:bot/app.bsky.feed.post/new2",
		),
	})
	require.NoError(t, err)

	var count int
	require.NoError(t, st.db.QueryRow(`SELECT COUNT(*) FROM feed_request_posts WHERE request_id = 1`).Scan(&count))
	assert.Equal(t, 2, count)

	var oldCount int
	require.NoError(t, st.db.QueryRow(
		`SELECT COUNT(*) FROM feed_request_posts WHERE post_uri = 'at://did:plc:bot/app.bsky.feed.post/old'`,
	).Scan(&oldCount))
	assert.Zero(t, oldCount, "replaced snapshot's children are gone")
}

func TestStoreFeedRetrievals_PlaceholderDoesNotDowngrade(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	uri := "at://did:plc:bot/app.bsky.feed.post/1"
	_, err := st.db.Exec(`
		INSERT INTO posts (post_uri, cid, author_did, author_handle, hydration_status)
		VALUES (?, 'bafyhydrated', 'did:plc:bot', 'news-flows-nl.bsky.social', 'ok')`, uri)
	require.NoError(t, err)

	_, err = st.StoreFeedRetrievals(ctx, []feedgen.Retrieval{
		testRetrieval(1, "did:plc:a", "2024-02-01T10:00:00.000Z", uri),
	})
	require.NoError(t, err)

	var status, cid string
	require.NoError(t, st.db.QueryRow(`SELECT hydration_status, cid FROM posts WHERE post_uri = ?`, uri).Scan(&status, &cid))
	assert.Equal(t, "ok", status, "hydrated row untouched")
	assert.Equal(t, "bafyhydrated", cid)
}

func TestSeedPostsFromFeed(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	_, err := st.StoreFeedRetrievals(ctx, []feedgen.Retrieval{
		testRetrieval(1, "did:plc:a", "2024-02-01T10:00:00.000Z",
			"at://did:plc:bot/app.bsky.feed.post/1",
		),
	})
	require.NoError(t, err)

	// Simulate a post row lost to older tooling.
	_, err = st.db.Exec(`DELETE FROM posts`)
	require.NoError(t, err)

	seeded, err := st.SeedPostsFromFeed(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), seeded)

	var status string
	require.NoError(t, st.db.QueryRow(`SELECT hydration_status FROM posts`).Scan(&status))
	assert.Equal(t, "pending", status)

	seeded, err = st.SeedPostsFromFeed(ctx)
	require.NoError(t, err)
	assert.Zero(t, seeded, "second pass finds nothing missing")
}

func TestRebuildPostIndices(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	_, err := st.StoreFeedRetrievals(ctx, []feedgen.Retrieval{
		testRetrieval(1, "did:plc:a", "2024-02-01T10:00:00.000Z",
			"at://did:plc:bot/app.bsky.feed.post/1",
			"at://did:plc:bot/app.bsky.feed.post/2",
		),
	})
	require.NoError(t, err)

	// Drift one index away from its payload, and add rows exercising the
	// odd payload shapes.
	_, err = st.db.Exec(`UPDATE feed_request_posts SET post_index = 9 WHERE post_uri = 'at://did:plc:bot/app.bsky.feed.post/2'`)
	require.NoError(t, err)
	_, err = st.db.Exec(`
		INSERT INTO feed_request_posts (request_id, post_index, post_uri, post_json) VALUES
		(1, NULL, 'at://did:plc:bot/app.bsky.feed.post/3', '{"uri":"at://did:plc:bot/app.bsky.feed.post/3"}'),
		(1, NULL, 'at://did:plc:bot/app.bsky.feed.post/4', '{"uri":"at://did:plc:bot/app.bsky.feed.post/4","position":"top"}'),
		(1, NULL, 'at://did:plc:bot/app.bsky.feed.post/5', 'not json')`)
	require.NoError(t, err)

	stats, err := st.RebuildPostIndices(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Scanned)
	assert.Equal(t, 1, stats.Updated)
	assert.Equal(t, 1, stats.MissingPosition)
	assert.Equal(t, 1, stats.InvalidPosition)
	assert.Equal(t, 1, stats.ParseErrors)

	var index sql.NullInt64
	require.NoError(t, st.db.QueryRow(
		`SELECT post_index FROM feed_request_posts WHERE post_uri = 'at://did:plc:bot/app.bsky.feed.post/2'`,
	).Scan(&index))
	require.True(t, index.Valid)
	assert.Equal(t, int64(1), index.Int64, "index restored from payload")
}
