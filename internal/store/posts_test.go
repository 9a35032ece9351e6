package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func insertPendingPost(t *testing.T, st *Store, uri string) {
	t.Helper()
	_, err := st.db.Exec(`INSERT INTO posts (post_uri, hydration_status) VALUES (?, 'pending')`, uri)
	require.NoError(t, err)
}

func TestPostsPendingHydration(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	insertPendingPost(t, st, "at://did:plc:bot/app.bsky.feed.post/1")
	insertPendingPost(t, st, "at://did:plc:bot/app.bsky.feed.post/2")

	// Hydrated and permanently-missing rows are not pending.
	_, err := st.db.Exec(`
		INSERT INTO posts (post_uri, author_did, author_handle, hydration_status) VALUES
		('at://did:plc:bot/app.bsky.feed.post/done', 'did:plc:bot', 'news-flows-nl.bsky.social', 'ok')`)
	require.NoError(t, err)
	_, err = st.db.Exec(`
		INSERT INTO posts (post_uri, hydration_status) VALUES
		('at://did:plc:bot/app.bsky.feed.post/gone', 'not_found')`)
	require.NoError(t, err)

	pending, err := st.PostsPendingHydration(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"at://did:plc:bot/app.bsky.feed.post/1",
		"at://did:plc:bot/app.bsky.feed.post/2",
	}, pending)

	limited, err := st.PostsPendingHydration(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

// Errored rows stay in the queue but sort behind never-attempted ones.
func TestPostsPendingHydration_ErroredRowsRetryLast(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	insertPendingPost(t, st, "at://did:plc:bot/app.bsky.feed.post/fresh")
	_, err := st.db.Exec(`
		INSERT INTO posts (post_uri, last_hydrated_at, hydration_status, hydration_error)
		VALUES ('at://did:plc:bot/app.bsky.feed.post/errored', '2024-02-01T10:00:00.000Z', 'error', 'boom')`)
	require.NoError(t, err)

	pending, err := st.PostsPendingHydration(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"at://did:plc:bot/app.bsky.feed.post/fresh",
		"at://did:plc:bot/app.bsky.feed.post/errored",
	}, pending)
}

func TestUpdatePostMetadata(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	uri := "at://did:plc:bot/app.bsky.feed.post/1"
	insertPendingPost(t, st, uri)

	hydratedAt := time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)
	err := st.UpdatePostMetadata(ctx, []PostMetadata{{
		URI:            uri,
		CID:            "bafy1",
		AuthorDID:      "did:plc:bot",
		AuthorHandle:   "news-flows-nl.bsky.social",
		IndexedAt:      "2024-01-31T09:00:00Z",
		CreatedAt:      "2024-01-31T08:59:00Z",
		HydrationState: HydrationOK,
	}}, hydratedAt)
	require.NoError(t, err)

	var (
		cid, authorDID, handle, indexedAt, createdAt, lastHydrated, status string
		hydrationError                                                     sql.NullString
	)
	require.NoError(t, st.db.QueryRow(`
		SELECT cid, author_did, author_handle, indexed_at, created_at, last_hydrated_at, hydration_status, hydration_error
		FROM posts WHERE post_uri = ?`, uri,
	).Scan(&cid, &authorDID, &handle, &indexedAt, &createdAt, &lastHydrated, &status, &hydrationError))

	assert.Equal(t, "bafy1", cid)
	assert.Equal(t, "did:plc:bot", authorDID)
	assert.Equal(t, "news-flows-nl.bsky.social", handle)
	assert.Equal(t, "2024-01-31T09:00:00Z", indexedAt)
	assert.Equal(t, "2024-01-31T08:59:00Z", createdAt)
	assert.Equal(t, formatStoredTime(hydratedAt), lastHydrated)
	assert.Equal(t, HydrationOK, status)
	assert.False(t, hydrationError.Valid)

	pending, err := st.PostsPendingHydration(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

// An error update must not erase a previously stored CID.
func TestUpdatePostMetadata_ErrorKeepsExistingFields(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	uri := "at://did:plc:bot/app.bsky.feed.post/1"
	_, err := st.db.Exec(`INSERT INTO posts (post_uri, cid, hydration_status) VALUES (?, 'bafy1', 'pending')`, uri)
	require.NoError(t, err)

	err = st.UpdatePostMetadata(ctx, []PostMetadata{{
		URI:            uri,
		HydrationState: HydrationError,
		HydrationError: "upstream timeout",
	}}, time.Now())
	require.NoError(t, err)

	var cid, status, hydrationError string
	require.NoError(t, st.db.QueryRow(
		`SELECT cid, hydration_status, hydration_error FROM posts WHERE post_uri = ?`, uri,
	).Scan(&cid, &status, &hydrationError))
	assert.Equal(t, "bafy1", cid)
	assert.Equal(t, HydrationError, status)
	assert.Equal(t, "upstream timeout", hydrationError)
}
