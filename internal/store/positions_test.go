package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newsflows/bluesky-compliance/internal/engagement"
	"github.com/newsflows/bluesky-compliance/internal/feedgen"
)

const (
	matchEngager = "did:plc:subscriber"
	matchPostURI = "at://did:plc:bot/app.bsky.feed.post/target"
)

type positionRow struct {
	Status    string
	Position  sql.NullInt64
	RequestID sql.NullInt64
	Age       sql.NullFloat64
}

func queryPositionRow(t *testing.T, st *Store, postURI string) positionRow {
	t.Helper()
	var row positionRow
	require.NoError(t, st.db.QueryRow(`
		SELECT position_status, post_position, position_feed_request_id, position_age_seconds
		FROM engagements WHERE post_uri = ?`, postURI,
	).Scan(&row.Status, &row.Position, &row.RequestID, &row.Age))
	return row
}

func insertMatchFixture(t *testing.T, st *Store, engagementTS string, feeds ...feedgen.Retrieval) {
	t.Helper()
	ctx := context.Background()
	_, err := st.InsertEngagements(ctx, []engagement.Engagement{
		testEngagement(t, engagementTS, matchEngager, matchPostURI, engagement.TypeLike),
	})
	require.NoError(t, err)
	if len(feeds) > 0 {
		_, err = st.StoreFeedRetrievals(ctx, feeds)
		require.NoError(t, err)
	}
}

func TestMatchPositions_NearestPriorFeed(t *testing.T) {
	st := openTestStore(t)

	// Feeds at T=10:00 and T=10:20; engagement at T=10:15 matches the
	// earlier one, not the nearer later one.
	insertMatchFixture(t, st, "2024-02-01T10:15:00Z",
		testRetrieval(1, matchEngager, "2024-02-01T10:00:00.000Z",
			"at://did:plc:bot/app.bsky.feed.post/other", matchPostURI),
		testRetrieval(2, matchEngager, "2024-02-01T10:20:00.000Z", matchPostURI),
	)

	stats, err := st.MatchPositions(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Processed)
	assert.Equal(t, 1, stats.Matched)
	assert.Equal(t, map[string]int{PositionMatched: 1}, stats.StatusCounts)

	row := queryPositionRow(t, st, matchPostURI)
	assert.Equal(t, PositionMatched, row.Status)
	require.True(t, row.Position.Valid)
	assert.Equal(t, int64(1), row.Position.Int64, "position within the matched snapshot")
	require.True(t, row.RequestID.Valid)
	assert.Equal(t, int64(1), row.RequestID.Int64)
	require.True(t, row.Age.Valid)
	assert.InDelta(t, 900.0, row.Age.Float64, 0.001, "15 minutes between feed and engagement")
}

func TestMatchPositions_NoFeedRequest(t *testing.T) {
	st := openTestStore(t)
	insertMatchFixture(t, st, "2024-02-01T10:15:00Z")

	stats, err := st.MatchPositions(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{PositionNoFeedRequest: 1}, stats.StatusCounts)

	row := queryPositionRow(t, st, matchPostURI)
	assert.Equal(t, PositionNoFeedRequest, row.Status)
	assert.False(t, row.RequestID.Valid, "no snapshot was chosen")
}

// Feeds that all postdate the engagement mean no snapshot had been served
// yet, same as having no feeds at all.
func TestMatchPositions_OnlyLaterFeeds(t *testing.T) {
	st := openTestStore(t)
	insertMatchFixture(t, st, "2024-02-01T10:15:00Z",
		testRetrieval(1, matchEngager, "2024-02-01T10:30:00.000Z", matchPostURI),
	)

	stats, err := st.MatchPositions(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{PositionNoFeedRequest: 1}, stats.StatusCounts)

	row := queryPositionRow(t, st, matchPostURI)
	assert.Equal(t, PositionNoFeedRequest, row.Status)
	assert.False(t, row.RequestID.Valid)
}

func TestMatchPositions_EmptyFeedPosts(t *testing.T) {
	st := openTestStore(t)
	insertMatchFixture(t, st, "2024-02-01T10:15:00Z",
		testRetrieval(1, matchEngager, "2024-02-01T10:00:00.000Z"),
	)

	stats, err := st.MatchPositions(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{PositionEmptyFeedPosts: 1}, stats.StatusCounts)

	row := queryPositionRow(t, st, matchPostURI)
	require.True(t, row.RequestID.Valid, "chosen snapshot is recorded")
	assert.Equal(t, int64(1), row.RequestID.Int64)
}

func TestMatchPositions_PostNotInFeed(t *testing.T) {
	st := openTestStore(t)
	insertMatchFixture(t, st, "2024-02-01T10:15:00Z",
		testRetrieval(1, matchEngager, "2024-02-01T10:00:00.000Z",
			"at://did:plc:bot/app.bsky.feed.post/other"),
	)

	stats, err := st.MatchPositions(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{PositionPostNotInFeed: 1}, stats.StatusCounts)

	row := queryPositionRow(t, st, matchPostURI)
	require.True(t, row.RequestID.Valid, "chosen snapshot is recorded")
	assert.Equal(t, int64(1), row.RequestID.Int64)
}

// A snapshot row that never got an index cannot produce a match; the engaged
// post counts as absent until rebuild-index restores the index from the
// payload.
func TestMatchPositions_NullIndexIsNotInFeed(t *testing.T) {
	st := openTestStore(t)
	insertMatchFixture(t, st, "2024-02-01T10:15:00Z",
		testRetrieval(1, matchEngager, "2024-02-01T10:00:00.000Z", matchPostURI),
	)
	_, err := st.db.Exec(`UPDATE feed_request_posts SET post_index = NULL WHERE post_uri = ?`, matchPostURI)
	require.NoError(t, err)

	stats, err := st.MatchPositions(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{PositionPostNotInFeed: 1}, stats.StatusCounts)

	row := queryPositionRow(t, st, matchPostURI)
	assert.Equal(t, PositionPostNotInFeed, row.Status)
	assert.False(t, row.Position.Valid)
	require.True(t, row.RequestID.Valid)
	assert.Equal(t, int64(1), row.RequestID.Int64)
}

func TestMatchPositions_InvalidFeedTimestamp(t *testing.T) {
	st := openTestStore(t)
	insertMatchFixture(t, st, "2024-02-01T10:15:00Z")

	// A feed row whose timestamp never parses is still the nearest prior
	// candidate and surfaces as invalid rather than vanishing.
	_, err := st.db.Exec(`
		INSERT INTO feed_requests (request_id, requester_did, algo, timestamp, posts_json)
		VALUES (1, ?, NULL, 'garbage', '[]')`, matchEngager)
	require.NoError(t, err)

	stats, err := st.MatchPositions(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{PositionInvalidFeed: 1}, stats.StatusCounts)

	row := queryPositionRow(t, st, matchPostURI)
	require.True(t, row.RequestID.Valid, "chosen snapshot is recorded")
	assert.Equal(t, int64(1), row.RequestID.Int64)
}

func TestMatchPositions_InvalidEngagementTimestamp(t *testing.T) {
	st := openTestStore(t)

	_, err := st.db.Exec(`
		INSERT INTO engagements (timestamp, did_engagement, post_uri, post_author_handle, engagement_type, is_subscriber)
		VALUES ('not a timestamp', ?, ?, 'news-flows-nl.bsky.social', 'like', 1)`, matchEngager, matchPostURI)
	require.NoError(t, err)

	stats, err := st.MatchPositions(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{PositionInvalidEngagement: 1}, stats.StatusCounts)
}

func TestMatchPositions_MissingPostURI(t *testing.T) {
	st := openTestStore(t)

	_, err := st.db.Exec(`
		INSERT INTO engagements (timestamp, did_engagement, post_uri, post_author_handle, engagement_type, is_subscriber)
		VALUES ('2024-02-01T10:15:00.000Z', ?, '', 'news-flows-nl.bsky.social', 'like', 1)`, matchEngager)
	require.NoError(t, err)

	stats, err := st.MatchPositions(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{PositionMissingPostURI: 1}, stats.StatusCounts)
}

func TestMatchPositions_NonSubscribersSkipped(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	row := testEngagement(t, "2024-02-01T10:15:00Z", matchEngager, matchPostURI, engagement.TypeLike)
	row.IsSubscriber = false
	_, err := st.InsertEngagements(ctx, []engagement.Engagement{row})
	require.NoError(t, err)

	stats, err := st.MatchPositions(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, stats.Processed)
}

// A second pass leaves matched rows alone and retries only the rest.
func TestMatchPositions_IncrementalRerun(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	insertMatchFixture(t, st, "2024-02-01T10:15:00Z",
		testRetrieval(1, matchEngager, "2024-02-01T10:00:00.000Z", matchPostURI),
	)
	unmatched := testEngagement(t, "2024-02-01T09:00:00Z", matchEngager,
		"at://did:plc:bot/app.bsky.feed.post/early", engagement.TypeLike)
	_, err := st.InsertEngagements(ctx, []engagement.Engagement{unmatched})
	require.NoError(t, err)

	stats, err := st.MatchPositions(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Processed)
	assert.Equal(t, 1, stats.Matched)
	assert.Equal(t, 1, stats.StatusCounts[PositionNoFeedRequest])

	// A feed arrives that covers the earlier engagement; only that row is
	// reprocessed.
	_, err = st.StoreFeedRetrievals(ctx, []feedgen.Retrieval{
		testRetrieval(2, matchEngager, "2024-02-01T08:55:00.000Z",
			"at://did:plc:bot/app.bsky.feed.post/early"),
	})
	require.NoError(t, err)

	stats, err = st.MatchPositions(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Processed)
	assert.Equal(t, 1, stats.Matched)

	row := queryPositionRow(t, st, "at://did:plc:bot/app.bsky.feed.post/early")
	assert.Equal(t, PositionMatched, row.Status)
	require.True(t, row.RequestID.Valid)
	assert.Equal(t, int64(2), row.RequestID.Int64)
}

func TestMatchPositions_SinceFilter(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	_, err := st.InsertEngagements(ctx, []engagement.Engagement{
		testEngagement(t, "2024-01-15T10:00:00Z", matchEngager, "at://did:plc:bot/app.bsky.feed.post/old", engagement.TypeLike),
		testEngagement(t, "2024-02-01T10:00:00Z", matchEngager, "at://did:plc:bot/app.bsky.feed.post/new", engagement.TypeLike),
	})
	require.NoError(t, err)

	since := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	stats, err := st.MatchPositions(ctx, &since)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Processed, "pre-window rows untouched")
}
