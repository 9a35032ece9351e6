package store

import (
	"database/sql"
	"fmt"
)

// schemaStatements create the tables and indexes. Column names and constraints
// are kept bit-compatible with the existing compliance database so downstream
// analysis keeps working against the same file.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS engagements (
		timestamp TEXT NOT NULL,
		did_engagement TEXT NOT NULL,
		post_uri TEXT NOT NULL,
		post_author_handle TEXT NOT NULL,
		engagement_type TEXT NOT NULL,
		is_subscriber INTEGER NOT NULL DEFAULT 0,
		engagement_text TEXT,
		post_position INTEGER,
		position_feed_request_id INTEGER,
		position_age_seconds REAL,
		position_status TEXT,
		UNIQUE (timestamp, did_engagement, post_uri, engagement_type)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_engagements_did_time ON engagements(did_engagement, timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_engagements_post ON engagements(post_uri)`,
	`CREATE INDEX IF NOT EXISTS idx_engagements_time ON engagements(timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_engagements_subscriber_time ON engagements(is_subscriber, timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_engagements_position_status ON engagements(position_status)`,

	`CREATE TABLE IF NOT EXISTS feed_requests (
		request_id INTEGER PRIMARY KEY,
		requester_did TEXT NOT NULL,
		algo TEXT,
		timestamp TEXT NOT NULL,
		posts_json TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_feed_requests_did_time ON feed_requests(requester_did, timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_feed_requests_time ON feed_requests(timestamp)`,

	`CREATE TABLE IF NOT EXISTS feed_request_posts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id INTEGER NOT NULL,
		post_index INTEGER,
		post_uri TEXT,
		post_json TEXT,
		UNIQUE (request_id, post_uri),
		FOREIGN KEY (request_id) REFERENCES feed_requests(request_id) ON DELETE CASCADE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_feed_request_posts_request_uri ON feed_request_posts(request_id, post_uri)`,

	`CREATE TABLE IF NOT EXISTS posts (
		post_uri TEXT PRIMARY KEY,
		cid TEXT,
		author_did TEXT,
		author_handle TEXT,
		indexed_at TEXT,
		created_at TEXT,
		last_hydrated_at TEXT,
		hydration_status TEXT,
		hydration_error TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_posts_author_did ON posts(author_did)`,
	`CREATE INDEX IF NOT EXISTS idx_posts_hydration_status ON posts(hydration_status, last_hydrated_at)`,

	`CREATE TABLE IF NOT EXISTS subscriber_snapshots (
		snapshot_ts TEXT NOT NULL,
		last_checked_ts TEXT NOT NULL,
		did TEXT NOT NULL,
		handle TEXT,
		PRIMARY KEY (did, snapshot_ts)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_subscriber_snapshots_ts ON subscriber_snapshots(snapshot_ts)`,

	`CREATE TABLE IF NOT EXISTS subscriber_follow_counts (
		did TEXT NOT NULL,
		following_count INTEGER NOT NULL,
		snapshot_ts TEXT NOT NULL,
		PRIMARY KEY (did, following_count)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_follow_counts_snapshot ON subscriber_follow_counts(snapshot_ts)`,

	`CREATE TABLE IF NOT EXISTS cursors (
		service TEXT PRIMARY KEY,
		cursor_value INTEGER NOT NULL,
		updated_at TEXT NOT NULL
	)`,
}

func ensureSchema(db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema statement: %w", err)
		}
	}
	return nil
}
