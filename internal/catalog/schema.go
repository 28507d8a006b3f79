package catalog

// Schema for the Silver catalog database. partition_versions is the version
// history; published is the pointer readers follow; write_intents is the
// per-key exclusive lease table; idempotency_keys makes Publish safe to
// retry with identical inputs.
var schemaSQL = []string{
	`CREATE TABLE IF NOT EXISTS partition_versions (
		partition_key TEXT NOT NULL,
		version INTEGER NOT NULL,
		object_path TEXT NOT NULL,
		meta_path TEXT NOT NULL,
		row_count INTEGER NOT NULL,
		size_bytes INTEGER NOT NULL,
		min_event_ts INTEGER,
		max_event_ts INTEGER,
		created_at INTEGER NOT NULL,
		superseded_at INTEGER,
		PRIMARY KEY (partition_key, version)
	)`,

	`CREATE TABLE IF NOT EXISTS published (
		partition_key TEXT PRIMARY KEY,
		version INTEGER NOT NULL,
		published_at INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS write_intents (
		partition_key TEXT PRIMARY KEY,
		holder TEXT NOT NULL,
		acquired_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS idempotency_keys (
		key TEXT PRIMARY KEY,
		partition_key TEXT NOT NULL,
		version INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_versions_superseded
		ON partition_versions(superseded_at)
		WHERE superseded_at IS NOT NULL`,
}
