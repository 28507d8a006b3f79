// Package catalog manages Silver partition metadata: the version history
// per partition key, the atomically swapped published-version pointer, and
// the write-intent leases that serialize writers per key.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	silverrors "github.com/silvermill/silvermill/internal/errors"
)

// VersionRecord describes one immutable Silver partition version.
type VersionRecord struct {
	PartitionKey string
	Version      int64
	ObjectPath   string
	MetaPath     string
	RowCount     int64
	SizeBytes    int64
	MinEventTS   time.Time
	MaxEventTS   time.Time
	CreatedAt    time.Time
	SupersededAt *time.Time
}

// Catalog is the metadata service the compactor and backfill coordinator
// publish through. Readers only ever observe fully published versions.
type Catalog interface {
	// PublishedVersion returns the currently published version for a key,
	// or nil if the key has never been published.
	PublishedVersion(ctx context.Context, partitionKey string) (*VersionRecord, error)

	// Versions returns the full version history for a key, oldest first.
	Versions(ctx context.Context, partitionKey string) ([]*VersionRecord, error)

	// Publish atomically registers rec and swaps the published pointer to
	// it, superseding the prior version. rec.Version must be exactly one
	// past the published version. If idempotencyKey was already used the
	// previously published version number is returned without any writes.
	// holder must own the key's write intent if one exists.
	Publish(ctx context.Context, rec *VersionRecord, idempotencyKey, holder string) (int64, error)

	// AcquireIntent takes the exclusive write-intent lease for a key.
	// Returns a WRITE_INTENT_CONFLICT error while another holder's
	// unexpired lease exists. Re-acquiring one's own lease extends it.
	AcquireIntent(ctx context.Context, partitionKey, holder string, ttl time.Duration) error

	// RenewIntent extends the lease; long jobs call this periodically so
	// expiry only fires for crashed holders.
	RenewIntent(ctx context.Context, partitionKey, holder string, ttl time.Duration) error

	// ReleaseIntent drops the lease. Releasing a lease that is missing or
	// held by someone else is a no-op, so release is safe in defer paths.
	ReleaseIntent(ctx context.Context, partitionKey, holder string) error

	// SupersededBefore returns versions superseded before cutoff, for GC.
	SupersededBefore(ctx context.Context, cutoff time.Time) ([]*VersionRecord, error)

	// DeleteVersion removes a version row after its objects are deleted.
	DeleteVersion(ctx context.Context, partitionKey string, version int64) error

	// Close closes the catalog database.
	Close() error
}

// SQLiteCatalog implements Catalog using SQLite.
type SQLiteCatalog struct {
	db     *sql.DB // single-writer connection
	readDB *sql.DB // concurrent reader pool
	mu     sync.Mutex

	// now is swappable for lease-expiry tests.
	now func() time.Time
}

// NewCatalog opens (creating if necessary) the catalog database at dbPath.
func NewCatalog(dbPath string) (*SQLiteCatalog, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	readDB, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&mode=ro")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: failed to open read database: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)

	c := &SQLiteCatalog{db: db, readDB: readDB, now: time.Now}

	for _, stmt := range schemaSQL {
		if _, err := c.db.Exec(stmt); err != nil {
			readDB.Close()
			db.Close()
			return nil, fmt.Errorf("catalog: failed to initialize schema: %w", err)
		}
	}

	return c, nil
}

// PublishedVersion returns the currently published version record for a key.
func (c *SQLiteCatalog) PublishedVersion(ctx context.Context, partitionKey string) (*VersionRecord, error) {
	var version int64
	err := c.readDB.QueryRowContext(ctx,
		"SELECT version FROM published WHERE partition_key = ?", partitionKey,
	).Scan(&version)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to read published pointer: %w", err)
	}

	return c.getVersion(ctx, partitionKey, version)
}

// Versions returns the full version history for a key, oldest first.
func (c *SQLiteCatalog) Versions(ctx context.Context, partitionKey string) ([]*VersionRecord, error) {
	rows, err := c.readDB.QueryContext(ctx, `
		SELECT partition_key, version, object_path, meta_path,
			row_count, size_bytes, min_event_ts, max_event_ts,
			created_at, superseded_at
		FROM partition_versions
		WHERE partition_key = ?
		ORDER BY version`, partitionKey)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to query versions: %w", err)
	}
	defer rows.Close()

	var records []*VersionRecord
	for rows.Next() {
		rec, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: error iterating versions: %w", err)
	}
	return records, nil
}

// Publish registers a new version and swaps the published pointer in a
// single transaction. This is the one commit point in the system: before
// the transaction commits the prior version stays visible, after it only
// the new one is.
func (c *SQLiteCatalog) Publish(ctx context.Context, rec *VersionRecord, idempotencyKey, holder string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now().UTC()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, silverrors.NewCatalogError(silverrors.CodeCatalogPublishFailure,
			"failed to begin publish transaction", err)
	}
	defer tx.Rollback()

	// Retried publish with the same inputs returns the recorded outcome.
	var existing int64
	err = tx.QueryRowContext(ctx,
		"SELECT version FROM idempotency_keys WHERE key = ?", idempotencyKey,
	).Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if err != sql.ErrNoRows {
		return 0, silverrors.NewCatalogError(silverrors.CodeCatalogPublishFailure,
			"failed to check idempotency key", err)
	}

	// An unexpired intent held by someone else blocks the publish.
	var intentHolder string
	var expiresAt int64
	err = tx.QueryRowContext(ctx,
		"SELECT holder, expires_at FROM write_intents WHERE partition_key = ?", rec.PartitionKey,
	).Scan(&intentHolder, &expiresAt)
	if err != nil && err != sql.ErrNoRows {
		return 0, silverrors.NewCatalogError(silverrors.CodeCatalogPublishFailure,
			"failed to check write intent", err)
	}
	if err == nil && intentHolder != holder && now.Unix() < expiresAt {
		return 0, silverrors.New(silverrors.ErrCategoryCatalog, silverrors.CodeWriteIntentConflict,
			fmt.Sprintf("partition %s write intent held by %s", rec.PartitionKey, intentHolder))
	}

	// Versions are strictly monotone per key: the new version must be
	// exactly one past the published pointer.
	var published sql.NullInt64
	err = tx.QueryRowContext(ctx,
		"SELECT version FROM published WHERE partition_key = ?", rec.PartitionKey,
	).Scan(&published)
	if err != nil && err != sql.ErrNoRows {
		return 0, silverrors.NewCatalogError(silverrors.CodeCatalogPublishFailure,
			"failed to read published pointer", err)
	}
	var prior int64
	if published.Valid {
		prior = published.Int64
	}
	if rec.Version != prior+1 {
		return 0, silverrors.New(silverrors.ErrCategoryCatalog, silverrors.CodeVersionConflict,
			fmt.Sprintf("partition %s: publishing version %d but published is %d",
				rec.PartitionKey, rec.Version, prior))
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO partition_versions (
			partition_key, version, object_path, meta_path,
			row_count, size_bytes, min_event_ts, max_event_ts, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.PartitionKey, rec.Version, rec.ObjectPath, rec.MetaPath,
		rec.RowCount, rec.SizeBytes, rec.MinEventTS.Unix(), rec.MaxEventTS.Unix(),
		now.Unix(),
	); err != nil {
		return 0, silverrors.NewCatalogError(silverrors.CodeCatalogPublishFailure,
			"failed to insert version", err)
	}

	if prior > 0 {
		if _, err := tx.ExecContext(ctx,
			"UPDATE partition_versions SET superseded_at = ? WHERE partition_key = ? AND version = ?",
			now.Unix(), rec.PartitionKey, prior,
		); err != nil {
			return 0, silverrors.NewCatalogError(silverrors.CodeCatalogPublishFailure,
				"failed to supersede prior version", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO published (partition_key, version, published_at) VALUES (?, ?, ?)
		ON CONFLICT(partition_key) DO UPDATE SET version = excluded.version, published_at = excluded.published_at`,
		rec.PartitionKey, rec.Version, now.Unix(),
	); err != nil {
		return 0, silverrors.NewCatalogError(silverrors.CodeCatalogPublishFailure,
			"failed to swap published pointer", err)
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO idempotency_keys (key, partition_key, version, created_at) VALUES (?, ?, ?, ?)",
		idempotencyKey, rec.PartitionKey, rec.Version, now.Unix(),
	); err != nil {
		return 0, silverrors.NewCatalogError(silverrors.CodeCatalogPublishFailure,
			"failed to insert idempotency key", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, silverrors.NewCatalogError(silverrors.CodeCatalogPublishFailure,
			"failed to commit publish", err)
	}

	return rec.Version, nil
}

// SupersededBefore returns versions superseded before cutoff.
func (c *SQLiteCatalog) SupersededBefore(ctx context.Context, cutoff time.Time) ([]*VersionRecord, error) {
	rows, err := c.readDB.QueryContext(ctx, `
		SELECT partition_key, version, object_path, meta_path,
			row_count, size_bytes, min_event_ts, max_event_ts,
			created_at, superseded_at
		FROM partition_versions
		WHERE superseded_at IS NOT NULL AND superseded_at < ?
		ORDER BY partition_key, version`, cutoff.Unix())
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to query superseded versions: %w", err)
	}
	defer rows.Close()

	var records []*VersionRecord
	for rows.Next() {
		rec, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: error iterating superseded versions: %w", err)
	}
	return records, nil
}

// DeleteVersion removes a version row. Callers delete the storage objects
// first so the catalog never points at missing data.
func (c *SQLiteCatalog) DeleteVersion(ctx context.Context, partitionKey string, version int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.db.ExecContext(ctx,
		"DELETE FROM partition_versions WHERE partition_key = ? AND version = ?",
		partitionKey, version)
	if err != nil {
		return fmt.Errorf("catalog: failed to delete version: %w", err)
	}
	return nil
}

// Close closes the catalog database connections.
func (c *SQLiteCatalog) Close() error {
	if err := c.readDB.Close(); err != nil {
		c.db.Close()
		return err
	}
	return c.db.Close()
}

// getVersion fetches one version record.
func (c *SQLiteCatalog) getVersion(ctx context.Context, partitionKey string, version int64) (*VersionRecord, error) {
	row := c.readDB.QueryRowContext(ctx, `
		SELECT partition_key, version, object_path, meta_path,
			row_count, size_bytes, min_event_ts, max_event_ts,
			created_at, superseded_at
		FROM partition_versions
		WHERE partition_key = ? AND version = ?`, partitionKey, version)

	rec, err := scanVersion(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, silverrors.New(silverrors.ErrCategoryCatalog, silverrors.CodePartitionNotFound,
				fmt.Sprintf("partition %s version %d not found", partitionKey, version))
		}
		return nil, err
	}
	return rec, nil
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanVersion(row rowScanner) (*VersionRecord, error) {
	var rec VersionRecord
	var minTS, maxTS, createdAt int64
	var supersededAt sql.NullInt64

	err := row.Scan(
		&rec.PartitionKey, &rec.Version, &rec.ObjectPath, &rec.MetaPath,
		&rec.RowCount, &rec.SizeBytes, &minTS, &maxTS,
		&createdAt, &supersededAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("catalog: failed to scan version: %w", err)
	}

	rec.MinEventTS = time.Unix(minTS, 0).UTC()
	rec.MaxEventTS = time.Unix(maxTS, 0).UTC()
	rec.CreatedAt = time.Unix(createdAt, 0).UTC()
	if supersededAt.Valid {
		t := time.Unix(supersededAt.Int64, 0).UTC()
		rec.SupersededAt = &t
	}
	return &rec, nil
}
