package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	silverrors "github.com/silvermill/silvermill/internal/errors"
)

// Write-intent leases serialize writers per partition key. A lease expires
// on its own after the TTL so a crashed holder never wedges a key; live
// holders renew well inside the TTL.

// AcquireIntent takes or extends the write-intent lease for a key.
func (c *SQLiteCatalog) AcquireIntent(ctx context.Context, partitionKey, holder string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now().UTC()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: failed to begin intent transaction: %w", err)
	}
	defer tx.Rollback()

	var currentHolder string
	var expiresAt int64
	err = tx.QueryRowContext(ctx,
		"SELECT holder, expires_at FROM write_intents WHERE partition_key = ?", partitionKey,
	).Scan(&currentHolder, &expiresAt)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("catalog: failed to read write intent: %w", err)
	}
	if err == nil && currentHolder != holder && now.Unix() < expiresAt {
		return silverrors.New(silverrors.ErrCategoryCatalog, silverrors.CodeWriteIntentConflict,
			fmt.Sprintf("partition %s write intent held by %s until %s",
				partitionKey, currentHolder, time.Unix(expiresAt, 0).UTC().Format(time.RFC3339)))
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO write_intents (partition_key, holder, acquired_at, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(partition_key) DO UPDATE SET
			holder = excluded.holder,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at`,
		partitionKey, holder, now.Unix(), now.Add(ttl).Unix(),
	); err != nil {
		return fmt.Errorf("catalog: failed to write intent: %w", err)
	}

	return tx.Commit()
}

// RenewIntent extends the lease. Renewal fails if the lease was lost, which
// tells a slow job to stop before publishing under someone else's intent.
func (c *SQLiteCatalog) RenewIntent(ctx context.Context, partitionKey, holder string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now().UTC()

	res, err := c.db.ExecContext(ctx,
		"UPDATE write_intents SET expires_at = ? WHERE partition_key = ? AND holder = ?",
		now.Add(ttl).Unix(), partitionKey, holder)
	if err != nil {
		return fmt.Errorf("catalog: failed to renew intent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("catalog: failed to check intent renewal: %w", err)
	}
	if n == 0 {
		return silverrors.New(silverrors.ErrCategoryCatalog, silverrors.CodeWriteIntentConflict,
			fmt.Sprintf("partition %s intent no longer held by %s", partitionKey, holder))
	}
	return nil
}

// ReleaseIntent drops the lease held by holder. Missing or foreign leases
// are ignored so release is safe in defer paths.
func (c *SQLiteCatalog) ReleaseIntent(ctx context.Context, partitionKey, holder string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.db.ExecContext(ctx,
		"DELETE FROM write_intents WHERE partition_key = ? AND holder = ?",
		partitionKey, holder)
	if err != nil {
		return fmt.Errorf("catalog: failed to release intent: %w", err)
	}
	return nil
}
