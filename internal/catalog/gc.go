package catalog

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/silvermill/silvermill/internal/storage"
)

// GarbageCollector removes superseded Silver partition versions once the
// retention grace period has elapsed. Superseded versions are kept for the
// grace period so readers that resolved the old pointer can finish.
type GarbageCollector struct {
	catalog Catalog
	storage storage.ObjectStorage
	grace   time.Duration
}

// NewGarbageCollector creates a garbage collector.
func NewGarbageCollector(catalog Catalog, store storage.ObjectStorage, grace time.Duration) *GarbageCollector {
	if grace <= 0 {
		grace = 24 * time.Hour
	}
	return &GarbageCollector{
		catalog: catalog,
		storage: store,
		grace:   grace,
	}
}

// GCResult holds the outcome of a garbage collection run.
type GCResult struct {
	DeletedVersions []string
	DeletedObjects  []string
	Errors          []string
}

// CollectGarbage finds and removes superseded versions past the grace
// period, logging a summary.
func (gc *GarbageCollector) CollectGarbage(ctx context.Context) error {
	result, err := gc.CollectGarbageWithResult(ctx)
	if err != nil {
		return err
	}

	if len(result.DeletedVersions) > 0 {
		log.Printf("catalog/gc: deleted %d superseded versions", len(result.DeletedVersions))
	}
	if len(result.Errors) > 0 {
		log.Printf("catalog/gc: encountered %d errors during GC", len(result.Errors))
	}

	return nil
}

// CollectGarbageWithResult performs garbage collection and returns detailed
// results. Objects are deleted before the catalog row so the catalog never
// references missing data; a crash mid-run leaves orphaned objects that the
// next run's idempotent deletes clean up.
func (gc *GarbageCollector) CollectGarbageWithResult(ctx context.Context) (*GCResult, error) {
	cutoff := time.Now().UTC().Add(-gc.grace)

	expired, err := gc.catalog.SupersededBefore(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("catalog/gc: failed to find expired versions: %w", err)
	}

	result := &GCResult{}
	for _, rec := range expired {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		failed := false
		for _, objectPath := range []string{rec.ObjectPath, rec.MetaPath} {
			if objectPath == "" {
				continue
			}
			if err := gc.storage.Delete(ctx, objectPath); err != nil {
				result.Errors = append(result.Errors,
					fmt.Sprintf("delete %s: %v", objectPath, err))
				failed = true
				continue
			}
			result.DeletedObjects = append(result.DeletedObjects, objectPath)
		}
		if failed {
			continue
		}

		if err := gc.catalog.DeleteVersion(ctx, rec.PartitionKey, rec.Version); err != nil {
			result.Errors = append(result.Errors,
				fmt.Sprintf("delete version %s v%d: %v", rec.PartitionKey, rec.Version, err))
			continue
		}
		result.DeletedVersions = append(result.DeletedVersions,
			fmt.Sprintf("%s/v%d", rec.PartitionKey, rec.Version))
	}

	return result, nil
}

// Run loops garbage collection at the given interval until ctx is done.
func (gc *GarbageCollector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := gc.CollectGarbage(ctx); err != nil && ctx.Err() == nil {
				log.Printf("catalog/gc: collection failed: %v", err)
			}
		}
	}
}
