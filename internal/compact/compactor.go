// Package compact turns closed deduplicated batches into immutable Silver
// partition versions. Each compaction merges the prior published version
// with the new batch, sorts by (event_ts, event_id), writes a fresh SQLite
// segment plus a metadata sidecar, uploads both, and publishes through the
// catalog in one transaction.
package compact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/silvermill/silvermill/internal/catalog"
	"github.com/silvermill/silvermill/internal/dedup"
	"github.com/silvermill/silvermill/internal/errors"
	"github.com/silvermill/silvermill/internal/observability"
	"github.com/silvermill/silvermill/internal/storage"
	"github.com/silvermill/silvermill/pkg/event"
)

// MetadataSidecar describes a published segment. It rides next to the
// segment object so Silver readers can prune without opening SQLite files.
type MetadataSidecar struct {
	PartitionKey  string    `json:"partition_key"`
	Version       int64     `json:"version"`
	RowCount      int64     `json:"row_count"`
	SizeBytes     int64     `json:"size_bytes"`
	MinEventTS    time.Time `json:"min_event_ts"`
	MaxEventTS    time.Time `json:"max_event_ts"`
	PriorVersion  int64     `json:"prior_version"`
	BatchEvents   int       `json:"batch_events"`
	MergedEvents  int       `json:"merged_events"`
	CreatedAt     time.Time `json:"created_at"`
	SchemaVersion int       `json:"schema_version"`
}

// Compactor builds and publishes Silver partition versions.
type Compactor struct {
	storage      storage.ObjectStorage
	catalog      catalog.Catalog
	workDir      string
	silverPrefix string
	metrics      *observability.PipelineMetrics
}

// NewCompactor creates a compactor. workDir holds staging files during a
// compaction and is cleaned per run.
func NewCompactor(store storage.ObjectStorage, cat catalog.Catalog, workDir, silverPrefix string, metrics *observability.PipelineMetrics) *Compactor {
	return &Compactor{
		storage:      store,
		catalog:      cat,
		workDir:      workDir,
		silverPrefix: silverPrefix,
		metrics:      metrics,
	}
}

// Compact merges batch with the published version of its key and publishes
// the result as the next version. holder identifies the caller for
// write-intent checks. Compaction is idempotent: retrying with the same
// batch reuses the recorded outcome via the publish idempotency key, and a
// crash before publish leaves only unreferenced staging objects.
func (c *Compactor) Compact(ctx context.Context, batch dedup.Batch, holder string) (*catalog.VersionRecord, error) {
	return c.compact(ctx, batch, holder, batchIdempotencyKey(batch), true)
}

// Rebuild publishes the next version of the key derived solely from batch,
// without merging the prior version's rows. Reprocessing uses this so the
// new version reflects exactly the historical Bronze data for the key.
// runID scopes the idempotency key to one reprocessing run: retries within
// a run reuse the recorded outcome, while a later run over identical Bronze
// data deliberately supersedes it with a fresh version.
func (c *Compactor) Rebuild(ctx context.Context, batch dedup.Batch, holder, runID string) (*catalog.VersionRecord, error) {
	return c.compact(ctx, batch, holder, rebuildIdempotencyKey(batch, runID), false)
}

func (c *Compactor) compact(ctx context.Context, batch dedup.Batch, holder, idemKey string, mergePrior bool) (*catalog.VersionRecord, error) {
	if len(batch.Events) == 0 {
		return nil, errors.New(errors.ErrCategoryCompaction, errors.CodeEmptyBatch,
			fmt.Sprintf("partition %s: refusing to compact empty batch", batch.Key))
	}
	start := time.Now()

	stagingDir := filepath.Join(c.workDir, fmt.Sprintf("compact_%s_%s", batch.Key, uuid.New().String()[:8]))
	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		return nil, errors.NewCompactionError(errors.CodeCompactionWriteFailure,
			"failed to create staging directory", err)
	}
	defer os.RemoveAll(stagingDir)

	published, err := c.catalog.PublishedVersion(ctx, batch.Key.String())
	if err != nil {
		return nil, err
	}

	var prior []event.ValidatedEvent
	var priorVersion int64
	if published != nil {
		priorVersion = published.Version
		if mergePrior {
			priorPath := filepath.Join(stagingDir, "prior.sqlite")
			if err := c.storage.Download(ctx, published.ObjectPath, priorPath); err != nil {
				return nil, errors.NewCompactionError(errors.CodeCompactionWriteFailure,
					fmt.Sprintf("failed to download prior version %d", priorVersion), err)
			}
			prior, err = readSegment(ctx, priorPath, batch.Key)
			if err != nil {
				return nil, err
			}
		}
	}

	merged := mergeEvents(prior, batch.Events)
	version := priorVersion + 1

	segmentName := fmt.Sprintf("v%06d_%s.sqlite", version, uuid.New().String()[:8])
	segmentPath := filepath.Join(stagingDir, segmentName)
	sizeBytes, err := buildSegment(ctx, segmentPath, merged)
	if err != nil {
		return nil, errors.NewCompactionError(errors.CodeCompactionWriteFailure,
			"failed to build segment", err)
	}

	objectPath := fmt.Sprintf("%s/%s/%s", c.silverPrefix, batch.Key.ObjectPrefix(), segmentName)
	metaPath := objectPath + ".meta.json"

	meta := MetadataSidecar{
		PartitionKey:  batch.Key.String(),
		Version:       version,
		RowCount:      int64(len(merged)),
		SizeBytes:     sizeBytes,
		MinEventTS:    merged[0].Timestamp,
		MaxEventTS:    merged[len(merged)-1].Timestamp,
		PriorVersion:  priorVersion,
		BatchEvents:   len(batch.Events),
		MergedEvents:  len(merged),
		CreatedAt:     time.Now().UTC(),
		SchemaVersion: 1,
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, errors.NewCompactionError(errors.CodeCompactionWriteFailure,
			"failed to encode metadata sidecar", err)
	}

	if _, err := c.storage.UploadMultipart(ctx, segmentPath, objectPath); err != nil {
		return nil, errors.NewCompactionError(errors.CodeCompactionWriteFailure,
			"failed to upload segment", err)
	}
	if err := c.storage.Put(ctx, metaPath, metaJSON); err != nil {
		return nil, errors.NewCompactionError(errors.CodeCompactionWriteFailure,
			"failed to upload metadata sidecar", err)
	}

	rec := &catalog.VersionRecord{
		PartitionKey: batch.Key.String(),
		Version:      version,
		ObjectPath:   objectPath,
		MetaPath:     metaPath,
		RowCount:     int64(len(merged)),
		SizeBytes:    sizeBytes,
		MinEventTS:   meta.MinEventTS,
		MaxEventTS:   meta.MaxEventTS,
	}

	publishedVersion, err := c.catalog.Publish(ctx, rec, idemKey, holder)
	if err != nil {
		return nil, err
	}
	if publishedVersion != version {
		// A retried publish hit its idempotency key; the earlier attempt
		// already went through. This attempt's uploads are referenced by no
		// catalog row, so GC would never find them. Remove them here and
		// report the recorded version.
		for _, orphan := range []string{objectPath, metaPath} {
			if derr := c.storage.Delete(ctx, orphan); derr != nil {
				log.Printf("compact: failed to remove redundant upload %s: %v", orphan, derr)
			}
		}
		log.Printf("compact: partition %s publish deduplicated to version %d", batch.Key, publishedVersion)
		return c.catalog.PublishedVersion(ctx, batch.Key.String())
	}

	if c.metrics != nil {
		c.metrics.ObserveCompaction(time.Since(start))
		c.metrics.RecordPartitionPublished()
	}

	log.Printf("compact: partition %s published version %d (%d rows, %d from batch, %d bytes)",
		batch.Key, version, len(merged), len(batch.Events), sizeBytes)

	return rec, nil
}

// mergeEvents combines prior rows with the new batch, drops event_id
// duplicates keeping the already-published copy, and sorts the result by
// (event_ts, event_id).
func mergeEvents(prior, batch []event.ValidatedEvent) []event.ValidatedEvent {
	seen := make(map[string]struct{}, len(prior)+len(batch))
	merged := make([]event.ValidatedEvent, 0, len(prior)+len(batch))

	for _, ev := range prior {
		if _, dup := seen[ev.EventID]; dup {
			continue
		}
		seen[ev.EventID] = struct{}{}
		merged = append(merged, ev)
	}
	for _, ev := range batch {
		if _, dup := seen[ev.EventID]; dup {
			continue
		}
		seen[ev.EventID] = struct{}{}
		merged = append(merged, ev)
	}

	sort.Slice(merged, func(i, j int) bool {
		if !merged[i].Timestamp.Equal(merged[j].Timestamp) {
			return merged[i].Timestamp.Before(merged[j].Timestamp)
		}
		return merged[i].EventID < merged[j].EventID
	})
	return merged
}

// batchIdempotencyKey derives a stable key from the batch contents alone.
// A retried compaction of the same batch maps to the same publish whether
// the first attempt failed or the caller just never saw it succeed.
func batchIdempotencyKey(batch dedup.Batch) string {
	return "compact:" + hashBatch(batch, "")
}

// rebuildIdempotencyKey scopes the content hash to one reprocessing run, so
// distinct runs over unchanged Bronze data still supersede each other.
func rebuildIdempotencyKey(batch dedup.Batch, runID string) string {
	return "rebuild:" + hashBatch(batch, runID)
}

func hashBatch(batch dedup.Batch, scope string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s:%s:%d\n", scope, batch.Key, len(batch.Events))
	for _, ev := range batch.Events {
		h.Write([]byte(ev.EventID))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}
