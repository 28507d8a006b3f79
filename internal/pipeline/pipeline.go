// Package pipeline wires the live Silver path: Bronze reader, validator,
// dedup tracker, compactor, quarantine writer, and checkpoint store. One
// pipeline instance owns the live ingestion role; backfill runs as a
// separate holder and wins lease conflicts.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/silvermill/silvermill/internal/bronze"
	"github.com/silvermill/silvermill/internal/catalog"
	"github.com/silvermill/silvermill/internal/checkpoint"
	"github.com/silvermill/silvermill/internal/compact"
	"github.com/silvermill/silvermill/internal/config"
	"github.com/silvermill/silvermill/internal/dedup"
	"github.com/silvermill/silvermill/internal/errors"
	"github.com/silvermill/silvermill/internal/observability"
	"github.com/silvermill/silvermill/internal/quarantine"
	"github.com/silvermill/silvermill/internal/validate"
	"github.com/silvermill/silvermill/pkg/event"
)

// Pipeline runs the live ingestion loop.
type Pipeline struct {
	cfg        config.Config
	reader     *bronze.Reader
	validator  *validate.Validator
	tracker    *dedup.Tracker
	compactor  *compact.Compactor
	quarantine *quarantine.Writer
	checkpoint checkpoint.Store
	catalog    catalog.Catalog
	metrics    *observability.PipelineMetrics
	holder     string

	pos     bronze.Position
	pending []dedup.Batch
}

// New assembles a pipeline from its components.
func New(
	cfg config.Config,
	reader *bronze.Reader,
	validator *validate.Validator,
	tracker *dedup.Tracker,
	compactor *compact.Compactor,
	qw *quarantine.Writer,
	ckpt checkpoint.Store,
	cat catalog.Catalog,
	metrics *observability.PipelineMetrics,
) *Pipeline {
	hostname, _ := os.Hostname()
	return &Pipeline{
		cfg:        cfg,
		reader:     reader,
		validator:  validator,
		tracker:    tracker,
		compactor:  compactor,
		quarantine: qw,
		checkpoint: ckpt,
		catalog:    cat,
		metrics:    metrics,
		holder:     fmt.Sprintf("live-%s-%s", hostname, uuid.New().String()[:8]),
	}
}

// Holder returns the write-intent holder identity of this pipeline.
func (p *Pipeline) Holder() string { return p.holder }

// Run restores the checkpoint and processes Bronze until ctx is cancelled.
// Each tick reads new records, closes watermark-ready windows, compacts and
// publishes them, then checkpoints. On return the checkpoint reflects the
// last fully processed position together with the still-open batches, so a
// restart picks up exactly where this instance stopped.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.restore(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(p.cfg.Dedup.FlushInterval)
	defer ticker.Stop()

	for {
		if err := p.tick(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Printf("pipeline: tick failed: %v", err)
		}

		select {
		case <-ctx.Done():
			return p.shutdown()
		case <-ticker.C:
		}
	}
	return p.shutdown()
}

// restore primes the tracker and Bronze position from the checkpoint. Open
// batches come back from the checkpoint itself; the checkpointed position
// already points past the records that fed them.
func (p *Pipeline) restore(ctx context.Context) error {
	state, err := p.checkpoint.Load(ctx)
	if err != nil {
		return err
	}
	p.tracker.Restore(state.MaxEventTS, state.Shards)
	p.pos = bronze.Position{LastObject: state.LastObject, LastRecord: state.LastRecord}

	if state.LastObject != "" {
		log.Printf("pipeline: resuming from %s[%d], watermark %s",
			state.LastObject, state.LastRecord, p.tracker.Watermark().Format(time.RFC3339))
	} else {
		log.Printf("pipeline: starting from beginning of bronze prefix")
	}
	return nil
}

// tick is one poll cycle: ingest, close, compact, prune, checkpoint.
func (p *Pipeline) tick(ctx context.Context) error {
	newPos, err := p.reader.Read(ctx, p.pos, func(rec bronze.Record) error {
		p.process(ctx, rec.Event)
		return ctx.Err()
	})
	if err != nil {
		return err
	}
	p.pos = newPos

	p.pending = append(p.pending, p.tracker.CloseReady()...)
	p.compactPending(ctx)

	p.tracker.Prune()

	if err := p.quarantine.Flush(ctx); err != nil {
		log.Printf("pipeline: quarantine flush failed, will retry: %v", err)
	}

	return p.saveCheckpoint(ctx)
}

// process runs one raw event through validation and the tracker.
func (p *Pipeline) process(ctx context.Context, raw event.RawEvent) {
	validated, qrec := p.validator.Validate(raw)
	if qrec != nil {
		if err := p.quarantine.Write(ctx, *qrec); err != nil {
			log.Printf("pipeline: quarantine write failed: %v", err)
		}
		return
	}

	switch p.tracker.Observe(validated) {
	case dedup.Admitted, dedup.Duplicate:
		// Duplicates are counted inside the tracker and dropped.
	case dedup.LateArrival:
		lateRec := event.QuarantineRecord{
			Event:  validated.RawEvent,
			Reason: event.ReasonLateArrival,
			Detail: fmt.Sprintf("event time %s below watermark %s",
				validated.Timestamp.Format(time.RFC3339),
				p.tracker.Watermark().Format(time.RFC3339)),
		}
		if p.metrics != nil {
			p.metrics.RecordQuarantined(event.ReasonLateArrival)
		}
		if err := p.quarantine.Write(ctx, lateRec); err != nil {
			log.Printf("pipeline: quarantine write failed: %v", err)
		}
	}
}

// compactPending compacts every queued closed batch under this pipeline's
// write intent. Batches that fail retryably, including lease conflicts with
// an active backfill, stay queued for the next tick.
func (p *Pipeline) compactPending(ctx context.Context) {
	var retry []dedup.Batch
	for _, batch := range p.pending {
		if ctx.Err() != nil {
			retry = append(retry, batch)
			continue
		}
		if err := p.compactOne(ctx, batch); err != nil {
			if errors.IsRetryable(err) {
				log.Printf("pipeline: compaction of %s deferred: %v", batch.Key, err)
				retry = append(retry, batch)
				continue
			}
			log.Printf("pipeline: compaction of %s failed permanently: %v", batch.Key, err)
		}
	}
	p.pending = retry
}

func (p *Pipeline) compactOne(ctx context.Context, batch dedup.Batch) error {
	if err := p.catalog.AcquireIntent(ctx, batch.Key.String(), p.holder, p.cfg.Backfill.LeaseTTL); err != nil {
		return err
	}
	defer func() {
		if err := p.catalog.ReleaseIntent(ctx, batch.Key.String(), p.holder); err != nil {
			log.Printf("pipeline: failed to release intent on %s: %v", batch.Key, err)
		}
	}()

	_, err := p.compactor.Compact(ctx, batch, p.holder)
	return err
}

// saveCheckpoint persists the Bronze position and tracker snapshot.
func (p *Pipeline) saveCheckpoint(ctx context.Context) error {
	maxTS, shards := p.tracker.Snapshot()
	state := checkpoint.State{
		LastObject: p.pos.LastObject,
		LastRecord: p.pos.LastRecord,
		MaxEventTS: maxTS,
		Shards:     shards,
	}
	return p.checkpoint.Save(ctx, state)
}

// shutdown flushes quarantine and writes a final checkpoint. Open batches
// are not compacted: their windows are still accepting events, so they are
// persisted as-is and restored on the next start.
func (p *Pipeline) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := p.quarantine.Flush(ctx); err != nil {
		log.Printf("pipeline: final quarantine flush failed: %v", err)
	}
	if err := p.saveCheckpoint(ctx); err != nil {
		return err
	}
	log.Printf("pipeline: shutdown complete at %s[%d]", p.pos.LastObject, p.pos.LastRecord)
	return nil
}
