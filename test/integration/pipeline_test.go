package integration

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/silvermill/silvermill/internal/bronze"
	"github.com/silvermill/silvermill/internal/catalog"
	"github.com/silvermill/silvermill/internal/compact"
	"github.com/silvermill/silvermill/internal/config"
	"github.com/silvermill/silvermill/internal/dedup"
	"github.com/silvermill/silvermill/internal/errors"
	"github.com/silvermill/silvermill/internal/quarantine"
	"github.com/silvermill/silvermill/internal/storage"
	"github.com/silvermill/silvermill/internal/validate"
	"github.com/silvermill/silvermill/pkg/event"
)

// pipelineEnv wires the live pipeline stages over local storage the way
// cmd/silvermill does, minus the tick loop, so tests can drive each stage
// explicitly.
type pipelineEnv struct {
	store      *storage.LocalStorage
	cat        catalog.Catalog
	reader     *bronze.Reader
	validator  *validate.Validator
	tracker    *dedup.Tracker
	compactor  *compact.Compactor
	quarantine *quarantine.Writer
}

func setupPipelineEnv(t *testing.T, now time.Time) *pipelineEnv {
	t.Helper()
	dir := t.TempDir()

	store, err := storage.NewLocalStorage(filepath.Join(dir, "objects"))
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	cat, err := catalog.NewCatalog(filepath.Join(dir, "catalog.db"))
	if err != nil {
		t.Fatalf("failed to create catalog: %v", err)
	}
	t.Cleanup(func() { cat.Close() })

	vcfg := config.ValidationConfig{
		AllowedEventTypes: event.DefaultAllowedTypes(),
		UnknownTypePolicy: config.PolicyReject,
		MaxLateness:       30 * time.Minute,
		MaxEarlySkew:      30 * time.Minute,
	}

	return &pipelineEnv{
		store:      store,
		cat:        cat,
		reader:     bronze.NewReader(store, "bronze"),
		validator:  validate.New(vcfg, nil).WithClock(func() time.Time { return now }),
		tracker:    dedup.NewTracker(5*time.Minute, time.Hour, nil),
		compactor:  compact.NewCompactor(store, cat, filepath.Join(dir, "staging"), "silver", nil),
		quarantine: quarantine.NewWriter(store, "quarantine"),
	}
}

// ingest runs one read pass: every Bronze record goes through validation and
// the tracker, rejects and late arrivals go to quarantine.
func (env *pipelineEnv) ingest(t *testing.T, pos bronze.Position) bronze.Position {
	t.Helper()
	ctx := context.Background()

	newPos, err := env.reader.Read(ctx, pos, func(rec bronze.Record) error {
		validated, qrec := env.validator.Validate(rec.Event)
		if qrec != nil {
			return env.quarantine.Write(ctx, *qrec)
		}
		if env.tracker.Observe(validated) == dedup.LateArrival {
			return env.quarantine.Write(ctx, event.QuarantineRecord{
				Event:         validated.RawEvent,
				Reason:        event.ReasonLateArrival,
				Detail:        "window already closed",
				QuarantinedAt: time.Now().UTC(),
			})
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	return newPos
}

// compactUnderIntent publishes one closed batch under a write intent, the
// acquire/compact/release sequence the live pipeline runs per batch.
func (env *pipelineEnv) compactUnderIntent(t *testing.T, batch dedup.Batch, holder string) *catalog.VersionRecord {
	t.Helper()
	ctx := context.Background()

	if err := env.cat.AcquireIntent(ctx, batch.Key.String(), holder, time.Minute); err != nil {
		t.Fatalf("failed to acquire intent on %s: %v", batch.Key, err)
	}
	defer env.cat.ReleaseIntent(ctx, batch.Key.String(), holder)

	rec, err := env.compactor.Compact(ctx, batch, holder)
	if err != nil {
		t.Fatalf("compaction of %s failed: %v", batch.Key, err)
	}
	return rec
}

func putBronzeLines(t *testing.T, store *storage.LocalStorage, path string, lines ...string) {
	t.Helper()
	body := strings.Join(lines, "\n") + "\n"
	if err := store.Put(context.Background(), path, []byte(body)); err != nil {
		t.Fatalf("failed to put %s: %v", path, err)
	}
}

func eventLine(id, ts, eventType string) string {
	return fmt.Sprintf(`{"event_id":%q,"event_ts":%q,"event_type":%q,"user_id":"usr_1"}`, id, ts, eventType)
}

// TestLivePipelineFlow drives the full live path end to end:
// Bronze read, validation, dedup, watermark window close, compaction,
// atomic publish, quarantine for rejects and stragglers.
func TestLivePipelineFlow(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 10, 0, 0, time.UTC)
	env := setupPipelineEnv(t, now)
	ctx := context.Background()

	putBronzeLines(t, env.store, "bronze/20260314/09/part-00000.jsonl",
		eventLine("evt-a", "2026-03-14T09:45:00Z", "page_view"),
		eventLine("evt-b", "2026-03-14T09:50:00Z", "purchase"),
		eventLine("evt-b", "2026-03-14T09:50:00Z", "purchase"),
		eventLine("", "2026-03-14T09:51:00Z", "page_view"),
		eventLine("evt-x", "2026-03-14T09:52:00Z", "telemetry_ping"),
	)
	// Hour 10 traffic pushes the watermark past the hour 09 boundary.
	putBronzeLines(t, env.store, "bronze/20260314/10/part-00000.jsonl",
		eventLine("evt-c", "2026-03-14T10:06:00Z", "page_view"),
	)

	pos := env.ingest(t, bronze.Position{})
	if pos.LastObject != "bronze/20260314/10/part-00000.jsonl" {
		t.Errorf("position = %+v", pos)
	}

	// Watermark 10:01 closes hour 09. Hour 10 stays open.
	batches := env.tracker.CloseReady()
	if len(batches) != 1 {
		t.Fatalf("expected 1 closed batch, got %d", len(batches))
	}
	batch := batches[0]
	if batch.Key.String() != "2026031409" {
		t.Errorf("closed key = %s", batch.Key)
	}
	if len(batch.Events) != 2 {
		t.Fatalf("deduped batch has %d events, want 2 (evt-b duplicate dropped)", len(batch.Events))
	}

	rec := env.compactUnderIntent(t, batch, "live-1")
	if rec.Version != 1 || rec.RowCount != 2 {
		t.Errorf("published record = %+v", rec)
	}

	published, err := env.cat.PublishedVersion(ctx, "2026031409")
	if err != nil || published == nil || published.Version != 1 {
		t.Fatalf("published = %+v, err %v", published, err)
	}
	for _, objectPath := range []string{published.ObjectPath, published.MetaPath} {
		exists, err := env.store.Exists(ctx, objectPath)
		if err != nil || !exists {
			t.Errorf("object %s missing (err %v)", objectPath, err)
		}
	}

	// The sidecar describes the segment without opening it.
	metaData, err := env.store.Get(ctx, published.MetaPath)
	if err != nil {
		t.Fatalf("failed to read sidecar: %v", err)
	}
	var sidecar compact.MetadataSidecar
	if err := json.Unmarshal(metaData, &sidecar); err != nil {
		t.Fatalf("bad sidecar JSON: %v", err)
	}
	if sidecar.PartitionKey != "2026031409" || sidecar.RowCount != 2 {
		t.Errorf("sidecar = %+v", sidecar)
	}
	if !sidecar.MinEventTS.Equal(time.Date(2026, 3, 14, 9, 45, 0, 0, time.UTC)) {
		t.Errorf("sidecar min ts = %v", sidecar.MinEventTS)
	}

	// A straggler for the closed hour is a late arrival, not a new version.
	// It arrives in a fresh object past the checkpoint; windowing keys on
	// the event timestamp, not the object placement.
	putBronzeLines(t, env.store, "bronze/20260314/10/part-00001.jsonl",
		eventLine("evt-late", "2026-03-14T09:42:00Z", "page_view"),
	)
	env.ingest(t, pos)

	if again, _ := env.cat.PublishedVersion(ctx, "2026031409"); again.Version != 1 {
		t.Errorf("straggler must not republish, version = %d", again.Version)
	}

	if err := env.quarantine.Flush(ctx); err != nil {
		t.Fatalf("quarantine flush failed: %v", err)
	}
	reasons := readQuarantineReasons(t, env.store)
	want := map[event.QuarantineReason]int{
		event.ReasonMissingField:     1,
		event.ReasonUnknownEventType: 1,
		event.ReasonLateArrival:      1,
	}
	for reason, n := range want {
		if reasons[reason] != n {
			t.Errorf("quarantine reason %s: got %d, want %d", reason, reasons[reason], n)
		}
	}
	if len(reasons) != len(want) {
		t.Errorf("unexpected quarantine reasons: %v", reasons)
	}
}

func readQuarantineReasons(t *testing.T, store *storage.LocalStorage) map[event.QuarantineReason]int {
	t.Helper()
	ctx := context.Background()

	objects, err := store.ListObjects(ctx, "quarantine/")
	if err != nil {
		t.Fatalf("failed to list quarantine: %v", err)
	}

	reasons := map[event.QuarantineReason]int{}
	for _, obj := range objects {
		data, err := store.Get(ctx, obj)
		if err != nil {
			t.Fatalf("failed to read %s: %v", obj, err)
		}
		scanner := bufio.NewScanner(bytes.NewReader(data))
		for scanner.Scan() {
			var rec event.QuarantineRecord
			if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
				t.Fatalf("bad quarantine line in %s: %v", obj, err)
			}
			reasons[rec.Reason]++
		}
	}
	return reasons
}

// TestReprocessingWinsOverLive verifies the write-intent arbitration: a
// live compaction against a key held by a reprocessing job fails with a
// retryable conflict, and succeeds once the job releases the intent.
func TestReprocessingWinsOverLive(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 10, 0, 0, time.UTC)
	env := setupPipelineEnv(t, now)
	ctx := context.Background()

	putBronzeLines(t, env.store, "bronze/20260314/09/part-00000.jsonl",
		eventLine("evt-a", "2026-03-14T09:45:00Z", "page_view"),
	)
	putBronzeLines(t, env.store, "bronze/20260314/10/part-00000.jsonl",
		eventLine("evt-c", "2026-03-14T10:06:00Z", "page_view"),
	)
	env.ingest(t, bronze.Position{})

	batches := env.tracker.CloseReady()
	if len(batches) != 1 {
		t.Fatalf("expected 1 closed batch, got %d", len(batches))
	}
	batch := batches[0]

	// A reprocessing job holds the key.
	if err := env.cat.AcquireIntent(ctx, batch.Key.String(), "backfill-job", time.Minute); err != nil {
		t.Fatalf("failed to acquire backfill intent: %v", err)
	}

	_, err := env.compactor.Compact(ctx, batch, "live-1")
	if errors.GetCode(err) != errors.CodeWriteIntentConflict {
		t.Fatalf("live compact against held key: got %v, want WRITE_INTENT_CONFLICT", err)
	}
	if !errors.IsRetryable(err) {
		t.Error("intent conflict must be retryable so the live pipeline defers the batch")
	}

	// The job rebuilds the key as v1, then releases.
	rebuilt, err := env.compactor.Rebuild(ctx, dedup.Batch{
		Key: batch.Key,
		Events: []event.ValidatedEvent{{
			RawEvent:  event.RawEvent{EventID: "evt-hist", EventType: "page_view"},
			Timestamp: time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
			Key:       batch.Key,
		}},
	}, "backfill-job", "backfill-job-g1")
	if err != nil {
		t.Fatalf("rebuild failed: %v", err)
	}
	if rebuilt.Version != 1 {
		t.Errorf("rebuilt version = %d", rebuilt.Version)
	}
	if err := env.cat.ReleaseIntent(ctx, batch.Key.String(), "backfill-job"); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	// The deferred live batch now merges on top of the rebuilt version.
	rec := env.compactUnderIntent(t, batch, "live-1")
	if rec.Version != 2 {
		t.Errorf("deferred compaction version = %d, want 2", rec.Version)
	}
	if rec.RowCount != 2 {
		t.Errorf("merged row count = %d, want evt-hist plus evt-a", rec.RowCount)
	}
}

// TestGarbageCollectionOfSupersededVersions checks that superseded version
// objects and rows are removed after the retention grace period while the
// published version stays intact.
func TestGarbageCollectionOfSupersededVersions(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 10, 0, 0, time.UTC)
	env := setupPipelineEnv(t, now)
	ctx := context.Background()

	key := event.PartitionKey{Date: "20260314", Hour: 9}
	mkBatch := func(id string, minute int) dedup.Batch {
		return dedup.Batch{Key: key, Events: []event.ValidatedEvent{{
			RawEvent:  event.RawEvent{EventID: id, EventType: "page_view"},
			Timestamp: time.Date(2026, 3, 14, 9, minute, 0, 0, time.UTC),
			Key:       key,
		}}}
	}

	v1 := env.compactUnderIntent(t, mkBatch("evt-a", 5), "live-1")
	v2 := env.compactUnderIntent(t, mkBatch("evt-b", 10), "live-1")
	if v1.Version != 1 || v2.Version != 2 {
		t.Fatalf("versions = %d, %d", v1.Version, v2.Version)
	}

	// Let the supersede timestamp fall behind the cutoff second.
	time.Sleep(1200 * time.Millisecond)

	gc := catalog.NewGarbageCollector(env.cat, env.store, time.Nanosecond)
	result, err := gc.CollectGarbageWithResult(ctx)
	if err != nil {
		t.Fatalf("GC failed: %v", err)
	}
	if len(result.Errors) != 0 {
		t.Fatalf("GC errors: %v", result.Errors)
	}
	if len(result.DeletedVersions) != 1 {
		t.Fatalf("deleted versions = %v, want just v1", result.DeletedVersions)
	}

	if exists, _ := env.store.Exists(ctx, v1.ObjectPath); exists {
		t.Error("superseded segment object still in storage")
	}
	if exists, _ := env.store.Exists(ctx, v2.ObjectPath); !exists {
		t.Error("published segment object was deleted")
	}

	versions, err := env.cat.Versions(ctx, key.String())
	if err != nil || len(versions) != 1 || versions[0].Version != 2 {
		t.Fatalf("versions after GC = %+v, err %v", versions, err)
	}
	published, _ := env.cat.PublishedVersion(ctx, key.String())
	if published == nil || published.Version != 2 {
		t.Errorf("published pointer damaged by GC: %+v", published)
	}
}
