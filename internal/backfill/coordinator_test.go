package backfill

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/silvermill/silvermill/internal/bronze"
	"github.com/silvermill/silvermill/internal/catalog"
	"github.com/silvermill/silvermill/internal/compact"
	"github.com/silvermill/silvermill/internal/config"
	"github.com/silvermill/silvermill/internal/errors"
	"github.com/silvermill/silvermill/internal/quarantine"
	"github.com/silvermill/silvermill/internal/storage"
	"github.com/silvermill/silvermill/internal/validate"
	"github.com/silvermill/silvermill/pkg/event"
)

type testEnv struct {
	coord *Coordinator
	cat   catalog.Catalog
	store *storage.LocalStorage
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	store, err := storage.NewLocalStorage(filepath.Join(dir, "objects"))
	if err != nil {
		t.Fatal(err)
	}
	cat, err := catalog.NewCatalog(filepath.Join(dir, "catalog.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { cat.Close() })

	vcfg := config.ValidationConfig{
		AllowedEventTypes: event.DefaultAllowedTypes(),
		UnknownTypePolicy: config.PolicyReject,
		MaxLateness:       5 * time.Minute,
		MaxEarlySkew:      5 * time.Minute,
	}
	bcfg := config.BackfillConfig{
		Workers:            2,
		LeaseTTL:           time.Minute,
		LeaseRenewInterval: 20 * time.Second,
	}

	reader := bronze.NewReader(store, "bronze")
	validator := validate.New(vcfg, nil)
	compactor := compact.NewCompactor(store, cat, filepath.Join(dir, "staging"), "silver", nil)
	qw := quarantine.NewWriter(store, "quarantine")

	return &testEnv{
		coord: NewCoordinator(bcfg, reader, validator, compactor, cat, qw),
		cat:   cat,
		store: store,
	}
}

func putBronze(t *testing.T, store *storage.LocalStorage, key event.PartitionKey, name string, events ...[2]string) {
	t.Helper()
	var b strings.Builder
	for _, e := range events {
		fmt.Fprintf(&b, `{"event_id":%q,"event_ts":%q,"event_type":"page_view","user_id":"usr_1"}`+"\n", e[0], e[1])
	}
	path := fmt.Sprintf("bronze/%s/%s", key.ObjectPrefix(), name)
	if err := store.Put(context.Background(), path, []byte(b.String())); err != nil {
		t.Fatal(err)
	}
}

func ts(h, m int) string {
	return time.Date(2026, 3, 14, h, m, 0, 0, time.UTC).Format(time.RFC3339)
}

func TestReprocess_RebuildsRange(t *testing.T) {
	env := newTestEnv(t)
	h9 := event.PartitionKey{Date: "20260314", Hour: 9}
	h10 := event.PartitionKey{Date: "20260314", Hour: 10}

	// Hour 9 has a duplicate across objects; hour 10 has one event; hour
	// 11 has no Bronze data at all.
	putBronze(t, env.store, h9, "part-0.jsonl", [2]string{"a", ts(9, 5)}, [2]string{"b", ts(9, 20)})
	putBronze(t, env.store, h9, "part-1.jsonl", [2]string{"b", ts(9, 20)}, [2]string{"c", ts(9, 40)})
	putBronze(t, env.store, h10, "part-0.jsonl", [2]string{"d", ts(10, 1)})

	from := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	to := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	results, err := env.coord.Reprocess(context.Background(), from, to)
	if err != nil {
		t.Fatalf("Reprocess failed: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}

	byKey := map[string]Result{}
	for _, r := range results {
		if r.Err != nil {
			t.Errorf("key %s failed: %v", r.Key, r.Err)
		}
		byKey[r.Key.String()] = r
	}

	if r := byKey["2026031409"]; r.Version != 1 || r.Events != 3 {
		t.Errorf("hour 9 = %+v, want version 1 with 3 deduped events", r)
	}
	if r := byKey["2026031410"]; r.Version != 1 || r.Events != 1 {
		t.Errorf("hour 10 = %+v", r)
	}
	if r := byKey["2026031411"]; r.Version != 0 {
		t.Errorf("empty hour 11 should publish nothing, got %+v", r)
	}

	published, err := env.cat.PublishedVersion(context.Background(), "2026031409")
	if err != nil || published == nil {
		t.Fatalf("published = %v, err %v", published, err)
	}
	if published.RowCount != 3 {
		t.Errorf("row count = %d, want 3 (duplicate b collapsed)", published.RowCount)
	}

	// Intents are all released.
	if err := env.cat.AcquireIntent(context.Background(), "2026031409", "someone-else", time.Minute); err != nil {
		t.Errorf("intent should be free after reprocessing: %v", err)
	}
}

func TestReprocess_SupersedesPriorVersion(t *testing.T) {
	env := newTestEnv(t)
	h9 := event.PartitionKey{Date: "20260314", Hour: 9}
	putBronze(t, env.store, h9, "part-0.jsonl", [2]string{"a", ts(9, 5)})

	from, to := h9.Start(), h9.End()

	// First run publishes v1, second run rebuilds the same data as v2.
	if _, err := env.coord.Reprocess(context.Background(), from, to); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	results, err := env.coord.Reprocess(context.Background(), from, to)
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if results[0].Version != 2 {
		t.Errorf("rerun version = %d, want 2", results[0].Version)
	}

	versions, _ := env.cat.Versions(context.Background(), "2026031409")
	if len(versions) != 2 || versions[0].SupersededAt == nil {
		t.Errorf("prior version should be superseded: %+v", versions)
	}
}

func TestReprocess_InvalidRange(t *testing.T) {
	env := newTestEnv(t)
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	_, err := env.coord.Reprocess(context.Background(), now, now)
	if errors.GetCode(err) != errors.CodeRangeInvalid {
		t.Errorf("empty range: got %v, want RANGE_INVALID", err)
	}
	_, err = env.coord.Reprocess(context.Background(), now.Add(time.Hour), now)
	if errors.GetCode(err) != errors.CodeRangeInvalid {
		t.Errorf("inverted range: got %v, want RANGE_INVALID", err)
	}
}

func TestReprocess_CancelledBeforePublishLeavesVersion(t *testing.T) {
	env := newTestEnv(t)
	h9 := event.PartitionKey{Date: "20260314", Hour: 9}
	putBronze(t, env.store, h9, "part-0.jsonl", [2]string{"a", ts(9, 5)})

	// Establish a visible version first.
	if _, err := env.coord.Reprocess(context.Background(), h9.Start(), h9.End()); err != nil {
		t.Fatalf("setup run failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := env.coord.Reprocess(ctx, h9.Start(), h9.End())
	if err == nil {
		t.Error("cancelled run should report the context error")
	}
	for _, r := range results {
		if r.Err == nil {
			t.Errorf("key %s should not publish under a cancelled context", r.Key)
		}
	}

	published, perr := env.cat.PublishedVersion(context.Background(), "2026031409")
	if perr != nil || published == nil || published.Version != 1 {
		t.Errorf("visible version changed: %+v, err %v", published, perr)
	}
}

func TestReprocess_BlockedByForeignIntent(t *testing.T) {
	env := newTestEnv(t)
	h9 := event.PartitionKey{Date: "20260314", Hour: 9}
	putBronze(t, env.store, h9, "part-0.jsonl", [2]string{"a", ts(9, 5)})

	if err := env.cat.AcquireIntent(context.Background(), "2026031409", "live-holder", time.Minute); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	results, _ := env.coord.Reprocess(ctx, h9.Start(), h9.End())
	if len(results) != 1 {
		t.Fatalf("results = %+v", results)
	}
	if errors.GetCode(results[0].Err) != errors.CodeJobCancelled {
		t.Errorf("blocked key: got %v, want JOB_CANCELLED while waiting for intent", results[0].Err)
	}

	if published, _ := env.cat.PublishedVersion(context.Background(), "2026031409"); published != nil {
		t.Errorf("nothing should have been published: %+v", published)
	}
}
