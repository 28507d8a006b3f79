package bronze

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/silvermill/silvermill/internal/storage"
	"github.com/silvermill/silvermill/pkg/event"
)

func newTestReader(t *testing.T) (*Reader, *storage.LocalStorage) {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return NewReader(store, "bronze"), store
}

func putObject(t *testing.T, store *storage.LocalStorage, path string, ids ...string) {
	t.Helper()
	var b strings.Builder
	for _, id := range ids {
		fmt.Fprintf(&b, `{"event_id":%q,"event_ts":"2026-03-14T09:15:00Z","event_type":"page_view"}`+"\n", id)
	}
	if err := store.Put(context.Background(), path, []byte(b.String())); err != nil {
		t.Fatalf("put %s failed: %v", path, err)
	}
}

func collect(t *testing.T, r *Reader, pos Position) ([]string, Position) {
	t.Helper()
	var ids []string
	newPos, err := r.Read(context.Background(), pos, func(rec Record) error {
		ids = append(ids, rec.Event.EventID)
		return nil
	})
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	return ids, newPos
}

func TestReader_ReadsInObjectOrder(t *testing.T) {
	r, store := newTestReader(t)

	putObject(t, store, "bronze/20260314/09/part-00001.jsonl", "a", "b")
	putObject(t, store, "bronze/20260314/09/part-00000.jsonl", "x")
	putObject(t, store, "bronze/20260314/10/part-00000.jsonl", "c")

	ids, pos := collect(t, r, Position{})
	want := []string{"x", "a", "b", "c"}
	if len(ids) != len(want) {
		t.Fatalf("got %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("position %d: got %s, want %s", i, ids[i], want[i])
		}
	}

	if pos.LastObject != "bronze/20260314/10/part-00000.jsonl" || pos.LastRecord != 0 {
		t.Errorf("final position = %+v", pos)
	}
}

func TestReader_ResumesFromPosition(t *testing.T) {
	r, store := newTestReader(t)

	putObject(t, store, "bronze/20260314/09/part-00000.jsonl", "a", "b", "c")

	// Read everything, then append more data and a new object.
	_, pos := collect(t, r, Position{})

	putObject(t, store, "bronze/20260314/09/part-00001.jsonl", "d", "e")

	ids, pos := collect(t, r, pos)
	if len(ids) != 2 || ids[0] != "d" || ids[1] != "e" {
		t.Fatalf("resume read %v, want [d e]", ids)
	}

	// Resuming mid-object skips exactly the consumed records.
	mid := Position{LastObject: "bronze/20260314/09/part-00000.jsonl", LastRecord: 0}
	ids, _ = collect(t, r, mid)
	want := []string{"b", "c", "d", "e"}
	if len(ids) != len(want) {
		t.Fatalf("mid-object resume read %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("position %d: got %s, want %s", i, ids[i], want[i])
		}
	}

	// Nothing new: position and output stay put.
	ids, again := collect(t, r, pos)
	if len(ids) != 0 {
		t.Errorf("idle read returned %v", ids)
	}
	if again != pos {
		t.Errorf("idle position %+v, want %+v", again, pos)
	}
}

func TestReader_SkipsMalformedLines(t *testing.T) {
	r, store := newTestReader(t)

	body := `{"event_id":"a","event_ts":"2026-03-14T09:15:00Z","event_type":"page_view"}
this is not json

{"event_id":"b","event_ts":"2026-03-14T09:16:00Z","event_type":"page_view"}
`
	if err := store.Put(context.Background(), "bronze/20260314/09/part-00000.jsonl", []byte(body)); err != nil {
		t.Fatal(err)
	}

	ids, _ := collect(t, r, Position{})
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Errorf("got %v, want [a b]", ids)
	}
}

func TestReader_ReadKey(t *testing.T) {
	r, store := newTestReader(t)

	putObject(t, store, "bronze/20260314/09/part-00000.jsonl", "a")
	putObject(t, store, "bronze/20260314/10/part-00000.jsonl", "b")

	key := event.PartitionKey{Date: "20260314", Hour: 9}
	var ids []string
	err := r.ReadKey(context.Background(), key, func(rec Record) error {
		ids = append(ids, rec.Event.EventID)
		return nil
	})
	if err != nil {
		t.Fatalf("ReadKey failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != "a" {
		t.Errorf("got %v, want just the hour-09 events", ids)
	}
}
