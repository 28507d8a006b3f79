// Package quarantine writes rejected records to the quarantine side
// location. Quarantine is terminal: records are batched into JSONL objects
// and never retried automatically.
package quarantine

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/silvermill/silvermill/internal/storage"
	"github.com/silvermill/silvermill/pkg/event"
)

// DefaultBatchSize is the number of records buffered before an automatic
// flush.
const DefaultBatchSize = 500

// Writer batches quarantine records and writes them as JSONL objects under
// the quarantine prefix, bucketed by quarantine time.
type Writer struct {
	store     storage.ObjectStorage
	prefix    string
	batchSize int

	mu  sync.Mutex
	buf []event.QuarantineRecord
}

// NewWriter creates a quarantine writer.
func NewWriter(store storage.ObjectStorage, prefix string) *Writer {
	return &Writer{
		store:     store,
		prefix:    prefix,
		batchSize: DefaultBatchSize,
	}
}

// Write buffers a quarantine record, flushing when the batch is full.
func (w *Writer) Write(ctx context.Context, rec event.QuarantineRecord) error {
	w.mu.Lock()
	if rec.QuarantinedAt.IsZero() {
		rec.QuarantinedAt = time.Now().UTC()
	}
	w.buf = append(w.buf, rec)
	full := len(w.buf) >= w.batchSize
	w.mu.Unlock()

	if full {
		return w.Flush(ctx)
	}
	return nil
}

// Flush writes all buffered records to the side location, one object per
// quarantine hour. Records of groups that could not be written go back into
// the buffer for a later flush. Flushing an empty buffer is a no-op.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	if len(w.buf) == 0 {
		w.mu.Unlock()
		return nil
	}
	batch := w.buf
	w.buf = nil
	w.mu.Unlock()

	groups := make(map[event.PartitionKey][]event.QuarantineRecord)
	var order []event.PartitionKey
	for _, rec := range batch {
		key := event.KeyForTime(rec.QuarantinedAt)
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], rec)
	}

	for i, key := range order {
		var body bytes.Buffer
		enc := json.NewEncoder(&body)
		for _, rec := range groups[key] {
			if err := enc.Encode(rec); err != nil {
				w.rebuffer(order[i:], groups)
				return fmt.Errorf("quarantine: failed to encode record: %w", err)
			}
		}

		objectPath := fmt.Sprintf("%s/%s/q_%s.jsonl", w.prefix, key.ObjectPrefix(), uuid.New().String()[:8])
		if err := w.store.Put(ctx, objectPath, body.Bytes()); err != nil {
			w.rebuffer(order[i:], groups)
			return fmt.Errorf("quarantine: failed to write batch: %w", err)
		}
	}

	return nil
}

// rebuffer puts the unwritten groups back at the front of the buffer so a
// later flush retries them.
func (w *Writer) rebuffer(keys []event.PartitionKey, groups map[event.PartitionKey][]event.QuarantineRecord) {
	var rest []event.QuarantineRecord
	for _, key := range keys {
		rest = append(rest, groups[key]...)
	}
	w.mu.Lock()
	w.buf = append(rest, w.buf...)
	w.mu.Unlock()
}

// Pending returns the number of buffered records. Tests only.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buf)
}
