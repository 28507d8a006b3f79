// Package bronze reads the append-only Bronze tier: JSONL objects laid out
// under <prefix>/<YYYYMMDD>/<HH>/. Objects within a listing are consumed in
// lexicographic key order, which is also the order the checkpoint offset is
// defined over.
package bronze

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/silvermill/silvermill/internal/errors"
	"github.com/silvermill/silvermill/internal/storage"
	"github.com/silvermill/silvermill/pkg/event"
)

// maxLineBytes bounds a single Bronze record. Clickstream events are small;
// anything past this is a corrupt object, not a big event.
const maxLineBytes = 1 << 20

// Record is one raw event together with its Bronze position.
type Record struct {
	Event  event.RawEvent
	Object string
	Index  int
}

// Position is a resumable offset into the Bronze stream.
type Position struct {
	// LastObject is the last object a record was consumed from. Empty
	// means start from the beginning of the prefix.
	LastObject string

	// LastRecord is the index of the last consumed record within
	// LastObject. -1 means LastObject was fully consumed.
	LastRecord int
}

// Handler consumes one Bronze record. Returning an error stops the read.
type Handler func(rec Record) error

// Reader streams raw events from the Bronze prefix.
type Reader struct {
	store  storage.ObjectStorage
	prefix string
}

// NewReader creates a Bronze reader over the given prefix.
func NewReader(store storage.ObjectStorage, prefix string) *Reader {
	return &Reader{store: store, prefix: strings.TrimSuffix(prefix, "/")}
}

// Read streams every record at or after pos under the whole Bronze prefix,
// invoking handler in order. It returns the position of the last consumed
// record, which equals pos when nothing new was found.
func (r *Reader) Read(ctx context.Context, pos Position, handler Handler) (Position, error) {
	return r.readPrefix(ctx, r.prefix+"/", pos, handler)
}

// ReadKey streams every record for a single partition key, ignoring any
// checkpoint position. Backfill uses this to reprocess one key's hour of
// Bronze history in isolation.
func (r *Reader) ReadKey(ctx context.Context, key event.PartitionKey, handler Handler) error {
	prefix := fmt.Sprintf("%s/%s/", r.prefix, key.ObjectPrefix())
	_, err := r.readPrefix(ctx, prefix, Position{}, handler)
	return err
}

func (r *Reader) readPrefix(ctx context.Context, prefix string, pos Position, handler Handler) (Position, error) {
	objects, err := r.store.ListObjects(ctx, prefix)
	if err != nil {
		return pos, errors.NewBronzeError(errors.CodeListFailed,
			"failed to list bronze objects", err)
	}

	for _, objectPath := range objects {
		if err := ctx.Err(); err != nil {
			return pos, err
		}

		// Skip objects already fully consumed. The listing is sorted, so
		// anything before LastObject is behind the checkpoint.
		if pos.LastObject != "" && objectPath < pos.LastObject {
			continue
		}
		if objectPath == pos.LastObject && pos.LastRecord < 0 {
			continue
		}

		skip := -1
		if objectPath == pos.LastObject {
			skip = pos.LastRecord
		}

		last, err := r.readObject(ctx, objectPath, skip, handler)
		if err != nil {
			return pos, err
		}
		if last >= 0 || objectPath != pos.LastObject {
			pos = Position{LastObject: objectPath, LastRecord: last}
		}
	}

	return pos, nil
}

// readObject streams one JSONL object, skipping records up to and including
// index skip. Returns the index of the last record handed to handler, or -1
// when every record was skipped; callers record -1 as fully-consumed only
// for objects past the checkpoint.
func (r *Reader) readObject(ctx context.Context, objectPath string, skip int, handler Handler) (int, error) {
	data, err := r.store.Get(ctx, objectPath)
	if err != nil {
		return -1, errors.NewBronzeError(errors.CodeDownloadFailed,
			fmt.Sprintf("failed to get bronze object %s", objectPath), err)
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	last := -1
	index := -1
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		index++
		if index <= skip {
			continue
		}

		var raw event.RawEvent
		if err := json.Unmarshal(line, &raw); err != nil {
			// A malformed line is a producer bug, not a reason to wedge
			// the pipeline. Log and move on.
			log.Printf("bronze: skipping undecodable record %s[%d]: %v", objectPath, index, err)
			last = index
			continue
		}

		if err := handler(Record{Event: raw, Object: objectPath, Index: index}); err != nil {
			return last, err
		}
		last = index
	}
	if err := scanner.Err(); err != nil {
		return last, errors.NewBronzeError(errors.CodeDecodeFailed,
			fmt.Sprintf("failed to scan bronze object %s", objectPath), err)
	}

	return last, nil
}
