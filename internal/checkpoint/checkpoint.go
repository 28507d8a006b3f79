// Package checkpoint persists pipeline progress so dedup and watermark
// state survive restarts. The checkpoint records the last processed Bronze
// offset and a per-partition-key snapshot of the tracker, open batches
// included: the offset sits past the records feeding those batches, so the
// batch contents have nowhere else to come back from.
package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"

	"github.com/silvermill/silvermill/internal/errors"
	"github.com/silvermill/silvermill/internal/storage"
	"github.com/silvermill/silvermill/pkg/event"
)

// State is the durable pipeline position.
type State struct {
	// LastObject is the last fully processed Bronze object key.
	LastObject string `json:"last_object"`

	// LastRecord is the index of the last processed record within
	// LastObject (-1 when the object was fully consumed).
	LastRecord int `json:"last_record"`

	// MaxEventTS is the highest event timestamp observed, from which the
	// watermark is rederived on restart.
	MaxEventTS time.Time `json:"max_event_ts"`

	// Shards holds per-partition-key tracker snapshots, keyed by the
	// catalog form of the partition key.
	Shards map[string]ShardState `json:"shards,omitempty"`

	// SavedAt records when the checkpoint was taken.
	SavedAt time.Time `json:"saved_at"`
}

// ShardState is the persisted dedup state for one partition key.
type ShardState struct {
	// Closed marks the shard's batch as already compacted and published.
	Closed bool `json:"closed"`

	// SeenIDs maps recently admitted event_ids to their event timestamps,
	// bounded by the dedup horizon.
	SeenIDs map[string]time.Time `json:"seen_ids,omitempty"`

	// Open holds the admitted but not yet compacted events of the shard's
	// open batch, in admission order.
	Open []OpenEvent `json:"open,omitempty"`
}

// OpenEvent is one open-batch event. The parsed timestamp rides along so
// restore never re-parses the producer's timestamp string.
type OpenEvent struct {
	Raw       event.RawEvent `json:"raw"`
	Timestamp time.Time      `json:"timestamp"`
}

// Store persists and restores pipeline checkpoints.
type Store interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, s State) error
}

// FileStore implements Store on the local filesystem.
type FileStore struct {
	path string
}

// NewFileStore creates a file-backed checkpoint store at path, creating
// parent directories as needed.
func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrap(errors.ErrCategoryDedup, errors.CodeCheckpointFailed,
			"failed to create checkpoint directory", err)
	}
	return &FileStore{path: path}, nil
}

// Load reads the checkpoint. A missing checkpoint yields the zero State so
// a fresh pipeline starts from the beginning of Bronze.
func (f *FileStore) Load(ctx context.Context) (State, error) {
	if err := ctx.Err(); err != nil {
		return State{}, err
	}

	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return State{}, nil
		}
		return State{}, errors.Wrap(errors.ErrCategoryDedup, errors.CodeCheckpointFailed,
			"failed to read checkpoint", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, errors.Wrap(errors.ErrCategoryDedup, errors.CodeCheckpointCorrupt,
			"failed to decode checkpoint", err)
	}
	return state, nil
}

// Save writes the checkpoint atomically via temp-file rename.
func (f *FileStore) Save(ctx context.Context, state State) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	state.SavedAt = time.Now().UTC()
	data, err := json.Marshal(state)
	if err != nil {
		return errors.Wrap(errors.ErrCategoryDedup, errors.CodeCheckpointFailed,
			"failed to encode checkpoint", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errors.Wrap(errors.ErrCategoryDedup, errors.CodeCheckpointFailed,
			"failed to write checkpoint", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		os.Remove(tmp)
		return errors.Wrap(errors.ErrCategoryDedup, errors.CodeCheckpointFailed,
			"failed to commit checkpoint", err)
	}
	return nil
}

// ObjectStore implements Store on top of object storage so checkpoints
// survive the loss of the worker host.
type ObjectStore struct {
	store      storage.ObjectStorage
	objectPath string
}

// NewObjectStore creates an object-storage-backed checkpoint store.
func NewObjectStore(store storage.ObjectStorage, objectPath string) *ObjectStore {
	return &ObjectStore{store: store, objectPath: objectPath}
}

// Load reads the checkpoint object. A missing object yields the zero State.
func (o *ObjectStore) Load(ctx context.Context) (State, error) {
	data, err := o.store.Get(ctx, o.objectPath)
	if err != nil {
		if err == storage.ErrObjectNotFound {
			return State{}, nil
		}
		return State{}, errors.Wrap(errors.ErrCategoryDedup, errors.CodeCheckpointFailed,
			"failed to get checkpoint object", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, errors.Wrap(errors.ErrCategoryDedup, errors.CodeCheckpointCorrupt,
			"failed to decode checkpoint object", err)
	}
	return state, nil
}

// Save writes the checkpoint object. Object stores give whole-object
// visibility, so no separate staging step is needed.
func (o *ObjectStore) Save(ctx context.Context, state State) error {
	state.SavedAt = time.Now().UTC()
	data, err := json.Marshal(state)
	if err != nil {
		return errors.Wrap(errors.ErrCategoryDedup, errors.CodeCheckpointFailed,
			"failed to encode checkpoint", err)
	}
	if err := o.store.Put(ctx, o.objectPath, data); err != nil {
		return errors.Wrap(errors.ErrCategoryDedup, errors.CodeCheckpointFailed,
			"failed to put checkpoint object", err)
	}
	return nil
}
