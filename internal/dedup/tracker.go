// Package dedup implements the deduplication and watermark tracker. Each
// (date, hour) partition key owns an independent shard holding the open
// batch, the bounded-horizon set of seen event_ids, and the closed flag.
// The event-time watermark advances with the maximum event timestamp seen
// and decides when windows close and when arrivals are late beyond grace.
package dedup

import (
	"sort"
	"sync"
	"time"

	"github.com/silvermill/silvermill/internal/checkpoint"
	"github.com/silvermill/silvermill/internal/observability"
	"github.com/silvermill/silvermill/pkg/event"
)

// Outcome is the tracker's decision for one validated event.
type Outcome int

const (
	// Admitted means the event entered the open batch for its key.
	Admitted Outcome = iota

	// Duplicate means the event_id was already seen within the horizon.
	// Duplicates are dropped silently and counted, not quarantined:
	// duplication is expected under at-least-once delivery.
	Duplicate

	// LateArrival means the event's timestamp is below the watermark
	// floor or its window already closed. Late arrivals are routed to
	// quarantine by the caller.
	LateArrival
)

// Batch is a closed window handed to the compactor.
type Batch struct {
	Key    event.PartitionKey
	Events []event.ValidatedEvent
}

// shard is the per-partition-key state. All access goes through Tracker.mu;
// keys never share state, so no cross-key coordination exists beyond it.
type shard struct {
	key    event.PartitionKey
	seen   map[string]time.Time
	open   []event.ValidatedEvent
	closed bool
}

// Tracker consumes validated events and produces closed batches.
type Tracker struct {
	mu       sync.Mutex
	lateness time.Duration
	horizon  time.Duration
	shards   map[string]*shard
	maxSeen  time.Time
	metrics  *observability.PipelineMetrics
}

// NewTracker creates a tracker. lateness is the grace period below the
// maximum seen event time; horizon is how long seen event_ids are retained
// and must be at least lateness.
func NewTracker(lateness, horizon time.Duration, metrics *observability.PipelineMetrics) *Tracker {
	if horizon < lateness {
		horizon = lateness
	}
	return &Tracker{
		lateness: lateness,
		horizon:  horizon,
		shards:   make(map[string]*shard),
		metrics:  metrics,
	}
}

// Watermark returns the current event-time watermark: the boundary below
// which arrivals are late beyond grace. It is monotonically non-decreasing
// because maxSeen only ever advances.
func (t *Tracker) Watermark() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.watermarkLocked()
}

func (t *Tracker) watermarkLocked() time.Time {
	if t.maxSeen.IsZero() {
		return time.Time{}
	}
	return t.maxSeen.Add(-t.lateness)
}

// Observe processes one validated event and reports its fate. The dedup
// check runs before the lateness check so a re-delivered copy of an already
// merged event counts as a duplicate rather than a late arrival.
func (t *Tracker) Observe(ev event.ValidatedEvent) Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()

	sh := t.shards[ev.Key.String()]

	if sh != nil {
		if _, dup := sh.seen[ev.EventID]; dup {
			if t.metrics != nil {
				t.metrics.RecordDuplicateDropped()
			}
			return Duplicate
		}
	}

	// The shard is created only on admission, so a late arrival for a key
	// never tracked before leaves no state behind.
	wm := t.watermarkLocked()
	if (sh != nil && sh.closed) || (!wm.IsZero() && ev.Timestamp.Before(wm)) {
		return LateArrival
	}

	if sh == nil {
		sh = t.shardLocked(ev.Key)
	}
	sh.seen[ev.EventID] = ev.Timestamp
	sh.open = append(sh.open, ev)

	if ev.Timestamp.After(t.maxSeen) {
		t.maxSeen = ev.Timestamp
	}

	return Admitted
}

// CloseReady closes every open batch whose window upper boundary the
// watermark has passed and returns the closed batches, oldest first.
func (t *Tracker) CloseReady() []Batch {
	t.mu.Lock()
	defer t.mu.Unlock()

	wm := t.watermarkLocked()
	if wm.IsZero() {
		return nil
	}

	var closed []Batch
	for _, sh := range t.shards {
		if sh.closed || len(sh.open) == 0 {
			continue
		}
		if !sh.key.End().After(wm) {
			closed = append(closed, t.closeShardLocked(sh))
		}
	}

	sort.Slice(closed, func(i, j int) bool {
		return closed[i].Key.Before(closed[j].Key)
	})
	return closed
}

// CloseKey closes the batch for a single key in response to an explicit
// flush or backfill-complete signal. Closing is idempotent: re-closing an
// already-closed or empty batch reports ok=false and has no effect.
func (t *Tracker) CloseKey(key event.PartitionKey) (Batch, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sh, exists := t.shards[key.String()]
	if !exists || sh.closed || len(sh.open) == 0 {
		return Batch{}, false
	}
	return t.closeShardLocked(sh), true
}

// CloseAll closes every non-empty open batch regardless of the watermark.
// Used at shutdown and at the end of a backfill range.
func (t *Tracker) CloseAll() []Batch {
	t.mu.Lock()
	defer t.mu.Unlock()

	var closed []Batch
	for _, sh := range t.shards {
		if sh.closed || len(sh.open) == 0 {
			continue
		}
		closed = append(closed, t.closeShardLocked(sh))
	}

	sort.Slice(closed, func(i, j int) bool {
		return closed[i].Key.Before(closed[j].Key)
	})
	return closed
}

func (t *Tracker) closeShardLocked(sh *shard) Batch {
	batch := Batch{Key: sh.key, Events: sh.open}
	sh.open = nil
	sh.closed = true
	return batch
}

// Prune drops seen event_ids older than the horizon and evicts closed
// shards whose windows fell entirely below it. Bounded memory depends on
// calling this periodically.
func (t *Tracker) Prune() {
	t.mu.Lock()
	defer t.mu.Unlock()

	wm := t.watermarkLocked()
	if wm.IsZero() {
		return
	}
	floor := wm.Add(t.lateness - t.horizon)

	for keyStr, sh := range t.shards {
		for id, ts := range sh.seen {
			if ts.Before(floor) {
				delete(sh.seen, id)
			}
		}
		if sh.closed && len(sh.seen) == 0 && len(sh.open) == 0 {
			delete(t.shards, keyStr)
		}
	}
}

// OpenKeys returns the keys with a non-empty open batch, oldest first.
func (t *Tracker) OpenKeys() []event.PartitionKey {
	t.mu.Lock()
	defer t.mu.Unlock()

	var keys []event.PartitionKey
	for _, sh := range t.shards {
		if !sh.closed && len(sh.open) > 0 {
			keys = append(keys, sh.key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Before(keys[j]) })
	return keys
}

// Snapshot captures the full tracker state for checkpointing, open batches
// included. The checkpointed Bronze offset moves past records whose events
// still sit in open batches, so the batches themselves must be durable or a
// restart would lose them.
func (t *Tracker) Snapshot() (time.Time, map[string]checkpoint.ShardState) {
	t.mu.Lock()
	defer t.mu.Unlock()

	shards := make(map[string]checkpoint.ShardState, len(t.shards))
	for keyStr, sh := range t.shards {
		seen := make(map[string]time.Time, len(sh.seen))
		for id, ts := range sh.seen {
			seen[id] = ts
		}
		open := make([]checkpoint.OpenEvent, len(sh.open))
		for i, ev := range sh.open {
			open[i] = checkpoint.OpenEvent{Raw: ev.RawEvent, Timestamp: ev.Timestamp}
		}
		shards[keyStr] = checkpoint.ShardState{
			Closed:  sh.closed,
			SeenIDs: seen,
			Open:    open,
		}
	}
	return t.maxSeen, shards
}

// Restore rebuilds tracker state from a checkpoint snapshot. Must be called
// before any Observe.
func (t *Tracker) Restore(maxEventTS time.Time, shards map[string]checkpoint.ShardState) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.maxSeen = maxEventTS
	for keyStr, st := range shards {
		key, err := event.ParseKey(keyStr)
		if err != nil {
			continue
		}
		seen := make(map[string]time.Time, len(st.SeenIDs))
		for id, ts := range st.SeenIDs {
			seen[id] = ts
		}
		var open []event.ValidatedEvent
		for _, oe := range st.Open {
			open = append(open, event.ValidatedEvent{
				RawEvent:  oe.Raw,
				Timestamp: oe.Timestamp,
				Key:       key,
			})
		}
		t.shards[keyStr] = &shard{
			key:    key,
			seen:   seen,
			open:   open,
			closed: st.Closed,
		}
	}
}

// shardLocked returns the shard for key, creating it on first use.
func (t *Tracker) shardLocked(key event.PartitionKey) *shard {
	keyStr := key.String()
	sh, exists := t.shards[keyStr]
	if !exists {
		sh = &shard{
			key:  key,
			seen: make(map[string]time.Time),
		}
		t.shards[keyStr] = sh
	}
	return sh
}
