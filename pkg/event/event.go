// Package event provides the core clickstream event types flowing through
// the Silver pipeline: raw Bronze records, validated events, quarantine
// records, and the (date, hour) partition key.
package event

import (
	"fmt"
	"time"
)

// Type categorizes a clickstream event.
type Type string

const (
	TypePageView  Type = "page_view"
	TypeAddToCart Type = "add_to_cart"
	TypePurchase  Type = "purchase"

	// TypeOther is assigned to unrecognized event types when the validator
	// runs in pass-through mode instead of strict rejection.
	TypeOther Type = "other"
)

// DefaultAllowedTypes returns the event type allow-list used when the
// configuration does not override it.
func DefaultAllowedTypes() []string {
	return []string{string(TypePageView), string(TypeAddToCart), string(TypePurchase)}
}

// RawEvent is a single record as it arrives from Bronze storage. Fields are
// kept exactly as decoded; nothing is normalized until validation. A RawEvent
// is immutable once read.
type RawEvent struct {
	// EventID is the globally unique identifier assigned by the producer.
	EventID string `json:"event_id"`

	// EventTS is the event-time timestamp as produced (RFC 3339 with
	// millisecond precision).
	EventTS string `json:"event_ts"`

	// UserID identifies the user ("usr_<hex>").
	UserID string `json:"user_id"`

	// SessionID identifies the browsing session ("sess_<hex>").
	SessionID string `json:"session_id"`

	// EventType is the producer-supplied event category.
	EventType string `json:"event_type"`

	// Page is the page path the event occurred on.
	Page string `json:"page"`

	// Referrer is the traffic source ("direct", "google", ...).
	Referrer string `json:"referrer"`

	// Device holds device metadata (os, browser).
	Device map[string]string `json:"device,omitempty"`

	// Geo holds geo metadata (country, city).
	Geo map[string]string `json:"geo,omitempty"`

	// Attributes holds free-form event attributes, including commerce
	// fields (product_id, price, order_id, ...) for cart and purchase
	// events.
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// ValidatedEvent is a RawEvent that passed schema validation. Timestamp is
// the parsed event time and Key the partition the event belongs to. A
// ValidatedEvent is never mutated after the validator emits it.
type ValidatedEvent struct {
	RawEvent

	// Timestamp is EventTS parsed to UTC.
	Timestamp time.Time `json:"-"`

	// Key is the (date, hour) partition derived from Timestamp.
	Key PartitionKey `json:"-"`
}

// QuarantineReason explains why a record was rejected by the pipeline.
type QuarantineReason string

const (
	ReasonMissingField        QuarantineReason = "MISSING_FIELD"
	ReasonBadTimestamp        QuarantineReason = "BAD_TIMESTAMP"
	ReasonUnknownEventType    QuarantineReason = "UNKNOWN_EVENT_TYPE"
	ReasonTimestampOutOfRange QuarantineReason = "TIMESTAMP_OUT_OF_RANGE"
	ReasonLateArrival         QuarantineReason = "LATE_ARRIVAL"
)

// QuarantineRecord pairs a rejected event with its rejection reason.
// Quarantine is terminal: records are written to the side location and
// never retried automatically.
type QuarantineRecord struct {
	Event         RawEvent         `json:"event"`
	Reason        QuarantineReason `json:"reason"`
	Detail        string           `json:"detail,omitempty"`
	QuarantinedAt time.Time        `json:"quarantined_at"`
}

// PartitionKey identifies the (date, hour) bucket a Silver partition covers.
// Date is a UTC calendar day in YYYYMMDD form; Hour is in [0, 23].
type PartitionKey struct {
	Date string `json:"date"`
	Hour int    `json:"hour"`
}

// KeyForTime derives the partition key for an event timestamp.
func KeyForTime(t time.Time) PartitionKey {
	utc := t.UTC()
	return PartitionKey{Date: utc.Format("20060102"), Hour: utc.Hour()}
}

// ParseKey parses the catalog form "YYYYMMDDHH" back into a PartitionKey.
func ParseKey(s string) (PartitionKey, error) {
	if len(s) != 10 {
		return PartitionKey{}, fmt.Errorf("event: invalid partition key %q: want YYYYMMDDHH", s)
	}
	t, err := time.Parse("2006010215", s)
	if err != nil {
		return PartitionKey{}, fmt.Errorf("event: invalid partition key %q: %w", s, err)
	}
	return KeyForTime(t), nil
}

// String returns the catalog form "YYYYMMDDHH".
func (k PartitionKey) String() string {
	return fmt.Sprintf("%s%02d", k.Date, k.Hour)
}

// ObjectPrefix returns the object-path form "YYYYMMDD/HH".
func (k PartitionKey) ObjectPrefix() string {
	return fmt.Sprintf("%s/%02d", k.Date, k.Hour)
}

// Start returns the inclusive lower time bound of the partition.
func (k PartitionKey) Start() time.Time {
	t, err := time.Parse("20060102", k.Date)
	if err != nil {
		return time.Time{}
	}
	return t.Add(time.Duration(k.Hour) * time.Hour)
}

// End returns the exclusive upper time bound of the partition.
func (k PartitionKey) End() time.Time {
	return k.Start().Add(time.Hour)
}

// Next returns the partition key for the following hour.
func (k PartitionKey) Next() PartitionKey {
	return KeyForTime(k.Start().Add(time.Hour))
}

// Before reports whether k covers an earlier hour than other.
func (k PartitionKey) Before(other PartitionKey) bool {
	return k.Start().Before(other.Start())
}

// IsZero reports whether the key is unset.
func (k PartitionKey) IsZero() bool {
	return k.Date == "" && k.Hour == 0
}

// KeysInRange returns every partition key whose window overlaps
// [from, to). Bounds are interpreted in UTC.
func KeysInRange(from, to time.Time) []PartitionKey {
	if !from.Before(to) {
		return nil
	}
	var keys []PartitionKey
	k := KeyForTime(from)
	for k.Start().Before(to.UTC()) {
		keys = append(keys, k)
		k = k.Next()
	}
	return keys
}
