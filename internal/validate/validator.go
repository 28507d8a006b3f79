// Package validate implements the event schema validator: the first stage of
// the Silver pipeline. Every raw Bronze record is either admitted as a
// ValidatedEvent or routed to quarantine with a reason; validation never
// fails with an error on malformed input.
package validate

import (
	"fmt"
	"time"

	"github.com/silvermill/silvermill/internal/config"
	"github.com/silvermill/silvermill/internal/observability"
	"github.com/silvermill/silvermill/pkg/event"
)

// Validator checks raw events against the versioned schema: required
// fields, event type allow-list, and timestamp skew window.
type Validator struct {
	allowed      map[string]struct{}
	policy       config.UnknownTypePolicy
	maxLateness  time.Duration
	maxEarlySkew time.Duration
	skipSkew     bool
	metrics      *observability.PipelineMetrics

	// now is swappable for tests.
	now func() time.Time
}

// New creates a validator from the validation config.
func New(cfg config.ValidationConfig, metrics *observability.PipelineMetrics) *Validator {
	allowed := make(map[string]struct{}, len(cfg.AllowedEventTypes))
	for _, t := range cfg.AllowedEventTypes {
		allowed[t] = struct{}{}
	}

	return &Validator{
		allowed:      allowed,
		policy:       cfg.UnknownTypePolicy,
		maxLateness:  cfg.MaxLateness,
		maxEarlySkew: cfg.MaxEarlySkew,
		metrics:      metrics,
		now:          time.Now,
	}
}

// WithClock replaces the wall clock used for skew checks. Tests only.
func (v *Validator) WithClock(now func() time.Time) *Validator {
	v.now = now
	return v
}

// ForReprocessing returns a copy of the validator with the ingestion-time
// skew check disabled. Historical Bronze data is by definition outside the
// live skew window; schema and allow-list checks still apply.
func (v *Validator) ForReprocessing() *Validator {
	clone := *v
	clone.skipSkew = true
	return &clone
}

// Validate checks a single raw event. It returns either a ValidatedEvent or
// a QuarantineRecord, never both and never an error.
func (v *Validator) Validate(raw event.RawEvent) (event.ValidatedEvent, *event.QuarantineRecord) {
	if raw.EventID == "" {
		return v.quarantine(raw, event.ReasonMissingField, "event_id is empty")
	}
	if raw.EventTS == "" {
		return v.quarantine(raw, event.ReasonMissingField, "event_ts is empty")
	}
	if raw.EventType == "" {
		return v.quarantine(raw, event.ReasonMissingField, "event_type is empty")
	}

	ts, err := time.Parse(time.RFC3339, raw.EventTS)
	if err != nil {
		return v.quarantine(raw, event.ReasonBadTimestamp,
			fmt.Sprintf("cannot parse event_ts %q: %v", raw.EventTS, err))
	}
	ts = ts.UTC()

	if _, ok := v.allowed[raw.EventType]; !ok {
		if v.policy == config.PolicyReject {
			return v.quarantine(raw, event.ReasonUnknownEventType,
				fmt.Sprintf("event_type %q not in allow-list", raw.EventType))
		}
		raw.EventType = string(event.TypeOther)
	}

	if !v.skipSkew {
		now := v.now().UTC()
		if ts.Before(now.Add(-v.maxLateness)) || ts.After(now.Add(v.maxEarlySkew)) {
			return v.quarantine(raw, event.ReasonTimestampOutOfRange,
				fmt.Sprintf("event_ts %s outside [-%v, +%v] of ingestion time %s",
					ts.Format(time.RFC3339), v.maxLateness, v.maxEarlySkew, now.Format(time.RFC3339)))
		}
	}

	if v.metrics != nil {
		v.metrics.RecordValidated()
	}

	return event.ValidatedEvent{
		RawEvent:  raw,
		Timestamp: ts,
		Key:       event.KeyForTime(ts),
	}, nil
}

// quarantine builds the terminal rejection record and counts it.
func (v *Validator) quarantine(raw event.RawEvent, reason event.QuarantineReason, detail string) (event.ValidatedEvent, *event.QuarantineRecord) {
	if v.metrics != nil {
		v.metrics.RecordQuarantined(reason)
	}
	return event.ValidatedEvent{}, &event.QuarantineRecord{
		Event:         raw,
		Reason:        reason,
		Detail:        detail,
		QuarantinedAt: v.now().UTC(),
	}
}
