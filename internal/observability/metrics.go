// Package observability provides pipeline metrics: Prometheus counters for
// the validation/dedup/publish path and HdrHistogram-backed compaction
// duration tracking for percentile reporting.
package observability

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/silvermill/silvermill/pkg/event"
)

// PipelineMetrics holds the counters the pipeline emits.
type PipelineMetrics struct {
	eventsValidated     prometheus.Counter
	quarantined         *prometheus.CounterVec
	duplicatesDropped   prometheus.Counter
	lateArrivals        prometheus.Counter
	partitionsPublished prometheus.Counter

	mu   sync.Mutex
	hist *hdrhistogram.Histogram
}

// NewPipelineMetrics creates pipeline metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer in production; tests use a fresh
// prometheus.NewRegistry to avoid duplicate registration.
func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	m := &PipelineMetrics{
		eventsValidated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "silvermill_events_validated_total",
			Help: "Events that passed schema validation.",
		}),
		quarantined: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "silvermill_events_quarantined_total",
			Help: "Events routed to quarantine, by reason.",
		}, []string{"reason"}),
		duplicatesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "silvermill_duplicates_dropped_total",
			Help: "Duplicate event_ids dropped within the dedup horizon.",
		}),
		lateArrivals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "silvermill_late_arrivals_total",
			Help: "Events below the watermark floor, quarantined as LATE_ARRIVAL.",
		}),
		partitionsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "silvermill_partitions_published_total",
			Help: "Silver partition versions published through the catalog.",
		}),
		// Track 1µs..1h at 3 significant digits.
		hist: hdrhistogram.New(1, int64(time.Hour/time.Microsecond), 3),
	}

	reg.MustRegister(m.eventsValidated, m.quarantined, m.duplicatesDropped,
		m.lateArrivals, m.partitionsPublished)

	return m
}

// RecordValidated counts an event that passed validation.
func (m *PipelineMetrics) RecordValidated() {
	m.eventsValidated.Inc()
}

// RecordQuarantined counts a quarantined event by reason.
func (m *PipelineMetrics) RecordQuarantined(reason event.QuarantineReason) {
	m.quarantined.WithLabelValues(string(reason)).Inc()
	if reason == event.ReasonLateArrival {
		m.lateArrivals.Inc()
	}
}

// RecordDuplicateDropped counts a silently dropped duplicate. Duplicates are
// expected under at-least-once delivery and are informational, not errors.
func (m *PipelineMetrics) RecordDuplicateDropped() {
	m.duplicatesDropped.Inc()
}

// RecordPartitionPublished counts a published Silver partition version.
func (m *PipelineMetrics) RecordPartitionPublished() {
	m.partitionsPublished.Inc()
}

// ObserveCompaction records the duration of one compaction run.
func (m *PipelineMetrics) ObserveCompaction(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hist.RecordValue(d.Microseconds())
}

// CompactionSnapshot summarizes compaction durations recorded so far.
type CompactionSnapshot struct {
	Count int64
	P50   time.Duration
	P95   time.Duration
	P99   time.Duration
	Max   time.Duration
}

// CompactionDurations returns a snapshot of the duration histogram.
func (m *PipelineMetrics) CompactionDurations() CompactionSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	return CompactionSnapshot{
		Count: m.hist.TotalCount(),
		P50:   time.Duration(m.hist.ValueAtQuantile(50)) * time.Microsecond,
		P95:   time.Duration(m.hist.ValueAtQuantile(95)) * time.Microsecond,
		P99:   time.Duration(m.hist.ValueAtQuantile(99)) * time.Microsecond,
		Max:   time.Duration(m.hist.Max()) * time.Microsecond,
	}
}
