// Package metrics holds the Prometheus collectors shared by the replicator roles.
//
// All Record methods are safe to call on a nil *Metrics, so components can run
// without instrumentation in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "replicator"

// Store operation label values.
const (
	OpHead   = "head"
	OpCopy   = "copy"
	OpDelete = "delete"
	OpList   = "list"
	OpPut    = "put"
)

// Message outcome label values.
const (
	StatusAcked  = "acked"
	StatusFailed = "failed"
)

// Eviction outcome label values.
const (
	EvictionDeleted = "deleted"
	EvictionNoop    = "noop"
	EvictionFailed  = "failed"
)

// DefaultStoreLatencyBuckets cover S3-style requests from a few ms to tens of seconds.
var DefaultStoreLatencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

type Metrics struct {
	// StoreLatency tracks object store latency. Labels: operation, status.
	StoreLatency *prometheus.HistogramVec

	// StoreOps counts object store operations. Labels: operation, status.
	StoreOps *prometheus.CounterVec

	// Messages counts handled inbound messages. Labels: component, status.
	Messages *prometheus.CounterVec

	// EphemeralBytes is the last computed aggregate size of ephemeral objects. Labels: bucket.
	EphemeralBytes *prometheus.GaugeVec

	// EphemeralObjects is the last computed count of ephemeral objects. Labels: bucket.
	EphemeralObjects *prometheus.GaugeVec

	// ThresholdExceeded is 1 when EphemeralBytes is above the configured alarm threshold. Labels: bucket.
	ThresholdExceeded *prometheus.GaugeVec

	// Evictions counts sweeper runs by outcome. Labels: status.
	Evictions *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
// Pass prometheus.NewRegistry() in tests to avoid clashing with the default registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StoreLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "objectstore",
			Name:      "operation_latency_seconds",
			Help:      "Object store operation latency in seconds, by operation and status.",
			Buckets:   DefaultStoreLatencyBuckets,
		}, []string{"operation", "status"}),
		StoreOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "objectstore",
			Name:      "operations_total",
			Help:      "Total object store operations, by operation and status.",
		}, []string{"operation", "status"}),
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Inbound messages handled, by component and outcome.",
		}, []string{"component", "status"}),
		EphemeralBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "usage",
			Name:      "ephemeral_bytes",
			Help:      "Aggregate size in bytes of ephemeral objects in the destination bucket.",
		}, []string{"bucket"}),
		EphemeralObjects: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "usage",
			Name:      "ephemeral_objects",
			Help:      "Number of ephemeral objects in the destination bucket.",
		}, []string{"bucket"}),
		ThresholdExceeded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "usage",
			Name:      "threshold_exceeded",
			Help:      "1 when ephemeral usage is above the configured alarm threshold, 0 otherwise.",
		}, []string{"bucket"}),
		Evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "evictions_total",
			Help:      "Sweeper runs by outcome.",
		}, []string{"status"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.StoreLatency,
			m.StoreOps,
			m.Messages,
			m.EphemeralBytes,
			m.EphemeralObjects,
			m.ThresholdExceeded,
			m.Evictions,
		)
	}
	return m
}

func status(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// RecordStoreOp records one object store call that started at start.
func (m *Metrics) RecordStoreOp(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	st := status(err)
	m.StoreLatency.WithLabelValues(op, st).Observe(time.Since(start).Seconds())
	m.StoreOps.WithLabelValues(op, st).Inc()
}

// RecordMessages adds n messages with the given outcome for component.
func (m *Metrics) RecordMessages(component, status string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Messages.WithLabelValues(component, status).Add(float64(n))
}

// RecordUsage publishes the latest aggregate for bucket. A threshold of zero
// or less disables the threshold gauge.
func (m *Metrics) RecordUsage(bucket string, bytes int64, objects int, threshold int64) {
	if m == nil {
		return
	}
	m.EphemeralBytes.WithLabelValues(bucket).Set(float64(bytes))
	m.EphemeralObjects.WithLabelValues(bucket).Set(float64(objects))
	if threshold <= 0 {
		return
	}
	exceeded := 0.0
	if bytes > threshold {
		exceeded = 1
	}
	m.ThresholdExceeded.WithLabelValues(bucket).Set(exceeded)
}

// RecordEviction counts one sweeper run.
func (m *Metrics) RecordEviction(status string) {
	if m == nil {
		return
	}
	m.Evictions.WithLabelValues(status).Inc()
}
