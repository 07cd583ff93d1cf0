package vexfs

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems, or use
// NewPrometheusMetricsCollector for a ready-made Prometheus binding.
type MetricsCollector interface {
	// RecordInsert is called after each insert operation.
	// duration is the total time taken, err is nil if successful.
	RecordInsert(duration time.Duration, err error)

	// RecordBatchInsert is called after each batch insert operation.
	// count is the number of items attempted, failed is the number that
	// failed, duration is the total time taken.
	RecordBatchInsert(count, failed int, duration time.Duration)

	// RecordSearch is called after each search operation.
	// k is the number of neighbors requested, duration is the time taken,
	// err is nil if successful.
	RecordSearch(k int, duration time.Duration, err error)

	// RecordDelete is called after each delete operation.
	RecordDelete(duration time.Duration, err error)

	// RecordRebuild is called after each index rebuild.
	RecordRebuild(duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordInsert(time.Duration, error)         {}
func (NoopMetricsCollector) RecordBatchInsert(int, int, time.Duration) {}
func (NoopMetricsCollector) RecordSearch(int, time.Duration, error)    {}
func (NoopMetricsCollector) RecordDelete(time.Duration, error)         {}
func (NoopMetricsCollector) RecordRebuild(time.Duration, error)        {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and tests without external dependencies.
type BasicMetricsCollector struct {
	InsertCount       atomic.Int64
	InsertErrors      atomic.Int64
	InsertTotalNanos  atomic.Int64
	BatchInsertCount  atomic.Int64
	BatchInsertItems  atomic.Int64
	BatchInsertFailed atomic.Int64
	SearchCount       atomic.Int64
	SearchErrors      atomic.Int64
	SearchTotalNanos  atomic.Int64
	DeleteCount       atomic.Int64
	DeleteErrors      atomic.Int64
	RebuildCount      atomic.Int64
	RebuildErrors     atomic.Int64
}

// RecordInsert implements MetricsCollector.
func (b *BasicMetricsCollector) RecordInsert(duration time.Duration, err error) {
	b.InsertCount.Add(1)
	b.InsertTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.InsertErrors.Add(1)
	}
}

// RecordBatchInsert implements MetricsCollector.
func (b *BasicMetricsCollector) RecordBatchInsert(count, failed int, duration time.Duration) {
	b.BatchInsertCount.Add(1)
	b.BatchInsertItems.Add(int64(count))
	b.BatchInsertFailed.Add(int64(failed))
}

// RecordSearch implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSearch(k int, duration time.Duration, err error) {
	b.SearchCount.Add(1)
	b.SearchTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.SearchErrors.Add(1)
	}
}

// RecordDelete implements MetricsCollector.
func (b *BasicMetricsCollector) RecordDelete(duration time.Duration, err error) {
	b.DeleteCount.Add(1)
	if err != nil {
		b.DeleteErrors.Add(1)
	}
}

// RecordRebuild implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRebuild(duration time.Duration, err error) {
	b.RebuildCount.Add(1)
	if err != nil {
		b.RebuildErrors.Add(1)
	}
}

// PrometheusMetricsCollector exports operation metrics to a Prometheus
// registry. Operation latencies are histograms labeled by outcome.
type PrometheusMetricsCollector struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	batchItems prometheus.Counter
	batchFails prometheus.Counter
}

// NewPrometheusMetricsCollector registers the engine's metrics with reg.
// Pass prometheus.DefaultRegisterer for the process-global registry.
func NewPrometheusMetricsCollector(reg prometheus.Registerer) *PrometheusMetricsCollector {
	c := &PrometheusMetricsCollector{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vexfs",
			Name:      "operations_total",
			Help:      "Total operations by type and outcome.",
		}, []string{"op", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vexfs",
			Name:      "operation_duration_seconds",
			Help:      "Operation latency by type.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 12),
		}, []string{"op"}),
		batchItems: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vexfs",
			Name:      "batch_items_total",
			Help:      "Total items submitted through batch inserts.",
		}),
		batchFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vexfs",
			Name:      "batch_item_failures_total",
			Help:      "Batch insert items that failed.",
		}),
	}
	reg.MustRegister(c.operations, c.latency, c.batchItems, c.batchFails)
	return c
}

func (c *PrometheusMetricsCollector) record(op string, duration time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.operations.WithLabelValues(op, outcome).Inc()
	c.latency.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordInsert implements MetricsCollector.
func (c *PrometheusMetricsCollector) RecordInsert(duration time.Duration, err error) {
	c.record("insert", duration, err)
}

// RecordBatchInsert implements MetricsCollector.
func (c *PrometheusMetricsCollector) RecordBatchInsert(count, failed int, duration time.Duration) {
	c.record("batch_insert", duration, nil)
	c.batchItems.Add(float64(count))
	c.batchFails.Add(float64(failed))
}

// RecordSearch implements MetricsCollector.
func (c *PrometheusMetricsCollector) RecordSearch(k int, duration time.Duration, err error) {
	c.record("search", duration, err)
}

// RecordDelete implements MetricsCollector.
func (c *PrometheusMetricsCollector) RecordDelete(duration time.Duration, err error) {
	c.record("delete", duration, err)
}

// RecordRebuild implements MetricsCollector.
func (c *PrometheusMetricsCollector) RecordRebuild(duration time.Duration, err error) {
	c.record("rebuild", duration, err)
}
