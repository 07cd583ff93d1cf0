package vexfs

import (
	"log/slog"
	"time"

	"github.com/lspecian/vexfs/internal/resource"
	"github.com/lspecian/vexfs/wal"
)

type options struct {
	logger  *Logger
	metrics MetricsCollector

	walDisabled bool
	walOptions  []func(*wal.Options)

	resources resource.Config

	txnTimeout     time.Duration
	rebuildWorkers int
	batchWorkers   int

	cacheSize        int64
	checkScansPerSec float64
	checkOnOpen      bool
	snapshotOnClose  bool
}

// Option configures engine open behavior.
type Option func(*options)

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := vexfs.NewJSONLogger(slog.LevelInfo)
//	db, _ := vexfs.Open(dir, vexfs.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithMetricsCollector configures a metrics collector for monitoring
// operations. Pass nil to disable metrics collection.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metrics = mc
	}
}

// WithWALOptions tunes the write-ahead log: durability mode, group commit
// interval, compression, auto-checkpoint thresholds.
//
// Example:
//
//	vexfs.Open(dir, vexfs.WithWALOptions(func(o *wal.Options) {
//	    o.DurabilityMode = wal.DurabilitySync
//	    o.Compress = true
//	}))
func WithWALOptions(optFns ...func(*wal.Options)) Option {
	return func(o *options) {
		o.walOptions = append(o.walOptions, optFns...)
	}
}

// WithoutWAL disables write-ahead logging. Committed transactions are then
// only as durable as the last snapshot.
func WithoutWAL() Option {
	return func(o *options) {
		o.walDisabled = true
	}
}

// WithResourceLimits bounds managed memory, background workers, and
// background IO. Exceeding the memory budget fails allocations with
// ErrOutOfMemory instead of growing without bound.
func WithResourceLimits(cfg resource.Config) Option {
	return func(o *options) {
		o.resources = cfg
	}
}

// WithVectorCacheSize sets each collection's decoded-vector cache budget in
// bytes. 0 disables the cache.
func WithVectorCacheSize(n int64) Option {
	return func(o *options) {
		o.cacheSize = n
	}
}

// WithTransactionTimeout sets the default transaction timeout applied when a
// caller passes none. Transactions still Active past the deadline are aborted
// by the background sweeper.
func WithTransactionTimeout(d time.Duration) Option {
	return func(o *options) {
		o.txnTimeout = d
	}
}

// WithRebuildWorkers bounds the parallelism used for index rebuilds.
func WithRebuildWorkers(n int) Option {
	return func(o *options) {
		o.rebuildWorkers = n
	}
}

// WithBatchWorkers bounds the parallelism used for batch operations.
func WithBatchWorkers(n int) Option {
	return func(o *options) {
		o.batchWorkers = n
	}
}

// WithConsistencyCheckOnOpen runs a consistency check over every loaded
// collection after WAL replay, rebuilding diverged indexes from the record
// store before the engine accepts traffic.
func WithConsistencyCheckOnOpen(enabled bool) Option {
	return func(o *options) {
		o.checkOnOpen = enabled
	}
}

// WithConsistencyScanRate limits background consistency scans to n scans per
// second. 0 means unlimited.
func WithConsistencyScanRate(n float64) Option {
	return func(o *options) {
		o.checkScansPerSec = n
	}
}

// WithSnapshotOnClose writes a snapshot of every collection and truncates the
// WAL during Close. Enabled by default.
func WithSnapshotOnClose(enabled bool) Option {
	return func(o *options) {
		o.snapshotOnClose = enabled
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		logger:          NoopLogger(),
		metrics:         NoopMetricsCollector{},
		checkOnOpen:     true,
		snapshotOnClose: true,
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
