package wal

import "time"

// DurabilityMode defines the fsync behavior for WAL writes.
type DurabilityMode int

const (
	// DurabilityAsync performs no fsync. Fastest writes, data since the last
	// OS flush is lost on crash.
	DurabilityAsync DurabilityMode = iota

	// DurabilityGroupCommit batches fsync across concurrent commits at a
	// fixed interval. The default for most workloads.
	DurabilityGroupCommit

	// DurabilitySync fsyncs on every commit boundary. Slowest, strongest.
	DurabilitySync
)

// OperationType represents the type of entry in the WAL.
type OperationType uint8

const (
	// OpPut and OpDelete are logical operations emitted by ReplayCommitted.
	// They never appear on disk.
	OpPut OperationType = iota
	OpDelete

	// On-disk entry types. A transaction's prepare entries record its
	// intended mutations; the commit entry is the durability boundary.
	// Recovery applies only transactions with a commit entry.

	// OpPreparePut records an intended put (insert or overwrite).
	OpPreparePut
	// OpPrepareDelete records an intended delete.
	OpPrepareDelete
	// OpCommitTxn marks every prior prepare of the transaction as durable.
	OpCommitTxn
	// OpAbortTxn discards every prior prepare of the transaction.
	OpAbortTxn
	// OpCheckpoint marks a snapshot boundary; replay stops here.
	OpCheckpoint
)

// Entry is a single WAL record. Prepare entries carry the mutation payload;
// commit and abort entries carry only the transaction id.
type Entry struct {
	Type       OperationType
	TxnID      uint64
	Collection string
	ID         uint64
	Vector     []float32
	Metadata   []byte
	Overwrite  bool
	SeqNum     uint64
}

// Options contains configuration for the WAL.
type Options struct {
	// Path is the directory where the WAL file is stored.
	Path string

	// Compress enables zstd compression of the entry stream.
	Compress bool

	// CompressionLevel sets the zstd level (1-22); 3 is the balanced default.
	CompressionLevel int

	// AutoCheckpointOps triggers the checkpoint callback after N committed
	// transactions. 0 disables operation-based checkpoints.
	AutoCheckpointOps int

	// AutoCheckpointMB triggers the checkpoint callback when the WAL file
	// exceeds N megabytes. 0 disables size-based checkpoints.
	AutoCheckpointMB int

	// DurabilityMode controls fsync behavior.
	DurabilityMode DurabilityMode

	// GroupCommitInterval is the maximum wait before fsync in GroupCommit
	// mode.
	GroupCommitInterval time.Duration

	// GroupCommitMaxOps is the maximum commits batched before fsync in
	// GroupCommit mode.
	GroupCommitMaxOps int
}

// DefaultOptions returns default WAL options.
var DefaultOptions = Options{
	Path:                ".",
	Compress:            false,
	CompressionLevel:    3,
	AutoCheckpointOps:   10000,
	AutoCheckpointMB:    100,
	DurabilityMode:      DurabilityGroupCommit,
	GroupCommitInterval: 10 * time.Millisecond,
	GroupCommitMaxOps:   100,
}
