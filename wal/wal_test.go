package wal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWAL(t *testing.T, optFns ...func(o *Options)) *WAL {
	t.Helper()
	dir := t.TempDir()
	all := append([]func(o *Options){func(o *Options) {
		o.Path = dir
		o.DurabilityMode = DurabilitySync
		o.AutoCheckpointOps = 0
		o.AutoCheckpointMB = 0
	}}, optFns...)
	w, err := New(all...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func replayAll(t *testing.T, w *WAL) []Entry {
	t.Helper()
	var entries []Entry
	require.NoError(t, w.ReplayCommitted(func(e Entry) error {
		entries = append(entries, e)
		return nil
	}))
	return entries
}

func TestCommittedTransactionReplays(t *testing.T) {
	w := newTestWAL(t)

	require.NoError(t, w.LogPreparePut(1, "vectors", 10, []float32{1, 2, 3}, []byte("m"), false))
	require.NoError(t, w.LogPrepareDelete(1, "vectors", 11))
	require.NoError(t, w.LogCommit(1))

	entries := replayAll(t, w)
	require.Len(t, entries, 2)

	assert.Equal(t, OpPut, entries[0].Type)
	assert.Equal(t, uint64(1), entries[0].TxnID)
	assert.Equal(t, "vectors", entries[0].Collection)
	assert.Equal(t, uint64(10), entries[0].ID)
	assert.Equal(t, []float32{1, 2, 3}, entries[0].Vector)
	assert.Equal(t, []byte("m"), entries[0].Metadata)

	assert.Equal(t, OpDelete, entries[1].Type)
	assert.Equal(t, uint64(11), entries[1].ID)
}

func TestAbortedTransactionDiscarded(t *testing.T) {
	w := newTestWAL(t)

	require.NoError(t, w.LogPreparePut(1, "vectors", 10, []float32{1}, nil, false))
	require.NoError(t, w.LogAbort(1))
	require.NoError(t, w.LogPreparePut(2, "vectors", 20, []float32{2}, nil, false))
	require.NoError(t, w.LogCommit(2))

	entries := replayAll(t, w)
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(20), entries[0].ID)
}

func TestUnfinishedTransactionDiscarded(t *testing.T) {
	w := newTestWAL(t)

	require.NoError(t, w.LogPreparePut(1, "vectors", 10, []float32{1}, nil, false))
	// No commit: a crash here must leave no effect.

	entries := replayAll(t, w)
	assert.Empty(t, entries)
}

func TestInterleavedTransactions(t *testing.T) {
	w := newTestWAL(t)

	require.NoError(t, w.LogPreparePut(1, "a", 1, []float32{1}, nil, false))
	require.NoError(t, w.LogPreparePut(2, "b", 2, []float32{2}, nil, false))
	require.NoError(t, w.LogPreparePut(1, "a", 3, []float32{3}, nil, true))
	require.NoError(t, w.LogCommit(2))
	require.NoError(t, w.LogCommit(1))

	entries := replayAll(t, w)
	require.Len(t, entries, 3)

	// Commit order wins: txn 2 first, then txn 1's prepares in their own
	// prepare order.
	assert.Equal(t, uint64(2), entries[0].ID)
	assert.Equal(t, uint64(1), entries[1].ID)
	assert.Equal(t, uint64(3), entries[2].ID)
	assert.True(t, entries[2].Overwrite)
}

func TestCheckpointTruncates(t *testing.T) {
	w := newTestWAL(t)

	require.NoError(t, w.LogPreparePut(1, "vectors", 10, []float32{1}, nil, false))
	require.NoError(t, w.LogCommit(1))
	require.NoError(t, w.Checkpoint())

	entries := replayAll(t, w)
	assert.Empty(t, entries)

	n, err := w.Len()
	require.NoError(t, err)
	assert.Zero(t, n)

	// The WAL stays usable after truncation.
	require.NoError(t, w.LogPreparePut(2, "vectors", 20, []float32{2}, nil, false))
	require.NoError(t, w.LogCommit(2))
	entries = replayAll(t, w)
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(20), entries[0].ID)
}

func TestReopenPreservesEntries(t *testing.T) {
	dir := t.TempDir()
	opt := func(o *Options) {
		o.Path = dir
		o.DurabilityMode = DurabilitySync
		o.AutoCheckpointOps = 0
		o.AutoCheckpointMB = 0
	}

	w, err := New(opt)
	require.NoError(t, err)
	require.NoError(t, w.LogPreparePut(1, "vectors", 10, []float32{1, 2}, nil, false))
	require.NoError(t, w.LogCommit(1))
	require.NoError(t, w.Close())

	w2, err := New(opt)
	require.NoError(t, err)
	defer func() { _ = w2.Close() }()

	entries := replayAll(t, w2)
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(10), entries[0].ID)

	// Sequence numbering continues past the recovered entries.
	require.NoError(t, w2.LogPreparePut(2, "vectors", 20, []float32{3}, nil, false))
	require.NoError(t, w2.LogCommit(2))
	entries = replayAll(t, w2)
	assert.Len(t, entries, 2)
}

func TestCompressedRoundTrip(t *testing.T) {
	dir := t.TempDir()
	opt := func(o *Options) {
		o.Path = dir
		o.Compress = true
		o.DurabilityMode = DurabilitySync
		o.AutoCheckpointOps = 0
		o.AutoCheckpointMB = 0
	}

	w, err := New(opt)
	require.NoError(t, err)

	for txn := uint64(1); txn <= 20; txn++ {
		require.NoError(t, w.LogPreparePut(txn, "vectors", txn*100, []float32{float32(txn), 1, 2, 3}, []byte("meta"), false))
		require.NoError(t, w.LogCommit(txn))
	}
	require.NoError(t, w.Close())

	w2, err := New(opt)
	require.NoError(t, err)
	defer func() { _ = w2.Close() }()

	entries := replayAll(t, w2)
	require.Len(t, entries, 20)
	assert.Equal(t, uint64(100), entries[0].ID)
	assert.Equal(t, uint64(2000), entries[19].ID)
}

func TestGroupCommitDurability(t *testing.T) {
	dir := t.TempDir()
	w, err := New(func(o *Options) {
		o.Path = dir
		o.DurabilityMode = DurabilityGroupCommit
		o.AutoCheckpointOps = 0
		o.AutoCheckpointMB = 0
	})
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	// LogCommit blocks until the group commit worker persists the entry, so
	// a replay immediately after must see it.
	require.NoError(t, w.LogPreparePut(1, "vectors", 10, []float32{1}, nil, false))
	require.NoError(t, w.LogCommit(1))

	entries := replayAll(t, w)
	require.Len(t, entries, 1)
}

func TestTornTailCutOnOpen(t *testing.T) {
	dir := t.TempDir()
	opt := func(o *Options) {
		o.Path = dir
		o.DurabilityMode = DurabilitySync
		o.AutoCheckpointOps = 0
		o.AutoCheckpointMB = 0
	}

	w, err := New(opt)
	require.NoError(t, err)
	require.NoError(t, w.LogPreparePut(1, "vectors", 10, []float32{1}, nil, false))
	require.NoError(t, w.LogCommit(1))

	// A prepare large enough to overflow the write buffer reaches the file
	// mid-entry; dropping the handle without a flush leaves it torn, the way
	// a crash would.
	big := make([]float32, 2000)
	require.NoError(t, w.LogPreparePut(2, "vectors", 11, big, nil, false))
	require.NoError(t, w.file.Close())
	w.file = nil

	w2, err := New(opt)
	require.NoError(t, err)

	// The intact prefix survives the cut.
	entries := replayAll(t, w2)
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(10), entries[0].ID)

	// Entries appended after the cut land on a clean tail, so a later replay
	// sees them instead of stopping at leftover garbage.
	require.NoError(t, w2.LogPreparePut(3, "vectors", 20, []float32{2}, nil, false))
	require.NoError(t, w2.LogCommit(3))
	require.NoError(t, w2.Close())

	w3, err := New(opt)
	require.NoError(t, err)
	defer func() { _ = w3.Close() }()

	entries = replayAll(t, w3)
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(10), entries[0].ID)
	assert.Equal(t, uint64(20), entries[1].ID)
}

func TestMaxTxnIDSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	opt := func(o *Options) {
		o.Path = dir
		o.DurabilityMode = DurabilitySync
		o.AutoCheckpointOps = 0
		o.AutoCheckpointMB = 0
	}

	w, err := New(opt)
	require.NoError(t, err)
	assert.Zero(t, w.MaxTxnID())

	// The unfinished prepare of txn 7 reaches disk when txn 8's abort flushes
	// the buffer. Both ids must be visible after reopen, committed or not.
	require.NoError(t, w.LogPreparePut(7, "vectors", 10, []float32{1}, nil, false))
	require.NoError(t, w.LogAbort(8))
	require.NoError(t, w.file.Close())
	w.file = nil

	w2, err := New(opt)
	require.NoError(t, err)
	defer func() { _ = w2.Close() }()
	assert.Equal(t, uint64(8), w2.MaxTxnID())
}

func TestLenCountsAllEntryKinds(t *testing.T) {
	w := newTestWAL(t)

	require.NoError(t, w.LogPreparePut(1, "vectors", 10, []float32{1}, nil, false))
	require.NoError(t, w.LogPrepareDelete(1, "vectors", 11))
	require.NoError(t, w.LogCommit(1))
	require.NoError(t, w.LogAbort(2))

	n, err := w.Len()
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}
