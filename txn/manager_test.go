package txn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lspecian/vexfs/wal"
)

// fakeTarget applies operations to in-memory store and index id maps so the
// tests can observe apply order and partial-effect behavior.
type fakeTarget struct {
	mu    sync.Mutex
	store map[uint64][]float32
	index map[uint64]bool

	failValidate map[uint64]error
	applied      []uint64
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{
		store:        make(map[uint64][]float32),
		index:        make(map[uint64]bool),
		failValidate: make(map[uint64]error),
	}
}

func (f *fakeTarget) Prepare(ops []Operation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, op := range ops {
		if err := f.failValidate[op.ID]; err != nil {
			return err
		}
		if op.Kind == OpPut {
			if _, ok := f.store[op.ID]; ok && !op.Overwrite {
				return fmt.Errorf("record %d exists", op.ID)
			}
		}
	}
	return nil
}

func (f *fakeTarget) ApplyPut(_ context.Context, op Operation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.store[op.ID] = op.Vector
	f.index[op.ID] = true
	f.applied = append(f.applied, op.ID)
	return nil
}

func (f *fakeTarget) ApplyDelete(_ context.Context, id uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.store, id)
	delete(f.index, id)
	f.applied = append(f.applied, id)
	return nil
}

func (f *fakeTarget) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.store)
}

type fakeResolver struct {
	targets map[string]*fakeTarget
}

func (r *fakeResolver) Target(collection string) (Target, error) {
	t, ok := r.targets[collection]
	if !ok {
		return nil, fmt.Errorf("unknown collection %q", collection)
	}
	return t, nil
}

func newTestManager(t *testing.T, target *fakeTarget, cfgFns ...func(*Config)) *Manager {
	t.Helper()
	cfg := Config{
		Resolver:       &fakeResolver{targets: map[string]*fakeTarget{"vectors": target}},
		DetectInterval: 5 * time.Millisecond,
		SweepInterval:  10 * time.Millisecond,
	}
	for _, fn := range cfgFns {
		fn(&cfg)
	}
	m := NewManager(cfg)
	t.Cleanup(m.Close)
	return m
}

func TestCommitAppliesAllOperations(t *testing.T) {
	target := newFakeTarget()
	m := newTestManager(t, target)

	ctx := context.Background()
	tx, err := m.Begin(ctx, "vectors", LayerAll, ReadCommitted, 0)
	require.NoError(t, err)

	require.NoError(t, m.AddOperation(tx, Operation{Kind: OpPut, ID: 1, Vector: []float32{1}}))
	require.NoError(t, m.AddOperation(tx, Operation{Kind: OpPut, ID: 2, Vector: []float32{2}}))
	require.NoError(t, m.Commit(ctx, tx))

	assert.Equal(t, StateCommitted, tx.State())
	assert.Equal(t, 2, target.count())
	assert.Equal(t, []uint64{1, 2}, target.applied)
	assert.Zero(t, m.ActiveCount())
}

func TestPrepareFailureLeavesNoPartialEffect(t *testing.T) {
	target := newFakeTarget()
	bad := errors.New("validation failed")
	target.failValidate[2] = bad
	m := newTestManager(t, target)

	ctx := context.Background()
	tx, err := m.Begin(ctx, "vectors", LayerAll, ReadCommitted, 0)
	require.NoError(t, err)

	require.NoError(t, m.AddOperation(tx, Operation{Kind: OpPut, ID: 1, Vector: []float32{1}}))
	require.NoError(t, m.AddOperation(tx, Operation{Kind: OpPut, ID: 2, Vector: []float32{2}}))

	err = m.Commit(ctx, tx)
	assert.ErrorIs(t, err, bad)
	assert.Equal(t, StateAborted, tx.State())

	// The first operation validated fine but must not have been applied.
	assert.Zero(t, target.count())
	assert.Empty(t, target.applied)
}

func TestAbortDiscardsOperations(t *testing.T) {
	target := newFakeTarget()
	m := newTestManager(t, target)

	ctx := context.Background()
	tx, err := m.Begin(ctx, "vectors", LayerAll, ReadCommitted, 0)
	require.NoError(t, err)
	require.NoError(t, m.AddOperation(tx, Operation{Kind: OpPut, ID: 1, Vector: []float32{1}}))

	m.Abort(tx)
	assert.Equal(t, StateAborted, tx.State())
	assert.Zero(t, target.count())

	// Operations after abort are rejected.
	err = m.AddOperation(tx, Operation{Kind: OpPut, ID: 2})
	assert.ErrorIs(t, err, ErrTxnNotActive)
	err = m.Commit(ctx, tx)
	assert.ErrorIs(t, err, ErrTxnNotActive)
}

func TestCommitWritesWAL(t *testing.T) {
	dir := t.TempDir()
	w, err := wal.New(func(o *wal.Options) {
		o.Path = dir
		o.DurabilityMode = wal.DurabilitySync
		o.AutoCheckpointOps = 0
		o.AutoCheckpointMB = 0
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	target := newFakeTarget()
	m := newTestManager(t, target, func(c *Config) { c.WAL = w })

	ctx := context.Background()
	tx, err := m.Begin(ctx, "vectors", LayerAll, ReadCommitted, 0)
	require.NoError(t, err)
	require.NoError(t, m.AddOperation(tx, Operation{Kind: OpPut, ID: 7, Vector: []float32{1, 2}}))
	require.NoError(t, m.AddOperation(tx, Operation{Kind: OpDelete, ID: 8}))
	require.NoError(t, m.Commit(ctx, tx))

	var replayed []wal.Entry
	require.NoError(t, w.ReplayCommitted(func(e wal.Entry) error {
		replayed = append(replayed, e)
		return nil
	}))
	require.Len(t, replayed, 2)
	assert.Equal(t, wal.OpPut, replayed[0].Type)
	assert.Equal(t, uint64(7), replayed[0].ID)
	assert.Equal(t, "vectors", replayed[0].Collection)
	assert.Equal(t, wal.OpDelete, replayed[1].Type)
	assert.Equal(t, uint64(8), replayed[1].ID)
}

func TestAbortedTxnNotInWALReplay(t *testing.T) {
	dir := t.TempDir()
	w, err := wal.New(func(o *wal.Options) {
		o.Path = dir
		o.DurabilityMode = wal.DurabilitySync
		o.AutoCheckpointOps = 0
		o.AutoCheckpointMB = 0
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	target := newFakeTarget()
	target.failValidate[1] = errors.New("bad")
	m := newTestManager(t, target, func(c *Config) { c.WAL = w })

	ctx := context.Background()
	tx, err := m.Begin(ctx, "vectors", LayerAll, ReadCommitted, 0)
	require.NoError(t, err)
	require.NoError(t, m.AddOperation(tx, Operation{Kind: OpPut, ID: 1, Vector: []float32{1}}))
	require.Error(t, m.Commit(ctx, tx))

	count := 0
	require.NoError(t, w.ReplayCommitted(func(wal.Entry) error {
		count++
		return nil
	}))
	assert.Zero(t, count)
}

func TestTxnIDsResumeAboveRecoveredLog(t *testing.T) {
	dir := t.TempDir()
	walOpt := func(o *wal.Options) {
		o.Path = dir
		o.DurabilityMode = wal.DurabilitySync
		o.AutoCheckpointOps = 0
		o.AutoCheckpointMB = 0
	}

	// First run: txn 1 prepares but never commits; txn 2's abort flushes the
	// prepare to disk before the process dies.
	w, err := wal.New(walOpt)
	require.NoError(t, err)
	require.NoError(t, w.LogPreparePut(1, "vectors", 10, []float32{1}, nil, false))
	require.NoError(t, w.LogAbort(2))
	require.NoError(t, w.Close())

	w2, err := wal.New(walOpt)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w2.Close() })

	target := newFakeTarget()
	m := newTestManager(t, target, func(c *Config) { c.WAL = w2 })

	// The second run's first transaction must take an id above everything in
	// the log; reusing id 1 would attach the stale prepare to its commit.
	ctx := context.Background()
	tx, err := m.Begin(ctx, "vectors", LayerAll, ReadCommitted, 0)
	require.NoError(t, err)
	assert.Greater(t, tx.ID(), uint64(2))

	require.NoError(t, m.AddOperation(tx, Operation{Kind: OpPut, ID: 20, Vector: []float32{2}}))
	require.NoError(t, m.Commit(ctx, tx))

	var replayed []uint64
	require.NoError(t, w2.ReplayCommitted(func(e wal.Entry) error {
		replayed = append(replayed, e.ID)
		return nil
	}))
	assert.Equal(t, []uint64{20}, replayed)
}

func TestExclusiveLockSerializesWriters(t *testing.T) {
	target := newFakeTarget()
	m := newTestManager(t, target)

	ctx := context.Background()
	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n uint64) {
			defer wg.Done()
			tx, err := m.Begin(ctx, "vectors", LayerAll, ReadCommitted, time.Second)
			if err != nil {
				return
			}
			if err := m.AddOperation(tx, Operation{Kind: OpPut, ID: n + 1, Vector: []float32{1}, Overwrite: true}); err != nil {
				return
			}
			_ = m.Commit(ctx, tx)
		}(uint64(i))
	}
	wg.Wait()

	assert.Equal(t, writers, target.count())
}

func TestMaintenanceLockFencesCommitters(t *testing.T) {
	target := newFakeTarget()
	m := newTestManager(t, target)

	ctx := context.Background()
	release, err := m.Maintenance(ctx, "vectors", time.Minute)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		tx, berr := m.Begin(ctx, "vectors", LayerAll, ReadCommitted, time.Minute)
		if berr != nil {
			done <- berr
			return
		}
		if aerr := m.AddOperation(tx, Operation{Kind: OpPut, ID: 1, Vector: []float32{1}}); aerr != nil {
			done <- aerr
			return
		}
		done <- m.Commit(ctx, tx)
	}()

	// The committer blocks on the exclusive lock for as long as the
	// maintenance holder keeps it.
	select {
	case cerr := <-done:
		t.Fatalf("commit finished under maintenance lock: %v", cerr)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Zero(t, target.count())

	release()
	require.NoError(t, <-done)
	assert.Equal(t, 1, target.count())
}

func TestDeadlockDetectorAbortsYoungest(t *testing.T) {
	targets := map[string]*fakeTarget{"a": newFakeTarget(), "b": newFakeTarget()}
	m := NewManager(Config{
		Resolver:       &fakeResolver{targets: targets},
		DetectInterval: 5 * time.Millisecond,
		SweepInterval:  time.Minute,
	})
	t.Cleanup(m.Close)

	ctx := context.Background()

	// Older holds a shared view of "a", younger of "b". Each then wants the
	// other's collection exclusively: a cycle only the detector can break.
	older, err := m.Begin(ctx, "a", LayerAll, Snapshot, 5*time.Second)
	require.NoError(t, err)
	younger, err := m.Begin(ctx, "b", LayerAll, Snapshot, 5*time.Second)
	require.NoError(t, err)

	errCh := make(chan error, 2)
	go func() {
		errCh <- m.locks.acquire(ctx, older, "b", lockExclusive)
	}()
	go func() {
		errCh <- m.locks.acquire(ctx, younger, "a", lockExclusive)
	}()

	var got error
	select {
	case got = <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatal("deadlock was not broken")
	}
	assert.ErrorIs(t, got, ErrDeadlock)
}

func TestTimeoutSweeperAbortsExpired(t *testing.T) {
	target := newFakeTarget()
	m := newTestManager(t, target)

	ctx := context.Background()
	tx, err := m.Begin(ctx, "vectors", LayerAll, ReadCommitted, 20*time.Millisecond)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return tx.State() == StateAborted
	}, 2*time.Second, 10*time.Millisecond)

	err = m.Commit(ctx, tx)
	assert.ErrorIs(t, err, ErrTxnNotActive)
}

func TestSnapshotReadersShareAccess(t *testing.T) {
	target := newFakeTarget()
	m := newTestManager(t, target)

	ctx := context.Background()
	r1, err := m.Begin(ctx, "vectors", LayerAll, Snapshot, time.Second)
	require.NoError(t, err)
	r2, err := m.Begin(ctx, "vectors", LayerAll, Snapshot, time.Second)
	require.NoError(t, err)

	// Both shared views are live at once; committing read-only releases.
	require.NoError(t, m.Commit(ctx, r1))
	require.NoError(t, m.Commit(ctx, r2))
	assert.Equal(t, StateCommitted, r1.State())
	assert.Equal(t, StateCommitted, r2.State())
}

func TestCheckerDetectsDivergence(t *testing.T) {
	c := NewChecker(CheckerConfig{MaxConcurrent: 2})
	ctx := context.Background()

	storeIDs := roaring64.BitmapOf(1, 2, 3)
	indexIDs := roaring64.BitmapOf(2, 3, 4)

	err := c.Check(ctx, "vectors", storeIDs, indexIDs)
	var cerr *ConsistencyError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, uint64(1), cerr.MissingInIdx)
	assert.Equal(t, uint64(1), cerr.OrphanedIdx)

	// Identical sets pass.
	assert.NoError(t, c.Check(ctx, "vectors", storeIDs, storeIDs.Clone()))
}

func TestCheckAndRepairInvokesRepair(t *testing.T) {
	c := NewChecker(CheckerConfig{})
	ctx := context.Background()

	repaired := false
	err := c.CheckAndRepair(ctx, "vectors",
		roaring64.BitmapOf(1, 2), roaring64.BitmapOf(1),
		func(context.Context) error {
			repaired = true
			return nil
		})
	assert.NoError(t, err)
	assert.True(t, repaired)

	// Failed repair surfaces the original violation.
	err = c.CheckAndRepair(ctx, "vectors",
		roaring64.BitmapOf(1, 2), roaring64.BitmapOf(1),
		func(context.Context) error {
			return errors.New("rebuild failed")
		})
	var cerr *ConsistencyError
	assert.ErrorAs(t, err, &cerr)
}

func TestManagerClosedRejectsBegin(t *testing.T) {
	target := newFakeTarget()
	m := newTestManager(t, target)
	m.Close()

	_, err := m.Begin(context.Background(), "vectors", LayerAll, ReadCommitted, 0)
	assert.ErrorIs(t, err, ErrManagerClosed)
}
