package coordinator

import (
	"bytes"
	"context"
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lspecian/vexfs/distance"
	"github.com/lspecian/vexfs/index"
	"github.com/lspecian/vexfs/internal/resource"
	"github.com/lspecian/vexfs/store"
	"github.com/lspecian/vexfs/txn"
)

func hnswSpec(name string, dim int) Spec {
	return Spec{
		Name:      name,
		Dimension: dim,
		Metric:    distance.MetricL2,
		Params: index.Params{
			Kind: index.KindHNSW,
			HNSW: &index.HNSWParams{M: 8, EFConstruction: 64, EFSearch: 32, MaxLayer: 8, Heuristic: true},
		},
	}
}

func lshParams() index.Params {
	return index.Params{
		Kind: index.KindLSH,
		LSH:  &index.LSHParams{NumTables: 6, NumFunctions: 10, NumProbes: 2},
	}
}

func putOp(id uint64, vec []float32) txn.Operation {
	return txn.Operation{Kind: txn.OpPut, Layer: txn.LayerAll, ID: id, Vector: vec}
}

func randomVectors(n, dim int, seed uint64) [][]float32 {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dim)
		for j := range v {
			v[j] = float32(rng.NormFloat64())
		}
		out[i] = v
	}
	return out
}

func fill(t *testing.T, target txn.Target, vecs [][]float32) []uint64 {
	t.Helper()
	ops := make([]txn.Operation, len(vecs))
	for i, v := range vecs {
		ops[i] = putOp(0, v)
	}
	require.NoError(t, target.Prepare(ops))
	ids := make([]uint64, len(ops))
	for i, op := range ops {
		require.NoError(t, target.ApplyPut(context.Background(), op))
		ids[i] = op.ID
	}
	return ids
}

func TestCreateAndGet(t *testing.T) {
	co := New(Config{})
	defer co.Close()

	c, err := co.Create(hnswSpec("docs", 4))
	require.NoError(t, err)
	assert.Equal(t, "docs", c.Name())
	assert.Equal(t, StateReady, c.State())

	got, err := co.Get("docs")
	require.NoError(t, err)
	assert.Same(t, c, got)

	_, err = co.Create(hnswSpec("aaa", 4))
	require.NoError(t, err)
	assert.Equal(t, []string{"aaa", "docs"}, co.Names())
}

func TestCreateDuplicateName(t *testing.T) {
	co := New(Config{})
	defer co.Close()

	_, err := co.Create(hnswSpec("docs", 4))
	require.NoError(t, err)

	_, err = co.Create(hnswSpec("docs", 4))
	var exists ErrCollectionExists
	require.ErrorAs(t, err, &exists)
	assert.Equal(t, "docs", exists.Name)
}

func TestCreateRejectsBadSpec(t *testing.T) {
	co := New(Config{})
	defer co.Close()

	spec := hnswSpec("docs", 4)
	spec.Params = index.Params{Kind: index.Kind(99)}
	_, err := co.Create(spec)
	var unknown *index.ErrUnknownAlgorithm
	assert.ErrorAs(t, err, &unknown)

	spec = hnswSpec("docs", 0)
	_, err = co.Create(spec)
	assert.Error(t, err)

	spec = hnswSpec("", 4)
	_, err = co.Create(spec)
	assert.Error(t, err)
}

func TestDrop(t *testing.T) {
	co := New(Config{})
	defer co.Close()

	_, err := co.Create(hnswSpec("docs", 4))
	require.NoError(t, err)
	require.NoError(t, co.Drop("docs"))

	_, err = co.Get("docs")
	var notFound ErrCollectionNotFound
	require.ErrorAs(t, err, &notFound)

	err = co.Drop("docs")
	assert.ErrorAs(t, err, &notFound)
}

func TestTargetPutSearchRoundTrip(t *testing.T) {
	co := New(Config{})
	defer co.Close()

	_, err := co.Create(hnswSpec("docs", 4))
	require.NoError(t, err)

	target, err := co.Target("docs")
	require.NoError(t, err)

	ops := []txn.Operation{
		putOp(0, []float32{1, 0, 0, 0}),
		putOp(0, []float32{0, 1, 0, 0}),
	}
	require.NoError(t, target.Prepare(ops))
	assert.Equal(t, uint64(1), ops[0].ID)
	assert.Equal(t, uint64(2), ops[1].ID)

	for _, op := range ops {
		require.NoError(t, target.ApplyPut(context.Background(), op))
	}

	c, err := co.Get("docs")
	require.NoError(t, err)
	resp, err := c.Search(context.Background(), []float32{1, 0, 0, 0}, 1, nil)
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, uint64(1), resp.Results[0].ID)
	assert.InDelta(t, 0.0, resp.Results[0].Distance, 1e-6)
}

func TestPrepareValidation(t *testing.T) {
	co := New(Config{})
	defer co.Close()

	spec := hnswSpec("docs", 4)
	spec.Capacity = 3
	c, err := co.Create(spec)
	require.NoError(t, err)

	fill(t, c, [][]float32{{1, 0, 0, 0}})

	err = c.Prepare([]txn.Operation{putOp(1, []float32{2, 0, 0, 0})})
	var dup store.ErrRecordExists
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, uint64(1), dup.ID)

	err = c.Prepare([]txn.Operation{putOp(0, []float32{1, 2})})
	var mismatch store.ErrDimensionMismatch
	assert.ErrorAs(t, err, &mismatch)

	err = c.Prepare([]txn.Operation{{Kind: txn.OpDelete, Layer: txn.LayerAll, ID: 42}})
	var missing store.ErrRecordNotFound
	assert.ErrorAs(t, err, &missing)

	err = c.Prepare([]txn.Operation{
		putOp(0, []float32{0, 1, 0, 0}),
		putOp(0, []float32{0, 0, 1, 0}),
		putOp(0, []float32{0, 0, 0, 1}),
	})
	assert.ErrorIs(t, err, store.ErrStoreFull)

	// Overwrite of an existing id does not count against capacity.
	err = c.Prepare([]txn.Operation{
		{Kind: txn.OpPut, Layer: txn.LayerAll, ID: 1, Vector: []float32{9, 0, 0, 0}, Overwrite: true},
	})
	assert.NoError(t, err)
}

func TestPrepareRejectsDuringRebuild(t *testing.T) {
	co := New(Config{})
	defer co.Close()

	c, err := co.Create(hnswSpec("docs", 4))
	require.NoError(t, err)

	c.mu.Lock()
	c.state = StateRebuilding
	c.mu.Unlock()

	err = c.Prepare([]txn.Operation{putOp(0, []float32{1, 0, 0, 0})})
	var rebuilding ErrRebuilding
	require.ErrorAs(t, err, &rebuilding)
	assert.Equal(t, "docs", rebuilding.Collection)
}

func TestRebuildSwapsIndexKind(t *testing.T) {
	co := New(Config{})
	defer co.Close()

	const dim = 16
	c, err := co.Create(hnswSpec("docs", dim))
	require.NoError(t, err)

	vecs := randomVectors(200, dim, 7)
	ids := fill(t, c, vecs)

	old := c.Index()
	require.Equal(t, index.KindHNSW, old.Kind())

	require.NoError(t, co.Rebuild(context.Background(), "docs", lshParams()))

	fresh := c.Index()
	assert.NotSame(t, old, fresh)
	assert.Equal(t, index.KindLSH, fresh.Kind())
	assert.Equal(t, len(vecs), fresh.Len())
	assert.Equal(t, StateReady, c.State())
	assert.Equal(t, index.KindLSH, c.Spec().Params.Kind)

	resp, err := c.Search(context.Background(), vecs[3], 1, nil)
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, ids[3], resp.Results[0].ID)
}

func TestRebuildFoldsInWritesBehindTheScan(t *testing.T) {
	co := New(Config{})
	defer co.Close()

	const dim = 8
	c, err := co.Create(hnswSpec("docs", dim))
	require.NoError(t, err)

	vecs := randomVectors(40, dim, 3)
	ids := fill(t, c, vecs)

	// A writer that passed its prepare before the rebuild flip can still be
	// applying while the scan runs. Hooking the exclusive lock drops a put and
	// a delete into exactly that window, after the scan and before the swap.
	lateVec := randomVectors(1, dim, 99)[0]
	locked := false
	co.SetExclusiveLocker(func(context.Context, string) (func(), error) {
		locked = true
		require.NoError(t, c.ApplyPut(context.Background(), putOp(1000, lateVec)))
		require.NoError(t, c.ApplyDelete(context.Background(), ids[5]))
		return func() {}, nil
	})

	require.NoError(t, co.Rebuild(context.Background(), "docs", lshParams()))
	require.True(t, locked)

	fresh := c.Index()
	assert.Equal(t, index.KindLSH, fresh.Kind())
	assert.True(t, fresh.Contains(1000))
	assert.False(t, fresh.Contains(ids[5]))
	assert.Equal(t, c.Store().Len(), fresh.Len())

	resp, err := c.Search(context.Background(), lateVec, 1, nil)
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, uint64(1000), resp.Results[0].ID)
}

func TestRebuildDrawsFromBackgroundBudget(t *testing.T) {
	rc := resource.NewController(resource.Config{MaxBackgroundWorkers: 1})
	co := New(Config{Resources: rc})
	defer co.Close()

	_, err := co.Create(hnswSpec("docs", 4))
	require.NoError(t, err)

	// With the only background slot taken, a rebuild waits until its context
	// gives up.
	require.NoError(t, rc.AcquireBackground(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = co.Rebuild(ctx, "docs", lshParams())
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	rc.ReleaseBackground()
	assert.NoError(t, co.Rebuild(context.Background(), "docs", lshParams()))
}

func TestRebuildValidatesParams(t *testing.T) {
	co := New(Config{})
	defer co.Close()

	_, err := co.Create(hnswSpec("docs", 4))
	require.NoError(t, err)

	err = co.Rebuild(context.Background(), "docs", index.Params{Kind: index.Kind(99)})
	var unknown *index.ErrUnknownAlgorithm
	assert.ErrorAs(t, err, &unknown)

	err = co.Rebuild(context.Background(), "ghost", lshParams())
	var notFound ErrCollectionNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestRebuildRejectsWhenNotReady(t *testing.T) {
	co := New(Config{})
	defer co.Close()

	c, err := co.Create(hnswSpec("docs", 4))
	require.NoError(t, err)

	c.mu.Lock()
	c.state = StateRebuilding
	c.mu.Unlock()

	err = co.Rebuild(context.Background(), "docs", lshParams())
	assert.Error(t, err)
}

func TestSnapshotRoundTrip(t *testing.T) {
	co := New(Config{})
	defer co.Close()

	const dim = 8
	spec := hnswSpec("docs", dim)
	c, err := co.Create(spec)
	require.NoError(t, err)

	vecs := randomVectors(50, dim, 11)
	ops := make([]txn.Operation, len(vecs))
	for i, v := range vecs {
		ops[i] = putOp(0, v)
		ops[i].Metadata = fmt.Appendf(nil, "doc-%d", i)
	}
	require.NoError(t, c.Prepare(ops))
	for _, op := range ops {
		require.NoError(t, c.ApplyPut(context.Background(), op))
	}

	var buf bytes.Buffer
	require.NoError(t, co.SaveCollection(context.Background(), "docs", &buf))

	other := New(Config{})
	defer other.Close()
	restored, err := other.LoadCollection(spec, &buf)
	require.NoError(t, err)

	assert.Equal(t, c.Store().Len(), restored.Store().Len())
	assert.Equal(t, c.Index().Len(), restored.Index().Len())
	assert.Equal(t, StateReady, restored.State())

	resp, err := restored.Search(context.Background(), vecs[10], 1, nil)
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, ops[10].ID, resp.Results[0].ID)

	rec, err := restored.Store().Get(ops[10].ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("doc-10"), rec.Metadata)
}

func TestLoadCollectionRejectsDuplicate(t *testing.T) {
	co := New(Config{})
	defer co.Close()

	spec := hnswSpec("docs", 4)
	_, err := co.Create(spec)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, co.SaveCollection(context.Background(), "docs", &buf))

	_, err = co.LoadCollection(spec, &buf)
	var exists ErrCollectionExists
	assert.ErrorAs(t, err, &exists)
}

func TestCheckConsistencyRepairsDivergence(t *testing.T) {
	co := New(Config{})
	defer co.Close()

	c, err := co.Create(hnswSpec("docs", 4))
	require.NoError(t, err)

	// Store-only write leaves the index behind.
	ops := []txn.Operation{{Kind: txn.OpPut, Layer: txn.LayerStore, Vector: []float32{1, 0, 0, 0}}}
	require.NoError(t, c.Prepare(ops))
	require.NoError(t, c.ApplyPut(context.Background(), ops[0]))
	require.False(t, c.Index().Contains(ops[0].ID))

	checker := txn.NewChecker(txn.CheckerConfig{})
	err = co.CheckConsistency(context.Background(), checker, "docs")
	require.NoError(t, err)
	assert.True(t, c.Index().Contains(ops[0].ID))
}

func TestStatsSortedByName(t *testing.T) {
	co := New(Config{})
	defer co.Close()

	for _, name := range []string{"zeta", "alpha"} {
		_, err := co.Create(hnswSpec(name, 4))
		require.NoError(t, err)
	}

	stats := co.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "alpha", stats[0].Name)
	assert.Equal(t, "zeta", stats[1].Name)
	assert.Equal(t, "ready", stats[0].State)
	assert.Equal(t, "hnsw", stats[0].Index.Kind.String())
}

func TestCloseDropsCollections(t *testing.T) {
	co := New(Config{})

	_, err := co.Create(hnswSpec("docs", 4))
	require.NoError(t, err)
	require.NoError(t, co.Close())

	_, err = co.Get("docs")
	var notFound ErrCollectionNotFound
	assert.ErrorAs(t, err, &notFound)
}
