package hnsw

import (
	"bytes"
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lspecian/vexfs/distance"
	"github.com/lspecian/vexfs/index"
)

type mapSource map[uint64][]float32

func (m mapSource) Vector(id uint64) ([]float32, bool) {
	v, ok := m[id]
	return v, ok
}

func newTestIndex(t *testing.T, dim int, src mapSource, params index.HNSWParams) *HNSW {
	t.Helper()
	seed := int64(42)
	params.Seed = &seed
	h, err := New(Options{
		Dimension: dim,
		Metric:    distance.MetricL2,
		Params:    params,
		Vectors:   src,
	})
	require.NoError(t, err)
	return h
}

func TestInsertAndExactSearch(t *testing.T) {
	src := mapSource{
		1: {1, 0, 0, 0},
		2: {0, 1, 0, 0},
	}
	h := newTestIndex(t, 4, src, index.HNSWParams{M: 8, EFConstruction: 32, EFSearch: 16, MaxLayer: 8, Heuristic: true})

	ctx := context.Background()
	require.NoError(t, h.Insert(ctx, 1, src[1]))
	require.NoError(t, h.Insert(ctx, 2, src[2]))

	resp, err := h.Search(ctx, []float32{1, 0, 0, 0}, 1, nil)
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, uint64(1), resp.Results[0].ID)
	assert.Equal(t, float32(0), resp.Results[0].Distance)
	assert.False(t, resp.Partial)
}

func TestInsertDuplicate(t *testing.T) {
	src := mapSource{5: {1, 2, 3, 4}}
	h := newTestIndex(t, 4, src, *index.DefaultHNSWParams())

	ctx := context.Background()
	require.NoError(t, h.Insert(ctx, 5, src[5]))

	err := h.Insert(ctx, 5, src[5])
	var exists *index.ErrNodeExists
	require.ErrorAs(t, err, &exists)
	assert.Equal(t, uint64(5), exists.ID)
}

func TestInsertDimensionMismatch(t *testing.T) {
	h := newTestIndex(t, 4, mapSource{}, *index.DefaultHNSWParams())

	err := h.Insert(context.Background(), 1, []float32{1, 2})
	var mismatch *index.ErrDimensionMismatch
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, 4, mismatch.Expected)
	assert.Equal(t, 2, mismatch.Actual)
}

func TestSearchEmptyIndex(t *testing.T) {
	h := newTestIndex(t, 4, mapSource{}, *index.DefaultHNSWParams())

	resp, err := h.Search(context.Background(), []float32{0, 0, 0, 0}, 5, nil)
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
}

func TestSearchInvalidK(t *testing.T) {
	h := newTestIndex(t, 4, mapSource{}, *index.DefaultHNSWParams())

	_, err := h.Search(context.Background(), []float32{0, 0, 0, 0}, 0, nil)
	assert.ErrorIs(t, err, index.ErrInvalidK)
}

func TestSearchRejectsNarrowEF(t *testing.T) {
	src := mapSource{1: {1, 0, 0, 0}}
	h := newTestIndex(t, 4, src, *index.DefaultHNSWParams())
	require.NoError(t, h.Insert(context.Background(), 1, src[1]))

	_, err := h.Search(context.Background(), []float32{1, 0, 0, 0}, 8, &index.SearchOptions{EFSearch: 4})
	assert.ErrorIs(t, err, index.ErrInvalidEF)

	// An override at or above k is honored.
	resp, err := h.Search(context.Background(), []float32{1, 0, 0, 0}, 1, &index.SearchOptions{EFSearch: 1})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 1)
}

func TestRecallOnClusteredData(t *testing.T) {
	const (
		dim   = 16
		count = 500
	)
	rng := rand.New(rand.NewSource(7))
	src := make(mapSource, count)
	h := newTestIndex(t, dim, src, index.HNSWParams{M: 16, EFConstruction: 200, EFSearch: 100, MaxLayer: 16, Heuristic: true})

	ctx := context.Background()
	for i := uint64(1); i <= count; i++ {
		vec := make([]float32, dim)
		for d := range vec {
			vec[d] = rng.Float32()
		}
		src[i] = vec
		require.NoError(t, h.Insert(ctx, i, vec))
	}

	// Exact nearest neighbors by brute force for 20 random queries.
	hits := 0
	const k = 10
	for q := 0; q < 20; q++ {
		query := make([]float32, dim)
		for d := range query {
			query[d] = rng.Float32()
		}

		type pair struct {
			id   uint64
			dist float32
		}
		exact := make([]pair, 0, count)
		for id, vec := range src {
			exact = append(exact, pair{id, distance.SquaredL2(query, vec)})
		}
		for i := 0; i < k; i++ {
			best := i
			for j := i + 1; j < len(exact); j++ {
				if exact[j].dist < exact[best].dist {
					best = j
				}
			}
			exact[i], exact[best] = exact[best], exact[i]
		}
		truth := make(map[uint64]bool, k)
		for i := 0; i < k; i++ {
			truth[exact[i].id] = true
		}

		resp, err := h.Search(ctx, query, k, nil)
		require.NoError(t, err)
		require.Len(t, resp.Results, k)
		for _, r := range resp.Results {
			if truth[r.ID] {
				hits++
			}
		}
	}

	recall := float64(hits) / float64(20*k)
	assert.Greater(t, recall, 0.85, "recall %f below threshold", recall)
}

func TestSearchResultsSortedAscending(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	src := make(mapSource)
	h := newTestIndex(t, 8, src, *index.DefaultHNSWParams())

	ctx := context.Background()
	for i := uint64(1); i <= 100; i++ {
		vec := make([]float32, 8)
		for d := range vec {
			vec[d] = rng.Float32()
		}
		src[i] = vec
		require.NoError(t, h.Insert(ctx, i, vec))
	}

	resp, err := h.Search(ctx, src[50], 10, nil)
	require.NoError(t, err)
	for i := 1; i < len(resp.Results); i++ {
		assert.LessOrEqual(t, resp.Results[i-1].Distance, resp.Results[i].Distance)
	}
	assert.Equal(t, uint64(50), resp.Results[0].ID)
}

func TestSearchWithFilter(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	src := make(mapSource)
	h := newTestIndex(t, 8, src, *index.DefaultHNSWParams())

	ctx := context.Background()
	for i := uint64(1); i <= 200; i++ {
		vec := make([]float32, 8)
		for d := range vec {
			vec[d] = rng.Float32()
		}
		src[i] = vec
		require.NoError(t, h.Insert(ctx, i, vec))
	}

	evenOnly := func(id uint64) bool { return id%2 == 0 }
	resp, err := h.Search(ctx, src[100], 10, &index.SearchOptions{Filter: evenOnly})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	for _, r := range resp.Results {
		assert.Zero(t, r.ID%2, "filter leaked id %d", r.ID)
	}
}

func TestDelete(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	src := make(mapSource)
	h := newTestIndex(t, 8, src, *index.DefaultHNSWParams())

	ctx := context.Background()
	for i := uint64(1); i <= 50; i++ {
		vec := make([]float32, 8)
		for d := range vec {
			vec[d] = rng.Float32()
		}
		src[i] = vec
		require.NoError(t, h.Insert(ctx, i, vec))
	}

	require.NoError(t, h.Delete(ctx, 25))
	delete(src, 25)

	assert.False(t, h.Contains(25))
	assert.Equal(t, 49, h.Len())

	// Deleted node never shows up in results.
	resp, err := h.Search(ctx, src[24], 20, nil)
	require.NoError(t, err)
	for _, r := range resp.Results {
		assert.NotEqual(t, uint64(25), r.ID)
	}
}

func TestDeleteMissing(t *testing.T) {
	h := newTestIndex(t, 4, mapSource{}, *index.DefaultHNSWParams())

	err := h.Delete(context.Background(), 99)
	var notFound *index.ErrNodeNotFound
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, uint64(99), notFound.ID)
}

func TestDeleteEntryPointReElection(t *testing.T) {
	rng := rand.New(rand.NewSource(13))
	src := make(mapSource)
	h := newTestIndex(t, 4, src, *index.DefaultHNSWParams())

	ctx := context.Background()
	for i := uint64(1); i <= 30; i++ {
		vec := make([]float32, 4)
		for d := range vec {
			vec[d] = rng.Float32()
		}
		src[i] = vec
		require.NoError(t, h.Insert(ctx, i, vec))
	}

	// Delete everything; the graph must stay searchable throughout and end
	// empty without a stale entry point.
	for i := uint64(1); i <= 29; i++ {
		require.NoError(t, h.Delete(ctx, i))
		delete(src, i)
		resp, err := h.Search(ctx, src[30], 1, nil)
		require.NoError(t, err)
		require.NotEmpty(t, resp.Results)
	}
	require.NoError(t, h.Delete(ctx, 30))

	assert.Equal(t, 0, h.Len())
	resp, err := h.Search(ctx, []float32{0, 0, 0, 0}, 1, nil)
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
}

func TestDeadlinePartialResults(t *testing.T) {
	rng := rand.New(rand.NewSource(17))
	src := make(mapSource)
	h := newTestIndex(t, 8, src, *index.DefaultHNSWParams())

	ctx := context.Background()
	for i := uint64(1); i <= 100; i++ {
		vec := make([]float32, 8)
		for d := range vec {
			vec[d] = rng.Float32()
		}
		src[i] = vec
		require.NoError(t, h.Insert(ctx, i, vec))
	}

	expired, cancel := context.WithDeadline(ctx, time.Now().Add(-time.Second))
	defer cancel()

	resp, err := h.Search(expired, src[1], 10, nil)
	require.NoError(t, err)
	assert.True(t, resp.Partial)
}

func TestSerializationRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(23))
	src := make(mapSource)
	h := newTestIndex(t, 8, src, *index.DefaultHNSWParams())

	ctx := context.Background()
	for i := uint64(1); i <= 100; i++ {
		vec := make([]float32, 8)
		for d := range vec {
			vec[d] = rng.Float32()
		}
		src[i] = vec
		require.NoError(t, h.Insert(ctx, i, vec))
	}

	var buf bytes.Buffer
	n, err := h.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, int64(buf.Len()), n)

	restored := newTestIndex(t, 8, src, *index.DefaultHNSWParams())
	m, err := restored.ReadFrom(&buf)
	require.NoError(t, err)
	assert.Equal(t, n, m)

	assert.Equal(t, h.Len(), restored.Len())
	assert.True(t, h.IDs().Equals(restored.IDs()))

	// Restored graph answers the same queries.
	orig, err := h.Search(ctx, src[42], 5, nil)
	require.NoError(t, err)
	got, err := restored.Search(ctx, src[42], 5, nil)
	require.NoError(t, err)
	assert.Equal(t, orig.Results, got.Results)
}

func TestStats(t *testing.T) {
	src := mapSource{1: {1, 0}, 2: {0, 1}}
	h := newTestIndex(t, 2, src, *index.DefaultHNSWParams())

	ctx := context.Background()
	require.NoError(t, h.Insert(ctx, 1, src[1]))
	require.NoError(t, h.Insert(ctx, 2, src[2]))

	stats := h.Stats()
	assert.Equal(t, index.KindHNSW, stats.Kind)
	assert.Equal(t, 2, stats.Count)
}
