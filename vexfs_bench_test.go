package vexfs

import (
	"context"
	"testing"

	"github.com/lspecian/vexfs/testutil"
	"github.com/lspecian/vexfs/wal"
)

const benchSeed = int64(42)

func newBenchEngine(b *testing.B, dim int) *Engine {
	b.Helper()
	e, err := Open(b.TempDir(), WithWALOptions(func(o *wal.Options) {
		o.DurabilityMode = wal.DurabilityAsync
	}))
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = e.Close() })

	err = e.CreateCollection(context.Background(), CollectionConfig{
		Name:      "bench",
		Dimension: dim,
		Algorithm: "hnsw",
		Metric:    "l2",
	})
	if err != nil {
		b.Fatal(err)
	}
	return e
}

func BenchmarkInsert(b *testing.B) {
	ctx := context.Background()
	dim := 128
	e := newBenchEngine(b, dim)

	rng := testutil.NewRNG(benchSeed)
	vectors := rng.UniformVectors(b.N, dim)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := e.Insert(ctx, "bench", Item{Vector: vectors[i]}); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkBatchInsert(b *testing.B) {
	ctx := context.Background()
	dim := 128
	e := newBenchEngine(b, dim)

	rng := testutil.NewRNG(benchSeed)
	items := make([]Item, b.N)
	for i, v := range rng.UniformVectors(b.N, dim) {
		items[i] = Item{Vector: v}
	}

	b.ResetTimer()
	result := e.BatchInsert(ctx, "bench", items)
	if n := result.Failed(); n > 0 {
		b.Fatalf("%d inserts failed", n)
	}
}

func BenchmarkSearch(b *testing.B) {
	ctx := context.Background()
	dim := 128
	e := newBenchEngine(b, dim)

	rng := testutil.NewRNG(benchSeed)
	items := make([]Item, 10000)
	for i, v := range rng.UniformVectors(len(items), dim) {
		items[i] = Item{Vector: v}
	}
	if n := e.BatchInsert(ctx, "bench", items).Failed(); n > 0 {
		b.Fatalf("%d inserts failed", n)
	}

	queries := rng.UniformVectors(256, dim)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, _, err := e.Search(ctx, "bench", queries[i%len(queries)], 10); err != nil {
			b.Fatal(err)
		}
	}
}
