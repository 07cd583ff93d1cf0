package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/lspecian/vexfs"
	"github.com/lspecian/vexfs/testutil"
)

func main() {
	ctx := context.Background()

	seed := int64(4711)
	dim := 32
	size := 50000
	k := 10

	db, err := vexfs.Open("./data")
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	err = db.CreateCollection(ctx, vexfs.CollectionConfig{
		Name:      "demo",
		Dimension: dim,
		Algorithm: "hnsw",
		Metric:    "l2",
	})
	if err != nil {
		log.Fatal(err)
	}

	rng := testutil.NewRNG(seed)
	vectors := rng.UniformVectors(size, dim)

	items := make([]vexfs.Item, len(vectors))
	for i, v := range vectors {
		items[i] = vexfs.Item{
			Vector:   v,
			Metadata: fmt.Appendf(nil, "item-%d", i),
		}
	}

	fmt.Println("--- Insert ---")
	fmt.Println("Dimension:", dim)
	fmt.Println("Size:", size)

	start := time.Now()

	result := db.BatchInsert(ctx, "demo", items)
	if n := result.Failed(); n > 0 {
		log.Fatalf("%d inserts failed", n)
	}

	fmt.Printf("Seconds: %.2f\n\n", time.Since(start).Seconds())

	query := rng.UniformVectors(1, dim)[0]

	fmt.Println("--- Search ---")

	start = time.Now()

	hits, _, err := db.Search(ctx, "demo", query, k, vexfs.WithEFSearch(80))
	if err != nil {
		log.Fatal(err)
	}

	for _, h := range hits {
		fmt.Printf("ID: %d, Distance: %.2f, Metadata: %s\n", h.ID, h.Distance, h.Metadata)
	}

	fmt.Printf("Seconds: %.8f\n", time.Since(start).Seconds())
}
