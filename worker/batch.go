package worker

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// DefaultBatchSize is the sub-batch width used when the caller does not
// specify one.
const DefaultBatchSize = 256

// ForEach partitions n items into sub-batches and processes them in
// parallel, bounded by parallelism. fn is called once per item with the
// item's position; its error is recorded in the returned slice at the same
// position. One bad item never fails the others; the only error returned by
// ForEach itself is context cancellation.
func ForEach(ctx context.Context, n, batchSize, parallelism int, fn func(i int) error) ([]error, error) {
	if n <= 0 {
		return nil, nil
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if parallelism <= 0 {
		parallelism = 1
	}

	itemErrs := make([]error, n)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)

	for start := 0; start < n; start += batchSize {
		end := start + batchSize
		if end > n {
			end = n
		}
		g.Go(func() error {
			for i := start; i < end; i++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				itemErrs[i] = fn(i)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return itemErrs, err
	}
	return itemErrs, nil
}
