package vexfs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lspecian/vexfs/index"
	"github.com/lspecian/vexfs/store"
	"github.com/lspecian/vexfs/txn"
	"github.com/lspecian/vexfs/worker"
)

// SearchResult is one search hit with its record metadata joined in.
type SearchResult struct {
	ID       uint64
	Distance float32
	Metadata []byte
}

type searchOptions struct {
	ef          int
	efSet       bool
	filter      func(id uint64) bool
	maxDistance float32
	maxSet      bool
}

// SearchOption tunes a single search call.
type SearchOption func(*searchOptions)

// WithEFSearch overrides the index's default beam width. The value must be at
// least k; passing 0 or a value below k fails with ErrInvalidParameter.
func WithEFSearch(ef int) SearchOption {
	return func(o *searchOptions) {
		o.ef = ef
		o.efSet = true
	}
}

// WithFilter restricts results to ids for which fn returns true. The filter
// runs during traversal, not as a post-pass over k results.
func WithFilter(fn func(id uint64) bool) SearchOption {
	return func(o *searchOptions) {
		o.filter = fn
	}
}

// WithMaxDistance drops results farther than d from the query.
func WithMaxDistance(d float32) SearchOption {
	return func(o *searchOptions) {
		o.maxDistance = d
		o.maxSet = true
	}
}

// Search returns the k nearest neighbors of query, sorted ascending by
// distance with ties broken by id. The read runs under a snapshot view of
// the collection. The second return value reports a partial result: the
// context deadline expired mid-traversal and the best candidates found so
// far are returned.
func (e *Engine) Search(ctx context.Context, collection string, query []float32, k int, optFns ...SearchOption) ([]SearchResult, bool, error) {
	start := time.Now()
	results, partial, err := e.search(ctx, collection, query, k, optFns)
	e.stats.RecordSearch(k, time.Since(start), err)
	e.log.LogSearch(ctx, collection, k, len(results), err)
	return results, partial, err
}

func (e *Engine) search(ctx context.Context, collection string, query []float32, k int, optFns []SearchOption) ([]SearchResult, bool, error) {
	if e.closed.Load() {
		return nil, false, ErrClosed
	}

	var o searchOptions
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}

	if k <= 0 {
		return nil, false, translateError(index.ErrInvalidK)
	}
	if o.efSet && (o.ef <= 0 || o.ef < k) {
		return nil, false, translateError(fmt.Errorf("%w: got ef_search=%d k=%d", index.ErrInvalidEF, o.ef, k))
	}

	c, err := e.coord.Get(collection)
	if err != nil {
		return nil, false, translateError(err)
	}
	if len(query) != c.Spec().Dimension {
		return nil, false, &ErrDimensionMismatch{Expected: c.Spec().Dimension, Actual: len(query)}
	}

	// Snapshot isolation: a shared collection lock held for the duration
	// keeps concurrent writers from mutating the read view.
	t, err := e.txns.Begin(ctx, collection, txn.LayerAll, txn.Snapshot, 0)
	if err != nil {
		return nil, false, translateError(err)
	}
	defer e.txns.Abort(t)

	resp, err := c.Search(ctx, query, k, &index.SearchOptions{
		EFSearch: o.ef,
		Filter:   o.filter,
	})
	if err != nil {
		return nil, false, translateError(err)
	}

	results := make([]SearchResult, 0, len(resp.Results))
	for _, r := range resp.Results {
		if o.maxSet && r.Distance > o.maxDistance {
			break
		}
		rec, gerr := c.Store().Get(r.ID)
		if gerr != nil {
			// A record deleted out from under the index is dropped from the
			// results; anything else, corruption included, surfaces.
			var nf store.ErrRecordNotFound
			if errors.As(gerr, &nf) {
				continue
			}
			return nil, false, translateError(gerr)
		}
		results = append(results, SearchResult{ID: r.ID, Distance: r.Distance, Metadata: rec.Metadata})
	}
	return results, resp.Partial, nil
}

// BatchSearch runs many queries in parallel against one collection. The
// returned error slice is parallel to queries; results[i] is valid only when
// errs[i] is nil.
func (e *Engine) BatchSearch(ctx context.Context, collection string, queries [][]float32, k int, optFns ...SearchOption) ([][]SearchResult, []error, error) {
	results := make([][]SearchResult, len(queries))

	errs, err := worker.ForEach(ctx, len(queries), 1, e.opts.batchWorkers, func(i int) error {
		r, _, serr := e.Search(ctx, collection, queries[i], k, optFns...)
		results[i] = r
		return serr
	})
	if err != nil {
		return nil, nil, translateError(err)
	}
	return results, errs, nil
}
