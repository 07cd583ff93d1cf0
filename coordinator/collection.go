package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/lspecian/vexfs/distance"
	"github.com/lspecian/vexfs/index"
	"github.com/lspecian/vexfs/index/hnsw"
	"github.com/lspecian/vexfs/index/lsh"
	"github.com/lspecian/vexfs/internal/resource"
	"github.com/lspecian/vexfs/store"
	"github.com/lspecian/vexfs/txn"
)

// State is a collection's lifecycle phase.
type State uint8

const (
	StateUninitialized State = iota
	StateBuilding
	StateReady
	StateRebuilding
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateBuilding:
		return "building"
	case StateReady:
		return "ready"
	case StateRebuilding:
		return "rebuilding"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Spec fixes a collection's shape at creation. Everything here is immutable
// afterwards except the index parameters, which a rebuild may replace.
type Spec struct {
	Name        string
	Dimension   int
	ElementType store.ElementType
	Metric      distance.Metric
	Params      index.Params

	// Capacity bounds the record count; 0 means unbounded.
	Capacity int
	// CacheSize is the store's decoded-vector cache budget in bytes.
	CacheSize int64
}

// Collection pairs one record store with one index. The index pointer is
// swapped atomically on rebuild; readers that grabbed the old index finish
// their search against it.
type Collection struct {
	spec   Spec
	store  *store.Store
	logger *slog.Logger

	mu    sync.RWMutex
	idx   index.Index
	state State
}

// Stats is a point-in-time view of one collection.
type Stats struct {
	Name   string
	State  string
	Store  store.Stats
	Index  index.Stats
	Metric string
}

func newCollection(spec Spec, rc *resource.Controller, logger *slog.Logger) (*Collection, error) {
	st, err := store.New(store.Config{
		Dimension:   spec.Dimension,
		ElementType: spec.ElementType,
		Metric:      spec.Metric,
		Algorithm:   uint8(spec.Params.Kind),
		Capacity:    spec.Capacity,
		CacheSize:   spec.CacheSize,
		Resources:   rc,
	})
	if err != nil {
		return nil, err
	}

	c := &Collection{
		spec:   spec,
		store:  st,
		logger: logger,
		state:  StateUninitialized,
	}

	c.state = StateBuilding
	idx, err := newIndex(spec, st)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	c.idx = idx
	c.state = StateReady
	return c, nil
}

// newIndex builds an empty index for the spec. The only place that knows
// both index kinds.
func newIndex(spec Spec, vectors index.VectorSource) (index.Index, error) {
	switch spec.Params.Kind {
	case index.KindHNSW:
		params := *index.DefaultHNSWParams()
		if spec.Params.HNSW != nil {
			params = *spec.Params.HNSW
		}
		return hnsw.New(hnsw.Options{
			Dimension: spec.Dimension,
			Metric:    spec.Metric,
			Params:    params,
			Vectors:   vectors,
		})
	case index.KindLSH:
		params := *index.DefaultLSHParams()
		if spec.Params.LSH != nil {
			params = *spec.Params.LSH
		}
		return lsh.New(lsh.Options{
			Dimension: spec.Dimension,
			Metric:    spec.Metric,
			Params:    params,
			Vectors:   vectors,
		})
	default:
		return nil, &index.ErrUnknownAlgorithm{Name: spec.Params.Kind.String()}
	}
}

// Name returns the collection name.
func (c *Collection) Name() string { return c.spec.Name }

// Spec returns the collection's creation spec.
func (c *Collection) Spec() Spec {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.spec
}

// Store returns the underlying record store.
func (c *Collection) Store() *store.Store { return c.store }

// State returns the lifecycle phase.
func (c *Collection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Index returns the current index. Safe to search after release of the
// lock; a concurrent rebuild swaps the pointer but never mutates a
// published index's parameters.
func (c *Collection) Index() index.Index {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.idx
}

// Search routes a query to the current index.
func (c *Collection) Search(ctx context.Context, query []float32, k int, opts *index.SearchOptions) (index.SearchResponse, error) {
	return c.Index().Search(ctx, query, k, opts)
}

// Stats returns the collection's statistics snapshot.
func (c *Collection) Stats() Stats {
	return Stats{
		Name:   c.spec.Name,
		State:  c.State().String(),
		Store:  c.store.Stats(),
		Index:  c.Index().Stats(),
		Metric: c.spec.Metric.String(),
	}
}

// Compile-time check: collections are the transaction manager's commit
// surface.
var _ txn.Target = (*Collection)(nil)

// Prepare validates every queued operation and resolves concrete ids for
// zero-id puts, without touching either layer. Runs under the collection's
// exclusive lock, so the checks hold through apply.
func (c *Collection) Prepare(ops []txn.Operation) error {
	c.mu.RLock()
	state := c.state
	c.mu.RUnlock()
	if state == StateRebuilding {
		return ErrRebuilding{Collection: c.spec.Name}
	}

	nextID := c.store.NextID()
	inserts := 0
	seen := make(map[uint64]bool, len(ops))

	for i := range ops {
		op := &ops[i]
		switch op.Kind {
		case txn.OpPut:
			if len(op.Vector) != c.spec.Dimension {
				return store.ErrDimensionMismatch{Expected: c.spec.Dimension, Actual: len(op.Vector)}
			}
			if op.ID == 0 {
				op.ID = nextID
				nextID++
			}
			exists := c.store.Contains(op.ID) || seen[op.ID]
			if exists && !op.Overwrite {
				return store.ErrRecordExists{ID: op.ID}
			}
			if !exists {
				inserts++
			}
			if op.ID >= nextID {
				nextID = op.ID + 1
			}
			seen[op.ID] = true
		case txn.OpDelete:
			if !c.store.Contains(op.ID) && !seen[op.ID] {
				return store.ErrRecordNotFound{ID: op.ID}
			}
		}
	}

	if c.spec.Capacity > 0 && c.store.Len()+inserts > c.spec.Capacity {
		return store.ErrStoreFull
	}
	return nil
}

// ApplyPut writes a validated put through, store first, then index. On an
// overwrite the index entry is replaced so the graph re-links against the
// new vector.
func (c *Collection) ApplyPut(ctx context.Context, op txn.Operation) error {
	existed := op.ID != 0 && c.store.Contains(op.ID)

	id, err := c.store.Put(store.Record{
		ID:       op.ID,
		Vector:   op.Vector,
		Metadata: op.Metadata,
	}, op.Overwrite)
	if err != nil {
		return err
	}

	if op.Layer&txn.LayerIndex == 0 {
		return nil
	}

	idx := c.Index()
	if existed && idx.Contains(id) {
		if err := idx.Delete(ctx, id); err != nil {
			return err
		}
	}
	return idx.Insert(ctx, id, op.Vector)
}

// ApplyDelete removes a record, store first, then index. A record the index
// never saw is fine; the store remains the source of truth.
func (c *Collection) ApplyDelete(ctx context.Context, id uint64) error {
	if _, err := c.store.Delete(id); err != nil {
		return err
	}

	idx := c.Index()
	if idx.Contains(id) {
		return idx.Delete(ctx, id)
	}
	return nil
}

// storeIDs returns the store's id set as a bitmap for consistency checks.
func (c *Collection) storeIDs() *roaring64.Bitmap {
	bm := roaring64.New()
	for _, id := range c.store.IDs() {
		bm.Add(id)
	}
	return bm
}

// ErrRebuilding reports a write attempted while the collection's index is
// being rebuilt. Retry after the rebuild completes.
type ErrRebuilding struct {
	Collection string
}

func (e ErrRebuilding) Error() string {
	return fmt.Sprintf("coordinator: collection %q is rebuilding", e.Collection)
}
