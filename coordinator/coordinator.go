// Package coordinator manages the per-collection registry and is the only
// component aware of every index kind: it creates indexes, routes searches,
// and rebuilds indexes from the record store.
package coordinator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/lspecian/vexfs/index"
	"github.com/lspecian/vexfs/internal/resource"
	"github.com/lspecian/vexfs/store"
	"github.com/lspecian/vexfs/txn"
)

// ErrCollectionNotFound reports a lookup of an unknown collection.
type ErrCollectionNotFound struct {
	Name string
}

func (e ErrCollectionNotFound) Error() string {
	return fmt.Sprintf("coordinator: collection %q not found", e.Name)
}

// ErrCollectionExists reports a create against an existing name.
type ErrCollectionExists struct {
	Name string
}

func (e ErrCollectionExists) Error() string {
	return fmt.Sprintf("coordinator: collection %q already exists", e.Name)
}

// Config configures a Coordinator.
type Config struct {
	Logger    *slog.Logger
	Resources *resource.Controller

	// RebuildParallelism bounds the workers used for index rebuilds.
	// 0 means one worker per available CPU, decided by errgroup's limit.
	RebuildParallelism int
}

// Coordinator owns the collection registry.
type Coordinator struct {
	logger    *slog.Logger
	resources *resource.Controller
	rebuildN  int

	// lockEx fences a rebuild's catch-up and swap against concurrent
	// committers. Installed by the engine once the transaction manager exists.
	lockEx func(ctx context.Context, collection string) (release func(), err error)

	mu          sync.RWMutex
	collections map[string]*Collection
}

// Compile-time check: the coordinator resolves commit targets for the
// transaction manager.
var _ txn.Resolver = (*Coordinator)(nil)

// New creates an empty Coordinator.
func New(cfg Config) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.RebuildParallelism <= 0 {
		cfg.RebuildParallelism = 4
	}
	return &Coordinator{
		logger:      cfg.Logger,
		resources:   cfg.Resources,
		rebuildN:    cfg.RebuildParallelism,
		collections: make(map[string]*Collection),
	}
}

// SetExclusiveLocker installs the collection write lock taken around a
// rebuild's catch-up and swap phase. Must be set before traffic is accepted.
func (co *Coordinator) SetExclusiveLocker(fn func(ctx context.Context, collection string) (func(), error)) {
	co.mu.Lock()
	defer co.mu.Unlock()
	co.lockEx = fn
}

// Create registers a new collection. The spec's index parameters are
// validated up front so a bad algorithm or parameter fails before any state
// is allocated.
func (co *Coordinator) Create(spec Spec) (*Collection, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("coordinator: collection name is required")
	}
	if spec.Dimension <= 0 {
		return nil, fmt.Errorf("coordinator: invalid dimension %d", spec.Dimension)
	}
	if spec.ElementType == 0 {
		spec.ElementType = store.ElementFloat32
	}
	if err := spec.Params.Validate(); err != nil {
		return nil, err
	}

	co.mu.Lock()
	defer co.mu.Unlock()

	if _, ok := co.collections[spec.Name]; ok {
		return nil, ErrCollectionExists{Name: spec.Name}
	}

	c, err := newCollection(spec, co.resources, co.logger)
	if err != nil {
		return nil, err
	}
	co.collections[spec.Name] = c

	co.logger.Info("collection created",
		slog.String("collection", spec.Name),
		slog.Int("dimension", spec.Dimension),
		slog.String("algorithm", spec.Params.Kind.String()),
		slog.String("metric", spec.Metric.String()))
	return c, nil
}

// Drop removes a collection and closes its store.
func (co *Coordinator) Drop(name string) error {
	co.mu.Lock()
	c, ok := co.collections[name]
	if ok {
		delete(co.collections, name)
	}
	co.mu.Unlock()

	if !ok {
		return ErrCollectionNotFound{Name: name}
	}
	co.logger.Info("collection dropped", slog.String("collection", name))
	return c.store.Close()
}

// Get returns a collection by name.
func (co *Coordinator) Get(name string) (*Collection, error) {
	co.mu.RLock()
	defer co.mu.RUnlock()

	c, ok := co.collections[name]
	if !ok {
		return nil, ErrCollectionNotFound{Name: name}
	}
	return c, nil
}

// Names returns all collection names, sorted.
func (co *Coordinator) Names() []string {
	co.mu.RLock()
	defer co.mu.RUnlock()

	names := make([]string, 0, len(co.collections))
	for name := range co.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Target implements txn.Resolver.
func (co *Coordinator) Target(collection string) (txn.Target, error) {
	return co.Get(collection)
}

// Rebuild constructs a fresh index from the record store with the given
// parameters and atomically swaps it in. Writers are rejected for the
// duration; readers keep searching the old index until the swap. The build
// itself runs lock-free; the final catch-up and swap hold the collection's
// exclusive write lock so no committer can slip a mutation past the diff.
func (co *Coordinator) Rebuild(ctx context.Context, name string, params index.Params) error {
	if err := params.Validate(); err != nil {
		return err
	}

	c, err := co.Get(name)
	if err != nil {
		return err
	}

	// Rebuilds draw from the background worker budget shared with other
	// maintenance work.
	if co.resources != nil {
		if err := co.resources.AcquireBackground(ctx); err != nil {
			return err
		}
		defer co.resources.ReleaseBackground()
	}

	c.mu.Lock()
	if c.state != StateReady {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("coordinator: collection %q is %s, cannot rebuild", name, state)
	}
	c.state = StateRebuilding
	spec := c.spec
	c.mu.Unlock()

	restore := func(s State) {
		c.mu.Lock()
		c.state = s
		c.mu.Unlock()
	}

	spec.Params = params
	fresh, err := newIndex(spec, c.store)
	if err != nil {
		restore(StateReady)
		return err
	}

	ids := c.store.IDs()
	co.logger.Info("rebuilding index",
		slog.String("collection", name),
		slog.String("algorithm", params.Kind.String()),
		slog.Int("records", len(ids)))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(co.rebuildN)
	for _, id := range ids {
		g.Go(func() error {
			vec, ok := c.store.Vector(id)
			if !ok {
				// Deleted or corrupt since the scan; the store stays
				// authoritative either way.
				return nil
			}
			return fresh.Insert(gctx, id, vec)
		})
	}
	if err := g.Wait(); err != nil {
		restore(StateReady)
		return fmt.Errorf("coordinator: rebuild of %q failed: %w", name, err)
	}

	// A writer that passed its state check before the flip may still be
	// applying. Taking the exclusive lock waits it out; the diff below then
	// sees every mutation the scan missed.
	if co.lockEx != nil {
		release, lerr := co.lockEx(ctx, name)
		if lerr != nil {
			restore(StateReady)
			return lerr
		}
		defer release()
	}
	if err := catchUp(ctx, c, fresh); err != nil {
		restore(StateReady)
		return fmt.Errorf("coordinator: rebuild of %q failed: %w", name, err)
	}

	c.mu.Lock()
	c.idx = fresh
	c.spec.Params = params
	c.state = StateReady
	c.mu.Unlock()

	co.logger.Info("index rebuilt", slog.String("collection", name))
	return nil
}

// catchUp reconciles fresh with the store's current id set: records the
// rebuild scan missed are inserted, records deleted since the scan are
// removed. Runs with writers fenced out, so the store cannot move under it.
func catchUp(ctx context.Context, c *Collection, fresh index.Index) error {
	for _, id := range c.store.IDs() {
		if fresh.Contains(id) {
			continue
		}
		vec, ok := c.store.Vector(id)
		if !ok {
			continue
		}
		if err := fresh.Insert(ctx, id, vec); err != nil {
			return err
		}
	}

	it := fresh.IDs().Iterator()
	for it.HasNext() {
		id := it.Next()
		if !c.store.Contains(id) {
			if err := fresh.Delete(ctx, id); err != nil {
				return err
			}
		}
	}
	return nil
}

// CheckConsistency compares the collection's store and index id sets and
// rebuilds the index from the store on divergence.
func (co *Coordinator) CheckConsistency(ctx context.Context, checker *txn.Checker, name string) error {
	c, err := co.Get(name)
	if err != nil {
		return err
	}
	return checker.CheckAndRepair(ctx, name, c.storeIDs(), c.Index().IDs(), func(ctx context.Context) error {
		return co.Rebuild(ctx, name, c.Spec().Params)
	})
}

// SaveCollection snapshots a collection's store and index to w. Writes are
// paced against the background IO budget so a checkpoint cannot starve
// foreground queries of disk bandwidth.
func (co *Coordinator) SaveCollection(ctx context.Context, name string, w io.Writer) error {
	c, err := co.Get(name)
	if err != nil {
		return err
	}
	w = co.resources.ThrottledWriter(ctx, w)
	idx := c.Index()
	return c.store.WriteSnapshot(w, func(iw io.Writer) error {
		_, err := idx.WriteTo(iw)
		return err
	})
}

// LoadCollection restores a collection from a snapshot written by
// SaveCollection. The spec supplies the index parameters and cache budget;
// shape fields are validated against the snapshot superblock.
func (co *Coordinator) LoadCollection(spec Spec, r io.Reader) (*Collection, error) {
	if err := spec.Params.Validate(); err != nil {
		return nil, err
	}

	co.mu.Lock()
	defer co.mu.Unlock()
	if _, ok := co.collections[spec.Name]; ok {
		return nil, ErrCollectionExists{Name: spec.Name}
	}

	// The index region sits at the tail of the snapshot stream, but the
	// index needs the store as its vector source. Buffer the region and
	// deserialize once the store exists.
	var idxBuf bytes.Buffer
	st, err := store.ReadSnapshot(r, store.Config{
		Dimension: spec.Dimension,
		Capacity:  spec.Capacity,
		CacheSize: spec.CacheSize,
		Resources: co.resources,
	}, func(ir io.Reader) error {
		_, err := io.Copy(&idxBuf, ir)
		return err
	})
	if err != nil {
		return nil, err
	}

	spec.Dimension = st.Dimension()
	spec.ElementType = st.ElementType()
	spec.Metric = st.Metric()

	c := &Collection{
		spec:   spec,
		store:  st,
		logger: co.logger,
		state:  StateBuilding,
	}
	idx, err := newIndex(spec, st)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	if _, err := idx.ReadFrom(&idxBuf); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("coordinator: restore index for %q: %w", spec.Name, err)
	}
	c.idx = idx
	c.state = StateReady
	co.collections[spec.Name] = c
	return c, nil
}

// Stats returns per-collection statistics, sorted by name.
func (co *Coordinator) Stats() []Stats {
	co.mu.RLock()
	cols := make([]*Collection, 0, len(co.collections))
	for _, c := range co.collections {
		cols = append(cols, c)
	}
	co.mu.RUnlock()

	out := make([]Stats, 0, len(cols))
	for _, c := range cols {
		out = append(out, c.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close closes every collection's store.
func (co *Coordinator) Close() error {
	co.mu.Lock()
	defer co.mu.Unlock()

	var firstErr error
	for name, c := range co.collections {
		if err := c.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(co.collections, name)
	}
	return firstErr
}
