// Package vexfs is an embedded vector storage and indexing engine.
//
// A vexfs engine manages named collections. Each collection pairs a
// checksummed record store with one approximate-nearest-neighbor index,
// either an HNSW proximity graph or a multi-table LSH structure. Writes run
// as cross-layer transactions: prepared against both layers, logged to a
// write-ahead log, then applied store-first so the record store stays the
// durable source of truth the index can always be rebuilt from.
//
// # Quick Start
//
//	ctx := context.Background()
//	db, err := vexfs.Open("./data")
//	if err != nil {
//	    panic(err)
//	}
//	defer db.Close()
//
//	err = db.CreateCollection(ctx, vexfs.CollectionConfig{
//	    Name:      "docs",
//	    Dimension: 128,
//	    Algorithm: "hnsw",
//	    Metric:    "cosine",
//	})
//
//	id, err := db.Insert(ctx, "docs", vexfs.Item{
//	    Vector:   embedding,
//	    Metadata: []byte(`{"title":"intro"}`),
//	})
//
//	results, _, err := db.Search(ctx, "docs", query, 10)
//
// Durability is tunable through WAL options (sync, group commit, async), and
// every committed transaction is recovered on the next Open.
package vexfs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lspecian/vexfs/coordinator"
	"github.com/lspecian/vexfs/distance"
	"github.com/lspecian/vexfs/index"
	"github.com/lspecian/vexfs/internal/resource"
	"github.com/lspecian/vexfs/store"
	"github.com/lspecian/vexfs/txn"
	"github.com/lspecian/vexfs/wal"
	"github.com/lspecian/vexfs/worker"
)

const (
	snapshotSuffix = ".vxfs"
	manifestSuffix = ".meta.yaml"
)

var collectionNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Engine is the top-level handle. All methods are safe for concurrent use.
type Engine struct {
	dir   string
	opts  options
	log   *Logger
	stats MetricsCollector

	resources *resource.Controller
	coord     *coordinator.Coordinator
	txns      *txn.Manager
	wal       *wal.WAL
	checker   *txn.Checker
	pool      *worker.Pool

	// snapMu serializes snapshot and checkpoint writes.
	snapMu sync.Mutex
	closed atomic.Bool
}

// CollectionConfig describes a collection to create.
type CollectionConfig struct {
	Name      string
	Dimension int

	// Algorithm selects the index: "hnsw" or "lsh".
	Algorithm string

	// Metric selects the distance: "l2", "cosine", or "dot".
	Metric string

	// ElementType selects the stored component encoding: "float32" (default),
	// "float16", or "int8".
	ElementType string

	// HNSW and LSH override the algorithm's default parameters. At most the
	// variant matching Algorithm may be set.
	HNSW *index.HNSWParams
	LSH  *index.LSHParams

	// Capacity bounds the record count; 0 means unbounded.
	Capacity int
}

// Item is a vector record with optional metadata.
type Item struct {
	// ID of the record. 0 asks the engine to assign the next free id.
	ID uint64

	Vector   []float32
	Metadata []byte

	// Overwrite replaces an existing record instead of failing with
	// ErrAlreadyExists.
	Overwrite bool
}

// Open opens (or initializes) an engine rooted at dir. Committed transactions
// from a previous run are replayed from the write-ahead log, and each loaded
// collection is checked for store/index divergence before traffic is
// accepted.
func Open(dir string, optFns ...Option) (*Engine, error) {
	o := applyOptions(optFns)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, translateError(err)
	}

	e := &Engine{
		dir:       dir,
		opts:      o,
		log:       o.logger,
		stats:     o.metrics,
		resources: resource.NewController(o.resources),
	}
	e.coord = coordinator.New(coordinator.Config{
		Logger:             e.log.Logger,
		Resources:          e.resources,
		RebuildParallelism: o.rebuildWorkers,
	})
	e.checker = txn.NewChecker(txn.CheckerConfig{
		ScansPerSecond: o.checkScansPerSec,
		Logger:         e.log.Logger,
	})
	e.pool = worker.NewPool(o.batchWorkers)

	if !o.walDisabled {
		walOptFns := append([]func(*wal.Options){
			func(wo *wal.Options) { wo.Path = dir },
		}, o.walOptions...)
		w, err := wal.New(walOptFns...)
		if err != nil {
			e.pool.Close()
			return nil, translateError(err)
		}
		e.wal = w
	}

	if err := e.loadCollections(); err != nil {
		e.shutdown()
		return nil, translateError(err)
	}

	e.txns = txn.NewManager(txn.Config{
		Resolver:       e.coord,
		WAL:            e.wal,
		Logger:         e.log.Logger,
		DefaultTimeout: o.txnTimeout,
	})
	e.coord.SetExclusiveLocker(func(ctx context.Context, collection string) (func(), error) {
		return e.txns.Maintenance(ctx, collection, 0)
	})

	if e.wal != nil {
		if err := e.recover(); err != nil {
			e.txns.Close()
			e.shutdown()
			return nil, translateError(err)
		}
		e.wal.SetCheckpointCallback(e.autoCheckpoint)
	}

	if o.checkOnOpen {
		ctx := context.Background()
		for _, name := range e.coord.Names() {
			if err := e.coord.CheckConsistency(ctx, e.checker, name); err != nil {
				e.txns.Close()
				e.shutdown()
				return nil, translateError(err)
			}
		}
	}

	return e, nil
}

// loadCollections restores every collection described by a manifest in the
// data directory, from its snapshot when one exists.
func (e *Engine) loadCollections() error {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), manifestSuffix) {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), manifestSuffix)

		spec, err := readManifest(e.manifestPath(name))
		if err != nil {
			return fmt.Errorf("vexfs: manifest for %q: %w", name, err)
		}
		spec.CacheSize = e.opts.cacheSize

		snapPath := e.snapshotPath(name)
		f, err := os.Open(snapPath)
		switch {
		case err == nil:
			_, lerr := e.coord.LoadCollection(spec, f)
			_ = f.Close()
			if lerr != nil {
				return fmt.Errorf("vexfs: load snapshot %s: %w", snapPath, lerr)
			}
		case errors.Is(err, os.ErrNotExist):
			// Manifest without snapshot: created but never checkpointed.
			if _, cerr := e.coord.Create(spec); cerr != nil {
				return cerr
			}
		default:
			return err
		}
	}
	return nil
}

// recover replays committed transactions from the WAL into the loaded
// collections. Replay is idempotent against the snapshot base.
func (e *Engine) recover() error {
	ctx := context.Background()
	replayed := 0

	err := e.wal.ReplayCommitted(func(entry wal.Entry) error {
		target, err := e.coord.Target(entry.Collection)
		if err != nil {
			// The collection was dropped after these entries were logged.
			e.log.Warn("skipping WAL entry for unknown collection",
				"collection", entry.Collection, "id", entry.ID)
			return nil
		}

		switch entry.Type {
		case wal.OpPut:
			replayed++
			return target.ApplyPut(ctx, txn.Operation{
				Kind:      txn.OpPut,
				Layer:     txn.LayerAll,
				ID:        entry.ID,
				Vector:    entry.Vector,
				Metadata:  entry.Metadata,
				Overwrite: true,
			})
		case wal.OpDelete:
			replayed++
			err := target.ApplyDelete(ctx, entry.ID)
			var nf store.ErrRecordNotFound
			if errors.As(err, &nf) {
				return nil
			}
			return err
		default:
			return nil
		}
	})

	e.log.LogRecovery(ctx, replayed, err)
	return err
}

// CreateCollection registers a new collection and persists its manifest so
// the collection survives restarts even before its first snapshot.
func (e *Engine) CreateCollection(ctx context.Context, cfg CollectionConfig) error {
	if e.closed.Load() {
		return ErrClosed
	}
	spec, err := e.specFromConfig(cfg)
	if err != nil {
		return translateError(err)
	}

	if _, err := e.coord.Create(spec); err != nil {
		return translateError(err)
	}
	if err := writeManifest(e.manifestPath(cfg.Name), spec); err != nil {
		_ = e.coord.Drop(cfg.Name)
		return translateError(err)
	}
	return nil
}

func (e *Engine) specFromConfig(cfg CollectionConfig) (coordinator.Spec, error) {
	if !collectionNameRe.MatchString(cfg.Name) {
		return coordinator.Spec{}, fmt.Errorf("%w: invalid collection name %q", ErrInvalidParameter, cfg.Name)
	}
	if cfg.Dimension <= 0 {
		return coordinator.Spec{}, fmt.Errorf("%w: dimension must be positive, got %d", ErrInvalidParameter, cfg.Dimension)
	}

	kind, err := index.ParseKind(cfg.Algorithm)
	if err != nil {
		return coordinator.Spec{}, err
	}
	metric, err := distance.ParseMetric(cfg.Metric)
	if err != nil {
		return coordinator.Spec{}, fmt.Errorf("%w: %w", ErrInvalidParameter, err)
	}
	elem, err := store.ParseElementType(cfg.ElementType)
	if err != nil {
		return coordinator.Spec{}, fmt.Errorf("%w: %w", ErrInvalidParameter, err)
	}

	params := index.Params{Kind: kind}
	switch kind {
	case index.KindHNSW:
		if cfg.LSH != nil {
			return coordinator.Spec{}, fmt.Errorf("%w: lsh params set on an hnsw collection", ErrInvalidParameter)
		}
		params.HNSW = cfg.HNSW
		if params.HNSW == nil {
			params.HNSW = index.DefaultHNSWParams()
		}
	case index.KindLSH:
		if cfg.HNSW != nil {
			return coordinator.Spec{}, fmt.Errorf("%w: hnsw params set on an lsh collection", ErrInvalidParameter)
		}
		params.LSH = cfg.LSH
		if params.LSH == nil {
			params.LSH = index.DefaultLSHParams()
		}
	}
	if err := params.Validate(); err != nil {
		return coordinator.Spec{}, err
	}

	return coordinator.Spec{
		Name:        cfg.Name,
		Dimension:   cfg.Dimension,
		ElementType: elem,
		Metric:      metric,
		Params:      params,
		Capacity:    cfg.Capacity,
		CacheSize:   e.opts.cacheSize,
	}, nil
}

// DropCollection removes a collection and deletes its files.
func (e *Engine) DropCollection(name string) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if err := e.coord.Drop(name); err != nil {
		return translateError(err)
	}
	if err := os.Remove(e.manifestPath(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return translateError(err)
	}
	if err := os.Remove(e.snapshotPath(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return translateError(err)
	}
	return nil
}

// Insert writes one record transactionally and returns its id.
func (e *Engine) Insert(ctx context.Context, collection string, item Item) (uint64, error) {
	start := time.Now()
	ops, err := e.commitOps(ctx, collection, []txn.Operation{{
		Kind:      txn.OpPut,
		Layer:     txn.LayerAll,
		ID:        item.ID,
		Vector:    item.Vector,
		Metadata:  item.Metadata,
		Overwrite: item.Overwrite,
	}})
	err = translateError(err)
	e.stats.RecordInsert(time.Since(start), err)
	var id uint64
	if err == nil {
		id = ops[0].ID
	}
	e.log.LogInsert(ctx, collection, id, len(item.Vector), err)
	return id, err
}

// BatchResult carries per-item outcomes of a batch operation. IDs and Errors
// are parallel to the input slice; exactly one of each pair is meaningful.
type BatchResult struct {
	IDs    []uint64
	Errors []error
}

// Failed returns the number of items that failed.
func (r BatchResult) Failed() int {
	n := 0
	for _, err := range r.Errors {
		if err != nil {
			n++
		}
	}
	return n
}

// BatchInsert writes many records. Items are grouped into sub-batches; each
// sub-batch commits as one transaction, and sub-batches commit in submission
// order, so a crash leaves a committed prefix. A sub-batch whose prepare
// fails is retried item by item so one bad item never sinks its neighbors.
func (e *Engine) BatchInsert(ctx context.Context, collection string, items []Item) BatchResult {
	start := time.Now()
	result := BatchResult{
		IDs:    make([]uint64, len(items)),
		Errors: make([]error, len(items)),
	}

	for base := 0; base < len(items); base += worker.DefaultBatchSize {
		end := min(base+worker.DefaultBatchSize, len(items))
		chunk := items[base:end]

		ops := make([]txn.Operation, len(chunk))
		for i, item := range chunk {
			ops[i] = txn.Operation{
				Kind:      txn.OpPut,
				Layer:     txn.LayerAll,
				ID:        item.ID,
				Vector:    item.Vector,
				Metadata:  item.Metadata,
				Overwrite: item.Overwrite,
			}
		}

		committed, err := e.commitOps(ctx, collection, ops)
		if err == nil {
			for i, op := range committed {
				result.IDs[base+i] = op.ID
			}
			continue
		}

		// Per-item fallback isolates the failing items.
		for i, item := range chunk {
			id, ierr := e.Insert(ctx, collection, item)
			result.IDs[base+i] = id
			result.Errors[base+i] = ierr
		}
	}

	e.stats.RecordBatchInsert(len(items), result.Failed(), time.Since(start))
	e.log.LogBatchInsert(ctx, collection, len(items), result.Failed())
	return result
}

// BatchDelete removes many records in parallel, one transaction per id.
// Missing ids are not errors.
func (e *Engine) BatchDelete(ctx context.Context, collection string, ids []uint64) BatchResult {
	result := BatchResult{
		IDs:    ids,
		Errors: make([]error, len(ids)),
	}

	errs, err := worker.ForEach(ctx, len(ids), worker.DefaultBatchSize, e.opts.batchWorkers, func(i int) error {
		_, derr := e.Delete(ctx, collection, ids[i])
		return derr
	})
	if err != nil {
		for i := range result.Errors {
			result.Errors[i] = translateError(err)
		}
		return result
	}
	copy(result.Errors, errs)
	return result
}

// Delete removes a record transactionally. Returns false without error when
// the id does not exist.
func (e *Engine) Delete(ctx context.Context, collection string, id uint64) (bool, error) {
	start := time.Now()
	_, err := e.commitOps(ctx, collection, []txn.Operation{{
		Kind:  txn.OpDelete,
		Layer: txn.LayerAll,
		ID:    id,
	}})
	var nf store.ErrRecordNotFound
	if errors.As(err, &nf) {
		e.stats.RecordDelete(time.Since(start), nil)
		e.log.LogDelete(ctx, collection, id, nil)
		return false, nil
	}
	err = translateError(err)
	e.stats.RecordDelete(time.Since(start), err)
	e.log.LogDelete(ctx, collection, id, err)
	return err == nil, err
}

// Get reads one record.
func (e *Engine) Get(collection string, id uint64) (Item, error) {
	c, err := e.coord.Get(collection)
	if err != nil {
		return Item{}, translateError(err)
	}
	rec, err := c.Store().Get(id)
	if err != nil {
		return Item{}, translateError(err)
	}
	return Item{ID: rec.ID, Vector: rec.Vector, Metadata: rec.Metadata}, nil
}

// RebuildIndex builds a fresh index for the collection with new parameters
// and swaps it in atomically. Readers keep the old index until the swap;
// writers receive a retryable error for the duration.
func (e *Engine) RebuildIndex(ctx context.Context, collection string, params index.Params) error {
	if e.closed.Load() {
		return ErrClosed
	}
	start := time.Now()
	err := e.coord.Rebuild(ctx, collection, params)
	if err == nil {
		if c, gerr := e.coord.Get(collection); gerr == nil {
			err = writeManifest(e.manifestPath(collection), c.Spec())
		}
	}
	err = translateError(err)
	e.stats.RecordRebuild(time.Since(start), err)
	e.log.LogRebuild(ctx, collection, err)
	return err
}

// CheckConsistency verifies that the collection's store and index agree on
// the id set, rebuilding the index from the store on divergence.
func (e *Engine) CheckConsistency(ctx context.Context, collection string) error {
	return translateError(e.coord.CheckConsistency(ctx, e.checker, collection))
}

// EngineStats aggregates statistics across collections.
type EngineStats struct {
	Collections []coordinator.Stats
	WALEntries  int
	ActiveTxns  int
}

// Stats returns statistics for the named collections, or for all collections
// when none are named.
func (e *Engine) Stats(collections ...string) (EngineStats, error) {
	var out EngineStats

	if len(collections) == 0 {
		out.Collections = e.coord.Stats()
	} else {
		for _, name := range collections {
			c, err := e.coord.Get(name)
			if err != nil {
				return EngineStats{}, translateError(err)
			}
			out.Collections = append(out.Collections, c.Stats())
		}
	}

	if e.wal != nil {
		n, err := e.wal.Len()
		if err != nil {
			return EngineStats{}, translateError(err)
		}
		out.WALEntries = n
	}
	if e.txns != nil {
		out.ActiveTxns = e.txns.ActiveCount()
	}
	return out, nil
}

// Checkpoint snapshots every collection to disk and truncates the WAL.
func (e *Engine) Checkpoint() error {
	if e.closed.Load() {
		return ErrClosed
	}
	return translateError(e.checkpoint())
}

func (e *Engine) checkpoint() error {
	e.snapMu.Lock()
	defer e.snapMu.Unlock()

	for _, name := range e.coord.Names() {
		if err := e.saveCollection(name); err != nil {
			return err
		}
	}
	if e.wal != nil {
		return e.wal.Checkpoint()
	}
	return nil
}

// saveCollection writes a snapshot atomically: tmp file, fsync, rename.
func (e *Engine) saveCollection(name string) error {
	path := e.snapshotPath(name)
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := e.coord.SaveCollection(context.Background(), name, f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	e.log.LogSnapshot(context.Background(), name, path, nil)
	return nil
}

// autoCheckpoint runs when the WAL crosses its auto-checkpoint thresholds.
// The snapshot work is handed to the maintenance pool so the committing
// transaction is not stalled behind it.
func (e *Engine) autoCheckpoint() error {
	return e.pool.Submit(context.Background(), func() {
		if e.closed.Load() {
			return
		}
		if err := e.checkpoint(); err != nil {
			e.log.Error("auto-checkpoint failed", "error", err)
		}
	})
}

// commitOps runs one transaction through prepare, WAL, and apply, and
// returns the operations with their assigned ids.
func (e *Engine) commitOps(ctx context.Context, collection string, ops []txn.Operation) ([]txn.Operation, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}

	t, err := e.txns.Begin(ctx, collection, txn.LayerAll, txn.ReadCommitted, 0)
	if err != nil {
		return nil, err
	}
	for _, op := range ops {
		if err := e.txns.AddOperation(t, op); err != nil {
			e.txns.Abort(t)
			return nil, err
		}
	}
	if err := e.txns.Commit(ctx, t); err != nil {
		return nil, err
	}
	return t.Operations(), nil
}

func (e *Engine) snapshotPath(name string) string {
	return filepath.Join(e.dir, name+snapshotSuffix)
}

func (e *Engine) manifestPath(name string) string {
	return filepath.Join(e.dir, name+manifestSuffix)
}

func (e *Engine) shutdown() {
	if e.wal != nil {
		_ = e.wal.Close()
	}
	e.pool.Close()
	_ = e.coord.Close()
}
