package txn

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lspecian/vexfs/wal"
)

// Target is the commit surface of one collection. Apply methods must write
// the record store before the index; the store is the source of truth when
// the two diverge.
type Target interface {
	// Prepare validates every queued operation without applying any, and
	// resolves concrete ids for zero-id puts in place. Called under the
	// collection's exclusive lock; an error aborts the whole transaction.
	Prepare(ops []Operation) error
	// ApplyPut applies a prepared put, store first, then index.
	ApplyPut(ctx context.Context, op Operation) error
	// ApplyDelete applies a prepared delete, store first, then index.
	ApplyDelete(ctx context.Context, id uint64) error
}

// Resolver maps a collection name to its commit target.
type Resolver interface {
	Target(collection string) (Target, error)
}

// Config configures a Manager.
type Config struct {
	Resolver Resolver

	// WAL, when set, records prepare entries before apply and a commit
	// entry as the durability boundary.
	WAL *wal.WAL

	Logger *slog.Logger

	// DetectInterval is the deadlock detector period.
	DetectInterval time.Duration

	// SweepInterval is the timeout sweeper period.
	SweepInterval time.Duration

	// DefaultTimeout applies to transactions started with a zero timeout.
	DefaultTimeout time.Duration
}

// Manager coordinates transactions across the store and index layers.
type Manager struct {
	resolver Resolver
	wal      *wal.WAL
	logger   *slog.Logger

	locks  *lockTable
	nextID atomic.Uint64

	mu   sync.Mutex
	txns map[uint64]*Txn

	defaultTimeout time.Duration
	stopCh         chan struct{}
	wg             sync.WaitGroup
	closed         atomic.Bool
}

// NewManager creates a Manager and starts its deadlock detector and timeout
// sweeper.
func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.DetectInterval <= 0 {
		cfg.DetectInterval = 50 * time.Millisecond
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 10 * time.Second
	}

	m := &Manager{
		resolver:       cfg.Resolver,
		wal:            cfg.WAL,
		logger:         cfg.Logger,
		locks:          newLockTable(),
		txns:           make(map[uint64]*Txn),
		defaultTimeout: cfg.DefaultTimeout,
		stopCh:         make(chan struct{}),
	}

	// Ids continue above anything already logged. A fresh counter would reuse
	// the ids of pre-crash transactions whose prepare entries are still in the
	// log, and replay buckets prepares by id.
	if cfg.WAL != nil {
		m.nextID.Store(cfg.WAL.MaxTxnID())
	}

	m.wg.Add(2)
	go m.detectLoop(cfg.DetectInterval)
	go m.sweepLoop(cfg.SweepInterval)
	return m
}

// Begin starts a transaction on a collection. Isolation levels with a read
// view (RepeatableRead and up) take a shared lock immediately and hold it to
// completion; writers escalate to exclusive at commit.
func (m *Manager) Begin(ctx context.Context, collection string, layers Layer, iso Isolation, timeout time.Duration) (*Txn, error) {
	if m.closed.Load() {
		return nil, ErrManagerClosed
	}
	if layers == 0 {
		layers = LayerAll
	}
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}

	now := time.Now()
	t := &Txn{
		id:         m.nextID.Add(1),
		collection: collection,
		isolation:  iso,
		layers:     layers,
		started:    now,
		deadline:   now.Add(timeout),
		state:      StateActive,
	}

	m.mu.Lock()
	m.txns[t.id] = t
	m.mu.Unlock()

	if iso >= RepeatableRead {
		if err := m.locks.acquire(ctx, t, collection, lockShared); err != nil {
			m.finish(t, StateAborted)
			return nil, err
		}
	}

	return t, nil
}

// Maintenance acquires a collection's exclusive lock outside any user
// transaction, for structural operations like index swaps that concurrent
// committers must not interleave with. The returned release function must be
// called exactly once.
func (m *Manager) Maintenance(ctx context.Context, collection string, timeout time.Duration) (func(), error) {
	if m.closed.Load() {
		return nil, ErrManagerClosed
	}
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}

	now := time.Now()
	t := &Txn{
		id:         m.nextID.Add(1),
		collection: collection,
		layers:     LayerAll,
		started:    now,
		deadline:   now.Add(timeout),
		state:      StateActive,
	}

	m.mu.Lock()
	m.txns[t.id] = t
	m.mu.Unlock()

	if err := m.locks.acquire(ctx, t, collection, lockExclusive); err != nil {
		m.finish(t, StateAborted)
		return nil, err
	}

	// Past acquisition the holder is mid-swap. The sweeper only reaps
	// StateActive transactions, same as a committing writer.
	t.mu.Lock()
	t.state = StatePreparing
	t.mu.Unlock()

	return func() {
		m.release(t)
		m.finish(t, StateCommitted)
	}, nil
}

// AddOperation queues a mutation on an active transaction. Nothing is
// validated or applied until Commit.
func (m *Manager) AddOperation(t *Txn, op Operation) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateActive {
		return ErrTxnNotActive
	}
	if t.killed != nil {
		return t.killed
	}
	if op.Layer == 0 {
		op.Layer = t.layers
	}
	t.ops = append(t.ops, op)
	return nil
}

// Commit runs the two-phase commit: Prepare validates every queued operation
// under the collection's exclusive lock, then Apply writes them through,
// store before index. Any prepare failure aborts the whole transaction with
// no partial effect.
func (m *Manager) Commit(ctx context.Context, t *Txn) error {
	t.mu.Lock()
	if t.state != StateActive {
		t.mu.Unlock()
		return ErrTxnNotActive
	}
	if t.killed != nil {
		err := t.killed
		t.mu.Unlock()
		m.Abort(t)
		return err
	}
	t.state = StatePreparing
	ops := t.ops
	t.mu.Unlock()

	// Read-only transactions just release their view.
	if len(ops) == 0 {
		m.release(t)
		m.finish(t, StateCommitted)
		return nil
	}

	if err := m.locks.acquire(ctx, t, t.collection, lockExclusive); err != nil {
		m.abortPreparing(t)
		return err
	}

	target, err := m.resolver.Target(t.collection)
	if err != nil {
		m.abortPreparing(t)
		return err
	}

	// Prepare: validate everything and pin ids before touching either layer,
	// so the WAL records the exact mutations that will apply.
	if err := target.Prepare(ops); err != nil {
		m.abortPreparing(t)
		return err
	}

	// Log intent, then the commit entry as the durability boundary.
	if m.wal != nil {
		for _, op := range ops {
			var werr error
			switch op.Kind {
			case OpPut:
				werr = m.wal.LogPreparePut(t.id, t.collection, op.ID, op.Vector, op.Metadata, op.Overwrite)
			case OpDelete:
				werr = m.wal.LogPrepareDelete(t.id, t.collection, op.ID)
			}
			if werr != nil {
				m.abortPreparing(t)
				return fmt.Errorf("txn: wal prepare: %w", werr)
			}
		}
		if err := m.wal.LogCommit(t.id); err != nil {
			m.abortPreparing(t)
			return fmt.Errorf("txn: wal commit: %w", err)
		}
	}

	// Apply. Failures past this point are repaired from the store by the
	// consistency checker, not rolled back.
	for _, op := range ops {
		var aerr error
		switch op.Kind {
		case OpPut:
			aerr = target.ApplyPut(ctx, op)
		case OpDelete:
			aerr = target.ApplyDelete(ctx, op.ID)
		}
		if aerr != nil {
			m.logger.Error("apply failed after durable commit",
				slog.Uint64("txn", t.id),
				slog.String("collection", t.collection),
				slog.Any("error", aerr))
			m.release(t)
			m.finish(t, StateCommitted)
			return aerr
		}
	}

	m.release(t)
	m.finish(t, StateCommitted)
	return nil
}

// Abort discards a transaction. Idempotent; aborting a finished transaction
// is a no-op.
func (m *Manager) Abort(t *Txn) {
	t.mu.Lock()
	if t.state == StateCommitted || t.state == StateAborted {
		t.mu.Unlock()
		return
	}
	hadOps := len(t.ops) > 0
	t.state = StateAborted
	t.mu.Unlock()

	if m.wal != nil && hadOps {
		if err := m.wal.LogAbort(t.id); err != nil {
			m.logger.Warn("wal abort failed", slog.Uint64("txn", t.id), slog.Any("error", err))
		}
	}
	m.release(t)
	m.drop(t)
}

func (m *Manager) abortPreparing(t *Txn) {
	t.mu.Lock()
	t.state = StateAborted
	hadOps := len(t.ops) > 0
	t.mu.Unlock()

	if m.wal != nil && hadOps {
		if err := m.wal.LogAbort(t.id); err != nil {
			m.logger.Warn("wal abort failed", slog.Uint64("txn", t.id), slog.Any("error", err))
		}
	}
	m.release(t)
	m.drop(t)
}

func (m *Manager) release(t *Txn) {
	m.locks.release(t.id, t.collection)
}

func (m *Manager) finish(t *Txn, s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
	m.drop(t)
}

func (m *Manager) drop(t *Txn) {
	m.mu.Lock()
	delete(m.txns, t.id)
	m.mu.Unlock()
}

// ActiveCount returns the number of registered transactions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.txns)
}

// detectLoop periodically builds the wait-for graph and aborts the youngest
// transaction of any cycle.
func (m *Manager) detectLoop(interval time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.detectOnce()
		}
	}
}

func (m *Manager) detectOnce() {
	cycle := findCycle(m.locks.waitForGraph())
	if len(cycle) == 0 {
		return
	}

	// Youngest transaction = highest id. It has done the least work.
	victim := cycle[0]
	for _, id := range cycle[1:] {
		if id > victim {
			victim = id
		}
	}

	m.mu.Lock()
	t := m.txns[victim]
	m.mu.Unlock()
	if t == nil {
		return
	}

	t.mu.Lock()
	if t.killed == nil {
		t.killed = ErrDeadlock
	}
	t.mu.Unlock()

	m.logger.Warn("deadlock detected, aborting youngest",
		slog.Uint64("victim", victim),
		slog.Int("cycle_len", len(cycle)))
	m.locks.wake()
}

// sweepLoop aborts transactions past their deadline so their locks cannot be
// held forever.
func (m *Manager) sweepLoop(interval time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweepOnce(time.Now())
		}
	}
}

func (m *Manager) sweepOnce(now time.Time) {
	m.mu.Lock()
	var expired []*Txn
	for _, t := range m.txns {
		if now.After(t.deadline) {
			expired = append(expired, t)
		}
	}
	m.mu.Unlock()

	for _, t := range expired {
		t.mu.Lock()
		if t.killed == nil {
			t.killed = ErrTimeout
		}
		stale := t.state == StateActive
		t.mu.Unlock()

		if stale {
			m.logger.Warn("transaction timed out",
				slog.Uint64("txn", t.id),
				slog.String("collection", t.collection))
			m.Abort(t)
		}
	}
	m.locks.wake()
}

// Close stops the background loops. In-flight transactions are aborted.
func (m *Manager) Close() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}
	close(m.stopCh)
	m.wg.Wait()

	m.mu.Lock()
	remaining := make([]*Txn, 0, len(m.txns))
	for _, t := range m.txns {
		remaining = append(remaining, t)
	}
	m.mu.Unlock()

	for _, t := range remaining {
		t.mu.Lock()
		if t.killed == nil {
			t.killed = ErrManagerClosed
		}
		t.mu.Unlock()
		m.Abort(t)
	}
	m.locks.wake()
}
