// Package txn implements the cross-layer transaction manager: atomicity
// across the record store and index layers, per-collection locking with
// deadlock detection, and store/index consistency checking.
package txn

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Layer identifies the storage layers a transaction touches.
type Layer uint8

const (
	LayerStore Layer = 1 << iota
	LayerIndex
)

// LayerAll covers both layers; the common case for writes.
const LayerAll = LayerStore | LayerIndex

// Isolation selects the visibility guarantees of a transaction.
type Isolation uint8

const (
	ReadUncommitted Isolation = iota
	ReadCommitted
	RepeatableRead
	Serializable
	// Snapshot gives readers a stable view for their whole lifetime. The
	// default for searches and rebuilds.
	Snapshot
)

func (i Isolation) String() string {
	switch i {
	case ReadUncommitted:
		return "read-uncommitted"
	case ReadCommitted:
		return "read-committed"
	case RepeatableRead:
		return "repeatable-read"
	case Serializable:
		return "serializable"
	case Snapshot:
		return "snapshot"
	default:
		return fmt.Sprintf("isolation(%d)", uint8(i))
	}
}

// State is a transaction's lifecycle phase.
type State uint8

const (
	StateActive State = iota
	StatePreparing
	StateCommitted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StatePreparing:
		return "preparing"
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// OpKind is the type of a queued mutation.
type OpKind uint8

const (
	OpPut OpKind = iota
	OpDelete
)

// Operation is a queued mutation, buffered until commit.
type Operation struct {
	Kind      OpKind
	Layer     Layer
	ID        uint64
	Vector    []float32
	Metadata  []byte
	Overwrite bool
}

// Txn is one transaction. Callers interact with it through the Manager.
type Txn struct {
	id         uint64
	collection string
	isolation  Isolation
	layers     Layer
	deadline   time.Time
	started    time.Time

	mu     sync.Mutex
	state  State
	ops    []Operation
	killed error // set by the deadlock detector or timeout sweeper
}

// ID returns the transaction id. Ids increase monotonically, so a larger id
// means a younger transaction.
func (t *Txn) ID() uint64 { return t.id }

// Collection returns the collection the transaction is bound to.
func (t *Txn) Collection() string { return t.collection }

// Isolation returns the transaction's isolation level.
func (t *Txn) Isolation() Isolation { return t.isolation }

// State returns the current lifecycle phase.
func (t *Txn) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Operations returns a copy of the queued operations. After a successful
// commit the copy carries the concrete ids resolved during prepare.
func (t *Txn) Operations() []Operation {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Operation, len(t.ops))
	copy(out, t.ops)
	return out
}

var (
	// ErrTxnNotActive is returned when an operation targets a transaction
	// that already committed or aborted.
	ErrTxnNotActive = errors.New("txn: transaction not active")

	// ErrDeadlock is returned to a deadlock victim. The transaction was
	// aborted with no partial effect; retrying is safe.
	ErrDeadlock = errors.New("txn: deadlock victim, retry")

	// ErrTimeout is returned when a transaction exceeds its timeout.
	ErrTimeout = errors.New("txn: transaction timed out")

	// ErrManagerClosed is returned after the manager shuts down.
	ErrManagerClosed = errors.New("txn: manager closed")
)

// ConsistencyError reports divergence between a collection's store and index
// id sets.
type ConsistencyError struct {
	Collection   string
	MissingInIdx uint64 // present in store, absent in index
	OrphanedIdx  uint64 // present in index, absent in store
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("txn: consistency violation in %q: %d ids missing from index, %d orphaned in index",
		e.Collection, e.MissingInIdx, e.OrphanedIdx)
}
