package txn

import (
	"context"
	"sync"
)

// lockMode is shared or exclusive.
type lockMode uint8

const (
	lockShared lockMode = iota
	lockExclusive
)

// collectionLock is the lock state of one collection: current holders plus a
// queue of waiters. Waiters are tracked so the deadlock detector can build
// the wait-for graph.
type collectionLock struct {
	holders map[uint64]lockMode
	waiters map[uint64]lockMode
}

// lockTable implements per-collection shared/exclusive locking. A single
// mutex plus one condition variable keeps the implementation simple; lock
// churn is per transaction, not per record, so contention here is modest.
type lockTable struct {
	mu    sync.Mutex
	cond  *sync.Cond
	locks map[string]*collectionLock
}

func newLockTable() *lockTable {
	lt := &lockTable{locks: make(map[string]*collectionLock)}
	lt.cond = sync.NewCond(&lt.mu)
	return lt
}

func (lt *lockTable) get(collection string) *collectionLock {
	cl, ok := lt.locks[collection]
	if !ok {
		cl = &collectionLock{
			holders: make(map[uint64]lockMode),
			waiters: make(map[uint64]lockMode),
		}
		lt.locks[collection] = cl
	}
	return cl
}

// grantable reports whether txnID can take the lock in the given mode.
// Re-entrant upgrades are granted when the transaction is the sole holder.
func (cl *collectionLock) grantable(txnID uint64, mode lockMode) bool {
	if held, ok := cl.holders[txnID]; ok {
		if held == lockExclusive || mode == lockShared {
			return true
		}
		return len(cl.holders) == 1 // upgrade shared -> exclusive
	}
	if mode == lockShared {
		for _, m := range cl.holders {
			if m == lockExclusive {
				return false
			}
		}
		return true
	}
	return len(cl.holders) == 0
}

// acquire blocks until the lock is granted, the context is done, or the
// transaction is killed by the deadlock detector or timeout sweeper.
func (lt *lockTable) acquire(ctx context.Context, t *Txn, collection string, mode lockMode) error {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	cl := lt.get(collection)
	if cl.grantable(t.id, mode) {
		cl.holders[t.id] = mode
		return nil
	}

	cl.waiters[t.id] = mode
	defer delete(cl.waiters, t.id)

	// Wake the wait loop when the context ends. The goroutine exits on grant
	// because done is closed.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			lt.mu.Lock()
			lt.cond.Broadcast()
			lt.mu.Unlock()
		case <-done:
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		t.mu.Lock()
		killed := t.killed
		t.mu.Unlock()
		if killed != nil {
			return killed
		}
		if cl.grantable(t.id, mode) {
			cl.holders[t.id] = mode
			return nil
		}
		lt.cond.Wait()
	}
}

// release drops every lock held by the transaction on the collection.
func (lt *lockTable) release(txnID uint64, collection string) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	if cl, ok := lt.locks[collection]; ok {
		delete(cl.holders, txnID)
		if len(cl.holders) == 0 && len(cl.waiters) == 0 {
			delete(lt.locks, collection)
		}
	}
	lt.cond.Broadcast()
}

// wake prods all waiters to re-check their killed flags.
func (lt *lockTable) wake() {
	lt.mu.Lock()
	lt.cond.Broadcast()
	lt.mu.Unlock()
}

// waitForGraph returns edges waiter -> holder across all collections. A
// waiter depends on every current holder whose grant blocks it.
func (lt *lockTable) waitForGraph() map[uint64][]uint64 {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	graph := make(map[uint64][]uint64)
	for _, cl := range lt.locks {
		for waiter, wmode := range cl.waiters {
			for holder, hmode := range cl.holders {
				if holder == waiter {
					continue
				}
				// Shared waiters only conflict with exclusive holders.
				if wmode == lockShared && hmode == lockShared {
					continue
				}
				graph[waiter] = append(graph[waiter], holder)
			}
		}
	}
	return graph
}

// findCycle returns the transaction ids on one cycle of the wait-for graph,
// or nil. Plain DFS with a recursion stack; graphs here are tiny.
func findCycle(graph map[uint64][]uint64) []uint64 {
	const (
		unvisited = 0
		inStack   = 1
		finished  = 2
	)
	state := make(map[uint64]int, len(graph))
	var stack []uint64
	var cycle []uint64

	var visit func(n uint64) bool
	visit = func(n uint64) bool {
		state[n] = inStack
		stack = append(stack, n)
		for _, next := range graph[n] {
			switch state[next] {
			case inStack:
				// Slice the cycle out of the stack.
				for i := len(stack) - 1; i >= 0; i-- {
					cycle = append(cycle, stack[i])
					if stack[i] == next {
						return true
					}
				}
				return true
			case unvisited:
				if visit(next) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[n] = finished
		return false
	}

	for n := range graph {
		if state[n] == unvisited && visit(n) {
			return cycle
		}
	}
	return nil
}
