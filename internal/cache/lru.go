// Package cache provides bounded LRU caches for hot vectors and metadata.
//
// Caches are advisory: the record store is always the source of truth, and
// eviction never loses the sole copy of anything.
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/lspecian/vexfs/internal/resource"
)

// LRU is a byte-bounded LRU cache keyed by record id, safe for concurrent use.
// The cost function maps a value to its accounted size in bytes.
type LRU[V any] struct {
	mu        sync.Mutex
	capacity  int64
	size      int64
	cost      func(V) int64
	items     map[uint64]*list.Element
	evictList *list.List
	rc        *resource.Controller

	hits   atomic.Int64
	misses atomic.Int64
}

type entry[V any] struct {
	key   uint64
	value V
}

// New creates an LRU with the given capacity in bytes.
// If rc is non-nil it is charged for cached bytes.
func New[V any](capacity int64, cost func(V) int64, rc *resource.Controller) *LRU[V] {
	return &LRU[V]{
		capacity:  capacity,
		cost:      cost,
		items:     make(map[uint64]*list.Element),
		evictList: list.New(),
		rc:        rc,
	}
}

// Get returns the cached value for key.
func (c *LRU[V]) Get(key uint64) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.hits.Add(1)
		c.evictList.MoveToFront(el)
		return el.Value.(*entry[V]).value, true
	}
	c.misses.Add(1)
	var zero V
	return zero, false
}

// Set caches a value. Values larger than the capacity are not cached.
func (c *LRU[V]) Set(key uint64, v V) {
	itemSize := c.cost(v)
	if itemSize > c.capacity {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.evictList.MoveToFront(el)
		ent := el.Value.(*entry[V])
		oldSize := c.cost(ent.value)
		if c.rc != nil && itemSize > oldSize {
			if !c.rc.TryAcquireMemory(itemSize - oldSize) {
				return
			}
		}
		if c.rc != nil && itemSize < oldSize {
			c.rc.ReleaseMemory(oldSize - itemSize)
		}
		c.size += itemSize - oldSize
		ent.value = v
		c.evict()
		return
	}

	// Evict locally first so memory is released before acquiring more.
	for c.size+itemSize > c.capacity {
		back := c.evictList.Back()
		if back == nil {
			break
		}
		c.removeElement(back)
	}

	if c.rc != nil && !c.rc.TryAcquireMemory(itemSize) {
		return
	}

	el := c.evictList.PushFront(&entry[V]{key: key, value: v})
	c.items[key] = el
	c.size += itemSize
}

// Remove drops key from the cache if present.
func (c *LRU[V]) Remove(key uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
}

// Purge drops every cached entry.
func (c *LRU[V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for c.evictList.Len() > 0 {
		c.removeElement(c.evictList.Back())
	}
}

// Len returns the number of cached entries.
func (c *LRU[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictList.Len()
}

// Size returns the accounted size of the cache in bytes.
func (c *LRU[V]) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Stats returns hit and miss counters.
func (c *LRU[V]) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *LRU[V]) evict() {
	for c.size > c.capacity {
		back := c.evictList.Back()
		if back == nil {
			return
		}
		c.removeElement(back)
	}
}

func (c *LRU[V]) removeElement(el *list.Element) {
	c.evictList.Remove(el)
	ent := el.Value.(*entry[V])
	delete(c.items, ent.key)
	itemSize := c.cost(ent.value)
	c.size -= itemSize
	if c.rc != nil {
		c.rc.ReleaseMemory(itemSize)
	}
}
