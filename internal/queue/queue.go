// Package queue provides the candidate priority queues used by the beam
// searches in the index implementations.
package queue

// Candidate is a (node id, distance) pair ordered by distance.
// Value-based on purpose: no pointer indirection, no per-item allocation.
type Candidate struct {
	Node     uint64
	Distance float32
}

// Queue is a binary heap of candidates. Depending on construction it behaves
// as a min-heap (closest on top, used for the exploration frontier) or a
// max-heap (farthest on top, used to cap the result set at ef items).
type Queue struct {
	max   bool
	items []Candidate
}

// NewMin initializes a min-heap with the given capacity.
func NewMin(capacity int) *Queue {
	return &Queue{items: make([]Candidate, 0, capacity)}
}

// NewMax initializes a max-heap with the given capacity.
func NewMax(capacity int) *Queue {
	return &Queue{max: true, items: make([]Candidate, 0, capacity)}
}

// Len returns the number of candidates in the queue.
func (q *Queue) Len() int { return len(q.items) }

// Top returns the root candidate without removing it.
func (q *Queue) Top() (Candidate, bool) {
	if len(q.items) == 0 {
		return Candidate{}, false
	}
	return q.items[0], true
}

// Push inserts a candidate while maintaining the heap invariant.
func (q *Queue) Push(c Candidate) {
	q.items = append(q.items, c)
	q.siftUp(len(q.items) - 1)
}

// Pop removes and returns the root candidate.
func (q *Queue) Pop() (Candidate, bool) {
	n := len(q.items)
	if n == 0 {
		return Candidate{}, false
	}
	root := q.items[0]
	last := q.items[n-1]
	q.items[n-1] = Candidate{}
	q.items = q.items[:n-1]
	if n-1 > 0 {
		q.items[0] = last
		q.siftDown(0)
	}
	return root, true
}

// Min returns the candidate with the smallest distance currently held.
// For min-heaps this is the root; for max-heaps this scans the backing slice.
func (q *Queue) Min() (Candidate, bool) {
	if len(q.items) == 0 {
		return Candidate{}, false
	}
	if !q.max {
		return q.items[0], true
	}
	best := q.items[0]
	for _, c := range q.items[1:] {
		if c.Distance < best.Distance {
			best = c
		}
	}
	return best, true
}

// Reset clears the queue for reuse.
func (q *Queue) Reset() { q.items = q.items[:0] }

func (q *Queue) before(i, j int) bool {
	if q.max {
		return q.items[i].Distance > q.items[j].Distance
	}
	if q.items[i].Distance != q.items[j].Distance {
		return q.items[i].Distance < q.items[j].Distance
	}
	// Stable tie-break by id keeps result ordering deterministic.
	return q.items[i].Node < q.items[j].Node
}

func (q *Queue) siftUp(i int) {
	for i > 0 {
		p := (i - 1) / 2
		if !q.before(i, p) {
			return
		}
		q.items[i], q.items[p] = q.items[p], q.items[i]
		i = p
	}
}

func (q *Queue) siftDown(i int) {
	n := len(q.items)
	for {
		l := 2*i + 1
		if l >= n {
			return
		}
		best := l
		if r := l + 1; r < n && q.before(r, l) {
			best = r
		}
		if !q.before(best, i) {
			return
		}
		q.items[i], q.items[best] = q.items[best], q.items[i]
		i = best
	}
}
