// Package hnsw implements the Hierarchical Navigable Small World graph for
// approximate nearest-neighbor search.
//
// The graph is expressed as id-based adjacency lists (node id -> neighbor id
// list per layer) rather than pointers, so it serializes trivially and never
// holds vector payloads; vectors are fetched from the record store through
// index.VectorSource. All multi-layer traversal is iterative: layer depth is
// data-dependent, and a recursive formulation would risk stack exhaustion on
// deep graphs.
package hnsw

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/lspecian/vexfs/distance"
	"github.com/lspecian/vexfs/index"
	"github.com/lspecian/vexfs/internal/queue"
	"github.com/lspecian/vexfs/internal/visited"
)

const (
	// layer0Multiplier is the neighbor cap multiplier at the base layer.
	layer0Multiplier = 2

	// minimumM is the smallest valid value for M.
	minimumM = 2
)

// Compile-time check.
var _ index.Index = (*HNSW)(nil)

// Options configures an HNSW graph.
type Options struct {
	Dimension int
	Metric    distance.Metric
	Params    index.HNSWParams
	Vectors   index.VectorSource
}

// HNSW is the multi-layer proximity graph.
//
// A single RWMutex guards the graph structure: searches run concurrently
// under the read lock while inserts and deletes take the write lock. Writer
// serialization per collection is enforced one level up by the transaction
// manager, so finer-grained locking buys nothing here.
type HNSW struct {
	mu sync.RWMutex

	nodes      map[uint64]*node
	entryPoint uint64
	maxLevel   int
	hasEntry   bool

	dimension       int
	distFunc        distance.Func
	vectors         index.VectorSource
	params          index.HNSWParams
	maxConns        int // per layer > 0
	maxConns0       int // layer 0
	levelMultiplier float64

	rng   *rand.Rand
	rngMu sync.Mutex

	minQueuePool *sync.Pool
	maxQueuePool *sync.Pool
	visitedPool  *sync.Pool
}

// node is a graph vertex: back-reference id plus per-layer adjacency.
type node struct {
	id        uint64
	level     int
	neighbors [][]uint64 // neighbors[l] for l in 0..level
}

// New creates an empty HNSW graph.
func New(opts Options) (*HNSW, error) {
	if opts.Dimension <= 0 {
		return nil, fmt.Errorf("hnsw: invalid dimension %d", opts.Dimension)
	}
	if opts.Vectors == nil {
		return nil, fmt.Errorf("hnsw: vector source is required")
	}

	p := opts.Params
	if p.M < minimumM {
		p.M = minimumM
	}
	if p.EFConstruction < p.M {
		p.EFConstruction = p.M
	}
	if p.MaxLayer <= 0 {
		p.MaxLayer = 16
	}

	distFunc, err := distance.Provider(opts.Metric)
	if err != nil {
		return nil, err
	}

	var rng *rand.Rand
	if p.Seed != nil {
		rng = rand.New(rand.NewSource(*p.Seed))
	} else {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	h := &HNSW{
		nodes:           make(map[uint64]*node),
		dimension:       opts.Dimension,
		distFunc:        distFunc,
		vectors:         opts.Vectors,
		params:          p,
		maxConns:        p.M,
		maxConns0:       layer0Multiplier * p.M,
		levelMultiplier: 1 / math.Log(float64(p.M)),
		rng:             rng,
		minQueuePool: &sync.Pool{
			New: func() any { return queue.NewMin(p.EFConstruction) },
		},
		maxQueuePool: &sync.Pool{
			New: func() any { return queue.NewMax(p.EFConstruction) },
		},
		visitedPool: &sync.Pool{
			New: func() any { return visited.New(1024) },
		},
	}

	return h, nil
}

// Kind returns index.KindHNSW.
func (h *HNSW) Kind() index.Kind { return index.KindHNSW }

// Dimension returns the configured vector dimensionality.
func (h *HNSW) Dimension() int { return h.dimension }

// Len returns the number of indexed nodes.
func (h *HNSW) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.nodes)
}

// Contains reports whether id is indexed.
func (h *HNSW) Contains(id uint64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.nodes[id]
	return ok
}

// IDs returns a bitmap of all indexed ids.
func (h *HNSW) IDs() *roaring64.Bitmap {
	h.mu.RLock()
	defer h.mu.RUnlock()

	bm := roaring64.New()
	for id := range h.nodes {
		bm.Add(id)
	}
	return bm
}

// Stats returns a snapshot of graph statistics.
func (h *HNSW) Stats() index.Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return index.Stats{
		Kind:     index.KindHNSW,
		Count:    len(h.nodes),
		MaxLayer: h.maxLevel,
	}
}

// drawLevel samples a node's top layer from the exponential distribution with
// multiplier 1/ln(M), capped at MaxLayer.
func (h *HNSW) drawLevel() int {
	h.rngMu.Lock()
	r := h.rng.Float64()
	h.rngMu.Unlock()

	for r == 0 {
		h.rngMu.Lock()
		r = h.rng.Float64()
		h.rngMu.Unlock()
	}

	level := int(math.Floor(-math.Log(r) * h.levelMultiplier))
	if level > h.params.MaxLayer {
		level = h.params.MaxLayer
	}
	return level
}

// Insert adds a vector under the given id.
func (h *HNSW) Insert(ctx context.Context, id uint64, vec []float32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(vec) == 0 {
		return index.ErrEmptyVector
	}
	if len(vec) != h.dimension {
		return &index.ErrDimensionMismatch{Expected: h.dimension, Actual: len(vec)}
	}

	level := h.drawLevel()

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.nodes[id]; ok {
		return &index.ErrNodeExists{ID: id}
	}

	n := &node{id: id, level: level, neighbors: make([][]uint64, level+1)}

	// First node becomes the entry point of the whole graph.
	if !h.hasEntry {
		h.nodes[id] = n
		h.entryPoint = id
		h.maxLevel = level
		h.hasEntry = true
		return nil
	}

	// Iterative greedy descent from the current top layer down to level+1,
	// carrying (current closest, current distance) as explicit state.
	currID := h.entryPoint
	currDist := h.dist(vec, currID)
	for layer := h.maxLevel; layer > level; layer-- {
		currID, currDist = h.greedyStep(vec, currID, currDist, layer)
	}

	h.nodes[id] = n

	// Beam search and link from min(level, maxLevel) down to 0.
	top := level
	if top > h.maxLevel {
		top = h.maxLevel
	}
	for layer := top; layer >= 0; layer-- {
		results := h.searchLayer(vec, currID, currDist, layer, h.params.EFConstruction, nil)

		if best, ok := results.Min(); ok {
			currID = best.Node
			currDist = best.Distance
		}

		maxConns := h.maxConns
		if layer == 0 {
			maxConns = h.maxConns0
		}

		neighbors := h.selectNeighbors(results, maxConns)
		results.Reset()
		h.maxQueuePool.Put(results)

		n.neighbors[layer] = neighbors
		for _, nb := range neighbors {
			h.linkBack(nb, id, layer)
		}
	}

	// New node with a higher layer than anything seen becomes the entry point.
	if level > h.maxLevel {
		h.maxLevel = level
		h.entryPoint = id
	}

	return nil
}

// greedyStep runs the single-best-neighbor walk at one layer until no
// neighbor improves on the current distance.
func (h *HNSW) greedyStep(vec []float32, currID uint64, currDist float32, layer int) (uint64, float32) {
	for {
		improved := false
		for _, nb := range h.connections(currID, layer) {
			if d := h.dist(vec, nb); d < currDist {
				currID = nb
				currDist = d
				improved = true
			}
		}
		if !improved {
			return currID, currDist
		}
	}
}

// connections returns the neighbor list of id at layer, or nil.
func (h *HNSW) connections(id uint64, layer int) []uint64 {
	n, ok := h.nodes[id]
	if !ok || layer > n.level {
		return nil
	}
	return n.neighbors[layer]
}

// linkBack inserts newID into the neighbor list of id at layer, pruning the
// list back to its cap when it overflows.
func (h *HNSW) linkBack(id, newID uint64, layer int) {
	n, ok := h.nodes[id]
	if !ok || layer > n.level {
		return
	}

	for _, c := range n.neighbors[layer] {
		if c == newID {
			return
		}
	}

	maxConns := h.maxConns
	if layer == 0 {
		maxConns = h.maxConns0
	}

	if len(n.neighbors[layer]) < maxConns {
		n.neighbors[layer] = append(n.neighbors[layer], newID)
		return
	}

	// Over cap: re-select the best maxConns among existing plus the new edge.
	vec, ok := h.vectors.Vector(id)
	if !ok {
		return
	}

	candidates := h.maxQueuePool.Get().(*queue.Queue)
	candidates.Reset()
	defer func() {
		candidates.Reset()
		h.maxQueuePool.Put(candidates)
	}()

	for _, c := range n.neighbors[layer] {
		candidates.Push(queue.Candidate{Node: c, Distance: h.dist(vec, c)})
	}
	candidates.Push(queue.Candidate{Node: newID, Distance: h.dist(vec, newID)})

	n.neighbors[layer] = h.selectNeighbors(candidates, maxConns)
}

// selectNeighbors picks up to m neighbors from candidates (a max-heap holding
// the beam search results). Does not consume the queue's pool slot.
func (h *HNSW) selectNeighbors(candidates *queue.Queue, m int) []uint64 {
	if h.params.Heuristic {
		return h.selectNeighborsHeuristic(candidates, m)
	}
	return h.selectNeighborsSimple(candidates, m)
}

func (h *HNSW) selectNeighborsSimple(candidates *queue.Queue, m int) []uint64 {
	for candidates.Len() > m {
		candidates.Pop()
	}
	res := make([]uint64, candidates.Len())
	for i := candidates.Len() - 1; i >= 0; i-- {
		c, _ := candidates.Pop()
		res[i] = c.Node
	}
	return res
}

// selectNeighborsHeuristic keeps a candidate only when it is closer to the
// source than to every already-selected neighbor (relative neighborhood
// property), which favors diverse directions over a tight cluster of
// near-duplicates. Remaining slots are filled with the closest rejects.
func (h *HNSW) selectNeighborsHeuristic(candidates *queue.Queue, m int) []uint64 {
	if candidates.Len() <= m {
		return h.selectNeighborsSimple(candidates, m)
	}

	// Drain the max-heap into closest-first order.
	sorted := make([]queue.Candidate, candidates.Len())
	for i := len(sorted) - 1; i >= 0; i-- {
		sorted[i], _ = candidates.Pop()
	}

	result := make([]uint64, 0, m)
	resultVecs := make([][]float32, 0, m)

	for _, cand := range sorted {
		if len(result) >= m {
			break
		}
		candVec, ok := h.vectors.Vector(cand.Node)
		if !ok {
			continue
		}
		good := true
		for _, rv := range resultVecs {
			if h.distFunc(candVec, rv) < cand.Distance {
				good = false
				break
			}
		}
		if good {
			result = append(result, cand.Node)
			resultVecs = append(resultVecs, candVec)
		}
	}

	if len(result) < m {
		for _, cand := range sorted {
			if len(result) >= m {
				break
			}
			seen := false
			for _, r := range result {
				if r == cand.Node {
					seen = true
					break
				}
			}
			if !seen {
				result = append(result, cand.Node)
			}
		}
	}

	return result
}

// searchLayer runs a best-first beam search with width ef at one layer.
// The returned max-heap holds up to ef candidates and must be returned to
// maxQueuePool by the caller.
func (h *HNSW) searchLayer(query []float32, epID uint64, epDist float32, layer, ef int, filter func(uint64) bool) *queue.Queue {
	seen := h.visitedPool.Get().(*visited.Set)
	seen.Reset()
	defer h.visitedPool.Put(seen)

	frontier := h.minQueuePool.Get().(*queue.Queue)
	frontier.Reset()
	defer func() {
		frontier.Reset()
		h.minQueuePool.Put(frontier)
	}()

	results := h.maxQueuePool.Get().(*queue.Queue)
	results.Reset()

	seen.Visit(epID)
	// The entry point always seeds the frontier so traversal has somewhere to
	// go, even when it is filtered out of the results.
	frontier.Push(queue.Candidate{Node: epID, Distance: epDist})
	if filter == nil || filter(epID) {
		results.Push(queue.Candidate{Node: epID, Distance: epDist})
	}

	for frontier.Len() > 0 {
		curr, _ := frontier.Pop()

		if results.Len() >= ef {
			if worst, ok := results.Top(); ok && curr.Distance > worst.Distance {
				break
			}
		}

		for _, nb := range h.connections(curr.Node, layer) {
			if seen.Visited(nb) {
				continue
			}
			seen.Visit(nb)

			d := h.dist(query, nb)

			// Standard pruning: once ef results are held, skip candidates
			// already worse than the current worst. Disabled under filtering
			// to avoid trapping the walk in filtered-out regions.
			if filter == nil && results.Len() >= ef {
				if worst, ok := results.Top(); ok && d > worst.Distance {
					continue
				}
			}

			frontier.Push(queue.Candidate{Node: nb, Distance: d})
			if filter == nil || filter(nb) {
				results.Push(queue.Candidate{Node: nb, Distance: d})
				if results.Len() > ef {
					results.Pop()
				}
			}
		}
	}

	return results
}

// Search returns the k nearest neighbors of query.
//
// The deadline carried by ctx is honored between layer transitions: when it
// expires mid-descent the best results found so far are returned with
// Partial set.
func (h *HNSW) Search(ctx context.Context, query []float32, k int, opts *index.SearchOptions) (index.SearchResponse, error) {
	if k <= 0 {
		return index.SearchResponse{}, index.ErrInvalidK
	}
	if len(query) != h.dimension {
		return index.SearchResponse{}, &index.ErrDimensionMismatch{Expected: h.dimension, Actual: len(query)}
	}

	ef := h.params.EFSearch
	var filter func(uint64) bool
	if opts != nil {
		if opts.EFSearch > 0 {
			if opts.EFSearch < k {
				return index.SearchResponse{}, fmt.Errorf("%w: got ef_search=%d k=%d", index.ErrInvalidEF, opts.EFSearch, k)
			}
			ef = opts.EFSearch
		}
		filter = opts.Filter
	}
	// The construction-time default may sit below k; widen it quietly, only
	// an explicit per-query override is rejected.
	if ef < k {
		ef = k
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.hasEntry {
		return index.SearchResponse{}, nil
	}

	currID := h.entryPoint
	currDist := h.dist(query, currID)

	// Greedy descent to layer 1, checking the deadline at each transition.
	partial := false
	for layer := h.maxLevel; layer > 0; layer-- {
		if ctx.Err() != nil {
			partial = true
			break
		}
		currID, currDist = h.greedyStep(query, currID, currDist, layer)
	}

	if partial {
		resp := index.SearchResponse{Partial: true}
		if filter == nil || filter(currID) {
			resp.Results = []index.SearchResult{{ID: currID, Distance: currDist}}
		}
		return resp, nil
	}

	results := h.searchLayer(query, currID, currDist, 0, ef, filter)
	defer func() {
		results.Reset()
		h.maxQueuePool.Put(results)
	}()

	for results.Len() > k {
		results.Pop()
	}

	out := make([]index.SearchResult, results.Len())
	for i := results.Len() - 1; i >= 0; i-- {
		c, _ := results.Pop()
		out[i] = index.SearchResult{ID: c.Node, Distance: c.Distance}
	}
	sortResults(out)

	return index.SearchResponse{Results: out, Partial: ctx.Err() != nil}, nil
}

// sortResults orders ascending by distance, ties broken by id.
func sortResults(rs []index.SearchResult) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].Distance != rs[j].Distance {
			return rs[i].Distance < rs[j].Distance
		}
		return rs[i].ID < rs[j].ID
	})
}

// Delete removes id and its edges from the graph. Surviving neighbors whose
// degree drops below a soft floor are reconnected best-effort from their
// neighbors' neighbors to keep the graph navigable.
func (h *HNSW) Delete(ctx context.Context, id uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	n, ok := h.nodes[id]
	if !ok {
		return &index.ErrNodeNotFound{ID: id}
	}

	delete(h.nodes, id)

	// Drop back-edges layer by layer, remembering who lost an edge.
	type lostEdge struct {
		id    uint64
		layer int
	}
	var lost []lostEdge
	for layer := 0; layer <= n.level; layer++ {
		for _, nb := range n.neighbors[layer] {
			if h.removeEdge(nb, id, layer) {
				lost = append(lost, lostEdge{id: nb, layer: layer})
			}
		}
	}

	if len(h.nodes) == 0 {
		h.hasEntry = false
		h.entryPoint = 0
		h.maxLevel = 0
		return nil
	}

	if h.entryPoint == id {
		h.electEntryPoint()
	}

	softFloor := h.maxConns / 2
	if softFloor < 1 {
		softFloor = 1
	}
	for _, e := range lost {
		nb, ok := h.nodes[e.id]
		if !ok || e.layer > nb.level {
			continue
		}
		if len(nb.neighbors[e.layer]) < softFloor {
			h.reconnect(nb, e.layer)
		}
	}

	return nil
}

// removeEdge removes target from id's neighbor list at layer.
func (h *HNSW) removeEdge(id, target uint64, layer int) bool {
	n, ok := h.nodes[id]
	if !ok || layer > n.level {
		return false
	}
	conns := n.neighbors[layer]
	for i, c := range conns {
		if c == target {
			conns[i] = conns[len(conns)-1]
			n.neighbors[layer] = conns[:len(conns)-1]
			return true
		}
	}
	return false
}

// electEntryPoint scans for the surviving node with the highest level.
// Only runs when the entry point itself was deleted.
func (h *HNSW) electEntryPoint() {
	best := uint64(0)
	bestLevel := -1
	for id, n := range h.nodes {
		if n.level > bestLevel || (n.level == bestLevel && id < best) {
			best = id
			bestLevel = n.level
		}
	}
	h.entryPoint = best
	h.maxLevel = bestLevel
}

// reconnect refills n's neighbor list at layer from its neighbors' neighbors,
// closest first. Best-effort: an isolated node simply stays sparse.
func (h *HNSW) reconnect(n *node, layer int) {
	vec, ok := h.vectors.Vector(n.id)
	if !ok {
		return
	}

	existing := make(map[uint64]bool, len(n.neighbors[layer])+1)
	existing[n.id] = true
	for _, c := range n.neighbors[layer] {
		existing[c] = true
	}

	candidates := h.maxQueuePool.Get().(*queue.Queue)
	candidates.Reset()
	defer func() {
		candidates.Reset()
		h.maxQueuePool.Put(candidates)
	}()

	maxConns := h.maxConns
	if layer == 0 {
		maxConns = h.maxConns0
	}
	want := maxConns - len(n.neighbors[layer])

	for _, c := range n.neighbors[layer] {
		for _, cc := range h.connections(c, layer) {
			if existing[cc] {
				continue
			}
			existing[cc] = true
			candidates.Push(queue.Candidate{Node: cc, Distance: h.dist(vec, cc)})
			if candidates.Len() > want {
				candidates.Pop()
			}
		}
	}

	for candidates.Len() > 0 {
		c, _ := candidates.Pop()
		n.neighbors[layer] = append(n.neighbors[layer], c.Node)
		h.linkBack(c.Node, n.id, layer)
	}
}

// dist computes the distance between vec and the stored vector of id.
// Unresolvable ids sort last.
func (h *HNSW) dist(vec []float32, id uint64) float32 {
	v, ok := h.vectors.Vector(id)
	if !ok {
		return math.MaxFloat32
	}
	return h.distFunc(vec, v)
}

// Binary serialization of the graph structure (ids and adjacency only).
//
// Layout: magic "HNSW", version u16, count u64, entry u64, maxLevel u32,
// then per node: id u64, level u32, per layer: count u32 + ids u64...

const (
	serialMagic   = 0x57534e48 // "HNSW" little-endian
	serialVersion = 1
)

// WriteTo serializes the graph structure.
func (h *HNSW) WriteTo(w io.Writer) (int64, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	cw := &countingWriter{w: w}

	hdr := make([]byte, 4+2+8+8+4+1)
	binary.LittleEndian.PutUint32(hdr[0:], serialMagic)
	binary.LittleEndian.PutUint16(hdr[4:], serialVersion)
	binary.LittleEndian.PutUint64(hdr[6:], uint64(len(h.nodes)))
	binary.LittleEndian.PutUint64(hdr[14:], h.entryPoint)
	binary.LittleEndian.PutUint32(hdr[22:], uint32(h.maxLevel))
	if h.hasEntry {
		hdr[26] = 1
	}
	if _, err := cw.Write(hdr); err != nil {
		return cw.n, err
	}

	// Deterministic order for reproducible snapshots.
	ids := make([]uint64, 0, len(h.nodes))
	for id := range h.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var scratch [8]byte
	for _, id := range ids {
		n := h.nodes[id]
		binary.LittleEndian.PutUint64(scratch[:], n.id)
		if _, err := cw.Write(scratch[:8]); err != nil {
			return cw.n, err
		}
		binary.LittleEndian.PutUint32(scratch[:4], uint32(n.level))
		if _, err := cw.Write(scratch[:4]); err != nil {
			return cw.n, err
		}
		for layer := 0; layer <= n.level; layer++ {
			conns := n.neighbors[layer]
			binary.LittleEndian.PutUint32(scratch[:4], uint32(len(conns)))
			if _, err := cw.Write(scratch[:4]); err != nil {
				return cw.n, err
			}
			for _, c := range conns {
				binary.LittleEndian.PutUint64(scratch[:], c)
				if _, err := cw.Write(scratch[:8]); err != nil {
					return cw.n, err
				}
			}
		}
	}

	return cw.n, nil
}

// ReadFrom deserializes a graph structure into an empty index.
func (h *HNSW) ReadFrom(r io.Reader) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.nodes) != 0 {
		return 0, fmt.Errorf("hnsw: ReadFrom requires an empty index")
	}

	cr := &countingReader{r: r}

	hdr := make([]byte, 4+2+8+8+4+1)
	if _, err := io.ReadFull(cr, hdr); err != nil {
		return cr.n, err
	}
	if binary.LittleEndian.Uint32(hdr[0:]) != serialMagic {
		return cr.n, fmt.Errorf("hnsw: bad serialization magic")
	}
	if v := binary.LittleEndian.Uint16(hdr[4:]); v != serialVersion {
		return cr.n, fmt.Errorf("hnsw: unsupported serialization version %d", v)
	}
	count := binary.LittleEndian.Uint64(hdr[6:])
	h.entryPoint = binary.LittleEndian.Uint64(hdr[14:])
	h.maxLevel = int(binary.LittleEndian.Uint32(hdr[22:]))
	h.hasEntry = hdr[26] == 1

	var scratch [8]byte
	for i := uint64(0); i < count; i++ {
		if _, err := io.ReadFull(cr, scratch[:8]); err != nil {
			return cr.n, err
		}
		id := binary.LittleEndian.Uint64(scratch[:8])
		if _, err := io.ReadFull(cr, scratch[:4]); err != nil {
			return cr.n, err
		}
		level := int(binary.LittleEndian.Uint32(scratch[:4]))

		n := &node{id: id, level: level, neighbors: make([][]uint64, level+1)}
		for layer := 0; layer <= level; layer++ {
			if _, err := io.ReadFull(cr, scratch[:4]); err != nil {
				return cr.n, err
			}
			cnt := int(binary.LittleEndian.Uint32(scratch[:4]))
			conns := make([]uint64, cnt)
			for j := 0; j < cnt; j++ {
				if _, err := io.ReadFull(cr, scratch[:8]); err != nil {
					return cr.n, err
				}
				conns[j] = binary.LittleEndian.Uint64(scratch[:8])
			}
			n.neighbors[layer] = conns
		}
		h.nodes[id] = n
	}

	return cr.n, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}
