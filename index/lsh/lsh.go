// Package lsh implements locality-sensitive hashing over signed random
// hyperplane projections. Each of the configured tables hashes a vector
// through its own bank of hyperplanes into a sign-bit signature; vectors that
// land in the same bucket of any table become search candidates and are
// re-ranked by exact distance.
package lsh

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/cespare/xxhash/v2"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/lspecian/vexfs/distance"
	"github.com/lspecian/vexfs/index"
)

// Compile-time check.
var _ index.Index = (*LSH)(nil)

// Options configures an LSH index.
type Options struct {
	Dimension int
	Metric    distance.Metric
	Params    index.LSHParams
	Vectors   index.VectorSource
}

// table is one hash table: a bank of hyperplanes and its buckets.
type table struct {
	// planes holds NumFunctions hyperplanes, each Dimension wide, flattened
	// row-major.
	planes  []float64
	buckets map[uint64]*roaring64.Bitmap
}

// LSH is the multi-table signed random projection index.
type LSH struct {
	mu sync.RWMutex

	tables []table
	ids    *roaring64.Bitmap

	dimension int
	distFunc  distance.Func
	vectors   index.VectorSource
	params    index.LSHParams
}

// New creates an empty LSH index. Hyperplane components are drawn from a
// standard normal so that the collision probability of two vectors depends
// only on the angle between them.
func New(opts Options) (*LSH, error) {
	if opts.Dimension <= 0 {
		return nil, fmt.Errorf("lsh: invalid dimension %d", opts.Dimension)
	}
	if opts.Vectors == nil {
		return nil, fmt.Errorf("lsh: vector source is required")
	}

	p := opts.Params
	if p.NumTables <= 0 {
		p.NumTables = 8
	}
	if p.NumFunctions <= 0 {
		p.NumFunctions = 12
	}
	if p.NumFunctions > 64 {
		return nil, fmt.Errorf("lsh: num_functions %d exceeds signature width 64", p.NumFunctions)
	}

	distFunc, err := distance.Provider(opts.Metric)
	if err != nil {
		return nil, err
	}

	seed := uint64(time.Now().UnixNano())
	if p.Seed != nil {
		seed = uint64(*p.Seed)
	}
	normal := distuv.Normal{
		Mu:    0,
		Sigma: 1,
		Src:   rand.NewPCG(seed, seed+1),
	}

	tables := make([]table, p.NumTables)
	for t := range tables {
		planes := make([]float64, p.NumFunctions*opts.Dimension)
		for i := range planes {
			planes[i] = normal.Rand()
		}
		tables[t] = table{
			planes:  planes,
			buckets: make(map[uint64]*roaring64.Bitmap),
		}
	}

	return &LSH{
		tables:    tables,
		ids:       roaring64.New(),
		dimension: opts.Dimension,
		distFunc:  distFunc,
		vectors:   opts.Vectors,
		params:    p,
	}, nil
}

// Kind returns index.KindLSH.
func (l *LSH) Kind() index.Kind { return index.KindLSH }

// Dimension returns the configured vector dimensionality.
func (l *LSH) Dimension() int { return l.dimension }

// Len returns the number of indexed vectors.
func (l *LSH) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return int(l.ids.GetCardinality())
}

// Contains reports whether id is indexed.
func (l *LSH) Contains(id uint64) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.ids.Contains(id)
}

// IDs returns a copy of the indexed id set.
func (l *LSH) IDs() *roaring64.Bitmap {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.ids.Clone()
}

// Stats returns a snapshot of index statistics.
func (l *LSH) Stats() index.Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	buckets := 0
	for t := range l.tables {
		buckets += len(l.tables[t].buckets)
	}
	return index.Stats{
		Kind:    index.KindLSH,
		Count:   int(l.ids.GetCardinality()),
		Tables:  len(l.tables),
		Buckets: buckets,
	}
}

// signature computes the sign-bit signature of vec under table t.
func (l *LSH) signature(t int, vec []float32) uint64 {
	planes := l.tables[t].planes
	var sig uint64
	for f := 0; f < l.params.NumFunctions; f++ {
		row := planes[f*l.dimension : (f+1)*l.dimension]
		var dot float64
		for d, v := range vec {
			dot += row[d] * float64(v)
		}
		if dot >= 0 {
			sig |= 1 << uint(f)
		}
	}
	return sig
}

// bucketKey mixes a raw signature into a bucket key. Signatures are biased
// toward low bits when num_functions is small; hashing spreads them evenly
// across the bucket map.
func bucketKey(sig uint64) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], sig)
	return xxhash.Sum64(buf[:])
}

// probeOrder returns table t's hash functions sorted by how close the query's
// projection came to the hyperplane. A near-zero dot product means the sign
// bit could have gone either way, so flipping it is the likeliest to uncover
// true neighbors.
func (l *LSH) probeOrder(t int, query []float32) []int {
	planes := l.tables[t].planes
	margins := make([]float64, l.params.NumFunctions)
	order := make([]int, l.params.NumFunctions)
	for f := 0; f < l.params.NumFunctions; f++ {
		row := planes[f*l.dimension : (f+1)*l.dimension]
		var dot float64
		for d, v := range query {
			dot += row[d] * float64(v)
		}
		margins[f] = math.Abs(dot)
		order[f] = f
	}
	sort.Slice(order, func(i, j int) bool { return margins[order[i]] < margins[order[j]] })
	return order
}

// perturbations derives up to n distinct signatures from sig: every single
// bit flip in the given order, then pair flips once the singles run out.
func perturbations(sig uint64, order []int, n int) []uint64 {
	out := make([]uint64, 0, n)
	for _, f := range order {
		if len(out) == n {
			return out
		}
		out = append(out, sig^(1<<uint(f)))
	}
	for i := 0; i < len(order) && len(out) < n; i++ {
		for j := i + 1; j < len(order) && len(out) < n; j++ {
			out = append(out, sig^(1<<uint(order[i]))^(1<<uint(order[j])))
		}
	}
	return out
}

// Insert adds a vector under the given id to every table.
func (l *LSH) Insert(ctx context.Context, id uint64, vec []float32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(vec) == 0 {
		return index.ErrEmptyVector
	}
	if len(vec) != l.dimension {
		return &index.ErrDimensionMismatch{Expected: l.dimension, Actual: len(vec)}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ids.Contains(id) {
		return &index.ErrNodeExists{ID: id}
	}

	for t := range l.tables {
		key := bucketKey(l.signature(t, vec))
		bucket, ok := l.tables[t].buckets[key]
		if !ok {
			bucket = roaring64.New()
			l.tables[t].buckets[key] = bucket
		}
		bucket.Add(id)
	}
	l.ids.Add(id)
	return nil
}

// Delete removes id from every table. Removal walks all buckets of each
// table because the vector may no longer be resolvable through the source;
// deleting an absent id reports ErrNodeNotFound.
func (l *LSH) Delete(ctx context.Context, id uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.ids.Contains(id) {
		return &index.ErrNodeNotFound{ID: id}
	}

	// Fast path: the vector is still resolvable, so recompute its buckets.
	if vec, ok := l.vectors.Vector(id); ok && len(vec) == l.dimension {
		for t := range l.tables {
			key := bucketKey(l.signature(t, vec))
			if bucket, ok := l.tables[t].buckets[key]; ok {
				bucket.Remove(id)
				if bucket.IsEmpty() {
					delete(l.tables[t].buckets, key)
				}
			}
		}
		l.ids.Remove(id)
		return nil
	}

	for t := range l.tables {
		for key, bucket := range l.tables[t].buckets {
			if bucket.Contains(id) {
				bucket.Remove(id)
				if bucket.IsEmpty() {
					delete(l.tables[t].buckets, key)
				}
			}
		}
	}
	l.ids.Remove(id)
	return nil
}

// Search probes the query's bucket in every table, unions the candidates,
// and re-ranks them by exact distance. When the candidate pool is thinner
// than k, up to NumProbes perturbed signatures per table are probed as well,
// least-confident bits first.
func (l *LSH) Search(ctx context.Context, query []float32, k int, opts *index.SearchOptions) (index.SearchResponse, error) {
	if k <= 0 {
		return index.SearchResponse{}, index.ErrInvalidK
	}
	if len(query) != l.dimension {
		return index.SearchResponse{}, &index.ErrDimensionMismatch{Expected: l.dimension, Actual: len(query)}
	}

	var filter func(uint64) bool
	if opts != nil {
		filter = opts.Filter
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.ids.IsEmpty() {
		return index.SearchResponse{}, nil
	}

	sigs := make([]uint64, len(l.tables))
	candidates := roaring64.New()
	for t := range l.tables {
		sigs[t] = l.signature(t, query)
		if bucket, ok := l.tables[t].buckets[bucketKey(sigs[t])]; ok {
			candidates.Or(bucket)
		}
	}

	// Multi-probe expansion: each table probes up to NumProbes perturbed
	// signatures, single bit flips in confidence order before pair flips, so
	// every probe lands in a bucket the previous probes did not.
	if int(candidates.GetCardinality()) < k && l.params.NumProbes > 0 {
		for t := range l.tables {
			if int(candidates.GetCardinality()) >= k {
				break
			}
			for _, sig := range perturbations(sigs[t], l.probeOrder(t, query), l.params.NumProbes) {
				if bucket, ok := l.tables[t].buckets[bucketKey(sig)]; ok {
					candidates.Or(bucket)
				}
			}
		}
	}

	partial := false
	results := make([]index.SearchResult, 0, candidates.GetCardinality())
	it := candidates.Iterator()
	for it.HasNext() {
		if ctx.Err() != nil {
			partial = true
			break
		}
		id := it.Next()
		if filter != nil && !filter(id) {
			continue
		}
		vec, ok := l.vectors.Vector(id)
		if !ok {
			continue
		}
		results = append(results, index.SearchResult{ID: id, Distance: l.distFunc(query, vec)})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Distance != results[j].Distance {
			return results[i].Distance < results[j].Distance
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > k {
		results = results[:k]
	}

	return index.SearchResponse{Results: results, Partial: partial}, nil
}

// Binary serialization.
//
// Layout: magic "LSH0", version u16, numTables u32, numFunctions u32,
// dimension u32, then per table: planes as f64 LE, bucket count u32, per
// bucket: key u64, serialized roaring bitmap (length-prefixed), then the
// id bitmap (length-prefixed).

const (
	serialMagic   = 0x3048534c // "LSH0" little-endian
	serialVersion = 1
)

// WriteTo serializes the full index state, hyperplanes included, so a
// restored index hashes identically to the one that was saved.
func (l *LSH) WriteTo(w io.Writer) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	cw := &countingWriter{w: w}

	hdr := make([]byte, 4+2+4+4+4)
	binary.LittleEndian.PutUint32(hdr[0:], serialMagic)
	binary.LittleEndian.PutUint16(hdr[4:], serialVersion)
	binary.LittleEndian.PutUint32(hdr[6:], uint32(len(l.tables)))
	binary.LittleEndian.PutUint32(hdr[10:], uint32(l.params.NumFunctions))
	binary.LittleEndian.PutUint32(hdr[14:], uint32(l.dimension))
	if _, err := cw.Write(hdr); err != nil {
		return cw.n, err
	}

	var scratch [8]byte
	for t := range l.tables {
		for _, p := range l.tables[t].planes {
			binary.LittleEndian.PutUint64(scratch[:], math.Float64bits(p))
			if _, err := cw.Write(scratch[:]); err != nil {
				return cw.n, err
			}
		}

		keys := make([]uint64, 0, len(l.tables[t].buckets))
		for key := range l.tables[t].buckets {
			keys = append(keys, key)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

		binary.LittleEndian.PutUint32(scratch[:4], uint32(len(keys)))
		if _, err := cw.Write(scratch[:4]); err != nil {
			return cw.n, err
		}
		for _, key := range keys {
			binary.LittleEndian.PutUint64(scratch[:], key)
			if _, err := cw.Write(scratch[:]); err != nil {
				return cw.n, err
			}
			if err := writeBitmap(cw, l.tables[t].buckets[key]); err != nil {
				return cw.n, err
			}
		}
	}

	if err := writeBitmap(cw, l.ids); err != nil {
		return cw.n, err
	}

	return cw.n, nil
}

// ReadFrom deserializes an index into an empty one. The configured table and
// function counts must match the serialized state.
func (l *LSH) ReadFrom(r io.Reader) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.ids.IsEmpty() {
		return 0, fmt.Errorf("lsh: ReadFrom requires an empty index")
	}

	cr := &countingReader{r: r}

	hdr := make([]byte, 4+2+4+4+4)
	if _, err := io.ReadFull(cr, hdr); err != nil {
		return cr.n, err
	}
	if binary.LittleEndian.Uint32(hdr[0:]) != serialMagic {
		return cr.n, fmt.Errorf("lsh: bad serialization magic")
	}
	if v := binary.LittleEndian.Uint16(hdr[4:]); v != serialVersion {
		return cr.n, fmt.Errorf("lsh: unsupported serialization version %d", v)
	}
	numTables := int(binary.LittleEndian.Uint32(hdr[6:]))
	numFunctions := int(binary.LittleEndian.Uint32(hdr[10:]))
	dim := int(binary.LittleEndian.Uint32(hdr[14:]))
	if numTables != len(l.tables) || numFunctions != l.params.NumFunctions || dim != l.dimension {
		return cr.n, fmt.Errorf("lsh: serialized shape %dx%dx%d does not match configured %dx%dx%d",
			numTables, numFunctions, dim, len(l.tables), l.params.NumFunctions, l.dimension)
	}

	var scratch [8]byte
	for t := 0; t < numTables; t++ {
		planes := make([]float64, numFunctions*dim)
		for i := range planes {
			if _, err := io.ReadFull(cr, scratch[:]); err != nil {
				return cr.n, err
			}
			planes[i] = math.Float64frombits(binary.LittleEndian.Uint64(scratch[:]))
		}
		l.tables[t].planes = planes

		if _, err := io.ReadFull(cr, scratch[:4]); err != nil {
			return cr.n, err
		}
		count := int(binary.LittleEndian.Uint32(scratch[:4]))
		buckets := make(map[uint64]*roaring64.Bitmap, count)
		for i := 0; i < count; i++ {
			if _, err := io.ReadFull(cr, scratch[:]); err != nil {
				return cr.n, err
			}
			key := binary.LittleEndian.Uint64(scratch[:])
			bm, err := readBitmap(cr)
			if err != nil {
				return cr.n, err
			}
			buckets[key] = bm
		}
		l.tables[t].buckets = buckets
	}

	ids, err := readBitmap(cr)
	if err != nil {
		return cr.n, err
	}
	l.ids = ids

	return cr.n, nil
}

func writeBitmap(w io.Writer, bm *roaring64.Bitmap) error {
	data, err := bm.ToBytes()
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func readBitmap(r io.Reader) (*roaring64.Bitmap, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	data := make([]byte, binary.LittleEndian.Uint32(lenBuf[:]))
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	bm := roaring64.New()
	if err := bm.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return bm, nil
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
