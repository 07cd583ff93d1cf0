// Package store implements the persistent vector record store. Records live
// in fixed-stride blocks so a slot number maps to a byte offset in constant
// time; metadata lives in a side table keyed by the same slot. Every block
// carries a CRC32-Castagnoli checksum that is verified on read.
package store

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pierrec/lz4/v4"
	"github.com/tidwall/btree"

	"github.com/lspecian/vexfs/distance"
	"github.com/lspecian/vexfs/internal/cache"
	"github.com/lspecian/vexfs/internal/hash"
	"github.com/lspecian/vexfs/internal/resource"
)

// growthChunk is the number of slots added per block-region growth.
const growthChunk = 1024

// Config shapes a store at creation. Dimension and ElementType are fixed for
// the store's lifetime.
type Config struct {
	Dimension   int
	ElementType ElementType
	Metric      distance.Metric
	Algorithm   uint8

	// Capacity bounds the number of records; 0 means unbounded.
	Capacity int

	// CacheSize is the decoded-vector cache budget in bytes; 0 disables it.
	CacheSize int64

	// Resources charges block-region growth against a shared memory budget.
	// Optional.
	Resources *resource.Controller
}

// Record is one stored vector with its metadata payload.
type Record struct {
	ID       uint64
	Vector   []float32
	Metadata []byte
}

// Stats is a point-in-time snapshot of store occupancy.
type Stats struct {
	Count       int
	FreeSlots   int
	Capacity    int
	BlockBytes  int64
	CacheHits   int64
	CacheMisses int64
}

// Store is the record store. Safe for concurrent use.
type Store struct {
	mu sync.RWMutex

	cfg    Config
	stride int
	id     uuid.UUID

	blocks    []byte   // slot * stride
	checksums []uint32 // per slot
	meta      [][]byte // per slot, attribute-enveloped
	slotIDs   []uint64 // per slot, reverse mapping

	slots    *btree.Map[uint64, int]
	freeList []int
	nextID   uint64

	vectors *cache.LRU[[]float32]
	charged int64
	closed  bool
}

// New creates an empty store.
func New(cfg Config) (*Store, error) {
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("store: invalid dimension %d", cfg.Dimension)
	}
	if !cfg.ElementType.Valid() {
		return nil, fmt.Errorf("store: invalid element type %d", cfg.ElementType)
	}
	if !cfg.Metric.Valid() {
		return nil, fmt.Errorf("store: invalid metric %d", cfg.Metric)
	}

	s := &Store{
		cfg:    cfg,
		stride: cfg.Dimension * cfg.ElementType.Size(),
		id:     uuid.New(),
		slots:  btree.NewMap[uint64, int](32),
		nextID: 1,
	}
	if cfg.CacheSize > 0 {
		s.vectors = cache.New[[]float32](cfg.CacheSize, func(v []float32) int64 {
			return int64(len(v) * 4)
		}, nil)
	}
	return s, nil
}

// UUID returns the store's identity, minted at creation and preserved across
// snapshots.
func (s *Store) UUID() uuid.UUID { return s.id }

// Dimension returns the configured vector width.
func (s *Store) Dimension() int { return s.cfg.Dimension }

// Metric returns the configured distance metric.
func (s *Store) Metric() distance.Metric { return s.cfg.Metric }

// ElementType returns the configured component encoding.
func (s *Store) ElementType() ElementType { return s.cfg.ElementType }

// Len returns the number of live records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.slots.Len()
}

// Contains reports whether id holds a live record.
func (s *Store) Contains(id uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.slots.Get(id)
	return ok
}

// NextID returns the id a zero-id put would be assigned, without claiming it.
func (s *Store) NextID() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextID
}

// Put stores a record. A zero rec.ID is assigned the next sequential id; the
// assigned id is returned. Without overwrite, an occupied id fails with
// ErrRecordExists and the existing record is untouched.
func (s *Store) Put(rec Record, overwrite bool) (uint64, error) {
	if len(rec.Vector) != s.cfg.Dimension {
		return 0, ErrDimensionMismatch{Expected: s.cfg.Dimension, Actual: len(rec.Vector)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}

	id := rec.ID
	if id == 0 {
		id = s.nextID
	}

	slot, exists := s.slots.Get(id)
	if exists && !overwrite {
		return 0, ErrRecordExists{ID: id}
	}

	if !exists {
		var err error
		slot, err = s.allocSlot()
		if err != nil {
			return 0, err
		}
	}

	block := s.blocks[slot*s.stride : (slot+1)*s.stride]
	encodeVector(block, rec.Vector, s.cfg.ElementType)
	s.checksums[slot] = hash.CRC32C(block)
	s.slotIDs[slot] = id

	if rec.Metadata != nil {
		attr := newAttributes(uint32(s.cfg.Dimension), s.cfg.Algorithm, s.cfg.ElementType, rec.Metadata)
		s.meta[slot] = MarshalAttributes(attr)
	} else {
		s.meta[slot] = nil
	}

	if !exists {
		s.slots.Set(id, slot)
	}
	if id >= s.nextID {
		s.nextID = id + 1
	}
	if s.vectors != nil {
		s.vectors.Remove(id)
	}
	return id, nil
}

// allocSlot pops a free slot or grows the block region by one chunk.
// Callers hold the write lock.
func (s *Store) allocSlot() (int, error) {
	if n := len(s.freeList); n > 0 {
		slot := s.freeList[n-1]
		s.freeList = s.freeList[:n-1]
		return slot, nil
	}

	if s.cfg.Capacity > 0 && s.slots.Len() >= s.cfg.Capacity {
		return 0, ErrStoreFull
	}

	have := len(s.checksums)
	grow := growthChunk
	if s.cfg.Capacity > 0 && have+grow > s.cfg.Capacity {
		grow = s.cfg.Capacity - have
	}
	if grow <= 0 {
		return 0, ErrStoreFull
	}

	growBytes := int64(grow) * int64(s.stride+4+8) // block + checksum + slot id
	if s.cfg.Resources != nil && !s.cfg.Resources.TryAcquireMemory(growBytes) {
		return 0, ErrOutOfMemory
	}
	s.charged += growBytes

	s.blocks = append(s.blocks, make([]byte, grow*s.stride)...)
	s.checksums = append(s.checksums, make([]uint32, grow)...)
	s.meta = append(s.meta, make([][]byte, grow)...)
	s.slotIDs = append(s.slotIDs, make([]uint64, grow)...)

	// Newly grown slots become free in reverse so the lowest is handed out
	// first.
	for i := have + grow - 1; i > have; i-- {
		s.freeList = append(s.freeList, i)
	}
	return have, nil
}

// Get returns the record stored under id. The block checksum is verified on
// every read; a mismatch is surfaced as ErrCorrupted and the record is not
// returned.
func (s *Store) Get(id uint64) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return Record{}, ErrClosed
	}

	slot, ok := s.slots.Get(id)
	if !ok {
		return Record{}, ErrRecordNotFound{ID: id}
	}

	block := s.blocks[slot*s.stride : (slot+1)*s.stride]
	if hash.CRC32C(block) != s.checksums[slot] {
		return Record{}, ErrCorrupted{ID: id}
	}

	rec := Record{
		ID:     id,
		Vector: decodeVector(block, s.cfg.Dimension, s.cfg.ElementType),
	}
	if blob := s.meta[slot]; blob != nil {
		attr, err := UnmarshalAttributes(blob)
		if err != nil {
			return Record{}, ErrCorrupted{ID: id, Reason: err.Error()}
		}
		rec.Metadata = attr.Data
	}
	if s.vectors != nil {
		s.vectors.Set(id, rec.Vector)
	}
	return rec, nil
}

// Vector returns the decoded vector for id. It satisfies index.VectorSource;
// lookups hit the decoded-vector cache first. Corrupt blocks read as absent
// here, which keeps index traversal moving; Get surfaces the corruption.
func (s *Store) Vector(id uint64) ([]float32, bool) {
	if s.vectors != nil {
		if v, ok := s.vectors.Get(id); ok {
			return v, true
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	slot, ok := s.slots.Get(id)
	if !ok {
		return nil, false
	}
	block := s.blocks[slot*s.stride : (slot+1)*s.stride]
	if hash.CRC32C(block) != s.checksums[slot] {
		return nil, false
	}
	vec := decodeVector(block, s.cfg.Dimension, s.cfg.ElementType)
	if s.vectors != nil {
		s.vectors.Set(id, vec)
	}
	return vec, true
}

// Delete removes the record under id, returning whether it existed. The slot
// is recycled for future puts.
func (s *Store) Delete(id uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrClosed
	}

	slot, ok := s.slots.Get(id)
	if !ok {
		return false, nil
	}

	s.slots.Delete(id)
	s.freeList = append(s.freeList, slot)
	s.meta[slot] = nil
	s.slotIDs[slot] = 0
	s.checksums[slot] = 0
	clear(s.blocks[slot*s.stride : (slot+1)*s.stride])

	if s.vectors != nil {
		s.vectors.Remove(id)
	}
	return true, nil
}

// Ascend walks live records in ascending id order, stopping when fn returns
// false. The callback receives the decoded vector; records failing their
// checksum are skipped.
func (s *Store) Ascend(fn func(id uint64, vec []float32) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	s.slots.Scan(func(id uint64, slot int) bool {
		block := s.blocks[slot*s.stride : (slot+1)*s.stride]
		if hash.CRC32C(block) != s.checksums[slot] {
			return true
		}
		return fn(id, decodeVector(block, s.cfg.Dimension, s.cfg.ElementType))
	})
}

// IDs returns all live ids in ascending order.
func (s *Store) IDs() []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]uint64, 0, s.slots.Len())
	s.slots.Scan(func(id uint64, _ int) bool {
		ids = append(ids, id)
		return true
	})
	return ids
}

// Stats returns occupancy counters.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		Count:      s.slots.Len(),
		FreeSlots:  len(s.freeList),
		Capacity:   s.cfg.Capacity,
		BlockBytes: int64(len(s.blocks)),
	}
	if s.vectors != nil {
		st.CacheHits, st.CacheMisses = s.vectors.Stats()
	}
	return st
}

// Close releases the store's memory charge. Further operations fail with
// ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.vectors != nil {
		s.vectors.Purge()
	}
	if s.cfg.Resources != nil && s.charged > 0 {
		s.cfg.Resources.ReleaseMemory(s.charged)
		s.charged = 0
	}
	return nil
}

// Snapshot layout after the superblock: record region (per record: id u64,
// checksum u32, block bytes), metadata region (count u64, then per entry:
// id u64, length u32, envelope bytes), index region (lz4 frame around
// whatever indexWriter emits). Region offsets live in the superblock.

// WriteSnapshot serializes the full store state. indexWriter, when non-nil,
// receives a writer for the index region; its output is lz4 compressed.
func (s *Store) WriteSnapshot(w io.Writer, indexWriter func(io.Writer) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	type entry struct {
		id   uint64
		slot int
	}
	entries := make([]entry, 0, s.slots.Len())
	s.slots.Scan(func(id uint64, slot int) bool {
		entries = append(entries, entry{id, slot})
		return true
	})

	recordOff := uint64(SuperblockSize)
	recordLen := uint64(len(entries)) * uint64(8+4+s.stride)
	metaOff := recordOff + recordLen

	metaLen := uint64(8)
	for _, e := range entries {
		if s.meta[e.slot] != nil {
			metaLen += 8 + 4 + uint64(len(s.meta[e.slot]))
		}
	}
	indexOff := metaOff + metaLen

	sb := Superblock{
		Version:     superblockVersion,
		UUID:        s.id,
		Dimension:   uint32(s.cfg.Dimension),
		ElementType: s.cfg.ElementType,
		Algorithm:   s.cfg.Algorithm,
		Metric:      uint8(s.cfg.Metric),
		Count:       uint64(len(entries)),
		Capacity:    uint64(s.cfg.Capacity),
		NextID:      s.nextID,
		RecordOff:   recordOff,
		MetadataOff: metaOff,
		IndexOff:    indexOff,
		CreatedAt:   time.Now().UnixNano(),
	}
	if _, err := w.Write(sb.Marshal()); err != nil {
		return err
	}

	var scratch [12]byte
	for _, e := range entries {
		binary.LittleEndian.PutUint64(scratch[0:], e.id)
		binary.LittleEndian.PutUint32(scratch[8:], s.checksums[e.slot])
		if _, err := w.Write(scratch[:12]); err != nil {
			return err
		}
		if _, err := w.Write(s.blocks[e.slot*s.stride : (e.slot+1)*s.stride]); err != nil {
			return err
		}
	}

	metaCount := uint64(0)
	for _, e := range entries {
		if s.meta[e.slot] != nil {
			metaCount++
		}
	}
	binary.LittleEndian.PutUint64(scratch[:8], metaCount)
	if _, err := w.Write(scratch[:8]); err != nil {
		return err
	}
	for _, e := range entries {
		blob := s.meta[e.slot]
		if blob == nil {
			continue
		}
		binary.LittleEndian.PutUint64(scratch[0:], e.id)
		binary.LittleEndian.PutUint32(scratch[8:], uint32(len(blob)))
		if _, err := w.Write(scratch[:12]); err != nil {
			return err
		}
		if _, err := w.Write(blob); err != nil {
			return err
		}
	}

	if indexWriter != nil {
		zw := lz4.NewWriter(w)
		if err := indexWriter(zw); err != nil {
			return err
		}
		if err := zw.Close(); err != nil {
			return err
		}
	}
	return nil
}

// ReadSnapshot restores a store from a snapshot written by WriteSnapshot.
// indexReader, when non-nil, receives the decompressed index region. The
// returned store adopts cfg's cache and resource settings; shape fields are
// validated against the superblock.
func ReadSnapshot(r io.Reader, cfg Config, indexReader func(io.Reader) error) (*Store, error) {
	hdr := make([]byte, SuperblockSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}
	sb, err := UnmarshalSuperblock(hdr)
	if err != nil {
		return nil, err
	}

	if cfg.Dimension != 0 && cfg.Dimension != int(sb.Dimension) {
		return nil, ErrDimensionMismatch{Expected: cfg.Dimension, Actual: int(sb.Dimension)}
	}
	cfg.Dimension = int(sb.Dimension)
	cfg.ElementType = sb.ElementType
	cfg.Metric = distance.Metric(sb.Metric)
	cfg.Algorithm = sb.Algorithm
	if cfg.Capacity == 0 {
		cfg.Capacity = int(sb.Capacity)
	}

	s, err := New(cfg)
	if err != nil {
		return nil, err
	}
	s.id = sb.UUID
	s.nextID = sb.NextID

	stride := s.stride
	buf := make([]byte, 12+stride)
	for i := uint64(0); i < sb.Count; i++ {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		id := binary.LittleEndian.Uint64(buf[0:])
		sum := binary.LittleEndian.Uint32(buf[8:])
		block := buf[12:]
		if hash.CRC32C(block) != sum {
			return nil, ErrCorrupted{ID: id}
		}

		slot, err := s.allocSlot()
		if err != nil {
			return nil, err
		}
		copy(s.blocks[slot*stride:(slot+1)*stride], block)
		s.checksums[slot] = sum
		s.slotIDs[slot] = id
		s.slots.Set(id, slot)
	}

	var scratch [12]byte
	if _, err := io.ReadFull(r, scratch[:8]); err != nil {
		return nil, err
	}
	metaCount := binary.LittleEndian.Uint64(scratch[:8])
	for i := uint64(0); i < metaCount; i++ {
		if _, err := io.ReadFull(r, scratch[:12]); err != nil {
			return nil, err
		}
		id := binary.LittleEndian.Uint64(scratch[0:])
		blobLen := binary.LittleEndian.Uint32(scratch[8:])
		blob := make([]byte, blobLen)
		if _, err := io.ReadFull(r, blob); err != nil {
			return nil, err
		}
		if _, err := UnmarshalAttributes(blob); err != nil {
			return nil, err
		}
		slot, ok := s.slots.Get(id)
		if !ok {
			return nil, ErrCorrupted{ID: id, Reason: "metadata for unknown record"}
		}
		s.meta[slot] = blob
	}

	if indexReader != nil {
		if err := indexReader(lz4.NewReader(r)); err != nil {
			return nil, err
		}
	}
	return s, nil
}
