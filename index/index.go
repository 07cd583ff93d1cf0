// Package index defines the contract shared by the approximate
// nearest-neighbor index implementations.
package index

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
)

// Kind identifies an index algorithm.
type Kind uint8

const (
	KindHNSW Kind = iota + 1
	KindLSH
)

func (k Kind) String() string {
	switch k {
	case KindHNSW:
		return "hnsw"
	case KindLSH:
		return "lsh"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// ParseKind parses an algorithm name ("hnsw", "lsh").
func ParseKind(s string) (Kind, error) {
	switch s {
	case "hnsw", "HNSW":
		return KindHNSW, nil
	case "lsh", "LSH":
		return KindLSH, nil
	default:
		return 0, &ErrUnknownAlgorithm{Name: s}
	}
}

// HNSWParams are the construction parameters for the proximity graph index.
type HNSWParams struct {
	// M is the maximum number of bidirectional links per node above layer 0;
	// layer 0 allows 2*M.
	M int
	// EFConstruction is the beam width during graph construction.
	EFConstruction int
	// EFSearch is the default beam width during search (overridable per query).
	EFSearch int
	// MaxLayer caps the randomly drawn top layer of a node.
	MaxLayer int
	// Heuristic enables diverse neighbor selection instead of naive closest-M.
	Heuristic bool
	// Seed pins the level-generation RNG for reproducible builds.
	Seed *int64
}

// LSHParams are the construction parameters for the hash-bucket index.
type LSHParams struct {
	// NumTables is the number of independent hash tables.
	NumTables int
	// NumFunctions is the number of hyperplane hash functions per table.
	NumFunctions int
	// NumProbes bounds the extra adjacent buckets probed per table when the
	// primary buckets yield fewer than k candidates.
	NumProbes int
	// Seed pins hyperplane sampling for reproducible builds.
	Seed *int64
}

// Params is the algorithm-tagged parameter union for a collection's index.
// Exactly the variant matching Kind must be set.
type Params struct {
	Kind Kind
	HNSW *HNSWParams
	LSH  *LSHParams
}

// DefaultHNSWParams returns the default graph construction parameters.
func DefaultHNSWParams() *HNSWParams {
	return &HNSWParams{
		M:              16,
		EFConstruction: 200,
		EFSearch:       64,
		MaxLayer:       16,
		Heuristic:      true,
	}
}

// DefaultLSHParams returns the default hash table parameters.
func DefaultLSHParams() *LSHParams {
	return &LSHParams{
		NumTables:    8,
		NumFunctions: 12,
		NumProbes:    2,
	}
}

// Validate checks the union tag and the variant's parameter ranges.
func (p Params) Validate() error {
	switch p.Kind {
	case KindHNSW:
		if p.HNSW == nil || p.LSH != nil {
			return fmt.Errorf("%w: kind is hnsw but hnsw variant not set", ErrInvalidParams)
		}
		h := p.HNSW
		if h.M < 2 {
			return fmt.Errorf("%w: M must be >= 2, got %d", ErrInvalidParams, h.M)
		}
		if h.EFConstruction < h.M {
			return fmt.Errorf("%w: ef_construction must be >= M, got %d", ErrInvalidParams, h.EFConstruction)
		}
		if h.MaxLayer < 1 || h.MaxLayer > 64 {
			return fmt.Errorf("%w: max_layer must be in [1,64], got %d", ErrInvalidParams, h.MaxLayer)
		}
		return nil
	case KindLSH:
		if p.LSH == nil || p.HNSW != nil {
			return fmt.Errorf("%w: kind is lsh but lsh variant not set", ErrInvalidParams)
		}
		l := p.LSH
		if l.NumTables < 1 {
			return fmt.Errorf("%w: num_tables must be >= 1, got %d", ErrInvalidParams, l.NumTables)
		}
		if l.NumFunctions < 1 || l.NumFunctions > 64 {
			return fmt.Errorf("%w: num_functions must be in [1,64], got %d", ErrInvalidParams, l.NumFunctions)
		}
		if l.NumProbes < 0 {
			return fmt.Errorf("%w: num_probes must be >= 0, got %d", ErrInvalidParams, l.NumProbes)
		}
		return nil
	default:
		return &ErrUnknownAlgorithm{Name: p.Kind.String()}
	}
}

// SearchResult represents a single search hit.
type SearchResult struct {
	ID       uint64
	Distance float32
}

// SearchOptions tunes a single search call.
type SearchOptions struct {
	// EFSearch overrides the index default beam width. Must be >= k when set.
	EFSearch int

	// Filter restricts results to ids for which it returns true.
	// Applied during traversal, not after.
	Filter func(id uint64) bool
}

// SearchResponse carries the ordered results of a search.
type SearchResponse struct {
	// Results are sorted ascending by distance, ties broken by id.
	Results []SearchResult

	// Partial is true when a deadline expired mid-traversal and Results holds
	// the best candidates found so far.
	Partial bool
}

// Stats describes the current shape of an index.
type Stats struct {
	Kind  Kind
	Count int

	// MaxLayer is the current top layer (HNSW only).
	MaxLayer int

	// Tables and Buckets describe hash table occupancy (LSH only).
	Tables  int
	Buckets int
}

// Index is the contract implemented by both ANN index kinds. Implementations
// are safe for concurrent use; the transaction manager serializes mutations
// per collection on top of this.
type Index interface {
	// Kind returns the algorithm identifier.
	Kind() Kind

	// Insert adds a vector under the given id.
	Insert(ctx context.Context, id uint64, vector []float32) error

	// Search returns the k nearest neighbors of query, ascending by distance.
	// Fewer than k results is not an error when the population is small.
	Search(ctx context.Context, query []float32, k int, opts *SearchOptions) (SearchResponse, error)

	// Delete removes id from the index. Deleting an absent id is an
	// ErrNodeNotFound.
	Delete(ctx context.Context, id uint64) error

	// Contains reports whether id is currently indexed.
	Contains(id uint64) bool

	// IDs returns a bitmap of all indexed ids, used by the consistency
	// checker.
	IDs() *roaring64.Bitmap

	// Len returns the number of indexed vectors.
	Len() int

	// Dimension returns the configured vector dimensionality.
	Dimension() int

	// Stats returns a snapshot of index statistics.
	Stats() Stats

	// WriteTo serializes the index structure (adjacency or buckets, not the
	// vectors themselves) for the snapshot's index-block region.
	WriteTo(w io.Writer) (int64, error)

	// ReadFrom restores a structure previously written by WriteTo. The
	// index must be empty and configured with the same parameters.
	ReadFrom(r io.Reader) (int64, error)
}

// VectorSource resolves an id to its vector. Indexes hold only id
// back-references; the record store owns the payloads and implements this.
type VectorSource interface {
	Vector(id uint64) ([]float32, bool)
}

// Sentinel and structured errors shared by the implementations.
var (
	// ErrInvalidK is returned when k is not positive.
	ErrInvalidK = errors.New("k must be positive")

	// ErrInvalidEF is returned when ef_search is set below k.
	ErrInvalidEF = errors.New("ef_search must be >= k")

	// ErrEmptyVector is returned when a zero-length vector is inserted.
	ErrEmptyVector = errors.New("empty vector")

	// ErrInvalidParams wraps every parameter validation failure from
	// Params.Validate.
	ErrInvalidParams = errors.New("invalid index parameters")
)

// ErrDimensionMismatch indicates a vector whose dimensionality does not match
// the index configuration.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// ErrNodeNotFound indicates an id absent from the index.
type ErrNodeNotFound struct {
	ID uint64
}

func (e *ErrNodeNotFound) Error() string {
	return fmt.Sprintf("node %d not found", e.ID)
}

// ErrNodeExists indicates an id that is already indexed.
type ErrNodeExists struct {
	ID uint64
}

func (e *ErrNodeExists) Error() string {
	return fmt.Sprintf("node %d already exists", e.ID)
}

// ErrUnknownAlgorithm indicates an unrecognized index kind.
type ErrUnknownAlgorithm struct {
	Name string
}

func (e *ErrUnknownAlgorithm) Error() string {
	return fmt.Sprintf("unknown index algorithm %q", e.Name)
}
