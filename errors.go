package vexfs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/lspecian/vexfs/coordinator"
	"github.com/lspecian/vexfs/index"
	"github.com/lspecian/vexfs/store"
	"github.com/lspecian/vexfs/txn"
)

var (
	// ErrInvalidParameter is returned for invalid arguments: bad k, bad
	// ef_search, empty vectors, out-of-range index parameters.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrOutOfMemory is returned when an operation exceeds the configured
	// memory budget.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrNotFound is returned when a collection or record is not found.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned on duplicate collection or record ids.
	ErrAlreadyExists = errors.New("already exists")

	// ErrPermissionDenied is returned when the data directory or its files
	// cannot be accessed.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrUnsupportedAlgorithm is returned for unknown index algorithms.
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")

	// ErrTimeout is returned when a transaction deadline expires or the
	// deadlock detector aborts an operation.
	ErrTimeout = errors.New("timeout")

	// ErrCorruption is returned when stored data fails checksum verification.
	ErrCorruption = errors.New("corruption detected")

	// ErrStoreFull is returned when a collection's capacity is exhausted.
	ErrStoreFull = errors.New("store full")

	// ErrConsistencyViolation is returned when the record store and index
	// disagree about an id set.
	ErrConsistencyViolation = errors.New("consistency violation")

	// ErrClosed is returned after the engine has been closed.
	ErrClosed = errors.New("engine closed")
)

// ErrDimensionMismatch indicates a vector/query dimensionality mismatch.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
	cause    error
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func (e *ErrDimensionMismatch) Unwrap() error { return e.cause }

// translateError normalizes subsystem errors into the engine's taxonomy.
// This is the single translation point; subpackage error types never cross
// the public boundary untranslated.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	// Not found unification.
	var rnf store.ErrRecordNotFound
	if errors.As(err, &rnf) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	var nnf *index.ErrNodeNotFound
	if errors.As(err, &nnf) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	var cnf coordinator.ErrCollectionNotFound
	if errors.As(err, &cnf) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}

	// Duplicates.
	var re store.ErrRecordExists
	if errors.As(err, &re) {
		return fmt.Errorf("%w: %w", ErrAlreadyExists, err)
	}
	var ne *index.ErrNodeExists
	if errors.As(err, &ne) {
		return fmt.Errorf("%w: %w", ErrAlreadyExists, err)
	}
	var ce coordinator.ErrCollectionExists
	if errors.As(err, &ce) {
		return fmt.Errorf("%w: %w", ErrAlreadyExists, err)
	}

	// Dimension normalization.
	var sdm store.ErrDimensionMismatch
	if errors.As(err, &sdm) {
		return &ErrDimensionMismatch{Expected: sdm.Expected, Actual: sdm.Actual, cause: err}
	}
	var idm *index.ErrDimensionMismatch
	if errors.As(err, &idm) {
		return &ErrDimensionMismatch{Expected: idm.Expected, Actual: idm.Actual, cause: err}
	}

	// Capacity and memory.
	if errors.Is(err, store.ErrStoreFull) {
		return fmt.Errorf("%w: %w", ErrStoreFull, err)
	}
	if errors.Is(err, store.ErrOutOfMemory) {
		return fmt.Errorf("%w: %w", ErrOutOfMemory, err)
	}

	// Corruption.
	var corr store.ErrCorrupted
	if errors.As(err, &corr) {
		return fmt.Errorf("%w: %w", ErrCorruption, err)
	}

	// Algorithm and argument normalization.
	var ua *index.ErrUnknownAlgorithm
	if errors.As(err, &ua) {
		return fmt.Errorf("%w: %w", ErrUnsupportedAlgorithm, err)
	}
	if errors.Is(err, index.ErrInvalidParams) ||
		errors.Is(err, index.ErrInvalidK) ||
		errors.Is(err, index.ErrInvalidEF) ||
		errors.Is(err, index.ErrEmptyVector) {
		return fmt.Errorf("%w: %w", ErrInvalidParameter, err)
	}

	// Transactions. A deadlock victim surfaces as a timeout so callers have a
	// single retryable signal.
	if errors.Is(err, txn.ErrTimeout) || errors.Is(err, txn.ErrDeadlock) ||
		errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	if errors.Is(err, txn.ErrManagerClosed) {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	var cv *txn.ConsistencyError
	if errors.As(err, &cv) {
		return fmt.Errorf("%w: %w", ErrConsistencyViolation, err)
	}

	// Filesystem access.
	if errors.Is(err, fs.ErrPermission) {
		return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	}
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}

	return err
}
