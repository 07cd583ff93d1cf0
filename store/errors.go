package store

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreFull is returned when a put cannot be placed because the
	// configured capacity is exhausted and no free slot exists.
	ErrStoreFull = errors.New("store: capacity exhausted")

	// ErrOutOfMemory is returned when the resource controller refuses the
	// allocation needed to grow the block region.
	ErrOutOfMemory = errors.New("store: memory budget exhausted")

	// ErrClosed is returned for operations on a closed store.
	ErrClosed = errors.New("store: closed")
)

// ErrRecordExists reports a put without overwrite onto an occupied id.
type ErrRecordExists struct {
	ID uint64
}

func (e ErrRecordExists) Error() string {
	return fmt.Sprintf("store: record %d already exists", e.ID)
}

// ErrRecordNotFound reports a lookup of an absent id.
type ErrRecordNotFound struct {
	ID uint64
}

func (e ErrRecordNotFound) Error() string {
	return fmt.Sprintf("store: record %d not found", e.ID)
}

// ErrCorrupted reports a checksum or structural validation failure. Data
// under a corruption error must not be served.
type ErrCorrupted struct {
	ID     uint64
	Reason string
}

func (e ErrCorrupted) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("store: corrupted data: %s", e.Reason)
	}
	return fmt.Sprintf("store: corrupted record %d", e.ID)
}

// ErrDimensionMismatch reports a vector whose width does not match the store.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("store: dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}
