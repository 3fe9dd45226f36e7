package spancache

import (
	"errors"
	"fmt"
)

// LengthUnset marks a length as unknown or unbounded. An open-ended hole
// span and a resource of unknown total length both carry it.
const LengthUnset int64 = -1

// TimeUnset marks a last-touch timestamp as absent (hole spans).
const TimeUnset int64 = -1

// Sentinel errors.
var (
	// ErrCacheAlreadyOpen is returned by New when another Cache instance is
	// already open on the same directory.
	ErrCacheAlreadyOpen = errors.New("spancache: cache already open on directory")

	// ErrCacheReleased is returned by operations on a released Cache.
	ErrCacheReleased = errors.New("spancache: cache released")

	// ErrContractViolation marks programming errors such as committing a
	// file whose size disagrees with the declared span length, or
	// committing into a region that is not exclusively locked.
	ErrContractViolation = errors.New("spancache: contract violation")

	// ErrSizeUnknown is returned when a resource's total length cannot be
	// determined from metadata or from the upstream.
	ErrSizeUnknown = errors.New("spancache: size unknown")
)

// CacheError wraps an I/O failure on a mutating cache operation: creating,
// deleting or renaming a span file, or persisting the index. These are not
// retried internally; retry policy belongs to the caller.
type CacheError struct {
	Op  string
	Err error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("spancache: %s: %v", e.Op, e.Err)
}

func (e *CacheError) Unwrap() error {
	return e.Err
}

func cacheErr(op string, err error) error {
	return &CacheError{Op: op, Err: err}
}
