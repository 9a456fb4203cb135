// Package tokenstore provides storage for the current token set of a client.
//
// Two implementations cover the two concurrency regimes:
//   - MemoryStore: single-owner in-process cell, no coordination
//   - LockedFileStore: shared file on disk, guarded by an advisory file lock
//     so any number of cooperating processes can observe and refresh the same
//     logical token without duplicate refresh calls
//
// All mutation goes through Update, which gives the caller exclusive
// ownership of the stored set for one read-modify-write cycle. Load is the
// uncoordinated fast path and may return a very slightly stale set.
package tokenstore

import (
	"context"
	"errors"

	"github.com/fdverney/keyfob/tokenset"
)

// ErrNoToken is returned by Load and seen by Update callbacks when no token
// set has been stored yet.
var ErrNoToken = errors.New("tokenstore: no token present")

// ErrCorrupt is returned when the backing record exists but cannot be
// parsed. It is propagated rather than silently discarding the record.
var ErrCorrupt = errors.New("tokenstore: stored record is corrupt")

// ErrLockTimeout is returned when the exclusive lock on the backing file
// could not be acquired within the configured window. No state is changed.
var ErrLockTimeout = errors.New("tokenstore: timed out waiting for file lock")

// UpdateFunc receives the current token set (zero-valued if none is stored)
// and returns the set that should be stored. Returning the input unchanged
// skips the write. Returning an error aborts the update with no state change.
type UpdateFunc func(current tokenset.TokenSet) (tokenset.TokenSet, error)

// Store reads and writes the current token set.
type Store interface {
	// Load returns the stored token set without coordination.
	// Returns ErrNoToken if nothing has been stored yet.
	Load(ctx context.Context) (tokenset.TokenSet, error)

	// Update runs fn with exclusive ownership of the stored set and persists
	// its result. Implementations backed by shared storage must re-read the
	// current set after acquiring exclusivity so fn always observes the
	// latest durably written value.
	Update(ctx context.Context, fn UpdateFunc) (tokenset.TokenSet, error)
}
