package tokenstore

import (
	"context"

	"github.com/fdverney/keyfob/tokenset"
)

// MemoryStore is a single-owner in-process token cell. It performs no
// locking of its own: the owning client is expected to be the only mutator.
// A multi-threaded host must wrap access in its own mutex.
type MemoryStore struct {
	current tokenset.TokenSet
}

// Compile-time check to ensure MemoryStore implements Store
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore. An optional seed set may be
// supplied to start from tokens carried in client configuration.
func NewMemoryStore(seed tokenset.TokenSet) *MemoryStore {
	return &MemoryStore{current: seed}
}

// Load returns the held token set, or ErrNoToken if none is held.
func (m *MemoryStore) Load(ctx context.Context) (tokenset.TokenSet, error) {
	if err := ctx.Err(); err != nil {
		return tokenset.TokenSet{}, err
	}
	if m.current.IsZero() {
		return tokenset.TokenSet{}, ErrNoToken
	}
	return m.current, nil
}

// Update applies fn to the held set and installs the result.
func (m *MemoryStore) Update(ctx context.Context, fn UpdateFunc) (tokenset.TokenSet, error) {
	if err := ctx.Err(); err != nil {
		return tokenset.TokenSet{}, err
	}
	next, err := fn(m.current)
	if err != nil {
		return tokenset.TokenSet{}, err
	}
	m.current = next
	return next, nil
}
