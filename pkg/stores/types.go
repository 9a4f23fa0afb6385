package stores

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when a key is absent from its scope.
var ErrNotFound = errors.New("key not found")

// Region is the full contents of one scope, used by the atomic
// read-modify-write accessor.
type Region map[string][]byte

// Storage is a scoped key/value mapping. Each consumer of the persistence
// layer owns one or more scopes and never sees keys outside them.
type Storage interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores value under key, replacing any previous value.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys lists every key in the scope.
	Keys(ctx context.Context) ([]string, error)

	// Update runs fn against the whole scope as one atomic unit: the region
	// is read, mutated in place by fn, and written back inside a single
	// transaction. Two overlapping Update calls on the same scope never
	// interleave partial changes.
	Update(ctx context.Context, fn func(r Region) error) error
}

// Scoper hands out scoped storages off one backing store.
type Scoper interface {
	Scope(name string) Storage
}
