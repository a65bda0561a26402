package store

import (
	"context"
	"errors"
)

// ErrNotFound indicates the key does not exist.
var ErrNotFound = errors.New("key not found")

// KV is the persistence contract assumed by the core: a key-value store
// with per-key atomicity and prefix listing. No cross-key transactional
// guarantees are assumed.
type KV interface {
	// Put stores value under key, replacing any existing value.
	Put(ctx context.Context, key string, value []byte) error

	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// ListByPrefix returns all keys with the given prefix in
	// lexicographic order.
	ListByPrefix(ctx context.Context, prefix string) ([]string, error)

	// Close releases backend resources.
	Close() error
}

// Key prefixes for the core's persisted entities.
const (
	PrefixChannel = "channel/"
	PrefixAgent   = "agent/"
	PrefixTask    = "task/"
	PrefixKey     = "key/"
	PrefixActions = "actions/"
)
