// Package store defines the KVStore capability used throughout the access
// control plane: the Session Store, the distributed Rate Limiter, and the
// Result Cache all sit on top of it rather than talking to Redis directly.
package store

import (
	"context"
	"time"
)

// KVStore is the minimal key-value capability the core depends on. A single
// Redis-backed implementation satisfies it in production; tests substitute
// an in-memory one.
type KVStore interface {
	// Get returns the raw value for key, and ok=false if it does not exist.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Set stores value under key. A zero ttl means no expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// DeleteIfPresent atomically removes key and reports whether it was
	// present beforehand. Backs exactly-one-winner operations (e.g. refresh
	// credential rotation) where two racing callers must not both observe
	// success.
	DeleteIfPresent(ctx context.Context, key string) (existed bool, err error)

	// Scan returns all keys sharing prefix. Used for per-user session
	// enumeration; callers are expected to keep prefixes narrow.
	Scan(ctx context.Context, prefix string) ([]string, error)

	// AtomicIncrWithExpiry increments the counter at key by 1, setting ttl on
	// the key only the first time it is created, and returns the new count.
	// Backs the Rate Limiter's distributed token-bucket mode.
	AtomicIncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// HealthCheck reports whether the backing store is reachable.
	HealthCheck(ctx context.Context) error

	Close() error
}

// notFoundError is returned by callers that want a typed miss; KVStore.Get
// signals a miss via ok=false instead, so this exists only for callers that
// prefer the error-based idiom (e.g. wrapping Get in a Repository-style call).
type notFoundError struct{ key string }

func (e *notFoundError) Error() string { return "store: key not found: " + e.key }

// NewNotFoundError constructs the miss error for a key.
func NewNotFoundError(key string) error { return &notFoundError{key: key} }
