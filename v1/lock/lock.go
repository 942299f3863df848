package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Backend implements the atomic lease primitive against a storage technology.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Acquire atomically creates leases for every key under storeID using a
	// freshly generated token valid for ttl. It returns the token on success
	// and an empty string when any key is held by a live lease. No key is
	// left locked when acquisition fails.
	Acquire(ctx context.Context, keys []string, storeID string, ttl time.Duration) (string, error)
	// Release deletes the leases of keys only if every one of them is held by
	// token. It reports whether the deletion happened.
	Release(ctx context.Context, keys []string, storeID, token string) (bool, error)
	// Refresh extends the leases of keys to now+ttl only if every one of them
	// is held by token. It reports whether the extension happened.
	Refresh(ctx context.Context, keys []string, storeID, token string, ttl time.Duration) (bool, error)
}

// TokenSupplier generates lease tokens.
type TokenSupplier func() string

// NewToken returns a random, unguessable lease token.
func NewToken() string {
	return uuid.NewString()
}
