package lock

import (
	"context"
	"fmt"
	"time"

	dlockerrors "github.com/mirkobrombin/go-dlock/v1/errors"
)

// Single wraps a Backend and rejects requests that do not name exactly one
// key.
type Single struct {
	backend Backend
}

// NewSingle returns a single-key view of b.
func NewSingle(b Backend) *Single {
	return &Single{backend: b}
}

func checkSingle(keys []string) error {
	if len(keys) != 1 {
		return fmt.Errorf("%w: got %d keys", dlockerrors.ErrMultipleKeys, len(keys))
	}
	return nil
}

// Acquire implements Backend.Acquire.
func (s *Single) Acquire(ctx context.Context, keys []string, storeID string, ttl time.Duration) (string, error) {
	if err := checkSingle(keys); err != nil {
		return "", err
	}
	return s.backend.Acquire(ctx, keys, storeID, ttl)
}

// Release implements Backend.Release.
func (s *Single) Release(ctx context.Context, keys []string, storeID, token string) (bool, error) {
	if err := checkSingle(keys); err != nil {
		return false, err
	}
	return s.backend.Release(ctx, keys, storeID, token)
}

// Refresh implements Backend.Refresh.
func (s *Single) Refresh(ctx context.Context, keys []string, storeID, token string, ttl time.Duration) (bool, error) {
	if err := checkSingle(keys); err != nil {
		return false, err
	}
	return s.backend.Refresh(ctx, keys, storeID, token, ttl)
}
