package lock

import (
	"context"
	"fmt"
	"time"

	dlockerrors "github.com/mirkobrombin/go-dlock/v1/errors"
)

// RetryPolicy retries acquisition with a fixed delay until Timeout elapses.
type RetryPolicy struct {
	Interval time.Duration
	// Timeout bounds the whole acquisition. A non-positive value means a
	// single attempt.
	Timeout time.Duration
}

// Validate checks the policy.
func (p RetryPolicy) Validate() error {
	if p.Timeout > 0 && p.Interval <= 0 {
		return fmt.Errorf("%w: retry interval must be positive", dlockerrors.ErrInvalidRequest)
	}
	return nil
}

// Retriable decorates a Backend so that Acquire retries under contention.
// Backend errors are returned immediately and never retried.
type Retriable struct {
	backend Backend
	policy  RetryPolicy
}

// NewRetriable wraps b with policy.
func NewRetriable(b Backend, policy RetryPolicy) (*Retriable, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &Retriable{backend: b, policy: policy}, nil
}

// Acquire implements Backend.Acquire. It returns an empty token once the
// policy timeout elapsed and ctx.Err() if ctx is cancelled while waiting.
func (r *Retriable) Acquire(ctx context.Context, keys []string, storeID string, ttl time.Duration) (string, error) {
	start := time.Now()
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		token, err := r.backend.Acquire(ctx, keys, storeID, ttl)
		if err != nil {
			return "", err
		}
		if token != "" {
			return token, nil
		}
		if r.policy.Timeout <= 0 || time.Since(start) >= r.policy.Timeout {
			return "", nil
		}
		if timer == nil {
			timer = time.NewTimer(r.policy.Interval)
		} else {
			timer.Reset(r.policy.Interval)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}
	}
}

// Release implements Backend.Release.
func (r *Retriable) Release(ctx context.Context, keys []string, storeID, token string) (bool, error) {
	return r.backend.Release(ctx, keys, storeID, token)
}

// Refresh implements Backend.Refresh.
func (r *Retriable) Refresh(ctx context.Context, keys []string, storeID, token string, ttl time.Duration) (bool, error) {
	return r.backend.Refresh(ctx, keys, storeID, token, ttl)
}
