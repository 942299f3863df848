package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// recordingBackend wraps a Backend, counts calls and can inject failures.
type recordingBackend struct {
	Backend

	acquires  atomic.Int32
	releases  atomic.Int32
	refreshes atomic.Int32

	mu           sync.Mutex
	acquireErr   error
	releaseErr   error
	releaseFalse bool
	refreshFalse bool
	refreshDelay time.Duration
	inRefresh    atomic.Bool
	overlap      atomic.Bool
}

func newRecordingBackend(b Backend) *recordingBackend {
	return &recordingBackend{Backend: b}
}

func (r *recordingBackend) Acquire(ctx context.Context, keys []string, storeID string, ttl time.Duration) (string, error) {
	r.acquires.Add(1)
	r.mu.Lock()
	err := r.acquireErr
	r.mu.Unlock()
	if err != nil {
		return "", err
	}
	return r.Backend.Acquire(ctx, keys, storeID, ttl)
}

func (r *recordingBackend) Release(ctx context.Context, keys []string, storeID, token string) (bool, error) {
	r.releases.Add(1)
	if r.inRefresh.Load() {
		r.overlap.Store(true)
	}
	r.mu.Lock()
	err, forceFalse := r.releaseErr, r.releaseFalse
	r.mu.Unlock()
	if err != nil {
		return false, err
	}
	if forceFalse {
		return false, nil
	}
	return r.Backend.Release(ctx, keys, storeID, token)
}

func (r *recordingBackend) Refresh(ctx context.Context, keys []string, storeID, token string, ttl time.Duration) (bool, error) {
	r.inRefresh.Store(true)
	defer r.inRefresh.Store(false)
	r.refreshes.Add(1)
	r.mu.Lock()
	delay, forceFalse := r.refreshDelay, r.refreshFalse
	r.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if forceFalse {
		return false, nil
	}
	return r.Backend.Refresh(ctx, keys, storeID, token, ttl)
}
