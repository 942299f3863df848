package lock

import (
	"context"
	"sync"
	"time"

	dlockerrors "github.com/mirkobrombin/go-dlock/v1/errors"
)

type memoryLease struct {
	token    string
	expireAt time.Time
}

// InMemory implements Backend using local memory. Leases are only visible
// inside the current process.
type InMemory struct {
	mu     sync.Mutex
	stores map[string]map[string]memoryLease
	tokens TokenSupplier
	now    func() time.Time
}

// InMemoryOption configures an InMemory backend.
type InMemoryOption func(*InMemory)

// WithInMemoryTokens sets the token supplier.
func WithInMemoryTokens(s TokenSupplier) InMemoryOption {
	return func(m *InMemory) {
		m.tokens = s
	}
}

// WithInMemoryClock sets the time source used to compute expirations.
func WithInMemoryClock(now func() time.Time) InMemoryOption {
	return func(m *InMemory) {
		m.now = now
	}
}

// NewInMemory returns a new in-memory backend.
func NewInMemory(opts ...InMemoryOption) *InMemory {
	m := &InMemory{
		stores: make(map[string]map[string]memoryLease),
		tokens: NewToken,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// live returns the lease of key if it has not expired. Expired leases are
// dropped. Caller holds m.mu.
func (m *InMemory) live(storeID, key string, now time.Time) (memoryLease, bool) {
	store := m.stores[storeID]
	l, ok := store[key]
	if !ok {
		return memoryLease{}, false
	}
	if !now.Before(l.expireAt) {
		delete(store, key)
		return memoryLease{}, false
	}
	return l, true
}

// Acquire implements Backend.Acquire.
func (m *InMemory) Acquire(ctx context.Context, keys []string, storeID string, ttl time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	token := m.tokens()
	if token == "" {
		return "", dlockerrors.ErrEmptyToken
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, k := range keys {
		if _, ok := m.live(storeID, k, now); ok {
			return "", nil
		}
	}
	store, ok := m.stores[storeID]
	if !ok {
		store = make(map[string]memoryLease)
		m.stores[storeID] = store
	}
	for _, k := range keys {
		store[k] = memoryLease{token: token, expireAt: now.Add(ttl)}
	}
	return token, nil
}

// owned reports whether every key is held by token. Caller holds m.mu.
func (m *InMemory) owned(keys []string, storeID, token string, now time.Time) bool {
	for _, k := range keys {
		l, ok := m.live(storeID, k, now)
		if !ok || l.token != token {
			return false
		}
	}
	return true
}

// Release implements Backend.Release.
func (m *InMemory) Release(ctx context.Context, keys []string, storeID, token string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.owned(keys, storeID, token, m.now()) {
		return false, nil
	}
	for _, k := range keys {
		delete(m.stores[storeID], k)
	}
	return true, nil
}

// Refresh implements Backend.Refresh.
func (m *InMemory) Refresh(ctx context.Context, keys []string, storeID, token string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if !m.owned(keys, storeID, token, now) {
		return false, nil
	}
	for _, k := range keys {
		m.stores[storeID][k] = memoryLease{token: token, expireAt: now.Add(ttl)}
	}
	return true, nil
}

// ExpireAt returns the expiration of the live lease on key, if any.
func (m *InMemory) ExpireAt(storeID, key string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.live(storeID, key, m.now())
	return l.expireAt, ok
}
