package lock

import (
	"fmt"
	"time"

	dlockerrors "github.com/mirkobrombin/go-dlock/v1/errors"
)

// Defaults applied by NewRequest.
const (
	DefaultStoreID        = "lock"
	DefaultLeaseDuration  = 10 * time.Second
	DefaultAcquireTimeout = time.Second
	DefaultRetryInterval  = 50 * time.Millisecond
)

// Request describes a lock acquisition.
type Request struct {
	// Keys to lock. Must be non-empty and unique.
	Keys []string
	// StoreID names the table, collection or key prefix holding the leases.
	StoreID string
	// LeaseDuration is the time-to-live granted by each acquire or refresh.
	LeaseDuration time.Duration
	// AcquireTimeout bounds how long acquisition is retried. A non-positive
	// value means a single attempt.
	AcquireTimeout time.Duration
	// RetryInterval is the delay between acquisition attempts.
	RetryInterval time.Duration
	// RefreshInterval enables the heartbeat when positive. It must be lower
	// than LeaseDuration.
	RefreshInterval time.Duration
	// ManualRelease leaves the lease held after the protected operation
	// returns; the caller releases it through the Session.
	ManualRelease bool
}

// NewRequest returns a Request for keys populated with the default values.
func NewRequest(keys ...string) Request {
	return Request{
		Keys:           keys,
		StoreID:        DefaultStoreID,
		LeaseDuration:  DefaultLeaseDuration,
		AcquireTimeout: DefaultAcquireTimeout,
		RetryInterval:  DefaultRetryInterval,
	}
}

// WithPrefix returns a copy of r with prefix prepended to every key.
func (r Request) WithPrefix(prefix string) Request {
	keys := make([]string, len(r.Keys))
	for i, k := range r.Keys {
		keys[i] = prefix + k
	}
	r.Keys = keys
	return r
}

// RetryPolicy returns the retry policy described by the request.
func (r Request) RetryPolicy() RetryPolicy {
	return RetryPolicy{Interval: r.RetryInterval, Timeout: r.AcquireTimeout}
}

// Validate checks that the request can be executed.
func (r Request) Validate() error {
	if err := ValidateKeys(r.Keys); err != nil {
		return err
	}
	if r.StoreID == "" {
		return fmt.Errorf("%w: empty store id", dlockerrors.ErrInvalidRequest)
	}
	if r.LeaseDuration <= 0 {
		return fmt.Errorf("%w: lease duration must be positive", dlockerrors.ErrInvalidRequest)
	}
	if r.RefreshInterval > 0 && r.RefreshInterval >= r.LeaseDuration {
		return fmt.Errorf("%w: refresh interval %v must be lower than lease duration %v",
			dlockerrors.ErrInvalidRequest, r.RefreshInterval, r.LeaseDuration)
	}
	return r.RetryPolicy().Validate()
}

// ValidateKeys checks that keys is a non-empty set of non-empty strings.
func ValidateKeys(keys []string) error {
	if len(keys) == 0 {
		return fmt.Errorf("%w: no keys", dlockerrors.ErrInvalidRequest)
	}
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k == "" {
			return fmt.Errorf("%w: empty key", dlockerrors.ErrInvalidRequest)
		}
		if _, ok := seen[k]; ok {
			return fmt.Errorf("%w: duplicate key %q", dlockerrors.ErrInvalidRequest, k)
		}
		seen[k] = struct{}{}
	}
	return nil
}
