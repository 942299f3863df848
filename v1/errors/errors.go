package errors

import "errors"

var (
	ErrTimeout = errors.New("timeout")

	// ErrLockNotAvailable is returned when a lock could not be acquired before
	// the acquire timeout elapsed.
	ErrLockNotAvailable = errors.New("lock not available")
	// ErrInvalidRequest is returned for malformed lock requests or retry policies.
	ErrInvalidRequest = errors.New("invalid lock request")
	// ErrMultipleKeys is returned by single-key backends given more than one key.
	ErrMultipleKeys = errors.New("backend supports exactly one key")
	ErrEmptyToken   = errors.New("empty lock token")
	// ErrUnknownBackend is returned when a registry has no backend under a name.
	ErrUnknownBackend = errors.New("unknown lock backend")
	ErrSessionUsed    = errors.New("session already used")
	ErrSessionState   = errors.New("session not in releasable state")
)
