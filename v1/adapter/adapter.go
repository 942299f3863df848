// Package adapter implements lock.Backend on top of external stores: Redis
// (RedisLock), SQL databases through GORM (GormLock) and MongoDB (MongoLock).
//
// Every adapter honours the same contract: multi-key acquisition is
// all-or-nothing, release and refresh only act when every key is held by the
// presented token, and contention or ownership mismatches are reported
// through return values rather than errors.
package adapter

import (
	"context"
	stdErrors "errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	dlockerrors "github.com/mirkobrombin/go-dlock/v1/errors"
	"github.com/mirkobrombin/go-dlock/v1/lock"
)

const defaultOpTimeout = 5 * time.Second

// commonOptions holds settings shared by every adapter.
type commonOptions struct {
	timeout time.Duration
	logger  *zap.Logger
	tokens  lock.TokenSupplier
}

func defaultCommonOptions() commonOptions {
	return commonOptions{
		timeout: defaultOpTimeout,
		logger:  zap.NewNop(),
		tokens:  lock.NewToken,
	}
}

func (o commonOptions) newToken() (string, error) {
	token := o.tokens()
	if token == "" {
		return "", dlockerrors.ErrEmptyToken
	}
	return token, nil
}

// opContext bounds a single store round trip by the adapter timeout.
func (o commonOptions) opContext(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, mapErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, o.timeout)
	return cctx, cancel, nil
}

// mapErr turns deadline errors into ErrTimeout while keeping the cause.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", dlockerrors.ErrTimeout, err)
	}
	return err
}

// expireAt returns the absolute expiration for a lease granted now.
func expireAt(now time.Time, ttl time.Duration) time.Time {
	return now.Add(ttl).UTC()
}
