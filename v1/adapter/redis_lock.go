package adapter

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mirkobrombin/go-dlock/v1/lock"
)

// multiAcquireScript sets every key to ARGV[1] only if none exists, then
// applies the TTL (ARGV[2], milliseconds) to each of them.
var multiAcquireScript = redis.NewScript(`
local args = {}
for _, key in ipairs(KEYS) do
    args[#args + 1] = key
    args[#args + 1] = ARGV[1]
end
if redis.call("MSETNX", unpack(args)) == 0 then
    return 0
end
for _, key in ipairs(KEYS) do
    redis.call("PEXPIRE", key, ARGV[2])
end
return 1
`)

// releaseScript deletes every key only if all of them hold ARGV[1].
var releaseScript = redis.NewScript(`
for _, key in ipairs(KEYS) do
    if redis.call("GET", key) ~= ARGV[1] then
        return 0
    end
end
return redis.call("DEL", unpack(KEYS))
`)

// refreshScript resets the TTL of every key only if all of them hold ARGV[1].
var refreshScript = redis.NewScript(`
for _, key in ipairs(KEYS) do
    if redis.call("GET", key) ~= ARGV[1] then
        return 0
    end
end
for _, key in ipairs(KEYS) do
    redis.call("PEXPIRE", key, ARGV[2])
end
return 1
`)

// RedisLock implements lock.Backend using Redis. Leases are stored under
// "storeID:key" with the token as value and a millisecond TTL, so expiry is
// handled by Redis itself.
//
// Multi-key operations run as Lua scripts. On Redis Cluster all keys of a
// request must hash to the same slot; use hash tags in keys or store ids.
type RedisLock struct {
	client redis.UniversalClient
	opts   commonOptions
}

// RedisOption configures a RedisLock.
type RedisOption func(*commonOptions)

// WithRedisTimeout sets the timeout of each Redis round trip.
func WithRedisTimeout(d time.Duration) RedisOption {
	return func(o *commonOptions) {
		o.timeout = d
	}
}

// WithRedisLogger sets the logger.
func WithRedisLogger(l *zap.Logger) RedisOption {
	return func(o *commonOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithRedisTokens sets the token supplier.
func WithRedisTokens(s lock.TokenSupplier) RedisOption {
	return func(o *commonOptions) {
		o.tokens = s
	}
}

// NewRedisLock returns a new RedisLock using the provided client.
func NewRedisLock(client redis.UniversalClient, opts ...RedisOption) *RedisLock {
	o := defaultCommonOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &RedisLock{client: client, opts: o}
}

func redisKeys(keys []string, storeID string) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = storeID + ":" + k
	}
	return out
}

func ttlMillis(ttl time.Duration) int64 {
	ms := ttl.Milliseconds()
	if ms < 1 {
		// PEXPIRE 0 would delete the key outright.
		ms = 1
	}
	return ms
}

// Acquire implements lock.Backend.Acquire.
func (r *RedisLock) Acquire(ctx context.Context, keys []string, storeID string, ttl time.Duration) (string, error) {
	token, err := r.opts.newToken()
	if err != nil {
		return "", err
	}
	cctx, cancel, err := r.opts.opContext(ctx)
	if err != nil {
		return "", err
	}
	defer cancel()

	var locked bool
	if len(keys) == 1 {
		locked, err = r.client.SetNX(cctx, storeID+":"+keys[0], token, time.Duration(ttlMillis(ttl))*time.Millisecond).Result()
	} else {
		var n int64
		n, err = multiAcquireScript.Run(cctx, r.client, redisKeys(keys, storeID), token, ttlMillis(ttl)).Int64()
		locked = n == 1
	}
	if err != nil {
		return "", mapErr(err)
	}
	r.opts.logger.Debug("tried to acquire lock",
		zap.Strings("keys", keys),
		zap.String("store", storeID),
		zap.String("token", token),
		zap.Bool("locked", locked))
	if !locked {
		return "", nil
	}
	return token, nil
}

// Release implements lock.Backend.Release.
func (r *RedisLock) Release(ctx context.Context, keys []string, storeID, token string) (bool, error) {
	cctx, cancel, err := r.opts.opContext(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()

	n, err := releaseScript.Run(cctx, r.client, redisKeys(keys, storeID), token).Int64()
	if err != nil {
		return false, mapErr(err)
	}
	released := n == int64(len(keys))
	if released {
		r.opts.logger.Debug("release script deleted the lease",
			zap.Strings("keys", keys), zap.String("store", storeID), zap.String("token", token))
	} else {
		r.opts.logger.Error("release script failed",
			zap.Strings("keys", keys), zap.String("store", storeID), zap.String("token", token),
			zap.Int64("deleted", n))
	}
	return released, nil
}

// Refresh implements lock.Backend.Refresh. Every key is checked before any
// TTL is touched, so multi-key refresh is atomic.
func (r *RedisLock) Refresh(ctx context.Context, keys []string, storeID, token string, ttl time.Duration) (bool, error) {
	cctx, cancel, err := r.opts.opContext(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()

	n, err := refreshScript.Run(cctx, r.client, redisKeys(keys, storeID), token, ttlMillis(ttl)).Int64()
	if err != nil {
		return false, mapErr(err)
	}
	return n == 1, nil
}
