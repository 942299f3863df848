package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mirkobrombin/go-dlock/v1/metrics"
)

// Heartbeat periodically refreshes a held lease until stopped.
type Heartbeat struct {
	stop      chan struct{}
	done      chan struct{}
	once      sync.Once
	refreshes atomic.Int64
}

// HeartbeatConfig describes the lease kept alive by a Heartbeat.
type HeartbeatConfig struct {
	Keys          []string
	StoreID       string
	Token         string
	LeaseDuration time.Duration
	Interval      time.Duration
	Logger        *zap.Logger
	// Metrics enables the refresh counter.
	Metrics bool
}

// StartHeartbeat starts refreshing the lease described by cfg every
// cfg.Interval. A non-positive interval returns an inert Heartbeat.
//
// Refresh calls run with a context detached from ctx cancellation so that the
// heartbeat only ends through Stop. Failed refreshes are logged and the
// heartbeat keeps running.
func StartHeartbeat(ctx context.Context, b Backend, cfg HeartbeatConfig) *Heartbeat {
	h := &Heartbeat{stop: make(chan struct{}), done: make(chan struct{})}
	if cfg.Interval <= 0 {
		close(h.done)
		return h
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	rctx := context.WithoutCancel(ctx)
	go func() {
		defer close(h.done)
		t := time.NewTicker(cfg.Interval)
		defer t.Stop()
		for {
			select {
			case <-h.stop:
				return
			case <-t.C:
			}
			// Stop may race with the tick; do not start a refresh once stopping.
			select {
			case <-h.stop:
				return
			default:
			}
			ok, err := b.Refresh(rctx, cfg.Keys, cfg.StoreID, cfg.Token, cfg.LeaseDuration)
			h.refreshes.Add(1)
			result := metrics.ResultOK
			switch {
			case err != nil:
				result = metrics.ResultError
				logger.Error("lease refresh failed",
					zap.Strings("keys", cfg.Keys),
					zap.String("store", cfg.StoreID),
					zap.Error(err))
			case !ok:
				result = metrics.ResultLost
				logger.Error("lease refresh did not affect the lease, it may have expired",
					zap.Strings("keys", cfg.Keys),
					zap.String("store", cfg.StoreID),
					zap.String("token", cfg.Token))
			default:
				logger.Debug("lease refreshed",
					zap.Strings("keys", cfg.Keys),
					zap.String("store", cfg.StoreID))
			}
			if cfg.Metrics {
				metrics.RefreshCounter.WithLabelValues(cfg.StoreID, result).Inc()
			}
		}
	}()
	return h
}

// Stop cancels future refreshes and waits for an in-flight refresh to
// return. It is safe to call more than once.
func (h *Heartbeat) Stop() {
	if h == nil {
		return
	}
	h.once.Do(func() { close(h.stop) })
	<-h.done
}

// Refreshes returns the number of refresh calls issued so far.
func (h *Heartbeat) Refreshes() int {
	return int(h.refreshes.Load())
}
