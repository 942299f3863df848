package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	dlockerrors "github.com/mirkobrombin/go-dlock/v1/errors"
	"github.com/mirkobrombin/go-dlock/v1/metrics"
)

const tracerName = "github.com/mirkobrombin/go-dlock/v1/lock"

// Locker runs protected operations under leases granted by a Backend.
// A Locker holds no lease state and is safe for concurrent use.
type Locker struct {
	backend Backend
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics bool
}

// Option configures a Locker.
type Option func(*Locker)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(lk *Locker) {
		if l != nil {
			lk.logger = l
		}
	}
}

// WithTracerProvider sets the provider used to create session spans. The
// global provider is used by default.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(lk *Locker) {
		lk.tracer = tp.Tracer(tracerName)
	}
}

// WithMetrics registers the lock metrics on reg and enables their
// collection. Registering on a registry that already holds them is allowed.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(lk *Locker) {
		for _, c := range []prometheus.Collector{
			metrics.AcquireCounter, metrics.ReleaseCounter, metrics.RefreshCounter,
			metrics.HeldGauge, metrics.HoldDuration,
		} {
			if err := reg.Register(c); err != nil {
				var are prometheus.AlreadyRegisteredError
				if !errors.As(err, &are) {
					panic(err)
				}
			}
		}
		lk.metrics = true
	}
}

// New returns a Locker acquiring leases from backend.
func New(backend Backend, opts ...Option) *Locker {
	l := &Locker{
		backend: backend,
		logger:  zap.NewNop(),
		tracer:  otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// NewSession validates req and returns an idle Session for it.
func (l *Locker) NewSession(req Request) (*Session, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	req.Keys = append([]string(nil), req.Keys...)
	return &Session{locker: l, req: req}, nil
}

// Run acquires the lease described by req, runs fn and releases the lease.
// fn is never invoked when the lease could not be acquired.
func (l *Locker) Run(ctx context.Context, req Request, fn func(context.Context) error) error {
	s, err := l.NewSession(req)
	if err != nil {
		return err
	}
	return s.Run(ctx, fn)
}

// Call is Run for protected operations returning a value.
func Call[T any](ctx context.Context, l *Locker, req Request, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := l.Run(ctx, req, func(ctx context.Context) error {
		v, err := fn(ctx)
		out = v
		return err
	})
	return out, err
}

// State is the lifecycle stage of a Session.
type State int

const (
	StateIdle State = iota
	StateAcquiring
	StateHeld
	StateReleasing
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAcquiring:
		return "acquiring"
	case StateHeld:
		return "held"
	case StateReleasing:
		return "releasing"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Session is a single acquire, run, release cycle.
type Session struct {
	locker *Locker
	req    Request

	mu    sync.Mutex
	state State
	token string
	used  bool
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Token returns the lease token once acquired.
func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Run executes the session. It returns ErrLockNotAvailable when the lease was
// not acquired within the acquire timeout, the backend error when acquisition
// failed, and otherwise whatever fn returned. Release problems are logged and
// never override the result of fn.
func (s *Session) Run(ctx context.Context, fn func(context.Context) error) error {
	s.mu.Lock()
	if s.used {
		s.mu.Unlock()
		return dlockerrors.ErrSessionUsed
	}
	s.used = true
	s.state = StateAcquiring
	s.mu.Unlock()

	l := s.locker
	ctx, span := l.tracer.Start(ctx, "lock.Session", trace.WithAttributes(
		attribute.String("lock.store", s.req.StoreID),
		attribute.StringSlice("lock.keys", s.req.Keys),
	))
	defer span.End()

	token, err := s.acquire(ctx)
	if err != nil {
		s.setState(StateFailed)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	s.mu.Lock()
	s.token = token
	s.state = StateHeld
	s.mu.Unlock()
	if l.metrics {
		metrics.HeldGauge.Inc()
	}

	hb := StartHeartbeat(ctx, l.backend, HeartbeatConfig{
		Keys:          s.req.Keys,
		StoreID:       s.req.StoreID,
		Token:         token,
		LeaseDuration: s.req.LeaseDuration,
		Interval:      s.req.RefreshInterval,
		Logger:        l.logger,
		Metrics:       l.metrics,
	})
	start := time.Now()
	defer s.finish(ctx, hb, start)

	err = fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (s *Session) acquire(ctx context.Context) (string, error) {
	l := s.locker
	ctx, span := l.tracer.Start(ctx, "lock.Acquire")
	defer span.End()

	r, err := NewRetriable(l.backend, s.req.RetryPolicy())
	if err != nil {
		return "", err
	}
	token, err := r.Acquire(ctx, s.req.Keys, s.req.StoreID, s.req.LeaseDuration)
	switch {
	case err != nil:
		l.count(metrics.AcquireCounter, s.req.StoreID, metrics.ResultError)
		span.RecordError(err)
		return "", fmt.Errorf("acquire lock for keys %v in store %s: %w", s.req.Keys, s.req.StoreID, err)
	case token == "":
		l.count(metrics.AcquireCounter, s.req.StoreID, metrics.ResultUnavailable)
		return "", fmt.Errorf("%w: keys %v in store %s", dlockerrors.ErrLockNotAvailable, s.req.Keys, s.req.StoreID)
	}
	l.count(metrics.AcquireCounter, s.req.StoreID, metrics.ResultAcquired)
	span.SetAttributes(attribute.Bool("lock.acquired", true))
	l.logger.Debug("acquired lock",
		zap.Strings("keys", s.req.Keys),
		zap.String("store", s.req.StoreID),
		zap.String("token", token))
	return token, nil
}

// finish stops the heartbeat and releases the lease unless the caller asked
// to release it manually.
func (s *Session) finish(ctx context.Context, hb *Heartbeat, start time.Time) {
	s.setState(StateReleasing)
	hb.Stop()
	l := s.locker
	if l.metrics {
		metrics.HeldGauge.Dec()
		metrics.HoldDuration.WithLabelValues(s.req.StoreID).Observe(time.Since(start).Seconds())
	}
	if s.req.ManualRelease {
		l.logger.Debug("lock left for manual release",
			zap.Strings("keys", s.req.Keys),
			zap.String("store", s.req.StoreID))
		return
	}
	_, _ = s.release(context.WithoutCancel(ctx))
}

// Release releases a lease left held by a session created with
// ManualRelease. It returns ErrSessionState for any other session.
func (s *Session) Release(ctx context.Context) (bool, error) {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()
	if !s.req.ManualRelease || st != StateReleasing {
		return false, dlockerrors.ErrSessionState
	}
	return s.release(ctx)
}

func (s *Session) release(ctx context.Context) (bool, error) {
	l := s.locker
	token := s.Token()
	released, err := l.backend.Release(ctx, s.req.Keys, s.req.StoreID, token)
	switch {
	case err != nil:
		l.count(metrics.ReleaseCounter, s.req.StoreID, metrics.ResultError)
		l.logger.Error("release failed",
			zap.Strings("keys", s.req.Keys),
			zap.String("store", s.req.StoreID),
			zap.String("token", token),
			zap.Error(err))
	case !released:
		// The lease expired before the operation finished or the store lost it.
		l.count(metrics.ReleaseCounter, s.req.StoreID, metrics.ResultLost)
		l.logger.Error("couldn't release lock",
			zap.Strings("keys", s.req.Keys),
			zap.String("store", s.req.StoreID),
			zap.String("token", token))
	default:
		l.count(metrics.ReleaseCounter, s.req.StoreID, metrics.ResultOK)
		l.logger.Debug("released lock",
			zap.Strings("keys", s.req.Keys),
			zap.String("store", s.req.StoreID),
			zap.String("token", token))
	}
	s.setState(StateDone)
	return released, err
}

func (l *Locker) count(c *prometheus.CounterVec, store, result string) {
	if l.metrics {
		c.WithLabelValues(store, result).Inc()
	}
}
