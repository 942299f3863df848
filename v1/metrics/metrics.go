package metrics

import "github.com/prometheus/client_golang/prometheus"

// Result label values.
const (
	ResultAcquired    = "acquired"
	ResultUnavailable = "unavailable"
	ResultOK          = "ok"
	ResultLost        = "lost"
	ResultError       = "error"
)

var (
	// AcquireCounter tracks lock acquisitions by outcome.
	AcquireCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dlock_acquire_total",
		Help: "Total number of lock acquisitions",
	}, []string{"store", "result"})
	// ReleaseCounter tracks lock releases by outcome.
	ReleaseCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dlock_release_total",
		Help: "Total number of lock releases",
	}, []string{"store", "result"})
	// RefreshCounter tracks heartbeat refreshes by outcome.
	RefreshCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dlock_refresh_total",
		Help: "Total number of lease refreshes",
	}, []string{"store", "result"})
	// HeldGauge reports the number of leases currently held by this process.
	HeldGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dlock_held",
		Help: "Current number of held leases",
	})
	// HoldDuration observes how long protected operations kept their lease.
	HoldDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dlock_hold_seconds",
		Help:    "Time a lease was held by a protected operation",
		Buckets: prometheus.DefBuckets,
	}, []string{"store"})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterLockMetrics registers lock metrics on the provided registry.
func RegisterLockMetrics(reg prometheus.Registerer) {
	reg.MustRegister(AcquireCounter, ReleaseCounter, RefreshCounter, HeldGauge, HoldDuration)
}
