package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// CounterOps tracks counter operations by kind (increment, decrement,
	// reset, value).
	CounterOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tally_counter_ops_total",
		Help: "Total number of counter operations",
	}, []string{"op"})
	// GateOutcomes tracks conditional gate results (applied, rejected,
	// compensation_failed).
	GateOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tally_gate_total",
		Help: "Total number of conditional gate evaluations by outcome",
	}, []string{"outcome"})
	// CompensationFailures counts rollbacks that could not be applied.
	CompensationFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tally_compensation_failures_total",
		Help: "Total number of failed gate compensations",
	})
	// LockAcquires tracks lock acquisition attempts by result (acquired,
	// timeout, error, canceled).
	LockAcquires = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tally_lock_acquire_total",
		Help: "Total number of lock acquisitions by result",
	}, []string{"result"})
	// LockWait observes how long acquirers waited.
	LockWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tally_lock_wait_seconds",
		Help:    "Time spent waiting to acquire a lock",
		Buckets: prometheus.DefBuckets,
	})
	// LockHold observes how long locks were held.
	LockHold = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tally_lock_hold_seconds",
		Help:    "Time a lock was held before release",
		Buckets: prometheus.DefBuckets,
	})
	// LockLost counts releases that found the lock already expired.
	LockLost = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tally_lock_lost_total",
		Help: "Total number of releases that found the lock expired or taken over",
	})
	// StoreErrors counts store failures surfaced by counters and locks.
	StoreErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tally_store_errors_total",
		Help: "Total number of backing store failures",
	}, []string{"op"})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers tally metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		CounterOps,
		GateOutcomes,
		CompensationFailures,
		LockAcquires,
		LockWait,
		LockHold,
		LockLost,
		StoreErrors,
	)
}
