package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for leasegate.
// Using promauto for automatic registration with default registry.
var (
	// --- Semaphore Metrics ---

	// AcquisitionsTotal counts finished acquire attempts by outcome.
	AcquisitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leasegate",
			Subsystem: "semaphore",
			Name:      "acquisitions_total",
			Help:      "Total number of lease acquire attempts by outcome",
		},
		[]string{"outcome"},
	)

	// AcquireWait tracks how long callers waited for a lease.
	AcquireWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "leasegate",
			Subsystem: "semaphore",
			Name:      "acquire_wait_seconds",
			Help:      "Time spent waiting for a lease",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 18), // 1ms to ~2min
		},
		[]string{"outcome"},
	)

	// LeasesHeld tracks leases currently held by this process.
	LeasesHeld = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "leasegate",
			Subsystem: "semaphore",
			Name:      "leases_held",
			Help:      "Number of leases currently held by this process",
		},
	)

	// CapacityRaces counts lease nodes withdrawn after losing a slot race.
	CapacityRaces = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "leasegate",
			Subsystem: "semaphore",
			Name:      "capacity_races_total",
			Help:      "Total number of lease nodes withdrawn outside the capacity window",
		},
	)

	// ReleasesTotal counts releases by outcome.
	ReleasesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leasegate",
			Subsystem: "semaphore",
			Name:      "releases_total",
			Help:      "Total number of lease releases by outcome",
		},
		[]string{"outcome"},
	)

	// --- Session Metrics ---

	// SessionsEstablished counts coordination sessions opened.
	SessionsEstablished = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "leasegate",
			Subsystem: "session",
			Name:      "established_total",
			Help:      "Total coordination sessions established",
		},
	)

	// SessionsLost counts sessions detected as expired.
	SessionsLost = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "leasegate",
			Subsystem: "session",
			Name:      "lost_total",
			Help:      "Total coordination sessions lost or expired",
		},
	)

	// BreakerState exposes the dial circuit breaker state (0 closed, 1 open, 2 half-open).
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "leasegate",
			Subsystem: "session",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per breaker name",
		},
		[]string{"breaker"},
	)

	// --- Registry Metrics ---

	// TrackedResources tracks semaphores held in the registry.
	TrackedResources = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "leasegate",
			Subsystem: "registry",
			Name:      "tracked_resources",
			Help:      "Number of resource paths tracked by the lock registry",
		},
	)

	// --- Reaper Metrics ---

	// ReaperSweeps counts reaper sweep cycles by outcome.
	ReaperSweeps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leasegate",
			Subsystem: "reaper",
			Name:      "sweeps_total",
			Help:      "Total number of reaper sweeps by outcome",
		},
		[]string{"outcome"},
	)

	// LeasesReaped counts stale persistent leases removed.
	LeasesReaped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "leasegate",
			Subsystem: "reaper",
			Name:      "leases_reaped_total",
			Help:      "Total number of stale persistent leases removed",
		},
	)

	// --- Guarded Execution Metrics ---

	// GuardedRunDuration tracks commands executed under a lease.
	GuardedRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "leasegate",
			Subsystem: "executor",
			Name:      "run_duration_seconds",
			Help:      "Duration of commands executed while holding a lease",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 15), // 0.1s to ~1.8h
		},
		[]string{"status"},
	)
)

// RecordAcquire records the outcome of an acquire attempt.
func RecordAcquire(outcome string, waitSeconds float64) {
	AcquisitionsTotal.WithLabelValues(outcome).Inc()
	AcquireWait.WithLabelValues(outcome).Observe(waitSeconds)
}

// RecordRelease records the outcome of a release.
func RecordRelease(outcome string) {
	ReleasesTotal.WithLabelValues(outcome).Inc()
}
