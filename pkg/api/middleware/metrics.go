package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// ContextResourceKey holds the lock path a handler worked on.
	ContextResourceKey = "lock_resource"
	// ContextOutcomeKey holds the lock outcome a handler produced
	// (acquired, timeout, released, untracked, dry_run, cancelled, error).
	ContextOutcomeKey = "lock_outcome"
)

var (
	// HTTPRequestsTotal counts total HTTP requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leasegate",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPRequestDuration tracks request latency. Acquire requests block for
	// up to the lock timeout, so the buckets reach into minutes.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "leasegate",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds, including lock waits",
			Buckets:   []float64{.005, .01, .05, .1, .5, 1, 5, 15, 60, 300, 600},
		},
		[]string{"method", "route"},
	)

	// HTTPLockOutcomes counts lock endpoint results by outcome.
	HTTPLockOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leasegate",
			Subsystem: "http",
			Name:      "lock_outcomes_total",
			Help:      "Lock endpoint results by route and outcome",
		},
		[]string{"route", "outcome"},
	)

	// HTTPRateLimited counts requests rejected by the rate limiter
	HTTPRateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "leasegate",
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Total number of HTTP requests rejected by the rate limiter",
		},
	)

	// HTTPWaitingRequests tracks in-flight requests; most of them are
	// acquire calls parked in the queue.
	HTTPWaitingRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "leasegate",
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Number of HTTP requests currently being processed",
		},
	)
)

// MetricsMiddleware records HTTP request metrics and, for lock routes, the
// outcome the handler stored under ContextOutcomeKey.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}

		start := time.Now()
		route := routeLabel(c.FullPath())
		method := c.Request.Method

		HTTPWaitingRequests.Inc()
		defer HTTPWaitingRequests.Dec()

		c.Next()

		HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(c.Writer.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())

		if outcome := c.GetString(ContextOutcomeKey); outcome != "" {
			HTTPLockOutcomes.WithLabelValues(route, outcome).Inc()
		}
	}
}

// SetLockOutcome tags the request with the resource and outcome so metrics
// and traces can pick them up after the handler returns.
func SetLockOutcome(c *gin.Context, resource, outcome string) {
	c.Set(ContextResourceKey, resource)
	c.Set(ContextOutcomeKey, outcome)
}

// routeLabel maps unmatched routes to one label so probing clients
// cannot grow the label set.
func routeLabel(path string) string {
	if path == "" {
		return "unmatched"
	}
	return path
}
