// Package metrics provides Prometheus instrumentation for the risk-based authentication service.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, route, and status class.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rba",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, route pattern, and status class.",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPRequestDuration observes request latency by method and route.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rba",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// PolicyDecisionsTotal counts decisions by strategy and action.
	PolicyDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rba",
			Subsystem: "policy",
			Name:      "decisions_total",
			Help:      "Policy decisions by source (remote, threshold) and action.",
		},
		[]string{"source", "action"},
	)

	// PolicyFallbacksTotal counts fallbacks to the fixed thresholds.
	PolicyFallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rba",
			Subsystem: "policy",
			Name:      "fallbacks_total",
			Help:      "Fallbacks to fixed thresholds by reason (unavailable, malformed).",
		},
		[]string{"reason"},
	)

	// CircuitTransitionsTotal counts circuit breaker state changes.
	CircuitTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rba",
			Subsystem: "circuitbreaker",
			Name:      "state_transitions_total",
			Help:      "Circuit breaker state transitions by key, from-state, and to-state.",
		},
		[]string{"key", "from_state", "to_state"},
	)

	// MFAVerificationsTotal counts single-factor verification outcomes.
	MFAVerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rba",
			Subsystem: "mfa",
			Name:      "verifications_total",
			Help:      "MFA proof verifications by factor type and result reason.",
		},
		[]string{"factor", "result"},
	)

	// MFALocksTotal counts Active -> Locked transitions.
	MFALocksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rba",
			Subsystem: "mfa",
			Name:      "locks_total",
			Help:      "Factor lock transitions by factor type.",
		},
		[]string{"factor"},
	)

	// MFAConflictRetriesTotal counts retried read-modify-write conflicts.
	MFAConflictRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "rba",
		Subsystem: "mfa",
		Name:      "conflict_retries_total",
		Help:      "Verification attempts retried after a concurrency conflict.",
	})

	// AuditWritesTotal counts audit writes by result (ok, deferred, dropped, lost, redelivered).
	AuditWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rba",
			Subsystem: "audit",
			Name:      "writes_total",
			Help:      "Risk event audit writes by result.",
		},
		[]string{"result"},
	)

	// OutboxPublishedTotal counts relayed outbox events by result.
	OutboxPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rba",
			Subsystem: "outbox",
			Name:      "published_total",
			Help:      "Outbox events relayed to Kafka by result (ok, error).",
		},
		[]string{"result"},
	)

	// OutboxPending tracks events not yet relayed, sampled by the relay after each poll.
	OutboxPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "rba",
		Subsystem: "outbox",
		Name:      "pending",
		Help:      "Outbox events waiting to be relayed.",
	})

	// AuditBacklog tracks audit events waiting for an out-of-band retry.
	AuditBacklog = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "rba",
		Subsystem: "audit",
		Name:      "backlog",
		Help:      "Risk events waiting for an out-of-band audit retry.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		PolicyDecisionsTotal,
		PolicyFallbacksTotal,
		CircuitTransitionsTotal,
		MFAVerificationsTotal,
		MFALocksTotal,
		MFAConflictRetriesTotal,
		AuditWritesTotal,
		AuditBacklog,
		OutboxPublishedTotal,
		OutboxPending,
	)
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTP records one finished request.
func ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, route, statusBucket(status)).Inc()
	HTTPRequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func statusBucket(code int) string {
	if code < 100 || code > 599 {
		return "unknown"
	}
	return fmt.Sprintf("%dxx", code/100)
}
