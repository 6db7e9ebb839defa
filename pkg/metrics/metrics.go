// Package metrics exposes the Prometheus collectors the dispatch
// pipeline, executor, chain coordinator, quota checker and circuit
// breaker registry record against. Grounds spec.md §6 ("Metrics").
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DispatchedTotal counts every pipeline invocation by its resulting
	// outcome type.
	DispatchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_dispatched_total",
		Help: "Total actions dispatched, labeled by resulting outcome type.",
	}, []string{"outcome"})

	// ExecutedTotal counts successful provider executions.
	ExecutedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_executed_total",
		Help: "Total actions successfully executed, labeled by provider.",
	}, []string{"provider"})

	// FailedTotal counts terminal execution failures.
	FailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_failed_total",
		Help: "Total actions that failed terminally, labeled by provider.",
	}, []string{"provider"})

	// DeduplicatedTotal counts actions short-circuited by the dedup marker.
	DeduplicatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_deduplicated_total",
		Help: "Total actions resolved as duplicates.",
	})

	// SuppressedTotal counts actions suppressed by a rule, labeled by rule name.
	SuppressedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_suppressed_total",
		Help: "Total actions suppressed, labeled by the rule that suppressed them.",
	}, []string{"rule"})

	// ReroutedTotal counts actions rerouted from one provider to another.
	ReroutedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_rerouted_total",
		Help: "Total actions rerouted, labeled by source and destination provider.",
	}, []string{"from_provider", "to_provider"})

	// ThrottledTotal counts actions short-circuited by a Throttle verdict.
	ThrottledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_throttled_total",
		Help: "Total actions throttled by a rule.",
	})

	// ScheduledTotal counts actions deferred by a Schedule verdict.
	ScheduledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_scheduled_total",
		Help: "Total actions scheduled for future dispatch.",
	})

	// PendingApprovalTotal counts actions placed on an approval hold.
	PendingApprovalTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_pending_approval_total",
		Help: "Total actions placed on an approval hold.",
	})

	// ChainsStartedTotal, ChainsCompletedTotal, ChainsFailedTotal and
	// ChainsCancelledTotal track chain lifecycle transitions.
	ChainsStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_chains_started_total",
		Help: "Total chains started.",
	})
	ChainsCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_chains_completed_total",
		Help: "Total chains completed successfully.",
	})
	ChainsFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_chains_failed_total",
		Help: "Total chains that ended Failed.",
	})
	ChainsCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_chains_cancelled_total",
		Help: "Total chains cancelled before completion.",
	})

	// CircuitOpenTotal, CircuitTransitionsTotal and CircuitFallbacksTotal
	// track per-provider circuit breaker behavior.
	CircuitOpenTotal = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gateway_circuit_open",
		Help: "1 if the provider's circuit breaker is currently open, else 0.",
	}, []string{"provider"})
	CircuitTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_circuit_transitions_total",
		Help: "Total circuit breaker state transitions, labeled by provider and new state.",
	}, []string{"provider", "state"})
	CircuitFallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_circuit_fallbacks_total",
		Help: "Total executions rerouted to a fallback provider because the primary's breaker was open.",
	}, []string{"from_provider", "to_provider"})

	// QuotaExceededTotal, QuotaWarnedTotal and QuotaDegradedTotal track
	// quota-check overage handling.
	QuotaExceededTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_quota_exceeded_total",
		Help: "Total actions blocked by quota, labeled by scope.",
	}, []string{"scope"})
	QuotaWarnedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_quota_warned_total",
		Help: "Total actions over quota but allowed with a warning, labeled by scope.",
	}, []string{"scope"})
	QuotaDegradedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_quota_degraded_total",
		Help: "Total actions over quota and rerouted to a fallback provider, labeled by scope.",
	}, []string{"scope"})

	// DLQDepth and AuditBacklog are point-in-time gauges sampled from the
	// dead-letter sink and the audit recorder's queue.
	DLQDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_dlq_depth",
		Help: "Current number of entries held in the dead-letter sink.",
	})
	AuditBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_audit_backlog",
		Help: "Current number of audit records queued for asynchronous write.",
	})

	// ProviderRequestsTotal and ProviderRequestDuration are the
	// per-provider {total_requests, successes, failures, latency}
	// metrics the spec requires, labeled by provider and result.
	ProviderRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_provider_requests_total",
		Help: "Total provider invocations, labeled by provider and result (success|failure).",
	}, []string{"provider", "result"})
	ProviderRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_provider_request_duration_seconds",
		Help:    "Provider invocation latency in seconds, labeled by provider.",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})
)

// RecordDispatch increments DispatchedTotal for a completed pipeline
// invocation's outcome type.
func RecordDispatch(outcome string) {
	DispatchedTotal.WithLabelValues(outcome).Inc()
}

// RecordExecuted records a successful provider execution and its latency.
func RecordExecuted(provider string, d time.Duration) {
	ExecutedTotal.WithLabelValues(provider).Inc()
	ProviderRequestsTotal.WithLabelValues(provider, "success").Inc()
	ProviderRequestDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// RecordFailed records a terminal provider execution failure and its
// latency.
func RecordFailed(provider string, d time.Duration) {
	FailedTotal.WithLabelValues(provider).Inc()
	ProviderRequestsTotal.WithLabelValues(provider, "failure").Inc()
	ProviderRequestDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// RecordDeduplicated increments DeduplicatedTotal.
func RecordDeduplicated() { DeduplicatedTotal.Inc() }

// RecordSuppressed increments SuppressedTotal for rule.
func RecordSuppressed(rule string) { SuppressedTotal.WithLabelValues(rule).Inc() }

// RecordRerouted increments ReroutedTotal for the from/to provider pair.
func RecordRerouted(from, to string) { ReroutedTotal.WithLabelValues(from, to).Inc() }

// RecordThrottled increments ThrottledTotal.
func RecordThrottled() { ThrottledTotal.Inc() }

// RecordScheduled increments ScheduledTotal.
func RecordScheduled() { ScheduledTotal.Inc() }

// RecordPendingApproval increments PendingApprovalTotal.
func RecordPendingApproval() { PendingApprovalTotal.Inc() }

// RecordChainStarted increments ChainsStartedTotal.
func RecordChainStarted() { ChainsStartedTotal.Inc() }

// RecordChainCompleted increments ChainsCompletedTotal.
func RecordChainCompleted() { ChainsCompletedTotal.Inc() }

// RecordChainFailed increments ChainsFailedTotal.
func RecordChainFailed() { ChainsFailedTotal.Inc() }

// RecordChainCancelled increments ChainsCancelledTotal.
func RecordChainCancelled() { ChainsCancelledTotal.Inc() }

// SetCircuitOpen sets the CircuitOpenTotal gauge for provider to 1 if open,
// 0 otherwise.
func SetCircuitOpen(provider string, open bool) {
	v := 0.0
	if open {
		v = 1.0
	}
	CircuitOpenTotal.WithLabelValues(provider).Set(v)
}

// RecordCircuitTransition increments CircuitTransitionsTotal for provider
// entering state.
func RecordCircuitTransition(provider, state string) {
	CircuitTransitionsTotal.WithLabelValues(provider, state).Inc()
}

// RecordCircuitFallback increments CircuitFallbacksTotal for the from/to
// provider pair.
func RecordCircuitFallback(from, to string) {
	CircuitFallbacksTotal.WithLabelValues(from, to).Inc()
}

// RecordQuotaExceeded increments QuotaExceededTotal for scope.
func RecordQuotaExceeded(scope string) { QuotaExceededTotal.WithLabelValues(scope).Inc() }

// RecordQuotaWarned increments QuotaWarnedTotal for scope.
func RecordQuotaWarned(scope string) { QuotaWarnedTotal.WithLabelValues(scope).Inc() }

// RecordQuotaDegraded increments QuotaDegradedTotal for scope.
func RecordQuotaDegraded(scope string) { QuotaDegradedTotal.WithLabelValues(scope).Inc() }

// SetDLQDepth sets the DLQDepth gauge to n.
func SetDLQDepth(n int) { DLQDepth.Set(float64(n)) }

// SetAuditBacklog sets the AuditBacklog gauge to n.
func SetAuditBacklog(n int) { AuditBacklog.Set(float64(n)) }

// Timer measures elapsed wall-clock time for a single operation, letting
// call sites record duration-bearing metrics without threading time.Now()
// calls through every return path.
type Timer struct {
	start time.Time
}

// NewTimer starts a Timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Elapsed returns the time since the Timer was created.
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}

// RecordExecuted records the elapsed time as a successful execution for
// provider.
func (t *Timer) RecordExecuted(provider string) {
	RecordExecuted(provider, t.Elapsed())
}

// RecordFailed records the elapsed time as a failed execution for provider.
func (t *Timer) RecordFailed(provider string) {
	RecordFailed(provider, t.Elapsed())
}
