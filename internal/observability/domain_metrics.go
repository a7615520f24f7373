package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	synthesisTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronodesk_synthesis_total",
			Help: "Total number of SQL synthesis attempts by provider and outcome.",
		},
		[]string{"provider", "outcome"},
	)
	synthesisLatencyMs = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chronodesk_synthesis_latency_ms",
			Help:    "Completion-provider synthesis latency in milliseconds.",
			Buckets: []float64{100, 250, 500, 1000, 2000, 5000, 10000, 30000, 60000},
		},
	)
	verdictTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronodesk_policy_verdicts_total",
			Help: "Total number of policy verdicts by outcome and worst issue severity.",
		},
		[]string{"outcome", "worst_severity"},
	)
	executionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronodesk_query_executions_total",
			Help: "Total number of query executions by phase and outcome.",
		},
		[]string{"phase", "outcome"},
	)
	executionLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chronodesk_query_execution_latency_ms",
			Help:    "Database execution latency in milliseconds by phase.",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2000, 5000},
		},
		[]string{"phase"},
	)
	pendingExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chronodesk_pending_tokens_expired_total",
			Help: "Total number of confirmation tokens that expired unused.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		synthesisTotal,
		synthesisLatencyMs,
		verdictTotal,
		executionTotal,
		executionLatencyMs,
		pendingExpiredTotal,
	)
}

func ObserveSynthesis(provider string, err error, elapsed time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	synthesisTotal.WithLabelValues(provider, outcome).Inc()
	synthesisLatencyMs.Observe(float64(elapsed.Milliseconds()))
}

func ObserveVerdict(allowed bool, worstSeverity string) {
	outcome := "blocked"
	if allowed {
		outcome = "allowed"
	}
	if worstSeverity == "" {
		worstSeverity = "none"
	}
	verdictTotal.WithLabelValues(outcome, worstSeverity).Inc()
}

func ObserveExecution(phase string, success bool, elapsed time.Duration) {
	outcome := "error"
	if success {
		outcome = "ok"
	}
	executionTotal.WithLabelValues(phase, outcome).Inc()
	executionLatencyMs.WithLabelValues(phase).Observe(float64(elapsed.Milliseconds()))
}

func IncrementPendingExpired() {
	pendingExpiredTotal.Inc()
}
