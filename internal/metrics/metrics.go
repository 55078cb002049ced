// Package metrics defines Prometheus metrics for the run orchestration engine.
//
// Metric naming follows Prometheus conventions:
//   - agentmaestro_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// TicksTotal counts tick() invocations by resulting action.
	TicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmaestro_ticks_total",
			Help: "Total number of tick() invocations by action outcome.",
		},
		[]string{"action"},
	)

	// TickDurationSeconds is a histogram of tick() wall time.
	TickDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentmaestro_tick_duration_seconds",
			Help:    "Duration of a single tick() call.",
			Buckets: prometheus.DefBuckets,
		},
	)

	// LeaseContentionTotal counts claim attempts that found the run already leased.
	LeaseContentionTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentmaestro_lease_contention_total",
			Help: "Total number of tick claims that hit an unexpired lease held by another worker.",
		},
	)

	// StaleLeasesReclaimedTotal counts leases cleared by the recovery sweep.
	StaleLeasesReclaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentmaestro_stale_leases_reclaimed_total",
			Help: "Total number of stale leases reclaimed by the recovery sweep.",
		},
	)

	// QuotaRejectionsTotal counts LimitExceeded occurrences by limit key.
	QuotaRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmaestro_quota_rejections_total",
			Help: "Total quota rejections by limit key.",
		},
		[]string{"limit_key"},
	)

	// PushQueueDepth is the number of buffered-but-undelivered push messages per group.
	PushQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentmaestro_push_queue_depth",
			Help: "Number of push messages currently buffered for a subscriber group.",
		},
		[]string{"group"},
	)

	// ToolCallDurationSeconds is a histogram of tool-runner round-trip time.
	ToolCallDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentmaestro_tool_call_duration_seconds",
			Help:    "Duration of a tool-runner execute round trip.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"tool_name", "status"},
	)

	// ActiveRuns is the number of runs currently in a non-terminal status.
	ActiveRuns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentmaestro_active_runs",
			Help: "Number of runs currently in a non-terminal status.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		TicksTotal,
		TickDurationSeconds,
		LeaseContentionTotal,
		StaleLeasesReclaimedTotal,
		QuotaRejectionsTotal,
		PushQueueDepth,
		ToolCallDurationSeconds,
		ActiveRuns,
	)
}

// RecordTick records the outcome of one tick() call.
func RecordTick(action string, d time.Duration) {
	TicksTotal.WithLabelValues(action).Inc()
	TickDurationSeconds.Observe(d.Seconds())
}

// RecordToolCall records the outcome of one tool-runner round trip.
func RecordToolCall(toolName, status string, d time.Duration) {
	ToolCallDurationSeconds.WithLabelValues(toolName, status).Observe(d.Seconds())
}

// RecordQuotaRejection records a single LimitExceeded occurrence.
func RecordQuotaRejection(limitKey string) {
	QuotaRejectionsTotal.WithLabelValues(limitKey).Inc()
}
