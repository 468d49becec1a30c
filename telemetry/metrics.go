package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// POLLING METRICS
// =============================================================================

var (
	pollCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "poll_cycles_total",
			Help:      "Total number of poll plan executions per channel",
		},
		[]string{"channel", "status"}, // status: ok, error
	)

	pollCycleDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gateway",
			Name:      "poll_cycle_duration_seconds",
			Help:      "Duration of a single poll plan execution",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"channel"},
	)

	pointQualityTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "point_quality_total",
			Help:      "Number of point updates published, by resulting quality",
		},
		[]string{"channel", "quality"}, // quality: good, stale, bad
	)
)

// =============================================================================
// DISPATCH METRICS
// =============================================================================

var (
	dispatchQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "gateway",
			Name:      "dispatch_queue_depth",
			Help:      "Current depth of the per-channel TODO queue",
		},
		[]string{"channel"},
	)

	dispatchAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "dispatch_attempts_total",
			Help:      "Total command dispatch attempts",
		},
		[]string{"channel", "status"}, // status: success, retry, failure
	)

	dispatchDeadLetterTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "dispatch_dead_letter_total",
			Help:      "Total commands moved to the dead-letter queue",
		},
		[]string{"channel", "reason"},
	)
)

// =============================================================================
// MODEL METRICS
// =============================================================================

var (
	modelRecomputeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "model_recompute_total",
			Help:      "Total model instance recomputations",
		},
		[]string{"instance", "status"},
	)

	modelRecomputeDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gateway",
			Name:      "model_recompute_duration_seconds",
			Help:      "Duration of a model instance recompute pass",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1},
		},
		[]string{"instance"},
	)
)

// =============================================================================
// STORE METRICS
// =============================================================================

var (
	storeOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "store_ops_total",
			Help:      "Total realtime store operations",
		},
		[]string{"op", "status"}, // status: ok, error
	)

	storeOpDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gateway",
			Name:      "store_op_duration_seconds",
			Help:      "Duration of realtime store operations",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op"},
	)
)

// =============================================================================
// PUBLIC API
// =============================================================================

// RecordPollCycle records the outcome and duration of one poll plan execution.
func RecordPollCycle(channel, status string, durationSeconds float64) {
	pollCyclesTotal.WithLabelValues(channel, status).Inc()
	pollCycleDurationSeconds.WithLabelValues(channel).Observe(durationSeconds)
}

// RecordPointQuality increments the point-update counter for the given quality tag.
func RecordPointQuality(channel, quality string) {
	pointQualityTotal.WithLabelValues(channel, quality).Inc()
}

// SetDispatchQueueDepth sets the gauge tracking a channel's pending TODO count.
func SetDispatchQueueDepth(channel string, depth int) {
	dispatchQueueDepth.WithLabelValues(channel).Set(float64(depth))
}

// RecordDispatchAttempt records one dispatcher attempt outcome.
func RecordDispatchAttempt(channel, status string) {
	dispatchAttemptsTotal.WithLabelValues(channel, status).Inc()
}

// RecordDeadLetter records a command entering the dead-letter queue.
func RecordDeadLetter(channel, reason string) {
	dispatchDeadLetterTotal.WithLabelValues(channel, reason).Inc()
}

// RecordModelRecompute records the outcome and duration of a model recompute pass.
func RecordModelRecompute(instance, status string, durationSeconds float64) {
	modelRecomputeTotal.WithLabelValues(instance, status).Inc()
	modelRecomputeDurationSeconds.WithLabelValues(instance).Observe(durationSeconds)
}

// RecordStoreOp records the outcome and duration of a realtime store operation.
func RecordStoreOp(op, status string, durationSeconds float64) {
	storeOpsTotal.WithLabelValues(op, status).Inc()
	storeOpDurationSeconds.WithLabelValues(op).Observe(durationSeconds)
}
