package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the circuit-breaker core. Exported vars are
// recorded from the breaker registry, the emergency stop path and the
// monitor loop; scraping/exposition is wired by the embedding service.

// BreakerTrips counts trips by level and reason.
var BreakerTrips = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tmt",
		Subsystem: "breaker",
		Name:      "trips_total",
		Help:      "Total number of circuit breaker trips",
	},
	[]string{"level", "reason"},
)

// BreakerResets counts manual resets by level.
var BreakerResets = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tmt",
		Subsystem: "breaker",
		Name:      "resets_total",
		Help:      "Total number of manual circuit breaker resets",
	},
	[]string{"level"},
)

// TrippedBreakers tracks how many breakers are currently tripped, by level.
var TrippedBreakers = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "tmt",
		Subsystem: "breaker",
		Name:      "tripped",
		Help:      "Number of breakers currently in the tripped state",
	},
	[]string{"level"},
)

// EvaluationLatency measures one full registry evaluation pass.
// Buckets sized for an in-memory, lock-guarded pass (0.01ms - 50ms).
var EvaluationLatency = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "tmt",
		Subsystem: "breaker",
		Name:      "evaluation_latency_ms",
		Help:      "Latency of one breaker evaluation cycle in milliseconds",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 25, 50},
	},
)

// EmergencyStopLatency measures the synchronous part of triggerStop,
// excluding the detached position-closure task. The 100ms budget sits at
// the top of the bucket range on purpose.
var EmergencyStopLatency = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "tmt",
		Subsystem: "emergency",
		Name:      "stop_latency_ms",
		Help:      "In-process latency of emergency stop requests in milliseconds",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 25, 50, 100},
	},
)

// PositionClosures counts detached closure task outcomes.
var PositionClosures = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tmt",
		Subsystem: "emergency",
		Name:      "position_closures_total",
		Help:      "Total number of position closure tasks by outcome",
	},
	[]string{"outcome"},
)

// MonitorLag counts monitor iterations that exceeded their interval.
var MonitorLag = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "tmt",
		Subsystem: "monitor",
		Name:      "lagged_iterations_total",
		Help:      "Monitor loop iterations that took longer than the configured interval",
	},
)

// SamplerFailures counts health sampling failures that produced a degraded
// conservative snapshot.
var SamplerFailures = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "tmt",
		Subsystem: "health",
		Name:      "sampler_failures_total",
		Help:      "Health sampling failures replaced by a degraded snapshot",
	},
)
