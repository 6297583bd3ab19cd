package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	stateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexd",
		Name:      "pipeline_state_transitions_total",
		Help:      "Pipeline state transitions by target state.",
	}, []string{"state"})

	extractions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexd",
		Name:      "extractions_total",
		Help:      "Extractions by outcome.",
	}, []string{"outcome"})

	extractionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "indexd",
		Name:      "extraction_duration_seconds",
		Help:      "Wall time of successful and failed extractions.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	})

	pointsWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "indexd",
		Name:      "points_written_total",
		Help:      "Aggregated points persisted across all batches.",
	})

	missingValues = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexd",
		Name:      "missing_values_total",
		Help:      "Aggregated points with no valid pixel, by index.",
	}, []string{"index"})
)

func init() {
	prometheus.MustRegister(stateTransitions, extractions, extractionDuration, pointsWritten, missingValues)
}
