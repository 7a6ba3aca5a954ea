// Package metrics defines the prometheus collectors for the recommendation
// engine. All collectors register on the default registry and are served by
// the HTTP layer at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RecommendationsTotal counts recommendation requests by outcome.
	RecommendationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "protocol_recommendations_total",
		Help: "Recommendation requests by outcome",
	}, []string{"outcome"})

	// RecommendationDuration tracks end-to-end recommendation latency.
	RecommendationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "protocol_recommendation_duration_seconds",
		Help:    "Recommendation computation latency",
		Buckets: prometheus.DefBuckets,
	})

	// ExclusionsApplied counts practices removed by safety rules.
	ExclusionsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "protocol_exclusions_applied_total",
		Help: "Practices removed by contraindication rules",
	})

	// EvidenceDriftCorrected counts stored evidence counts that disagreed
	// with a batch recompute and were overwritten.
	EvidenceDriftCorrected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "protocol_evidence_drift_corrected_total",
		Help: "Evidence counts corrected by batch recompute",
	})

	// CacheRequests counts result-cache lookups by status.
	CacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "protocol_cache_requests_total",
		Help: "Result cache lookups by status",
	}, []string{"status"})
)
