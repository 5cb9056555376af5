package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Admissions counts pipeline verdicts by outcome.
	Admissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "botguard_admissions_total",
		Help: "Admission pipeline verdicts by outcome.",
	}, []string{"outcome"})

	// FilterRejections counts content-filter rejections by reason code.
	FilterRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "botguard_filter_rejections_total",
		Help: "Content filter rejections by reason code.",
	}, []string{"reason"})

	// TokensConsumed counts actual tokens recorded in the usage ledger.
	TokensConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "botguard_tokens_consumed_total",
		Help: "Total tokens recorded in the usage ledger.",
	})

	// UpstreamLatency tracks model-call duration.
	UpstreamLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "botguard_upstream_latency_seconds",
		Help:    "Language model call latency.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	})
)
