package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StagingEnqueueTotal counts enqueue() calls by backing store and
	// outcome (accepted/rejected).
	StagingEnqueueTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ingestpipe",
			Subsystem: "staging",
			Name:      "enqueue_total",
			Help:      "Staging queue enqueue attempts by backend and outcome",
		},
		[]string{"backend", "outcome"},
	)

	// StagingQueueSize reports current queue size by backend.
	StagingQueueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ingestpipe",
			Subsystem: "staging",
			Name:      "queue_size",
			Help:      "Current staging queue size by backend",
		},
		[]string{"backend"},
	)

	// StagingFallbackActive reports whether the in-process fallback
	// queue is currently in use (1) or the durable store is healthy (0).
	StagingFallbackActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ingestpipe",
			Subsystem: "staging",
			Name:      "fallback_active",
			Help:      "1 if the durable store is unreachable and the memory fallback is serving writes",
		},
	)

	// StagingDiscardedTotal counts items discarded by reason
	// (max_attempts, permanent).
	StagingDiscardedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ingestpipe",
			Subsystem: "staging",
			Name:      "discarded_total",
			Help:      "Staging items discarded by reason",
		},
		[]string{"reason"},
	)
)
