package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesDroppedTotal counts Ingestor drops by reason, recovering
	// the dimensioned counter that original_source/ carried and
	// spec.md's distillation only described as "logged and counted".
	MessagesDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ingestpipe",
			Subsystem: "ingest",
			Name:      "messages_dropped_total",
			Help:      "Broker messages dropped by reason",
		},
		[]string{"reason"}, // parse_error, missing_tid, missing_hostname
	)

	// ProcessingLatency observes per-message processing time from
	// broker delivery to staging enqueue (or drop).
	ProcessingLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "ingestpipe",
			Subsystem: "ingest",
			Name:      "processing_latency_ms",
			Help:      "Per-message processing latency in milliseconds",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)

	// MessagesReceivedTotal counts broker deliveries by classified type.
	MessagesReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ingestpipe",
			Subsystem: "ingest",
			Name:      "messages_received_total",
			Help:      "Broker messages received by classification",
		},
		[]string{"event_type"},
	)
)
