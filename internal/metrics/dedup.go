package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DedupActiveKeys tracks the live dedup cache size.
	DedupActiveKeys = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ingestpipe",
			Subsystem: "dedup",
			Name:      "active_keys",
			Help:      "Number of live deduplication keys",
		},
	)

	// DedupAdmitTotal counts admit() decisions by outcome.
	DedupAdmitTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ingestpipe",
			Subsystem: "dedup",
			Name:      "admit_total",
			Help:      "Deduplicator admit() calls by outcome",
		},
		[]string{"outcome"}, // immediate, suppressed
	)

	// DedupDelayedReportsTotal counts timer-fired delayed reports.
	DedupDelayedReportsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ingestpipe",
			Subsystem: "dedup",
			Name:      "delayed_reports_total",
			Help:      "Delayed reports emitted on timer expiry",
		},
	)
)
