package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ForwardAttemptsTotal counts Forwarder write attempts by outcome.
	ForwardAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ingestpipe",
			Subsystem: "forward",
			Name:      "attempts_total",
			Help:      "Forwarder write attempts by outcome",
		},
		[]string{"outcome"}, // success, retry, auth_retry, discard
	)

	// ForwardMaxAttemptsTotal counts items discarded for exhausting
	// max_attempts.
	ForwardMaxAttemptsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ingestpipe",
			Subsystem: "forward",
			Name:      "max_attempts_discards_total",
			Help:      "Items discarded after reaching max_attempts",
		},
	)

	// ForwardInFlight reports the number of writes currently dispatched
	// by the Forwarder's bounded concurrency pool.
	ForwardInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ingestpipe",
			Subsystem: "forward",
			Name:      "in_flight",
			Help:      "Concurrently dispatched remote-store writes",
		},
	)
)
