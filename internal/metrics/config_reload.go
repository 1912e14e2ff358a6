// Package metrics declares the pipeline's Prometheus metrics. Every
// collector except HTTPMetrics is registered once at package init via
// promauto and referenced directly by the component that observes it;
// HTTPMetrics registers its collectors when NewHTTPMetrics is called.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SnapshotSwapTotal counts location-configuration snapshot swaps by
	// outcome (accepted, unchanged, error) as published by the Config
	// Subscriber.
	SnapshotSwapTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ingestpipe",
			Subsystem: "locationcfg",
			Name:      "snapshot_swap_total",
			Help:      "Location config snapshot swaps by outcome",
		},
		[]string{"outcome"},
	)

	// SnapshotStreamReconnects counts Config Subscriber stream
	// reconnect attempts after a disconnect.
	SnapshotStreamReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ingestpipe",
			Subsystem: "locationcfg",
			Name:      "stream_reconnects_total",
			Help:      "Config snapshot stream reconnect attempts",
		},
	)

	// SnapshotAge is set to 0 each time the Config Subscriber accepts a
	// snapshot. Nothing advances it between snapshots, and /health does
	// not read it.
	SnapshotAge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ingestpipe",
			Subsystem: "locationcfg",
			Name:      "snapshot_age_seconds",
			Help:      "Seconds since the last accepted location config snapshot",
		},
	)
)
