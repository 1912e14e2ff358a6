// Package locationcfg maintains a live, atomically-swapped snapshot of
// the remote location configuration (spec.md §4.F), generalising the
// teacher's DefaultConfigReloader parallel-notify shape down to a
// single snapshot pointer: there is exactly one downstream consumer
// class here (the Ingestor's per-message read), so no multi-component
// rollback machinery is needed.
package locationcfg

import (
	"context"
	"log/slog"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/rfidops/ingestpipe/internal/core"
	"github.com/rfidops/ingestpipe/internal/metrics"
)

// reconnectBackoff is fixed, not exponential, per spec.md §4.F.
const reconnectBackoff = 5 * time.Second

// Update is one document change delivered by the remote store's
// snapshot stream.
type Update struct {
	Config core.LocationConfig
	Err    error
}

// SnapshotSource is the remote store's document-stream interface
// (spec.md §6: "snapshot stream on a document"). Implementations
// reconnect internally is NOT required — Subscriber owns the
// reconnect loop so the fixed-backoff policy lives in one place.
type SnapshotSource interface {
	// Stream opens a snapshot stream for location/companyID. It must
	// close the returned channel when ctx is cancelled or the stream
	// ends, and send an Update with a non-nil Err on any stream error
	// instead of panicking or blocking forever.
	Stream(ctx context.Context, location, companyID string) (<-chan Update, error)
}

// Listener is notified when a relevant field changes. The Ingestor
// wires this to update the Deduplicator's interval.
type Listener func(cfg core.LocationConfig)

// whitelist enumerates the fields a diff considers "relevant" per
// spec.md §4.F: dedup flags/intervals, reporting flags, and the
// update-related fields the out-of-process updater consumes.
func relevantFieldsChanged(prev, next core.LocationConfig) bool {
	if prev.Deduplicate != next.Deduplicate ||
		prev.DeduplicateIntervalMinutes != next.DeduplicateIntervalMinutes ||
		prev.Reporting != next.Reporting ||
		prev.MobileDeduplicate != next.MobileDeduplicate ||
		prev.MobileDeduplicateIntervalMinutes != next.MobileDeduplicateIntervalMinutes ||
		prev.MobileReporting != next.MobileReporting {
		return true
	}
	return !reflect.DeepEqual(prev.UpdateWindow, next.UpdateWindow) ||
		!reflect.DeepEqual(prev.SafetyChecks, next.SafetyChecks)
}

// Subscriber owns the atomically-swapped snapshot and the reconnect
// loop against SnapshotSource.
type Subscriber struct {
	source    SnapshotSource
	location  string
	companyID string
	logger    *slog.Logger

	snapshot  atomic.Pointer[core.LocationConfig]
	listeners []Listener
}

// New creates a Subscriber seeded with an initial snapshot so early
// readers (before the first stream connects) see a defined value
// instead of nil.
func New(source SnapshotSource, location, companyID string, initial core.LocationConfig, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Subscriber{source: source, location: location, companyID: companyID, logger: logger}
	s.snapshot.Store(&initial)
	return s
}

// OnUpdate registers a listener invoked after every accepted snapshot
// swap, with the new snapshot.
func (s *Subscriber) OnUpdate(fn Listener) {
	s.listeners = append(s.listeners, fn)
}

// Current returns the last known good configuration. Callers always
// observe this even across transient stream disconnects.
func (s *Subscriber) Current() core.LocationConfig {
	return *s.snapshot.Load()
}

// Run drives the reconnect loop until ctx is cancelled. Each
// disconnect (stream error or channel close) is followed by a fixed
// 5-second backoff before retrying, per spec.md §4.F.
func (s *Subscriber) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		updates, err := s.source.Stream(ctx, s.location, s.companyID)
		if err != nil {
			s.logger.Warn("locationcfg: stream open failed, retrying", "error", err)
			metrics.SnapshotStreamReconnects.Inc()
			if !s.wait(ctx) {
				return ctx.Err()
			}
			continue
		}

		s.drain(ctx, updates)
		metrics.SnapshotStreamReconnects.Inc()

		if !s.wait(ctx) {
			return ctx.Err()
		}
	}
}

// drain consumes updates until the channel closes or an Update
// carries a stream error, applying the whitelist diff to each.
func (s *Subscriber) drain(ctx context.Context, updates <-chan Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case upd, ok := <-updates:
			if !ok {
				return
			}
			if upd.Err != nil {
				s.logger.Warn("locationcfg: snapshot stream error, reconnecting", "error", upd.Err)
				metrics.SnapshotSwapTotal.WithLabelValues("error").Inc()
				return
			}
			s.apply(upd.Config)
		}
	}
}

func (s *Subscriber) apply(next core.LocationConfig) {
	prev := *s.snapshot.Load()
	if !relevantFieldsChanged(prev, next) {
		metrics.SnapshotSwapTotal.WithLabelValues("unchanged").Inc()
		return
	}
	s.snapshot.Store(&next)
	metrics.SnapshotSwapTotal.WithLabelValues("accepted").Inc()
	metrics.SnapshotAge.Set(0)
	for _, l := range s.listeners {
		l(next)
	}
}

func (s *Subscriber) wait(ctx context.Context) bool {
	timer := time.NewTimer(reconnectBackoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
