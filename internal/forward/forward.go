// Package forward implements the Forwarder (spec.md §4.H): drains the
// Staging Queue, writes to the remote document store through a small
// StoreClient interface, and retries failed writes with bounded
// exponential backoff.
package forward

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rfidops/ingestpipe/internal/core"
	"github.com/rfidops/ingestpipe/internal/metrics"
)

// StatusClass is the coarse outcome of one write attempt, independent
// of whichever transport StoreClient uses underneath.
type StatusClass int

const (
	StatusSuccess StatusClass = iota
	StatusAuthFailure
	StatusTransient
	StatusPermanent
)

// Response is what StoreClient returns for a single write attempt.
type Response struct {
	Class StatusClass
	Err   error
}

// StoreClient is the remote document store's write surface, narrowed
// to what the Forwarder needs. Implementations classify the transport
// response into one of the StatusClass buckets described in spec.md
// §4.H so this package never has to know about HTTP status codes or
// SDK-specific error types.
//
// The natural circular reference — the client needs the Auth
// Manager's bearer token, the Forwarder needs both — is broken here by
// constructor injection at the composition root rather than an import
// cycle (spec.md §9).
type StoreClient interface {
	Write(ctx context.Context, targetPath string, payload []byte) Response
}

// Queue is the subset of staging.Store the Forwarder drains.
type Queue interface {
	LeaseReady(ctx context.Context, now time.Time, max int) ([]*core.StagingItem, error)
	Complete(ctx context.Context, item *core.StagingItem) error
	Reschedule(ctx context.Context, item *core.StagingItem, nextAt time.Time) error
	Discard(ctx context.Context, item *core.StagingItem, reason string) error
}

// TokenRefresher is the subset of the Auth Manager the Forwarder calls
// on an auth failure.
type TokenRefresher interface {
	TriggerRefresh(ctx context.Context)
}

// Config tunes the Forwarder's drain loop.
type Config struct {
	LeaseBatchSize int
	Concurrency    int
	PollInterval   time.Duration
}

func (c Config) withDefaults() Config {
	if c.LeaseBatchSize <= 0 {
		c.LeaseBatchSize = 50
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	return c
}

// Forwarder is the only writer that mutates staging item state
// (spec.md §5); it dispatches leased items in parallel up to
// Config.Concurrency while never double-leasing (enforced by Queue).
type Forwarder struct {
	cfg    Config
	queue  Queue
	client StoreClient
	tokens TokenRefresher
	logger *slog.Logger

	breakersMu sync.Mutex
	breakers   map[string]*CircuitBreaker
}

func New(cfg Config, queue Queue, client StoreClient, tokens TokenRefresher, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{
		cfg:      cfg.withDefaults(),
		queue:    queue,
		client:   client,
		tokens:   tokens,
		logger:   logger,
		breakers: make(map[string]*CircuitBreaker),
	}
}

func (f *Forwarder) breaker(target string) *CircuitBreaker {
	f.breakersMu.Lock()
	defer f.breakersMu.Unlock()
	cb, ok := f.breakers[target]
	if !ok {
		cb = NewCircuitBreaker(DefaultCircuitBreakerConfig())
		f.breakers[target] = cb
	}
	return cb
}

// Healthy reports false when any target's circuit breaker is open and
// true otherwise, for /health's queue status (spec.md §6).
func (f *Forwarder) Healthy() bool {
	f.breakersMu.Lock()
	defer f.breakersMu.Unlock()
	for _, cb := range f.breakers {
		if cb.State() == StateOpen {
			return false
		}
	}
	return true
}

// Run drives the lease/dispatch loop until ctx is cancelled.
func (f *Forwarder) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := f.drainOnce(ctx); err != nil {
				f.logger.Warn("forward: drain failed", "error", err)
			}
		}
	}
}

// drainOnce leases one batch and dispatches it with bounded
// concurrency, waiting for the whole batch before leasing again so a
// slow batch can't pile up unbounded in-flight work.
func (f *Forwarder) drainOnce(ctx context.Context) error {
	items, err := f.queue.LeaseReady(ctx, time.Now(), f.cfg.LeaseBatchSize)
	if err != nil {
		return fmt.Errorf("forward: lease_ready: %w", err)
	}
	if len(items) == 0 {
		return nil
	}

	sem := make(chan struct{}, f.cfg.Concurrency)
	var wg sync.WaitGroup
	for _, item := range items {
		item := item
		wg.Add(1)
		sem <- struct{}{}
		metrics.ForwardInFlight.Inc()
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			defer metrics.ForwardInFlight.Dec()
			f.attempt(ctx, item)
		}()
	}
	wg.Wait()
	return nil
}

// attempt runs one write and applies the response classification from
// spec.md §4.H.
func (f *Forwarder) attempt(ctx context.Context, item *core.StagingItem) {
	cb := f.breaker(item.TargetPath)
	if !cb.CanAttempt() {
		nextAt := time.Now().Add(CalculateBackoff(item.Attempts + 1))
		if err := f.queue.Reschedule(ctx, item, nextAt); err != nil {
			f.logger.Error("forward: reschedule failed (circuit open)", "error", err)
		}
		return
	}

	resp := f.client.Write(ctx, item.TargetPath, item.Payload)

	switch resp.Class {
	case StatusSuccess:
		cb.RecordSuccess()
		metrics.ForwardAttemptsTotal.WithLabelValues("success").Inc()
		if err := f.queue.Complete(ctx, item); err != nil {
			f.logger.Error("forward: complete failed", "error", err)
		}

	case StatusAuthFailure:
		metrics.ForwardAttemptsTotal.WithLabelValues("auth_retry").Inc()
		f.tokens.TriggerRefresh(ctx)
		// First auth failure on this item doesn't count against
		// attempts; subsequent ones do (spec.md §4.H).
		nextAttempts := item.Attempts
		if item.AuthRetried {
			nextAttempts++
		}
		item.AuthRetried = true
		item.Attempts = nextAttempts
		if err := f.queue.Reschedule(ctx, item, time.Now()); err != nil {
			f.logger.Error("forward: reschedule failed (auth)", "error", err)
		}

	case StatusTransient:
		cb.RecordFailure()
		item.Attempts++
		if item.Attempts >= MaxAttempts {
			metrics.ForwardMaxAttemptsTotal.Inc()
			metrics.ForwardAttemptsTotal.WithLabelValues("discard").Inc()
			if err := f.queue.Discard(ctx, item, "max_attempts"); err != nil {
				f.logger.Error("forward: discard failed", "error", err)
			}
			return
		}
		metrics.ForwardAttemptsTotal.WithLabelValues("retry").Inc()
		nextAt := time.Now().Add(CalculateBackoff(item.Attempts))
		if err := f.queue.Reschedule(ctx, item, nextAt); err != nil {
			f.logger.Error("forward: reschedule failed (transient)", "error", err)
		}

	case StatusPermanent:
		metrics.ForwardAttemptsTotal.WithLabelValues("discard").Inc()
		if err := f.queue.Discard(ctx, item, "permanent"); err != nil {
			f.logger.Error("forward: discard failed", "error", err)
		}

	default:
		f.logger.Error("forward: unknown response class", "error", resp.Err)
	}
}
