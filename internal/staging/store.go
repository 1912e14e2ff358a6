package staging

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rfidops/ingestpipe/internal/core"
	"github.com/rfidops/ingestpipe/internal/metrics"
)

// Store fronts RedisQueue with MemoryQueue, transparently demoting to
// the in-process fallback on a Redis outage and promoting buffered
// items back once Redis is reachable again (spec.md §4.D). Callers
// always see one Queue; which backend currently serves a call is
// invisible to them except through Stats.
type Store struct {
	redis  *RedisQueue
	memory *MemoryQueue
	logger *slog.Logger

	usingFallback atomic.Bool

	closeOnce sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewStore wires a durable Redis backend behind an in-process fallback
// of the same capacity, and starts the background promotion loop.
func NewStore(redisQueue *RedisQueue, fallbackMaxSize int, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		redis:  redisQueue,
		memory: NewMemoryQueue(fallbackMaxSize, logger),
		logger: logger,
		stopCh: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.promotionLoop()
	return s
}

// active returns whichever backend is currently authoritative.
func (s *Store) active() Queue {
	if s.usingFallback.Load() {
		return s.memory
	}
	return s.redis
}

// Enqueue tries Redis first; a connection-level error demotes to the
// in-process fallback for the duration of the outage rather than
// failing the write outright.
func (s *Store) Enqueue(ctx context.Context, target string, payload []byte) (bool, error) {
	if s.usingFallback.Load() {
		return s.memory.Enqueue(ctx, target, payload)
	}

	ok, err := s.redis.Enqueue(ctx, target, payload)
	if err != nil {
		s.demote(err)
		return s.memory.Enqueue(ctx, target, payload)
	}
	return ok, nil
}

func (s *Store) demote(err error) {
	if s.usingFallback.CompareAndSwap(false, true) {
		metrics.StagingFallbackActive.Set(1)
		s.logger.Warn("staging: redis unreachable, demoting to in-process fallback", "error", err)
	}
}

// LeaseReady leases only from the backend that is currently active; it
// does not merge the two. While the fallback is active, items already
// in Redis are not leased; buffered items are leased from Redis only
// after promote has moved them there and routing has flipped back.
func (s *Store) LeaseReady(ctx context.Context, now time.Time, max int) ([]*core.StagingItem, error) {
	return s.active().LeaseReady(ctx, now, max)
}

func (s *Store) Complete(ctx context.Context, item *core.StagingItem) error {
	return s.active().Complete(ctx, item)
}

func (s *Store) Reschedule(ctx context.Context, item *core.StagingItem, nextAt time.Time) error {
	return s.active().Reschedule(ctx, item, nextAt)
}

func (s *Store) Discard(ctx context.Context, item *core.StagingItem, reason string) error {
	return s.active().Discard(ctx, item, reason)
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	return s.active().Stats(ctx)
}

// UsingFallback reports whether the Store is currently serving calls
// from the in-process fallback rather than Redis, for /api/redis/status.
func (s *Store) UsingFallback() bool {
	return s.usingFallback.Load()
}

// Close stops the promotion loop and closes both backends.
func (s *Store) Close() error {
	s.closeOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	_ = s.memory.Close()
	return s.redis.Close()
}

// promotionLoop periodically probes Redis while running on the
// fallback, and drains buffered items back once it answers, using
// capped exponential backoff between probes so a prolonged outage
// doesn't busy-poll.
func (s *Store) promotionLoop() {
	defer s.wg.Done()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0 // retry indefinitely while the process runs

	timer := time.NewTimer(b.NextBackOff())
	defer timer.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-timer.C:
			if !s.usingFallback.Load() {
				timer.Reset(b.NextBackOff())
				continue
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := s.redis.Ping(ctx)
			cancel()
			if err != nil {
				timer.Reset(b.NextBackOff())
				continue
			}

			s.promote()
			b.Reset()
			timer.Reset(b.NextBackOff())
		}
	}
}

// promote drains the in-process fallback back into Redis and flips
// routing back, oldest NextRetryAt first so ordering is preserved.
func (s *Store) promote() {
	drained := s.memory.Drain()
	if len(drained) == 0 {
		s.usingFallback.Store(false)
		metrics.StagingFallbackActive.Set(0)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var failed []*core.StagingItem
	for _, item := range drained {
		ok, err := s.redis.Enqueue(ctx, item.TargetPath, item.Payload)
		if err != nil || !ok {
			failed = append(failed, item)
			continue
		}
	}

	if len(failed) > 0 {
		// Redis flaked mid-drain; put the stragglers back and try
		// again on the next tick rather than dropping them.
		for _, item := range failed {
			heapPush := item
			_, _ = s.memory.Enqueue(context.Background(), heapPush.TargetPath, heapPush.Payload)
		}
		s.logger.Warn("staging: partial promotion, retrying remainder", "failed", len(failed))
		return
	}

	s.usingFallback.Store(false)
	metrics.StagingFallbackActive.Set(0)
	s.logger.Info("staging: promoted buffered items back to redis", "count", len(drained))
}
