package staging

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rfidops/ingestpipe/internal/core"
	"github.com/rfidops/ingestpipe/internal/metrics"
)

// itemHeap orders staging items by NextRetryAt, earliest first. This is
// deliberately NOT an LRU: an item must survive until it is leased and
// completed, regardless of how recently it was touched, so eviction is
// never a valid response to memory pressure here — only capacity
// rejection at enqueue time is.
type itemHeap []*core.StagingItem

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	return h[i].NextRetryAt.Before(h[j].NextRetryAt)
}
func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x any)   { *h = append(*h, x.(*core.StagingItem)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// MemoryQueue is the size-capped in-process fallback used by Store when
// the durable Redis backend is unreachable (spec.md §4.D). Items are
// lost on process restart; this is the accepted trade-off of the
// fallback path, not the durable path.
type MemoryQueue struct {
	mu      sync.Mutex
	ready   itemHeap
	leased  map[string]*core.StagingItem
	maxSize int
}

// NewMemoryQueue creates a bounded in-process queue. maxSize <= 0
// means every enqueue is rejected (spec.md §8's "Capacity = 0 → every
// enqueue returns false; no crash").
func NewMemoryQueue(maxSize int, _ *slog.Logger) *MemoryQueue {
	q := &MemoryQueue{
		ready:   make(itemHeap, 0),
		leased:  make(map[string]*core.StagingItem),
		maxSize: maxSize,
	}
	heap.Init(&q.ready)
	return q
}

func (q *MemoryQueue) size() int { return len(q.ready) + len(q.leased) }

// Enqueue rejects once size reaches maxSize, per the same capacity
// policy RedisQueue enforces; maxSize <= 0 rejects unconditionally.
func (q *MemoryQueue) Enqueue(ctx context.Context, target string, payload []byte) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.maxSize <= 0 || q.size() >= q.maxSize {
		metrics.StagingEnqueueTotal.WithLabelValues("memory", "rejected").Inc()
		return false, nil
	}

	now := time.Now().UTC()
	item := &core.StagingItem{
		ID:          uuid.NewString(),
		TargetPath:  target,
		Payload:     payload,
		AddedAt:     now,
		NextRetryAt: now,
	}
	heap.Push(&q.ready, item)
	metrics.StagingEnqueueTotal.WithLabelValues("memory", "accepted").Inc()
	return true, nil
}

// LeaseReady pops up to max items whose NextRetryAt <= now off the heap
// and moves them to the leased set.
func (q *MemoryQueue) LeaseReady(ctx context.Context, now time.Time, max int) ([]*core.StagingItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var leased []*core.StagingItem
	for len(leased) < max && q.ready.Len() > 0 && !q.ready[0].NextRetryAt.After(now) {
		item := heap.Pop(&q.ready).(*core.StagingItem)
		q.leased[item.ID] = item
		leased = append(leased, item)
	}
	return leased, nil
}

// Complete removes item permanently.
func (q *MemoryQueue) Complete(ctx context.Context, item *core.StagingItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.leased, item.ID)
	return nil
}

// Reschedule returns item to the ready heap with a new NextRetryAt.
func (q *MemoryQueue) Reschedule(ctx context.Context, item *core.StagingItem, nextAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.leased, item.ID)
	item.NextRetryAt = nextAt
	heap.Push(&q.ready, item)
	return nil
}

// Discard removes item permanently and records the drop reason.
func (q *MemoryQueue) Discard(ctx context.Context, item *core.StagingItem, reason string) error {
	metrics.StagingDiscardedTotal.WithLabelValues(reason).Inc()
	return q.Complete(ctx, item)
}

// Stats reports size/capacity; MemoryPct is always 0 since the fallback
// has no independent memory probe.
func (q *MemoryQueue) Stats(ctx context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	size := q.size()
	var capPct float64
	if q.maxSize > 0 {
		capPct = float64(size) / float64(q.maxSize) * 100
	}
	metrics.StagingQueueSize.WithLabelValues("memory").Set(float64(size))
	return Stats{Size: size, Ready: q.ready.Len(), CapacityPct: capPct}, nil
}

// Close is a no-op; MemoryQueue holds no external resources.
func (q *MemoryQueue) Close() error { return nil }

// Drain removes and returns every item currently in the ready heap, in
// NextRetryAt order, used by Store when promoting back to Redis.
func (q *MemoryQueue) Drain() []*core.StagingItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	drained := make([]*core.StagingItem, 0, q.ready.Len())
	for q.ready.Len() > 0 {
		drained = append(drained, heap.Pop(&q.ready).(*core.StagingItem))
	}
	return drained
}
