// Package staging implements the durable, bounded, time-ordered
// pending-work queue described in spec.md §4.D: a Redis-backed
// implementation behind an in-process fallback, unified behind one
// Queue interface and fronted by Store, which transparently demotes to
// the fallback on a Redis outage and promotes back once Redis recovers.
package staging

import (
	"context"
	"errors"
	"time"

	"github.com/rfidops/ingestpipe/internal/core"
)

// ErrQueueFull names a capacity-policy rejection (spec.md §4.D capacity
// policy). Enqueue does not return it: a rejected write is reported as
// (false, nil).
var ErrQueueFull = errors.New("staging: queue at capacity")

// Stats mirrors the contract's stats() return value.
type Stats struct {
	Size          int
	Ready         int
	CapacityPct   float64
	MemoryPct     float64
}

// Queue is the durable pending-work queue contract from spec.md §4.D.
type Queue interface {
	// Enqueue stores payload under target, returning false when the
	// capacity policy rejects the write.
	Enqueue(ctx context.Context, target string, payload []byte) (bool, error)

	// LeaseReady returns up to max items whose NextRetryAt <= now, in
	// non-decreasing NextRetryAt order, atomically removed from the
	// ready set so no two callers can lease the same item.
	LeaseReady(ctx context.Context, now time.Time, max int) ([]*core.StagingItem, error)

	// Complete removes item permanently. Idempotent.
	Complete(ctx context.Context, item *core.StagingItem) error

	// Reschedule returns item to the ready set at nextAt, storing
	// item.Attempts as the caller set it; it does not change the counter.
	Reschedule(ctx context.Context, item *core.StagingItem, nextAt time.Time) error

	// Discard removes item permanently and records reason for metrics.
	Discard(ctx context.Context, item *core.StagingItem, reason string) error

	// Stats reports current size/capacity/memory utilisation.
	Stats(ctx context.Context) (Stats, error)

	// Close releases any held resources.
	Close() error
}

// ItemTTL is the durability floor from spec.md §4.D: items survive a
// process restart for at least this long.
const ItemTTL = 7 * 24 * time.Hour
