package staging

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryQueueCapacityRejectsBeyondMax(t *testing.T) {
	q := NewMemoryQueue(2, nil)
	defer q.Close()
	ctx := context.Background()

	ok1, _ := q.Enqueue(ctx, "/ingest", []byte("a"))
	ok2, _ := q.Enqueue(ctx, "/ingest", []byte("b"))
	ok3, _ := q.Enqueue(ctx, "/ingest", []byte("c"))

	assert.True(t, ok1)
	assert.True(t, ok2)
	assert.False(t, ok3)
}

// Boundary (spec.md §8): capacity 0 means every enqueue is rejected,
// never a crash and never an accept.
func TestMemoryQueueCapacityZeroRejectsEveryEnqueue(t *testing.T) {
	q := NewMemoryQueue(0, nil)
	defer q.Close()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		ok, err := q.Enqueue(ctx, "/ingest", []byte("x"))
		require.NoError(t, err)
		assert.False(t, ok)
	}
}

// The fallback orders by NextRetryAt, not by insertion or recency —
// this is the property that distinguishes it from an LRU.
func TestMemoryQueueOrdersByNextRetryAtNotRecency(t *testing.T) {
	q := NewMemoryQueue(1000, nil)
	defer q.Close()
	ctx := context.Background()

	_, _ = q.Enqueue(ctx, "/a", []byte("first"))
	time.Sleep(time.Millisecond)
	_, _ = q.Enqueue(ctx, "/b", []byte("second"))

	leased, err := q.LeaseReady(ctx, time.Now().Add(time.Second), 1)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	assert.Equal(t, []byte("first"), leased[0].Payload)

	// A second lease returns "second", the next item by NextRetryAt.
	leased2, err := q.LeaseReady(ctx, time.Now().Add(time.Second), 1)
	require.NoError(t, err)
	require.Len(t, leased2, 1)
	assert.Equal(t, []byte("second"), leased2[0].Payload)
}

func TestMemoryQueueDrainReturnsAllReadyItems(t *testing.T) {
	q := NewMemoryQueue(1000, nil)
	defer q.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = q.Enqueue(ctx, "/ingest", []byte("x"))
	}

	drained := q.Drain()
	assert.Len(t, drained, 3)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Size)
}

func TestMemoryQueueLeaseThenRescheduleReordersHeap(t *testing.T) {
	q := NewMemoryQueue(1000, nil)
	defer q.Close()
	ctx := context.Background()

	_, _ = q.Enqueue(ctx, "/ingest", []byte("x"))
	leased, err := q.LeaseReady(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, leased, 1)

	require.NoError(t, q.Reschedule(ctx, leased[0], time.Now().Add(time.Hour)))

	notReady, err := q.LeaseReady(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, notReady)
}
