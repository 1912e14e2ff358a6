package dedup

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rfidops/ingestpipe/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func event(tid string, ts time.Time) *core.TagEvent {
	return &core.TagEvent{TID: tid, Hostname: "R1", HostTimestamp: ts}
}

// S1 — First detection: exactly one immediate admission, stats.activeKeys == 1.
func TestS1FirstDetection(t *testing.T) {
	d := New(time.Minute, nil)
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	ok, err := d.Admit(context.Background(), "R1:ABC123", event("ABC123", now), now)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, d.Stats().ActiveKeys)
}

// S2 — Suppression inside window: two later hits in the same window
// are both suppressed (only the first Admit returns true).
func TestS2SuppressionInsideWindow(t *testing.T) {
	d := New(time.Minute, nil)

	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	ok1, _ := d.Admit(context.Background(), "R1:ABC123", event("ABC123", base), base)
	ok2, _ := d.Admit(context.Background(), "R1:ABC123", event("ABC123", base.Add(30*time.Second)), base.Add(30*time.Second))
	ok3, _ := d.Admit(context.Background(), "R1:ABC123", event("ABC123", base.Add(45*time.Second)), base.Add(45*time.Second))

	assert.True(t, ok1)
	assert.False(t, ok2)
	assert.False(t, ok3)
}

// TestDelayedReportCarriesLastEvent exercises the fire path directly
// with a short window so the test stays fast and deterministic.
func TestDelayedReportCarriesLastEvent(t *testing.T) {
	d := New(30*time.Millisecond, nil)
	done := make(chan *core.TagEvent, 1)
	d.SetOnDelayedReport(func(ctx context.Context, key string, e *core.TagEvent) {
		done <- e
	})

	base := time.Now()
	_, _ = d.Admit(context.Background(), "R1:ABC123", event("ABC123", base), base)
	_, _ = d.Admit(context.Background(), "R1:ABC123", event("ABC123", base.Add(10*time.Millisecond)), base.Add(10*time.Millisecond))
	last := event("ABC123", base.Add(15*time.Millisecond))
	_, _ = d.Admit(context.Background(), "R1:ABC123", last, base.Add(15*time.Millisecond))

	select {
	case reported := <-done:
		assert.Equal(t, last, reported)
	case <-time.After(time.Second):
		t.Fatal("delayed report never fired")
	}
	assert.Equal(t, 0, d.Stats().ActiveKeys)
}

// Invariant 1: exactly one live timer per key. Two concurrent admits on
// the same key never create two entries.
func TestInvariantOneTimerPerKey(t *testing.T) {
	d := New(50*time.Millisecond, nil)
	now := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = d.Admit(context.Background(), "R1:ABC123", event("ABC123", now), now)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, d.Stats().ActiveKeys)
}

// Invariant 2: a key's window is fixed at creation; hits never extend it.
func TestWindowFixedAtCreation(t *testing.T) {
	d := New(40*time.Millisecond, nil)
	fired := make(chan struct{}, 1)
	d.SetOnDelayedReport(func(ctx context.Context, key string, e *core.TagEvent) {
		fired <- struct{}{}
	})

	start := time.Now()
	now := start
	_, _ = d.Admit(context.Background(), "R1:ABC123", event("ABC123", now), now)

	// Keep hitting the key well past the original window; the timer
	// must still fire close to the original 40ms, not be pushed out.
	stop := time.After(30 * time.Millisecond)
loop:
	for {
		select {
		case <-stop:
			break loop
		default:
			_, _ = d.Admit(context.Background(), "R1:ABC123", event("ABC123", time.Now()), time.Now())
			time.Sleep(2 * time.Millisecond)
		}
	}

	select {
	case <-fired:
		elapsed := time.Since(start)
		assert.Less(t, elapsed, 200*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("timer never fired despite continuous hits")
	}
}

// Invariant 4 / cleanup(): no callback fires after Cleanup returns.
func TestCleanupSuppressesCallback(t *testing.T) {
	d := New(20*time.Millisecond, nil)
	var called bool
	var mu sync.Mutex
	d.SetOnDelayedReport(func(ctx context.Context, key string, e *core.TagEvent) {
		mu.Lock()
		called = true
		mu.Unlock()
	})

	now := time.Now()
	_, _ = d.Admit(context.Background(), "R1:ABC123", event("ABC123", now), now)
	d.Cleanup()

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.False(t, called)
	assert.Equal(t, 0, d.Stats().ActiveKeys)
}

// TestSetIntervalDoesNotAffectExistingEntries resolves Open Question #2
// per SPEC_FULL.md §9: set_interval only changes the window used by
// keys created after the call.
func TestSetIntervalDoesNotAffectExistingEntries(t *testing.T) {
	d := New(20*time.Millisecond, nil)
	fired := make(chan string, 2)
	d.SetOnDelayedReport(func(ctx context.Context, key string, e *core.TagEvent) {
		fired <- key
	})

	now := time.Now()
	_, _ = d.Admit(context.Background(), "R1:OLD", event("OLD", now), now)

	// Widen the interval drastically; the existing key's timer must
	// still fire close to its original 20ms deadline.
	d.SetInterval(60000) // 60000 minutes — effectively "never" for new keys

	select {
	case key := <-fired:
		assert.Equal(t, "R1:OLD", key)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("existing entry's timer was rescheduled by SetInterval")
	}
}

func TestShutdownDrainsInFlightReports(t *testing.T) {
	d := New(10*time.Millisecond, nil)
	reported := make(chan struct{}, 1)
	d.SetOnDelayedReport(func(ctx context.Context, key string, e *core.TagEvent) {
		close(reported)
	})

	now := time.Now()
	_, _ = d.Admit(context.Background(), "R1:ABC", event("ABC", now), now)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.Shutdown(ctx))

	select {
	case <-reported:
	default:
		t.Fatal("shutdown did not drain pending report")
	}

	_, err := d.Admit(context.Background(), "R1:NEW", event("NEW", now), now)
	assert.ErrorIs(t, err, ErrShutdown)
}
