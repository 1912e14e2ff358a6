package ingest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rfidops/ingestpipe/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDedup struct {
	mu      sync.Mutex
	results []bool
	calls   int
}

func (f *fakeDedup) Admit(ctx context.Context, key string, event *core.TagEvent, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	f.calls++
	if idx < len(f.results) {
		return f.results[idx], nil
	}
	return true, nil
}

type identityResolver struct{}

func (identityResolver) Resolve(hostname string) string { return hostname }

type fakeQueue struct {
	mu       sync.Mutex
	enqueued []string
	accept   bool
}

func newFakeQueue() *fakeQueue { return &fakeQueue{accept: true} }

func (f *fakeQueue) Enqueue(ctx context.Context, target string, payload []byte) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.accept {
		return false, nil
	}
	f.enqueued = append(f.enqueued, string(payload))
	return true, nil
}

func (f *fakeQueue) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.enqueued)
}

type fakeSnapshot struct {
	cfg core.LocationConfig
}

func (f fakeSnapshot) Current() core.LocationConfig { return f.cfg }

func tagInventoryPayload(tid, hostname, ts string) []byte {
	body := map[string]any{
		"event_type": "tagInventory",
		"hostname":   hostname,
		"tag": map[string]any{
			"tid":            tid,
			"host_timestamp": ts,
		},
	}
	b, _ := json.Marshal(body)
	return b
}

// S1 — first detection: one staged item, no suppression.
func TestS1FirstDetectionStagesImmediately(t *testing.T) {
	dedup := &fakeDedup{results: []bool{true}}
	queue := newFakeQueue()
	snapshot := fakeSnapshot{cfg: core.LocationConfig{Deduplicate: true, DeduplicateIntervalMinutes: 1, Reporting: true}}

	ig := New(Config{ProcessContext: core.ProcessContext{CompanyID: "co1", Location: "loc1"}}, dedup, identityResolver{}, queue, snapshot, nil)

	payload := tagInventoryPayload("ABC123", "R1", "2024-01-01T10:00:00Z")
	require.NoError(t, ig.Process(context.Background(), "rfid/R1", payload, time.Now()))

	assert.Equal(t, 1, queue.count())
}

// S4 — reporting disabled, dedup on: zero immediate enqueues.
func TestS4ReportingDisabledNoImmediateEnqueue(t *testing.T) {
	dedup := &fakeDedup{results: []bool{true}}
	queue := newFakeQueue()
	snapshot := fakeSnapshot{cfg: core.LocationConfig{Deduplicate: true, DeduplicateIntervalMinutes: 1, Reporting: false}}

	ig := New(Config{}, dedup, identityResolver{}, queue, snapshot, nil)

	payload := tagInventoryPayload("ABC123", "R1", "2024-01-01T10:00:00Z")
	require.NoError(t, ig.Process(context.Background(), "rfid/R1", payload, time.Now()))

	assert.Equal(t, 0, queue.count())
}

// Dedup disabled: every event yields an immediate enqueue, no dedup
// call at all (invariant 3 from spec.md §8).
func TestDeduplicationDisabledAlwaysEnqueues(t *testing.T) {
	dedup := &fakeDedup{}
	queue := newFakeQueue()
	snapshot := fakeSnapshot{cfg: core.LocationConfig{Deduplicate: false, Reporting: true}}

	ig := New(Config{}, dedup, identityResolver{}, queue, snapshot, nil)

	for i := 0; i < 3; i++ {
		payload := tagInventoryPayload("ABC123", "R1", "2024-01-01T10:00:00Z")
		require.NoError(t, ig.Process(context.Background(), "rfid/R1", payload, time.Now()))
	}

	assert.Equal(t, 3, queue.count())
	assert.Equal(t, 0, dedup.calls)
}

// Missing tid drops the message and never touches the queue.
func TestMissingTIDDropsMessage(t *testing.T) {
	dedup := &fakeDedup{}
	queue := newFakeQueue()
	snapshot := fakeSnapshot{cfg: core.LocationConfig{Deduplicate: true, Reporting: true}}
	ig := New(Config{}, dedup, identityResolver{}, queue, snapshot, nil)

	payload := []byte(`{"event_type":"tagInventory","hostname":"R1","tag":{}}`)
	err := ig.Process(context.Background(), "rfid/R1", payload, time.Now())

	require.Error(t, err)
	assert.Equal(t, 0, queue.count())
}

// Hostname absent substitutes the documented placeholder rather than
// dropping the message.
func TestHostnameAbsentSubstitutesPlaceholder(t *testing.T) {
	dedup := &fakeDedup{results: []bool{true}}
	queue := newFakeQueue()
	snapshot := fakeSnapshot{cfg: core.LocationConfig{Deduplicate: true, Reporting: true}}
	ig := New(Config{}, dedup, identityResolver{}, queue, snapshot, nil)

	payload := []byte(`{"event_type":"tagInventory","tag":{"tid":"ABC123","host_timestamp":"2024-01-01T10:00:00Z"}}`)
	require.NoError(t, ig.Process(context.Background(), "rfid/R1", payload, time.Now()))

	require.Equal(t, 1, queue.count())
	var doc core.TagDocument
	require.NoError(t, json.Unmarshal([]byte(queue.enqueued[0]), &doc))
	assert.Equal(t, core.NoHostPlaceholder, doc.Hostname)
}

// Antenna absent defaults to port 1 / name "1".
func TestAntennaAbsentDefaultsToPortOne(t *testing.T) {
	dedup := &fakeDedup{results: []bool{true}}
	queue := newFakeQueue()
	snapshot := fakeSnapshot{cfg: core.LocationConfig{Deduplicate: true, Reporting: true}}
	ig := New(Config{}, dedup, identityResolver{}, queue, snapshot, nil)

	payload := tagInventoryPayload("ABC123", "R1", "2024-01-01T10:00:00Z")
	require.NoError(t, ig.Process(context.Background(), "rfid/R1", payload, time.Now()))

	var doc core.TagDocument
	require.NoError(t, json.Unmarshal([]byte(queue.enqueued[0]), &doc))
	assert.Equal(t, 1, doc.AntennaPort)
	assert.Equal(t, "1", doc.AntennaName)
}

// A generic (non-tagInventory) message never touches the Deduplicator
// and is staged unconditionally.
func TestGenericMessageBypassesDedup(t *testing.T) {
	dedup := &fakeDedup{}
	queue := newFakeQueue()
	snapshot := fakeSnapshot{cfg: core.LocationConfig{Deduplicate: true, Reporting: true}}
	ig := New(Config{}, dedup, identityResolver{}, queue, snapshot, nil)

	payload := []byte(`{"event_type":"heartbeat","hostname":"R1","status":"ok"}`)
	require.NoError(t, ig.Process(context.Background(), "rfid/R1", payload, time.Now()))

	assert.Equal(t, 1, queue.count())
	assert.Equal(t, 0, dedup.calls)
}

// The delayed-report callback stages unconditionally with respect to
// the reporting flag captured when it fires (spec.md §4.E).
func TestOnDelayedReportStagesRegardlessOfCurrentReportingFlag(t *testing.T) {
	queue := newFakeQueue()
	ig := New(Config{}, &fakeDedup{}, identityResolver{}, queue, fakeSnapshot{}, nil)

	event := &core.TagEvent{TID: "ABC123", Hostname: "R1", HostTimestamp: time.Now(), Topic: "rfid/R1"}
	ig.OnDelayedReport(context.Background(), "R1:ABC123", event)

	assert.Equal(t, 1, queue.count())
}
