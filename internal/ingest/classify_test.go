package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tid is hex and case-insensitive (spec.md §3): classify must
// canonicalise it to lower-case so "ABC123" and "abc123" produce one
// dedup key and one document identity rather than two.
func TestClassifyTagInventoryLowerCasesTIDAndEPC(t *testing.T) {
	raw := []byte(`{"event_type":"tagInventory","hostname":"R1","tag":{"tid":"ABC123","epc":"DEF456","host_timestamp":"2024-01-01T10:00:00Z"}}`)

	event, isTagInventory, err := classify(raw, "rfid/R1", time.Now())
	require.NoError(t, err)
	require.True(t, isTagInventory)

	assert.Equal(t, "abc123", event.TID)
	assert.Equal(t, "def456", event.EPC)
}

// When epc is absent it falls back to tid, and must fall back to the
// already-lower-cased value rather than re-introducing mixed case.
func TestClassifyTagInventoryMissingEPCFallsBackToLowerCasedTID(t *testing.T) {
	raw := []byte(`{"event_type":"tagInventory","hostname":"R1","tag":{"tid":"ABC123","host_timestamp":"2024-01-01T10:00:00Z"}}`)

	event, isTagInventory, err := classify(raw, "rfid/R1", time.Now())
	require.NoError(t, err)
	require.True(t, isTagInventory)

	assert.Equal(t, "abc123", event.TID)
	assert.Equal(t, "abc123", event.EPC)
}
