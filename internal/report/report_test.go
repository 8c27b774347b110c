package report

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAssignsParseableRunID(t *testing.T) {
	r := New(time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC))
	_, err := ulid.Parse(r.RunID)
	require.NoError(t, err)

	other := New(time.Now())
	assert.NotEqual(t, r.RunID, other.RunID)
}

func TestEmitRoundTrips(t *testing.T) {
	start := time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC)
	r := New(start)
	r.SourceKind = "live"
	r.SourceRef = "~/Library/Messages/chat.db"
	r.Generation = "typedstream-edit"
	r.Counters.RowsScanned = 10
	r.Counters.MessagesDecoded = 8
	r.Counters.ReactionsFolded = 2
	r.Counters.Quarantined = 1
	r.Counters.Emitted = 7
	r.Finish(start.Add(3 * time.Second))

	var buf bytes.Buffer
	require.NoError(t, r.Emit(&buf))

	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, r.RunID, got["run_id"])
	assert.Equal(t, "live", got["source_kind"])
	assert.Equal(t, "typedstream-edit", got["schema_generation"])

	counters, ok := got["counters"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(10), counters["rows_scanned"])
	assert.Equal(t, float64(2), counters["reactions_folded"])
	assert.Equal(t, float64(0), counters["unresolved_relations"], "zero counters still appear")

	_, hasDegraded := got["schema_degraded"]
	assert.False(t, hasDegraded, "degraded flag omitted on clean runs")
}
