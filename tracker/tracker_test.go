package tracker

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openhedge/desk/events"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	tr, err := New(filepath.Join(t.TempDir(), "performance.json"))
	require.NoError(t, err)
	return tr
}

func fill(realized float64, strategies ...events.Attribution) events.Fill {
	return events.Fill{
		ProposalID:  "p1",
		Symbol:      "SPY",
		Price:       100,
		Quantity:    10,
		RealizedPNL: realized,
		Strategies:  strategies,
	}
}

func TestRecordFillFirstFillHasZeroDelta(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(t)
	require.NoError(t, tr.RecordFill(fill(500, events.Attribution{Strategy: "momentum", Confidence: 0.8})))

	stats := tr.Snapshot()["momentum"]
	assert.Equal(t, 1, stats.Trades)
	assert.Equal(t, 0, stats.Wins)
	assert.Equal(t, 0, stats.Losses)
	assert.Equal(t, 0.0, stats.RealizedPNL)
	assert.InDelta(t, 0.8, stats.AvgConfidence, 1e-9)
}

func TestRecordFillSplitsPNLDelta(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(t)
	attrs := []events.Attribution{
		{Strategy: "momentum", Confidence: 0.8},
		{Strategy: "value", Confidence: 0.6},
	}
	require.NoError(t, tr.RecordFill(fill(0, attrs...)))
	require.NoError(t, tr.RecordFill(fill(100, attrs...)))

	snap := tr.Snapshot()
	assert.InDelta(t, 50.0, snap["momentum"].RealizedPNL, 1e-9)
	assert.InDelta(t, 50.0, snap["value"].RealizedPNL, 1e-9)
	assert.Equal(t, 1, snap["momentum"].Wins)
	assert.Equal(t, 2, snap["momentum"].Trades)
}

func TestRecordFillLossesCounted(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(t)
	attr := events.Attribution{Strategy: "macro", Confidence: 0.5}
	require.NoError(t, tr.RecordFill(fill(0, attr)))
	require.NoError(t, tr.RecordFill(fill(-200, attr)))

	stats := tr.Snapshot()["macro"]
	assert.Equal(t, 1, stats.Losses)
	assert.InDelta(t, -200.0, stats.RealizedPNL, 1e-9)
}

func TestRecordFillNoStrategiesIsNoop(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(t)
	require.NoError(t, tr.RecordFill(fill(100)))
	assert.Empty(t, tr.Snapshot())
}

func TestApplyFeedbackClampsWeight(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(t)
	require.NoError(t, tr.ApplyFeedback("momentum", 5.0, "great call"))
	assert.Equal(t, MaxWeight, tr.Weights()["momentum"])

	require.NoError(t, tr.ApplyFeedback("momentum", -10.0, "bad call"))
	stats := tr.Snapshot()["momentum"]
	assert.Equal(t, MinWeight, stats.Weight)
	assert.Equal(t, 1, stats.Penalties)
}

func TestWeightsStayInBounds(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(t)
	attr := events.Attribution{Strategy: "momentum", Confidence: 1.0}
	require.NoError(t, tr.RecordFill(fill(0, attr)))
	for i := 0; i < 50; i++ {
		require.NoError(t, tr.RecordFill(fill(float64((i+1)*1000), attr)))
	}

	w := tr.Weights()["momentum"]
	assert.GreaterOrEqual(t, w, MinWeight)
	assert.LessOrEqual(t, w, MaxWeight)
}

func TestPersistAndReload(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "performance.json")
	tr, err := New(path)
	require.NoError(t, err)
	require.NoError(t, tr.ApplyFeedback("value", 0.3, "test"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Contains(t, raw, "strategies")
	assert.Contains(t, raw, "last_realized_pnl")

	reloaded, err := New(path)
	require.NoError(t, err)
	assert.InDelta(t, 1.3, reloaded.Weights()["value"], 1e-9)
}
