package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySinkSummaryForRange(t *testing.T) {
	sink := NewMemorySink()
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	sink.now = func() time.Time { return base }

	sink.LogUsage("web", "cli", "gpt-4o", 10, 5, 15, 0.002, "openai")

	// Simulate an entry from 2 days ago — should drop out of the daily
	// window but still count toward weekly/monthly.
	sink.entries[0].Time = base.Add(-48 * time.Hour)
	sink.LogUsage("web", "cli", "gpt-4o", 20, 10, 30, 0.004, "openai")

	daily, err := sink.SummaryForRange(RangeDaily)
	require.NoError(t, err)
	assert.Equal(t, int64(1), daily.Requests)
	assert.Equal(t, int64(30), daily.Tokens)

	weekly, err := sink.SummaryForRange(RangeWeekly)
	require.NoError(t, err)
	assert.Equal(t, int64(2), weekly.Requests)
	assert.Equal(t, int64(45), weekly.Tokens)
	assert.InDelta(t, 0.006, weekly.CostUSD, 1e-9)
}

func TestMemorySinkUnknownRange(t *testing.T) {
	sink := NewMemorySink()
	_, err := sink.SummaryForRange("yearly")
	assert.Error(t, err)
}
