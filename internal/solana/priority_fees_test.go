package solana

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPercentile(t *testing.T) {
	values := []uint64{100, 200, 300, 400, 500, 600, 700, 800, 900, 1000}

	assert.Equal(t, uint64(600), percentile(values, 50))
	assert.Equal(t, uint64(800), percentile(values, 75))
	assert.Equal(t, uint64(1000), percentile(values, 90))
	assert.Equal(t, uint64(0), percentile(nil, 50))
	assert.Equal(t, uint64(100), percentile([]uint64{100}, 50))
}

func TestFeeStats(t *testing.T) {
	fees := []PrioritizationFee{
		{Slot: 110, Fee: 0},
		{Slot: 109, Fee: 400},
		{Slot: 108, Fee: 100},
		{Slot: 107, Fee: 300},
		{Slot: 106, Fee: 200},
	}

	stats := FeeStats(fees)
	assert.Equal(t, uint64(0), stats.Latest)
	assert.Equal(t, 4, stats.Samples)
	assert.Equal(t, uint64(300), stats.P50)
	assert.Equal(t, uint64(400), stats.P75)
	assert.Equal(t, uint64(400), stats.P90)
}

func TestFeeStats_Empty(t *testing.T) {
	assert.Equal(t, FeeSummary{}, FeeStats(nil))
	assert.Equal(t, FeeSummary{}, FeeStats([]PrioritizationFee{{Slot: 1, Fee: 0}}))
}
