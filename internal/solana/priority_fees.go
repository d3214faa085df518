package solana

import (
	"sort"
)

// ---------------------------------------------------------------------------
// Network priority fee percentiles
// ---------------------------------------------------------------------------

// FeeSummary condenses a getRecentPrioritizationFees sample.
type FeeSummary struct {
	Latest  uint64 `json:"latest"` // fee at the most recent slot, zero included
	P50     uint64 `json:"p50"`
	P75     uint64 `json:"p75"`
	P90     uint64 `json:"p90"`
	Samples int    `json:"samples"` // non-zero entries
}

// FeeStats computes percentiles over the non-zero fees. fees must be
// ordered most recent slot first, as returned by the RPC clients.
func FeeStats(fees []PrioritizationFee) FeeSummary {
	var out FeeSummary
	if len(fees) == 0 {
		return out
	}
	out.Latest = fees[0].Fee

	values := make([]uint64, 0, len(fees))
	for _, f := range fees {
		if f.Fee > 0 {
			values = append(values, f.Fee)
		}
	}
	if len(values) == 0 {
		return out
	}

	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	out.P50 = percentile(values, 50)
	out.P75 = percentile(values, 75)
	out.P90 = percentile(values, 90)
	out.Samples = len(values)
	return out
}

// percentile computes the p-th percentile of sorted values.
func percentile(sorted []uint64, p int) uint64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := len(sorted) * p / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
