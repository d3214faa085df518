package bundler

import (
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/heaven-engine/internal/solana"
)

// priorityFee is max(base*multiplier, most recent network fee). recent must
// be ordered most recent first; an empty sample falls back to the floor.
func priorityFee(base uint64, multiplier float64, recent []solana.PrioritizationFee) uint64 {
	var floor uint64
	if multiplier > 0 {
		floor = uint64(decimal.NewFromUint64(base).Mul(decimal.NewFromFloat(multiplier)).IntPart())
	}
	if len(recent) > 0 && recent[0].Fee > floor {
		return recent[0].Fee
	}
	return floor
}
