package quote

import "github.com/shopspring/decimal"

// Fee tiers of the launchpad pools.
var (
	BaseFeeRate = decimal.NewFromFloat(0.0025)

	// Market cap below which the flat protocol fee applies.
	FeeTierThreshold = decimal.NewFromInt(100_000)

	lowCapProtocol    = decimal.NewFromFloat(0.01)
	creatorProtocol   = decimal.NewFromFloat(0.005)
	creatorCreator    = decimal.NewFromFloat(0.01)
	communityProtocol = decimal.NewFromFloat(0.0025)
	communityCreator  = decimal.NewFromFloat(0.001)
)

// FeeStructureFor returns the fee schedule for a token of the given
// category ("creator" or "community") and market cap.
func FeeStructureFor(category string, marketCap decimal.Decimal) FeeStructure {
	fs := FeeStructure{Base: BaseFeeRate, Protocol: decimal.Zero, Creator: decimal.Zero}
	switch {
	case marketCap.LessThan(FeeTierThreshold):
		fs.Protocol = lowCapProtocol
	case category == "creator":
		fs.Protocol = creatorProtocol
		fs.Creator = creatorCreator
	default:
		fs.Protocol = communityProtocol
		fs.Creator = communityCreator
	}
	return fs
}
