package scanner

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/nexus-trading/heaven-engine/internal/errs"
	"github.com/nexus-trading/heaven-engine/internal/exchange"
)

// Strategy is one launch selection rule.
type Strategy int

const (
	CreatorToken Strategy = iota
	CommunityToken
	HighVolume
	LowMarketCap
	FlywheelActive
)

// AllStrategies in evaluation order.
var AllStrategies = []Strategy{CreatorToken, CommunityToken, HighVolume, LowMarketCap, FlywheelActive}

func (s Strategy) String() string {
	switch s {
	case CreatorToken:
		return "creator_token"
	case CommunityToken:
		return "community_token"
	case HighVolume:
		return "high_volume"
	case LowMarketCap:
		return "low_market_cap"
	case FlywheelActive:
		return "flywheel_active"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

func (s Strategy) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseStrategy maps a config name onto a Strategy.
func ParseStrategy(name string) (Strategy, error) {
	for _, s := range AllStrategies {
		if s.String() == name {
			return s, nil
		}
	}
	return 0, errs.Wrap(errs.ErrConfig, "unknown sniper strategy %q", name)
}

var (
	lowMarketCapCeiling = decimal.NewFromInt(10_000)
	riskyMarketCap      = decimal.NewFromInt(1_000)
	highVolumeFactor    = decimal.NewFromInt(10)
	halfRisk            = decimal.NewFromFloat(0.5)
)

// matches applies the strategy's own rule. Common filters run first.
func (s Strategy) matches(l exchange.Listing, volumeThreshold decimal.Decimal) bool {
	switch s {
	case CreatorToken:
		return l.Category == exchange.CategoryCreator && l.HasFlywheel
	case CommunityToken:
		return l.Category == exchange.CategoryCommunity
	case HighVolume:
		return l.Volume24h.GreaterThan(volumeThreshold.Mul(highVolumeFactor))
	case LowMarketCap:
		return l.MarketCap.LessThan(lowMarketCapCeiling)
	case FlywheelActive:
		return l.HasFlywheel && l.FlywheelActivity.IsPositive()
	default:
		return false
	}
}

// multiplier scales max_sol_per_trade for a match.
func (s Strategy) multiplier() decimal.Decimal {
	switch s {
	case CreatorToken:
		return decimal.NewFromFloat(1.0)
	case CommunityToken:
		return decimal.NewFromFloat(0.7)
	case HighVolume:
		return decimal.NewFromFloat(1.2)
	case LowMarketCap:
		return decimal.NewFromFloat(0.8)
	case FlywheelActive:
		return decimal.NewFromFloat(1.1)
	default:
		return decimal.Zero
	}
}

// positionSize is min(max × multiplier × risk, max). Tokens under 1000
// market cap get half size.
func positionSize(s Strategy, maxSOL, marketCap decimal.Decimal) decimal.Decimal {
	amount := maxSOL.Mul(s.multiplier())
	if marketCap.LessThan(riskyMarketCap) {
		amount = amount.Mul(halfRisk)
	}
	return decimal.Min(amount, maxSOL)
}
