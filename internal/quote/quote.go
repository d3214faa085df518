// Package quote implements constant-product AMM pricing with the pool's
// layered fee schedule. Everything here is a pure function of its inputs.
package quote

import (
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/heaven-engine/internal/errs"
)

// Direction is the side of a swap against the SOL-quoted pool.
type Direction int

const (
	Buy  Direction = iota // SOL in, tokens out
	Sell                  // tokens in, SOL out
)

func (d Direction) String() string {
	switch d {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return "unknown"
	}
}

// FeeStructure is the fee schedule of a pool, each component a fraction.
type FeeStructure struct {
	Base     decimal.Decimal `json:"base"`
	Protocol decimal.Decimal `json:"protocol"`
	Creator  decimal.Decimal `json:"creator"`
}

// Total is the rate charged on a swap.
func (f FeeStructure) Total() decimal.Decimal {
	return f.Base.Add(f.Protocol).Add(f.Creator)
}

// Pool is a snapshot of pool reserves. BaseReserve is the token side,
// QuoteReserve the SOL side.
type Pool struct {
	BaseReserve  decimal.Decimal `json:"base_reserve"`
	QuoteReserve decimal.Decimal `json:"quote_reserve"`
	Fees         FeeStructure    `json:"fees"`
}

// SpotPrice is SOL per token at the current reserves.
func (p Pool) SpotPrice() (decimal.Decimal, error) {
	if !p.BaseReserve.IsPositive() || !p.QuoteReserve.IsPositive() {
		return decimal.Zero, errs.InvalidQuote("insufficient liquidity for price")
	}
	return p.QuoteReserve.Div(p.BaseReserve), nil
}

// Quote is the priced result of a prospective swap.
type Quote struct {
	Direction    Direction       `json:"direction"`
	AmountIn     decimal.Decimal `json:"amount_in"`
	AmountOut    decimal.Decimal `json:"amount_out"`
	MinAmountOut decimal.Decimal `json:"min_amount_out"`
	Price        decimal.Decimal `json:"price"` // SOL per token
	Slippage     decimal.Decimal `json:"slippage"`
	Fee          decimal.Decimal `json:"fee"` // in the side the fee was charged on
	FeePct       decimal.Decimal `json:"fee_pct"`
}

var one = decimal.NewFromInt(1)

// Compute prices a swap of amountIn against pool. Buys take the fee from
// the SOL input before the swap, sells take it from the SOL output.
func Compute(pool Pool, dir Direction, amountIn, maxSlippage decimal.Decimal) (Quote, error) {
	if !pool.BaseReserve.IsPositive() || !pool.QuoteReserve.IsPositive() {
		return Quote{}, errs.InvalidQuote("pool reserves must be positive (base=%s quote=%s)", pool.BaseReserve, pool.QuoteReserve)
	}
	if !amountIn.IsPositive() {
		return Quote{}, errs.InvalidQuote("amount must be positive, got %s", amountIn)
	}
	rate := pool.Fees.Total()
	if rate.IsNegative() || rate.GreaterThanOrEqual(one) {
		return Quote{}, errs.InvalidQuote("fee rate %s outside [0,1)", rate)
	}
	if maxSlippage.IsNegative() || maxSlippage.GreaterThanOrEqual(one) {
		return Quote{}, errs.InvalidQuote("slippage %s outside [0,1)", maxSlippage)
	}

	var out, fee, price decimal.Decimal
	switch dir {
	case Buy:
		rIn, rOut := pool.QuoteReserve, pool.BaseReserve
		fee = amountIn.Mul(rate)
		net := amountIn.Sub(fee)
		out = rOut.Mul(net).Div(rIn.Add(net))
	case Sell:
		rIn, rOut := pool.BaseReserve, pool.QuoteReserve
		gross := rOut.Mul(amountIn).Div(rIn.Add(amountIn))
		fee = gross.Mul(rate)
		out = gross.Sub(fee)
	default:
		return Quote{}, errs.InvalidQuote("unknown direction %d", dir)
	}

	if !out.IsPositive() {
		return Quote{}, errs.InvalidQuote("computed output %s is not positive", out)
	}

	if dir == Buy {
		price = amountIn.Div(out)
	} else {
		price = out.Div(amountIn)
	}

	return Quote{
		Direction:    dir,
		AmountIn:     amountIn,
		AmountOut:    out,
		MinAmountOut: out.Mul(one.Sub(maxSlippage)),
		Price:        price,
		Slippage:     maxSlippage,
		Fee:          fee,
		FeePct:       rate,
	}, nil
}

// CheckSlippage fails when an executed output falls below the quote's
// minimum.
func CheckSlippage(q Quote, actualOut decimal.Decimal) error {
	if actualOut.LessThan(q.MinAmountOut) {
		return errs.Wrap(errs.ErrSlippageExceeded, "got %s, minimum %s", actualOut, q.MinAmountOut)
	}
	return nil
}
