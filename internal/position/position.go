// Package position owns the live working set of snipes and copy trades and
// drives each through pending, executed, closed or failed.
package position

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nexus-trading/heaven-engine/internal/errs"
	"github.com/nexus-trading/heaven-engine/internal/exchange"
	"github.com/nexus-trading/heaven-engine/internal/solana"
)

// State is the lifecycle state of a position.
type State int

const (
	StatePending State = iota
	StateExecuted
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateExecuted:
		return "executed"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// transitions is the complete table of legal moves.
var transitions = map[[2]State]bool{
	{StatePending, StateExecuted}: true,
	{StatePending, StateFailed}:   true,
	{StateExecuted, StateClosed}:  true,
}

// Kind is the origin of a position.
type Kind int

const (
	KindSnipe Kind = iota
	KindCopy
)

func (k Kind) String() string {
	if k == KindCopy {
		return "copy"
	}
	return "snipe"
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Close reasons.
const (
	ReasonTakeProfit     = "take_profit"
	ReasonStopLoss       = "stop_loss"
	ReasonOriginalClosed = "original_closed"
	ReasonForceClose     = "force_close"
)

// Position is one snipe or mirrored trade.
type Position struct {
	ID              string           `json:"id"`
	Kind            Kind             `json:"kind"`
	Side            exchange.Side    `json:"side"`
	Mint            solana.Pubkey    `json:"mint"`
	Strategy        string           `json:"strategy,omitempty"`
	Trader          solana.Pubkey    `json:"trader,omitempty"`
	OriginalTradeID string           `json:"original_trade_id,omitempty"`
	AmountSOL       decimal.Decimal  `json:"amount_sol"`
	TokenAmount     decimal.Decimal  `json:"token_amount"`
	QuotedPrice     decimal.Decimal  `json:"quoted_price"`
	EntryPrice      decimal.Decimal  `json:"entry_price"`
	EntryTime       time.Time        `json:"entry_time"`
	State           State            `json:"state"`
	OpenSignature   solana.Signature `json:"open_signature,omitempty"`
	CloseSignature  solana.Signature `json:"close_signature,omitempty"`
	Closing         bool             `json:"closing"`
	CloseReason     string           `json:"close_reason,omitempty"`
	CloseAmountSOL  decimal.Decimal  `json:"close_amount_sol"`
	CreatedAt       time.Time        `json:"created_at"`
	ClosedAt        *time.Time       `json:"closed_at,omitempty"`
	Error           string           `json:"error,omitempty"`
}

// transition moves p to next or fails if the table forbids it.
func (p *Position) transition(next State) error {
	if !transitions[[2]State{p.State, next}] {
		return errs.Wrap(errs.ErrInternal, "position %s: illegal transition %s -> %s", p.ID, p.State, next)
	}
	p.State = next
	return nil
}

// exitReason compares price against entry. change >= takeProfit or
// change <= -stopLoss closes.
func exitReason(side exchange.Side, entry, price, takeProfit, stopLoss decimal.Decimal) string {
	if !entry.IsPositive() || !price.IsPositive() {
		return ""
	}
	change := price.Sub(entry).Div(entry)
	up := change.GreaterThanOrEqual(takeProfit)
	down := change.LessThanOrEqual(stopLoss.Neg())
	switch {
	case !up && !down:
		return ""
	case side == exchange.SideSell && up:
		// a mirrored sell loses when the price rises
		return ReasonStopLoss
	case side == exchange.SideSell:
		return ReasonTakeProfit
	case up:
		return ReasonTakeProfit
	default:
		return ReasonStopLoss
	}
}
