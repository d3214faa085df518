// Package exchange is the boundary to the launchpad DEX: pool state,
// quotes, instruction handles, new listings and counterparty activity.
package exchange

import (
	"context"
	"time"

	sol "github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/heaven-engine/internal/quote"
	"github.com/nexus-trading/heaven-engine/internal/solana"
)

// Instruction is an opaque, ready to sign instruction handle.
type Instruction = sol.Instruction

// Adapter is the exchange contract consumed by the engine.
// Implementations: HTTPAdapter (indexer API), StubAdapter (testing).
type Adapter interface {
	GetPoolState(ctx context.Context, mint solana.Pubkey) (quote.Pool, error)
	GetBuyQuote(ctx context.Context, mint solana.Pubkey, solIn, maxSlippage decimal.Decimal) (quote.Quote, error)
	GetSellQuote(ctx context.Context, mint solana.Pubkey, tokensIn, maxSlippage decimal.Decimal) (quote.Quote, error)
	CreateBuyInstruction(ctx context.Context, owner, mint solana.Pubkey, solIn, minTokensOut decimal.Decimal) (Instruction, error)
	CreateSellInstruction(ctx context.Context, owner, mint solana.Pubkey, tokensIn, minSOLOut decimal.Decimal) (Instruction, error)
	ScanNewLaunches(ctx context.Context) ([]Listing, error)
	GetTraderTrades(ctx context.Context, trader solana.Pubkey) ([]TraderTrade, error)
	GetTokenPrice(ctx context.Context, mint solana.Pubkey) (decimal.Decimal, error)
	Ping(ctx context.Context) error
}

// Token categories.
const (
	CategoryCreator   = "creator"
	CategoryCommunity = "community"
)

// Listing is a newly launched token pool.
type Listing struct {
	Mint             solana.Pubkey   `json:"mint"`
	Name             string          `json:"name"`
	Symbol           string          `json:"symbol"`
	LaunchTime       time.Time       `json:"launch_time"`
	Price            decimal.Decimal `json:"price"`
	MarketCap        decimal.Decimal `json:"market_cap"`
	Liquidity        decimal.Decimal `json:"liquidity"` // SOL
	Volume24h        decimal.Decimal `json:"volume_24h"`
	Category         string          `json:"category"`
	HasFlywheel      bool            `json:"has_flywheel"`
	FlywheelActivity decimal.Decimal `json:"flywheel_activity"`
	Creator          solana.Pubkey   `json:"creator"`
}

// Side of a counterparty trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Direction maps the side onto the quote direction.
func (s Side) Direction() quote.Direction {
	if s == SideSell {
		return quote.Sell
	}
	return quote.Buy
}

// Trade statuses reported by the indexer.
const (
	TradeOpen   = "open"
	TradeClosed = "closed"
)

// TraderTrade is one trade made by a followed counterparty.
type TraderTrade struct {
	ID          string          `json:"id"`
	Trader      solana.Pubkey   `json:"trader"`
	Mint        solana.Pubkey   `json:"mint"`
	Side        Side            `json:"side"`
	SOLAmount   decimal.Decimal `json:"sol_amount"`
	TokenAmount decimal.Decimal `json:"token_amount"`
	Price       decimal.Decimal `json:"price"`
	Time        time.Time       `json:"time"`
	Status      string          `json:"status"`
}

// Closed reports whether the counterparty has exited the trade.
func (t TraderTrade) Closed() bool {
	return t.Status == TradeClosed
}
