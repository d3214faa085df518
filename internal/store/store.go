// Package store persists trades, listings, copy trades, counterparties and
// bundle outcomes. Postgres, SQLite and in-memory backends share one
// contract so the engine never knows which one it is talking to.
package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nexus-trading/heaven-engine/internal/errs"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence collaborator.
type Store interface {
	RecordTrade(ctx context.Context, t Trade) error
	GetTrade(ctx context.Context, id string) (Trade, error)
	TradesByToken(ctx context.Context, mint string, limit int) ([]Trade, error)
	TotalTrades(ctx context.Context) (int64, error)
	// DailyPnL is SOL received from sells minus SOL spent on buys for
	// trades on the UTC day containing day. Failed trades are excluded.
	DailyPnL(ctx context.Context, day time.Time) (decimal.Decimal, error)

	RecordListing(ctx context.Context, l Listing) error
	RecentListings(ctx context.Context, limit int) ([]Listing, error)

	RecordCopyTrade(ctx context.Context, c CopyTrade) error

	RecordTrader(ctx context.Context, t Trader) error
	TrackedTraders(ctx context.Context) ([]Trader, error)
	GetTrader(ctx context.Context, address string) (Trader, error)

	RecordBundle(ctx context.Context, b Bundle) error
	RecordBundleResult(ctx context.Context, r BundleResult) error

	// Cleanup deletes trades and listings older than days and returns the
	// number of rows removed.
	Cleanup(ctx context.Context, days int) (int64, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Trade is one executed or attempted swap by the engine.
type Trade struct {
	ID          string          `json:"id"`
	Mint        string          `json:"mint"`
	Side        string          `json:"side"` // buy | sell
	AmountSOL   decimal.Decimal `json:"amount_sol"`
	TokenAmount decimal.Decimal `json:"token_amount"`
	Price       decimal.Decimal `json:"price"`
	Slippage    decimal.Decimal `json:"slippage"`
	Strategy    string          `json:"strategy"`
	Time        time.Time       `json:"time"`
	Status      string          `json:"status"`
	Signature   string          `json:"signature,omitempty"`
}

// Listing is a token launch observed by the scanner.
type Listing struct {
	Mint             string          `json:"mint"`
	Name             string          `json:"name"`
	Symbol           string          `json:"symbol"`
	LaunchTime       time.Time       `json:"launch_time"`
	Price            decimal.Decimal `json:"price"`
	MarketCap        decimal.Decimal `json:"market_cap"`
	Liquidity        decimal.Decimal `json:"liquidity"`
	Volume24h        decimal.Decimal `json:"volume_24h"`
	Category         string          `json:"category"`
	HasFlywheel      bool            `json:"has_flywheel"`
	FlywheelActivity decimal.Decimal `json:"flywheel_activity"`
	Creator          string          `json:"creator,omitempty"`
}

// CopyTrade is a mirrored counterparty trade.
type CopyTrade struct {
	ID              string          `json:"id"`
	OriginalTradeID string          `json:"original_trade_id"`
	Trader          string          `json:"trader"`
	TraderName      string          `json:"trader_name"`
	Mint            string          `json:"mint"`
	Side            string          `json:"side"`
	AmountSOL       decimal.Decimal `json:"amount_sol"`
	TokenAmount     decimal.Decimal `json:"token_amount"`
	Price           decimal.Decimal `json:"price"`
	Slippage        decimal.Decimal `json:"slippage"`
	Time            time.Time       `json:"time"`
	Status          string          `json:"status"`
	Signature       string          `json:"signature,omitempty"`
}

// Trader is a counterparty with its track record.
type Trader struct {
	Address          string          `json:"address"`
	Name             string          `json:"name"`
	TotalTrades      int64           `json:"total_trades"`
	SuccessfulTrades int64           `json:"successful_trades"`
	TotalProfit      decimal.Decimal `json:"total_profit"`
	WinRate          decimal.Decimal `json:"win_rate"`
	AverageProfit    decimal.Decimal `json:"average_profit"`
	TotalVolume      decimal.Decimal `json:"total_volume"`
	LastTradeTime    time.Time       `json:"last_trade_time"`
	Verified         bool            `json:"verified"`
	RiskScore        decimal.Decimal `json:"risk_score"`
}

// Bundle is the persisted header of a transaction bundle.
type Bundle struct {
	ID          string    `json:"id"`
	TxCount     int       `json:"tx_count"`
	CreatedAt   time.Time `json:"created_at"`
	TargetBlock *uint64   `json:"target_block,omitempty"`
	PriorityFee uint64    `json:"priority_fee"`
	Status      string    `json:"status"`
	Signature   string    `json:"signature,omitempty"`
}

// BundleResult is the terminal outcome of a bundle.
type BundleResult struct {
	BundleID    string     `json:"bundle_id"`
	Signature   string     `json:"signature"`
	Success     bool       `json:"success"`
	Error       string     `json:"error,omitempty"`
	SubmittedAt time.Time  `json:"submitted_at"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
	TxCount     int        `json:"tx_count"`
	PriorityFee uint64     `json:"priority_fee"`
}

// Stats are row counts per table.
type Stats struct {
	Trades        int64 `json:"trades"`
	Listings      int64 `json:"listings"`
	CopyTrades    int64 `json:"copy_trades"`
	Traders       int64 `json:"traders"`
	Bundles       int64 `json:"bundles"`
	BundleResults int64 `json:"bundle_results"`
}

// Open returns the backend selected by the URL scheme:
//
//	memory:               in-process maps
//	sqlite:<path>         SQLite file (sqlite://<path> also accepted)
//	postgres://...        PostgreSQL via pgx
func Open(ctx context.Context, url string) (Store, error) {
	switch {
	case url == "" || strings.HasPrefix(url, "memory:"):
		return NewMemoryStore(), nil
	case strings.HasPrefix(url, "sqlite:"):
		path := strings.TrimPrefix(strings.TrimPrefix(url, "sqlite:"), "//")
		s, err := OpenSQLite(ctx, path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		s, err := OpenPostgres(ctx, url)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, errs.Wrap(errs.ErrConfig, "store: unsupported database url %q", url)
	}
}

// dayBounds returns [start, end) of the UTC day containing t.
func dayBounds(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.Add(24 * time.Hour)
}

func sortByProfit(traders []Trader) {
	sort.SliceStable(traders, func(i, j int) bool {
		return traders[i].TotalProfit.GreaterThan(traders[j].TotalProfit)
	})
}

func dbErr(err error, op string) error {
	if err == nil {
		return nil
	}
	return errs.WrapErr(errs.ErrDatabase, err, op)
}
