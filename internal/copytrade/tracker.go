// Package copytrade follows profitable counterparties and mirrors their
// new trades through the position manager.
package copytrade

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/heaven-engine/internal/config"
	"github.com/nexus-trading/heaven-engine/internal/errs"
	"github.com/nexus-trading/heaven-engine/internal/exchange"
	"github.com/nexus-trading/heaven-engine/internal/observability"
	"github.com/nexus-trading/heaven-engine/internal/position"
	"github.com/nexus-trading/heaven-engine/internal/solana"
	"github.com/nexus-trading/heaven-engine/internal/store"
)

// minTrackedTrades is the track record a counterparty needs before it is
// followed.
const minTrackedTrades = 10

// seenTTL bounds how long a handled trade id is remembered.
const seenTTL = 24 * time.Hour

// Config configures counterparty selection and copy sizing.
type Config struct {
	MaxSOLPerTrade   decimal.Decimal
	CopyPercentage   decimal.Decimal
	MaxTraders       int // cap on concurrently mirrored trades
	MinTraderBalance decimal.Decimal
	MinTraderProfit  decimal.Decimal // minimum win rate
	Slippage         decimal.Decimal
	Blacklist        []solana.Pubkey
	Whitelist        []solana.Pubkey
}

// ConfigFrom converts the copy_trader section of the engine config.
func ConfigFrom(c config.CopyTraderConfig) Config {
	out := Config{
		MaxSOLPerTrade:   decimal.NewFromFloat(c.MaxSOLPerTrade),
		CopyPercentage:   decimal.NewFromFloat(c.CopyPercentage),
		MaxTraders:       c.MaxTraders,
		MinTraderBalance: decimal.NewFromFloat(c.MinTraderBalance),
		MinTraderProfit:  decimal.NewFromFloat(c.MinTraderProfit),
	}
	for _, a := range c.BlacklistedTraders {
		out.Blacklist = append(out.Blacklist, solana.Pubkey(a))
	}
	for _, a := range c.WhitelistedTraders {
		out.Whitelist = append(out.Whitelist, solana.Pubkey(a))
	}
	return out
}

// Mirror opens copy positions. Implemented by position.Manager.
type Mirror interface {
	OpenCopy(ctx context.Context, t exchange.TraderTrade, amount decimal.Decimal) (position.Position, error)
	HasOriginal(tradeID string) bool
	ActiveCount(kind position.Kind) int
}

// Tracker holds the followed counterparties.
type Tracker struct {
	cfg       Config
	adapter   exchange.Adapter
	rpc       solana.RPCClient
	wallet    solana.Pubkey
	mirror    Mirror
	store     store.Store
	sink      *observability.Sink
	blacklist map[solana.Pubkey]bool
	whitelist map[solana.Pubkey]bool
	now       func() time.Time

	mu      sync.RWMutex
	traders map[solana.Pubkey]store.Trader
	seen    map[string]time.Time
	primed  map[solana.Pubkey]bool

	copied  atomic.Int64
	failed  atomic.Int64
	skipped atomic.Int64
}

func NewTracker(cfg Config, adapter exchange.Adapter, rpc solana.RPCClient, wallet solana.Pubkey, mirror Mirror) *Tracker {
	t := &Tracker{
		cfg:       cfg,
		adapter:   adapter,
		rpc:       rpc,
		wallet:    wallet,
		mirror:    mirror,
		blacklist: make(map[solana.Pubkey]bool, len(cfg.Blacklist)),
		whitelist: make(map[solana.Pubkey]bool, len(cfg.Whitelist)),
		now:       time.Now,
		traders:   make(map[solana.Pubkey]store.Trader),
		seen:      make(map[string]time.Time),
		primed:    make(map[solana.Pubkey]bool),
	}
	for _, a := range cfg.Blacklist {
		t.blacklist[a] = true
	}
	for _, a := range cfg.Whitelist {
		t.whitelist[a] = true
	}
	return t
}

func (t *Tracker) SetStore(s store.Store)        { t.store = s }
func (t *Tracker) SetSink(s *observability.Sink) { t.sink = s }

// ShouldTrack applies the lists and the track record thresholds.
func (t *Tracker) ShouldTrack(tr store.Trader) bool {
	addr := solana.Pubkey(tr.Address)
	switch {
	case len(t.whitelist) > 0 && !t.whitelist[addr]:
		return false
	case t.blacklist[addr]:
		return false
	}
	return tr.TotalTrades >= minTrackedTrades &&
		tr.WinRate.GreaterThanOrEqual(t.cfg.MinTraderProfit) &&
		tr.TotalVolume.GreaterThanOrEqual(t.cfg.MinTraderBalance)
}

// Init loads the counterparties known to the store and follows those that
// qualify.
func (t *Tracker) Init(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	traders, err := t.store.TrackedTraders(ctx)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, tr := range traders {
		if !t.ShouldTrack(tr) {
			continue
		}
		t.traders[solana.Pubkey(tr.Address)] = tr
		log.Info().
			Str("trader", tr.Address).
			Str("name", tr.Name).
			Int64("total_trades", tr.TotalTrades).
			Str("win_rate", tr.WinRate.String()).
			Msg("copytrade: tracking trader")
	}
	log.Info().Int("tracked", len(t.traders)).Int("known", len(traders)).Msg("copytrade: traders loaded")
	return nil
}

// AddTrader follows tr if it qualifies and persists it.
func (t *Tracker) AddTrader(ctx context.Context, tr store.Trader) error {
	if _, err := solana.ParsePubkey(tr.Address); err != nil {
		return err
	}
	if !t.ShouldTrack(tr) {
		return errs.Validation("trader %s does not meet the tracking thresholds", tr.Address)
	}
	if t.store != nil {
		if err := t.store.RecordTrader(ctx, tr); err != nil {
			return err
		}
	}
	t.mu.Lock()
	t.traders[solana.Pubkey(tr.Address)] = tr
	t.mu.Unlock()
	log.Info().Str("trader", tr.Address).Str("name", tr.Name).Msg("copytrade: trader added")
	return nil
}

// RemoveTrader stops following address. Live mirrors keep running.
func (t *Tracker) RemoveTrader(address solana.Pubkey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.traders[address]; !ok {
		return false
	}
	delete(t.traders, address)
	delete(t.primed, address)
	log.Info().Str("trader", string(address)).Msg("copytrade: trader removed")
	return true
}

// Traders returns the followed counterparties, most profitable first.
func (t *Tracker) Traders() []store.Trader {
	t.mu.RLock()
	out := make([]store.Trader, 0, len(t.traders))
	for _, tr := range t.traders {
		out = append(out, tr)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].TotalProfit.Equal(out[j].TotalProfit) {
			return out[i].TotalProfit.GreaterThan(out[j].TotalProfit)
		}
		return out[i].Address < out[j].Address
	})
	return out
}

// Tick refreshes trader performance, fetches each trader's recent trades
// and mirrors the new ones. A trade is new when it is open, not already
// mirrored and not seen before. The first fetch for a trader only records
// a baseline: trades that predate tracking are never copied.
func (t *Tracker) Tick(ctx context.Context) {
	t.refreshPerformance(ctx)
	t.evictSeen()

	for _, tr := range t.Traders() {
		if ctx.Err() != nil {
			return
		}
		addr := solana.Pubkey(tr.Address)
		trades, err := t.adapter.GetTraderTrades(ctx, addr)
		if err != nil {
			t.sink.Error("copytrade", err)
			log.Warn().Err(err).Str("trader", tr.Address).Msg("copytrade: fetch trades failed")
			continue
		}
		sort.SliceStable(trades, func(i, j int) bool { return trades[i].Time.Before(trades[j].Time) })

		// history that predates following the trader is not copied
		if t.prime(addr, trades) {
			continue
		}
		for _, trade := range trades {
			if !t.isNew(trade) {
				continue
			}
			t.markSeen(trade.ID)
			t.copy(ctx, tr, trade)
		}
	}
}

// prime marks every trade seen on the first fetch for a trader and
// reports whether it did so.
func (t *Tracker) prime(addr solana.Pubkey, trades []exchange.TraderTrade) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.primed[addr] {
		return false
	}
	t.primed[addr] = true
	now := t.now()
	for _, tr := range trades {
		t.seen[tr.ID] = now
	}
	log.Debug().Str("trader", string(addr)).Int("trades", len(trades)).Msg("copytrade: baseline recorded")
	return true
}

func (t *Tracker) isNew(trade exchange.TraderTrade) bool {
	if trade.Closed() || t.mirror.HasOriginal(trade.ID) {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, seen := t.seen[trade.ID]
	return !seen
}

func (t *Tracker) markSeen(id string) {
	t.mu.Lock()
	t.seen[id] = t.now()
	t.mu.Unlock()
}

func (t *Tracker) evictSeen() {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, at := range t.seen {
		if now.Sub(at) > seenTTL {
			delete(t.seen, id)
		}
	}
}

// CopyAmount is amount × copy_percentage, capped at max_sol_per_trade.
func (t *Tracker) CopyAmount(original decimal.Decimal) decimal.Decimal {
	amount := original.Mul(t.cfg.CopyPercentage)
	if t.cfg.MaxSOLPerTrade.IsPositive() {
		amount = decimal.Min(amount, t.cfg.MaxSOLPerTrade)
	}
	return amount
}

// eligible runs the capacity, balance and holding checks.
func (t *Tracker) eligible(ctx context.Context, trade exchange.TraderTrade, amount decimal.Decimal) (bool, string) {
	if t.cfg.MaxTraders > 0 && t.mirror.ActiveCount(position.KindCopy) >= t.cfg.MaxTraders {
		return false, "max copies reached"
	}
	if !amount.IsPositive() {
		return false, "copy amount is zero"
	}
	balance, err := t.rpc.GetBalance(ctx, t.wallet)
	if err != nil {
		return false, "balance unavailable: " + err.Error()
	}
	if balance.LessThan(amount) {
		return false, "insufficient SOL balance"
	}
	if trade.Side == exchange.SideSell {
		held, err := t.rpc.GetTokenBalance(ctx, t.wallet, trade.Mint)
		if err != nil {
			return false, "token balance unavailable: " + err.Error()
		}
		if !held.IsPositive() {
			return false, "no tokens to sell"
		}
	}
	return true, ""
}

func (t *Tracker) copy(ctx context.Context, tr store.Trader, trade exchange.TraderTrade) {
	amount := t.CopyAmount(trade.SOLAmount)
	if ok, reason := t.eligible(ctx, trade, amount); !ok {
		t.skipped.Add(1)
		log.Debug().
			Str("trader", tr.Address).
			Str("trade_id", trade.ID).
			Str("reason", reason).
			Msg("copytrade: trade skipped")
		return
	}

	log.Info().
		Str("trader", tr.Address).
		Str("name", tr.Name).
		Str("trade_id", trade.ID).
		Str("mint", string(trade.Mint)).
		Str("side", string(trade.Side)).
		Str("original_sol", trade.SOLAmount.String()).
		Str("copy_sol", amount.String()).
		Msg("copytrade: COPYING TRADE")

	p, err := t.mirror.OpenCopy(ctx, trade, amount)
	status := p.State.String()
	if err != nil {
		t.failed.Add(1)
		t.sink.Error("copytrade", err)
		log.Warn().Err(err).Str("trade_id", trade.ID).Msg("copytrade: copy failed")
		if p.ID == "" {
			return
		}
		status = position.StateFailed.String()
	} else {
		t.copied.Add(1)
	}
	t.record(ctx, tr, trade, p, status)
}

func (t *Tracker) record(ctx context.Context, tr store.Trader, trade exchange.TraderTrade, p position.Position, status string) {
	if t.store == nil {
		return
	}
	err := t.store.RecordCopyTrade(ctx, store.CopyTrade{
		ID:              p.ID,
		OriginalTradeID: trade.ID,
		Trader:          tr.Address,
		TraderName:      tr.Name,
		Mint:            string(trade.Mint),
		Side:            string(trade.Side),
		AmountSOL:       p.AmountSOL,
		TokenAmount:     p.TokenAmount,
		Price:           p.QuotedPrice,
		Slippage:        t.cfg.Slippage,
		Time:            t.now(),
		Status:          status,
		Signature:       string(p.OpenSignature),
	})
	if err != nil {
		log.Warn().Err(err).Str("trade_id", trade.ID).Msg("copytrade: persist copy trade failed")
	}
}

// refreshPerformance reloads each followed trader's record from the store
// and drops those that no longer qualify.
func (t *Tracker) refreshPerformance(ctx context.Context) {
	if t.store == nil {
		return
	}
	for _, tr := range t.Traders() {
		fresh, err := t.store.GetTrader(ctx, tr.Address)
		if err != nil {
			continue
		}
		t.mu.Lock()
		if _, still := t.traders[solana.Pubkey(tr.Address)]; still {
			if t.ShouldTrack(fresh) {
				t.traders[solana.Pubkey(tr.Address)] = fresh
			} else {
				delete(t.traders, solana.Pubkey(tr.Address))
				log.Info().Str("trader", tr.Address).Msg("copytrade: trader no longer qualifies")
			}
		}
		t.mu.Unlock()
	}
}

// Stats summarises the tracker.
type Stats struct {
	TrackedTraders int    `json:"tracked_traders"`
	ActiveCopies   int    `json:"active_copies"`
	MaxTraders     int    `json:"max_traders"`
	CopyPercentage string `json:"copy_percentage"`
	Copied         int64  `json:"copied"`
	Failed         int64  `json:"failed"`
	Skipped        int64  `json:"skipped"`
}

func (t *Tracker) Stats() Stats {
	t.mu.RLock()
	tracked := len(t.traders)
	t.mu.RUnlock()
	return Stats{
		TrackedTraders: tracked,
		ActiveCopies:   t.mirror.ActiveCount(position.KindCopy),
		MaxTraders:     t.cfg.MaxTraders,
		CopyPercentage: t.cfg.CopyPercentage.String(),
		Copied:         t.copied.Load(),
		Failed:         t.failed.Load(),
		Skipped:        t.skipped.Load(),
	}
}
