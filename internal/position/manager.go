package position

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/heaven-engine/internal/audit"
	"github.com/nexus-trading/heaven-engine/internal/bus"
	"github.com/nexus-trading/heaven-engine/internal/errs"
	"github.com/nexus-trading/heaven-engine/internal/exchange"
	"github.com/nexus-trading/heaven-engine/internal/observability"
	"github.com/nexus-trading/heaven-engine/internal/solana"
	"github.com/nexus-trading/heaven-engine/internal/store"
)

// Trade statuses written to the store.
const (
	tradeExecuted = "executed"
	tradeFailed   = "failed"
)

// TradeWriter receives every executed or failed trade for analytics.
type TradeWriter interface {
	WriteTrade(ctx context.Context, t store.Trade) error
}

// Config holds the exit thresholds and working set limits.
type Config struct {
	TakeProfit     decimal.Decimal // fraction, 0.5 = +50%
	StopLoss       decimal.Decimal // fraction, 0.2 = -20%
	MaxConcurrent  int
	MaxDailyTrades int
	MaxDailyLoss   decimal.Decimal
	SnipeSlippage  decimal.Decimal
	CopySlippage   decimal.Decimal
}

// Manager owns the working set of positions. Collection mutations happen
// under mu; network calls happen outside it.
type Manager struct {
	cfg      Config
	adapter  exchange.Adapter
	rpc      solana.RPCClient
	wallet   solana.Pubkey
	executor Executor
	limits   *DailyLimits

	store     store.Store
	sink      *observability.Sink
	trail     *audit.Trail
	pub       *bus.Publisher
	analytics TradeWriter

	mu         sync.RWMutex
	positions  map[string]*Position
	byOriginal map[string]string
	failures   map[string]Position // recent open failures, bounded
	failOrder  []string

	now func() time.Time

	opened     atomic.Int64
	failed     atomic.Int64
	closed     atomic.Int64
	takeProfit atomic.Int64
	stopLoss   atomic.Int64
	followed   atomic.Int64
}

// NewManager creates a manager that opens positions for wallet through exec.
func NewManager(cfg Config, adapter exchange.Adapter, rpc solana.RPCClient, wallet solana.Pubkey, exec Executor) *Manager {
	return &Manager{
		cfg:        cfg,
		adapter:    adapter,
		rpc:        rpc,
		wallet:     wallet,
		executor:   exec,
		limits:     NewDailyLimits(cfg.MaxDailyTrades, cfg.MaxDailyLoss, nil),
		positions:  make(map[string]*Position),
		byOriginal: make(map[string]string),
		failures:   make(map[string]Position),
		now:        time.Now,
	}
}

// SetStore also enables the daily loss check.
func (m *Manager) SetStore(s store.Store) {
	m.store = s
	m.limits.store = s
}

func (m *Manager) SetSink(s *observability.Sink) { m.sink = s }
func (m *Manager) SetAudit(t *audit.Trail)       { m.trail = t }
func (m *Manager) SetPublisher(p *bus.Publisher) { m.pub = p }
func (m *Manager) SetAnalytics(w TradeWriter)    { m.analytics = w }

// Executor returns the execution path in use.
func (m *Manager) Executor() Executor { return m.executor }

// OpenSnipe buys amount SOL of a freshly listed token.
func (m *Manager) OpenSnipe(ctx context.Context, l exchange.Listing, strategy string, amount decimal.Decimal) (Position, error) {
	if err := m.admit(ctx, amount); err != nil {
		return Position{}, err
	}
	p, order, err := m.prepareBuy(ctx, l.Mint, amount, m.cfg.SnipeSlippage)
	if err != nil {
		return Position{}, err
	}
	p.Kind = KindSnipe
	p.Strategy = strategy

	log.Info().
		Str("position_id", p.ID).
		Str("mint", string(l.Mint)).
		Str("symbol", l.Symbol).
		Str("strategy", strategy).
		Str("amount_sol", amount.String()).
		Str("quoted_price", p.QuotedPrice.String()).
		Msg("position: EXECUTING SNIPE")

	return m.launch(ctx, p, order)
}

// OpenCopy mirrors a counterparty trade with amount SOL. Buys follow the
// snipe flow; sells dispose of tokens already held, worth amount SOL at
// the current price.
func (m *Manager) OpenCopy(ctx context.Context, t exchange.TraderTrade, amount decimal.Decimal) (Position, error) {
	if m.HasOriginal(t.ID) {
		return Position{}, errs.Validation("trade %s is already mirrored", t.ID)
	}
	if err := m.admit(ctx, amount); err != nil {
		return Position{}, err
	}

	var (
		p     *Position
		order Order
		err   error
	)
	if t.Side == exchange.SideSell {
		p, order, err = m.prepareSell(ctx, t.Mint, amount)
	} else {
		p, order, err = m.prepareBuy(ctx, t.Mint, amount, m.cfg.CopySlippage)
	}
	if err != nil {
		return Position{}, err
	}
	p.Kind = KindCopy
	p.Trader = t.Trader
	p.OriginalTradeID = t.ID

	log.Info().
		Str("position_id", p.ID).
		Str("trader", string(t.Trader)).
		Str("original_trade_id", t.ID).
		Str("mint", string(t.Mint)).
		Str("side", string(p.Side)).
		Str("amount_sol", p.AmountSOL.String()).
		Msg("position: EXECUTING COPY")

	return m.launch(ctx, p, order)
}

// admit runs the daily limit, capacity and balance checks.
func (m *Manager) admit(ctx context.Context, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return errs.Validation("amount must be positive, got %s", amount)
	}
	if err := m.limits.Allow(ctx); err != nil {
		return err
	}
	if m.cfg.MaxConcurrent > 0 && m.Active() >= m.cfg.MaxConcurrent {
		return errs.WrapErr(errs.ErrValidation, ErrCapacity, "open rejected")
	}
	balance, err := m.rpc.GetBalance(ctx, m.wallet)
	if err != nil {
		return err
	}
	if balance.LessThan(amount) {
		return errs.InsufficientBalance(amount.String(), balance.String())
	}
	return nil
}

func (m *Manager) prepareBuy(ctx context.Context, mint solana.Pubkey, amount, slippage decimal.Decimal) (*Position, Order, error) {
	q, err := m.adapter.GetBuyQuote(ctx, mint, amount, slippage)
	if err != nil {
		return nil, Order{}, errs.WrapErr(errs.ErrInvalidQuote, err, "buy "+string(mint))
	}
	ix, err := m.adapter.CreateBuyInstruction(ctx, m.wallet, mint, amount, q.MinAmountOut)
	if err != nil {
		return nil, Order{}, err
	}
	p := m.newPosition(mint, exchange.SideBuy)
	p.AmountSOL = amount
	p.TokenAmount = q.AmountOut
	p.QuotedPrice = q.Price
	return p, Order{PositionID: p.ID, Mint: mint, Side: exchange.SideBuy, Instructions: []exchange.Instruction{ix}}, nil
}

func (m *Manager) prepareSell(ctx context.Context, mint solana.Pubkey, amount decimal.Decimal) (*Position, Order, error) {
	price, err := m.adapter.GetTokenPrice(ctx, mint)
	if err != nil {
		return nil, Order{}, errs.WrapErr(errs.ErrInvalidQuote, err, "price "+string(mint))
	}
	if !price.IsPositive() {
		return nil, Order{}, errs.InvalidQuote("non-positive price for %s", mint)
	}
	held, err := m.rpc.GetTokenBalance(ctx, m.wallet, mint)
	if err != nil {
		return nil, Order{}, err
	}
	if !held.IsPositive() {
		return nil, Order{}, errs.InsufficientBalance("tokens of "+string(mint), "0")
	}
	tokens := decimal.Min(amount.Div(price), held)

	q, err := m.adapter.GetSellQuote(ctx, mint, tokens, m.cfg.CopySlippage)
	if err != nil {
		return nil, Order{}, errs.WrapErr(errs.ErrInvalidQuote, err, "sell "+string(mint))
	}
	ix, err := m.adapter.CreateSellInstruction(ctx, m.wallet, mint, tokens, q.MinAmountOut)
	if err != nil {
		return nil, Order{}, err
	}
	p := m.newPosition(mint, exchange.SideSell)
	p.AmountSOL = q.AmountOut
	p.TokenAmount = tokens
	p.QuotedPrice = q.Price
	return p, Order{PositionID: p.ID, Mint: mint, Side: exchange.SideSell, Instructions: []exchange.Instruction{ix}}, nil
}

func (m *Manager) newPosition(mint solana.Pubkey, side exchange.Side) *Position {
	return &Position{
		ID:        uuid.NewString(),
		Side:      side,
		Mint:      mint,
		State:     StatePending,
		CreatedAt: m.now(),
	}
}

// launch inserts p as Pending and hands the order to the executor. The
// capacity check is repeated here: opens race between admit and insert.
func (m *Manager) launch(ctx context.Context, p *Position, order Order) (Position, error) {
	m.mu.Lock()
	if m.cfg.MaxConcurrent > 0 && len(m.positions) >= m.cfg.MaxConcurrent {
		m.mu.Unlock()
		return Position{}, errs.WrapErr(errs.ErrValidation, ErrCapacity, "open rejected")
	}
	if p.OriginalTradeID != "" {
		if _, dup := m.byOriginal[p.OriginalTradeID]; dup {
			m.mu.Unlock()
			return Position{}, errs.Validation("trade %s is already mirrored", p.OriginalTradeID)
		}
		m.byOriginal[p.OriginalTradeID] = p.ID
	}
	m.positions[p.ID] = p
	snap := *p
	m.mu.Unlock()

	m.limits.Record()
	m.opened.Add(1)
	m.trail.RecordOpened(p.ID, p.Kind.String(), string(p.Mint), snap)
	m.publishGauges()

	execCtx := context.WithoutCancel(ctx)
	m.executor.Execute(execCtx, order, func(o Outcome) { m.HandleOutcome(execCtx, o) })

	// synchronous executors have already reported
	if cur, ok := m.Get(p.ID); ok {
		return cur, nil
	}
	if cur, failed := m.lastFailure(p.ID); failed {
		return cur, errs.Transaction("position %s: %s", p.ID, cur.Error)
	}
	return snap, nil
}

// HandleOutcome applies an execution result to its position.
func (m *Manager) HandleOutcome(ctx context.Context, o Outcome) {
	m.mu.Lock()
	p, ok := m.positions[o.PositionID]
	if !ok {
		m.mu.Unlock()
		log.Warn().Str("position_id", o.PositionID).Msg("position: outcome for unknown position")
		return
	}
	from := p.State

	switch {
	case !o.Closing && o.Success:
		if err := p.transition(StateExecuted); err != nil {
			m.mu.Unlock()
			log.Error().Err(err).Msg("position: open outcome rejected")
			return
		}
		p.EntryPrice = p.QuotedPrice
		p.EntryTime = m.now()
		p.OpenSignature = o.Signature
	case !o.Closing:
		if err := p.transition(StateFailed); err != nil {
			m.mu.Unlock()
			log.Error().Err(err).Msg("position: open outcome rejected")
			return
		}
		p.Error = o.Error
		m.evict(p)
		m.rememberFailure(*p)
	case o.Success:
		if err := p.transition(StateClosed); err != nil {
			m.mu.Unlock()
			log.Error().Err(err).Msg("position: close outcome rejected")
			return
		}
		now := m.now()
		p.ClosedAt = &now
		p.Closing = false
		p.CloseSignature = o.Signature
		m.evict(p)
	default:
		// stays Executed; the next monitor tick retries
		p.Closing = false
		p.CloseReason = ""
		p.Error = o.Error
	}
	snap := *p
	m.mu.Unlock()

	m.report(ctx, from, snap, o)
}

const maxFailures = 256

// rememberFailure keeps a failed position so a synchronous open can report
// it. Caller holds mu.
func (m *Manager) rememberFailure(p Position) {
	m.failures[p.ID] = p
	m.failOrder = append(m.failOrder, p.ID)
	if len(m.failOrder) > maxFailures {
		delete(m.failures, m.failOrder[0])
		m.failOrder = m.failOrder[1:]
	}
}

func (m *Manager) lastFailure(id string) (Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.failures[id]
	return p, ok
}

// evict removes p from the working set. Caller holds mu.
func (m *Manager) evict(p *Position) {
	delete(m.positions, p.ID)
	if p.OriginalTradeID != "" {
		delete(m.byOriginal, p.OriginalTradeID)
	}
}

func (m *Manager) report(ctx context.Context, from State, p Position, o Outcome) {
	if from != p.State {
		m.trail.RecordTransition(p.ID, p.Kind.String(), string(p.Mint), from.String(), p.State.String())
	}

	switch {
	case !o.Closing && o.Success:
		m.tradeMetric(p, observability.OutcomeSuccess)
		m.persist(ctx, m.openTrade(p, tradeExecuted))
		log.Info().Str("position_id", p.ID).Str("signature", string(o.Signature)).Str("entry_price", p.EntryPrice.String()).Msg("position: opened")
	case !o.Closing:
		m.failed.Add(1)
		m.tradeMetric(p, observability.OutcomeFailed)
		m.sink.Error("position", errs.Transaction("%s", o.Error))
		m.persist(ctx, m.openTrade(p, tradeFailed))
		log.Warn().Str("position_id", p.ID).Str("mint", string(p.Mint)).Str("error", o.Error).Msg("position: open failed")
	case o.Success:
		m.closed.Add(1)
		switch p.CloseReason {
		case ReasonTakeProfit:
			m.takeProfit.Add(1)
		case ReasonStopLoss:
			m.stopLoss.Add(1)
		case ReasonOriginalClosed:
			m.followed.Add(1)
		}
		if p.Kind == KindSnipe {
			m.sink.SnipeSale()
		}
		m.persist(ctx, m.closeTrade(p))
		m.trail.RecordClosed(p.ID, p.Kind.String(), string(p.Mint), p)
		log.Info().Str("position_id", p.ID).Str("reason", p.CloseReason).Str("close_sol", p.CloseAmountSOL.String()).Msg("position: closed")
	default:
		m.sink.Error("position", errs.Transaction("close: %s", o.Error))
		log.Warn().Str("position_id", p.ID).Str("error", o.Error).Msg("position: close failed, retrying next tick")
	}
	m.publishGauges()
}

func (m *Manager) tradeMetric(p Position, outcome string) {
	amt := p.AmountSOL.InexactFloat64()
	if p.Kind == KindCopy {
		m.sink.CopyTrade(outcome, amt)
		return
	}
	m.sink.Snipe(outcome, amt)
}

func (m *Manager) openTrade(p Position, status string) store.Trade {
	return store.Trade{
		ID:          p.ID,
		Mint:        string(p.Mint),
		Side:        string(p.Side),
		AmountSOL:   p.AmountSOL,
		TokenAmount: p.TokenAmount,
		Price:       p.QuotedPrice,
		Slippage:    m.slippage(p),
		Strategy:    m.strategyLabel(p),
		Time:        m.now(),
		Status:      status,
		Signature:   string(p.OpenSignature),
	}
}

func (m *Manager) closeTrade(p Position) store.Trade {
	side := exchange.SideSell
	if p.Side == exchange.SideSell {
		side = exchange.SideBuy
	}
	var price decimal.Decimal
	if p.TokenAmount.IsPositive() {
		price = p.CloseAmountSOL.Div(p.TokenAmount)
	}
	return store.Trade{
		ID:          p.ID + "-close",
		Mint:        string(p.Mint),
		Side:        string(side),
		AmountSOL:   p.CloseAmountSOL,
		TokenAmount: p.TokenAmount,
		Price:       price,
		Slippage:    m.slippage(p),
		Strategy:    p.CloseReason,
		Time:        m.now(),
		Status:      tradeExecuted,
		Signature:   string(p.CloseSignature),
	}
}

func (m *Manager) slippage(p Position) decimal.Decimal {
	if p.Kind == KindCopy {
		return m.cfg.CopySlippage
	}
	return m.cfg.SnipeSlippage
}

func (m *Manager) strategyLabel(p Position) string {
	if p.Kind == KindCopy {
		return "copy"
	}
	return p.Strategy
}

func (m *Manager) persist(ctx context.Context, t store.Trade) {
	if m.store != nil {
		if err := m.store.RecordTrade(ctx, t); err != nil {
			log.Warn().Err(err).Str("trade_id", t.ID).Msg("position: persist trade failed")
		}
	}
	if m.analytics != nil {
		if err := m.analytics.WriteTrade(ctx, t); err != nil {
			log.Warn().Err(err).Str("trade_id", t.ID).Msg("position: analytics write failed")
		}
	}
	m.trail.RecordTrade(t)
	if m.pub != nil {
		m.pub.Emit(ctx, m.pub.Topics().Trades, t.Mint, "trade", t)
	}
}

func (m *Manager) publishGauges() {
	m.sink.ActivePositions(KindSnipe.String(), m.ActiveCount(KindSnipe))
	m.sink.ActivePositions(KindCopy.String(), m.ActiveCount(KindCopy))
}

// MonitorTick checks every executed position against its exit rules and
// starts a close for each one that triggers.
func (m *Manager) MonitorTick(ctx context.Context) {
	m.mu.RLock()
	candidates := make([]Position, 0, len(m.positions))
	for _, p := range m.positions {
		if p.State == StateExecuted && !p.Closing {
			candidates = append(candidates, *p)
		}
	}
	m.mu.RUnlock()
	if len(candidates) == 0 {
		return
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].CreatedAt.Before(candidates[j].CreatedAt) })

	traderTrades := make(map[solana.Pubkey][]exchange.TraderTrade)
	for _, p := range candidates {
		if ctx.Err() != nil {
			return
		}
		reason := ""
		if p.Kind == KindCopy {
			reason = m.originalClosed(ctx, p, traderTrades)
		}
		if reason == "" {
			price, err := m.adapter.GetTokenPrice(ctx, p.Mint)
			if err != nil {
				m.sink.Error("position", err)
				log.Warn().Err(err).Str("position_id", p.ID).Msg("position: price unavailable")
				continue
			}
			reason = exitReason(p.Side, p.EntryPrice, price, m.cfg.TakeProfit, m.cfg.StopLoss)
			if reason != "" {
				log.Info().
					Str("position_id", p.ID).
					Str("entry", p.EntryPrice.String()).
					Str("price", price.String()).
					Str("reason", reason).
					Msg("position: exit triggered")
			}
		}
		if reason == "" {
			continue
		}
		if _, err := m.close(ctx, p, reason); err != nil {
			m.sink.Error("position", err)
			log.Warn().Err(err).Str("position_id", p.ID).Str("reason", reason).Msg("position: close not started, retrying next tick")
		}
	}
}

// CloseAll starts a close for every executed position regardless of its
// exit rules and returns how many were started. Used by the kill switch.
func (m *Manager) CloseAll(ctx context.Context) int {
	m.mu.RLock()
	open := make([]Position, 0, len(m.positions))
	for _, p := range m.positions {
		if p.State == StateExecuted && !p.Closing {
			open = append(open, *p)
		}
	}
	m.mu.RUnlock()

	started := 0
	for _, p := range open {
		ok, err := m.close(ctx, p, ReasonForceClose)
		if err != nil {
			m.sink.Error("position", err)
			log.Warn().Err(err).Str("position_id", p.ID).Msg("position: force close failed")
			continue
		}
		if ok {
			started++
		}
	}
	log.Warn().Int("positions", started).Msg("position: force close issued")
	return started
}

// originalClosed reports ReasonOriginalClosed when the mirrored trade has
// been exited: the indexer marks it closed, or the trader sold the same
// mint after a mirrored buy.
func (m *Manager) originalClosed(ctx context.Context, p Position, cache map[solana.Pubkey][]exchange.TraderTrade) string {
	trades, ok := cache[p.Trader]
	if !ok {
		var err error
		trades, err = m.adapter.GetTraderTrades(ctx, p.Trader)
		if err != nil {
			log.Debug().Err(err).Str("trader", string(p.Trader)).Msg("position: trader trades unavailable")
			return ""
		}
		cache[p.Trader] = trades
	}
	var original *exchange.TraderTrade
	for i := range trades {
		if trades[i].ID == p.OriginalTradeID {
			original = &trades[i]
			break
		}
	}
	if original == nil {
		return ""
	}
	if original.Closed() {
		return ReasonOriginalClosed
	}
	if original.Side != exchange.SideBuy {
		return ""
	}
	for _, t := range trades {
		if t.Mint == original.Mint && t.Side == exchange.SideSell && t.Time.After(original.Time) {
			return ReasonOriginalClosed
		}
	}
	return ""
}

// close marks p closing and submits the opposite trade. A buy is closed
// by selling its tokens; a mirrored sell by buying back the same SOL size.
// It reports false when p has left the live set or is already closing.
func (m *Manager) close(ctx context.Context, p Position, reason string) (bool, error) {
	m.mu.Lock()
	live, ok := m.positions[p.ID]
	if !ok || live.State != StateExecuted || live.Closing {
		m.mu.Unlock()
		return false, nil
	}
	live.Closing = true
	live.CloseReason = reason
	m.mu.Unlock()

	order, closeSOL, err := m.closeOrder(ctx, p)
	if err != nil {
		m.mu.Lock()
		if live, ok := m.positions[p.ID]; ok {
			live.Closing = false
			live.CloseReason = ""
		}
		m.mu.Unlock()
		return false, err
	}

	m.mu.Lock()
	if live, ok := m.positions[p.ID]; ok {
		live.CloseAmountSOL = closeSOL
	}
	m.mu.Unlock()

	log.Info().
		Str("position_id", p.ID).
		Str("mint", string(p.Mint)).
		Str("reason", reason).
		Str("close_sol", closeSOL.String()).
		Msg("position: EXECUTING CLOSE")

	execCtx := context.WithoutCancel(ctx)
	m.executor.Execute(execCtx, order, func(o Outcome) { m.HandleOutcome(execCtx, o) })
	return true, nil
}

func (m *Manager) closeOrder(ctx context.Context, p Position) (Order, decimal.Decimal, error) {
	slippage := m.slippage(p)
	order := Order{PositionID: p.ID, Closing: true, Mint: p.Mint}

	if p.Side == exchange.SideSell {
		q, err := m.adapter.GetBuyQuote(ctx, p.Mint, p.AmountSOL, slippage)
		if err != nil {
			return Order{}, decimal.Zero, errs.WrapErr(errs.ErrInvalidQuote, err, "buy back "+string(p.Mint))
		}
		ix, err := m.adapter.CreateBuyInstruction(ctx, m.wallet, p.Mint, p.AmountSOL, q.MinAmountOut)
		if err != nil {
			return Order{}, decimal.Zero, err
		}
		order.Side = exchange.SideBuy
		order.Instructions = []exchange.Instruction{ix}
		return order, p.AmountSOL, nil
	}

	q, err := m.adapter.GetSellQuote(ctx, p.Mint, p.TokenAmount, slippage)
	if err != nil {
		return Order{}, decimal.Zero, errs.WrapErr(errs.ErrInvalidQuote, err, "sell "+string(p.Mint))
	}
	ix, err := m.adapter.CreateSellInstruction(ctx, m.wallet, p.Mint, p.TokenAmount, q.MinAmountOut)
	if err != nil {
		return Order{}, decimal.Zero, err
	}
	order.Side = exchange.SideSell
	order.Instructions = []exchange.Instruction{ix}
	return order, q.AmountOut, nil
}

// HasOriginal reports whether a counterparty trade is mirrored by a live
// position.
func (m *Manager) HasOriginal(tradeID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byOriginal[tradeID]
	return ok
}

// Active counts every live position.
func (m *Manager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.positions)
}

// ActiveCount counts live positions of kind.
func (m *Manager) ActiveCount(kind Kind) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, p := range m.positions {
		if p.Kind == kind {
			n++
		}
	}
	return n
}

// Get returns a copy of a live position.
func (m *Manager) Get(id string) (Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[id]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// Snapshot returns copies of every live position, oldest first.
func (m *Manager) Snapshot() []Position {
	m.mu.RLock()
	out := make([]Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, *p)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Stats summarises the manager since start.
type Stats struct {
	Active         int    `json:"active"`
	ActiveSnipes   int    `json:"active_snipes"`
	ActiveCopies   int    `json:"active_copies"`
	Opened         int64  `json:"opened"`
	Failed         int64  `json:"failed"`
	Closed         int64  `json:"closed"`
	TakeProfits    int64  `json:"take_profits"`
	StopLosses     int64  `json:"stop_losses"`
	OriginalClosed int64  `json:"original_closed"`
	TradesToday    int    `json:"trades_today"`
	Executor       string `json:"executor"`
}

func (m *Manager) Stats() Stats {
	return Stats{
		Active:         m.Active(),
		ActiveSnipes:   m.ActiveCount(KindSnipe),
		ActiveCopies:   m.ActiveCount(KindCopy),
		Opened:         m.opened.Load(),
		Failed:         m.failed.Load(),
		Closed:         m.closed.Load(),
		TakeProfits:    m.takeProfit.Load(),
		StopLosses:     m.stopLoss.Load(),
		OriginalClosed: m.followed.Load(),
		TradesToday:    m.limits.TradesToday(),
		Executor:       m.executor.Name(),
	}
}
