package position

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/heaven-engine/internal/audit"
	"github.com/nexus-trading/heaven-engine/internal/bundler"
	"github.com/nexus-trading/heaven-engine/internal/errs"
	"github.com/nexus-trading/heaven-engine/internal/exchange"
	"github.com/nexus-trading/heaven-engine/internal/quote"
	"github.com/nexus-trading/heaven-engine/internal/solana"
	"github.com/nexus-trading/heaven-engine/internal/store"
)

const (
	testMint   solana.Pubkey = "2DY95Rfy7etKwoaWxDUiezXcix4sExZyLK9xgMdwdXh7"
	testTrader solana.Pubkey = "AggxH6vaGEfEqLbpJ2yMn2AJMo9Acp5aqG1ehv3fKrCD"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// heldExecutor parks orders until the test releases them.
type heldExecutor struct {
	mu     sync.Mutex
	orders []Order
	dones  []func(Outcome)
}

func (h *heldExecutor) Name() string { return "held" }

func (h *heldExecutor) Execute(_ context.Context, o Order, done func(Outcome)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.orders = append(h.orders, o)
	h.dones = append(h.dones, done)
}

func (h *heldExecutor) release(i int, success bool, errMsg string) {
	h.mu.Lock()
	o, done := h.orders[i], h.dones[i]
	h.mu.Unlock()
	done(Outcome{PositionID: o.PositionID, Closing: o.Closing, Success: success, Signature: "SIG", Error: errMsg})
}

func (h *heldExecutor) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.orders)
}

type fixture struct {
	m       *Manager
	adapter *exchange.StubAdapter
	rpc     *solana.StubRPCClient
	store   *store.MemoryStore
	trail   *audit.Trail
	wallet  solana.Pubkey
}

func defaultConfig() Config {
	return Config{
		TakeProfit:    d("0.2"),
		StopLoss:      d("0.1"),
		MaxConcurrent: 5,
		SnipeSlippage: d("0.05"),
		CopySlippage:  d("0.05"),
	}
}

func newFixture(t *testing.T, cfg Config, exec Executor) *fixture {
	t.Helper()
	w, err := solana.NewRandomWallet()
	require.NoError(t, err)

	adapter := exchange.NewStubAdapter()
	adapter.SetPool(testMint, quote.Pool{
		BaseReserve:  d("1000000000"),
		QuoteReserve: d("100"),
	})
	rpc := solana.NewStubRPCClient()
	st := store.NewMemoryStore()
	trail := audit.NewTrail(nil, "", 100)

	m := NewManager(cfg, adapter, rpc, w.Pubkey(), exec)
	m.SetStore(st)
	m.SetAudit(trail)
	return &fixture{m: m, adapter: adapter, rpc: rpc, store: st, trail: trail, wallet: w.Pubkey()}
}

func listing() exchange.Listing {
	return exchange.Listing{Mint: testMint, Symbol: "HVN", LaunchTime: time.Now()}
}

func TestExitReason(t *testing.T) {
	tp, sl := d("0.2"), d("0.1")
	entry := d("1")

	assert.Equal(t, ReasonTakeProfit, exitReason(exchange.SideBuy, entry, d("1.21"), tp, sl))
	assert.Equal(t, ReasonTakeProfit, exitReason(exchange.SideBuy, entry, d("1.2"), tp, sl))
	assert.Equal(t, ReasonStopLoss, exitReason(exchange.SideBuy, entry, d("0.89"), tp, sl))
	assert.Equal(t, ReasonStopLoss, exitReason(exchange.SideBuy, entry, d("0.9"), tp, sl))
	assert.Empty(t, exitReason(exchange.SideBuy, entry, d("1.05"), tp, sl))

	// mirrored sells profit when the price falls
	assert.Equal(t, ReasonStopLoss, exitReason(exchange.SideSell, entry, d("1.21"), tp, sl))
	assert.Equal(t, ReasonTakeProfit, exitReason(exchange.SideSell, entry, d("0.89"), tp, sl))

	assert.Empty(t, exitReason(exchange.SideBuy, decimal.Zero, d("5"), tp, sl))
}

func TestTransitionTable(t *testing.T) {
	allowed := map[[2]State]bool{
		{StatePending, StateExecuted}: true,
		{StatePending, StateFailed}:   true,
		{StateExecuted, StateClosed}:  true,
	}
	states := []State{StatePending, StateExecuted, StateClosed, StateFailed}
	for _, from := range states {
		for _, to := range states {
			p := &Position{ID: "p", State: from}
			err := p.transition(to)
			if allowed[[2]State{from, to}] {
				assert.NoError(t, err, "%s -> %s", from, to)
				assert.Equal(t, to, p.State)
			} else {
				assert.ErrorIs(t, err, errs.ErrInternal, "%s -> %s", from, to)
				assert.Equal(t, from, p.State)
			}
		}
	}
}

func TestOpenSnipe_DryRunExecutes(t *testing.T) {
	f := newFixture(t, defaultConfig(), DryRunExecutor{})

	p, err := f.m.OpenSnipe(context.Background(), listing(), "creator_token", d("1"))
	require.NoError(t, err)
	assert.Equal(t, StateExecuted, p.State)
	assert.Equal(t, KindSnipe, p.Kind)
	assert.Equal(t, exchange.SideBuy, p.Side)
	assert.True(t, p.EntryPrice.IsPositive())
	assert.True(t, p.TokenAmount.IsPositive())
	assert.Equal(t, solana.Signature("DRYRUN-OPEN-"+p.ID), p.OpenSignature)

	tr, err := f.store.GetTrade(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, "buy", tr.Side)
	assert.Equal(t, "creator_token", tr.Strategy)
	assert.Equal(t, tradeExecuted, tr.Status)

	entries := f.trail.Query(p.ID)
	require.Len(t, entries, 3)
	assert.Equal(t, audit.EventPositionOpened, entries[0].EventType)
	assert.Equal(t, "pending->executed", entries[1].Decision)
	assert.Equal(t, audit.EventTrade, entries[2].EventType)
}

func TestOpenSnipe_DirectExecutor(t *testing.T) {
	w, err := solana.NewRandomWallet()
	require.NoError(t, err)
	rpc := solana.NewStubRPCClient()
	exec := NewDirectExecutor(rpc, w, 200_000, 1000)
	exec.sleep = func(context.Context, time.Duration) error { return nil }

	adapter := exchange.NewStubAdapter()
	adapter.SetPool(testMint, quote.Pool{BaseReserve: d("1000000000"), QuoteReserve: d("100")})
	m := NewManager(defaultConfig(), adapter, rpc, w.Pubkey(), exec)

	p, err := m.OpenSnipe(context.Background(), listing(), "high_volume", d("0.5"))
	require.NoError(t, err)
	assert.Equal(t, StateExecuted, p.State)
	assert.Equal(t, solana.Signature("STUB-SIG-1"), p.OpenSignature)
	assert.Len(t, rpc.Sent(), 1)
}

func TestOpenSnipe_DirectExecutorOnChainFailureEvicts(t *testing.T) {
	w, err := solana.NewRandomWallet()
	require.NoError(t, err)
	rpc := solana.NewStubRPCClient()
	rpc.SetDefaultStatus(solana.TxErr, "custom program error: 0x1")
	exec := NewDirectExecutor(rpc, w, 200_000, 1000)
	exec.sleep = func(context.Context, time.Duration) error { return nil }

	adapter := exchange.NewStubAdapter()
	adapter.SetPool(testMint, quote.Pool{BaseReserve: d("1000000000"), QuoteReserve: d("100")})
	st := store.NewMemoryStore()
	m := NewManager(defaultConfig(), adapter, rpc, w.Pubkey(), exec)
	m.SetStore(st)

	p, err := m.OpenSnipe(context.Background(), listing(), "high_volume", d("0.5"))
	require.ErrorIs(t, err, errs.ErrTransaction)
	assert.Equal(t, StateFailed, p.State)
	assert.Contains(t, p.Error, "custom program error")
	assert.Zero(t, m.Active())
	assert.EqualValues(t, 1, m.Stats().Failed)

	tr, err := st.GetTrade(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, tradeFailed, tr.Status)
}

func TestOpenSnipe_BundledExecutor(t *testing.T) {
	w, err := solana.NewRandomWallet()
	require.NoError(t, err)
	rpc := solana.NewStubRPCClient()
	engine := bundler.NewEngine(bundler.Config{MaxBundleSize: 1}, rpc, w, nil)
	engine.Start()

	adapter := exchange.NewStubAdapter()
	adapter.SetPool(testMint, quote.Pool{BaseReserve: d("1000000000"), QuoteReserve: d("100")})
	m := NewManager(defaultConfig(), adapter, rpc, w.Pubkey(), NewBundledExecutor(engine, w.Pubkey()))

	p, err := m.OpenSnipe(context.Background(), listing(), "low_market_cap", d("0.5"))
	require.NoError(t, err)
	assert.Equal(t, StatePending, p.State)
	require.Len(t, engine.Pending(), 1)

	engine.Tick(context.Background())
	engine.Drain()

	got, ok := m.Get(p.ID)
	require.True(t, ok)
	assert.Equal(t, StateExecuted, got.State)
	assert.NotEmpty(t, got.OpenSignature)
}

// gatedAdapter holds every buy quote until n callers are waiting, so
// concurrent opens all pass admission before any is inserted.
type gatedAdapter struct {
	*exchange.StubAdapter
	n       int
	mu      sync.Mutex
	arrived int
	open    chan struct{}
}

func (g *gatedAdapter) GetBuyQuote(ctx context.Context, mint solana.Pubkey, solIn, maxSlippage decimal.Decimal) (quote.Quote, error) {
	g.mu.Lock()
	g.arrived++
	if g.arrived == g.n {
		close(g.open)
	}
	g.mu.Unlock()
	<-g.open
	return g.StubAdapter.GetBuyQuote(ctx, mint, solIn, maxSlippage)
}

func TestOpen_ConcurrentOpensRespectCapacity(t *testing.T) {
	const opens = 4
	f := newFixture(t, defaultConfig(), &heldExecutor{})
	cfg := defaultConfig()
	cfg.MaxConcurrent = 1
	gated := &gatedAdapter{StubAdapter: f.adapter, n: opens, open: make(chan struct{})}
	m := NewManager(cfg, gated, f.rpc, f.wallet, &heldExecutor{})

	var wg sync.WaitGroup
	errsCh := make(chan error, opens)
	for i := 0; i < opens; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.OpenSnipe(context.Background(), listing(), "creator_token", d("0.1"))
			errsCh <- err
		}()
	}
	wg.Wait()
	close(errsCh)

	ok, full := 0, 0
	for err := range errsCh {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrCapacity):
			full++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, opens-1, full)
	assert.Equal(t, 1, m.Active())
}

func TestOpen_Rejections(t *testing.T) {
	ctx := context.Background()

	t.Run("insufficient balance", func(t *testing.T) {
		f := newFixture(t, defaultConfig(), DryRunExecutor{})
		f.rpc.SetBalance(f.wallet, d("0.1"))
		_, err := f.m.OpenSnipe(ctx, listing(), "creator_token", d("1"))
		assert.ErrorIs(t, err, errs.ErrInsufficientBalance)
	})

	t.Run("invalid quote", func(t *testing.T) {
		f := newFixture(t, defaultConfig(), DryRunExecutor{})
		f.adapter.FailNext("GetBuyQuote", errors.New("pool gone"))
		_, err := f.m.OpenSnipe(ctx, listing(), "creator_token", d("1"))
		assert.ErrorIs(t, err, errs.ErrInvalidQuote)
		assert.Zero(t, f.m.Active())
	})

	t.Run("capacity", func(t *testing.T) {
		cfg := defaultConfig()
		cfg.MaxConcurrent = 2
		f := newFixture(t, cfg, &heldExecutor{})
		for i := 0; i < 2; i++ {
			_, err := f.m.OpenSnipe(ctx, listing(), "creator_token", d("0.1"))
			require.NoError(t, err)
		}
		_, err := f.m.OpenSnipe(ctx, listing(), "creator_token", d("0.1"))
		assert.ErrorIs(t, err, ErrCapacity)
		assert.ErrorIs(t, err, errs.ErrValidation)
	})

	t.Run("daily trade count", func(t *testing.T) {
		cfg := defaultConfig()
		cfg.MaxDailyTrades = 1
		f := newFixture(t, cfg, DryRunExecutor{})
		_, err := f.m.OpenSnipe(ctx, listing(), "creator_token", d("0.1"))
		require.NoError(t, err)
		_, err = f.m.OpenSnipe(ctx, listing(), "creator_token", d("0.1"))
		assert.ErrorIs(t, err, ErrDailyLimit)
	})

	t.Run("daily loss", func(t *testing.T) {
		cfg := defaultConfig()
		cfg.MaxDailyLoss = d("0.5")
		f := newFixture(t, cfg, DryRunExecutor{})
		require.NoError(t, f.store.RecordTrade(ctx, store.Trade{
			ID: "old", Mint: string(testMint), Side: "buy", AmountSOL: d("0.6"), Time: time.Now(),
		}))
		_, err := f.m.OpenSnipe(ctx, listing(), "creator_token", d("0.1"))
		assert.ErrorIs(t, err, ErrDailyLimit)
	})
}

func TestMonitorTick_TakeProfitCloses(t *testing.T) {
	f := newFixture(t, defaultConfig(), DryRunExecutor{})
	ctx := context.Background()

	p, err := f.m.OpenSnipe(ctx, listing(), "creator_token", d("1"))
	require.NoError(t, err)

	f.adapter.SetPrice(testMint, p.EntryPrice.Mul(d("1.21")))
	f.m.MonitorTick(ctx)

	_, ok := f.m.Get(p.ID)
	assert.False(t, ok, "closed positions leave the working set")
	st := f.m.Stats()
	assert.EqualValues(t, 1, st.Closed)
	assert.EqualValues(t, 1, st.TakeProfits)

	tr, err := f.store.GetTrade(ctx, p.ID+"-close")
	require.NoError(t, err)
	assert.Equal(t, "sell", tr.Side)
	assert.Equal(t, ReasonTakeProfit, tr.Strategy)
	assert.True(t, tr.AmountSOL.IsPositive())
}

func TestMonitorTick_InsideBandHolds(t *testing.T) {
	f := newFixture(t, defaultConfig(), DryRunExecutor{})
	ctx := context.Background()

	p, err := f.m.OpenSnipe(ctx, listing(), "creator_token", d("1"))
	require.NoError(t, err)

	f.adapter.SetPrice(testMint, p.EntryPrice.Mul(d("1.05")))
	f.m.MonitorTick(ctx)

	got, ok := f.m.Get(p.ID)
	require.True(t, ok)
	assert.Equal(t, StateExecuted, got.State)
	assert.False(t, got.Closing)
}

func TestMonitorTick_CloseFailureRetried(t *testing.T) {
	exec := &heldExecutor{}
	f := newFixture(t, defaultConfig(), exec)
	ctx := context.Background()

	p, err := f.m.OpenSnipe(ctx, listing(), "creator_token", d("1"))
	require.NoError(t, err)
	exec.release(0, true, "")

	f.adapter.SetPrice(testMint, p.EntryPrice.Mul(d("0.5")))
	f.m.MonitorTick(ctx)
	require.Equal(t, 2, exec.count())

	got, _ := f.m.Get(p.ID)
	assert.True(t, got.Closing)
	assert.Equal(t, ReasonStopLoss, got.CloseReason)

	// in flight: no second close
	f.m.MonitorTick(ctx)
	assert.Equal(t, 2, exec.count())

	exec.release(1, false, "blockhash expired")
	got, _ = f.m.Get(p.ID)
	assert.Equal(t, StateExecuted, got.State)
	assert.False(t, got.Closing)

	f.m.MonitorTick(ctx)
	assert.Equal(t, 3, exec.count())
	exec.release(2, true, "")
	_, ok := f.m.Get(p.ID)
	assert.False(t, ok)
	assert.EqualValues(t, 1, f.m.Stats().StopLosses)
}

func TestMonitorTick_ConstructionFailureRetried(t *testing.T) {
	f := newFixture(t, defaultConfig(), DryRunExecutor{})
	ctx := context.Background()

	p, err := f.m.OpenSnipe(ctx, listing(), "creator_token", d("1"))
	require.NoError(t, err)

	f.adapter.SetPrice(testMint, p.EntryPrice.Mul(d("2")))
	f.adapter.FailNext("CreateSellInstruction", errors.New("indexer down"))
	f.m.MonitorTick(ctx)

	got, ok := f.m.Get(p.ID)
	require.True(t, ok)
	assert.False(t, got.Closing)

	f.m.MonitorTick(ctx)
	_, ok = f.m.Get(p.ID)
	assert.False(t, ok)
}

func TestOpenCopy_BuyClosesWhenOriginalCloses(t *testing.T) {
	f := newFixture(t, defaultConfig(), DryRunExecutor{})
	ctx := context.Background()

	orig := exchange.TraderTrade{
		ID: "t-1", Trader: testTrader, Mint: testMint, Side: exchange.SideBuy,
		SOLAmount: d("5"), Time: time.Now(), Status: exchange.TradeOpen,
	}
	f.adapter.SetTraderTrades(testTrader, []exchange.TraderTrade{orig})

	p, err := f.m.OpenCopy(ctx, orig, d("0.5"))
	require.NoError(t, err)
	assert.Equal(t, KindCopy, p.Kind)
	assert.True(t, f.m.HasOriginal("t-1"))

	_, err = f.m.OpenCopy(ctx, orig, d("0.5"))
	assert.ErrorIs(t, err, errs.ErrValidation)

	f.m.MonitorTick(ctx)
	_, ok := f.m.Get(p.ID)
	require.True(t, ok)

	f.adapter.SetTradeStatus(testTrader, "t-1", exchange.TradeClosed)
	f.m.MonitorTick(ctx)
	_, ok = f.m.Get(p.ID)
	assert.False(t, ok)
	assert.False(t, f.m.HasOriginal("t-1"))
	assert.EqualValues(t, 1, f.m.Stats().OriginalClosed)
}

func TestOpenCopy_LaterSellOfMintCloses(t *testing.T) {
	f := newFixture(t, defaultConfig(), DryRunExecutor{})
	ctx := context.Background()

	now := time.Now()
	buy := exchange.TraderTrade{ID: "t-1", Trader: testTrader, Mint: testMint, Side: exchange.SideBuy, Time: now}
	f.adapter.SetTraderTrades(testTrader, []exchange.TraderTrade{buy})

	p, err := f.m.OpenCopy(ctx, buy, d("0.5"))
	require.NoError(t, err)

	sell := exchange.TraderTrade{ID: "t-2", Trader: testTrader, Mint: testMint, Side: exchange.SideSell, Time: now.Add(time.Minute)}
	f.adapter.SetTraderTrades(testTrader, []exchange.TraderTrade{buy, sell})
	f.m.MonitorTick(ctx)

	_, ok := f.m.Get(p.ID)
	assert.False(t, ok)
}

func TestOpenCopy_SellRequiresHolding(t *testing.T) {
	f := newFixture(t, defaultConfig(), DryRunExecutor{})
	sell := exchange.TraderTrade{ID: "t-9", Trader: testTrader, Mint: testMint, Side: exchange.SideSell, Time: time.Now()}

	_, err := f.m.OpenCopy(context.Background(), sell, d("0.5"))
	assert.ErrorIs(t, err, errs.ErrInsufficientBalance)
	assert.False(t, f.m.HasOriginal("t-9"))
}

func TestOpenCopy_SellMirrorBuysBack(t *testing.T) {
	exec := &heldExecutor{}
	f := newFixture(t, defaultConfig(), exec)
	ctx := context.Background()
	f.rpc.SetTokenBalance(testMint, d("1000000"))

	sell := exchange.TraderTrade{ID: "t-3", Trader: testTrader, Mint: testMint, Side: exchange.SideSell, Time: time.Now()}
	p, err := f.m.OpenCopy(ctx, sell, d("0.05"))
	require.NoError(t, err)
	assert.Equal(t, exchange.SideSell, p.Side)
	// 0.05 SOL at 1e-7 SOL per token is 500k tokens, within the holding
	assert.True(t, p.TokenAmount.Equal(d("500000")), p.TokenAmount.String())
	exec.release(0, true, "")

	// the price falls: profit for a sell, close with a buy-back
	got, _ := f.m.Get(p.ID)
	f.adapter.SetPrice(testMint, got.EntryPrice.Mul(d("0.7")))
	f.m.MonitorTick(ctx)

	require.Equal(t, 2, exec.count())
	closeOrder := exec.orders[1]
	assert.True(t, closeOrder.Closing)
	assert.Equal(t, exchange.SideBuy, closeOrder.Side)

	got, _ = f.m.Get(p.ID)
	assert.Equal(t, ReasonTakeProfit, got.CloseReason)
	assert.True(t, got.CloseAmountSOL.Equal(got.AmountSOL))
}

func TestCloseAll(t *testing.T) {
	exec := &heldExecutor{}
	f := newFixture(t, defaultConfig(), exec)
	ctx := context.Background()

	p, err := f.m.OpenSnipe(ctx, listing(), "creator_token", d("1"))
	require.NoError(t, err)
	_, err = f.m.OpenSnipe(ctx, listing(), "creator_token", d("1"))
	require.NoError(t, err)
	exec.release(0, true, "")

	// only the executed position is closed; the pending one waits
	assert.Equal(t, 1, f.m.CloseAll(ctx))
	require.Equal(t, 3, exec.count())
	got, _ := f.m.Get(p.ID)
	assert.Equal(t, ReasonForceClose, got.CloseReason)
	assert.Zero(t, f.m.CloseAll(ctx), "already closing")

	started, err := f.m.close(ctx, got, ReasonForceClose)
	require.NoError(t, err)
	assert.False(t, started, "a closing position is not closed twice")
	started, err = f.m.close(ctx, Position{ID: "evicted", State: StateExecuted}, ReasonForceClose)
	require.NoError(t, err)
	assert.False(t, started)
	assert.Equal(t, 3, exec.count())
}

func TestHandleOutcome_UnknownPositionIgnored(t *testing.T) {
	f := newFixture(t, defaultConfig(), DryRunExecutor{})
	f.m.HandleOutcome(context.Background(), Outcome{PositionID: "missing", Success: true})
	assert.Zero(t, f.m.Active())
}

func TestDailyLimits_RollOver(t *testing.T) {
	l := NewDailyLimits(2, decimal.Zero, nil)
	day := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return day }

	l.Record()
	l.Record()
	assert.ErrorIs(t, l.Allow(context.Background()), ErrDailyLimit)

	day = day.Add(2 * time.Hour)
	assert.NoError(t, l.Allow(context.Background()))
	assert.Zero(t, l.TradesToday())
}
