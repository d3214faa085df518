package copytrade

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/heaven-engine/internal/config"
	"github.com/nexus-trading/heaven-engine/internal/errs"
	"github.com/nexus-trading/heaven-engine/internal/exchange"
	"github.com/nexus-trading/heaven-engine/internal/position"
	"github.com/nexus-trading/heaven-engine/internal/quote"
	"github.com/nexus-trading/heaven-engine/internal/solana"
	"github.com/nexus-trading/heaven-engine/internal/store"
)

const (
	traderA solana.Pubkey = "AggxH6vaGEfEqLbpJ2yMn2AJMo9Acp5aqG1ehv3fKrCD"
	traderB solana.Pubkey = "BPj3vhvjU2wYrLCw3RBCfxwt4nHcqWqoB1ovQmd63Hf4"
	mint    solana.Pubkey = "2DY95Rfy7etKwoaWxDUiezXcix4sExZyLK9xgMdwdXh7"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func goodTrader(addr solana.Pubkey) store.Trader {
	return store.Trader{
		Address:     string(addr),
		Name:        "whale",
		TotalTrades: 25,
		WinRate:     d("0.7"),
		TotalVolume: d("500"),
		TotalProfit: d("40"),
	}
}

func testConfig() Config {
	return Config{
		MaxSOLPerTrade:   d("0.05"),
		CopyPercentage:   d("0.1"),
		MaxTraders:       3,
		MinTraderBalance: d("100"),
		MinTraderProfit:  d("0.6"),
		Slippage:         d("0.05"),
	}
}

type fixture struct {
	tracker *Tracker
	manager *position.Manager
	adapter *exchange.StubAdapter
	rpc     *solana.StubRPCClient
	store   *store.MemoryStore
	wallet  solana.Pubkey
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	w, err := solana.NewRandomWallet()
	require.NoError(t, err)

	adapter := exchange.NewStubAdapter()
	adapter.SetPool(mint, quote.Pool{BaseReserve: d("1000000000"), QuoteReserve: d("100")})
	rpc := solana.NewStubRPCClient()
	st := store.NewMemoryStore()

	mgr := position.NewManager(position.Config{
		TakeProfit:    d("0.5"),
		StopLoss:      d("0.2"),
		MaxConcurrent: 10,
		CopySlippage:  d("0.05"),
	}, adapter, rpc, w.Pubkey(), position.DryRunExecutor{})
	mgr.SetStore(st)

	tr := NewTracker(cfg, adapter, rpc, w.Pubkey(), mgr)
	tr.SetStore(st)
	return &fixture{tracker: tr, manager: mgr, adapter: adapter, rpc: rpc, store: st, wallet: w.Pubkey()}
}

func buy(id string, at time.Time, sol string) exchange.TraderTrade {
	return exchange.TraderTrade{
		ID: id, Trader: traderA, Mint: mint, Side: exchange.SideBuy,
		SOLAmount: d(sol), Time: at, Status: exchange.TradeOpen,
	}
}

func TestShouldTrack(t *testing.T) {
	tr := NewTracker(testConfig(), nil, nil, "", nil)

	assert.True(t, tr.ShouldTrack(goodTrader(traderA)))

	few := goodTrader(traderA)
	few.TotalTrades = 9
	assert.False(t, tr.ShouldTrack(few))

	losing := goodTrader(traderA)
	losing.WinRate = d("0.59")
	assert.False(t, tr.ShouldTrack(losing))

	small := goodTrader(traderA)
	small.TotalVolume = d("99.9")
	assert.False(t, tr.ShouldTrack(small))

	cfg := testConfig()
	cfg.Blacklist = []solana.Pubkey{traderA}
	assert.False(t, NewTracker(cfg, nil, nil, "", nil).ShouldTrack(goodTrader(traderA)))

	cfg = testConfig()
	cfg.Whitelist = []solana.Pubkey{traderB}
	wl := NewTracker(cfg, nil, nil, "", nil)
	assert.False(t, wl.ShouldTrack(goodTrader(traderA)))
	assert.True(t, wl.ShouldTrack(goodTrader(traderB)))
}

func TestCopyAmount(t *testing.T) {
	tr := NewTracker(testConfig(), nil, nil, "", nil)
	assert.True(t, d("0.02").Equal(tr.CopyAmount(d("0.2"))))
	assert.True(t, d("0.05").Equal(tr.CopyAmount(d("3"))), "capped at max_sol_per_trade")
}

func TestConfigFrom(t *testing.T) {
	c := config.Default().CopyTrader
	c.CopyPercentage = 0.25
	c.BlacklistedTraders = []string{string(traderB)}
	cfg := ConfigFrom(c)
	assert.True(t, d("0.25").Equal(cfg.CopyPercentage))
	assert.Equal(t, []solana.Pubkey{traderB}, cfg.Blacklist)
}

func TestInit_FiltersStoredTraders(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	weak := goodTrader(traderB)
	weak.TotalTrades = 2
	require.NoError(t, f.store.RecordTrader(ctx, goodTrader(traderA)))
	require.NoError(t, f.store.RecordTrader(ctx, weak))

	require.NoError(t, f.tracker.Init(ctx))
	traders := f.tracker.Traders()
	require.Len(t, traders, 1)
	assert.Equal(t, string(traderA), traders[0].Address)
}

func TestAddRemoveTrader(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	require.NoError(t, f.tracker.AddTrader(ctx, goodTrader(traderA)))
	_, err := f.store.GetTrader(ctx, string(traderA))
	require.NoError(t, err, "added traders are persisted")

	weak := goodTrader(traderB)
	weak.WinRate = d("0.1")
	assert.ErrorIs(t, f.tracker.AddTrader(ctx, weak), errs.ErrValidation)

	bad := goodTrader(traderB)
	bad.Address = "not-a-key"
	assert.ErrorIs(t, f.tracker.AddTrader(ctx, bad), errs.ErrValidation)

	assert.True(t, f.tracker.RemoveTrader(traderA))
	assert.False(t, f.tracker.RemoveTrader(traderA))
	assert.Empty(t, f.tracker.Traders())
}

func TestTick_CopiesOnlyTradesAfterBaseline(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	require.NoError(t, f.tracker.AddTrader(ctx, goodTrader(traderA)))

	now := time.Now()
	old := buy("old-1", now.Add(-time.Hour), "1")
	f.adapter.SetTraderTrades(traderA, []exchange.TraderTrade{old})

	f.tracker.Tick(ctx)
	assert.Zero(t, f.manager.ActiveCount(position.KindCopy), "first fetch only records a baseline")

	fresh := buy("new-1", now, "0.2")
	f.adapter.SetTraderTrades(traderA, []exchange.TraderTrade{old, fresh})
	f.tracker.Tick(ctx)

	require.Equal(t, 1, f.manager.ActiveCount(position.KindCopy))
	assert.True(t, f.manager.HasOriginal("new-1"))

	copies := f.store.CopyTrades()
	require.Len(t, copies, 1)
	assert.Equal(t, "new-1", copies[0].OriginalTradeID)
	assert.Equal(t, string(traderA), copies[0].Trader)
	assert.Equal(t, "buy", copies[0].Side)
	assert.True(t, d("0.02").Equal(copies[0].AmountSOL))
	assert.Equal(t, position.StateExecuted.String(), copies[0].Status)

	// the same trade is not copied again
	f.tracker.Tick(ctx)
	assert.Len(t, f.store.CopyTrades(), 1)
	assert.EqualValues(t, 1, f.tracker.Stats().Copied)
}

func TestTick_SkipsIneligible(t *testing.T) {
	ctx := context.Background()

	t.Run("capacity", func(t *testing.T) {
		cfg := testConfig()
		cfg.MaxTraders = 1
		f := newFixture(t, cfg)
		require.NoError(t, f.tracker.AddTrader(ctx, goodTrader(traderA)))
		f.tracker.Tick(ctx)

		now := time.Now()
		f.adapter.SetTraderTrades(traderA, []exchange.TraderTrade{buy("a", now, "0.2"), buy("b", now.Add(time.Second), "0.2")})
		f.tracker.Tick(ctx)

		assert.Equal(t, 1, f.manager.ActiveCount(position.KindCopy))
		assert.EqualValues(t, 1, f.tracker.Stats().Skipped)
	})

	t.Run("balance", func(t *testing.T) {
		f := newFixture(t, testConfig())
		f.rpc.SetBalance(f.wallet, d("0.001"))
		require.NoError(t, f.tracker.AddTrader(ctx, goodTrader(traderA)))
		f.tracker.Tick(ctx)

		f.adapter.SetTraderTrades(traderA, []exchange.TraderTrade{buy("a", time.Now(), "0.2")})
		f.tracker.Tick(ctx)

		assert.Zero(t, f.manager.ActiveCount(position.KindCopy))
		assert.EqualValues(t, 1, f.tracker.Stats().Skipped)
	})

	t.Run("sell without holding", func(t *testing.T) {
		f := newFixture(t, testConfig())
		require.NoError(t, f.tracker.AddTrader(ctx, goodTrader(traderA)))
		f.tracker.Tick(ctx)

		sell := buy("s", time.Now(), "0.2")
		sell.Side = exchange.SideSell
		f.adapter.SetTraderTrades(traderA, []exchange.TraderTrade{sell})
		f.tracker.Tick(ctx)

		assert.Zero(t, f.manager.ActiveCount(position.KindCopy))
		assert.Empty(t, f.store.CopyTrades())
	})
}

func TestTick_SellWithHoldingMirrors(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	f.rpc.SetTokenBalance(mint, d("10000000"))
	require.NoError(t, f.tracker.AddTrader(ctx, goodTrader(traderA)))
	f.tracker.Tick(ctx)

	sell := buy("s", time.Now(), "0.2")
	sell.Side = exchange.SideSell
	f.adapter.SetTraderTrades(traderA, []exchange.TraderTrade{sell})
	f.tracker.Tick(ctx)

	copies := f.store.CopyTrades()
	require.Len(t, copies, 1)
	assert.Equal(t, "sell", copies[0].Side)
}

func TestTick_FetchErrorContinues(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	require.NoError(t, f.tracker.AddTrader(ctx, goodTrader(traderA)))

	f.adapter.FailNext("GetTraderTrades", errors.New("indexer timeout"))
	f.tracker.Tick(ctx)
	f.tracker.Tick(ctx) // baseline

	f.adapter.SetTraderTrades(traderA, []exchange.TraderTrade{buy("x", time.Now(), "0.2")})
	f.tracker.Tick(ctx)
	assert.Equal(t, 1, f.manager.ActiveCount(position.KindCopy))
}

func TestTick_RefreshDropsDegradedTrader(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	require.NoError(t, f.tracker.AddTrader(ctx, goodTrader(traderA)))

	worse := goodTrader(traderA)
	worse.WinRate = d("0.3")
	require.NoError(t, f.store.RecordTrader(ctx, worse))

	f.tracker.Tick(ctx)
	assert.Empty(t, f.tracker.Traders())
}
