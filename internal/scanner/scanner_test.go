package scanner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/heaven-engine/internal/config"
	"github.com/nexus-trading/heaven-engine/internal/errs"
	"github.com/nexus-trading/heaven-engine/internal/exchange"
	"github.com/nexus-trading/heaven-engine/internal/position"
	"github.com/nexus-trading/heaven-engine/internal/solana"
	"github.com/nexus-trading/heaven-engine/internal/store"
)

const (
	mintA solana.Pubkey = "2DY95Rfy7etKwoaWxDUiezXcix4sExZyLK9xgMdwdXh7"
	mintB solana.Pubkey = "2cBSmz85TDUKsJWd1FBwBMZMcmDLgA5mqriyAcDodiwg"
	mintC solana.Pubkey = "7EAKWQCsy6o6cC6qxPjciVukPKexY9j8dJ4BAacVgnTB"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type opened struct {
	mint     solana.Pubkey
	strategy string
	amount   decimal.Decimal
}

type fakeOpener struct {
	mu    sync.Mutex
	calls []opened
	err   error
}

func (f *fakeOpener) OpenSnipe(_ context.Context, l exchange.Listing, strategy string, amount decimal.Decimal) (position.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, opened{mint: l.Mint, strategy: strategy, amount: amount})
	if f.err != nil {
		return position.Position{}, f.err
	}
	return position.Position{Mint: l.Mint, Strategy: strategy, AmountSOL: amount}, nil
}

func testConfig() Config {
	return Config{
		MaxSOLPerTrade:  d("0.1"),
		MinLiquiditySOL: d("1"),
		MinMarketCap:    d("0"),
		MaxMarketCap:    d("1000000"),
		VolumeThreshold: d("100"),
		Strategies:      AllStrategies,
	}
}

// goodListing passes the common filters and matches only CommunityToken.
func goodListing(mint solana.Pubkey, launched time.Time) exchange.Listing {
	return exchange.Listing{
		Mint:       mint,
		Symbol:     "HVN",
		LaunchTime: launched,
		MarketCap:  d("50000"),
		Liquidity:  d("5"),
		Volume24h:  d("200"),
		Category:   exchange.CategoryCommunity,
	}
}

func TestParseStrategy(t *testing.T) {
	for _, s := range AllStrategies {
		got, err := ParseStrategy(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	_, err := ParseStrategy("moon_shot")
	assert.ErrorIs(t, err, errs.ErrConfig)
}

func TestConfigFrom(t *testing.T) {
	cfg := config.Default()
	cfg.Sniper.Strategies = []string{"high_volume", "creator_token"}
	cfg.Sniper.BlacklistedTokens = []string{string(mintA)}

	out, err := ConfigFrom(cfg.Sniper)
	require.NoError(t, err)
	assert.Equal(t, []Strategy{HighVolume, CreatorToken}, out.Strategies)
	assert.Equal(t, []solana.Pubkey{mintA}, out.Blacklist)

	cfg.Sniper.Strategies = []string{"nope"}
	_, err = ConfigFrom(cfg.Sniper)
	assert.Error(t, err)
}

func TestPositionSize(t *testing.T) {
	maxSOL := d("0.1")
	cases := []struct {
		strategy Strategy
		mcap     string
		want     string
	}{
		{CreatorToken, "50000", "0.1"},
		{CommunityToken, "50000", "0.07"},
		{HighVolume, "50000", "0.1"}, // 0.12 capped at max
		{LowMarketCap, "5000", "0.08"},
		{FlywheelActive, "50000", "0.1"}, // 0.11 capped
		{HighVolume, "500", "0.06"},      // risk halves 0.12
		{CommunityToken, "999", "0.035"},
	}
	for _, tc := range cases {
		got := positionSize(tc.strategy, maxSOL, d(tc.mcap))
		assert.True(t, d(tc.want).Equal(got), "%s mcap=%s: got %s want %s", tc.strategy, tc.mcap, got, tc.want)
	}
}

func TestEvaluate_StrategyOrder(t *testing.T) {
	s := NewScanner(testConfig(), exchange.NewStubAdapter(), &fakeOpener{})
	now := time.Now()

	creator := goodListing(mintA, now)
	creator.Category = exchange.CategoryCreator
	creator.HasFlywheel = true
	creator.FlywheelActivity = d("3")
	m, ok := s.Evaluate(creator)
	require.True(t, ok)
	assert.Equal(t, CreatorToken, m.Strategy, "creator wins over flywheel")

	community := goodListing(mintA, now)
	community.Volume24h = d("5000")
	m, ok = s.Evaluate(community)
	require.True(t, ok)
	assert.Equal(t, CommunityToken, m.Strategy, "community wins over high volume")

	volume := goodListing(mintA, now)
	volume.Category = "other"
	volume.Volume24h = d("1001")
	m, ok = s.Evaluate(volume)
	require.True(t, ok)
	assert.Equal(t, HighVolume, m.Strategy)

	low := goodListing(mintA, now)
	low.Category = "other"
	low.MarketCap = d("9999")
	m, ok = s.Evaluate(low)
	require.True(t, ok)
	assert.Equal(t, LowMarketCap, m.Strategy)

	none := goodListing(mintA, now)
	none.Category = "other"
	_, ok = s.Evaluate(none)
	assert.False(t, ok)
}

func TestEvaluate_OnlyEnabledStrategies(t *testing.T) {
	cfg := testConfig()
	cfg.Strategies = []Strategy{FlywheelActive, HighVolume}
	s := NewScanner(cfg, exchange.NewStubAdapter(), &fakeOpener{})

	l := goodListing(mintA, time.Now())
	l.Volume24h = d("5000")
	l.HasFlywheel = true
	l.FlywheelActivity = d("1")

	m, ok := s.Evaluate(l)
	require.True(t, ok)
	assert.Equal(t, HighVolume, m.Strategy, "canonical order regardless of config order")
}

func TestEvaluate_CommonFilters(t *testing.T) {
	base := goodListing(mintA, time.Now())

	cases := map[string]func(cfg *Config, l *exchange.Listing){
		"blacklisted":     func(cfg *Config, _ *exchange.Listing) { cfg.Blacklist = []solana.Pubkey{mintA} },
		"not whitelisted": func(cfg *Config, _ *exchange.Listing) { cfg.Whitelist = []solana.Pubkey{mintB} },
		"mcap too low":    func(cfg *Config, _ *exchange.Listing) { cfg.MinMarketCap = d("60000") },
		"mcap too high":   func(_ *Config, l *exchange.Listing) { l.MarketCap = d("2000000") },
		"thin liquidity":  func(_ *Config, l *exchange.Listing) { l.Liquidity = d("0.5") },
		"low volume":      func(_ *Config, l *exchange.Listing) { l.Volume24h = d("99") },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig()
			l := base
			mutate(&cfg, &l)
			s := NewScanner(cfg, exchange.NewStubAdapter(), &fakeOpener{})
			_, ok := s.Evaluate(l)
			assert.False(t, ok)
		})
	}

	t.Run("whitelisted passes", func(t *testing.T) {
		cfg := testConfig()
		cfg.Whitelist = []solana.Pubkey{mintA}
		s := NewScanner(cfg, exchange.NewStubAdapter(), &fakeOpener{})
		_, ok := s.Evaluate(base)
		assert.True(t, ok)
	})
}

func TestTick_OpensMatchesAndAdvancesWatermark(t *testing.T) {
	adapter := exchange.NewStubAdapter()
	opener := &fakeOpener{}
	st := store.NewMemoryStore()

	clock := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s := NewScanner(testConfig(), adapter, opener)
	s.now = func() time.Time { return clock }
	s.watermark = clock
	s.SetStore(st)

	adapter.AddListing(goodListing(mintA, clock.Add(-time.Minute))) // before watermark
	adapter.AddListing(goodListing(mintB, clock.Add(time.Second)))
	rejected := goodListing(mintC, clock.Add(2*time.Second))
	rejected.Liquidity = d("0")
	adapter.AddListing(rejected)

	clock = clock.Add(5 * time.Second)
	s.Tick(context.Background())

	require.Len(t, opener.calls, 1)
	assert.Equal(t, mintB, opener.calls[0].mint)
	assert.Equal(t, "community_token", opener.calls[0].strategy)
	assert.True(t, d("0.07").Equal(opener.calls[0].amount))

	listings, err := st.RecentListings(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, listings, 2, "every new listing is recorded, matched or not")

	st2 := s.Status()
	assert.Equal(t, clock, st2.LastScan)
	assert.EqualValues(t, 2, st2.ListingsSeen)
	assert.EqualValues(t, 1, st2.Rejected)
	assert.EqualValues(t, 1, st2.Sniped)
	assert.EqualValues(t, 1, st2.Matches["community_token"])

	// nothing new on the next tick
	clock = clock.Add(5 * time.Second)
	s.Tick(context.Background())
	assert.Len(t, opener.calls, 1)
}

func TestTick_SameMintNotSnipedTwice(t *testing.T) {
	adapter := exchange.NewStubAdapter()
	opener := &fakeOpener{}
	clock := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s := NewScanner(testConfig(), adapter, opener)
	s.now = func() time.Time { return clock }
	s.watermark = clock.Add(-time.Hour)

	// launched after the next tick start, so it clears both watermarks
	adapter.AddListing(goodListing(mintA, clock.Add(time.Minute)))
	s.Tick(context.Background())
	clock = clock.Add(time.Second)
	s.Tick(context.Background())

	assert.Len(t, opener.calls, 1)
}

func TestTick_ScanErrorIsNotFatal(t *testing.T) {
	adapter := exchange.NewStubAdapter()
	opener := &fakeOpener{}
	s := NewScanner(testConfig(), adapter, opener)
	start := s.watermark

	adapter.FailNext("ScanNewLaunches", errors.New("indexer 502"))
	s.Tick(context.Background())

	assert.EqualValues(t, 1, s.Status().ScanFailures)
	assert.Equal(t, start, s.watermark, "a failed scan keeps the watermark")
	assert.True(t, s.LastScan().IsZero())
}

func TestTick_OpenErrorContinues(t *testing.T) {
	adapter := exchange.NewStubAdapter()
	opener := &fakeOpener{err: errs.InsufficientBalance("0.07", "0.01")}
	clock := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s := NewScanner(testConfig(), adapter, opener)
	s.now = func() time.Time { return clock }
	s.watermark = clock

	adapter.AddListing(goodListing(mintA, clock.Add(time.Second)))
	adapter.AddListing(goodListing(mintB, clock.Add(2*time.Second)))
	clock = clock.Add(time.Minute)
	s.Tick(context.Background())

	assert.Len(t, opener.calls, 2)
	assert.Zero(t, s.Status().Sniped)
}
