// Package scanner polls the exchange for new launches, filters them and
// hands matches to the position manager as snipes.
package scanner

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/heaven-engine/internal/config"
	"github.com/nexus-trading/heaven-engine/internal/exchange"
	"github.com/nexus-trading/heaven-engine/internal/observability"
	"github.com/nexus-trading/heaven-engine/internal/position"
	"github.com/nexus-trading/heaven-engine/internal/solana"
	"github.com/nexus-trading/heaven-engine/internal/store"
)

// Config configures launch selection.
type Config struct {
	MaxSOLPerTrade  decimal.Decimal
	MinLiquiditySOL decimal.Decimal
	MinMarketCap    decimal.Decimal
	MaxMarketCap    decimal.Decimal
	VolumeThreshold decimal.Decimal
	Strategies      []Strategy
	Blacklist       []solana.Pubkey
	Whitelist       []solana.Pubkey

	// How long a mint stays in the dedup set.
	SeenTTL time.Duration
}

// ConfigFrom converts the sniper section of the engine config.
func ConfigFrom(c config.SniperConfig) (Config, error) {
	out := Config{
		MaxSOLPerTrade:  decimal.NewFromFloat(c.MaxSOLPerTrade),
		MinLiquiditySOL: decimal.NewFromFloat(c.MinLiquiditySOL),
		MinMarketCap:    decimal.NewFromFloat(c.MinMarketCap),
		MaxMarketCap:    decimal.NewFromFloat(c.MaxMarketCap),
		VolumeThreshold: decimal.NewFromFloat(c.VolumeThreshold),
		SeenTTL:         10 * time.Minute,
	}
	for _, name := range c.Strategies {
		s, err := ParseStrategy(name)
		if err != nil {
			return Config{}, err
		}
		out.Strategies = append(out.Strategies, s)
	}
	for _, m := range c.BlacklistedTokens {
		out.Blacklist = append(out.Blacklist, solana.Pubkey(m))
	}
	for _, m := range c.WhitelistedTokens {
		out.Whitelist = append(out.Whitelist, solana.Pubkey(m))
	}
	return out, nil
}

// Opener starts a snipe for a matched listing.
type Opener interface {
	OpenSnipe(ctx context.Context, l exchange.Listing, strategy string, amount decimal.Decimal) (position.Position, error)
}

// Match is a listing selected by a strategy.
type Match struct {
	Strategy Strategy
	Amount   decimal.Decimal
}

// Scanner selects new launches.
type Scanner struct {
	cfg       Config
	adapter   exchange.Adapter
	opener    Opener
	store     store.Store
	sink      *observability.Sink
	enabled   map[Strategy]bool
	blacklist map[solana.Pubkey]bool
	whitelist map[solana.Pubkey]bool
	now       func() time.Time

	mu        sync.RWMutex
	watermark time.Time
	lastScan  time.Time
	seen      map[solana.Pubkey]time.Time
	matches   map[Strategy]int64

	scans    atomic.Int64
	listings atomic.Int64
	rejected atomic.Int64
	sniped   atomic.Int64
	failures atomic.Int64
}

// NewScanner creates a scanner. The watermark starts at creation time, so
// launches that happened before the engine came up are ignored.
func NewScanner(cfg Config, adapter exchange.Adapter, opener Opener) *Scanner {
	if cfg.SeenTTL <= 0 {
		cfg.SeenTTL = 10 * time.Minute
	}
	s := &Scanner{
		cfg:       cfg,
		adapter:   adapter,
		opener:    opener,
		enabled:   make(map[Strategy]bool, len(cfg.Strategies)),
		blacklist: make(map[solana.Pubkey]bool, len(cfg.Blacklist)),
		whitelist: make(map[solana.Pubkey]bool, len(cfg.Whitelist)),
		now:       time.Now,
		seen:      make(map[solana.Pubkey]time.Time),
		matches:   make(map[Strategy]int64),
	}
	for _, st := range cfg.Strategies {
		s.enabled[st] = true
	}
	for _, m := range cfg.Blacklist {
		s.blacklist[m] = true
	}
	for _, m := range cfg.Whitelist {
		s.whitelist[m] = true
	}
	s.watermark = s.now()
	return s
}

func (s *Scanner) SetStore(st store.Store)          { s.store = st }
func (s *Scanner) SetSink(sink *observability.Sink) { s.sink = sink }

// Evaluate runs the common filters and then each enabled strategy in
// canonical order. The first match wins.
func (s *Scanner) Evaluate(l exchange.Listing) (Match, bool) {
	if !s.passesFilters(l) {
		return Match{}, false
	}
	for _, st := range AllStrategies {
		if !s.enabled[st] || !st.matches(l, s.cfg.VolumeThreshold) {
			continue
		}
		amount := positionSize(st, s.cfg.MaxSOLPerTrade, l.MarketCap)
		if !amount.IsPositive() {
			return Match{}, false
		}
		return Match{Strategy: st, Amount: amount}, true
	}
	return Match{}, false
}

func (s *Scanner) passesFilters(l exchange.Listing) bool {
	switch {
	case len(s.whitelist) > 0 && !s.whitelist[l.Mint]:
		return false
	case s.blacklist[l.Mint]:
		return false
	case l.MarketCap.LessThan(s.cfg.MinMarketCap):
		return false
	case s.cfg.MaxMarketCap.IsPositive() && l.MarketCap.GreaterThan(s.cfg.MaxMarketCap):
		return false
	case l.Liquidity.LessThan(s.cfg.MinLiquiditySOL):
		return false
	case l.Volume24h.LessThan(s.cfg.VolumeThreshold):
		return false
	}
	return true
}

// Tick fetches launches newer than the watermark, records them and opens
// a snipe for each match. A failed scan is logged and counted.
func (s *Scanner) Tick(ctx context.Context) {
	start := s.now()
	s.scans.Add(1)

	launches, err := s.adapter.ScanNewLaunches(ctx)
	if err != nil {
		s.failures.Add(1)
		s.sink.Error("scanner", err)
		log.Warn().Err(err).Msg("scanner: scan failed")
		return
	}

	s.mu.Lock()
	watermark := s.watermark
	s.watermark = start
	s.lastScan = start
	s.evictSeen(start)
	fresh := make([]exchange.Listing, 0, len(launches))
	for _, l := range launches {
		if !l.LaunchTime.After(watermark) {
			continue
		}
		if _, dup := s.seen[l.Mint]; dup {
			continue
		}
		s.seen[l.Mint] = start
		fresh = append(fresh, l)
	}
	s.mu.Unlock()

	for _, l := range fresh {
		if ctx.Err() != nil {
			return
		}
		s.listings.Add(1)
		s.record(ctx, l)

		m, ok := s.Evaluate(l)
		if !ok {
			s.rejected.Add(1)
			log.Debug().Str("mint", string(l.Mint)).Str("symbol", l.Symbol).Msg("scanner: listing rejected")
			continue
		}
		s.mu.Lock()
		s.matches[m.Strategy]++
		s.mu.Unlock()

		log.Info().
			Str("mint", string(l.Mint)).
			Str("symbol", l.Symbol).
			Str("strategy", m.Strategy.String()).
			Str("market_cap", l.MarketCap.String()).
			Str("amount_sol", m.Amount.String()).
			Msg("scanner: launch matched")

		if _, err := s.opener.OpenSnipe(ctx, l, m.Strategy.String(), m.Amount); err != nil {
			s.sink.Error("scanner", err)
			log.Warn().Err(err).Str("mint", string(l.Mint)).Msg("scanner: snipe not opened")
			continue
		}
		s.sniped.Add(1)
	}
}

// evictSeen drops dedup entries older than SeenTTL. Caller holds mu.
func (s *Scanner) evictSeen(now time.Time) {
	for mint, at := range s.seen {
		if now.Sub(at) > s.cfg.SeenTTL {
			delete(s.seen, mint)
		}
	}
}

func (s *Scanner) record(ctx context.Context, l exchange.Listing) {
	if s.store == nil {
		return
	}
	err := s.store.RecordListing(ctx, store.Listing{
		Mint:             string(l.Mint),
		Name:             l.Name,
		Symbol:           l.Symbol,
		LaunchTime:       l.LaunchTime,
		Price:            l.Price,
		MarketCap:        l.MarketCap,
		Liquidity:        l.Liquidity,
		Volume24h:        l.Volume24h,
		Category:         l.Category,
		HasFlywheel:      l.HasFlywheel,
		FlywheelActivity: l.FlywheelActivity,
		Creator:          string(l.Creator),
	})
	if err != nil {
		log.Warn().Err(err).Str("mint", string(l.Mint)).Msg("scanner: persist listing failed")
	}
}

// Status is the scanner's view for /status.
type Status struct {
	LastScan     time.Time        `json:"last_scan"`
	Scans        int64            `json:"scans"`
	ListingsSeen int64            `json:"listings_seen"`
	Rejected     int64            `json:"rejected"`
	Sniped       int64            `json:"sniped"`
	ScanFailures int64            `json:"scan_failures"`
	Matches      map[string]int64 `json:"matches"`
	Strategies   []string         `json:"strategies"`
}

func (s *Scanner) Status() Status {
	s.mu.RLock()
	matches := make(map[string]int64, len(s.matches))
	for st, n := range s.matches {
		matches[st.String()] = n
	}
	last := s.lastScan
	s.mu.RUnlock()

	strategies := make([]string, 0, len(s.cfg.Strategies))
	for _, st := range AllStrategies {
		if s.enabled[st] {
			strategies = append(strategies, st.String())
		}
	}
	return Status{
		LastScan:     last,
		Scans:        s.scans.Load(),
		ListingsSeen: s.listings.Load(),
		Rejected:     s.rejected.Load(),
		Sniped:       s.sniped.Load(),
		ScanFailures: s.failures.Load(),
		Matches:      matches,
		Strategies:   strategies,
	}
}

// LastScan is the start time of the most recent successful scan.
func (s *Scanner) LastScan() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastScan
}
