package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const (
	defaultTradeLimit   = 100
	defaultListingLimit = 50
)

// MemoryStore keeps everything in maps. Used for dry runs and tests.
type MemoryStore struct {
	mu            sync.RWMutex
	trades        map[string]Trade
	listings      map[string]Listing
	copyTrades    map[string]CopyTrade
	traders       map[string]Trader
	bundles       map[string]Bundle
	bundleResults []BundleResult
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trades:     make(map[string]Trade),
		listings:   make(map[string]Listing),
		copyTrades: make(map[string]CopyTrade),
		traders:    make(map[string]Trader),
		bundles:    make(map[string]Bundle),
	}
}

func (m *MemoryStore) RecordTrade(_ context.Context, t Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades[t.ID] = t
	return nil
}

func (m *MemoryStore) GetTrade(_ context.Context, id string) (Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trades[id]
	if !ok {
		return Trade{}, ErrNotFound
	}
	return t, nil
}

func (m *MemoryStore) TradesByToken(_ context.Context, mint string, limit int) ([]Trade, error) {
	if limit <= 0 {
		limit = defaultTradeLimit
	}
	m.mu.RLock()
	var out []Trade
	for _, t := range m.trades {
		if t.Mint == mint {
			out = append(out, t)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Time.After(out[j].Time) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) TotalTrades(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.trades)), nil
}

func (m *MemoryStore) DailyPnL(_ context.Context, day time.Time) (decimal.Decimal, error) {
	start, end := dayBounds(day)
	m.mu.RLock()
	defer m.mu.RUnlock()

	pnl := decimal.Zero
	for _, t := range m.trades {
		if t.Time.Before(start) || !t.Time.Before(end) || t.Status == "failed" {
			continue
		}
		if t.Side == "sell" {
			pnl = pnl.Add(t.AmountSOL)
		} else {
			pnl = pnl.Sub(t.AmountSOL)
		}
	}
	return pnl, nil
}

func (m *MemoryStore) RecordListing(_ context.Context, l Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listings[l.Mint] = l
	return nil
}

func (m *MemoryStore) RecentListings(_ context.Context, limit int) ([]Listing, error) {
	if limit <= 0 {
		limit = defaultListingLimit
	}
	m.mu.RLock()
	out := make([]Listing, 0, len(m.listings))
	for _, l := range m.listings {
		out = append(out, l)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].LaunchTime.After(out[j].LaunchTime) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) RecordCopyTrade(_ context.Context, c CopyTrade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.copyTrades[c.ID] = c
	return nil
}

// CopyTrades returns every recorded copy trade.
func (m *MemoryStore) CopyTrades() []CopyTrade {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]CopyTrade, 0, len(m.copyTrades))
	for _, c := range m.copyTrades {
		out = append(out, c)
	}
	return out
}

func (m *MemoryStore) RecordTrader(_ context.Context, t Trader) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.traders[t.Address] = t
	return nil
}

func (m *MemoryStore) TrackedTraders(_ context.Context) ([]Trader, error) {
	m.mu.RLock()
	out := make([]Trader, 0, len(m.traders))
	for _, t := range m.traders {
		out = append(out, t)
	}
	m.mu.RUnlock()

	sortByProfit(out)
	return out, nil
}

func (m *MemoryStore) GetTrader(_ context.Context, address string) (Trader, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.traders[address]
	if !ok {
		return Trader{}, ErrNotFound
	}
	return t, nil
}

func (m *MemoryStore) RecordBundle(_ context.Context, b Bundle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bundles[b.ID] = b
	return nil
}

// Bundle returns a recorded bundle header.
func (m *MemoryStore) Bundle(id string) (Bundle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bundles[id]
	return b, ok
}

func (m *MemoryStore) RecordBundleResult(_ context.Context, r BundleResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bundleResults = append(m.bundleResults, r)
	return nil
}

func (m *MemoryStore) Cleanup(_ context.Context, days int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -days)
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for id, t := range m.trades {
		if t.Time.Before(cutoff) {
			delete(m.trades, id)
			removed++
		}
	}
	for mint, l := range m.listings {
		if l.LaunchTime.Before(cutoff) {
			delete(m.listings, mint)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStore) Stats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{
		Trades:        int64(len(m.trades)),
		Listings:      int64(len(m.listings)),
		CopyTrades:    int64(len(m.copyTrades)),
		Traders:       int64(len(m.traders)),
		Bundles:       int64(len(m.bundles)),
		BundleResults: int64(len(m.bundleResults)),
	}, nil
}

func (m *MemoryStore) Close() error { return nil }
