package exchange

import (
	"context"
	"encoding/binary"
	"sort"
	"sync"

	sol "github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/heaven-engine/internal/errs"
	"github.com/nexus-trading/heaven-engine/internal/quote"
	"github.com/nexus-trading/heaven-engine/internal/solana"
)

// StubProgramID is the program the stub's instructions are addressed to.
const StubProgramID solana.Pubkey = "HEAVENoP2qxoeuF7Dtq6xsYxKd5BnMZpjzAkjzgSyVnh"

// StubAdapter is an in-memory exchange with real quote math. Used in
// dry-run and stub modes and by tests of every caller.
type StubAdapter struct {
	mu       sync.RWMutex
	pools    map[solana.Pubkey]quote.Pool
	prices   map[solana.Pubkey]decimal.Decimal
	listings []Listing
	trades   map[solana.Pubkey][]TraderTrade
	failNext map[string]error
	pingErr  error
}

func NewStubAdapter() *StubAdapter {
	return &StubAdapter{
		pools:    make(map[solana.Pubkey]quote.Pool),
		prices:   make(map[solana.Pubkey]decimal.Decimal),
		trades:   make(map[solana.Pubkey][]TraderTrade),
		failNext: make(map[string]error),
	}
}

// SetPool installs a pool snapshot for mint.
func (s *StubAdapter) SetPool(mint solana.Pubkey, p quote.Pool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pools[mint] = p
}

// SetPrice overrides the price returned for mint. Without an override the
// pool's spot price is used.
func (s *StubAdapter) SetPrice(mint solana.Pubkey, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[mint] = price
}

// AddListing queues a launch for ScanNewLaunches.
func (s *StubAdapter) AddListing(l Listing) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listings = append(s.listings, l)
}

// SetTraderTrades replaces the trades reported for trader.
func (s *StubAdapter) SetTraderTrades(trader solana.Pubkey, trades []TraderTrade) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades[trader] = append([]TraderTrade(nil), trades...)
}

// SetTradeStatus updates the status of one trader trade.
func (s *StubAdapter) SetTradeStatus(trader solana.Pubkey, tradeID, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.trades[trader] {
		if s.trades[trader][i].ID == tradeID {
			s.trades[trader][i].Status = status
		}
	}
}

// FailNext makes the next call of the named method return err.
func (s *StubAdapter) FailNext(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[method] = err
}

// SetPingError sets the error Ping returns until cleared with nil.
func (s *StubAdapter) SetPingError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingErr = err
}

func (s *StubAdapter) takeFailure(method string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err, ok := s.failNext[method]
	if !ok {
		return nil
	}
	delete(s.failNext, method)
	return err
}

func (s *StubAdapter) GetPoolState(_ context.Context, mint solana.Pubkey) (quote.Pool, error) {
	if err := s.takeFailure("GetPoolState"); err != nil {
		return quote.Pool{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pools[mint]
	if !ok {
		return quote.Pool{}, errs.Wrap(errs.ErrPoolNotFound, "stub: %s", mint)
	}
	return p, nil
}

func (s *StubAdapter) GetBuyQuote(ctx context.Context, mint solana.Pubkey, solIn, maxSlippage decimal.Decimal) (quote.Quote, error) {
	if err := s.takeFailure("GetBuyQuote"); err != nil {
		return quote.Quote{}, err
	}
	pool, err := s.GetPoolState(ctx, mint)
	if err != nil {
		return quote.Quote{}, err
	}
	return quote.Compute(pool, quote.Buy, solIn, maxSlippage)
}

func (s *StubAdapter) GetSellQuote(ctx context.Context, mint solana.Pubkey, tokensIn, maxSlippage decimal.Decimal) (quote.Quote, error) {
	if err := s.takeFailure("GetSellQuote"); err != nil {
		return quote.Quote{}, err
	}
	pool, err := s.GetPoolState(ctx, mint)
	if err != nil {
		return quote.Quote{}, err
	}
	return quote.Compute(pool, quote.Sell, tokensIn, maxSlippage)
}

func (s *StubAdapter) CreateBuyInstruction(_ context.Context, owner, mint solana.Pubkey, solIn, minTokensOut decimal.Decimal) (Instruction, error) {
	if err := s.takeFailure("CreateBuyInstruction"); err != nil {
		return nil, err
	}
	return stubInstruction(0, owner, mint, solIn, minTokensOut)
}

func (s *StubAdapter) CreateSellInstruction(_ context.Context, owner, mint solana.Pubkey, tokensIn, minSOLOut decimal.Decimal) (Instruction, error) {
	if err := s.takeFailure("CreateSellInstruction"); err != nil {
		return nil, err
	}
	return stubInstruction(1, owner, mint, tokensIn, minSOLOut)
}

// stubInstruction encodes [side, amount*1e9 LE u64, minOut*1e9 LE u64].
func stubInstruction(side byte, owner, mint solana.Pubkey, amount, minOut decimal.Decimal) (Instruction, error) {
	ownerKey, err := sol.PublicKeyFromBase58(string(owner))
	if err != nil {
		return nil, errs.Validation("stub: owner %q: %v", owner, err)
	}
	mintKey, err := sol.PublicKeyFromBase58(string(mint))
	if err != nil {
		return nil, errs.Validation("stub: mint %q: %v", mint, err)
	}
	data := make([]byte, 17)
	data[0] = side
	binary.LittleEndian.PutUint64(data[1:9], solana.SOLToLamports(amount))
	binary.LittleEndian.PutUint64(data[9:17], solana.SOLToLamports(minOut))

	return sol.NewInstruction(
		sol.MustPublicKeyFromBase58(string(StubProgramID)),
		sol.AccountMetaSlice{
			sol.NewAccountMeta(ownerKey, true, true),
			sol.NewAccountMeta(mintKey, true, false),
		},
		data,
	), nil
}

// ScanNewLaunches returns every queued listing, oldest first.
func (s *StubAdapter) ScanNewLaunches(_ context.Context) ([]Listing, error) {
	if err := s.takeFailure("ScanNewLaunches"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := append([]Listing(nil), s.listings...)
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].LaunchTime.Before(out[j].LaunchTime) })
	return out, nil
}

func (s *StubAdapter) GetTraderTrades(_ context.Context, trader solana.Pubkey) ([]TraderTrade, error) {
	if err := s.takeFailure("GetTraderTrades"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]TraderTrade(nil), s.trades[trader]...), nil
}

func (s *StubAdapter) GetTokenPrice(ctx context.Context, mint solana.Pubkey) (decimal.Decimal, error) {
	if err := s.takeFailure("GetTokenPrice"); err != nil {
		return decimal.Zero, err
	}
	s.mu.RLock()
	price, ok := s.prices[mint]
	s.mu.RUnlock()
	if ok {
		return price, nil
	}
	pool, err := s.GetPoolState(ctx, mint)
	if err != nil {
		return decimal.Zero, err
	}
	return pool.SpotPrice()
}

func (s *StubAdapter) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pingErr
}
