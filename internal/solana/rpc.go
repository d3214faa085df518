package solana

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/heaven-engine/internal/errs"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// RPC Client Interface
// ---------------------------------------------------------------------------

// RPCClient is the interface for Solana RPC interactions.
// Implementations: LiveRPCClient (real Solana), StubRPCClient (testing).
type RPCClient interface {
	// GetBalance returns the SOL balance of an account.
	GetBalance(ctx context.Context, account Pubkey) (decimal.Decimal, error)

	// GetTokenBalance returns the UI amount of mint held by owner across all
	// of its token accounts.
	GetTokenBalance(ctx context.Context, owner, mint Pubkey) (decimal.Decimal, error)

	GetLatestBlockhash(ctx context.Context) (Blockhash, error)

	GetSlot(ctx context.Context) (Slot, error)

	// SendTransaction submits a signed, base64 encoded transaction.
	SendTransaction(ctx context.Context, txBase64 string) (Signature, error)

	// GetTransactionStatus reports pending, ok or err. For err the second
	// return carries the on-chain error detail.
	GetTransactionStatus(ctx context.Context, sig Signature) (TxStatus, string, error)

	// GetRecentPrioritizationFees returns recent fees, most recent slot first.
	GetRecentPrioritizationFees(ctx context.Context) ([]PrioritizationFee, error)

	Health(ctx context.Context) error
}

// RPCConfig configures the Solana RPC client.
type RPCConfig struct {
	Endpoint     string        `yaml:"endpoint"`
	WSEndpoint   string        `yaml:"ws_endpoint"`
	Commitment   string        `yaml:"commitment"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RateLimitRPS float64       `yaml:"rate_limit_rps"`
}

// DefaultRPCConfig returns mainnet defaults.
func DefaultRPCConfig() RPCConfig {
	return RPCConfig{
		Endpoint:     "https://api.mainnet-beta.solana.com",
		WSEndpoint:   "wss://api.mainnet-beta.solana.com",
		Commitment:   "confirmed",
		Timeout:      10 * time.Second,
		MaxRetries:   3,
		RateLimitRPS: 10,
	}
}

// ---------------------------------------------------------------------------
// Stub RPC Client (for testing, dry-run and stub mode)
// ---------------------------------------------------------------------------

type scriptedStatus struct {
	status TxStatus
	detail string
}

// StubRPCClient is a scripted in-memory ledger.
type StubRPCClient struct {
	mu            sync.RWMutex
	balances      map[Pubkey]decimal.Decimal
	tokenBalances map[Pubkey]decimal.Decimal // mint -> amount, any owner
	defaultSOL    decimal.Decimal
	blockhash     Blockhash
	fees          []PrioritizationFee
	statuses      map[Signature]scriptedStatus
	defaultStatus scriptedStatus
	sent          []string

	failNext  bool
	failSends int
	slot      atomic.Uint64
	sigSeq    atomic.Int64
}

// NewStubRPCClient creates a stub with 10 SOL in every account and
// transactions that confirm on the first poll.
func NewStubRPCClient() *StubRPCClient {
	s := &StubRPCClient{
		balances:      make(map[Pubkey]decimal.Decimal),
		tokenBalances: make(map[Pubkey]decimal.Decimal),
		defaultSOL:    decimal.NewFromFloat(10.0),
		blockhash: Blockhash{
			Hash:                 "EkSnNWid2cvwEVnVx9aBqawnmiCNiDgp3gUdkDPTKN1N",
			LastValidBlockHeight: 1_000,
		},
		statuses:      make(map[Signature]scriptedStatus),
		defaultStatus: scriptedStatus{status: TxOK},
	}
	s.slot.Store(1)
	return s
}

// SetBalance sets the SOL balance for an account.
func (s *StubRPCClient) SetBalance(account Pubkey, sol decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[account] = sol
}

// SetDefaultBalance sets the SOL balance for accounts without an explicit one.
func (s *StubRPCClient) SetDefaultBalance(sol decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaultSOL = sol
}

func (s *StubRPCClient) SetTokenBalance(mint Pubkey, amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenBalances[mint] = amount
}

// SetFees scripts getRecentPrioritizationFees. Callers pass them most
// recent first.
func (s *StubRPCClient) SetFees(fees []PrioritizationFee) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fees = append([]PrioritizationFee(nil), fees...)
}

// SetStatus scripts the status reported for a signature.
func (s *StubRPCClient) SetStatus(sig Signature, status TxStatus, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[sig] = scriptedStatus{status: status, detail: detail}
}

// SetDefaultStatus scripts the status reported for unknown signatures.
func (s *StubRPCClient) SetDefaultStatus(status TxStatus, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaultStatus = scriptedStatus{status: status, detail: detail}
}

func (s *StubRPCClient) SetSlot(slot Slot) {
	s.slot.Store(slot)
}

// SetFailNext makes the next call fail.
func (s *StubRPCClient) SetFailNext() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = true
}

// FailSends makes the next n SendTransaction calls fail.
func (s *StubRPCClient) FailSends(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSends = n
}

// Sent returns every transaction accepted by SendTransaction, in order.
func (s *StubRPCClient) Sent() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.sent...)
}

func (s *StubRPCClient) shouldFail() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext {
		s.failNext = false
		return true
	}
	return false
}

func stubFailure(method string) error {
	return errs.Wrap(errs.ErrRPC, "stub: simulated %s failure", method)
}

// --- Interface implementation ---

func (s *StubRPCClient) GetBalance(_ context.Context, account Pubkey) (decimal.Decimal, error) {
	if s.shouldFail() {
		return decimal.Zero, stubFailure("getBalance")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if bal, ok := s.balances[account]; ok {
		return bal, nil
	}
	return s.defaultSOL, nil
}

func (s *StubRPCClient) GetTokenBalance(_ context.Context, _ Pubkey, mint Pubkey) (decimal.Decimal, error) {
	if s.shouldFail() {
		return decimal.Zero, stubFailure("getTokenAccountsByOwner")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokenBalances[mint], nil
}

func (s *StubRPCClient) GetLatestBlockhash(_ context.Context) (Blockhash, error) {
	if s.shouldFail() {
		return Blockhash{}, stubFailure("getLatestBlockhash")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.blockhash, nil
}

func (s *StubRPCClient) GetSlot(_ context.Context) (Slot, error) {
	if s.shouldFail() {
		return 0, stubFailure("getSlot")
	}
	return s.slot.Load(), nil
}

func (s *StubRPCClient) SendTransaction(_ context.Context, txBase64 string) (Signature, error) {
	if s.shouldFail() {
		return "", stubFailure("sendTransaction")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSends > 0 {
		s.failSends--
		return "", stubFailure("sendTransaction")
	}
	s.sent = append(s.sent, txBase64)
	return Signature(fmt.Sprintf("STUB-SIG-%d", s.sigSeq.Add(1))), nil
}

func (s *StubRPCClient) GetTransactionStatus(_ context.Context, sig Signature) (TxStatus, string, error) {
	if s.shouldFail() {
		return "", "", stubFailure("getSignatureStatuses")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.statuses[sig]
	if !ok {
		st = s.defaultStatus
	}
	return st.status, st.detail, nil
}

func (s *StubRPCClient) GetRecentPrioritizationFees(_ context.Context) ([]PrioritizationFee, error) {
	if s.shouldFail() {
		return nil, stubFailure("getRecentPrioritizationFees")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]PrioritizationFee(nil), s.fees...), nil
}

func (s *StubRPCClient) Health(_ context.Context) error {
	if s.shouldFail() {
		return stubFailure("getHealth")
	}
	return nil
}
