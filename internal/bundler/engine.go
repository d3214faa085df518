package bundler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/heaven-engine/internal/audit"
	"github.com/nexus-trading/heaven-engine/internal/bus"
	"github.com/nexus-trading/heaven-engine/internal/errs"
	"github.com/nexus-trading/heaven-engine/internal/observability"
	"github.com/nexus-trading/heaven-engine/internal/solana"
	"github.com/nexus-trading/heaven-engine/internal/store"
)

// Sender submits a signed bundle transaction. solana.RPCSender and
// solana.JitoSender implement it.
type Sender interface {
	Name() string
	Send(ctx context.Context, tx solana.SignedTx) (solana.Signature, error)
}

// SlotSource reports the current slot without a network round trip.
type SlotSource interface {
	CurrentSlot() solana.Slot
}

// ResultWriter receives every terminal result for analytics.
type ResultWriter interface {
	WriteBundleResult(ctx context.Context, r store.BundleResult) error
}

type Config struct {
	MaxBundleSize    int
	MaxBundleTime    time.Duration
	FeeMultiplier    float64
	BaseFee          uint64 // micro-lamports per CU
	ComputeUnitLimit uint32 // per transaction
	TargetBlock      *uint64

	SubmitAttempts  int
	SubmitBackoff   time.Duration // multiplied by the attempt number
	ConfirmAttempts int
	ConfirmInterval time.Duration
	HistoryLimit    int
}

// DefaultConfig returns the submission policy: 3 attempts with 100ms linear
// backoff, 30 confirmation polls one second apart, 1000 results retained.
func DefaultConfig() Config {
	return Config{
		MaxBundleSize:    10,
		MaxBundleTime:    time.Second,
		FeeMultiplier:    1.5,
		BaseFee:          1_000_000,
		ComputeUnitLimit: 200_000,
		SubmitAttempts:   3,
		SubmitBackoff:    100 * time.Millisecond,
		ConfirmAttempts:  30,
		ConfirmInterval:  time.Second,
		HistoryLimit:     1000,
	}
}

// Engine owns the pending and active bundles and the result history.
type Engine struct {
	cfg    Config
	rpc    solana.RPCClient
	wallet *solana.Wallet
	sender Sender
	slots  SlotSource

	store     store.Store
	sink      *observability.Sink
	trail     *audit.Trail
	pub       *bus.Publisher
	analytics ResultWriter

	mu       sync.RWMutex
	pending  []*Bundle
	active   map[string]*Bundle
	history  []Result
	lastFees []solana.PrioritizationFee

	inflight sync.WaitGroup

	running       atomic.Bool
	totalBundles  atomic.Int64
	totalTxs      atomic.Int64
	confirmed     atomic.Int64
	failed        atomic.Int64
	submittedTxs  atomic.Int64
	submittedRuns atomic.Int64

	now   func() time.Time
	sleep solana.SleepFunc
}

// NewEngine creates an engine. sender defaults to the RPC path.
func NewEngine(cfg Config, rpc solana.RPCClient, wallet *solana.Wallet, sender Sender) *Engine {
	def := DefaultConfig()
	if cfg.MaxBundleSize <= 0 {
		cfg.MaxBundleSize = def.MaxBundleSize
	}
	if cfg.MaxBundleTime <= 0 {
		cfg.MaxBundleTime = def.MaxBundleTime
	}
	if cfg.SubmitAttempts <= 0 {
		cfg.SubmitAttempts = def.SubmitAttempts
	}
	if cfg.SubmitBackoff <= 0 {
		cfg.SubmitBackoff = def.SubmitBackoff
	}
	if cfg.ConfirmAttempts <= 0 {
		cfg.ConfirmAttempts = def.ConfirmAttempts
	}
	if cfg.ConfirmInterval <= 0 {
		cfg.ConfirmInterval = def.ConfirmInterval
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	if sender == nil {
		sender = solana.RPCSender{RPC: rpc}
	}
	return &Engine{
		cfg:    cfg,
		rpc:    rpc,
		wallet: wallet,
		sender: sender,
		active: make(map[string]*Bundle),
		now:    time.Now,
		sleep:  solana.Sleep,
	}
}

func (e *Engine) SetStore(s store.Store)        { e.store = s }
func (e *Engine) SetSink(s *observability.Sink) { e.sink = s }
func (e *Engine) SetAudit(t *audit.Trail)       { e.trail = t }
func (e *Engine) SetPublisher(p *bus.Publisher) { e.pub = p }
func (e *Engine) SetAnalytics(w ResultWriter)   { e.analytics = w }
func (e *Engine) SetSlotSource(s SlotSource)    { e.slots = s }

// Start and Stop toggle whether the engine reports itself running.
func (e *Engine) Start() { e.running.Store(true) }
func (e *Engine) Stop()  { e.running.Store(false) }

// AddTransaction appends tx to the newest pending bundle when it has room,
// otherwise opens a new bundle priced at the current priority fee. It
// returns the bundle id.
func (e *Engine) AddTransaction(ctx context.Context, tx Transaction) (string, error) {
	if len(tx.Instructions) == 0 {
		return "", errs.Validation("bundler: transaction %s has no instructions", tx.ID)
	}
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}

	if id, ok := e.appendToOpen(tx); ok {
		return id, nil
	}

	// Fee lookup is a network call; the lock is retaken afterwards.
	fee := e.PriorityFee(ctx)

	e.mu.Lock()
	if n := len(e.pending); n > 0 && len(e.pending[n-1].Transactions) < e.cfg.MaxBundleSize {
		b := e.pending[n-1]
		b.Transactions = append(b.Transactions, tx)
		e.mu.Unlock()
		e.totalTxs.Add(1)
		return b.ID, nil
	}
	b := &Bundle{
		ID:           uuid.NewString(),
		Transactions: []Transaction{tx},
		CreatedAt:    e.now(),
		TargetBlock:  e.cfg.TargetBlock,
		PriorityFee:  fee,
		State:        StatePending,
	}
	e.pending = append(e.pending, b)
	e.mu.Unlock()

	e.totalBundles.Add(1)
	e.totalTxs.Add(1)
	log.Debug().Str("bundle_id", b.ID).Uint64("priority_fee", fee).Msg("bundler: bundle opened")
	return b.ID, nil
}

func (e *Engine) appendToOpen(tx Transaction) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.pending)
	if n == 0 || len(e.pending[n-1].Transactions) >= e.cfg.MaxBundleSize {
		return "", false
	}
	b := e.pending[n-1]
	b.Transactions = append(b.Transactions, tx)
	e.totalTxs.Add(1)
	return b.ID, true
}

// PriorityFee is max(base*multiplier, most recent network fee). A failed
// fee lookup falls back to the configured floor.
func (e *Engine) PriorityFee(ctx context.Context) uint64 {
	fees, err := e.rpc.GetRecentPrioritizationFees(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("bundler: prioritization fees unavailable, using floor")
		return priorityFee(e.cfg.BaseFee, e.cfg.FeeMultiplier, nil)
	}
	e.mu.Lock()
	e.lastFees = fees
	e.mu.Unlock()
	return priorityFee(e.cfg.BaseFee, e.cfg.FeeMultiplier, fees)
}

// ShouldSubmit reports whether b is full, older than the maximum wait, or
// past its target slot.
func (e *Engine) ShouldSubmit(b *Bundle, now time.Time, slot solana.Slot) bool {
	if len(b.Transactions) >= e.cfg.MaxBundleSize {
		return true
	}
	if now.Sub(b.CreatedAt) > e.cfg.MaxBundleTime {
		return true
	}
	return b.TargetBlock != nil && slot >= *b.TargetBlock
}

// Tick moves every triggered pending bundle to the active set and starts
// its submission in the background. Confirmation polling never holds up
// the next tick; Drain waits for it.
func (e *Engine) Tick(ctx context.Context) {
	slot := e.currentSlot(ctx)
	now := e.now()

	e.mu.Lock()
	var ready []*Bundle
	kept := e.pending[:0]
	for _, b := range e.pending {
		if e.ShouldSubmit(b, now, slot) {
			ready = append(ready, b)
			e.active[b.ID] = b
		} else {
			kept = append(kept, b)
		}
	}
	for i := len(kept); i < len(e.pending); i++ {
		e.pending[i] = nil
	}
	e.pending = kept
	e.mu.Unlock()

	e.publishGauges()
	if len(ready) == 0 {
		return
	}

	for _, b := range ready {
		e.inflight.Add(1)
		go func() {
			defer e.inflight.Done()
			e.process(ctx, b)
			e.publishGauges()
		}()
	}
}

// Drain blocks until every submitted bundle has reached a terminal state.
func (e *Engine) Drain() {
	e.inflight.Wait()
}

func (e *Engine) currentSlot(ctx context.Context) solana.Slot {
	if e.slots != nil {
		if s := e.slots.CurrentSlot(); s > 0 {
			return s
		}
	}
	needed := false
	e.mu.RLock()
	for _, b := range e.pending {
		if b.TargetBlock != nil {
			needed = true
			break
		}
	}
	e.mu.RUnlock()
	if !needed {
		return 0
	}
	s, err := e.rpc.GetSlot(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("bundler: slot unavailable")
		return 0
	}
	return s
}

// finish applies a terminal outcome: evicts from active, appends to the
// trimmed history, then notifies every transaction and the collaborators.
func (e *Engine) finish(ctx context.Context, b *Bundle, res Result) {
	e.mu.Lock()
	if res.Success {
		b.State = StateConfirmed
	} else {
		b.State = StateFailed
	}
	delete(e.active, b.ID)
	e.history = append(e.history, res)
	if over := len(e.history) - e.cfg.HistoryLimit; over > 0 {
		e.history = append(e.history[:0:0], e.history[over:]...)
	}
	rec := b.record()
	txs := b.Transactions
	e.mu.Unlock()

	outcome := observability.OutcomeFailed
	if res.Success {
		e.confirmed.Add(1)
		outcome = observability.OutcomeSuccess
	} else {
		e.failed.Add(1)
	}
	e.sink.Bundle(outcome, res.TxCount)

	for _, tx := range txs {
		if tx.Done != nil {
			tx.Done(TxOutcome{
				TxID:      tx.ID,
				BundleID:  b.ID,
				Signature: res.Signature,
				Success:   res.Success,
				Error:     res.Error,
			})
		}
	}

	sr := res.Record()
	if e.store != nil {
		if err := e.store.RecordBundle(ctx, rec); err != nil {
			log.Warn().Err(err).Str("bundle_id", b.ID).Msg("bundler: persist bundle failed")
		}
		if err := e.store.RecordBundleResult(ctx, sr); err != nil {
			log.Warn().Err(err).Str("bundle_id", b.ID).Msg("bundler: persist result failed")
		}
	}
	if e.analytics != nil {
		if err := e.analytics.WriteBundleResult(ctx, sr); err != nil {
			log.Warn().Err(err).Str("bundle_id", b.ID).Msg("bundler: analytics write failed")
		}
	}
	e.trail.RecordBundleResult(sr)
	if e.pub != nil {
		e.pub.Emit(ctx, e.pub.Topics().Bundles, b.ID, "bundle_result", sr)
	}

	ev := log.Info()
	if !res.Success {
		ev = log.Warn()
	}
	ev.Str("bundle_id", b.ID).
		Str("signature", string(res.Signature)).
		Int("tx_count", res.TxCount).
		Bool("success", res.Success).
		Str("error", res.Error).
		Msg("bundler: bundle finished")
}

func (e *Engine) publishGauges() {
	e.mu.RLock()
	p, a, h := len(e.pending), len(e.active), len(e.history)
	e.mu.RUnlock()
	e.sink.BundleGauges(p, a, h)
}

// Status is the engine's live summary.
type Status struct {
	Running        bool    `json:"running"`
	PendingBundles int     `json:"pending_bundles"`
	ActiveBundles  int     `json:"active_bundles"`
	PendingTxs     int     `json:"pending_txs"`
	MaxBundleSize  int     `json:"max_bundle_size"`
	FeeMultiplier  float64 `json:"fee_multiplier"`
	HistorySize    int     `json:"history_size"`
	SubmissionPath string  `json:"submission_path"`
}

func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	txs := 0
	for _, b := range e.pending {
		txs += len(b.Transactions)
	}
	return Status{
		Running:        e.running.Load(),
		PendingBundles: len(e.pending),
		ActiveBundles:  len(e.active),
		PendingTxs:     txs,
		MaxBundleSize:  e.cfg.MaxBundleSize,
		FeeMultiplier:  e.cfg.FeeMultiplier,
		HistorySize:    len(e.history),
		SubmissionPath: e.sender.Name(),
	}
}

// Stats are lifetime totals plus the latest network fee sample.
type Stats struct {
	TotalBundles      int64             `json:"total_bundles"`
	TotalTransactions int64             `json:"total_transactions"`
	Confirmed         int64             `json:"confirmed"`
	Failed            int64             `json:"failed"`
	SuccessRate       float64           `json:"success_rate"`
	AvgBundleSize     float64           `json:"avg_bundle_size"`
	NetworkFees       solana.FeeSummary `json:"network_fees"`
}

func (e *Engine) Stats() Stats {
	e.mu.RLock()
	fees := solana.FeeStats(e.lastFees)
	e.mu.RUnlock()

	s := Stats{
		TotalBundles:      e.totalBundles.Load(),
		TotalTransactions: e.totalTxs.Load(),
		Confirmed:         e.confirmed.Load(),
		Failed:            e.failed.Load(),
		NetworkFees:       fees,
	}
	if done := s.Confirmed + s.Failed; done > 0 {
		s.SuccessRate = float64(s.Confirmed) / float64(done)
	}
	if runs := e.submittedRuns.Load(); runs > 0 {
		s.AvgBundleSize = float64(e.submittedTxs.Load()) / float64(runs)
	}
	return s
}

// History returns a copy of the retained results, oldest first.
func (e *Engine) History() []Result {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Result(nil), e.history...)
}

// Pending returns views of the unsubmitted bundles in creation order.
func (e *Engine) Pending() []View {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]View, 0, len(e.pending))
	for _, b := range e.pending {
		out = append(out, b.view())
	}
	return out
}

// Active returns views of submitted bundles awaiting confirmation.
func (e *Engine) Active() []View {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]View, 0, len(e.active))
	for _, b := range e.active {
		out = append(out, b.view())
	}
	return out
}
