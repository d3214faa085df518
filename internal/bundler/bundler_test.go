package bundler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sol "github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/heaven-engine/internal/audit"
	"github.com/nexus-trading/heaven-engine/internal/solana"
	"github.com/nexus-trading/heaven-engine/internal/store"
)

const testMint = "2DY95Rfy7etKwoaWxDUiezXcix4sExZyLK9xgMdwdXh7"

type recorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recorder) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return nil
}

func (r *recorder) count(d time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, x := range r.delays {
		if x == d {
			n++
		}
	}
	return n
}

type flakySender struct {
	mu    sync.Mutex
	fails int
	calls int
}

func (f *flakySender) Name() string { return "flaky" }

func (f *flakySender) Send(_ context.Context, _ solana.SignedTx) (solana.Signature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.fails {
		return "", errors.New("node unavailable")
	}
	return solana.Signature(fmt.Sprintf("SIG-%d", f.calls)), nil
}

func newTestEngine(t *testing.T, cfg Config, sender Sender) (*Engine, *solana.StubRPCClient, *recorder) {
	t.Helper()
	rpc := solana.NewStubRPCClient()
	w, err := solana.NewRandomWallet()
	require.NoError(t, err)
	e := NewEngine(cfg, rpc, w, sender)
	rec := &recorder{}
	e.sleep = rec.sleep
	return e, rpc, rec
}

func testTx(id string, done func(TxOutcome)) Transaction {
	ix := sol.NewInstruction(
		sol.MustPublicKeyFromBase58(testMint),
		sol.AccountMetaSlice{},
		[]byte{1, 2, 3},
	)
	return Transaction{ID: id, Instructions: []sol.Instruction{ix}, Done: done}
}

func TestPriorityFee(t *testing.T) {
	assert.Equal(t, uint64(200), priorityFee(100, 1.5, []solana.PrioritizationFee{{Slot: 9, Fee: 200}, {Slot: 8, Fee: 10}}))
	assert.Equal(t, uint64(150), priorityFee(100, 1.5, []solana.PrioritizationFee{{Slot: 9, Fee: 50}, {Slot: 8, Fee: 900}}))
	assert.Equal(t, uint64(150), priorityFee(100, 1.5, nil))
	assert.Equal(t, uint64(0), priorityFee(100, 0, nil))
}

func TestEngine_PriorityFeeFallsBackOnRPCError(t *testing.T) {
	e, rpc, _ := newTestEngine(t, Config{BaseFee: 100, FeeMultiplier: 1.5}, nil)
	rpc.SetFees([]solana.PrioritizationFee{{Slot: 1, Fee: 200}})
	assert.Equal(t, uint64(200), e.PriorityFee(context.Background()))

	rpc.SetFailNext()
	assert.Equal(t, uint64(150), e.PriorityFee(context.Background()))
}

func TestAddTransaction_FormsCeilNOverKBundles(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{MaxBundleSize: 3, MaxBundleTime: time.Hour}, nil)
	ctx := context.Background()

	ids := make([]string, 0, 7)
	for i := 0; i < 7; i++ {
		id, err := e.AddTransaction(ctx, testTx(fmt.Sprintf("tx-%d", i), nil))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	pending := e.Pending()
	require.Len(t, pending, 3)
	assert.Equal(t, []int{3, 3, 1}, []int{pending[0].TxCount, pending[1].TxCount, pending[2].TxCount})
	assert.Equal(t, ids[0], pending[0].ID)
	assert.Equal(t, ids[3], pending[1].ID)
	assert.Equal(t, ids[6], pending[2].ID)
	assert.False(t, pending[1].CreatedAt.Before(pending[0].CreatedAt))

	st := e.Status()
	assert.Equal(t, 3, st.PendingBundles)
	assert.Equal(t, 7, st.PendingTxs)
	assert.Equal(t, "rpc", st.SubmissionPath)
}

func TestAddTransaction_RejectsEmpty(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{}, nil)
	_, err := e.AddTransaction(context.Background(), Transaction{ID: "x"})
	require.Error(t, err)
}

func TestShouldSubmit(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{MaxBundleSize: 2, MaxBundleTime: time.Second}, nil)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	full := &Bundle{Transactions: make([]Transaction, 2), CreatedAt: now}
	assert.True(t, e.ShouldSubmit(full, now, 0), "full bundle submits even when young")

	old := &Bundle{Transactions: make([]Transaction, 1), CreatedAt: now.Add(-2 * time.Second)}
	assert.True(t, e.ShouldSubmit(old, now, 0), "old bundle submits regardless of size")

	young := &Bundle{Transactions: make([]Transaction, 1), CreatedAt: now}
	assert.False(t, e.ShouldSubmit(young, now, 0))

	target := uint64(100)
	targeted := &Bundle{Transactions: make([]Transaction, 1), CreatedAt: now, TargetBlock: &target}
	assert.False(t, e.ShouldSubmit(targeted, now, 99))
	assert.True(t, e.ShouldSubmit(targeted, now, 100))
}

func TestAssemble_ScalesComputeUnits(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{ComputeUnitLimit: 200_000}, nil)
	b := &Bundle{Transactions: []Transaction{testTx("a", nil), testTx("b", nil), testTx("c", nil)}, PriorityFee: 42}

	ixs, units, fee := e.assemble(b)
	assert.Len(t, ixs, 3)
	assert.Equal(t, uint32(600_000), units)
	assert.Equal(t, uint64(42), fee)

	big := &Bundle{Transactions: make([]Transaction, 10)}
	_, units, _ = e.assemble(big)
	assert.Equal(t, uint32(maxComputeUnits), units)
}

func TestTick_SubmitsAndConfirms(t *testing.T) {
	e, rpc, _ := newTestEngine(t, Config{MaxBundleSize: 2, MaxBundleTime: time.Hour}, nil)
	mem := store.NewMemoryStore()
	trail := audit.NewTrail(nil, "heaven.audit", 10)
	e.SetStore(mem)
	e.SetAudit(trail)
	ctx := context.Background()

	var mu sync.Mutex
	var outcomes []TxOutcome
	done := func(o TxOutcome) {
		mu.Lock()
		outcomes = append(outcomes, o)
		mu.Unlock()
	}

	id, err := e.AddTransaction(ctx, testTx("a", done))
	require.NoError(t, err)
	_, err = e.AddTransaction(ctx, testTx("b", done))
	require.NoError(t, err)

	e.Tick(ctx)
	e.Drain()

	require.Len(t, rpc.Sent(), 1)
	require.Len(t, outcomes, 2)
	for _, o := range outcomes {
		assert.True(t, o.Success)
		assert.Equal(t, id, o.BundleID)
		assert.NotEmpty(t, o.Signature)
	}

	hist := e.History()
	require.Len(t, hist, 1)
	assert.True(t, hist[0].Success)
	assert.NotNil(t, hist[0].ConfirmedAt)
	assert.Equal(t, 2, hist[0].TxCount)

	st := e.Status()
	assert.Zero(t, st.PendingBundles)
	assert.Zero(t, st.ActiveBundles)

	b, ok := mem.Bundle(id)
	require.True(t, ok)
	assert.Equal(t, "confirmed", b.Status)
	assert.Len(t, trail.Query(id), 1)

	stats := e.Stats()
	assert.Equal(t, int64(1), stats.Confirmed)
	assert.Equal(t, 1.0, stats.SuccessRate)
	assert.Equal(t, 2.0, stats.AvgBundleSize)
}

func TestTick_LeavesYoungBundlePending(t *testing.T) {
	e, rpc, _ := newTestEngine(t, Config{MaxBundleSize: 5, MaxBundleTime: time.Hour}, nil)
	_, err := e.AddTransaction(context.Background(), testTx("a", nil))
	require.NoError(t, err)

	e.Tick(context.Background())
	assert.Empty(t, rpc.Sent())
	assert.Equal(t, 1, e.Status().PendingBundles)
}

func TestTick_SubmitsWhileEarlierBundleConfirms(t *testing.T) {
	e, rpc, _ := newTestEngine(t, Config{MaxBundleSize: 1, MaxBundleTime: time.Hour}, nil)
	rpc.SetDefaultStatus(solana.TxPending, "")
	release := make(chan struct{})
	e.sleep = func(ctx context.Context, _ time.Duration) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	ctx := context.Background()

	first, err := e.AddTransaction(ctx, testTx("a", nil))
	require.NoError(t, err)
	e.Tick(ctx)
	require.Eventually(t, func() bool { return len(rpc.Sent()) == 1 }, time.Second, 5*time.Millisecond)

	second, err := e.AddTransaction(ctx, testTx("b", nil))
	require.NoError(t, err)
	e.Tick(ctx)
	require.Eventually(t, func() bool { return len(rpc.Sent()) == 2 }, time.Second, 5*time.Millisecond,
		"full bundle must go out while the first is still confirming")

	st := e.Status()
	assert.Zero(t, st.PendingBundles)
	assert.Equal(t, 2, st.ActiveBundles)

	close(release)
	e.Drain()

	hist := e.History()
	require.Len(t, hist, 2)
	ids := []string{hist[0].BundleID, hist[1].BundleID}
	assert.ElementsMatch(t, []string{first, second}, ids)
	assert.Zero(t, e.Status().ActiveBundles)
}

func TestSubmit_RetryDelays(t *testing.T) {
	sender := &flakySender{fails: 2}
	e, _, rec := newTestEngine(t, Config{MaxBundleSize: 1}, sender)

	var got TxOutcome
	_, err := e.AddTransaction(context.Background(), testTx("a", func(o TxOutcome) { got = o }))
	require.NoError(t, err)
	e.Tick(context.Background())
	e.Drain()

	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, rec.delays)
	assert.Equal(t, 3, sender.calls)
	assert.True(t, got.Success)
	assert.Equal(t, solana.Signature("SIG-3"), got.Signature)
}

func TestSubmit_ExhaustedRetriesFailBundle(t *testing.T) {
	sender := &flakySender{fails: 3}
	e, _, rec := newTestEngine(t, Config{MaxBundleSize: 1}, sender)

	var got TxOutcome
	_, err := e.AddTransaction(context.Background(), testTx("a", func(o TxOutcome) { got = o }))
	require.NoError(t, err)
	e.Tick(context.Background())
	e.Drain()

	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, rec.delays)
	assert.False(t, got.Success)
	assert.Contains(t, got.Error, "after 3 attempts")

	hist := e.History()
	require.Len(t, hist, 1)
	assert.False(t, hist[0].Success)
	assert.Empty(t, hist[0].Signature)
	assert.Zero(t, e.Status().ActiveBundles)
	assert.Zero(t, e.Status().PendingBundles, "failed bundles are dropped, not requeued")
}

func TestConfirm_Timeout(t *testing.T) {
	e, rpc, rec := newTestEngine(t, Config{MaxBundleSize: 1}, nil)
	rpc.SetDefaultStatus(solana.TxPending, "")

	var got TxOutcome
	_, err := e.AddTransaction(context.Background(), testTx("a", func(o TxOutcome) { got = o }))
	require.NoError(t, err)
	e.Tick(context.Background())
	e.Drain()

	assert.False(t, got.Success)
	assert.Equal(t, "confirmation timeout", got.Error)
	assert.Equal(t, 29, rec.count(time.Second))
}

func TestConfirm_OnChainError(t *testing.T) {
	e, rpc, _ := newTestEngine(t, Config{MaxBundleSize: 1}, nil)
	rpc.SetDefaultStatus(solana.TxErr, "InstructionError")

	_, err := e.AddTransaction(context.Background(), testTx("a", nil))
	require.NoError(t, err)
	e.Tick(context.Background())
	e.Drain()

	hist := e.History()
	require.Len(t, hist, 1)
	assert.False(t, hist[0].Success)
	assert.Equal(t, "InstructionError", hist[0].Error)
	assert.Equal(t, int64(1), e.Stats().Failed)
}

func TestHistory_RetainsMostRecentThousand(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{}, nil)
	ctx := context.Background()

	for i := 0; i < 1050; i++ {
		b := &Bundle{ID: fmt.Sprintf("b-%04d", i)}
		e.finish(ctx, b, Result{BundleID: b.ID, Success: true})
	}

	hist := e.History()
	require.Len(t, hist, 1000)
	assert.Equal(t, "b-0050", hist[0].BundleID)
	assert.Equal(t, "b-1049", hist[999].BundleID)
}

func TestResultRecord(t *testing.T) {
	now := time.Now()
	r := Result{BundleID: "b", Signature: "s", Success: true, ConfirmedAt: &now, TxCount: 2, PriorityFee: 7}
	rec := r.Record()
	assert.Equal(t, "b", rec.BundleID)
	assert.Equal(t, "s", rec.Signature)
	assert.Equal(t, 2, rec.TxCount)
	assert.Equal(t, uint64(7), rec.PriorityFee)
}
