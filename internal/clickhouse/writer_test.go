package clickhouse

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/heaven-engine/internal/store"
)

func makeTrade(i int) store.Trade {
	return store.Trade{
		ID:          "t" + string(rune('a'+i%26)),
		Mint:        "2DY95Rfy7etKwoaWxDUiezXcix4sExZyLK9xgMdwdXh7",
		Side:        "buy",
		AmountSOL:   decimal.NewFromFloat(0.1),
		TokenAmount: decimal.NewFromInt(int64(1000 + i)),
		Price:       decimal.NewFromFloat(0.0001),
		Slippage:    decimal.NewFromFloat(0.05),
		Strategy:    "creator_token",
		Time:        time.Now(),
		Status:      "executed",
	}
}

func makeResult(i int, ok bool) store.BundleResult {
	r := store.BundleResult{
		BundleID:    "b" + string(rune('a'+i%26)),
		Signature:   "sig",
		Success:     ok,
		SubmittedAt: time.Now(),
		TxCount:     3,
		PriorityFee: 1500,
	}
	if ok {
		now := time.Now()
		r.ConfirmedAt = &now
	} else {
		r.Error = "timeout"
	}
	return r
}

func TestBatchSizeTrigger_Trades(t *testing.T) {
	const batchSize = 5
	var mu sync.Mutex
	var flushed [][]any

	w := NewBatchWriter(nil, "heaven", batchSize, time.Hour)
	w.SetFlushHook(func(_ context.Context, table string, rows [][]any) error {
		mu.Lock()
		flushed = append(flushed, rows...)
		mu.Unlock()
		assert.Equal(t, "heaven.trades", table)
		return nil
	})

	for i := 0; i < batchSize; i++ {
		require.NoError(t, w.WriteTrade(context.Background(), makeTrade(i)))
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, flushed, batchSize)
	assert.Equal(t, 0.1, flushed[0][3])
	assert.Equal(t, "creator_token", flushed[0][7])
}

func TestBatchSizeTrigger_Mixed(t *testing.T) {
	var total atomic.Int64
	tables := map[string]int{}
	var mu sync.Mutex

	w := NewBatchWriter(nil, "heaven", 4, time.Hour)
	w.SetFlushHook(func(_ context.Context, table string, rows [][]any) error {
		total.Add(int64(len(rows)))
		mu.Lock()
		tables[table] += len(rows)
		mu.Unlock()
		return nil
	})

	ctx := context.Background()
	require.NoError(t, w.WriteTrade(ctx, makeTrade(0)))
	require.NoError(t, w.WriteTrade(ctx, makeTrade(1)))
	require.NoError(t, w.WriteBundleResult(ctx, makeResult(0, true)))
	assert.Zero(t, total.Load())
	require.NoError(t, w.WriteBundleResult(ctx, makeResult(1, false)))

	assert.Equal(t, int64(4), total.Load())
	assert.Equal(t, 2, tables["heaven.trades"])
	assert.Equal(t, 2, tables["heaven.bundle_results"])
}

func TestBundleResultRow(t *testing.T) {
	var rows [][]any
	w := NewBatchWriter(nil, "", 1, time.Hour)
	w.SetFlushHook(func(_ context.Context, table string, r [][]any) error {
		assert.Equal(t, "bundle_results", table)
		rows = r
		return nil
	})

	require.NoError(t, w.WriteBundleResult(context.Background(), makeResult(0, false)))
	require.Len(t, rows, 1)
	assert.Equal(t, uint8(0), rows[0][2])
	assert.Equal(t, "timeout", rows[0][3])
	assert.Equal(t, uint32(3), rows[0][4])
	assert.Equal(t, uint64(1500), rows[0][5])
	assert.Nil(t, rows[0][7])
}

func TestFlushIntervalTrigger(t *testing.T) {
	var total atomic.Int64
	w := NewBatchWriter(nil, "heaven", 1000, 50*time.Millisecond)
	w.SetFlushHook(func(_ context.Context, _ string, rows [][]any) error {
		total.Add(int64(len(rows)))
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	for i := 0; i < 5; i++ {
		require.NoError(t, w.WriteTrade(ctx, makeTrade(i)))
	}
	w.Start(ctx)

	assert.Eventually(t, func() bool { return total.Load() == 5 }, time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, w.Close())
}

func TestCloseFlushesRemainder(t *testing.T) {
	var total atomic.Int64
	w := NewBatchWriter(nil, "heaven", 100, time.Hour)
	w.SetFlushHook(func(_ context.Context, _ string, rows [][]any) error {
		total.Add(int64(len(rows)))
		return nil
	})

	require.NoError(t, w.WriteTrade(context.Background(), makeTrade(0)))
	require.NoError(t, w.Close())
	assert.Equal(t, int64(1), total.Load())

	assert.Error(t, w.WriteTrade(context.Background(), makeTrade(1)))
	assert.Error(t, w.WriteBundleResult(context.Background(), makeResult(1, true)))
}

func TestFlushEmpty(t *testing.T) {
	called := false
	w := NewBatchWriter(nil, "heaven", 100, time.Hour)
	w.SetFlushHook(func(context.Context, string, [][]any) error {
		called = true
		return nil
	})
	require.NoError(t, w.Flush(context.Background()))
	assert.False(t, called)
}

func TestFlushErrorCounted(t *testing.T) {
	w := NewBatchWriter(nil, "heaven", 100, time.Hour)
	w.SetFlushHook(func(context.Context, string, [][]any) error {
		return errors.New("boom")
	})

	require.NoError(t, w.WriteTrade(context.Background(), makeTrade(0)))
	require.Error(t, w.Flush(context.Background()))

	flushes, errCount, pendingTrades, _ := w.Stats()
	assert.Equal(t, int64(1), flushes)
	assert.Equal(t, int64(1), errCount)
	assert.Zero(t, pendingTrades)
}

func TestConcurrentWrites(t *testing.T) {
	var total atomic.Int64
	w := NewBatchWriter(nil, "heaven", 50, time.Hour)
	w.SetFlushHook(func(_ context.Context, _ string, rows [][]any) error {
		total.Add(int64(len(rows)))
		return nil
	})

	ctx := context.Background()
	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				if g%2 == 0 {
					_ = w.WriteTrade(ctx, makeTrade(i))
				} else {
					_ = w.WriteBundleResult(ctx, makeResult(i, true))
				}
			}
		}(g)
	}
	wg.Wait()
	require.NoError(t, w.Flush(ctx))
	assert.Equal(t, int64(1000), total.Load())
}

func TestSchemaDDL(t *testing.T) {
	ddl := schemaDDL("heaven")
	require.Len(t, ddl, 2)
	assert.Contains(t, ddl[0], "heaven.trades")
	assert.Contains(t, ddl[1], "heaven.bundle_results")
}
