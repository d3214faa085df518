package clickhouse

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/heaven-engine/internal/errs"
	"github.com/nexus-trading/heaven-engine/internal/store"
)

const (
	tableTrades        = "trades"
	tableBundleResults = "bundle_results"
)

var tableColumns = map[string]string{
	tableTrades:        "(id, mint, side, amount_sol, token_amount, price, slippage, strategy, status, signature, ts)",
	tableBundleResults: "(bundle_id, signature, success, error, tx_count, priority_fee, submitted_at, confirmed_at)",
}

func tableName(database, table string) string {
	if database == "" {
		return table
	}
	return database + "." + table
}

// FlushFunc receives one table's rows on flush. Replaces the ClickHouse
// insert when set.
type FlushFunc func(ctx context.Context, table string, rows [][]any) error

// BatchWriter buffers rows and flushes them when the combined buffers reach
// batchSize or on every interval tick.
type BatchWriter struct {
	client        *Client
	database      string
	batchSize     int
	flushInterval time.Duration
	hook          FlushFunc

	mu         sync.Mutex
	trades     [][]any
	bundles    [][]any
	closed     bool
	flushCount int64
	errorCount int64

	wg sync.WaitGroup
}

func NewBatchWriter(client *Client, database string, batchSize int, flushInterval time.Duration) *BatchWriter {
	if batchSize <= 0 {
		batchSize = 500
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	return &BatchWriter{
		client:        client,
		database:      database,
		batchSize:     batchSize,
		flushInterval: flushInterval,
	}
}

// SetFlushHook routes flushed rows to fn instead of ClickHouse.
func (w *BatchWriter) SetFlushHook(fn FlushFunc) {
	w.mu.Lock()
	w.hook = fn
	w.mu.Unlock()
}

func (w *BatchWriter) WriteTrade(ctx context.Context, t store.Trade) error {
	row := []any{
		t.ID, t.Mint, t.Side,
		t.AmountSOL.InexactFloat64(), t.TokenAmount.InexactFloat64(),
		t.Price.InexactFloat64(), t.Slippage.InexactFloat64(),
		t.Strategy, t.Status, t.Signature, t.Time.UTC(),
	}
	return w.add(ctx, tableTrades, row)
}

func (w *BatchWriter) WriteBundleResult(ctx context.Context, r store.BundleResult) error {
	var success uint8
	if r.Success {
		success = 1
	}
	var confirmed *time.Time
	if r.ConfirmedAt != nil {
		c := r.ConfirmedAt.UTC()
		confirmed = &c
	}
	row := []any{
		r.BundleID, r.Signature, success, r.Error,
		uint32(r.TxCount), r.PriorityFee, r.SubmittedAt.UTC(), confirmed,
	}
	return w.add(ctx, tableBundleResults, row)
}

func (w *BatchWriter) add(ctx context.Context, table string, row []any) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return errs.Wrap(errs.ErrInternal, "clickhouse: writer is closed")
	}
	if table == tableTrades {
		w.trades = append(w.trades, row)
	} else {
		w.bundles = append(w.bundles, row)
	}
	full := len(w.trades)+len(w.bundles) >= w.batchSize
	w.mu.Unlock()

	if full {
		return w.Flush(ctx)
	}
	return nil
}

// Start runs the interval flush in the background until ctx is cancelled.
func (w *BatchWriter) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		t := time.NewTicker(w.flushInterval)
		defer t.Stop()
		log.Info().Int("batch_size", w.batchSize).Dur("flush_interval", w.flushInterval).Msg("clickhouse: batch writer started")
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := w.Flush(ctx); err != nil {
					log.Error().Err(err).Msg("clickhouse: periodic flush failed")
				}
			}
		}
	}()
}

// Flush writes everything buffered. Rows of a failed table are dropped and
// counted.
func (w *BatchWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	trades, bundles := w.trades, w.bundles
	w.trades, w.bundles = nil, nil
	hook := w.hook
	w.mu.Unlock()

	if len(trades) == 0 && len(bundles) == 0 {
		return nil
	}

	var firstErr error
	for _, b := range []struct {
		table string
		rows  [][]any
	}{{tableTrades, trades}, {tableBundleResults, bundles}} {
		if len(b.rows) == 0 {
			continue
		}
		if err := w.send(ctx, hook, b.table, b.rows); err != nil {
			log.Error().Err(err).Str("table", b.table).Int("rows", len(b.rows)).Msg("clickhouse: flush failed")
			w.mu.Lock()
			w.errorCount++
			w.mu.Unlock()
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	w.mu.Lock()
	w.flushCount++
	w.mu.Unlock()
	log.Debug().Int("trades", len(trades)).Int("bundle_results", len(bundles)).Msg("clickhouse: batch flushed")
	return firstErr
}

func (w *BatchWriter) send(ctx context.Context, hook FlushFunc, table string, rows [][]any) error {
	name := tableName(w.database, table)
	if hook != nil {
		return hook(ctx, name, rows)
	}
	if w.client == nil {
		return errs.Wrap(errs.ErrConfig, "clickhouse: no client")
	}
	batch, err := w.client.Conn().PrepareBatch(ctx, "INSERT INTO "+name+" "+tableColumns[table])
	if err != nil {
		return errs.WrapErr(errs.ErrDatabase, err, "clickhouse: prepare batch")
	}
	for _, row := range rows {
		if err := batch.Append(row...); err != nil {
			return errs.WrapErr(errs.ErrDatabase, err, "clickhouse: append")
		}
	}
	if err := batch.Send(); err != nil {
		return errs.WrapErr(errs.ErrDatabase, err, "clickhouse: send")
	}
	return nil
}

// Close stops accepting rows, waits for the background loop and does a
// final flush.
func (w *BatchWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	w.wg.Wait()
	err := w.Flush(context.Background())

	w.mu.Lock()
	log.Info().Int64("flushes", w.flushCount).Int64("errors", w.errorCount).Msg("clickhouse: batch writer closed")
	w.mu.Unlock()
	return err
}

// Stats reports flushes, errors and buffered rows per table.
func (w *BatchWriter) Stats() (flushCount, errorCount int64, pendingTrades, pendingBundles int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushCount, w.errorCount, len(w.trades), len(w.bundles)
}
