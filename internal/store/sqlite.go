package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS trades (
	id            TEXT PRIMARY KEY,
	token_mint    TEXT NOT NULL,
	trade_type    TEXT NOT NULL,
	amount_sol    TEXT NOT NULL,
	token_amount  TEXT NOT NULL,
	price         TEXT NOT NULL,
	slippage      TEXT NOT NULL,
	strategy      TEXT NOT NULL,
	timestamp     TIMESTAMP NOT NULL,
	status        TEXT NOT NULL,
	signature     TEXT NOT NULL DEFAULT '',
	updated_at    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_token_mint ON trades(token_mint);
CREATE INDEX IF NOT EXISTS idx_trades_timestamp ON trades(timestamp);

CREATE TABLE IF NOT EXISTS token_launches (
	token_mint        TEXT PRIMARY KEY,
	token_name        TEXT NOT NULL,
	token_symbol      TEXT NOT NULL,
	launch_time       TIMESTAMP NOT NULL,
	price             TEXT NOT NULL,
	market_cap        TEXT NOT NULL,
	liquidity_sol     TEXT NOT NULL,
	volume_24h        TEXT NOT NULL,
	token_type        TEXT NOT NULL,
	has_flywheel      BOOLEAN NOT NULL,
	flywheel_activity TEXT NOT NULL,
	creator_address   TEXT NOT NULL DEFAULT '',
	updated_at        TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_launches_launch_time ON token_launches(launch_time);

CREATE TABLE IF NOT EXISTS copy_trades (
	id                TEXT PRIMARY KEY,
	original_trade_id TEXT NOT NULL,
	trader_address    TEXT NOT NULL,
	trader_name       TEXT NOT NULL,
	token_mint        TEXT NOT NULL,
	trade_type        TEXT NOT NULL,
	amount_sol        TEXT NOT NULL,
	token_amount      TEXT NOT NULL,
	price             TEXT NOT NULL,
	slippage          TEXT NOT NULL,
	timestamp         TIMESTAMP NOT NULL,
	status            TEXT NOT NULL,
	signature         TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_copy_trades_trader ON copy_trades(trader_address);

CREATE TABLE IF NOT EXISTS traders (
	address           TEXT PRIMARY KEY,
	name              TEXT NOT NULL,
	total_trades      INTEGER NOT NULL,
	successful_trades INTEGER NOT NULL,
	total_profit      TEXT NOT NULL,
	win_rate          TEXT NOT NULL,
	average_profit    TEXT NOT NULL,
	total_volume      TEXT NOT NULL,
	last_trade_time   TIMESTAMP NOT NULL,
	is_verified       BOOLEAN NOT NULL,
	risk_score        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS bundles (
	id                 TEXT PRIMARY KEY,
	transactions_count INTEGER NOT NULL,
	created_at         TIMESTAMP NOT NULL,
	target_block       INTEGER,
	priority_fee       INTEGER NOT NULL,
	status             TEXT NOT NULL,
	bundle_signature   TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS bundle_results (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	bundle_id          TEXT NOT NULL,
	bundle_signature   TEXT NOT NULL,
	success            BOOLEAN NOT NULL,
	error              TEXT NOT NULL DEFAULT '',
	submitted_at       TIMESTAMP NOT NULL,
	confirmed_at       TIMESTAMP,
	total_transactions INTEGER NOT NULL,
	priority_fee       INTEGER NOT NULL
);
`

// SQLiteStore is the default file-backed store.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies
// the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, dbErr(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, dbErr(err, "sqlite: apply schema")
	}
	log.Info().Str("path", path).Msg("store: sqlite ready")
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) RecordTrade(ctx context.Context, t Trade) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO trades (
			id, token_mint, trade_type, amount_sol, token_amount, price,
			slippage, strategy, timestamp, status, signature, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Mint, t.Side, t.AmountSOL, t.TokenAmount, t.Price,
		t.Slippage, t.Strategy, t.Time.UTC(), t.Status, t.Signature, time.Now().UTC(),
	)
	return dbErr(err, "sqlite: record trade")
}

const sqliteTradeCols = `id, token_mint, trade_type, amount_sol, token_amount, price,
	slippage, strategy, timestamp, status, signature`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrade(row rowScanner) (Trade, error) {
	var t Trade
	err := row.Scan(&t.ID, &t.Mint, &t.Side, &t.AmountSOL, &t.TokenAmount, &t.Price,
		&t.Slippage, &t.Strategy, &t.Time, &t.Status, &t.Signature)
	return t, err
}

func (s *SQLiteStore) GetTrade(ctx context.Context, id string) (Trade, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+sqliteTradeCols+" FROM trades WHERE id = ?", id)
	t, err := scanTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Trade{}, ErrNotFound
	}
	return t, dbErr(err, "sqlite: get trade")
}

func (s *SQLiteStore) TradesByToken(ctx context.Context, mint string, limit int) ([]Trade, error) {
	if limit <= 0 {
		limit = defaultTradeLimit
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+sqliteTradeCols+" FROM trades WHERE token_mint = ? ORDER BY timestamp DESC LIMIT ?",
		mint, limit)
	if err != nil {
		return nil, dbErr(err, "sqlite: trades by token")
	}
	defer rows.Close()

	var out []Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, dbErr(err, "sqlite: scan trade")
		}
		out = append(out, t)
	}
	return out, dbErr(rows.Err(), "sqlite: trades by token")
}

func (s *SQLiteStore) TotalTrades(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM trades").Scan(&n)
	return n, dbErr(err, "sqlite: count trades")
}

func (s *SQLiteStore) DailyPnL(ctx context.Context, day time.Time) (decimal.Decimal, error) {
	start, end := dayBounds(day)
	rows, err := s.db.QueryContext(ctx,
		"SELECT trade_type, amount_sol FROM trades WHERE timestamp >= ? AND timestamp < ? AND status <> 'failed'",
		start, end)
	if err != nil {
		return decimal.Zero, dbErr(err, "sqlite: daily pnl")
	}
	defer rows.Close()

	// amounts are TEXT, so the sum happens here rather than in SQL
	pnl := decimal.Zero
	for rows.Next() {
		var side string
		var amt decimal.Decimal
		if err := rows.Scan(&side, &amt); err != nil {
			return decimal.Zero, dbErr(err, "sqlite: scan pnl")
		}
		if side == "sell" {
			pnl = pnl.Add(amt)
		} else {
			pnl = pnl.Sub(amt)
		}
	}
	return pnl, dbErr(rows.Err(), "sqlite: daily pnl")
}

func (s *SQLiteStore) RecordListing(ctx context.Context, l Listing) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO token_launches (
			token_mint, token_name, token_symbol, launch_time, price, market_cap,
			liquidity_sol, volume_24h, token_type, has_flywheel, flywheel_activity,
			creator_address, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.Mint, l.Name, l.Symbol, l.LaunchTime.UTC(), l.Price, l.MarketCap,
		l.Liquidity, l.Volume24h, l.Category, l.HasFlywheel, l.FlywheelActivity,
		l.Creator, time.Now().UTC(),
	)
	return dbErr(err, "sqlite: record listing")
}

func (s *SQLiteStore) RecentListings(ctx context.Context, limit int) ([]Listing, error) {
	if limit <= 0 {
		limit = defaultListingLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT token_mint, token_name, token_symbol, launch_time, price, market_cap,
			liquidity_sol, volume_24h, token_type, has_flywheel, flywheel_activity, creator_address
		FROM token_launches ORDER BY launch_time DESC LIMIT ?`, limit)
	if err != nil {
		return nil, dbErr(err, "sqlite: recent listings")
	}
	defer rows.Close()

	var out []Listing
	for rows.Next() {
		var l Listing
		if err := rows.Scan(&l.Mint, &l.Name, &l.Symbol, &l.LaunchTime, &l.Price, &l.MarketCap,
			&l.Liquidity, &l.Volume24h, &l.Category, &l.HasFlywheel, &l.FlywheelActivity, &l.Creator); err != nil {
			return nil, dbErr(err, "sqlite: scan listing")
		}
		out = append(out, l)
	}
	return out, dbErr(rows.Err(), "sqlite: recent listings")
}

func (s *SQLiteStore) RecordCopyTrade(ctx context.Context, c CopyTrade) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO copy_trades (
			id, original_trade_id, trader_address, trader_name, token_mint, trade_type,
			amount_sol, token_amount, price, slippage, timestamp, status, signature
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.OriginalTradeID, c.Trader, c.TraderName, c.Mint, c.Side,
		c.AmountSOL, c.TokenAmount, c.Price, c.Slippage, c.Time.UTC(), c.Status, c.Signature,
	)
	return dbErr(err, "sqlite: record copy trade")
}

func (s *SQLiteStore) RecordTrader(ctx context.Context, t Trader) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO traders (
			address, name, total_trades, successful_trades, total_profit, win_rate,
			average_profit, total_volume, last_trade_time, is_verified, risk_score
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Address, t.Name, t.TotalTrades, t.SuccessfulTrades, t.TotalProfit, t.WinRate,
		t.AverageProfit, t.TotalVolume, t.LastTradeTime.UTC(), t.Verified, t.RiskScore,
	)
	return dbErr(err, "sqlite: record trader")
}

const sqliteTraderCols = `address, name, total_trades, successful_trades, total_profit, win_rate,
	average_profit, total_volume, last_trade_time, is_verified, risk_score`

func scanTrader(row rowScanner) (Trader, error) {
	var t Trader
	err := row.Scan(&t.Address, &t.Name, &t.TotalTrades, &t.SuccessfulTrades, &t.TotalProfit, &t.WinRate,
		&t.AverageProfit, &t.TotalVolume, &t.LastTradeTime, &t.Verified, &t.RiskScore)
	return t, err
}

func (s *SQLiteStore) TrackedTraders(ctx context.Context) ([]Trader, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+sqliteTraderCols+" FROM traders")
	if err != nil {
		return nil, dbErr(err, "sqlite: tracked traders")
	}
	defer rows.Close()

	var out []Trader
	for rows.Next() {
		t, err := scanTrader(rows)
		if err != nil {
			return nil, dbErr(err, "sqlite: scan trader")
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr(err, "sqlite: tracked traders")
	}
	sortByProfit(out)
	return out, nil
}

func (s *SQLiteStore) GetTrader(ctx context.Context, address string) (Trader, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+sqliteTraderCols+" FROM traders WHERE address = ?", address)
	t, err := scanTrader(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Trader{}, ErrNotFound
	}
	return t, dbErr(err, "sqlite: get trader")
}

func (s *SQLiteStore) RecordBundle(ctx context.Context, b Bundle) error {
	var target sql.NullInt64
	if b.TargetBlock != nil {
		target = sql.NullInt64{Int64: int64(*b.TargetBlock), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO bundles (
			id, transactions_count, created_at, target_block, priority_fee, status, bundle_signature
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.TxCount, b.CreatedAt.UTC(), target, int64(b.PriorityFee), b.Status, b.Signature,
	)
	return dbErr(err, "sqlite: record bundle")
}

func (s *SQLiteStore) RecordBundleResult(ctx context.Context, r BundleResult) error {
	var confirmed sql.NullTime
	if r.ConfirmedAt != nil {
		confirmed = sql.NullTime{Time: r.ConfirmedAt.UTC(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bundle_results (
			bundle_id, bundle_signature, success, error, submitted_at,
			confirmed_at, total_transactions, priority_fee
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.BundleID, r.Signature, r.Success, r.Error, r.SubmittedAt.UTC(),
		confirmed, r.TxCount, int64(r.PriorityFee),
	)
	return dbErr(err, "sqlite: record bundle result")
}

func (s *SQLiteStore) Cleanup(ctx context.Context, days int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -days).UTC()

	res, err := s.db.ExecContext(ctx, "DELETE FROM trades WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, dbErr(err, "sqlite: cleanup trades")
	}
	trades, _ := res.RowsAffected()

	res, err = s.db.ExecContext(ctx, "DELETE FROM token_launches WHERE launch_time < ?", cutoff)
	if err != nil {
		return trades, dbErr(err, "sqlite: cleanup listings")
	}
	listings, _ := res.RowsAffected()

	log.Info().Int64("trades", trades).Int64("listings", listings).Msg("store: cleanup done")
	return trades + listings, nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	counts := []struct {
		table string
		dst   *int64
	}{
		{"trades", &st.Trades},
		{"token_launches", &st.Listings},
		{"copy_trades", &st.CopyTrades},
		{"traders", &st.Traders},
		{"bundles", &st.Bundles},
		{"bundle_results", &st.BundleResults},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+c.table).Scan(c.dst); err != nil {
			return Stats{}, dbErr(err, "sqlite: count "+c.table)
		}
	}
	return st, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
