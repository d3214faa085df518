package store

import (
	"context"
	"embed"
	"errors"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore is the pgx-backed store.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects, pings and applies pending migrations.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, dbErr(err, "postgres: connect")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, dbErr(err, "postgres: ping")
	}

	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	log.Info().Msg("store: postgres ready")
	return s, nil
}

// migrate applies embedded migrations in lexicographic order, tracking
// applied files in schema_migrations.
func (s *PostgresStore) migrate(ctx context.Context) error {
	const createTracker = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`
	if _, err := s.pool.Exec(ctx, createTracker); err != nil {
		return dbErr(err, "postgres: create schema_migrations")
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return dbErr(err, "postgres: read migrations")
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}

		var applied bool
		if err := s.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)", name,
		).Scan(&applied); err != nil {
			return dbErr(err, "postgres: check migration "+name)
		}
		if applied {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return dbErr(err, "postgres: read migration "+name)
		}

		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return dbErr(err, "postgres: begin "+name)
		}
		if _, err := tx.Exec(ctx, string(data)); err != nil {
			_ = tx.Rollback(ctx)
			return dbErr(err, "postgres: exec migration "+name)
		}
		if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (filename) VALUES ($1)", name); err != nil {
			_ = tx.Rollback(ctx)
			return dbErr(err, "postgres: record migration "+name)
		}
		if err := tx.Commit(ctx); err != nil {
			return dbErr(err, "postgres: commit "+name)
		}
		log.Info().Str("migration", name).Msg("store: migration applied")
	}
	return nil
}

func (s *PostgresStore) RecordTrade(ctx context.Context, t Trade) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO trades (
			id, token_mint, trade_type, amount_sol, token_amount, price,
			slippage, strategy, timestamp, status, signature
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			token_amount = EXCLUDED.token_amount,
			price = EXCLUDED.price,
			signature = EXCLUDED.signature,
			updated_at = NOW()`,
		t.ID, t.Mint, t.Side, t.AmountSOL, t.TokenAmount, t.Price,
		t.Slippage, t.Strategy, t.Time, t.Status, t.Signature,
	)
	return dbErr(err, "postgres: record trade")
}

const pgTradeCols = `id, token_mint, trade_type, amount_sol, token_amount, price,
	slippage, strategy, timestamp, status, signature`

func (s *PostgresStore) GetTrade(ctx context.Context, id string) (Trade, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+pgTradeCols+" FROM trades WHERE id = $1", id)
	t, err := scanTrade(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Trade{}, ErrNotFound
	}
	return t, dbErr(err, "postgres: get trade")
}

func (s *PostgresStore) TradesByToken(ctx context.Context, mint string, limit int) ([]Trade, error) {
	if limit <= 0 {
		limit = defaultTradeLimit
	}
	rows, err := s.pool.Query(ctx,
		"SELECT "+pgTradeCols+" FROM trades WHERE token_mint = $1 ORDER BY timestamp DESC LIMIT $2",
		mint, limit)
	if err != nil {
		return nil, dbErr(err, "postgres: trades by token")
	}
	defer rows.Close()

	var out []Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, dbErr(err, "postgres: scan trade")
		}
		out = append(out, t)
	}
	return out, dbErr(rows.Err(), "postgres: trades by token")
}

func (s *PostgresStore) TotalTrades(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM trades").Scan(&n)
	return n, dbErr(err, "postgres: count trades")
}

func (s *PostgresStore) DailyPnL(ctx context.Context, day time.Time) (decimal.Decimal, error) {
	start, end := dayBounds(day)
	var pnl decimal.Decimal
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(CASE WHEN trade_type = 'sell' THEN amount_sol ELSE -amount_sol END), 0)
		FROM trades WHERE timestamp >= $1 AND timestamp < $2 AND status <> 'failed'`,
		start, end,
	).Scan(&pnl)
	return pnl, dbErr(err, "postgres: daily pnl")
}

func (s *PostgresStore) RecordListing(ctx context.Context, l Listing) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO token_launches (
			token_mint, token_name, token_symbol, launch_time, price, market_cap,
			liquidity_sol, volume_24h, token_type, has_flywheel, flywheel_activity, creator_address
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (token_mint) DO UPDATE SET
			price = EXCLUDED.price,
			market_cap = EXCLUDED.market_cap,
			liquidity_sol = EXCLUDED.liquidity_sol,
			volume_24h = EXCLUDED.volume_24h,
			flywheel_activity = EXCLUDED.flywheel_activity,
			updated_at = NOW()`,
		l.Mint, l.Name, l.Symbol, l.LaunchTime, l.Price, l.MarketCap,
		l.Liquidity, l.Volume24h, l.Category, l.HasFlywheel, l.FlywheelActivity, l.Creator,
	)
	return dbErr(err, "postgres: record listing")
}

func (s *PostgresStore) RecentListings(ctx context.Context, limit int) ([]Listing, error) {
	if limit <= 0 {
		limit = defaultListingLimit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT token_mint, token_name, token_symbol, launch_time, price, market_cap,
			liquidity_sol, volume_24h, token_type, has_flywheel, flywheel_activity, creator_address
		FROM token_launches ORDER BY launch_time DESC LIMIT $1`, limit)
	if err != nil {
		return nil, dbErr(err, "postgres: recent listings")
	}
	defer rows.Close()

	var out []Listing
	for rows.Next() {
		var l Listing
		if err := rows.Scan(&l.Mint, &l.Name, &l.Symbol, &l.LaunchTime, &l.Price, &l.MarketCap,
			&l.Liquidity, &l.Volume24h, &l.Category, &l.HasFlywheel, &l.FlywheelActivity, &l.Creator); err != nil {
			return nil, dbErr(err, "postgres: scan listing")
		}
		out = append(out, l)
	}
	return out, dbErr(rows.Err(), "postgres: recent listings")
}

func (s *PostgresStore) RecordCopyTrade(ctx context.Context, c CopyTrade) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO copy_trades (
			id, original_trade_id, trader_address, trader_name, token_mint, trade_type,
			amount_sol, token_amount, price, slippage, timestamp, status, signature
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			signature = EXCLUDED.signature`,
		c.ID, c.OriginalTradeID, c.Trader, c.TraderName, c.Mint, c.Side,
		c.AmountSOL, c.TokenAmount, c.Price, c.Slippage, c.Time, c.Status, c.Signature,
	)
	return dbErr(err, "postgres: record copy trade")
}

func (s *PostgresStore) RecordTrader(ctx context.Context, t Trader) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO traders (
			address, name, total_trades, successful_trades, total_profit, win_rate,
			average_profit, total_volume, last_trade_time, is_verified, risk_score
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (address) DO UPDATE SET
			name = EXCLUDED.name,
			total_trades = EXCLUDED.total_trades,
			successful_trades = EXCLUDED.successful_trades,
			total_profit = EXCLUDED.total_profit,
			win_rate = EXCLUDED.win_rate,
			average_profit = EXCLUDED.average_profit,
			total_volume = EXCLUDED.total_volume,
			last_trade_time = EXCLUDED.last_trade_time,
			is_verified = EXCLUDED.is_verified,
			risk_score = EXCLUDED.risk_score`,
		t.Address, t.Name, t.TotalTrades, t.SuccessfulTrades, t.TotalProfit, t.WinRate,
		t.AverageProfit, t.TotalVolume, t.LastTradeTime, t.Verified, t.RiskScore,
	)
	return dbErr(err, "postgres: record trader")
}

const pgTraderCols = `address, name, total_trades, successful_trades, total_profit, win_rate,
	average_profit, total_volume, last_trade_time, is_verified, risk_score`

func (s *PostgresStore) TrackedTraders(ctx context.Context) ([]Trader, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+pgTraderCols+" FROM traders ORDER BY total_profit DESC")
	if err != nil {
		return nil, dbErr(err, "postgres: tracked traders")
	}
	defer rows.Close()

	var out []Trader
	for rows.Next() {
		t, err := scanTrader(rows)
		if err != nil {
			return nil, dbErr(err, "postgres: scan trader")
		}
		out = append(out, t)
	}
	return out, dbErr(rows.Err(), "postgres: tracked traders")
}

func (s *PostgresStore) GetTrader(ctx context.Context, address string) (Trader, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+pgTraderCols+" FROM traders WHERE address = $1", address)
	t, err := scanTrader(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Trader{}, ErrNotFound
	}
	return t, dbErr(err, "postgres: get trader")
}

func (s *PostgresStore) RecordBundle(ctx context.Context, b Bundle) error {
	var target *int64
	if b.TargetBlock != nil {
		v := int64(*b.TargetBlock)
		target = &v
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO bundles (
			id, transactions_count, created_at, target_block, priority_fee, status, bundle_signature
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			transactions_count = EXCLUDED.transactions_count,
			status = EXCLUDED.status,
			bundle_signature = EXCLUDED.bundle_signature`,
		b.ID, b.TxCount, b.CreatedAt, target, int64(b.PriorityFee), b.Status, b.Signature,
	)
	return dbErr(err, "postgres: record bundle")
}

func (s *PostgresStore) RecordBundleResult(ctx context.Context, r BundleResult) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO bundle_results (
			bundle_id, bundle_signature, success, error, submitted_at,
			confirmed_at, total_transactions, priority_fee
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.BundleID, r.Signature, r.Success, r.Error, r.SubmittedAt,
		r.ConfirmedAt, r.TxCount, int64(r.PriorityFee),
	)
	return dbErr(err, "postgres: record bundle result")
}

func (s *PostgresStore) Cleanup(ctx context.Context, days int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -days)

	trades, err := s.pool.Exec(ctx, "DELETE FROM trades WHERE timestamp < $1", cutoff)
	if err != nil {
		return 0, dbErr(err, "postgres: cleanup trades")
	}
	listings, err := s.pool.Exec(ctx, "DELETE FROM token_launches WHERE launch_time < $1", cutoff)
	if err != nil {
		return trades.RowsAffected(), dbErr(err, "postgres: cleanup listings")
	}

	log.Info().
		Int64("trades", trades.RowsAffected()).
		Int64("listings", listings.RowsAffected()).
		Msg("store: cleanup done")
	return trades.RowsAffected() + listings.RowsAffected(), nil
}

func (s *PostgresStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM trades),
			(SELECT COUNT(*) FROM token_launches),
			(SELECT COUNT(*) FROM copy_trades),
			(SELECT COUNT(*) FROM traders),
			(SELECT COUNT(*) FROM bundles),
			(SELECT COUNT(*) FROM bundle_results)`,
	).Scan(&st.Trades, &st.Listings, &st.CopyTrades, &st.Traders, &st.Bundles, &st.BundleResults)
	if err != nil {
		return Stats{}, dbErr(err, "postgres: stats")
	}
	return st, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
