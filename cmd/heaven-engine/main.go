package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/nexus-trading/heaven-engine/internal/audit"
	"github.com/nexus-trading/heaven-engine/internal/bundler"
	"github.com/nexus-trading/heaven-engine/internal/bus"
	"github.com/nexus-trading/heaven-engine/internal/cache/redis"
	"github.com/nexus-trading/heaven-engine/internal/clickhouse"
	"github.com/nexus-trading/heaven-engine/internal/config"
	"github.com/nexus-trading/heaven-engine/internal/copytrade"
	"github.com/nexus-trading/heaven-engine/internal/engine"
	"github.com/nexus-trading/heaven-engine/internal/exchange"
	"github.com/nexus-trading/heaven-engine/internal/notify"
	"github.com/nexus-trading/heaven-engine/internal/observability"
	"github.com/nexus-trading/heaven-engine/internal/position"
	"github.com/nexus-trading/heaven-engine/internal/scanner"
	"github.com/nexus-trading/heaven-engine/internal/solana"
	"github.com/nexus-trading/heaven-engine/internal/store"
)

func main() {
	// 1. Parse flags.
	configPath := flag.String("config", "config.yaml", "Path to configuration file (.yaml or .toml)")
	modeFlag := flag.String("mode", "all", "Subsystems to run: all|sniper|copytrade|bundler")
	stubMode := flag.Bool("stub", false, "Use stub RPC and exchange adapter (no network)")
	flag.Parse()

	// 2. Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config from %s: %v\n", *configPath, err)
		os.Exit(1)
	}
	setupLogging(cfg.General)

	mode, err := engine.ParseMode(*modeFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid -mode")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Configuration validation failed")
	}

	log.Info().Msg("=============================================")
	log.Info().Msg("Heaven Engine - Starting")
	log.Info().Msg("SCAN -> QUOTE -> OPEN -> BUNDLE -> CONFIRM -> CLOSE")
	log.Info().Msg("=============================================")

	dryRun := cfg.General.DryRun
	log.Info().
		Str("instance_id", cfg.General.InstanceID).
		Str("environment", cfg.General.Environment).
		Str("mode", string(mode)).
		Bool("dry_run", dryRun).
		Bool("stub_mode", *stubMode).
		Bool("sniper", cfg.Sniper.Enabled).
		Bool("copy_trader", cfg.CopyTrader.Enabled).
		Bool("bundler", cfg.Bundler.Enabled).
		Float64("take_profit", cfg.Trading.TakeProfitPercentage).
		Float64("stop_loss", cfg.Trading.StopLossPercentage).
		Int("max_concurrent", cfg.Trading.MaxConcurrentTrades).
		Msg("Configuration loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Solana RPC.
	var rpc solana.RPCClient
	if *stubMode {
		rpc = solana.NewStubRPCClient()
		log.Info().Msg("Solana RPC: STUB mode")
	} else {
		liveRPC := solana.NewLiveRPCClient(solana.RPCConfig{
			Endpoint:     cfg.Solana.RPCURL,
			WSEndpoint:   cfg.Solana.WSURL,
			Commitment:   cfg.Solana.Commitment,
			Timeout:      10 * time.Second,
			MaxRetries:   3,
			RateLimitRPS: cfg.Solana.RateLimitRPS,
		})
		defer liveRPC.Close()
		rpc = liveRPC

		healthCtx, healthCancel := context.WithTimeout(ctx, 5*time.Second)
		if err := rpc.Health(healthCtx); err != nil {
			log.Warn().Err(err).Str("endpoint", cfg.Solana.RPCURL).
				Msg("Solana RPC health check failed (continuing, may be rate-limited)")
		} else {
			log.Info().Str("endpoint", cfg.Solana.RPCURL).Msg("Solana RPC: LIVE - connected")
		}
		healthCancel()
	}

	// 4. Wallet. Stub and dry-run sessions may run with a throwaway key.
	wallet, err := solana.LoadWallet(cfg.Solana.WalletPath)
	if err != nil {
		if !*stubMode && !dryRun {
			log.Fatal().Err(err).Msg("Failed to load wallet")
		}
		log.Warn().Err(err).Msg("Wallet not loaded, using a throwaway keypair")
		if wallet, err = solana.NewRandomWallet(); err != nil {
			log.Fatal().Err(err).Msg("Failed to generate keypair")
		}
	}
	log.Info().Str("wallet", string(wallet.Pubkey())).Msg("Wallet ready")

	// 5. Exchange adapter.
	var adapter exchange.Adapter
	if *stubMode {
		adapter = exchange.NewStubAdapter()
		log.Info().Msg("Exchange adapter: STUB mode")
	} else {
		adapter = exchange.NewHTTPAdapter(cfg.Heaven.APIURL, time.Duration(cfg.Trading.TradeTimeoutSecs)*time.Second)
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		if err := adapter.Ping(pingCtx); err != nil {
			log.Warn().Err(err).Str("api", cfg.Heaven.APIURL).Msg("Exchange API unreachable (continuing in degraded mode)")
		}
		pingCancel()
	}

	// 6. Persistence.
	st, err := store.Open(ctx, cfg.Database.URL)
	if err != nil {
		log.Fatal().Err(err).Str("url", cfg.Database.URL).Msg("Failed to open store")
	}
	defer st.Close()

	// 7. Event bus: Kafka, then Redis streams, then an in-process stub.
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb, err = redis.New(ctx, redis.ClientConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("Failed to connect to Redis")
		}
		defer rdb.Close()
	}

	var producer bus.Producer
	switch {
	case len(cfg.Kafka.Brokers) > 0:
		kp, err := bus.NewKafkaProducer(cfg.Kafka.Brokers, bus.WithInstanceID(cfg.General.InstanceID))
		if err != nil {
			log.Fatal().Err(err).Strs("brokers", cfg.Kafka.Brokers).Msg("Failed to create Kafka producer")
		}
		producer = kp
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Msg("Event bus: Kafka")
	case rdb != nil:
		producer = redis.NewStreamProducer(rdb, cfg.Redis.Stream)
		log.Info().Str("stream", cfg.Redis.Stream).Msg("Event bus: Redis stream")
	default:
		producer = bus.NewStubProducer()
		log.Info().Msg("Event bus: in-process stub")
	}
	defer producer.Close()
	topics := bus.NewTopics(cfg.Kafka.TopicPrefix)
	publisher := bus.NewPublisher(producer, topics, cfg.General.InstanceID)
	trail := audit.NewTrail(producer, topics.Audit, 10_000)

	// 8. Metrics, alerts and health.
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	var senders []notify.Sender
	if cfg.Monitoring.AlertWebhook != "" {
		senders = append(senders, notify.NewWebhookSender(cfg.Monitoring.AlertWebhook, cfg.General.InstanceID))
	}
	notifier := notify.NewNotifier(observability.LevelWarn, senders...)
	sink := observability.NewSink(metrics, notifier, 4096)
	health := observability.NewHealthMonitor(sink)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sink.Run(gctx) })

	// 9. Analytics.
	var analytics *clickhouse.BatchWriter
	if cfg.ClickHouse.DSN != "" {
		chc, err := clickhouse.NewClient(cfg.ClickHouse.DSN)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to ClickHouse")
		}
		if err := chc.EnsureSchema(ctx, cfg.ClickHouse.Database); err != nil {
			log.Fatal().Err(err).Msg("Failed to create ClickHouse schema")
		}
		analytics = clickhouse.NewBatchWriter(chc, cfg.ClickHouse.Database, cfg.ClickHouse.BatchSize,
			time.Duration(cfg.ClickHouse.FlushIntervalMs)*time.Millisecond)
		analytics.Start(gctx)
		defer func() {
			if err := analytics.Close(); err != nil {
				log.Warn().Err(err).Msg("ClickHouse final flush failed")
			}
			chc.Close()
		}()
	}

	// 10. Bundle engine. Built when bundling is enabled or the bundler mode
	// was asked for explicitly.
	var bundleEngine *bundler.Engine
	if cfg.Bundler.Enabled || mode == engine.ModeBundler {
		bundleEngine = bundler.NewEngine(bundlerConfig(cfg), rpc, wallet, sender(cfg, rpc))
		bundleEngine.SetStore(st)
		bundleEngine.SetSink(sink)
		bundleEngine.SetAudit(trail)
		bundleEngine.SetPublisher(publisher)
		if analytics != nil {
			bundleEngine.SetAnalytics(analytics)
		}
		if !*stubMode {
			slots := solana.NewSlotMonitor(solana.SlotMonitorConfig{
				WSEndpoint:       cfg.Solana.WSURL,
				ReconnectDelayMs: 2000,
				PingIntervalS:    30,
				PollInterval:     400 * time.Millisecond,
			}, rpc)
			g.Go(func() error { return slots.Run(gctx) })
			bundleEngine.SetSlotSource(slots)
		}
	}

	// 11. Position manager and its executor.
	var exec position.Executor
	switch {
	case dryRun:
		exec = position.DryRunExecutor{}
	case bundleEngine != nil:
		exec = position.NewBundledExecutor(bundleEngine, wallet.Pubkey())
	default:
		exec = position.NewDirectExecutor(rpc, wallet, cfg.Heaven.ComputeUnitLimit, cfg.Heaven.ComputeUnitPrice)
	}
	log.Info().Str("executor", exec.Name()).Msg("Trade routing selected")

	var positions *position.Manager
	if mode != engine.ModeBundler {
		positions = position.NewManager(position.Config{
			TakeProfit:     decimal.NewFromFloat(cfg.Trading.TakeProfitPercentage),
			StopLoss:       decimal.NewFromFloat(cfg.Trading.StopLossPercentage),
			MaxConcurrent:  cfg.Trading.MaxConcurrentTrades,
			MaxDailyTrades: cfg.Trading.MaxDailyTrades,
			MaxDailyLoss:   decimal.NewFromFloat(cfg.Trading.MaxDailyLoss),
			SnipeSlippage:  decimal.NewFromFloat(cfg.Sniper.MaxSlippage),
			CopySlippage:   decimal.NewFromFloat(cfg.Heaven.MaxSlippage),
		}, adapter, rpc, wallet.Pubkey(), exec)
		positions.SetStore(st)
		positions.SetSink(sink)
		positions.SetAudit(trail)
		positions.SetPublisher(publisher)
		if analytics != nil {
			positions.SetAnalytics(analytics)
		}
	}

	// 12. Scanner and copy-trade tracker.
	var tokenScanner *scanner.Scanner
	if positions != nil && cfg.Sniper.Enabled {
		sc, err := scanner.ConfigFrom(cfg.Sniper)
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid sniper configuration")
		}
		tokenScanner = scanner.NewScanner(sc, adapter, positions)
		tokenScanner.SetStore(st)
		tokenScanner.SetSink(sink)
	}

	var tracker *copytrade.Tracker
	if positions != nil && cfg.CopyTrader.Enabled {
		cc := copytrade.ConfigFrom(cfg.CopyTrader)
		cc.Slippage = decimal.NewFromFloat(cfg.Heaven.MaxSlippage)
		tracker = copytrade.NewTracker(cc, adapter, rpc, wallet.Pubkey(), positions)
		tracker.SetStore(st)
		tracker.SetSink(sink)
	}

	// 13. Supervisor.
	components := engine.Components{
		Adapter:   adapter,
		RPC:       rpc,
		Wallet:    wallet.Pubkey(),
		Scanner:   tokenScanner,
		Tracker:   tracker,
		Positions: positions,
		Bundler:   bundleEngine,
		Store:     st,
		Sink:      sink,
		Health:    health,
	}
	if rdb != nil {
		locks := redis.NewLockManager(rdb)
		ttl := time.Duration(cfg.Redis.LockTTLSecs) * time.Second
		components.Lock = func(ctx context.Context, key string) (engine.Lease, error) {
			l, err := locks.Acquire(ctx, key, ttl)
			if err != nil {
				return nil, err
			}
			return l, nil
		}
	}
	supervisor := engine.New(components, engine.Options{
		Mode:          mode,
		Intervals:     engine.IntervalsFrom(cfg),
		MinSOLBalance: decimal.NewFromFloat(cfg.Monitoring.MinSOLBalance),
		RetentionDays: cfg.Database.RetentionDays,
		DryRun:        dryRun,
	})

	// 14. Operator HTTP surface.
	if cfg.Monitoring.Enabled {
		server := observability.NewServer(fmt.Sprintf(":%d", cfg.Monitoring.MetricsPort), metrics, health,
			func(ctx context.Context) any { return supervisor.Status(ctx) })
		server.Handle("/control/", supervisor.ControlHandler())
		g.Go(func() error { return server.Run(gctx) })
	}

	// 15. Signals.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
			supervisor.Stop()
			cancel()
		case <-ctx.Done():
		}
	}()

	g.Go(func() error {
		defer cancel()
		return supervisor.Run(gctx)
	})

	log.Info().Msg("Heaven Engine - Running")

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Engine stopped with error")
	}

	final := supervisor.Status(context.Background())
	log.Info().
		Int64("total_trades", final.TotalTrades).
		Str("daily_pnl", final.DailyPnL.String()).
		Int("active_snipes", final.ActiveSnipes).
		Int("active_copies", final.ActiveCopies).
		Int("pending_bundles", final.PendingBundles).
		Msg("Heaven Engine - Final Statistics")
	log.Info().Msg("Heaven Engine - Shutdown complete")
}

func bundlerConfig(cfg *config.Config) bundler.Config {
	bc := bundler.DefaultConfig()
	bc.MaxBundleSize = cfg.Bundler.MaxBundleSize
	bc.MaxBundleTime = time.Duration(cfg.Bundler.MaxBundleTimeMs) * time.Millisecond
	bc.FeeMultiplier = cfg.Bundler.PriorityFeeMultiplier
	bc.BaseFee = cfg.Heaven.ComputeUnitPrice
	bc.ComputeUnitLimit = cfg.Heaven.ComputeUnitLimit
	bc.TargetBlock = cfg.Bundler.TargetBlock
	return bc
}

func sender(cfg *config.Config, rpc solana.RPCClient) bundler.Sender {
	if cfg.Bundler.SubmitVia != "jito" {
		return solana.RPCSender{RPC: rpc}
	}
	jc := solana.DefaultJitoConfig()
	if cfg.Bundler.JitoURL != "" {
		jc.BlockEngineURL = cfg.Bundler.JitoURL
	}
	log.Info().Str("block_engine", jc.BlockEngineURL).Msg("Bundle submission: Jito")
	return solana.NewJitoSender(jc)
}

func setupLogging(general config.GeneralConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	level, err := zerolog.ParseLevel(general.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if general.LogFormat == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Str("service", "heaven-engine").
			Str("instance", general.InstanceID).Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).
			With().Timestamp().Str("service", "heaven-engine").
			Str("instance", general.InstanceID).Logger()
	}
}
