package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/nexus-trading/heaven-engine/internal/errs"
	"github.com/nexus-trading/heaven-engine/internal/solana"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the engine.
type Config struct {
	General    GeneralConfig    `yaml:"general" toml:"general"`
	Solana     SolanaConfig     `yaml:"solana" toml:"solana"`
	Heaven     HeavenConfig     `yaml:"heaven" toml:"heaven"`
	Sniper     SniperConfig     `yaml:"sniper" toml:"sniper"`
	CopyTrader CopyTraderConfig `yaml:"copy_trader" toml:"copy_trader"`
	Bundler    BundlerConfig    `yaml:"bundler" toml:"bundler"`
	Trading    TradingConfig    `yaml:"trading" toml:"trading"`
	Monitoring MonitoringConfig `yaml:"monitoring" toml:"monitoring"`
	Database   DatabaseConfig   `yaml:"database" toml:"database"`
	Redis      RedisConfig      `yaml:"redis" toml:"redis"`
	Kafka      KafkaConfig      `yaml:"kafka" toml:"kafka"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse" toml:"clickhouse"`
}

type GeneralConfig struct {
	InstanceID  string `yaml:"instance_id" toml:"instance_id"`
	Environment string `yaml:"environment" toml:"environment"` // production|staging|development
	DryRun      bool   `yaml:"dry_run" toml:"dry_run"`
	LogLevel    string `yaml:"log_level" toml:"log_level"`
	LogFormat   string `yaml:"log_format" toml:"log_format"` // json|text
}

type SolanaConfig struct {
	RPCURL       string  `yaml:"rpc_url" toml:"rpc_url"`
	WSURL        string  `yaml:"ws_url" toml:"ws_url"`
	WalletPath   string  `yaml:"wallet_path" toml:"wallet_path"`
	Commitment   string  `yaml:"commitment" toml:"commitment"`
	RateLimitRPS float64 `yaml:"rate_limit_rps" toml:"rate_limit_rps"`
}

type HeavenConfig struct {
	ProgramID        string  `yaml:"program_id" toml:"program_id"`
	APIURL           string  `yaml:"api_url" toml:"api_url"`
	MaxSlippage      float64 `yaml:"max_slippage" toml:"max_slippage"`
	ComputeUnitLimit uint32  `yaml:"compute_unit_limit" toml:"compute_unit_limit"`
	ComputeUnitPrice uint64  `yaml:"compute_unit_price" toml:"compute_unit_price"` // micro-lamports per CU
}

type SniperConfig struct {
	Enabled                bool     `yaml:"enabled" toml:"enabled"`
	MaxSOLPerTrade         float64  `yaml:"max_sol_per_trade" toml:"max_sol_per_trade"`
	MinLiquiditySOL        float64  `yaml:"min_liquidity_sol" toml:"min_liquidity_sol"`
	MaxSlippage            float64  `yaml:"max_slippage" toml:"max_slippage"`
	MinMarketCap           float64  `yaml:"min_market_cap" toml:"min_market_cap"`
	MaxMarketCap           float64  `yaml:"max_market_cap" toml:"max_market_cap"`
	VolumeThreshold        float64  `yaml:"volume_threshold" toml:"volume_threshold"`
	LaunchDetectionDelayMs int      `yaml:"launch_detection_delay_ms" toml:"launch_detection_delay_ms"`
	Strategies             []string `yaml:"strategies" toml:"strategies"`
	BlacklistedTokens      []string `yaml:"blacklisted_tokens" toml:"blacklisted_tokens"`
	WhitelistedTokens      []string `yaml:"whitelisted_tokens" toml:"whitelisted_tokens"`
}

type CopyTraderConfig struct {
	Enabled            bool     `yaml:"enabled" toml:"enabled"`
	MaxSOLPerTrade     float64  `yaml:"max_sol_per_trade" toml:"max_sol_per_trade"`
	CopyPercentage     float64  `yaml:"copy_percentage" toml:"copy_percentage"`
	MaxTraders         int      `yaml:"max_traders" toml:"max_traders"`
	MinTraderBalance   float64  `yaml:"min_trader_balance" toml:"min_trader_balance"`
	MinTraderProfit    float64  `yaml:"min_trader_profit" toml:"min_trader_profit"`
	CopyDelayMs        int      `yaml:"copy_delay_ms" toml:"copy_delay_ms"`
	BlacklistedTraders []string `yaml:"blacklisted_traders" toml:"blacklisted_traders"`
	WhitelistedTraders []string `yaml:"whitelisted_traders" toml:"whitelisted_traders"`
}

type BundlerConfig struct {
	Enabled               bool    `yaml:"enabled" toml:"enabled"`
	MaxBundleSize         int     `yaml:"max_bundle_size" toml:"max_bundle_size"`
	MaxBundleTimeMs       int     `yaml:"max_bundle_time_ms" toml:"max_bundle_time_ms"`
	PriorityFeeMultiplier float64 `yaml:"priority_fee_multiplier" toml:"priority_fee_multiplier"`
	TargetBlock           *uint64 `yaml:"target_block" toml:"target_block"`
	SubmitVia             string  `yaml:"submit_via" toml:"submit_via"` // rpc|jito
	JitoURL               string  `yaml:"jito_url" toml:"jito_url"`
}

type TradingConfig struct {
	MaxConcurrentTrades  int     `yaml:"max_concurrent_trades" toml:"max_concurrent_trades"`
	TradeTimeoutSecs     int     `yaml:"trade_timeout_secs" toml:"trade_timeout_secs"`
	TakeProfitPercentage float64 `yaml:"take_profit_percentage" toml:"take_profit_percentage"`
	StopLossPercentage   float64 `yaml:"stop_loss_percentage" toml:"stop_loss_percentage"`
	MaxDailyTrades       int     `yaml:"max_daily_trades" toml:"max_daily_trades"`
	MaxDailyLoss         float64 `yaml:"max_daily_loss" toml:"max_daily_loss"`
	MonitorIntervalMs    int     `yaml:"monitor_interval_ms" toml:"monitor_interval_ms"`
}

type MonitoringConfig struct {
	Enabled                 bool    `yaml:"enabled" toml:"enabled"`
	MetricsPort             int     `yaml:"metrics_port" toml:"metrics_port"`
	HealthCheckIntervalSecs int     `yaml:"health_check_interval_secs" toml:"health_check_interval_secs"`
	AlertWebhook            string  `yaml:"alert_webhook" toml:"alert_webhook"`
	MinSOLBalance           float64 `yaml:"min_sol_balance" toml:"min_sol_balance"`
}

type DatabaseConfig struct {
	URL           string `yaml:"url" toml:"url"` // sqlite:<path> | postgres://... | memory:
	RetentionDays int    `yaml:"retention_days" toml:"retention_days"`
}

type RedisConfig struct {
	Addr        string `yaml:"addr" toml:"addr"` // empty disables redis
	Password    string `yaml:"password" toml:"password"`
	DB          int    `yaml:"db" toml:"db"`
	Stream      string `yaml:"stream" toml:"stream"`
	LockTTLSecs int    `yaml:"lock_ttl_secs" toml:"lock_ttl_secs"`
}

type KafkaConfig struct {
	Brokers     []string `yaml:"brokers" toml:"brokers"` // empty disables kafka
	TopicPrefix string   `yaml:"topic_prefix" toml:"topic_prefix"`
}

type ClickHouseConfig struct {
	DSN             string `yaml:"dsn" toml:"dsn"` // empty disables the analytics sink
	Database        string `yaml:"database" toml:"database"`
	BatchSize       int    `yaml:"batch_size" toml:"batch_size"`
	FlushIntervalMs int    `yaml:"flush_interval_ms" toml:"flush_interval_ms"`
}

// Load reads and parses a configuration file. Files ending in .toml are
// decoded as TOML, everything else as YAML. A .env file next to the config
// is loaded first so ${VARS} can reference it.
func Load(path string) (*Config, error) {
	envPath := filepath.Join(filepath.Dir(path), ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("load env file: %w", err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyDefaults(cfg)

	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.General.InstanceID == "" {
		cfg.General.InstanceID = "heaven-1"
	}
	if cfg.General.Environment == "" {
		cfg.General.Environment = "development"
	}
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.LogFormat == "" {
		cfg.General.LogFormat = "json"
	}

	if cfg.Solana.RPCURL == "" {
		cfg.Solana.RPCURL = "https://api.mainnet-beta.solana.com"
	}
	if cfg.Solana.WalletPath == "" {
		cfg.Solana.WalletPath = "~/.config/solana/id.json"
	}
	if cfg.Solana.Commitment == "" {
		cfg.Solana.Commitment = "confirmed"
	}
	if cfg.Solana.RateLimitRPS == 0 {
		cfg.Solana.RateLimitRPS = 10
	}

	if cfg.Heaven.MaxSlippage == 0 {
		cfg.Heaven.MaxSlippage = 0.05
	}
	if cfg.Heaven.ComputeUnitLimit == 0 {
		cfg.Heaven.ComputeUnitLimit = 200_000
	}
	if cfg.Heaven.ComputeUnitPrice == 0 {
		cfg.Heaven.ComputeUnitPrice = 1_000_000
	}

	if cfg.Sniper.MaxSOLPerTrade == 0 {
		cfg.Sniper.MaxSOLPerTrade = 0.1
	}
	if cfg.Sniper.MinLiquiditySOL == 0 {
		cfg.Sniper.MinLiquiditySOL = 0.01
	}
	if cfg.Sniper.MaxSlippage == 0 {
		cfg.Sniper.MaxSlippage = 0.1
	}
	if cfg.Sniper.MaxMarketCap == 0 {
		cfg.Sniper.MaxMarketCap = 1_000_000
	}
	if cfg.Sniper.VolumeThreshold == 0 {
		cfg.Sniper.VolumeThreshold = 1000
	}
	if cfg.Sniper.LaunchDetectionDelayMs == 0 {
		cfg.Sniper.LaunchDetectionDelayMs = 100
	}
	if len(cfg.Sniper.Strategies) == 0 {
		cfg.Sniper.Strategies = []string{"creator_token", "community_token", "high_volume", "low_market_cap", "flywheel_active"}
	}

	if cfg.CopyTrader.MaxSOLPerTrade == 0 {
		cfg.CopyTrader.MaxSOLPerTrade = 0.05
	}
	if cfg.CopyTrader.CopyPercentage == 0 {
		cfg.CopyTrader.CopyPercentage = 0.1
	}
	if cfg.CopyTrader.MaxTraders == 0 {
		cfg.CopyTrader.MaxTraders = 10
	}
	if cfg.CopyTrader.MinTraderBalance == 0 {
		cfg.CopyTrader.MinTraderBalance = 1.0
	}
	if cfg.CopyTrader.MinTraderProfit == 0 {
		cfg.CopyTrader.MinTraderProfit = 0.05
	}
	if cfg.CopyTrader.CopyDelayMs == 0 {
		cfg.CopyTrader.CopyDelayMs = 500
	}

	if cfg.Bundler.MaxBundleSize == 0 {
		cfg.Bundler.MaxBundleSize = 10
	}
	if cfg.Bundler.MaxBundleTimeMs == 0 {
		cfg.Bundler.MaxBundleTimeMs = 1000
	}
	if cfg.Bundler.PriorityFeeMultiplier == 0 {
		cfg.Bundler.PriorityFeeMultiplier = 1.5
	}
	if cfg.Bundler.SubmitVia == "" {
		cfg.Bundler.SubmitVia = "rpc"
	}

	if cfg.Trading.MaxConcurrentTrades == 0 {
		cfg.Trading.MaxConcurrentTrades = 5
	}
	if cfg.Trading.TradeTimeoutSecs == 0 {
		cfg.Trading.TradeTimeoutSecs = 30
	}
	if cfg.Trading.TakeProfitPercentage == 0 {
		cfg.Trading.TakeProfitPercentage = 0.2
	}
	if cfg.Trading.StopLossPercentage == 0 {
		cfg.Trading.StopLossPercentage = 0.1
	}
	if cfg.Trading.MaxDailyTrades == 0 {
		cfg.Trading.MaxDailyTrades = 100
	}
	if cfg.Trading.MaxDailyLoss == 0 {
		cfg.Trading.MaxDailyLoss = 1.0
	}
	if cfg.Trading.MonitorIntervalMs == 0 {
		cfg.Trading.MonitorIntervalMs = 1000
	}

	if cfg.Monitoring.MetricsPort == 0 {
		cfg.Monitoring.MetricsPort = 8080
	}
	if cfg.Monitoring.HealthCheckIntervalSecs == 0 {
		cfg.Monitoring.HealthCheckIntervalSecs = 60
	}
	if cfg.Monitoring.MinSOLBalance == 0 {
		cfg.Monitoring.MinSOLBalance = 0.01
	}

	if cfg.Database.URL == "" {
		cfg.Database.URL = "sqlite:trading_bot.db"
	}
	if cfg.Database.RetentionDays == 0 {
		cfg.Database.RetentionDays = 30
	}

	if cfg.Redis.Stream == "" {
		cfg.Redis.Stream = "heaven:events"
	}
	if cfg.Redis.LockTTLSecs == 0 {
		cfg.Redis.LockTTLSecs = 30
	}

	if cfg.Kafka.TopicPrefix == "" {
		cfg.Kafka.TopicPrefix = "heaven"
	}

	if cfg.ClickHouse.Database == "" {
		cfg.ClickHouse.Database = "heaven"
	}
	if cfg.ClickHouse.BatchSize == 0 {
		cfg.ClickHouse.BatchSize = 500
	}
	if cfg.ClickHouse.FlushIntervalMs == 0 {
		cfg.ClickHouse.FlushIntervalMs = 5000
	}
}

var knownStrategies = map[string]bool{
	"creator_token":   true,
	"community_token": true,
	"high_volume":     true,
	"low_market_cap":  true,
	"flywheel_active": true,
}

// Validate checks the thresholds the engine refuses to start without.
func (c *Config) Validate() error {
	if c.Solana.RPCURL == "" {
		return errs.Validation("solana.rpc_url must not be empty")
	}
	if c.Heaven.ProgramID == "" {
		return errs.Validation("heaven.program_id must not be empty")
	}
	if _, err := solana.ParsePubkey(c.Heaven.ProgramID); err != nil {
		return errs.Validation("heaven.program_id: %v", err)
	}
	if c.Heaven.MaxSlippage < 0 || c.Heaven.MaxSlippage >= 1 {
		return errs.Validation("heaven.max_slippage must be in [0,1), got %v", c.Heaven.MaxSlippage)
	}
	if c.Trading.MaxConcurrentTrades <= 0 {
		return errs.Validation("trading.max_concurrent_trades must be greater than 0")
	}
	if c.Trading.TakeProfitPercentage <= 0 {
		return errs.Validation("trading.take_profit_percentage must be greater than 0")
	}
	if c.Trading.StopLossPercentage <= 0 || c.Trading.StopLossPercentage >= 1 {
		return errs.Validation("trading.stop_loss_percentage must be in (0,1), got %v", c.Trading.StopLossPercentage)
	}

	if c.Sniper.Enabled {
		if c.Sniper.MaxSOLPerTrade <= 0 {
			return errs.Validation("sniper.max_sol_per_trade must be greater than 0")
		}
		if c.Sniper.MinMarketCap > c.Sniper.MaxMarketCap {
			return errs.Validation("sniper.min_market_cap exceeds sniper.max_market_cap")
		}
		for _, s := range c.Sniper.Strategies {
			if !knownStrategies[s] {
				return errs.Validation("sniper.strategies: unknown strategy %q", s)
			}
		}
	}

	if c.CopyTrader.Enabled {
		if c.CopyTrader.MaxSOLPerTrade <= 0 {
			return errs.Validation("copy_trader.max_sol_per_trade must be greater than 0")
		}
		if c.CopyTrader.CopyPercentage <= 0 || c.CopyTrader.CopyPercentage > 1 {
			return errs.Validation("copy_trader.copy_percentage must be in (0,1], got %v", c.CopyTrader.CopyPercentage)
		}
		if c.CopyTrader.MaxTraders <= 0 {
			return errs.Validation("copy_trader.max_traders must be greater than 0")
		}
	}

	if c.Bundler.Enabled {
		if c.Bundler.MaxBundleSize <= 0 {
			return errs.Validation("bundler.max_bundle_size must be greater than 0")
		}
		if c.Bundler.MaxBundleTimeMs <= 0 {
			return errs.Validation("bundler.max_bundle_time_ms must be greater than 0")
		}
		if c.Bundler.PriorityFeeMultiplier < 0 {
			return errs.Validation("bundler.priority_fee_multiplier must not be negative")
		}
		switch c.Bundler.SubmitVia {
		case "rpc":
		case "jito":
			if c.Bundler.JitoURL == "" {
				return errs.Validation("bundler.jito_url is required when submit_via is jito")
			}
		default:
			return errs.Validation("bundler.submit_via must be rpc or jito, got %q", c.Bundler.SubmitVia)
		}
	}

	return nil
}
