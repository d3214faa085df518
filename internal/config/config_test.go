package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testProgramID = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"

func writeTemp(t *testing.T, pattern, body string) string {
	t.Helper()
	tmpFile, err := os.CreateTemp(t.TempDir(), pattern)
	require.NoError(t, err)
	_, err = tmpFile.WriteString(body)
	require.NoError(t, err)
	require.NoError(t, tmpFile.Close())
	return tmpFile.Name()
}

func TestLoadConfig(t *testing.T) {
	yaml := `
general:
  instance_id: "test-node"
  dry_run: true
  log_level: "debug"

heaven:
  program_id: "` + testProgramID + `"
  compute_unit_limit: 300000

sniper:
  enabled: true
  max_sol_per_trade: 0.5
  strategies:
    - creator_token
    - flywheel_active

bundler:
  enabled: true
  max_bundle_size: 4
  target_block: 12345

kafka:
  brokers:
    - "localhost:19092"
`
	path := writeTemp(t, "heaven-config-*.yaml", yaml)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "test-node", cfg.General.InstanceID)
	assert.True(t, cfg.General.DryRun)
	assert.Equal(t, testProgramID, cfg.Heaven.ProgramID)
	assert.Equal(t, uint32(300000), cfg.Heaven.ComputeUnitLimit)
	assert.Equal(t, 0.5, cfg.Sniper.MaxSOLPerTrade)
	assert.Equal(t, []string{"creator_token", "flywheel_active"}, cfg.Sniper.Strategies)
	assert.Equal(t, 4, cfg.Bundler.MaxBundleSize)
	require.NotNil(t, cfg.Bundler.TargetBlock)
	assert.Equal(t, uint64(12345), *cfg.Bundler.TargetBlock)
	assert.Equal(t, []string{"localhost:19092"}, cfg.Kafka.Brokers)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigTOML(t *testing.T) {
	body := `
[general]
instance_id = "toml-node"

[heaven]
program_id = "` + testProgramID + `"

[copy_trader]
enabled = true
copy_percentage = 0.25
max_traders = 3
`
	path := writeTemp(t, "heaven-config-*.toml", body)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "toml-node", cfg.General.InstanceID)
	assert.True(t, cfg.CopyTrader.Enabled)
	assert.Equal(t, 0.25, cfg.CopyTrader.CopyPercentage)
	assert.Equal(t, 3, cfg.CopyTrader.MaxTraders)
	assert.Nil(t, cfg.Bundler.TargetBlock)
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeTemp(t, "heaven-config-*.yaml", "general:\n  dry_run: true\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "heaven-1", cfg.General.InstanceID)
	assert.Equal(t, "info", cfg.General.LogLevel)
	assert.Equal(t, "https://api.mainnet-beta.solana.com", cfg.Solana.RPCURL)
	assert.Equal(t, "confirmed", cfg.Solana.Commitment)
	assert.Equal(t, 0.05, cfg.Heaven.MaxSlippage)
	assert.Equal(t, uint32(200_000), cfg.Heaven.ComputeUnitLimit)
	assert.Equal(t, uint64(1_000_000), cfg.Heaven.ComputeUnitPrice)
	assert.Equal(t, 0.1, cfg.Sniper.MaxSOLPerTrade)
	assert.Equal(t, 1_000_000.0, cfg.Sniper.MaxMarketCap)
	assert.Len(t, cfg.Sniper.Strategies, 5)
	assert.Equal(t, 10, cfg.CopyTrader.MaxTraders)
	assert.Equal(t, 500, cfg.CopyTrader.CopyDelayMs)
	assert.Equal(t, 10, cfg.Bundler.MaxBundleSize)
	assert.Equal(t, 1000, cfg.Bundler.MaxBundleTimeMs)
	assert.Equal(t, 1.5, cfg.Bundler.PriorityFeeMultiplier)
	assert.Equal(t, 0.2, cfg.Trading.TakeProfitPercentage)
	assert.Equal(t, 0.1, cfg.Trading.StopLossPercentage)
	assert.Equal(t, 8080, cfg.Monitoring.MetricsPort)
	assert.Equal(t, "sqlite:trading_bot.db", cfg.Database.URL)
}

func TestLoadConfigExpandsEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("HEAVEN_TEST_RPC=http://rpc.local:8899\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("HEAVEN_TEST_RPC") })

	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("solana:\n  rpc_url: \"${HEAVEN_TEST_RPC}\"\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://rpc.local:8899", cfg.Solana.RPCURL)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config file")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Heaven.ProgramID = testProgramID
		cfg.Sniper.Enabled = true
		cfg.CopyTrader.Enabled = true
		cfg.Bundler.Enabled = true
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing program id", func(c *Config) { c.Heaven.ProgramID = "" }, "program_id"},
		{"bad program id", func(c *Config) { c.Heaven.ProgramID = "not-base58-0OIl" }, "program_id"},
		{"slippage out of range", func(c *Config) { c.Heaven.MaxSlippage = 1.2 }, "max_slippage"},
		{"stop loss out of range", func(c *Config) { c.Trading.StopLossPercentage = 1 }, "stop_loss"},
		{"mcap range inverted", func(c *Config) { c.Sniper.MinMarketCap = 2_000_000 }, "min_market_cap"},
		{"unknown strategy", func(c *Config) { c.Sniper.Strategies = []string{"moon"} }, "unknown strategy"},
		{"copy pct zero", func(c *Config) { c.CopyTrader.CopyPercentage = 0 }, "copy_percentage"},
		{"jito without url", func(c *Config) { c.Bundler.SubmitVia = "jito" }, "jito_url"},
		{"unknown submit path", func(c *Config) { c.Bundler.SubmitVia = "carrier-pigeon" }, "submit_via"},
		{"disabled bundler skips checks", func(c *Config) {
			c.Bundler.Enabled = false
			c.Bundler.SubmitVia = "carrier-pigeon"
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
