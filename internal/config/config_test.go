package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riskengine/internal/risk"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, []string{"BTC/USDT", "ETH/USDT", "ETH/BTC"}, cfg.Strategy.Pairs)
	assert.True(t, cfg.Strategy.MinProfitThreshold.Equal(decimal.RequireFromString("0.002")))
	assert.True(t, cfg.Risk.CriticalThreshold.Equal(decimal.RequireFromString("0.95")))
	assert.False(t, cfg.Audit.Enabled)
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("EXCHANGES", "bybit, bybit-test:bybit")
	t.Setenv("BYBIT_TEST_API_KEY", "key")
	t.Setenv("BYBIT_TEST_API_SECRET", "secret")
	t.Setenv("BYBIT_TEST_BASE_URL", "https://api-testnet.bybit.com")
	t.Setenv("BYBIT_TEST_CALLS_PER_SECOND", "20")
	t.Setenv("STRATEGY_EXCHANGES", "bybit-test")
	t.Setenv("PAIRS", "BTC/USDT, ETH/USDT,")
	t.Setenv("MIN_PROFIT_THRESHOLD", "0.005")
	t.Setenv("MAX_POSITION_SIZE", "2.5")
	t.Setenv("CYCLE_INTERVAL", "500ms")
	t.Setenv("SIZING_METHOD", "kelly")
	t.Setenv("MAX_DRAWDOWN", "0.2")
	t.Setenv("QUOTE_CURRENCY", "usdc")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	require.Len(t, cfg.Exchanges, 2)
	assert.Equal(t, "bybit", cfg.Exchanges[0].Name)
	assert.Equal(t, "bybit", cfg.Exchanges[0].Kind)
	test := cfg.Exchanges[1]
	assert.Equal(t, "bybit-test", test.Name)
	assert.Equal(t, "bybit", test.Kind)
	assert.Equal(t, "key", test.APIKey)
	assert.Equal(t, "https://api-testnet.bybit.com", test.Options().BaseURL)

	calls, burst := test.Limits(cfg.RateLimit)
	assert.Equal(t, 20, calls)
	assert.Equal(t, 10, burst)

	assert.Equal(t, []string{"bybit-test"}, cfg.Strategy.Exchanges)
	assert.Equal(t, []string{"BTC/USDT", "ETH/USDT"}, cfg.Strategy.Pairs)
	assert.True(t, cfg.Strategy.MinProfitThreshold.Equal(decimal.RequireFromString("0.005")))
	assert.True(t, cfg.Strategy.MaxPositionSize.Equal(decimal.RequireFromString("2.5")))
	assert.Equal(t, 500*time.Millisecond, cfg.Strategy.CycleInterval)
	assert.Equal(t, risk.SizingKelly, cfg.Strategy.SizingMethod)
	assert.True(t, cfg.Risk.MaxDrawdown.Equal(decimal.RequireFromString("0.2")))
	assert.Equal(t, "USDC", cfg.Engine.QuoteCurrency)
	assert.Equal(t, "debug", cfg.Logging.LogConfig().Level)
}

func TestLoad_MalformedValuesFallBackToDefaults(t *testing.T) {
	t.Setenv("SERVER_PORT", "http")
	t.Setenv("MAX_DRAWDOWN", "ten percent")
	t.Setenv("CYCLE_INTERVAL", "soon")
	t.Setenv("AUDIT_ENABLED", "maybe")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.True(t, cfg.Risk.MaxDrawdown.Equal(decimal.RequireFromString("0.1")))
	assert.Equal(t, time.Second, cfg.Strategy.CycleInterval)
	assert.False(t, cfg.Audit.Enabled)
}

func TestLoad_RejectsInvalidConfig(t *testing.T) {
	t.Setenv("EXCHANGES", "kraken")
	_, err := Load()
	assert.ErrorContains(t, err, "unsupported kind")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"plain token", func(c *Config) { c.Server.TokenHash = "secret" }, "OPS_TOKEN_HASH"},
		{"bcrypt token", func(c *Config) { c.Server.TokenHash = "$2a$10$abcdefghijklmnopqrstuv" }, ""},
		{"audit without password", func(c *Config) { c.Audit.Enabled = true }, "DB_PASSWORD"},
		{"no exchanges", func(c *Config) { c.Exchanges = nil }, "at least one exchange"},
		{"duplicate exchange", func(c *Config) {
			c.Exchanges = append(c.Exchanges, ExchangeConfig{Name: "bybit", Kind: "bybit"})
		}, "configured twice"},
		{"key without secret", func(c *Config) { c.Exchanges[0].APIKey = "k" }, "set together"},
		{"strategy exchange missing", func(c *Config) { c.Strategy.Exchanges = []string{"okx"} }, "not configured"},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "SERVER_PORT"},
		{"disabled server ignores port", func(c *Config) {
			c.Server.Enabled = false
			c.Server.Port = 0
		}, ""},
		{"no pairs", func(c *Config) { c.Strategy.Pairs = nil }, "PAIRS"},
		{"zero position size", func(c *Config) { c.Strategy.MaxPositionSize = decimal.Zero }, "MAX_POSITION_SIZE"},
		{"risk per trade of one", func(c *Config) { c.Strategy.RiskPerTrade = decimal.NewFromInt(1) }, "RISK_PER_TRADE"},
		{"unknown sizing", func(c *Config) { c.Strategy.SizingMethod = "martingale" }, "SIZING_METHOD"},
		{"unknown stop", func(c *Config) { c.Strategy.StopMethod = "mental" }, "STOP_METHOD"},
		{"drawdown over one", func(c *Config) { c.Risk.MaxDrawdown = decimal.NewFromFloat(1.5) }, "MAX_DRAWDOWN"},
		{"inverted thresholds", func(c *Config) { c.Risk.WarningThreshold = decimal.NewFromFloat(0.96) }, "alert thresholds"},
		{"too many retries", func(c *Config) { c.Retry.MaxAttempts = 11 }, "MAX_RETRIES"},
		{"zero stop queue", func(c *Config) { c.Engine.StopQueueSize = 0 }, "STOP_QUEUE_SIZE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestComponentConfigs(t *testing.T) {
	cfg := Default()
	cfg.Retry.MaxAttempts = 3
	cfg.Retry.CallTimeout = 2 * time.Second
	cfg.Engine.StopQueueSize = 64

	engine := cfg.EngineConfig()
	assert.Equal(t, cfg.Strategy.Pairs, engine.Strategy.Pairs)
	assert.Equal(t, 64, engine.StopQueueSize)
	assert.Equal(t, cfg.Audit.Timeout, engine.AuditTimeout)
	assert.True(t, engine.Risk.MaxDrawdown.Equal(cfg.Risk.MaxDrawdown))

	guard := cfg.GuardConfig()
	assert.Equal(t, 2*time.Second, guard.CallTimeout)
	assert.Equal(t, 3, guard.Retry.MaxAttempts)
	assert.Equal(t, cfg.Retry.BreakerThreshold, guard.BreakerThreshold)

	srv := cfg.Server.APIConfig()
	assert.Equal(t, cfg.Server.Port, srv.Port)
	assert.Equal(t, cfg.Server.ShutdownTimeout, srv.ShutdownTimeout)

	cfg.Audit.Password = "hunter2"
	assert.Contains(t, cfg.Audit.DSN(), "password=hunter2")
	assert.NotContains(t, cfg.Audit.DSNWithoutPassword(), "hunter2")
}
