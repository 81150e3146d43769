package service

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
system:
  mode: paper
  initial_cash: 10000
  deactivation_policy: liquidate
  execution:
    max_retries: 3
    retry_base_delay: 10ms
  backtest:
    period: custom
    custom:
      start: 2024-01-01T00:00:00Z
      end: 2024-02-01T00:00:00Z
strategies:
  - id: momentum_btc
    strategy: momentum
    asset: BTC-USDT
    timeframe: 1h
    capital_pct: 50
    individual_report: true
    params:
      short_window: 10
      long_window: 30
  - id: bb_eth
    strategy: mean_reversion_bb
    asset: ETH-USDT
    timeframe: 15m
    capital_pct: 80
    enabled: false
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, ModePaper, cfg.System.Mode)
	assert.Equal(t, 10000.0, cfg.System.InitialCash)
	assert.Equal(t, PolicyLiquidate, cfg.System.DeactivationPolicy)
	assert.Equal(t, 10*time.Millisecond, cfg.System.Execution.RetryBaseDelay)
	assert.Equal(t, 10*time.Second, cfg.System.Execution.RetryMaxDelay) // 默认值
	assert.Equal(t, PeriodCustom, cfg.System.Backtest.Period)
	assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), cfg.System.Backtest.Custom.End.UTC())

	require.Len(t, cfg.Strategies, 2)
	assert.True(t, cfg.Strategies[0].IsEnabled())
	assert.False(t, cfg.Strategies[1].IsEnabled())
	assert.Equal(t, 10, cfg.Strategies[0].Params["short_window"])

	enabled := cfg.EnabledStrategies()
	require.Len(t, enabled, 1)
	assert.Equal(t, "momentum_btc", enabled[0].ID)
}

func TestLoadConfigFromDirectory(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	cfg, err := LoadConfig(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, cfg.Strategies, 2)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("TRADER_SYSTEM_VENUE_API_KEY", "from-env")
	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.System.Venue.APIKey)
}

func TestValidateRejectsOverAllocation(t *testing.T) {
	cfg := &Config{
		System: SystemConfig{Mode: ModePaper, DeactivationPolicy: PolicyHold, InitialCash: 1000,
			Execution: ExecutionConfig{MaxRetries: 3}},
		Strategies: []StrategyConfig{
			{ID: "a", Strategy: "momentum", Asset: "BTC-USDT", Timeframe: "1h", CapitalPct: 60},
			{ID: "b", Strategy: "momentum", Asset: "ETH-USDT", Timeframe: "1h", CapitalPct: 60},
		},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds 100%")
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := &Config{
		System: SystemConfig{Mode: "demo", DeactivationPolicy: "sell", InitialCash: 0},
		Strategies: []StrategyConfig{
			{ID: "a", Strategy: "momentum", Asset: "BTC-USDT", Timeframe: "1x", CapitalPct: 10},
			{ID: "a", Strategy: "", Asset: "", Timeframe: "1h", CapitalPct: 0},
		},
	}
	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"system.mode", "deactivation_policy", "initial_cash", "max_retries",
		"strategies[0].timeframe", "duplicated", "strategies[1].strategy", "strategies[1].asset", "strategies[1].capital_pct"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestIntervals(t *testing.T) {
	d, err := ParseIntervalDuration("15m")
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, d)

	d, err = ParseIntervalDuration("1d")
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, d)

	_, err = ParseIntervalDuration("0h")
	assert.Error(t, err)
	_, err = ParseIntervalDuration("5w")
	assert.Error(t, err)

	assert.Equal(t, "4h", FormatInterval(4*time.Hour))
	assert.Equal(t, "1d", FormatInterval(24*time.Hour))
	assert.Equal(t, "90m", FormatInterval(90*time.Minute))

	tf, err := NormalizeInterval("60m")
	require.NoError(t, err)
	assert.Equal(t, "1h", tf)
	_, err = NormalizeInterval("h")
	assert.Error(t, err)
}

func TestBackoffIsBoundedAndDeterministicWithoutJitter(t *testing.T) {
	b := Backoff{Min: 100 * time.Millisecond, Max: time.Second, Factor: 2}
	assert.Equal(t, 100*time.Millisecond, b.Next(1))
	assert.Equal(t, 200*time.Millisecond, b.Next(2))
	assert.Equal(t, 800*time.Millisecond, b.Next(4))
	assert.Equal(t, time.Second, b.Next(10))

	j := ReconnectBackoff()
	for i := 1; i < 8; i++ {
		w := j.Next(i)
		assert.GreaterOrEqual(t, w, 4*time.Second)
		assert.LessOrEqual(t, w, 72*time.Second)
	}
}

func TestSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
	assert.NoError(t, Sleep(context.Background(), time.Millisecond))
}

func TestNewLogger(t *testing.T) {
	l, err := NewLogger("debug")
	require.NoError(t, err)
	assert.NotNil(t, l)

	_, err = NewLogger("loud")
	assert.Error(t, err)
}

func TestWatchConfigStops(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	var changes atomic.Int32
	var cash atomic.Value
	w, err := WatchConfig(path, func(c *Config) {
		cash.Store(c.System.InitialCash)
		changes.Add(1)
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Stop() })
	abs, _ := filepath.Abs(path)
	assert.Equal(t, abs, w.ConfigFile())

	require.NoError(t, os.WriteFile(path, []byte(strings.Replace(sampleConfig, "initial_cash: 10000", "initial_cash: 20000", 1)), 0o644))
	require.Eventually(t, func() bool { return cash.Load() == 20000.0 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())
	seen := changes.Load()
	require.NoError(t, os.WriteFile(path, []byte(strings.Replace(sampleConfig, "initial_cash: 10000", "initial_cash: 30000", 1)), 0o644))
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, seen, changes.Load())
	assert.Equal(t, 20000.0, cash.Load())
}
