package report

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/fbcalderaro/cqf-final-project/internal/backtest"
	"github.com/fbcalderaro/cqf-final-project/internal/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func snapshot(at time.Time, s1, s2 string) model.PortfolioSnapshot {
	e1, e2 := dec(s1), dec(s2)
	return model.PortfolioSnapshot{
		Time: at,
		Strategies: []model.StrategyEquity{
			{StrategyID: "btc/trend", Asset: "BTC-USDT", CapitalPct: dec("50"), Equity: e1, Active: true},
			{StrategyID: "eth-mr", Asset: "ETH-USDT", CapitalPct: dec("30"), Equity: e2, Active: true},
		},
		AggregateEquity: e1.Add(e2).Add(dec("2000")),
		MasterCash:      dec("7000"),
		UnallocatedCash: dec("2000"),
		Positions: []model.PositionView{
			{StrategyID: "btc/trend", Asset: "BTC-USDT", Quantity: dec("0.1"), MarkPrice: dec("30000")},
		},
	}
}

func readJSON[T any](t *testing.T, path string) T {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var v T
	require.NoError(t, sonic.ConfigStd.Unmarshal(raw, &v))
	return v
}

func TestJSONSinkWritesSummaries(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	sink, err := NewJSONSink(dir, dec("10000"), nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, sink.PublishSnapshot(ctx, snapshot(t0, "5000", "3000")))
	require.NoError(t, sink.PublishSnapshot(ctx, snapshot(t0.Add(time.Hour), "5500", "2900")))
	// 同一时间点的快照覆盖曲线上的最后一个点
	require.NoError(t, sink.PublishSnapshot(ctx, snapshot(t0.Add(time.Hour), "5500", "3000")))

	master := readJSON[MasterSummary](t, filepath.Join(dir, "master_summary.json"))
	assert.Equal(t, "Master Account", master.PortfolioName)
	assert.Equal(t, "10500", master.TotalEquity.String())
	assert.Equal(t, "500", master.PnL.String())
	assert.InDelta(t, 5.0, master.PnLPct, 1e-9)
	require.Len(t, master.EquityCurve, 2)
	assert.Equal(t, "10000", master.EquityCurve[0].Equity.String())
	assert.Equal(t, "10500", master.EquityCurve[1].Equity.String())
	assert.Len(t, master.Strategies, 2)

	btc := readJSON[StrategySummary](t, filepath.Join(dir, "strategy_btc_trend.json"))
	assert.Equal(t, "btc/trend", btc.StrategyID)
	assert.Equal(t, "500", btc.PnL.String())
	assert.InDelta(t, 10.0, btc.PnLPct, 1e-9)
	require.NotNil(t, btc.Position)
	assert.Equal(t, "0.1", btc.Position.Quantity.String())
	assert.Len(t, btc.EquityCurve, 2)

	eth := readJSON[StrategySummary](t, filepath.Join(dir, "strategy_eth-mr.json"))
	assert.True(t, eth.PnL.IsZero())
	assert.Nil(t, eth.Position)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotEqual(t, '.', rune(e.Name()[0]), "temp file left behind: %s", e.Name())
	}
}

func TestJSONSinkCapsCurve(t *testing.T) {
	sink, err := NewJSONSink(t.TempDir(), dec("10000"), nil)
	require.NoError(t, err)
	sink.maxPoints = 3
	for i := range 5 {
		require.NoError(t, sink.PublishSnapshot(context.Background(), snapshot(t0.Add(time.Duration(i)*time.Hour), "5000", "3000")))
	}
	assert.Len(t, sink.master, 3)
	assert.True(t, sink.master[0].Time.Equal(t0.Add(2*time.Hour)))
	assert.Len(t, sink.curves["eth-mr"], 3)
}

func TestJSONSinkWritesBacktestResult(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewJSONSink(dir, dec("10000"), nil)
	require.NoError(t, err)

	res := &backtest.Result{
		RunID:  "run-1",
		Name:   "trend/btc",
		Events: 3,
		Curve:  []backtest.EquityPoint{{Time: t0, Equity: dec("10000")}, {Time: t0.Add(time.Hour), Equity: dec("10100")}},
		Metrics: backtest.Metrics{
			InitialEquity: dec("10000"), FinalEquity: dec("10100"), TotalReturnPct: 1, ProfitFactor: 2.5,
		},
	}
	require.NoError(t, sink.PublishResult(context.Background(), res))

	got := readJSON[map[string]any](t, filepath.Join(dir, "backtest_trend_btc.json"))
	assert.Equal(t, "run-1", got["run_id"])
	assert.Equal(t, "trend/btc", got["name"])
	assert.Len(t, got["equity_curve"], 2)
	metrics, ok := got["metrics"].(map[string]any)
	require.True(t, ok)
	assert.InDelta(t, 2.5, metrics["profit_factor"], 1e-9)
}

func TestPublishHonoursCancelledContext(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewJSONSink(dir, dec("10000"), nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, sink.PublishSnapshot(ctx, snapshot(t0, "5000", "3000")), context.Canceled)
	_, err = os.Stat(filepath.Join(dir, "master_summary.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestSafeName(t *testing.T) {
	assert.Equal(t, "btc_trend_1h", SafeName("btc/trend 1h"))
	assert.Equal(t, "eth-mr_v2", SafeName("eth-mr_v2"))
	assert.Equal(t, "___", SafeName("../"))
}

func TestMemorySink(t *testing.T) {
	m := NewMemorySink()
	_, ok := m.Latest()
	assert.False(t, ok)

	ctx := context.Background()
	require.NoError(t, m.PublishSnapshot(ctx, snapshot(t0, "5000", "3000")))
	require.NoError(t, m.PublishSnapshot(ctx, snapshot(t0.Add(time.Hour), "5100", "3000")))
	require.NoError(t, m.PublishResult(ctx, &backtest.Result{Name: backtest.PortfolioRun}))

	last, ok := m.Latest()
	require.True(t, ok)
	assert.Equal(t, "10100", last.AggregateEquity.String())
	assert.Len(t, m.Snapshots(), 2)
	require.Len(t, m.Results(), 1)
	assert.Equal(t, backtest.PortfolioRun, m.Results()[0].Name)
}

var _ Sink = (*JSONSink)(nil)
var _ Sink = (*MemorySink)(nil)
