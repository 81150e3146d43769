package engine

import (
	"context"
	"iter"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fbcalderaro/cqf-final-project/internal/executor"
	"github.com/fbcalderaro/cqf-final-project/internal/model"
	"github.com/fbcalderaro/cqf-final-project/internal/service"
	"github.com/fbcalderaro/cqf-final-project/internal/strategy"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// script 在指定序号的事件上做多或平仓
type script struct {
	calls  int
	longAt int
	flatAt int
}

func (s *script) Name() string { return "script" }

func (s *script) Initialize(p strategy.Params) error {
	var err error
	if s.longAt, err = p.Int("long_at", 0); err != nil {
		return err
	}
	s.flatAt, err = p.Int("flat_at", -1)
	return err
}

func (s *script) OnEvent(model.MarketEvent) (*model.Signal, error) {
	i := s.calls
	s.calls++
	switch i {
	case s.longAt:
		return &model.Signal{Direction: model.DirLong}, nil
	case s.flatAt:
		return &model.Signal{Direction: model.DirFlat}, nil
	}
	return nil, nil
}

// chanSource 由测试逐个推送事件的行情源
type chanSource struct {
	ch chan model.MarketEvent
}

func newChanSource() *chanSource {
	return &chanSource{ch: make(chan model.MarketEvent)}
}

func (s *chanSource) Subscribe(ctx context.Context, asset, timeframe string) iter.Seq2[model.MarketEvent, error] {
	return func(yield func(model.MarketEvent, error) bool) {
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-s.ch:
				if !ok {
					return
				}
				if !yield(e, nil) {
					return
				}
			}
		}
	}
}

type recordingSink struct {
	mu    sync.Mutex
	snaps []model.PortfolioSnapshot
}

func (r *recordingSink) PublishSnapshot(_ context.Context, snap model.PortfolioSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, snap)
	return nil
}

func (r *recordingSink) last() (model.PortfolioSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snaps) == 0 {
		return model.PortfolioSnapshot{}, false
	}
	return r.snaps[len(r.snaps)-1], true
}

type fakeAccount struct {
	cash      decimal.Decimal
	positions map[string]decimal.Decimal
}

func (f fakeAccount) Account(context.Context) (decimal.Decimal, map[string]decimal.Decimal, error) {
	return f.cash, f.positions, nil
}

func bar(i int, open, close float64) model.MarketEvent {
	return model.MarketEvent{
		Asset: "BTC-USDT", Timeframe: "1h", Time: t0.Add(time.Duration(i) * time.Hour),
		Open: open, High: max(open, close), Low: min(open, close), Close: close, Volume: 1,
	}
}

func testConfig(params map[string]any) *service.Config {
	return &service.Config{
		System: service.SystemConfig{
			Mode:               service.ModePaper,
			InitialCash:        10000,
			DeactivationPolicy: service.PolicyLiquidate,
			SnapshotInterval:   10 * time.Millisecond,
			ShutdownTimeout:    200 * time.Millisecond,
			Execution:          service.ExecutionConfig{MaxRetries: 3, Workers: 2, QueueSize: 8, PollInterval: 10 * time.Millisecond},
		},
		Strategies: []service.StrategyConfig{
			{ID: "s1", Strategy: "script", Asset: "BTC-USDT", Timeframe: "1h", CapitalPct: 50, Params: params},
		},
	}
}

type fixture struct {
	engine *Engine
	sim    *executor.SimVenue
	src    *chanSource
	sink   *recordingSink
	cancel context.CancelFunc
	done   chan error
}

func start(t *testing.T, cfg *service.Config, account executor.AccountReader) *fixture {
	t.Helper()
	reg := strategy.NewRegistry()
	require.NoError(t, reg.Register("script", func(*zap.Logger) strategy.Strategy { return &script{} }))

	sim := executor.NewSimVenue(executor.SimulatorConfig{InitialCash: decimal.NewFromInt(10000), StreamFills: true}, nil)
	f := &fixture{sim: sim, src: newChanSource(), sink: &recordingSink{}, done: make(chan error, 1)}
	e, err := New(cfg, Deps{
		Registry: reg,
		Source:   f.src,
		Venue:    sim,
		Matcher:  sim,
		Account:  account,
		Sink:     f.sink,
	}, zap.NewNop())
	require.NoError(t, err)
	f.engine = e

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	t.Cleanup(cancel)
	go func() { f.done <- e.Run(ctx) }()
	return f
}

func (f *fixture) push(e model.MarketEvent) {
	f.src.ch <- e
}

func (f *fixture) wait(t *testing.T) {
	t.Helper()
	select {
	case err := <-f.done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("engine did not stop")
	}
}

func (f *fixture) qty(id string) decimal.Decimal {
	p, _ := f.engine.Portfolio().Position(id)
	return p.Quantity
}

func TestPaperRoundTrip(t *testing.T) {
	f := start(t, testConfig(map[string]any{"long_at": 0, "flat_at": 2}), nil)

	f.push(bar(0, 100, 100))
	require.Eventually(t, func() bool { return len(f.sim.Resting()) == 1 }, waitFor, tick)

	f.push(bar(1, 100, 110))
	require.Eventually(t, func() bool { return f.qty("s1").Equal(decimal.NewFromInt(50)) }, waitFor, tick)

	f.push(bar(2, 110, 120))
	require.Eventually(t, func() bool { return len(f.sim.Resting()) == 1 }, waitFor, tick)

	f.push(bar(3, 120, 120))
	require.Eventually(t, func() bool { return len(f.engine.Portfolio().Trades()) == 2 }, waitFor, tick)

	close(f.src.ch)
	f.wait(t)

	assert.True(t, f.qty("s1").IsZero())
	assert.Empty(t, f.engine.Handler().OpenOrders())
	snap, ok := f.sink.last()
	require.True(t, ok)
	assert.Equal(t, "11000.00", snap.AggregateEquity.StringFixed(2))
	assert.NoError(t, f.engine.Portfolio().CheckInvariant())
}

func TestShutdownCancelsUnfilledOrders(t *testing.T) {
	f := start(t, testConfig(map[string]any{"long_at": 0}), nil)

	f.push(bar(0, 100, 100))
	require.Eventually(t, func() bool { return len(f.sim.Resting()) == 1 }, waitFor, tick)

	f.cancel()
	f.wait(t)

	orders := f.engine.Handler().Orders()
	require.Len(t, orders, 1)
	assert.Equal(t, model.OrderCancelled, orders[0].Status)
	snap := f.engine.Portfolio().Snapshot()
	se, ok := snap.Strategy("s1")
	require.True(t, ok)
	assert.True(t, se.Reserved.IsZero())
	assert.Equal(t, "5000.00", se.Cash.StringFixed(2))
}

func TestApplyConfigLiquidatesDisabledStrategy(t *testing.T) {
	cfg := testConfig(map[string]any{"long_at": 0})
	f := start(t, cfg, nil)

	f.push(bar(0, 100, 100))
	require.Eventually(t, func() bool { return len(f.sim.Resting()) == 1 }, waitFor, tick)
	f.push(bar(1, 100, 110))
	require.Eventually(t, func() bool { return f.qty("s1").Equal(decimal.NewFromInt(50)) }, waitFor, tick)

	disabled := false
	next := testConfig(nil)
	next.Strategies[0].Enabled = &disabled
	f.engine.ApplyConfig(next)
	assert.False(t, f.engine.Portfolio().IsActive("s1"))
	require.Eventually(t, func() bool { return len(f.sim.Resting()) == 1 }, waitFor, tick)

	// 平仓在下一根开盘成交，账户随后解散
	f.push(bar(2, 110, 120))
	require.Eventually(t, func() bool {
		_, ok := f.engine.Portfolio().Position("s1")
		return !ok
	}, waitFor, tick)

	close(f.src.ch)
	f.wait(t)

	trades := f.engine.Portfolio().Trades()
	require.Len(t, trades, 2)
	assert.Equal(t, model.SideSell, trades[1].Side)
	assert.Equal(t, "110.00", trades[1].Price.StringFixed(2))
	assert.Equal(t, "10500.00", f.engine.Portfolio().Equity().StringFixed(2))
	assert.True(t, f.engine.Portfolio().AllocatedPct().IsZero())
}

func TestApplyConfigRebalances(t *testing.T) {
	f := start(t, testConfig(nil), nil)

	next := testConfig(nil)
	next.Strategies[0].CapitalPct = 80
	f.engine.ApplyConfig(next)

	allocs := f.engine.Portfolio().Allocations()
	require.Len(t, allocs, 1)
	assert.Equal(t, "80", allocs[0].CapitalPct.String())
	assert.Equal(t, "8000.00", allocs[0].CurrentEquity.StringFixed(2))

	close(f.src.ch)
	f.wait(t)
}

func TestStartupReconcileHaltsDriftedStrategy(t *testing.T) {
	account := fakeAccount{
		cash: decimal.NewFromInt(10000),
		positions: map[string]decimal.Decimal{
			"BTC-USDT": decimal.NewFromInt(1),
			"BNB-USDT": decimal.NewFromInt(3),
		},
	}
	f := start(t, testConfig(map[string]any{"long_at": 0}), account)

	require.Eventually(t, func() bool { return !f.engine.Portfolio().IsActive("s1") }, waitFor, tick)
	f.push(bar(0, 100, 100))
	close(f.src.ch)
	f.wait(t)

	assert.Empty(t, f.engine.Handler().Orders())
	snap := f.engine.Portfolio().Snapshot()
	se, ok := snap.Strategy("s1")
	require.True(t, ok)
	assert.True(t, se.Halted)
	require.NotEmpty(t, snap.Alerts)
	assert.Equal(t, model.DiagInvariantViolation, snap.Alerts[0].Kind)
	for _, a := range snap.Alerts {
		assert.NotContains(t, a.Message, "BNB")
	}
}

func TestNewRejectsOverAllocation(t *testing.T) {
	cfg := testConfig(nil)
	cfg.Strategies = append(cfg.Strategies, service.StrategyConfig{
		ID: "s2", Strategy: "script", Asset: "ETH-USDT", Timeframe: "1h", CapitalPct: 60,
	})
	reg := strategy.NewRegistry()
	require.NoError(t, reg.Register("script", func(*zap.Logger) strategy.Strategy { return &script{} }))
	sim := executor.NewSimVenue(executor.SimulatorConfig{}, nil)

	_, err := New(cfg, Deps{Registry: reg, Source: newChanSource(), Venue: sim}, zap.NewNop())
	assert.Error(t, err)
}

func TestCloseStopsConfigWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
system:
  mode: paper
  initial_cash: 10000
strategies:
  - id: s1
    strategy: script
    asset: BTC-USDT
    timeframe: 1h
    capital_pct: 50
`), 0o644))

	reg := strategy.NewRegistry()
	require.NoError(t, reg.Register("script", func(*zap.Logger) strategy.Strategy { return &script{} }))
	sim := executor.NewSimVenue(executor.SimulatorConfig{InitialCash: decimal.NewFromInt(10000), StreamFills: true}, nil)
	src := newChanSource()
	e, err := New(testConfig(nil), Deps{Registry: reg, Source: src, Venue: sim, Matcher: sim, ConfigPath: path}, zap.NewNop())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()
	watching := func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.watcher != nil
	}
	require.Eventually(t, watching, waitFor, tick)

	require.NoError(t, e.Close())
	assert.False(t, watching())

	// 关闭后的文件变更不再生效
	require.NoError(t, os.WriteFile(path, []byte(`
system:
  mode: paper
  initial_cash: 10000
strategies:
  - id: s1
    strategy: script
    asset: BTC-USDT
    timeframe: 1h
    capital_pct: 80
`), 0o644))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, "50", e.Portfolio().Allocations()[0].CapitalPct.String())

	close(src.ch)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("engine did not stop")
	}
}
