package portfolio

import (
	"sync"
	"testing"
	"time"

	"github.com/fbcalderaro/cqf-final-project/internal/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertDec(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.True(t, d(want).Equal(got), append([]any{"want %s, got %s", want, got.String()}, msgAndArgs...)...)
}

func newManager(t *testing.T, cash string) *Manager {
	t.Helper()
	return NewManager(Options{InitialCash: d(cash)}, zap.NewNop())
}

func activate(t *testing.T, m *Manager, id, asset string, pct float64, short bool) {
	t.Helper()
	require.NoError(t, m.Activate(Activation{StrategyID: id, Asset: asset, CapitalPct: pct, AllowShort: short}))
}

func mark(m *Manager, asset string, price float64, i int) {
	m.Mark(model.MarketEvent{Asset: asset, Timeframe: "1h", Time: t0.Add(time.Duration(i) * time.Hour),
		Open: price, High: price, Low: price, Close: price})
}

func sig(id, asset string, dir model.Direction, price string) model.Signal {
	return model.Signal{StrategyID: id, Asset: asset, Direction: dir, Price: d(price), Time: t0, SizeHint: 1}
}

func orderFor(in model.OrderIntent) model.Order {
	return model.Order{
		ID: "o-" + in.StrategyID, IntentSeq: in.Seq, StrategyID: in.StrategyID, Asset: in.Asset,
		Side: in.Side(), Quantity: in.QuantityDelta.Abs(), Status: model.OrderSubmitted,
	}
}

func fill(qty, price, fee string) model.Fill {
	return model.Fill{Quantity: d(qty), Price: d(price), Fee: d(fee), Time: t0}
}

func TestSignalClippedToAllocation(t *testing.T) {
	m := newManager(t, "10000")
	activate(t, m, "s1", "BTC-USDT", 50, false)
	mark(m, "BTC-USDT", 100, 0)

	s := sig("s1", "BTC-USDT", model.DirLong, "100")
	s.Notional = d("6000")
	intent, err := m.OnSignal(s)
	require.NoError(t, err)
	require.NotNil(t, intent)

	assertDec(t, "50", intent.QuantityDelta)
	assertDec(t, "5000", intent.MaxNotional)
	assertDec(t, "5000", intent.Reserved)
	assert.Equal(t, model.SideBuy, intent.Side())
	assert.Equal(t, uint64(1), intent.Seq)

	diags := m.Diagnostics()
	require.Len(t, diags, 1)
	assert.Equal(t, model.DiagCapitalConstrained, diags[0].Kind)
	assert.Equal(t, "s1", diags[0].StrategyID)

	se, ok := m.Snapshot().Strategy("s1")
	require.True(t, ok)
	assertDec(t, "5000", se.Reserved)
}

func TestActivationOverAllocationRejected(t *testing.T) {
	m := newManager(t, "10000")
	activate(t, m, "a", "BTC-USDT", 60, false)

	err := m.Activate(Activation{StrategyID: "b", Asset: "ETH-USDT", CapitalPct: 60})
	assert.ErrorIs(t, err, ErrAllocationExceeded)

	snap := m.Snapshot()
	require.Len(t, snap.Strategies, 1)
	assert.Equal(t, "a", snap.Strategies[0].StrategyID)
	assertDec(t, "4000", snap.UnallocatedCash)
	assertDec(t, "60", m.AllocatedPct())

	assert.ErrorIs(t, m.Activate(Activation{StrategyID: "a", Asset: "BTC-USDT", CapitalPct: 10}), ErrAlreadyActive)
	assert.ErrorIs(t, m.Activate(Activation{StrategyID: "c", Asset: "BTC-USDT", CapitalPct: 0}), ErrInvalidAllocation)
}

func TestFillUpdatesLedgerAndKeepsInvariant(t *testing.T) {
	m := newManager(t, "10000")
	activate(t, m, "s1", "BTC-USDT", 50, false)

	intent, err := m.OnSignal(sig("s1", "BTC-USDT", model.DirLong, "100"))
	require.NoError(t, err)
	require.NotNil(t, intent)
	assertDec(t, "50", intent.QuantityDelta)

	trade, err := m.OnFill(orderFor(*intent), fill("50", "100", "5"))
	require.NoError(t, err)
	assert.Equal(t, "s1", trade.StrategyID)
	assertDec(t, "0", trade.RealizedPnL)

	pos, ok := m.Position("s1")
	require.True(t, ok)
	assertDec(t, "50", pos.Quantity)
	assertDec(t, "100", pos.AverageEntryPrice)

	snap := m.Snapshot()
	se, _ := snap.Strategy("s1")
	assertDec(t, "-5", se.Cash)
	assertDec(t, "4995", se.Equity)
	assertDec(t, "0", se.Reserved)
	assertDec(t, "5", se.Fees)
	assertDec(t, "4995", snap.MasterCash)
	assertDec(t, "9995", snap.AggregateEquity)
	assertDec(t, "5000", snap.UnallocatedCash)
	require.Len(t, snap.Positions, 1)
	assertDec(t, "100", snap.Positions[0].MarkPrice)

	mark(m, "BTC-USDT", 110, 1)
	se, _ = m.Snapshot().Strategy("s1")
	assertDec(t, "500", se.UnrealizedPnL)
	assertDec(t, "5495", se.Equity)
	assert.NoError(t, m.CheckInvariant())

	assert.Len(t, m.Trades(), 1)
}

func TestCostBasisIndependentOfFillOrder(t *testing.T) {
	fills := []model.Fill{fill("1", "100", "0"), fill("3", "120", "0")}
	avg := func(order []int) decimal.Decimal {
		m := newManager(t, "10000")
		activate(t, m, "s1", "BTC-USDT", 100, false)
		o := model.Order{ID: "x", StrategyID: "s1", Asset: "BTC-USDT", Side: model.SideBuy}
		for _, i := range order {
			_, err := m.OnFill(o, fills[i])
			require.NoError(t, err)
		}
		pos, _ := m.Position("s1")
		assertDec(t, "4", pos.Quantity)
		return pos.AverageEntryPrice
	}
	a, b := avg([]int{0, 1}), avg([]int{1, 0})
	assert.True(t, a.Equal(b))
	assertDec(t, "115", a)
}

func TestRealizedPnLAndReversal(t *testing.T) {
	m := newManager(t, "10000")
	activate(t, m, "s1", "BTC-USDT", 100, true)
	buy := model.Order{ID: "b", StrategyID: "s1", Asset: "BTC-USDT", Side: model.SideBuy}
	sell := model.Order{ID: "s", StrategyID: "s1", Asset: "BTC-USDT", Side: model.SideSell}

	_, err := m.OnFill(buy, fill("2", "100", "0"))
	require.NoError(t, err)
	tr, err := m.OnFill(sell, fill("1", "110", "0"))
	require.NoError(t, err)
	assertDec(t, "10", tr.RealizedPnL)

	tr, err = m.OnFill(sell, fill("2", "90", "0"))
	require.NoError(t, err)
	assertDec(t, "-10", tr.RealizedPnL)

	pos, _ := m.Position("s1")
	assertDec(t, "-1", pos.Quantity)
	assertDec(t, "90", pos.AverageEntryPrice)

	se, _ := m.Snapshot().Strategy("s1")
	assertDec(t, "0", se.RealizedPnL)
	assert.NoError(t, m.CheckInvariant())
}

func TestPendingIntentCountsTowardPosition(t *testing.T) {
	m := newManager(t, "10000")
	activate(t, m, "s1", "BTC-USDT", 50, false)

	first, err := m.OnSignal(sig("s1", "BTC-USDT", model.DirLong, "100"))
	require.NoError(t, err)
	require.NotNil(t, first)

	again, err := m.OnSignal(sig("s1", "BTC-USDT", model.DirLong, "100"))
	require.NoError(t, err)
	assert.Nil(t, again)

	o := orderFor(*first)
	o.Status = model.OrderRejected
	m.Release(o)
	se, _ := m.Snapshot().Strategy("s1")
	assertDec(t, "0", se.Reserved)

	retry, err := m.OnSignal(sig("s1", "BTC-USDT", model.DirLong, "100"))
	require.NoError(t, err)
	require.NotNil(t, retry)
	assert.Equal(t, uint64(2), retry.Seq)
	assertDec(t, "50", retry.QuantityDelta)

	hold, err := m.OnSignal(sig("s1", "BTC-USDT", model.DirHold, "100"))
	require.NoError(t, err)
	assert.Nil(t, hold)
}

func TestPartialFillReleasesReservationProportionally(t *testing.T) {
	m := newManager(t, "10000")
	activate(t, m, "s1", "BTC-USDT", 50, false)
	intent, err := m.OnSignal(sig("s1", "BTC-USDT", model.DirLong, "100"))
	require.NoError(t, err)
	o := orderFor(*intent)

	_, err = m.OnFill(o, fill("20", "100", "0"))
	require.NoError(t, err)
	se, _ := m.Snapshot().Strategy("s1")
	assertDec(t, "3000", se.Reserved)

	_, err = m.OnFill(o, fill("30", "100", "0"))
	require.NoError(t, err)
	se, _ = m.Snapshot().Strategy("s1")
	assertDec(t, "0", se.Reserved)

	none, err := m.OnSignal(sig("s1", "BTC-USDT", model.DirLong, "100"))
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestShortSignalRespectsAllowShort(t *testing.T) {
	for _, tc := range []struct {
		allowShort bool
		delta      string
		reserved   string
	}{
		{false, "-50", "0"},
		{true, "-100", "5000"},
	} {
		m := newManager(t, "10000")
		activate(t, m, "s1", "BTC-USDT", 50, tc.allowShort)
		intent, err := m.OnSignal(sig("s1", "BTC-USDT", model.DirLong, "100"))
		require.NoError(t, err)
		_, err = m.OnFill(orderFor(*intent), fill("50", "100", "0"))
		require.NoError(t, err)

		short, err := m.OnSignal(sig("s1", "BTC-USDT", model.DirShort, "100"))
		require.NoError(t, err)
		require.NotNil(t, short)
		assertDec(t, tc.delta, short.QuantityDelta, "allow_short=%v", tc.allowShort)
		assertDec(t, tc.reserved, short.Reserved, "allow_short=%v", tc.allowShort)
		assert.Equal(t, model.SideSell, short.Side())
	}
}

func TestDeactivateLiquidate(t *testing.T) {
	m := newManager(t, "10000")
	activate(t, m, "s1", "BTC-USDT", 50, false)
	intent, err := m.OnSignal(sig("s1", "BTC-USDT", model.DirLong, "100"))
	require.NoError(t, err)
	_, err = m.OnFill(orderFor(*intent), fill("50", "100", "0"))
	require.NoError(t, err)
	mark(m, "BTC-USDT", 110, 1)

	intents, err := m.Deactivate("s1", PolicyLiquidate)
	require.NoError(t, err)
	require.Len(t, intents, 1)
	assertDec(t, "-50", intents[0].QuantityDelta)
	assert.Equal(t, "liquidation", intents[0].Reason)
	assertDec(t, "0", intents[0].Reserved)

	_, err = m.OnSignal(sig("s1", "BTC-USDT", model.DirLong, "110"))
	assert.ErrorIs(t, err, ErrStrategyInactive)

	_, err = m.OnFill(orderFor(intents[0]), fill("50", "110", "0"))
	require.NoError(t, err)

	snap := m.Snapshot()
	assert.Empty(t, snap.Strategies)
	assertDec(t, "10500", snap.AggregateEquity)
	assertDec(t, "10500", snap.UnallocatedCash)
	assertDec(t, "0", m.AllocatedPct())
}

func TestDeactivateHoldKeepsOrphanPosition(t *testing.T) {
	m := newManager(t, "10000")
	activate(t, m, "s1", "BTC-USDT", 50, false)
	intent, err := m.OnSignal(sig("s1", "BTC-USDT", model.DirLong, "100"))
	require.NoError(t, err)
	_, err = m.OnFill(orderFor(*intent), fill("50", "100", "0"))
	require.NoError(t, err)

	intents, err := m.Deactivate("s1", PolicyHold)
	require.NoError(t, err)
	assert.Empty(t, intents)

	se, ok := m.Snapshot().Strategy("s1")
	require.True(t, ok)
	assert.False(t, se.Active)
	assert.False(t, m.IsActive("s1"))

	activate(t, m, "s2", "ETH-USDT", 100, false)
	se2, _ := m.Snapshot().Strategy("s2")
	assertDec(t, "5000", se2.Cash)

	_, err = m.Deactivate("s1", PolicyHold)
	assert.ErrorIs(t, err, ErrStrategyInactive)
	_, err = m.Deactivate("s1", "sell-everything")
	assert.ErrorIs(t, err, ErrUnknownDeactivation)
	assert.NoError(t, m.CheckInvariant())
}

func TestRebalance(t *testing.T) {
	m := newManager(t, "10000")
	activate(t, m, "a", "BTC-USDT", 40, false)
	activate(t, m, "b", "ETH-USDT", 40, false)

	assert.ErrorIs(t, m.Rebalance(map[string]float64{"a": 70}), ErrAllocationExceeded)
	se, _ := m.Snapshot().Strategy("a")
	assertDec(t, "4000", se.Cash)

	require.NoError(t, m.Rebalance(map[string]float64{"a": 60, "b": 20}))
	snap := m.Snapshot()
	a, _ := snap.Strategy("a")
	b, _ := snap.Strategy("b")
	assertDec(t, "6000", a.Cash)
	assertDec(t, "2000", b.Cash)
	assertDec(t, "2000", snap.UnallocatedCash)

	assert.ErrorIs(t, m.Rebalance(map[string]float64{"zzz": 1}), ErrUnknownStrategy)
}

func TestRebalanceRejectsIncreaseBeyondFreeCash(t *testing.T) {
	m := newManager(t, "10000")
	activate(t, m, "a", "BTC-USDT", 50, false)
	activate(t, m, "b", "ETH-USDT", 50, false)
	mark(m, "BTC-USDT", 100, 0)

	in, err := m.OnSignal(sig("a", "BTC-USDT", model.DirLong, "100"))
	require.NoError(t, err)
	_, err = m.OnFill(orderFor(*in), fill("50", "100", "0"))
	require.NoError(t, err)

	// a 的资金全部在持仓里，减少比例抽不出现金
	assert.ErrorIs(t, m.Rebalance(map[string]float64{"a": 10}), ErrInsufficientCash)

	// hold 停用后 a 的资金仍在持仓中，比例总和虽然合法，但没有未分配现金可划给 b
	_, err = m.Deactivate("a", PolicyHold)
	require.NoError(t, err)
	assert.ErrorIs(t, m.Rebalance(map[string]float64{"b": 100}), ErrInsufficientCash)

	snap := m.Snapshot()
	b, _ := snap.Strategy("b")
	assertDec(t, "5000", b.Cash)
	assertDec(t, "50", b.CapitalPct)
	assertDec(t, "0", snap.UnallocatedCash)
	require.NoError(t, m.CheckInvariant())
}

func TestReconcileHaltsStrategiesOnDriftedAsset(t *testing.T) {
	m := newManager(t, "10000")
	activate(t, m, "a", "BTC-USDT", 50, false)
	activate(t, m, "b", "ETH-USDT", 50, false)
	_, err := m.OnFill(model.Order{ID: "x", StrategyID: "a", Asset: "BTC-USDT", Side: model.SideBuy}, fill("1", "100", "0"))
	require.NoError(t, err)

	assert.Empty(t, m.Reconcile(d("9900"), map[string]decimal.Decimal{"BTC-USDT": d("1"), "ETH-USDT": d("0")}))

	diags := m.Reconcile(d("9900"), map[string]decimal.Decimal{"BTC-USDT": d("2"), "ETH-USDT": d("0")})
	require.Len(t, diags, 1)
	assert.Equal(t, model.DiagInvariantViolation, diags[0].Kind)

	_, err = m.OnSignal(sig("a", "BTC-USDT", model.DirFlat, "100"))
	assert.ErrorIs(t, err, ErrStrategyHalted)
	assert.True(t, m.IsActive("b"))

	snap := m.Snapshot()
	se, _ := snap.Strategy("a")
	assert.True(t, se.Halted)
	assert.NotEmpty(t, snap.Alerts)
	assert.ErrorIs(t, m.CheckInvariant(), ErrInvariantViolation)
}

func TestInvariantHoldsAcrossSharedAsset(t *testing.T) {
	m := newManager(t, "100000")
	activate(t, m, "a", "BTC-USDT", 30, true)
	activate(t, m, "b", "BTC-USDT", 30, true)

	prices := []float64{100, 103.5, 97.25, 101, 99.75, 105}
	dirs := []model.Direction{model.DirLong, model.DirShort, model.DirFlat, model.DirShort, model.DirLong, model.DirFlat}
	for i, p := range prices {
		mark(m, "BTC-USDT", p, i)
		for j, id := range []string{"a", "b"} {
			dir := dirs[(i+j)%len(dirs)]
			intent, err := m.OnSignal(model.Signal{StrategyID: id, Asset: "BTC-USDT", Direction: dir, SizeHint: 0.5, Time: t0})
			require.NoError(t, err)
			if intent == nil {
				continue
			}
			_, err = m.OnFill(orderFor(*intent), model.Fill{Quantity: intent.QuantityDelta.Abs(),
				Price: decimal.NewFromFloat(p), Fee: d("0.1"), Time: t0})
			require.NoError(t, err)
			require.NoError(t, m.CheckInvariant())
		}
	}
	assert.NotEmpty(t, m.Trades())
}

func TestConcurrentSignalsReserveOnce(t *testing.T) {
	m := newManager(t, "10000")
	activate(t, m, "s1", "BTC-USDT", 50, false)

	var wg sync.WaitGroup
	var mu sync.Mutex
	issued := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			intent, err := m.OnSignal(sig("s1", "BTC-USDT", model.DirLong, "100"))
			if err == nil && intent != nil {
				mu.Lock()
				issued++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, issued)
	se, _ := m.Snapshot().Strategy("s1")
	assertDec(t, "5000", se.Reserved)
}

func TestRejectsInvalidInput(t *testing.T) {
	m := newManager(t, "10000")
	activate(t, m, "s1", "BTC-USDT", 50, false)

	_, err := m.OnSignal(sig("ghost", "BTC-USDT", model.DirLong, "100"))
	assert.ErrorIs(t, err, ErrUnknownStrategy)

	_, err = m.OnSignal(model.Signal{StrategyID: "s1", Asset: "BTC-USDT", Direction: model.DirLong})
	assert.ErrorIs(t, err, ErrInvalidPrice)

	_, err = m.OnFill(model.Order{StrategyID: "s1", Asset: "BTC-USDT", Side: model.SideBuy}, fill("0", "100", "0"))
	assert.ErrorIs(t, err, ErrInvalidFill)

	require.NoError(t, m.Halt("s1", "manual"))
	_, err = m.OnSignal(sig("s1", "BTC-USDT", model.DirLong, "100"))
	assert.ErrorIs(t, err, ErrStrategyHalted)
}
