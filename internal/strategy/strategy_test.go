package strategy

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fbcalderaro/cqf-final-project/internal/model"
	"github.com/fbcalderaro/cqf-final-project/internal/service"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func bar(i int, close float64) model.MarketEvent {
	return model.MarketEvent{
		Asset: "BTC-USDT", Timeframe: "1h", Time: t0.Add(time.Duration(i) * time.Hour),
		Open: close, High: close * 1.001, Low: close * 0.999, Close: close, Volume: 1,
	}
}

type collector struct {
	mu    sync.Mutex
	diags []model.Diagnostic
}

func (c *collector) Report(d model.Diagnostic) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.diags = append(c.diags, d)
}

func (c *collector) kinds() []model.DiagnosticKind {
	var out []model.DiagnosticKind
	for _, d := range c.diags {
		out = append(out, d.Kind)
	}
	return out
}

// scripted 按事件序号返回预设结果
type scripted struct {
	calls int
	fn    func(i int) (*model.Signal, error)
}

func (s *scripted) Name() string            { return "scripted" }
func (s *scripted) Initialize(Params) error { return nil }
func (s *scripted) OnEvent(model.MarketEvent) (*model.Signal, error) {
	i := s.calls
	s.calls++
	return s.fn(i)
}

func TestParams(t *testing.T) {
	p := Params{"a": "12", "b": 1.5, "c": "true", "bad": "x"}
	n, err := p.Int("a", 0)
	require.NoError(t, err)
	assert.Equal(t, 12, n)

	f, err := p.Float("b", 0)
	require.NoError(t, err)
	assert.Equal(t, 1.5, f)

	b, err := p.Bool("c", false)
	require.NoError(t, err)
	assert.True(t, b)

	d, err := p.Int("missing", 7)
	require.NoError(t, err)
	assert.Equal(t, 7, d)

	_, err = p.Int("bad", 0)
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	r := NewBuiltinRegistry()
	assert.Equal(t, []string{"mean_reversion_bb", "mean_reversion_ou", "momentum", "regime"}, r.Names())

	s1, err := r.New("momentum", zap.NewNop())
	require.NoError(t, err)
	s2, err := r.New("momentum", zap.NewNop())
	require.NoError(t, err)
	assert.NotSame(t, s1, s2)

	_, err = r.New("nope", zap.NewNop())
	assert.ErrorIs(t, err, ErrUnknownStrategy)

	err = r.Register("momentum", func(*zap.Logger) Strategy { return &Momentum{} })
	assert.ErrorIs(t, err, ErrDuplicateStrategy)
}

func TestNewRunnerRejectsBadParams(t *testing.T) {
	cfg := service.StrategyConfig{ID: "m", Strategy: "momentum", Asset: "BTC-USDT", Timeframe: "1h",
		Params: map[string]any{"short_window": 50, "long_window": 20}}
	_, err := NewRunner(cfg, NewBuiltinRegistry(), nil, zap.NewNop())
	assert.Error(t, err)
}

func TestRunnerDiscardsDuplicateEvent(t *testing.T) {
	strat := &scripted{fn: func(int) (*model.Signal, error) { return signal(model.DirLong, "always"), nil }}
	c := &collector{}
	r, err := NewRunnerFor("dup", "BTC-USDT", "1h", strat, c, zap.NewNop())
	require.NoError(t, err)

	first := r.OnEvent(bar(0, 100))
	require.NotNil(t, first)
	assert.Equal(t, "dup", first.StrategyID)
	assert.Equal(t, "BTC-USDT", first.Asset)
	assert.Equal(t, t0.Add(time.Hour), first.Time)
	assert.Equal(t, "100", first.Price.String())

	assert.Nil(t, r.OnEvent(bar(0, 100)))
	assert.Equal(t, 1, strat.calls)
	assert.Equal(t, []model.DiagnosticKind{model.DiagDataFault}, c.kinds())
	assert.Equal(t, RunnerStats{Events: 1, Signals: 1, DataFaults: 1}, r.Stats())
}

func TestRunnerIsolatesFaults(t *testing.T) {
	strat := &scripted{fn: func(i int) (*model.Signal, error) {
		switch i {
		case 0:
			return nil, errors.New("indicator blew up")
		case 1:
			panic("nil map")
		case 2:
			return &model.Signal{Direction: "sideways"}, nil
		default:
			return signal(model.DirFlat, "ok"), nil
		}
	}}
	c := &collector{}
	r, err := NewRunnerFor("f", "BTC-USDT", "1h", strat, c, zap.NewNop())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		assert.Nil(t, r.OnEvent(bar(i, 100)))
	}
	sig := r.OnEvent(bar(3, 100))
	require.NotNil(t, sig)
	assert.Equal(t, model.DirFlat, sig.Direction)

	assert.Equal(t, 3, r.Stats().StratFaults)
	require.Len(t, c.diags, 3)
	assert.Contains(t, c.diags[1].Message, ErrStrategyPanic.Error())
}

func TestMomentumCrossover(t *testing.T) {
	m := &Momentum{}
	require.NoError(t, m.Initialize(Params{"short_window": 2, "long_window": 4}))

	prices := []float64{10, 10, 10, 10, 10, 12, 14, 13, 9, 7}
	var dirs []model.Direction
	for i, p := range prices {
		sig, err := m.OnEvent(bar(i, p))
		require.NoError(t, err)
		if sig != nil {
			dirs = append(dirs, sig.Direction)
		}
	}
	assert.Equal(t, []model.Direction{model.DirLong, model.DirShort}, dirs)
}

func TestMeanReversionBBEntryAndExit(t *testing.T) {
	s := &MeanReversionBB{}
	require.NoError(t, s.Initialize(Params{"bb_period": 5, "bb_std_dev": 1.0, "use_rsi_filter": false}))

	prices := []float64{100, 101, 100, 101, 100, 90, 97, 99, 101}
	var got []model.Direction
	for i, p := range prices {
		sig, err := s.OnEvent(bar(i, p))
		require.NoError(t, err)
		if sig != nil {
			got = append(got, sig.Direction)
		}
	}
	assert.Equal(t, []model.Direction{model.DirLong, model.DirFlat}, got)
}

// exposures 固定敞口的账本视图
type exposures map[string]decimal.Decimal

func (e exposures) Exposure(id string) decimal.Decimal { return e[id] }

func TestRunnerSyncsPositionFromLedger(t *testing.T) {
	prices := []float64{100, 101, 100, 101, 100, 90, 97, 99, 101}
	run := func(ledger exposures) []model.Direction {
		s := &MeanReversionBB{}
		require.NoError(t, s.Initialize(Params{"bb_period": 5, "bb_std_dev": 1.0, "use_rsi_filter": false}))
		r, err := NewRunnerFor("bb", "BTC-USDT", "1h", s, nil, zap.NewNop())
		require.NoError(t, err)
		r.TrackPositions(ledger)
		var got []model.Direction
		for i, p := range prices {
			if sig := r.OnEvent(bar(i, p)); sig != nil {
				got = append(got, sig.Direction)
			}
		}
		return got
	}

	// 入场单没有成交，账本一直为空: 不会对不存在的持仓发出平仓信号
	assert.Equal(t, []model.Direction{model.DirLong}, run(exposures{}))
	// 账本里已有持仓 (例如重启后)，策略直接按在场处理并在回归中轨时平仓
	assert.Equal(t, []model.Direction{model.DirFlat}, run(exposures{"bb": decimal.NewFromInt(1)}))
}

func TestMeanReversionOUValidatesParams(t *testing.T) {
	s := &MeanReversionOU{}
	assert.Error(t, s.Initialize(Params{"entry_z_score": 0.5, "exit_z_score": 1.0}))
	assert.NoError(t, s.Initialize(Params{"lookback_window": 30}))

	_, err := s.OnEvent(bar(0, 0))
	assert.Error(t, err)
}

func TestMeanReversionOUEntersOnDeepDip(t *testing.T) {
	s := &MeanReversionOU{}
	require.NoError(t, s.Initialize(Params{"lookback_window": 30, "entry_z_score": 2.0, "exit_z_score": 0.5}))

	var got []model.Direction
	for i := 0; i < 40; i++ {
		p := 100.0
		if i%2 == 1 {
			p = 100.5
		}
		if i == 35 {
			p = 90
		}
		sig, err := s.OnEvent(bar(i, p))
		require.NoError(t, err)
		if sig != nil {
			got = append(got, sig.Direction)
		}
	}
	require.NotEmpty(t, got)
	assert.Equal(t, model.DirLong, got[0])
}

func TestRegimeFollowsTrend(t *testing.T) {
	s := NewRegime(zap.NewNop())
	require.NoError(t, s.Initialize(Params{"ma_period": 5, "trend_ma_period": 10, "rsi_period": 5, "atr_period": 5}))

	var got []*model.Signal
	p := 100.0
	for i := 0; i < 30; i++ {
		p *= 1.01
		sig, err := s.OnEvent(bar(i, p))
		require.NoError(t, err)
		if sig != nil {
			got = append(got, sig)
		}
	}
	require.Len(t, got, 1)
	assert.Equal(t, model.DirLong, got[0].Direction)
	assert.Greater(t, got[0].SizeHint, 0.0)
	assert.LessOrEqual(t, got[0].SizeHint, 1.0)
	assert.Equal(t, StateStrongUpTrend, s.State())
}
