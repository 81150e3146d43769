package strategy

import (
	"fmt"

	"github.com/fbcalderaro/cqf-final-project/internal/model"
	"github.com/fbcalderaro/cqf-final-project/pkg/ta"
	"go.uber.org/zap"
)

// 市场状态常量
type MarketState string

const (
	// 趋势模式 (Up or Down)
	StateStrongUpTrend   MarketState = "STRONG_UP_TREND"
	StateStrongDownTrend MarketState = "STRONG_DOWN_TREND"

	// 震荡模式
	StateHighVolRanging MarketState = "HIGH_VOL_RANGING"
	StateLowVolRanging  MarketState = "LOW_VOL_RANGING"

	// 初始状态
	StateInitial MarketState = "INITIALIZING"
)

// Regime 市场状态机策略: 强上涨趋势做多，强下跌趋势做空，震荡时空仓。
// 仓位大小按 ATR 止损距离计算: 每笔交易最多亏损分配资金的 risk_per_trade。
type Regime struct {
	maPeriod      int
	trendMAPeriod int // 更长周期均线，用于过滤逆势 (代替高一级周期)
	rsiPeriod     int
	atrPeriod     int
	trendRSI      float64 // 判断趋势强度的阈值，例如 RSI 超过 60/40
	atrVolPct     float64 // 判断高/低波动的 ATR 百分比阈值
	riskPerTrade  float64
	stopATR       float64 // 止损距离 = stopATR * ATR

	series *ta.Series
	state  MarketState
	logger *zap.Logger
}

func NewRegime(logger *zap.Logger) *Regime {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Regime{state: StateInitial, logger: logger}
}

func (s *Regime) Name() string { return "regime" }

func (s *Regime) Initialize(params Params) error {
	r := reader{p: params}
	s.maPeriod = r.int("ma_period", 20)
	s.trendMAPeriod = r.int("trend_ma_period", 80)
	s.rsiPeriod = r.int("rsi_period", 14)
	s.atrPeriod = r.int("atr_period", 14)
	s.trendRSI = r.float("trend_rsi", 60)
	s.atrVolPct = r.float("atr_vol_pct", 0.0005)
	s.riskPerTrade = r.float("risk_per_trade", 0.02)
	s.stopATR = r.float("stop_atr", 1.5)
	if r.err != nil {
		return r.err
	}
	if s.maPeriod < 2 || s.trendMAPeriod < s.maPeriod {
		return fmt.Errorf("ma_period (%d) must be >= 2 and <= trend_ma_period (%d)", s.maPeriod, s.trendMAPeriod)
	}
	if s.trendRSI <= 50 || s.trendRSI >= 100 {
		return fmt.Errorf("trend_rsi must be in (50, 100), got %v", s.trendRSI)
	}
	if s.riskPerTrade <= 0 || s.riskPerTrade > 1 || s.stopATR <= 0 {
		return fmt.Errorf("risk_per_trade must be in (0, 1] and stop_atr > 0")
	}
	s.series = ta.NewSeries(max(s.trendMAPeriod, s.rsiPeriod+1, s.atrPeriod+1) + 1)
	return nil
}

// State 当前市场状态
func (s *Regime) State() MarketState {
	return s.state
}

func (s *Regime) OnEvent(e model.MarketEvent) (*model.Signal, error) {
	s.series.Add(e)

	ma, ok1 := s.series.SMA(s.maPeriod)
	trendMA, ok2 := s.series.SMA(s.trendMAPeriod)
	rsi, ok3 := s.series.RSI(s.rsiPeriod)
	atr, ok4 := s.series.ATR(s.atrPeriod)
	if !(ok1 && ok2 && ok3 && ok4) {
		return nil, nil
	}

	price := e.Close
	var newState MarketState
	switch {
	// 强上涨: 价格在均线上方，动量强，长周期趋势不冲突
	case price > ma && rsi >= s.trendRSI && price > trendMA:
		newState = StateStrongUpTrend
	case price < ma && rsi <= 100-s.trendRSI && price < trendMA:
		newState = StateStrongDownTrend
	default:
		newState = s.rangingMode(price, atr)
	}

	if newState == s.state {
		return nil, nil
	}
	s.logger.Info("State transition",
		zap.String("from", string(s.state)),
		zap.String("to", string(newState)),
		zap.Float64("rsi", rsi),
		zap.Float64("atr", atr),
	)
	prev := s.state
	s.state = newState

	switch newState {
	case StateStrongUpTrend:
		return s.sized(model.DirLong, price, atr, "strong up trend"), nil
	case StateStrongDownTrend:
		return s.sized(model.DirShort, price, atr, "strong down trend"), nil
	}
	// 两种震荡模式之间切换不需要交易
	if prev == StateStrongUpTrend || prev == StateStrongDownTrend {
		return signal(model.DirFlat, fmt.Sprintf("trend ended, market %s", newState)), nil
	}
	return nil, nil
}

// rangingMode 根据 ATR 百分比确定震荡模式
func (s *Regime) rangingMode(price, atr float64) MarketState {
	if price == 0 {
		return StateLowVolRanging
	}
	if atr/price >= s.atrVolPct {
		return StateHighVolRanging
	}
	return StateLowVolRanging
}

// sized 以止损距离计算仓位占分配资金的比例:
// 比例 = risk_per_trade / (stopATR * ATR / price)，最大为 1
func (s *Regime) sized(dir model.Direction, price, atr float64, reason string) *model.Signal {
	sig := signal(dir, reason)
	stopPct := s.stopATR * atr / price
	if stopPct > 0 {
		sig.SizeHint = min(1, s.riskPerTrade/stopPct)
	}
	return sig
}
