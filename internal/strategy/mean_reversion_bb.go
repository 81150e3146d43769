package strategy

import (
	"fmt"

	"github.com/fbcalderaro/cqf-final-project/internal/model"
	"github.com/fbcalderaro/cqf-final-project/pkg/ta"
	"github.com/shopspring/decimal"
)

// MeanReversionBB 布林带均值回归 (只做多):
// 收盘价从下轨下方回到下轨上方且 RSI 超卖时入场，回到中轨时平仓。
type MeanReversionBB struct {
	period       int
	stdDev       float64
	useRSIFilter bool
	rsiPeriod    int
	rsiOversold  float64

	series    *ta.Series
	prevLower float64
	hasPrev   bool
	inMarket  bool
}

// SyncPosition 只做多: 账本敞口为正即视为在场
func (s *MeanReversionBB) SyncPosition(exposure decimal.Decimal) { s.inMarket = exposure.IsPositive() }

func (s *MeanReversionBB) Name() string { return "mean_reversion_bb" }

func (s *MeanReversionBB) Initialize(params Params) error {
	r := reader{p: params}
	s.period = r.int("bb_period", 20)
	s.stdDev = r.float("bb_std_dev", 2.0)
	s.useRSIFilter = r.bool("use_rsi_filter", true)
	s.rsiPeriod = r.int("rsi_period", 14)
	s.rsiOversold = r.float("rsi_oversold", 30)
	if r.err != nil {
		return r.err
	}
	if s.period < 2 || s.stdDev <= 0 || s.rsiPeriod < 2 {
		return fmt.Errorf("invalid parameters: bb_period=%d bb_std_dev=%v rsi_period=%d", s.period, s.stdDev, s.rsiPeriod)
	}
	s.series = ta.NewSeries(max(s.period, s.rsiPeriod+1) * 3)
	return nil
}

func (s *MeanReversionBB) OnEvent(e model.MarketEvent) (*model.Signal, error) {
	s.series.Add(e)

	_, middle, lower, ok := s.series.BBands(s.period, s.stdDev)
	if !ok {
		return nil, nil
	}
	prevClose := s.series.Prev(1)
	prevLower, hadPrev := s.prevLower, s.hasPrev
	s.prevLower, s.hasPrev = lower, true

	if s.inMarket {
		if e.Close >= middle {
			s.inMarket = false
			return signal(model.DirFlat, "price reverted to middle band"), nil
		}
		return nil, nil
	}

	if !hadPrev || !(prevClose < prevLower && e.Close > lower) {
		return nil, nil
	}
	if s.useRSIFilter {
		rsi, ok := s.series.RSI(s.rsiPeriod)
		if !ok || rsi >= s.rsiOversold {
			return nil, nil
		}
	}
	s.inMarket = true
	return signal(model.DirLong, "close crossed back above lower band"), nil
}
