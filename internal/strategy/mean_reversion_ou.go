package strategy

import (
	"fmt"
	"math"

	"github.com/fbcalderaro/cqf-final-project/internal/model"
	"github.com/fbcalderaro/cqf-final-project/pkg/ta"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// kalman 一维卡尔曼滤波，估计漂移的均值
type kalman struct {
	q, r  float64 // 过程噪声, 观测噪声
	x, p  float64
	ready bool
}

func (k *kalman) update(z float64) float64 {
	if !k.ready {
		k.x, k.p, k.ready = z, 1.0, true
		return k.x
	}
	pMinus := k.p + k.q
	gain := pMinus / (pMinus + k.r)
	k.x += gain * (z - k.x)
	k.p = (1 - gain) * pMinus
	return k.x
}

// MeanReversionOU Ornstein-Uhlenbeck 均值回归 (只做多)。
// 对数价格减去卡尔曼均值得到价差，价差 z-score 低于 -entry_z_score 入场，
// |z| 低于 exit_z_score 平仓。可选 ATR 波动率过滤和均线趋势过滤 (只过滤入场)。
type MeanReversionOU struct {
	lookback   int
	minPeriods int
	entryZ     float64
	exitZ      float64
	atrPeriod  int
	maxATRPct  float64 // ATR/价格 超过该值时不入场，0 表示关闭
	trendMA    int     // 收盘价低于该均线时不入场，0 表示关闭

	filter   kalman
	spreads  []float64
	series   *ta.Series
	inMarket bool
	logger   *zap.Logger
}

// SyncPosition 只做多: 账本敞口为正即视为在场
func (s *MeanReversionOU) SyncPosition(exposure decimal.Decimal) { s.inMarket = exposure.IsPositive() }

func (s *MeanReversionOU) Name() string { return "mean_reversion_ou" }

func (s *MeanReversionOU) Initialize(params Params) error {
	r := reader{p: params}
	s.lookback = r.int("lookback_window", 60)
	s.entryZ = r.float("entry_z_score", 2.0)
	s.exitZ = r.float("exit_z_score", 0.5)
	s.filter.q = r.float("kalman_process_noise", 1e-5)
	s.filter.r = r.float("kalman_measurement_noise", 1e-4)
	s.atrPeriod = r.int("atr_period", 14)
	s.maxATRPct = r.float("max_atr_pct", 0)
	s.trendMA = r.int("trend_ma_period", 0)
	if r.err != nil {
		return r.err
	}
	if s.lookback < 2 || s.entryZ <= s.exitZ || s.exitZ < 0 {
		return fmt.Errorf("invalid parameters: lookback_window=%d entry_z_score=%v exit_z_score=%v", s.lookback, s.entryZ, s.exitZ)
	}
	if s.filter.q <= 0 || s.filter.r <= 0 {
		return fmt.Errorf("kalman noise parameters must be > 0")
	}
	s.minPeriods = min(20, s.lookback)
	s.spreads = make([]float64, 0, s.lookback)
	s.series = ta.NewSeries(max(s.trendMA, s.atrPeriod+1, 2))

	if s.logger != nil {
		s.logger.Info("Strategy initialized (long-only)",
			zap.Int("lookback", s.lookback), zap.Float64("entry_z", s.entryZ), zap.Float64("exit_z", s.exitZ))
	}
	return nil
}

// zScore 最新价差相对滚动窗口的标准分数 (样本标准差)
func (s *MeanReversionOU) zScore() (float64, bool) {
	n := len(s.spreads)
	if n < s.minPeriods || n < 2 {
		return 0, false
	}
	mean := 0.0
	for _, v := range s.spreads {
		mean += v
	}
	mean /= float64(n)
	ss := 0.0
	for _, v := range s.spreads {
		ss += (v - mean) * (v - mean)
	}
	std := math.Sqrt(ss / float64(n-1))
	if std == 0 {
		return 0, false
	}
	return (s.spreads[n-1] - mean) / std, true
}

func (s *MeanReversionOU) OnEvent(e model.MarketEvent) (*model.Signal, error) {
	if e.Close <= 0 {
		return nil, fmt.Errorf("non-positive close %v", e.Close)
	}
	s.series.Add(e)

	logPrice := math.Log(e.Close)
	spread := logPrice - s.filter.update(logPrice)
	s.spreads = append(s.spreads, spread)
	if len(s.spreads) > s.lookback {
		s.spreads = s.spreads[len(s.spreads)-s.lookback:]
	}

	z, ok := s.zScore()
	if !ok {
		return nil, nil
	}

	if s.inMarket {
		if math.Abs(z) < s.exitZ {
			s.inMarket = false
			return signal(model.DirFlat, fmt.Sprintf("z-score %.2f back inside exit band", z)), nil
		}
		return nil, nil
	}
	if z >= -s.entryZ || !s.filtersPass(e.Close) {
		return nil, nil
	}
	s.inMarket = true
	return signal(model.DirLong, fmt.Sprintf("z-score %.2f below -%.2f", z, s.entryZ)), nil
}

func (s *MeanReversionOU) filtersPass(price float64) bool {
	if s.maxATRPct > 0 {
		atr, ok := s.series.ATR(s.atrPeriod)
		if !ok || atr/price > s.maxATRPct {
			return false
		}
	}
	if s.trendMA > 0 {
		ma, ok := s.series.SMA(s.trendMA)
		if !ok || price < ma {
			return false
		}
	}
	return true
}
