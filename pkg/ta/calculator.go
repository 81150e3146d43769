package ta

import (
	"math"

	"github.com/fbcalderaro/cqf-final-project/internal/model"
	"github.com/markcheno/go-talib"
)

// Series 存储计算指标所需的历史数据 (一个策略实例独占一个 Series)
type Series struct {
	Close  []float64 // 收盘价序列
	High   []float64 // 最高价序列
	Low    []float64 // 最低价序列
	Volume []float64 // 成交量序列

	maxLen int
}

// NewSeries 初始化滚动窗口，maxLen 为保留的最大 K 线数量
func NewSeries(maxLen int) *Series {
	if maxLen < 2 {
		maxLen = 2
	}
	return &Series{
		Close:  make([]float64, 0, maxLen),
		High:   make([]float64, 0, maxLen),
		Low:    make([]float64, 0, maxLen),
		Volume: make([]float64, 0, maxLen),
		maxLen: maxLen,
	}
}

// Add 追加一根已收盘 K 线，FIFO 保持窗口长度
func (s *Series) Add(e model.MarketEvent) {
	s.Close = append(s.Close, e.Close)
	s.High = append(s.High, e.High)
	s.Low = append(s.Low, e.Low)
	s.Volume = append(s.Volume, e.Volume)

	if len(s.Close) > s.maxLen {
		s.Close = s.Close[len(s.Close)-s.maxLen:]
		s.High = s.High[len(s.High)-s.maxLen:]
		s.Low = s.Low[len(s.Low)-s.maxLen:]
		s.Volume = s.Volume[len(s.Volume)-s.maxLen:]
	}
}

func (s *Series) Len() int {
	return len(s.Close)
}

// Last 最新收盘价
func (s *Series) Last() float64 {
	if len(s.Close) == 0 {
		return 0
	}
	return s.Close[len(s.Close)-1]
}

// Prev 倒数第 n 根收盘价 (n=1 为上一根)
func (s *Series) Prev(n int) float64 {
	i := len(s.Close) - 1 - n
	if i < 0 {
		return 0
	}
	return s.Close[i]
}

func last(values []float64) (float64, bool) {
	if len(values) == 0 {
		return 0, false
	}
	v := values[len(values)-1]
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// SMA 简单移动平均，历史不足时 ok=false
func (s *Series) SMA(period int) (float64, bool) {
	if period < 1 || len(s.Close) < period {
		return 0, false
	}
	return last(talib.Sma(s.Close, period))
}

// SMAPrev 上一根 K 线的 SMA，用于判断交叉
func (s *Series) SMAPrev(period int) (float64, bool) {
	if period < 1 || len(s.Close) < period+1 {
		return 0, false
	}
	return last(talib.Sma(s.Close[:len(s.Close)-1], period))
}

// RSI 相对强弱指数
func (s *Series) RSI(period int) (float64, bool) {
	if period < 2 || len(s.Close) <= period {
		return 0, false
	}
	return last(talib.Rsi(s.Close, period))
}

// BBands 布林带 (上轨, 中轨, 下轨)
func (s *Series) BBands(period int, dev float64) (upper, middle, lower float64, ok bool) {
	if period < 2 || len(s.Close) < period {
		return 0, 0, 0, false
	}
	up, mid, dn := talib.BBands(s.Close, period, dev, dev, talib.SMA)
	u, ok1 := last(up)
	m, ok2 := last(mid)
	l, ok3 := last(dn)
	return u, m, l, ok1 && ok2 && ok3
}

// ATR 平均真实波动范围，需要 High, Low, 前一根 Close
func (s *Series) ATR(period int) (float64, bool) {
	if period < 1 || len(s.Close) <= period {
		return 0, false
	}
	return last(talib.Atr(s.High, s.Low, s.Close, period))
}

// StdDev 收盘价标准差
func (s *Series) StdDev(period int) (float64, bool) {
	if period < 2 || len(s.Close) < period {
		return 0, false
	}
	return last(talib.StdDev(s.Close, period, 1))
}

// Slope 线性回归斜率，用于趋势过滤
func (s *Series) Slope(period int) (float64, bool) {
	if period < 2 || len(s.Close) < period {
		return 0, false
	}
	return last(talib.LinearRegSlope(s.Close, period))
}
