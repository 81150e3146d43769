package backtest

import (
	"math"
	"time"

	"github.com/fbcalderaro/cqf-final-project/internal/model"
	"github.com/shopspring/decimal"
)

const (
	year = 365 * 24 * time.Hour
	// 没有亏损交易时的盈亏比 (JSON 不支持 Inf)
	maxProfitFactor = 999
)

// EquityPoint 权益曲线上的一个点
type EquityPoint struct {
	Time   time.Time       `json:"time"`
	Equity decimal.Decimal `json:"equity"`
}

// Metrics 由权益曲线和成交列表计算的汇总统计
type Metrics struct {
	InitialEquity        decimal.Decimal `json:"initial_equity"`
	FinalEquity          decimal.Decimal `json:"final_equity"`
	TotalReturnPct       float64         `json:"total_return_pct"`
	MaxDrawdown          decimal.Decimal `json:"max_drawdown"`
	MaxDrawdownPct       float64         `json:"max_drawdown_pct"`
	AnnualizedVolatility float64         `json:"annualized_volatility"`
	Sharpe               float64         `json:"sharpe"`
	Sortino              float64         `json:"sortino"`
	RealizedPnL          decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL        decimal.Decimal `json:"unrealized_pnl"`
	Fees                 decimal.Decimal `json:"fees"`
	NumTrades            int             `json:"num_trades"`
	ClosingTrades        int             `json:"closing_trades"`
	WinRate              float64         `json:"win_rate"` // 百分比
	ProfitFactor         float64         `json:"profit_factor"`
}

// computeMetrics 汇总一条权益曲线。
// interval 是曲线的采样周期，用于年化 (加密市场按全年 365 天连续交易)。
// 夏普和索提诺不扣无风险利率。
func computeMetrics(curve []EquityPoint, trades []model.Trade, unrealized decimal.Decimal, interval time.Duration) Metrics {
	m := Metrics{UnrealizedPnL: unrealized}
	if len(curve) > 0 {
		m.InitialEquity = curve[0].Equity
		m.FinalEquity = curve[len(curve)-1].Equity
		if m.InitialEquity.IsPositive() {
			m.TotalReturnPct = m.FinalEquity.Sub(m.InitialEquity).Div(m.InitialEquity).Mul(decimal.NewFromInt(100)).InexactFloat64()
		}
	}
	m.MaxDrawdown, m.MaxDrawdownPct = maxDrawdown(curve)

	returns := periodReturns(curve)
	if len(returns) > 1 && interval > 0 {
		scale := math.Sqrt(float64(year) / float64(interval))
		mean, std := meanStd(returns)
		m.AnnualizedVolatility = std * scale
		if std > 0 {
			m.Sharpe = mean / std * scale
		}
		if dd := downsideDeviation(returns); dd > 0 {
			m.Sortino = mean / dd * scale
		}
	}

	var wins, losses decimal.Decimal
	winCount := 0
	for _, t := range trades {
		m.NumTrades++
		m.Fees = m.Fees.Add(t.Fee)
		m.RealizedPnL = m.RealizedPnL.Add(t.RealizedPnL)
		if t.RealizedPnL.IsZero() {
			continue
		}
		// 平仓成交: 盈亏扣除本次手续费后计胜负
		m.ClosingTrades++
		net := t.RealizedPnL.Sub(t.Fee)
		if net.IsPositive() {
			winCount++
			wins = wins.Add(net)
		} else {
			losses = losses.Add(net.Neg())
		}
	}
	if m.ClosingTrades > 0 {
		m.WinRate = 100 * float64(winCount) / float64(m.ClosingTrades)
	}
	switch {
	case losses.IsPositive():
		m.ProfitFactor = wins.Div(losses).InexactFloat64()
	case wins.IsPositive():
		m.ProfitFactor = maxProfitFactor
	}
	return m
}

// maxDrawdown 从历史最高点回撤的最大金额和对应百分比
func maxDrawdown(curve []EquityPoint) (decimal.Decimal, float64) {
	if len(curve) == 0 {
		return decimal.Zero, 0
	}
	peak := curve[0].Equity
	worst := decimal.Zero
	worstPct := decimal.Zero
	for _, p := range curve {
		if p.Equity.GreaterThan(peak) {
			peak = p.Equity
			continue
		}
		dd := peak.Sub(p.Equity)
		if dd.GreaterThan(worst) {
			worst = dd
		}
		if peak.IsPositive() {
			if pct := dd.Div(peak); pct.GreaterThan(worstPct) {
				worstPct = pct
			}
		}
	}
	return worst, worstPct.Mul(decimal.NewFromInt(100)).InexactFloat64()
}

func periodReturns(curve []EquityPoint) []float64 {
	if len(curve) < 2 {
		return nil
	}
	out := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Equity
		if !prev.IsPositive() {
			out = append(out, 0)
			continue
		}
		out = append(out, curve[i].Equity.Sub(prev).Div(prev).InexactFloat64())
	}
	return out
}

// meanStd 均值和样本标准差
func meanStd(xs []float64) (float64, float64) {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var ss float64
	for _, x := range xs {
		ss += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(ss / float64(len(xs)-1))
}

func downsideDeviation(xs []float64) float64 {
	var ss float64
	for _, x := range xs {
		if x < 0 {
			ss += x * x
		}
	}
	return math.Sqrt(ss / float64(len(xs)))
}
