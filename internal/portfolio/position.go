package portfolio

import (
	"github.com/shopspring/decimal"
)

// holding 带符号数量 + 加权平均成本
type holding struct {
	qty decimal.Decimal
	avg decimal.Decimal
}

// apply 应用一笔带符号的成交数量，返回平仓部分的已实现盈亏 (不含手续费)。
// 同向加仓按数量加权平均成本；反向成交先平仓，超过部分以成交价反向开仓。
func (h *holding) apply(dq, price decimal.Decimal) decimal.Decimal {
	if dq.IsZero() {
		return decimal.Zero
	}
	if h.qty.IsZero() || h.qty.Sign() == dq.Sign() {
		newQty := h.qty.Add(dq)
		cost := h.qty.Abs().Mul(h.avg).Add(dq.Abs().Mul(price))
		h.avg = cost.Div(newQty.Abs())
		h.qty = newQty
		return decimal.Zero
	}

	closed := decimal.Min(dq.Abs(), h.qty.Abs())
	realized := closed.Mul(price.Sub(h.avg))
	if h.qty.IsNegative() {
		realized = realized.Neg()
	}

	newQty := h.qty.Add(dq)
	switch {
	case newQty.IsZero():
		h.avg = decimal.Zero
	case newQty.Sign() != h.qty.Sign():
		h.avg = price // 反手
	}
	h.qty = newQty
	return realized
}

// value 按标记价格计算的市值 (空头为负)
func (h holding) value(mark decimal.Decimal) decimal.Decimal {
	return h.qty.Mul(mark)
}

// unrealized 未实现盈亏
func (h holding) unrealized(mark decimal.Decimal) decimal.Decimal {
	if h.qty.IsZero() {
		return decimal.Zero
	}
	return h.qty.Mul(mark.Sub(h.avg))
}
