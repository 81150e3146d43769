package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Sign 买为 +1，卖为 -1
func (s Side) Sign() decimal.Decimal {
	if s == SideSell {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// OrderIntent 是由 Signal 经过资金约束后得到的、尚未提交的交易指令。
// 由 Execution Handler 恰好消费一次。
type OrderIntent struct {
	Seq           uint64 // 策略内递增序号，参与幂等键的生成
	StrategyID    string
	Asset         string
	QuantityDelta decimal.Decimal // 目标仓位变化量，带符号
	MaxNotional   decimal.Decimal
	Reserved      decimal.Decimal // 为本指令预留的资金 (仅增加敞口的部分)
	Price         decimal.Decimal // 生成指令时的参考价格
	Time          time.Time
	Reason        string // signal / liquidation
}

// Side 根据数量符号给出买卖方向
func (i OrderIntent) Side() Side {
	if i.QuantityDelta.IsNegative() {
		return SideSell
	}
	return SideBuy
}

func (i OrderIntent) String() string {
	return fmt.Sprintf("INTENT #%d [%s | %s] %s %s (max notional %s, reserved %s)",
		i.Seq, i.StrategyID, i.Asset, i.Side(), i.QuantityDelta.Abs().String(), i.MaxNotional.StringFixed(2), i.Reserved.StringFixed(2))
}

// OrderStatus 订单状态机:
// CREATED -> SUBMITTED -> {PARTIALLY_FILLED -> ... -> FILLED} | CANCELLED | REJECTED
type OrderStatus string

const (
	OrderCreated         OrderStatus = "CREATED"
	OrderSubmitted       OrderStatus = "SUBMITTED"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCancelled       OrderStatus = "CANCELLED"
	OrderRejected        OrderStatus = "REJECTED"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderCreated:         {OrderSubmitted, OrderCancelled, OrderRejected},
	OrderSubmitted:       {OrderSubmitted, OrderPartiallyFilled, OrderFilled, OrderCancelled, OrderRejected},
	OrderPartiallyFilled: {OrderPartiallyFilled, OrderFilled, OrderCancelled},
}

// IsTerminal 终态: FILLED / CANCELLED / REJECTED
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected:
		return true
	default:
		return false
	}
}

// CanTransition 判断状态迁移是否合法，终态不允许离开
func (s OrderStatus) CanTransition(to OrderStatus) bool {
	for _, next := range orderTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Order 是 Execution Handler 对订单的视图，只由场所 (venue) 的回报修改
type Order struct {
	ID           string // 幂等键 (client order id)
	VenueOrderID string
	IntentSeq    uint64
	StrategyID   string
	Asset        string
	Side         Side
	Quantity     decimal.Decimal // 正数
	Filled       decimal.Decimal
	AvgFillPrice decimal.Decimal
	Fees         decimal.Decimal
	Status       OrderStatus
	Attempts     int
	Reason       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Remaining 剩余未成交数量
func (o *Order) Remaining() decimal.Decimal {
	rem := o.Quantity.Sub(o.Filled)
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}

func (o *Order) String() string {
	return fmt.Sprintf("ORDER %s [%s | %s] %s %s filled %s @ %s status %s",
		o.ID, o.StrategyID, o.Asset, o.Side, o.Quantity.String(), o.Filled.String(), o.AvgFillPrice.StringFixed(4), o.Status)
}

// Fill 成交回报，不可修改。一笔或多笔成交关闭一个订单。
type Fill struct {
	ID       string // 场所成交 ID，可为空
	OrderID  string
	Quantity decimal.Decimal // 正数
	Price    decimal.Decimal
	Fee      decimal.Decimal
	Time     time.Time
}

// VenueReport 是场所对订单状态查询的回应
type VenueReport struct {
	OrderID      string
	VenueOrderID string
	Status       OrderStatus
	Filled       decimal.Decimal
	AvgFillPrice decimal.Decimal
	Reason       string
}
