package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type Direction string

const (
	DirLong  Direction = "long"  // 多
	DirShort Direction = "short" // 空
	DirFlat  Direction = "flat"  // 平仓/空仓
	DirHold  Direction = "hold"  // 保持当前仓位
)

func (d Direction) String() string {
	return string(d)
}

// Valid 判断方向是否为已知取值
func (d Direction) Valid() bool {
	switch d {
	case DirLong, DirShort, DirFlat, DirHold:
		return true
	default:
		return false
	}
}

// Signal 是策略对某个交易对在某个时间点给出的方向性决策。
// 仅在内存中传递，由 Portfolio Manager 消费一次。
type Signal struct {
	StrategyID string
	Asset      string
	Time       time.Time
	Direction  Direction
	SizeHint   float64         // 占策略分配资金的比例 (0,1]，0 视为 1
	Notional   decimal.Decimal // 显式请求的名义金额 (计价货币)，非零时优先于 SizeHint
	Price      decimal.Decimal // 参考价格，默认取事件收盘价
	Reason     string
}

func (s Signal) String() string {
	return fmt.Sprintf("SIGNAL [%s | %s | %s] @ %s | SizeHint: %.2f | Notional: %s | %s",
		s.StrategyID, s.Asset, s.Direction, s.Price.StringFixed(4), s.SizeHint, s.Notional.StringFixed(2), s.Reason)
}

// Allocation 是策略在主账户中的资金分配
type Allocation struct {
	StrategyID    string
	CapitalPct    decimal.Decimal // 百分比，0-100
	ReservedCash  decimal.Decimal // 已预留但尚未成交的名义金额
	CurrentEquity decimal.Decimal
}

// Position 当前持仓。Quantity 的符号表示方向，为 0 时持仓被移除。
type Position struct {
	StrategyID        string
	Asset             string
	Quantity          decimal.Decimal
	AverageEntryPrice decimal.Decimal
}

// IsFlat 判断持仓是否为空
func (p Position) IsFlat() bool {
	return p.Quantity.IsZero()
}

// PositionView 是快照中的持仓投影 (带最新标记价格)
type PositionView struct {
	StrategyID        string          `json:"strategy_id"`
	Asset             string          `json:"asset"`
	Quantity          decimal.Decimal `json:"quantity"`
	AverageEntryPrice decimal.Decimal `json:"average_entry_price"`
	MarkPrice         decimal.Decimal `json:"mark_price"`
	UnrealizedPnL     decimal.Decimal `json:"unrealized_pnl"`
}

// Trade 记录一次成交，归属到唯一的策略和订单，用于回测的交易列表
type Trade struct {
	StrategyID  string          `json:"strategy_id"`
	OrderID     string          `json:"order_id"`
	Asset       string          `json:"asset"`
	Side        Side            `json:"side"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	Fee         decimal.Decimal `json:"fee"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"` // 本次成交平掉部分的已实现盈亏 (未扣手续费)
	Time        time.Time       `json:"time"`
}

// StrategyEquity 是单个策略在快照中的资金视图
type StrategyEquity struct {
	StrategyID    string          `json:"strategy_id"`
	Asset         string          `json:"asset"`
	CapitalPct    decimal.Decimal `json:"capital_pct"`
	Cash          decimal.Decimal `json:"cash"`
	Reserved      decimal.Decimal `json:"reserved"`
	Equity        decimal.Decimal `json:"equity"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	Fees          decimal.Decimal `json:"fees"`
	Active        bool            `json:"active"`
	Halted        bool            `json:"halted"`
	HaltReason    string          `json:"halt_reason,omitempty"`
}

// PortfolioSnapshot 是 Portfolio Manager 的只读投影，每次重新生成
type PortfolioSnapshot struct {
	Time            time.Time        `json:"time"`
	Strategies      []StrategyEquity `json:"strategies"`
	AggregateEquity decimal.Decimal  `json:"aggregate_equity"`
	MasterCash      decimal.Decimal  `json:"master_cash"`
	UnallocatedCash decimal.Decimal  `json:"unallocated_cash"`
	Positions       []PositionView   `json:"positions"`
	Alerts          []Diagnostic     `json:"alerts,omitempty"`
}

// Strategy 按 ID 查找快照中的策略视图
func (s PortfolioSnapshot) Strategy(id string) (StrategyEquity, bool) {
	for _, se := range s.Strategies {
		if se.StrategyID == id {
			return se, true
		}
	}
	return StrategyEquity{}, false
}

// DiagnosticKind 对错误进行分类
type DiagnosticKind string

const (
	DiagDataFault          DiagnosticKind = "data_fault"
	DiagStrategyFault      DiagnosticKind = "strategy_fault"
	DiagCapitalConstrained DiagnosticKind = "capital_constrained"
	DiagExecutionFault     DiagnosticKind = "execution_fault"
	DiagInvariantViolation DiagnosticKind = "invariant_violation"
)

// Diagnostic 是对用户可见的诊断记录，通过快照和日志通道上报
type Diagnostic struct {
	Time       time.Time      `json:"time"`
	StrategyID string         `json:"strategy_id,omitempty"`
	Kind       DiagnosticKind `json:"kind"`
	Message    string         `json:"message"`
}
