package executor

import (
	"context"
	"errors"
	"iter"

	"github.com/fbcalderaro/cqf-final-project/internal/model"
	"github.com/shopspring/decimal"
)

var (
	ErrVenueTimeout      = errors.New("venue timeout")
	ErrVenueDisconnected = errors.New("venue disconnected")
	ErrOrderRejected     = errors.New("order rejected by venue")
	ErrOrderNotFound     = errors.New("order not found at venue")
)

// Venue 是交易场所的通用接口 (交易所或模拟撮合)，订单以幂等键 (Order.ID) 标识
type Venue interface {
	// 提交订单。场所拒绝时返回 ErrOrderRejected，超时/断线返回可重试错误
	SubmitOrder(ctx context.Context, order model.Order) (model.VenueReport, error)

	// 撤销订单
	CancelOrder(ctx context.Context, orderID string) error

	// 按幂等键查询订单，场所从未收到过该订单时返回 ErrOrderNotFound
	PollStatus(ctx context.Context, orderID string) (model.VenueReport, error)

	// 成交回报流，出现错误后序列结束
	StreamFills(ctx context.Context) iter.Seq2[model.Fill, error]
}

// QuantityRounder 由有数量精度限制的场所实现。Handler 在下单前用它截断数量，
// 订单记录的数量与实际发送的数量一致
type QuantityRounder interface {
	RoundQuantity(ctx context.Context, asset string, qty decimal.Decimal) (decimal.Decimal, error)
}

// AccountReader 查询场所账户的实际现金和持仓，用于主账户对账
type AccountReader interface {
	Account(ctx context.Context) (cash decimal.Decimal, positions map[string]decimal.Decimal, err error)
}

// Ledger 接收订单结果的账本 (Portfolio Manager)
type Ledger interface {
	OnFill(order model.Order, fill model.Fill) (model.Trade, error)
	Release(order model.Order)
	Report(d model.Diagnostic)
}
