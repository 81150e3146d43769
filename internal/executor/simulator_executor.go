package executor

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"github.com/fbcalderaro/cqf-final-project/internal/model"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SimulatorConfig 模拟撮合配置
type SimulatorConfig struct {
	InitialCash   decimal.Decimal
	CommissionPct float64 // 手续费率，例如 0.001
	SlippagePct   float64 // 滑点比例，例如 0.0005，总是对吃单方不利
	StreamFills   bool    // 模拟盘: 成交同时推送到 StreamFills
}

// simOrder 模拟场所内部的订单
type simOrder struct {
	order  model.Order
	status model.OrderStatus
	filled decimal.Decimal
	avg    decimal.Decimal
	seq    int
}

// simFault 故障注入
type simFault struct {
	err    error
	accept bool // 场所收到订单但确认丢失
}

// SimVenue 是回测和模拟盘使用的撮合场所。
// 订单在下一根同一交易对 K 线的开盘价成交，滑点和手续费固定，相同输入总是得到相同成交。
type SimVenue struct {
	cfg    SimulatorConfig
	logger *zap.SugaredLogger

	mu       sync.Mutex
	orders   map[string]*simOrder
	resting  []string // 等待撮合的订单，按提交顺序
	seq      int
	fillSeq  int
	attempts int

	// 模拟的经纪商账户 (对账用)
	cash      decimal.Decimal
	positions map[string]decimal.Decimal

	submitFaults []simFault
	pollFaults   []error

	// 模拟盘成交推送: Match 只追加，StreamFills 取走，撮合不会因消费方变慢而阻塞
	outMu  sync.Mutex
	outbox []model.Fill
	notify chan struct{}
}

// fillBacklogWarn 待推送成交超过该数量时记录警告
const fillBacklogWarn = 1024

func NewSimVenue(cfg SimulatorConfig, logger *zap.Logger) *SimVenue {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := &SimVenue{
		cfg:       cfg,
		logger:    logger.Sugar(),
		orders:    make(map[string]*simOrder),
		cash:      cfg.InitialCash,
		positions: make(map[string]decimal.Decimal),
	}
	if cfg.StreamFills {
		v.notify = make(chan struct{}, 1)
	}
	v.logger.Infof("Simulated venue initialized. Commission: %.4f%%, Slippage: %.4f%%, Stream fills: %t",
		cfg.CommissionPct*100, cfg.SlippagePct*100, cfg.StreamFills)
	return v
}

// ---- 故障注入 ----

// FailSubmits 接下来 n 次提交返回 err，订单不会被场所记录
func (v *SimVenue) FailSubmits(n int, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := 0; i < n; i++ {
		v.submitFaults = append(v.submitFaults, simFault{err: err})
	}
}

// LoseAcks 接下来 n 次提交被场所接收，但调用方收到超时
func (v *SimVenue) LoseAcks(n int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := 0; i < n; i++ {
		v.submitFaults = append(v.submitFaults, simFault{err: ErrVenueTimeout, accept: true})
	}
}

// FailPolls 接下来 n 次状态查询返回 err
func (v *SimVenue) FailPolls(n int, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := 0; i < n; i++ {
		v.pollFaults = append(v.pollFaults, err)
	}
}

// Attempts 收到的提交请求次数 (包括失败的)
func (v *SimVenue) Attempts() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.attempts
}

// Received 场所实际记录的订单数
func (v *SimVenue) Received() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.orders)
}

// ---- Venue ----

func (v *SimVenue) report(so *simOrder) model.VenueReport {
	return model.VenueReport{
		OrderID:      so.order.ID,
		VenueOrderID: fmt.Sprintf("sim-%d", so.seq),
		Status:       so.status,
		Filled:       so.filled,
		AvgFillPrice: so.avg,
	}
}

func (v *SimVenue) SubmitOrder(ctx context.Context, order model.Order) (model.VenueReport, error) {
	if err := ctx.Err(); err != nil {
		return model.VenueReport{}, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.attempts++

	var fault *simFault
	if len(v.submitFaults) > 0 {
		f := v.submitFaults[0]
		v.submitFaults = v.submitFaults[1:]
		fault = &f
		if !f.accept {
			return model.VenueReport{}, f.err
		}
	}

	// 同一幂等键只记录一次
	if so, ok := v.orders[order.ID]; ok {
		return v.report(so), nil
	}
	if !order.Quantity.IsPositive() {
		return model.VenueReport{}, fmt.Errorf("%w: quantity %s", ErrOrderRejected, order.Quantity)
	}

	v.seq++
	so := &simOrder{order: order, status: model.OrderSubmitted, seq: v.seq}
	v.orders[order.ID] = so
	v.resting = append(v.resting, order.ID)
	v.logger.Debugf("Sim order accepted: %s %s %s", order.ID, order.Side, order.Quantity)

	if fault != nil {
		return model.VenueReport{}, fault.err
	}
	return v.report(so), nil
}

func (v *SimVenue) CancelOrder(ctx context.Context, orderID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	so, ok := v.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	if so.status.IsTerminal() {
		if so.status == model.OrderCancelled {
			return nil
		}
		return fmt.Errorf("order %s is %s: %w", orderID, so.status, ErrOrderTerminal)
	}
	so.status = model.OrderCancelled
	v.removeResting(orderID)
	return nil
}

func (v *SimVenue) PollStatus(ctx context.Context, orderID string) (model.VenueReport, error) {
	if err := ctx.Err(); err != nil {
		return model.VenueReport{}, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.pollFaults) > 0 {
		err := v.pollFaults[0]
		v.pollFaults = v.pollFaults[1:]
		return model.VenueReport{}, err
	}
	so, ok := v.orders[orderID]
	if !ok {
		return model.VenueReport{}, ErrOrderNotFound
	}
	return v.report(so), nil
}

// StreamFills 模拟盘成交流，未开启 StreamFills 时序列为空
func (v *SimVenue) StreamFills(ctx context.Context) iter.Seq2[model.Fill, error] {
	return func(yield func(model.Fill, error) bool) {
		if v.notify == nil {
			return
		}
		for {
			v.outMu.Lock()
			batch := v.outbox
			v.outbox = nil
			v.outMu.Unlock()

			for i, f := range batch {
				if ctx.Err() != nil {
					v.requeue(batch[i:])
					return
				}
				if !yield(f, nil) {
					v.requeue(batch[i+1:])
					return
				}
			}
			if len(batch) > 0 {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case <-v.notify:
			}
		}
	}
}

func (v *SimVenue) removeResting(id string) {
	for i, rid := range v.resting {
		if rid == id {
			v.resting = append(v.resting[:i], v.resting[i+1:]...)
			return
		}
	}
}

// ---- 撮合 ----

// fillPrice 开盘价加滑点，买单更高，卖单更低
func (v *SimVenue) fillPrice(open decimal.Decimal, side model.Side) decimal.Decimal {
	slip := decimal.NewFromFloat(v.cfg.SlippagePct)
	if side == model.SideSell {
		return open.Mul(decimal.NewFromInt(1).Sub(slip))
	}
	return open.Mul(decimal.NewFromInt(1).Add(slip))
}

// Match 用事件撮合该交易对上不晚于事件开盘提交的订单，按提交顺序全部成交。
// 订单时间是产生信号的 K 线收盘时间，开盘早于它的 K 线 (例如更大周期的同一段行情) 不参与撮合。
func (v *SimVenue) Match(e model.MarketEvent) []model.Fill {
	open := e.OpenPrice()
	if !open.IsPositive() {
		return nil
	}

	v.mu.Lock()
	var fills []model.Fill
	remaining := v.resting[:0]
	for _, id := range v.resting {
		so := v.orders[id]
		if so.order.Asset != e.Asset || e.Time.Before(so.order.CreatedAt) {
			remaining = append(remaining, id)
			continue
		}
		qty := so.order.Quantity.Sub(so.filled)
		price := v.fillPrice(open, so.order.Side)
		fee := qty.Mul(price).Mul(decimal.NewFromFloat(v.cfg.CommissionPct))

		v.fillSeq++
		fills = append(fills, model.Fill{
			ID:       fmt.Sprintf("simfill-%d", v.fillSeq),
			OrderID:  id,
			Quantity: qty,
			Price:    price,
			Fee:      fee,
			Time:     e.Time,
		})
		so.filled = so.order.Quantity
		so.avg = price
		so.status = model.OrderFilled

		dq := qty.Mul(so.order.Side.Sign())
		v.cash = v.cash.Sub(dq.Mul(price)).Sub(fee)
		pos := v.positions[e.Asset].Add(dq)
		if pos.IsZero() {
			delete(v.positions, e.Asset)
		} else {
			v.positions[e.Asset] = pos
		}

		v.logger.Infof("Sim ORDER FILLED: %s %s %s %s @ %s. Fee: %s", id, e.Asset, so.order.Side, qty, price, fee)
	}
	v.resting = remaining
	v.mu.Unlock()

	if v.notify != nil && len(fills) > 0 {
		v.publish(fills)
	}
	return fills
}

// publish 把成交放入待推送队列并唤醒 StreamFills
func (v *SimVenue) publish(fills []model.Fill) {
	v.outMu.Lock()
	v.outbox = append(v.outbox, fills...)
	backlog := len(v.outbox)
	v.outMu.Unlock()
	if backlog > fillBacklogWarn {
		v.logger.Warnf("Fill stream backlog at %d fills, consumer is falling behind", backlog)
	}
	select {
	case v.notify <- struct{}{}:
	default:
	}
}

// requeue 消费方提前退出时，把没有送出的成交放回队首
func (v *SimVenue) requeue(rest []model.Fill) {
	if len(rest) == 0 {
		return
	}
	v.outMu.Lock()
	v.outbox = append(append([]model.Fill(nil), rest...), v.outbox...)
	v.outMu.Unlock()
}

// Account 模拟经纪商账户的现金和持仓
func (v *SimVenue) Account(ctx context.Context) (decimal.Decimal, map[string]decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	positions := make(map[string]decimal.Decimal, len(v.positions))
	for asset, q := range v.positions {
		positions[asset] = q
	}
	return v.cash, positions, nil
}

// Resting 等待撮合的订单 ID (按提交顺序)
func (v *SimVenue) Resting() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := append([]string(nil), v.resting...)
	return out
}
