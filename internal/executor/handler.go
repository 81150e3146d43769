package executor

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/fbcalderaro/cqf-final-project/internal/model"
	"github.com/fbcalderaro/cqf-final-project/internal/service"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var (
	ErrUnknownOrder      = errors.New("fill for unknown order")
	ErrOrderTerminal     = errors.New("order already in terminal state")
	ErrOverfill          = errors.New("fill exceeds remaining quantity")
	ErrRetriesExhausted  = errors.New("submission retries exhausted")
	ErrIllegalTransition = errors.New("illegal order state transition")
	ErrEmptyIntent       = errors.New("order intent has zero quantity")
)

var orderNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("trading-engine/order-intent"))

// OrderKey 订单幂等键: 同一个 (strategy, asset, seq) 总是得到同一个 ID，
// 重试提交不会在场所产生重复订单
func OrderKey(strategyID, asset string, seq uint64) string {
	return uuid.NewSHA1(orderNamespace, fmt.Appendf(nil, "%s|%s|%d", strategyID, asset, seq)).String()
}

// Option 配置 Handler
type Option func(*Handler)

// WithSleep 替换重试等待函数 (测试用)
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(h *Handler) { h.sleep = fn }
}

// WithoutRateLimit 关闭提交速率限制 (回测使用模拟时间)
func WithoutRateLimit() Option {
	return func(h *Handler) { h.limiter = rate.NewLimiter(rate.Inf, 0) }
}

// Handler 把订单指令转换为场所订单，维护订单状态机，并把成交按到达顺序交给账本。
type Handler struct {
	cfg     service.ExecutionConfig
	venue   Venue
	ledger  Ledger
	logger  *zap.Logger
	backoff service.Backoff
	sleep   func(context.Context, time.Duration) error
	limiter *rate.Limiter

	mu     sync.Mutex
	orders map[string]*model.Order

	fillMu sync.Mutex // 成交按到达顺序串行入账

	queues  []chan model.OrderIntent
	pending sync.WaitGroup
}

func NewHandler(cfg service.ExecutionConfig, venue Venue, ledger Ledger, logger *zap.Logger, opts ...Option) *Handler {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 5 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	// 令牌桶容量为 1: 提交均匀间隔，任意一个窗口内最多 RateLimit 次
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 && cfg.RateWindow > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.RateWindow/time.Duration(cfg.RateLimit)), 1)
	}

	h := &Handler{
		cfg:     cfg,
		venue:   venue,
		ledger:  ledger,
		logger:  logger,
		backoff: service.Backoff{Min: cfg.RetryBaseDelay, Max: cfg.RetryMaxDelay, Factor: 2},
		sleep:   service.Sleep,
		limiter: limiter,
		orders:  make(map[string]*model.Order),
	}
	for i := 0; i < cfg.Workers; i++ {
		h.queues = append(h.queues, make(chan model.OrderIntent, cfg.QueueSize))
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ---- 状态机 ----

// transition 在持锁状态下迁移订单状态
func (h *Handler) transition(o *model.Order, to model.OrderStatus) error {
	if !o.Status.CanTransition(to) {
		return fmt.Errorf("order %s %s -> %s: %w", o.ID, o.Status, to, ErrIllegalTransition)
	}
	if to == model.OrderFilled && o.Remaining().IsPositive() {
		return fmt.Errorf("order %s FILLED with %s remaining: %w", o.ID, o.Remaining(), ErrIllegalTransition)
	}
	o.Status = to
	return nil
}

func (h *Handler) fault(strategyID string, t time.Time, msg string) {
	h.logger.Error("Execution fault", zap.String("fault", "execution"), zap.String("strategy", strategyID), zap.String("detail", msg))
	if h.ledger != nil {
		h.ledger.Report(model.Diagnostic{Time: t, StrategyID: strategyID, Kind: model.DiagExecutionFault, Message: msg})
	}
}

// ---- 提交 ----

// Submit 同步提交一个指令，直到场所确认、拒绝或重试耗尽。
// 重复提交同一指令返回已有订单，不会再次发送。
func (h *Handler) Submit(ctx context.Context, intent model.OrderIntent) (model.Order, error) {
	if intent.QuantityDelta.IsZero() {
		return model.Order{}, ErrEmptyIntent
	}
	key := OrderKey(intent.StrategyID, intent.Asset, intent.Seq)

	h.mu.Lock()
	if existing, ok := h.orders[key]; ok {
		cp := *existing
		h.mu.Unlock()
		h.logger.Debug("Duplicate intent ignored", zap.String("order_id", key))
		return cp, nil
	}
	o := &model.Order{
		ID:         key,
		IntentSeq:  intent.Seq,
		StrategyID: intent.StrategyID,
		Asset:      intent.Asset,
		Side:       intent.Side(),
		Quantity:   intent.QuantityDelta.Abs(),
		Status:     model.OrderCreated,
		Reason:     intent.Reason,
		CreatedAt:  intent.Time,
		UpdatedAt:  intent.Time,
	}
	h.orders[key] = o
	h.mu.Unlock()

	log := h.logger.With(zap.String("order_id", key), zap.String("strategy", intent.StrategyID))
	log.Info("Submitting order", zap.Stringer("intent", intent))

	var lastErr error
	rounded := false
	for attempt := 1; attempt <= h.cfg.MaxRetries; attempt++ {
		if err := h.limiter.Wait(ctx); err != nil {
			return h.abandon(o, err)
		}

		// 重试前先按幂等键查询，场所已经收到就不再重发
		if attempt > 1 {
			rep, err := h.poll(ctx, key)
			if err == nil {
				log.Info("Order found at venue, skipping resubmission", zap.Int("attempt", attempt))
				return h.applyReport(o, rep)
			}
			if !errors.Is(err, ErrOrderNotFound) {
				lastErr = err
				log.Warn("Order status poll failed", zap.String("fault", "execution"), zap.Int("attempt", attempt), zap.Error(err))
				if ctx.Err() != nil {
					return h.abandon(o, ctx.Err())
				}
				if attempt < h.cfg.MaxRetries {
					if err := h.sleep(ctx, h.backoff.Next(attempt)); err != nil {
						return h.abandon(o, err)
					}
				}
				continue
			}
		}

		if !rounded {
			if err := h.round(ctx, o); err != nil {
				if errors.Is(err, ErrOrderRejected) {
					return h.reject(o, err.Error()), err
				}
				if ctx.Err() != nil {
					return h.abandon(o, ctx.Err())
				}
				lastErr = err
				log.Warn("Quantity precision lookup failed", zap.String("fault", "execution"), zap.Int("attempt", attempt), zap.Error(err))
				if attempt < h.cfg.MaxRetries {
					if err := h.sleep(ctx, h.backoff.Next(attempt)); err != nil {
						return h.abandon(o, err)
					}
				}
				continue
			}
			rounded = true
		}

		sent, err := h.markSent(o)
		if err != nil {
			return sent, err
		}
		sctx, cancel := context.WithTimeout(ctx, h.cfg.SubmitTimeout)
		rep, err := h.venue.SubmitOrder(sctx, sent)
		cancel()
		if err == nil {
			return h.applyReport(o, rep)
		}
		if errors.Is(err, ErrOrderRejected) {
			return h.reject(o, err.Error()), err
		}
		if ctx.Err() != nil {
			return h.abandon(o, ctx.Err())
		}
		lastErr = err
		log.Warn("Order submission failed",
			zap.String("fault", "execution"),
			zap.Int("attempt", attempt),
			zap.Int("max_retries", h.cfg.MaxRetries),
			zap.Error(err),
		)
		if attempt < h.cfg.MaxRetries {
			if err := h.sleep(ctx, h.backoff.Next(attempt)); err != nil {
				return h.abandon(o, err)
			}
		}
	}

	// 确认丢失的订单可能仍在场所，尽力撤销
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.cfg.SubmitTimeout)
	if err := h.venue.CancelOrder(cctx, key); err != nil && !errors.Is(err, ErrOrderNotFound) {
		log.Warn("Best-effort cancel after exhausted retries failed", zap.Error(err))
	}
	cancel()

	reason := fmt.Sprintf("%d submission attempts failed: %v", h.cfg.MaxRetries, lastErr)
	return h.reject(o, reason), fmt.Errorf("order %s: %w: %w", key, ErrRetriesExhausted, lastErr)
}

// round 按场所的数量精度截断订单数量，之后订单数量就是实际发送的数量
func (h *Handler) round(ctx context.Context, o *model.Order) error {
	r, ok := h.venue.(QuantityRounder)
	if !ok {
		return nil
	}
	h.mu.Lock()
	qty := o.Quantity
	h.mu.Unlock()

	rctx, cancel := context.WithTimeout(ctx, h.cfg.SubmitTimeout)
	defer cancel()
	rounded, err := r.RoundQuantity(rctx, o.Asset, qty)
	if err != nil {
		return err
	}
	if rounded.Equal(qty) {
		return nil
	}
	h.mu.Lock()
	o.Quantity = rounded
	h.mu.Unlock()
	h.logger.Debug("Order quantity rounded to venue precision", zap.String("order_id", o.ID),
		zap.String("requested", qty.String()), zap.String("quantity", rounded.String()))
	return nil
}

func (h *Handler) poll(ctx context.Context, id string) (model.VenueReport, error) {
	pctx, cancel := context.WithTimeout(ctx, h.cfg.SubmitTimeout)
	defer cancel()
	return h.venue.PollStatus(pctx, id)
}

// markSent 发送前进入 SUBMITTED: 此后超时都按 "可能已送达" 处理
func (h *Handler) markSent(o *model.Order) (model.Order, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.transition(o, model.OrderSubmitted); err != nil {
		return *o, err
	}
	o.Attempts++
	return *o, nil
}

// applyReport 按场所回报推进状态。成交数量只由成交回报修改。
func (h *Handler) applyReport(o *model.Order, rep model.VenueReport) (model.Order, error) {
	h.mu.Lock()
	if rep.VenueOrderID != "" {
		o.VenueOrderID = rep.VenueOrderID
	}
	switch rep.Status {
	case model.OrderCancelled, model.OrderRejected:
		if o.Status.IsTerminal() {
			cp := *o
			h.mu.Unlock()
			return cp, nil
		}
		if err := h.transition(o, rep.Status); err != nil {
			cp := *o
			h.mu.Unlock()
			h.logger.Warn("Ignoring venue report", zap.Error(err))
			return cp, nil
		}
		o.Reason = rep.Reason
		cp := *o
		h.mu.Unlock()
		h.ledger.Release(cp)
		if rep.Status == model.OrderRejected {
			h.fault(cp.StrategyID, cp.UpdatedAt, fmt.Sprintf("order %s rejected: %s", cp.ID, rep.Reason))
			return cp, fmt.Errorf("order %s: %w: %s", cp.ID, ErrOrderRejected, rep.Reason)
		}
		h.logger.Info("Order cancelled by venue", zap.String("order_id", cp.ID), zap.String("reason", rep.Reason))
		return cp, nil
	case model.OrderFilled:
		if o.Status.IsTerminal() {
			cp := *o
			h.mu.Unlock()
			return cp, nil
		}
		// 场所按自己的精度成交完毕: 以场所成交量为准，余下部分不会再成交
		if rep.Filled.IsPositive() && rep.Filled.LessThan(o.Quantity) && rep.Filled.GreaterThanOrEqual(o.Filled) {
			h.logger.Warn("Venue filled less than ordered, adopting venue quantity", zap.String("order_id", o.ID),
				zap.String("quantity", o.Quantity.String()), zap.String("venue_filled", rep.Filled.String()))
			o.Quantity = rep.Filled
		}
		if o.Status == model.OrderCreated {
			_ = h.transition(o, model.OrderSubmitted)
		}
		if o.Remaining().IsPositive() {
			// 成交回报还在路上，由 OnFill 推进到 FILLED
			cp := *o
			h.mu.Unlock()
			return cp, nil
		}
		_ = h.transition(o, model.OrderFilled)
		cp := *o
		h.mu.Unlock()
		h.ledger.Release(cp)
		h.logger.Info("Order filled at venue quantity", zap.String("order_id", cp.ID), zap.String("quantity", cp.Quantity.String()))
		return cp, nil
	default:
		if o.Status == model.OrderCreated {
			_ = h.transition(o, model.OrderSubmitted)
		}
		cp := *o
		h.mu.Unlock()
		h.logger.Debug("Order acknowledged", zap.String("order_id", cp.ID), zap.String("venue_order_id", cp.VenueOrderID))
		return cp, nil
	}
}

// reject 把订单置为 REJECTED，释放预留，意图中的仓位变化不会发生
func (h *Handler) reject(o *model.Order, reason string) model.Order {
	h.mu.Lock()
	if err := h.transition(o, model.OrderRejected); err != nil {
		cp := *o
		h.mu.Unlock()
		h.logger.Warn("Cannot reject order", zap.Error(err))
		return cp
	}
	o.Reason = reason
	cp := *o
	h.mu.Unlock()

	h.ledger.Release(cp)
	h.fault(cp.StrategyID, cp.UpdatedAt, fmt.Sprintf("order %s rejected: %s", cp.ID, reason))
	return cp
}

// abandon 调用方取消。从未发送的订单直接撤销，已发送的留给 Drain 确认
func (h *Handler) abandon(o *model.Order, err error) (model.Order, error) {
	h.mu.Lock()
	if o.Status == model.OrderCreated {
		_ = h.transition(o, model.OrderCancelled)
		o.Reason = err.Error()
		cp := *o
		h.mu.Unlock()
		h.ledger.Release(cp)
		return cp, err
	}
	cp := *o
	h.mu.Unlock()
	return cp, err
}

// ---- 成交 ----

// OnFill 按到达顺序处理成交。未知订单、终态订单、超额成交都被拒绝并记录诊断。
func (h *Handler) OnFill(fill model.Fill) (model.Trade, error) {
	h.fillMu.Lock()
	defer h.fillMu.Unlock()

	h.mu.Lock()
	o, ok := h.orders[fill.OrderID]
	var err error
	switch {
	case !ok:
		err = fmt.Errorf("%w: %s", ErrUnknownOrder, fill.OrderID)
	case o.Status.IsTerminal():
		err = fmt.Errorf("order %s is %s: %w", o.ID, o.Status, ErrOrderTerminal)
	case !fill.Quantity.IsPositive():
		err = fmt.Errorf("order %s: non-positive fill quantity %s", o.ID, fill.Quantity)
	case fill.Quantity.GreaterThan(o.Remaining()):
		err = fmt.Errorf("order %s: fill %s > remaining %s: %w", o.ID, fill.Quantity, o.Remaining(), ErrOverfill)
	}
	if err != nil {
		strategyID := ""
		if ok {
			strategyID = o.StrategyID
		}
		h.mu.Unlock()
		h.fault(strategyID, fill.Time, err.Error())
		return model.Trade{}, err
	}

	value := o.AvgFillPrice.Mul(o.Filled).Add(fill.Price.Mul(fill.Quantity))
	o.Filled = o.Filled.Add(fill.Quantity)
	o.AvgFillPrice = value.Div(o.Filled)
	o.Fees = o.Fees.Add(fill.Fee)
	next := model.OrderPartiallyFilled
	if o.Remaining().IsZero() {
		next = model.OrderFilled
	}
	if err := h.transition(o, next); err != nil {
		h.logger.Error("Order state machine violated", zap.Error(err))
	}
	if fill.Time.After(o.UpdatedAt) {
		o.UpdatedAt = fill.Time
	}
	cp := *o
	h.mu.Unlock()

	trade, err := h.ledger.OnFill(cp, fill)
	if err != nil {
		h.logger.Error("Fill reconciliation reported an error", zap.String("order_id", cp.ID), zap.Error(err))
	}
	if cp.Status == model.OrderFilled {
		// 数量被截断过的指令还留有预留，订单结束时一并释放
		h.ledger.Release(cp)
		h.logger.Info("Order filled", zap.String("order_id", cp.ID), zap.String("strategy", cp.StrategyID),
			zap.String("avg_price", cp.AvgFillPrice.String()), zap.String("fees", cp.Fees.String()))
	}
	return trade, err
}

// PumpFills 消费场所的成交流直到流结束或 ctx 取消
func (h *Handler) PumpFills(ctx context.Context) error {
	for fill, err := range h.venue.StreamFills(ctx) {
		if err != nil {
			return err
		}
		if _, err := h.OnFill(fill); err != nil && !errors.Is(err, ErrUnknownOrder) {
			h.logger.Warn("Fill not applied cleanly", zap.String("order_id", fill.OrderID), zap.Error(err))
		}
	}
	return ctx.Err()
}

// ---- 队列与工作池 ----

func (h *Handler) queueFor(strategyID string) chan model.OrderIntent {
	f := fnv.New32a()
	_, _ = f.Write([]byte(strategyID))
	return h.queues[int(f.Sum32()%uint32(len(h.queues)))]
}

// Enqueue 把指令放入提交队列。同一策略的指令进入同一个 worker，保持顺序。
// 队列满时阻塞等待 (背压)，不会丢弃。
func (h *Handler) Enqueue(ctx context.Context, intent model.OrderIntent) error {
	h.pending.Add(1)
	select {
	case h.queueFor(intent.StrategyID) <- intent:
		return nil
	case <-ctx.Done():
		h.releaseIntent(intent)
		h.pending.Done()
		return ctx.Err()
	}
}

// Run 启动提交工作池，直到 ctx 取消。退出时仍在队列中的指令被撤销并释放预留。
func (h *Handler) Run(ctx context.Context) error {
	h.logger.Info("Execution workers started", zap.Int("workers", len(h.queues)), zap.Int("rate_limit", h.cfg.RateLimit))
	g, gctx := errgroup.WithContext(ctx)
	for _, q := range h.queues {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case intent := <-q:
					if _, err := h.Submit(gctx, intent); err != nil {
						h.logger.Warn("Intent not executed", zap.String("strategy", intent.StrategyID), zap.Error(err))
					}
					h.pending.Done()
				}
			}
		})
	}
	err := g.Wait()
	h.discardQueued()
	return err
}

func (h *Handler) discardQueued() {
	for _, q := range h.queues {
		h.discardFrom(q)
	}
}

func (h *Handler) discardFrom(q chan model.OrderIntent) {
	for {
		select {
		case intent := <-q:
			h.logger.Warn("Discarding queued intent at shutdown", zap.Stringer("intent", intent))
			h.releaseIntent(intent)
			h.pending.Done()
		default:
			return
		}
	}
}

// releaseIntent 未提交的指令不会产生订单，直接释放账本中的预留
func (h *Handler) releaseIntent(intent model.OrderIntent) {
	h.ledger.Release(model.Order{
		ID:         OrderKey(intent.StrategyID, intent.Asset, intent.Seq),
		IntentSeq:  intent.Seq,
		StrategyID: intent.StrategyID,
		Asset:      intent.Asset,
		Status:     model.OrderCancelled,
	})
}

// Flush 等待队列中和正在提交的指令处理完
func (h *Handler) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ---- 关闭 ----

// Drain 轮询未完成订单直到全部进入终态；ctx 到期后撤销剩余订单
func (h *Handler) Drain(ctx context.Context) error {
	for {
		open := h.OpenOrders()
		if len(open) == 0 {
			return nil
		}
		h.logger.Info("Waiting for in-flight orders", zap.Int("open", len(open)))
		for _, o := range open {
			rep, err := h.poll(ctx, o.ID)
			if err != nil {
				continue
			}
			h.mu.Lock()
			ptr := h.orders[o.ID]
			h.mu.Unlock()
			_, _ = h.applyReport(ptr, rep)
		}
		if len(h.OpenOrders()) == 0 {
			return nil
		}
		if err := h.sleep(ctx, h.cfg.PollInterval); err != nil {
			break
		}
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.cfg.SubmitTimeout)
	defer cancel()
	return h.CancelOpen(cctx, "shutdown")
}

// CancelOpen 撤销全部未完成订单，释放对应预留
func (h *Handler) CancelOpen(ctx context.Context, reason string) error {
	var errs error
	for _, o := range h.OpenOrders() {
		err := h.venue.CancelOrder(ctx, o.ID)
		switch {
		case errors.Is(err, ErrOrderTerminal):
			if err := h.settle(ctx, o.ID); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("settle %s: %w", o.ID, err))
			}
			continue
		case err != nil && !errors.Is(err, ErrOrderNotFound):
			errs = multierr.Append(errs, fmt.Errorf("cancel %s: %w", o.ID, err))
			continue
		}
		h.mu.Lock()
		ptr := h.orders[o.ID]
		if ptr.Status.IsTerminal() {
			h.mu.Unlock()
			continue
		}
		_ = h.transition(ptr, model.OrderCancelled)
		ptr.Reason = reason
		cp := *ptr
		h.mu.Unlock()
		h.logger.Info("Order cancelled", zap.String("order_id", cp.ID), zap.String("reason", reason),
			zap.String("filled", cp.Filled.String()), zap.String("quantity", cp.Quantity.String()))
		h.ledger.Release(cp)
	}
	return errs
}

// settle 撤单时场所已是终态: 查询场所回报，补记成交流还没送达的数量，然后结束订单
func (h *Handler) settle(ctx context.Context, id string) error {
	rep, err := h.poll(ctx, id)
	if err != nil {
		return err
	}
	if !rep.Status.IsTerminal() {
		return fmt.Errorf("venue refused cancel but reports %s", rep.Status)
	}

	h.mu.Lock()
	ptr := h.orders[id]
	missing := rep.Filled.Sub(ptr.Filled)
	value := rep.AvgFillPrice.Mul(rep.Filled).Sub(ptr.AvgFillPrice.Mul(ptr.Filled))
	at := ptr.UpdatedAt
	h.mu.Unlock()

	if missing.IsPositive() && value.IsPositive() {
		h.logger.Warn("Booking venue execution missing from fill stream", zap.String("order_id", id),
			zap.String("quantity", missing.String()))
		fill := model.Fill{ID: id + "-settled", OrderID: id, Quantity: missing, Price: value.Div(missing), Time: at}
		if _, err := h.OnFill(fill); err != nil && !errors.Is(err, ErrOrderTerminal) {
			return err
		}
	}
	h.mu.Lock()
	ptr = h.orders[id]
	h.mu.Unlock()
	_, err = h.applyReport(ptr, rep)
	if errors.Is(err, ErrOrderRejected) {
		return nil
	}
	return err
}

// ---- 查询 ----

func sortOrders(out []model.Order) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
}

// OpenOrders 未进入终态的订单
func (h *Handler) OpenOrders() []model.Order {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []model.Order
	for _, o := range h.orders {
		if !o.Status.IsTerminal() {
			out = append(out, *o)
		}
	}
	sortOrders(out)
	return out
}

// Orders 全部订单
func (h *Handler) Orders() []model.Order {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]model.Order, 0, len(h.orders))
	for _, o := range h.orders {
		out = append(out, *o)
	}
	sortOrders(out)
	return out
}

// Order 按幂等键查询
func (h *Handler) Order(id string) (model.Order, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	o, ok := h.orders[id]
	if !ok {
		return model.Order{}, false
	}
	return *o, true
}
