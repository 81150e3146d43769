// Package portfolio 资金账本: 策略资金分配、现金、持仓、盈亏。
// 所有资金预留和成交对账都在同一把锁内串行完成。
package portfolio

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fbcalderaro/cqf-final-project/internal/model"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrAllocationExceeded  = errors.New("total capital allocation exceeds 100%")
	ErrUnknownStrategy     = errors.New("unknown strategy")
	ErrAlreadyActive       = errors.New("strategy already active")
	ErrStrategyInactive    = errors.New("strategy is not active")
	ErrStrategyHalted      = errors.New("strategy is halted")
	ErrInvalidPrice        = errors.New("no valid price")
	ErrInvalidFill         = errors.New("invalid fill")
	ErrInvariantViolation  = errors.New("equity invariant violated")
	ErrInvalidAllocation   = errors.New("capital_pct must be in (0, 100]")
	ErrUnknownDeactivation = errors.New("unknown deactivation policy")
	ErrInsufficientCash    = errors.New("not enough free cash")
)

// Policy 策略停用时对未平仓位的处理方式
type Policy string

const (
	PolicyHold      Policy = "hold"      // 保留持仓 (孤儿仓位)，不再产生新指令
	PolicyLiquidate Policy = "liquidate" // 生成平仓指令
)

var hundred = decimal.NewFromInt(100)

// Activation 策略激活参数
type Activation struct {
	StrategyID string
	Asset      string
	CapitalPct float64
	AllowShort bool
}

// Options 账本初始化参数
type Options struct {
	InitialCash    decimal.Decimal
	QuantityPlaces int32 // 下单数量保留的小数位
	MaxDiagnostics int
}

// pendingIntent 已发出但尚未结束的指令
type pendingIntent struct {
	delta    decimal.Decimal // 剩余未成交的带符号数量
	reserved decimal.Decimal // 剩余预留资金
}

// account 单个策略的虚拟子账户
type account struct {
	id         string
	asset      string
	pct        decimal.Decimal
	allowShort bool
	active     bool
	halted     bool
	haltReason string

	cash     decimal.Decimal
	pos      holding
	realized decimal.Decimal
	fees     decimal.Decimal

	seq     uint64
	pending map[uint64]*pendingIntent
}

func (a *account) reserved() decimal.Decimal {
	total := decimal.Zero
	for _, p := range a.pending {
		total = total.Add(p.reserved)
	}
	return total
}

func (a *account) pendingQty() decimal.Decimal {
	total := decimal.Zero
	for _, p := range a.pending {
		total = total.Add(p.delta)
	}
	return total
}

// Manager 是主账户账本，所有方法并发安全
type Manager struct {
	mu     sync.Mutex
	logger *zap.Logger

	qtyPlaces  int32
	maxDiags   int
	masterCash decimal.Decimal
	master     map[string]*holding // 主账户按交易对汇总的持仓
	marks      map[string]decimal.Decimal
	clock      time.Time

	accounts map[string]*account
	trades   []model.Trade
	diags    []model.Diagnostic
	alerts   []model.Diagnostic
}

func NewManager(opts Options, logger *zap.Logger) *Manager {
	if opts.QuantityPlaces <= 0 {
		opts.QuantityPlaces = 8
	}
	if opts.MaxDiagnostics <= 0 {
		opts.MaxDiagnostics = 10000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logger:     logger,
		qtyPlaces:  opts.QuantityPlaces,
		maxDiags:   opts.MaxDiagnostics,
		masterCash: opts.InitialCash,
		master:     make(map[string]*holding),
		marks:      make(map[string]decimal.Decimal),
		accounts:   make(map[string]*account),
	}
}

// ---- 资金分配 ----

func (m *Manager) activePctLocked(exclude string) decimal.Decimal {
	total := decimal.Zero
	for id, a := range m.accounts {
		if a.active && id != exclude {
			total = total.Add(a.pct)
		}
	}
	return total
}

// Activate 激活策略并从未分配资金中划出 capital_pct x 主账户权益。
// 激活后总比例超过 100% 时拒绝，账本不做任何改动。
func (m *Manager) Activate(act Activation) error {
	if act.CapitalPct <= 0 || act.CapitalPct > 100 {
		return fmt.Errorf("%s: %w", act.StrategyID, ErrInvalidAllocation)
	}
	pct := decimal.NewFromFloat(act.CapitalPct)

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.accounts[act.StrategyID]
	if ok && existing.active {
		return fmt.Errorf("%s: %w", act.StrategyID, ErrAlreadyActive)
	}
	if ok && existing.asset != act.Asset {
		return fmt.Errorf("%s still holds %s, cannot reactivate on %s", act.StrategyID, existing.asset, act.Asset)
	}
	if total := m.activePctLocked(act.StrategyID).Add(pct); total.GreaterThan(hundred) {
		return fmt.Errorf("activating %s brings allocation to %s%%: %w", act.StrategyID, total.String(), ErrAllocationExceeded)
	}

	if ok {
		// 重新激活一个尚未解散的孤儿账户，现金不再重新划拨
		existing.active = true
		existing.pct = pct
		existing.allowShort = act.AllowShort
		m.logger.Info("Strategy reactivated", zap.String("strategy", act.StrategyID), zap.String("capital_pct", pct.String()))
		return nil
	}

	cash := pct.Mul(m.equityLocked()).Div(hundred)
	if unalloc := m.unallocatedLocked(); cash.GreaterThan(unalloc) {
		cash = decimal.Max(unalloc, decimal.Zero)
	}
	m.accounts[act.StrategyID] = &account{
		id:         act.StrategyID,
		asset:      act.Asset,
		pct:        pct,
		allowShort: act.AllowShort,
		active:     true,
		cash:       cash,
		pending:    make(map[uint64]*pendingIntent),
	}
	m.logger.Info("Strategy activated",
		zap.String("strategy", act.StrategyID),
		zap.String("asset", act.Asset),
		zap.String("capital_pct", pct.String()),
		zap.String("initial_equity", cash.StringFixed(2)),
	)
	return nil
}

// Deactivate 停用策略。分配不会立即解散: liquidate 返回平仓指令，
// hold 保留持仓。账户在持仓为零且没有未完成指令时解散，现金回到未分配资金。
func (m *Manager) Deactivate(id string, policy Policy) ([]model.OrderIntent, error) {
	if policy != PolicyHold && policy != PolicyLiquidate {
		return nil, fmt.Errorf("%q: %w", policy, ErrUnknownDeactivation)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrUnknownStrategy)
	}
	if !a.active {
		return nil, fmt.Errorf("%s: %w", id, ErrStrategyInactive)
	}
	a.active = false
	m.logger.Info("Strategy deactivated", zap.String("strategy", id), zap.String("policy", string(policy)),
		zap.String("position", a.pos.qty.String()))

	var intents []model.OrderIntent
	if policy == PolicyLiquidate {
		effective := a.pos.qty.Add(a.pendingQty())
		if !effective.IsZero() {
			intents = append(intents, m.newIntentLocked(a, effective.Neg(), decimal.Zero, m.marks[a.asset], m.clock, "liquidation"))
		}
	}
	m.maybeDissolveLocked(a)
	return intents, nil
}

// Rebalance 调整一组激活策略的资金比例，整体生效或整体拒绝。
// 新总和超过 100%、增加的资金超过未分配现金、或减少的资金超过策略的空闲现金时拒绝。
func (m *Manager) Rebalance(pcts map[string]float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	newPct := make(map[string]decimal.Decimal, len(pcts))
	for id, p := range pcts {
		a, ok := m.accounts[id]
		if !ok {
			return fmt.Errorf("%s: %w", id, ErrUnknownStrategy)
		}
		if !a.active {
			return fmt.Errorf("%s: %w", id, ErrStrategyInactive)
		}
		if p <= 0 || p > 100 {
			return fmt.Errorf("%s: %w", id, ErrInvalidAllocation)
		}
		newPct[id] = decimal.NewFromFloat(p)
	}
	total := decimal.Zero
	for id, a := range m.accounts {
		if !a.active {
			continue
		}
		if p, ok := newPct[id]; ok {
			total = total.Add(p)
		} else {
			total = total.Add(a.pct)
		}
	}
	if total.GreaterThan(hundred) {
		return fmt.Errorf("rebalance brings allocation to %s%%: %w", total.String(), ErrAllocationExceeded)
	}

	equity := m.equityLocked()
	ids := make([]string, 0, len(newPct))
	for id := range newPct {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	shifts := make(map[string]decimal.Decimal, len(ids))
	unalloc := m.unallocatedLocked()
	for _, id := range ids {
		a := m.accounts[id]
		shift := newPct[id].Sub(a.pct).Mul(equity).Div(hundred)
		if free := a.cash.Sub(a.reserved()); shift.IsNegative() && free.Add(shift).IsNegative() {
			return fmt.Errorf("%s: withdrawing %s with %s free: %w", id, shift.Neg().StringFixed(2), free.StringFixed(2), ErrInsufficientCash)
		}
		shifts[id] = shift
		unalloc = unalloc.Sub(shift)
	}
	if unalloc.IsNegative() {
		return fmt.Errorf("rebalance needs %s more than unallocated cash: %w", unalloc.Neg().StringFixed(2), ErrInsufficientCash)
	}

	for _, id := range ids {
		a := m.accounts[id]
		shift := shifts[id]
		a.cash = a.cash.Add(shift)
		a.pct = newPct[id]
		m.logger.Info("Allocation rebalanced", zap.String("strategy", id),
			zap.String("capital_pct", a.pct.String()), zap.String("cash_shift", shift.StringFixed(2)))
	}
	return nil
}

// Halt 停止策略产生新指令 (已在途的成交仍会入账)
func (m *Manager) Halt(id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrUnknownStrategy)
	}
	m.haltLocked(a, model.DiagInvariantViolation, reason)
	return nil
}

func (m *Manager) haltLocked(a *account, kind model.DiagnosticKind, reason string) {
	if a.halted {
		return
	}
	a.halted = true
	a.haltReason = reason
	m.logger.Error("Strategy halted", zap.String("strategy", a.id), zap.String("fault", faultName(kind)), zap.String("reason", reason))
	m.recordLocked(model.Diagnostic{Time: m.clock, StrategyID: a.id, Kind: kind, Message: "strategy halted: " + reason}, true)
}

func (m *Manager) maybeDissolveLocked(a *account) {
	if a.active || !a.pos.qty.IsZero() || len(a.pending) > 0 {
		return
	}
	delete(m.accounts, a.id)
	m.logger.Info("Allocation dissolved", zap.String("strategy", a.id),
		zap.String("returned_cash", a.cash.StringFixed(2)), zap.String("realized_pnl", a.realized.StringFixed(2)))
}

// ---- 行情 ----

// Mark 用事件收盘价更新标记价格，并把账本时钟推进到收盘时间 (不使用系统时间)
func (m *Manager) Mark(e model.MarketEvent) {
	price := e.ClosePrice()
	if !price.IsPositive() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marks[e.Asset] = price
	if t := e.CloseTime(); t.After(m.clock) {
		m.clock = t
	}
}

// ---- 信号 -> 指令 ----

// OnSignal 把信号转换为受资金约束的订单指令。
// 目标敞口上限 = capital_pct x 主账户权益；超过时裁剪并记录 capital_constrained 诊断。
// 没有需要交易的数量时返回 (nil, nil)。
func (m *Manager) OnSignal(sig model.Signal) (*model.OrderIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[sig.StrategyID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", sig.StrategyID, ErrUnknownStrategy)
	}
	if !a.active {
		return nil, fmt.Errorf("%s: %w", sig.StrategyID, ErrStrategyInactive)
	}
	if a.halted {
		return nil, fmt.Errorf("%s (%s): %w", sig.StrategyID, a.haltReason, ErrStrategyHalted)
	}
	if sig.Asset != a.asset {
		return nil, fmt.Errorf("signal for %s but %s trades %s", sig.Asset, sig.StrategyID, a.asset)
	}
	if sig.Direction == model.DirHold {
		return nil, nil
	}
	if sig.Time.After(m.clock) {
		m.clock = sig.Time
	}

	price := sig.Price
	if !price.IsPositive() {
		price = m.marks[a.asset]
	}
	if !price.IsPositive() {
		return nil, fmt.Errorf("%s %s: %w", sig.StrategyID, a.asset, ErrInvalidPrice)
	}

	dir := sig.Direction
	if dir == model.DirShort && !a.allowShort {
		dir = model.DirFlat
	}

	limit := a.pct.Mul(m.equityLocked()).Div(hundred)
	current := a.pos.qty.Add(a.pendingQty())

	target := decimal.Zero
	if dir == model.DirLong || dir == model.DirShort {
		desired := sig.Notional
		if !desired.IsPositive() {
			hint := sig.SizeHint
			if hint <= 0 || hint > 1 {
				hint = 1
			}
			desired = limit.Mul(decimal.NewFromFloat(hint))
		}
		notional := desired
		if desired.GreaterThan(limit) {
			notional = decimal.Max(limit, decimal.Zero)
			committed := current.Abs().Mul(price).Add(a.reserved())
			msg := fmt.Sprintf("requested notional %s clipped to %s (allocation %s%% of equity %s, committed %s)",
				desired.StringFixed(2), notional.StringFixed(2), a.pct.String(), m.equityLocked().StringFixed(2), committed.StringFixed(2))
			m.logger.Warn("Capital constrained", zap.String("fault", "capital"), zap.String("strategy", a.id), zap.String("detail", msg))
			m.recordLocked(model.Diagnostic{Time: sig.Time, StrategyID: a.id, Kind: model.DiagCapitalConstrained, Message: msg}, false)
		}
		target = notional.Div(price).Truncate(m.qtyPlaces)
		if dir == model.DirShort {
			target = target.Neg()
		}
	}

	delta := target.Sub(current).Truncate(m.qtyPlaces)
	if delta.IsZero() {
		return nil, nil
	}

	// 只为增加敞口的部分预留资金
	increase := decimal.Zero
	switch {
	case current.IsZero() || current.Sign() == target.Sign():
		increase = decimal.Max(target.Abs().Sub(current.Abs()), decimal.Zero)
	case !target.IsZero():
		increase = target.Abs()
	}
	reason := sig.Reason
	if reason == "" {
		reason = "signal"
	}
	intent := m.newIntentLocked(a, delta, increase.Mul(price), price, sig.Time, reason)
	return &intent, nil
}

func (m *Manager) newIntentLocked(a *account, delta, reserved, price decimal.Decimal, t time.Time, reason string) model.OrderIntent {
	a.seq++
	a.pending[a.seq] = &pendingIntent{delta: delta, reserved: reserved}
	intent := model.OrderIntent{
		Seq:           a.seq,
		StrategyID:    a.id,
		Asset:         a.asset,
		QuantityDelta: delta,
		MaxNotional:   delta.Abs().Mul(price),
		Reserved:      reserved,
		Price:         price,
		Time:          t,
		Reason:        reason,
	}
	m.logger.Debug("Order intent created", zap.Stringer("intent", intent))
	return intent
}

// ---- 成交对账 ----

// OnFill 按到达顺序把成交记入账本: 更新持仓 (加权平均成本)、现金、手续费、已实现盈亏，
// 释放对应的预留资金，然后检查权益不变量。
func (m *Manager) OnFill(order model.Order, fill model.Fill) (model.Trade, error) {
	if !fill.Quantity.IsPositive() || !fill.Price.IsPositive() || fill.Fee.IsNegative() {
		return model.Trade{}, fmt.Errorf("order %s: quantity %s price %s fee %s: %w",
			order.ID, fill.Quantity, fill.Price, fill.Fee, ErrInvalidFill)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[order.StrategyID]
	if !ok {
		return model.Trade{}, fmt.Errorf("fill for order %s: %s: %w", order.ID, order.StrategyID, ErrUnknownStrategy)
	}
	if order.Asset != a.asset {
		return model.Trade{}, fmt.Errorf("fill for order %s on %s, strategy trades %s: %w", order.ID, order.Asset, a.asset, ErrInvalidFill)
	}

	dq := fill.Quantity.Mul(order.Side.Sign())
	realized := a.pos.apply(dq, fill.Price)

	mh, ok := m.master[a.asset]
	if !ok {
		mh = &holding{}
		m.master[a.asset] = mh
	}
	mh.apply(dq, fill.Price)

	cost := dq.Mul(fill.Price).Add(fill.Fee)
	a.cash = a.cash.Sub(cost)
	m.masterCash = m.masterCash.Sub(cost)
	a.realized = a.realized.Add(realized)
	a.fees = a.fees.Add(fill.Fee)

	if _, ok := m.marks[a.asset]; !ok {
		m.marks[a.asset] = fill.Price
	}
	if fill.Time.After(m.clock) {
		m.clock = fill.Time
	}

	if p, ok := a.pending[order.IntentSeq]; ok {
		if consume(p, dq) {
			delete(a.pending, order.IntentSeq)
		}
	}

	trade := model.Trade{
		StrategyID:  a.id,
		OrderID:     order.ID,
		Asset:       a.asset,
		Side:        order.Side,
		Quantity:    fill.Quantity,
		Price:       fill.Price,
		Fee:         fill.Fee,
		RealizedPnL: realized,
		Time:        fill.Time,
	}
	m.trades = append(m.trades, trade)

	m.logger.Info("Fill reconciled",
		zap.String("strategy", a.id),
		zap.String("order_id", order.ID),
		zap.String("side", string(order.Side)),
		zap.String("quantity", fill.Quantity.String()),
		zap.String("price", fill.Price.String()),
		zap.String("position", a.pos.qty.String()),
		zap.String("cash", a.cash.StringFixed(2)),
	)

	err := m.checkInvariantLocked(a.id)
	m.maybeDissolveLocked(a)
	return trade, err
}

// consume 扣减剩余数量并按比例释放预留资金，指令全部成交时返回 true
func consume(p *pendingIntent, dq decimal.Decimal) bool {
	if p.delta.IsZero() || dq.Abs().GreaterThanOrEqual(p.delta.Abs()) {
		p.reserved = decimal.Zero
		p.delta = decimal.Zero
		return true
	}
	frac := dq.Abs().Div(p.delta.Abs())
	p.reserved = p.reserved.Sub(p.reserved.Mul(frac))
	p.delta = p.delta.Sub(dq)
	return false
}

// Release 订单在未完全成交时结束 (拒绝、撤销)，释放剩余预留，不改变持仓
func (m *Manager) Release(order model.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[order.StrategyID]
	if !ok {
		return
	}
	p, ok := a.pending[order.IntentSeq]
	if !ok {
		return
	}
	delete(a.pending, order.IntentSeq)
	m.logger.Info("Intent released without full fill",
		zap.String("strategy", a.id),
		zap.String("order_id", order.ID),
		zap.String("status", string(order.Status)),
		zap.String("unfilled", p.delta.String()),
		zap.String("released", p.reserved.StringFixed(2)),
	)
	m.maybeDissolveLocked(a)
}

// ---- 不变量与对账 ----

// CheckInvariant 校验 sum(策略权益) == 总权益 - 未分配现金，且主账户持仓等于各策略持仓之和
func (m *Manager) CheckInvariant() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkInvariantLocked("")
}

func (m *Manager) checkInvariantLocked(affected string) error {
	sumQty := make(map[string]decimal.Decimal)
	sumEquity := decimal.Zero
	for _, a := range m.accounts {
		sumQty[a.asset] = sumQty[a.asset].Add(a.pos.qty)
		sumEquity = sumEquity.Add(m.accountEquityLocked(a))
	}

	var drifted []string
	for asset, mh := range m.master {
		if !mh.qty.Equal(sumQty[asset]) {
			drifted = append(drifted, asset)
		}
	}
	for asset, q := range sumQty {
		if _, ok := m.master[asset]; !ok && !q.IsZero() {
			drifted = append(drifted, asset)
		}
	}
	sort.Strings(drifted)

	aggregate := m.equityLocked()
	expected := aggregate.Sub(m.unallocatedLocked())
	if len(drifted) == 0 && sumEquity.Equal(expected) {
		return nil
	}

	msg := fmt.Sprintf("sum of strategy equity %s != aggregate %s - unallocated %s (drifted assets %v)",
		sumEquity.String(), aggregate.String(), m.unallocatedLocked().String(), drifted)
	m.logger.Error("Equity invariant violated", zap.String("fault", "invariant"), zap.String("detail", msg))

	halted := 0
	for _, a := range m.accounts {
		for _, asset := range drifted {
			if a.asset == asset {
				m.haltLocked(a, model.DiagInvariantViolation, msg)
				halted++
			}
		}
	}
	if halted == 0 {
		if a, ok := m.accounts[affected]; ok {
			m.haltLocked(a, model.DiagInvariantViolation, msg)
		} else {
			m.recordLocked(model.Diagnostic{Time: m.clock, Kind: model.DiagInvariantViolation, Message: msg}, true)
		}
	}
	return fmt.Errorf("%s: %w", msg, ErrInvariantViolation)
}

// Reconcile 用交易所账户的实际现金和持仓覆盖主账户状态。
// 现金差异进入未分配资金；持仓差异会使交易该资产的策略被暂停。
func (m *Manager) Reconcile(cash decimal.Decimal, positions map[string]decimal.Decimal) []model.Diagnostic {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Info("Reconciling master portfolio state")
	var out []model.Diagnostic
	add := func(msg string) {
		d := model.Diagnostic{Time: m.clock, Kind: model.DiagInvariantViolation, Message: msg}
		m.recordLocked(d, true)
		out = append(out, d)
	}

	assets := make(map[string]struct{})
	for asset := range m.master {
		assets[asset] = struct{}{}
	}
	for asset := range positions {
		assets[asset] = struct{}{}
	}
	names := make([]string, 0, len(assets))
	for asset := range assets {
		names = append(names, asset)
	}
	sort.Strings(names)

	for _, asset := range names {
		actual := positions[asset]
		mh, ok := m.master[asset]
		if !ok {
			mh = &holding{}
			m.master[asset] = mh
		}
		if mh.qty.Equal(actual) {
			continue
		}
		m.logger.Warn("Position discrepancy found, forcing update",
			zap.String("asset", asset), zap.String("internal", mh.qty.String()), zap.String("actual", actual.String()))
		add(fmt.Sprintf("position drift on %s: internal %s, venue %s", asset, mh.qty, actual))
		mh.qty = actual
		if actual.IsZero() {
			mh.avg = decimal.Zero
		} else if mh.avg.IsZero() {
			mh.avg = m.marks[asset]
		}
	}

	if diff := m.masterCash.Sub(cash).Abs(); diff.GreaterThan(decimal.NewFromFloat(0.01)) {
		m.logger.Warn("Cash discrepancy found, forcing update",
			zap.String("internal", m.masterCash.StringFixed(2)), zap.String("actual", cash.StringFixed(2)))
		add(fmt.Sprintf("cash drift: internal %s, venue %s", m.masterCash.StringFixed(2), cash.StringFixed(2)))
		m.masterCash = cash
	}

	if len(out) == 0 {
		m.logger.Info("Master portfolio is in sync with the venue")
		return nil
	}
	_ = m.checkInvariantLocked("")
	return out
}

// ---- 诊断 ----

// Report 记录外部组件 (Runner、Execution Handler) 上报的诊断
func (m *Manager) Report(d model.Diagnostic) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.Time.IsZero() {
		d.Time = m.clock
	}
	alert := d.Kind == model.DiagInvariantViolation || d.Kind == model.DiagExecutionFault
	m.recordLocked(d, alert)
}

func (m *Manager) recordLocked(d model.Diagnostic, alert bool) {
	m.diags = append(m.diags, d)
	if len(m.diags) > m.maxDiags {
		m.diags = m.diags[len(m.diags)-m.maxDiags:]
	}
	if alert {
		m.alerts = append(m.alerts, d)
		if len(m.alerts) > 100 {
			m.alerts = m.alerts[len(m.alerts)-100:]
		}
	}
}

func faultName(kind model.DiagnosticKind) string {
	switch kind {
	case model.DiagDataFault:
		return "data"
	case model.DiagStrategyFault:
		return "strategy"
	case model.DiagCapitalConstrained:
		return "capital"
	case model.DiagExecutionFault:
		return "execution"
	default:
		return "invariant"
	}
}

// ---- 查询 ----

func (m *Manager) equityLocked() decimal.Decimal {
	equity := m.masterCash
	for asset, h := range m.master {
		equity = equity.Add(h.value(m.marks[asset]))
	}
	return equity
}

func (m *Manager) unallocatedLocked() decimal.Decimal {
	u := m.masterCash
	for _, a := range m.accounts {
		u = u.Sub(a.cash)
	}
	return u
}

func (m *Manager) accountEquityLocked(a *account) decimal.Decimal {
	return a.cash.Add(a.pos.value(m.marks[a.asset]))
}

// Equity 主账户总权益
func (m *Manager) Equity() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.equityLocked()
}

// Clock 账本时间 (最后一个事件或成交的时间)
func (m *Manager) Clock() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clock
}

// AllocatedPct 激活策略的资金比例总和
func (m *Manager) AllocatedPct() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activePctLocked("")
}

// Position 策略当前持仓
func (m *Manager) Position(id string) (model.Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return model.Position{}, false
	}
	return model.Position{StrategyID: id, Asset: a.asset, Quantity: a.pos.qty, AverageEntryPrice: a.pos.avg}, true
}

// Exposure 策略的有效敞口: 持仓加上未完成指令的数量。账户不存在时为零
func (m *Manager) Exposure(id string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return decimal.Zero
	}
	return a.pos.qty.Add(a.pendingQty())
}

// IsActive 策略是否激活且未暂停
func (m *Manager) IsActive(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	return ok && a.active && !a.halted
}

// Allocations 各策略的资金分配视图
func (m *Manager) Allocations() []model.Allocation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Allocation, 0, len(m.accounts))
	for _, a := range m.sortedLocked() {
		out = append(out, model.Allocation{
			StrategyID:    a.id,
			CapitalPct:    a.pct,
			ReservedCash:  a.reserved(),
			CurrentEquity: m.accountEquityLocked(a),
		})
	}
	return out
}

func (m *Manager) sortedLocked() []*account {
	out := make([]*account, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Snapshot 生成新的只读快照
func (m *Manager) Snapshot() model.PortfolioSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := model.PortfolioSnapshot{
		Time:            m.clock,
		AggregateEquity: m.equityLocked(),
		MasterCash:      m.masterCash,
		UnallocatedCash: m.unallocatedLocked(),
		Alerts:          append([]model.Diagnostic(nil), m.alerts...),
	}
	for _, a := range m.sortedLocked() {
		mark := m.marks[a.asset]
		snap.Strategies = append(snap.Strategies, model.StrategyEquity{
			StrategyID:    a.id,
			Asset:         a.asset,
			CapitalPct:    a.pct,
			Cash:          a.cash,
			Reserved:      a.reserved(),
			Equity:        m.accountEquityLocked(a),
			RealizedPnL:   a.realized,
			UnrealizedPnL: a.pos.unrealized(mark),
			Fees:          a.fees,
			Active:        a.active,
			Halted:        a.halted,
			HaltReason:    a.haltReason,
		})
		if !a.pos.qty.IsZero() {
			snap.Positions = append(snap.Positions, model.PositionView{
				StrategyID:        a.id,
				Asset:             a.asset,
				Quantity:          a.pos.qty,
				AverageEntryPrice: a.pos.avg,
				MarkPrice:         mark,
				UnrealizedPnL:     a.pos.unrealized(mark),
			})
		}
	}
	return snap
}

// Trades 成交列表副本
func (m *Manager) Trades() []model.Trade {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Trade(nil), m.trades...)
}

// Diagnostics 诊断记录副本
func (m *Manager) Diagnostics() []model.Diagnostic {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Diagnostic(nil), m.diags...)
}
