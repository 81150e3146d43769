// Package backtest 在有界的历史窗口上回放行情，使用与实盘相同的策略、账本和订单处理流程，
// 以模拟撮合代替交易所，输出确定性的绩效统计。
package backtest

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/fbcalderaro/cqf-final-project/internal/data"
	"github.com/fbcalderaro/cqf-final-project/internal/engine"
	"github.com/fbcalderaro/cqf-final-project/internal/executor"
	"github.com/fbcalderaro/cqf-final-project/internal/model"
	"github.com/fbcalderaro/cqf-final-project/internal/portfolio"
	"github.com/fbcalderaro/cqf-final-project/internal/service"
	"github.com/fbcalderaro/cqf-final-project/internal/strategy"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrNoEvents 回测窗口内没有任何行情
var ErrNoEvents = errors.New("no market events in backtest window")

var runNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("trading-engine/backtest-run"))

// Request 一次独立的回测
type Request struct {
	Name          string
	Strategies    []service.StrategyConfig
	Source        data.EventSource
	Window        data.Window
	InitialCash   decimal.Decimal
	CommissionPct float64
	SlippagePct   float64
	Execution     service.ExecutionConfig
}

// runID 由请求内容决定，同样的请求得到同样的 ID
func (r Request) runID() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%d|%d", r.Name, r.Window.Start.UnixNano(), r.Window.End.UnixNano())
	for _, s := range r.Strategies {
		fmt.Fprintf(&b, "|%s:%s:%s:%s:%g", s.ID, s.Strategy, s.Asset, s.Timeframe, s.CapitalPct)
	}
	return uuid.NewSHA1(runNamespace, []byte(b.String())).String()
}

// StrategyResult 单个策略的回测结果
type StrategyResult struct {
	StrategyID string               `json:"strategy_id"`
	Strategy   string               `json:"strategy"`
	Asset      string               `json:"asset"`
	Timeframe  string               `json:"timeframe"`
	CapitalPct float64              `json:"capital_pct"`
	Curve      []EquityPoint        `json:"equity_curve"`
	Trades     []model.Trade        `json:"trades"`
	Metrics    Metrics              `json:"metrics"`
	Runner     strategy.RunnerStats `json:"runner"`
}

// Result 一次回测的完整输出
type Result struct {
	RunID       string                  `json:"run_id"`
	Name        string                  `json:"name"`
	Window      data.Window             `json:"window"`
	Start       time.Time               `json:"start"`
	End         time.Time               `json:"end"`
	Events      int                     `json:"events"`
	Curve       []EquityPoint           `json:"equity_curve"`
	Trades      []model.Trade           `json:"trades"`
	Metrics     Metrics                 `json:"metrics"`
	Strategies  []StrategyResult        `json:"strategies"`
	Orders      []model.Order           `json:"orders"`
	Diagnostics []model.Diagnostic      `json:"diagnostics"`
	Final       model.PortfolioSnapshot `json:"final_snapshot"`
}

// Strategy 按 ID 查找策略结果
func (r *Result) Strategy(id string) (StrategyResult, bool) {
	for _, s := range r.Strategies {
		if s.StrategyID == id {
			return s, true
		}
	}
	return StrategyResult{}, false
}

// Driver 回测驱动。无共享可变状态，可以并发执行多个 Run。
type Driver struct {
	reg    *strategy.Registry
	logger *zap.Logger
}

func NewDriver(reg *strategy.Registry, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{reg: reg, logger: logger}
}

// run 单次回测的可变状态
type run struct {
	pm       *portfolio.Manager
	runners  []*strategy.Runner
	curve    []EquityPoint
	perStrat map[string][]EquityPoint
}

// record 在同一收盘时间的全部事件处理完之后记录权益
func (r *run) record(t time.Time) {
	snap := r.pm.Snapshot()
	r.curve = append(r.curve, EquityPoint{Time: t, Equity: snap.AggregateEquity})
	for _, se := range snap.Strategies {
		r.perStrat[se.StrategyID] = append(r.perStrat[se.StrategyID], EquityPoint{Time: t, Equity: se.Equity})
	}
}

func noSleep(context.Context, time.Duration) error { return nil }

// Run 执行一次回测。所有订阅合并为一个全局时间序列，每个事件依次经过:
// 标记价格 -> 模拟撮合 (上一根之前提交的订单按本根开盘价成交) -> 策略 -> 账本 -> 订单提交。
// 整个过程单线程，只使用事件时间，相同输入得到完全相同的结果。
func (d *Driver) Run(ctx context.Context, req Request) (*Result, error) {
	if len(req.Strategies) == 0 {
		return nil, errors.New("backtest without strategies")
	}
	if req.Source == nil {
		return nil, errors.New("backtest without event source")
	}
	log := d.logger.With(zap.String("run", req.Name))

	pm := portfolio.NewManager(portfolio.Options{InitialCash: req.InitialCash}, log)
	r := &run{pm: pm, perStrat: make(map[string][]EquityPoint)}

	interval := time.Duration(0)
	for _, sc := range req.Strategies {
		if err := pm.Activate(portfolio.Activation{
			StrategyID: sc.ID,
			Asset:      sc.Asset,
			CapitalPct: sc.CapitalPct,
			AllowShort: sc.AllowShort,
		}); err != nil {
			return nil, fmt.Errorf("activate %s: %w", sc.ID, err)
		}
		runner, err := strategy.NewRunner(sc, d.reg, pm, log)
		if err != nil {
			return nil, err
		}
		r.runners = append(r.runners, runner)

		step, err := service.ParseIntervalDuration(sc.Timeframe)
		if err != nil {
			return nil, fmt.Errorf("strategy %s: %w", sc.ID, err)
		}
		if interval == 0 || step < interval {
			interval = step
		}
	}

	pipeline, err := engine.NewPipeline(pm, r.runners, log)
	if err != nil {
		return nil, err
	}
	sim := executor.NewSimVenue(executor.SimulatorConfig{
		InitialCash:   req.InitialCash,
		CommissionPct: req.CommissionPct,
		SlippagePct:   req.SlippagePct,
	}, log)
	handler := executor.NewHandler(req.Execution, sim, pm, log, executor.WithoutRateLimit(), executor.WithSleep(noSleep))

	var streams []iter.Seq2[model.MarketEvent, error]
	for _, key := range pipeline.Streams() {
		streams = append(streams, req.Source.Subscribe(ctx, key.Asset, key.Timeframe))
	}

	log.Info("Backtest started",
		zap.Int("strategies", len(req.Strategies)),
		zap.Int("streams", len(streams)),
		zap.String("initial_cash", req.InitialCash.StringFixed(2)),
	)

	res := &Result{RunID: req.runID(), Name: req.Name, Window: req.Window}
	var current time.Time
	for e, err := range data.Merge(streams...) {
		if err != nil {
			return nil, fmt.Errorf("backtest %s: replay: %w", req.Name, err)
		}
		if !pipeline.Admit(e) {
			continue
		}
		closed := e.CloseTime()
		if res.Events > 0 && !closed.Equal(current) {
			r.record(current)
		}
		if res.Events == 0 {
			res.Start = e.Time
		}
		current = closed
		res.Events++

		for _, f := range sim.Match(e) {
			if _, err := handler.OnFill(f); err != nil {
				log.Warn("Simulated fill rejected", zap.String("order_id", f.OrderID), zap.Error(err))
			}
		}
		for _, intent := range pipeline.Intents(e) {
			if _, err := handler.Submit(ctx, intent); err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				log.Warn("Intent not executed", zap.Stringer("intent", intent), zap.Error(err))
			}
		}
	}
	if res.Events == 0 {
		return nil, fmt.Errorf("backtest %s: %w", req.Name, ErrNoEvents)
	}
	r.record(current)
	res.End = current

	// 最后一根 K 线之后提交的订单无法成交
	if err := handler.CancelOpen(ctx, "end of backtest"); err != nil {
		log.Warn("Cancelling open orders failed", zap.Error(err))
	}

	res.Final = pm.Snapshot()
	res.Final.Time = current
	res.Trades = pm.Trades()
	res.Orders = handler.Orders()
	res.Diagnostics = pm.Diagnostics()
	res.Curve = r.curve

	unrealized := decimal.Zero
	for _, se := range res.Final.Strategies {
		unrealized = unrealized.Add(se.UnrealizedPnL)
	}
	res.Metrics = computeMetrics(r.curve, res.Trades, unrealized, interval)

	for i, sc := range req.Strategies {
		sr := StrategyResult{
			StrategyID: sc.ID,
			Strategy:   sc.Strategy,
			Asset:      sc.Asset,
			Timeframe:  sc.Timeframe,
			CapitalPct: sc.CapitalPct,
			Curve:      r.perStrat[sc.ID],
			Runner:     r.runners[i].Stats(),
		}
		for _, t := range res.Trades {
			if t.StrategyID == sc.ID {
				sr.Trades = append(sr.Trades, t)
			}
		}
		se, _ := res.Final.Strategy(sc.ID)
		sr.Metrics = computeMetrics(sr.Curve, sr.Trades, se.UnrealizedPnL, interval)
		res.Strategies = append(res.Strategies, sr)
	}

	log.Info("Backtest finished",
		zap.Int("events", res.Events),
		zap.Int("trades", len(res.Trades)),
		zap.String("final_equity", res.Metrics.FinalEquity.StringFixed(2)),
		zap.Float64("return_pct", res.Metrics.TotalReturnPct),
		zap.String("max_drawdown", res.Metrics.MaxDrawdown.StringFixed(2)),
		zap.Float64("sharpe", res.Metrics.Sharpe),
	)
	return res, nil
}
