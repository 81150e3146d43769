package strategy

import (
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/fbcalderaro/cqf-final-project/internal/data"
	"github.com/fbcalderaro/cqf-final-project/internal/model"
	"github.com/fbcalderaro/cqf-final-project/internal/service"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrStrategyPanic 策略内部 panic 被 Runner 捕获
var ErrStrategyPanic = errors.New("strategy panicked")

// Reporter 接收诊断记录 (数据故障、策略故障)
type Reporter interface {
	Report(d model.Diagnostic)
}

// PositionReader 账本中策略的有效敞口 (持仓加未完成指令)
type PositionReader interface {
	Exposure(strategyID string) decimal.Decimal
}

// RunnerStats 运行统计
type RunnerStats struct {
	Events      int
	Signals     int
	DataFaults  int
	StratFaults int
}

// Runner 包装一个策略实例，只订阅一个 (asset, timeframe)。
// 非并发安全: 调用方保证同一 Runner 的事件串行送达。
type Runner struct {
	id        string
	asset     string
	timeframe string
	strat     Strategy
	guard     *data.Guard
	reporter  Reporter
	positions PositionReader
	logger    *zap.Logger
	stats     RunnerStats
}

// NewRunner 按配置创建并初始化策略实例
func NewRunner(cfg service.StrategyConfig, reg *Registry, reporter Reporter, logger *zap.Logger) (*Runner, error) {
	log := logger.With(zap.String("strategy", cfg.ID), zap.String("asset", cfg.Asset), zap.String("timeframe", cfg.Timeframe))

	strat, err := reg.New(cfg.Strategy, log)
	if err != nil {
		return nil, err
	}
	if err := strat.Initialize(Params(cfg.Params)); err != nil {
		return nil, fmt.Errorf("initialize %s (%s): %w", cfg.ID, cfg.Strategy, err)
	}
	return NewRunnerFor(cfg.ID, cfg.Asset, cfg.Timeframe, strat, reporter, log)
}

// NewRunnerFor 包装一个已初始化的策略
func NewRunnerFor(id, asset, timeframe string, strat Strategy, reporter Reporter, logger *zap.Logger) (*Runner, error) {
	guard, err := data.NewGuard(asset, timeframe)
	if err != nil {
		return nil, fmt.Errorf("strategy %s: %w", id, err)
	}
	return &Runner{
		id:        id,
		asset:     asset,
		timeframe: timeframe,
		strat:     strat,
		guard:     guard,
		reporter:  reporter,
		logger:    logger,
	}, nil
}

func (r *Runner) ID() string { return r.id }

func (r *Runner) Stream() model.StreamKey {
	return model.StreamKey{Asset: r.asset, Timeframe: r.timeframe}
}

func (r *Runner) Stats() RunnerStats { return r.stats }

// TrackPositions 让 PositionAware 策略在每个事件前读取账本敞口
func (r *Runner) TrackPositions(p PositionReader) { r.positions = p }

func (r *Runner) report(e model.MarketEvent, kind model.DiagnosticKind, err error) {
	if r.reporter == nil {
		return
	}
	r.reporter.Report(model.Diagnostic{Time: e.Time, StrategyID: r.id, Kind: kind, Message: err.Error()})
}

// OnEvent 处理一个事件，最多返回一个信号。
// 重复/乱序事件被丢弃，策略错误或 panic 被隔离，都不会向调用方传播。
func (r *Runner) OnEvent(e model.MarketEvent) *model.Signal {
	if err := r.guard.Check(e); err != nil {
		if !data.Accepted(err) {
			r.stats.DataFaults++
			r.logger.Warn("Dropping market event", zap.String("fault", "data"), zap.Error(err))
			r.report(e, model.DiagDataFault, err)
			return nil
		}
		r.logger.Warn("Gap in market events", zap.String("fault", "data"), zap.Error(err))
		r.report(e, model.DiagDataFault, err)
	}
	r.stats.Events++

	if pa, ok := r.strat.(PositionAware); ok && r.positions != nil {
		pa.SyncPosition(r.positions.Exposure(r.id))
	}
	sig, err := r.invoke(e)
	if err == nil && sig != nil {
		err = r.stamp(sig, e)
	}
	if err != nil {
		r.stats.StratFaults++
		r.logger.Error("Strategy fault, no signal emitted", zap.String("fault", "strategy"),
			zap.Time("event_time", e.Time), zap.Error(err))
		r.report(e, model.DiagStrategyFault, err)
		return nil
	}
	if sig == nil {
		return nil
	}
	r.stats.Signals++
	r.logger.Debug("Signal generated", zap.Stringer("signal", sig))
	return sig
}

func (r *Runner) invoke(e model.MarketEvent) (sig *model.Signal, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Debug("Recovered strategy panic", zap.ByteString("stack", debug.Stack()))
			sig, err = nil, fmt.Errorf("%w: %v", ErrStrategyPanic, p)
		}
	}()
	return r.strat.OnEvent(e)
}

// stamp 填充信号归属并校验取值
func (r *Runner) stamp(sig *model.Signal, e model.MarketEvent) error {
	if !sig.Direction.Valid() {
		return fmt.Errorf("invalid signal direction %q", sig.Direction)
	}
	if sig.SizeHint < 0 || sig.SizeHint > 1 {
		return fmt.Errorf("size hint %v outside [0, 1]", sig.SizeHint)
	}
	if sig.Notional.IsNegative() {
		return fmt.Errorf("negative notional %s", sig.Notional)
	}
	sig.StrategyID = r.id
	sig.Asset = r.asset
	sig.Time = e.CloseTime()
	if sig.Price.IsZero() {
		sig.Price = e.ClosePrice()
	}
	return nil
}
