// Package engine 实盘/模拟盘运行时: 每个订阅一个 goroutine 串行驱动对应的策略，
// 资金账本是唯一的临界区，订单由执行工作池异步提交。
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fbcalderaro/cqf-final-project/internal/data"
	"github.com/fbcalderaro/cqf-final-project/internal/executor"
	"github.com/fbcalderaro/cqf-final-project/internal/model"
	"github.com/fbcalderaro/cqf-final-project/internal/portfolio"
	"github.com/fbcalderaro/cqf-final-project/internal/service"
	"github.com/fbcalderaro/cqf-final-project/internal/strategy"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// SnapshotPublisher 接收周期性的组合快照
type SnapshotPublisher interface {
	PublishSnapshot(ctx context.Context, snap model.PortfolioSnapshot) error
}

// Matcher 模拟盘撮合: 用实时行情撮合挂单，成交经场所的成交流送回
type Matcher interface {
	Match(e model.MarketEvent) []model.Fill
}

// Deps 运行时依赖，按模式注入不同实现
type Deps struct {
	Registry *strategy.Registry
	Source   data.EventSource
	Venue    executor.Venue
	// Matcher 非空时每个事件先交给模拟撮合 (模拟盘)
	Matcher Matcher
	// Account 非空时定期与场所账户对账 (实盘)
	Account executor.AccountReader
	Sink    SnapshotPublisher
	// ConfigPath 非空时监听配置文件，停用/调整策略无需重启
	ConfigPath string
	// Closers 在 Close 时按顺序关闭 (数据库连接池等)
	Closers []io.Closer
}

// Engine 一次运行的上下文对象，由 New 显式构建，Close 释放
type Engine struct {
	cfg    *service.Config
	deps   Deps
	logger *zap.Logger
	policy portfolio.Policy

	pm       *portfolio.Manager
	pipeline *Pipeline
	handler  *executor.Handler
	assets   map[string]struct{}

	mu      sync.Mutex
	runCtx  context.Context
	known   map[string]service.StrategyConfig // 启动时的全部策略 (含运行中停用的)
	enabled map[string]bool
	watcher *service.ConfigWatcher
	closed  bool
}

func New(cfg *service.Config, deps Deps, logger *zap.Logger, opts ...executor.Option) (*Engine, error) {
	if deps.Source == nil || deps.Venue == nil {
		return nil, errors.New("engine needs an event source and a venue")
	}
	if deps.Registry == nil {
		deps.Registry = strategy.NewBuiltinRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	policy := portfolio.Policy(cfg.System.DeactivationPolicy)
	if policy == "" {
		policy = portfolio.PolicyHold
	}

	pm := portfolio.NewManager(portfolio.Options{InitialCash: decimal.NewFromFloat(cfg.System.InitialCash)}, logger)
	e := &Engine{
		cfg:     cfg,
		deps:    deps,
		logger:  logger,
		policy:  policy,
		pm:      pm,
		assets:  make(map[string]struct{}),
		known:   make(map[string]service.StrategyConfig),
		enabled: make(map[string]bool),
	}

	var runners []*strategy.Runner
	for _, sc := range cfg.EnabledStrategies() {
		if err := pm.Activate(portfolio.Activation{
			StrategyID: sc.ID,
			Asset:      sc.Asset,
			CapitalPct: sc.CapitalPct,
			AllowShort: sc.AllowShort,
		}); err != nil {
			return nil, fmt.Errorf("activate %s: %w", sc.ID, err)
		}
		runner, err := strategy.NewRunner(sc, deps.Registry, pm, logger)
		if err != nil {
			return nil, err
		}
		runners = append(runners, runner)
		e.known[sc.ID] = sc
		e.enabled[sc.ID] = true
		e.assets[sc.Asset] = struct{}{}
	}
	if len(runners) == 0 {
		return nil, errors.New("no enabled strategies")
	}

	pipeline, err := NewPipeline(pm, runners, logger)
	if err != nil {
		return nil, err
	}
	e.pipeline = pipeline
	e.handler = executor.NewHandler(cfg.System.Execution, deps.Venue, pm, logger, opts...)
	return e, nil
}

// Portfolio 资金账本 (只读查询用)
func (e *Engine) Portfolio() *portfolio.Manager { return e.pm }

// Handler 订单处理器 (只读查询用)
func (e *Engine) Handler() *executor.Handler { return e.handler }

// Run 运行直到 ctx 取消或行情源全部结束，然后优雅关闭:
// 停止行情 -> 等待排队指令提交 -> 等待在途订单终态或撤单 -> 发布最终快照。
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	e.runCtx = ctx
	e.mu.Unlock()

	e.logger.Info("Engine starting",
		zap.String("mode", e.cfg.System.Mode),
		zap.Int("streams", len(e.pipeline.Streams())),
		zap.String("deactivation_policy", string(e.policy)),
	)

	if e.deps.Account != nil {
		e.reconcile(ctx)
	}

	// 执行工作池在行情停止之后继续运行，直到关闭流程完成
	execCtx, stopExec := context.WithCancel(context.WithoutCancel(ctx))
	defer stopExec()
	var exec errgroup.Group
	exec.Go(func() error { return e.handler.Run(execCtx) })
	exec.Go(func() error {
		err := e.handler.PumpFills(execCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if e.deps.ConfigPath != "" {
		e.watch()
	}

	g, gctx := errgroup.WithContext(ctx)
	streamsDone := make(chan struct{})
	var streams sync.WaitGroup
	for _, key := range e.pipeline.Streams() {
		streams.Add(1)
		g.Go(func() error {
			defer streams.Done()
			return e.consume(gctx, key)
		})
	}
	go func() {
		streams.Wait()
		close(streamsDone)
	}()
	g.Go(func() error { return e.snapshotLoop(gctx, streamsDone) })
	if e.deps.Account != nil && e.cfg.System.ReconcileInterval > 0 {
		g.Go(func() error { return e.reconcileLoop(gctx, streamsDone) })
	}
	runErr := g.Wait()
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	// 行情停止后不再接受配置变更
	if err := e.stopWatch(); err != nil {
		e.logger.Warn("Stopping config watch failed", zap.Error(err))
	}

	return multierr.Append(runErr, e.shutdown(ctx, stopExec, &exec))
}

func (e *Engine) watch() {
	w, err := service.WatchConfig(e.deps.ConfigPath, e.ApplyConfig, func(err error) {
		e.logger.Error("Ignoring invalid config change", zap.Error(err))
	})
	if err != nil {
		e.logger.Warn("Config watch disabled", zap.Error(err))
		return
	}
	e.mu.Lock()
	closed := e.closed
	if !closed {
		e.watcher = w
	}
	e.mu.Unlock()
	if closed {
		_ = w.Stop()
		return
	}
	e.logger.Info("Watching config for changes", zap.String("file", w.ConfigFile()))
}

// stopWatch 不能持有 e.mu 调用: Stop 会等待可能正在执行的 ApplyConfig
func (e *Engine) stopWatch() error {
	e.mu.Lock()
	w := e.watcher
	e.watcher = nil
	e.mu.Unlock()
	if w == nil {
		return nil
	}
	return w.Stop()
}

func (e *Engine) shutdown(ctx context.Context, stopExec context.CancelFunc, exec *errgroup.Group) error {
	timeout := e.cfg.System.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	e.logger.Info("Engine shutting down", zap.Duration("timeout", timeout))

	var errs error
	if err := e.handler.Flush(sctx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("flush intents: %w", err))
	}
	if err := e.handler.Drain(sctx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("drain orders: %w", err))
	}
	stopExec()
	if err := exec.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		errs = multierr.Append(errs, err)
	}

	snap := e.pm.Snapshot()
	if e.deps.Sink != nil {
		if err := e.deps.Sink.PublishSnapshot(sctx, snap); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("final snapshot: %w", err))
		}
	}
	e.logger.Info("Engine stopped",
		zap.String("equity", snap.AggregateEquity.StringFixed(2)),
		zap.Int("open_positions", len(snap.Positions)),
		zap.Int("alerts", len(snap.Alerts)),
	)
	return errs
}

// Close 释放外部资源，之后的配置变更被忽略
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	errs := e.stopWatch()
	for _, c := range e.deps.Closers {
		errs = multierr.Append(errs, c.Close())
	}
	return errs
}

// consume 串行处理一个订阅的事件。行情源报错时按退避重新订阅，
// 之前已处理的事件由顺序检查丢弃。
func (e *Engine) consume(ctx context.Context, key model.StreamKey) error {
	log := e.logger.With(zap.Stringer("stream", key))
	backoff := service.ReconnectBackoff()
	attempt := 0
	for {
		failed := false
		for ev, err := range e.deps.Source.Subscribe(ctx, key.Asset, key.Timeframe) {
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				log.Error("Event source failed", zap.String("fault", "data"), zap.Error(err))
				e.pm.Report(model.Diagnostic{Kind: model.DiagDataFault, Message: fmt.Sprintf("%s: %v", key, err)})
				failed = true
				break
			}
			attempt = 0
			e.dispatch(ctx, ev)
		}
		if ctx.Err() != nil {
			return nil
		}
		if !failed {
			log.Info("Event stream ended")
			return nil
		}
		attempt++
		wait := backoff.Next(attempt)
		log.Warn("Resubscribing", zap.Int("attempt", attempt), zap.Duration("wait", wait))
		if service.Sleep(ctx, wait) != nil {
			return nil
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, ev model.MarketEvent) {
	if !e.pipeline.Admit(ev) {
		return
	}
	if e.deps.Matcher != nil {
		e.deps.Matcher.Match(ev)
	}
	for _, intent := range e.pipeline.Intents(ev) {
		if err := e.handler.Enqueue(ctx, intent); err != nil {
			e.logger.Warn("Intent dropped at shutdown", zap.Stringer("intent", intent), zap.Error(err))
		}
	}
}

func (e *Engine) publish(ctx context.Context) {
	if e.deps.Sink == nil {
		return
	}
	if err := e.deps.Sink.PublishSnapshot(ctx, e.pm.Snapshot()); err != nil && ctx.Err() == nil {
		e.logger.Error("Failed to publish snapshot", zap.Error(err))
	}
}

func (e *Engine) snapshotLoop(ctx context.Context, done <-chan struct{}) error {
	interval := e.cfg.System.SnapshotInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-done:
			return nil
		case <-ticker.C:
			e.publish(ctx)
		}
	}
}

func (e *Engine) reconcileLoop(ctx context.Context, done <-chan struct{}) error {
	ticker := time.NewTicker(e.cfg.System.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-done:
			return nil
		case <-ticker.C:
			e.reconcile(ctx)
		}
	}
}

// reconcile 用场所账户覆盖主账户，只比较本引擎交易的资产
func (e *Engine) reconcile(ctx context.Context) {
	cash, positions, err := e.deps.Account.Account(ctx)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Warn("Reconciliation skipped", zap.String("fault", "execution"), zap.Error(err))
		}
		return
	}
	traded := make(map[string]decimal.Decimal, len(e.assets))
	for asset := range e.assets {
		if q, ok := positions[asset]; ok {
			traded[asset] = q
		}
	}
	for _, d := range e.pm.Reconcile(cash, traded) {
		e.logger.Warn("Reconciliation alert", zap.String("fault", "invariant"), zap.String("detail", d.Message))
	}
}

// ApplyConfig 应用运行中的配置变更: 停用被关闭或删除的策略 (按 deactivation_policy 处理持仓)，
// 重新启用之前停用的策略，并按新的 capital_pct 调整分配。新增的策略需要重启才能订阅。
func (e *Engine) ApplyConfig(cfg *service.Config) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	ctx := e.runCtx
	if ctx == nil {
		ctx = context.Background()
	}

	wanted := make(map[string]service.StrategyConfig)
	for _, sc := range cfg.EnabledStrategies() {
		wanted[sc.ID] = sc
	}

	for id := range e.known {
		if _, ok := wanted[id]; ok || !e.enabled[id] {
			continue
		}
		intents, err := e.pm.Deactivate(id, e.policy)
		if err != nil {
			e.logger.Error("Deactivation failed", zap.String("strategy", id), zap.Error(err))
			continue
		}
		e.enabled[id] = false
		for _, intent := range intents {
			if err := e.handler.Enqueue(ctx, intent); err != nil {
				e.logger.Warn("Liquidation intent dropped", zap.Stringer("intent", intent), zap.Error(err))
			}
		}
	}

	rebalance := make(map[string]float64)
	for id, sc := range wanted {
		old, ok := e.known[id]
		if !ok {
			e.logger.Warn("New strategy in config requires a restart", zap.String("strategy", id))
			continue
		}
		if sc.Asset != old.Asset || sc.Timeframe != old.Timeframe || sc.Strategy != old.Strategy {
			e.logger.Warn("Subscription change requires a restart", zap.String("strategy", id))
			continue
		}
		if !e.enabled[id] {
			if err := e.pm.Activate(portfolio.Activation{
				StrategyID: id, Asset: sc.Asset, CapitalPct: sc.CapitalPct, AllowShort: sc.AllowShort,
			}); err != nil {
				e.logger.Error("Reactivation failed", zap.String("strategy", id), zap.Error(err))
				continue
			}
			e.enabled[id] = true
			e.known[id] = sc
			continue
		}
		if sc.CapitalPct != old.CapitalPct {
			rebalance[id] = sc.CapitalPct
		}
	}
	if len(rebalance) > 0 {
		if err := e.pm.Rebalance(rebalance); err != nil {
			e.logger.Error("Rebalance rejected", zap.Error(err))
			return
		}
		for id, p := range rebalance {
			sc := e.known[id]
			sc.CapitalPct = p
			e.known[id] = sc
		}
	}
}
