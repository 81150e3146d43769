package backtest

import (
	"context"

	"github.com/fbcalderaro/cqf-final-project/internal/data"
	"github.com/fbcalderaro/cqf-final-project/internal/service"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// PortfolioRun 组合回测的名称
const PortfolioRun = "portfolio"

// Plan 根据配置生成回测请求: 所有启用策略共享资金的组合回测，
// 加上每个开启 individual_report 的策略以 100% 资金单独运行一次。
func Plan(cfg *service.Config, src data.EventSource, win data.Window) []Request {
	base := Request{
		Source:        src,
		Window:        win,
		InitialCash:   decimal.NewFromFloat(cfg.System.InitialCash),
		CommissionPct: cfg.System.CommissionPct,
		SlippagePct:   cfg.System.SlippagePct,
		Execution:     cfg.System.Execution,
	}

	enabled := cfg.EnabledStrategies()
	combined := base
	combined.Name = PortfolioRun
	combined.Strategies = enabled
	reqs := []Request{combined}

	for _, sc := range enabled {
		if !sc.IndividualReport {
			continue
		}
		alone := base
		alone.Name = sc.ID
		sc.CapitalPct = 100
		alone.Strategies = []service.StrategyConfig{sc}
		reqs = append(reqs, alone)
	}
	return reqs
}

// RunMany 并行执行互相隔离的回测，返回结果与请求一一对应。
// parallel <= 0 时不限制并发数。任一回测失败时取消其余回测。
func (d *Driver) RunMany(ctx context.Context, reqs []Request, parallel int) ([]*Result, error) {
	results := make([]*Result, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	if parallel > 0 {
		g.SetLimit(parallel)
	}
	for i, req := range reqs {
		g.Go(func() error {
			res, err := d.Run(gctx, req)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	d.logger.Info("Backtests finished", zap.Int("runs", len(reqs)))
	return results, nil
}
