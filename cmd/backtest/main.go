package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fbcalderaro/cqf-final-project/internal/backtest"
	"github.com/fbcalderaro/cqf-final-project/internal/data"
	"github.com/fbcalderaro/cqf-final-project/internal/report"
	"github.com/fbcalderaro/cqf-final-project/internal/service"
	"github.com/fbcalderaro/cqf-final-project/internal/strategy"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config", "配置目录 (包含 config.yaml) 或配置文件路径")
	period := flag.String("period", "", "覆盖 system.backtest.period: in_sample | out_of_sample | custom")
	parallel := flag.Int("parallel", 0, "同时运行的回测数量，0 表示不限")
	flag.Parse()

	if err := run(*configPath, *period, *parallel); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath, period string, parallel int) error {
	cfg, err := service.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if period != "" {
		cfg.System.Backtest.Period = period
	}
	logger, err := service.NewLogger(cfg.System.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	win, err := backtest.ResolvePeriod(cfg.System.Backtest)
	if err != nil {
		return err
	}

	var src data.EventSource
	switch cfg.System.Data.Source {
	case "postgres":
		pool, err := data.Connect(ctx, cfg.System.Database)
		if err != nil {
			return err
		}
		defer pool.Close()
		src = data.NewPostgresSource(pool, cfg.System.Data.BaseInterval, win, logger.Named("postgres"))
	case "csv", "":
		src = data.NewCSVSource(cfg.System.Data.CSVDir, cfg.System.Data.BaseInterval, win, logger.Named("csv"))
	default:
		return fmt.Errorf("unknown data source %q", cfg.System.Data.Source)
	}

	sink, err := report.NewJSONSink(cfg.System.Report.Dir, decimal.NewFromFloat(cfg.System.InitialCash), logger.Named("report"))
	if err != nil {
		return err
	}

	reqs := backtest.Plan(cfg, src, win)
	logger.Info("Running backtests",
		zap.String("period", cfg.System.Backtest.Period),
		zap.Time("start", win.Start),
		zap.Time("end", win.End),
		zap.Int("runs", len(reqs)),
	)
	results, err := backtest.NewDriver(strategy.NewBuiltinRegistry(), logger).RunMany(ctx, reqs, parallel)
	if err != nil {
		return err
	}

	for _, res := range results {
		if err := sink.PublishResult(ctx, res); err != nil {
			return err
		}
		m := res.Metrics
		logger.Info("Backtest summary",
			zap.String("run", res.Name),
			zap.Int("events", res.Events),
			zap.String("final_equity", m.FinalEquity.StringFixed(2)),
			zap.Float64("total_return_pct", m.TotalReturnPct),
			zap.Float64("max_drawdown_pct", m.MaxDrawdownPct),
			zap.Float64("sharpe", m.Sharpe),
			zap.Float64("sortino", m.Sortino),
			zap.Float64("win_rate", m.WinRate),
			zap.Float64("profit_factor", m.ProfitFactor),
			zap.Int("trades", m.NumTrades),
		)
	}
	return nil
}
