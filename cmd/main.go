package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fbcalderaro/cqf-final-project/internal/api"
	"github.com/fbcalderaro/cqf-final-project/internal/engine"
	"github.com/fbcalderaro/cqf-final-project/internal/executor"
	"github.com/fbcalderaro/cqf-final-project/internal/report"
	"github.com/fbcalderaro/cqf-final-project/internal/service"
	"github.com/fbcalderaro/cqf-final-project/internal/strategy"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config", "配置目录 (包含 config.yaml) 或配置文件路径")
	mode := flag.String("mode", "", "覆盖 system.mode: live | paper")
	flag.Parse()

	if err := run(*configPath, *mode); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath, mode string) error {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return fmt.Errorf("configuration %q not found, please create it", configPath)
	}
	cfg, err := service.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if mode != "" {
		cfg.System.Mode = mode
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	logger, err := service.NewLogger(cfg.System.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sink, err := report.NewJSONSink(cfg.System.Report.Dir, decimal.NewFromFloat(cfg.System.InitialCash), logger.Named("report"))
	if err != nil {
		return err
	}

	// 1. 行情: 每个 (asset, timeframe) 订阅一条 WebSocket 连接
	deps := engine.Deps{
		Registry:   strategy.NewBuiltinRegistry(),
		Source:     api.NewConnector(cfg.System.Feed, logger.Named("feed")),
		Sink:       sink,
		ConfigPath: configPath,
	}

	// 2. 执行场所: 实盘走 Binance，模拟盘用实时行情撮合
	switch cfg.System.Mode {
	case service.ModeLive:
		venue, err := executor.NewBinanceVenue(executor.NewBinanceConfig(cfg.System), logger.Named("binance"))
		if err != nil {
			return err
		}
		deps.Venue = venue
		deps.Account = venue
	default:
		sim := executor.NewSimVenue(executor.SimulatorConfig{
			InitialCash:   decimal.NewFromFloat(cfg.System.InitialCash),
			CommissionPct: cfg.System.CommissionPct,
			SlippagePct:   cfg.System.SlippagePct,
			StreamFills:   true,
		}, logger.Named("paper"))
		deps.Venue = sim
		deps.Matcher = sim
	}

	eng, err := engine.New(cfg, deps, logger)
	if err != nil {
		return err
	}
	defer eng.Close()

	logger.Info("Trading engine started",
		zap.String("mode", cfg.System.Mode),
		zap.Int("strategies", len(cfg.EnabledStrategies())),
		zap.String("report_dir", cfg.System.Report.Dir),
	)
	// 3. 阻塞直到收到退出信号，然后优雅关闭
	return eng.Run(ctx)
}
