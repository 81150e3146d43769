// Package report 把组合快照和回测结果交给外部消费者。
// 渲染 (HTML 仪表盘等) 不在这里，JSONSink 只负责写出机器可读的文件。
package report

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/fbcalderaro/cqf-final-project/internal/backtest"
	"github.com/fbcalderaro/cqf-final-project/internal/model"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Sink 接收组合快照 (实时/模拟盘) 和回测结果
type Sink interface {
	PublishSnapshot(ctx context.Context, snap model.PortfolioSnapshot) error
	PublishResult(ctx context.Context, res *backtest.Result) error
}

// CurvePoint 汇总文件中的权益曲线点
type CurvePoint struct {
	Time   time.Time       `json:"timestamp"`
	Equity decimal.Decimal `json:"equity"`
}

// MasterSummary master_summary.json 的内容
type MasterSummary struct {
	PortfolioName   string                 `json:"portfolio_name"`
	LastUpdate      time.Time              `json:"last_update"`
	TotalEquity     decimal.Decimal        `json:"total_equity"`
	PnL             decimal.Decimal        `json:"pnl"`
	PnLPct          float64                `json:"pnl_pct"`
	MasterCash      decimal.Decimal        `json:"master_cash"`
	UnallocatedCash decimal.Decimal        `json:"unallocated_cash"`
	Strategies      []model.StrategyEquity `json:"strategies"`
	Positions       []model.PositionView   `json:"positions"`
	Alerts          []model.Diagnostic     `json:"alerts,omitempty"`
	EquityCurve     []CurvePoint           `json:"equity_curve"`
}

// StrategySummary strategy_<id>.json 的内容
type StrategySummary struct {
	model.StrategyEquity
	LastUpdate  time.Time           `json:"last_update"`
	PnL         decimal.Decimal     `json:"pnl"`
	PnLPct      float64             `json:"pnl_pct"`
	Position    *model.PositionView `json:"position,omitempty"`
	EquityCurve []CurvePoint        `json:"equity_curve"`
}

const defaultMaxPoints = 5000

// JSONSink 把快照写成 master_summary.json 和每个策略一个 strategy_<id>.json，
// 回测结果写成 backtest_<run>.json。文件先写临时文件再改名，读者不会看到半个文件。
type JSONSink struct {
	dir         string
	initialCash decimal.Decimal
	maxPoints   int
	logger      *zap.Logger

	mu        sync.Mutex
	master    []CurvePoint
	curves    map[string][]CurvePoint
	baselines map[string]decimal.Decimal
}

func NewJSONSink(dir string, initialCash decimal.Decimal, logger *zap.Logger) (*JSONSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create report dir %s: %w", dir, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JSONSink{
		dir:         dir,
		initialCash: initialCash,
		maxPoints:   defaultMaxPoints,
		logger:      logger,
		curves:      make(map[string][]CurvePoint),
		baselines:   make(map[string]decimal.Decimal),
	}, nil
}

func appendPoint(curve []CurvePoint, p CurvePoint, limit int) []CurvePoint {
	if n := len(curve); n > 0 && curve[n-1].Time.Equal(p.Time) {
		curve[n-1] = p
		return curve
	}
	curve = append(curve, p)
	if len(curve) > limit {
		curve = curve[len(curve)-limit:]
	}
	return curve
}

func pct(pnl, base decimal.Decimal) float64 {
	if !base.IsPositive() {
		return 0
	}
	return pnl.Div(base).Mul(decimal.NewFromInt(100)).InexactFloat64()
}

// SafeName 文件名中只保留字母、数字、'-' 和 '_'
func SafeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}

func (s *JSONSink) PublishSnapshot(ctx context.Context, snap model.PortfolioSnapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.master = appendPoint(s.master, CurvePoint{Time: snap.Time, Equity: snap.AggregateEquity}, s.maxPoints)
	pnl := snap.AggregateEquity.Sub(s.initialCash)
	summary := MasterSummary{
		PortfolioName:   "Master Account",
		LastUpdate:      snap.Time,
		TotalEquity:     snap.AggregateEquity,
		PnL:             pnl,
		PnLPct:          pct(pnl, s.initialCash),
		MasterCash:      snap.MasterCash,
		UnallocatedCash: snap.UnallocatedCash,
		Strategies:      snap.Strategies,
		Positions:       snap.Positions,
		Alerts:          snap.Alerts,
		EquityCurve:     s.master,
	}
	if err := s.write("master_summary.json", summary); err != nil {
		return err
	}

	for _, se := range snap.Strategies {
		base, ok := s.baselines[se.StrategyID]
		if !ok {
			base = se.Equity
			s.baselines[se.StrategyID] = base
		}
		s.curves[se.StrategyID] = appendPoint(s.curves[se.StrategyID], CurvePoint{Time: snap.Time, Equity: se.Equity}, s.maxPoints)
		pnl := se.Equity.Sub(base)
		ss := StrategySummary{
			StrategyEquity: se,
			LastUpdate:     snap.Time,
			PnL:            pnl,
			PnLPct:         pct(pnl, base),
			EquityCurve:    s.curves[se.StrategyID],
		}
		for i := range snap.Positions {
			if snap.Positions[i].StrategyID == se.StrategyID {
				ss.Position = &snap.Positions[i]
			}
		}
		if err := s.write("strategy_"+SafeName(se.StrategyID)+".json", ss); err != nil {
			return err
		}
	}
	s.logger.Debug("Snapshot published", zap.String("dir", s.dir), zap.Int("strategies", len(snap.Strategies)),
		zap.String("equity", snap.AggregateEquity.StringFixed(2)))
	return nil
}

func (s *JSONSink) PublishResult(ctx context.Context, res *backtest.Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name := "backtest_" + SafeName(res.Name) + ".json"
	if err := s.write(name, res); err != nil {
		return err
	}
	s.logger.Info("Backtest result saved", zap.String("file", filepath.Join(s.dir, name)), zap.String("run_id", res.RunID))
	return nil
}

// write 原子写文件
func (s *JSONSink) write(name string, v any) error {
	payload, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	tmp, err := os.CreateTemp(s.dir, "."+name+".*")
	if err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, name)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// MemorySink 把发布的内容留在内存里，用于测试和嵌入式使用
type MemorySink struct {
	mu        sync.Mutex
	snapshots []model.PortfolioSnapshot
	results   []*backtest.Result
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (m *MemorySink) PublishSnapshot(ctx context.Context, snap model.PortfolioSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots = append(m.snapshots, snap)
	return nil
}

func (m *MemorySink) PublishResult(ctx context.Context, res *backtest.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, res)
	return nil
}

// Snapshots 已发布快照的副本
func (m *MemorySink) Snapshots() []model.PortfolioSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.PortfolioSnapshot(nil), m.snapshots...)
}

// Results 已发布的回测结果
func (m *MemorySink) Results() []*backtest.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*backtest.Result(nil), m.results...)
}

// Latest 最后一个快照
func (m *MemorySink) Latest() (model.PortfolioSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.snapshots) == 0 {
		return model.PortfolioSnapshot{}, false
	}
	return m.snapshots[len(m.snapshots)-1], true
}
