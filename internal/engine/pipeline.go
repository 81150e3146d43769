package engine

import (
	"errors"
	"fmt"
	"sort"

	"github.com/fbcalderaro/cqf-final-project/internal/data"
	"github.com/fbcalderaro/cqf-final-project/internal/model"
	"github.com/fbcalderaro/cqf-final-project/internal/portfolio"
	"github.com/fbcalderaro/cqf-final-project/internal/strategy"
	"go.uber.org/zap"
)

type stream struct {
	guard   *data.Guard
	runners []*strategy.Runner
}

// Pipeline 单个行情事件的处理流程: 顺序检查 -> 标记价格 -> 策略 -> 账本 -> 订单指令。
// 实时、模拟盘和回测走同一条流程。
// 不同订阅可以并发调用，同一订阅的事件必须串行送入。
type Pipeline struct {
	pm      *portfolio.Manager
	logger  *zap.Logger
	streams map[model.StreamKey]*stream
}

func NewPipeline(pm *portfolio.Manager, runners []*strategy.Runner, logger *zap.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{pm: pm, logger: logger, streams: make(map[model.StreamKey]*stream)}
	for _, r := range runners {
		r.TrackPositions(pm)
		key := r.Stream()
		st, ok := p.streams[key]
		if !ok {
			guard, err := data.NewGuard(key.Asset, key.Timeframe)
			if err != nil {
				return nil, fmt.Errorf("subscription %s: %w", key, err)
			}
			st = &stream{guard: guard}
			p.streams[key] = st
		}
		st.runners = append(st.runners, r)
	}
	return p, nil
}

// Streams 需要订阅的 (asset, timeframe)，顺序固定
func (p *Pipeline) Streams() []model.StreamKey {
	out := make([]model.StreamKey, 0, len(p.streams))
	for k := range p.streams {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// Admit 检查事件顺序并更新标记价格。重复和乱序事件被丢弃并记录 data_fault，返回 false。
// 缺口照常接受，由各 Runner 记录。
func (p *Pipeline) Admit(e model.MarketEvent) bool {
	st, ok := p.streams[e.Stream()]
	if !ok {
		return false
	}
	if err := st.guard.Check(e); !data.Accepted(err) {
		p.logger.Warn("Dropping market event", zap.String("fault", "data"), zap.Stringer("stream", e.Stream()), zap.Error(err))
		p.pm.Report(model.Diagnostic{Time: e.Time, Kind: model.DiagDataFault, Message: err.Error()})
		return false
	}
	p.pm.Mark(e)
	return true
}

// Intents 把事件交给订阅它的策略，信号经账本转换为订单指令。
// 停用或暂停的策略不再收到事件。
func (p *Pipeline) Intents(e model.MarketEvent) []model.OrderIntent {
	st, ok := p.streams[e.Stream()]
	if !ok {
		return nil
	}
	var out []model.OrderIntent
	for _, r := range st.runners {
		if !p.pm.IsActive(r.ID()) {
			continue
		}
		sig := r.OnEvent(e)
		if sig == nil {
			continue
		}
		intent, err := p.pm.OnSignal(*sig)
		if err != nil {
			if errors.Is(err, portfolio.ErrStrategyHalted) || errors.Is(err, portfolio.ErrStrategyInactive) {
				p.logger.Debug("Signal ignored", zap.String("strategy", r.ID()), zap.Error(err))
			} else {
				p.logger.Warn("Signal not converted", zap.String("strategy", r.ID()), zap.Error(err))
			}
			continue
		}
		if intent != nil {
			out = append(out, *intent)
		}
	}
	return out
}
