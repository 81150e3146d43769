package strategy

import (
	"fmt"

	"github.com/fbcalderaro/cqf-final-project/internal/model"
	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
)

// Strategy 策略的固定能力接口。实例的状态只属于自己，由 Runner 串行调用。
type Strategy interface {
	Name() string
	// Initialize 使用配置中的 params 初始化
	Initialize(params Params) error
	// OnEvent 处理一根已收盘 K 线，返回 nil 表示本次无信号
	OnEvent(e model.MarketEvent) (*model.Signal, error)
}

// PositionAware 由依赖自身持仓状态的策略实现。Runner 在每个事件之前用账本中的敞口同步，
// 订单被拒或被撤时策略不会误以为自己已经在场
type PositionAware interface {
	SyncPosition(exposure decimal.Decimal)
}

// Params 策略参数 (来自配置文件的 params 映射)
type Params map[string]any

// Int 读取整数参数，缺失时返回默认值
func (p Params) Int(key string, def int) (int, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	n, err := cast.ToIntE(v)
	if err != nil {
		return 0, fmt.Errorf("param %s: %w", key, err)
	}
	return n, nil
}

// Float 读取浮点参数
func (p Params) Float(key string, def float64) (float64, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return 0, fmt.Errorf("param %s: %w", key, err)
	}
	return f, nil
}

// Bool 读取布尔参数
func (p Params) Bool(key string, def bool) (bool, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		return false, fmt.Errorf("param %s: %w", key, err)
	}
	return b, nil
}

// reader 按顺序读取多个参数，记住第一个错误
type reader struct {
	p   Params
	err error
}

func (r *reader) int(key string, def int) int {
	v, err := r.p.Int(key, def)
	if err != nil && r.err == nil {
		r.err = err
	}
	return v
}

func (r *reader) float(key string, def float64) float64 {
	v, err := r.p.Float(key, def)
	if err != nil && r.err == nil {
		r.err = err
	}
	return v
}

func (r *reader) bool(key string, def bool) bool {
	v, err := r.p.Bool(key, def)
	if err != nil && r.err == nil {
		r.err = err
	}
	return v
}

func signal(dir model.Direction, reason string) *model.Signal {
	return &model.Signal{Direction: dir, SizeHint: 1, Reason: reason}
}
