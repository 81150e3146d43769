package strategy

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrUnknownStrategy   = errors.New("unknown strategy")
	ErrDuplicateStrategy = errors.New("strategy already registered")
)

// Constructor 创建一个未初始化的策略实例
type Constructor func(logger *zap.Logger) Strategy

// Registry 策略标识 -> 构造函数
type Registry struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

func NewRegistry() *Registry {
	return &Registry{ctors: make(map[string]Constructor)}
}

func (r *Registry) Register(name string, ctor Constructor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ctors[name]; ok {
		return fmt.Errorf("%s: %w", name, ErrDuplicateStrategy)
	}
	r.ctors[name] = ctor
	return nil
}

// New 按标识创建新实例，每次调用都返回独立的实例
func (r *Registry) New(name string, logger *zap.Logger) (Strategy, error) {
	r.mu.RLock()
	ctor, ok := r.ctors[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrUnknownStrategy)
	}
	return ctor(logger), nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.ctors))
	for n := range r.ctors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// RegisterBuiltins 注册内置策略
func RegisterBuiltins(r *Registry) error {
	builtins := map[string]Constructor{
		"momentum":          func(*zap.Logger) Strategy { return &Momentum{} },
		"mean_reversion_bb": func(*zap.Logger) Strategy { return &MeanReversionBB{} },
		"mean_reversion_ou": func(l *zap.Logger) Strategy { return &MeanReversionOU{logger: l} },
		"regime":            func(l *zap.Logger) Strategy { return NewRegime(l) },
	}
	var errs []error
	for name, ctor := range builtins {
		errs = append(errs, r.Register(name, ctor))
	}
	return errors.Join(errs...)
}

// NewBuiltinRegistry 返回只包含内置策略的注册表
func NewBuiltinRegistry() *Registry {
	r := NewRegistry()
	if err := RegisterBuiltins(r); err != nil {
		panic(err) // 全新注册表不会出现重复注册
	}
	return r
}
