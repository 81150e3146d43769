package data

import (
	"context"
	"iter"
	"sync"

	"github.com/fbcalderaro/cqf-final-project/internal/model"
)

// MemorySource 内存事件源，按添加顺序原样回放 (不排序、不去重)，用于测试和回放
type MemorySource struct {
	mu     sync.RWMutex
	events map[model.StreamKey][]model.MarketEvent
	window Window
}

func NewMemorySource(events ...model.MarketEvent) *MemorySource {
	s := &MemorySource{events: make(map[model.StreamKey][]model.MarketEvent)}
	s.Add(events...)
	return s
}

// WithWindow 限定回放区间
func (s *MemorySource) WithWindow(w Window) *MemorySource {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.window = w
	return s
}

func (s *MemorySource) Add(events ...model.MarketEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range events {
		k := e.Stream()
		s.events[k] = append(s.events[k], e)
	}
}

func (s *MemorySource) Subscribe(ctx context.Context, asset, timeframe string) iter.Seq2[model.MarketEvent, error] {
	s.mu.RLock()
	events := s.events[model.StreamKey{Asset: asset, Timeframe: timeframe}]
	window := s.window
	s.mu.RUnlock()

	return func(yield func(model.MarketEvent, error) bool) {
		for _, e := range events {
			if err := ctx.Err(); err != nil {
				yield(model.MarketEvent{}, err)
				return
			}
			if !window.Contains(e.Time) {
				continue
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}
