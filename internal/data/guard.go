package data

import (
	"errors"
	"fmt"
	"time"

	"github.com/fbcalderaro/cqf-final-project/internal/model"
	"github.com/fbcalderaro/cqf-final-project/internal/service"
)

// GapError 描述缺失的 K 线数量，errors.Is(err, ErrGap) 为真
type GapError struct {
	Stream  model.StreamKey
	From    time.Time
	To      time.Time
	Missing int
}

func (e *GapError) Error() string {
	return fmt.Sprintf("%s: %d missing bars between %s and %s",
		e.Stream, e.Missing, e.From.UTC().Format(time.RFC3339), e.To.UTC().Format(time.RFC3339))
}

func (e *GapError) Unwrap() error { return ErrGap }

// Guard 单个订阅的事件顺序检查器。非并发安全，每个订阅独占一个。
type Guard struct {
	stream   model.StreamKey
	interval time.Duration
	last     time.Time
	started  bool
}

func NewGuard(asset, timeframe string) (*Guard, error) {
	interval, err := service.ParseIntervalDuration(timeframe)
	if err != nil {
		return nil, err
	}
	return &Guard{
		stream:   model.StreamKey{Asset: asset, Timeframe: timeframe},
		interval: interval,
	}, nil
}

// Check 检查一个事件。返回 nil 或 *GapError 时事件被接受，
// ErrDuplicateEvent / ErrOutOfOrder 时事件应被丢弃。
func (g *Guard) Check(e model.MarketEvent) error {
	if e.Stream() != g.stream {
		return fmt.Errorf("event for %s delivered to %s subscription", e.Stream(), g.stream)
	}
	if !g.started {
		g.started = true
		g.last = e.Time
		return nil
	}
	switch {
	case e.Time.Equal(g.last):
		return fmt.Errorf("%s at %s: %w", g.stream, e.Time.UTC().Format(time.RFC3339), ErrDuplicateEvent)
	case e.Time.Before(g.last):
		return fmt.Errorf("%s at %s after %s: %w", g.stream,
			e.Time.UTC().Format(time.RFC3339), g.last.UTC().Format(time.RFC3339), ErrOutOfOrder)
	}

	prev := g.last
	g.last = e.Time
	if step := e.Time.Sub(prev); step > g.interval {
		return &GapError{Stream: g.stream, From: prev, To: e.Time, Missing: int(step/g.interval) - 1}
	}
	return nil
}

// Last 最后一个被接受的事件时间 (断线续传的检查点)
func (g *Guard) Last() (time.Time, bool) {
	return g.last, g.started
}

// Accepted 判断 Check 的结果是否意味着事件应继续处理
func Accepted(err error) bool {
	return err == nil || errors.Is(err, ErrGap)
}
