// Package data 提供行情事件源: 内存、CSV 文件和 PostgreSQL K 线表，
// 以及订阅级别的顺序检查和多路时间合并。
package data

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/fbcalderaro/cqf-final-project/internal/model"
)

var (
	// ErrDuplicateEvent 同一订阅出现相同时间戳的事件
	ErrDuplicateEvent = errors.New("duplicate market event")
	// ErrOutOfOrder 事件时间早于上一条已接受的事件
	ErrOutOfOrder = errors.New("out-of-order market event")
	// ErrGap 事件之间缺少 K 线。事件仍被接受，缺口修复交给数据采集侧
	ErrGap = errors.New("gap in market events")
	// ErrNoData 找不到订阅对应的数据
	ErrNoData = errors.New("no data for subscription")
)

// EventSource 行情事件源。
// Subscribe 返回按时间排序的惰性序列: 回测模式下有界并可重复订阅，
// 实时模式下无界，断线后依据最后处理的时间戳续传。
// 序列中的 error 表示事件源故障，之后序列结束。
type EventSource interface {
	Subscribe(ctx context.Context, asset, timeframe string) iter.Seq2[model.MarketEvent, error]
}

// Window 回测数据区间 [Start, End)，零值表示不限
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains 判断时间点是否落在区间内
func (w Window) Contains(t time.Time) bool {
	if !w.Start.IsZero() && t.Before(w.Start) {
		return false
	}
	if !w.End.IsZero() && !t.Before(w.End) {
		return false
	}
	return true
}
