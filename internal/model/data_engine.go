package model

import (
	"fmt"
	"math"
	"time"

	"github.com/fbcalderaro/cqf-final-project/internal/service"
)

// KlineAggregator K 线聚合器: 把基础周期 (通常 1m) 的已收盘 K 线重采样为目标周期
type KlineAggregator struct {
	Asset     string
	Timeframe string // 目标周期，如 "1h"

	interval time.Duration // 目标周期长度
	base     time.Duration // 基础 K 线周期长度
	current  MarketEvent   // 正在构建的 K 线
	started  bool
}

// NewKlineAggregator 创建一个新的聚合器
func NewKlineAggregator(asset, timeframe, baseTimeframe string) (*KlineAggregator, error) {
	interval, err := service.ParseIntervalDuration(timeframe)
	if err != nil {
		return nil, err
	}
	base, err := service.ParseIntervalDuration(baseTimeframe)
	if err != nil {
		return nil, err
	}
	if interval < base || interval%base != 0 {
		return nil, fmt.Errorf("timeframe %s is not a multiple of base %s", timeframe, baseTimeframe)
	}
	return &KlineAggregator{
		Asset:     asset,
		Timeframe: timeframe,
		interval:  interval,
		base:      base,
	}, nil
}

// Add 聚合一根基础 K 线，返回本次完成的目标周期 K 线 (0-2 根)。
// 当基础 K 线是当前桶的最后一根时立即输出；
// 如果新桶到来而旧桶尚未完整 (数据缺口)，先输出旧桶。
func (agg *KlineAggregator) Add(candle MarketEvent) []MarketEvent {
	var out []MarketEvent

	bucket := candle.Time.UTC().Truncate(agg.interval)

	// 旧 K 线被更晚的桶打断
	if agg.started && bucket.After(agg.current.Time) {
		out = append(out, agg.current)
		agg.started = false
	}
	// 迟到的基础 K 线直接丢弃，已输出的桶不再修改
	if agg.started && bucket.Before(agg.current.Time) {
		return out
	}

	if !agg.started {
		agg.current = MarketEvent{
			Asset:     agg.Asset,
			Timeframe: agg.Timeframe,
			Time:      bucket,
			Open:      candle.Open,
			High:      candle.High,
			Low:       candle.Low,
			Close:     candle.Close,
			Volume:    0,
		}
		agg.started = true
	}

	// 更新 OHLCV
	agg.current.Close = candle.Close
	agg.current.High = math.Max(agg.current.High, candle.High)
	agg.current.Low = math.Min(agg.current.Low, candle.Low)
	agg.current.Volume += candle.Volume

	// 最后一根基础 K 线收盘即目标 K 线收盘
	if !candle.Time.Add(agg.base).Before(bucket.Add(agg.interval)) {
		out = append(out, agg.current)
		agg.started = false
	}
	return out
}
