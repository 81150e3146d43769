package model

import (
	"fmt"
	"time"

	"github.com/fbcalderaro/cqf-final-project/internal/service"
	"github.com/shopspring/decimal"
)

// MarketEvent 代表一根已收盘的 K 线 (行情事件)，生成后不可修改
type MarketEvent struct {
	Asset     string    // 交易对，例如 "BTC-USDT"
	Timeframe string    // 周期，例如 "1m", "1h"
	Time      time.Time // K 线开盘时间 (UTC)
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// Stream 返回事件所属的订阅 (asset, timeframe)
func (e MarketEvent) Stream() StreamKey {
	return StreamKey{Asset: e.Asset, Timeframe: e.Timeframe}
}

// CloseTime K 线收盘时间 (开盘时间 + 周期)，即事件可被观察到的时间。
// 周期无法解析时退回开盘时间。
func (e MarketEvent) CloseTime() time.Time {
	d, err := service.ParseIntervalDuration(e.Timeframe)
	if err != nil {
		return e.Time
	}
	return e.Time.Add(d)
}

// ClosePrice 以 decimal 形式返回收盘价，账本计算统一使用 decimal
func (e MarketEvent) ClosePrice() decimal.Decimal {
	return decimal.NewFromFloat(e.Close)
}

// OpenPrice 以 decimal 形式返回开盘价
func (e MarketEvent) OpenPrice() decimal.Decimal {
	return decimal.NewFromFloat(e.Open)
}

func (e MarketEvent) String() string {
	return fmt.Sprintf("%s/%s@%s O:%.4f H:%.4f L:%.4f C:%.4f V:%.4f",
		e.Asset, e.Timeframe, e.Time.UTC().Format(time.RFC3339), e.Open, e.High, e.Low, e.Close, e.Volume)
}

// StreamKey 标识一个订阅 (一个交易对 + 一个周期)
type StreamKey struct {
	Asset     string
	Timeframe string
}

func (k StreamKey) String() string {
	return k.Asset + "/" + k.Timeframe
}

// Less 用于多路合并时的确定性排序
func (k StreamKey) Less(other StreamKey) bool {
	if k.Asset != other.Asset {
		return k.Asset < other.Asset
	}
	return k.Timeframe < other.Timeframe
}
