package api

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/fbcalderaro/cqf-final-project/internal/model"
	"github.com/fbcalderaro/cqf-final-project/internal/service"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// BinanceKlineMsg Binance kline 频道消息
type BinanceKlineMsg struct {
	Event  string `json:"e"`
	Symbol string `json:"s"`
	Kline  struct {
		OpenTime  int64  `json:"t"` // 开盘时间 (毫秒)
		CloseTime int64  `json:"T"`
		Interval  string `json:"i"`
		Open      string `json:"o"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Close     string `json:"c"`
		Volume    string `json:"v"`
		Closed    bool   `json:"x"` // K 线是否已收盘
	} `json:"k"`
}

// Connector 实时行情事件源: 每个订阅一条 Binance kline WebSocket 连接，
// 只处理已收盘的基础周期 K 线并重采样到订阅周期。
type Connector struct {
	wsURL   string
	base    string
	dialer  *websocket.Dialer
	Backoff service.Backoff
	logger  *zap.Logger
}

func NewConnector(cfg service.FeedConfig, logger *zap.Logger) *Connector {
	base := cfg.BaseInterval
	if base == "" {
		base = "1m"
	}
	return &Connector{
		wsURL:   strings.TrimRight(cfg.WSURL, "/"),
		base:    base,
		dialer:  websocket.DefaultDialer,
		Backoff: service.ReconnectBackoff(),
		logger:  logger,
	}
}

// Symbol BTC-USDT -> btcusdt
func Symbol(asset string) string {
	return strings.ToLower(strings.ReplaceAll(asset, "-", ""))
}

// StreamURL 例如 wss://stream.binance.com:9443/ws/btcusdt@kline_1m
func (c *Connector) StreamURL(asset string) string {
	return fmt.Sprintf("%s/%s@kline_%s", c.wsURL, Symbol(asset), c.base)
}

// ParseKline 解析一条消息，只有已收盘的 K 线返回 ok=true
func ParseKline(message []byte, asset, timeframe string) (model.MarketEvent, bool, error) {
	var msg BinanceKlineMsg
	if err := sonic.ConfigStd.Unmarshal(message, &msg); err != nil {
		return model.MarketEvent{}, false, fmt.Errorf("unmarshal kline: %w", err)
	}
	if msg.Event != "kline" || !msg.Kline.Closed {
		return model.MarketEvent{}, false, nil
	}

	e := model.MarketEvent{
		Asset:     asset,
		Timeframe: timeframe,
		Time:      time.UnixMilli(msg.Kline.OpenTime).UTC(),
	}
	var err error
	for _, f := range []struct {
		dst *float64
		src string
	}{
		{&e.Open, msg.Kline.Open},
		{&e.High, msg.Kline.High},
		{&e.Low, msg.Kline.Low},
		{&e.Close, msg.Kline.Close},
		{&e.Volume, msg.Kline.Volume},
	} {
		if *f.dst, err = service.StringToFloat(f.src); err != nil {
			return model.MarketEvent{}, false, fmt.Errorf("parse kline field %q: %w", f.src, err)
		}
	}
	return e, true, nil
}

// Subscribe 返回无界的实时事件序列。断线后指数退避重连，
// 以最后处理的基础 K 线时间作为检查点，丢弃重连后重放的旧 K 线。
// ctx 取消时序列结束。
func (c *Connector) Subscribe(ctx context.Context, asset, timeframe string) iter.Seq2[model.MarketEvent, error] {
	return func(yield func(model.MarketEvent, error) bool) {
		agg, err := model.NewKlineAggregator(asset, timeframe, c.base)
		if err != nil {
			yield(model.MarketEvent{}, err)
			return
		}
		log := c.logger.With(zap.String("asset", asset), zap.String("timeframe", timeframe))
		url := c.StreamURL(asset)

		var checkpoint time.Time
		attempt := 0
		for ctx.Err() == nil {
			conn, _, err := c.dialer.DialContext(ctx, url, nil)
			if err != nil {
				attempt++
				wait := c.Backoff.Next(attempt)
				log.Warn("Failed to connect kline stream, retrying", zap.String("url", url), zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
				if service.Sleep(ctx, wait) != nil {
					return
				}
				continue
			}
			attempt = 0
			log.Info("Kline stream connected", zap.String("url", url), zap.Time("checkpoint", checkpoint))

			stop := context.AfterFunc(ctx, func() { conn.Close() })
			cont := c.readLoop(conn, asset, agg, &checkpoint, log, yield)
			stop()
			conn.Close()
			if !cont {
				return
			}
			if ctx.Err() != nil {
				return
			}

			attempt++
			wait := c.Backoff.Next(attempt)
			log.Warn("Kline stream disconnected, reconnecting", zap.Duration("wait", wait))
			if service.Sleep(ctx, wait) != nil {
				return
			}
		}
	}
}

// readLoop 读到连接断开为止。返回 false 表示下游要求停止。
func (c *Connector) readLoop(conn *websocket.Conn, asset string, agg *model.KlineAggregator,
	checkpoint *time.Time, log *zap.Logger, yield func(model.MarketEvent, error) bool) bool {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			log.Debug("Kline stream read error", zap.Error(err))
			return true
		}
		candle, ok, err := ParseKline(message, asset, c.base)
		if err != nil {
			log.Warn("Dropping malformed kline message", zap.String("fault", "data"), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		// 重连后交易所可能重发已处理的 K 线
		if !checkpoint.IsZero() && !candle.Time.After(*checkpoint) {
			continue
		}
		*checkpoint = candle.Time

		for _, bar := range agg.Add(candle) {
			if !yield(bar, nil) {
				return false
			}
		}
	}
}
