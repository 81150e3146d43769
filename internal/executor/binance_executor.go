package executor

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"iter"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/fbcalderaro/cqf-final-project/internal/model"
	"github.com/fbcalderaro/cqf-final-project/internal/service"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	quoteAsset = "USDT"

	codeUnknownOrder   = -2013 // Order does not exist
	codeNewOrderReject = -2010
	codeCancelReject   = -2011
)

// BinanceConfig 定义 Binance 现货场所所需的全部配置
type BinanceConfig struct {
	RESTURL       string
	APIKey        string
	SecretKey     string
	MaxSpreadPct  float64 // 下单前的买卖价差上限 (百分比)，0 表示不检查
	CommissionPct float64 // 成交手续费估算
	PollInterval  time.Duration
	RecvWindow    time.Duration
}

// NewBinanceConfig 从系统配置构造
func NewBinanceConfig(sys service.SystemConfig) BinanceConfig {
	return BinanceConfig{
		RESTURL:       sys.Venue.RESTURL,
		APIKey:        sys.Venue.APIKey,
		SecretKey:     sys.Venue.SecretKey,
		MaxSpreadPct:  sys.Venue.MaxSpreadPct,
		CommissionPct: sys.CommissionPct,
		PollInterval:  sys.Execution.PollInterval,
		RecvWindow:    5 * time.Second,
	}
}

// tracked 记录已提交订单的累计成交，用于从轮询结果生成增量成交
type tracked struct {
	symbol   string
	executed decimal.Decimal
	quote    decimal.Decimal
	fills    int
	terminal bool
}

// BinanceVenue 通过签名 REST 接口在 Binance 现货 (或测试网) 下市价单。
// newClientOrderId 使用订单幂等键，重复提交会被交易所拒绝而不是重复成交。
type BinanceVenue struct {
	cfg    BinanceConfig
	client *http.Client
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	orders   map[string]*tracked
	stepSize map[string]decimal.Decimal
}

func NewBinanceVenue(cfg BinanceConfig, logger *zap.Logger) (*BinanceVenue, error) {
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		return nil, errors.New("venue api_key and secret_key must be set (TRADER_SYSTEM_VENUE_API_KEY / TRADER_SYSTEM_VENUE_SECRET_KEY)")
	}
	if cfg.RESTURL == "" {
		return nil, errors.New("venue rest_url must be set")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.RecvWindow <= 0 {
		cfg.RecvWindow = 5 * time.Second
	}
	return &BinanceVenue{
		cfg:      cfg,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
		now:      time.Now,
		orders:   make(map[string]*tracked),
		stepSize: make(map[string]decimal.Decimal),
	}, nil
}

// restSymbol BTC-USDT -> BTCUSDT
func restSymbol(asset string) string {
	return strings.ToUpper(strings.ReplaceAll(asset, "-", ""))
}

// apiError Binance 错误响应
type apiError struct {
	Status int
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("binance api error (http %d, code %d): %s", e.Status, e.Code, e.Msg)
}

// classify 把传输层/交易所错误映射到场所错误
func classify(err error) error {
	var ae *apiError
	if errors.As(err, &ae) {
		switch {
		case ae.Code == codeUnknownOrder:
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case ae.Status >= 500 || ae.Status == http.StatusTooManyRequests:
			return fmt.Errorf("%w: %v", ErrVenueTimeout, err)
		default:
			return fmt.Errorf("%w: %v", ErrOrderRejected, err)
		}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrVenueTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrVenueDisconnected, err)
}

func (v *BinanceVenue) sign(params url.Values) string {
	params.Set("timestamp", strconv.FormatInt(v.now().UnixMilli(), 10))
	params.Set("recvWindow", strconv.FormatInt(v.cfg.RecvWindow.Milliseconds(), 10))
	query := params.Encode()
	mac := hmac.New(sha256.New, []byte(v.cfg.SecretKey))
	mac.Write([]byte(query))
	return query + "&signature=" + hex.EncodeToString(mac.Sum(nil))
}

// do 发送请求并把 JSON 响应解码到 out
func (v *BinanceVenue) do(ctx context.Context, method, path string, params url.Values, signed bool, out any) error {
	if params == nil {
		params = url.Values{}
	}
	query := params.Encode()
	if signed {
		query = v.sign(params)
	}
	endpoint := strings.TrimRight(v.cfg.RESTURL, "/") + path
	if query != "" {
		endpoint += "?" + query
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return err
	}
	if signed {
		req.Header.Set("X-MBX-APIKEY", v.cfg.APIKey)
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		ae := &apiError{Status: resp.StatusCode}
		if jerr := sonic.ConfigStd.Unmarshal(body, ae); jerr != nil || ae.Msg == "" {
			ae.Msg = strings.TrimSpace(string(body))
		}
		return ae
	}
	if out == nil {
		return nil
	}
	return sonic.ConfigStd.Unmarshal(body, out)
}

// ---- 下单前检查 ----

// checkSpread 价差过大时放弃下单，避免在流动性不足时吃到过高滑点
func (v *BinanceVenue) checkSpread(ctx context.Context, symbol string) error {
	if v.cfg.MaxSpreadPct <= 0 {
		return nil
	}
	var book struct {
		BidPrice decimal.Decimal `json:"bidPrice"`
		AskPrice decimal.Decimal `json:"askPrice"`
	}
	if err := v.do(ctx, http.MethodGet, "/api/v3/ticker/bookTicker", url.Values{"symbol": {symbol}}, false, &book); err != nil {
		return classify(err)
	}
	if !book.AskPrice.IsPositive() {
		return fmt.Errorf("%w: empty order book for %s", ErrOrderRejected, symbol)
	}
	spread := book.AskPrice.Sub(book.BidPrice).Div(book.AskPrice).Mul(decimal.NewFromInt(100))
	v.logger.Debug("Current spread", zap.String("symbol", symbol), zap.String("spread_pct", spread.StringFixed(4)))
	if spread.GreaterThan(decimal.NewFromFloat(v.cfg.MaxSpreadPct)) {
		return fmt.Errorf("%w: spread %s%% > max %.2f%% (illiquid)", ErrOrderRejected, spread.StringFixed(4), v.cfg.MaxSpreadPct)
	}
	return nil
}

// lotStep 查询 LOT_SIZE 步长，结果缓存
func (v *BinanceVenue) lotStep(ctx context.Context, symbol string) (decimal.Decimal, error) {
	v.mu.Lock()
	step, ok := v.stepSize[symbol]
	v.mu.Unlock()
	if ok {
		return step, nil
	}

	var info struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType string `json:"filterType"`
				StepSize   string `json:"stepSize"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := v.do(ctx, http.MethodGet, "/api/v3/exchangeInfo", url.Values{"symbol": {symbol}}, false, &info); err != nil {
		return decimal.Zero, classify(err)
	}
	for _, s := range info.Symbols {
		for _, f := range s.Filters {
			if f.FilterType != "LOT_SIZE" {
				continue
			}
			step, err := decimal.NewFromString(f.StepSize)
			if err != nil || !step.IsPositive() {
				break
			}
			v.mu.Lock()
			v.stepSize[symbol] = step
			v.mu.Unlock()
			return step, nil
		}
	}
	return decimal.Zero, fmt.Errorf("%w: could not determine quantity precision for %s", ErrOrderRejected, symbol)
}

// ---- Venue ----

// binanceOrder 订单查询/下单响应
type binanceOrder struct {
	OrderID             int64           `json:"orderId"`
	ClientOrderID       string          `json:"clientOrderId"`
	Status              string          `json:"status"`
	ExecutedQty         decimal.Decimal `json:"executedQty"`
	CummulativeQuoteQty decimal.Decimal `json:"cummulativeQuoteQty"`
	UpdateTime          int64           `json:"updateTime"`
	TransactTime        int64           `json:"transactTime"`
}

func mapStatus(s string) model.OrderStatus {
	switch s {
	case "FILLED":
		return model.OrderFilled
	case "PARTIALLY_FILLED":
		return model.OrderPartiallyFilled
	case "CANCELED", "EXPIRED", "EXPIRED_IN_MATCH":
		return model.OrderCancelled
	case "REJECTED":
		return model.OrderRejected
	default:
		return model.OrderSubmitted
	}
}

func (o binanceOrder) report(id string) model.VenueReport {
	rep := model.VenueReport{
		OrderID:      id,
		VenueOrderID: strconv.FormatInt(o.OrderID, 10),
		Status:       mapStatus(o.Status),
		Filled:       o.ExecutedQty,
	}
	if o.ExecutedQty.IsPositive() {
		rep.AvgFillPrice = o.CummulativeQuoteQty.Div(o.ExecutedQty)
	}
	return rep
}

// RoundQuantity 按 LOT_SIZE 步长向下截断，不足一个步长时拒绝
func (v *BinanceVenue) RoundQuantity(ctx context.Context, asset string, qty decimal.Decimal) (decimal.Decimal, error) {
	step, err := v.lotStep(ctx, restSymbol(asset))
	if err != nil {
		return decimal.Zero, err
	}
	rounded := qty.Div(step).Floor().Mul(step)
	if !rounded.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: quantity %s below lot size %s", ErrOrderRejected, qty, step)
	}
	return rounded, nil
}

func (v *BinanceVenue) SubmitOrder(ctx context.Context, order model.Order) (model.VenueReport, error) {
	symbol := restSymbol(order.Asset)
	qty, err := v.RoundQuantity(ctx, order.Asset, order.Quantity)
	if err != nil {
		return model.VenueReport{}, err
	}
	if err := v.checkSpread(ctx, symbol); err != nil {
		return model.VenueReport{}, err
	}

	params := url.Values{
		"symbol":           {symbol},
		"side":             {string(order.Side)},
		"type":             {"MARKET"},
		"quantity":         {qty.String()},
		"newClientOrderId": {order.ID},
		"newOrderRespType": {"RESULT"},
	}
	v.logger.Info("Placing live order", zap.String("order_id", order.ID), zap.String("symbol", symbol),
		zap.String("side", string(order.Side)), zap.String("quantity", qty.String()))

	v.track(order.ID, symbol)
	var resp binanceOrder
	if err := v.do(ctx, http.MethodPost, "/api/v3/order", params, true, &resp); err != nil {
		return model.VenueReport{}, classify(err)
	}
	v.logger.Info("Order acknowledged by venue", zap.String("order_id", order.ID), zap.Int64("venue_order_id", resp.OrderID),
		zap.String("status", resp.Status))
	return resp.report(order.ID), nil
}

func (v *BinanceVenue) track(id, symbol string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.orders[id]; !ok {
		v.orders[id] = &tracked{symbol: symbol}
	}
}

func (v *BinanceVenue) symbolOf(id string) (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	t, ok := v.orders[id]
	if !ok {
		return "", false
	}
	return t.symbol, true
}

func (v *BinanceVenue) CancelOrder(ctx context.Context, orderID string) error {
	symbol, ok := v.symbolOf(orderID)
	if !ok {
		return ErrOrderNotFound
	}
	params := url.Values{"symbol": {symbol}, "origClientOrderId": {orderID}}
	if err := v.do(ctx, http.MethodDelete, "/api/v3/order", params, true, nil); err != nil {
		var ae *apiError
		if errors.As(err, &ae) && ae.Code == codeCancelReject {
			return fmt.Errorf("%w: %v", ErrOrderTerminal, err)
		}
		return classify(err)
	}
	return nil
}

func (v *BinanceVenue) query(ctx context.Context, orderID string) (binanceOrder, error) {
	symbol, ok := v.symbolOf(orderID)
	if !ok {
		return binanceOrder{}, ErrOrderNotFound
	}
	var resp binanceOrder
	params := url.Values{"symbol": {symbol}, "origClientOrderId": {orderID}}
	if err := v.do(ctx, http.MethodGet, "/api/v3/order", params, true, &resp); err != nil {
		return binanceOrder{}, classify(err)
	}
	return resp, nil
}

func (v *BinanceVenue) PollStatus(ctx context.Context, orderID string) (model.VenueReport, error) {
	resp, err := v.query(ctx, orderID)
	if err != nil {
		return model.VenueReport{}, err
	}
	return resp.report(orderID), nil
}

// StreamFills 定期查询已跟踪的订单，把 executedQty 的增量转换为成交
func (v *BinanceVenue) StreamFills(ctx context.Context) iter.Seq2[model.Fill, error] {
	return func(yield func(model.Fill, error) bool) {
		ticker := time.NewTicker(v.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			for _, f := range v.pollFills(ctx) {
				if !yield(f, nil) {
					return
				}
			}
		}
	}
}

func (v *BinanceVenue) pollFills(ctx context.Context) []model.Fill {
	v.mu.Lock()
	var ids []string
	for id, t := range v.orders {
		if !t.terminal {
			ids = append(ids, id)
		}
	}
	v.mu.Unlock()

	var fills []model.Fill
	for _, id := range ids {
		resp, err := v.query(ctx, id)
		if err != nil {
			if errors.Is(err, ErrOrderNotFound) {
				// 订单没有到达交易所，不再跟踪
				v.mu.Lock()
				v.orders[id].terminal = true
				v.mu.Unlock()
				continue
			}
			v.logger.Warn("Fill poll failed", zap.String("order_id", id), zap.Error(err))
			continue
		}
		if f, ok := v.delta(id, resp); ok {
			fills = append(fills, f)
		}
	}
	return fills
}

// delta 计算两次查询之间新增的成交
func (v *BinanceVenue) delta(id string, resp binanceOrder) (model.Fill, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	t := v.orders[id]
	if mapStatus(resp.Status).IsTerminal() {
		t.terminal = true
	}
	dq := resp.ExecutedQty.Sub(t.executed)
	if !dq.IsPositive() {
		return model.Fill{}, false
	}
	dQuote := resp.CummulativeQuoteQty.Sub(t.quote)
	t.executed = resp.ExecutedQty
	t.quote = resp.CummulativeQuoteQty
	t.fills++

	ts := resp.UpdateTime
	if ts == 0 {
		ts = resp.TransactTime
	}
	return model.Fill{
		ID:       fmt.Sprintf("%s-%d", id, t.fills),
		OrderID:  id,
		Quantity: dq,
		Price:    dQuote.Div(dq),
		Fee:      dQuote.Mul(decimal.NewFromFloat(v.cfg.CommissionPct)),
		Time:     time.UnixMilli(ts).UTC(),
	}, true
}

// Account 查询账户的 USDT 现金和其他资产持仓
func (v *BinanceVenue) Account(ctx context.Context) (decimal.Decimal, map[string]decimal.Decimal, error) {
	var info struct {
		Balances []struct {
			Asset string          `json:"asset"`
			Free  decimal.Decimal `json:"free"`
		} `json:"balances"`
	}
	if err := v.do(ctx, http.MethodGet, "/api/v3/account", nil, true, &info); err != nil {
		return decimal.Zero, nil, classify(err)
	}
	cash := decimal.Zero
	positions := make(map[string]decimal.Decimal)
	dust := decimal.NewFromFloat(0.00001)
	for _, b := range info.Balances {
		if b.Asset == quoteAsset {
			cash = b.Free
			continue
		}
		if b.Free.GreaterThan(dust) {
			positions[b.Asset+"-"+quoteAsset] = b.Free
		}
	}
	return cash, positions, nil
}
