package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/exchange/execution/internal/governor"
	"github.com/exchange/execution/pkg/logger"
	"github.com/exchange/execution/pkg/signature"
)

const (
	defaultBaseURL = "https://fapi.binance.com"
	defaultTimeout = 10 * time.Second
)

// REST 路径
const (
	pathExchangeInfo  = "/fapi/v1/exchangeInfo"
	pathOrder         = "/fapi/v1/order"
	pathAllOpenOrders = "/fapi/v1/allOpenOrders"
	pathOpenOrders    = "/fapi/v1/openOrders"
	pathPositionRisk  = "/fapi/v2/positionRisk"
	pathLeverage      = "/fapi/v1/leverage"
	pathListenKey     = "/fapi/v1/listenKey"
	pathTickerPrice   = "/fapi/v1/ticker/price"
)

// ClientConfig 客户端配置
type ClientConfig struct {
	BaseURL    string
	APIKey     string
	APISecret  string
	RecvWindow time.Duration
	Timeout    time.Duration
	Sanitizer  Sanitizer
}

// Client 签名 REST 客户端。每次响应（无论成败）都会上报 Governor；
// 下单端点在发送前过 Sanitizer。不做任何自动重试——重试策略属于调用方。
type Client struct {
	baseURL    string
	apiKey     string
	signer     *signature.Signer
	recvWindow time.Duration
	httpClient *http.Client

	sanitizer Sanitizer
	gov       *governor.Governor
	log       *logger.Logger

	now func() time.Time
}

// NewClient 创建客户端
func NewClient(cfg ClientConfig, gov *governor.Governor, log *logger.Logger) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		signer:     signature.NewSigner(cfg.APISecret),
		recvWindow: cfg.RecvWindow,
		httpClient: &http.Client{Timeout: timeout},
		sanitizer:  cfg.Sanitizer,
		gov:        gov,
		log:        log,
		now:        time.Now,
	}
}

// call 执行一次签名请求。超时由 httpClient 统一控制，单次失败即返回。
func (c *Client) call(ctx context.Context, method, path string, params url.Values, signed bool) ([]byte, error) {
	var query string
	if signed {
		query = c.signer.SignedQuery(params, c.now(), c.recvWindow)
	} else {
		query = signature.Encode(params)
	}

	reqURL := c.baseURL + path
	if query != "" {
		reqURL += "?" + query
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// 网络层失败没有响应头可上报
		c.gov.RecordCall(path, 0, nil, 0, err.Error())
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		c.gov.RecordCall(path, resp.StatusCode, resp.Header, 0, err.Error())
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		exErr := &ExchangeError{HTTPStatus: resp.StatusCode}
		if jsonErr := json.Unmarshal(body, exErr); jsonErr != nil {
			exErr.Message = strings.TrimSpace(string(body))
		}
		exErr.HTTPStatus = resp.StatusCode

		c.gov.RecordCall(path, resp.StatusCode, resp.Header, exErr.Code, exErr.Message)

		// 原始错误体落日志，事后可审计
		c.log.Errorf("exchange call failed", map[string]interface{}{
			"method": method,
			"path":   path,
			"status": resp.StatusCode,
			"code":   exErr.Code,
			"body":   strings.TrimSpace(string(body)),
		})
		return nil, exErr
	}

	c.gov.RecordCall(path, resp.StatusCode, resp.Header, 0, "")
	return body, nil
}

// PlaceOrder 提交一条订单腿。发送前过 Sanitizer，形态非法直接失败。
func (c *Client) PlaceOrder(ctx context.Context, leg OrderLeg) (*OrderAck, error) {
	sanitized, err := c.sanitizer.Sanitize(leg)
	if err != nil {
		c.log.Errorf("order rejected by sanitizer", map[string]interface{}{
			"symbol": leg.Symbol,
			"kind":   string(leg.Kind),
			"type":   string(leg.Type),
			"error":  err.Error(),
		})
		return nil, err
	}

	// 出站形态先落日志再发送
	c.log.Infof("placing order", map[string]interface{}{
		"symbol":        sanitized.Symbol,
		"side":          string(sanitized.Side),
		"kind":          string(sanitized.Kind),
		"type":          string(sanitized.Type),
		"price":         sanitized.Price,
		"stopPrice":     sanitized.StopPrice,
		"quantity":      sanitized.Quantity,
		"closePosition": sanitized.ClosePosition,
		"reduceOnly":    sanitized.ReduceOnly,
		"clientOrderId": sanitized.ClientOrderID,
	})

	body, err := c.call(ctx, http.MethodPost, pathOrder, sanitized.Params(), true)
	if err != nil {
		return nil, err
	}

	var ack OrderAck
	if err := json.Unmarshal(body, &ack); err != nil {
		return nil, fmt.Errorf("decode order ack: %w", err)
	}
	return &ack, nil
}

// CancelOrder 撤单
func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID int64) (*OrderAck, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))

	body, err := c.call(ctx, http.MethodDelete, pathOrder, params, true)
	if err != nil {
		return nil, err
	}

	var ack OrderAck
	if err := json.Unmarshal(body, &ack); err != nil {
		return nil, fmt.Errorf("decode cancel ack: %w", err)
	}
	return &ack, nil
}

// CancelAllOrders 撤掉某交易对全部挂单
func (c *Client) CancelAllOrders(ctx context.Context, symbol string) error {
	params := url.Values{}
	params.Set("symbol", symbol)

	_, err := c.call(ctx, http.MethodDelete, pathAllOpenOrders, params, true)
	return err
}

// OpenOrders 查询挂单，symbol 为空时返回全部
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}

	body, err := c.call(ctx, http.MethodGet, pathOpenOrders, params, true)
	if err != nil {
		return nil, err
	}

	var raw []struct {
		OpenOrder
		Time       int64 `json:"time"`
		UpdateTime int64 `json:"updateTime"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode open orders: %w", err)
	}

	orders := make([]OpenOrder, 0, len(raw))
	for _, r := range raw {
		o := r.OpenOrder
		if r.Time > 0 {
			o.CreatedAt = time.UnixMilli(r.Time)
		}
		if r.UpdateTime > 0 {
			o.UpdatedAt = time.UnixMilli(r.UpdateTime)
		}
		orders = append(orders, o)
	}
	return orders, nil
}

// Positions 查询持仓，零仓位条目被过滤
func (c *Client) Positions(ctx context.Context, symbol string) ([]Position, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}

	body, err := c.call(ctx, http.MethodGet, pathPositionRisk, params, true)
	if err != nil {
		return nil, err
	}

	var raw []struct {
		Position
		UpdateTime int64 `json:"updateTime"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}

	positions := make([]Position, 0, len(raw))
	for _, r := range raw {
		size, err := decimal.NewFromString(r.SignedSize)
		if err != nil || size.IsZero() {
			continue
		}
		p := r.Position
		if r.UpdateTime > 0 {
			p.UpdatedAt = time.UnixMilli(r.UpdateTime)
		}
		positions = append(positions, p)
	}
	return positions, nil
}

// SetLeverage 调整杠杆，已是目标值的应答不算失败
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))

	_, err := c.call(ctx, http.MethodPost, pathLeverage, params, true)
	if err != nil {
		var exErr *ExchangeError
		if errors.As(err, &exErr) && exErr.IsNoNeedToChange() {
			return nil
		}
		return err
	}
	return nil
}

// ClosePositionMarket 市价全平某方向持仓（看门狗强平用）。
// 不走 Sanitizer：只做多白名单会拦下平空腿，强平必须无条件出得去。
func (c *Client) ClosePositionMarket(ctx context.Context, symbol string, side Side, positionSide PositionSide, quantity string) (*OrderAck, error) {
	leg := OrderLeg{
		Symbol:       symbol,
		Side:         side,
		Kind:         KindStop,
		Type:         TypeMarket,
		PositionSide: positionSide,
		Quantity:     quantity,
		ReduceOnly:   positionSide == PositionBoth, // 对冲模式下 positionSide 本身限定方向
	}

	c.log.Warnf("force flattening position", map[string]interface{}{
		"symbol":   symbol,
		"side":     string(side),
		"quantity": quantity,
	})

	body, err := c.call(ctx, http.MethodPost, pathOrder, leg.Params(), true)
	if err != nil {
		return nil, err
	}

	var ack OrderAck
	if err := json.Unmarshal(body, &ack); err != nil {
		return nil, fmt.Errorf("decode flatten ack: %w", err)
	}
	return &ack, nil
}

// ExchangeInfo 拉取全量交易对规则
func (c *Client) ExchangeInfo(ctx context.Context) (map[string]SymbolFilters, error) {
	body, err := c.call(ctx, http.MethodGet, pathExchangeInfo, nil, false)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Status  string `json:"status"`
			Filters []struct {
				FilterType string `json:"filterType"`
				TickSize   string `json:"tickSize"`
				StepSize   string `json:"stepSize"`
				MinQty     string `json:"minQty"`
				Notional   string `json:"notional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode exchange info: %w", err)
	}

	filters := make(map[string]SymbolFilters, len(payload.Symbols))
	for _, s := range payload.Symbols {
		if s.Status != "" && s.Status != "TRADING" {
			continue
		}
		f := SymbolFilters{Symbol: s.Symbol}
		for _, raw := range s.Filters {
			switch raw.FilterType {
			case "PRICE_FILTER":
				f.TickSize = mustDecimal(raw.TickSize)
			case "LOT_SIZE":
				f.StepSize = mustDecimal(raw.StepSize)
				f.MinQty = mustDecimal(raw.MinQty)
			case "MIN_NOTIONAL":
				f.MinNotional = mustDecimal(raw.Notional)
			}
		}
		filters[s.Symbol] = f
	}
	return filters, nil
}

// TickerPrice 查询最新成交价，入场价缺省时做基准价用
func (c *Client) TickerPrice(ctx context.Context, symbol string) (string, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	body, err := c.call(ctx, http.MethodGet, pathTickerPrice, params, false)
	if err != nil {
		return "", err
	}

	var payload struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("decode ticker price: %w", err)
	}
	if payload.Price == "" {
		return "", fmt.Errorf("empty price for %s", symbol)
	}
	return payload.Price, nil
}

// StartUserStream 申请推流会话 token
func (c *Client) StartUserStream(ctx context.Context) (string, error) {
	body, err := c.call(ctx, http.MethodPost, pathListenKey, nil, false)
	if err != nil {
		return "", err
	}

	var payload struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("decode listen key: %w", err)
	}
	if payload.ListenKey == "" {
		return "", fmt.Errorf("empty listen key in response")
	}
	return payload.ListenKey, nil
}

// KeepAliveUserStream 续期推流会话
func (c *Client) KeepAliveUserStream(ctx context.Context) error {
	_, err := c.call(ctx, http.MethodPut, pathListenKey, nil, false)
	return err
}

func mustDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
