package exchange

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	perrors "github.com/exchange/execution/pkg/errors"
)

// SymbolFilters 交易对精度规则（来自 exchangeInfo）
type SymbolFilters struct {
	Symbol      string
	TickSize    decimal.Decimal // 价格步长
	StepSize    decimal.Decimal // 数量步长
	MinQty      decimal.Decimal
	MinNotional decimal.Decimal
}

// RoundPrice 价格向下取整到 tickSize
func (f SymbolFilters) RoundPrice(price decimal.Decimal) string {
	if f.TickSize.IsZero() {
		return price.String()
	}
	steps := price.Div(f.TickSize).Floor()
	return steps.Mul(f.TickSize).String()
}

// QuantityFromNotional 按 名义金额 × 杠杆 ÷ 价格 计算数量，
// 向下取整到 stepSize，校验最小数量与最小名义
func (f SymbolFilters) QuantityFromNotional(usdAmount, leverage, price decimal.Decimal) (string, error) {
	if price.Sign() <= 0 {
		return "", perrors.New(perrors.CodeInvalidPrice, "price must be positive")
	}
	if usdAmount.Sign() <= 0 {
		return "", perrors.New(perrors.CodeInvalidQuantity, "usd amount must be positive")
	}

	qty := usdAmount.Mul(leverage).Div(price)
	if !f.StepSize.IsZero() {
		qty = qty.Div(f.StepSize).Floor().Mul(f.StepSize)
	}

	if qty.Sign() <= 0 || (!f.MinQty.IsZero() && qty.LessThan(f.MinQty)) {
		return "", perrors.Newf(perrors.CodeInvalidQuantity,
			"quantity %s below minimum for %s", qty.String(), f.Symbol)
	}
	if !f.MinNotional.IsZero() && qty.Mul(price).LessThan(f.MinNotional) {
		return "", perrors.Newf(perrors.CodeInvalidQuantity,
			"notional %s below minimum for %s", qty.Mul(price).String(), f.Symbol)
	}

	return qty.String(), nil
}

// FilterFetcher 拉取全量交易对规则
type FilterFetcher func(ctx context.Context) (map[string]SymbolFilters, error)

// FilterCache 带 TTL 的交易对规则缓存
type FilterCache struct {
	mu        sync.Mutex
	fetch     FilterFetcher
	ttl       time.Duration
	fetchedAt time.Time
	filters   map[string]SymbolFilters

	now func() time.Time
}

// NewFilterCache 创建缓存，ttl<=0 时默认 1 小时
func NewFilterCache(fetch FilterFetcher, ttl time.Duration) *FilterCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &FilterCache{
		fetch: fetch,
		ttl:   ttl,
		now:   time.Now,
	}
}

// Get 返回某交易对的规则，缓存过期时刷新
func (c *FilterCache) Get(ctx context.Context, symbol string) (SymbolFilters, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.filters == nil || c.now().Sub(c.fetchedAt) > c.ttl {
		fetched, err := c.fetch(ctx)
		if err != nil {
			// 有旧缓存时容忍刷新失败
			if c.filters == nil {
				return SymbolFilters{}, err
			}
		} else {
			c.filters = fetched
			c.fetchedAt = c.now()
		}
	}

	f, ok := c.filters[symbol]
	if !ok {
		return SymbolFilters{}, perrors.Newf(perrors.CodeSymbolNotFound, "symbol %s not in exchange info", symbol)
	}
	return f, nil
}
