// Package exchange 交易所 REST 客户端与订单形态约束
package exchange

import (
	"net/url"
	"time"
)

// Side 订单方向
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite 返回反方向，出场腿用
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// PositionSide 持仓方向（对冲模式）
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
	PositionBoth  PositionSide = "BOTH"
)

// OrderType 交易所订单类型
type OrderType string

const (
	TypeLimit            OrderType = "LIMIT"
	TypeMarket           OrderType = "MARKET"
	TypeStopMarket       OrderType = "STOP_MARKET"
	TypeTakeProfit       OrderType = "TAKE_PROFIT"
	TypeTakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
)

// WorkingType 条件单触发价类型
type WorkingType string

const (
	WorkingMarkPrice     WorkingType = "MARK_PRICE"
	WorkingContractPrice WorkingType = "CONTRACT_PRICE"
)

// TimeInForce 有效方式
type TimeInForce string

const TimeInForceGTC TimeInForce = "GTC"

// LegKind 腿的业务含义
type LegKind string

const (
	KindEntry      LegKind = "ENTRY"
	KindStop       LegKind = "STOP"
	KindTakeProfit LegKind = "TAKE_PROFIT"
)

// OrderStatus 订单状态
type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusExpired         OrderStatus = "EXPIRED"
	StatusRejected        OrderStatus = "REJECTED"
)

// IsTerminal 终态订单从 open orders 视图移除
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusExpired, StatusRejected:
		return true
	}
	return false
}

// OrderLeg 一条待提交的订单腿。不要手工拼装：通过 NewEntryLimit 等
// 构造函数创建，非法的 (type, closePosition, reduceOnly) 组合在构造期
// 就不可表达。
type OrderLeg struct {
	Symbol        string
	Side          Side
	Kind          LegKind
	Type          OrderType
	PositionSide  PositionSide
	Price         string // 空串表示未设置
	StopPrice     string
	Quantity      string
	ClosePosition bool
	ReduceOnly    bool
	WorkingType   WorkingType
	TimeInForce   TimeInForce
	ClientOrderID string
}

// NewEntryLimit 入场限价单
func NewEntryLimit(symbol string, side Side, price, quantity string, positionSide PositionSide, clientOrderID string) OrderLeg {
	return OrderLeg{
		Symbol:        symbol,
		Side:          side,
		Kind:          KindEntry,
		Type:          TypeLimit,
		PositionSide:  positionSide,
		Price:         price,
		Quantity:      quantity,
		TimeInForce:   TimeInForceGTC,
		ClientOrderID: clientOrderID,
	}
}

// NewStopMarket 止损市价单，closePosition 形态，不带数量
func NewStopMarket(symbol string, side Side, stopPrice string, positionSide PositionSide, clientOrderID string) OrderLeg {
	return OrderLeg{
		Symbol:        symbol,
		Side:          side,
		Kind:          KindStop,
		Type:          TypeStopMarket,
		PositionSide:  positionSide,
		StopPrice:     stopPrice,
		ClosePosition: true,
		WorkingType:   WorkingMarkPrice,
		ClientOrderID: clientOrderID,
	}
}

// NewTakeProfitMarket 止盈市价单，closePosition 形态，不带数量与限价
func NewTakeProfitMarket(symbol string, side Side, stopPrice string, positionSide PositionSide, clientOrderID string) OrderLeg {
	return OrderLeg{
		Symbol:        symbol,
		Side:          side,
		Kind:          KindTakeProfit,
		Type:          TypeTakeProfitMarket,
		PositionSide:  positionSide,
		StopPrice:     stopPrice,
		ClosePosition: true,
		WorkingType:   WorkingMarkPrice,
		ClientOrderID: clientOrderID,
	}
}

// NewTakeProfitLimit 止盈限价单，按数量 reduceOnly，持仓存在后才可提交
func NewTakeProfitLimit(symbol string, side Side, price, stopPrice, quantity string, positionSide PositionSide, clientOrderID string) OrderLeg {
	return OrderLeg{
		Symbol:        symbol,
		Side:          side,
		Kind:          KindTakeProfit,
		Type:          TypeTakeProfit,
		PositionSide:  positionSide,
		Price:         price,
		StopPrice:     stopPrice,
		Quantity:      quantity,
		ReduceOnly:    true,
		TimeInForce:   TimeInForceGTC,
		WorkingType:   WorkingMarkPrice,
		ClientOrderID: clientOrderID,
	}
}

// Params 编码为请求参数
func (l OrderLeg) Params() url.Values {
	p := url.Values{}
	p.Set("symbol", l.Symbol)
	p.Set("side", string(l.Side))
	p.Set("type", string(l.Type))
	if l.PositionSide != "" {
		p.Set("positionSide", string(l.PositionSide))
	}
	if l.Price != "" {
		p.Set("price", l.Price)
	}
	if l.StopPrice != "" {
		p.Set("stopPrice", l.StopPrice)
	}
	if l.Quantity != "" {
		p.Set("quantity", l.Quantity)
	}
	if l.ClosePosition {
		p.Set("closePosition", "true")
	}
	if l.ReduceOnly {
		p.Set("reduceOnly", "true")
	}
	if l.WorkingType != "" {
		p.Set("workingType", string(l.WorkingType))
	}
	if l.TimeInForce != "" {
		p.Set("timeInForce", string(l.TimeInForce))
	}
	if l.ClientOrderID != "" {
		p.Set("newClientOrderId", l.ClientOrderID)
	}
	return p
}

// OrderAck 下单/撤单应答
type OrderAck struct {
	OrderID       int64       `json:"orderId"`
	ClientOrderID string      `json:"clientOrderId"`
	Symbol        string      `json:"symbol"`
	Status        OrderStatus `json:"status"`
	Side          Side        `json:"side"`
	Type          OrderType   `json:"type"`
	Price         string      `json:"price"`
	StopPrice     string      `json:"stopPrice"`
	OrigQty       string      `json:"origQty"`
	ReduceOnly    bool        `json:"reduceOnly"`
	ClosePosition bool        `json:"closePosition"`
	UpdateTime    int64       `json:"updateTime"`
}

// OpenOrder 交易所挂单视图。CreatedAt 一经观测不再被覆盖，
// 以便清扫器计算真实挂单时长。
type OpenOrder struct {
	OrderID       int64       `json:"orderId"`
	Symbol        string      `json:"symbol"`
	Side          Side        `json:"side"`
	Type          OrderType   `json:"type"`
	Price         string      `json:"price"`
	StopPrice     string      `json:"stopPrice"`
	Quantity      string      `json:"origQty"`
	ReduceOnly    bool        `json:"reduceOnly"`
	ClosePosition bool        `json:"closePosition"`
	Status        OrderStatus `json:"status"`
	CreatedAt     time.Time   `json:"-"`
	UpdatedAt     time.Time   `json:"-"`
}

// Position 持仓视图，signedSize 为零表示已平
type Position struct {
	Symbol     string       `json:"symbol"`
	SignedSize string       `json:"positionAmt"`
	EntryPrice string       `json:"entryPrice"`
	Side       PositionSide `json:"positionSide"`
	Leverage   string       `json:"leverage"`
	UpdatedAt  time.Time    `json:"-"`
}
