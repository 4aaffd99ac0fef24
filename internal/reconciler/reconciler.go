// Package reconciler 持仓与挂单的权威内存视图。
//
// 推流事件增量更新，(重)连接时用 REST 快照重建。所有共享状态由本组件
// 独占持有，外部只能通过快照方法读取。
package reconciler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/exchange/execution/internal/exchange"
	"github.com/exchange/execution/internal/notify"
	"github.com/exchange/execution/pkg/audit"
	"github.com/exchange/execution/pkg/logger"
)

// Kind 状态视图种类
type Kind string

const (
	KindPositions Kind = "positions"
	KindOrders    Kind = "orders"
)

// RestClient 重建状态所需的 REST 能力子集
type RestClient interface {
	Positions(ctx context.Context, symbol string) ([]exchange.Position, error)
	OpenOrders(ctx context.Context, symbol string) ([]exchange.OpenOrder, error)
	StartUserStream(ctx context.Context) (string, error)
	KeepAliveUserStream(ctx context.Context) error
}

// Config 推流连接配置
type Config struct {
	// StreamBaseURL 推流地址，listenKey 追加在路径末尾
	StreamBaseURL string
	// ReconnectBase 重连退避起点
	ReconnectBase time.Duration
	// ReconnectMax 重连退避上限
	ReconnectMax time.Duration
	// OnReconnect 每次断开后准备重连时回调，可为 nil
	OnReconnect func()
}

// Reconciler 单写多读的状态协调器
type Reconciler struct {
	cfg       Config
	client    RestClient
	log       *logger.Logger
	sink      audit.Sink
	publisher *notify.Publisher

	mu             sync.RWMutex
	positions      map[string]exchange.Position
	orders         map[int64]exchange.OpenOrder
	readyPositions bool
	readyOrders    bool
	connState      ConnState

	dial dialFunc
}

// New 创建 Reconciler。sink 与 publisher 可为 nil。
func New(cfg Config, client RestClient, log *logger.Logger, sink audit.Sink, publisher *notify.Publisher) *Reconciler {
	if cfg.StreamBaseURL == "" {
		cfg.StreamBaseURL = defaultStreamBaseURL
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = time.Minute
	}
	return &Reconciler{
		cfg:       cfg,
		client:    client,
		log:       log,
		sink:      sink,
		publisher: publisher,
		positions: make(map[string]exchange.Position),
		orders:    make(map[int64]exchange.OpenOrder),
		connState: StateDisconnected,
		dial:      wsDial,
	}
}

// Ready 返回某类视图是否已完成至少一次成功更新。
// 未就绪的视图必须被当作"未知"而不是"空仓/无挂单"。
func (r *Reconciler) Ready(kind Kind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch kind {
	case KindPositions:
		return r.readyPositions
	case KindOrders:
		return r.readyOrders
	}
	return false
}

// Positions 返回非零持仓快照
func (r *Reconciler) Positions() []exchange.Position {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]exchange.Position, 0, len(r.positions))
	for _, p := range r.positions {
		if isZeroSize(p.SignedSize) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// PositionFor 返回指定交易对的非零持仓
func (r *Reconciler) PositionFor(symbol string) (exchange.Position, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.positions[symbol]
	if !ok || isZeroSize(p.SignedSize) {
		return exchange.Position{}, false
	}
	return p, true
}

// OpenOrders 返回全部挂单快照
func (r *Reconciler) OpenOrders() []exchange.OpenOrder {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]exchange.OpenOrder, 0, len(r.orders))
	for _, o := range r.orders {
		out = append(out, o)
	}
	return out
}

// OpenOrdersFor 返回指定交易对的挂单快照
func (r *Reconciler) OpenOrdersFor(symbol string) []exchange.OpenOrder {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []exchange.OpenOrder
	for _, o := range r.orders {
		if o.Symbol == symbol {
			out = append(out, o)
		}
	}
	return out
}

// Rehydrate 用 REST 快照重建两类视图。挂单的 CreatedAt 一经观测不再覆盖。
func (r *Reconciler) Rehydrate(ctx context.Context) error {
	positions, err := r.client.Positions(ctx, "")
	if err != nil {
		return err
	}
	orders, err := r.client.OpenOrders(ctx, "")
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.positions = make(map[string]exchange.Position, len(positions))
	for _, p := range positions {
		r.positions[p.Symbol] = p
	}

	fresh := make(map[int64]exchange.OpenOrder, len(orders))
	for _, o := range orders {
		if prev, ok := r.orders[o.OrderID]; ok && !prev.CreatedAt.IsZero() {
			o.CreatedAt = prev.CreatedAt
		}
		fresh[o.OrderID] = o
	}
	r.orders = fresh

	r.readyPositions = true
	r.readyOrders = true

	r.log.Infof("state rehydrated", map[string]interface{}{
		"positions": len(r.positions),
		"orders":    len(r.orders),
	})
	return nil
}

// 推流事件封包
type streamEvent struct {
	Event string `json:"e"`
	Time  int64  `json:"E"`

	Order   *orderUpdate   `json:"o,omitempty"`
	Account *accountUpdate `json:"a,omitempty"`
}

type orderUpdate struct {
	Symbol        string `json:"s"`
	ClientOrderID string `json:"c"`
	Side          string `json:"S"`
	OrderType     string `json:"o"`
	Price         string `json:"p"`
	StopPrice     string `json:"sp"`
	Quantity      string `json:"q"`
	Status        string `json:"X"`
	OrderID       int64  `json:"i"`
	ReduceOnly    bool   `json:"R"`
	ClosePosition bool   `json:"cp"`
	TradeTime     int64  `json:"T"`
}

type accountUpdate struct {
	Positions []struct {
		Symbol     string `json:"s"`
		Amount     string `json:"pa"`
		EntryPrice string `json:"ep"`
		Side       string `json:"ps"`
	} `json:"P"`
}

// handleMessage 解析一条推流消息并应用。未知事件忽略，
// 会话过期事件返回错误以触发重连。
func (r *Reconciler) handleMessage(ctx context.Context, data []byte) error {
	var ev streamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		r.log.WithError(err).Warn("undecodable stream message dropped")
		return nil
	}

	switch ev.Event {
	case "ORDER_TRADE_UPDATE":
		if ev.Order != nil {
			r.applyOrderUpdate(ctx, ev.Time, *ev.Order)
		}
	case "ACCOUNT_UPDATE":
		if ev.Account != nil {
			r.applyAccountUpdate(ev.Time, *ev.Account)
		}
	case "listenKeyExpired":
		return errSessionExpired
	}
	return nil
}

// applyOrderUpdate 按状态翻译订单事件：非终态 upsert，终态移除并转发审计
func (r *Reconciler) applyOrderUpdate(ctx context.Context, eventTime int64, u orderUpdate) {
	status := exchange.OrderStatus(u.Status)

	r.mu.Lock()
	if status.IsTerminal() {
		delete(r.orders, u.OrderID)
	} else {
		o := exchange.OpenOrder{
			OrderID:       u.OrderID,
			Symbol:        u.Symbol,
			Side:          exchange.Side(u.Side),
			Type:          exchange.OrderType(u.OrderType),
			Price:         u.Price,
			StopPrice:     u.StopPrice,
			Quantity:      u.Quantity,
			ReduceOnly:    u.ReduceOnly,
			ClosePosition: u.ClosePosition,
			Status:        status,
			UpdatedAt:     time.UnixMilli(eventTime),
		}
		if prev, ok := r.orders[u.OrderID]; ok && !prev.CreatedAt.IsZero() {
			o.CreatedAt = prev.CreatedAt
		} else if u.TradeTime > 0 {
			o.CreatedAt = time.UnixMilli(u.TradeTime)
		} else {
			o.CreatedAt = time.UnixMilli(eventTime)
		}
		r.orders[u.OrderID] = o
	}
	r.readyOrders = true
	r.mu.Unlock()

	switch status {
	case exchange.StatusFilled:
		r.forward(ctx, audit.EventOrderFilled, notify.EventOrderFilled, u, "filled")
	case exchange.StatusCanceled, exchange.StatusExpired:
		r.forward(ctx, audit.EventOrderCanceled, notify.EventOrderCanceled, u, string(status))
	case exchange.StatusRejected:
		r.forward(ctx, audit.EventOrderRejected, notify.EventOrderCanceled, u, "rejected")
	}
}

func (r *Reconciler) forward(ctx context.Context, auditType audit.EventType, notifyType string, u orderUpdate, reason string) {
	if r.sink != nil {
		ev := audit.NewEvent(auditType, u.Symbol, "stream").
			WithOrder(u.OrderID, u.ClientOrderID).
			WithShape(u.Side, u.OrderType).
			WithReason(reason)
		r.sink.Record(ctx, ev)
	}
	if err := r.publisher.PublishOrderEvent(ctx, notify.OrderEvent{
		Event:     notifyType,
		Symbol:    u.Symbol,
		OrderID:   u.OrderID,
		Side:      u.Side,
		OrderType: u.OrderType,
		Price:     u.Price,
		Quantity:  u.Quantity,
		Source:    "stream",
		Reason:    reason,
		Timestamp: time.Now().UnixMilli(),
	}); err != nil {
		r.log.WithError(err).Warn("order event publish failed")
	}
}

// applyAccountUpdate 持仓事件直接 upsert。零仓位条目保留，由读取方过滤。
func (r *Reconciler) applyAccountUpdate(eventTime int64, u accountUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range u.Positions {
		prev := r.positions[p.Symbol]
		prev.Symbol = p.Symbol
		prev.SignedSize = p.Amount
		prev.EntryPrice = p.EntryPrice
		prev.Side = exchange.PositionSide(p.Side)
		prev.UpdatedAt = time.UnixMilli(eventTime)
		r.positions[p.Symbol] = prev
	}
	r.readyPositions = true
}

func isZeroSize(size string) bool {
	d, err := decimal.NewFromString(size)
	if err != nil {
		return true
	}
	return d.IsZero()
}
