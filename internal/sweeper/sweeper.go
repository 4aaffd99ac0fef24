// Package sweeper 周期清理：超龄挂单撤销与出场完整性看门狗
package sweeper

import (
	"context"
	"time"

	"github.com/exchange/execution/internal/exchange"
	"github.com/exchange/execution/internal/governor"
	"github.com/exchange/execution/internal/metrics"
	"github.com/exchange/execution/internal/notify"
	"github.com/exchange/execution/internal/reconciler"
	"github.com/exchange/execution/pkg/audit"
	"github.com/exchange/execution/pkg/logger"
)

// StateView 对账器提供的状态视图
type StateView interface {
	Ready(kind reconciler.Kind) bool
	OpenOrders() []exchange.OpenOrder
	OpenOrdersFor(symbol string) []exchange.OpenOrder
	PositionFor(symbol string) (exchange.Position, bool)
}

// ExchangeClient 清理动作所需的交易所能力
type ExchangeClient interface {
	CancelOrder(ctx context.Context, symbol string, orderID int64) (*exchange.OrderAck, error)
	CancelAllOrders(ctx context.Context, symbol string) error
	ClosePositionMarket(ctx context.Context, symbol string, side exchange.Side, positionSide exchange.PositionSide, quantity string) (*exchange.OrderAck, error)
}

// ExitCleaner 撤掉交易对对应的延迟止盈登记
type ExitCleaner interface {
	Cleanup(ctx context.Context, symbol, reason string)
}

// GovernorView 限流快照来源
type GovernorView interface {
	Snapshot() governor.Snapshot
}

// Config 清理配置
type Config struct {
	// MaxOrderAge 挂单超过该时长即撤销，0 表示停用清扫
	MaxOrderAge time.Duration
	// WatchdogDelay 批次落地后多久做出场完整性检查
	WatchdogDelay time.Duration
}

// Sweeper 挂单清扫与看门狗
type Sweeper struct {
	cfg       Config
	state     StateView
	client    ExchangeClient
	exits     ExitCleaner
	gov       GovernorView
	log       *logger.Logger
	sink      audit.Sink
	publisher *notify.Publisher
	metrics   *metrics.Metrics

	schedule func(d time.Duration, fn func())
	now      func() time.Time
}

// New 创建 Sweeper。exits、sink、publisher、m 均可为 nil。
func New(cfg Config, state StateView, client ExchangeClient, exits ExitCleaner, gov GovernorView, log *logger.Logger, sink audit.Sink, publisher *notify.Publisher, m *metrics.Metrics) *Sweeper {
	if cfg.WatchdogDelay <= 0 {
		cfg.WatchdogDelay = time.Minute
	}
	return &Sweeper{
		cfg:       cfg,
		state:     state,
		client:    client,
		exits:     exits,
		gov:       gov,
		log:       log,
		sink:      sink,
		publisher: publisher,
		metrics:   m,
		schedule: func(d time.Duration, fn func()) {
			time.AfterFunc(d, fn)
		},
		now: time.Now,
	}
}

// SweepOnce 撤销超龄挂单。退避窗口内整轮跳过；
// 挂单视图未就绪时同样跳过，未知状态绝不触发清理。
func (s *Sweeper) SweepOnce(ctx context.Context) {
	if s.cfg.MaxOrderAge <= 0 {
		return
	}
	if snap := s.gov.Snapshot(); snap.BackoffActive(s.now()) {
		s.log.Warn("sweep skipped, backoff window active")
		return
	}
	if !s.state.Ready(reconciler.KindOrders) {
		s.log.Warn("sweep skipped, order view not ready")
		return
	}

	now := s.now()
	for _, order := range s.state.OpenOrders() {
		if order.CreatedAt.IsZero() {
			continue
		}
		age := now.Sub(order.CreatedAt)
		if age <= s.cfg.MaxOrderAge {
			continue
		}

		_, err := s.client.CancelOrder(ctx, order.Symbol, order.OrderID)
		if err != nil {
			s.log.Errorf("stale order cancel failed", map[string]interface{}{
				"symbol":  order.Symbol,
				"orderId": order.OrderID,
				"error":   err.Error(),
			})
			continue
		}

		s.report(ctx, audit.EventSweepCancel, notify.EventSweepCancel, order.Symbol, order.OrderID,
			string(order.Side), string(order.Type), "stale for "+age.Round(time.Second).String())
		if s.metrics != nil {
			s.metrics.IncOrderCanceled("sweeper")
		}
	}
}

func (s *Sweeper) report(ctx context.Context, auditType audit.EventType, notifyType, symbol string, orderID int64, side, orderType, reason string) {
	if s.sink != nil {
		s.sink.Record(ctx, audit.NewEvent(auditType, symbol, "sweeper").
			WithOrder(orderID, "").
			WithShape(side, orderType).
			WithReason(reason))
	}
	if s.publisher != nil {
		if err := s.publisher.PublishOrderEvent(ctx, notify.OrderEvent{
			Event:     notifyType,
			Symbol:    symbol,
			OrderID:   orderID,
			Side:      side,
			OrderType: orderType,
			Source:    "sweeper",
			Reason:    reason,
			Timestamp: s.now().UnixMilli(),
		}); err != nil {
			s.log.WithError(err).Warn("sweep event publish failed")
		}
	}
}
