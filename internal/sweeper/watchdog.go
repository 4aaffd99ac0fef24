package sweeper

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/exchange/execution/internal/exchange"
	"github.com/exchange/execution/internal/notify"
	"github.com/exchange/execution/internal/reconciler"
	"github.com/exchange/execution/pkg/audit"
)

// ScheduleCheck 批次落地后延时安排一次交易对检查
func (s *Sweeper) ScheduleCheck(symbol string) {
	s.schedule(s.cfg.WatchdogDelay, func() {
		s.CheckSymbol(context.Background(), symbol)
	})
}

// CheckSymbol 出场完整性检查：
//
//	有持仓但止损和止盈都不在场 → 强平并撤掉剩余挂单
//	无持仓也无出场腿 → 撤掉悬空的入场单，清掉延迟止盈登记
//
// 任一视图未就绪都直接跳过，未知状态绝不触发强平。
func (s *Sweeper) CheckSymbol(ctx context.Context, symbol string) {
	if !s.state.Ready(reconciler.KindPositions) || !s.state.Ready(reconciler.KindOrders) {
		s.log.Warnf("watchdog skipped, state not ready", map[string]interface{}{
			"symbol": symbol,
		})
		return
	}

	orders := s.state.OpenOrdersFor(symbol)
	hasStop, hasTakeProfit, entries := classifyOrders(orders)

	position, hasPosition := s.state.PositionFor(symbol)

	if hasPosition {
		if hasStop || hasTakeProfit {
			return
		}
		s.flatten(ctx, symbol, position)
		return
	}

	// 无持仓：出场腿还在就留给交易所自行过期，只有完全悬空的
	// 入场单需要撤掉
	if hasStop || hasTakeProfit {
		return
	}
	for _, order := range entries {
		if _, err := s.client.CancelOrder(ctx, symbol, order.OrderID); err != nil {
			s.log.Errorf("dangling entry cancel failed", map[string]interface{}{
				"symbol":  symbol,
				"orderId": order.OrderID,
				"error":   err.Error(),
			})
			continue
		}
		s.report(ctx, audit.EventWatchdogAction, notify.EventOrderCanceled, symbol, order.OrderID,
			string(order.Side), string(order.Type), "dangling entry, no position")
		if s.metrics != nil {
			s.metrics.IncOrderCanceled("watchdog")
		}
	}
	if s.exits != nil && len(entries) > 0 {
		s.exits.Cleanup(ctx, symbol, "entry canceled by watchdog")
	}
}

// flatten 市价全平没有任何保护腿的持仓
func (s *Sweeper) flatten(ctx context.Context, symbol string, position exchange.Position) {
	size, err := decimal.NewFromString(position.SignedSize)
	if err != nil || size.IsZero() {
		return
	}

	side := exchange.SideSell
	if size.Sign() < 0 {
		side = exchange.SideBuy
	}

	s.log.Warnf("position without protective exits, flattening", map[string]interface{}{
		"symbol": symbol,
		"size":   position.SignedSize,
	})

	ack, err := s.client.ClosePositionMarket(ctx, symbol, side, position.Side, size.Abs().String())
	if err != nil {
		s.log.Errorf("force flatten failed", map[string]interface{}{
			"symbol": symbol,
			"error":  err.Error(),
		})
		if s.sink != nil {
			s.sink.Record(ctx, audit.NewEvent(audit.EventPositionFlattened, symbol, "watchdog").
				WithResult(false, err.Error()))
		}
		return
	}

	if err := s.client.CancelAllOrders(ctx, symbol); err != nil {
		s.log.Errorf("cancel remaining orders failed", map[string]interface{}{
			"symbol": symbol,
			"error":  err.Error(),
		})
	}
	if s.exits != nil {
		s.exits.Cleanup(ctx, symbol, "position flattened by watchdog")
	}

	s.report(ctx, audit.EventPositionFlattened, notify.EventPositionFlattened, symbol, ack.OrderID,
		string(side), string(exchange.TypeMarket), "no protective exits")
}

// classifyOrders 把挂单分成 止损 / 止盈 / 入场 三类
func classifyOrders(orders []exchange.OpenOrder) (hasStop, hasTakeProfit bool, entries []exchange.OpenOrder) {
	for _, o := range orders {
		switch o.Type {
		case exchange.TypeStopMarket:
			hasStop = true
		case exchange.TypeTakeProfit, exchange.TypeTakeProfitMarket:
			hasTakeProfit = true
		case exchange.TypeLimit:
			if !o.ReduceOnly && !o.ClosePosition {
				entries = append(entries, o)
			}
		}
	}
	return hasStop, hasTakeProfit, entries
}
