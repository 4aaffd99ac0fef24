package exchange

import (
	perrors "github.com/exchange/execution/pkg/errors"
)

// SanitizeMode 控制无法直接修复的形态如何处理
type SanitizeMode string

const (
	// SanitizeModeStrict 无法安全修复的订单直接拒绝（默认）
	SanitizeModeStrict SanitizeMode = "strict"
	// SanitizeModeRepair 尽量改写成合法形态
	SanitizeModeRepair SanitizeMode = "repair"
)

// Sanitizer 提交前的最后一道订单形态检查
type Sanitizer struct {
	Mode     SanitizeMode
	LongOnly bool
}

// closePosition 仅允许出现在市价触发型订单上
func allowsClosePosition(t OrderType) bool {
	return t == TypeStopMarket || t == TypeTakeProfitMarket
}

// Sanitize 按固定顺序应用修复规则，返回修复后的副本。
// 规则无法安全应用时返回 INVARIANT_VIOLATION，调用方不得重试。
func (s Sanitizer) Sanitize(leg OrderLeg) (OrderLeg, error) {
	// (a) 市价触发型止盈不允许带限价
	if leg.Type == TypeTakeProfitMarket && leg.Price != "" {
		leg.Price = ""
	}
	if leg.Type == TypeStopMarket && leg.Price != "" {
		leg.Price = ""
	}

	// (b) closePosition 与 reduceOnly 互斥：closePosition 蕴含全平
	if leg.ClosePosition && leg.ReduceOnly {
		leg.ReduceOnly = false
	}

	// (c) closePosition 只有市价触发型订单合法
	if leg.ClosePosition && !allowsClosePosition(leg.Type) {
		if s.Mode != SanitizeModeRepair {
			return leg, perrors.Newf(perrors.CodeInvariantViolation,
				"closePosition is illegal on %s order for %s", leg.Type, leg.Symbol)
		}
		// 修复模式：降级为对应的市价触发型
		switch leg.Kind {
		case KindTakeProfit:
			leg.Type = TypeTakeProfitMarket
			leg.Price = ""
			leg.Quantity = ""
			leg.TimeInForce = ""
		case KindStop:
			leg.Type = TypeStopMarket
			leg.Price = ""
			leg.Quantity = ""
			leg.TimeInForce = ""
		default:
			return leg, perrors.Newf(perrors.CodeInvariantViolation,
				"cannot repair closePosition on %s %s leg", leg.Type, leg.Kind)
		}
	}

	// closePosition 形态不带数量
	if leg.ClosePosition && leg.Quantity != "" {
		leg.Quantity = ""
	}

	// (d) 只做多安全模式：白名单之外一律拒绝，不做静默改写
	if s.LongOnly {
		if err := s.checkLongOnly(leg); err != nil {
			return leg, err
		}
	}

	return leg, nil
}

// checkLongOnly 只做多模式下合法的 (side, type, closePosition) 组合：
//
//	BUY  + LIMIT              入场
//	SELL + STOP_MARKET        closePosition 止损
//	SELL + TAKE_PROFIT_MARKET closePosition 止盈
//	SELL + TAKE_PROFIT        reduceOnly 限价止盈
func (s Sanitizer) checkLongOnly(leg OrderLeg) error {
	switch {
	case leg.Side == SideBuy && leg.Type == TypeLimit && !leg.ClosePosition:
		return nil
	case leg.Side == SideSell && leg.Type == TypeStopMarket && leg.ClosePosition:
		return nil
	case leg.Side == SideSell && leg.Type == TypeTakeProfitMarket && leg.ClosePosition:
		return nil
	case leg.Side == SideSell && leg.Type == TypeTakeProfit && !leg.ClosePosition:
		return nil
	}
	return perrors.Newf(perrors.CodeInvariantViolation,
		"long-only mode rejects %s %s closePosition=%v for %s",
		leg.Side, leg.Type, leg.ClosePosition, leg.Symbol)
}
