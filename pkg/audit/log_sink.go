package audit

import "context"

// FieldLogger 结构化日志接口，pkg/logger.Logger 天然满足
type FieldLogger interface {
	Infof(msg string, fields map[string]interface{})
}

// LogSink 把审计事件写进结构化日志，没有配置数据库时作为兜底
type LogSink struct {
	log FieldLogger
}

func NewLogSink(log FieldLogger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Record(ctx context.Context, ev *Event) {
	if s == nil || s.log == nil || ev == nil {
		return
	}
	s.log.Infof("audit", map[string]interface{}{
		"eventType": string(ev.EventType),
		"symbol":    ev.Symbol,
		"orderId":   ev.OrderID,
		"clientId":  ev.ClientID,
		"side":      ev.Side,
		"orderType": ev.OrderType,
		"source":    ev.Source,
		"reason":    ev.Reason,
		"result":    ev.Result,
		"errorMsg":  ev.ErrorMsg,
		"params":    ev.Params,
	})
}
