// Package audit 执行审计日志：记录每一次下单、撤单、成交与强平动作
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"
)

type EventType string

const (
	// 订单生命周期
	EventOrderPlaced   EventType = "ORDER_PLACED"
	EventOrderCanceled EventType = "ORDER_CANCELED"
	EventOrderFilled   EventType = "ORDER_FILLED"
	EventOrderRejected EventType = "ORDER_REJECTED"
	EventOrderExpired  EventType = "ORDER_EXPIRED"

	// 清理动作
	EventSweepCancel       EventType = "SWEEP_CANCEL"
	EventWatchdogAction    EventType = "WATCHDOG_ACTION"
	EventPositionFlattened EventType = "POSITION_FLATTENED"

	// 延迟止盈
	EventExitDeferred EventType = "EXIT_DEFERRED"
	EventExitSent     EventType = "EXIT_SENT"
	EventExitCleaned  EventType = "EXIT_CLEANED"
)

const (
	ResultSuccess = "SUCCESS"
	ResultFailed  = "FAILED"
)

// Event 一条审计记录
type Event struct {
	EventType EventType `json:"eventType"`
	Symbol    string    `json:"symbol"`
	OrderID   int64     `json:"orderId,omitempty"`
	ClientID  string    `json:"clientOrderId,omitempty"`
	Side      string    `json:"side,omitempty"`
	OrderType string    `json:"orderType,omitempty"`
	Source    string    `json:"source"` // orchestrator/stream/sweeper/watchdog/waiting
	Reason    string    `json:"reason,omitempty"`
	Params    string    `json:"params"` // JSON，已脱敏
	Result    string    `json:"result"`
	ErrorMsg  string    `json:"errorMsg,omitempty"`
	Timestamp int64     `json:"timestamp"`
}

// Sink 审计落地接口
type Sink interface {
	Record(ctx context.Context, ev *Event)
}

// NewEvent 创建审计事件，Timestamp 为 Unix 毫秒
func NewEvent(eventType EventType, symbol, source string) *Event {
	return &Event{
		EventType: eventType,
		Symbol:    symbol,
		Source:    source,
		Timestamp: time.Now().UnixMilli(),
		Result:    ResultSuccess,
		Params:    "{}",
	}
}

// WithOrder 设置订单标识
func (e *Event) WithOrder(orderID int64, clientID string) *Event {
	if e == nil {
		return nil
	}
	e.OrderID = orderID
	e.ClientID = clientID
	return e
}

// WithShape 设置订单形态
func (e *Event) WithShape(side, orderType string) *Event {
	if e == nil {
		return nil
	}
	e.Side = side
	e.OrderType = orderType
	return e
}

// WithReason 设置原因（自动撤单与成交要能区分）
func (e *Event) WithReason(reason string) *Event {
	if e == nil {
		return nil
	}
	e.Reason = reason
	return e
}

// WithParams 设置参数（自动脱敏敏感字段）
func (e *Event) WithParams(params map[string]interface{}) *Event {
	if e == nil {
		return nil
	}
	b, err := json.Marshal(sanitizeParams(params))
	if err != nil {
		e.Params = "{}"
		return e
	}
	e.Params = string(b)
	return e
}

// WithResult 设置结果
func (e *Event) WithResult(success bool, errMsg string) *Event {
	if e == nil {
		return nil
	}
	if success {
		e.Result = ResultSuccess
		e.ErrorMsg = ""
		return e
	}
	e.Result = ResultFailed
	e.ErrorMsg = errMsg
	return e
}

func sanitizeParams(params map[string]interface{}) map[string]interface{} {
	if params == nil {
		return map[string]interface{}{}
	}
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		if isSensitiveKey(k) {
			out[k] = "***"
			continue
		}
		if nested, ok := v.(map[string]interface{}); ok {
			out[k] = sanitizeParams(nested)
			continue
		}
		out[k] = v
	}
	return out
}

func isSensitiveKey(key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	if k == "" {
		return false
	}
	return strings.Contains(k, "secret") ||
		strings.Contains(k, "password") ||
		strings.Contains(k, "token") ||
		strings.Contains(k, "apikey") ||
		strings.Contains(k, "api_key") ||
		k == "key" ||
		strings.HasSuffix(k, "_key") ||
		strings.Contains(k, "signature")
}

// DBSink 使用 PostgreSQL（database/sql）存储审计日志，默认异步写入，
// 避免阻塞下单主链路。表结构见 CreateTableSQL，append-only。
//
// 应用需自行 import PostgreSQL driver（如 github.com/lib/pq）。
type DBSink struct {
	db *sql.DB

	insertQueue chan *Event
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	onError func(error)
}

type DBSinkOption func(*dbSinkOptions)

type dbSinkOptions struct {
	queueSize  int
	workers    int
	onError    func(error)
	skipWorker bool
}

func WithQueueSize(size int) DBSinkOption {
	return func(o *dbSinkOptions) {
		if size > 0 {
			o.queueSize = size
		}
	}
}

func WithWorkers(n int) DBSinkOption {
	return func(o *dbSinkOptions) {
		if n > 0 {
			o.workers = n
		}
	}
}

func WithErrorHandler(fn func(error)) DBSinkOption {
	return func(o *dbSinkOptions) {
		if fn != nil {
			o.onError = fn
		}
	}
}

// WithSynchronousWrite 让 Record() 直接写数据库（仅测试/工具使用）
func WithSynchronousWrite() DBSinkOption {
	return func(o *dbSinkOptions) {
		o.skipWorker = true
	}
}

func NewDBSink(db *sql.DB, opts ...DBSinkOption) (*DBSink, error) {
	if db == nil {
		return nil, errors.New("audit: db is nil")
	}

	cfg := dbSinkOptions{
		queueSize: 4096,
		workers:   2,
		onError:   func(error) {},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	s := &DBSink{
		db:      db,
		onError: cfg.onError,
	}

	if cfg.skipWorker {
		return s, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.insertQueue = make(chan *Event, cfg.queueSize)

	for i := 0; i < cfg.workers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case item := <-s.insertQueue:
					if item == nil {
						continue
					}
					if err := s.insert(ctx, item); err != nil {
						s.onError(err)
					}
				}
			}
		}()
	}

	return s, nil
}

// Close 关闭后台写入协程（可选调用）
func (s *DBSink) Close() {
	if s == nil {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *DBSink) Record(ctx context.Context, ev *Event) {
	if s == nil || s.db == nil || ev == nil {
		return
	}

	if strings.TrimSpace(ev.Params) == "" {
		ev.Params = "{}"
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}

	if s.insertQueue == nil {
		if err := s.insert(ctx, ev); err != nil {
			s.onError(err)
		}
		return
	}

	select {
	case s.insertQueue <- ev:
	default:
		// 队列满：丢弃并通知，不阻塞主流程
		if s.onError != nil {
			s.onError(errors.New("audit: queue full, event dropped"))
		}
	}
}

func (s *DBSink) insert(ctx context.Context, ev *Event) error {
	const stmt = `
INSERT INTO execution_audit (
  event_type, symbol, order_id, client_order_id, side, order_type, source, reason, params, result, error_msg, timestamp
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
)
`
	_, err := s.db.ExecContext(ctx, stmt,
		ev.EventType,
		ev.Symbol,
		ev.OrderID,
		ev.ClientID,
		ev.Side,
		ev.OrderType,
		ev.Source,
		ev.Reason,
		ev.Params,
		ev.Result,
		ev.ErrorMsg,
		ev.Timestamp,
	)
	return err
}

// CreateTableSQL 提供 execution_audit 表结构（可用于初始化/迁移）
const CreateTableSQL = `
CREATE TABLE IF NOT EXISTS execution_audit (
  id BIGSERIAL PRIMARY KEY,
  event_type VARCHAR(64) NOT NULL,
  symbol VARCHAR(32) NOT NULL DEFAULT '',
  order_id BIGINT NOT NULL DEFAULT 0,
  client_order_id VARCHAR(64) NOT NULL DEFAULT '',
  side VARCHAR(8) NOT NULL DEFAULT '',
  order_type VARCHAR(32) NOT NULL DEFAULT '',
  source VARCHAR(32) NOT NULL DEFAULT '',
  reason VARCHAR(128) NOT NULL DEFAULT '',
  params JSONB NOT NULL DEFAULT '{}'::jsonb,
  result VARCHAR(16) NOT NULL DEFAULT 'SUCCESS',
  error_msg TEXT NOT NULL DEFAULT '',
  timestamp BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_execution_audit_ts ON execution_audit(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_execution_audit_symbol_ts ON execution_audit(symbol, timestamp DESC);
`
