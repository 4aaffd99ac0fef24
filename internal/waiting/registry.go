// Package waiting 延迟止盈登记表。
//
// 持仓尚不存在时止盈腿无法提交（交易所会拒绝 reduceOnly 空仓单），
// 登记到这里等待定时对账：观测到非零持仓后按实际仓位补发。
// 每次变更都持久化，进程重启后先对照交易所实况再恢复。
package waiting

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/exchange/execution/internal/exchange"
	"github.com/exchange/execution/internal/notify"
	"github.com/exchange/execution/pkg/audit"
	"github.com/exchange/execution/pkg/logger"
	"github.com/exchange/execution/pkg/snowflake"
)

// Status 等待条目状态。SENT 与 CLEANED 为终态，条目随即移除。
type Status string

const (
	StatusWaiting Status = "WAITING"
	StatusSent    Status = "SENT"
	StatusCleaned Status = "CLEANED"
)

// Entry 一条等待补发的止盈
type Entry struct {
	Symbol          string `json:"symbol"`
	Side            string `json:"side"`
	PositionSide    string `json:"positionSide"`
	TargetPrice     string `json:"targetPrice"`
	PlannedQuantity string `json:"plannedQuantity,omitempty"`
	Since           int64  `json:"since"`
	LastCheckedAt   int64  `json:"lastCheckedAt,omitempty"`
	NonZeroChecks   int    `json:"consecutiveNonZeroChecks"`
	ObservedSize    string `json:"observedPositionSize,omitempty"`
	Status          Status `json:"status"`
	LastError       string `json:"lastError,omitempty"`
	LastErrorAt     int64  `json:"lastErrorAt,omitempty"`

	// sending 标记补发请求在途，不落盘。在途条目对后续 pass 不可见，
	// 同一条止盈绝不重复提交。
	sending bool
}

// Placer 补发止盈所需的下单能力
type Placer interface {
	PlaceOrder(ctx context.Context, leg exchange.OrderLeg) (*exchange.OrderAck, error)
}

// Config 登记表配置
type Config struct {
	// ConfirmChecks 连续观测到非零持仓多少次后补发，最小 1
	ConfirmChecks int
}

// Registry 每个交易对至多一条等待条目
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Entry

	store     Store
	placer    Placer
	sink      audit.Sink
	publisher *notify.Publisher
	log       *logger.Logger
	gen       *snowflake.Generator

	confirmChecks int
	now           func() time.Time
}

// New 创建登记表。sink 与 publisher 可为 nil。
func New(cfg Config, store Store, placer Placer, gen *snowflake.Generator, log *logger.Logger, sink audit.Sink, publisher *notify.Publisher) *Registry {
	confirm := cfg.ConfirmChecks
	if confirm < 1 {
		confirm = 1
	}
	return &Registry{
		entries:       make(map[string]*Entry),
		store:         store,
		placer:        placer,
		sink:          sink,
		publisher:     publisher,
		log:           log,
		gen:           gen,
		confirmChecks: confirm,
		now:           time.Now,
	}
}

// Load 从持久化存储恢复 WAITING 条目。文件损坏按空队列处理。
func (r *Registry) Load() {
	entries, err := r.store.Load()
	if err != nil {
		r.log.WithError(err).Warn("waiting state unreadable, starting empty")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range entries {
		e := entries[i]
		if e.Status != StatusWaiting || e.Symbol == "" {
			continue
		}
		r.entries[e.Symbol] = &e
	}
}

// Schedule 登记一条等待补发的止盈并立即持久化。
// 同一交易对重复登记时新条目覆盖旧条目。
func (r *Registry) Schedule(ctx context.Context, symbol string, side exchange.Side, positionSide exchange.PositionSide, targetPrice, plannedQty string) {
	now := r.now()

	r.mu.Lock()
	r.entries[symbol] = &Entry{
		Symbol:          symbol,
		Side:            string(side),
		PositionSide:    string(positionSide),
		TargetPrice:     targetPrice,
		PlannedQuantity: plannedQty,
		Since:           now.UnixMilli(),
		Status:          StatusWaiting,
	}
	r.persistLocked()
	r.mu.Unlock()

	if r.sink != nil {
		r.sink.Record(ctx, audit.NewEvent(audit.EventExitDeferred, symbol, "waiting").
			WithShape(string(side), string(exchange.TypeTakeProfit)).
			WithParams(map[string]interface{}{
				"targetPrice": targetPrice,
				"quantity":    plannedQty,
			}))
	}
	r.log.Infof("take profit deferred", map[string]interface{}{
		"symbol":      symbol,
		"targetPrice": targetPrice,
	})
}

// Cleanup 不补发直接移除，例如入场单在成交前被撤掉
func (r *Registry) Cleanup(ctx context.Context, symbol, reason string) {
	r.mu.Lock()
	_, ok := r.entries[symbol]
	if ok {
		delete(r.entries, symbol)
		r.persistLocked()
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	if r.sink != nil {
		r.sink.Record(ctx, audit.NewEvent(audit.EventExitCleaned, symbol, "waiting").WithReason(reason))
	}
	r.log.Infof("waiting exit cleaned", map[string]interface{}{
		"symbol": symbol,
		"reason": reason,
	})
}

// Revalidate 启动时对照交易所实况：没有对应持仓也没有挂单的条目直接清掉
func (r *Registry) Revalidate(ctx context.Context, positions []exchange.Position, openOrders []exchange.OpenOrder) {
	live := make(map[string]bool)
	for _, p := range positions {
		live[p.Symbol] = true
	}
	for _, o := range openOrders {
		live[o.Symbol] = true
	}

	var stale []string
	r.mu.Lock()
	for symbol := range r.entries {
		if !live[symbol] {
			stale = append(stale, symbol)
		}
	}
	r.mu.Unlock()

	for _, symbol := range stale {
		r.Cleanup(ctx, symbol, "no live order or position after restart")
	}
}

// RunPass 对每条 WAITING 条目执行一次核对。positions 必须来自就绪的
// 持仓视图；视图未就绪时调用方必须跳过整个 pass，未知不等于空仓。
func (r *Registry) RunPass(ctx context.Context, positions []exchange.Position) {
	sizes := make(map[string]string, len(positions))
	for _, p := range positions {
		sizes[p.Symbol] = p.SignedSize
	}

	for _, symbol := range r.waitingSymbols() {
		r.checkOne(ctx, symbol, sizes[symbol])
	}
}

func (r *Registry) waitingSymbols() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.entries))
	for symbol := range r.entries {
		out = append(out, symbol)
	}
	return out
}

// checkOne 核对单个条目：非零观测累计计数，到达阈值时在锁内把条目
// 标记为在途再补发。上一轮补发尚未返回的条目直接跳过。
func (r *Registry) checkOne(ctx context.Context, symbol, observedSize string) {
	size := parseSize(observedSize)
	now := r.now()

	r.mu.Lock()
	entry, ok := r.entries[symbol]
	if !ok || entry.sending {
		r.mu.Unlock()
		return
	}

	entry.LastCheckedAt = now.UnixMilli()
	entry.ObservedSize = observedSize
	if size.IsZero() {
		entry.NonZeroChecks = 0
		r.persistLocked()
		r.mu.Unlock()
		return
	}
	entry.NonZeroChecks++
	confirmed := entry.NonZeroChecks >= r.confirmChecks
	if confirmed {
		entry.sending = true
	}
	snapshot := *entry
	r.persistLocked()
	r.mu.Unlock()

	if !confirmed {
		return
	}
	r.send(ctx, entry, snapshot, size)
}

// send 按观测仓位补发限价止盈。claimed 是 checkOne 锁内标记在途的那个
// 指针，成功删除与失败清标记都校验指针身份，重挂的新条目不受旧请求影响。
func (r *Registry) send(ctx context.Context, claimed *Entry, entry Entry, size decimal.Decimal) {
	quantity := size.Abs().String()

	clientID, err := r.gen.OrderID("tp")
	if err != nil {
		r.recordFailure(claimed, entry.Symbol, err)
		return
	}

	leg := exchange.NewTakeProfitLimit(
		entry.Symbol,
		exchange.Side(entry.Side),
		entry.TargetPrice,
		entry.TargetPrice,
		quantity,
		exchange.PositionSide(entry.PositionSide),
		clientID,
	)

	ack, err := r.placer.PlaceOrder(ctx, leg)
	if err != nil {
		r.recordFailure(claimed, entry.Symbol, err)
		if r.sink != nil {
			r.sink.Record(ctx, audit.NewEvent(audit.EventExitSent, entry.Symbol, "waiting").
				WithShape(entry.Side, string(exchange.TypeTakeProfit)).
				WithResult(false, err.Error()))
		}
		return
	}

	r.mu.Lock()
	if current, ok := r.entries[entry.Symbol]; ok && current == claimed {
		delete(r.entries, entry.Symbol)
		r.persistLocked()
	}
	r.mu.Unlock()

	if r.sink != nil {
		r.sink.Record(ctx, audit.NewEvent(audit.EventExitSent, entry.Symbol, "waiting").
			WithOrder(ack.OrderID, ack.ClientOrderID).
			WithShape(entry.Side, string(exchange.TypeTakeProfit)).
			WithParams(map[string]interface{}{
				"targetPrice": entry.TargetPrice,
				"quantity":    quantity,
			}))
	}
	if r.publisher != nil {
		if err := r.publisher.PublishOrderEvent(ctx, notify.OrderEvent{
			Event:     notify.EventExitSent,
			Symbol:    entry.Symbol,
			OrderID:   ack.OrderID,
			Side:      entry.Side,
			OrderType: string(exchange.TypeTakeProfit),
			Price:     entry.TargetPrice,
			Quantity:  quantity,
			Source:    "waiting",
			Timestamp: r.now().UnixMilli(),
		}); err != nil {
			r.log.WithError(err).Warn("exit sent publish failed")
		}
	}
	r.log.Infof("deferred take profit sent", map[string]interface{}{
		"symbol":   entry.Symbol,
		"orderId":  ack.OrderID,
		"quantity": quantity,
	})
}

func (r *Registry) recordFailure(claimed *Entry, symbol string, err error) {
	now := r.now().UnixMilli()

	r.mu.Lock()
	if entry, ok := r.entries[symbol]; ok && entry == claimed {
		entry.sending = false
		entry.LastError = err.Error()
		entry.LastErrorAt = now
		r.persistLocked()
	}
	r.mu.Unlock()

	r.log.Errorf("deferred take profit failed, will retry next pass", map[string]interface{}{
		"symbol": symbol,
		"error":  err.Error(),
	})
}

// Snapshot 返回当前等待条目的副本
func (r *Registry) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	return out
}

// Size 当前等待条目数
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// persistLocked 持有锁时整体落盘。持久化失败只记日志，
// 内存状态仍然是权威。
func (r *Registry) persistLocked() {
	entries := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, *e)
	}
	if err := r.store.Save(entries); err != nil {
		r.log.WithError(err).Error("waiting state persist failed")
	}
}

func parseSize(s string) decimal.Decimal {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
