// Package orchestrator 括号单批量执行的多阶段状态机。
//
// 阶段推进：准备 → 并发入场 → 结算等待 → 出场（止损即发，止盈延迟）→
// 汇总。单个交易对的失败只影响它自己的结果，整批由进程级互斥串行化。
package orchestrator

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/exchange/execution/internal/exchange"
	"github.com/exchange/execution/internal/governor"
	"github.com/exchange/execution/internal/metrics"
	"github.com/exchange/execution/pkg/audit"
	perrors "github.com/exchange/execution/pkg/errors"
	"github.com/exchange/execution/pkg/logger"
	"github.com/exchange/execution/pkg/snowflake"
)

// Intent 一条待执行的交易意图
type Intent struct {
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"` // LONG | SHORT
	Amount     float64 `json:"amount"`
	Leverage   int     `json:"leverage"`
	StopLoss   float64 `json:"sl"`
	TakeProfit float64 `json:"tp"`
	Entry      float64 `json:"entry,omitempty"` // 缺省时取最新成交价
}

// 结果状态
const (
	StatusExecuted = "executed"
	StatusError    = "error"
)

// OrderResult 单条订单的执行结果
type OrderResult struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Price         string `json:"price,omitempty"`
	StopPrice     string `json:"stopPrice,omitempty"`
	Quantity      string `json:"quantity,omitempty"`
	Status        string `json:"status"`
}

// SymbolResult 单个交易对的批次结果。止盈腿异步补发，
// 始终以 null 返回且不参与成败判定。
type SymbolResult struct {
	Symbol          string       `json:"symbol"`
	Status          string       `json:"status"`
	EntryOrder      *OrderResult `json:"entry_order"`
	StopOrder       *OrderResult `json:"sl_order"`
	TakeProfitOrder *OrderResult `json:"tp_order"`
	Error           string       `json:"error,omitempty"`
}

// BatchResult 整批执行结果，每个去重后的交易对恰好一条
type BatchResult struct {
	Total      int            `json:"total"`
	Executed   int            `json:"executed"`
	Failed     int            `json:"failed"`
	Results    []SymbolResult `json:"results"`
	StartedAt  int64          `json:"startedAt"`
	FinishedAt int64          `json:"finishedAt"`
}

// ExchangeClient 执行批次所需的交易所能力
type ExchangeClient interface {
	PlaceOrder(ctx context.Context, leg exchange.OrderLeg) (*exchange.OrderAck, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	TickerPrice(ctx context.Context, symbol string) (string, error)
}

// Filters 交易对精度规则来源
type Filters interface {
	Get(ctx context.Context, symbol string) (exchange.SymbolFilters, error)
}

// ExitRegistry 延迟止盈登记
type ExitRegistry interface {
	Schedule(ctx context.Context, symbol string, side exchange.Side, positionSide exchange.PositionSide, targetPrice, plannedQty string)
}

// WatchdogScheduler 批次落地后按交易对安排一次出场完整性检查
type WatchdogScheduler interface {
	ScheduleCheck(symbol string)
}

// GovernorView 限流快照来源
type GovernorView interface {
	Snapshot() governor.Snapshot
}

// Config 批次执行配置
type Config struct {
	// SettleWait 入场与出场之间的固定等待，给成交留观察窗口
	SettleWait time.Duration
	// MaxInFlight 入场并发上限
	MaxInFlight int
	// MaxLeverage 杠杆上限
	MaxLeverage int
	// HedgeMode 对冲模式下出场腿带 LONG/SHORT 方向
	HedgeMode bool
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		SettleWait:  5 * time.Second,
		MaxInFlight: 5,
		MaxLeverage: 125,
		HedgeMode:   true,
	}
}

// Orchestrator 批次执行器
type Orchestrator struct {
	cfg      Config
	client   ExchangeClient
	filters  Filters
	waiting  ExitRegistry
	gov      GovernorView
	watchdog WatchdogScheduler
	gen      *snowflake.Generator
	log      *logger.Logger
	sink     audit.Sink
	metrics  *metrics.Metrics

	// batchMu 串行化整批调用，两批次的阶段永不交错
	batchMu sync.Mutex

	now func() time.Time
}

// New 创建执行器。watchdog、sink、m 均可为 nil。
func New(cfg Config, client ExchangeClient, filters Filters, waiting ExitRegistry, gov GovernorView, watchdog WatchdogScheduler, gen *snowflake.Generator, log *logger.Logger, sink audit.Sink, m *metrics.Metrics) *Orchestrator {
	def := DefaultConfig()
	if cfg.SettleWait <= 0 {
		cfg.SettleWait = def.SettleWait
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = def.MaxInFlight
	}
	if cfg.MaxLeverage <= 0 {
		cfg.MaxLeverage = def.MaxLeverage
	}
	return &Orchestrator{
		cfg:      cfg,
		client:   client,
		filters:  filters,
		waiting:  waiting,
		gov:      gov,
		watchdog: watchdog,
		gen:      gen,
		log:      log,
		sink:     sink,
		metrics:  m,
		now:      time.Now,
	}
}

// prepared 通过准备阶段的意图
type prepared struct {
	intent       Intent
	positionSide exchange.PositionSide
	entryLeg     exchange.OrderLeg
	stopPrice    string
	targetPrice  string
	quantity     string
	exitSide     exchange.Side

	entryAck *exchange.OrderAck
	entryErr error
	stopAck  *exchange.OrderAck
	stopErr  error
}

// Execute 执行一批意图。结构性非法会拒绝整批；
// 业务失败落到对应交易对的结果里。
func (o *Orchestrator) Execute(ctx context.Context, intents []Intent) (*BatchResult, error) {
	if err := o.validateIntents(intents); err != nil {
		return nil, err
	}

	if !o.batchMu.TryLock() {
		return nil, perrors.ErrBatchInProgress
	}
	defer o.batchMu.Unlock()

	if snap := o.gov.Snapshot(); snap.BackoffActive(o.now()) {
		return nil, perrors.Newf(perrors.CodeBackoffActive,
			"exchange backoff active for %s", snap.BackoffLeft.Round(time.Second))
	}

	started := o.now()
	intents = dedupe(intents)

	o.log.Infof("batch started", map[string]interface{}{
		"symbols": len(intents),
	})

	results := make([]SymbolResult, len(intents))
	preps := make([]*prepared, len(intents))

	// 准备阶段：解析数量、精度取整、设置杠杆。失败的意图
	// 直接生成错误结果，不再进入后续阶段。
	for i, intent := range intents {
		p, err := o.prepare(ctx, intent)
		if err != nil {
			results[i] = SymbolResult{Symbol: intent.Symbol, Status: StatusError, Error: err.Error()}
			continue
		}
		preps[i] = p
	}

	o.placeEntries(ctx, preps)

	// 结算等待：给入场成交留观察窗口，降低出场腿被
	// "would immediately trigger" 拒绝的概率，不是正确性保证
	if o.anyEntryPlaced(preps) {
		o.settleWait(ctx)
	}

	o.placeExits(ctx, preps)

	executed, failed := 0, 0
	for i, p := range preps {
		if p == nil {
			failed++
			continue
		}
		results[i] = o.aggregateOne(p)
		if results[i].Status == StatusExecuted {
			executed++
		} else {
			failed++
		}
	}

	finished := o.now()
	if o.metrics != nil {
		o.metrics.ObserveBatchLatency(finished.Sub(started))
	}
	o.log.Infof("batch finished", map[string]interface{}{
		"executed": executed,
		"failed":   failed,
		"elapsed":  finished.Sub(started).String(),
	})

	return &BatchResult{
		Total:      len(results),
		Executed:   executed,
		Failed:     failed,
		Results:    results,
		StartedAt:  started.UnixMilli(),
		FinishedAt: finished.UnixMilli(),
	}, nil
}

// validateIntents 结构性校验。任何一条非法都拒绝整批，
// 业务性失败留给后续阶段按交易对处理。
func (o *Orchestrator) validateIntents(intents []Intent) error {
	if len(intents) == 0 {
		return perrors.New(perrors.CodeInvalidRequest, "empty batch")
	}
	for i, it := range intents {
		switch {
		case strings.TrimSpace(it.Symbol) == "":
			return perrors.Newf(perrors.CodeInvalidParam, "intent %d: symbol required", i)
		case it.Side != "LONG" && it.Side != "SHORT":
			return perrors.Newf(perrors.CodeInvalidSide, "intent %d: side must be LONG or SHORT", i)
		case it.Amount <= 0:
			return perrors.Newf(perrors.CodeInvalidParam, "intent %d: amount must be positive", i)
		case it.Leverage < 1 || it.Leverage > o.cfg.MaxLeverage:
			return perrors.Newf(perrors.CodeInvalidLeverage, "intent %d: leverage out of range", i)
		case it.StopLoss <= 0:
			return perrors.Newf(perrors.CodeInvalidPrice, "intent %d: sl must be positive", i)
		case it.TakeProfit <= 0:
			return perrors.Newf(perrors.CodeInvalidPrice, "intent %d: tp must be positive", i)
		}
	}
	return nil
}

// dedupe 同一交易对只保留首次出现
func dedupe(intents []Intent) []Intent {
	seen := make(map[string]bool, len(intents))
	out := make([]Intent, 0, len(intents))
	for _, it := range intents {
		symbol := strings.ToUpper(strings.TrimSpace(it.Symbol))
		if seen[symbol] {
			continue
		}
		seen[symbol] = true
		it.Symbol = symbol
		out = append(out, it)
	}
	return out
}

func (o *Orchestrator) prepare(ctx context.Context, intent Intent) (*prepared, error) {
	filters, err := o.filters.Get(ctx, intent.Symbol)
	if err != nil {
		return nil, err
	}

	entryPrice := decimal.NewFromFloat(intent.Entry)
	if entryPrice.Sign() <= 0 {
		raw, err := o.client.TickerPrice(ctx, intent.Symbol)
		if err != nil {
			return nil, err
		}
		entryPrice, err = decimal.NewFromString(raw)
		if err != nil {
			return nil, perrors.Newf(perrors.CodeInvalidPrice, "bad ticker price %q for %s", raw, intent.Symbol)
		}
	}

	quantity, err := filters.QuantityFromNotional(
		decimal.NewFromFloat(intent.Amount),
		decimal.NewFromInt(int64(intent.Leverage)),
		entryPrice,
	)
	if err != nil {
		return nil, err
	}

	var entrySide, exitSide exchange.Side
	var positionSide exchange.PositionSide
	if intent.Side == "LONG" {
		entrySide, exitSide, positionSide = exchange.SideBuy, exchange.SideSell, exchange.PositionLong
	} else {
		entrySide, exitSide, positionSide = exchange.SideSell, exchange.SideBuy, exchange.PositionShort
	}
	if !o.cfg.HedgeMode {
		positionSide = exchange.PositionBoth
	}

	if err := o.client.SetLeverage(ctx, intent.Symbol, intent.Leverage); err != nil {
		return nil, err
	}

	clientID, err := o.gen.OrderID("en")
	if err != nil {
		return nil, perrors.Newf(perrors.CodeInternal, "order id: %v", err)
	}

	return &prepared{
		intent:       intent,
		positionSide: positionSide,
		exitSide:     exitSide,
		stopPrice:    filters.RoundPrice(decimal.NewFromFloat(intent.StopLoss)),
		targetPrice:  filters.RoundPrice(decimal.NewFromFloat(intent.TakeProfit)),
		quantity:     quantity,
		entryLeg: exchange.NewEntryLimit(
			intent.Symbol,
			entrySide,
			filters.RoundPrice(entryPrice),
			quantity,
			positionSide,
			clientID,
		),
	}, nil
}

// placeEntries 阶段一：并发提交全部入场腿，互不影响
func (o *Orchestrator) placeEntries(ctx context.Context, preps []*prepared) {
	sem := make(chan struct{}, o.cfg.MaxInFlight)
	var wg sync.WaitGroup

	for _, p := range preps {
		if p == nil {
			continue
		}
		wg.Add(1)
		go func(p *prepared) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			p.entryAck, p.entryErr = o.client.PlaceOrder(ctx, p.entryLeg)
			o.recordLeg(ctx, p.intent.Symbol, p.entryLeg, p.entryAck, p.entryErr)
		}(p)
	}
	wg.Wait()
}

// placeExits 阶段三：入场成功的交易对并发挂止损，止盈登记延迟补发
func (o *Orchestrator) placeExits(ctx context.Context, preps []*prepared) {
	sem := make(chan struct{}, o.cfg.MaxInFlight)
	var wg sync.WaitGroup

	for _, p := range preps {
		if p == nil || p.entryErr != nil {
			continue
		}
		wg.Add(1)
		go func(p *prepared) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			stopID, err := o.gen.OrderID("sl")
			if err != nil {
				p.stopErr = perrors.Newf(perrors.CodeInternal, "order id: %v", err)
				return
			}
			stopLeg := exchange.NewStopMarket(p.intent.Symbol, p.exitSide, p.stopPrice, p.positionSide, stopID)
			p.stopAck, p.stopErr = o.client.PlaceOrder(ctx, stopLeg)
			o.recordLeg(ctx, p.intent.Symbol, stopLeg, p.stopAck, p.stopErr)

			// 止盈腿的合法形态取决于持仓是否已存在，交给登记表异步补发
			o.waiting.Schedule(ctx, p.intent.Symbol, p.exitSide, p.positionSide, p.targetPrice, p.quantity)

			if o.watchdog != nil {
				o.watchdog.ScheduleCheck(p.intent.Symbol)
			}
		}(p)
	}
	wg.Wait()
}

func (o *Orchestrator) aggregateOne(p *prepared) SymbolResult {
	result := SymbolResult{Symbol: p.intent.Symbol}

	if p.entryAck != nil {
		result.EntryOrder = toOrderResult(p.entryAck, p.entryLeg.Price, "", p.quantity)
	}
	if p.stopAck != nil {
		result.StopOrder = toOrderResult(p.stopAck, "", p.stopPrice, "")
	}

	switch {
	case p.entryErr != nil:
		result.Status = StatusError
		result.Error = p.entryErr.Error()
	case p.stopErr != nil:
		result.Status = StatusError
		result.Error = p.stopErr.Error()
	default:
		result.Status = StatusExecuted
	}
	return result
}

func toOrderResult(ack *exchange.OrderAck, price, stopPrice, quantity string) *OrderResult {
	if price == "" {
		price = ack.Price
	}
	if stopPrice == "" {
		stopPrice = ack.StopPrice
	}
	if quantity == "" {
		quantity = ack.OrigQty
	}
	return &OrderResult{
		OrderID:       ack.OrderID,
		ClientOrderID: ack.ClientOrderID,
		Price:         price,
		StopPrice:     stopPrice,
		Quantity:      quantity,
		Status:        string(ack.Status),
	}
}

func (o *Orchestrator) recordLeg(ctx context.Context, symbol string, leg exchange.OrderLeg, ack *exchange.OrderAck, err error) {
	if o.metrics != nil {
		o.metrics.IncOrderPlaced(string(leg.Kind), err == nil)
	}
	if o.sink == nil {
		return
	}

	ev := audit.NewEvent(audit.EventOrderPlaced, symbol, "orchestrator").
		WithShape(string(leg.Side), string(leg.Type)).
		WithParams(map[string]interface{}{
			"price":         leg.Price,
			"stopPrice":     leg.StopPrice,
			"quantity":      leg.Quantity,
			"closePosition": leg.ClosePosition,
			"reduceOnly":    leg.ReduceOnly,
		})
	if ack != nil {
		ev = ev.WithOrder(ack.OrderID, ack.ClientOrderID)
	}
	if err != nil {
		ev = ev.WithResult(false, err.Error())
	}
	o.sink.Record(ctx, ev)
}

func (o *Orchestrator) anyEntryPlaced(preps []*prepared) bool {
	for _, p := range preps {
		if p != nil && p.entryErr == nil {
			return true
		}
	}
	return false
}

// settleWait 阶段二：显式同步屏障
func (o *Orchestrator) settleWait(ctx context.Context) {
	timer := time.NewTimer(o.cfg.SettleWait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
