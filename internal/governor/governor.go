// Package governor tracks the shared exchange rate-limit budget.
//
// Every outbound REST call reports its response metadata here; the rest of
// the engine consults Snapshot() before issuing non-essential calls.
package governor

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RiskLevel 当前限流风险等级
type RiskLevel string

const (
	RiskNormal   RiskLevel = "normal"
	RiskElevated RiskLevel = "elevated"
	RiskCritical RiskLevel = "critical"
)

// 交易所响应头
const (
	headerUsedWeight1m  = "X-MBX-USED-WEIGHT-1M"
	headerOrderCount10s = "X-MBX-ORDER-COUNT-10S"
	headerOrderCount1m  = "X-MBX-ORDER-COUNT-1M"
	headerRetryAfter    = "Retry-After"
)

// CodeTemporaryBan 交易所临时封禁错误码
const CodeTemporaryBan = -1003

// Sample 单次调用的限流样本
type Sample struct {
	Timestamp     time.Time
	Endpoint      string
	HTTPStatus    int
	UsedWeight1m  int
	OrderCount10s int
	OrderCount1m  int
	RetryAfter    time.Duration
	ErrorCode     int
}

// Snapshot 当前限流视图
type Snapshot struct {
	Risk          RiskLevel     `json:"risk"`
	UsedWeight1m  int           `json:"usedWeight1m"`
	WeightBudget  int           `json:"weightBudget"`
	OrderCount10s int           `json:"orderCount10s"`
	OrderCount1m  int           `json:"orderCount1m"`
	BackoffUntil  time.Time     `json:"backoffUntil,omitempty"`
	BackoffLeft   time.Duration `json:"backoffLeft,omitempty"`
}

// BackoffActive 返回退避窗口是否仍然生效
func (s Snapshot) BackoffActive(now time.Time) bool {
	return now.Before(s.BackoffUntil)
}

// Config 预算与阈值，默认值对应交易所公开文档
type Config struct {
	WeightBudget1m int           // 每分钟权重预算
	OrderBurst10s  int           // 10 秒下单数告警阈值
	ElevatedRatio  float64       // 权重使用率告警比例
	ErrorLookback  time.Duration // 429/封禁回溯窗口
	SampleHorizon  time.Duration // 样本保留时长
	DefaultBackoff time.Duration // 429 无 Retry-After 时的退避
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		WeightBudget1m: 2400,
		OrderBurst10s:  90,
		ElevatedRatio:  0.92,
		ErrorLookback:  2 * time.Minute,
		SampleHorizon:  10 * time.Minute,
		DefaultBackoff: 30 * time.Second,
	}
}

// Governor 共享限流状态追踪器。单写多读，纯状态更新：
// RecordCall 不阻塞、不返回错误。
type Governor struct {
	mu sync.Mutex

	cfg     Config
	samples []Sample

	backoffUntil time.Time

	now func() time.Time
}

// New 创建 Governor
func New(cfg Config) *Governor {
	if cfg.WeightBudget1m <= 0 {
		cfg.WeightBudget1m = DefaultConfig().WeightBudget1m
	}
	if cfg.OrderBurst10s <= 0 {
		cfg.OrderBurst10s = DefaultConfig().OrderBurst10s
	}
	if cfg.ElevatedRatio <= 0 || cfg.ElevatedRatio > 1 {
		cfg.ElevatedRatio = DefaultConfig().ElevatedRatio
	}
	if cfg.ErrorLookback <= 0 {
		cfg.ErrorLookback = DefaultConfig().ErrorLookback
	}
	if cfg.SampleHorizon <= 0 {
		cfg.SampleHorizon = DefaultConfig().SampleHorizon
	}
	if cfg.DefaultBackoff <= 0 {
		cfg.DefaultBackoff = DefaultConfig().DefaultBackoff
	}
	return &Governor{
		cfg: cfg,
		now: time.Now,
	}
}

// banUntilPattern 从封禁消息里提取毫秒时间戳，
// 例如 "Way too many requests; IP banned until 1696154400000."
var banUntilPattern = regexp.MustCompile(`banned until (\d{13})`)

// RecordCall 记录一次调用的响应元数据。绝不阻塞、绝不 panic：
// 头部缺失或格式错误一律按零值处理。
func (g *Governor) RecordCall(endpoint string, httpStatus int, hdr http.Header, errorCode int, errorMsg string) {
	now := g.now()

	sample := Sample{
		Timestamp:  now,
		Endpoint:   endpoint,
		HTTPStatus: httpStatus,
		ErrorCode:  errorCode,
	}
	if hdr != nil {
		sample.UsedWeight1m = atoiHeader(hdr, headerUsedWeight1m)
		sample.OrderCount10s = atoiHeader(hdr, headerOrderCount10s)
		sample.OrderCount1m = atoiHeader(hdr, headerOrderCount1m)
		if secs := atoiHeader(hdr, headerRetryAfter); secs > 0 {
			sample.RetryAfter = time.Duration(secs) * time.Second
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.samples = append(g.samples, sample)
	g.pruneLocked(now)

	// 封禁消息直接给出解封时间，优先于 Retry-After
	if until, ok := parseBanUntil(errorMsg); ok {
		if until.After(g.backoffUntil) {
			g.backoffUntil = until
		}
		return
	}

	if httpStatus == http.StatusTooManyRequests || errorCode == CodeTemporaryBan {
		backoff := sample.RetryAfter
		if backoff <= 0 {
			backoff = g.cfg.DefaultBackoff
		}
		until := now.Add(backoff)
		if until.After(g.backoffUntil) {
			g.backoffUntil = until
		}
	}
}

// Snapshot 返回当前用量、风险等级与退避窗口
func (g *Governor) Snapshot() Snapshot {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	snap := Snapshot{
		Risk:         RiskNormal,
		WeightBudget: g.cfg.WeightBudget1m,
	}

	var latest *Sample
	recentError := false
	cutoff := now.Add(-g.cfg.ErrorLookback)
	for i := range g.samples {
		s := &g.samples[i]
		if s.UsedWeight1m > 0 || s.OrderCount10s > 0 || s.OrderCount1m > 0 {
			latest = s
		}
		if s.Timestamp.After(cutoff) &&
			(s.HTTPStatus == http.StatusTooManyRequests || s.ErrorCode == CodeTemporaryBan) {
			recentError = true
		}
	}

	if latest != nil {
		snap.UsedWeight1m = latest.UsedWeight1m
		snap.OrderCount10s = latest.OrderCount10s
		snap.OrderCount1m = latest.OrderCount1m
	}

	if now.Before(g.backoffUntil) {
		snap.BackoffUntil = g.backoffUntil
		snap.BackoffLeft = g.backoffUntil.Sub(now)
	}

	switch {
	case recentError || now.Before(g.backoffUntil):
		snap.Risk = RiskCritical
	case float64(snap.UsedWeight1m) >= g.cfg.ElevatedRatio*float64(g.cfg.WeightBudget1m):
		snap.Risk = RiskElevated
	case snap.OrderCount10s > g.cfg.OrderBurst10s:
		snap.Risk = RiskElevated
	}

	return snap
}

// Prune 丢弃超出保留时长的样本，由定时任务驱动
func (g *Governor) Prune() {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked(now)
}

func (g *Governor) pruneLocked(now time.Time) {
	cutoff := now.Add(-g.cfg.SampleHorizon)
	kept := g.samples[:0]
	for _, s := range g.samples {
		if s.Timestamp.After(cutoff) {
			kept = append(kept, s)
		}
	}
	g.samples = kept
}

func parseBanUntil(msg string) (time.Time, bool) {
	if msg == "" || !strings.Contains(msg, "banned until") {
		return time.Time{}, false
	}
	m := banUntilPattern.FindStringSubmatch(msg)
	if len(m) != 2 {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

func atoiHeader(hdr http.Header, key string) int {
	v := strings.TrimSpace(hdr.Get(key))
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
