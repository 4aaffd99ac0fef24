package health

import (
	"sync"
	"time"
)

// LoopMonitor 记录后台循环（推流读取、周期任务）的心跳与最近错误。
// 零值可用。
type LoopMonitor struct {
	mu       sync.Mutex
	lastTick time.Time
	lastErr  string
}

// Tick 记录一次心跳，同时清掉上一轮的错误
func (m *LoopMonitor) Tick() {
	m.mu.Lock()
	m.lastTick = time.Now()
	m.lastErr = ""
	m.mu.Unlock()
}

// SetError 记录循环错误，nil 忽略
func (m *LoopMonitor) SetError(err error) {
	if err == nil {
		return
	}
	m.mu.Lock()
	m.lastErr = err.Error()
	m.mu.Unlock()
}

// LastError 返回最近一次错误信息
func (m *LoopMonitor) LastError() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Healthy 返回心跳是否仍然新鲜。从未 Tick 过视为不健康，
// maxAge<=0 时默认 10 秒。
func (m *LoopMonitor) Healthy(now time.Time, maxAge time.Duration) (ok bool, age time.Duration, lastErr string) {
	m.mu.Lock()
	last, errMsg := m.lastTick, m.lastErr
	m.mu.Unlock()

	if last.IsZero() {
		return false, 0, errMsg
	}
	if maxAge <= 0 {
		maxAge = 10 * time.Second
	}
	age = now.Sub(last)
	if age < 0 {
		age = 0
	}
	return age <= maxAge, age, errMsg
}
