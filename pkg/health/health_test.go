package health

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"
)

type staticChecker struct {
	name   string
	result CheckResult
}

func (c staticChecker) Name() string                          { return c.name }
func (c staticChecker) Check(ctx context.Context) CheckResult { return c.result }

func TestHealthNoCheckersNotReady(t *testing.T) {
	h := New()

	resp := h.Health(context.Background())
	if resp.Status != StatusDown {
		t.Fatalf("expected down before SetReady, got %s", resp.Status)
	}

	h.SetReady(true)
	resp = h.Health(context.Background())
	if resp.Status != StatusUp {
		t.Fatalf("expected up after SetReady, got %s", resp.Status)
	}
}

func TestHealthSummarize(t *testing.T) {
	h := New()
	h.SetReady(true)
	h.Register(staticChecker{name: "stream", result: CheckResult{Status: StatusUp}})
	h.Register(staticChecker{name: "audit", result: CheckResult{Status: StatusDegraded}})

	resp := h.Health(context.Background())
	if resp.Status != StatusDegraded {
		t.Fatalf("expected degraded, got %s", resp.Status)
	}

	h.Register(staticChecker{name: "db", result: CheckResult{Status: StatusDown}})
	resp = h.Health(context.Background())
	if resp.Status != StatusDown {
		t.Fatalf("expected down, got %s", resp.Status)
	}
}

func TestHandlerStatusCode(t *testing.T) {
	h := New()
	h.SetReady(false)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	h.Handler()(rec, req)

	if rec.Code != 503 {
		t.Fatalf("expected 503 when down, got %d", rec.Code)
	}
}

func TestLoopMonitorHealthy(t *testing.T) {
	var m LoopMonitor

	ok, _, _ := m.Healthy(time.Now(), time.Second)
	if ok {
		t.Fatal("expected unhealthy before first tick")
	}

	m.Tick()
	ok, age, _ := m.Healthy(time.Now(), time.Second)
	if !ok {
		t.Fatal("expected healthy right after tick")
	}
	if age > time.Second {
		t.Fatalf("unexpected age %v", age)
	}

	ok, _, _ = m.Healthy(time.Now().Add(time.Minute), time.Second)
	if ok {
		t.Fatal("expected unhealthy when tick is stale")
	}
}

func TestLoopCheckerDegradedOnError(t *testing.T) {
	var m LoopMonitor
	m.Tick()
	m.SetError(errors.New("reconnect scheduled"))

	c := NewLoopChecker("stream", &m, time.Minute)
	result := c.Check(context.Background())
	if result.Status != StatusDegraded {
		t.Fatalf("expected degraded with recent tick and error, got %s", result.Status)
	}
	if result.Message != "reconnect scheduled" {
		t.Fatalf("expected last error message, got %q", result.Message)
	}
}
