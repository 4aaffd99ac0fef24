package exchange

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/exchange/execution/internal/governor"
	"github.com/exchange/execution/pkg/logger"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *governor.Governor) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	gov := governor.New(governor.Config{})
	log := logger.New("execution-test", io.Discard)

	client := NewClient(ClientConfig{
		BaseURL:   srv.URL,
		APIKey:    "test-key",
		APISecret: "test-secret",
	}, gov, log)

	return client, gov
}

func TestCallSignsRequestAndSetsAPIKeyHeader(t *testing.T) {
	var gotKey, gotQuery string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-MBX-APIKEY")
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`{"orderId":1,"symbol":"BTCUSDT","status":"NEW"}`))
	})

	leg := NewEntryLimit("BTCUSDT", SideBuy, "69000", "0.1", PositionLong, "x-exec-1")
	if _, err := client.PlaceOrder(context.Background(), leg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotKey != "test-key" {
		t.Fatalf("expected API key header, got %q", gotKey)
	}
	for _, part := range []string{"signature=", "timestamp=", "recvWindow=", "symbol=BTCUSDT"} {
		if !strings.Contains(gotQuery, part) {
			t.Fatalf("expected %q in query %q", part, gotQuery)
		}
	}
}

func TestCallFeedsGovernorOnSuccess(t *testing.T) {
	client, gov := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-MBX-USED-WEIGHT-1M", "42")
		w.Write([]byte(`[]`))
	})

	if _, err := client.OpenOrders(context.Background(), "BTCUSDT"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if snap := gov.Snapshot(); snap.UsedWeight1m != 42 {
		t.Fatalf("expected governor to record weight 42, got %d", snap.UsedWeight1m)
	}
}

func TestCallReturnsTypedExchangeError(t *testing.T) {
	client, gov := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"code":-1003,"msg":"Too many requests."}`))
	})

	_, err := client.OpenOrders(context.Background(), "BTCUSDT")
	if err == nil {
		t.Fatal("expected error")
	}

	var exErr *ExchangeError
	if !errors.As(err, &exErr) {
		t.Fatalf("expected *ExchangeError, got %T", err)
	}
	if exErr.Code != -1003 || exErr.HTTPStatus != http.StatusTooManyRequests {
		t.Fatalf("unexpected error content: %+v", exErr)
	}
	if !exErr.IsRateLimit() {
		t.Fatal("expected rate-limit classification")
	}

	if snap := gov.Snapshot(); snap.Risk != governor.RiskCritical {
		t.Fatalf("expected governor critical after 429, got %s", snap.Risk)
	}
}

func TestPlaceOrderRunsSanitizer(t *testing.T) {
	var gotQuery string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`{"orderId":7,"symbol":"BTCUSDT","status":"NEW"}`))
	})

	// 市价止盈不允许带限价，closePosition 与 reduceOnly 互斥
	leg := NewTakeProfitMarket("BTCUSDT", SideSell, "71000", PositionLong, "x-exec-2")
	leg.Price = "70950"
	leg.ReduceOnly = true

	if _, err := client.PlaceOrder(context.Background(), leg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if strings.Contains(gotQuery, "price=70950") {
		t.Fatalf("expected limit price stripped from wire payload: %q", gotQuery)
	}
	if strings.Contains(gotQuery, "reduceOnly=true") {
		t.Fatalf("expected reduceOnly stripped from wire payload: %q", gotQuery)
	}
	if !strings.Contains(gotQuery, "closePosition=true") {
		t.Fatalf("expected closePosition retained: %q", gotQuery)
	}
}

func TestPlaceOrderFailsClosedInStrictMode(t *testing.T) {
	called := false
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	leg := NewEntryLimit("BTCUSDT", SideBuy, "69000", "0.1", PositionLong, "x")
	leg.ClosePosition = true

	if _, err := client.PlaceOrder(context.Background(), leg); err == nil {
		t.Fatal("expected sanitizer rejection")
	}
	if called {
		t.Fatal("expected no request on invariant violation")
	}
}

func TestSetLeverageToleratesNoNeedToChange(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-4046,"msg":"No need to change margin type."}`))
	})

	if err := client.SetLeverage(context.Background(), "BTCUSDT", 10); err != nil {
		t.Fatalf("expected -4046 tolerated, got %v", err)
	}
}

func TestPositionsFiltersFlatEntries(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"symbol":"BTCUSDT","positionAmt":"0.000","entryPrice":"0","positionSide":"LONG"},
			{"symbol":"ETHUSDT","positionAmt":"1.5","entryPrice":"2000","positionSide":"LONG","updateTime":1700000000000}
		]`))
	})

	positions, err := client.Positions(context.Background(), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("expected flat entries filtered, got %d", len(positions))
	}
	if positions[0].Symbol != "ETHUSDT" {
		t.Fatalf("unexpected position: %+v", positions[0])
	}
	if positions[0].UpdatedAt.IsZero() {
		t.Fatal("expected update time mapped")
	}
}

func TestOpenOrdersMapsCreationTime(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"orderId":11,"symbol":"BTCUSDT","side":"BUY","type":"LIMIT","status":"NEW","time":1700000000000,"updateTime":1700000001000}
		]`))
	})

	orders, err := client.OpenOrders(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("expected one order, got %d", len(orders))
	}
	if orders[0].CreatedAt.UnixMilli() != 1700000000000 {
		t.Fatalf("expected creation time mapped, got %v", orders[0].CreatedAt)
	}
}

func TestStartUserStream(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		w.Write([]byte(`{"listenKey":"abc123"}`))
	})

	key, err := client.StartUserStream(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key != "abc123" {
		t.Fatalf("expected listen key, got %q", key)
	}
}
