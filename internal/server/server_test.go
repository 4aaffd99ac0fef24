package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/exchange/execution/internal/exchange"
	"github.com/exchange/execution/internal/governor"
	"github.com/exchange/execution/internal/orchestrator"
	"github.com/exchange/execution/internal/reconciler"
	"github.com/exchange/execution/internal/waiting"
	perrors "github.com/exchange/execution/pkg/errors"
	"github.com/exchange/execution/pkg/health"
	"github.com/exchange/execution/pkg/logger"
)

type fakeExecutor struct {
	gotIntents []orchestrator.Intent
	result     *orchestrator.BatchResult
	err        error
}

func (f *fakeExecutor) Execute(ctx context.Context, intents []orchestrator.Intent) (*orchestrator.BatchResult, error) {
	f.gotIntents = intents
	return f.result, f.err
}

type fakeGov struct {
	snap governor.Snapshot
}

func (g fakeGov) Snapshot() governor.Snapshot { return g.snap }

type fakeState struct {
	stream         reconciler.ConnState
	positionsReady bool
	ordersReady    bool
	positions      []exchange.Position
	orders         []exchange.OpenOrder
}

func (f *fakeState) Ready(kind reconciler.Kind) bool {
	if kind == reconciler.KindPositions {
		return f.positionsReady
	}
	return f.ordersReady
}

func (f *fakeState) State() reconciler.ConnState      { return f.stream }
func (f *fakeState) Positions() []exchange.Position   { return f.positions }
func (f *fakeState) OpenOrders() []exchange.OpenOrder { return f.orders }

type fakeExits struct {
	entries []waiting.Entry
}

func (f *fakeExits) Snapshot() []waiting.Entry { return f.entries }
func (f *fakeExits) Size() int                 { return len(f.entries) }

const testToken = "internal-test-token-0123456789abcdef"

func newTestServer(exec Executor) *Server {
	return New(
		Config{InternalToken: testToken},
		exec,
		fakeGov{},
		&fakeState{stream: reconciler.StateOpen, positionsReady: true, ordersReady: true},
		&fakeExits{},
		health.New(),
		nil,
		logger.New("server-test", io.Discard),
	)
}

func doRequest(t *testing.T, h http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("X-Internal-Token", token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestExecuteRequiresInternalToken(t *testing.T) {
	exec := &fakeExecutor{}
	h := newTestServer(exec).Handler()

	for _, token := range []string{"", "wrong-token"} {
		rec := doRequest(t, h, http.MethodPost, "/execute", token, `[]`)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("token %q: expected 401, got %d", token, rec.Code)
		}
	}
	if exec.gotIntents != nil {
		t.Fatal("executor must not run without valid token")
	}
}

func TestExecuteDecodesBatchAndReturnsResult(t *testing.T) {
	exec := &fakeExecutor{
		result: &orchestrator.BatchResult{
			Total:    1,
			Executed: 1,
			Results: []orchestrator.SymbolResult{
				{Symbol: "BTCUSDT", Status: orchestrator.StatusExecuted},
			},
		},
	}
	h := newTestServer(exec).Handler()

	body := `[{"symbol":"BTCUSDT","side":"LONG","amount":100,"leverage":10,"sl":1.10,"tp":1.35,"entry":1.20}]`
	rec := doRequest(t, h, http.MethodPost, "/execute", testToken, body)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(exec.gotIntents) != 1 || exec.gotIntents[0].Symbol != "BTCUSDT" {
		t.Fatalf("unexpected decoded intents: %+v", exec.gotIntents)
	}
	if exec.gotIntents[0].StopLoss != 1.10 || exec.gotIntents[0].TakeProfit != 1.35 {
		t.Fatalf("bracket prices not decoded: %+v", exec.gotIntents[0])
	}

	var result orchestrator.BatchResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if result.Executed != 1 {
		t.Fatalf("expected executed 1, got %+v", result)
	}
}

func TestExecuteMapsBusinessErrorToStatus(t *testing.T) {
	exec := &fakeExecutor{err: perrors.ErrBatchInProgress}
	h := newTestServer(exec).Handler()

	rec := doRequest(t, h, http.MethodPost, "/execute", testToken, `[]`)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	var payload perrors.Error
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if payload.Code != perrors.CodeBatchInProgress {
		t.Fatalf("expected BATCH_IN_PROGRESS, got %q", payload.Code)
	}
	if !payload.Retryable {
		t.Fatal("batch-in-progress must be marked retryable")
	}
}

func TestExecuteRejectsMalformedBody(t *testing.T) {
	exec := &fakeExecutor{}
	h := newTestServer(exec).Handler()

	rec := doRequest(t, h, http.MethodPost, "/execute", testToken, `{not json`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestExecuteRejectsGet(t *testing.T) {
	h := newTestServer(&fakeExecutor{}).Handler()

	rec := doRequest(t, h, http.MethodGet, "/execute", testToken, "")

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 on GET, got %d", rec.Code)
	}
}

func TestStatusReportsReadinessAndCounts(t *testing.T) {
	state := &fakeState{
		stream:         reconciler.StateOpen,
		positionsReady: true,
		ordersReady:    false,
		positions:      []exchange.Position{{Symbol: "BTCUSDT", SignedSize: "0.5"}},
		orders:         []exchange.OpenOrder{{OrderID: 1}, {OrderID: 2}},
	}
	exits := &fakeExits{entries: []waiting.Entry{{Symbol: "ETHUSDT", Status: waiting.StatusWaiting}}}
	srv := New(Config{InternalToken: testToken}, &fakeExecutor{}, fakeGov{},
		state, exits, health.New(), nil, logger.New("server-test", io.Discard))

	rec := doRequest(t, srv.Handler(), http.MethodGet, "/status", testToken, "")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if resp.Reconciler.Stream != reconciler.StateOpen {
		t.Fatalf("expected OPEN stream, got %q", resp.Reconciler.Stream)
	}
	if !resp.Reconciler.PositionsReady || resp.Reconciler.OrdersReady {
		t.Fatalf("readiness flags wrong: %+v", resp.Reconciler)
	}
	if resp.Reconciler.Positions != 1 || resp.Reconciler.OpenOrders != 2 {
		t.Fatalf("counts wrong: %+v", resp.Reconciler)
	}
	if resp.Waiting.Size != 1 || resp.Waiting.Entries[0].Symbol != "ETHUSDT" {
		t.Fatalf("waiting view wrong: %+v", resp.Waiting)
	}
}

func TestHealthEndpointOpenWithoutToken(t *testing.T) {
	h := health.New()
	h.SetReady(true)
	srv := New(Config{InternalToken: testToken}, &fakeExecutor{}, fakeGov{},
		&fakeState{}, &fakeExits{}, h, nil, logger.New("server-test", io.Discard))

	rec := doRequest(t, srv.Handler(), http.MethodGet, "/health", "", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected open /health, got %d", rec.Code)
	}
}

func TestRequestIDEchoedOnResponses(t *testing.T) {
	h := newTestServer(&fakeExecutor{result: &orchestrator.BatchResult{}}).Handler()

	req := httptest.NewRequest(http.MethodPost, "/execute", strings.NewReader(`[]`))
	req.Header.Set("X-Internal-Token", testToken)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-ID"); got != "req-42" {
		t.Fatalf("expected request id echoed, got %q", got)
	}
}

func TestRecoveryTurnsPanicInto500(t *testing.T) {
	log := logger.New("server-test", io.Discard)
	h := requestID(recovery(log, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})))

	rec := doRequest(t, h, http.MethodGet, "/anything", "", "")

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 after panic, got %d", rec.Code)
	}
	var payload perrors.Error
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if payload.Code != perrors.CodeInternal {
		t.Fatalf("expected INTERNAL, got %q", payload.Code)
	}
}
