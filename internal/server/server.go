// Package server 对内 HTTP 服务面：批次执行入口与运行状态查询
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/exchange/execution/internal/exchange"
	"github.com/exchange/execution/internal/governor"
	"github.com/exchange/execution/internal/orchestrator"
	"github.com/exchange/execution/internal/reconciler"
	"github.com/exchange/execution/internal/waiting"
	perrors "github.com/exchange/execution/pkg/errors"
	"github.com/exchange/execution/pkg/health"
	"github.com/exchange/execution/pkg/logger"
)

// Executor 批次执行入口
type Executor interface {
	Execute(ctx context.Context, intents []orchestrator.Intent) (*orchestrator.BatchResult, error)
}

// GovernorView 限流快照来源
type GovernorView interface {
	Snapshot() governor.Snapshot
}

// StateView 对账器状态，供 /status 汇报
type StateView interface {
	Ready(kind reconciler.Kind) bool
	State() reconciler.ConnState
	Positions() []exchange.Position
	OpenOrders() []exchange.OpenOrder
}

// ExitView 延迟止盈登记视图
type ExitView interface {
	Snapshot() []waiting.Entry
	Size() int
}

// Config 服务配置
type Config struct {
	InternalToken string
}

// Server 对内 HTTP 服务
type Server struct {
	cfg     Config
	exec    Executor
	gov     GovernorView
	state   StateView
	exits   ExitView
	health  *health.Health
	metrics http.Handler
	log     *logger.Logger
}

// New 创建服务。metricsHandler 可为 nil（不暴露 /metrics）。
func New(cfg Config, exec Executor, gov GovernorView, state StateView, exits ExitView, h *health.Health, metricsHandler http.Handler, log *logger.Logger) *Server {
	return &Server{
		cfg:     cfg,
		exec:    exec,
		gov:     gov,
		state:   state,
		exits:   exits,
		health:  h,
		metrics: metricsHandler,
		log:     log,
	}
}

// Handler 组装路由与中间件
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/execute", internalAuth(s.cfg.InternalToken, http.HandlerFunc(s.handleExecute)))
	mux.Handle("/status", internalAuth(s.cfg.InternalToken, http.HandlerFunc(s.handleStatus)))
	if s.health != nil {
		mux.HandleFunc("/health", s.health.Handler())
	}
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}

	return requestID(recovery(s.log, mux))
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, r, perrors.New(perrors.CodeInvalidRequest, "method not allowed"))
		return
	}

	var intents []orchestrator.Intent
	if err := json.NewDecoder(r.Body).Decode(&intents); err != nil {
		writeError(w, r, perrors.Newf(perrors.CodeInvalidRequest, "invalid batch payload: %v", err))
		return
	}

	result, err := s.exec.Execute(r.Context(), intents)
	if err != nil {
		var bizErr *perrors.Error
		if errors.As(err, &bizErr) {
			writeError(w, r, bizErr)
			return
		}
		writeError(w, r, perrors.New(perrors.CodeInternal, err.Error()))
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// statusResponse /status 汇总视图
type statusResponse struct {
	Service    string            `json:"service"`
	Time       int64             `json:"time"`
	Governor   governor.Snapshot `json:"governor"`
	Reconciler reconcilerStatus  `json:"reconciler"`
	Waiting    waitingStatus     `json:"waiting"`
}

type reconcilerStatus struct {
	Stream         reconciler.ConnState `json:"stream"`
	PositionsReady bool                 `json:"positionsReady"`
	OrdersReady    bool                 `json:"ordersReady"`
	Positions      int                  `json:"positions"`
	OpenOrders     int                  `json:"openOrders"`
}

type waitingStatus struct {
	Size    int             `json:"size"`
	Entries []waiting.Entry `json:"entries,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, r, perrors.New(perrors.CodeInvalidRequest, "method not allowed"))
		return
	}

	resp := statusResponse{
		Service:  "execution",
		Time:     time.Now().UnixMilli(),
		Governor: s.gov.Snapshot(),
		Reconciler: reconcilerStatus{
			Stream:         s.state.State(),
			PositionsReady: s.state.Ready(reconciler.KindPositions),
			OrdersReady:    s.state.Ready(reconciler.KindOrders),
			Positions:      len(s.state.Positions()),
			OpenOrders:     len(s.state.OpenOrders()),
		},
		Waiting: waitingStatus{
			Size:    s.exits.Size(),
			Entries: s.exits.Snapshot(),
		},
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError 拷贝一份再写出，避免污染共享的预定义错误
func writeError(w http.ResponseWriter, r *http.Request, err *perrors.Error) {
	payload := *err
	if reqID := RequestIDFromContext(r.Context()); reqID != "" {
		payload.RequestID = reqID
	}
	writeJSON(w, payload.HTTPStatus(), &payload)
}
