package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"runtime/debug"
	"strings"

	perrors "github.com/exchange/execution/pkg/errors"
	"github.com/exchange/execution/pkg/logger"
)

type requestIDKey struct{}

// RequestIDFromContext 从上下文读取请求 ID
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

// requestID 确保每个请求带 X-Request-ID，缺省时生成
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if reqID == "" {
			buf := make([]byte, 16)
			if _, err := rand.Read(buf); err == nil {
				reqID = hex.EncodeToString(buf)
			}
		}
		if reqID != "" {
			w.Header().Set("X-Request-ID", reqID)
			r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, reqID))
		}
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(code)
}

// recovery 阻止 panic 打挂进程，返回安全的 500
func recovery(log *logger.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrapped := &statusWriter{ResponseWriter: w}
		defer func() {
			if v := recover(); v != nil {
				log.Errorf("panic recovered", map[string]interface{}{
					"panic":     v,
					"requestId": RequestIDFromContext(r.Context()),
					"stack":     string(debug.Stack()),
				})
				if !wrapped.wroteHeader {
					writeError(wrapped, r, perrors.New(perrors.CodeInternal, "internal server error"))
				}
			}
		}()
		next.ServeHTTP(wrapped, r)
	})
}

// internalAuth 校验 X-Internal-Token，常数时间比较
func internalAuth(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("X-Internal-Token")
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			writeError(w, r, perrors.ErrUnauthenticated)
			return
		}
		next.ServeHTTP(w, r)
	})
}
