// Package errors 定义统一错误码
package errors

import (
	"fmt"
	"net/http"
)

// Code 错误码
type Code string

// 错误码定义
const (
	// 通用错误
	CodeOK              Code = "OK"
	CodeUnknown         Code = "UNKNOWN"
	CodeInvalidParam    Code = "INVALID_PARAM"
	CodeInvalidRequest  Code = "INVALID_REQUEST"
	CodeNotFound        Code = "NOT_FOUND"
	CodeUnauthenticated Code = "UNAUTHENTICATED"
	CodeInternal        Code = "INTERNAL"
	CodeUnavailable     Code = "UNAVAILABLE"
	CodeTimeout         Code = "TIMEOUT"

	// 限流与封禁
	CodeRateLimited    Code = "RATE_LIMITED"
	CodeExchangeBanned Code = "EXCHANGE_BANNED"
	CodeBackoffActive  Code = "BACKOFF_ACTIVE"

	// 下单
	CodeInvariantViolation Code = "INVARIANT_VIOLATION"
	CodeOrderRejected      Code = "ORDER_REJECTED"
	CodeOrderNotFound      Code = "ORDER_NOT_FOUND"
	CodeSymbolNotFound     Code = "SYMBOL_NOT_FOUND"
	CodeInvalidSide        Code = "INVALID_SIDE"
	CodeInvalidLeverage    Code = "INVALID_LEVERAGE"
	CodeInvalidPrice       Code = "INVALID_PRICE"
	CodeInvalidQuantity    Code = "INVALID_QUANTITY"
	CodeBatchInProgress    Code = "BATCH_IN_PROGRESS"

	// 对账
	CodeStateNotReady Code = "STATE_NOT_READY"

	// 系统
	CodeSystemBusy Code = "SYSTEM_BUSY"
)

// Error 业务错误
type Error struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	RequestID string `json:"requestId,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// New 创建错误
func New(code Code, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: isRetryable(code),
	}
}

// Newf 创建格式化错误
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// WithRequestID 添加请求 ID
func (e *Error) WithRequestID(requestID string) *Error {
	e.RequestID = requestID
	return e
}

// HTTPStatus 返回对应的 HTTP 状态码
func (e *Error) HTTPStatus() int {
	return httpStatus(e.Code)
}

// isRetryable 判断是否可重试
func isRetryable(code Code) bool {
	switch code {
	case CodeRateLimited, CodeBackoffActive, CodeSystemBusy,
		CodeTimeout, CodeUnavailable, CodeStateNotReady, CodeBatchInProgress:
		return true
	default:
		return false
	}
}

// httpStatus 错误码对应的 HTTP 状态码
func httpStatus(code Code) int {
	switch code {
	case CodeOK:
		return http.StatusOK
	case CodeInvalidParam, CodeInvalidRequest, CodeInvalidSide,
		CodeInvalidLeverage, CodeInvalidPrice, CodeInvalidQuantity,
		CodeInvariantViolation:
		return http.StatusBadRequest
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeNotFound, CodeOrderNotFound, CodeSymbolNotFound:
		return http.StatusNotFound
	case CodeBatchInProgress:
		return http.StatusConflict
	case CodeRateLimited, CodeExchangeBanned, CodeBackoffActive:
		return http.StatusTooManyRequests
	case CodeInternal, CodeUnknown:
		return http.StatusInternalServerError
	case CodeUnavailable, CodeSystemBusy, CodeStateNotReady:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// 预定义错误
var (
	ErrInvalidParam    = New(CodeInvalidParam, "invalid parameter")
	ErrNotFound        = New(CodeNotFound, "not found")
	ErrUnauthenticated = New(CodeUnauthenticated, "unauthenticated")
	ErrRateLimited     = New(CodeRateLimited, "rate limited")
	ErrBackoffActive   = New(CodeBackoffActive, "backoff window active")
	ErrBatchInProgress = New(CodeBatchInProgress, "another batch is executing")
	ErrStateNotReady   = New(CodeStateNotReady, "reconciled state not ready")
	ErrSystemBusy      = New(CodeSystemBusy, "system busy, please retry")
)
