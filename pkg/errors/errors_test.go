package errors

import (
	"net/http"
	"testing"
)

func TestErrorString(t *testing.T) {
	err := New(CodeOrderRejected, "Order would immediately trigger.")
	want := "[ORDER_REJECTED] Order would immediately trigger."
	if err.Error() != want {
		t.Fatalf("expected %q, got %q", want, err.Error())
	}
}

func TestNewfFormats(t *testing.T) {
	err := Newf(CodeSymbolNotFound, "symbol %s not found", "ALTUSDT")
	if err.Message != "symbol ALTUSDT not found" {
		t.Fatalf("unexpected message: %q", err.Message)
	}
}

func TestRetryableFlags(t *testing.T) {
	tests := []struct {
		code Code
		want bool
	}{
		{CodeRateLimited, true},
		{CodeBackoffActive, true},
		{CodeBatchInProgress, true},
		{CodeStateNotReady, true},
		{CodeInvariantViolation, false},
		{CodeOrderRejected, false},
		{CodeExchangeBanned, false},
	}

	for _, tt := range tests {
		if got := New(tt.code, "x").Retryable; got != tt.want {
			t.Fatalf("code %s: expected retryable=%v, got %v", tt.code, tt.want, got)
		}
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{CodeInvariantViolation, http.StatusBadRequest},
		{CodeRateLimited, http.StatusTooManyRequests},
		{CodeExchangeBanned, http.StatusTooManyRequests},
		{CodeBatchInProgress, http.StatusConflict},
		{CodeStateNotReady, http.StatusServiceUnavailable},
		{CodeTimeout, http.StatusGatewayTimeout},
		{Code("SOMETHING_ELSE"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := New(tt.code, "x").HTTPStatus(); got != tt.want {
			t.Fatalf("code %s: expected status %d, got %d", tt.code, tt.want, got)
		}
	}
}

func TestWithRequestID(t *testing.T) {
	err := ErrBatchInProgress
	withID := New(err.Code, err.Message).WithRequestID("req-1")
	if withID.RequestID != "req-1" {
		t.Fatalf("expected request id to be set, got %q", withID.RequestID)
	}
}
