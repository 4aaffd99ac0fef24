package exchange

import (
	"fmt"
	"net/http"

	perrors "github.com/exchange/execution/pkg/errors"
)

// 交易所常见错误码
const (
	CodeTooManyRequests  = -1003
	CodeWouldTrigger     = -2021 // Order would immediately trigger.
	CodeReduceOnlyReject = -2022
	CodeNoNeedToChange   = -4046 // No need to change margin type / leverage.
)

// ExchangeError 交易所返回的业务错误
type ExchangeError struct {
	HTTPStatus int    `json:"httpStatus"`
	Code       int    `json:"code"`
	Message    string `json:"msg"`
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("exchange error %d (http %d): %s", e.Code, e.HTTPStatus, e.Message)
}

// IsRateLimit 429 或临时封禁
func (e *ExchangeError) IsRateLimit() bool {
	return e.HTTPStatus == http.StatusTooManyRequests || e.Code == CodeTooManyRequests
}

// IsNoNeedToChange 杠杆/保证金模式已是目标值
func (e *ExchangeError) IsNoNeedToChange() bool {
	return e.Code == CodeNoNeedToChange
}

// ToBusiness 转换为统一业务错误码
func (e *ExchangeError) ToBusiness() *perrors.Error {
	switch {
	case e.Code == CodeTooManyRequests:
		return perrors.Newf(perrors.CodeExchangeBanned, "exchange ban: %s", e.Message)
	case e.HTTPStatus == http.StatusTooManyRequests:
		return perrors.Newf(perrors.CodeRateLimited, "rate limited: %s", e.Message)
	default:
		return perrors.Newf(perrors.CodeOrderRejected, "code %d: %s", e.Code, e.Message)
	}
}
