package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"

	"riskengine/pkg/retry"
)

// Ошибки валидации ордера
var (
	ErrEmptySymbol        = errors.New("order symbol is empty")
	ErrInvalidOrderSide   = errors.New("order side must be buy or sell")
	ErrInvalidOrderAmount = errors.New("order amount must be positive")
	ErrLimitWithoutPrice  = errors.New("limit order requires a positive price")
)

// ErrUnsupported - неизвестный тип биржи
var ErrUnsupported = errors.New("unsupported exchange")

// ErrDuplicateOrder - ордер с таким ClientID уже принят биржей
var ErrDuplicateOrder = errors.New("order with this client id already exists")

// ExchangeError - ошибка, полученная от биржи.
//
// Temporary выставляется адаптером для 429/5xx и кодов ограничения
// частоты; такие ошибки повторяются через retry.
type ExchangeError struct {
	Exchange  string
	Code      string
	Message   string
	Temporary bool
	Original  error
}

func (e *ExchangeError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code %s)", e.Exchange, e.Message, e.Code)
	}
	return e.Exchange + ": " + e.Message
}

// Unwrap возвращает оригинальную ошибку для errors.Is / errors.As
func (e *ExchangeError) Unwrap() error {
	return e.Original
}

// Retryable используется retry.IsRetryable
func (e *ExchangeError) Retryable() bool {
	return e.Temporary
}

// httpError создаёт ошибку по HTTP статусу ответа
func httpError(exchange string, status int, body string) *ExchangeError {
	return &ExchangeError{
		Exchange:  exchange,
		Code:      fmt.Sprintf("http_%d", status),
		Message:   strings.TrimSpace(truncate(body, 200)),
		Temporary: status == http.StatusTooManyRequests || status >= 500,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// IsTransient - ошибку имеет смысл повторить: таймаут, 429/5xx,
// разрыв соединения, retry.TemporaryError. Отмена контекста - никогда.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var exErr *ExchangeError
	if errors.As(err, &exErr) {
		if exErr.Temporary {
			return true
		}
		if exErr.Original == nil {
			return false
		}
	}

	var tempErr *retry.TemporaryError
	if errors.As(err, &tempErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE)
}
