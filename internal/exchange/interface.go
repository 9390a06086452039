// Package exchange описывает контракт биржи, который потребляет ядро,
// и содержит адаптеры к конкретным биржам.
package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"riskengine/internal/models"
)

// Exchange - унифицированный интерфейс биржи.
//
// Все числовые поля - decimal. Любой метод может вернуть транзиентную
// ошибку сети (см. IsTransient).
type Exchange interface {
	// Name возвращает идентификатор биржи ("bybit", ...)
	Name() string

	// GetTicker получает текущие цены инструмента
	GetTicker(ctx context.Context, symbol string) (*models.Ticker, error)

	// GetOrderBook получает стакан заданной глубины
	GetOrderBook(ctx context.Context, symbol string, depth int) (*models.OrderBook, error)

	// GetRecentTrades получает последние публичные сделки, от старых к новым
	GetRecentTrades(ctx context.Context, symbol string, limit int) ([]models.Trade, error)

	// CreateOrder размещает ордер
	CreateOrder(ctx context.Context, req OrderRequest) (*models.Order, error)

	// CancelOrder отменяет ордер
	CancelOrder(ctx context.Context, symbol, orderID string) error

	// GetBalance возвращает доступный баланс валюты (пустая строка - USDT)
	GetBalance(ctx context.Context, currency string) (decimal.Decimal, error)

	// Close освобождает соединения
	Close() error
}

// TickerFeed - поток тикеров. Ядро только регистрирует обработчики и
// никогда не разбирает сырые сообщения биржи.
type TickerFeed interface {
	SubscribeTicker(symbol string, handler func(models.Ticker)) error
	Unsubscribe(symbol string) error
}

// OrderRequest - параметры нового ордера. Price обязателен только для limit.
type OrderRequest struct {
	Symbol   string
	Side     models.OrderSide
	Type     models.OrderType
	Amount   decimal.Decimal
	Price    *decimal.Decimal
	ClientID string
}

// Validate проверяет запрос до отправки на биржу
func (r OrderRequest) Validate() error {
	if r.Symbol == "" {
		return ErrEmptySymbol
	}
	if r.Side != models.OrderSideBuy && r.Side != models.OrderSideSell {
		return ErrInvalidOrderSide
	}
	if !r.Amount.IsPositive() {
		return ErrInvalidOrderAmount
	}
	if r.Type == models.OrderTypeLimit && (r.Price == nil || !r.Price.IsPositive()) {
		return ErrLimitWithoutPrice
	}
	return nil
}

// DefaultCurrency - валюта баланса по умолчанию
const DefaultCurrency = "USDT"
