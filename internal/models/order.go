package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide - сторона ордера
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"  // открытие long или закрытие short
	OrderSideSell OrderSide = "sell" // открытие short или закрытие long
)

// Opposite возвращает встречную сторону (для отката ноги)
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// PositionSide - направление позиции, которую открывает ордер
func (s OrderSide) PositionSide() Side {
	if s == OrderSideSell {
		return SideShort
	}
	return SideLong
}

// OrderType - тип ордера
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// Order - ордер, размещённый на бирже
type Order struct {
	ID        string          `json:"id"`
	Exchange  string          `json:"exchange"`
	Symbol    string          `json:"symbol"`
	Side      OrderSide       `json:"side"`
	Type      OrderType       `json:"type"`
	Amount    decimal.Decimal `json:"amount"`
	Filled    decimal.Decimal `json:"filled"`
	AvgPrice  decimal.Decimal `json:"avg_price"` // средняя цена исполнения
	Fee       decimal.Decimal `json:"fee"`
	Status    string          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}

// Статусы ордера
const (
	OrderStatusNew       = "new"
	OrderStatusFilled    = "filled"
	OrderStatusPartial   = "partial"
	OrderStatusCancelled = "cancelled"
	OrderStatusRejected  = "rejected"
)

// IsFilled - ордер исполнен хотя бы частично
func (o *Order) IsFilled() bool {
	return o.Status == OrderStatusFilled || o.Status == OrderStatusPartial
}
