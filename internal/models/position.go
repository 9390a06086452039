package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side - направление позиции
type Side string

const (
	SideLong  Side = "long"  // ставка на рост
	SideShort Side = "short" // ставка на падение
)

// Valid проверяет, что направление известно
func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

// Opposite возвращает противоположное направление
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// ParseSide разбирает направление без учёта регистра
func ParseSide(s string) (Side, error) {
	side := Side(strings.ToLower(strings.TrimSpace(s)))
	if !side.Valid() {
		return "", fmt.Errorf("unknown side %q", s)
	}
	return side, nil
}

// PositionStatus - статус позиции
type PositionStatus string

const (
	PositionStatusOpen   PositionStatus = "open"
	PositionStatusClosed PositionStatus = "closed"
)

// Position - одна сделка с отслеживанием PnL.
//
// Amount > 0 всегда. Статус меняется open -> closed ровно один раз.
type Position struct {
	ID              string          `json:"id"`
	Symbol          string          `json:"symbol"`
	Side            Side            `json:"side"`
	ExchangeID      string          `json:"exchange_id"`
	EntryPrice      decimal.Decimal `json:"entry_price"`
	Amount          decimal.Decimal `json:"amount"`
	StopLoss        decimal.Decimal `json:"stop_loss"`
	TrailingStopPct decimal.Decimal `json:"trailing_stop_pct"` // 0 - без трейлинга
	Fees            decimal.Decimal `json:"fees"`              // накопленные комиссии (вход + выход)

	CurrentPrice  decimal.Decimal `json:"current_price"`
	HighestPrice  decimal.Decimal `json:"highest_price"`
	LowestPrice   decimal.Decimal `json:"lowest_price"`
	UnrealizedPnl decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnl   decimal.Decimal `json:"realized_pnl"`

	Status    PositionStatus  `json:"status"`
	EntryTime time.Time       `json:"entry_time"`
	ExitTime  *time.Time      `json:"exit_time,omitempty"`
	ExitPrice decimal.Decimal `json:"exit_price"`
}

// IsOpen - позиция ещё открыта
func (p *Position) IsOpen() bool {
	return p.Status == PositionStatusOpen
}

// Value - текущая стоимость позиции (amount × current_price)
func (p *Position) Value() decimal.Decimal {
	return p.Amount.Mul(p.CurrentPrice)
}

// PriceDelta - изменение цены в пользу позиции: для long price-entry, для short entry-price
func (p *Position) PriceDelta(price decimal.Decimal) decimal.Decimal {
	if p.Side == SideShort {
		return p.EntryPrice.Sub(price)
	}
	return price.Sub(p.EntryPrice)
}

// PnlAt - PnL при выходе по цене price за вычетом накопленных комиссий
func (p *Position) PnlAt(price decimal.Decimal) decimal.Decimal {
	return p.PriceDelta(price).Mul(p.Amount).Sub(p.Fees)
}

// Copy возвращает независимую копию (ExitTime копируется отдельно)
func (p *Position) Copy() Position {
	c := *p
	if p.ExitTime != nil {
		t := *p.ExitTime
		c.ExitTime = &t
	}
	return c
}

// PositionFilter - фильтр истории закрытых позиций; пустые поля не ограничивают
type PositionFilter struct {
	Symbol string
	From   time.Time
	To     time.Time
}
