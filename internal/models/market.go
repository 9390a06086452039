package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PriceLevel - уровень цены в стакане
type PriceLevel struct {
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
}

// OrderBook - снимок стакана: bids по убыванию цены, asks по возрастанию
type OrderBook struct {
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp time.Time    `json:"timestamp"`
}

// BestBid возвращает лучшую цену покупки; false если сторона пуста
func (ob *OrderBook) BestBid() (decimal.Decimal, bool) {
	if ob == nil || len(ob.Bids) == 0 {
		return decimal.Zero, false
	}
	return ob.Bids[0].Price, true
}

// BestAsk возвращает лучшую цену продажи; false если сторона пуста
func (ob *OrderBook) BestAsk() (decimal.Decimal, bool) {
	if ob == nil || len(ob.Asks) == 0 {
		return decimal.Zero, false
	}
	return ob.Asks[0].Price, true
}

// HasBothSides - в стакане есть и bids, и asks
func (ob *OrderBook) HasBothSides() bool {
	return ob != nil && len(ob.Bids) > 0 && len(ob.Asks) > 0
}

// Copy возвращает независимую копию стакана
func (ob *OrderBook) Copy() *OrderBook {
	if ob == nil {
		return nil
	}
	c := &OrderBook{Symbol: ob.Symbol, Timestamp: ob.Timestamp}
	c.Bids = append([]PriceLevel(nil), ob.Bids...)
	c.Asks = append([]PriceLevel(nil), ob.Asks...)
	return c
}

// Trade - публичная сделка
type Trade struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Amount    decimal.Decimal `json:"amount"`
	Side      OrderSide       `json:"side"`
	Timestamp time.Time       `json:"timestamp"`
}

// Ticker - текущие цены инструмента
type Ticker struct {
	Symbol    string          `json:"symbol"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Last      decimal.Decimal `json:"last"`
	Volume24h decimal.Decimal `json:"volume_24h"` // в базовой валюте
	Timestamp time.Time       `json:"timestamp"`
}

// LiquidityAssessment - результат проверки ликвидности.
//
// IsLiquid - чистая функция остальных полей и настроенных порогов.
type LiquidityAssessment struct {
	Symbol            string          `json:"symbol"`
	Spread            decimal.Decimal `json:"spread"`
	Depth             decimal.Decimal `json:"depth"`
	VolumeRatio       decimal.Decimal `json:"volume_ratio"`
	EstimatedSlippage decimal.Decimal `json:"estimated_slippage"`
	IsLiquid          bool            `json:"is_liquid"`
	Timestamp         time.Time       `json:"timestamp"`
}

// SplitSymbol разбирает "BASE/QUOTE" на части; false если формат другой
func SplitSymbol(symbol string) (base, quote string, ok bool) {
	parts := strings.Split(symbol, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return strings.ToUpper(parts[0]), strings.ToUpper(parts[1]), true
}

// BaseAsset возвращает базовый актив символа или сам символ
func BaseAsset(symbol string) string {
	if base, _, ok := SplitSymbol(symbol); ok {
		return base
	}
	return strings.ToUpper(symbol)
}
