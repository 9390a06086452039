package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OpportunityType - тип арбитражной возможности
type OpportunityType string

const (
	OpportunityTriangular    OpportunityType = "triangular"
	OpportunityCrossExchange OpportunityType = "cross_exchange"
	OpportunityStatistical   OpportunityType = "statistical"
)

// TriangleStep - одна конвертация в треугольнике
type TriangleStep struct {
	Pair string    `json:"pair"`
	Side OrderSide `json:"side"` // buy: quote -> base, sell: base -> quote
}

// ArbitrageOpportunity - найденная возможность.
//
// Не сохраняется: исполняется или отбрасывается после повторной проверки
// на свежих данных.
type ArbitrageOpportunity struct {
	Type OpportunityType `json:"type"`

	// triangular: Exchange и Path
	Exchange string         `json:"exchange,omitempty"`
	Path     []TriangleStep `json:"path,omitempty"`

	// cross_exchange / statistical: покупаем на BuyExchange, продаём на SellExchange
	Pair         string `json:"pair,omitempty"`
	BuyExchange  string `json:"buy_exchange,omitempty"`
	SellExchange string `json:"sell_exchange,omitempty"`

	Profit     decimal.Decimal `json:"profit"`  // доля, 0.003 = 0.3%
	ZScore     decimal.Decimal `json:"z_score"` // только statistical
	ComputedAt time.Time       `json:"computed_at"`
}

// Score - величина для сравнения кандидатов: прибыль или |z|
func (o *ArbitrageOpportunity) Score() decimal.Decimal {
	if o.Type == OpportunityStatistical {
		return o.ZScore.Abs()
	}
	return o.Profit
}

// Pairs - все пары, участвующие в возможности
func (o *ArbitrageOpportunity) Pairs() []string {
	if o.Type == OpportunityTriangular {
		pairs := make([]string, 0, len(o.Path))
		for _, step := range o.Path {
			pairs = append(pairs, step.Pair)
		}
		return pairs
	}
	return []string{o.Pair}
}
