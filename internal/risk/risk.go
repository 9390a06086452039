// Package risk содержит расчёты защиты капитала: стопы, размер позиции,
// проверку ликвидности и мониторинг лимитов портфеля.
package risk

import (
	"errors"

	"github.com/shopspring/decimal"

	"riskengine/internal/models"
)

// Ошибки валидации входных данных
var (
	ErrInvalidPrice  = errors.New("price must be positive")
	ErrInvalidAmount = errors.New("amount must be positive")
	ErrInvalidSide   = errors.New("side must be long or short")
)

// StopMethod - способ расчёта начального стопа
type StopMethod string

const (
	StopFixed      StopMethod = "fixed"
	StopATR        StopMethod = "atr"
	StopVolatility StopMethod = "volatility"
)

// SizingMethod - способ расчёта размера позиции
type SizingMethod string

const (
	SizingFixedRisk   SizingMethod = "fixed_risk"
	SizingKelly       SizingMethod = "kelly"
	SizingEqualWeight SizingMethod = "equal_weight"
)

// StopCalculator - расчёт и сопровождение стопов
type StopCalculator interface {
	InitialStop(entry decimal.Decimal, side models.Side, volatility *decimal.Decimal, method StopMethod) decimal.Decimal
	UpdateTrailing(pos *models.Position, price decimal.Decimal) decimal.Decimal
	CheckTriggered(pos *models.Position, price decimal.Decimal) bool
}

// Sizer - расчёт размера позиции
type Sizer interface {
	Size(balance, price decimal.Decimal, volatility, stopLoss *decimal.Decimal, method SizingMethod) decimal.Decimal
	AdjustForCorrelation(size decimal.Decimal, symbol string, open []models.Position) decimal.Decimal
}

// LiquidityChecker - проверка исполнимости ордера по стакану
type LiquidityChecker interface {
	Check(symbol string, orderSize decimal.Decimal, book *models.OrderBook, recentVolume decimal.Decimal) models.LiquidityAssessment
	OptimalSize(desired decimal.Decimal, book *models.OrderBook, recentVolume decimal.Decimal) decimal.Decimal
	ShouldSplit(orderSize decimal.Decimal, book *models.OrderBook, recentVolume decimal.Decimal) []decimal.Decimal
}

var (
	one  = decimal.NewFromInt(1)
	two  = decimal.NewFromInt(2)
	half = decimal.NewFromFloat(0.5)
)

// Dec - указатель на decimal для необязательных аргументов
func Dec(d decimal.Decimal) *decimal.Decimal {
	return &d
}

// present - необязательное значение задано и не равно нулю
func present(d *decimal.Decimal) bool {
	return d != nil && !d.IsZero()
}
