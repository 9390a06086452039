package risk

import (
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"riskengine/internal/models"
	"riskengine/pkg/utils"
)

// SizingConfig - параметры расчёта размера позиции
type SizingConfig struct {
	MaxPositionSizePct   decimal.Decimal // доля баланса на одну позицию
	RiskPerTrade         decimal.Decimal // доля баланса под риск сделки
	MaxPositions         int
	CorrelationThreshold decimal.Decimal // |corr| с которого режем размер
	CorrelationPenalty   decimal.Decimal // размер × (1 - |corr| × penalty)
}

// DefaultSizingConfig - значения по умолчанию
func DefaultSizingConfig() SizingConfig {
	return SizingConfig{
		MaxPositionSizePct:   decimal.NewFromFloat(0.1),
		RiskPerTrade:         decimal.NewFromFloat(0.01),
		MaxPositions:         5,
		CorrelationThreshold: decimal.NewFromFloat(0.7),
		CorrelationPenalty:   decimal.NewFromFloat(0.5),
	}
}

// CorrelationFunc возвращает корреляцию двух символов в [-1, 1]
type CorrelationFunc func(a, b string) decimal.Decimal

// DefaultCorrelation: один символ - 1, общий базовый актив - 0.8, иначе 0
func DefaultCorrelation(a, b string) decimal.Decimal {
	if strings.EqualFold(a, b) {
		return one
	}
	if models.BaseAsset(a) == models.BaseAsset(b) {
		return decimal.NewFromFloat(0.8)
	}
	return decimal.Zero
}

// Параметры Kelly
var (
	kellyBaseProb    = decimal.NewFromFloat(0.55)
	kellyVolFactor   = decimal.NewFromInt(5)
	kellyMinProb     = decimal.NewFromFloat(0.1)
	kellyMaxProb     = decimal.NewFromFloat(0.9)
	kellyPayoff      = decimal.NewFromInt(2)
	kellyMaxFraction = half
)

// PositionSizer рассчитывает размер позиции. Не хранит состояния.
type PositionSizer struct {
	cfg         SizingConfig
	correlation CorrelationFunc
	logger      *zap.Logger
}

// NewPositionSizer создаёт калькулятор размера
func NewPositionSizer(cfg SizingConfig, logger *zap.Logger) *PositionSizer {
	if cfg.MaxPositions <= 0 {
		cfg.MaxPositions = 5
	}
	return &PositionSizer{
		cfg:         cfg,
		correlation: DefaultCorrelation,
		logger:      utils.NopIfNil(logger).With(utils.Component("position_sizer")),
	}
}

// WithCorrelation подменяет источник корреляций
func (s *PositionSizer) WithCorrelation(fn CorrelationFunc) *PositionSizer {
	if fn != nil {
		s.correlation = fn
	}
	return s
}

// Config возвращает параметры
func (s *PositionSizer) Config() SizingConfig {
	return s.cfg
}

// Size рассчитывает размер позиции в базовой валюте.
//
// Результат всегда <= balance × MaxPositionSizePct / price. Некорректный
// вход (balance <= 0, price <= 0, volatility < 0, stopLoss <= 0) даёт 0.
func (s *PositionSizer) Size(balance, price decimal.Decimal, volatility, stopLoss *decimal.Decimal, method SizingMethod) decimal.Decimal {
	switch {
	case !balance.IsPositive():
		s.logger.Warn("size: non-positive balance", utils.Dec("balance", balance))
		return decimal.Zero
	case !price.IsPositive():
		s.logger.Warn("size: non-positive price", utils.Price(price))
		return decimal.Zero
	case volatility != nil && volatility.IsNegative():
		s.logger.Warn("size: negative volatility", utils.Dec("volatility", *volatility))
		return decimal.Zero
	case stopLoss != nil && !stopLoss.IsPositive():
		s.logger.Warn("size: non-positive stop", utils.Dec("stop_loss", *stopLoss))
		return decimal.Zero
	}

	var size decimal.Decimal
	switch method {
	case SizingFixedRisk:
		size = s.fixedRisk(balance, price, stopLoss)
	case SizingKelly:
		if volatility == nil {
			size = s.fixedRisk(balance, price, nil)
			break
		}
		size = balance.Mul(s.KellyFraction(*volatility)).Div(price)
	case SizingEqualWeight:
		size = balance.Div(decimal.NewFromInt(int64(s.cfg.MaxPositions))).Div(price)
	default:
		s.logger.Warn("unknown sizing method, using fixed_risk", utils.String("method", string(method)))
		size = s.fixedRisk(balance, price, stopLoss)
	}

	return utils.Min(size, s.maxSize(balance, price))
}

func (s *PositionSizer) maxSize(balance, price decimal.Decimal) decimal.Decimal {
	return balance.Mul(s.cfg.MaxPositionSizePct).Div(price)
}

// fixedRisk: риск сделки / расстояние до стопа. Без стопа - стоп на
// RiskPerTrade ниже цены.
func (s *PositionSizer) fixedRisk(balance, price decimal.Decimal, stopLoss *decimal.Decimal) decimal.Decimal {
	stop := price.Mul(one.Sub(s.cfg.RiskPerTrade))
	if present(stopLoss) {
		stop = *stopLoss
	}

	priceRisk := price.Sub(stop).Abs()
	if priceRisk.IsZero() {
		return decimal.Zero
	}
	return balance.Mul(s.cfg.RiskPerTrade).Div(priceRisk)
}

// KellyFraction - половина Kelly при выплате 2:1 и вероятности выигрыша
// clamp(0.55 - 5×volatility, 0.1, 0.9). Всегда в [0, 0.5].
func (s *PositionSizer) KellyFraction(volatility decimal.Decimal) decimal.Decimal {
	p := utils.Clamp(kellyBaseProb.Sub(volatility.Mul(kellyVolFactor)), kellyMinProb, kellyMaxProb)
	q := one.Sub(p)

	f := kellyPayoff.Mul(p).Sub(q).Div(kellyPayoff).Mul(half)
	return utils.Clamp(f, decimal.Zero, kellyMaxFraction)
}

// AdjustForCorrelation уменьшает размер за каждую открытую позицию
// с |corr| >= CorrelationThreshold: size × (1 - |corr| × CorrelationPenalty).
// Размер никогда не увеличивается.
func (s *PositionSizer) AdjustForCorrelation(size decimal.Decimal, symbol string, open []models.Position) decimal.Decimal {
	factor := one
	for i := range open {
		if !open[i].IsOpen() {
			continue
		}
		corr := s.correlation(symbol, open[i].Symbol).Abs()
		if corr.LessThan(s.cfg.CorrelationThreshold) {
			continue
		}
		factor = factor.Mul(utils.Clamp(one.Sub(corr.Mul(s.cfg.CorrelationPenalty)), decimal.Zero, one))
	}

	if factor.LessThan(one) {
		s.logger.Debug("size reduced for correlated exposure",
			utils.Symbol(symbol),
			utils.Dec("factor", factor),
		)
	}
	return size.Mul(factor)
}

// AdjustForVolatility = size × avg / volatility; avg = 0 или volatility <= 0 - без изменений
func (s *PositionSizer) AdjustForVolatility(size, volatility, avgVolatility decimal.Decimal) decimal.Decimal {
	if avgVolatility.IsZero() || !volatility.IsPositive() {
		return size
	}
	return size.Mul(avgVolatility).Div(volatility)
}
