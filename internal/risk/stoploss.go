package risk

import (
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"riskengine/internal/models"
	"riskengine/pkg/utils"
)

// StopLossConfig - параметры стопов
type StopLossConfig struct {
	DefaultPct       decimal.Decimal // фиксированный стоп, доля от входа
	TrailingPct      decimal.Decimal // трейлинг по умолчанию
	ATRMultiplier    decimal.Decimal
	BreakEvenTrigger decimal.Decimal // прибыль (за вычетом комиссий) для переноса в безубыток
}

// DefaultStopLossConfig - 2% стоп, 1% трейлинг, 2 ATR, безубыток от 1%
func DefaultStopLossConfig() StopLossConfig {
	return StopLossConfig{
		DefaultPct:       decimal.NewFromFloat(0.02),
		TrailingPct:      decimal.NewFromFloat(0.01),
		ATRMultiplier:    decimal.NewFromInt(2),
		BreakEvenTrigger: decimal.NewFromFloat(0.01),
	}
}

// StopLossManager - расчёт стопов. Не хранит состояния, безопасен
// для конкурентного использования.
type StopLossManager struct {
	cfg    StopLossConfig
	logger *zap.Logger
}

// NewStopLossManager создаёт менеджер стопов
func NewStopLossManager(cfg StopLossConfig, logger *zap.Logger) *StopLossManager {
	return &StopLossManager{
		cfg:    cfg,
		logger: utils.NopIfNil(logger).With(utils.Component("stop_loss")),
	}
}

// Config возвращает параметры менеджера
func (m *StopLossManager) Config() StopLossConfig {
	return m.cfg
}

// InitialStop рассчитывает начальный стоп.
//
// Некорректный вход (entry <= 0, неизвестная сторона, отрицательная
// волатильность) возвращает entry без изменений. Отсутствующая
// волатильность для atr/volatility - фиксированный стоп.
func (m *StopLossManager) InitialStop(entry decimal.Decimal, side models.Side, volatility *decimal.Decimal, method StopMethod) decimal.Decimal {
	if !entry.IsPositive() {
		m.logger.Warn("initial stop: non-positive entry price", utils.Price(entry))
		return entry
	}
	if !side.Valid() {
		m.logger.Warn("initial stop: invalid side", utils.Side(string(side)))
		return entry
	}
	if volatility != nil && volatility.IsNegative() {
		m.logger.Warn("initial stop: negative volatility", utils.Dec("volatility", *volatility))
		return entry
	}

	switch method {
	case StopFixed:
		return m.fixedStop(entry, side)
	case StopATR:
		if !present(volatility) {
			return m.fixedStop(entry, side)
		}
		return offset(entry, volatility.Mul(m.cfg.ATRMultiplier), side)
	case StopVolatility:
		if !present(volatility) {
			return m.fixedStop(entry, side)
		}
		return offset(entry, entry.Mul(*volatility), side)
	default:
		m.logger.Warn("unknown stop method, using fixed", utils.String("method", string(method)))
		return m.fixedStop(entry, side)
	}
}

func (m *StopLossManager) fixedStop(entry decimal.Decimal, side models.Side) decimal.Decimal {
	return offset(entry, entry.Mul(m.cfg.DefaultPct), side)
}

// offset: long - ниже входа, short - выше
func offset(entry, distance decimal.Decimal, side models.Side) decimal.Decimal {
	if side == models.SideShort {
		return entry.Add(distance)
	}
	return entry.Sub(distance)
}

// trailingPct - процент позиции или значение по умолчанию
func (m *StopLossManager) trailingPct(pos *models.Position) decimal.Decimal {
	if pos.TrailingStopPct.IsPositive() {
		return pos.TrailingStopPct
	}
	return m.cfg.TrailingPct
}

// UpdateTrailing возвращает новый стоп. Стоп никогда не отступает:
// для long только растёт, для short только снижается.
func (m *StopLossManager) UpdateTrailing(pos *models.Position, price decimal.Decimal) decimal.Decimal {
	if !price.IsPositive() {
		return pos.StopLoss
	}
	pct := m.trailingPct(pos)

	if pos.Side == models.SideShort {
		candidate := price.Mul(one.Add(pct))
		if candidate.LessThan(pos.StopLoss) {
			return candidate
		}
		return pos.StopLoss
	}

	candidate := price.Mul(one.Sub(pct))
	if candidate.GreaterThan(pos.StopLoss) {
		return candidate
	}
	return pos.StopLoss
}

// CheckTriggered: long - цена <= стопа, short - цена >= стопа.
// Нулевой стоп не срабатывает.
func (m *StopLossManager) CheckTriggered(pos *models.Position, price decimal.Decimal) bool {
	if pos.StopLoss.IsZero() {
		return false
	}
	if pos.Side == models.SideShort {
		return price.GreaterThanOrEqual(pos.StopLoss)
	}
	return price.LessThanOrEqual(pos.StopLoss)
}

// BreakEvenAdjustment возвращает стоп в безубытке с учётом комиссий, если
// прибыль за вычетом комиссий достигла BreakEvenTrigger; иначе nil.
// Неположительная цена - ошибка, а не "нет переноса".
func (m *StopLossManager) BreakEvenAdjustment(pos *models.Position, price decimal.Decimal, fees *decimal.Decimal) (*decimal.Decimal, error) {
	if !price.IsPositive() {
		return nil, fmt.Errorf("break-even for %s: %w", pos.ID, ErrInvalidPrice)
	}
	if !pos.EntryPrice.IsPositive() {
		return nil, fmt.Errorf("break-even for %s: entry %w", pos.ID, ErrInvalidPrice)
	}

	total := pos.Fees
	if fees != nil {
		total = total.Add(*fees)
	}
	feeAdj := total.Div(pos.EntryPrice)

	profit := pos.PriceDelta(price).Div(pos.EntryPrice).Sub(feeAdj)
	if profit.LessThan(m.cfg.BreakEvenTrigger) {
		return nil, nil
	}

	var stop decimal.Decimal
	if pos.Side == models.SideShort {
		stop = pos.EntryPrice.Mul(one.Sub(feeAdj))
	} else {
		stop = pos.EntryPrice.Mul(one.Add(feeAdj))
	}
	return &stop, nil
}

// RiskRewardRatio = прибыль до цели / риск до стопа; 0 при нулевом риске
func (m *StopLossManager) RiskRewardRatio(entry, stop, target decimal.Decimal, side models.Side) decimal.Decimal {
	var riskDist, reward decimal.Decimal
	if side == models.SideShort {
		riskDist = stop.Sub(entry)
		reward = entry.Sub(target)
	} else {
		riskDist = entry.Sub(stop)
		reward = target.Sub(entry)
	}
	if riskDist.IsZero() {
		return decimal.Zero
	}
	return reward.Div(riskDist)
}
