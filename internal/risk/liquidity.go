package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"riskengine/internal/models"
	"riskengine/pkg/utils"
)

// LiquidityConfig - пороги ликвидности
type LiquidityConfig struct {
	MinLiquidityRatio  decimal.Decimal // глубина / размер ордера
	MaxSlippage        decimal.Decimal // допустимый спред
	MaxVolumeRatio     decimal.Decimal // ордер / объём за окно
	VolumeWindowHours  int             // окно recentVolume, часов
	LiquidityThreshold decimal.Decimal // предел суммирования стакана для OptimalSize
	CacheSize          int
}

// DefaultLiquidityConfig - значения по умолчанию
func DefaultLiquidityConfig() LiquidityConfig {
	return LiquidityConfig{
		MinLiquidityRatio:  decimal.NewFromInt(3),
		MaxSlippage:        decimal.NewFromFloat(0.01),
		MaxVolumeRatio:     decimal.NewFromFloat(0.1),
		VolumeWindowHours:  24,
		LiquidityThreshold: decimal.NewFromInt(1000),
		CacheSize:          256,
	}
}

const (
	minSplitParts = 2
	maxSplitParts = 5
	splitPlaces   = 8
)

var minSplitPart = decimal.New(1, -splitPlaces)

// LiquidityMonitor оценивает исполнимость ордера по снимку стакана.
// Расчёты чистые; последняя оценка по символу хранится в ограниченном кэше.
type LiquidityMonitor struct {
	cfg    LiquidityConfig
	logger *zap.Logger

	mu    sync.RWMutex
	cache map[string]models.LiquidityAssessment
	order []string // порядок вставки для вытеснения старейших
	now   func() time.Time
}

// NewLiquidityMonitor создаёт монитор ликвидности
func NewLiquidityMonitor(cfg LiquidityConfig, logger *zap.Logger) *LiquidityMonitor {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 256
	}
	if cfg.VolumeWindowHours <= 0 {
		cfg.VolumeWindowHours = 24
	}
	return &LiquidityMonitor{
		cfg:    cfg,
		logger: utils.NopIfNil(logger).With(utils.Component("liquidity")),
		cache:  make(map[string]models.LiquidityAssessment),
		now:    time.Now,
	}
}

// Check оценивает ликвидность для ордера orderSize.
//
// Пустая сторона стакана не является ошибкой: возвращаются значения-маркеры
// (spread = 999, depth = 0, slippage = 999) и IsLiquid = false.
func (m *LiquidityMonitor) Check(symbol string, orderSize decimal.Decimal, book *models.OrderBook, recentVolume decimal.Decimal) models.LiquidityAssessment {
	a := models.LiquidityAssessment{
		Symbol:            symbol,
		Spread:            spread(book),
		Depth:             depthRatio(book, orderSize),
		VolumeRatio:       volumeRatio(orderSize, recentVolume),
		EstimatedSlippage: estimateSlippage(book, orderSize),
		Timestamp:         m.now(),
	}

	a.IsLiquid = a.Spread.LessThanOrEqual(m.cfg.MaxSlippage) &&
		a.Depth.GreaterThanOrEqual(m.cfg.MinLiquidityRatio) &&
		a.VolumeRatio.LessThanOrEqual(m.cfg.MaxVolumeRatio)

	if !book.HasBothSides() {
		m.logger.Warn("order book side is empty", utils.Symbol(symbol))
	}

	m.store(a)
	return a
}

// OptimalSize = min(desired, глубина стакана до LiquidityThreshold, 10% объёма)
func (m *LiquidityMonitor) OptimalSize(desired decimal.Decimal, book *models.OrderBook, recentVolume decimal.Decimal) decimal.Decimal {
	byDepth := m.maxSizeByDepth(book)
	byVolume := recentVolume.Mul(m.cfg.MaxVolumeRatio)

	size := utils.Min(desired, byDepth, byVolume)
	m.logger.Debug("optimal order size",
		utils.Dec("desired", desired),
		utils.Dec("by_depth", byDepth),
		utils.Dec("by_volume", byVolume),
		utils.Amount(size),
	)
	if size.IsNegative() {
		return decimal.Zero
	}
	return size
}

// ShouldSplit предлагает разбиение ордера на 2..5 частей, сумма которых
// строго равна orderSize; nil если разбиение не нужно.
func (m *LiquidityMonitor) ShouldSplit(orderSize decimal.Decimal, book *models.OrderBook, recentVolume decimal.Decimal) []decimal.Decimal {
	if !orderSize.IsPositive() {
		return nil
	}

	avgTrade := recentVolume.Div(decimal.NewFromInt(int64(m.cfg.VolumeWindowHours)))
	depth := depthRatio(book, orderSize)

	if orderSize.LessThanOrEqual(avgTrade.Mul(two)) && depth.GreaterThanOrEqual(m.cfg.MinLiquidityRatio) {
		return nil
	}

	parts := maxSplitParts
	if avgTrade.IsPositive() {
		parts = int(orderSize.Div(avgTrade).Round(0).IntPart())
		if parts < minSplitParts {
			parts = minSplitParts
		}
		if parts > maxSplitParts {
			parts = maxSplitParts
		}
	}

	// каждая часть не меньше минимального шага 1e-8
	if fit := orderSize.Div(minSplitPart).IntPart(); int64(parts) > fit {
		parts = int(fit)
	}
	if parts < minSplitParts {
		return nil
	}
	return utils.SplitEqual(orderSize, parts, splitPlaces)
}

// Cached возвращает последнюю оценку по символу
func (m *LiquidityMonitor) Cached(symbol string) (models.LiquidityAssessment, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.cache[symbol]
	return a, ok
}

func (m *LiquidityMonitor) store(a models.LiquidityAssessment) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.cache[a.Symbol]; !ok {
		m.order = append(m.order, a.Symbol)
		for len(m.order) > m.cfg.CacheSize {
			oldest := m.order[0]
			m.order = m.order[1:]
			delete(m.cache, oldest)
		}
	}
	m.cache[a.Symbol] = a
}

func (m *LiquidityMonitor) maxSizeByDepth(book *models.OrderBook) decimal.Decimal {
	if book == nil {
		return decimal.Zero
	}
	sum := func(levels []models.PriceLevel) decimal.Decimal {
		total := decimal.Zero
		for _, l := range levels {
			total = total.Add(l.Amount)
			if total.GreaterThanOrEqual(m.cfg.LiquidityThreshold) {
				break
			}
		}
		return total
	}
	return utils.Min(sum(book.Bids), sum(book.Asks))
}

// ============================================================
// Метрики стакана
// ============================================================

// spread = (ask - bid) / mid; 999 если стороны нет
func spread(book *models.OrderBook) decimal.Decimal {
	bid, okBid := book.BestBid()
	ask, okAsk := book.BestAsk()
	if !okBid || !okAsk {
		return utils.Sentinel
	}
	mid := bid.Add(ask).Div(two)
	if !mid.IsPositive() {
		return utils.Sentinel
	}
	return ask.Sub(bid).Div(mid)
}

// depthRatio суммирует уровни, объём которых не превышает 2×orderSize,
// и делит меньшую из сторон на orderSize
func depthRatio(book *models.OrderBook, orderSize decimal.Decimal) decimal.Decimal {
	if !book.HasBothSides() || !orderSize.IsPositive() {
		return decimal.Zero
	}
	target := orderSize.Mul(two)
	sum := func(levels []models.PriceLevel) decimal.Decimal {
		total := decimal.Zero
		for _, l := range levels {
			if l.Amount.LessThanOrEqual(target) {
				total = total.Add(l.Amount)
			}
		}
		return total
	}
	return utils.Min(sum(book.Bids), sum(book.Asks)).Div(orderSize)
}

// volumeRatio = orderSize / recentVolume; 999 при нулевом объёме
func volumeRatio(orderSize, recentVolume decimal.Decimal) decimal.Decimal {
	if !recentVolume.IsPositive() {
		return utils.Sentinel
	}
	return orderSize.Div(recentVolume)
}

// estimateSlippage - отклонение VWAP покупки orderSize по asks от лучшего ask.
// 999 если стакан пуст или asks не покрывают ордер.
func estimateSlippage(book *models.OrderBook, orderSize decimal.Decimal) decimal.Decimal {
	if !book.HasBothSides() {
		return utils.Sentinel
	}
	if !orderSize.IsPositive() {
		return decimal.Zero
	}

	vwap, ok := FillPrice(book.Asks, orderSize)
	if !ok {
		return utils.Sentinel
	}
	best := book.Asks[0].Price
	return vwap.Sub(best).Div(best)
}

// FillPrice - средняя цена исполнения amount по уровням стакана.
// false если уровней не хватает.
func FillPrice(levels []models.PriceLevel, amount decimal.Decimal) (decimal.Decimal, bool) {
	if !amount.IsPositive() || len(levels) == 0 {
		return decimal.Zero, false
	}

	filled := decimal.Zero
	cost := decimal.Zero
	for _, l := range levels {
		take := utils.Min(l.Amount, amount.Sub(filled))
		cost = cost.Add(l.Price.Mul(take))
		filled = filled.Add(take)
		if filled.GreaterThanOrEqual(amount) {
			return cost.Div(amount), true
		}
	}
	return decimal.Zero, false
}
