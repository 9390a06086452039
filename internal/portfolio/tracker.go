// Package portfolio ведёт учёт открытых и закрытых позиций.
package portfolio

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"riskengine/internal/models"
	"riskengine/internal/risk"
	"riskengine/pkg/utils"
)

// CloseHook получает копию каждой закрытой позиции
type CloseHook func(models.Position)

// PositionTracker - единственный владелец множества позиций.
//
// Все изменения под одним RWMutex: пакет обновлений цены по символу и
// закрытие позиции не перемежаются. Наружу отдаются только копии.
type PositionTracker struct {
	stops  risk.StopCalculator
	logger *zap.Logger
	now    func() time.Time

	mu     sync.RWMutex
	open   map[string]*models.Position
	closed []models.Position

	hookMu sync.RWMutex
	hooks  []CloseHook
}

// NewPositionTracker создаёт трекер. stops = nil - менеджер стопов по умолчанию.
func NewPositionTracker(stops risk.StopCalculator, logger *zap.Logger) *PositionTracker {
	logger = utils.NopIfNil(logger)
	if stops == nil {
		stops = risk.NewStopLossManager(risk.DefaultStopLossConfig(), logger)
	}
	return &PositionTracker{
		stops:  stops,
		logger: logger.With(utils.Component("position_tracker")),
		now:    time.Now,
		open:   make(map[string]*models.Position),
	}
}

// OnClose регистрирует обработчик закрытия позиций
func (t *PositionTracker) OnClose(hook CloseHook) {
	if hook == nil {
		return
	}
	t.hookMu.Lock()
	t.hooks = append(t.hooks, hook)
	t.hookMu.Unlock()
}

// Open открывает позицию. amount <= 0, entryPrice <= 0 или неизвестная
// сторона - ошибка, позиция не создаётся.
func (t *PositionTracker) Open(
	symbol string,
	entryPrice, amount decimal.Decimal,
	side models.Side,
	stopLoss, trailingStopPct decimal.Decimal,
	exchangeID string,
	fees decimal.Decimal,
) (*models.Position, error) {
	log := t.logger.With(utils.Symbol(symbol), utils.Exchange(exchangeID))

	if !amount.IsPositive() {
		log.Warn("rejecting position: non-positive amount", utils.Amount(amount))
		return nil, risk.ErrInvalidAmount
	}
	if !entryPrice.IsPositive() {
		log.Warn("rejecting position: non-positive entry price", utils.Price(entryPrice))
		return nil, risk.ErrInvalidPrice
	}
	if !side.Valid() {
		log.Warn("rejecting position: invalid side", utils.Side(string(side)))
		return nil, risk.ErrInvalidSide
	}

	pos := &models.Position{
		ID:              uuid.NewString(),
		Symbol:          symbol,
		Side:            side,
		ExchangeID:      exchangeID,
		EntryPrice:      entryPrice,
		Amount:          amount,
		StopLoss:        stopLoss,
		TrailingStopPct: trailingStopPct,
		Fees:            fees,
		CurrentPrice:    entryPrice,
		HighestPrice:    entryPrice,
		LowestPrice:     entryPrice,
		UnrealizedPnl:   decimal.Zero,
		RealizedPnl:     decimal.Zero,
		Status:          models.PositionStatusOpen,
		EntryTime:       t.now(),
	}

	t.mu.Lock()
	t.open[pos.ID] = pos
	snapshot := pos.Copy()
	t.mu.Unlock()

	log.Info("position opened",
		utils.PositionID(pos.ID),
		utils.Side(string(side)),
		utils.Price(entryPrice),
		utils.Amount(amount),
		utils.Dec("stop_loss", stopLoss),
	)
	return &snapshot, nil
}

// UpdatePrice применяет цену ко всем открытым позициям символа и
// возвращает id позиций, чей стоп пересечён. price <= 0 - нет действий.
func (t *PositionTracker) UpdatePrice(symbol string, price decimal.Decimal) []string {
	if !price.IsPositive() {
		t.logger.Warn("ignoring non-positive price", utils.Symbol(symbol), utils.Price(price))
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var triggered []string
	for _, pos := range t.open {
		if pos.Symbol != symbol {
			continue
		}

		pos.CurrentPrice = price
		if price.GreaterThan(pos.HighestPrice) {
			pos.HighestPrice = price
		}
		if price.LessThan(pos.LowestPrice) {
			pos.LowestPrice = price
		}
		pos.UnrealizedPnl = pos.PnlAt(price)

		if pos.TrailingStopPct.IsPositive() {
			pos.StopLoss = t.stops.UpdateTrailing(pos, price)
		}
		if t.stops.CheckTriggered(pos, price) {
			triggered = append(triggered, pos.ID)
		}
	}

	sort.Strings(triggered)
	return triggered
}

// Close закрывает позицию. Неизвестный или уже закрытый id - nil.
func (t *PositionTracker) Close(id string, exitPrice, exitFees decimal.Decimal) *models.Position {
	t.mu.Lock()
	pos, ok := t.open[id]
	if !ok {
		t.mu.Unlock()
		t.logger.Debug("close of unknown or closed position", utils.PositionID(id))
		return nil
	}

	now := t.now()
	pos.CurrentPrice = exitPrice
	pos.ExitPrice = exitPrice
	pos.Fees = pos.Fees.Add(exitFees)
	pos.RealizedPnl = pos.PnlAt(exitPrice)
	pos.UnrealizedPnl = decimal.Zero
	pos.Status = models.PositionStatusClosed
	pos.ExitTime = &now

	delete(t.open, id)
	closed := pos.Copy()
	t.closed = append(t.closed, closed)
	t.mu.Unlock()

	t.logger.Info("position closed",
		utils.PositionID(id),
		utils.Symbol(closed.Symbol),
		utils.Side(string(closed.Side)),
		utils.Price(exitPrice),
		utils.PNL(closed.RealizedPnl),
	)

	t.hookMu.RLock()
	hooks := append([]CloseHook(nil), t.hooks...)
	t.hookMu.RUnlock()
	for _, hook := range hooks {
		hook(closed.Copy())
	}

	result := closed.Copy()
	return &result
}

// Get возвращает копию открытой позиции
func (t *PositionTracker) Get(id string) (models.Position, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	pos, ok := t.open[id]
	if !ok {
		return models.Position{}, false
	}
	return pos.Copy(), true
}

// BySymbol возвращает открытые позиции символа
func (t *PositionTracker) BySymbol(symbol string) []models.Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []models.Position
	for _, pos := range t.open {
		if pos.Symbol == symbol {
			out = append(out, pos.Copy())
		}
	}
	sortByEntry(out)
	return out
}

// Positions возвращает согласованный снимок открытых позиций
func (t *PositionTracker) Positions() []models.Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]models.Position, 0, len(t.open))
	for _, pos := range t.open {
		out = append(out, pos.Copy())
	}
	sortByEntry(out)
	return out
}

// Count - число открытых позиций
func (t *PositionTracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.open)
}

// ClosedPositions возвращает историю закрытых позиций с фильтрами по
// символу и времени выхода (границы включены)
func (t *PositionTracker) ClosedPositions(filter models.PositionFilter) []models.Position {
	window := utils.TimeRange{Start: filter.From, End: filter.To}

	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []models.Position
	for i := range t.closed {
		p := &t.closed[i]
		if filter.Symbol != "" && p.Symbol != filter.Symbol {
			continue
		}
		if p.ExitTime != nil && !window.Contains(*p.ExitTime) {
			continue
		}
		out = append(out, p.Copy())
	}
	return out
}

// TotalPnl = реализованный PnL закрытых + нереализованный открытых
func (t *PositionTracker) TotalPnl() decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	total := decimal.Zero
	for i := range t.closed {
		total = total.Add(t.closed[i].RealizedPnl)
	}
	for _, pos := range t.open {
		total = total.Add(pos.UnrealizedPnl)
	}
	return total
}

// PositionValue - суммарная стоимость открытых позиций
func (t *PositionTracker) PositionValue() decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	total := decimal.Zero
	for _, pos := range t.open {
		total = total.Add(pos.Value())
	}
	return total
}

// Clear удаляет все открытые и закрытые позиции
func (t *PositionTracker) Clear() {
	t.mu.Lock()
	t.open = make(map[string]*models.Position)
	t.closed = nil
	t.mu.Unlock()
	t.logger.Info("all position data cleared")
}

func sortByEntry(positions []models.Position) {
	sort.Slice(positions, func(i, j int) bool {
		if !positions[i].EntryTime.Equal(positions[j].EntryTime) {
			return positions[i].EntryTime.Before(positions[j].EntryTime)
		}
		return positions[i].ID < positions[j].ID
	})
}
