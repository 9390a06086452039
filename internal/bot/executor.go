package bot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"riskengine/internal/exchange"
	"riskengine/internal/models"
	"riskengine/internal/risk"
	"riskengine/pkg/retry"
	"riskengine/pkg/utils"
)

// Ошибки исполнения
var (
	ErrLegFailed       = errors.New("leg execution failed")
	ErrUnwindFailed    = errors.New("unwind of filled legs failed")
	ErrOrderNotFilled  = errors.New("order not filled")
	ErrUnknownExchange = errors.New("unknown exchange")
)

const (
	amountPlaces  = 8
	unwindTimeout = 30 * time.Second
)

// Notifier получает уведомления о событиях исполнения
type Notifier interface {
	Notify(n *models.Notification)
}

// NotifierFunc - адаптер функции к Notifier
type NotifierFunc func(n *models.Notification)

// Notify вызывает f(n)
func (f NotifierFunc) Notify(n *models.Notification) { f(n) }

// Leg - одна нога сделки: рыночный ордер на бирже
type Leg struct {
	Exchange string
	Pair     string
	Side     models.OrderSide
	Amount   decimal.Decimal // в базовой валюте пары
	Price    decimal.Decimal // ожидаемая цена по стакану

	// Chained - объём пересчитывается из результата предыдущей ноги
	// (последовательные конвертации треугольника)
	Chained bool
}

// LegFill - исполненная (возможно частично) нога
type LegFill struct {
	Leg
	Orders   []*models.Order
	Filled   decimal.Decimal
	AvgPrice decimal.Decimal
	Fee      decimal.Decimal
}

// ExecutionResult - итог исполнения набора ног
type ExecutionResult struct {
	Fills     []LegFill
	FailedLeg int // -1 если все ноги исполнены
	Err       error
	Unwound   bool
	UnwindErr error
}

// Completed - все ноги исполнены
func (r *ExecutionResult) Completed() bool {
	return r.Err == nil
}

// Executor исполняет ноги последовательно.
//
// При ошибке ноги оставшиеся ноги не отправляются, а уже исполненные
// откатываются в обратном порядке встречными ордерами с агрессивным
// повтором. Неудачный откат - критическое уведомление.
type Executor struct {
	exchanges map[string]exchange.Exchange
	market    *MarketCache
	liquidity risk.LiquidityChecker
	notify    Notifier
	logger    *zap.Logger

	timeout     time.Duration
	unwindRetry retry.Config
	newID       func() string
}

// NewExecutor создаёт исполнителя. liquidity и notify могут быть nil.
func NewExecutor(
	exchanges map[string]exchange.Exchange,
	market *MarketCache,
	liquidity risk.LiquidityChecker,
	timeout time.Duration,
	notify Notifier,
	logger *zap.Logger,
) *Executor {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if notify == nil {
		notify = NotifierFunc(func(*models.Notification) {})
	}
	return &Executor{
		exchanges:   exchanges,
		market:      market,
		liquidity:   liquidity,
		notify:      notify,
		logger:      utils.NopIfNil(logger).With(utils.Component("executor")),
		timeout:     timeout,
		unwindRetry: retry.AggressiveConfig(),
		newID:       uuid.NewString,
	}
}

// Execute исполняет ноги в заданном порядке в пределах таймаута исполнения
func (e *Executor) Execute(ctx context.Context, legs []Leg) ExecutionResult {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	res := ExecutionResult{FailedLeg: -1}
	for i, leg := range legs {
		if leg.Chained && i > 0 {
			leg.Amount = chainedAmount(res.Fills[i-1], leg)
		}

		fill, err := e.executeLeg(ctx, leg)
		if fill.Filled.IsPositive() {
			res.Fills = append(res.Fills, fill)
		}
		if err == nil {
			continue
		}

		res.FailedLeg = i
		res.Err = fmt.Errorf("%w: leg %d %s %s on %s: %w", ErrLegFailed, i, leg.Side, leg.Pair, leg.Exchange, err)
		LegsFailed.WithLabelValues(leg.Exchange).Inc()

		e.logger.Error("leg failed, aborting remaining legs",
			utils.Exchange(leg.Exchange),
			utils.Symbol(leg.Pair),
			utils.Side(string(leg.Side)),
			zap.Int("leg", i),
			zap.Int("filled_legs", len(res.Fills)),
			zap.Error(err),
		)
		e.notify.Notify(&models.Notification{
			Timestamp: time.Now(),
			Type:      models.NotificationTypeLegFail,
			Severity:  models.SeverityError,
			Message:   res.Err.Error(),
			Meta: map[string]interface{}{
				"exchange": leg.Exchange,
				"pair":     leg.Pair,
				"side":     string(leg.Side),
				"leg":      i,
			},
		})

		if len(res.Fills) > 0 {
			res.UnwindErr = e.unwind(ctx, res.Fills)
			res.Unwound = res.UnwindErr == nil
		}
		return res
	}
	return res
}

// executeLeg отправляет ордер ноги, при необходимости частями
func (e *Executor) executeLeg(ctx context.Context, leg Leg) (LegFill, error) {
	fill := LegFill{Leg: leg}

	ex, ok := e.exchanges[leg.Exchange]
	if !ok {
		return fill, fmt.Errorf("%w: %s", ErrUnknownExchange, leg.Exchange)
	}
	if !leg.Amount.IsPositive() {
		return fill, exchange.ErrInvalidOrderAmount
	}

	parts := []decimal.Decimal{leg.Amount}
	if e.liquidity != nil && e.market != nil {
		if book, ok := e.market.Book(leg.Exchange, leg.Pair); ok {
			volume := tradeVolume(e.market.Trades(leg.Exchange, leg.Pair))
			if split := e.liquidity.ShouldSplit(leg.Amount, book, volume); len(split) > 0 {
				e.logger.Debug("splitting leg order",
					utils.Symbol(leg.Pair),
					utils.Amount(leg.Amount),
					zap.Int("parts", len(split)),
				)
				parts = split
			}
		}
	}

	cost := decimal.Zero
	for _, part := range parts {
		start := time.Now()
		order, err := ex.CreateOrder(ctx, exchange.OrderRequest{
			Symbol:   leg.Pair,
			Side:     leg.Side,
			Type:     models.OrderTypeMarket,
			Amount:   part,
			ClientID: e.newID(),
		})
		OrderLatency.WithLabelValues(leg.Exchange, string(leg.Side)).Observe(ms(time.Since(start)))
		if err != nil {
			return finishFill(fill, cost), err
		}

		filled := orderFilled(order, part)
		if !filled.IsPositive() {
			return finishFill(fill, cost), fmt.Errorf("%w: order %s status %s", ErrOrderNotFilled, order.ID, order.Status)
		}
		price := order.AvgPrice
		if !price.IsPositive() {
			price = leg.Price
		}

		fill.Orders = append(fill.Orders, order)
		fill.Filled = fill.Filled.Add(filled)
		fill.Fee = fill.Fee.Add(order.Fee)
		cost = cost.Add(filled.Mul(price))

		e.logger.Info("order filled",
			utils.Exchange(leg.Exchange),
			utils.Symbol(leg.Pair),
			utils.OrderID(order.ID),
			utils.Side(string(leg.Side)),
			utils.Amount(filled),
			utils.Price(price),
			utils.Latency(time.Since(start)),
		)
	}
	return finishFill(fill, cost), nil
}

// finishFill вычисляет среднюю цену исполнения
func finishFill(fill LegFill, cost decimal.Decimal) LegFill {
	if fill.Filled.IsPositive() {
		fill.AvgPrice = cost.Div(fill.Filled)
	}
	return fill
}

// orderFilled - исполненный объём ордера. Биржа без данных об исполнении
// при статусе filled считается исполнившей запрошенный объём.
func orderFilled(order *models.Order, requested decimal.Decimal) decimal.Decimal {
	if order == nil {
		return decimal.Zero
	}
	if order.Filled.IsPositive() {
		return order.Filled
	}
	if order.IsFilled() {
		return requested
	}
	return decimal.Zero
}

// chainedAmount пересчитывает объём ноги из результата предыдущей:
// после покупки у нас базовая валюта предыдущей пары, после продажи -
// котируемая.
func chainedAmount(prev LegFill, next Leg) decimal.Decimal {
	have := prev.Filled
	if prev.Side == models.OrderSideSell {
		have = prev.Filled.Mul(prev.AvgPrice)
	}
	if next.Side == models.OrderSideBuy {
		if !next.Price.IsPositive() {
			return decimal.Zero
		}
		have = have.Div(next.Price)
	}
	return utils.TruncatePlaces(have, amountPlaces)
}

// unwind откатывает исполненные ноги в обратном порядке. Контекст отката
// не наследует отмену исполнения.
func (e *Executor) unwind(ctx context.Context, fills []LegFill) error {
	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unwindTimeout)
	defer cancel()

	var errs []error
	for i := len(fills) - 1; i >= 0; i-- {
		f := fills[i]
		ex, ok := e.exchanges[f.Exchange]
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %s", ErrUnknownExchange, f.Exchange))
			continue
		}

		// один ClientID на все попытки: биржа отклонит повтор уже
		// принятого ордера, ответ на который потерялся
		req := exchange.OrderRequest{
			Symbol:   f.Pair,
			Side:     f.Side.Opposite(),
			Type:     models.OrderTypeMarket,
			Amount:   f.Filled,
			ClientID: e.newID(),
		}
		cfg := e.unwindRetry
		cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
			e.logger.Warn("retrying unwind",
				utils.Exchange(f.Exchange),
				utils.Symbol(f.Pair),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
		}

		err := retry.Do(uctx, func(ctx context.Context) error {
			_, err := ex.CreateOrder(ctx, req)
			if errors.Is(err, exchange.ErrDuplicateOrder) {
				e.logger.Warn("unwind order already accepted",
					utils.Exchange(f.Exchange),
					utils.Symbol(f.Pair),
					zap.String("client_id", req.ClientID),
				)
				return nil
			}
			return err
		}, cfg)

		if err != nil {
			LegsUnwound.WithLabelValues(f.Exchange, "failed").Inc()
			e.logger.Error("unwind failed, exposure left open",
				utils.Exchange(f.Exchange),
				utils.Symbol(f.Pair),
				utils.Side(string(req.Side)),
				utils.Amount(f.Filled),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("%s %s %s: %w", f.Exchange, req.Side, f.Pair, err))
			continue
		}
		LegsUnwound.WithLabelValues(f.Exchange, "ok").Inc()
		e.logger.Info("leg unwound",
			utils.Exchange(f.Exchange),
			utils.Symbol(f.Pair),
			utils.Side(string(req.Side)),
			utils.Amount(f.Filled),
		)
	}

	if len(errs) == 0 {
		return nil
	}
	err := fmt.Errorf("%w: %w", ErrUnwindFailed, errors.Join(errs...))
	e.notify.Notify(&models.Notification{
		Timestamp: time.Now(),
		Type:      models.NotificationTypeUnwindFail,
		Severity:  models.SeverityCritical,
		Message:   err.Error(),
		Meta:      map[string]interface{}{"legs": len(fills), "failed": len(errs)},
	})
	return err
}

// ClosePosition закрывает позицию встречным рыночным ордером и
// возвращает цену исполнения и комиссию. Частичное закрытие не
// откатывается.
func (e *Executor) ClosePosition(ctx context.Context, pos models.Position) (decimal.Decimal, decimal.Decimal, error) {
	side := models.OrderSideSell
	if pos.Side == models.SideShort {
		side = models.OrderSideBuy
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	fill, err := e.executeLeg(ctx, Leg{
		Exchange: pos.ExchangeID,
		Pair:     pos.Symbol,
		Side:     side,
		Amount:   pos.Amount,
		Price:    pos.CurrentPrice,
	})
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("close position %s: %w", pos.ID, err)
	}
	return fill.AvgPrice, fill.Fee, nil
}
