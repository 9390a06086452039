package bot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"riskengine/internal/exchange"
	"riskengine/internal/models"
	"riskengine/internal/portfolio"
	"riskengine/internal/risk"
	"riskengine/pkg/utils"
)

// EngineConfig - параметры движка и его компонентов
type EngineConfig struct {
	Strategy  StrategyConfig
	Risk      risk.RiskLimits
	Sizing    risk.SizingConfig
	StopLoss  risk.StopLossConfig
	Liquidity risk.LiquidityConfig

	QuoteCurrency      string        // валюта баланса и капитала
	BalanceInterval    time.Duration // обновление балансов и пересчёт риска
	ResetCheckInterval time.Duration // проверка суточного сброса монитора
	StopQueueSize      int
	AuditTimeout       time.Duration
}

// DefaultEngineConfig - значения по умолчанию
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Strategy:           DefaultStrategyConfig(),
		Risk:               risk.DefaultRiskLimits(),
		Sizing:             risk.DefaultSizingConfig(),
		StopLoss:           risk.DefaultStopLossConfig(),
		Liquidity:          risk.DefaultLiquidityConfig(),
		QuoteCurrency:      exchange.DefaultCurrency,
		BalanceInterval:    time.Minute,
		ResetCheckInterval: time.Minute,
		StopQueueSize:      256,
		AuditTimeout:       2 * time.Second,
	}
}

// WebSocketHub - рассылка событий подписчикам.
//
// Реализуется пакетом internal/websocket/Hub.
type WebSocketHub interface {
	// BroadcastNotification - события торговли: OPEN, CLOSE, SL, ERROR и др.
	BroadcastNotification(notif *models.Notification)

	// BroadcastAlert - каждый новый алерт риск-монитора
	BroadcastAlert(alert models.Alert)

	// BroadcastBalanceUpdate - баланс биржи после обновления
	BroadcastBalanceUpdate(exchange string, balance decimal.Decimal)

	// BroadcastRiskState - состояние монитора после пересчёта
	BroadcastRiskState(state risk.RiskState)
}

// AuditSink - журнал закрытых позиций, алертов и уведомлений
type AuditSink interface {
	SavePosition(ctx context.Context, pos models.Position) error
	SaveAlert(ctx context.Context, alert models.Alert) error
	SaveNotification(ctx context.Context, notif *models.Notification) error
}

// stopTrigger - сработавший стоп, ожидающий закрытия
type stopTrigger struct {
	id    string
	price decimal.Decimal
}

// Engine связывает стратегию, учёт позиций и мониторинг риска.
//
// Поток данных:
// TickerFeed → UpdatePrice → очередь стопов → закрытие позиций;
// Strategy → исполнение → PositionTracker → RiskMonitor → алерты → hub/audit.
type Engine struct {
	cfg    EngineConfig
	logger *zap.Logger

	exchanges map[string]exchange.Exchange

	tracker   *portfolio.PositionTracker
	stops     *risk.StopLossManager
	sizer     *risk.PositionSizer
	liquidity *risk.LiquidityMonitor
	monitor   *risk.RiskMonitor
	strategy  *Strategy

	hub   WebSocketHub
	audit AuditSink

	stopQueue chan stopTrigger

	balMu    sync.RWMutex
	balances map[string]decimal.Decimal
}

// NewEngine создаёт компоненты и связывает их. hub и audit могут быть nil.
func NewEngine(cfg EngineConfig, exchanges map[string]exchange.Exchange, hub WebSocketHub, audit AuditSink, logger *zap.Logger) (*Engine, error) {
	logger = utils.NopIfNil(logger)
	if cfg.QuoteCurrency == "" {
		cfg.QuoteCurrency = exchange.DefaultCurrency
	}
	if cfg.BalanceInterval <= 0 {
		cfg.BalanceInterval = time.Minute
	}
	if cfg.ResetCheckInterval <= 0 {
		cfg.ResetCheckInterval = time.Minute
	}
	if cfg.StopQueueSize <= 0 {
		cfg.StopQueueSize = 256
	}
	if cfg.AuditTimeout <= 0 {
		cfg.AuditTimeout = 2 * time.Second
	}
	if len(cfg.Strategy.Exchanges) == 0 {
		for name := range exchanges {
			cfg.Strategy.Exchanges = append(cfg.Strategy.Exchanges, name)
		}
		sort.Strings(cfg.Strategy.Exchanges)
	}

	e := &Engine{
		cfg:       cfg,
		logger:    logger.With(utils.Component("engine")),
		exchanges: exchanges,
		stops:     risk.NewStopLossManager(cfg.StopLoss, logger),
		sizer:     risk.NewPositionSizer(cfg.Sizing, logger),
		liquidity: risk.NewLiquidityMonitor(cfg.Liquidity, logger),
		monitor:   risk.NewRiskMonitor(cfg.Risk, logger),
		hub:       hub,
		audit:     audit,
		stopQueue: make(chan stopTrigger, cfg.StopQueueSize),
		balances:  make(map[string]decimal.Decimal),
	}
	e.tracker = portfolio.NewPositionTracker(e.stops, logger)

	strategy, err := NewStrategy(cfg.Strategy, StrategyDeps{
		Exchanges: exchanges,
		Sizer:     e.sizer,
		Stops:     e.stops,
		Liquidity: e.liquidity,
		Tracker:   e.tracker,
		Monitor:   e.monitor,
		Notifier:  NotifierFunc(e.notify),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create strategy: %w", err)
	}
	e.strategy = strategy

	e.monitor.RegisterCallback(e.onAlert)
	e.tracker.OnClose(e.onPositionClosed)
	e.strategy.OnExecuted(e.onExecuted)

	return e, nil
}

// Tracker - учёт позиций
func (e *Engine) Tracker() *portfolio.PositionTracker { return e.tracker }

// Monitor - монитор риска
func (e *Engine) Monitor() *risk.RiskMonitor { return e.monitor }

// Liquidity - монитор ликвидности
func (e *Engine) Liquidity() *risk.LiquidityMonitor { return e.liquidity }

// Strategy - арбитражная стратегия
func (e *Engine) Strategy() *Strategy { return e.strategy }

// Balances возвращает копию последних балансов бирж
func (e *Engine) Balances() map[string]decimal.Decimal {
	e.balMu.RLock()
	defer e.balMu.RUnlock()
	out := make(map[string]decimal.Decimal, len(e.balances))
	for k, v := range e.balances {
		out[k] = v
	}
	return out
}

// Run запускает стратегию, мониторинг риска, обработку стопов и
// периодические задачи. Возвращается только после завершения всех
// горутин; отмена ctx - штатное завершение (nil).
func (e *Engine) Run(ctx context.Context) error {
	e.subscribeFeeds()
	defer e.unsubscribeFeeds()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.strategy.Run(gctx) })
	g.Go(func() error { return e.monitor.Run(gctx, e.cfg.ResetCheckInterval) })
	g.Go(func() error {
		e.stopLoop(gctx)
		return nil
	})
	g.Go(func() error {
		e.periodicTasks(gctx)
		return nil
	})

	e.logger.Info("engine started", zap.Int("exchanges", len(e.exchanges)))
	err := g.Wait()
	e.logger.Info("engine stopped")

	if err != nil && ctx.Err() == nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// ============================================================
// Цены и стопы
// ============================================================

// subscribeFeeds подписывает тикеры пар на биржах с push-лентой
func (e *Engine) subscribeFeeds() {
	for name, ex := range e.exchanges {
		feed, ok := asFeed(ex)
		if !ok {
			continue
		}
		for _, pair := range e.cfg.Strategy.Pairs {
			if err := feed.SubscribeTicker(pair, e.handleTicker); err != nil {
				e.logger.Warn("ticker subscription failed", utils.Exchange(name), utils.Symbol(pair), zap.Error(err))
			}
		}
	}
}

func (e *Engine) unsubscribeFeeds() {
	for name, ex := range e.exchanges {
		feed, ok := asFeed(ex)
		if !ok {
			continue
		}
		for _, pair := range e.cfg.Strategy.Pairs {
			if err := feed.Unsubscribe(pair); err != nil {
				e.logger.Debug("unsubscribe failed", utils.Exchange(name), utils.Symbol(pair), zap.Error(err))
			}
		}
	}
}

// asFeed находит TickerFeed у адаптера, в том числе под exchange.Guarded
func asFeed(ex exchange.Exchange) (exchange.TickerFeed, bool) {
	if g, ok := ex.(*exchange.Guarded); ok {
		return g.Feed()
	}
	feed, ok := ex.(exchange.TickerFeed)
	return feed, ok
}

// handleTicker применяет цену к позициям и ставит сработавшие стопы
// в очередь. Вызывается из горутины чтения ленты и не блокируется.
func (e *Engine) handleTicker(tick models.Ticker) {
	price := tick.Last
	if !price.IsPositive() && tick.Bid.IsPositive() && tick.Ask.IsPositive() {
		price = tick.Bid.Add(tick.Ask).Div(decimal.NewFromInt(2))
	}

	for _, id := range e.tracker.UpdatePrice(tick.Symbol, price) {
		if !tryEnqueue(e.stopQueue, stopTrigger{id: id, price: price}, "stop_queue") {
			e.logger.Warn("stop queue full, trigger dropped", utils.PositionID(id), utils.Symbol(tick.Symbol))
		}
	}
}

// stopLoop закрывает позиции со сработавшим стопом по одной
func (e *Engine) stopLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case trig := <-e.stopQueue:
			e.closeTriggered(ctx, trig)
		}
	}
}

func (e *Engine) closeTriggered(ctx context.Context, trig stopTrigger) {
	pos, ok := e.tracker.Get(trig.id)
	if !ok {
		return
	}
	log := e.logger.With(utils.PositionID(pos.ID), utils.Symbol(pos.Symbol), utils.Exchange(pos.ExchangeID))
	StopLossTriggered.WithLabelValues(pos.Symbol).Inc()
	log.Warn("stop loss triggered", utils.Price(trig.price), utils.Dec("stop_loss", pos.StopLoss))

	exitPrice, exitFee, err := e.strategy.Executor().ClosePosition(ctx, pos)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Error("failed to close position on stop", zap.Error(err))
		e.notify(&models.Notification{
			Timestamp: time.Now(),
			Type:      models.NotificationTypeError,
			Severity:  models.SeverityError,
			Message:   fmt.Sprintf("stop close failed for %s on %s: %v", pos.Symbol, pos.ExchangeID, err),
			Meta:      map[string]interface{}{"position_id": pos.ID},
		})
		return
	}

	closed := e.tracker.Close(pos.ID, exitPrice, exitFee)
	if closed == nil {
		return
	}
	e.notify(&models.Notification{
		Timestamp: time.Now(),
		Type:      models.NotificationTypeSL,
		Severity:  models.SeverityWarn,
		Message:   fmt.Sprintf("stop loss: %s %s closed at %s", closed.Side, closed.Symbol, closed.ExitPrice),
		Meta: map[string]interface{}{
			"position_id": closed.ID,
			"exchange":    closed.ExchangeID,
			"pnl":         closed.RealizedPnl.String(),
		},
	})
	e.evaluateRisk()
}

// ============================================================
// Обработчики событий
// ============================================================

// onAlert - callback монитора риска
func (e *Engine) onAlert(a models.Alert) error {
	RecordAlert(a)
	if e.hub != nil {
		e.hub.BroadcastAlert(a)
	}
	if e.audit != nil {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.AuditTimeout)
		defer cancel()
		if err := e.audit.SaveAlert(ctx, a); err != nil {
			e.logger.Warn("failed to save alert", utils.Metric(a.Metric), zap.Error(err))
		}
	}
	e.notify(&models.Notification{
		Timestamp: a.Timestamp,
		Type:      models.NotificationTypeAlert,
		Severity:  models.SeverityForAlert(a.Level),
		Message:   a.Message,
		Meta: map[string]interface{}{
			"metric":    a.Metric,
			"value":     a.Value.String(),
			"threshold": a.Threshold.String(),
		},
	})
	return nil
}

// onPositionClosed - hook трекера
func (e *Engine) onPositionClosed(p models.Position) {
	e.notify(&models.Notification{
		Timestamp: time.Now(),
		Type:      models.NotificationTypeClose,
		Severity:  models.SeverityInfo,
		Message:   fmt.Sprintf("%s %s closed, pnl %s", p.Side, p.Symbol, p.RealizedPnl.StringFixed(2)),
		Meta:      map[string]interface{}{"position_id": p.ID, "exchange": p.ExchangeID},
	})
	if e.audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.AuditTimeout)
	defer cancel()
	if err := e.audit.SavePosition(ctx, p); err != nil {
		e.logger.Warn("failed to save closed position", utils.PositionID(p.ID), zap.Error(err))
	}
}

// onExecuted - hook стратегии
func (e *Engine) onExecuted(opp models.ArbitrageOpportunity, res ExecutionResult, opened []models.Position) {
	for _, p := range opened {
		e.notify(&models.Notification{
			Timestamp: p.EntryTime,
			Type:      models.NotificationTypeOpen,
			Severity:  models.SeverityInfo,
			Message:   fmt.Sprintf("%s arbitrage: %s %s %s @ %s", opp.Type, p.Side, p.Amount, p.Symbol, p.EntryPrice),
			Meta:      map[string]interface{}{"position_id": p.ID, "exchange": p.ExchangeID},
		})
	}
	if len(res.Fills) > 0 {
		e.evaluateRisk()
	}
}

// notify рассылает уведомление и пишет его в журнал
func (e *Engine) notify(n *models.Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}
	e.logger.Info("notification",
		zap.String("type", n.Type),
		zap.String("severity", n.Severity),
		zap.String("message", n.Message),
	)
	if e.hub != nil {
		e.hub.BroadcastNotification(n)
	}
	if e.audit != nil {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.AuditTimeout)
		defer cancel()
		if err := e.audit.SaveNotification(ctx, n); err != nil {
			e.logger.Warn("failed to save notification", zap.Error(err))
		}
	}
}

// ============================================================
// Периодические задачи
// ============================================================

// periodicTasks обновляет балансы и пересчитывает риск
func (e *Engine) periodicTasks(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.BalanceInterval)
	defer ticker.Stop()

	e.updateBalances(ctx)
	e.evaluateRisk()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.updateBalances(ctx)
			e.evaluateRisk()
		}
	}
}

// updateBalances опрашивает биржи параллельно. Неудачный запрос
// оставляет предыдущее значение.
func (e *Engine) updateBalances(ctx context.Context) {
	var mu sync.Mutex
	fresh := make(map[string]decimal.Decimal, len(e.exchanges))

	g, gctx := errgroup.WithContext(ctx)
	for name, ex := range e.exchanges {
		name, ex := name, ex
		g.Go(func() error {
			bal, err := ex.GetBalance(gctx, e.cfg.QuoteCurrency)
			if err != nil {
				if gctx.Err() == nil {
					e.logger.Warn("balance update failed", utils.Exchange(name), zap.Error(err))
				}
				return nil
			}
			mu.Lock()
			fresh[name] = bal
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	e.balMu.Lock()
	for name, bal := range fresh {
		e.balances[name] = bal
	}
	e.balMu.Unlock()

	for name, bal := range fresh {
		ExchangeBalance.WithLabelValues(name).Set(bal.InexactFloat64())
		if e.hub != nil {
			e.hub.BroadcastBalanceUpdate(name, bal)
		}
	}
}

// evaluateRisk передаёт монитору согласованный снимок позиций:
// equity = сумма балансов + нереализованный PnL открытых позиций
func (e *Engine) evaluateRisk() {
	balance := decimal.Zero
	e.balMu.RLock()
	known := len(e.balances)
	for _, b := range e.balances {
		balance = balance.Add(b)
	}
	e.balMu.RUnlock()

	// без балансов капитал неизвестен, нулевой equity исказил бы пик
	if known == 0 {
		e.logger.Debug("no balances yet, risk evaluation skipped")
		return
	}

	positions := e.tracker.Positions()
	equity := balance
	for i := range positions {
		equity = equity.Add(positions[i].UnrealizedPnl)
	}

	e.monitor.Update(equity, positions, balance)

	realized := decimal.Zero
	for _, p := range e.tracker.ClosedPositions(models.PositionFilter{}) {
		realized = realized.Add(p.RealizedPnl)
	}
	UpdatePortfolio(len(positions), equity, realized)

	if e.hub != nil {
		e.hub.BroadcastRiskState(e.monitor.State())
	}
}
