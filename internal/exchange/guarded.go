package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"riskengine/internal/models"
	"riskengine/pkg/circuit"
	"riskengine/pkg/ratelimit"
	"riskengine/pkg/retry"
	"riskengine/pkg/utils"
)

// GuardConfig - защита вызовов одной биржи
type GuardConfig struct {
	CallTimeout      time.Duration
	Retry            retry.Config // рыночные данные, баланс
	OrderRetry       retry.Config // размещение и отмена ордеров
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// DefaultGuardConfig возвращает настройки по умолчанию
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		CallTimeout:      5 * time.Second,
		Retry:            retry.DefaultConfig(),
		OrderRetry:       retry.OrderConfig(),
		BreakerThreshold: 5,
		BreakerCooldown:  30 * time.Second,
	}
}

// CallObserver получает результат каждой попытки вызова
type CallObserver func(exchange, op string, elapsed time.Duration, err error)

// Guarded оборачивает Exchange: circuit breaker -> rate limit -> таймаут
// -> вызов, с повтором транзиентных ошибок.
type Guarded struct {
	inner    Exchange
	limiter  *ratelimit.Limiter
	breaker  *circuit.Breaker
	cfg      GuardConfig
	observer CallObserver
	logger   *zap.Logger
}

// NewGuarded создаёт обёртку. limiter = nil - без ограничения частоты.
func NewGuarded(inner Exchange, limiter *ratelimit.Limiter, cfg GuardConfig, logger *zap.Logger) *Guarded {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultGuardConfig().CallTimeout
	}
	logger = utils.NopIfNil(logger).With(utils.Component("guarded_exchange"), utils.Exchange(inner.Name()))

	g := &Guarded{
		inner:   inner,
		limiter: limiter,
		breaker: circuit.New(inner.Name(), cfg.BreakerThreshold, cfg.BreakerCooldown),
		cfg:     cfg,
		logger:  logger,
	}
	g.breaker.OnStateChange(func(name string, from, to circuit.State) {
		logger.Warn("circuit breaker state changed",
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	})
	return g
}

// OnCall устанавливает наблюдателя (метрики latency и ошибок)
func (g *Guarded) OnCall(obs CallObserver) {
	g.observer = obs
}

// Breaker возвращает circuit breaker биржи
func (g *Guarded) Breaker() *circuit.Breaker {
	return g.breaker
}

// Unwrap возвращает исходный адаптер
func (g *Guarded) Unwrap() Exchange {
	return g.inner
}

// Feed возвращает поток тикеров, если адаптер его поддерживает
func (g *Guarded) Feed() (TickerFeed, bool) {
	feed, ok := g.inner.(TickerFeed)
	return feed, ok
}

func (g *Guarded) Name() string {
	return g.inner.Name()
}

func guardedCall[T any](ctx context.Context, g *Guarded, op string, cfg retry.Config, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg.RetryIf = IsTransient
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		g.logger.Warn("retrying exchange call",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}

	result, err := retry.DoWithResult(ctx, func(ctx context.Context) (T, error) {
		var zero T
		if err := g.breaker.Allow(); err != nil {
			return zero, err
		}
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				return zero, err
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
		defer cancel()

		start := time.Now()
		res, err := fn(callCtx)
		if g.observer != nil {
			g.observer(g.Name(), op, time.Since(start), err)
		}

		if err != nil {
			// ошибка бизнес-уровня означает, что биржа отвечает
			if IsTransient(err) {
				g.breaker.Failure()
			} else {
				g.breaker.Success()
			}
			return zero, err
		}
		g.breaker.Success()
		return res, nil
	}, cfg)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("%s %s: %w", g.Name(), op, err)
	}
	return result, nil
}

func (g *Guarded) GetTicker(ctx context.Context, symbol string) (*models.Ticker, error) {
	return guardedCall(ctx, g, "get_ticker", g.cfg.Retry, func(ctx context.Context) (*models.Ticker, error) {
		return g.inner.GetTicker(ctx, symbol)
	})
}

func (g *Guarded) GetOrderBook(ctx context.Context, symbol string, depth int) (*models.OrderBook, error) {
	return guardedCall(ctx, g, "get_orderbook", g.cfg.Retry, func(ctx context.Context) (*models.OrderBook, error) {
		return g.inner.GetOrderBook(ctx, symbol, depth)
	})
}

func (g *Guarded) GetRecentTrades(ctx context.Context, symbol string, limit int) ([]models.Trade, error) {
	return guardedCall(ctx, g, "get_trades", g.cfg.Retry, func(ctx context.Context) ([]models.Trade, error) {
		return g.inner.GetRecentTrades(ctx, symbol, limit)
	})
}

// CreateOrder валидирует запрос до обращения к бирже
func (g *Guarded) CreateOrder(ctx context.Context, req OrderRequest) (*models.Order, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%s create_order: %w", g.Name(), err)
	}
	return guardedCall(ctx, g, "create_order", g.cfg.OrderRetry, func(ctx context.Context) (*models.Order, error) {
		return g.inner.CreateOrder(ctx, req)
	})
}

func (g *Guarded) CancelOrder(ctx context.Context, symbol, orderID string) error {
	_, err := guardedCall(ctx, g, "cancel_order", g.cfg.OrderRetry, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.inner.CancelOrder(ctx, symbol, orderID)
	})
	return err
}

func (g *Guarded) GetBalance(ctx context.Context, currency string) (decimal.Decimal, error) {
	return guardedCall(ctx, g, "get_balance", g.cfg.Retry, func(ctx context.Context) (decimal.Decimal, error) {
		return g.inner.GetBalance(ctx, currency)
	})
}

func (g *Guarded) Close() error {
	return g.inner.Close()
}
