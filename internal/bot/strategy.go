package bot

import (
	"context"
	"errors"
	"fmt"
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

// Ошибки конфигурации стратегии
var (
	ErrNoExchanges = errors.New("strategy needs at least one exchange")
	ErrNoPairs     = errors.New("strategy needs at least one pair")
)

// Причины отбраковки возможности
const (
	DiscardRiskHalt      = "risk_halt"
	DiscardStale         = "stale"
	DiscardPositionLimit = "position_limit"
	DiscardLiquidity     = "liquidity"
	DiscardSize          = "size"
)

// StrategyConfig - параметры арбитражной стратегии
type StrategyConfig struct {
	Exchanges []string
	Pairs     []string

	MinProfitThreshold decimal.Decimal // 0.002 = 0.2%
	MaxPositionSize    decimal.Decimal // в базовой валюте пары
	RiskPerTrade       decimal.Decimal // расстояние до стопа при расчёте размера
	MaxSlippage        decimal.Decimal // от первого уровня стакана

	ExecutionTimeout time.Duration
	CycleInterval    time.Duration

	OrderBookDepth int
	TradeHistory   int

	ZScoreThreshold     decimal.Decimal
	LiquidityMultiplier decimal.Decimal // объём первых уровней / MaxPositionSize
	LiquidityLevels     int
	MaxCacheEntries     int

	SizingMethod    risk.SizingMethod
	StopMethod      risk.StopMethod
	TrailingStopPct decimal.Decimal
}

// DefaultStrategyConfig - значения по умолчанию
func DefaultStrategyConfig() StrategyConfig {
	return StrategyConfig{
		MinProfitThreshold:  decimal.NewFromFloat(0.002),
		MaxPositionSize:     decimal.NewFromInt(1000),
		RiskPerTrade:        decimal.NewFromFloat(0.01),
		MaxSlippage:         decimal.NewFromFloat(0.001),
		ExecutionTimeout:    5 * time.Second,
		CycleInterval:       time.Second,
		OrderBookDepth:      20,
		TradeHistory:        100,
		ZScoreThreshold:     decimal.NewFromInt(2),
		LiquidityMultiplier: decimal.NewFromInt(3),
		LiquidityLevels:     5,
		MaxCacheEntries:     512,
		SizingMethod:        risk.SizingFixedRisk,
		StopMethod:          risk.StopFixed,
		TrailingStopPct:     decimal.NewFromFloat(0.01),
	}
}

// StrategyDeps - компоненты, с которыми работает стратегия.
// Незаданные Sizer, Stops и Tracker создаются с настройками по умолчанию.
// Без Liquidity ноги не проверяются по стакану и не делятся.
type StrategyDeps struct {
	Exchanges map[string]exchange.Exchange
	Sizer     risk.Sizer
	Stops     risk.StopCalculator
	Liquidity risk.LiquidityChecker
	Tracker   *portfolio.PositionTracker
	Monitor   *risk.RiskMonitor
	Notifier  Notifier
}

// ExecutedHook вызывается после каждой попытки исполнения; opened -
// позиции, открытые по исполненным ногам
type ExecutedHook func(opp models.ArbitrageOpportunity, res ExecutionResult, opened []models.Position)

// CycleReport - итог одного цикла
type CycleReport struct {
	Candidates []models.ArbitrageOpportunity // лучшие по типам
	Selected   *models.ArbitrageOpportunity
	Discarded  string
	Result     *ExecutionResult
	Opened     []models.Position
}

// Strategy ищет и исполняет треугольный, межбиржевой и статистический
// арбитраж по кэшу рыночных данных нескольких бирж
type Strategy struct {
	cfg       StrategyConfig
	exchanges map[string]exchange.Exchange
	market    *MarketCache
	triangles []Triangle

	sizer     risk.Sizer
	stops     risk.StopCalculator
	liquidity risk.LiquidityChecker
	tracker   *portfolio.PositionTracker
	monitor   *risk.RiskMonitor
	executor  *Executor
	logger    *zap.Logger

	hookMu sync.Mutex
	hooks  []ExecutedHook
}

// NewStrategy проверяет конфигурацию и создаёт стратегию.
// Биржа из cfg.Exchanges без адаптера в deps - ошибка.
func NewStrategy(cfg StrategyConfig, deps StrategyDeps, logger *zap.Logger) (*Strategy, error) {
	if len(cfg.Exchanges) == 0 {
		return nil, ErrNoExchanges
	}
	if len(cfg.Pairs) == 0 {
		return nil, ErrNoPairs
	}
	selected := make(map[string]exchange.Exchange, len(cfg.Exchanges))
	for _, name := range cfg.Exchanges {
		ex, ok := deps.Exchanges[name]
		if !ok || ex == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownExchange, name)
		}
		selected[name] = ex
	}

	def := DefaultStrategyConfig()
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = def.ExecutionTimeout
	}
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = def.CycleInterval
	}
	if cfg.OrderBookDepth <= 0 {
		cfg.OrderBookDepth = def.OrderBookDepth
	}
	if cfg.TradeHistory <= 0 {
		cfg.TradeHistory = def.TradeHistory
	}
	if cfg.LiquidityLevels <= 0 {
		cfg.LiquidityLevels = def.LiquidityLevels
	}
	if cfg.SizingMethod == "" {
		cfg.SizingMethod = def.SizingMethod
	}
	if cfg.StopMethod == "" {
		cfg.StopMethod = def.StopMethod
	}

	logger = utils.NopIfNil(logger)
	if deps.Sizer == nil {
		deps.Sizer = risk.NewPositionSizer(risk.DefaultSizingConfig(), logger)
	}
	if deps.Stops == nil {
		deps.Stops = risk.NewStopLossManager(risk.DefaultStopLossConfig(), logger)
	}
	if deps.Tracker == nil {
		deps.Tracker = portfolio.NewPositionTracker(deps.Stops, logger)
	}

	market := NewMarketCache(cfg.MaxCacheEntries)
	s := &Strategy{
		cfg:       cfg,
		exchanges: selected,
		market:    market,
		triangles: FindTriangles(cfg.Pairs),
		sizer:     deps.Sizer,
		stops:     deps.Stops,
		liquidity: deps.Liquidity,
		tracker:   deps.Tracker,
		monitor:   deps.Monitor,
		executor:  NewExecutor(selected, market, deps.Liquidity, cfg.ExecutionTimeout, deps.Notifier, logger),
		logger:    logger.With(utils.Component("strategy")),
	}

	s.logger.Info("strategy configured",
		zap.Strings("exchanges", cfg.Exchanges),
		zap.Strings("pairs", cfg.Pairs),
		zap.Int("triangles", len(s.triangles)),
		utils.Dec("min_profit", cfg.MinProfitThreshold),
	)
	return s, nil
}

// OnExecuted регистрирует обработчик результатов исполнения
func (s *Strategy) OnExecuted(hook ExecutedHook) {
	if hook == nil {
		return
	}
	s.hookMu.Lock()
	s.hooks = append(s.hooks, hook)
	s.hookMu.Unlock()
}

// Market - кэш рыночных данных
func (s *Strategy) Market() *MarketCache { return s.market }

// Executor - исполнитель ордеров стратегии
func (s *Strategy) Executor() *Executor { return s.executor }

// Triangles - треугольники, найденные среди пар
func (s *Strategy) Triangles() []Triangle {
	return append([]Triangle(nil), s.triangles...)
}

// Run выполняет циклы до отмены контекста
func (s *Strategy) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.CycleInterval)
	defer ticker.Stop()

	s.logger.Info("strategy started", zap.Duration("cycle", s.cfg.CycleInterval))
	for {
		if _, err := s.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			s.logger.Error("cycle failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			s.logger.Info("strategy stopped")
			return nil
		case <-ticker.C:
		}
	}
	s.logger.Info("strategy stopped")
	return nil
}

// RunOnce выполняет один цикл: обновление данных, поиск, повторная
// проверка и исполнение лучшей возможности. Ошибка - только отмена.
func (s *Strategy) RunOnce(ctx context.Context) (CycleReport, error) {
	var report CycleReport

	if err := s.refreshAll(ctx); err != nil {
		return report, err
	}

	report.Candidates = s.search(ctx)
	best, ok := bestByProfit(report.Candidates)
	if !ok {
		return report, nil
	}
	report.Selected = &best

	if s.monitor != nil && s.monitor.HasCritical() {
		s.discard(&report, best, DiscardRiskHalt)
		return report, nil
	}

	fresh, ok := s.revalidate(ctx, best)
	if !ok {
		s.discard(&report, best, DiscardStale)
		return report, ctx.Err()
	}
	report.Selected = &fresh

	if !s.withinPositionLimits(fresh) {
		s.discard(&report, fresh, DiscardPositionLimit)
		return report, nil
	}
	if !s.hasLiquidity(fresh) {
		s.discard(&report, fresh, DiscardLiquidity)
		return report, nil
	}

	legs, reason := s.planLegs(ctx, fresh)
	if reason != "" {
		s.discard(&report, fresh, reason)
		return report, nil
	}

	res := s.executor.Execute(ctx, legs)
	report.Result = &res
	report.Opened = s.record(fresh, res)
	RecordExecution(fresh.Type, executionOutcome(res))
	s.fireHooks(fresh, res, report.Opened)

	return report, nil
}

func (s *Strategy) discard(report *CycleReport, opp models.ArbitrageOpportunity, reason string) {
	report.Discarded = reason
	RecordDiscard(opp.Type, reason)
	s.logger.Info("opportunity discarded",
		zap.String("type", string(opp.Type)),
		zap.String("reason", reason),
		utils.Dec("profit", opp.Profit),
	)
}

func executionOutcome(res ExecutionResult) string {
	switch {
	case res.Err == nil:
		return "success"
	case res.UnwindErr != nil:
		return "unwind_failed"
	case res.Unwound:
		return "unwound"
	default:
		return "failed"
	}
}

func (s *Strategy) fireHooks(opp models.ArbitrageOpportunity, res ExecutionResult, opened []models.Position) {
	s.hookMu.Lock()
	hooks := append([]ExecutedHook(nil), s.hooks...)
	s.hookMu.Unlock()

	for _, h := range hooks {
		h(opp, res, opened)
	}
}

// ============================================================
// Обновление данных
// ============================================================

// refreshAll обновляет все (биржа, пара) параллельно. Неудачное
// обновление оставляет предыдущий снимок.
func (s *Strategy) refreshAll(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range s.cfg.Exchanges {
		for _, pair := range s.cfg.Pairs {
			name, pair := name, pair
			g.Go(func() error {
				_ = s.refreshPair(gctx, name, pair)
				return nil
			})
		}
	}
	_ = g.Wait()
	return ctx.Err()
}

// refreshPair обновляет стакан и сделки; при ошибке в кэше остаётся
// предыдущий снимок
func (s *Strategy) refreshPair(ctx context.Context, name, pair string) error {
	ex := s.exchanges[name]
	start := time.Now()
	defer func() {
		RefreshLatency.WithLabelValues(name).Observe(ms(time.Since(start)))
	}()

	book, err := ex.GetOrderBook(ctx, pair, s.cfg.OrderBookDepth)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("orderbook refresh failed", utils.Exchange(name), utils.Symbol(pair), zap.Error(err))
		}
		return fmt.Errorf("refresh %s %s orderbook: %w", name, pair, err)
	}
	s.market.SetBook(name, pair, book)

	trades, err := ex.GetRecentTrades(ctx, pair, s.cfg.TradeHistory)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("trades refresh failed", utils.Exchange(name), utils.Symbol(pair), zap.Error(err))
		}
		return fmt.Errorf("refresh %s %s trades: %w", name, pair, err)
	}
	s.market.SetTrades(name, pair, trades)
	return nil
}

// ============================================================
// Поиск
// ============================================================

// search ищет все три типа параллельно и возвращает лучшую возможность
// каждого найденного типа
func (s *Strategy) search(ctx context.Context) []models.ArbitrageOpportunity {
	finders := []func() []models.ArbitrageOpportunity{
		s.findTriangular,
		s.findCrossExchange,
		s.findStatistical,
	}
	found := make([][]models.ArbitrageOpportunity, len(finders))

	g, _ := errgroup.WithContext(ctx)
	for i, find := range finders {
		i, find := i, find
		g.Go(func() error {
			found[i] = find()
			return nil
		})
	}
	_ = g.Wait()

	var best []models.ArbitrageOpportunity
	for _, opps := range found {
		for _, o := range opps {
			RecordOpportunity(o)
		}
		if b, ok := bestByScore(opps); ok {
			best = append(best, b)
		}
	}
	return best
}

func (s *Strategy) findTriangular() []models.ArbitrageOpportunity {
	var out []models.ArbitrageOpportunity
	for _, name := range s.cfg.Exchanges {
		for _, t := range s.triangles {
			for _, path := range t.Paths() {
				if len(path) != 3 {
					continue
				}
				profit, ok := TriangularProfit(s.market.Book, name, path)
				if !ok || !profit.GreaterThan(s.cfg.MinProfitThreshold) {
					continue
				}
				out = append(out, models.ArbitrageOpportunity{
					Type:       models.OpportunityTriangular,
					Exchange:   name,
					Path:       path,
					Profit:     profit,
					ComputedAt: time.Now(),
				})
			}
		}
	}
	return out
}

func (s *Strategy) findCrossExchange() []models.ArbitrageOpportunity {
	var out []models.ArbitrageOpportunity
	for _, pair := range s.cfg.Pairs {
		for i, ex1 := range s.cfg.Exchanges {
			for _, ex2 := range s.cfg.Exchanges[i+1:] {
				book1, ok1 := s.market.Book(ex1, pair)
				book2, ok2 := s.market.Book(ex2, pair)
				if !ok1 || !ok2 {
					continue
				}
				profit, buyFirst, ok := CrossProfit(book1, book2)
				if !ok || !profit.GreaterThan(s.cfg.MinProfitThreshold) {
					continue
				}
				buy, sell := ex1, ex2
				if !buyFirst {
					buy, sell = ex2, ex1
				}
				out = append(out, models.ArbitrageOpportunity{
					Type:         models.OpportunityCrossExchange,
					Pair:         pair,
					BuyExchange:  buy,
					SellExchange: sell,
					Profit:       profit,
					ComputedAt:   time.Now(),
				})
			}
		}
	}
	return out
}

func (s *Strategy) findStatistical() []models.ArbitrageOpportunity {
	var out []models.ArbitrageOpportunity
	for _, pair := range s.cfg.Pairs {
		for i, ex1 := range s.cfg.Exchanges {
			for _, ex2 := range s.cfg.Exchanges[i+1:] {
				if opp, ok := s.statistical(pair, ex1, ex2); ok {
					out = append(out, opp)
				}
			}
		}
	}
	return out
}

// statistical: ряд отношений цен ex1/ex2. Отрицательный z - ex1 дёшев,
// покупаем на ex1; положительный - покупаем на ex2.
func (s *Strategy) statistical(pair, ex1, ex2 string) (models.ArbitrageOpportunity, bool) {
	z, deviation := SpreadZScore(s.market.Trades(ex1, pair), s.market.Trades(ex2, pair))
	if !z.Abs().GreaterThan(s.cfg.ZScoreThreshold) {
		return models.ArbitrageOpportunity{}, false
	}
	buy, sell := ex1, ex2
	if z.IsPositive() {
		buy, sell = ex2, ex1
	}
	return models.ArbitrageOpportunity{
		Type:         models.OpportunityStatistical,
		Pair:         pair,
		BuyExchange:  buy,
		SellExchange: sell,
		Profit:       deviation,
		ZScore:       z,
		ComputedAt:   time.Now(),
	}, true
}

// ============================================================
// Повторная проверка
// ============================================================

// revalidate обновляет участвующие стаканы и пересчитывает возможность.
// false - возможность устарела или хотя бы один рынок не обновился:
// пересчёт по старому снимку не считается проверкой.
func (s *Strategy) revalidate(ctx context.Context, opp models.ArbitrageOpportunity) (models.ArbitrageOpportunity, bool) {
	g, gctx := errgroup.WithContext(ctx)
	for _, k := range involvedMarkets(opp) {
		k := k
		g.Go(func() error {
			return s.refreshPair(gctx, k.Exchange, k.Pair)
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("revalidation refresh failed", zap.String("type", string(opp.Type)), zap.Error(err))
		}
		return opp, false
	}
	if ctx.Err() != nil {
		return opp, false
	}

	fresh := opp
	fresh.ComputedAt = time.Now()

	switch opp.Type {
	case models.OpportunityTriangular:
		profit, ok := TriangularProfit(s.market.Book, opp.Exchange, opp.Path)
		if !ok || profit.LessThan(s.cfg.MinProfitThreshold) {
			return opp, false
		}
		fresh.Profit = profit

	case models.OpportunityCrossExchange:
		buyBook, ok1 := s.market.Book(opp.BuyExchange, opp.Pair)
		sellBook, ok2 := s.market.Book(opp.SellExchange, opp.Pair)
		if !ok1 || !ok2 {
			return opp, false
		}
		ask, okAsk := buyBook.BestAsk()
		bid, okBid := sellBook.BestBid()
		if !okAsk || !okBid || !ask.IsPositive() {
			return opp, false
		}
		profit := bid.Div(ask).Sub(one)
		if profit.LessThan(s.cfg.MinProfitThreshold) {
			return opp, false
		}
		fresh.Profit = profit

	case models.OpportunityStatistical:
		again, ok := s.statistical(opp.Pair, opp.BuyExchange, opp.SellExchange)
		if !ok || again.BuyExchange != opp.BuyExchange {
			return opp, false
		}
		fresh = again

	default:
		return opp, false
	}
	return fresh, true
}

// involvedMarkets - (биржа, пара), участвующие в возможности
func involvedMarkets(opp models.ArbitrageOpportunity) []marketKey {
	if opp.Type == models.OpportunityTriangular {
		keys := make([]marketKey, 0, len(opp.Path))
		for _, step := range opp.Path {
			keys = append(keys, marketKey{opp.Exchange, step.Pair})
		}
		return keys
	}
	return []marketKey{
		{opp.BuyExchange, opp.Pair},
		{opp.SellExchange, opp.Pair},
	}
}

// ============================================================
// Лимиты и ликвидность
// ============================================================

// exposure - суммарный объём открытых позиций по паре (и бирже, если задана)
func (s *Strategy) exposure(pair, exchangeName string) decimal.Decimal {
	total := decimal.Zero
	for _, p := range s.tracker.BySymbol(pair) {
		if exchangeName != "" && p.ExchangeID != exchangeName {
			continue
		}
		total = total.Add(p.Amount.Abs())
	}
	return total
}

func (s *Strategy) withinPositionLimits(opp models.ArbitrageOpportunity) bool {
	if opp.Type == models.OpportunityTriangular {
		for _, step := range opp.Path {
			if s.exposure(step.Pair, "").GreaterThanOrEqual(s.cfg.MaxPositionSize) {
				return false
			}
		}
		return true
	}
	return s.exposure(opp.Pair, opp.BuyExchange).LessThan(s.cfg.MaxPositionSize) &&
		s.exposure(opp.Pair, opp.SellExchange).LessThan(s.cfg.MaxPositionSize)
}

// hasLiquidity: объём первых LiquidityLevels уровней обеих сторон каждого
// участвующего стакана больше LiquidityMultiplier × MaxPositionSize
func (s *Strategy) hasLiquidity(opp models.ArbitrageOpportunity) bool {
	required := s.cfg.MaxPositionSize.Mul(s.cfg.LiquidityMultiplier)
	for _, k := range involvedMarkets(opp) {
		book, ok := s.market.Book(k.Exchange, k.Pair)
		if !ok {
			return false
		}
		if !topAmount(book.Bids, s.cfg.LiquidityLevels).GreaterThan(required) ||
			!topAmount(book.Asks, s.cfg.LiquidityLevels).GreaterThan(required) {
			s.logger.Debug("insufficient top-of-book liquidity",
				utils.Exchange(k.Exchange),
				utils.Symbol(k.Pair),
				utils.Dec("required", required),
			)
			return false
		}
	}
	return true
}

// ============================================================
// Размер и ноги
// ============================================================

// planLegs рассчитывает размер и строит ноги. Непустая причина -
// возможность отбракована (DiscardSize или DiscardLiquidity).
func (s *Strategy) planLegs(ctx context.Context, opp models.ArbitrageOpportunity) ([]Leg, string) {
	var (
		legs []Leg
		ok   bool
	)
	if opp.Type == models.OpportunityTriangular {
		legs, ok = s.planTriangle(ctx, opp)
	} else {
		legs, ok = s.planPair(ctx, opp)
	}
	if !ok {
		return nil, DiscardSize
	}
	if !s.legsLiquid(legs) {
		return nil, DiscardLiquidity
	}
	return legs, ""
}

// optimalSize ограничивает объём глубиной стакана и объёмом торгов рынка
func (s *Strategy) optimalSize(size decimal.Decimal, exchangeName, pair string) decimal.Decimal {
	if s.liquidity == nil {
		return size
	}
	book, ok := s.market.Book(exchangeName, pair)
	if !ok {
		return decimal.Zero
	}
	volume := tradeVolume(s.market.Trades(exchangeName, pair))
	return s.liquidity.OptimalSize(size, book, volume)
}

// legsLiquid проверяет каждую ногу по стакану её рынка. Объём ноги,
// зависящей от предыдущей, оценивается по ожидаемым ценам.
func (s *Strategy) legsLiquid(legs []Leg) bool {
	if s.liquidity == nil {
		return true
	}
	var prev LegFill
	for i, leg := range legs {
		amount := leg.Amount
		if leg.Chained && i > 0 {
			amount = chainedAmount(prev, leg)
		}
		prev = LegFill{Leg: leg, Filled: amount, AvgPrice: leg.Price}

		book, ok := s.market.Book(leg.Exchange, leg.Pair)
		if !ok {
			return false
		}
		volume := tradeVolume(s.market.Trades(leg.Exchange, leg.Pair))
		a := s.liquidity.Check(leg.Pair, amount, book, volume)
		if !a.IsLiquid {
			s.logger.Info("leg failed liquidity check",
				utils.Exchange(leg.Exchange),
				utils.Symbol(leg.Pair),
				utils.Amount(amount),
				utils.Dec("spread", a.Spread),
				utils.Dec("depth", a.Depth),
				utils.Dec("volume_ratio", a.VolumeRatio),
			)
			return false
		}
	}
	return true
}

// planPair: покупка на BuyExchange и продажа на SellExchange одного объёма
func (s *Strategy) planPair(ctx context.Context, opp models.ArbitrageOpportunity) ([]Leg, bool) {
	buyBook, ok1 := s.market.Book(opp.BuyExchange, opp.Pair)
	sellBook, ok2 := s.market.Book(opp.SellExchange, opp.Pair)
	if !ok1 || !ok2 {
		return nil, false
	}
	ask, _ := buyBook.BestAsk()
	bid, _ := sellBook.BestBid()

	_, quote, ok := models.SplitSymbol(opp.Pair)
	if !ok {
		return nil, false
	}
	balance, err := s.exchanges[opp.BuyExchange].GetBalance(ctx, quote)
	if err != nil {
		s.logger.Warn("balance unavailable, skipping", utils.Exchange(opp.BuyExchange), zap.Error(err))
		return nil, false
	}

	vol := volatility(s.market.Trades(opp.BuyExchange, opp.Pair))
	stop := ask.Mul(one.Sub(s.cfg.RiskPerTrade))
	size := s.sizer.Size(balance, ask, &vol, &stop, s.cfg.SizingMethod)

	size = utils.Min(size,
		s.cfg.MaxPositionSize,
		executableSize(buyBook.Asks, s.cfg.MaxSlippage),
		executableSize(sellBook.Bids, s.cfg.MaxSlippage),
	)
	size = s.sizer.AdjustForCorrelation(size, opp.Pair, s.tracker.Positions())
	size = s.optimalSize(size, opp.BuyExchange, opp.Pair)
	size = s.optimalSize(size, opp.SellExchange, opp.Pair)
	size = utils.TruncatePlaces(size, amountPlaces)
	if !size.IsPositive() {
		return nil, false
	}

	return []Leg{
		{Exchange: opp.BuyExchange, Pair: opp.Pair, Side: models.OrderSideBuy, Amount: size, Price: ask},
		{Exchange: opp.SellExchange, Pair: opp.Pair, Side: models.OrderSideSell, Amount: size, Price: bid},
	}, true
}

// planTriangle: размер считается в стартовой валюте треугольника и
// ограничивается исполнимым объёмом каждого шага, приведённым к ней
func (s *Strategy) planTriangle(ctx context.Context, opp models.ArbitrageOpportunity) ([]Leg, bool) {
	if len(opp.Path) != 3 {
		return nil, false
	}

	start := startCurrency(opp.Path[0])
	balance, err := s.exchanges[opp.Exchange].GetBalance(ctx, start)
	if err != nil {
		s.logger.Warn("balance unavailable, skipping", utils.Exchange(opp.Exchange), zap.Error(err))
		return nil, false
	}

	stop := one.Sub(s.cfg.RiskPerTrade)
	amount := s.sizer.Size(balance, one, nil, &stop, s.cfg.SizingMethod)

	legs := make([]Leg, 0, 3)
	rate := one // единиц входной валюты шага на единицу стартовой
	for i, step := range opp.Path {
		book, ok := s.market.Book(opp.Exchange, step.Pair)
		if !ok {
			return nil, false
		}

		var price, capIn decimal.Decimal
		if step.Side == models.OrderSideBuy {
			price, _ = book.BestAsk()
			capIn = executableSize(book.Asks, s.cfg.MaxSlippage).Mul(price)
		} else {
			price, _ = book.BestBid()
			capIn = executableSize(book.Bids, s.cfg.MaxSlippage)
		}
		if !price.IsPositive() {
			return nil, false
		}
		amount = utils.Min(amount, capIn.Div(rate))

		legs = append(legs, Leg{
			Exchange: opp.Exchange,
			Pair:     step.Pair,
			Side:     step.Side,
			Price:    price,
			Chained:  i > 0,
		})

		if step.Side == models.OrderSideBuy {
			rate = rate.Div(price)
		} else {
			rate = rate.Mul(price)
		}
	}

	first := amount
	if legs[0].Side == models.OrderSideBuy {
		first = amount.Div(legs[0].Price)
	}
	first = s.optimalSize(utils.Min(first, s.cfg.MaxPositionSize), opp.Exchange, legs[0].Pair)
	legs[0].Amount = utils.TruncatePlaces(first, amountPlaces)
	if !legs[0].Amount.IsPositive() {
		return nil, false
	}
	return legs, true
}

// startCurrency - валюта, которую тратит первый шаг
func startCurrency(step models.TriangleStep) string {
	base, quote, _ := models.SplitSymbol(step.Pair)
	if step.Side == models.OrderSideBuy {
		return quote
	}
	return base
}

// volatility - выборочное стандартное отклонение доходностей сделок
func volatility(trades []models.Trade) decimal.Decimal {
	if len(trades) < 3 {
		return decimal.Zero
	}
	returns := make([]decimal.Decimal, 0, len(trades)-1)
	for i := 1; i < len(trades); i++ {
		prev := trades[i-1].Price
		if !prev.IsPositive() {
			continue
		}
		returns = append(returns, trades[i].Price.Sub(prev).Div(prev))
	}
	return utils.SampleStdDev(returns)
}

// ============================================================
// Учёт позиций
// ============================================================

// record открывает позиции по исполненным ногам парной сделки.
// Треугольник замыкается в стартовой валюте и позиций не оставляет.
func (s *Strategy) record(opp models.ArbitrageOpportunity, res ExecutionResult) []models.Position {
	if res.Err != nil || opp.Type == models.OpportunityTriangular {
		if res.Err == nil {
			s.logger.Info("triangle completed",
				utils.Exchange(opp.Exchange),
				utils.Dec("profit", opp.Profit),
				zap.Int("legs", len(res.Fills)),
			)
		}
		return nil
	}

	var opened []models.Position
	for _, f := range res.Fills {
		side := f.Side.PositionSide()
		stop := s.stops.InitialStop(f.AvgPrice, side, nil, s.cfg.StopMethod)
		pos, err := s.tracker.Open(f.Pair, f.AvgPrice, f.Filled, side, stop, s.cfg.TrailingStopPct, f.Exchange, f.Fee)
		if err != nil {
			s.logger.Error("failed to record filled leg", utils.Exchange(f.Exchange), utils.Symbol(f.Pair), zap.Error(err))
			continue
		}
		opened = append(opened, *pos)
	}
	return opened
}
