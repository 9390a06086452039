package bot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riskengine/internal/exchange"
	"riskengine/internal/models"
	"riskengine/internal/portfolio"
	"riskengine/internal/risk"
)

func testStrategyConfig(exchanges []string, pairs ...string) StrategyConfig {
	cfg := DefaultStrategyConfig()
	cfg.Exchanges = exchanges
	cfg.Pairs = pairs
	cfg.MaxPositionSize = d("10")
	cfg.CycleInterval = 10 * time.Millisecond
	return cfg
}

func newTestStrategy(t *testing.T, cfg StrategyConfig, deps StrategyDeps, exchanges ...*mockExchange) *Strategy {
	t.Helper()
	deps.Exchanges = make(map[string]exchange.Exchange, len(exchanges))
	for _, ex := range exchanges {
		deps.Exchanges[ex.name] = ex
	}
	s, err := NewStrategy(cfg, deps, nil)
	require.NoError(t, err)
	return s
}

// crossMarkets: на alpha дешевле, на beta дороже на 1%
func crossMarkets() (*mockExchange, *mockExchange) {
	alpha, beta := pairMarkets()
	alpha.setBalance("USDT", "100000")
	beta.setBalance("USDT", "100000")
	return alpha, beta
}

// liquidMarkets - межбиржевой спред 1% на мелких уровнях стакана и
// истории сделок с объёмом volume на каждой бирже
func liquidMarkets(volume string) (*mockExchange, *mockExchange) {
	alpha, beta := crossMarkets()
	alpha.setBook(book("BTC/USDT",
		[]string{"99.9:15", "99.8:15", "99.7:15"},
		[]string{"100:15", "100.1:15", "100.2:15"}))
	beta.setBook(book("BTC/USDT",
		[]string{"101:15", "100.9:15", "100.8:15"},
		[]string{"101.1:15", "101.2:15", "101.3:15"}))

	perTrade := d(volume).Div(d("10"))
	for _, ex := range []*mockExchange{alpha, beta} {
		price := "100"
		if ex == beta {
			price = "101"
		}
		list := make([]models.Trade, 10)
		for i := range list {
			list[i] = models.Trade{Symbol: "BTC/USDT", Price: d(price), Amount: perTrade}
		}
		ex.trades["BTC/USDT"] = list
	}
	return alpha, beta
}

func TestNewStrategy_Validation(t *testing.T) {
	alpha := newMockExchange("alpha")
	deps := StrategyDeps{Exchanges: map[string]exchange.Exchange{"alpha": alpha}}

	_, err := NewStrategy(StrategyConfig{Pairs: []string{"BTC/USDT"}}, deps, nil)
	assert.ErrorIs(t, err, ErrNoExchanges)

	_, err = NewStrategy(StrategyConfig{Exchanges: []string{"alpha"}}, deps, nil)
	assert.ErrorIs(t, err, ErrNoPairs)

	_, err = NewStrategy(StrategyConfig{Exchanges: []string{"alpha", "ghost"}, Pairs: []string{"BTC/USDT"}}, deps, nil)
	assert.ErrorIs(t, err, ErrUnknownExchange)

	s, err := NewStrategy(StrategyConfig{
		Exchanges: []string{"alpha"},
		Pairs:     []string{"BTC/USDT", "ETH/USDT", "ETH/BTC"},
	}, deps, nil)
	require.NoError(t, err)
	assert.Len(t, s.Triangles(), 1)
	assert.Equal(t, DefaultStrategyConfig().OrderBookDepth, s.cfg.OrderBookDepth)
}

func TestRunOnce_CrossExchangeOpensHedgedPositions(t *testing.T) {
	alpha, beta := crossMarkets()
	tracker := portfolio.NewPositionTracker(nil, nil)
	s := newTestStrategy(t, testStrategyConfig([]string{"alpha", "beta"}, "BTC/USDT"), StrategyDeps{Tracker: tracker}, alpha, beta)

	var hooked []models.Position
	s.OnExecuted(func(opp models.ArbitrageOpportunity, res ExecutionResult, opened []models.Position) {
		hooked = opened
	})

	report, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	require.NotNil(t, report.Selected)
	assert.Equal(t, models.OpportunityCrossExchange, report.Selected.Type)
	assert.Equal(t, "alpha", report.Selected.BuyExchange)
	assert.Equal(t, "beta", report.Selected.SellExchange)
	assert.True(t, report.Selected.Profit.Equal(d("0.01")))
	assert.Empty(t, report.Discarded)

	require.NotNil(t, report.Result)
	require.True(t, report.Result.Completed())

	// размер = min(sizer 100, лимит 10, исполнимый объём 50)
	buys := alpha.placed()
	require.Len(t, buys, 1)
	assert.Equal(t, models.OrderSideBuy, buys[0].Side)
	assert.True(t, buys[0].Amount.Equal(d("10")), "got %s", buys[0].Amount)
	sells := beta.placed()
	require.Len(t, sells, 1)
	assert.Equal(t, models.OrderSideSell, sells[0].Side)

	require.Len(t, report.Opened, 2)
	long, short := report.Opened[0], report.Opened[1]
	assert.Equal(t, models.SideLong, long.Side)
	assert.Equal(t, "alpha", long.ExchangeID)
	assert.True(t, long.EntryPrice.Equal(d("100")))
	assert.True(t, long.StopLoss.Equal(d("98")))
	assert.Equal(t, models.SideShort, short.Side)
	assert.Equal(t, "beta", short.ExchangeID)
	assert.True(t, short.StopLoss.Equal(d("103.02")))

	assert.Equal(t, 2, tracker.Count())
	assert.Len(t, hooked, 2)
}

func TestRunOnce_NothingFound(t *testing.T) {
	alpha, beta := crossMarkets()
	beta.setBook(book("BTC/USDT", []string{"99.95:50"}, []string{"100.05:50"}))
	s := newTestStrategy(t, testStrategyConfig([]string{"alpha", "beta"}, "BTC/USDT"), StrategyDeps{}, alpha, beta)

	report, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Nil(t, report.Selected)
	assert.Empty(t, report.Candidates)
	assert.Empty(t, alpha.placed())
}

func TestRunOnce_Discards(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(alpha, beta *mockExchange, deps *StrategyDeps)
		reason string
	}{
		{
			name: "critical alert halts trading",
			setup: func(alpha, beta *mockExchange, deps *StrategyDeps) {
				m := risk.NewRiskMonitor(risk.DefaultRiskLimits(), nil)
				m.SeedPeak(d("1000"))
				m.Update(d("850"), nil, d("850"))
				deps.Monitor = m
			},
			reason: DiscardRiskHalt,
		},
		{
			name: "spread gone on revalidation",
			setup: func(alpha, beta *mockExchange, deps *StrategyDeps) {
				profitable := book("BTC/USDT", []string{"101:50"}, []string{"101.1:50"})
				beta.bookQueue["BTC/USDT"] = []*models.OrderBook{profitable}
				beta.setBook(book("BTC/USDT", []string{"100:50"}, []string{"100.5:50"}))
			},
			reason: DiscardStale,
		},
		{
			name: "position limit reached",
			setup: func(alpha, beta *mockExchange, deps *StrategyDeps) {
				tr := portfolio.NewPositionTracker(nil, nil)
				_, err := tr.Open("BTC/USDT", d("100"), d("10"), models.SideLong, d("98"), decimal.Zero, "alpha", decimal.Zero)
				if err != nil {
					panic(err)
				}
				deps.Tracker = tr
			},
			reason: DiscardPositionLimit,
		},
		{
			name: "thin top of book",
			setup: func(alpha, beta *mockExchange, deps *StrategyDeps) {
				alpha.setBook(book("BTC/USDT", []string{"99.9:5"}, []string{"100:5"}))
			},
			reason: DiscardLiquidity,
		},
		{
			name: "no balance to size from",
			setup: func(alpha, beta *mockExchange, deps *StrategyDeps) {
				alpha.setBalance("USDT", "0")
			},
			reason: DiscardSize,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alpha, beta := crossMarkets()
			var deps StrategyDeps
			tt.setup(alpha, beta, &deps)
			s := newTestStrategy(t, testStrategyConfig([]string{"alpha", "beta"}, "BTC/USDT"), deps, alpha, beta)

			report, err := s.RunOnce(context.Background())
			require.NoError(t, err)
			require.NotNil(t, report.Selected)
			assert.Equal(t, tt.reason, report.Discarded)
			assert.Nil(t, report.Result)
			assert.Empty(t, alpha.placed())
			assert.Empty(t, beta.placed())
		})
	}
}

func TestRunOnce_LiquidityCheckedPerLeg(t *testing.T) {
	t.Run("liquid markets execute", func(t *testing.T) {
		alpha, beta := liquidMarkets("200")
		liquidity := risk.NewLiquidityMonitor(risk.DefaultLiquidityConfig(), nil)
		s := newTestStrategy(t, testStrategyConfig([]string{"alpha", "beta"}, "BTC/USDT"),
			StrategyDeps{Liquidity: liquidity}, alpha, beta)

		report, err := s.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Empty(t, report.Discarded)
		require.NotNil(t, report.Result)
		require.True(t, report.Result.Completed())

		// 10% объёма 200 = 20 не ограничивает размер 10
		orders := alpha.placed()
		require.Len(t, orders, 1)
		assert.True(t, orders[0].Amount.Equal(d("10")), "got %s", orders[0].Amount)

		a, ok := liquidity.Cached("BTC/USDT")
		require.True(t, ok)
		assert.True(t, a.IsLiquid)
	})

	t.Run("thin volume clamps size and fails depth", func(t *testing.T) {
		alpha, beta := liquidMarkets("10")
		liquidity := risk.NewLiquidityMonitor(risk.DefaultLiquidityConfig(), nil)
		s := newTestStrategy(t, testStrategyConfig([]string{"alpha", "beta"}, "BTC/USDT"),
			StrategyDeps{Liquidity: liquidity}, alpha, beta)

		report, err := s.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, DiscardLiquidity, report.Discarded)
		assert.Nil(t, report.Result)
		assert.Empty(t, alpha.placed())
		assert.Empty(t, beta.placed())

		// размер урезан до 1 (10% объёма), уровни по 15 не входят в глубину
		a, ok := liquidity.Cached("BTC/USDT")
		require.True(t, ok)
		assert.False(t, a.IsLiquid)
		assert.True(t, a.Depth.IsZero())
	})

	t.Run("no trade history gives zero size", func(t *testing.T) {
		alpha, beta := crossMarkets()
		s := newTestStrategy(t, testStrategyConfig([]string{"alpha", "beta"}, "BTC/USDT"),
			StrategyDeps{Liquidity: risk.NewLiquidityMonitor(risk.DefaultLiquidityConfig(), nil)}, alpha, beta)

		report, err := s.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, DiscardSize, report.Discarded)
		assert.Empty(t, alpha.placed())
	})
}

func TestRunOnce_LegFailureLeavesNoPositions(t *testing.T) {
	alpha, beta := crossMarkets()
	beta.orderErrs = []error{errors.New("rejected")}
	tracker := portfolio.NewPositionTracker(nil, nil)
	notes := &recordingNotifier{}
	s := newTestStrategy(t, testStrategyConfig([]string{"alpha", "beta"}, "BTC/USDT"),
		StrategyDeps{Tracker: tracker, Notifier: notes}, alpha, beta)

	report, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	require.NotNil(t, report.Result)
	assert.Equal(t, 1, report.Result.FailedLeg)
	assert.True(t, report.Result.Unwound)
	assert.Empty(t, report.Opened)
	assert.Zero(t, tracker.Count())

	orders := alpha.placed()
	require.Len(t, orders, 2)
	assert.Equal(t, models.OrderSideSell, orders[1].Side)
	assert.True(t, orders[1].Amount.Equal(orders[0].Amount))
	assert.Contains(t, notes.types(), models.NotificationTypeLegFail)
}

func TestRunOnce_Triangular(t *testing.T) {
	alpha := newMockExchange("alpha")
	alpha.setBook(book("BTC/USDT", []string{"49990:100"}, []string{"50000:100"}))
	alpha.setBook(book("ETH/BTC", []string{"0.0499:100"}, []string{"0.05:100"}))
	alpha.setBook(book("ETH/USDT", []string{"2600:100"}, []string{"2601:100"}))
	alpha.setBalance("USDT", "10000")

	tracker := portfolio.NewPositionTracker(nil, nil)
	s := newTestStrategy(t, testStrategyConfig([]string{"alpha"}, "BTC/USDT", "ETH/USDT", "ETH/BTC"),
		StrategyDeps{Tracker: tracker}, alpha)

	report, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	require.NotNil(t, report.Selected)
	assert.Equal(t, models.OpportunityTriangular, report.Selected.Type)
	assert.True(t, report.Selected.Profit.Equal(d("0.04")))
	require.NotNil(t, report.Result)
	require.True(t, report.Result.Completed())

	// 1000 USDT (10% баланса) → 0.02 BTC → 0.4 ETH → USDT
	orders := alpha.placed()
	require.Len(t, orders, 3)
	assert.Equal(t, "BTC/USDT", orders[0].Symbol)
	assert.True(t, orders[0].Amount.Equal(d("0.02")), "got %s", orders[0].Amount)
	assert.Equal(t, "ETH/BTC", orders[1].Symbol)
	assert.True(t, orders[1].Amount.Equal(d("0.4")), "got %s", orders[1].Amount)
	assert.Equal(t, "ETH/USDT", orders[2].Symbol)
	assert.Equal(t, models.OrderSideSell, orders[2].Side)
	assert.True(t, orders[2].Amount.Equal(d("0.4")))

	assert.Empty(t, report.Opened)
	assert.Zero(t, tracker.Count())
}

func TestRunOnce_Statistical(t *testing.T) {
	alpha, beta := crossMarkets()
	// стаканы без межбиржевого спреда
	beta.setBook(book("BTC/USDT", []string{"99.9:50"}, []string{"100:50"}))
	alpha.trades["BTC/USDT"] = trades("100", "100", "100", "100", "100", "100", "100", "100", "100", "90")
	beta.trades["BTC/USDT"] = trades("100", "100", "100", "100", "100", "100", "100", "100", "100", "100")

	s := newTestStrategy(t, testStrategyConfig([]string{"alpha", "beta"}, "BTC/USDT"), StrategyDeps{}, alpha, beta)

	report, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	require.NotNil(t, report.Selected)
	assert.Equal(t, models.OpportunityStatistical, report.Selected.Type)
	assert.True(t, report.Selected.ZScore.IsNegative())
	assert.Equal(t, "alpha", report.Selected.BuyExchange)
	assert.Equal(t, "beta", report.Selected.SellExchange)
}

func TestRunOnce_FailedRevalidationRefreshDiscards(t *testing.T) {
	alpha, beta := crossMarkets()
	// первый цикл обновления проходит, обновление при повторной проверке - нет
	beta.bookErrAfter = 1
	beta.bookErr = errors.New("connection reset")
	s := newTestStrategy(t, testStrategyConfig([]string{"alpha", "beta"}, "BTC/USDT"), StrategyDeps{}, alpha, beta)

	report, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	require.NotNil(t, report.Selected)
	assert.Equal(t, DiscardStale, report.Discarded)
	assert.Nil(t, report.Result)
	assert.Empty(t, alpha.placed())
	assert.Empty(t, beta.placed())
}

func TestStrategyRun_StopsOnCancel(t *testing.T) {
	alpha, beta := crossMarkets()
	alpha.bookErr = errors.New("maintenance")
	s := newTestStrategy(t, testStrategyConfig([]string{"alpha", "beta"}, "BTC/USDT"), StrategyDeps{}, alpha, beta)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("strategy did not stop")
	}
}
