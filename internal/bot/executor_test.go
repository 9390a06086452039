package bot

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riskengine/internal/exchange"
	"riskengine/internal/models"
	"riskengine/pkg/retry"
)

// splitAll - проверка ликвидности, которая всегда делит ордер пополам
type splitAll struct{}

func (splitAll) Check(symbol string, orderSize decimal.Decimal, book *models.OrderBook, recentVolume decimal.Decimal) models.LiquidityAssessment {
	return models.LiquidityAssessment{Symbol: symbol, IsLiquid: true}
}

func (splitAll) OptimalSize(desired decimal.Decimal, book *models.OrderBook, recentVolume decimal.Decimal) decimal.Decimal {
	return desired
}

func (splitAll) ShouldSplit(orderSize decimal.Decimal, book *models.OrderBook, recentVolume decimal.Decimal) []decimal.Decimal {
	half := orderSize.Div(decimal.NewFromInt(2))
	return []decimal.Decimal{half, orderSize.Sub(half)}
}

func newTestExecutor(t *testing.T, notify Notifier, exchanges ...*mockExchange) *Executor {
	t.Helper()
	byName := make(map[string]exchange.Exchange, len(exchanges))
	for _, ex := range exchanges {
		byName[ex.name] = ex
	}
	e := NewExecutor(byName, NewMarketCache(16), nil, time.Second, notify, nil)

	n := 0
	e.newID = func() string {
		n++
		return fmt.Sprintf("cid-%d", n)
	}
	e.unwindRetry = retry.Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
		Multiplier:   1,
	}
	return e
}

func pairMarkets() (*mockExchange, *mockExchange) {
	alpha := newMockExchange("alpha")
	alpha.setBook(book("BTC/USDT", []string{"99.9:50"}, []string{"100:50"}))
	beta := newMockExchange("beta")
	beta.setBook(book("BTC/USDT", []string{"101:50"}, []string{"101.1:50"}))
	return alpha, beta
}

func TestExecute_AllLegsFilled(t *testing.T) {
	alpha, beta := pairMarkets()
	notes := &recordingNotifier{}
	e := newTestExecutor(t, notes, alpha, beta)

	res := e.Execute(context.Background(), []Leg{
		{Exchange: "alpha", Pair: "BTC/USDT", Side: models.OrderSideBuy, Amount: d("2"), Price: d("100")},
		{Exchange: "beta", Pair: "BTC/USDT", Side: models.OrderSideSell, Amount: d("2"), Price: d("101")},
	})

	require.True(t, res.Completed())
	assert.Equal(t, -1, res.FailedLeg)
	require.Len(t, res.Fills, 2)
	assert.True(t, res.Fills[0].AvgPrice.Equal(d("100")))
	assert.True(t, res.Fills[1].AvgPrice.Equal(d("101")))
	assert.True(t, res.Fills[1].Filled.Equal(d("2")))

	orders := alpha.placed()
	require.Len(t, orders, 1)
	assert.Equal(t, models.OrderTypeMarket, orders[0].Type)
	assert.Equal(t, "cid-1", orders[0].ClientID)
	assert.Equal(t, "cid-2", beta.placed()[0].ClientID)
	assert.Empty(t, notes.types())
}

func TestExecute_FailedLegUnwindsInReverse(t *testing.T) {
	alpha := newMockExchange("alpha")
	alpha.setBook(book("BTC/USDT", []string{"49990:100"}, []string{"50000:100"}))
	alpha.setBook(book("ETH/BTC", []string{"0.0499:100"}, []string{"0.05:100"}))
	alpha.setBook(book("ETH/USDT", []string{"2600:100"}, []string{"2601:100"}))
	alpha.orderErrs = []error{nil, nil, errors.New("insufficient balance")}

	notes := &recordingNotifier{}
	e := newTestExecutor(t, notes, alpha)

	res := e.Execute(context.Background(), []Leg{
		{Exchange: "alpha", Pair: "BTC/USDT", Side: models.OrderSideBuy, Amount: d("0.02"), Price: d("50000")},
		{Exchange: "alpha", Pair: "ETH/BTC", Side: models.OrderSideBuy, Price: d("0.05"), Chained: true},
		{Exchange: "alpha", Pair: "ETH/USDT", Side: models.OrderSideSell, Price: d("2600"), Chained: true},
	})

	require.False(t, res.Completed())
	assert.ErrorIs(t, res.Err, ErrLegFailed)
	assert.Equal(t, 2, res.FailedLeg)
	assert.True(t, res.Unwound)
	assert.NoError(t, res.UnwindErr)

	orders := alpha.placed()
	require.Len(t, orders, 5)
	// ноги 1 и 2, неудачная 3, затем откат 2 и 1
	assert.Equal(t, "ETH/USDT", orders[2].Symbol)
	assert.Equal(t, "ETH/BTC", orders[3].Symbol)
	assert.Equal(t, models.OrderSideSell, orders[3].Side)
	assert.True(t, orders[3].Amount.Equal(d("0.4")))
	assert.Equal(t, "BTC/USDT", orders[4].Symbol)
	assert.Equal(t, models.OrderSideSell, orders[4].Side)
	assert.True(t, orders[4].Amount.Equal(d("0.02")))

	assert.Equal(t, []string{models.NotificationTypeLegFail}, notes.types())
}

func TestExecute_FirstLegFailureSendsNothingElse(t *testing.T) {
	alpha, beta := pairMarkets()
	alpha.orderErr = errors.New("rejected")
	e := newTestExecutor(t, nil, alpha, beta)

	res := e.Execute(context.Background(), []Leg{
		{Exchange: "alpha", Pair: "BTC/USDT", Side: models.OrderSideBuy, Amount: d("1"), Price: d("100")},
		{Exchange: "beta", Pair: "BTC/USDT", Side: models.OrderSideSell, Amount: d("1"), Price: d("101")},
	})

	assert.Equal(t, 0, res.FailedLeg)
	assert.Empty(t, res.Fills)
	assert.False(t, res.Unwound)
	assert.Empty(t, beta.placed())
}

func TestExecute_UnwindFailureIsCritical(t *testing.T) {
	alpha, beta := pairMarkets()
	// покупка проходит, все попытки отката - нет
	alpha.orderErrs = []error{nil}
	alpha.orderErr = errors.New("exchange unavailable")
	beta.orderErr = errors.New("rejected")

	notes := &recordingNotifier{}
	e := newTestExecutor(t, notes, alpha, beta)

	res := e.Execute(context.Background(), []Leg{
		{Exchange: "alpha", Pair: "BTC/USDT", Side: models.OrderSideBuy, Amount: d("1"), Price: d("100")},
		{Exchange: "beta", Pair: "BTC/USDT", Side: models.OrderSideSell, Amount: d("1"), Price: d("101")},
	})

	assert.Equal(t, 1, res.FailedLeg)
	assert.False(t, res.Unwound)
	assert.ErrorIs(t, res.UnwindErr, ErrUnwindFailed)
	// 1 ордер ноги + 3 попытки отката
	assert.Len(t, alpha.placed(), 4)

	assert.Equal(t, []string{models.NotificationTypeLegFail, models.NotificationTypeUnwindFail}, notes.types())
	notes.mu.Lock()
	assert.Equal(t, models.SeverityCritical, notes.items[1].Severity)
	notes.mu.Unlock()
}

func TestExecute_UnwindSurvivesCancelledExecution(t *testing.T) {
	alpha, beta := pairMarkets()
	beta.orderErr = context.Canceled
	e := newTestExecutor(t, nil, alpha, beta)

	// контекст исполнения уже отменён, откат всё равно отправляется
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := e.Execute(ctx, []Leg{
		{Exchange: "alpha", Pair: "BTC/USDT", Side: models.OrderSideBuy, Amount: d("1"), Price: d("100")},
		{Exchange: "beta", Pair: "BTC/USDT", Side: models.OrderSideSell, Amount: d("1"), Price: d("101")},
	})

	assert.True(t, res.Unwound)
	assert.Len(t, alpha.placed(), 2)
}

func TestExecute_UnwindRetryKeepsClientID(t *testing.T) {
	alpha, beta := pairMarkets()
	// покупка проходит, первый откат исполнен, но ответ потерян по таймауту
	alpha.orderErrs = []error{nil, context.DeadlineExceeded}
	beta.orderErr = errors.New("rejected")
	e := newTestExecutor(t, nil, alpha, beta)

	res := e.Execute(context.Background(), []Leg{
		{Exchange: "alpha", Pair: "BTC/USDT", Side: models.OrderSideBuy, Amount: d("2"), Price: d("100")},
		{Exchange: "beta", Pair: "BTC/USDT", Side: models.OrderSideSell, Amount: d("2"), Price: d("101")},
	})

	assert.True(t, res.Unwound)
	assert.NoError(t, res.UnwindErr)

	orders := alpha.placed()
	require.Len(t, orders, 3)
	assert.Equal(t, models.OrderSideSell, orders[1].Side)
	assert.Equal(t, orders[1].ClientID, orders[2].ClientID)
	assert.NotEqual(t, orders[0].ClientID, orders[1].ClientID)

	// на бирже одна покупка и одна продажа
	alpha.mu.Lock()
	assert.Equal(t, 2, alpha.ordered)
	alpha.mu.Unlock()
}

func TestExecute_UnfilledOrder(t *testing.T) {
	alpha, _ := pairMarkets()
	alpha.status = models.OrderStatusRejected
	e := newTestExecutor(t, nil, alpha)

	res := e.Execute(context.Background(), []Leg{
		{Exchange: "alpha", Pair: "BTC/USDT", Side: models.OrderSideBuy, Amount: d("1"), Price: d("100")},
	})
	assert.ErrorIs(t, res.Err, ErrOrderNotFilled)
}

func TestExecute_UnknownExchange(t *testing.T) {
	e := newTestExecutor(t, nil)
	res := e.Execute(context.Background(), []Leg{
		{Exchange: "ghost", Pair: "BTC/USDT", Side: models.OrderSideBuy, Amount: d("1")},
	})
	assert.ErrorIs(t, res.Err, ErrUnknownExchange)
}

func TestExecute_SplitsLegByLiquidity(t *testing.T) {
	alpha, _ := pairMarkets()
	e := newTestExecutor(t, nil, alpha)
	e.liquidity = splitAll{}
	e.market.SetBook("alpha", "BTC/USDT", book("BTC/USDT", []string{"99.9:50"}, []string{"100:50"}))

	res := e.Execute(context.Background(), []Leg{
		{Exchange: "alpha", Pair: "BTC/USDT", Side: models.OrderSideBuy, Amount: d("3"), Price: d("100")},
	})
	require.True(t, res.Completed())
	require.Len(t, res.Fills, 1)
	assert.Len(t, res.Fills[0].Orders, 2)
	assert.True(t, res.Fills[0].Filled.Equal(d("3")))

	orders := alpha.placed()
	require.Len(t, orders, 2)
	assert.True(t, orders[0].Amount.Equal(d("1.5")))
	assert.NotEqual(t, orders[0].ClientID, orders[1].ClientID)
}

func TestChainedAmount(t *testing.T) {
	buyBTC := LegFill{Leg: Leg{Side: models.OrderSideBuy}, Filled: d("0.02"), AvgPrice: d("50000")}
	next := Leg{Side: models.OrderSideBuy, Price: d("0.05")}
	assert.True(t, chainedAmount(buyBTC, next).Equal(d("0.4")))

	sellETH := LegFill{Leg: Leg{Side: models.OrderSideSell}, Filled: d("2"), AvgPrice: d("0.05")}
	assert.True(t, chainedAmount(sellETH, Leg{Side: models.OrderSideSell}).Equal(d("0.1")))

	assert.True(t, chainedAmount(buyBTC, Leg{Side: models.OrderSideBuy}).IsZero())
}

func TestClosePosition(t *testing.T) {
	alpha, _ := pairMarkets()
	e := newTestExecutor(t, nil, alpha)

	price, _, err := e.ClosePosition(context.Background(), models.Position{
		ID: "p1", Symbol: "BTC/USDT", Side: models.SideLong, ExchangeID: "alpha", Amount: d("1"),
	})
	require.NoError(t, err)
	assert.True(t, price.Equal(d("99.9")))

	price, _, err = e.ClosePosition(context.Background(), models.Position{
		ID: "p2", Symbol: "BTC/USDT", Side: models.SideShort, ExchangeID: "alpha", Amount: d("1"),
	})
	require.NoError(t, err)
	assert.True(t, price.Equal(d("100")))

	orders := alpha.placed()
	assert.Equal(t, models.OrderSideSell, orders[0].Side)
	assert.Equal(t, models.OrderSideBuy, orders[1].Side)

	alpha.orderErr = errors.New("rejected")
	_, _, err = e.ClosePosition(context.Background(), models.Position{
		ID: "p3", Symbol: "BTC/USDT", Side: models.SideLong, ExchangeID: "alpha", Amount: d("1"),
	})
	assert.Error(t, err)
}
