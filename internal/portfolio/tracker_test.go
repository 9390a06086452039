package portfolio

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riskengine/internal/models"
	"riskengine/internal/risk"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func openBTC(t *testing.T, tr *PositionTracker) *models.Position {
	t.Helper()
	pos, err := tr.Open("BTC/USD", d("50000"), d("1"), models.SideLong, d("49000"), d("0.01"), "bybit", d("10"))
	require.NoError(t, err)
	return pos
}

func TestOpen_Validation(t *testing.T) {
	tr := NewPositionTracker(nil, nil)

	tests := []struct {
		name    string
		price   string
		amount  string
		side    models.Side
		wantErr error
	}{
		{"zero amount", "100", "0", models.SideLong, risk.ErrInvalidAmount},
		{"negative amount", "100", "-1", models.SideLong, risk.ErrInvalidAmount},
		{"zero price", "0", "1", models.SideLong, risk.ErrInvalidPrice},
		{"bad side", "100", "1", models.Side("up"), risk.ErrInvalidSide},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pos, err := tr.Open("X", d(tt.price), d(tt.amount), tt.side, decimal.Zero, decimal.Zero, "ex", decimal.Zero)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Nil(t, pos)
		})
	}
	assert.Zero(t, tr.Count())
}

func TestOpen_InitialState(t *testing.T) {
	tr := NewPositionTracker(nil, nil)
	a := openBTC(t, tr)
	b := openBTC(t, tr)

	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, models.PositionStatusOpen, a.Status)
	assert.True(t, a.CurrentPrice.Equal(d("50000")))
	assert.True(t, a.HighestPrice.Equal(d("50000")))
	assert.True(t, a.LowestPrice.Equal(d("50000")))
	assert.Equal(t, 2, tr.Count())

	// возвращается копия
	a.StopLoss = d("1")
	got, ok := tr.Get(a.ID)
	require.True(t, ok)
	assert.True(t, got.StopLoss.Equal(d("49000")))
}

func TestUpdatePrice_TrailingScenario(t *testing.T) {
	tr := NewPositionTracker(nil, nil)
	pos := openBTC(t, tr)

	triggered := tr.UpdatePrice("BTC/USD", d("51000"))
	assert.Empty(t, triggered)

	got, _ := tr.Get(pos.ID)
	assert.True(t, got.StopLoss.Equal(d("50490")), "stop %s", got.StopLoss)
	assert.True(t, got.HighestPrice.Equal(d("51000")))
	// (51000-50000)×1 - 10
	assert.True(t, got.UnrealizedPnl.Equal(d("990")), "pnl %s", got.UnrealizedPnl)

	triggered = tr.UpdatePrice("BTC/USD", d("49000"))
	assert.Equal(t, []string{pos.ID}, triggered)

	got, _ = tr.Get(pos.ID)
	assert.True(t, got.StopLoss.Equal(d("50490")), "stop regressed to %s", got.StopLoss)
	assert.True(t, got.LowestPrice.Equal(d("49000")))
}

func TestUpdatePrice_StopTrigger(t *testing.T) {
	tr := NewPositionTracker(nil, nil)
	pos, err := tr.Open("BTC/USD", d("50000"), d("1"), models.SideLong, d("49000"), decimal.Zero, "bybit", decimal.Zero)
	require.NoError(t, err)

	assert.Empty(t, tr.UpdatePrice("BTC/USD", d("49001")))
	assert.Equal(t, []string{pos.ID}, tr.UpdatePrice("BTC/USD", d("48999")))

	// без трейлинга стоп не двигается
	got, _ := tr.Get(pos.ID)
	assert.True(t, got.StopLoss.Equal(d("49000")))
}

func TestUpdatePrice_ShortAndOtherSymbols(t *testing.T) {
	tr := NewPositionTracker(nil, nil)
	short, err := tr.Open("ETH/USD", d("3000"), d("2"), models.SideShort, d("3100"), d("0.02"), "bybit", decimal.Zero)
	require.NoError(t, err)
	long := openBTC(t, tr)

	assert.Empty(t, tr.UpdatePrice("ETH/USD", d("2900")))

	got, _ := tr.Get(short.ID)
	// min(3100, 2900×1.02 = 2958)
	assert.True(t, got.StopLoss.Equal(d("2958")), "stop %s", got.StopLoss)
	assert.True(t, got.UnrealizedPnl.Equal(d("200")))

	assert.Equal(t, []string{short.ID}, tr.UpdatePrice("ETH/USD", d("2960")))

	untouched, _ := tr.Get(long.ID)
	assert.True(t, untouched.CurrentPrice.Equal(d("50000")))
}

func TestUpdatePrice_InvalidPrice(t *testing.T) {
	tr := NewPositionTracker(nil, nil)
	pos := openBTC(t, tr)

	assert.Nil(t, tr.UpdatePrice("BTC/USD", decimal.Zero))
	assert.Nil(t, tr.UpdatePrice("BTC/USD", d("-1")))

	got, _ := tr.Get(pos.ID)
	assert.True(t, got.CurrentPrice.Equal(d("50000")))
}

func TestClose_RealizedPnl(t *testing.T) {
	tr := NewPositionTracker(nil, nil)
	pos := openBTC(t, tr)

	var hooked []models.Position
	tr.OnClose(func(p models.Position) { hooked = append(hooked, p) })

	closed := tr.Close(pos.ID, d("51000"), d("10"))
	require.NotNil(t, closed)
	assert.True(t, closed.RealizedPnl.Equal(d("980")), "pnl %s", closed.RealizedPnl)
	assert.True(t, closed.Fees.Equal(d("20")))
	assert.Equal(t, models.PositionStatusClosed, closed.Status)
	require.NotNil(t, closed.ExitTime)

	assert.Zero(t, tr.Count())
	require.Len(t, hooked, 1)
	assert.Equal(t, pos.ID, hooked[0].ID)

	assert.True(t, tr.TotalPnl().Equal(d("980")))
	assert.True(t, tr.PositionValue().IsZero())
}

func TestClose_DoubleCloseIsNoop(t *testing.T) {
	tr := NewPositionTracker(nil, nil)
	pos := openBTC(t, tr)

	require.NotNil(t, tr.Close(pos.ID, d("51000"), d("10")))
	assert.Nil(t, tr.Close(pos.ID, d("52000"), d("10")))
	assert.Nil(t, tr.Close("unknown", d("1"), decimal.Zero))

	assert.Len(t, tr.ClosedPositions(models.PositionFilter{}), 1)
	assert.True(t, tr.TotalPnl().Equal(d("980")))
}

func TestClose_ConcurrentSingleWinner(t *testing.T) {
	tr := NewPositionTracker(nil, nil)
	pos := openBTC(t, tr)

	var wg sync.WaitGroup
	results := make(chan *models.Position, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.UpdatePrice("BTC/USD", d("50500"))
			results <- tr.Close(pos.ID, d("51000"), decimal.Zero)
		}()
	}
	wg.Wait()
	close(results)

	winners := 0
	for r := range results {
		if r != nil {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
	assert.Len(t, tr.ClosedPositions(models.PositionFilter{}), 1)
}

func TestAggregations(t *testing.T) {
	tr := NewPositionTracker(nil, nil)
	openBTC(t, tr)
	_, err := tr.Open("ETH/USD", d("3000"), d("2"), models.SideShort, d("3100"), decimal.Zero, "okx", d("5"))
	require.NoError(t, err)

	tr.UpdatePrice("BTC/USD", d("50500"))
	tr.UpdatePrice("ETH/USD", d("2950"))

	// 50500 + 5900
	assert.True(t, tr.PositionValue().Equal(d("56400")))
	// (500 - 10) + (100 - 5)
	assert.True(t, tr.TotalPnl().Equal(d("585")))
	assert.Len(t, tr.BySymbol("ETH/USD"), 1)
	assert.Len(t, tr.Positions(), 2)
}

func TestClosedPositions_Filters(t *testing.T) {
	tr := NewPositionTracker(nil, nil)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	tr.now = func() time.Time { return now }

	btc := openBTC(t, tr)
	eth, err := tr.Open("ETH/USD", d("3000"), d("1"), models.SideLong, decimal.Zero, decimal.Zero, "okx", decimal.Zero)
	require.NoError(t, err)

	now = base.Add(time.Hour)
	tr.Close(btc.ID, d("50000"), decimal.Zero)
	now = base.Add(3 * time.Hour)
	tr.Close(eth.ID, d("3000"), decimal.Zero)

	assert.Len(t, tr.ClosedPositions(models.PositionFilter{Symbol: "ETH/USD"}), 1)
	assert.Len(t, tr.ClosedPositions(models.PositionFilter{From: base.Add(2 * time.Hour)}), 1)
	assert.Len(t, tr.ClosedPositions(models.PositionFilter{To: base.Add(time.Hour)}), 1)
	assert.Len(t, tr.ClosedPositions(models.PositionFilter{Symbol: "BTC/USD", From: base.Add(2 * time.Hour)}), 0)

	tr.Clear()
	assert.Empty(t, tr.ClosedPositions(models.PositionFilter{}))
	assert.Zero(t, tr.Count())
}
