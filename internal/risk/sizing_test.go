package risk

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riskengine/internal/models"
)

func newSizer() *PositionSizer {
	return NewPositionSizer(DefaultSizingConfig(), nil)
}

func TestSize_Methods(t *testing.T) {
	s := newSizer()
	balance := d("10000")

	tests := []struct {
		name   string
		price  string
		vol    *decimal.Decimal
		stop   *decimal.Decimal
		method SizingMethod
		want   string
	}{
		// риск 100 / расстояние 1000 = 0.1, лимит 10000×0.1/50000 = 0.02
		{"fixed risk clamped", "50000", nil, Dec(d("49000")), SizingFixedRisk, "0.02"},
		// риск 100 / 10 = 10, лимит 10000×0.1/100 = 10
		{"fixed risk at limit", "100", nil, Dec(d("90")), SizingFixedRisk, "10"},
		// риск 100 / 20 = 5
		{"fixed risk below limit", "100", nil, Dec(d("80")), SizingFixedRisk, "5"},
		// без стопа: стоп 99, риск 100/1 = 100 -> лимит 10
		{"fixed risk default stop", "100", nil, nil, SizingFixedRisk, "10"},
		// 10000/5/100 = 20 -> лимит 10
		{"equal weight", "100", nil, nil, SizingEqualWeight, "10"},
		{"unknown method", "100", nil, Dec(d("80")), SizingMethod("martingale"), "5"},
		{"kelly without volatility", "100", nil, nil, SizingKelly, "10"},
		// vol 0.09: p = 0.1 -> kelly < 0 -> 0
		{"kelly high volatility", "100", Dec(d("0.09")), nil, SizingKelly, "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.Size(balance, d(tt.price), tt.vol, tt.stop, tt.method)
			assert.True(t, got.Equal(d(tt.want)), "got %s, want %s", got, tt.want)
		})
	}
}

func TestSize_InvalidInputs(t *testing.T) {
	s := newSizer()

	assert.True(t, s.Size(decimal.Zero, d("100"), nil, nil, SizingFixedRisk).IsZero())
	assert.True(t, s.Size(d("-1"), d("100"), nil, nil, SizingFixedRisk).IsZero())
	assert.True(t, s.Size(d("1000"), decimal.Zero, nil, nil, SizingFixedRisk).IsZero())
	assert.True(t, s.Size(d("1000"), d("100"), Dec(d("-0.1")), nil, SizingKelly).IsZero())
	assert.True(t, s.Size(d("1000"), d("100"), nil, Dec(decimal.Zero), SizingFixedRisk).IsZero())
	// стоп совпадает с ценой - нулевой риск
	assert.True(t, s.Size(d("1000"), d("100"), nil, Dec(d("100")), SizingFixedRisk).IsZero())
}

func TestKellyFraction_Bounded(t *testing.T) {
	s := newSizer()
	limit := d("0.5")
	balance := d("25000")
	price := d("321.5")
	maxSize := balance.Mul(s.Config().MaxPositionSizePct).Div(price)

	for i := 0; i <= 100; i++ {
		vol := decimal.NewFromInt(int64(i)).Div(decimal.NewFromInt(100))

		f := s.KellyFraction(vol)
		require.True(t, f.GreaterThanOrEqual(decimal.Zero), "vol %s: fraction %s < 0", vol, f)
		require.True(t, f.LessThanOrEqual(limit), "vol %s: fraction %s > 0.5", vol, f)

		size := s.Size(balance, price, Dec(vol), nil, SizingKelly)
		require.True(t, size.LessThanOrEqual(maxSize), "vol %s: size %s > %s", vol, size, maxSize)
	}
}

func TestSize_KellyZeroVolatility(t *testing.T) {
	cfg := DefaultSizingConfig()
	cfg.MaxPositionSizePct = d("0.5")
	s := NewPositionSizer(cfg, nil)

	// vol 0 входит в область Kelly: p = 0.55, f = (1.1 - 0.45)/2 × 0.5 = 0.1625
	assert.True(t, s.KellyFraction(decimal.Zero).Equal(d("0.1625")))
	// 1000 × 0.1625 / 100; fixed_risk дал бы лимит 5
	size := s.Size(d("1000"), d("100"), Dec(decimal.Zero), nil, SizingKelly)
	assert.True(t, size.Equal(d("1.625")), "got %s", size)

	// без волатильности - fixed_risk
	size = s.Size(d("1000"), d("100"), nil, nil, SizingKelly)
	assert.True(t, size.Equal(d("5")), "got %s", size)
}

func TestKellyFraction_Values(t *testing.T) {
	s := newSizer()
	// vol 0.01: p = 0.5, f = (2×0.5 - 0.5)/2 × 0.5 = 0.125
	assert.True(t, s.KellyFraction(d("0.01")).Equal(d("0.125")))
	// отрицательная волатильность: p = 0.9, f = (1.8 - 0.1)/2 × 0.5 = 0.425
	assert.True(t, s.KellyFraction(d("-1")).Equal(d("0.425")))
}

func TestAdjustForCorrelation(t *testing.T) {
	s := newSizer()
	size := d("10")

	open := []models.Position{
		{Symbol: "BTC/USDT", Status: models.PositionStatusOpen},
		{Symbol: "ETH/USDT", Status: models.PositionStatusOpen},
	}

	// BTC/USDT: тот же символ (1.0) -> ×0.5; ETH - 0
	got := s.AdjustForCorrelation(size, "BTC/USDT", open)
	assert.True(t, got.Equal(d("5")), "got %s", got)

	// BTC/USDC: общий base (0.8) -> ×0.6
	got = s.AdjustForCorrelation(size, "BTC/USDC", open)
	assert.True(t, got.Equal(d("6")), "got %s", got)

	got = s.AdjustForCorrelation(size, "SOL/USDT", open)
	assert.True(t, got.Equal(size))

	closed := []models.Position{{Symbol: "BTC/USDT", Status: models.PositionStatusClosed}}
	assert.True(t, s.AdjustForCorrelation(size, "BTC/USDT", closed).Equal(size))
}

func TestAdjustForCorrelation_NeverIncreases(t *testing.T) {
	s := newSizer().WithCorrelation(func(a, b string) decimal.Decimal {
		return d("-3") // некорректный источник
	})
	open := []models.Position{{Symbol: "X", Status: models.PositionStatusOpen}}

	got := s.AdjustForCorrelation(d("10"), "Y", open)
	assert.True(t, got.LessThanOrEqual(d("10")))
	assert.False(t, got.IsNegative())
}

func TestAdjustForVolatility(t *testing.T) {
	s := newSizer()

	assert.True(t, s.AdjustForVolatility(d("10"), d("0.04"), d("0.02")).Equal(d("5")))
	assert.True(t, s.AdjustForVolatility(d("10"), d("0.01"), d("0.02")).Equal(d("20")))
	assert.True(t, s.AdjustForVolatility(d("10"), d("0.04"), decimal.Zero).Equal(d("10")))
	assert.True(t, s.AdjustForVolatility(d("10"), decimal.Zero, d("0.02")).Equal(d("10")))
}
