package utils

import (
	"math"

	"github.com/shopspring/decimal"
)

// math.go - decimal-утилиты для денежных расчётов
//
// Все денежные величины в движке - decimal.Decimal. float64 допускается
// только там, где нужен sqrt (см. Sqrt), и результат сразу возвращается в decimal.
//
// Функции:
// - RoundToStep / TruncatePlaces: округление объёма вниз
// - Clamp, Min, Max: ограничения
// - RelativeChange: относительное изменение цены
// - WeightedAverage: средневзвешенная цена (VWAP)
// - SplitEqual: деление объёма на части с точной суммой
// - Mean, SampleStdDev, ZScore: статистика для спредов

var (
	// Sentinel - значение "недостижимо" для спреда, проскальзывания и т.п.
	Sentinel = decimal.NewFromInt(999)

	Two     = decimal.NewFromInt(2)
	Hundred = decimal.NewFromInt(100)
)

// RoundToStep округляет значение ВНИЗ до кратного step.
// step <= 0 - значение возвращается без изменений.
//
// Примеры:
//   - RoundToStep(0.123456, 0.001) = 0.123
//   - RoundToStep(100.5, 1) = 100
func RoundToStep(value, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return value
	}
	return value.Div(step).Floor().Mul(step)
}

// TruncatePlaces отбрасывает знаки после places без округления
func TruncatePlaces(value decimal.Decimal, places int32) decimal.Decimal {
	return value.Truncate(places)
}

// Clamp ограничивает значение отрезком [lo, hi]
func Clamp(value, lo, hi decimal.Decimal) decimal.Decimal {
	if value.LessThan(lo) {
		return lo
	}
	if value.GreaterThan(hi) {
		return hi
	}
	return value
}

// Min возвращает меньшее из значений
func Min(a decimal.Decimal, rest ...decimal.Decimal) decimal.Decimal {
	return decimal.Min(a, rest...)
}

// Max возвращает большее из значений
func Max(a decimal.Decimal, rest ...decimal.Decimal) decimal.Decimal {
	return decimal.Max(a, rest...)
}

// RelativeChange = (to - from) / from; from <= 0 - ноль
func RelativeChange(from, to decimal.Decimal) decimal.Decimal {
	if !from.IsPositive() {
		return decimal.Zero
	}
	return to.Sub(from).Div(from)
}

// WeightedAverage - средневзвешенное значение.
// Пустые входы, разная длина или нулевая сумма весов - ноль.
func WeightedAverage(values, weights []decimal.Decimal) decimal.Decimal {
	if len(values) == 0 || len(values) != len(weights) {
		return decimal.Zero
	}

	sum := decimal.Zero
	total := decimal.Zero
	for i := range values {
		sum = sum.Add(values[i].Mul(weights[i]))
		total = total.Add(weights[i])
	}
	if total.IsZero() {
		return decimal.Zero
	}
	return sum.Div(total)
}

// SplitEqual делит total на parts равных частей, усечённых до places знаков.
// Последняя часть забирает остаток, поэтому сумма частей строго равна total.
//
// Пример: SplitEqual(1, 3, 8) = [0.33333333, 0.33333333, 0.33333334]
func SplitEqual(total decimal.Decimal, parts int, places int32) []decimal.Decimal {
	if parts <= 0 {
		return nil
	}
	if parts == 1 {
		return []decimal.Decimal{total}
	}

	part := total.Div(decimal.NewFromInt(int64(parts))).Truncate(places)
	out := make([]decimal.Decimal, parts)
	allocated := decimal.Zero
	for i := 0; i < parts-1; i++ {
		out[i] = part
		allocated = allocated.Add(part)
	}
	out[parts-1] = total.Sub(allocated)
	return out
}

// Sqrt - квадратный корень через float64.
// Точности float64 (~15 значащих цифр) достаточно для волатильности и std;
// отрицательный аргумент даёт ноль.
func Sqrt(d decimal.Decimal) decimal.Decimal {
	if !d.IsPositive() {
		return decimal.Zero
	}
	f, _ := d.Float64()
	return decimal.NewFromFloat(math.Sqrt(f))
}

// Mean - среднее арифметическое
func Mean(values []decimal.Decimal) decimal.Decimal {
	if len(values) == 0 {
		return decimal.Zero
	}
	return decimal.Sum(decimal.Zero, values...).Div(decimal.NewFromInt(int64(len(values))))
}

// SampleStdDev - выборочное стандартное отклонение (n-1).
// Меньше двух значений - ноль.
func SampleStdDev(values []decimal.Decimal) decimal.Decimal {
	if len(values) < 2 {
		return decimal.Zero
	}
	mean := Mean(values)
	sq := decimal.Zero
	for _, v := range values {
		d := v.Sub(mean)
		sq = sq.Add(d.Mul(d))
	}
	return Sqrt(sq.Div(decimal.NewFromInt(int64(len(values) - 1))))
}

// ZScore последнего значения ряда. Вырожденный ряд (std = 0) - ноль.
func ZScore(values []decimal.Decimal) decimal.Decimal {
	if len(values) < 2 {
		return decimal.Zero
	}
	std := SampleStdDev(values)
	if std.IsZero() {
		return decimal.Zero
	}
	return values[len(values)-1].Sub(Mean(values)).Div(std)
}
