package bot

import (
	"sort"

	"github.com/shopspring/decimal"

	"riskengine/internal/models"
	"riskengine/pkg/utils"
)

var one = decimal.NewFromInt(1)

// ============================================================
// Треугольники
// ============================================================

// Triangle - три пары, образующие цикл из трёх валют.
//
// Start - валюта, с которой начинается и которой заканчивается цикл:
// та, что чаще других выступает котируемой.
type Triangle struct {
	Pairs [3]string
	Start string
	Other [2]string // две остальные валюты по алфавиту
}

// FindTriangles находит все треугольники среди пар вида BASE/QUOTE.
// Пары другого формата и дубли игнорируются.
func FindTriangles(pairs []string) []Triangle {
	type parsed struct {
		symbol, base, quote string
	}

	seen := make(map[string]bool)
	var list []parsed
	for _, p := range pairs {
		base, quote, ok := models.SplitSymbol(p)
		if !ok || base == quote || seen[base+"/"+quote] {
			continue
		}
		seen[base+"/"+quote] = true
		list = append(list, parsed{symbol: p, base: base, quote: quote})
	}

	var out []Triangle
	for i := 0; i < len(list); i++ {
		for j := i + 1; j < len(list); j++ {
			for k := j + 1; k < len(list); k++ {
				trio := [3]parsed{list[i], list[j], list[k]}

				counts := make(map[string]int)
				quoted := make(map[string]int)
				for _, p := range trio {
					counts[p.base]++
					counts[p.quote]++
					quoted[p.quote]++
				}
				if len(counts) != 3 {
					continue
				}
				cycle := true
				for _, n := range counts {
					if n != 2 {
						cycle = false
					}
				}
				if !cycle {
					continue
				}

				currencies := make([]string, 0, 3)
				for c := range counts {
					currencies = append(currencies, c)
				}
				sort.Strings(currencies)
				start := currencies[0]
				for _, c := range currencies[1:] {
					if quoted[c] > quoted[start] {
						start = c
					}
				}

				t := Triangle{Start: start}
				idx := 0
				for _, c := range currencies {
					if c != start {
						t.Other[idx] = c
						idx++
					}
				}
				for n, p := range trio {
					t.Pairs[n] = p.symbol
				}
				out = append(out, t)
			}
		}
	}
	return out
}

// Paths возвращает оба направления обхода: Start → Other[0] → Other[1] → Start
// и обратное
func (t Triangle) Paths() [2][]models.TriangleStep {
	forward := []string{t.Start, t.Other[0], t.Other[1], t.Start}
	backward := []string{t.Start, t.Other[1], t.Other[0], t.Start}
	return [2][]models.TriangleStep{t.path(forward), t.path(backward)}
}

func (t Triangle) path(currencies []string) []models.TriangleStep {
	steps := make([]models.TriangleStep, 0, 3)
	for i := 0; i < 3; i++ {
		from, to := currencies[i], currencies[i+1]
		for _, p := range t.Pairs {
			base, quote, _ := models.SplitSymbol(p)
			if base == to && quote == from {
				steps = append(steps, models.TriangleStep{Pair: p, Side: models.OrderSideBuy})
				break
			}
			if base == from && quote == to {
				steps = append(steps, models.TriangleStep{Pair: p, Side: models.OrderSideSell})
				break
			}
		}
	}
	return steps
}

// BookSource - источник снимков стакана
type BookSource func(exchange, pair string) (*models.OrderBook, bool)

// stepRate - курс одной конвертации: 1/ask для покупки, bid для продажи
func stepRate(book *models.OrderBook, side models.OrderSide) (decimal.Decimal, bool) {
	if side == models.OrderSideBuy {
		ask, ok := book.BestAsk()
		if !ok || !ask.IsPositive() {
			return decimal.Zero, false
		}
		return one.Div(ask), true
	}
	bid, ok := book.BestBid()
	if !ok || !bid.IsPositive() {
		return decimal.Zero, false
	}
	return bid, true
}

// TriangularProfit = произведение курсов по циклу - 1.
// false если у какого-то стакана нет нужной стороны.
func TriangularProfit(books BookSource, exchange string, path []models.TriangleStep) (decimal.Decimal, bool) {
	if len(path) != 3 {
		return decimal.Zero, false
	}
	product := one
	for _, step := range path {
		book, ok := books(exchange, step.Pair)
		if !ok {
			return decimal.Zero, false
		}
		rate, ok := stepRate(book, step.Side)
		if !ok {
			return decimal.Zero, false
		}
		product = product.Mul(rate)
	}
	return product.Sub(one), true
}

// ============================================================
// Межбиржевой арбитраж
// ============================================================

// CrossProfit возвращает лучшее из двух направлений:
// покупка на ex1 и продажа на ex2 (bid2/ask1 - 1) или наоборот (bid1/ask2 - 1).
func CrossProfit(book1, book2 *models.OrderBook) (profit decimal.Decimal, buyFirst bool, ok bool) {
	bid1, okBid1 := book1.BestBid()
	ask1, okAsk1 := book1.BestAsk()
	bid2, okBid2 := book2.BestBid()
	ask2, okAsk2 := book2.BestAsk()

	candidates := 0
	best := decimal.Zero
	if okAsk1 && okBid2 && ask1.IsPositive() {
		best = bid2.Div(ask1).Sub(one)
		buyFirst = true
		candidates++
	}
	if okAsk2 && okBid1 && ask2.IsPositive() {
		p := bid1.Div(ask2).Sub(one)
		if candidates == 0 || p.GreaterThan(best) {
			best = p
			buyFirst = false
		}
		candidates++
	}
	return best, buyFirst, candidates > 0
}

// ============================================================
// Статистический арбитраж
// ============================================================

// PriceRatios строит ряд отношений цен по выровненным с конца историям сделок
func PriceRatios(trades1, trades2 []models.Trade) []decimal.Decimal {
	n := len(trades1)
	if len(trades2) < n {
		n = len(trades2)
	}
	trades1 = trades1[len(trades1)-n:]
	trades2 = trades2[len(trades2)-n:]

	ratios := make([]decimal.Decimal, 0, n)
	for i := 0; i < n; i++ {
		if !trades2[i].Price.IsPositive() {
			continue
		}
		ratios = append(ratios, trades1[i].Price.Div(trades2[i].Price))
	}
	return ratios
}

// SpreadZScore - z-score последнего отношения цен и его отклонение от
// среднего (ожидаемая доходность возврата к среднему)
func SpreadZScore(trades1, trades2 []models.Trade) (z, deviation decimal.Decimal) {
	ratios := PriceRatios(trades1, trades2)
	if len(ratios) < 2 {
		return decimal.Zero, decimal.Zero
	}
	z = utils.ZScore(ratios)

	mean := utils.Mean(ratios)
	if mean.IsPositive() {
		deviation = ratios[len(ratios)-1].Div(mean).Sub(one).Abs()
	}
	return z, deviation
}

// ============================================================
// Выбор лучшего
// ============================================================

// bestByScore возвращает возможность с наибольшим Score
func bestByScore(opps []models.ArbitrageOpportunity) (models.ArbitrageOpportunity, bool) {
	if len(opps) == 0 {
		return models.ArbitrageOpportunity{}, false
	}
	best := opps[0]
	for _, o := range opps[1:] {
		if o.Score().GreaterThan(best.Score()) {
			best = o
		}
	}
	return best, true
}

// bestByProfit выбирает среди лучших по типам самую прибыльную
func bestByProfit(opps []models.ArbitrageOpportunity) (models.ArbitrageOpportunity, bool) {
	if len(opps) == 0 {
		return models.ArbitrageOpportunity{}, false
	}
	best := opps[0]
	for _, o := range opps[1:] {
		if o.Profit.GreaterThan(best.Profit) {
			best = o
		}
	}
	return best, true
}

// executableSize - суммарный объём уровней, цена которых отклоняется от
// первой не больше чем на maxSlippage
func executableSize(levels []models.PriceLevel, maxSlippage decimal.Decimal) decimal.Decimal {
	if len(levels) == 0 || !levels[0].Price.IsPositive() {
		return decimal.Zero
	}
	first := levels[0].Price
	size := decimal.Zero
	for _, l := range levels {
		if l.Price.Sub(first).Abs().Div(first).GreaterThan(maxSlippage) {
			break
		}
		size = size.Add(l.Amount)
	}
	return size
}

// topAmount - объём первых n уровней
func topAmount(levels []models.PriceLevel, n int) decimal.Decimal {
	if n > len(levels) {
		n = len(levels)
	}
	total := decimal.Zero
	for _, l := range levels[:n] {
		total = total.Add(l.Amount)
	}
	return total
}

// tradeVolume - суммарный объём сделок
func tradeVolume(trades []models.Trade) decimal.Decimal {
	total := decimal.Zero
	for _, t := range trades {
		total = total.Add(t.Amount)
	}
	return total
}
