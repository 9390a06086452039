package bot

import (
	"sync"
	"time"

	"riskengine/internal/models"
)

// marketKey - биржа и пара
type marketKey struct {
	Exchange string
	Pair     string
}

type marketEntry struct {
	book      *models.OrderBook
	trades    []models.Trade
	updatedAt time.Time
}

// MarketCache хранит последние снимки стакана и сделок по (биржа, пара).
//
// Писатель по ключу один - задача обновления этой пары; читатели всегда
// получают копии. Размер ограничен, при переполнении вытесняется самый
// старый ключ.
type MarketCache struct {
	mu      sync.RWMutex
	entries map[marketKey]*marketEntry
	order   []marketKey
	max     int
	now     func() time.Time
}

// NewMarketCache создаёт кэш на maxEntries ключей
func NewMarketCache(maxEntries int) *MarketCache {
	if maxEntries <= 0 {
		maxEntries = 512
	}
	return &MarketCache{
		entries: make(map[marketKey]*marketEntry),
		max:     maxEntries,
		now:     time.Now,
	}
}

// entryLocked возвращает запись ключа, создавая её при необходимости
func (c *MarketCache) entryLocked(k marketKey) *marketEntry {
	if e, ok := c.entries[k]; ok {
		return e
	}
	e := &marketEntry{}
	c.entries[k] = e
	c.order = append(c.order, k)
	for len(c.order) > c.max {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	return e
}

// SetBook сохраняет снимок стакана
func (c *MarketCache) SetBook(exchange, pair string, book *models.OrderBook) {
	if book == nil {
		return
	}
	snapshot := book.Copy()

	c.mu.Lock()
	e := c.entryLocked(marketKey{exchange, pair})
	e.book = snapshot
	e.updatedAt = c.now()
	c.mu.Unlock()
}

// SetTrades сохраняет последние сделки (старые первыми)
func (c *MarketCache) SetTrades(exchange, pair string, trades []models.Trade) {
	snapshot := append([]models.Trade(nil), trades...)

	c.mu.Lock()
	e := c.entryLocked(marketKey{exchange, pair})
	e.trades = snapshot
	e.updatedAt = c.now()
	c.mu.Unlock()
}

// Book возвращает копию стакана
func (c *MarketCache) Book(exchange, pair string) (*models.OrderBook, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[marketKey{exchange, pair}]
	if !ok || e.book == nil {
		return nil, false
	}
	return e.book.Copy(), true
}

// Trades возвращает копию последних сделок
func (c *MarketCache) Trades(exchange, pair string) []models.Trade {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[marketKey{exchange, pair}]
	if !ok {
		return nil
	}
	return append([]models.Trade(nil), e.trades...)
}

// UpdatedAt - время последней записи по ключу
func (c *MarketCache) UpdatedAt(exchange, pair string) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[marketKey{exchange, pair}]
	if !ok {
		return time.Time{}, false
	}
	return e.updatedAt, true
}

// Len - количество ключей
func (c *MarketCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
