package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"riskengine/internal/exchange"
	"riskengine/internal/models"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// book строит стакан из пар "цена:объём"
func book(symbol string, bids, asks []string) *models.OrderBook {
	parse := func(levels []string) []models.PriceLevel {
		out := make([]models.PriceLevel, 0, len(levels))
		for _, l := range levels {
			price, amount, _ := strings.Cut(l, ":")
			out = append(out, models.PriceLevel{Price: d(price), Amount: d(amount)})
		}
		return out
	}
	return &models.OrderBook{Symbol: symbol, Bids: parse(bids), Asks: parse(asks)}
}

// mockExchange - биржа в памяти: стаканы, сделки, балансы и сценарий
// ошибок ордеров. Рыночный ордер исполняется полностью по лучшей цене.
type mockExchange struct {
	name string

	mu        sync.Mutex
	books     map[string]*models.OrderBook
	bookQueue map[string][]*models.OrderBook // отдаются раньше books
	trades    map[string][]models.Trade
	balances  map[string]decimal.Decimal
	bookErr   error
	// bookErrAfter > 0: bookErr возвращается начиная с запроса номер
	// bookErrAfter+1, первые проходят
	bookErrAfter int
	bookCalls    int

	orderErrs []error // по одной на вызов CreateOrder, nil - успех
	orderErr  error   // после исчерпания orderErrs
	status    string  // статус ответа, по умолчанию filled

	orders   []exchange.OrderRequest
	ordered  int
	accepted map[string]bool // ClientID принятых ордеров
}

func newMockExchange(name string) *mockExchange {
	return &mockExchange{
		name:      name,
		books:     make(map[string]*models.OrderBook),
		bookQueue: make(map[string][]*models.OrderBook),
		trades:    make(map[string][]models.Trade),
		balances:  make(map[string]decimal.Decimal),
		accepted:  make(map[string]bool),
	}
}

func (m *mockExchange) setBook(ob *models.OrderBook) {
	m.mu.Lock()
	m.books[ob.Symbol] = ob
	m.mu.Unlock()
}

func (m *mockExchange) setBalance(currency, amount string) {
	m.mu.Lock()
	m.balances[currency] = d(amount)
	m.mu.Unlock()
}

func (m *mockExchange) placed() []exchange.OrderRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]exchange.OrderRequest(nil), m.orders...)
}

func (m *mockExchange) Name() string { return m.name }

func (m *mockExchange) GetTicker(ctx context.Context, symbol string) (*models.Ticker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ob, ok := m.books[symbol]
	if !ok {
		return nil, fmt.Errorf("no market %s", symbol)
	}
	bid, _ := ob.BestBid()
	ask, _ := ob.BestAsk()
	return &models.Ticker{Symbol: symbol, Bid: bid, Ask: ask}, nil
}

func (m *mockExchange) GetOrderBook(ctx context.Context, symbol string, depth int) (*models.OrderBook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bookCalls++
	if m.bookErr != nil && m.bookCalls > m.bookErrAfter {
		return nil, m.bookErr
	}
	if q := m.bookQueue[symbol]; len(q) > 0 {
		m.bookQueue[symbol] = q[1:]
		return q[0].Copy(), nil
	}
	ob, ok := m.books[symbol]
	if !ok {
		return nil, fmt.Errorf("no market %s", symbol)
	}
	return ob.Copy(), nil
}

func (m *mockExchange) GetRecentTrades(ctx context.Context, symbol string, limit int) ([]models.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Trade(nil), m.trades[symbol]...), nil
}

func (m *mockExchange) CreateOrder(ctx context.Context, req exchange.OrderRequest) (*models.Order, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.orders = append(m.orders, req)
	if req.ClientID != "" && m.accepted[req.ClientID] {
		return nil, &exchange.ExchangeError{Exchange: m.name, Code: "110072", Message: "duplicate", Original: exchange.ErrDuplicateOrder}
	}

	var err error
	if len(m.orderErrs) > 0 {
		err = m.orderErrs[0]
		m.orderErrs = m.orderErrs[1:]
	} else {
		err = m.orderErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		// ордер принят, ответ потерян
		m.accepted[req.ClientID] = true
		m.ordered++
	}
	if err != nil {
		return nil, err
	}
	if req.ClientID != "" {
		m.accepted[req.ClientID] = true
	}

	price := decimal.Zero
	if ob, ok := m.books[req.Symbol]; ok {
		if req.Side == models.OrderSideBuy {
			price, _ = ob.BestAsk()
		} else {
			price, _ = ob.BestBid()
		}
	}

	status := m.status
	if status == "" {
		status = models.OrderStatusFilled
	}
	filled := req.Amount
	if status != models.OrderStatusFilled {
		filled = decimal.Zero
	}

	m.ordered++
	return &models.Order{
		ID:       fmt.Sprintf("%s-%d", m.name, m.ordered),
		Exchange: m.name,
		Symbol:   req.Symbol,
		Side:     req.Side,
		Type:     req.Type,
		Amount:   req.Amount,
		Filled:   filled,
		AvgPrice: price,
		Status:   status,
	}, nil
}

func (m *mockExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	return nil
}

func (m *mockExchange) GetBalance(ctx context.Context, currency string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bal, ok := m.balances[currency]
	if !ok {
		return decimal.Zero, errors.New("no balance for " + currency)
	}
	return bal, nil
}

func (m *mockExchange) Close() error { return nil }

// recordingNotifier собирает уведомления
type recordingNotifier struct {
	mu    sync.Mutex
	items []*models.Notification
}

func (r *recordingNotifier) Notify(n *models.Notification) {
	r.mu.Lock()
	r.items = append(r.items, n)
	r.mu.Unlock()
}

func (r *recordingNotifier) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.items))
	for _, n := range r.items {
		out = append(out, n.Type)
	}
	return out
}
