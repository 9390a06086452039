package handlers

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"riskengine/internal/models"
	"riskengine/internal/risk"
)

var ErrMockDatabase = errors.New("mock database error")

// ============ Mock Notification Store ============

type MockNotificationStore struct {
	mu            sync.Mutex
	notifications []*models.Notification
	nextID        int
	getErr        error
	deleteErr     error

	lastTypes  []string
	lastLimit  int
	lastBefore time.Time
}

func NewMockNotificationStore() *MockNotificationStore {
	return &MockNotificationStore{nextID: 1}
}

func (m *MockNotificationStore) Add(typ, severity, message string, ts time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = append(m.notifications, &models.Notification{
		ID:        m.nextID,
		Timestamp: ts,
		Type:      typ,
		Severity:  severity,
		Message:   message,
	})
	m.nextID++
}

func (m *MockNotificationStore) GetRecentNotifications(ctx context.Context, types []string, limit int) ([]*models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastTypes, m.lastLimit = types, limit
	if m.getErr != nil {
		return nil, m.getErr
	}

	allowed := make(map[string]bool, len(types))
	for _, t := range types {
		allowed[t] = true
	}

	var out []*models.Notification
	for i := len(m.notifications) - 1; i >= 0 && len(out) < limit; i-- {
		n := m.notifications[i]
		if len(types) > 0 && !allowed[n.Type] {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

func (m *MockNotificationStore) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastBefore = before
	if m.deleteErr != nil {
		return 0, m.deleteErr
	}

	kept := m.notifications[:0]
	var deleted int64
	for _, n := range m.notifications {
		if n.Timestamp.Before(before) {
			deleted++
			continue
		}
		kept = append(kept, n)
	}
	m.notifications = kept
	return deleted, nil
}

func (m *MockNotificationStore) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.notifications)
}

// ============ Mock engine readers ============

type mockPortfolio struct {
	open   []models.Position
	closed []models.Position
	filter models.PositionFilter
}

func (m *mockPortfolio) Positions() []models.Position { return m.open }

func (m *mockPortfolio) ClosedPositions(filter models.PositionFilter) []models.Position {
	m.filter = filter
	var out []models.Position
	for _, p := range m.closed {
		if filter.Symbol == "" || p.Symbol == filter.Symbol {
			out = append(out, p)
		}
	}
	return out
}

func (m *mockPortfolio) TotalPnl() decimal.Decimal {
	total := decimal.Zero
	for _, p := range m.closed {
		total = total.Add(p.RealizedPnl)
	}
	for _, p := range m.open {
		total = total.Add(p.UnrealizedPnl)
	}
	return total
}

type mockRisk struct {
	state  risk.RiskState
	alerts []models.Alert
	active []models.Alert
}

func (m *mockRisk) State() risk.RiskState        { return m.state }
func (m *mockRisk) Alerts() []models.Alert       { return m.alerts }
func (m *mockRisk) ActiveAlerts() []models.Alert { return m.active }

type mockBalances map[string]decimal.Decimal

func (m mockBalances) Balances() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

type mockLiquidity map[string]models.LiquidityAssessment

func (m mockLiquidity) Cached(symbol string) (models.LiquidityAssessment, bool) {
	a, ok := m[symbol]
	return a, ok
}
