package handlers

import (
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"riskengine/internal/models"
	"riskengine/internal/risk"
)

// PortfolioReader - чтение позиций (portfolio.PositionTracker)
type PortfolioReader interface {
	Positions() []models.Position
	ClosedPositions(filter models.PositionFilter) []models.Position
	TotalPnl() decimal.Decimal
}

// RiskReader - чтение состояния риск-монитора (risk.RiskMonitor)
type RiskReader interface {
	State() risk.RiskState
	Alerts() []models.Alert
	ActiveAlerts() []models.Alert
}

// BalanceReader - последние балансы бирж (bot.Engine)
type BalanceReader interface {
	Balances() map[string]decimal.Decimal
}

// EngineHandler отдаёт снимки состояния движка только для чтения
//
// Endpoints:
// - GET /api/v1/positions - открытые позиции
// - GET /api/v1/positions/closed?symbol=BTC/USDT&from=...&to=... - история
// - GET /api/v1/risk - состояние риск-монитора
// - GET /api/v1/alerts?active=true - алерты
// - GET /api/v1/balances - балансы по биржам
type EngineHandler struct {
	portfolio PortfolioReader
	risk      RiskReader
	balances  BalanceReader
}

func NewEngineHandler(portfolio PortfolioReader, risk RiskReader, balances BalanceReader) *EngineHandler {
	return &EngineHandler{portfolio: portfolio, risk: risk, balances: balances}
}

// PositionsResponse - список позиций
type PositionsResponse struct {
	Positions     []models.Position `json:"positions"`
	Total         int               `json:"total"`
	UnrealizedPnl decimal.Decimal   `json:"unrealized_pnl"`
	RealizedPnl   decimal.Decimal   `json:"realized_pnl"`
}

// GetPositions - GET /api/v1/positions
func (h *EngineHandler) GetPositions(w http.ResponseWriter, r *http.Request) {
	positions := h.portfolio.Positions()
	unrealized := decimal.Zero
	for _, p := range positions {
		unrealized = unrealized.Add(p.UnrealizedPnl)
	}

	// TotalPnl = реализованный + нереализованный
	respondWithJSON(w, http.StatusOK, PositionsResponse{
		Positions:     nonNilPositions(positions),
		Total:         len(positions),
		UnrealizedPnl: unrealized,
		RealizedPnl:   h.portfolio.TotalPnl().Sub(unrealized),
	})
}

// GetClosedPositions - GET /api/v1/positions/closed
//
// Query параметры:
// - symbol: фильтр по символу
// - from, to: RFC3339, границы времени выхода
func (h *EngineHandler) GetClosedPositions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.PositionFilter{Symbol: strings.ToUpper(strings.TrimSpace(q.Get("symbol")))}

	var err error
	if filter.From, err = parseTime(q.Get("from")); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid from: "+err.Error())
		return
	}
	if filter.To, err = parseTime(q.Get("to")); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid to: "+err.Error())
		return
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		respondWithError(w, http.StatusBadRequest, "to is before from")
		return
	}

	closed := h.portfolio.ClosedPositions(filter)
	realized := decimal.Zero
	for _, p := range closed {
		realized = realized.Add(p.RealizedPnl)
	}

	respondWithJSON(w, http.StatusOK, PositionsResponse{
		Positions:   nonNilPositions(closed),
		Total:       len(closed),
		RealizedPnl: realized,
	})
}

// GetRiskState - GET /api/v1/risk
func (h *EngineHandler) GetRiskState(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.risk.State())
}

// AlertsResponse - список алертов
type AlertsResponse struct {
	Alerts []models.Alert `json:"alerts"`
	Total  int            `json:"total"`
}

// GetAlerts - GET /api/v1/alerts; active=true оставляет только активные
func (h *EngineHandler) GetAlerts(w http.ResponseWriter, r *http.Request) {
	var alerts []models.Alert
	if strings.EqualFold(r.URL.Query().Get("active"), "true") {
		alerts = h.risk.ActiveAlerts()
	} else {
		alerts = h.risk.Alerts()
	}
	if alerts == nil {
		alerts = []models.Alert{}
	}
	respondWithJSON(w, http.StatusOK, AlertsResponse{Alerts: alerts, Total: len(alerts)})
}

// BalanceDTO - баланс одной биржи
type BalanceDTO struct {
	Exchange string          `json:"exchange"`
	Balance  decimal.Decimal `json:"balance"`
}

// BalancesResponse - балансы и их сумма
type BalancesResponse struct {
	Balances []BalanceDTO    `json:"balances"`
	Total    decimal.Decimal `json:"total"`
}

// GetBalances - GET /api/v1/balances, отсортировано по имени биржи
func (h *EngineHandler) GetBalances(w http.ResponseWriter, r *http.Request) {
	balances := h.balances.Balances()

	resp := BalancesResponse{Balances: make([]BalanceDTO, 0, len(balances)), Total: decimal.Zero}
	for name, bal := range balances {
		resp.Balances = append(resp.Balances, BalanceDTO{Exchange: name, Balance: bal})
		resp.Total = resp.Total.Add(bal)
	}
	sort.Slice(resp.Balances, func(i, j int) bool {
		return resp.Balances[i].Exchange < resp.Balances[j].Exchange
	})

	respondWithJSON(w, http.StatusOK, resp)
}

// LiquidityReader - последние оценки ликвидности (risk.LiquidityMonitor)
type LiquidityReader interface {
	Cached(symbol string) (models.LiquidityAssessment, bool)
}

// LiquidityHandler отдаёт последнюю оценку ликвидности символа
//
// Endpoints:
// - GET /api/v1/liquidity?symbol=BTC/USDT
type LiquidityHandler struct {
	liquidity LiquidityReader
}

func NewLiquidityHandler(liquidity LiquidityReader) *LiquidityHandler {
	return &LiquidityHandler{liquidity: liquidity}
}

// GetLiquidity - GET /api/v1/liquidity; 404 если символ ещё не оценивался
func (h *LiquidityHandler) GetLiquidity(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("symbol")))
	if symbol == "" {
		respondWithError(w, http.StatusBadRequest, "symbol is required")
		return
	}

	a, ok := h.liquidity.Cached(symbol)
	if !ok {
		respondWithError(w, http.StatusNotFound, "no liquidity assessment for "+symbol)
		return
	}
	respondWithJSON(w, http.StatusOK, a)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

func nonNilPositions(p []models.Position) []models.Position {
	if p == nil {
		return []models.Position{}
	}
	return p
}
