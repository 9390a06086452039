package risk

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"riskengine/internal/models"
	"riskengine/pkg/utils"
)

// RiskLimits - лимиты портфеля и пороги алертов (доли лимита)
type RiskLimits struct {
	MaxDrawdown       decimal.Decimal
	MaxDailyLoss      decimal.Decimal
	MaxPositionSize   decimal.Decimal // стоимость позиции / баланс
	MaxLeverage       decimal.Decimal
	MaxConcentration  decimal.Decimal // стоимость по символу / баланс
	WarningThreshold  decimal.Decimal
	CriticalThreshold decimal.Decimal
	ResetInterval     time.Duration
	HistorySize       int
}

// DefaultRiskLimits - значения по умолчанию
func DefaultRiskLimits() RiskLimits {
	return RiskLimits{
		MaxDrawdown:       decimal.NewFromFloat(0.1),
		MaxDailyLoss:      decimal.NewFromFloat(0.05),
		MaxPositionSize:   decimal.NewFromFloat(0.2),
		MaxLeverage:       decimal.NewFromInt(3),
		MaxConcentration:  decimal.NewFromFloat(0.3),
		WarningThreshold:  decimal.NewFromFloat(0.8),
		CriticalThreshold: decimal.NewFromFloat(0.95),
		ResetInterval:     24 * time.Hour,
		HistorySize:       1000,
	}
}

// AlertCallback получает каждый новый (не дублирующий) алерт
type AlertCallback func(models.Alert) error

// RiskState - снимок внутреннего состояния монитора
type RiskState struct {
	PeakEquity   decimal.Decimal `json:"peak_equity"`
	Equity       decimal.Decimal `json:"equity"`
	DailyHigh    decimal.Decimal `json:"daily_high"`
	DailyLow     decimal.Decimal `json:"daily_low"`
	DailyStart   decimal.Decimal `json:"daily_start"`
	LastReset    time.Time       `json:"last_reset"`
	ActiveAlerts int             `json:"active_alerts"`
	HasCritical  bool            `json:"has_critical"`
}

// RiskMonitor отслеживает состояние портфеля и поднимает алерты при
// приближении к лимитам.
//
// Всё состояние под одним mutex; callbacks вызываются синхронно после
// освобождения lock'а, в порядке регистрации.
type RiskMonitor struct {
	limits RiskLimits
	logger *zap.Logger
	now    func() time.Time

	mu         sync.Mutex
	peakEquity decimal.Decimal
	equity     decimal.Decimal
	dailyHigh  decimal.Decimal
	dailyLow   decimal.Decimal
	dailyStart decimal.Decimal
	lastReset  time.Time
	active     map[string]models.Alert
	history    []models.Alert

	cbMu      sync.RWMutex
	callbacks []AlertCallback
}

// NewRiskMonitor создаёт монитор
func NewRiskMonitor(limits RiskLimits, logger *zap.Logger) *RiskMonitor {
	if limits.ResetInterval <= 0 {
		limits.ResetInterval = 24 * time.Hour
	}
	if limits.HistorySize <= 0 {
		limits.HistorySize = 1000
	}
	m := &RiskMonitor{
		limits: limits,
		logger: utils.NopIfNil(logger).With(utils.Component("risk_monitor")),
		now:    time.Now,
		active: make(map[string]models.Alert),
	}
	m.lastReset = m.now()
	return m
}

// RegisterCallback добавляет получателя алертов
func (m *RiskMonitor) RegisterCallback(cb AlertCallback) {
	if cb == nil {
		return
	}
	m.cbMu.Lock()
	m.callbacks = append(m.callbacks, cb)
	m.cbMu.Unlock()
}

// SeedPeak задаёт пик equity (восстановление после перезапуска).
// Пик только растёт.
func (m *RiskMonitor) SeedPeak(peak decimal.Decimal) {
	m.mu.Lock()
	if peak.GreaterThan(m.peakEquity) {
		m.peakEquity = peak
	}
	m.mu.Unlock()
}

// Update обновляет состояние портфеля и проверяет лимиты.
//
// positions - согласованный снимок (копии) открытых позиций.
// balance <= 0 - проверки относительно баланса пропускаются.
func (m *RiskMonitor) Update(equity decimal.Decimal, positions []models.Position, balance decimal.Decimal) {
	m.mu.Lock()
	now := m.now()
	m.maybeResetLocked(now)

	m.equity = equity
	if equity.GreaterThan(m.peakEquity) {
		m.peakEquity = equity
	}
	if m.dailyHigh.IsZero() || equity.GreaterThan(m.dailyHigh) {
		m.dailyHigh = equity
	}
	if m.dailyLow.IsZero() || equity.LessThan(m.dailyLow) {
		m.dailyLow = equity
	}
	if m.dailyStart.IsZero() {
		m.dailyStart = equity
	}

	var raised []models.Alert
	raised = append(raised, m.checkDrawdown(equity, now)...)
	raised = append(raised, m.checkDailyLoss(equity, now)...)

	if balance.IsPositive() {
		raised = append(raised, m.checkPositionSizes(positions, balance, now)...)
		raised = append(raised, m.checkLeverage(positions, balance, now)...)
		raised = append(raised, m.checkConcentration(positions, balance, now)...)
	} else if len(positions) > 0 {
		m.logger.Warn("non-positive balance, balance-relative checks skipped", utils.Dec("balance", balance))
	}
	m.mu.Unlock()

	for _, a := range raised {
		m.dispatch(a)
	}
}

// ============================================================
// Проверки. Вызываются под m.mu.
// ============================================================

func (m *RiskMonitor) checkDrawdown(equity decimal.Decimal, now time.Time) []models.Alert {
	if !m.peakEquity.IsPositive() {
		return nil
	}
	drawdown := m.peakEquity.Sub(equity).Div(m.peakEquity)
	return m.evaluate(models.MetricDrawdown, "drawdown", drawdown, m.limits.MaxDrawdown, now)
}

func (m *RiskMonitor) checkDailyLoss(equity decimal.Decimal, now time.Time) []models.Alert {
	if !m.dailyStart.IsPositive() {
		return nil
	}
	loss := m.dailyStart.Sub(equity).Div(m.dailyStart)
	return m.evaluate(models.MetricDailyLoss, "daily loss", loss, m.limits.MaxDailyLoss, now)
}

func (m *RiskMonitor) checkPositionSizes(positions []models.Position, balance decimal.Decimal, now time.Time) []models.Alert {
	var out []models.Alert
	for i := range positions {
		size := positions[i].Value().Div(balance)
		subject := "position size for " + positions[i].Symbol
		out = append(out, m.evaluate(models.MetricPositionSize, subject, size, m.limits.MaxPositionSize, now)...)
	}
	return out
}

func (m *RiskMonitor) checkLeverage(positions []models.Position, balance decimal.Decimal, now time.Time) []models.Alert {
	exposure := decimal.Zero
	for i := range positions {
		exposure = exposure.Add(positions[i].Value())
	}
	return m.evaluate(models.MetricLeverage, "leverage", exposure.Div(balance), m.limits.MaxLeverage, now)
}

func (m *RiskMonitor) checkConcentration(positions []models.Position, balance decimal.Decimal, now time.Time) []models.Alert {
	exposure := make(map[string]decimal.Decimal)
	var symbols []string
	for i := range positions {
		sym := positions[i].Symbol
		if _, ok := exposure[sym]; !ok {
			symbols = append(symbols, sym)
		}
		exposure[sym] = exposure[sym].Add(positions[i].Value())
	}

	var out []models.Alert
	for _, sym := range symbols {
		conc := exposure[sym].Div(balance)
		out = append(out, m.evaluate(models.MetricConcentration, "concentration in "+sym, conc, m.limits.MaxConcentration, now)...)
	}
	return out
}

// evaluate: выше limit×CriticalThreshold - critical, иначе выше
// limit×WarningThreshold - warning. За проверку поднимается не больше одного уровня.
func (m *RiskMonitor) evaluate(metric, subject string, value, limit decimal.Decimal, now time.Time) []models.Alert {
	var level models.AlertLevel
	switch {
	case value.GreaterThan(limit.Mul(m.limits.CriticalThreshold)):
		level = models.AlertCritical
	case value.GreaterThan(limit.Mul(m.limits.WarningThreshold)):
		level = models.AlertWarning
	default:
		return nil
	}

	a := models.Alert{
		Level:     level,
		Metric:    metric,
		Message:   alertMessage(level, subject, value, limit),
		Value:     value,
		Threshold: limit,
		Timestamp: now,
	}
	if !m.raiseLocked(a) {
		return nil
	}
	return []models.Alert{a}
}

func alertMessage(level models.AlertLevel, subject string, value, limit decimal.Decimal) string {
	verb := "approaching limit"
	if level == models.AlertCritical {
		verb = "limit breached"
	}
	return fmt.Sprintf("%s %s: %s%% (limit %s%%)",
		subject, verb,
		value.Mul(utils.Hundred).StringFixed(2),
		limit.Mul(utils.Hundred).StringFixed(2),
	)
}

// raiseLocked регистрирует алерт, если ключ не активен. false - дубликат.
func (m *RiskMonitor) raiseLocked(a models.Alert) bool {
	key := a.Key()
	if _, ok := m.active[key]; ok {
		return false
	}
	m.active[key] = a
	m.history = append(m.history, a)
	if over := len(m.history) - m.limits.HistorySize; over > 0 {
		m.history = append([]models.Alert(nil), m.history[over:]...)
	}
	return true
}

// dispatch логирует алерт и вызывает callbacks; ошибки и паники
// callbacks перехватываются.
func (m *RiskMonitor) dispatch(a models.Alert) {
	fields := []zap.Field{
		utils.AlertLevel(string(a.Level)),
		utils.Metric(a.Metric),
		utils.Dec("value", a.Value),
		utils.Dec("threshold", a.Threshold),
	}
	if a.IsCritical() {
		m.logger.Error(a.Message, fields...)
	} else {
		m.logger.Warn(a.Message, fields...)
	}

	m.cbMu.RLock()
	callbacks := append([]AlertCallback(nil), m.callbacks...)
	m.cbMu.RUnlock()

	for _, cb := range callbacks {
		m.invoke(cb, a)
	}
}

func (m *RiskMonitor) invoke(cb AlertCallback, a models.Alert) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("alert callback panicked",
				utils.Any("panic", r),
				utils.Metric(a.Metric),
			)
		}
	}()
	if err := cb(a); err != nil {
		m.logger.Error("alert callback failed", utils.Err(err), utils.Metric(a.Metric))
	}
}

// ============================================================
// Суточный сброс
// ============================================================

// MaybeReset сбрасывает суточные значения и активные алерты, если с
// последнего сброса прошло не меньше ResetInterval. Пик equity сохраняется.
func (m *RiskMonitor) MaybeReset(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maybeResetLocked(now)
}

func (m *RiskMonitor) maybeResetLocked(now time.Time) bool {
	if now.Sub(m.lastReset) < m.limits.ResetInterval {
		return false
	}
	m.dailyHigh = decimal.Zero
	m.dailyLow = decimal.Zero
	m.dailyStart = decimal.Zero
	m.active = make(map[string]models.Alert)
	m.lastReset = now
	m.logger.Info("daily risk tracking reset")
	return true
}

// Run проверяет суточный сброс раз в interval до отмены ctx
func (m *RiskMonitor) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("risk monitoring started")
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("risk monitoring stopped")
			return ctx.Err()
		case <-ticker.C:
			m.MaybeReset(m.now())
		}
	}
}

// ============================================================
// Запросы
// ============================================================

// Alerts возвращает копию истории алертов
func (m *RiskMonitor) Alerts() []models.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Alert(nil), m.history...)
}

// ActiveAlerts возвращает активные алерты в порядке появления
func (m *RiskMonitor) ActiveAlerts() []models.Alert {
	m.mu.Lock()
	out := make([]models.Alert, 0, len(m.active))
	for _, a := range m.active {
		out = append(out, a)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].Key() < out[j].Key()
	})
	return out
}

// HasCritical - есть активный критический алерт (новые входы запрещены)
func (m *RiskMonitor) HasCritical() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasCriticalLocked()
}

func (m *RiskMonitor) hasCriticalLocked() bool {
	for _, a := range m.active {
		if a.IsCritical() {
			return true
		}
	}
	return false
}

// State возвращает снимок состояния
func (m *RiskMonitor) State() RiskState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return RiskState{
		PeakEquity:   m.peakEquity,
		Equity:       m.equity,
		DailyHigh:    m.dailyHigh,
		DailyLow:     m.dailyLow,
		DailyStart:   m.dailyStart,
		LastReset:    m.lastReset,
		ActiveAlerts: len(m.active),
		HasCritical:  m.hasCriticalLocked(),
	}
}
