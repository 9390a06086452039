package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// AlertLevel - уровень алерта
type AlertLevel string

const (
	AlertInfo     AlertLevel = "info"
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

// Метрики риск-монитора
const (
	MetricDrawdown      = "drawdown"
	MetricDailyLoss     = "daily_loss"
	MetricPositionSize  = "position_size"
	MetricLeverage      = "leverage"
	MetricConcentration = "concentration"
)

// Alert - нарушение (или приближение к) лимита риска.
//
// Одновременно активен не более одного алерта на ключ level_metric,
// до суточного сброса.
type Alert struct {
	Level     AlertLevel      `json:"level"`
	Metric    string          `json:"metric"`
	Message   string          `json:"message"`
	Value     decimal.Decimal `json:"value"`
	Threshold decimal.Decimal `json:"threshold"`
	Timestamp time.Time       `json:"timestamp"`
}

// Key - ключ дедупликации
func (a Alert) Key() string {
	return string(a.Level) + "_" + a.Metric
}

// IsCritical - критический алерт
func (a Alert) IsCritical() bool {
	return a.Level == AlertCritical
}
