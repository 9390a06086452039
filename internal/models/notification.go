package models

import "time"

// Notification - уведомление о событии движка для внешних получателей
type Notification struct {
	ID        int                    `json:"id" db:"id"`
	Timestamp time.Time              `json:"timestamp" db:"timestamp"`
	Type      string                 `json:"type" db:"type"`
	Severity  string                 `json:"severity" db:"severity"`
	Message   string                 `json:"message" db:"message"`
	Meta      map[string]interface{} `json:"meta,omitempty" db:"meta"` // JSON в БД
}

// Типы уведомлений
const (
	NotificationTypeAlert      = "ALERT"       // алерт риск-монитора
	NotificationTypeOpen       = "OPEN"        // открытие позиции
	NotificationTypeClose      = "CLOSE"       // закрытие позиции
	NotificationTypeSL         = "SL"          // срабатывание стопа
	NotificationTypeError      = "ERROR"       // ошибка API/ордера
	NotificationTypeLegFail    = "LEG_FAIL"    // нога арбитража не исполнена
	NotificationTypeUnwindFail = "UNWIND_FAIL" // не удалось откатить исполненные ноги
)

// Уровни важности
const (
	SeverityInfo     = "info"
	SeverityWarn     = "warn"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// SeverityForAlert сопоставляет уровень алерта и важность уведомления
func SeverityForAlert(level AlertLevel) string {
	switch level {
	case AlertCritical:
		return SeverityCritical
	case AlertWarning:
		return SeverityWarn
	default:
		return SeverityInfo
	}
}
