package utils

import (
	"time"
)

// time.go - утилиты для работы со временем
//
// Используются для фильтрации истории закрытых позиций, суточного
// сброса риск-монитора и разбора timestamp'ов бирж.

// GetDayStartFrom возвращает начало дня для указанного времени в UTC
func GetDayStartFrom(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// SameDay - t1 и t2 попадают в один день UTC
func SameDay(t1, t2 time.Time) bool {
	return GetDayStartFrom(t1).Equal(GetDayStartFrom(t2))
}

// ============================================================
// Диапазоны
// ============================================================

// TimeRange - временной диапазон; нулевая граница означает "не ограничено"
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Contains проверяет, попадает ли время в диапазон (границы включены)
func (tr TimeRange) Contains(t time.Time) bool {
	if !tr.Start.IsZero() && t.Before(tr.Start) {
		return false
	}
	if !tr.End.IsZero() && t.After(tr.End) {
		return false
	}
	return true
}

// Duration возвращает продолжительность диапазона; открытый диапазон - 0
func (tr TimeRange) Duration() time.Duration {
	if tr.Start.IsZero() || tr.End.IsZero() {
		return 0
	}
	return tr.End.Sub(tr.Start)
}

// GetLastNHours возвращает диапазон последних n часов от now
func GetLastNHours(now time.Time, n int) TimeRange {
	if n <= 0 {
		n = 1
	}
	now = now.UTC()
	return TimeRange{
		Start: now.Add(-time.Duration(n) * time.Hour),
		End:   now,
	}
}

// ============================================================
// Форматирование
// ============================================================

// FormatDuration форматирует продолжительность в человекочитаемый формат
//
// Примеры:
//   - "45s"
//   - "5m30s"
//   - "2h15m0s"
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	return d.Truncate(time.Second).String()
}

// ============================================================
// Timestamp
// ============================================================

// FromUnixMillis конвертирует миллисекунды Unix в time.Time (UTC)
func FromUnixMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
