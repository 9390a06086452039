package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Limiter - token bucket для исходящих вызовов к бирже
//
// Ведро пополняется со скоростью calls/period, ёмкость = burst.
// Каждый вызов забирает один токен; при пустом ведре Wait усыпляет
// вызывающего до появления токена или отмены контекста.
//
//	l := ratelimit.New(10, time.Second, 20) // 10 вызовов/сек, burst 20
//	if err := l.Wait(ctx); err != nil { ... }
type Limiter struct {
	rate       float64 // токенов в секунду
	burst      float64
	tokens     float64
	lastRefill time.Time
	now        func() time.Time
	mu         sync.Mutex
}

// New создаёт limiter на calls вызовов за period.
// burst <= 0 означает burst = calls.
func New(calls int, period time.Duration, burst int) *Limiter {
	if calls <= 0 {
		calls = 10
	}
	if period <= 0 {
		period = time.Second
	}
	b := float64(burst)
	if b < 1 {
		b = float64(calls)
	}

	l := &Limiter{
		rate:  float64(calls) / period.Seconds(),
		burst: b,
		now:   time.Now,
	}
	l.tokens = b
	l.lastRefill = l.now()
	return l
}

// refill вызывается под lock'ом
func (l *Limiter) refill() {
	now := l.now()
	elapsed := now.Sub(l.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	l.tokens += elapsed * l.rate
	if l.tokens > l.burst {
		l.tokens = l.burst
	}
	l.lastRefill = now
}

// reserve пытается забрать токен; если не вышло - возвращает время ожидания
func (l *Limiter) reserve() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill()
	if l.tokens >= 1 {
		l.tokens--
		return 0, true
	}
	return time.Duration((1 - l.tokens) / l.rate * float64(time.Second)), false
}

// Wait блокирует до получения токена или отмены контекста
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		wait, ok := l.reserve()
		if ok {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// Allow забирает токен без ожидания
func (l *Limiter) Allow() bool {
	_, ok := l.reserve()
	return ok
}

// Tokens возвращает текущее количество токенов (для метрик и тестов)
func (l *Limiter) Tokens() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill()
	return l.tokens
}

// Rate возвращает скорость пополнения в токенах/сек
func (l *Limiter) Rate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rate
}

// ============================================================
// MultiLimiter - отдельное ведро на каждую биржу
// ============================================================

// MultiLimiter хранит limiter'ы по имени биржи
type MultiLimiter struct {
	limiters map[string]*Limiter
	mu       sync.RWMutex
}

// NewMultiLimiter создаёт пустой набор limiter'ов
func NewMultiLimiter() *MultiLimiter {
	return &MultiLimiter{limiters: make(map[string]*Limiter)}
}

// Add регистрирует limiter для биржи (перезаписывает существующий)
func (m *MultiLimiter) Add(name string, l *Limiter) {
	m.mu.Lock()
	m.limiters[name] = l
	m.mu.Unlock()
}

// Get возвращает limiter биржи
func (m *MultiLimiter) Get(name string) (*Limiter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.limiters[name]
	return l, ok
}

// Wait ждёт токен у limiter'а биржи.
// Незарегистрированная биржа - ошибка программиста, возвращается сразу.
func (m *MultiLimiter) Wait(ctx context.Context, name string) error {
	l, ok := m.Get(name)
	if !ok {
		return fmt.Errorf("ratelimit: no limiter for %q", name)
	}
	return l.Wait(ctx)
}
