package circuit

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen возвращается, пока breaker разомкнут
var ErrOpen = errors.New("circuit breaker is open")

// State состояние breaker'а
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker размыкается после threshold подряд идущих ошибок и
// через cooldown пропускает одну пробную попытку (half-open).
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	now         func() time.Time

	onStateChange func(name string, from, to State)
}

// New создаёт breaker; threshold <= 0 трактуется как 5
func New(name string, threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		name:      name,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// OnStateChange задаёт обработчик смены состояния. Вызывается синхронно
// вне lock'а breaker'а.
func (b *Breaker) OnStateChange(fn func(name string, from, to State)) {
	b.mu.Lock()
	b.onStateChange = fn
	b.mu.Unlock()
}

// Allow возвращает ErrOpen, если вызов нужно отклонить
func (b *Breaker) Allow() error {
	b.mu.Lock()
	if b.state == StateOpen {
		if b.now().Sub(b.lastFailure) < b.cooldown {
			b.mu.Unlock()
			return ErrOpen
		}
		notify := b.transition(StateHalfOpen)
		b.mu.Unlock()
		notify()
		return nil
	}
	b.mu.Unlock()
	return nil
}

// Success сбрасывает счётчик ошибок и замыкает breaker
func (b *Breaker) Success() {
	b.mu.Lock()
	b.failures = 0
	notify := func() {}
	if b.state != StateClosed {
		notify = b.transition(StateClosed)
	}
	b.mu.Unlock()
	notify()
}

// Failure учитывает ошибку
func (b *Breaker) Failure() {
	b.mu.Lock()
	b.failures++
	b.lastFailure = b.now()

	notify := func() {}
	switch b.state {
	case StateClosed:
		if b.failures >= b.threshold {
			notify = b.transition(StateOpen)
		}
	case StateHalfOpen:
		notify = b.transition(StateOpen)
	}
	b.mu.Unlock()
	notify()
}

// State текущее состояние
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// transition вызывается под lock'ом, возвращает отложенное уведомление
func (b *Breaker) transition(to State) func() {
	from := b.state
	b.state = to
	fn := b.onStateChange
	if fn == nil || from == to {
		return func() {}
	}
	return func() { fn(b.name, from, to) }
}
