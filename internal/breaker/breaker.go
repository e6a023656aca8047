package breaker

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State — состояние предохранителя.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// CircuitOpenError возвращается, когда вызов отклонен без обращения к зависимости.
type CircuitOpenError struct {
	Dependency string
	RetryAt    time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s: retry after %s", e.Dependency, e.RetryAt.Format(time.RFC3339))
}

// Config — пороги одного предохранителя.
type Config struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	HalfOpenMaxCalls int
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = 3
	}
	return c
}

// Breaker — изоляция отказов одной зависимости.
// Переходы строго closed -> open -> half-open -> {closed|open}.
// Переход open -> half-open ленивый: побочный эффект чтения CanExecute,
// а не отдельный таймер.
type Breaker struct {
	mu   sync.Mutex
	name string
	cfg  Config

	state           State
	failureCount    int
	probeCount      int // счетчик проб half-open, независим от failureCount
	lastFailureTime time.Time
	nextAttemptTime time.Time

	now           func() time.Time
	onStateChange func(name string, s State)
	logger        *zap.Logger
}

func New(name string, cfg Config, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{
		name:   name,
		cfg:    cfg.withDefaults(),
		state:  StateClosed,
		now:    time.Now,
		logger: logger.Named("breaker").With(zap.String("dependency", name)),
	}
}

// CanExecute сообщает, допустим ли вызов сейчас. В открытом состоянии после
// истечения nextAttemptTime первый же вызов переводит в half-open.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.canExecuteLocked()
}

func (b *Breaker) canExecuteLocked() bool {
	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().After(b.nextAttemptTime) {
			b.transitionLocked(StateHalfOpen)
			b.probeCount = 1
			return true
		}
		return false
	default: // half-open: ограниченный бюджет проб
		if b.probeCount < b.cfg.HalfOpenMaxCalls {
			b.probeCount++
			return true
		}
		return false
	}
}

// Execute — обертка: при недоступности возвращает CircuitOpenError не вызывая fn,
// иначе выполняет fn, фиксирует исход и возвращает результат как есть.
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()
	if !b.canExecuteLocked() {
		retryAt := b.nextAttemptTime
		b.mu.Unlock()
		return &CircuitOpenError{Dependency: b.name, RetryAt: retryAt}
	}
	b.mu.Unlock()

	err := fn()
	if err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// RecordSuccess сбрасывает счетчик отказов и закрывает предохранитель.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount = 0
	b.probeCount = 0
	if b.state != StateClosed {
		b.transitionLocked(StateClosed)
	}
}

// RecordFailure наращивает счетчик; на пороге — открывает.
// Любой отказ в half-open мгновенно открывает заново.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailureTime = b.now()

	if b.state == StateHalfOpen {
		b.openLocked()
		return
	}
	if b.state == StateClosed && b.failureCount >= b.cfg.FailureThreshold {
		b.openLocked()
	}
}

func (b *Breaker) openLocked() {
	b.nextAttemptTime = b.now().Add(b.cfg.ResetTimeout)
	b.probeCount = 0
	b.transitionLocked(StateOpen)
}

func (b *Breaker) transitionLocked(to State) {
	from := b.state
	b.state = to
	b.logger.Info("state changed",
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.Int("failures", b.failureCount),
	)
	if b.onStateChange != nil {
		b.onStateChange(b.name, to)
	}
}

// Metrics — read-only снапшот для дашбордов.
type Metrics struct {
	Dependency   string    `json:"dependency"`
	State        string    `json:"state"`
	FailureCount int       `json:"failure_count"`
	LastFailure  time.Time `json:"last_failure,omitempty"`
	NextAttempt  time.Time `json:"next_attempt,omitempty"`
}

func (b *Breaker) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Metrics{
		Dependency:   b.name,
		State:        b.state.String(),
		FailureCount: b.failureCount,
		LastFailure:  b.lastFailureTime,
		NextAttempt:  b.nextAttemptTime,
	}
}

// State возвращает текущее состояние (без ленивого перехода).
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
