package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/xela07ax/spaceai-sentinel/internal/domain"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Handler исполняет действие одного типа. Реализация внешняя (SMTP, Slack,
// балансировщик трафика и т.д.) — контур гарантирует лишь, что обработчик
// получит конфигурацию действия, а исход будет зафиксирован.
type Handler interface {
	Handle(ctx context.Context, config json.RawMessage) error
}

// HandlerFunc — адаптер для функций.
type HandlerFunc func(ctx context.Context, config json.RawMessage) error

func (f HandlerFunc) Handle(ctx context.Context, config json.RawMessage) error {
	return f(ctx, config)
}

// ThrottleError возвращается обработчиком, прочитавшим Retry-After у внешнего API.
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error { return e.Cause }

// Config — настройки надежности исходящего канала.
type Config struct {
	RetryAttempts uint
	RateLimit     float64
	RateBurst     int
	CBTimeout     time.Duration
	CBMaxRequests uint32
}

// Dispatcher — реестр обработчиков по закрытому множеству типов действий.
// Собирается один раз на старте; незнакомый тип — ошибка конструирования.
// Каждый вызов идет через контур надежности (rate limit, retries, circuit breaker).
type Dispatcher struct {
	handlers map[domain.ActionType]Handler
	cb       *gobreaker.CircuitBreaker
	limiter  *rate.Limiter
	cfg      Config
	logger   *zap.Logger
}

func NewDispatcher(handlers map[domain.ActionType]Handler, cfg Config, logger *zap.Logger) (*Dispatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	for t := range handlers {
		if _, ok := domain.KnownActionTypes[t]; !ok {
			return nil, fmt.Errorf("actions: handler registered for unknown type %q", t)
		}
	}

	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 10
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 5
	}
	if cfg.CBTimeout <= 0 {
		cfg.CBTimeout = 30 * time.Second
	}
	if cfg.CBMaxRequests == 0 {
		cfg.CBMaxRequests = 3
	}

	// Настройка предохранителя исходящего канала
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "action-channel",
		MaxRequests: cfg.CBMaxRequests,
		Interval:    5 * time.Second,
		Timeout:     cfg.CBTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})

	return &Dispatcher{
		handlers: handlers,
		cb:       cb,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		cfg:      cfg,
		logger:   logger.Named("actions"),
	}, nil
}

// Supports сообщает, зарегистрирован ли обработчик типа.
// Используется при валидации правил и планов.
func (d *Dispatcher) Supports(t domain.ActionType) bool {
	_, ok := d.handlers[t]
	return ok
}

// Dispatch исполняет действие и возвращает запись для журнала алерта.
func (d *Dispatcher) Dispatch(ctx context.Context, action domain.AlertAction) domain.ActionRecord {
	record := domain.ActionRecord{Type: action.Type, Timestamp: time.Now()}

	handler, ok := d.handlers[action.Type]
	if !ok {
		// Сюда попадаем только если правило обошло валидацию
		record.Error = fmt.Sprintf("no handler for action type %q", action.Type)
		d.logger.Error("dispatch failed", zap.String("type", string(action.Type)), zap.String("error", record.Error))
		return record
	}

	if err := d.call(ctx, handler, action.Config); err != nil {
		record.Error = err.Error()
		d.logger.Error("action failed",
			zap.String("type", string(action.Type)),
			zap.Error(err),
		)
		return record
	}

	record.Success = true
	return record
}

// call пропускает вызов через rate limiter, circuit breaker и ретраи с бэкоффом.
func (d *Dispatcher) call(ctx context.Context, handler Handler, config json.RawMessage) error {
	// 1. Rate Limiter — защита от нотификационного шторма
	if err := d.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit exceeded: %w", err)
	}

	// 2. Circuit Breaker
	_, err := d.cb.Execute(func() (interface{}, error) {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(d.cfg.RetryAttempts),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				// Если внешний API вернул ThrottleError — уважаем его Retry-After
				var tErr *ThrottleError
				if errors.As(err, &tErr) {
					return tErr.RetryAfter
				}
				// Иначе стандартный экспоненциальный бэкофф
				return retry.BackOffDelay(n, err, config)
			}),
		)

		return nil, r.Do(func() error {
			return handler.Handle(ctx, config)
		})
	})

	return err
}
