package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xela07ax/spaceai-sentinel/internal/domain"
	"github.com/xela07ax/spaceai-sentinel/internal/history"
	"github.com/xela07ax/spaceai-sentinel/internal/infra"
	"github.com/xela07ax/spaceai-sentinel/internal/telemetry"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RemoteClient отправляет отложенную мутацию на сервер.
// force=true — локальное состояние перекрывает серверное (client-wins).
type RemoteClient interface {
	Submit(ctx context.Context, op domain.QueuedOperation, force bool) error
}

// EventType — тип события жизненного цикла очереди/синка.
type EventType string

const (
	EventQueueUpdated  EventType = "queueUpdated"
	EventSyncCompleted EventType = "syncCompleted"
	EventOnline        EventType = "online"
	EventOffline       EventType = "offline"
)

// Event — типизированное событие для внешних потребителей.
type Event struct {
	Type   EventType          `json:"type"`
	Depth  int                `json:"depth,omitempty"`
	Result *domain.SyncResult `json:"result,omitempty"`
}

// ErrOffline — синк запрошен в офлайне.
var ErrOffline = errors.New("sync requested while offline")

// Coordinator дренирует очередь при появлении сети и разруливает конфликты.
type Coordinator struct {
	queue   *Queue
	client  RemoteClient
	rdb     *redis.Client
	sink    history.Sink
	metrics *telemetry.Metrics
	logger  *zap.Logger

	mu     sync.RWMutex
	online bool

	events       chan Event
	syncInFlight int32
	now          func() time.Time
}

func NewCoordinator(
	queue *Queue,
	client RemoteClient,
	rdb *redis.Client,
	sink history.Sink,
	metrics *telemetry.Metrics,
	logger *zap.Logger,
) *Coordinator {
	if metrics == nil {
		metrics = telemetry.NewMetrics(nil)
	}
	c := &Coordinator{
		queue:   queue,
		client:  client,
		rdb:     rdb,
		sink:    sink,
		metrics: metrics,
		logger:  logger.Named("sync-coordinator"),
		events:  make(chan Event, 64),
		now:     time.Now,
	}
	queue.OnUpdate(func() {
		c.publish(Event{Type: EventQueueUpdated, Depth: queue.Len()})
	})
	return c
}

// Events — типизированный канал событий координатора.
func (c *Coordinator) Events() <-chan Event {
	return c.events
}

// Online сообщает текущее состояние сети.
func (c *Coordinator) Online() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

// SetOnline фиксирует переход сети. Переход offline -> online
// автоматически запускает проход синхронизации.
func (c *Coordinator) SetOnline(ctx context.Context, online bool) {
	c.mu.Lock()
	was := c.online
	c.online = online
	c.mu.Unlock()
	if was == online {
		return
	}

	if online {
		c.logger.Info("network is back online")
		c.publish(Event{Type: EventOnline})
		go func() {
			if _, err := c.Sync(ctx); err != nil && !errors.Is(err, ErrOffline) {
				c.logger.Warn("automatic sync after reconnect failed", zap.Error(err))
			}
		}()
	} else {
		c.logger.Info("network went offline")
		c.publish(Event{Type: EventOffline})
	}
}

// HandleSignal применяет управляющий сигнал из Pub/Sub канала:
// "network" переключает онлайн-состояние, "queue" — прием операций.
func (c *Coordinator) HandleSignal(ctx context.Context, name string, enabled bool) {
	switch name {
	case "network":
		c.SetOnline(ctx, enabled)
	case "queue":
		c.queue.SetEnabled(enabled)
		c.logger.Info("queue enablement switched remotely", zap.Bool("enabled", enabled))
	default:
		c.logger.Warn("unknown control signal", zap.String("signal", name))
	}
}

// Sync — один проход: FIFO-обход очереди, ретраи и разрешение конфликтов.
// Проходы не накладываются друг на друга.
func (c *Coordinator) Sync(ctx context.Context) (domain.SyncResult, error) {
	if !c.Online() {
		return domain.SyncResult{}, ErrOffline
	}
	if !atomic.CompareAndSwapInt32(&c.syncInFlight, 0, 1) {
		return domain.SyncResult{}, errors.New("sync already in progress")
	}
	defer atomic.StoreInt32(&c.syncInFlight, 0)

	result := domain.SyncResult{StartedAt: c.now()}
	ops := c.queue.QueuedOperations()
	removed := make(map[string]bool)
	updated := make(map[string]domain.QueuedOperation)

	for _, op := range ops {
		keep, err := c.syncOne(ctx, op, &result)
		if err != nil {
			c.logger.Warn("operation sync failed",
				zap.String("op_id", op.ID),
				zap.String("entity", op.Entity),
				zap.Error(err),
			)
		}
		if keep == nil {
			removed[op.ID] = true
		} else {
			updated[op.ID] = *keep
		}
	}

	if err := c.queue.ApplySyncOutcome(ctx, removed, updated); err != nil {
		return result, err
	}
	remaining := c.queue.Len()

	result.FinishedAt = c.now()
	c.metrics.SyncedTotal.Add(float64(result.SyncedItems))
	c.metrics.FailedTotal.Add(float64(result.FailedItems))
	c.logger.Info("sync pass finished",
		zap.Int("synced", result.SyncedItems),
		zap.Int("failed", result.FailedItems),
		zap.Int("conflicts", len(result.Conflicts)),
		zap.Int("remaining", remaining),
	)

	c.publish(Event{Type: EventSyncCompleted, Depth: remaining, Result: &result})
	if c.sink != nil {
		c.sink.Log(history.Event{
			ID:        uuid.New().String(),
			Kind:      history.KindSync,
			RefID:     "",
			Action:    "completed",
			Payload:   history.MarshalPayload(result),
			Timestamp: result.FinishedAt,
		})
	}
	return result, nil
}

// syncOne обрабатывает одну операцию. Возвращает операцию, если она
// должна остаться в очереди до следующего прохода.
func (c *Coordinator) syncOne(ctx context.Context, op domain.QueuedOperation, result *domain.SyncResult) (*domain.QueuedOperation, error) {
	err := c.client.Submit(ctx, op, false)
	if err == nil {
		result.SyncedItems++
		return nil, nil
	}

	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return c.resolveConflict(ctx, op, conflict, result)
	}
	return c.retryOrDrop(op, result, err)
}

// resolveConflict применяет настроенную политику примирения.
func (c *Coordinator) resolveConflict(ctx context.Context, op domain.QueuedOperation, conflict *ConflictError, result *domain.SyncResult) (*domain.QueuedOperation, error) {
	policy := domain.ConflictResolution(c.queue.Config().ConflictResolution)
	result.Conflicts = append(result.Conflicts, domain.Conflict{
		OperationID: op.ID,
		Entity:      op.Entity,
		LocalData:   op.Payload,
		ServerData:  conflict.ServerData,
		Resolution:  policy,
		OccurredAt:  c.now(),
	})
	c.logger.Warn("conflict detected",
		zap.String("op_id", op.ID),
		zap.String("entity", op.Entity),
		zap.String("resolution", string(policy)),
	)

	switch policy {
	case domain.ResolveServerWins:
		// Сервер прав: локальную мутацию выбрасываем, расхождения больше нет
		result.SyncedItems++
		return nil, nil

	case domain.ResolveClientWins:
		if err := c.client.Submit(ctx, op, true); err != nil {
			return c.retryOrDrop(op, result, err)
		}
		result.SyncedItems++
		return nil, nil

	case domain.ResolveMerge:
		merged, err := mergePayloads(op.Payload, conflict.ServerData)
		if err != nil {
			return c.retryOrDrop(op, result, fmt.Errorf("merge failed: %w", err))
		}
		op.Payload = merged
		// Слитую версию пробуем еще один раз в рамках того же прохода
		if err := c.client.Submit(ctx, op, true); err != nil {
			return c.retryOrDrop(op, result, err)
		}
		result.SyncedItems++
		return nil, nil

	default:
		return c.retryOrDrop(op, result, fmt.Errorf("unknown conflict resolution policy %q", policy))
	}
}

// retryOrDrop инкрементирует счетчик попыток; выбравшая лимит операция
// выбрасывается и считается проваленной.
func (c *Coordinator) retryOrDrop(op domain.QueuedOperation, result *domain.SyncResult, cause error) (*domain.QueuedOperation, error) {
	op.RetryCount++
	if op.RetryCount > op.MaxRetries {
		result.FailedItems++
		exhausted := &RetriesExhaustedError{OperationID: op.ID, Attempts: op.RetryCount}
		c.logger.Error("operation dropped",
			zap.String("op_id", op.ID),
			zap.String("entity", op.Entity),
			zap.Error(cause),
		)
		return nil, exhausted
	}
	return &op, cause
}

// mergePayloads — поверхностное слияние JSON-объектов: база серверная,
// локальные поля перекрывают.
func mergePayloads(local, server json.RawMessage) (json.RawMessage, error) {
	var localMap, serverMap map[string]json.RawMessage
	if err := json.Unmarshal(local, &localMap); err != nil {
		return nil, fmt.Errorf("local payload is not an object: %w", err)
	}
	if len(server) > 0 {
		if err := json.Unmarshal(server, &serverMap); err != nil {
			return nil, fmt.Errorf("server payload is not an object: %w", err)
		}
	}
	if serverMap == nil {
		serverMap = make(map[string]json.RawMessage)
	}
	for k, v := range localMap {
		serverMap[k] = v
	}
	return json.Marshal(serverMap)
}

func (c *Coordinator) publish(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.logger.Warn("event channel full, event dropped", zap.String("type", string(ev.Type)))
	}

	if c.rdb != nil {
		if err := c.rdb.Publish(context.Background(), infra.RedisChanQueueEvents, string(history.MarshalPayload(ev))).Err(); err != nil {
			c.logger.Debug("redis publish failed", zap.Error(err))
		}
	}
}
