package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/xela07ax/spaceai-sentinel/internal/domain"
	"github.com/xela07ax/spaceai-sentinel/internal/infra"
	"github.com/xela07ax/spaceai-sentinel/internal/telemetry"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Storage — персистентность очереди: весь список операций целиком
// под одним ключом.
type Storage interface {
	Load(ctx context.Context) ([]domain.QueuedOperation, error)
	Save(ctx context.Context, ops []domain.QueuedOperation) error
}

// RedisStorage хранит очередь как JSON-список под одним неймспейсным ключом.
type RedisStorage struct {
	rdb    *redis.Client
	logger *zap.Logger
}

func NewRedisStorage(rdb *redis.Client, logger *zap.Logger) *RedisStorage {
	return &RedisStorage{rdb: rdb, logger: logger.Named("queue-storage")}
}

func (s *RedisStorage) Load(ctx context.Context) ([]domain.QueuedOperation, error) {
	raw, err := s.rdb.Get(ctx, infra.RedisKeyOfflineQueue).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue storage load: %w", err)
	}

	var ops []domain.QueuedOperation
	if err := json.Unmarshal([]byte(raw), &ops); err != nil {
		// Битое содержимое — пустая очередь, не фатал
		s.logger.Warn("stored queue is malformed, starting empty", zap.Error(err))
		return nil, nil
	}
	return ops, nil
}

func (s *RedisStorage) Save(ctx context.Context, ops []domain.QueuedOperation) error {
	raw, err := json.Marshal(ops)
	if err != nil {
		return fmt.Errorf("queue storage marshal: %w", err)
	}
	if err := s.rdb.Set(ctx, infra.RedisKeyOfflineQueue, raw, 0).Err(); err != nil {
		return fmt.Errorf("queue storage save: %w", err)
	}
	return nil
}

// MemoryStorage — встроенная реализация для тестов и одиночных запусков.
type MemoryStorage struct {
	mu  sync.Mutex
	ops []domain.QueuedOperation
}

func NewMemoryStorage() *MemoryStorage { return &MemoryStorage{} }

func (s *MemoryStorage) Load(ctx context.Context) ([]domain.QueuedOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.QueuedOperation, len(s.ops))
	copy(out, s.ops)
	return out, nil
}

func (s *MemoryStorage) Save(ctx context.Context, ops []domain.QueuedOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = make([]domain.QueuedOperation, len(ops))
	copy(s.ops, ops)
	return nil
}

// Queue — ограниченная FIFO-очередь мутаций с персистентностью каждого
// изменения. При переполнении новые операции отклоняются: накопленный
// хвост ценнее свежей мутации, которую клиент еще может повторить сам.
type Queue struct {
	mu      sync.RWMutex
	ops     []domain.QueuedOperation
	cfg     infra.QueueConfig
	storage Storage
	metrics *telemetry.Metrics
	logger  *zap.Logger
	now     func() time.Time

	onUpdate func() // уведомление координатора о смене состава очереди
}

func NewQueue(cfg infra.QueueConfig, storage Storage, metrics *telemetry.Metrics, logger *zap.Logger) (*Queue, error) {
	if metrics == nil {
		metrics = telemetry.NewMetrics(nil)
	}
	q := &Queue{
		cfg:     cfg,
		storage: storage,
		metrics: metrics,
		logger:  logger.Named("offline-queue"),
		now:     time.Now,
	}
	ops, err := storage.Load(context.Background())
	if err != nil {
		return nil, err
	}
	q.ops = ops
	q.metrics.QueueDepth.Set(float64(len(ops)))
	q.logger.Info("queue restored", zap.Int("depth", len(ops)))
	return q, nil
}

// OnUpdate регистрирует колбэк на изменение очереди.
func (q *Queue) OnUpdate(fn func()) {
	q.mu.Lock()
	q.onUpdate = fn
	q.mu.Unlock()
}

// Enqueue добавляет операцию и персистит очередь целиком.
func (q *Queue) Enqueue(ctx context.Context, opType domain.OperationType, entity string, payload json.RawMessage) (domain.QueuedOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.cfg.Enabled {
		return domain.QueuedOperation{}, &QueueDisabledError{}
	}
	if q.cfg.MaxQueueSize > 0 && len(q.ops) >= q.cfg.MaxQueueSize {
		return domain.QueuedOperation{}, ErrQueueFull
	}

	op := domain.QueuedOperation{
		ID:         uuid.New().String(),
		Type:       opType,
		Entity:     entity,
		Payload:    payload,
		EnqueuedAt: q.now(),
		MaxRetries: q.cfg.MaxRetries,
	}
	q.ops = append(q.ops, op)
	if err := q.persistLocked(ctx); err != nil {
		// Откатываем: очередь в памяти не должна расходиться с диском
		q.ops = q.ops[:len(q.ops)-1]
		return domain.QueuedOperation{}, err
	}

	q.metrics.QueueDepth.Set(float64(len(q.ops)))
	q.logger.Debug("operation queued",
		zap.String("op_id", op.ID),
		zap.String("entity", entity),
		zap.Int("depth", len(q.ops)),
	)
	q.notifyLocked()
	return op, nil
}

// QueuedOperations возвращает копию очереди в FIFO-порядке.
func (q *Queue) QueuedOperations() []domain.QueuedOperation {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]domain.QueuedOperation, len(q.ops))
	copy(out, q.ops)
	return out
}

// Len возвращает глубину очереди.
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.ops)
}

// Remove удаляет операцию по id. Повторное удаление — no-op, false.
func (q *Queue) Remove(ctx context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeLocked(ctx, id)
}

func (q *Queue) removeLocked(ctx context.Context, id string) (bool, error) {
	for i, op := range q.ops {
		if op.ID != id {
			continue
		}
		q.ops = append(q.ops[:i], q.ops[i+1:]...)
		if err := q.persistLocked(ctx); err != nil {
			return false, err
		}
		q.metrics.QueueDepth.Set(float64(len(q.ops)))
		q.notifyLocked()
		return true, nil
	}
	return false, nil
}

// Clear опустошает очередь.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ops = nil
	if err := q.persistLocked(ctx); err != nil {
		return err
	}
	q.metrics.QueueDepth.Set(0)
	q.notifyLocked()
	return nil
}

// ApplySyncOutcome атомарно применяет итог прохода синка: удаляет
// обработанные операции и обновляет счетчики попыток оставшихся.
// Операции, добавленные во время прохода, не затрагивает.
func (q *Queue) ApplySyncOutcome(ctx context.Context, removed map[string]bool, updated map[string]domain.QueuedOperation) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.ops[:0]
	for _, op := range q.ops {
		if removed[op.ID] {
			continue
		}
		if u, ok := updated[op.ID]; ok {
			op = u
		}
		kept = append(kept, op)
	}
	q.ops = kept
	if err := q.persistLocked(ctx); err != nil {
		return err
	}
	q.metrics.QueueDepth.Set(float64(len(q.ops)))
	q.notifyLocked()
	return nil
}

// ConfigPatch — частичное обновление настроек очереди.
type ConfigPatch struct {
	Enabled            *bool                      `json:"enabled,omitempty"`
	MaxQueueSize       *int                       `json:"max_queue_size,omitempty"`
	MaxRetries         *int                       `json:"max_retries,omitempty"`
	ConflictResolution *domain.ConflictResolution `json:"conflict_resolution,omitempty"`
}

// UpdateConfig применяет частичный патч настроек.
func (q *Queue) UpdateConfig(patch ConfigPatch) infra.QueueConfig {
	q.mu.Lock()
	defer q.mu.Unlock()
	if patch.Enabled != nil {
		q.cfg.Enabled = *patch.Enabled
	}
	if patch.MaxQueueSize != nil {
		q.cfg.MaxQueueSize = *patch.MaxQueueSize
	}
	if patch.MaxRetries != nil {
		q.cfg.MaxRetries = *patch.MaxRetries
	}
	if patch.ConflictResolution != nil {
		q.cfg.ConflictResolution = string(*patch.ConflictResolution)
	}
	q.logger.Info("queue config updated",
		zap.Bool("enabled", q.cfg.Enabled),
		zap.Int("max_queue_size", q.cfg.MaxQueueSize),
		zap.Int("max_retries", q.cfg.MaxRetries),
		zap.String("conflict_resolution", q.cfg.ConflictResolution),
	)
	return q.cfg
}

// Config возвращает текущие настройки.
func (q *Queue) Config() infra.QueueConfig {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.cfg
}

// SetEnabled включает/выключает прием операций.
func (q *Queue) SetEnabled(enabled bool) {
	q.mu.Lock()
	q.cfg.Enabled = enabled
	q.mu.Unlock()
}

func (q *Queue) persistLocked(ctx context.Context) error {
	return q.storage.Save(ctx, q.ops)
}

func (q *Queue) notifyLocked() {
	if q.onUpdate != nil {
		// Не под нашим локом у подписчика: колбэк обязан быть быстрым
		// и не дергать очередь синхронно
		go q.onUpdate()
	}
}
