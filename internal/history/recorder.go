package history

/*
Файл recorder.go реализует журнал событий контура безопасности — переходы
алертов, результаты шагов отката, исходы синхронизации.

Ключевые особенности архитектуры:
- Non-blocking Logging: события уходят из hot path движков через неблокирующий
  канал, задержки БД не влияют на цикл оценки.
- Batching: накопление в памяти и пакетная запись в PostgreSQL по таймеру
  или при достижении лимита (100 событий).
- Drain Pattern & Graceful Shutdown: при остановке буфер вычитывается до конца,
  финальный flush гарантирует отсутствие потерь при перезагрузке.
*/

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// EventKind — категория записи журнала.
type EventKind string

const (
	KindAlert    EventKind = "alert"
	KindRollback EventKind = "rollback"
	KindSync     EventKind = "sync"
)

// Event — одна запись журнала контура.
type Event struct {
	ID        string          `json:"id"`
	Kind      EventKind       `json:"kind"`
	RefID     string          `json:"ref_id"`  // id алерта/исполнения/операции
	Action    string          `json:"action"`  // triggered, resolved, step_completed...
	Payload   json.RawMessage `json:"payload"` // снапшот объекта на момент события
	Timestamp time.Time       `json:"timestamp"`
}

// Storage определяет, куда физически сохраняются записи.
type Storage interface {
	// WriteBatch сохраняет пачку событий за один раз
	WriteBatch(ctx context.Context, events []Event) error
}

// Sink — интерфейс для движков: неблокирующая запись одного события.
type Sink interface {
	Log(event Event)
}

type Recorder struct {
	ch     chan Event
	repo   Storage
	logger *zap.Logger
	wg     sync.WaitGroup
	// Атомарный флаг (0 - открыт, 1 - закрыт): Log после Stop безопасно отбрасывается
	isClosed int32
}

func NewRecorder(repo Storage, logger *zap.Logger) *Recorder {
	return &Recorder{
		ch:     make(chan Event, 10000),
		repo:   repo,
		logger: logger.With(zap.String("mod", "history")),
	}
}

func (r *Recorder) Start() {
	r.wg.Add(1)
	go r.worker()
}

// Stop «запирает» вход в канал и ждет, пока воркер всё допишет.
func (r *Recorder) Stop() {
	atomic.StoreInt32(&r.isClosed, 1)

	// Крошечная пауза, чтобы текущие Log успели проскочить
	time.Sleep(10 * time.Millisecond)

	r.logger.Info("stopping history recorder: closing channel and flushing buffer...")
	close(r.ch) // Новые события больше не принимаются
	r.wg.Wait() // Воркер вычитает остатки и вызовет финальный flush
	r.logger.Info("history recorder stopped gracefully")
}

func (r *Recorder) Log(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if atomic.LoadInt32(&r.isClosed) == 1 {
		r.logger.Warn("history event dropped: recorder is stopping", zap.String("ref_id", event.RefID))
		return
	}

	// Load Shedding: при переполнении буфера запись уходит в обычный лог
	select {
	case r.ch <- event:
	default:
		r.logger.Error("history_buffer_overflow",
			zap.String("kind", string(event.Kind)),
			zap.String("ref_id", event.RefID),
		)
	}
}

func (r *Recorder) worker() {
	defer r.wg.Done()

	batch := make([]Event, 0, 100)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	flush := func() {
		if len(batch) > 0 {
			// Background: основной контекст на момент shutdown может быть уже закрыт
			if err := r.repo.WriteBatch(context.Background(), batch); err != nil {
				r.logger.Error("history flush failed", zap.Error(err))
			}
			batch = batch[:0]
		}
	}

	for {
		select {
		case event, ok := <-r.ch:
			if !ok {
				// Канал закрыт в Stop(): финальный сброс и выход
				flush()
				r.logger.Info("history worker finished")
				return
			}
			batch = append(batch, event)
			if len(batch) >= 100 {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// MarshalPayload — хелпер для движков: снапшот объекта в JSON без ошибок в hot path.
func MarshalPayload(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
