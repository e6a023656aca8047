package snapshot

import (
	"sync"
	"time"

	"github.com/xela07ax/spaceai-sentinel/internal/domain"
)

// Buffer — ограниченное, упорядоченное по времени хранилище срезов метрик.
// Записи неизменяемы после добавления; всё старше retention вытесняется.
type Buffer struct {
	mu        sync.RWMutex
	entries   []domain.MetricSnapshot
	retention time.Duration
	now       func() time.Time
}

func NewBuffer(retention time.Duration) *Buffer {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &Buffer{
		retention: retention,
		now:       time.Now,
	}
}

// Add добавляет срез, сохраняя сортировку по времени, и вытесняет устаревшие записи.
func (b *Buffer) Add(s domain.MetricSnapshot) {
	if s.Timestamp.IsZero() {
		s.Timestamp = b.now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// Срезы почти всегда приходят по порядку — вставка в конец дешевая.
	// Для редких опоздавших ищем позицию с хвоста.
	i := len(b.entries)
	for i > 0 && b.entries[i-1].Timestamp.After(s.Timestamp) {
		i--
	}
	b.entries = append(b.entries, domain.MetricSnapshot{})
	copy(b.entries[i+1:], b.entries[i:])
	b.entries[i] = s

	b.evictLocked()
}

// Window возвращает копию срезов в интервале [from, now].
func (b *Buffer) Window(from time.Time) []domain.MetricSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	// Бинарный поиск не нужен: окна считаются раз в 30с, буфер невелик
	out := make([]domain.MetricSnapshot, 0)
	for _, e := range b.entries {
		if !e.Timestamp.Before(from) {
			out = append(out, e)
		}
	}
	return out
}

// Latest возвращает самый свежий срез.
func (b *Buffer) Latest() (domain.MetricSnapshot, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.entries) == 0 {
		return domain.MetricSnapshot{}, false
	}
	return b.entries[len(b.entries)-1], true
}

// Len — текущее число срезов в буфере.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// Вытеснение отсчитывается от самого свежего среза, а не от wall clock:
// буфер остается детерминированным при повторном проигрывании истории.
func (b *Buffer) evictLocked() {
	if len(b.entries) == 0 {
		return
	}
	cutoff := b.entries[len(b.entries)-1].Timestamp.Add(-b.retention)
	idx := 0
	for idx < len(b.entries) && b.entries[idx].Timestamp.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		b.entries = append(b.entries[:0], b.entries[idx:]...)
	}
}
