package breaker

import (
	"sync"

	"go.uber.org/zap"
)

// Manager держит по одному предохранителю на каждую защищаемую зависимость.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      Config
	logger   *zap.Logger

	// Callback на смену состояния (прометей-гейдж подключается в main)
	onStateChange func(name string, s State)
}

func NewManager(cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		breakers: make(map[string]*Breaker),
		cfg:      cfg,
		logger:   logger,
	}
}

// OnStateChange регистрирует наблюдателя переходов. Вызывать до первого GetOrCreate.
func (m *Manager) OnStateChange(fn func(name string, s State)) {
	m.onStateChange = fn
}

// GetOrCreate возвращает предохранитель зависимости, создавая при первом обращении.
func (m *Manager) GetOrCreate(dependency string) *Breaker {
	m.mu.RLock()
	if b, ok := m.breakers[dependency]; ok {
		m.mu.RUnlock()
		return b
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Перепроверка после взятия write-лока
	if b, ok := m.breakers[dependency]; ok {
		return b
	}

	b := New(dependency, m.cfg, m.logger)
	b.onStateChange = m.onStateChange
	m.breakers[dependency] = b

	m.logger.Info("circuit breaker created",
		zap.String("dependency", dependency),
		zap.Int("failure_threshold", b.cfg.FailureThreshold),
		zap.Duration("reset_timeout", b.cfg.ResetTimeout),
	)
	return b
}

// Get возвращает существующий предохранитель.
func (m *Manager) Get(dependency string) (*Breaker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.breakers[dependency]
	return b, ok
}

// Execute — удобный шорткат: вызов fn под предохранителем зависимости.
func (m *Manager) Execute(dependency string, fn func() error) error {
	return m.GetOrCreate(dependency).Execute(fn)
}

// AllMetrics — снапшоты всех предохранителей для дашбордов.
func (m *Manager) AllMetrics() []Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Metrics, 0, len(m.breakers))
	for _, b := range m.breakers {
		out = append(out, b.Metrics())
	}
	return out
}
