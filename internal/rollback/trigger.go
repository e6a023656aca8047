package rollback

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xela07ax/spaceai-sentinel/internal/domain"
	"github.com/xela07ax/spaceai-sentinel/internal/evaluate"
	"github.com/xela07ax/spaceai-sentinel/internal/infra"
	"github.com/xela07ax/spaceai-sentinel/internal/telemetry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// SnapshotSource — что нужно триггерам от буфера снапшотов: окно для
// оценки условий и последний снапшот для трекинга версии деплоя.
type SnapshotSource interface {
	evaluate.WindowProvider
	Latest() (domain.MetricSnapshot, bool)
}

// TriggerEngine гоняет условия здоровья деплоя тем же циклом, что и алерты,
// и при autoRollback синтезирует план current -> previous stable.
type TriggerEngine struct {
	mu        sync.RWMutex
	triggers  map[string]*domain.RollbackTrigger
	lastFired map[string]time.Time

	// Трекинг версий: текущая из контекста снапшотов, предыдущая
	// стабильная — кандидат на цель отката
	currentVersion string
	stableVersion  string

	buf      SnapshotSource
	executor *Executor
	rdb      *redis.Client
	metrics  *telemetry.Metrics
	logger   *zap.Logger
	cfg      infra.RollbackConfig

	passInFlight int32
	now          func() time.Time
}

func NewTriggerEngine(
	cfg infra.RollbackConfig,
	buf SnapshotSource,
	executor *Executor,
	rdb *redis.Client,
	metrics *telemetry.Metrics,
	logger *zap.Logger,
) *TriggerEngine {
	if metrics == nil {
		metrics = telemetry.NewMetrics(nil)
	}
	return &TriggerEngine{
		triggers:  make(map[string]*domain.RollbackTrigger),
		lastFired: make(map[string]time.Time),
		buf:       buf,
		executor:  executor,
		rdb:       rdb,
		metrics:   metrics,
		logger:    logger.Named("rollback-triggers"),
		cfg:       cfg,
		now:       time.Now,
	}
}

// Start крутит периодический цикл оценки триггеров до отмены контекста.
func (te *TriggerEngine) Start(ctx context.Context) {
	interval := te.cfg.EvalInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	te.restoreStableVersion(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	te.logger.Info("trigger loop started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			te.logger.Info("trigger loop stopping by context...")
			return
		case <-ticker.C:
			te.EvaluatePass(ctx)
		}
	}
}

// --- Управление триггерами ---

// RegisterTrigger валидирует и добавляет триггер автоотката.
func (te *TriggerEngine) RegisterTrigger(tr domain.RollbackTrigger) error {
	if tr.ID == "" {
		return fmt.Errorf("rollback trigger: id is required")
	}
	if len(tr.Conditions) == 0 {
		return fmt.Errorf("rollback trigger %s: at least one condition is required", tr.ID)
	}
	for _, c := range tr.Conditions {
		if c.Metric == "" || c.TimeWindow <= 0 {
			return fmt.Errorf("rollback trigger %s: condition metric and positive time window are required", tr.ID)
		}
	}
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = te.now()
	}

	te.mu.Lock()
	defer te.mu.Unlock()
	if _, exists := te.triggers[tr.ID]; exists {
		return fmt.Errorf("rollback trigger %s already exists", tr.ID)
	}
	te.triggers[tr.ID] = &tr
	te.logger.Info("rollback trigger registered",
		zap.String("trigger_id", tr.ID),
		zap.Bool("auto_rollback", tr.AutoRollback),
	)
	return nil
}

// DeleteTrigger удаляет триггер.
func (te *TriggerEngine) DeleteTrigger(id string) bool {
	te.mu.Lock()
	defer te.mu.Unlock()
	if _, ok := te.triggers[id]; !ok {
		return false
	}
	delete(te.triggers, id)
	return true
}

// Triggers возвращает копию набора триггеров.
func (te *TriggerEngine) Triggers() []domain.RollbackTrigger {
	te.mu.RLock()
	defer te.mu.RUnlock()
	out := make([]domain.RollbackTrigger, 0, len(te.triggers))
	for _, tr := range te.triggers {
		out = append(out, *tr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// --- Цикл оценки ---

// EvaluatePass — один проход: обновить трекинг версий, прогнать условия.
func (te *TriggerEngine) EvaluatePass(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&te.passInFlight, 0, 1) {
		te.logger.Warn("previous trigger pass still running, tick suppressed")
		return
	}
	defer atomic.StoreInt32(&te.passInFlight, 0)

	start := te.now()
	defer func() {
		te.metrics.EvalDuration.WithLabelValues("rollback").Observe(te.now().Sub(start).Seconds())
	}()

	te.trackVersions(ctx)

	te.mu.RLock()
	triggers := make([]domain.RollbackTrigger, 0, len(te.triggers))
	for _, tr := range te.triggers {
		triggers = append(triggers, *tr)
	}
	te.mu.RUnlock()

	for _, tr := range triggers {
		if !tr.Enabled {
			continue
		}
		te.evaluateTrigger(ctx, tr)
	}
}

// trackVersions обновляет текущую/стабильную версии из контекста снапшотов.
// Смена версии в потоке метрик означает новый деплой: прежняя текущая
// становится кандидатом в стабильные.
func (te *TriggerEngine) trackVersions(ctx context.Context) {
	latest, ok := te.buf.Latest()
	if !ok || latest.Context.DeploymentVersion == "" {
		return
	}
	v := latest.Context.DeploymentVersion

	te.mu.Lock()
	defer te.mu.Unlock()
	if v == te.currentVersion {
		return
	}
	if te.currentVersion != "" {
		te.stableVersion = te.currentVersion
		te.persistStableVersion(ctx, te.stableVersion)
	}
	te.logger.Info("deployment version changed",
		zap.String("from", te.currentVersion),
		zap.String("to", v),
	)
	te.currentVersion = v
}

func (te *TriggerEngine) evaluateTrigger(ctx context.Context, tr domain.RollbackTrigger) {
	met, readings := evaluate.Rule(tr.Conditions, te.buf, te.now())
	if !met {
		return
	}

	now := te.now()
	te.mu.Lock()
	if last, ok := te.lastFired[tr.ID]; ok && tr.Cooldown > 0 && now.Sub(last) < tr.Cooldown {
		te.mu.Unlock()
		return
	}
	te.lastFired[tr.ID] = now
	current, stable := te.currentVersion, te.stableVersion
	te.mu.Unlock()

	te.logger.Warn("rollback trigger fired",
		zap.String("trigger_id", tr.ID),
		zap.String("name", tr.Name),
		zap.Bool("auto_rollback", tr.AutoRollback),
	)

	if !tr.AutoRollback {
		return // триггер только сигналит, решение за человеком
	}
	if current == "" || stable == "" {
		te.logger.Error("auto rollback skipped: version history is incomplete",
			zap.String("current", current), zap.String("stable", stable))
		return
	}

	plan, err := BuildPlan(current, stable, nil, now)
	if err != nil {
		te.logger.Error("auto rollback plan synthesis failed", zap.Error(err))
		return
	}

	reason := fmt.Sprintf("trigger %s: %s", tr.ID, describeReadings(readings))
	if _, err := te.executor.ExecuteAutomatic(ctx, plan, reason); err != nil {
		// План с approval автоматика исполнять не вправе
		te.logger.Error("automatic rollback rejected", zap.Error(err))
	}
}

// RequestRollback — запрос отката извне цикла (действие типа rollback в
// правиле алертинга). Синтезирует канонический план current -> stable
// и исполняет его как автоматический.
func (te *TriggerEngine) RequestRollback(ctx context.Context, reason string) error {
	te.mu.RLock()
	current, stable := te.currentVersion, te.stableVersion
	te.mu.RUnlock()

	if current == "" || stable == "" {
		return fmt.Errorf("rollback requested but version history is incomplete (current=%q, stable=%q)", current, stable)
	}
	plan, err := BuildPlan(current, stable, nil, te.now())
	if err != nil {
		return err
	}
	_, err = te.executor.ExecuteAutomatic(ctx, plan, reason)
	return err
}

// --- Персистентность стабильной версии ---

func (te *TriggerEngine) persistStableVersion(ctx context.Context, v string) {
	if te.rdb == nil {
		return
	}
	if err := te.rdb.Set(ctx, infra.RedisKeyStableVersion, v, 0).Err(); err != nil {
		te.logger.Warn("failed to persist stable version", zap.Error(err))
	}
}

func (te *TriggerEngine) restoreStableVersion(ctx context.Context) {
	if te.rdb == nil {
		return
	}
	v, err := te.rdb.Get(ctx, infra.RedisKeyStableVersion).Result()
	if err != nil {
		return // ключа нет или redis недоступен, начинаем с чистого листа
	}
	te.mu.Lock()
	te.stableVersion = v
	te.mu.Unlock()
	te.logger.Info("stable version restored", zap.String("version", v))
}

func describeReadings(readings []domain.ConditionReading) string {
	out := ""
	for i, r := range readings {
		if i > 0 {
			out += "; "
		}
		out += evaluate.DescribeReading(r)
	}
	return out
}
