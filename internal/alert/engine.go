package alert

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xela07ax/spaceai-sentinel/internal/actions"
	"github.com/xela07ax/spaceai-sentinel/internal/domain"
	"github.com/xela07ax/spaceai-sentinel/internal/evaluate"
	"github.com/xela07ax/spaceai-sentinel/internal/history"
	"github.com/xela07ax/spaceai-sentinel/internal/infra"
	"github.com/xela07ax/spaceai-sentinel/internal/sched"
	"github.com/xela07ax/spaceai-sentinel/internal/telemetry"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EventType — тип события жизненного цикла алерта.
type EventType string

const (
	EventTriggered    EventType = "triggered"
	EventRefreshed    EventType = "refreshed"
	EventResolved     EventType = "resolved"
	EventSuppressed   EventType = "suppressed"
	EventUnsuppressed EventType = "unsuppressed"
	EventEscalated    EventType = "escalated"
)

// Event — типизированное событие для внешних потребителей.
type Event struct {
	Type  EventType    `json:"type"`
	Alert domain.Alert `json:"alert"`
}

// Engine владеет жизненным циклом правил и алертов и крутит цикл оценки.
// Инвариант: на одно правило — не более одного открытого алерта.
type Engine struct {
	mu           sync.RWMutex
	rules        map[string]*domain.AlertRule
	alerts       map[string]*domain.Alert
	activeByRule map[string]string // ruleID -> id открытого алерта
	historyList  []domain.Alert    // завершенные и текущие версии, хвост — самые свежие
	lastTrigger  map[string]time.Time

	// Отменяемые таймеры: эскалации и снятие саппрешена, по id алерта
	escalationTimers map[string]*sched.Handle
	suppressTimers   map[string]*sched.Handle

	buf        evaluate.WindowProvider
	dispatcher *actions.Dispatcher
	rdb        *redis.Client
	sink       history.Sink
	metrics    *telemetry.Metrics
	logger     *zap.Logger
	cfg        infra.AlertingConfig

	events chan Event
	// Проход не должен накладываться сам на себя: незавершенный проход гасит следующий тик
	passInFlight int32
	now          func() time.Time
}

func NewEngine(
	cfg infra.AlertingConfig,
	buf evaluate.WindowProvider,
	dispatcher *actions.Dispatcher,
	rdb *redis.Client,
	sink history.Sink,
	metrics *telemetry.Metrics,
	logger *zap.Logger,
) *Engine {
	if metrics == nil {
		metrics = telemetry.NewMetrics(nil)
	}
	return &Engine{
		rules:            make(map[string]*domain.AlertRule),
		alerts:           make(map[string]*domain.Alert),
		activeByRule:     make(map[string]string),
		lastTrigger:      make(map[string]time.Time),
		escalationTimers: make(map[string]*sched.Handle),
		suppressTimers:   make(map[string]*sched.Handle),
		buf:              buf,
		dispatcher:       dispatcher,
		rdb:              rdb,
		sink:             sink,
		metrics:          metrics,
		logger:           logger.Named("alert-engine"),
		cfg:              cfg,
		events:           make(chan Event, 256),
		now:              time.Now,
	}
}

// Events — типизированный канал событий. Потребитель подписывается на время
// жизни собственного компонента; переполнение сбрасывается, не блокируя движок.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// Start запускает периодический цикл оценки до отмены контекста.
func (e *Engine) Start(ctx context.Context) {
	interval := e.cfg.EvalInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info("evaluation loop started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("evaluation loop stopping by context...")
			e.cancelAllTimers()
			return
		case <-ticker.C:
			e.EvaluatePass(ctx)
		}
	}
}

// --- Управление правилами ---

// RegisterRule валидирует и добавляет правило. Типы действий проверяются
// против реестра обработчиков: незнакомый тип — ошибка, а не тихий no-op.
func (e *Engine) RegisterRule(rule domain.AlertRule) error {
	if err := rule.Validate(e.dispatcher.Supports); err != nil {
		return err
	}
	now := e.now()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.rules[rule.ID]; exists {
		return fmt.Errorf("alert rule %s already exists", rule.ID)
	}
	e.rules[rule.ID] = &rule
	e.logger.Info("rule registered", zap.String("rule_id", rule.ID), zap.String("name", rule.Name))
	return nil
}

// UpdateRule заменяет правило. Открытый алерт правила не трогаем:
// его судьбу решит следующий проход по новым условиям.
func (e *Engine) UpdateRule(rule domain.AlertRule) error {
	if err := rule.Validate(e.dispatcher.Supports); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	old, exists := e.rules[rule.ID]
	if !exists {
		return fmt.Errorf("alert rule %s not found", rule.ID)
	}
	rule.CreatedAt = old.CreatedAt
	rule.UpdatedAt = e.now()
	e.rules[rule.ID] = &rule
	return nil
}

// DeleteRule удаляет правило и резолвит его открытый алерт.
func (e *Engine) DeleteRule(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.rules[id]; !exists {
		return false
	}
	delete(e.rules, id)
	if alertID, ok := e.activeByRule[id]; ok {
		e.resolveLocked(alertID, "rule deleted")
	}
	return true
}

// Rules возвращает копию набора правил.
func (e *Engine) Rules() []domain.AlertRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]domain.AlertRule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Rule возвращает правило по id.
func (e *Engine) Rule(id string) (domain.AlertRule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.rules[id]
	if !ok {
		return domain.AlertRule{}, false
	}
	return *r, true
}

// --- Цикл оценки ---

// EvaluatePass — один проход по снапшоту набора правил.
// Ошибка оценки одного правила логируется и не прерывает остальные.
func (e *Engine) EvaluatePass(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&e.passInFlight, 0, 1) {
		e.logger.Warn("previous evaluation pass still running, tick suppressed")
		return
	}
	defer atomic.StoreInt32(&e.passInFlight, 0)

	start := e.now()
	defer func() {
		e.metrics.EvalDuration.WithLabelValues("alert").Observe(e.now().Sub(start).Seconds())
	}()

	// Оценка читает снапшот набора правил, никогда — живую мапу
	e.mu.RLock()
	rules := make([]domain.AlertRule, 0, len(e.rules))
	for _, r := range e.rules {
		rules = append(rules, *r)
	}
	e.mu.RUnlock()

	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		e.evaluateRule(ctx, rule)
	}
}

func (e *Engine) evaluateRule(ctx context.Context, rule domain.AlertRule) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("rule evaluation panicked",
				zap.String("rule_id", rule.ID), zap.Any("panic", r))
		}
	}()

	met, readings := evaluate.Rule(rule.Conditions, e.buf, e.now())

	newID, fired := e.applyEvaluation(rule, met, readings)
	if fired {
		e.runActions(ctx, newID, rule.Actions)
	}
}

// applyEvaluation применяет результат оценки к состоянию под блокировкой
// и сообщает, нужно ли вызывающему выполнить действия свежего алерта.
func (e *Engine) applyEvaluation(rule domain.AlertRule, met bool, readings []domain.ConditionReading) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	alertID, hasOpen := e.activeByRule[rule.ID]

	switch {
	case met && !hasOpen:
		return e.triggerLocked(rule, readings)
	case !met && hasOpen:
		e.resolveLocked(alertID, "conditions no longer met")
		e.metrics.AlertsResolved.WithLabelValues(rule.ID).Inc()
	case met && hasOpen:
		// Условия держатся: обновляем показания без повторных действий,
		// чтобы не устраивать нотификационный шторм
		if a, ok := e.alerts[alertID]; ok {
			a.Readings = readings
			a.LastRefreshedAt = e.now()
			e.publishLocked(EventRefreshed, *a)
		}
	}
	return "", false
}

// triggerLocked регистрирует новый алерт и взводит эскалацию. Действия правила
// выполняет вызывающий уже после снятия блокировки: обработчики ходят по сети,
// а действие rollback через исполнителя отката возвращается в RaiseCritical
// этого же движка.
func (e *Engine) triggerLocked(rule domain.AlertRule, readings []domain.ConditionReading) (string, bool) {
	now := e.now()

	// Кулдаун: свежесработавшее правило не триггерим повторно
	if last, ok := e.lastTrigger[rule.ID]; ok && rule.Cooldown > 0 && now.Sub(last) < rule.Cooldown {
		e.logger.Debug("trigger suppressed by cooldown", zap.String("rule_id", rule.ID))
		return "", false
	}

	alert := &domain.Alert{
		ID:              uuid.New().String(),
		RuleID:          rule.ID,
		RuleName:        rule.Name,
		Severity:        rule.Severity,
		Status:          domain.AlertStatusActive,
		Readings:        readings,
		TriggeredAt:     now,
		LastRefreshedAt: now,
	}

	e.alerts[alert.ID] = alert
	e.activeByRule[rule.ID] = alert.ID
	e.lastTrigger[rule.ID] = now
	e.metrics.AlertsTriggered.WithLabelValues(rule.ID, string(rule.Severity)).Inc()
	e.metrics.ActiveAlerts.Set(float64(len(e.activeByRule)))

	e.logger.Warn("alert triggered",
		zap.String("alert_id", alert.ID),
		zap.String("rule_id", rule.ID),
		zap.String("severity", string(rule.Severity)),
	)

	// Первая ступень эскалации, если лестница задана
	if len(rule.Escalations) > 0 {
		e.armEscalationLocked(alert.ID, rule, 0)
	}

	e.publishLocked(EventTriggered, *alert)
	e.record("triggered", *alert)
	return alert.ID, true
}

// runActions выполняет действия ровно один раз, без удержания e.mu.
func (e *Engine) runActions(ctx context.Context, alertID string, list []domain.AlertAction) {
	if len(list) == 0 {
		return
	}
	records := make([]domain.ActionRecord, 0, len(list))
	for _, action := range list {
		records = append(records, e.dispatcher.Dispatch(ctx, action))
	}
	e.mu.Lock()
	if a, ok := e.alerts[alertID]; ok {
		a.ActionLog = append(a.ActionLog, records...)
	}
	e.mu.Unlock()
}

// --- Эскалации ---

func (e *Engine) armEscalationLocked(alertID string, rule domain.AlertRule, rung int) {
	if rung >= len(rule.Escalations) {
		return
	}
	delay := time.Duration(rule.Escalations[rung].AfterMinutes) * time.Minute
	e.escalationTimers[alertID] = sched.After(delay, func() {
		e.escalate(alertID, rule, rung)
	})
}

// escalate срабатывает по таймеру: если алерт всё еще открыт — фиксирует ступень,
// взводит следующую и выполняет действия ступени вне блокировки.
func (e *Engine) escalate(alertID string, rule domain.AlertRule, rung int) {
	if !e.markEscalated(alertID, rule, rung) {
		return
	}
	e.runActions(context.Background(), alertID, rule.Escalations[rung].Actions)
}

func (e *Engine) markEscalated(alertID string, rule domain.AlertRule, rung int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	alert, ok := e.alerts[alertID]
	if !ok || !alert.Status.IsOpen() {
		return false // резолв успел раньше таймера
	}

	// Саппрешен глушит и эскалации: ступень не теряется,
	// а откладывается до конца окна тишины
	if alert.Status == domain.AlertStatusSuppressed {
		delay := time.Second
		if alert.SuppressedUntil != nil {
			if d := alert.SuppressedUntil.Sub(e.now()); d > delay {
				delay = d
			}
		}
		e.escalationTimers[alertID] = sched.After(delay, func() {
			e.escalate(alertID, rule, rung)
		})
		e.logger.Info("escalation deferred by suppression",
			zap.String("alert_id", alertID), zap.Duration("delay", delay))
		return false
	}

	alert.Status = domain.AlertStatusEscalated
	alert.Escalations = append(alert.Escalations, domain.EscalationRecord{
		Level:     len(alert.Escalations) + 1,
		Timestamp: e.now(),
	})

	e.logger.Warn("alert escalated",
		zap.String("alert_id", alertID),
		zap.Int("level", len(alert.Escalations)),
	)

	e.publishLocked(EventEscalated, *alert)
	e.record("escalated", *alert)

	// Следующая ступень взводит собственный таймер
	e.armEscalationLocked(alertID, rule, rung+1)
	return true
}

// RaiseCritical поднимает критичный алерт вне цикла оценки (например,
// о проваленном откате). Повторный подъем того же имени при открытом
// алерте освежает его, не плодя дубликаты.
func (e *Engine) RaiseCritical(name, detail string) {
	ruleID := "manual:" + name

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	if alertID, ok := e.activeByRule[ruleID]; ok {
		if a, found := e.alerts[alertID]; found {
			a.LastRefreshedAt = now
			e.publishLocked(EventRefreshed, *a)
			return
		}
	}

	alert := &domain.Alert{
		ID:              uuid.New().String(),
		RuleID:          ruleID,
		RuleName:        name,
		Severity:        domain.SeverityCritical,
		Status:          domain.AlertStatusActive,
		TriggeredAt:     now,
		LastRefreshedAt: now,
	}
	e.alerts[alert.ID] = alert
	e.activeByRule[ruleID] = alert.ID
	e.metrics.AlertsTriggered.WithLabelValues(ruleID, string(domain.SeverityCritical)).Inc()
	e.metrics.ActiveAlerts.Set(float64(len(e.activeByRule)))

	e.logger.Error("critical alert raised",
		zap.String("alert_id", alert.ID),
		zap.String("name", name),
		zap.String("detail", detail),
	)
	e.publishLocked(EventTriggered, *alert)
	e.record("triggered", *alert)
}

// --- Ручные операции ---

// Resolve вручную резолвит алерт. Повторный резолв — no-op с ответом false.
func (e *Engine) Resolve(alertID, note string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	alert, ok := e.alerts[alertID]
	if !ok || !alert.Status.IsOpen() {
		return false
	}
	e.resolveLocked(alertID, note)
	e.metrics.AlertsResolved.WithLabelValues(alert.RuleID).Inc()
	return true
}

func (e *Engine) resolveLocked(alertID, note string) {
	alert, ok := e.alerts[alertID]
	if !ok || !alert.Status.IsOpen() {
		return
	}

	now := e.now()
	alert.Status = domain.AlertStatusResolved
	alert.ResolvedAt = &now
	alert.ResolutionNote = note
	alert.SuppressedUntil = nil
	delete(e.activeByRule, alert.RuleID)
	e.metrics.ActiveAlerts.Set(float64(len(e.activeByRule)))

	// Резолв обязан погасить отложенные таймеры, иначе протухшая
	// эскалация сработает после завершения
	if h, ok := e.escalationTimers[alertID]; ok {
		h.Cancel()
		delete(e.escalationTimers, alertID)
	}
	if h, ok := e.suppressTimers[alertID]; ok {
		h.Cancel()
		delete(e.suppressTimers, alertID)
	}

	e.historyList = append(e.historyList, *alert)
	e.trimHistoryLocked()

	e.logger.Info("alert resolved",
		zap.String("alert_id", alertID),
		zap.String("note", note),
	)
	e.publishLocked(EventResolved, *alert)
	e.record("resolved", *alert)
}

// Suppress временно глушит алерт, не резолвя его. По истечении срока
// отложенная задача вернет статус active, если алерт не был резолвлен раньше.
func (e *Engine) Suppress(alertID string, d time.Duration) bool {
	if d <= 0 {
		d = e.cfg.DefaultSuppression
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	alert, ok := e.alerts[alertID]
	if !ok || !alert.Status.IsOpen() {
		return false
	}

	until := e.now().Add(d)
	alert.Status = domain.AlertStatusSuppressed
	alert.SuppressedUntil = &until

	// Пересуппрешен: старый таймер отменяется
	if h, ok := e.suppressTimers[alertID]; ok {
		h.Cancel()
	}
	e.suppressTimers[alertID] = sched.After(d, func() {
		e.unsuppress(alertID)
	})

	e.logger.Info("alert suppressed",
		zap.String("alert_id", alertID),
		zap.Duration("duration", d),
	)
	e.publishLocked(EventSuppressed, *alert)
	return true
}

func (e *Engine) unsuppress(alertID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	alert, ok := e.alerts[alertID]
	if !ok || alert.Status != domain.AlertStatusSuppressed {
		return // резолвлен или уже активен
	}
	alert.Status = domain.AlertStatusActive
	alert.SuppressedUntil = nil
	delete(e.suppressTimers, alertID)

	e.logger.Info("alert suppression expired", zap.String("alert_id", alertID))
	e.publishLocked(EventUnsuppressed, *alert)
}

// --- Чтение ---

// ActiveAlerts возвращает копии всех открытых алертов.
func (e *Engine) ActiveAlerts() []domain.Alert {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]domain.Alert, 0, len(e.activeByRule))
	for _, id := range e.activeByRule {
		if a, ok := e.alerts[id]; ok {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TriggeredAt.After(out[j].TriggeredAt) })
	return out
}

// Alert возвращает алерт по id.
func (e *Engine) Alert(id string) (domain.Alert, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.alerts[id]
	if !ok {
		return domain.Alert{}, false
	}
	return *a, true
}

// History возвращает завершенные алерты, самые свежие — первыми.
func (e *Engine) History(limit int) []domain.Alert {
	e.mu.RLock()
	defer e.mu.RUnlock()

	n := len(e.historyList)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]domain.Alert, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, e.historyList[i])
	}
	return out
}

func (e *Engine) trimHistoryLocked() {
	limit := e.cfg.HistoryLimit
	if limit <= 0 {
		limit = 1000
	}
	if len(e.historyList) > limit {
		e.historyList = append(e.historyList[:0], e.historyList[len(e.historyList)-limit:]...)
	}
}

// --- События ---

func (e *Engine) publishLocked(t EventType, alert domain.Alert) {
	ev := Event{Type: t, Alert: alert}

	// Внутренний канал: load shedding вместо блокировки движка
	select {
	case e.events <- ev:
	default:
		e.logger.Warn("event channel full, event dropped",
			zap.String("type", string(t)), zap.String("alert_id", alert.ID))
	}

	// Внешний fan-out через Redis для соседних процессов
	if e.rdb != nil {
		payload := history.MarshalPayload(ev)
		if err := e.rdb.Publish(context.Background(), infra.RedisChanAlertEvents, string(payload)).Err(); err != nil {
			e.logger.Debug("redis publish failed", zap.Error(err))
		}
	}
}

func (e *Engine) record(action string, alert domain.Alert) {
	if e.sink == nil {
		return
	}
	e.sink.Log(history.Event{
		ID:        uuid.New().String(),
		Kind:      history.KindAlert,
		RefID:     alert.ID,
		Action:    action,
		Payload:   history.MarshalPayload(alert),
		Timestamp: e.now(),
	})
}

func (e *Engine) cancelAllTimers() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, h := range e.escalationTimers {
		h.Cancel()
		delete(e.escalationTimers, id)
	}
	for id, h := range e.suppressTimers {
		h.Cancel()
		delete(e.suppressTimers, id)
	}
}
