package alert

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/xela07ax/spaceai-sentinel/internal/actions"
	"github.com/xela07ax/spaceai-sentinel/internal/domain"
	"github.com/xela07ax/spaceai-sentinel/internal/infra"
	"github.com/xela07ax/spaceai-sentinel/internal/snapshot"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, dispatched *int) (*Engine, *snapshot.Buffer, *time.Time) {
	t.Helper()
	d, err := actions.NewDispatcher(map[domain.ActionType]actions.Handler{
		domain.ActionSlack: actions.HandlerFunc(func(ctx context.Context, cfg json.RawMessage) error {
			if dispatched != nil {
				*dispatched++
			}
			return nil
		}),
	}, actions.Config{RateLimit: 1000, RateBurst: 1000}, nil)
	require.NoError(t, err)

	buf := snapshot.NewBuffer(24 * time.Hour)
	e := NewEngine(infra.AlertingConfig{
		EvalInterval: 30 * time.Second,
		HistoryLimit: 100,
	}, buf, d, nil, nil, nil, zap.NewNop())

	now := testBase
	e.now = func() time.Time { return now }
	return e, buf, &now
}

func errorRateRule(id string) domain.AlertRule {
	return domain.AlertRule{
		ID:       id,
		Name:     "high error rate",
		Enabled:  true,
		Severity: domain.SeverityCritical,
		Conditions: []domain.Condition{{
			Metric:         "errorRate",
			Operator:       domain.OpGreaterThan,
			Threshold:      5,
			TimeWindow:     5 * time.Minute,
			Aggregation:    domain.AggAvg,
			MinimumSamples: 3,
		}},
		Actions: []domain.AlertAction{{Type: domain.ActionSlack}},
	}
}

func pushRate(buf *snapshot.Buffer, at time.Time, rate float64) {
	buf.Add(domain.MetricSnapshot{
		Timestamp: at,
		Metrics:   map[string]float64{"errorRate": rate},
	})
}

func TestTriggerAndAutoResolve(t *testing.T) {
	var dispatched int
	e, buf, now := newTestEngine(t, &dispatched)
	require.NoError(t, e.RegisterRule(errorRateRule("r1")))

	// Пять точек с errorRate=6 подряд — среднее за окно выше порога
	for i := 0; i < 5; i++ {
		pushRate(buf, testBase.Add(time.Duration(i)*30*time.Second), 6)
	}
	*now = testBase.Add(5 * 30 * time.Second)
	e.EvaluatePass(context.Background())

	active := e.ActiveAlerts()
	require.Len(t, active, 1)
	assert.Equal(t, domain.AlertStatusActive, active[0].Status)
	assert.Equal(t, "r1", active[0].RuleID)
	assert.Equal(t, 1, dispatched)

	// Метрика восстановилась: окно сдвигается, среднее падает ниже порога
	for i := 5; i < 15; i++ {
		pushRate(buf, testBase.Add(time.Duration(i)*30*time.Second), 1)
	}
	*now = testBase.Add(15 * 30 * time.Second)
	e.EvaluatePass(context.Background())

	assert.Empty(t, e.ActiveAlerts())
	hist := e.History(10)
	require.Len(t, hist, 1)
	assert.Equal(t, domain.AlertStatusResolved, hist[0].Status)
	assert.Equal(t, "conditions no longer met", hist[0].ResolutionNote)
	// Автоматический резолв не запускает действия повторно
	assert.Equal(t, 1, dispatched)
}

func TestSingleOpenAlertPerRule(t *testing.T) {
	var dispatched int
	e, buf, now := newTestEngine(t, &dispatched)
	require.NoError(t, e.RegisterRule(errorRateRule("r1")))

	for i := 0; i < 5; i++ {
		pushRate(buf, testBase.Add(time.Duration(i)*30*time.Second), 6)
	}
	*now = testBase.Add(5 * 30 * time.Second)

	// Несколько проходов при держащихся условиях — алерт один и тот же
	e.EvaluatePass(context.Background())
	first := e.ActiveAlerts()
	require.Len(t, first, 1)

	*now = now.Add(30 * time.Second)
	e.EvaluatePass(context.Background())
	*now = now.Add(30 * time.Second)
	e.EvaluatePass(context.Background())

	again := e.ActiveAlerts()
	require.Len(t, again, 1)
	assert.Equal(t, first[0].ID, again[0].ID)
	assert.Equal(t, 1, dispatched)
	// Показания при этом освежаются
	assert.True(t, again[0].LastRefreshedAt.After(first[0].LastRefreshedAt))
}

func TestManualResolveIdempotent(t *testing.T) {
	e, buf, now := newTestEngine(t, nil)
	require.NoError(t, e.RegisterRule(errorRateRule("r1")))

	for i := 0; i < 5; i++ {
		pushRate(buf, testBase.Add(time.Duration(i)*30*time.Second), 6)
	}
	*now = testBase.Add(5 * 30 * time.Second)
	e.EvaluatePass(context.Background())

	active := e.ActiveAlerts()
	require.Len(t, active, 1)
	id := active[0].ID

	assert.True(t, e.Resolve(id, "operator ack"))
	assert.False(t, e.Resolve(id, "double tap"))

	got, ok := e.Alert(id)
	require.True(t, ok)
	assert.Equal(t, "operator ack", got.ResolutionNote)
}

func TestSuppressKeepsAlertOpen(t *testing.T) {
	e, buf, now := newTestEngine(t, nil)
	require.NoError(t, e.RegisterRule(errorRateRule("r1")))

	for i := 0; i < 5; i++ {
		pushRate(buf, testBase.Add(time.Duration(i)*30*time.Second), 6)
	}
	*now = testBase.Add(5 * 30 * time.Second)
	e.EvaluatePass(context.Background())

	active := e.ActiveAlerts()
	require.Len(t, active, 1)
	id := active[0].ID

	assert.True(t, e.Suppress(id, time.Hour))
	got, _ := e.Alert(id)
	assert.Equal(t, domain.AlertStatusSuppressed, got.Status)
	require.NotNil(t, got.SuppressedUntil)

	// По-прежнему открыт: резолв проходит и гасит таймер снятия саппрешена
	assert.True(t, e.Resolve(id, "fixed"))
	assert.Empty(t, e.ActiveAlerts())
}

func TestCooldownBlocksRetrigger(t *testing.T) {
	var dispatched int
	e, buf, now := newTestEngine(t, &dispatched)
	rule := errorRateRule("r1")
	rule.Cooldown = 10 * time.Minute
	require.NoError(t, e.RegisterRule(rule))

	for i := 0; i < 5; i++ {
		pushRate(buf, testBase.Add(time.Duration(i)*30*time.Second), 6)
	}
	*now = testBase.Add(5 * 30 * time.Second)
	e.EvaluatePass(context.Background())
	require.Len(t, e.ActiveAlerts(), 1)

	// Резолв и немедленное повторное срабатывание внутри кулдауна
	e.Resolve(e.ActiveAlerts()[0].ID, "ack")
	*now = now.Add(time.Minute)
	pushRate(buf, *now, 6)
	e.EvaluatePass(context.Background())
	assert.Empty(t, e.ActiveAlerts())
	assert.Equal(t, 1, dispatched)

	// После кулдауна — триггерится снова
	*now = now.Add(11 * time.Minute)
	for i := 0; i < 5; i++ {
		pushRate(buf, now.Add(time.Duration(i-5)*30*time.Second), 6)
	}
	e.EvaluatePass(context.Background())
	assert.Len(t, e.ActiveAlerts(), 1)
	assert.Equal(t, 2, dispatched)
}

// Обработчик действия имеет право вернуться в движок (так замкнут откат:
// провал поднимает критичный алерт через RaiseCritical). Проход оценки
// не должен держать мьютекс движка во время выполнения действий.
func TestActionReenteringEngineCompletes(t *testing.T) {
	var eng *Engine
	d, err := actions.NewDispatcher(map[domain.ActionType]actions.Handler{
		domain.ActionSlack: actions.HandlerFunc(func(ctx context.Context, cfg json.RawMessage) error {
			eng.RaiseCritical("rollback-execution-failed", "handler re-entered engine")
			return nil
		}),
	}, actions.Config{RateLimit: 1000, RateBurst: 1000}, nil)
	require.NoError(t, err)

	buf := snapshot.NewBuffer(24 * time.Hour)
	eng = NewEngine(infra.AlertingConfig{HistoryLimit: 100}, buf, d, nil, nil, nil, zap.NewNop())
	now := testBase
	eng.now = func() time.Time { return now }
	require.NoError(t, eng.RegisterRule(errorRateRule("r1")))

	for i := 0; i < 5; i++ {
		pushRate(buf, testBase.Add(time.Duration(i)*30*time.Second), 6)
	}
	now = testBase.Add(5 * 30 * time.Second)

	done := make(chan struct{})
	go func() {
		eng.EvaluatePass(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("evaluation pass did not finish: action dispatch blocked the engine")
	}

	// Оба алерта открыты: сработавшее правило и поднятый из обработчика
	active := eng.ActiveAlerts()
	require.Len(t, active, 2)
	ruleIDs := []string{active[0].RuleID, active[1].RuleID}
	assert.Contains(t, ruleIDs, "r1")
	assert.Contains(t, ruleIDs, "manual:rollback-execution-failed")

	// Журнал действий дописан после возврата из обработчика
	for _, a := range active {
		if a.RuleID == "r1" {
			require.Len(t, a.ActionLog, 1)
			assert.True(t, a.ActionLog[0].Success)
		}
	}
}

func TestEscalationLadderRunsRungActions(t *testing.T) {
	var dispatched int
	e, buf, now := newTestEngine(t, &dispatched)
	rule := errorRateRule("r1")
	rule.Escalations = []domain.EscalationRule{
		{AfterMinutes: 15, Actions: []domain.AlertAction{{Type: domain.ActionSlack}}},
		{AfterMinutes: 30, Actions: []domain.AlertAction{{Type: domain.ActionSlack}}},
	}
	require.NoError(t, e.RegisterRule(rule))

	for i := 0; i < 5; i++ {
		pushRate(buf, testBase.Add(time.Duration(i)*30*time.Second), 6)
	}
	*now = testBase.Add(5 * 30 * time.Second)
	e.EvaluatePass(context.Background())
	active := e.ActiveAlerts()
	require.Len(t, active, 1)
	id := active[0].ID
	require.Equal(t, 1, dispatched) // действия правила

	// Первая ступень
	*now = now.Add(15 * time.Minute)
	e.escalate(id, rule, 0)
	got, _ := e.Alert(id)
	assert.Equal(t, domain.AlertStatusEscalated, got.Status)
	require.Len(t, got.Escalations, 1)
	assert.Equal(t, 1, got.Escalations[0].Level)
	assert.Equal(t, 2, dispatched)

	// Вторая ступень
	*now = now.Add(30 * time.Minute)
	e.escalate(id, rule, 1)
	got, _ = e.Alert(id)
	require.Len(t, got.Escalations, 2)
	assert.Equal(t, 2, got.Escalations[1].Level)
	assert.Equal(t, 3, dispatched)

	// Резолв гасит взведенный таймер следующей ступени
	assert.True(t, e.Resolve(id, "ack"))
}

func TestSuppressionDefersEscalation(t *testing.T) {
	var dispatched int
	e, buf, now := newTestEngine(t, &dispatched)
	rule := errorRateRule("r1")
	rule.Escalations = []domain.EscalationRule{
		{AfterMinutes: 15, Actions: []domain.AlertAction{{Type: domain.ActionSlack}}},
	}
	require.NoError(t, e.RegisterRule(rule))

	for i := 0; i < 5; i++ {
		pushRate(buf, testBase.Add(time.Duration(i)*30*time.Second), 6)
	}
	*now = testBase.Add(5 * 30 * time.Second)
	e.EvaluatePass(context.Background())
	active := e.ActiveAlerts()
	require.Len(t, active, 1)
	id := active[0].ID
	require.Equal(t, 1, dispatched)

	require.True(t, e.Suppress(id, time.Hour))

	// Ступень срабатывает внутри окна тишины: действий нет, статус не ломается
	*now = now.Add(15 * time.Minute)
	e.escalate(id, rule, 0)

	got, _ := e.Alert(id)
	assert.Equal(t, domain.AlertStatusSuppressed, got.Status)
	require.NotNil(t, got.SuppressedUntil)
	assert.Empty(t, got.Escalations)
	assert.Equal(t, 1, dispatched)

	// Снятие саппрешена возвращает алерт в active, не в escalated
	e.unsuppress(id)
	got, _ = e.Alert(id)
	assert.Equal(t, domain.AlertStatusActive, got.Status)

	assert.True(t, e.Resolve(id, "ack"))
}

func TestRegisterRuleRejectsUnknownAction(t *testing.T) {
	e, _, _ := newTestEngine(t, nil)
	rule := errorRateRule("bad")
	rule.Actions = []domain.AlertAction{{Type: "smoke_signal"}}
	err := e.RegisterRule(rule)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "smoke_signal")
}

func TestDeleteRuleResolvesOpenAlert(t *testing.T) {
	e, buf, now := newTestEngine(t, nil)
	require.NoError(t, e.RegisterRule(errorRateRule("r1")))

	for i := 0; i < 5; i++ {
		pushRate(buf, testBase.Add(time.Duration(i)*30*time.Second), 6)
	}
	*now = testBase.Add(5 * 30 * time.Second)
	e.EvaluatePass(context.Background())
	require.Len(t, e.ActiveAlerts(), 1)

	assert.True(t, e.DeleteRule("r1"))
	assert.Empty(t, e.ActiveAlerts())
	assert.False(t, e.DeleteRule("r1"))
}
