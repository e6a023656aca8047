package rollback

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xela07ax/spaceai-sentinel/internal/domain"
	"github.com/xela07ax/spaceai-sentinel/internal/infra"
	"github.com/xela07ax/spaceai-sentinel/internal/snapshot"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var rbBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeRunner исполняет шаги по сценарию: id из failOn падают.
type fakeRunner struct {
	failOn map[string]bool
	ran    []string
}

func (r *fakeRunner) RunStep(ctx context.Context, step domain.RollbackStep) error {
	r.ran = append(r.ran, step.ID)
	if r.failOn[step.ID] {
		return errors.New("handler exploded")
	}
	return nil
}

type fakeRaiser struct {
	raised []string
}

func (f *fakeRaiser) RaiseCritical(name, detail string) {
	f.raised = append(f.raised, name)
}

func newTestExecutor(runner StepRunner, raiser AlertRaiser) *Executor {
	x := NewExecutor(infra.RollbackConfig{}, runner, raiser, nil, nil, nil, zap.NewNop())
	x.now = func() time.Time { return rbBase }
	x.sleep = func(time.Duration) {}
	return x
}

func TestCanonicalPlanRiskAndApproval(t *testing.T) {
	plan, err := BuildPlan("v2.1.0", "v2.0.3", nil, rbBase)
	require.NoError(t, err)

	require.Len(t, plan.Steps, 6)
	assert.Equal(t, "notify-start", plan.Steps[0].ID)
	assert.Equal(t, "notify-completion", plan.Steps[5].ID)
	// traffic_switch и 3 критичных шага — medium, подтверждение не нужно
	assert.Equal(t, domain.RiskMedium, plan.RiskLevel)
	assert.False(t, plan.ApprovalRequired)
}

func TestPersistentDataStepRaisesRisk(t *testing.T) {
	steps := []domain.RollbackStep{
		{ID: "restore", Type: domain.StepDataRestore, Name: "Restore snapshot", AbortOnFailure: true},
	}
	plan, err := BuildPlan("v2.1.0", "v2.0.3", steps, rbBase)
	require.NoError(t, err)

	assert.Equal(t, domain.RiskHigh, plan.RiskLevel)
	assert.True(t, plan.ApprovalRequired)
}

func TestBuildPlanRejectsForwardDependency(t *testing.T) {
	steps := []domain.RollbackStep{
		{ID: "a", Type: domain.StepNotify, Dependencies: []string{"b"}},
		{ID: "b", Type: domain.StepNotify},
	}
	_, err := BuildPlan("v2", "v1", steps, rbBase)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not declared before")
}

func TestAbortCriticalFailureSkipsDependents(t *testing.T) {
	runner := &fakeRunner{failOn: map[string]bool{"switch-traffic": true}}
	raiser := &fakeRaiser{}
	x := newTestExecutor(runner, raiser)

	plan, err := x.CreatePlan("v2.1.0", "v2.0.3", nil)
	require.NoError(t, err)

	exec, err := x.Execute(context.Background(), plan.ID, "latency spike", "")
	require.NoError(t, err)

	assert.Equal(t, domain.ExecutionFailed, exec.Status)
	byID := map[string]domain.StepResult{}
	for _, sr := range exec.Steps {
		byID[sr.StepID] = sr
	}
	assert.Equal(t, domain.StepCompleted, byID["notify-start"].Status)
	assert.Equal(t, domain.StepCompleted, byID["disable-new-feature-flags"].Status)
	assert.Equal(t, domain.StepFailed, byID["switch-traffic"].Status)
	// Все, что зависит от провалившегося критичного шага, не доходит до completed
	assert.Equal(t, domain.StepSkipped, byID["clear-caches"].Status)
	assert.Equal(t, domain.StepSkipped, byID["verify-health"].Status)
	assert.Equal(t, domain.StepSkipped, byID["notify-completion"].Status)

	assert.Equal(t, 2, exec.CompletedSteps)
	assert.Equal(t, 1, exec.FailedSteps)
	assert.Equal(t, 3, exec.SkippedSteps)

	// Восстановление — через человека, не через второй автооткат
	require.Len(t, raiser.raised, 1)
	assert.Equal(t, "rollback-execution-failed", raiser.raised[0])
}

func TestNonCriticalFailureContinues(t *testing.T) {
	runner := &fakeRunner{failOn: map[string]bool{"clear-caches": true}}
	x := newTestExecutor(runner, nil)

	plan, err := x.CreatePlan("v2.1.0", "v2.0.3", nil)
	require.NoError(t, err)

	exec, err := x.Execute(context.Background(), plan.ID, "manual", "")
	require.NoError(t, err)

	// Провал некритичного шага не останавливает исполнение,
	// но итоговый статус honest: failed
	assert.Equal(t, domain.ExecutionFailed, exec.Status)
	assert.Equal(t, 5, exec.CompletedSteps)
	assert.Equal(t, 1, exec.FailedSteps)
	assert.Equal(t, 0, exec.SkippedSteps)
}

func TestApprovalRequiredGatesExecution(t *testing.T) {
	x := newTestExecutor(&fakeRunner{}, nil)
	steps := []domain.RollbackStep{
		{ID: "restore", Type: domain.StepDataRestore, Name: "Restore snapshot"},
	}
	plan, err := x.CreatePlan("v2.1.0", "v2.0.3", steps)
	require.NoError(t, err)
	require.True(t, plan.ApprovalRequired)

	// Вручную — только с подтверждающим
	_, err = x.Execute(context.Background(), plan.ID, "reason", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires approval")

	exec, err := x.Execute(context.Background(), plan.ID, "reason", "oncall@corp")
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCompleted, exec.Status)

	// Автоматика против approval-плана падает сразу, шаги не исполняются
	runner := &fakeRunner{}
	x2 := newTestExecutor(runner, nil)
	_, err = x2.ExecuteAutomatic(context.Background(), plan, "trigger fired")
	require.Error(t, err)
	assert.Empty(t, runner.ran)
}

func TestTriggerSynthesizesAutomaticRollback(t *testing.T) {
	runner := &fakeRunner{}
	x := newTestExecutor(runner, nil)

	buf := snapshot.NewBuffer(24 * time.Hour)
	te := NewTriggerEngine(infra.RollbackConfig{}, buf, x, nil, nil, zap.NewNop())
	now := rbBase
	te.now = func() time.Time { return now }

	require.NoError(t, te.RegisterTrigger(domain.RollbackTrigger{
		ID:      "t1",
		Name:    "error rate after deploy",
		Enabled: true,
		Conditions: []domain.Condition{{
			Metric:      "errorRate",
			Operator:    domain.OpGreaterThan,
			Threshold:   5,
			TimeWindow:  5 * time.Minute,
			Aggregation: domain.AggAvg,
		}},
		AutoRollback: true,
	}))

	// Стабильная версия работала нормально
	for i := 0; i < 3; i++ {
		buf.Add(domain.MetricSnapshot{
			Timestamp: rbBase.Add(time.Duration(i) * 30 * time.Second),
			Metrics:   map[string]float64{"errorRate": 1},
			Context:   domain.SnapshotContext{DeploymentVersion: "v2.0.3"},
		})
	}
	now = rbBase.Add(90 * time.Second)
	te.EvaluatePass(context.Background())
	assert.Empty(t, x.Executions())

	// Новый деплой, метрики деградировали
	for i := 3; i < 13; i++ {
		buf.Add(domain.MetricSnapshot{
			Timestamp: rbBase.Add(time.Duration(i) * 30 * time.Second),
			Metrics:   map[string]float64{"errorRate": 9},
			Context:   domain.SnapshotContext{DeploymentVersion: "v2.1.0"},
		})
	}
	now = rbBase.Add(13 * 30 * time.Second)
	te.EvaluatePass(context.Background())

	execs := x.Executions()
	require.Len(t, execs, 1)
	assert.Equal(t, domain.SourceAutomatic, execs[0].Source)
	assert.Equal(t, domain.ExecutionCompleted, execs[0].Status)

	plan, ok := x.Plan(execs[0].PlanID)
	require.True(t, ok)
	assert.Equal(t, "v2.1.0", plan.DeploymentVersion)
	assert.Equal(t, "v2.0.3", plan.TargetVersion)
}
