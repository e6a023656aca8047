package rollback

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xela07ax/spaceai-sentinel/internal/actions"
	"github.com/xela07ax/spaceai-sentinel/internal/domain"
	"github.com/xela07ax/spaceai-sentinel/internal/history"
	"github.com/xela07ax/spaceai-sentinel/internal/infra"
	"github.com/xela07ax/spaceai-sentinel/internal/telemetry"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// StepExecutionError — ошибка исполнения конкретного шага плана.
type StepExecutionError struct {
	StepID string
	Cause  error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("rollback step %s failed: %v", e.StepID, e.Cause)
}

func (e *StepExecutionError) Unwrap() error { return e.Cause }

// StepRunner исполняет один шаг. Реальная инфраструктурная работа
// (трафик, кэши, флаги) живет за внешними обработчиками.
type StepRunner interface {
	RunStep(ctx context.Context, step domain.RollbackStep) error
}

// stepAction связывает тип шага с типом действия в реестре обработчиков.
var stepAction = map[domain.StepType]domain.ActionType{
	domain.StepNotify:        domain.ActionSlack,
	domain.StepFeatureFlag:   domain.ActionFeatureFlag,
	domain.StepTrafficSwitch: domain.ActionTrafficSwitch,
	domain.StepCacheClear:    domain.ActionCacheClear,
	domain.StepVerifyHealth:  domain.ActionHealthCheck,
	domain.StepDataRestore:   domain.ActionWebhook,
}

// ActionRunner гонит шаги через общий Dispatcher действий.
type ActionRunner struct {
	d *actions.Dispatcher
}

func NewActionRunner(d *actions.Dispatcher) *ActionRunner {
	return &ActionRunner{d: d}
}

func (r *ActionRunner) RunStep(ctx context.Context, step domain.RollbackStep) error {
	at, ok := stepAction[step.Type]
	if !ok {
		return fmt.Errorf("no action mapping for step type %q", step.Type)
	}
	rec := r.d.Dispatch(ctx, domain.AlertAction{Type: at, Config: step.Config})
	if !rec.Success {
		return fmt.Errorf("%s", rec.Error)
	}
	return nil
}

// AlertRaiser поднимает алерт на человека. Полностью проваленный откат
// НЕ запускает второй автоматический откат: эскалация всегда ручная.
type AlertRaiser interface {
	RaiseCritical(name, detail string)
}

// Executor исполняет планы отката последовательно, один за раз.
type Executor struct {
	mu         sync.RWMutex
	plans      map[string]domain.RollbackPlan
	executions map[string]*domain.RollbackExecution

	// Исполнение сериализовано: два отката одновременно хуже любого из них
	execMu sync.Mutex

	runner  StepRunner
	raiser  AlertRaiser
	rdb     *redis.Client
	sink    history.Sink
	metrics *telemetry.Metrics
	logger  *zap.Logger
	cfg     infra.RollbackConfig
	now     func() time.Time
	sleep   func(time.Duration)
}

func NewExecutor(
	cfg infra.RollbackConfig,
	runner StepRunner,
	raiser AlertRaiser,
	rdb *redis.Client,
	sink history.Sink,
	metrics *telemetry.Metrics,
	logger *zap.Logger,
) *Executor {
	if metrics == nil {
		metrics = telemetry.NewMetrics(nil)
	}
	return &Executor{
		plans:      make(map[string]domain.RollbackPlan),
		executions: make(map[string]*domain.RollbackExecution),
		runner:     runner,
		raiser:     raiser,
		rdb:        rdb,
		sink:       sink,
		metrics:    metrics,
		logger:     logger.Named("rollback-executor"),
		cfg:        cfg,
		now:        time.Now,
		sleep:      time.Sleep,
	}
}

// CreatePlan строит и регистрирует план.
func (x *Executor) CreatePlan(deploymentVersion, targetVersion string, custom []domain.RollbackStep) (domain.RollbackPlan, error) {
	plan, err := BuildPlan(deploymentVersion, targetVersion, custom, x.now())
	if err != nil {
		return domain.RollbackPlan{}, err
	}
	x.mu.Lock()
	x.plans[plan.ID] = plan
	x.mu.Unlock()

	x.logger.Info("rollback plan created",
		zap.String("plan_id", plan.ID),
		zap.String("from", deploymentVersion),
		zap.String("to", targetVersion),
		zap.String("risk", string(plan.RiskLevel)),
		zap.Bool("approval_required", plan.ApprovalRequired),
	)
	return plan, nil
}

// Plans возвращает зарегистрированные планы, свежие первыми.
func (x *Executor) Plans() []domain.RollbackPlan {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]domain.RollbackPlan, 0, len(x.plans))
	for _, p := range x.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Plan возвращает план по id.
func (x *Executor) Plan(id string) (domain.RollbackPlan, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	p, ok := x.plans[id]
	return p, ok
}

// Executions возвращает протоколы исполнений, свежие первыми.
func (x *Executor) Executions() []domain.RollbackExecution {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]domain.RollbackExecution, 0, len(x.executions))
	for _, e := range x.executions {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Execute запускает план вручную. План с approval требует указать approver.
func (x *Executor) Execute(ctx context.Context, planID, reason, approver string) (domain.RollbackExecution, error) {
	x.mu.RLock()
	plan, ok := x.plans[planID]
	x.mu.RUnlock()
	if !ok {
		return domain.RollbackExecution{}, fmt.Errorf("rollback plan %s not found", planID)
	}
	if plan.ApprovalRequired && approver == "" {
		return domain.RollbackExecution{}, fmt.Errorf("rollback plan %s requires approval: approver must be specified", planID)
	}
	return x.run(ctx, plan, domain.SourceManual, reason, approver)
}

// ExecuteAutomatic запускает план от имени триггера. Против плана,
// требующего подтверждения, автоматика падает сразу, не исполняя шагов.
func (x *Executor) ExecuteAutomatic(ctx context.Context, plan domain.RollbackPlan, reason string) (domain.RollbackExecution, error) {
	if plan.ApprovalRequired {
		x.metrics.RollbackExecutions.WithLabelValues(string(domain.SourceAutomatic), "rejected").Inc()
		return domain.RollbackExecution{}, fmt.Errorf("rollback plan %s requires approval, automatic execution rejected", plan.ID)
	}
	x.mu.Lock()
	x.plans[plan.ID] = plan
	x.mu.Unlock()
	return x.run(ctx, plan, domain.SourceAutomatic, reason, "")
}

func (x *Executor) run(ctx context.Context, plan domain.RollbackPlan, source domain.TriggerSource, reason, approver string) (domain.RollbackExecution, error) {
	x.execMu.Lock()
	defer x.execMu.Unlock()

	exec := &domain.RollbackExecution{
		ID:        uuid.New().String(),
		PlanID:    plan.ID,
		Source:    source,
		Reason:    reason,
		Approver:  approver,
		Status:    domain.ExecutionRunning,
		Steps:     make([]domain.StepResult, len(plan.Steps)),
		StartedAt: x.now(),
	}
	for i, s := range plan.Steps {
		exec.Steps[i] = domain.StepResult{StepID: s.ID, Status: domain.StepPending}
	}

	x.mu.Lock()
	x.executions[exec.ID] = exec
	x.mu.Unlock()

	x.logger.Warn("rollback execution started",
		zap.String("execution_id", exec.ID),
		zap.String("plan_id", plan.ID),
		zap.String("source", string(source)),
		zap.String("reason", reason),
	)

	completed := make(map[string]bool, len(plan.Steps))
	aborted := false

	for i, step := range plan.Steps {
		if aborted {
			x.setStepStatus(exec, i, domain.StepSkipped, "skipped: execution aborted")
			continue
		}

		// Шаг идет только когда каждая его зависимость выполнена.
		// Незакрытая зависимость — skipped, не failed
		if unmet := unmetDeps(step, completed); len(unmet) > 0 {
			x.setStepStatus(exec, i, domain.StepSkipped,
				fmt.Sprintf("skipped: dependencies not completed: %v", unmet))
			continue
		}

		x.setStepStatus(exec, i, domain.StepInProgress, "")
		err := x.runStep(ctx, step)
		if err == nil {
			x.setStepStatus(exec, i, domain.StepCompleted, "")
			completed[step.ID] = true
		} else {
			stepErr := &StepExecutionError{StepID: step.ID, Cause: err}
			x.setStepStatus(exec, i, domain.StepFailed, stepErr.Error())
			x.logger.Error("rollback step failed",
				zap.String("execution_id", exec.ID),
				zap.String("step_id", step.ID),
				zap.Bool("abort_on_failure", step.AbortOnFailure),
				zap.Error(err),
			)
			if step.AbortOnFailure {
				aborted = true
			}
		}

		// Пауза, чтобы система устаканилась между шагами
		if i < len(plan.Steps)-1 && x.cfg.SettleDelay > 0 {
			x.sleep(x.cfg.SettleDelay)
		}
	}

	x.finalize(exec, plan, aborted)

	x.mu.RLock()
	result := *x.executions[exec.ID]
	x.mu.RUnlock()
	return result, nil
}

func (x *Executor) runStep(ctx context.Context, step domain.RollbackStep) error {
	timeout := x.cfg.StepTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return x.runner.RunStep(stepCtx, step)
}

func (x *Executor) setStepStatus(exec *domain.RollbackExecution, idx int, to domain.StepStatus, detail string) {
	x.mu.Lock()
	defer x.mu.Unlock()

	sr := &exec.Steps[idx]
	if !sr.Status.CanTransition(to) {
		return
	}
	now := x.now()
	switch to {
	case domain.StepInProgress:
		sr.StartedAt = &now
	case domain.StepCompleted, domain.StepFailed, domain.StepSkipped:
		sr.FinishedAt = &now
	}
	sr.Status = to
	if detail != "" {
		if to == domain.StepFailed {
			sr.Error = detail
		} else {
			sr.Logs = append(sr.Logs, detail)
		}
	}
}

func (x *Executor) finalize(exec *domain.RollbackExecution, plan domain.RollbackPlan, aborted bool) {
	x.mu.Lock()
	now := x.now()
	exec.CompletedAt = &now
	for _, sr := range exec.Steps {
		switch sr.Status {
		case domain.StepCompleted:
			exec.CompletedSteps++
		case domain.StepFailed:
			exec.FailedSteps++
		case domain.StepSkipped:
			exec.SkippedSteps++
		}
	}
	if aborted || exec.FailedSteps > 0 {
		exec.Status = domain.ExecutionFailed
	} else {
		exec.Status = domain.ExecutionCompleted
	}
	status := exec.Status
	snapshot := *exec
	x.mu.Unlock()

	x.metrics.RollbackExecutions.WithLabelValues(string(exec.Source), string(status)).Inc()
	x.logger.Warn("rollback execution finished",
		zap.String("execution_id", exec.ID),
		zap.String("status", string(status)),
		zap.Int("completed", snapshot.CompletedSteps),
		zap.Int("failed", snapshot.FailedSteps),
		zap.Int("skipped", snapshot.SkippedSteps),
	)

	// Fan-out соседним процессам, по образцу алертов и очереди
	if x.rdb != nil {
		payload := history.MarshalPayload(snapshot)
		if err := x.rdb.Publish(context.Background(), infra.RedisChanRollbackEvents, string(payload)).Err(); err != nil {
			x.logger.Debug("redis publish failed", zap.Error(err))
		}
	}

	if x.sink != nil {
		x.sink.Log(history.Event{
			ID:        uuid.New().String(),
			Kind:      history.KindRollback,
			RefID:     exec.ID,
			Action:    string(status),
			Payload:   history.MarshalPayload(snapshot),
			Timestamp: now,
		})
	}

	// Проваленный откат возвращают люди, не вторая автоматика
	if status == domain.ExecutionFailed && x.raiser != nil {
		x.raiser.RaiseCritical(
			"rollback-execution-failed",
			fmt.Sprintf("rollback of %s to %s failed (execution %s): manual intervention required",
				plan.DeploymentVersion, plan.TargetVersion, exec.ID),
		)
	}
}

func unmetDeps(step domain.RollbackStep, completed map[string]bool) []string {
	var unmet []string
	for _, dep := range step.Dependencies {
		if !completed[dep] {
			unmet = append(unmet, dep)
		}
	}
	return unmet
}
