package domain

import (
	"encoding/json"
	"time"
)

// StepType — тип шага отката. Исполнение делегируется внешнему обработчику
// того же реестра действий, что и нотификации.
type StepType string

const (
	StepNotify        StepType = "notify"
	StepFeatureFlag   StepType = "feature_flag"
	StepTrafficSwitch StepType = "traffic_switch"
	StepCacheClear    StepType = "cache_clear"
	StepVerifyHealth  StepType = "verify_health"
	// StepDataRestore затрагивает персистентные данные — автоматически поднимает риск плана.
	StepDataRestore StepType = "data_restore"
)

// TouchesPersistentData сообщает, меняет ли шаг персистентное состояние.
func (t StepType) TouchesPersistentData() bool {
	return t == StepDataRestore
}

// RollbackStep — один шаг плана отката.
type RollbackStep struct {
	ID                string          `json:"id"`
	Type              StepType        `json:"type"`
	Name              string          `json:"name"`
	Config            json.RawMessage `json:"config,omitempty"`
	Dependencies      []string        `json:"dependencies,omitempty"`
	AbortOnFailure    bool            `json:"abort_on_failure"`
	EstimatedDuration time.Duration   `json:"estimated_duration"`
}

// RiskLevel — производный уровень риска плана.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// RollbackPlan — упорядоченный, зависимостно-связанный план отката деплоя.
type RollbackPlan struct {
	ID                string         `json:"id"`
	DeploymentVersion string         `json:"deployment_version"`
	TargetVersion     string         `json:"target_version"`
	Steps             []RollbackStep `json:"steps"`
	RiskLevel         RiskLevel      `json:"risk_level"`
	ApprovalRequired  bool           `json:"approval_required"`
	CreatedAt         time.Time      `json:"created_at"`
}

// TriggerSource — источник запуска исполнения.
type TriggerSource string

const (
	SourceAutomatic TriggerSource = "automatic"
	SourceManual    TriggerSource = "manual"
)

// StepStatus — статус исполнения шага. Переходы только вперед:
// pending -> in_progress -> {completed|failed}, либо pending -> skipped.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
	StepSkipped    StepStatus = "skipped"
)

// stepRank задает порядок статусов, чтобы запретить откат назад.
var stepRank = map[StepStatus]int{
	StepPending:    0,
	StepInProgress: 1,
	StepCompleted:  2,
	StepFailed:     2,
	StepSkipped:    2,
}

// CanTransition проверяет допустимость перехода статуса шага.
func (s StepStatus) CanTransition(to StepStatus) bool {
	return stepRank[to] > stepRank[s]
}

// StepResult — запись об исполнении одного шага.
type StepResult struct {
	StepID     string     `json:"step_id"`
	Status     StepStatus `json:"status"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Logs       []string   `json:"logs,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// ExecutionStatus — агрегированный статус исполнения плана.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// RollbackExecution — протокол исполнения плана отката.
type RollbackExecution struct {
	ID          string          `json:"id"`
	PlanID      string          `json:"plan_id"`
	Source      TriggerSource   `json:"source"`
	Reason      string          `json:"reason,omitempty"`
	Approver    string          `json:"approver,omitempty"`
	Status      ExecutionStatus `json:"status"`
	Steps       []StepResult    `json:"steps"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	// Агрегаты по шагам для дашбордов
	CompletedSteps int `json:"completed_steps"`
	FailedSteps    int `json:"failed_steps"`
	SkippedSteps   int `json:"skipped_steps"`
}

// RollbackTrigger — правило автоотката: условия на метрики здоровья деплоя.
type RollbackTrigger struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Enabled      bool          `json:"enabled"`
	Conditions   []Condition   `json:"conditions"`
	AutoRollback bool          `json:"auto_rollback"`
	Cooldown     time.Duration `json:"cooldown"`
	CreatedAt    time.Time     `json:"created_at"`
}
