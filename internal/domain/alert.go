package domain

import (
	"fmt"
	"time"
)

// ConditionOperator определяет способ сравнения агрегата с порогом.
type ConditionOperator string

const (
	OpGreaterThan      ConditionOperator = "gt"
	OpLessThan         ConditionOperator = "lt"
	OpGreaterOrEqual   ConditionOperator = "gte"
	OpLessOrEqual      ConditionOperator = "lte"
	OpEqual            ConditionOperator = "eq"
	OpPercentageChange ConditionOperator = "percentage_change"
	OpAnomaly          ConditionOperator = "anomaly"
)

// Aggregation — способ свертки окна сэмплов в одно число.
type Aggregation string

const (
	AggAvg   Aggregation = "avg"
	AggMax   Aggregation = "max"
	AggMin   Aggregation = "min"
	AggSum   Aggregation = "sum"
	AggCount Aggregation = "count"
)

// Condition — декларативное условие над скользящим окном метрики.
type Condition struct {
	Metric         string            `json:"metric"`
	Operator       ConditionOperator `json:"operator"`
	Threshold      float64           `json:"threshold"`
	TimeWindow     time.Duration     `json:"time_window"`
	Aggregation    Aggregation       `json:"aggregation"`
	MinimumSamples int               `json:"minimum_samples"`
}

// AlertSeverity — уровень важности правила и его алертов.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityError    AlertSeverity = "error"
	SeverityCritical AlertSeverity = "critical"
)

// EscalationRule — ступень лестницы эскалации: через сколько минут
// после срабатывания выполнить дополнительные действия.
type EscalationRule struct {
	AfterMinutes int           `json:"after_minutes"`
	Actions      []AlertAction `json:"actions"`
}

// AlertRule — правило алертинга: условия (AND), действия, кулдаун и эскалации.
// Набор правил никогда не мутируется конкурентно с оценкой: цикл работает по снапшоту.
type AlertRule struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Enabled     bool             `json:"enabled"`
	Conditions  []Condition      `json:"conditions"`
	Severity    AlertSeverity    `json:"severity"`
	Actions     []AlertAction    `json:"actions"`
	Cooldown    time.Duration    `json:"cooldown"`
	Escalations []EscalationRule `json:"escalations,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Validate проверяет правило на конструктивные ошибки до регистрации в движке.
func (r *AlertRule) Validate(known func(ActionType) bool) error {
	if r.ID == "" {
		return fmt.Errorf("rule: id is required")
	}
	if len(r.Conditions) == 0 {
		return fmt.Errorf("rule %s: at least one condition is required", r.ID)
	}
	for _, c := range r.Conditions {
		if c.Metric == "" {
			return fmt.Errorf("rule %s: condition metric is required", r.ID)
		}
		if c.TimeWindow <= 0 {
			return fmt.Errorf("rule %s: condition time window must be positive", r.ID)
		}
	}
	for _, a := range r.Actions {
		if !known(a.Type) {
			return fmt.Errorf("rule %s: unknown action type %q", r.ID, a.Type)
		}
	}
	for _, e := range r.Escalations {
		for _, a := range e.Actions {
			if !known(a.Type) {
				return fmt.Errorf("rule %s: unknown escalation action type %q", r.ID, a.Type)
			}
		}
	}
	return nil
}

// AlertStatus — статус жизненного цикла алерта.
type AlertStatus string

const (
	AlertStatusActive     AlertStatus = "active"
	AlertStatusEscalated  AlertStatus = "escalated"
	AlertStatusSuppressed AlertStatus = "suppressed"
	AlertStatusResolved   AlertStatus = "resolved"
)

// IsOpen сообщает, считается ли алерт "живым" для инварианта
// "не более одного открытого алерта на правило".
func (s AlertStatus) IsOpen() bool {
	return s == AlertStatusActive || s == AlertStatusEscalated || s == AlertStatusSuppressed
}

// TrendDirection — классификация тренда метрики относительно предыдущего сэмпла.
type TrendDirection string

const (
	TrendImproving TrendDirection = "improving"
	TrendDegrading TrendDirection = "degrading"
	TrendStable    TrendDirection = "stable"
)

// ConditionReading — результат оценки одного условия: свернутое значение и тренд.
type ConditionReading struct {
	Metric    string         `json:"metric"`
	Met       bool           `json:"met"`
	Value     float64        `json:"value"`
	Threshold float64        `json:"threshold"`
	Samples   int            `json:"samples"`
	Trend     TrendDirection `json:"trend"`
}

// EscalationRecord — запись о сработавшей ступени эскалации.
type EscalationRecord struct {
	Level     int       `json:"level"`
	Timestamp time.Time `json:"timestamp"`
}

// ActionRecord — журнал выполнения действия (нотификации/отката).
type ActionRecord struct {
	Type      ActionType `json:"type"`
	Timestamp time.Time  `json:"timestamp"`
	Success   bool       `json:"success"`
	Error     string     `json:"error,omitempty"`
}

// Alert — экземпляр сработавшего правила.
// Инвариант: на одно правило — не более одного открытого алерта.
type Alert struct {
	ID              string             `json:"id"`
	RuleID          string             `json:"rule_id"`
	RuleName        string             `json:"rule_name"`
	Severity        AlertSeverity      `json:"severity"`
	Status          AlertStatus        `json:"status"`
	Readings        []ConditionReading `json:"readings"`
	Escalations     []EscalationRecord `json:"escalations,omitempty"`
	ActionLog       []ActionRecord     `json:"action_log,omitempty"`
	TriggeredAt     time.Time          `json:"triggered_at"`
	LastRefreshedAt time.Time          `json:"last_refreshed_at"`
	ResolvedAt      *time.Time         `json:"resolved_at,omitempty"`
	ResolutionNote  string             `json:"resolution_note,omitempty"`
	SuppressedUntil *time.Time         `json:"suppressed_until,omitempty"`
}
