package domain

import "encoding/json"

// ActionType — закрытое множество типов действий (side-channel).
// Реализацию несет внешний обработчик, зарегистрированный на старте процесса;
// незнакомый тип — ошибка конструирования правила, а не тихий no-op.
type ActionType string

const (
	ActionEmail         ActionType = "email"
	ActionSlack         ActionType = "slack"
	ActionWebhook       ActionType = "webhook"
	ActionPagerDuty     ActionType = "pagerduty"
	ActionTrafficSwitch ActionType = "traffic_switch"
	ActionFeatureFlag   ActionType = "feature_flag"
	ActionCacheClear    ActionType = "cache_clear"
	ActionHealthCheck   ActionType = "health_check"
	// ActionRollback — спецтип: алерт инициирует автооткат через RollbackTriggerEngine.
	ActionRollback ActionType = "rollback"
)

// KnownActionTypes — справочник допустимых вариантов для валидации конфигураций.
var KnownActionTypes = map[ActionType]struct{}{
	ActionEmail:         {},
	ActionSlack:         {},
	ActionWebhook:       {},
	ActionPagerDuty:     {},
	ActionTrafficSwitch: {},
	ActionFeatureFlag:   {},
	ActionCacheClear:    {},
	ActionHealthCheck:   {},
	ActionRollback:      {},
}

// AlertAction — сконфигурированное действие правила или шага отката.
// Config хранится сырым JSON: контур гарантирует лишь доставку конфигурации
// в обработчик и фиксацию результата.
type AlertAction struct {
	Type   ActionType      `json:"type"`
	Config json.RawMessage `json:"config,omitempty"`
}
