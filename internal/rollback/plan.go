package rollback

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/xela07ax/spaceai-sentinel/internal/domain"

	"github.com/google/uuid"
)

// BuildPlan собирает план отката для пары версий. Без кастомных шагов
// генерируется канонический план из шести шагов. Риск и флаг approval
// всегда выводятся из итогового набора шагов, даже для кастомного.
func BuildPlan(deploymentVersion, targetVersion string, custom []domain.RollbackStep, now time.Time) (domain.RollbackPlan, error) {
	if deploymentVersion == "" || targetVersion == "" {
		return domain.RollbackPlan{}, fmt.Errorf("rollback: deployment and target versions are required")
	}
	if deploymentVersion == targetVersion {
		return domain.RollbackPlan{}, fmt.Errorf("rollback: target version equals deployment version")
	}

	steps := custom
	if len(steps) == 0 {
		steps = canonicalSteps(deploymentVersion, targetVersion)
	}
	if err := validateSteps(steps); err != nil {
		return domain.RollbackPlan{}, err
	}

	risk := deriveRisk(steps)
	plan := domain.RollbackPlan{
		ID:                uuid.New().String(),
		DeploymentVersion: deploymentVersion,
		TargetVersion:     targetVersion,
		Steps:             steps,
		RiskLevel:         risk,
		ApprovalRequired:  risk == domain.RiskHigh || touchesPersistentData(steps),
		CreatedAt:         now,
	}
	return plan, nil
}

// canonicalSteps — стандартная последовательность отката деплоя.
// Критичные шаги связаны зависимостями: трафик не переключаем,
// пока не выключены новые флаги, здоровье не проверяем до очистки кэшей.
func canonicalSteps(from, to string) []domain.RollbackStep {
	return []domain.RollbackStep{
		{
			ID:                "notify-start",
			Type:              domain.StepNotify,
			Name:              "Notify rollback start",
			Config:            mustJSON(map[string]string{"message": fmt.Sprintf("rollback %s -> %s started", from, to)}),
			AbortOnFailure:    false,
			EstimatedDuration: 5 * time.Second,
		},
		{
			ID:                "disable-new-feature-flags",
			Type:              domain.StepFeatureFlag,
			Name:              "Disable feature flags introduced by the deployment",
			Config:            mustJSON(map[string]string{"version": from, "mode": "disable"}),
			AbortOnFailure:    true,
			EstimatedDuration: 15 * time.Second,
		},
		{
			ID:                "switch-traffic",
			Type:              domain.StepTrafficSwitch,
			Name:              "Switch traffic to previous stable version",
			Config:            mustJSON(map[string]string{"target": to}),
			Dependencies:      []string{"disable-new-feature-flags"},
			AbortOnFailure:    true,
			EstimatedDuration: 60 * time.Second,
		},
		{
			ID:                "clear-caches",
			Type:              domain.StepCacheClear,
			Name:              "Clear caches stale after version switch",
			Dependencies:      []string{"switch-traffic"},
			AbortOnFailure:    false,
			EstimatedDuration: 30 * time.Second,
		},
		{
			ID:                "verify-health",
			Type:              domain.StepVerifyHealth,
			Name:              "Verify target version health",
			Config:            mustJSON(map[string]string{"version": to}),
			Dependencies:      []string{"switch-traffic"},
			AbortOnFailure:    true,
			EstimatedDuration: 90 * time.Second,
		},
		{
			ID:                "notify-completion",
			Type:              domain.StepNotify,
			Name:              "Notify rollback completion",
			Config:            mustJSON(map[string]string{"message": fmt.Sprintf("rollback %s -> %s completed", from, to)}),
			Dependencies:      []string{"verify-health"},
			AbortOnFailure:    false,
			EstimatedDuration: 5 * time.Second,
		},
	}
}

// deriveRisk выводит уровень риска из состава шагов:
// персистентные данные или >3 критичных шагов — high,
// переключение трафика или >1 критичного — medium, иначе low.
func deriveRisk(steps []domain.RollbackStep) domain.RiskLevel {
	abortCritical := 0
	hasTrafficSwitch := false
	for _, s := range steps {
		if s.AbortOnFailure {
			abortCritical++
		}
		if s.Type == domain.StepTrafficSwitch {
			hasTrafficSwitch = true
		}
	}
	switch {
	case touchesPersistentData(steps) || abortCritical > 3:
		return domain.RiskHigh
	case hasTrafficSwitch || abortCritical > 1:
		return domain.RiskMedium
	default:
		return domain.RiskLow
	}
}

func touchesPersistentData(steps []domain.RollbackStep) bool {
	for _, s := range steps {
		if s.Type.TouchesPersistentData() {
			return true
		}
	}
	return false
}

// validateSteps проверяет уникальность id и разрешимость зависимостей.
// Зависимость обязана объявляться раньше зависимого шага: исполнение
// идет строго в порядке объявления.
func validateSteps(steps []domain.RollbackStep) error {
	seen := make(map[string]bool, len(steps))
	for _, s := range steps {
		if s.ID == "" {
			return fmt.Errorf("rollback: step id is required")
		}
		if seen[s.ID] {
			return fmt.Errorf("rollback: duplicate step id %q", s.ID)
		}
		for _, dep := range s.Dependencies {
			if !seen[dep] {
				return fmt.Errorf("rollback: step %q depends on %q which is not declared before it", s.ID, dep)
			}
		}
		seen[s.ID] = true
	}
	return nil
}

func mustJSON(v map[string]string) []byte {
	// Маленькие статичные мапы, маршалинг не падает
	b, _ := json.Marshal(v)
	return b
}
