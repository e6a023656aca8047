package alert

import (
	"time"

	"github.com/xela07ax/spaceai-sentinel/internal/domain"
)

// DefaultRules — стартовый набор правил для свежего инстанса.
// Без действий: сигналят в API и журнал, нотификации оператор
// навешивает сам под свои endpoints.
func DefaultRules() []domain.AlertRule {
	return []domain.AlertRule{
		{
			ID:       "default-high-error-rate",
			Name:     "High error rate",
			Enabled:  true,
			Severity: domain.SeverityCritical,
			Conditions: []domain.Condition{{
				Metric:         "errorRate",
				Operator:       domain.OpGreaterThan,
				Threshold:      5,
				TimeWindow:     5 * time.Minute,
				Aggregation:    domain.AggAvg,
				MinimumSamples: 5,
			}},
			Cooldown: 10 * time.Minute,
		},
		{
			ID:       "default-low-availability",
			Name:     "Availability below SLO",
			Enabled:  true,
			Severity: domain.SeverityWarning,
			Conditions: []domain.Condition{{
				Metric:         "availability",
				Operator:       domain.OpLessThan,
				Threshold:      99.5,
				TimeWindow:     10 * time.Minute,
				Aggregation:    domain.AggAvg,
				MinimumSamples: 5,
			}},
			Cooldown: 15 * time.Minute,
		},
		{
			ID:       "default-latency-spike",
			Name:     "P95 latency anomaly",
			Enabled:  true,
			Severity: domain.SeverityWarning,
			Conditions: []domain.Condition{{
				Metric:         "latencyP95",
				Operator:       domain.OpAnomaly,
				Threshold:      3, // сигмы
				TimeWindow:     30 * time.Minute,
				Aggregation:    domain.AggAvg,
				MinimumSamples: 10,
			}},
			Cooldown: 10 * time.Minute,
		},
	}
}
