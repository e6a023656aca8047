package domain

import "time"

// MetricSnapshot — неизменяемый срез метрик на момент времени.
// Context несет теги окружения: версию деплоя, фичефлаги, регион.
type MetricSnapshot struct {
	Timestamp time.Time          `json:"timestamp"`
	Metrics   map[string]float64 `json:"metrics"`
	Context   SnapshotContext    `json:"context"`
}

// SnapshotContext — теги окружения, в котором сняты метрики.
type SnapshotContext struct {
	DeploymentVersion string            `json:"deployment_version,omitempty"`
	FeatureFlags      []string          `json:"feature_flags,omitempty"`
	Region            string            `json:"region,omitempty"`
	Labels            map[string]string `json:"labels,omitempty"`
}

// Value возвращает значение метрики и признак её наличия в срезе.
func (s MetricSnapshot) Value(metric string) (float64, bool) {
	v, ok := s.Metrics[metric]
	return v, ok
}
