package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Alerting: сработавшие/разрешенные алерты по правилам
	AlertsTriggered *prometheus.CounterVec
	AlertsResolved  *prometheus.CounterVec
	ActiveAlerts    prometheus.Gauge

	// Длительность одного прохода оценки
	EvalDuration *prometheus.HistogramVec

	// Rollback: запуски и исходы исполнений
	RollbackExecutions *prometheus.CounterVec

	// Saturation: состояние предохранителей (0 - closed, 1 - open, 2 - half-open)
	BreakerState *prometheus.GaugeVec

	// Очередь офлайн-операций: глубина и исходы синка
	QueueDepth  prometheus.Gauge
	SyncedTotal prometheus.Counter
	FailedTotal prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern — если рег не передан, используем локальный, никуда не подключенный
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		AlertsTriggered: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_alerts_triggered_total",
			Help: "Total number of triggered alerts.",
		}, []string{"rule_id", "severity"}),

		AlertsResolved: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_alerts_resolved_total",
			Help: "Total number of resolved alerts.",
		}, []string{"rule_id"}),

		ActiveAlerts: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_active_alerts",
			Help: "Current number of open alerts.",
		}),

		EvalDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sentinel_eval_pass_duration_seconds",
			Help:    "Histogram of evaluation pass durations.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"engine"}),

		RollbackExecutions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_rollback_executions_total",
			Help: "Total number of rollback executions by source and status.",
		}, []string{"source", "status"}),

		BreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "sentinel_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=open, 2=half-open).",
		}, []string{"dependency"}),

		QueueDepth: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_offline_queue_depth",
			Help: "Current number of queued offline operations.",
		}),

		SyncedTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "sentinel_sync_operations_synced_total",
			Help: "Total number of successfully synced operations.",
		}),

		FailedTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "sentinel_sync_operations_failed_total",
			Help: "Total number of operations dropped after retry exhaustion.",
		}),
	}
}
