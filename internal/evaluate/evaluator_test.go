package evaluate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-sentinel/internal/domain"
	"github.com/xela07ax/spaceai-sentinel/internal/snapshot"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func feed(t *testing.T, values map[string][]float64, step time.Duration) *snapshot.Buffer {
	t.Helper()
	buf := snapshot.NewBuffer(24 * time.Hour)
	n := 0
	for _, vs := range values {
		if len(vs) > n {
			n = len(vs)
		}
	}
	for i := 0; i < n; i++ {
		metrics := map[string]float64{}
		for name, vs := range values {
			if i < len(vs) {
				metrics[name] = vs[i]
			}
		}
		buf.Add(domain.MetricSnapshot{
			Timestamp: base.Add(-time.Duration(n-i) * step),
			Metrics:   metrics,
		})
	}
	return buf
}

func TestThresholdOperators(t *testing.T) {
	buf := feed(t, map[string][]float64{"error_rate": {6, 6, 6, 6, 6}}, time.Minute)

	cond := domain.Condition{
		Metric:         "error_rate",
		Operator:       domain.OpGreaterThan,
		Threshold:      5,
		TimeWindow:     10 * time.Minute,
		Aggregation:    domain.AggAvg,
		MinimumSamples: 5,
	}
	r := Condition(cond, buf, base)
	require.True(t, r.Met)
	assert.Equal(t, 6.0, r.Value)
	assert.Equal(t, 5, r.Samples)

	cond.Operator = domain.OpLessOrEqual
	assert.False(t, Condition(cond, buf, base).Met)
}

func TestMinimumSamplesGate(t *testing.T) {
	buf := feed(t, map[string][]float64{"error_rate": {10, 10, 10}}, time.Minute)
	cond := domain.Condition{
		Metric:         "error_rate",
		Operator:       domain.OpGreaterThan,
		Threshold:      5,
		TimeWindow:     10 * time.Minute,
		Aggregation:    domain.AggAvg,
		MinimumSamples: 5,
	}
	// Недобор сэмплов — not-met, без ошибки
	r := Condition(cond, buf, base)
	assert.False(t, r.Met)
	assert.Equal(t, 3, r.Samples)
}

func TestPercentageChangeSignAware(t *testing.T) {
	buf := feed(t, map[string][]float64{"throughput": {100, 95, 90, 85, 60}}, time.Minute)
	cond := domain.Condition{
		Metric:         "throughput",
		Operator:       domain.OpPercentageChange,
		Threshold:      -30, // срабатывает на падение >= 30%
		TimeWindow:     10 * time.Minute,
		Aggregation:    domain.AggAvg,
		MinimumSamples: 3,
	}
	assert.True(t, Condition(cond, buf, base).Met)

	cond.Threshold = -50
	assert.False(t, Condition(cond, buf, base).Met)

	growth := feed(t, map[string][]float64{"throughput": {100, 120, 150}}, time.Minute)
	cond.Threshold = 40
	assert.True(t, Condition(cond, growth, base).Met)
}

func TestAnomalyOperator(t *testing.T) {
	buf := feed(t, map[string][]float64{"latency_p99": {100, 102, 98, 101, 99, 100, 400}}, time.Minute)
	cond := domain.Condition{
		Metric:         "latency_p99",
		Operator:       domain.OpAnomaly,
		Threshold:      2, // 2 sigma
		TimeWindow:     10 * time.Minute,
		Aggregation:    domain.AggMax,
		MinimumSamples: 5,
	}
	assert.True(t, Condition(cond, buf, base).Met)

	flat := feed(t, map[string][]float64{"latency_p99": {100, 100, 100, 100, 100}}, time.Minute)
	assert.False(t, Condition(cond, flat, base).Met)
}

func TestTrendPolarity(t *testing.T) {
	// Рост error_rate — деградация
	degrading := feed(t, map[string][]float64{"error_rate": {1, 1, 1, 1, 2}}, time.Minute)
	cond := domain.Condition{
		Metric: "error_rate", Operator: domain.OpGreaterThan, Threshold: 0,
		TimeWindow: 10 * time.Minute, Aggregation: domain.AggAvg, MinimumSamples: 2,
	}
	assert.Equal(t, domain.TrendDegrading, Condition(cond, degrading, base).Trend)

	// Рост satisfaction_score — улучшение
	improving := feed(t, map[string][]float64{"satisfaction_score": {4, 4, 4, 4, 4.5}}, time.Minute)
	cond.Metric = "satisfaction_score"
	assert.Equal(t, domain.TrendImproving, Condition(cond, improving, base).Trend)

	// Изменение внутри мертвой зоны 5% — stable
	stable := feed(t, map[string][]float64{"error_rate": {100, 100, 100, 100, 102}}, time.Minute)
	cond.Metric = "error_rate"
	assert.Equal(t, domain.TrendStable, Condition(cond, stable, base).Trend)
}

func TestRuleAllConditionsAnd(t *testing.T) {
	buf := feed(t, map[string][]float64{
		"error_rate":  {6, 6, 6, 6, 6},
		"latency_p99": {100, 100, 100, 100, 100},
	}, time.Minute)

	conds := []domain.Condition{
		{Metric: "error_rate", Operator: domain.OpGreaterThan, Threshold: 5,
			TimeWindow: 10 * time.Minute, Aggregation: domain.AggAvg, MinimumSamples: 5},
		{Metric: "latency_p99", Operator: domain.OpGreaterThan, Threshold: 500,
			TimeWindow: 10 * time.Minute, Aggregation: domain.AggAvg, MinimumSamples: 5},
	}

	met, readings := Rule(conds, buf, base)
	require.Len(t, readings, 2)
	assert.False(t, met) // второе условие не выполнено

	conds[1].Threshold = 50
	met, _ = Rule(conds, buf, base)
	assert.True(t, met)
}
