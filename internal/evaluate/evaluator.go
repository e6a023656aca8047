package evaluate

import (
	"fmt"
	"math"
	"time"

	"github.com/xela07ax/spaceai-sentinel/internal/domain"
)

const (
	// trendDeadband — мертвая зона 5%: меньшие относительные изменения считаем шумом.
	trendDeadband  = 0.05
	defaultEpsilon = 1e-9
)

// sample — значение одной метрики, извлеченное из среза.
type sample struct {
	ts    time.Time
	value float64
}

// WindowProvider — источник срезов для оценки (реализуется snapshot.Buffer).
type WindowProvider interface {
	Window(from time.Time) []domain.MetricSnapshot
}

// Condition оценивает одно условие над окном [now-timeWindow, now].
// Недобор сэмплов (< MinimumSamples) — это not-met, а не ошибка.
func Condition(cond domain.Condition, buf WindowProvider, now time.Time) domain.ConditionReading {
	reading := domain.ConditionReading{
		Metric:    cond.Metric,
		Threshold: cond.Threshold,
		Trend:     domain.TrendStable,
	}

	snapshots := buf.Window(now.Add(-cond.TimeWindow))
	samples := extract(snapshots, cond.Metric)
	reading.Samples = len(samples)

	if len(samples) < cond.MinimumSamples || len(samples) == 0 {
		return reading
	}

	reading.Value = aggregate(samples, cond.Aggregation)
	reading.Trend = classifyTrend(cond.Metric, samples)
	reading.Met = operatorMet(cond, reading.Value, samples)
	return reading
}

// Rule оценивает все условия правила. Правило выполнено, только когда
// выполнены ВСЕ условия (логическое AND).
func Rule(conditions []domain.Condition, buf WindowProvider, now time.Time) (bool, []domain.ConditionReading) {
	readings := make([]domain.ConditionReading, 0, len(conditions))
	allMet := len(conditions) > 0
	for _, cond := range conditions {
		r := Condition(cond, buf, now)
		readings = append(readings, r)
		if !r.Met {
			allMet = false
		}
	}
	return allMet, readings
}

func extract(snapshots []domain.MetricSnapshot, metric string) []sample {
	samples := make([]sample, 0, len(snapshots))
	for _, s := range snapshots {
		v, ok := s.Value(metric)
		if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		samples = append(samples, sample{ts: s.Timestamp, value: v})
	}
	return samples
}

func aggregate(samples []sample, agg domain.Aggregation) float64 {
	switch agg {
	case domain.AggCount:
		return float64(len(samples))
	case domain.AggMax:
		max := samples[0].value
		for _, s := range samples[1:] {
			if s.value > max {
				max = s.value
			}
		}
		return max
	case domain.AggMin:
		min := samples[0].value
		for _, s := range samples[1:] {
			if s.value < min {
				min = s.value
			}
		}
		return min
	case domain.AggSum:
		var sum float64
		for _, s := range samples {
			sum += s.value
		}
		return sum
	default: // avg
		var sum float64
		for _, s := range samples {
			sum += s.value
		}
		return sum / float64(len(samples))
	}
}

func operatorMet(cond domain.Condition, value float64, samples []sample) bool {
	switch cond.Operator {
	case domain.OpGreaterThan:
		return value > cond.Threshold
	case domain.OpLessThan:
		return value < cond.Threshold
	case domain.OpGreaterOrEqual:
		return value >= cond.Threshold
	case domain.OpLessOrEqual:
		return value <= cond.Threshold
	case domain.OpEqual:
		return math.Abs(value-cond.Threshold) <= defaultEpsilon
	case domain.OpPercentageChange:
		return percentageChangeMet(cond.Threshold, samples)
	case domain.OpAnomaly:
		return anomalyMet(cond.Threshold, value, samples)
	default:
		return false
	}
}

// percentageChangeMet сравнивает относительное изменение агрегата с самым
// ранним сэмплом окна. Порог знаковый: отрицательный означает
// "срабатывание на падение не менее |threshold| процентов".
func percentageChangeMet(threshold float64, samples []sample) bool {
	earliest := samples[0].value
	latest := samples[len(samples)-1].value
	if math.Abs(earliest) <= defaultEpsilon {
		return false // от нуля процентное изменение не определено
	}
	change := (latest - earliest) / math.Abs(earliest) * 100

	if threshold >= 0 {
		return change >= threshold
	}
	return change <= threshold
}

// anomalyMet проверяет отклонение значения от среднего окна
// более чем на threshold стандартных отклонений.
func anomalyMet(threshold float64, value float64, samples []sample) bool {
	mean := 0.0
	for _, s := range samples {
		mean += s.value
	}
	mean /= float64(len(samples))

	variance := 0.0
	for _, s := range samples {
		d := s.value - mean
		variance += d * d
	}
	variance /= float64(len(samples))
	std := math.Sqrt(variance)

	if std <= defaultEpsilon {
		// Плоская история: любое заметное отклонение аномально
		return math.Abs(value-mean) > defaultEpsilon
	}
	return math.Abs(value-mean) > threshold*std
}

// classifyTrend сравнивает последний сырой сэмпл с предпоследним:
// относительное изменение за пределами мертвой зоны классифицируется
// по таблице полярности метрики.
func classifyTrend(metric string, samples []sample) domain.TrendDirection {
	if len(samples) < 2 {
		return domain.TrendStable
	}
	previous := samples[len(samples)-2].value
	latest := samples[len(samples)-1].value
	if math.Abs(previous) <= defaultEpsilon {
		return domain.TrendStable
	}

	change := (latest - previous) / math.Abs(previous)
	if math.Abs(change) <= trendDeadband {
		return domain.TrendStable
	}

	increased := change > 0
	if higherIsBetter(metric) == increased {
		return domain.TrendImproving
	}
	return domain.TrendDegrading
}

// Таблица полярности: для каких метрик рост — это хорошо.
// Незнакомые метрики трактуем консервативно: рост — деградация.
var positiveMetrics = map[string]struct{}{
	"satisfaction_score": {},
	"success_rate":       {},
	"throughput":         {},
	"availability":       {},
	"conversion_rate":    {},
}

func higherIsBetter(metric string) bool {
	_, ok := positiveMetrics[metric]
	return ok
}

// DescribeReading — человекочитаемая сводка для логов и нотификаций.
func DescribeReading(r domain.ConditionReading) string {
	return fmt.Sprintf("%s=%.3f (threshold %.3f, samples %d, trend %s)",
		r.Metric, r.Value, r.Threshold, r.Samples, r.Trend)
}
