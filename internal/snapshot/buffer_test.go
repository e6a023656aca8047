package snapshot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-sentinel/internal/domain"
)

func TestBufferWindow(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := NewBuffer(24 * time.Hour)
	b.now = func() time.Time { return base }

	for i := 0; i < 10; i++ {
		b.Add(domain.MetricSnapshot{
			Timestamp: base.Add(-time.Duration(10-i) * time.Minute),
			Metrics:   map[string]float64{"error_rate": float64(i)},
		})
	}

	window := b.Window(base.Add(-5 * time.Minute))
	require.Len(t, window, 5)
	require.True(t, window[0].Timestamp.Before(window[len(window)-1].Timestamp))

	latest, ok := b.Latest()
	require.True(t, ok)
	require.Equal(t, 9.0, latest.Metrics["error_rate"])
}

func TestBufferOutOfOrderInsert(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := NewBuffer(24 * time.Hour)
	b.now = func() time.Time { return base }

	b.Add(domain.MetricSnapshot{Timestamp: base.Add(-1 * time.Minute), Metrics: map[string]float64{"m": 2}})
	b.Add(domain.MetricSnapshot{Timestamp: base.Add(-3 * time.Minute), Metrics: map[string]float64{"m": 1}})

	window := b.Window(base.Add(-10 * time.Minute))
	require.Len(t, window, 2)
	require.Equal(t, 1.0, window[0].Metrics["m"])
	require.Equal(t, 2.0, window[1].Metrics["m"])
}

func TestBufferRetentionEviction(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := NewBuffer(time.Hour)
	b.now = func() time.Time { return base }

	b.Add(domain.MetricSnapshot{Timestamp: base.Add(-2 * time.Hour)})
	b.Add(domain.MetricSnapshot{Timestamp: base.Add(-30 * time.Minute)})
	require.Equal(t, 1, b.Len())
}
