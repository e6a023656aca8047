package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(cfg Config) (*Breaker, *time.Time) {
	b := New("test-dep", cfg, nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestOpensAfterFailureThreshold(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 3, ResetTimeout: time.Second})

	for i := 0; i < 3; i++ {
		require.True(t, b.CanExecute())
		b.RecordFailure()
	}

	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.CanExecute())
}

func TestHalfOpenProbeAndReopen(t *testing.T) {
	b, now := newTestBreaker(Config{FailureThreshold: 3, ResetTimeout: time.Second, HalfOpenMaxCalls: 1})

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	require.False(t, b.CanExecute())

	// После resetTimeout первый же вызов переводит в half-open и разрешается
	*now = now.Add(1001 * time.Millisecond)
	require.True(t, b.CanExecute())
	assert.Equal(t, StateHalfOpen, b.State())

	// Отказ пробы мгновенно открывает снова
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.CanExecute())
}

func TestHalfOpenProbeBudgetIndependentOfFailures(t *testing.T) {
	b, now := newTestBreaker(Config{FailureThreshold: 2, ResetTimeout: time.Second, HalfOpenMaxCalls: 2})

	b.RecordFailure()
	b.RecordFailure()
	*now = now.Add(2 * time.Second)

	// Бюджет проб не зависит от накопленного счетчика отказов
	assert.True(t, b.CanExecute())
	assert.True(t, b.CanExecute())
	assert.False(t, b.CanExecute())
}

func TestSuccessResetsToClosed(t *testing.T) {
	b, now := newTestBreaker(Config{FailureThreshold: 2, ResetTimeout: time.Second})

	b.RecordFailure()
	b.RecordFailure()
	*now = now.Add(2 * time.Second)
	require.True(t, b.CanExecute())

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.Metrics().FailureCount)
	assert.True(t, b.CanExecute())
}

func TestExecuteFailsFastWhenOpen(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 1, ResetTimeout: time.Minute})
	b.RecordFailure()

	called := false
	err := b.Execute(func() error {
		called = true
		return nil
	})

	var openErr *CircuitOpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "test-dep", openErr.Dependency)
	assert.False(t, called)
}

func TestExecutePropagatesOriginalError(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 5, ResetTimeout: time.Minute})

	sentinel := errors.New("downstream boom")
	err := b.Execute(func() error { return sentinel })
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, b.Metrics().FailureCount)

	require.NoError(t, b.Execute(func() error { return nil }))
	assert.Equal(t, 0, b.Metrics().FailureCount)
}

func TestManagerOneBreakerPerDependency(t *testing.T) {
	m := NewManager(Config{FailureThreshold: 2, ResetTimeout: time.Second}, nil)

	a := m.GetOrCreate("billing")
	b := m.GetOrCreate("billing")
	assert.Same(t, a, b)

	m.GetOrCreate("search")
	assert.Len(t, m.AllMetrics(), 2)
}
