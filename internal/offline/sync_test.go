package offline

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/xela07ax/spaceai-sentinel/internal/domain"
	"github.com/xela07ax/spaceai-sentinel/internal/infra"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeRemote отвечает по сценарию: ответы на Submit по entity.
type fakeRemote struct {
	responses map[string]error // entity -> ошибка первой попытки
	forced    []string         // entity, ушедшие с force
	calls     int
}

func (f *fakeRemote) Submit(ctx context.Context, op domain.QueuedOperation, force bool) error {
	f.calls++
	if force {
		f.forced = append(f.forced, op.Entity)
		return nil
	}
	if err, ok := f.responses[op.Entity]; ok {
		return err
	}
	return nil
}

func newTestQueue(t *testing.T, cfg infra.QueueConfig) *Queue {
	t.Helper()
	if cfg.MaxQueueSize == 0 {
		cfg.MaxQueueSize = 100
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.ConflictResolution == "" {
		cfg.ConflictResolution = "server-wins"
	}
	cfg.Enabled = true
	q, err := NewQueue(cfg, NewMemoryStorage(), nil, zap.NewNop())
	require.NoError(t, err)
	return q
}

func newTestCoordinator(q *Queue, remote RemoteClient) *Coordinator {
	c := NewCoordinator(q, remote, nil, nil, nil, zap.NewNop())
	c.online = true
	return c
}

func enqueue(t *testing.T, q *Queue, entity string) domain.QueuedOperation {
	t.Helper()
	op, err := q.Enqueue(context.Background(), domain.OpUpdate, entity, json.RawMessage(`{"field":"local"}`))
	require.NoError(t, err)
	return op
}

func TestOfflineThenOnlineSyncsQueuedOperation(t *testing.T) {
	q := newTestQueue(t, infra.QueueConfig{})
	remote := &fakeRemote{}
	c := NewCoordinator(q, remote, nil, nil, nil, zap.NewNop())

	// В офлайне операция копится, синк невозможен
	enqueue(t, q, "deploy-config")
	_, err := c.Sync(context.Background())
	require.ErrorIs(t, err, ErrOffline)
	assert.Equal(t, 1, q.Len())

	c.online = true
	res, err := c.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.SyncedItems)
	assert.Equal(t, 0, res.FailedItems)
	assert.Equal(t, 0, q.Len())
}

func TestQueueDisabledRejectsEnqueue(t *testing.T) {
	q := newTestQueue(t, infra.QueueConfig{})
	q.SetEnabled(false)

	_, err := q.Enqueue(context.Background(), domain.OpCreate, "x", nil)
	var disabled *QueueDisabledError
	require.ErrorAs(t, err, &disabled)
}

func TestQueueFullRejectsNew(t *testing.T) {
	q := newTestQueue(t, infra.QueueConfig{MaxQueueSize: 2})
	enqueue(t, q, "a")
	enqueue(t, q, "b")

	_, err := q.Enqueue(context.Background(), domain.OpCreate, "c", nil)
	require.ErrorIs(t, err, ErrQueueFull)
	// Накопленное не вытесняется
	ops := q.QueuedOperations()
	require.Len(t, ops, 2)
	assert.Equal(t, "a", ops[0].Entity)
}

func TestRemoveIdempotent(t *testing.T) {
	q := newTestQueue(t, infra.QueueConfig{})
	op := enqueue(t, q, "a")

	ok, err := q.Remove(context.Background(), op.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.Remove(context.Background(), op.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTransientFailureRetriesThenDrops(t *testing.T) {
	q := newTestQueue(t, infra.QueueConfig{MaxRetries: 2})
	remote := &fakeRemote{responses: map[string]error{
		"flaky": &TransientNetworkError{Cause: context.DeadlineExceeded},
	}}
	c := newTestCoordinator(q, remote)

	enqueue(t, q, "flaky")

	// Первые проходы оставляют операцию в очереди с инкрементом попыток
	for i := 1; i <= 2; i++ {
		res, err := c.Sync(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 0, res.SyncedItems)
		assert.Equal(t, 0, res.FailedItems)
		ops := q.QueuedOperations()
		require.Len(t, ops, 1)
		assert.Equal(t, i, ops[0].RetryCount)
	}

	// Третий провал выбирает лимит: операция выброшена и посчитана как failed
	res, err := c.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.FailedItems)
	assert.Equal(t, 0, q.Len())
}

func TestConflictServerWins(t *testing.T) {
	q := newTestQueue(t, infra.QueueConfig{ConflictResolution: "server-wins"})
	remote := &fakeRemote{responses: map[string]error{
		"doc": &ConflictError{Entity: "doc", ServerData: json.RawMessage(`{"field":"server"}`)},
	}}
	c := newTestCoordinator(q, remote)

	enqueue(t, q, "doc")
	res, err := c.Sync(context.Background())
	require.NoError(t, err)

	// Локальная мутация выброшена, конфликт зафиксирован
	assert.Equal(t, 1, res.SyncedItems)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, domain.ResolveServerWins, res.Conflicts[0].Resolution)
	assert.JSONEq(t, `{"field":"server"}`, string(res.Conflicts[0].ServerData))
	assert.Equal(t, 0, q.Len())
	assert.Empty(t, remote.forced)
}

func TestConflictClientWinsForcesPush(t *testing.T) {
	q := newTestQueue(t, infra.QueueConfig{ConflictResolution: "client-wins"})
	remote := &fakeRemote{responses: map[string]error{
		"doc": &ConflictError{Entity: "doc", ServerData: json.RawMessage(`{"field":"server"}`)},
	}}
	c := newTestCoordinator(q, remote)

	enqueue(t, q, "doc")
	res, err := c.Sync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.SyncedItems)
	assert.Equal(t, []string{"doc"}, remote.forced)
	assert.Equal(t, 0, q.Len())
}

func TestConflictMergeReattemptsOnce(t *testing.T) {
	q := newTestQueue(t, infra.QueueConfig{ConflictResolution: "merge"})

	var mergedPayload json.RawMessage
	remote := &mergeCapturingRemote{
		server: json.RawMessage(`{"field":"server","server_only":1}`),
		onForce: func(op domain.QueuedOperation) {
			mergedPayload = op.Payload
		},
	}
	c := newTestCoordinator(q, remote)

	op, err := q.Enqueue(context.Background(), domain.OpUpdate, "doc", json.RawMessage(`{"field":"local","local_only":2}`))
	require.NoError(t, err)
	_ = op

	res, err := c.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.SyncedItems)
	assert.Equal(t, 0, q.Len())
	// База серверная, локальные поля перекрывают
	assert.JSONEq(t, `{"field":"local","local_only":2,"server_only":1}`, string(mergedPayload))
	// Повторная попытка ровно одна
	assert.Equal(t, 2, remote.calls)
}

type mergeCapturingRemote struct {
	server  json.RawMessage
	onForce func(domain.QueuedOperation)
	calls   int
}

func (m *mergeCapturingRemote) Submit(ctx context.Context, op domain.QueuedOperation, force bool) error {
	m.calls++
	if force {
		m.onForce(op)
		return nil
	}
	return &ConflictError{Entity: op.Entity, ServerData: m.server}
}

func TestMalformedStoredQueueStartsEmpty(t *testing.T) {
	// Битая персиcтентность — не фатал: RedisStorage вернет пустую очередь.
	// Тут проверяем поведение Queue поверх Storage, отдающего nil без ошибки.
	q, err := NewQueue(infra.QueueConfig{Enabled: true, MaxQueueSize: 10, MaxRetries: 1},
		NewMemoryStorage(), nil, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 0, q.Len())
}

func TestNetworkTransitionEvents(t *testing.T) {
	q := newTestQueue(t, infra.QueueConfig{})
	c := NewCoordinator(q, &fakeRemote{}, nil, nil, nil, zap.NewNop())

	c.SetOnline(context.Background(), true)
	c.SetOnline(context.Background(), true) // повтор не дает событий
	c.SetOnline(context.Background(), false)

	var got []EventType
	deadline := time.After(time.Second)
	for len(got) < 2 {
		select {
		case ev := <-c.Events():
			if ev.Type == EventOnline || ev.Type == EventOffline {
				got = append(got, ev.Type)
			}
		case <-deadline:
			t.Fatal("timed out waiting for transition events")
		}
	}
	assert.Equal(t, []EventType{EventOnline, EventOffline}, got)
}
