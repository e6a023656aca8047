package domain

import (
	"encoding/json"
	"time"
)

// OperationType — тип отложенной клиентской мутации.
type OperationType string

const (
	OpCreate OperationType = "create"
	OpUpdate OperationType = "update"
	OpDelete OperationType = "delete"
)

// QueuedOperation — мутация, накопленная в офлайне.
// Жизненный цикл: enqueue -> попытка при синке -> удаление при успехе,
// разрешенном конфликте или исчерпании ретраев.
type QueuedOperation struct {
	ID         string          `json:"id"`
	Type       OperationType   `json:"type"`
	Entity     string          `json:"entity"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	RetryCount int             `json:"retry_count"`
	MaxRetries int             `json:"max_retries"`
}

// ConflictResolution — политика примирения локальной мутации с ушедшим вперед сервером.
type ConflictResolution string

const (
	ResolveServerWins ConflictResolution = "server-wins"
	ResolveClientWins ConflictResolution = "client-wins"
	ResolveMerge      ConflictResolution = "merge"
)

// Conflict — зафиксированное расхождение клиента и сервера по одной операции.
type Conflict struct {
	OperationID string             `json:"operation_id"`
	Entity      string             `json:"entity"`
	LocalData   json.RawMessage    `json:"local_data"`
	ServerData  json.RawMessage    `json:"server_data"`
	Resolution  ConflictResolution `json:"resolution"`
	OccurredAt  time.Time          `json:"occurred_at"`
}

// SyncResult — итог одного прохода синхронизации.
type SyncResult struct {
	SyncedItems int        `json:"synced_items"`
	FailedItems int        `json:"failed_items"`
	Conflicts   []Conflict `json:"conflicts,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  time.Time  `json:"finished_at"`
}
