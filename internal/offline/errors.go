package offline

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrQueueFull — очередь у предела: новые операции отклоняются,
// уже накопленные не вытесняются.
var ErrQueueFull = errors.New("offline queue is full")

// QueueDisabledError — офлайн-режим выключен администратором.
type QueueDisabledError struct{}

func (e *QueueDisabledError) Error() string {
	return "offline queue is administratively disabled"
}

// TransientNetworkError — временный сбой удаленного вызова:
// операция остается в очереди до следующего прохода.
type TransientNetworkError struct {
	Cause error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("transient network error: %v", e.Cause)
}

func (e *TransientNetworkError) Unwrap() error { return e.Cause }

// ConflictError — сервер отверг мутацию из-за расхождения версий.
// Несет серверное состояние для разрешения конфликта.
type ConflictError struct {
	Entity     string
	ServerData json.RawMessage
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on entity %s: server state diverged", e.Entity)
}

// RetriesExhaustedError — операция выбрала лимит попыток и выброшена.
type RetriesExhaustedError struct {
	OperationID string
	Attempts    int
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("operation %s dropped after %d failed attempts", e.OperationID, e.Attempts)
}
