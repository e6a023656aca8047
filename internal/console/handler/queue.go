package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/spaceai-sentinel/internal/domain"
	"github.com/xela07ax/spaceai-sentinel/internal/offline"
)

type QueueHandler struct {
	queue       *offline.Queue
	coordinator *offline.Coordinator
}

func NewQueueHandler(queue *offline.Queue, coordinator *offline.Coordinator) *QueueHandler {
	return &QueueHandler{queue: queue, coordinator: coordinator}
}

type enqueueRequest struct {
	Type    domain.OperationType `json:"type"`
	Entity  string               `json:"entity"`
	Payload json.RawMessage      `json:"payload"`
}

// Enqueue ставит мутацию в офлайн-очередь.
// POST /v1/queue
func (h *QueueHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Entity == "" {
		http.Error(w, "Entity is required", http.StatusBadRequest)
		return
	}

	op, err := h.queue.Enqueue(r.Context(), req.Type, req.Entity, req.Payload)
	if err != nil {
		var disabled *offline.QueueDisabledError
		switch {
		case errors.As(err, &disabled):
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		case errors.Is(err, offline.ErrQueueFull):
			http.Error(w, err.Error(), http.StatusInsufficientStorage)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(op)
}

// List возвращает очередь в FIFO-порядке.
// GET /v1/queue
func (h *QueueHandler) List(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.queue.QueuedOperations())
}

// Remove удаляет операцию. Повторное удаление — 404, не ошибка сервера.
// DELETE /v1/queue/{id}
func (h *QueueHandler) Remove(w http.ResponseWriter, r *http.Request) {
	ok, err := h.queue.Remove(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "Operation not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Clear опустошает очередь.
// POST /v1/queue/clear
func (h *QueueHandler) Clear(w http.ResponseWriter, r *http.Request) {
	if err := h.queue.Clear(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UpdateConfig применяет частичный патч настроек очереди.
// PATCH /v1/queue/config
func (h *QueueHandler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	var patch offline.ConfigPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	cfg := h.queue.UpdateConfig(patch)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(cfg)
}

// Sync запускает проход синхронизации вручную.
// POST /v1/queue/sync
func (h *QueueHandler) Sync(w http.ResponseWriter, r *http.Request) {
	result, err := h.coordinator.Sync(r.Context())
	if err != nil {
		if errors.Is(err, offline.ErrOffline) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}
