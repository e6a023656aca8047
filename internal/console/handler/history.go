package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/xela07ax/spaceai-sentinel/internal/history"
)

// EventReader — выборка журнала контура для админки.
type EventReader interface {
	Recent(ctx context.Context, kind history.EventKind, limit int) ([]history.Event, error)
}

type HistoryHandler struct {
	repo EventReader
}

func NewHistoryHandler(repo EventReader) *HistoryHandler {
	return &HistoryHandler{repo: repo}
}

// Recent возвращает последние события журнала.
// GET /v1/history?kind=rollback&limit=100
func (h *HistoryHandler) Recent(w http.ResponseWriter, r *http.Request) {
	kind := history.EventKind(r.URL.Query().Get("kind"))
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	events, err := h.repo.Recent(r.Context(), kind, limit)
	if err != nil {
		http.Error(w, "Failed to fetch history: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(events)
}
