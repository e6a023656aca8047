package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/spaceai-sentinel/internal/alert"
)

type AlertHandler struct {
	engine *alert.Engine
}

func NewAlertHandler(engine *alert.Engine) *AlertHandler {
	return &AlertHandler{engine: engine}
}

// Active возвращает открытые алерты.
// GET /v1/alerts
func (h *AlertHandler) Active(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.engine.ActiveAlerts())
}

// History возвращает завершенные алерты, свежие первыми.
// GET /v1/alerts/history?limit=50
func (h *AlertHandler) History(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.engine.History(limit))
}

// Resolve вручную резолвит алерт. Повторный резолв — 409.
// POST /v1/alerts/{id}/resolve
func (h *AlertHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		Note string `json:"note"`
	}
	json.NewDecoder(r.Body).Decode(&body)

	if !h.engine.Resolve(id, body.Note) {
		http.Error(w, "Alert is not open", http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Suppress временно глушит алерт.
// POST /v1/alerts/{id}/suppress
func (h *AlertHandler) Suppress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		DurationSeconds int `json:"duration_seconds"`
	}
	json.NewDecoder(r.Body).Decode(&body)

	if !h.engine.Suppress(id, time.Duration(body.DurationSeconds)*time.Second) {
		http.Error(w, "Alert is not open", http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
