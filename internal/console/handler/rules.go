package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/spaceai-sentinel/internal/alert"
	"github.com/xela07ax/spaceai-sentinel/internal/domain"
)

type RuleHandler struct {
	engine *alert.Engine
}

func NewRuleHandler(engine *alert.Engine) *RuleHandler {
	return &RuleHandler{engine: engine}
}

// List возвращает все правила алертинга.
// GET /v1/rules
func (h *RuleHandler) List(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.engine.Rules())
}

// Get возвращает правило по ID.
// GET /v1/rules/{id}
func (h *RuleHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rule, ok := h.engine.Rule(id)
	if !ok {
		http.Error(w, "Rule not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rule)
}

// Create регистрирует новое правило. Неизвестный тип действия — 400.
// POST /v1/rules
func (h *RuleHandler) Create(w http.ResponseWriter, r *http.Request) {
	var rule domain.AlertRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.engine.RegisterRule(rule); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// Update заменяет существующее правило.
// PUT /v1/rules/{id}
func (h *RuleHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var rule domain.AlertRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	rule.ID = id

	if err := h.engine.UpdateRule(rule); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Delete удаляет правило; его открытый алерт резолвится.
// DELETE /v1/rules/{id}
func (h *RuleHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if !h.engine.DeleteRule(chi.URLParam(r, "id")) {
		http.Error(w, "Rule not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
