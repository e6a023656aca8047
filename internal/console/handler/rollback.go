package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/spaceai-sentinel/internal/domain"
	"github.com/xela07ax/spaceai-sentinel/internal/rollback"
)

type RollbackHandler struct {
	executor *rollback.Executor
	triggers *rollback.TriggerEngine
}

func NewRollbackHandler(executor *rollback.Executor, triggers *rollback.TriggerEngine) *RollbackHandler {
	return &RollbackHandler{executor: executor, triggers: triggers}
}

type createPlanRequest struct {
	DeploymentVersion string                `json:"deployment_version"`
	TargetVersion     string                `json:"target_version"`
	Steps             []domain.RollbackStep `json:"steps,omitempty"`
}

// CreatePlan строит план для пары версий, опционально с кастомными шагами.
// POST /v1/rollback/plans
func (h *RollbackHandler) CreatePlan(w http.ResponseWriter, r *http.Request) {
	var req createPlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	plan, err := h.executor.CreatePlan(req.DeploymentVersion, req.TargetVersion, req.Steps)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(plan)
}

// ListPlans возвращает зарегистрированные планы.
// GET /v1/rollback/plans
func (h *RollbackHandler) ListPlans(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.executor.Plans())
}

type executeRequest struct {
	Reason   string `json:"reason"`
	Approver string `json:"approver,omitempty"`
}

// Execute запускает план вручную. План с approval требует approver.
// POST /v1/rollback/plans/{id}/execute
func (h *RollbackHandler) Execute(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Reason == "" {
		http.Error(w, "Reason is required", http.StatusBadRequest)
		return
	}

	exec, err := h.executor.Execute(r.Context(), id, req.Reason, req.Approver)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(exec)
}

// ListExecutions возвращает протоколы исполнений.
// GET /v1/rollback/executions
func (h *RollbackHandler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.executor.Executions())
}

// ListTriggers возвращает триггеры автоотката.
// GET /v1/rollback/triggers
func (h *RollbackHandler) ListTriggers(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.triggers.Triggers())
}

// CreateTrigger регистрирует триггер автоотката.
// POST /v1/rollback/triggers
func (h *RollbackHandler) CreateTrigger(w http.ResponseWriter, r *http.Request) {
	var tr domain.RollbackTrigger
	if err := json.NewDecoder(r.Body).Decode(&tr); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.triggers.RegisterTrigger(tr); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// DeleteTrigger удаляет триггер.
// DELETE /v1/rollback/triggers/{id}
func (h *RollbackHandler) DeleteTrigger(w http.ResponseWriter, r *http.Request) {
	if !h.triggers.DeleteTrigger(chi.URLParam(r, "id")) {
		http.Error(w, "Trigger not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
