package handler

import (
	"encoding/json"
	"net/http"

	"github.com/xela07ax/spaceai-sentinel/internal/breaker"
)

type BreakerHandler struct {
	manager *breaker.Manager
}

func NewBreakerHandler(manager *breaker.Manager) *BreakerHandler {
	return &BreakerHandler{manager: manager}
}

// Metrics — снапшот состояния всех предохранителей для дашбордов.
// GET /v1/breakers
func (h *BreakerHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.manager.AllMetrics())
}
