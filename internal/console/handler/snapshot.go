package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/xela07ax/spaceai-sentinel/internal/domain"
	"github.com/xela07ax/spaceai-sentinel/internal/snapshot"
)

type SnapshotHandler struct {
	buf *snapshot.Buffer
}

func NewSnapshotHandler(buf *snapshot.Buffer) *SnapshotHandler {
	return &SnapshotHandler{buf: buf}
}

type ingestRequest struct {
	Timestamp time.Time              `json:"timestamp"`
	Metrics   map[string]float64     `json:"metrics"`
	Context   domain.SnapshotContext `json:"context"`
}

// Ingest принимает снапшот метрик (push-only).
// POST /v1/snapshots
func (h *SnapshotHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Metrics) == 0 {
		http.Error(w, "At least one metric is required", http.StatusBadRequest)
		return
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now()
	}

	h.buf.Add(domain.MetricSnapshot{
		Timestamp: req.Timestamp,
		Metrics:   req.Metrics,
		Context:   req.Context,
	})
	w.WriteHeader(http.StatusAccepted)
}
