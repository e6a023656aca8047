package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/xela07ax/spaceai-sentinel/internal/domain"
	"github.com/xela07ax/spaceai-sentinel/internal/offline"

	"go.uber.org/zap"
)

// Client доставляет отложенные мутации на центральный сервер по HTTP.
// 409 транслируется в ConflictError с серверным состоянием,
// сетевые сбои и 5xx — в TransientNetworkError.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		logger:  logger.Named("remote-client"),
	}
}

// submitRequest — тело запроса синхронизации одной операции.
type submitRequest struct {
	ID      string               `json:"id"`
	Type    domain.OperationType `json:"type"`
	Entity  string               `json:"entity"`
	Payload json.RawMessage      `json:"payload"`
	Force   bool                 `json:"force,omitempty"`
}

// conflictResponse — тело ответа 409.
type conflictResponse struct {
	ServerData json.RawMessage `json:"server_data"`
}

func (c *Client) Submit(ctx context.Context, op domain.QueuedOperation, force bool) error {
	body, err := json.Marshal(submitRequest{
		ID:      op.ID,
		Type:    op.Type,
		Entity:  op.Entity,
		Payload: op.Payload,
		Force:   force,
	})
	if err != nil {
		return fmt.Errorf("remote submit marshal: %w", err)
	}

	url := fmt.Sprintf("%s/v1/operations", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("remote submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &offline.TransientNetworkError{Cause: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil

	case resp.StatusCode == http.StatusConflict:
		var cr conflictResponse
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err := json.Unmarshal(data, &cr); err != nil {
			c.logger.Warn("conflict body is not parseable", zap.Error(err))
		}
		return &offline.ConflictError{Entity: op.Entity, ServerData: cr.ServerData}

	case resp.StatusCode >= 500:
		return &offline.TransientNetworkError{
			Cause: fmt.Errorf("server returned %d", resp.StatusCode),
		}

	default:
		// 4xx кроме конфликта — постоянная ошибка, ретраи не помогут
		return fmt.Errorf("remote rejected operation %s: status %d", op.ID, resp.StatusCode)
	}
}
