package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/xela07ax/spaceai-sentinel/internal/breaker"

	"go.uber.org/zap"
)

// WebhookHandler доставляет конфигурацию действия на внешний HTTP endpoint.
// Все исходящие типы (slack, pagerduty, переключение трафика и т.д.) в этом
// контуре — HTTP-вызовы внешних исполнителей; различается только адресат.
// Каждый хост защищен собственным предохранителем.
type WebhookHandler struct {
	http     *http.Client
	breakers *breaker.Manager
	logger   *zap.Logger
}

func NewWebhookHandler(timeout time.Duration, breakers *breaker.Manager, logger *zap.Logger) *WebhookHandler {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookHandler{
		http:     &http.Client{Timeout: timeout},
		breakers: breakers,
		logger:   logger.Named("webhook"),
	}
}

type webhookConfig struct {
	URL string `json:"url"`
}

func (h *WebhookHandler) Handle(ctx context.Context, config json.RawMessage) error {
	var cfg webhookConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return fmt.Errorf("webhook config: %w", err)
	}
	if cfg.URL == "" {
		return fmt.Errorf("webhook config: url is required")
	}

	parsed, err := url.Parse(cfg.URL)
	if err != nil {
		return fmt.Errorf("webhook config: bad url: %w", err)
	}

	call := func() error {
		return h.post(ctx, cfg.URL, config)
	}
	if h.breakers != nil {
		// Зависимость — хост: один упавший адресат не валит остальные
		return h.breakers.Execute(parsed.Host, call)
	}
	return call()
}

func (h *WebhookHandler) post(ctx context.Context, target string, body json.RawMessage) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := 5 * time.Second
		if raw := resp.Header.Get("Retry-After"); raw != "" {
			if secs, err := strconv.Atoi(raw); err == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return &ThrottleError{
			RetryAfter: retryAfter,
			Cause:      fmt.Errorf("endpoint %s throttled", target),
		}
	default:
		return fmt.Errorf("endpoint %s returned %d", target, resp.StatusCode)
	}
}
