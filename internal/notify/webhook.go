package notify

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/sugawarayuuta/sonnet"

	"github.com/nexus-trading/heaven-engine/internal/errs"
)

// WebhookSender posts alerts as JSON to monitoring.alert_webhook.
type WebhookSender struct {
	url      string
	instance string
	client   *http.Client
}

func NewWebhookSender(url, instance string) *WebhookSender {
	return &WebhookSender{
		url:      url,
		instance: instance,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

type webhookPayload struct {
	ID        string `json:"id"`
	Level     string `json:"level"`
	Component string `json:"component"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
	Instance  string `json:"instance,omitempty"`
}

func (w *WebhookSender) Send(ctx context.Context, a Alert) error {
	body, err := sonnet.Marshal(webhookPayload{
		ID:        a.ID,
		Level:     a.Level,
		Component: a.Component,
		Message:   a.Message,
		Timestamp: a.Timestamp.Format(time.RFC3339),
		Instance:  w.instance,
	})
	if err != nil {
		return errs.WrapErr(errs.ErrInternal, err, "webhook: marshal")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return errs.WrapErr(errs.ErrInternal, err, "webhook: create request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return errs.WrapErr(errs.ErrNetwork, err, "webhook: send")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return errs.Wrap(errs.ErrNetwork, "webhook: status %d: %s", resp.StatusCode, string(snippet))
	}
	return nil
}

func (w *WebhookSender) Name() string { return "webhook" }
