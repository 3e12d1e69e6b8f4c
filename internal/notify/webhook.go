package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/novakit/opsmon/internal/alerting"
)

// WebhookChannel POSTs the payload as JSON to a fixed endpoint.
type WebhookChannel struct {
	id          string
	url         string
	enabled     bool
	minSeverity alerting.Severity
	client      *http.Client
}

// NewWebhookChannel creates a webhook channel. client may be nil for a
// default client; the per-send context enforces the delivery deadline.
func NewWebhookChannel(id, url string, minSeverity alerting.Severity, enabled bool, client *http.Client) *WebhookChannel {
	if client == nil {
		client = &http.Client{}
	}
	return &WebhookChannel{
		id:          id,
		url:         url,
		enabled:     enabled,
		minSeverity: minSeverity,
		client:      client,
	}
}

func (c *WebhookChannel) ID() string                     { return c.id }
func (c *WebhookChannel) Type() string                   { return "webhook" }
func (c *WebhookChannel) Enabled() bool                  { return c.enabled }
func (c *WebhookChannel) MinSeverity() alerting.Severity { return c.minSeverity }

// Send POSTs the JSON payload. Any non-2xx response is an error.
func (c *WebhookChannel) Send(ctx context.Context, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver webhook: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort close on fire-and-forget delivery
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
	}
	return nil
}
