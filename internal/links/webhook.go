package links

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Webhook POSTs each change as JSON. Any non-2xx response is a failure.
// Retrying is left to the caller.
type Webhook struct {
	name   string
	url    string
	client *http.Client
}

var _ Link = (*Webhook)(nil)

// NewWebhook creates a webhook link. A nil client gets a 10s timeout.
func NewWebhook(name, url string, client *http.Client) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if name == "" {
		name = "webhook"
	}
	return &Webhook{name: name, url: url, client: client}
}

// Name implements Link.
func (w *Webhook) Name() string { return w.name }

// OnActivationChanged implements Link.
func (w *Webhook) OnActivationChanged(ctx context.Context, change ActivationChange) error {
	body, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("encode change: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if change.Correlation != "" {
		req.Header.Set("X-Correlation-ID", change.Correlation)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", w.url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("post %s: unexpected status %d", w.url, resp.StatusCode)
	}
	return nil
}
