package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/vrtx-crm/be-automation/internal/errors"
)

// WebhookClient posts JSON payloads to external URLs for webhook actions.
type WebhookClient struct {
	httpClient *http.Client
}

// NewWebhookClient creates a webhook client with the given request timeout.
func NewWebhookClient(timeout time.Duration) *WebhookClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WebhookClient{
		httpClient: &http.Client{Timeout: timeout},
	}
}

// WebhookResult captures the response of a webhook call for action logs.
type WebhookResult struct {
	StatusCode int    `json:"status_code"`
	Body       string `json:"body,omitempty"`
}

// Post sends the payload as JSON. Non-2xx responses are returned as errors so
// the action executor records the call as failed.
func (c *WebhookClient) Post(ctx context.Context, url, method string, headers map[string]string, payload map[string]any) (*WebhookResult, error) {
	if method == "" {
		method = http.MethodPost
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal webhook payload")
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidInput, "failed to build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "webhook request failed")
	}
	defer resp.Body.Close()

	// Keep only a snippet of the body for the action log.
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	result := &WebhookResult{StatusCode: resp.StatusCode, Body: string(snippet)}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return result, errors.New(errors.ErrCodeInternal, "webhook returned status "+resp.Status)
	}
	return result, nil
}
