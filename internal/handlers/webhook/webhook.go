// Package webhook is an example task handler that delivers a payload to
// an HTTP endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"taskmill/internal/domain"
)

// Name is the task type this handler serves.
const Name = "webhook"

type Webhook struct {
	Client *http.Client
}

type Request struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    json.RawMessage   `json:"body"`
}

type Result struct {
	StatusCode int `json:"status_code"`
	BodyBytes  int `json:"body_bytes"`
}

func (h Webhook) Handle(ctx context.Context, run domain.Run, payload json.RawMessage) (json.RawMessage, error) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("invalid webhook payload: %w", err)
	}
	if req.URL == "" {
		return nil, fmt.Errorf("url is required")
	}
	if req.Method == "" {
		req.Method = http.MethodPost
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("webhook delivery failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("webhook returned HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	return json.Marshal(Result{StatusCode: resp.StatusCode, BodyBytes: len(respBody)})
}
