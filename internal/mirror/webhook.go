package mirror

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ppiankov/rootwatch/internal/audit"
)

const defaultRequestTimeout = 10 * time.Second

// WebhookSink posts each raw audit line to an HTTP endpoint.
type WebhookSink struct {
	url     string
	source  string
	headers map[string]string
	client  *http.Client
}

// NewWebhookSink creates a webhook sink for cfg.Endpoint.
func NewWebhookSink(cfg SinkConfig) *WebhookSink {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	source := cfg.Source
	if source == "" {
		source = defaultSource
	}
	return &WebhookSink{
		url:     cfg.Endpoint,
		source:  source,
		headers: cfg.Headers,
		client:  &http.Client{Timeout: timeout},
	}
}

// Send posts line. A 4xx answer is permanent; transport errors and 5xx are
// returned for the forwarder to retry.
func (w *WebhookSink) Send(ctx context.Context, rec audit.Record, line []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(line))
	if err != nil {
		return &PermanentError{Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SourceHeader, w.source)
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("mirror: post seq %d: %w", rec.Seq, err)
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &PermanentError{Err: fmt.Errorf("webhook rejected seq %d: HTTP %d: %s", rec.Seq, resp.StatusCode, bytes.TrimSpace(msg))}
	default:
		return fmt.Errorf("webhook server error on seq %d: HTTP %d", rec.Seq, resp.StatusCode)
	}
}

// Close releases idle connections.
func (w *WebhookSink) Close() error {
	w.client.CloseIdleConnections()
	return nil
}
