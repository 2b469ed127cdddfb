package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const sinkTimeout = 5 * time.Second

// Sink receives the final report for a session. Delivery is fire-and-forget
// from the scheduler's point of view; no request handler waits on it.
type Sink interface {
	Deliver(ctx context.Context, payload *Payload) error
}

// HTTPSink POSTs report payloads to the external callback endpoint.
type HTTPSink struct {
	http *http.Client
	url  string
}

// NewHTTPSink creates a sink for the given callback URL.
func NewHTTPSink(url string) *HTTPSink {
	return &HTTPSink{
		http: &http.Client{Timeout: sinkTimeout},
		url:  url,
	}
}

// Deliver sends one payload. Any non-2xx response counts as a failure; the
// caller decides whether to retry on a later turn.
func (s *HTTPSink) Deliver(ctx context.Context, payload *Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode report payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("post callback: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("callback returned %d: %s", resp.StatusCode, detail)
	}
	return nil
}

// LogSink logs payloads instead of delivering them. Used when no callback
// URL is configured so local runs still latch the report lifecycle.
type LogSink struct{}

// Deliver logs the payload and always succeeds.
func (LogSink) Deliver(_ context.Context, payload *Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode report payload: %w", err)
	}
	slog.Info("No callback URL configured, logging report instead",
		"session_id", payload.SessionID, "payload", string(body))
	return nil
}
