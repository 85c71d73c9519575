// Package dispatch sends approved payloads to the external automation
// endpoint. Delivery is deliberately simple: one bounded HTTP POST per
// approval, no automatic retries, and a structured result instead of an error
// so callers can distinguish "decided" from "delivered".
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

type (
	// Payload is the final approved action handed to the automation endpoint.
	Payload struct {
		// SessionID identifies the conversation that approved the action.
		SessionID string `json:"session_id"`
		// MessageID is the chat turn that produced the action.
		MessageID string `json:"message_id"`
		// Intent is the action's classified intent.
		Intent string `json:"intent"`
		// Data is the final payload, edits merged over the proposal.
		Data map[string]any `json:"data"`
		// Timestamp records when the dispatch was attempted.
		Timestamp time.Time `json:"timestamp"`
	}

	// Result reports the outcome of one send. Success is false on timeout,
	// transport failure, or any non-2xx status; Err carries a short
	// description in that case.
	Result struct {
		// Success indicates the endpoint accepted the payload.
		Success bool
		// Status is the HTTP status code, zero when no response was received.
		Status int
		// Response holds the endpoint's parsed JSON body when available.
		Response map[string]any
		// Err describes the failure when Success is false.
		Err string
	}

	// Dispatcher delivers approved payloads.
	Dispatcher interface {
		Send(ctx context.Context, p Payload) Result
	}

	// Option configures the webhook dispatcher.
	Option func(*Webhook)

	// Webhook implements Dispatcher over HTTP POST with a JSON body.
	Webhook struct {
		endpoint string
		http     *http.Client
		headers  http.Header
		now      func() time.Time
	}
)

// DefaultTimeout bounds a single dispatch. External automation workflows can
// be slow, so the bound is generous but never unbounded.
const DefaultTimeout = 30 * time.Second

const userAgent = "elva-contextd/1.0"

// WithHTTPClient overrides the underlying *http.Client used for requests.
func WithHTTPClient(c *http.Client) Option {
	return func(w *Webhook) {
		if c != nil {
			w.http = c
		}
	}
}

// WithHeader adds a static header to all outgoing requests.
func WithHeader(name, value string) Option {
	return func(w *Webhook) {
		if w.headers == nil {
			w.headers = make(http.Header)
		}
		w.headers.Add(name, value)
	}
}

// WithBearerToken configures the dispatcher to send an Authorization Bearer token.
func WithBearerToken(token string) Option {
	return WithHeader("Authorization", "Bearer "+token)
}

// WithTimeout overrides the per-send timeout (default 30s).
func WithTimeout(d time.Duration) Option {
	return func(w *Webhook) {
		if d > 0 {
			w.http.Timeout = d
		}
	}
}

// WithClock overrides the wall clock. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(w *Webhook) {
		if now != nil {
			w.now = now
		}
	}
}

// NewWebhook constructs a Webhook dispatcher targeting the given endpoint.
func NewWebhook(endpoint string, opts ...Option) (*Webhook, error) {
	if endpoint == "" {
		return nil, errors.New("webhook endpoint is required")
	}
	w := &Webhook{
		endpoint: endpoint,
		http:     &http.Client{Timeout: DefaultTimeout},
		headers:  make(http.Header),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w, nil
}

var _ Dispatcher = (*Webhook)(nil)

// Send posts the payload to the automation endpoint. It never returns an
// error: delivery problems become a failed Result so the approval decision
// stays final regardless of downstream health.
func (w *Webhook) Send(ctx context.Context, p Payload) Result {
	if p.Timestamp.IsZero() {
		p.Timestamp = w.now().UTC()
	}
	body, err := json.Marshal(p)
	if err != nil {
		return Result{Err: fmt.Sprintf("encode payload: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{Err: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	for k, vs := range w.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := w.http.Do(req)
	if err != nil {
		var nerr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &nerr) && nerr.Timeout()) {
			return Result{Err: "webhook request timed out"}
		}
		return Result{Err: fmt.Sprintf("webhook request failed: %v", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{Status: resp.StatusCode, Err: fmt.Sprintf("read response: %v", err)}
	}

	var parsed map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &parsed); err != nil {
			// Non-JSON bodies are kept as a plain message.
			parsed = map[string]any{"message": string(raw)}
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{
			Status:   resp.StatusCode,
			Response: parsed,
			Err:      fmt.Sprintf("webhook status %d", resp.StatusCode),
		}
	}
	return Result{Success: true, Status: resp.StatusCode, Response: parsed}
}
