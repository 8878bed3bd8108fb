package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// HTTPStatusError carries the status code and response body of a non-2xx
// HTTP response, for RetryPolicy classification per spec.md §4.1.
type HTTPStatusError struct {
	Status int
	Body   string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("request status %d: %s", e.Status, e.Body)
}

// TransportClient sends chat-completions requests and returns either a
// decoded non-streaming response or a StreamHandle, per spec.md §4.4. It
// owns the HTTP client pool, shared across turns.
type TransportClient struct {
	HTTPClient *http.Client
}

// NewTransportClient builds a client using cfg's total timeout as the
// http.Client's own timeout; the streaming inactivity timeout is enforced
// separately by StreamHandle since a single-shot client timeout would also
// cut off long-lived streaming reads.
func NewTransportClient(cfg Config) *TransportClient {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	return &TransportClient{
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

// StreamHandle is a live SSE response body the caller pulls lines from and
// must Close.
type StreamHandle struct {
	body    io.ReadCloser
	timeout time.Duration
}

// Close releases the underlying connection.
func (h *StreamHandle) Close() error {
	if h.body == nil {
		return nil
	}
	return h.body.Close()
}

// Send posts requestBody to cfg.APIEndpoint. When streaming is true it
// returns a StreamHandle over the SSE body; otherwise it returns the raw
// decoded JSON response bytes.
func (t *TransportClient) Send(ctx context.Context, cfg Config, requestBody []byte, streaming bool) ([]byte, *StreamHandle, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.APIEndpoint, bytes.NewReader(requestBody))
	if err != nil {
		return nil, nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	if streaming {
		httpReq.Header.Set("Accept", "text/event-stream")
	} else {
		httpReq.Header.Set("Accept", "application/json")
	}
	for k, v := range providerHeaders(cfg.APIEndpoint) {
		httpReq.Header.Set(k, v)
	}

	log.Info().Str("model", cfg.Model).Bool("streaming", streaming).Msg("engine: request started")

	resp, err := t.HTTPClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil, err
		}
		return nil, nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, nil, &HTTPStatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(payload))}
	}

	if !streaming {
		payload, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, nil, fmt.Errorf("reading response body: %w", err)
		}
		return payload, nil, nil
	}

	streamTimeout := cfg.StreamingTimeout
	if streamTimeout <= 0 {
		streamTimeout = 60 * time.Second
	}
	return nil, &StreamHandle{body: resp.Body, timeout: streamTimeout}, nil
}

// providerHeaders returns the extra headers a given API endpoint's host
// expects beyond the generic Content-Type/Authorization/Accept triad, per
// spec.md §4.4/§6. Matched by substring on the host the same way
// ClassifyHTTPStatus matches rate-limit markers in the response body.
func providerHeaders(endpoint string) map[string]string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil
	}
	host := u.Host
	switch {
	case strings.Contains(host, "openrouter.ai"):
		return map[string]string{
			"HTTP-Referer": "https://github.com/kazimuth/mandrel",
			"X-Title":      "mandrel",
		}
	case strings.Contains(host, "anthropic.com"):
		return map[string]string{
			"anthropic-version": "2023-06-01",
		}
	default:
		return nil
	}
}
