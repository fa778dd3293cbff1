package llmcaller

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Transport is the HTTP-style collaborator every provider adapter needs
// from its environment (spec.md §6): post a JSON body, get a JSON or
// streamed response back.
type Transport interface {
	PostJSON(ctx context.Context, url string, headers map[string]string, body []byte) (*TransportResponse, error)
	PostJSONStream(ctx context.Context, url string, headers map[string]string, body []byte) (io.ReadCloser, error)
}

// TransportResponse is a non-streaming HTTP response.
type TransportResponse struct {
	StatusCode int
	Body       []byte
}

// HTTPTransport is the default Transport, backed by net/http. Its round
// tripper is wrapped with otelhttp so every outbound provider call produces
// a span when a Telemetry is configured upstream — the concrete use of
// go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp in the
// domain stack (the teacher wraps its own HTTP server the same way; here we
// wrap the outbound client instead).
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport builds an HTTPTransport with the given per-request
// timeout.
func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (t *HTTPTransport) PostJSON(ctx context.Context, url string, headers map[string]string, body []byte) (*TransportResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llmcaller: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("llmcaller: read response: %w", err)
	}

	return &TransportResponse{StatusCode: resp.StatusCode, Body: data}, nil
}

func (t *HTTPTransport) PostJSONStream(ctx context.Context, url string, headers map[string]string, body []byte) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llmcaller: build stream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("llmcaller: stream request failed (%d): %s", resp.StatusCode, string(data))
	}
	return resp.Body, nil
}

var _ Transport = (*HTTPTransport)(nil)
