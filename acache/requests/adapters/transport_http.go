package adapters

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	ports "github.com/ZanzyTHEbar/answercache/acache/requests/ports"
)

// maxResponseBytes caps how much of an upstream reply is read.
const maxResponseBytes = 16 << 20

// HTTPTransport posts JSON bodies over HTTP.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport creates a transport whose attempts time out after timeout.
// A zero timeout means no limit beyond the caller's context.
func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{client: &http.Client{Timeout: timeout}}
}

// NewHTTPTransportWithClient uses client as is.
func NewHTTPTransportWithClient(client *http.Client) *HTTPTransport {
	return &HTTPTransport{client: client}
}

// Post sends body to url and returns the status code and full body. Non-2xx
// statuses are not errors; the caller classifies them.
func (t *HTTPTransport) Post(ctx context.Context, url string, headers map[string]string, body []byte) (*ports.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", url, err)
	}

	return &ports.Response{StatusCode: resp.StatusCode, Body: data}, nil
}

// Ensure HTTPTransport implements the Transport interface.
var _ ports.Transport = (*HTTPTransport)(nil)
