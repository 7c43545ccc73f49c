package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// ErrStreamRejected signals that the server answered the subscription with a non-2xx status.
var ErrStreamRejected = errors.New("event stream rejected")

// Transport opens the raw event stream for a page.
type Transport interface {
	Open(ctx context.Context, pageID string) (io.ReadCloser, error)
}

// HTTPTransport subscribes to GET {baseURL}/sse/customers/{pageID}.
type HTTPTransport struct {
	baseURL string
	client  *http.Client
}

// NewHTTPTransport validates baseURL. A nil client gets one without a
// timeout, since the response body stays open for the subscription lifetime.
func NewHTTPTransport(baseURL string, client *http.Client) (*HTTPTransport, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("realtime base url is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parse realtime base url: %w", err)
	}
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPTransport{baseURL: baseURL, client: client}, nil
}

// Open issues the subscription request and returns the streaming body.
func (t *HTTPTransport) Open(ctx context.Context, pageID string) (io.ReadCloser, error) {
	endpoint := t.baseURL + "/sse/customers/" + url.PathEscape(pageID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open event stream: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: status %d", ErrStreamRejected, resp.StatusCode)
	}
	return resp.Body, nil
}
