// Package apiclient calls the dashboard REST API on behalf of the batch-send
// driver.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const maxErrorBody = 512

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("api returned status %d", e.Code)
	}
	return fmt.Sprintf("api returned status %d: %s", e.Code, e.Body)
}

// Config configures a Client.
type Config struct {
	BaseURL string
	// Token, when set, is sent as a bearer token.
	Token   string
	Timeout time.Duration
	Retry   RetryPolicy
	Logger  *zap.Logger
}

// Client is a small JSON client for the REST API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	retry   RetryPolicy
	logger  *zap.Logger
}

type sendRequest struct {
	ConversationIDs []string `json:"conversation_ids"`
	MessageSetID    string   `json:"message_set_id"`
}

type sendResponse struct {
	SuccessCount int `json:"success_count"`
	FailCount    int `json:"fail_count"`
}

// New builds a Client. A nil httpClient uses a client with cfg.Timeout.
func New(cfg Config, httpClient *http.Client) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("api base url is required")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("parse api base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Retry == nil {
		cfg.Retry = NewExponentialRetryPolicy()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Client{
		baseURL: base,
		token:   cfg.Token,
		http:    httpClient,
		retry:   cfg.Retry,
		logger:  cfg.Logger,
	}, nil
}

// BaseURL returns the normalised API root.
func (c *Client) BaseURL() string { return c.baseURL }

// SendBatch posts one batch to /send-messages/{pageID} and returns the
// per-message outcome counts.
func (c *Client) SendBatch(ctx context.Context, pageID, messageSetID string, conversationIDs []string) (int, int, error) {
	body, err := json.Marshal(sendRequest{ConversationIDs: conversationIDs, MessageSetID: messageSetID})
	if err != nil {
		return 0, 0, fmt.Errorf("marshal send request: %w", err)
	}
	endpoint := c.baseURL + "/send-messages/" + url.PathEscape(pageID)

	var resp sendResponse
	if err := c.doJSON(ctx, http.MethodPost, endpoint, body, &resp); err != nil {
		return 0, 0, err
	}
	if resp.SuccessCount < 0 || resp.FailCount < 0 {
		return 0, 0, fmt.Errorf("api returned negative counts %d/%d", resp.SuccessCount, resp.FailCount)
	}
	return resp.SuccessCount, resp.FailCount, nil
}

func (c *Client) doJSON(ctx context.Context, method, endpoint string, body []byte, out any) error {
	for attempt := 1; ; attempt++ {
		err := c.once(ctx, method, endpoint, body, out)
		if err == nil {
			return nil
		}
		if !c.retry.ShouldRetry(err, attempt) {
			return err
		}
		wait := c.retry.Backoff(attempt - 1)
		c.logger.Warn("api request failed; retrying",
			zap.String("method", method),
			zap.String("url", endpoint),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
		case <-timer.C:
		}
	}
}

func (c *Client) once(ctx context.Context, method, endpoint string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
