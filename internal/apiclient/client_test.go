package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noDelayRetry() *ExponentialRetryPolicy {
	return &ExponentialRetryPolicy{MaxAttempts: 3}
}

func TestSendBatchPostsConversations(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/send-messages/page%201", r.URL.EscapedPath())
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "set-7", body["message_set_id"])
		assert.Equal(t, []any{"c1", "c2", "c3"}, body["conversation_ids"])

		_, _ = fmt.Fprint(w, `{"success_count":2,"fail_count":1}`)
	}))
	defer srv.Close()

	client, err := New(Config{BaseURL: srv.URL + "/api/", Token: "secret", Retry: noDelayRetry()}, srv.Client())
	require.NoError(t, err)
	require.Equal(t, srv.URL+"/api", client.BaseURL())

	success, fail, err := client.SendBatch(context.Background(), "page 1", "set-7", []string{"c1", "c2", "c3"})
	require.NoError(t, err)
	require.Equal(t, 2, success)
	require.Equal(t, 1, fail)
}

func TestSendBatchRetriesUnavailable(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		_, _ = fmt.Fprint(w, `{"success_count":1,"fail_count":0}`)
	}))
	defer srv.Close()

	client, err := New(Config{BaseURL: srv.URL, Retry: noDelayRetry()}, srv.Client())
	require.NoError(t, err)
	success, _, err := client.SendBatch(context.Background(), "p", "m", []string{"c1"})
	require.NoError(t, err)
	require.Equal(t, 1, success)
	require.Equal(t, int32(2), calls.Load())
}

func TestSendBatchDoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "unknown message set", http.StatusBadRequest)
	}))
	defer srv.Close()

	client, err := New(Config{BaseURL: srv.URL, Retry: noDelayRetry()}, srv.Client())
	require.NoError(t, err)
	_, _, err = client.SendBatch(context.Background(), "p", "m", []string{"c1"})

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusBadRequest, statusErr.Code)
	require.Equal(t, "unknown message set", statusErr.Body)
	require.Equal(t, int32(1), calls.Load())
}

func TestSendBatchGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client, err := New(Config{BaseURL: srv.URL, Retry: noDelayRetry()}, srv.Client())
	require.NoError(t, err)
	_, _, err = client.SendBatch(context.Background(), "p", "m", []string{"c1"})
	require.Error(t, err)
	require.Equal(t, int32(3), calls.Load())
}

func TestSendBatchRejectsBadPayload(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprint(w, `{"success_count":-1,"fail_count":0}`)
	}))
	defer srv.Close()

	client, err := New(Config{BaseURL: srv.URL, Retry: noDelayRetry()}, srv.Client())
	require.NoError(t, err)
	_, _, err = client.SendBatch(context.Background(), "p", "m", []string{"c1"})
	require.Error(t, err)
}

func TestNewValidatesBaseURL(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil)
	require.Error(t, err)
	_, err = New(Config{BaseURL: "not a url"}, nil)
	require.Error(t, err)
	_, err = New(Config{BaseURL: "http://localhost:8000"}, nil)
	require.NoError(t, err)
}

func TestRetryPolicyClassification(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy()
	dial := fmt.Errorf("post: %w", &net.OpError{Op: "dial", Err: errors.New("connection refused")})
	read := &net.OpError{Op: "read", Err: errors.New("connection reset")}

	require.False(t, p.ShouldRetry(nil, 1))
	require.True(t, p.ShouldRetry(dial, 1))
	require.False(t, p.ShouldRetry(read, 1))
	require.True(t, p.ShouldRetry(&StatusError{Code: http.StatusTooManyRequests}, 2))
	require.False(t, p.ShouldRetry(&StatusError{Code: http.StatusTooManyRequests}, 3))
	require.False(t, p.ShouldRetry(&StatusError{Code: http.StatusInternalServerError}, 1))
	require.False(t, p.ShouldRetry(context.Canceled, 1))
}

func TestRetryPolicyBackoffBounds(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy()
	for i := 0; i < 20; i++ {
		first := p.Backoff(0)
		require.GreaterOrEqual(t, first, 125*time.Millisecond)
		require.Less(t, first, 250*time.Millisecond)

		capped := p.Backoff(10)
		require.GreaterOrEqual(t, capped, 2500*time.Millisecond)
		require.Less(t, capped, 5*time.Second)
	}
}
