package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagemine/internal/config"
	"github.com/JakeFAU/pagemine/internal/mining"
	"github.com/JakeFAU/pagemine/internal/notify"
	"github.com/JakeFAU/pagemine/internal/progress/sinks"
	"github.com/JakeFAU/pagemine/internal/storage/local"
)

func testConfig(t *testing.T, backendURL string) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.API.BaseURL = backendURL
	cfg.Realtime.BaseURL = backendURL
	cfg.API.BackoffInitial = time.Millisecond
	cfg.API.BackoffMax = 5 * time.Millisecond
	return cfg
}

func buildApp(t *testing.T, cfg config.Config) *App {
	t.Helper()
	a, err := Build(context.Background(), cfg, Deps{
		Logger:     zap.NewNop(),
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a
}

// fakeBackend serves the batch-send endpoint and a one-event SSE stream.
type fakeBackend struct {
	mu    sync.Mutex
	sends [][]string
}

func (f *fakeBackend) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /send-messages/{page}", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ConversationIDs []string `json:"conversation_ids"`
			MessageSetID    string   `json:"message_set_id"`
		}
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&body)) {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		assert.Equal(t, "page-1", r.PathValue("page"))
		assert.Equal(t, "set-1", body.MessageSetID)
		f.mu.Lock()
		f.sends = append(f.sends, body.ConversationIDs)
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"success_count":%d,"fail_count":0}`, len(body.ConversationIDs))
	})
	mux.HandleFunc("GET /sse/customers/{page}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = fmt.Fprint(w, "data: {\"type\":\"customer_type_update\",\"data\":{\"customer\":\"c1\"}}\n\n")
		_, _ = fmt.Fprint(w, "data: {\"type\":\"customer_update\",\"data\":{\"customer\":\"c2\"}}\n\n")
		if fl, ok := w.(http.Flusher); ok {
			fl.Flush()
		}
		<-r.Context().Done()
	})
	return mux
}

func (f *fakeBackend) Sends() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.sends...)
}

func TestBuildDefaultsToMemoryBackend(t *testing.T) {
	t.Parallel()

	a := buildApp(t, testConfig(t, "http://127.0.0.1:1"))
	require.NotNil(t, a.Trackers())
	require.NotNil(t, a.Driver())
	require.NotNil(t, a.Bus())
	require.Equal(t, config.BackendMemory, a.Config().Storage.Backend)

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/mining/progress", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestBuildRejectsBadBackendSettings(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Storage.Backend = config.BackendRedis
	cfg.Redis.Addr = "127.0.0.1:1"
	cfg.Redis.DialTimeout = 50 * time.Millisecond

	_, err := Build(context.Background(), cfg, Deps{Logger: zap.NewNop(), Registerer: prometheus.NewRegistry()})
	require.Error(t, err)
}

func TestSendRecordsProgressAndHistory(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	srv := httptest.NewServer(backend.handler(t))
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	cfg.Storage.Backend = config.BackendLocal
	cfg.Storage.Local = local.Config{BaseDir: t.TempDir()}
	a := buildApp(t, cfg)

	sum, err := a.Send(context.Background(), mining.Plan{
		PageID:          "page-1",
		MessageSetID:    "set-1",
		ConversationIDs: []string{"c1", "c2", "c3"},
		BatchSize:       2,
	})
	require.NoError(t, err)
	require.False(t, sum.Cancelled)
	require.Equal(t, 2, sum.TotalBatches)
	require.Equal(t, 2, sum.CompletedBatches)
	require.Equal(t, 3, sum.SuccessCount)
	require.Equal(t, [][]string{{"c1", "c2"}, {"c3"}}, backend.Sends())

	tracker, err := a.Trackers().For("page-1")
	require.NoError(t, err)
	_, active, err := tracker.ReadProgress(context.Background())
	require.NoError(t, err)
	require.False(t, active)

	require.Eventually(t, func() bool {
		history, err := sinks.LoadHistory(context.Background(), a.Store(), cfg.Mining.HistoryKey)
		return err == nil && len(history) == 1 && history[0].OperationID == sum.OperationID
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSendUsesConfiguredBatchSize(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	srv := httptest.NewServer(backend.handler(t))
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	cfg.Mining.BatchSize = 1
	a := buildApp(t, cfg)

	sum, err := a.Send(context.Background(), mining.Plan{
		PageID:          "page-1",
		MessageSetID:    "set-1",
		ConversationIDs: []string{"c1", "c2"},
	})
	require.NoError(t, err)
	require.Equal(t, 2, sum.TotalBatches)
	require.Len(t, backend.Sends(), 2)
}

func TestFollowPageForwardsRealtimeEventsToBus(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	srv := httptest.NewServer(backend.handler(t))
	defer srv.Close()

	a := buildApp(t, testConfig(t, srv.URL))

	var mu sync.Mutex
	var got []notify.Message
	record := func(m notify.Message) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, m)
	}
	a.Bus().Subscribe(notify.TopicKnowledgeGroupStatusChanged, record)
	a.Bus().Subscribe(notify.TopicCustomerUpdated, record)

	a.FollowPage("page-7")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, notify.TopicKnowledgeGroupStatusChanged, got[0].Topic)
	require.Equal(t, "page-7", got[0].PageID)
	require.JSONEq(t, `{"customer":"c1"}`, string(got[0].Payload))
	require.Equal(t, notify.TopicCustomerUpdated, got[1].Topic)
	require.Equal(t, "page-7", a.Realtime().Status().PageID)
}

func TestReadinessFollowsRedis(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Storage.Backend = config.BackendRedis
	cfg.Redis.Addr = mr.Addr()
	a := buildApp(t, cfg)

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	mr.SetError("LOADING")
	rec = httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Server.Port = 0
	a, err := Build(context.Background(), cfg, Deps{Logger: zap.NewNop(), Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
