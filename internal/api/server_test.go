package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagemine/internal/clock/fake"
	"github.com/JakeFAU/pagemine/internal/mining"
	"github.com/JakeFAU/pagemine/internal/notify"
	"github.com/JakeFAU/pagemine/internal/realtime"
	"github.com/JakeFAU/pagemine/internal/storage/memory"
)

var apiStart = time.UnixMilli(1_700_000_000_000).UTC()

type testEnv struct {
	server   *Server
	registry *mining.Registry
	store    *memory.Store
	clock    *fake.Clock
	bus      *notify.Bus
}

type staticStatus realtime.Status

func (s staticStatus) Status() realtime.Status { return realtime.Status(s) }

func newTestEnv(t *testing.T, mutate func(*Options)) *testEnv {
	t.Helper()
	store := memory.New()
	clk := fake.New(apiStart)
	registry, err := mining.NewRegistry(store, mining.TrackerConfig{Clock: clk}, false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = registry.Close() })
	bus := notify.New(zap.NewNop())
	t.Cleanup(func() { _ = bus.Close() })

	opts := Options{
		Trackers: registry,
		Realtime: staticStatus{PageID: "page-1", State: realtime.StateOpen},
		Bus:      bus,
		History:  store,
		Clock:    clk,
		Logger:   zap.NewNop(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	server, err := NewServer(opts)
	require.NoError(t, err)
	return &testEnv{server: server, registry: registry, store: store, clock: clk, bus: bus}
}

func (e *testEnv) do(t *testing.T, method, target string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

// beginMining stores an operation with 2 of 5 batches done, the last one
// 100s after the start, and moves the clock to 120s after the start.
func (e *testEnv) beginMining(t *testing.T) {
	t.Helper()
	tracker, err := e.registry.For("")
	require.NoError(t, err)
	require.NoError(t, tracker.Begin(context.Background(), mining.Record{
		OperationID:          "op-1",
		PageID:               "page-1",
		IsActive:             true,
		CurrentBatch:         2,
		TotalBatches:         5,
		SuccessCount:         18,
		FailCount:            2,
		StartTime:            mining.Millis(apiStart),
		LastBatchCompletedAt: mining.MillisPtr(apiStart.Add(100 * time.Second)),
		DelayMinutes:         1,
	}))
	e.clock.Advance(120 * time.Second)
}

func TestNewServerRequiresTrackers(t *testing.T) {
	t.Parallel()

	_, err := NewServer(Options{})
	require.Error(t, err)
}

func TestServerHealthAndReadiness(t *testing.T) {
	t.Parallel()

	var ready error
	env := newTestEnv(t, func(o *Options) {
		o.Ready = func(context.Context) error { return ready }
	})

	rec := env.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = env.do(t, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	ready = errors.New("redis unreachable")
	rec = env.do(t, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServerPreservesIncomingRequestID(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}

func TestServerMetricsEndpoint(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	env.do(t, http.MethodGet, "/healthz", nil)

	rec := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServerAPIKey(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(o *Options) { o.APIKey = "s3cret" })

	rec := env.do(t, http.MethodGet, "/v1/realtime/status", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/realtime/status", nil)
	req.Header.Set("X-API-Key", "s3cret")
	ok := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(ok, req)
	require.Equal(t, http.StatusOK, ok.Code)

	// Probes stay open.
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/healthz", nil).Code)
}

func TestMiningProgressAbsent(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/v1/mining/progress", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Empty(t, rec.Body.String())
}

func TestMiningProgressReportsDerivedView(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	env.beginMining(t)

	rec := env.do(t, http.MethodGet, "/v1/mining/progress?locale=en", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body progressDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "op-1", body.Record.OperationID)
	require.True(t, body.Record.IsActive)
	require.Equal(t, 40, body.Derived.Percentage)
	require.Equal(t, int64(120_000), body.Derived.ElapsedMS)
	require.Equal(t, 3, body.Derived.BatchesRemaining)
	require.Equal(t, int64(300_000), body.Derived.EstimatedRemainingMS)
	require.NotNil(t, body.Derived.NextBatchETAMS)
	require.Equal(t, int64(40_000), *body.Derived.NextBatchETAMS)
	require.Equal(t, "2 minutes", body.Formatted.Elapsed)
	require.Equal(t, "5 minutes", body.Formatted.EstimatedRemaining)
	require.Equal(t, "00:40", body.Formatted.NextBatchCountdown)
}

func TestMiningProgressDefaultsToThai(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	env.beginMining(t)

	rec := env.do(t, http.MethodGet, "/v1/mining/progress", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "5 นาที")
}

func TestMiningProgressRejectsUnknownLocale(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/v1/mining/progress?locale=klingon", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMiningCancel(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodPost, "/v1/mining/cancel", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	env.beginMining(t)
	rec = env.do(t, http.MethodPost, "/v1/mining/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body cancelDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "op-1", body.OperationID)
	require.Equal(t, 2, body.CompletedBatches)
	require.Equal(t, 18, body.SuccessCount)
	require.False(t, body.DriverSignalled)

	// The cancelled record no longer reads as progress.
	rec = env.do(t, http.MethodGet, "/v1/mining/progress", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/mining/cancel", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestMiningPerPageSlotsRequirePage(t *testing.T) {
	t.Parallel()

	var perPage *mining.Registry
	env := newTestEnv(t, func(o *Options) {
		reg, err := mining.NewRegistry(memory.New(), mining.TrackerConfig{Clock: o.Clock}, true)
		require.NoError(t, err)
		t.Cleanup(func() { _ = reg.Close() })
		perPage = reg
		o.Trackers = reg
	})

	rec := env.do(t, http.MethodGet, "/v1/mining/progress", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "page is required")
	rec = env.do(t, http.MethodPost, "/v1/mining/cancel?page=%20", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	tracker, err := perPage.For("page-2")
	require.NoError(t, err)
	require.NoError(t, tracker.Begin(context.Background(), mining.Record{
		OperationID:  "op-2",
		PageID:       "page-2",
		IsActive:     true,
		TotalBatches: 3,
		StartTime:    mining.Millis(apiStart),
		DelayMinutes: 1,
	}))

	rec = env.do(t, http.MethodGet, "/v1/mining/progress?page=page-1", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.do(t, http.MethodGet, "/v1/mining/progress?page=page-2", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/mining/cancel?page=page-2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body cancelDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "op-2", body.OperationID)
}

func TestMiningHistory(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	history := `[{"operationId":"b","result":"cancelled","completedBatches":1,"totalBatches":3},` +
		`{"operationId":"a","result":"done","completedBatches":3,"totalBatches":3}]`
	require.NoError(t, env.store.Put(context.Background(), "miningHistory", []byte(history)))

	rec := env.do(t, http.MethodGet, "/v1/mining/history?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Operations []map[string]any `json:"operations"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Operations, 1)
	require.Equal(t, "b", body.Operations[0]["operationId"])

	rec = env.do(t, http.MethodGet, "/v1/mining/history?limit=zero", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMiningHistoryEmptyAndUnavailable(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/v1/mining/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"operations":[]}`, rec.Body.String())

	bare := newTestEnv(t, func(o *Options) { o.History = nil })
	rec = bare.do(t, http.MethodGet, "/v1/mining/history", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRealtimeStatus(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/v1/realtime/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"page_id":"page-1","state":"open","reconnect_attempt":0}`, rec.Body.String())

	bare := newTestEnv(t, func(o *Options) { o.Realtime = nil })
	require.Equal(t, http.StatusServiceUnavailable, bare.do(t, http.MethodGet, "/v1/realtime/status", nil).Code)
}

func TestRealtimeSetPagePublishesPageChanged(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	var got []notify.Message
	env.bus.Subscribe(notify.TopicPageChanged, func(m notify.Message) { got = append(got, m) })

	rec := env.do(t, http.MethodPut, "/v1/realtime/page", []byte(`{"page_id":" page-9 "}`))
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, got, 1)
	require.Equal(t, "page-9", got[0].PageID)

	rec = env.do(t, http.MethodPut, "/v1/realtime/page", []byte(`{"page_id":""}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, http.MethodPut, "/v1/realtime/page", []byte(`{nope`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Len(t, got, 1)
}

func TestRecoverMiddlewareReturns500(t *testing.T) {
	t.Parallel()

	r := chi.NewRouter()
	r.Use(recoverMiddleware(zap.NewNop()))
	r.Get("/boom", func(http.ResponseWriter, *http.Request) { panic("boom") })

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "internal server error"))
}
