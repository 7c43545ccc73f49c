// Package app builds and owns the long-lived services of a pagemine process:
// the durable progress slot, the batch-send driver, the realtime subscription,
// the notification bus and the HTTP API.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagemine/internal/api"
	"github.com/JakeFAU/pagemine/internal/apiclient"
	"github.com/JakeFAU/pagemine/internal/clock"
	"github.com/JakeFAU/pagemine/internal/clock/system"
	"github.com/JakeFAU/pagemine/internal/config"
	"github.com/JakeFAU/pagemine/internal/logging"
	"github.com/JakeFAU/pagemine/internal/metrics"
	"github.com/JakeFAU/pagemine/internal/mining"
	"github.com/JakeFAU/pagemine/internal/notify"
	"github.com/JakeFAU/pagemine/internal/progress"
	progresssinks "github.com/JakeFAU/pagemine/internal/progress/sinks"
	"github.com/JakeFAU/pagemine/internal/realtime"
	"github.com/JakeFAU/pagemine/internal/storage"
	gcsstorage "github.com/JakeFAU/pagemine/internal/storage/gcs"
	localstorage "github.com/JakeFAU/pagemine/internal/storage/local"
	memorystorage "github.com/JakeFAU/pagemine/internal/storage/memory"
	pgstorage "github.com/JakeFAU/pagemine/internal/storage/postgres"
	redisstorage "github.com/JakeFAU/pagemine/internal/storage/redis"
)

// Deps overrides collaborators that Build would otherwise create.
//   - Logger: defaults to a zap logger built from cfg.Logging.
//   - Clock: defaults to the system clock.
//   - Registerer: Prometheus registry for the progress collectors.
//   - HTTPClient: client for the REST API (the realtime stream uses its own).
//   - Store: durable slot; when nil the configured backend is opened.
type Deps struct {
	Logger     *zap.Logger
	Clock      clock.Clock
	Registerer prometheus.Registerer
	HTTPClient *http.Client
	Store      storage.Store
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  clock.Clock

	store        storage.Store
	registry     *mining.Registry
	progressHub  *progress.Hub
	apiClient    *apiclient.Client
	driver       *mining.Driver
	realtime     *realtime.Client
	bus          *notify.Bus
	apiServer    *api.Server
	pubsubClient *pubsub.Client
	unsubscribe  []func()
	closeOnce    sync.Once
}

// Build creates the application's dependencies from cfg.
func Build(ctx context.Context, cfg config.Config, deps Deps) (*App, error) {
	if deps.Logger == nil {
		logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
		deps.Logger = logger
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.Registerer == nil {
		deps.Registerer = prometheus.DefaultRegisterer
	}
	metrics.Init()

	a := &App{cfg: cfg, logger: deps.Logger, clock: deps.Clock}
	a.logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("storage_backend", cfg.Storage.Backend),
	)

	steps := []func() error{
		func() error { return a.setupStorage(ctx, deps.Store) },
		a.setupTrackers,
		func() error { return a.setupProgress(ctx, deps.Registerer) },
		func() error { return a.setupDriver(deps.HTTPClient) },
		a.setupRealtime,
		a.setupAPI,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			a.closeInfrastructure(closeCtx)
			cancel()
			return nil, err
		}
	}
	return a, nil
}

func (a *App) setupStorage(ctx context.Context, injected storage.Store) error {
	if injected != nil {
		a.store = injected
		return nil
	}
	var err error
	switch a.cfg.Storage.Backend {
	case config.BackendLocal:
		a.store, err = localstorage.New(a.cfg.Storage.Local)
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.Local.BaseDir))
	case config.BackendRedis:
		a.store, err = redisstorage.New(ctx, a.cfg.Redis)
		a.logger.Info("using redis storage backend", zap.String("addr", a.cfg.Redis.Addr))
	case config.BackendPostgres:
		a.store, err = pgstorage.New(ctx, a.cfg.DB)
		a.logger.Info("using postgres storage backend", zap.String("table", a.cfg.DB.Table))
	case config.BackendGCS:
		a.store, err = gcsstorage.Open(ctx, a.cfg.GCS)
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.GCS.Bucket))
	default:
		a.store = memorystorage.New()
		a.logger.Info("using in-memory storage backend")
	}
	if err != nil {
		return fmt.Errorf("%s store init failed: %w", a.cfg.Storage.Backend, err)
	}
	return nil
}

func (a *App) setupTrackers() error {
	var err error
	a.registry, err = mining.NewRegistry(a.store, mining.TrackerConfig{
		Key:         a.cfg.Mining.Key,
		GracePeriod: a.cfg.Mining.GracePeriod,
		Clock:       a.clock,
		Logger:      a.logger.Named("mining"),
	}, a.cfg.Mining.KeyPerPage)
	if err != nil {
		return fmt.Errorf("tracker registry init failed: %w", err)
	}
	a.logger.Info("progress slots ready",
		zap.String("key", a.cfg.Mining.Key),
		zap.Bool("per_page", a.registry.PerPage()),
	)
	return nil
}

func (a *App) setupProgress(ctx context.Context, reg prometheus.Registerer) error {
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return fmt.Errorf("prometheus progress sink init failed: %w", err)
	}
	sinkList := []progress.Sink{
		progresssinks.NewLogSink(a.logger.Named("progress_log")),
		promSink,
		progresssinks.NewStoreSink(a.store, a.cfg.Mining.HistoryKey, a.cfg.Mining.HistoryLimit,
			a.logger.Named("progress_history")),
	}

	if a.cfg.PubSub.Enabled() {
		a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client init failed: %w", err)
		}
		pubsubSink, err := progresssinks.NewPubSubSink(
			a.pubsubClient.Topic(a.cfg.PubSub.TopicName),
			a.logger.Named("progress_pubsub"),
		)
		if err != nil {
			return fmt.Errorf("pubsub progress sink init failed: %w", err)
		}
		sinkList = append(sinkList, pubsubSink)
		a.logger.Info("Pub/Sub progress sink initialized",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.PubSub.TopicName),
		)
	} else {
		a.logger.Debug("no Pub/Sub topic configured, progress events stay local")
	}

	a.progressHub = progress.NewHub(progress.Config{
		BaseContext: context.WithoutCancel(ctx),
		FlushAfter:  a.cfg.Mining.PollInterval / 4,
		Logger:      a.logger.Named("progress_hub"),
	}, sinkList...)
	a.logger.Info("progress hub initialized", zap.Int("sinks", len(sinkList)))
	return nil
}

func (a *App) setupDriver(httpClient *http.Client) error {
	var err error
	a.apiClient, err = apiclient.New(apiclient.Config{
		BaseURL: a.cfg.API.BaseURL,
		Token:   a.cfg.API.Token,
		Timeout: a.cfg.API.Timeout,
		Retry: &apiclient.ExponentialRetryPolicy{
			MaxAttempts: a.cfg.API.MaxAttempts,
			BaseDelay:   a.cfg.API.BackoffInitial,
			MaxDelay:    a.cfg.API.BackoffMax,
		},
		Logger: a.logger.Named("apiclient"),
	}, httpClient)
	if err != nil {
		return fmt.Errorf("api client init failed: %w", err)
	}
	a.driver, err = mining.NewDriver(a.registry, a.apiClient, mining.DriverConfig{
		Emitter: a.progressHub,
		Clock:   a.clock,
		Logger:  a.logger.Named("driver"),
	})
	if err != nil {
		return fmt.Errorf("driver init failed: %w", err)
	}
	return nil
}

func (a *App) setupRealtime() error {
	transport, err := realtime.NewHTTPTransport(a.cfg.Realtime.BaseURL, nil)
	if err != nil {
		return fmt.Errorf("realtime transport init failed: %w", err)
	}
	a.realtime = realtime.NewClient(transport, realtime.Config{
		Backoff: realtime.Backoff{Base: a.cfg.Realtime.BackoffMin, Max: a.cfg.Realtime.BackoffMax},
		Clock:   a.clock,
		Logger:  a.logger.Named("realtime"),
	})
	a.bus = notify.New(a.logger.Named("notify"))
	a.unsubscribe = append(a.unsubscribe,
		a.bus.Subscribe(notify.TopicPageChanged, func(msg notify.Message) {
			a.realtime.Connect(msg.PageID, func(evt realtime.ServerEvent) {
				a.forwardRealtimeEvent(msg.PageID, evt)
			})
		}),
	)
	return nil
}

// forwardRealtimeEvent republishes server-push events on the bus.
func (a *App) forwardRealtimeEvent(pageID string, evt realtime.ServerEvent) {
	var topic notify.Topic
	switch evt.Type {
	case realtime.EventCustomerTypeUpdate:
		topic = notify.TopicKnowledgeGroupStatusChanged
	case realtime.EventCustomerUpdate:
		topic = notify.TopicCustomerUpdated
	default:
		return
	}
	a.bus.Publish(notify.Message{Topic: topic, PageID: pageID, Payload: evt.Payload})
}

func (a *App) setupAPI() error {
	var err error
	a.apiServer, err = api.NewServer(api.Options{
		Trackers:       a.registry,
		Realtime:       a.realtime,
		Bus:            a.bus,
		History:        a.store,
		HistoryKey:     a.cfg.Mining.HistoryKey,
		Ready:          a.ready,
		APIKey:         a.apiKey(),
		RequestTimeout: a.cfg.Server.RequestTimeout,
		Clock:          a.clock,
		Logger:         a.logger,
	})
	if err != nil {
		return fmt.Errorf("api server init failed: %w", err)
	}
	return nil
}

func (a *App) apiKey() string {
	if !a.cfg.Auth.Enabled {
		return ""
	}
	return a.cfg.Auth.APIKey
}

type pinger interface {
	Ping(ctx context.Context) error
}

// ready probes the durable store when the backend supports it.
func (a *App) ready(ctx context.Context) error {
	if p, ok := a.store.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("store ping: %w", err)
		}
	}
	return nil
}

// Config returns the configuration the app was built with.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Store returns the durable slot store.
func (a *App) Store() storage.Store { return a.store }

// Trackers returns the progress tracker registry.
func (a *App) Trackers() *mining.Registry { return a.registry }

// Driver returns the batch-send driver.
func (a *App) Driver() *mining.Driver { return a.driver }

// Realtime returns the server-push client.
func (a *App) Realtime() *realtime.Client { return a.realtime }

// Bus returns the notification bus.
func (a *App) Bus() *notify.Bus { return a.bus }

// Handler returns the HTTP API handler.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// FollowPage switches the realtime subscription to pageID through the bus,
// exactly as a page change requested over the API would.
func (a *App) FollowPage(pageID string) {
	a.bus.Publish(notify.Message{Topic: notify.TopicPageChanged, PageID: pageID})
}

// Send runs one mining operation to completion or cancellation.
func (a *App) Send(ctx context.Context, plan mining.Plan) (mining.Summary, error) {
	if plan.BatchSize <= 0 {
		plan.BatchSize = a.cfg.Mining.BatchSize
	}
	sum, err := a.driver.Run(ctx, plan)
	if err != nil {
		return sum, fmt.Errorf("mining run: %w", err)
	}
	return sum, nil
}

// Run serves the HTTP API, follows the configured page and blocks until ctx
// is cancelled. It closes the app before returning.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	if a.cfg.Realtime.PageID != "" {
		a.FollowPage(a.cfg.Realtime.PageID)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	grace := a.cfg.Server.ShutdownGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	closeErr := a.Close(shutdownCtx)

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return closeErr
	}
}

// Close gracefully shuts down the application. Later calls do nothing.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		a.closeInfrastructure(ctx)
		a.logger.Info("shutdown complete")
		if err := a.logger.Sync(); err != nil {
			a.logger.Debug("logger sync failed", zap.Error(err))
		}
	})
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	for _, unsub := range a.unsubscribe {
		unsub()
	}
	a.unsubscribe = nil
	if a.realtime != nil {
		a.realtime.Disconnect()
	}
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			a.logger.Warn("notification bus close failed", zap.Error(err))
		}
	}
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.registry != nil {
		if err := a.registry.Close(); err != nil {
			a.logger.Warn("tracker registry close failed", zap.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("store close failed", zap.Error(err))
		}
	}
}
