package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/pagemine/internal/progress"
)

// PrometheusSink exports mining progress metrics via Prometheus. It owns the
// collectors for operations started/finished/running, batches and messages.
type PrometheusSink struct {
	opsStarted   prometheus.Counter
	opsFinished  *prometheus.CounterVec
	opsRunning   prometheus.Gauge
	opRuntime    *prometheus.HistogramVec
	batchesTotal prometheus.Counter
	messages     *prometheus.CounterVec
	batchLatency prometheus.Histogram

	running *runningSet
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		opsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pagemine_mining_operations_started_total",
			Help: "Total mining operations that have started.",
		}),
		opsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pagemine_mining_operations_finished_total",
			Help: "Total mining operations finished partitioned by result.",
		}, []string{"result"}),
		opsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pagemine_mining_operations_running",
			Help: "Current number of running mining operations.",
		}),
		opRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pagemine_mining_operation_runtime_seconds",
			Help:    "Wall time per finished mining operation.",
			Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600, 7200, 14400},
		}, []string{"result"}),
		batchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pagemine_mining_batches_total",
			Help: "Batches dispatched by the batch-send driver.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pagemine_mining_messages_total",
			Help: "Messages dispatched partitioned by outcome.",
		}, []string{"outcome"}),
		batchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pagemine_mining_batch_duration_seconds",
			Help:    "Time spent sending one batch.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		running: newRunningSet(),
	}
	for _, collector := range []prometheus.Collector{
		s.opsStarted,
		s.opsFinished,
		s.opsRunning,
		s.opRuntime,
		s.batchesTotal,
		s.messages,
		s.batchLatency,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Name identifies the sink in hub warnings.
func (s *PrometheusSink) Name() string { return "prometheus" }

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageMiningStart:
		s.opsStarted.Inc()
		if s.running.start(evt.OperationID) {
			s.opsRunning.Inc()
		}
	case progress.StageBatchDone:
		s.batchesTotal.Inc()
		s.messages.WithLabelValues("success").Add(float64(evt.Success))
		s.messages.WithLabelValues("fail").Add(float64(evt.Fail))
		if evt.Dur > 0 {
			s.batchLatency.Observe(evt.Dur.Seconds())
		}
	case progress.StageMiningDone:
		s.finish(evt, "done")
	case progress.StageMiningCancelled:
		s.finish(evt, "cancelled")
	case progress.StageMiningError:
		s.finish(evt, "error")
	}
}

func (s *PrometheusSink) finish(evt progress.Event, result string) {
	s.opsFinished.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.opRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.running.complete(evt.OperationID) {
		s.opsRunning.Dec()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runningSet struct {
	mu  sync.Mutex
	ids map[uuid.UUID]struct{}
}

func newRunningSet() *runningSet {
	return &runningSet{ids: make(map[uuid.UUID]struct{})}
}

func (r *runningSet) start(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ids[id]; ok {
		return false
	}
	r.ids[id] = struct{}{}
	return true
}

func (r *runningSet) complete(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ids[id]; !ok {
		return false
	}
	delete(r.ids, id)
	return true
}
