package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/pagemine/internal/metrics"
)

// Config tunes how the Hub groups events before handing them to sinks.
// Zero values pick the defaults below.
type Config struct {
	// QueueSize bounds the events waiting for the dispatcher.
	QueueSize int
	// MaxBatch flushes as soon as this many events are pending.
	MaxBatch int
	// FlushAfter bounds how long the first pending event waits for company.
	FlushAfter time.Duration
	// SinkTimeout caps every Consume call.
	SinkTimeout time.Duration
	// BaseContext is the parent of every sink call.
	BaseContext context.Context
	Logger      *zap.Logger
}

const (
	defaultQueueSize   = 256
	defaultMaxBatch    = 64
	defaultFlushAfter  = 250 * time.Millisecond
	defaultSinkTimeout = 10 * time.Second
	dropWarnEvery      = 5 * time.Second
)

// Hub buffers events from mining operations and fans them out to sinks on a
// single dispatcher goroutine. Emit never blocks. Terminal stages are flushed
// immediately so history and notifications see an operation end without
// waiting for FlushAfter.
type Hub struct {
	cfg    Config
	sinks  []Sink
	queue  chan Event
	stop   chan struct{}
	done   chan struct{}
	logger *zap.Logger

	dropped  atomic.Int64
	dropWarn rate.Sometimes
	closed   atomic.Bool

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub starts a Hub delivering to sinks.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = defaultMaxBatch
	}
	if cfg.FlushAfter <= 0 {
		cfg.FlushAfter = defaultFlushAfter
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	h := &Hub{
		cfg:      cfg,
		queue:    make(chan Event, cfg.QueueSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		logger:   cfg.Logger,
		dropWarn: rate.Sometimes{Interval: dropWarnEvery},
	}
	for _, s := range sinks {
		if s != nil {
			h.sinks = append(h.sinks, s)
		}
	}
	go h.dispatch()
	return h
}

// Emit queues evt. Invalid events are discarded; when the queue is full the
// event is counted as dropped.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	select {
	case h.queue <- evt:
	default:
		h.dropped.Add(1)
		metrics.ObserveProgressDropped()
		h.dropWarn.Do(func() {
			h.logger.Warn("progress queue full, events dropped",
				zap.Int64("dropped_total", h.dropped.Load()),
				zap.String("operation_id", evt.OperationID.String()),
			)
		})
	}
}

// Dropped reports how many events were rejected because the queue was full.
func (h *Hub) Dropped() int64 {
	if h == nil {
		return 0
	}
	return h.dropped.Load()
}

// Close stops accepting events, delivers what is queued, closes every sink
// and waits for the dispatcher or ctx, whichever comes first.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stop)
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close: %w", ctx.Err())
	}
}

func (h *Hub) dispatch() {
	defer close(h.done)

	pending := make([]Event, 0, h.cfg.MaxBatch)
	var deadline <-chan time.Time
	flush := func() {
		if len(pending) > 0 {
			h.deliver(pending)
			pending = pending[:0]
		}
		deadline = nil
	}

	for {
		select {
		case evt := <-h.queue:
			pending = append(pending, evt)
			if len(pending) >= h.cfg.MaxBatch || evt.Stage.Terminal() {
				flush()
				continue
			}
			if deadline == nil {
				deadline = time.After(h.cfg.FlushAfter)
			}
		case <-deadline:
			flush()
		case <-h.stop:
			for drained := false; !drained; {
				select {
				case evt := <-h.queue:
					pending = append(pending, evt)
				default:
					drained = true
				}
			}
			flush()
			h.closeSinks()
			return
		}
	}
}

func (h *Hub) deliver(events []Event) {
	batch := append([]Event(nil), events...)
	for _, sink := range h.sinks {
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		err := sink.Consume(ctx, batch)
		cancel()
		if err != nil {
			h.logger.Warn("progress sink failed",
				zap.String("sink", sinkName(sink)),
				zap.Int("events", len(batch)),
				zap.Error(err),
			)
		}
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.String("sink", sinkName(sink)), zap.Error(err))
		}
	}
}

func sinkName(s Sink) string {
	if named, ok := s.(interface{ Name() string }); ok {
		return named.Name()
	}
	return fmt.Sprintf("%T", s)
}
