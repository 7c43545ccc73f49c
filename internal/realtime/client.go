package realtime

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagemine/internal/clock"
	"github.com/JakeFAU/pagemine/internal/clock/system"
	"github.com/JakeFAU/pagemine/internal/metrics"
)

// State is the lifecycle position of a subscription.
type State int

// Subscription states.
const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "closed"
	}
}

// Handler receives forwarded events in transport order. Connect and
// Disconnect wait for a running Handler, so a Handler must not call them.
type Handler func(ServerEvent)

// Status is a point-in-time view of the subscription handle.
type Status struct {
	PageID           string
	State            State
	ReconnectAttempt int
}

// Config controls backoff, time and logging for a Client.
//   - Backoff: reconnect delay policy (defaults to DefaultBackoff).
//   - Clock: timer source (defaults to the system clock).
//   - Logger: optional structured logger.
type Config struct {
	Backoff Backoff
	Clock   clock.Clock
	Logger  *zap.Logger
}

// Client manages one server-push subscription. All methods are safe for
// concurrent use.
type Client struct {
	transport Transport
	backoff   Backoff
	clock     clock.Clock
	logger    *zap.Logger

	// delivery is held shared while a handler runs and exclusively by
	// Connect and Disconnect, so no event reaches a handler once it has
	// been replaced.
	delivery sync.RWMutex

	mu      sync.Mutex
	pageID  string
	handler Handler
	state   State
	attempt int
	// gen changes on every Connect and Disconnect; goroutines and timers
	// carrying an older generation must not touch the client.
	gen    uint64
	cancel context.CancelFunc
	timer  clock.Timer
}

// NewClient builds a Client on top of transport.
func NewClient(transport Transport, cfg Config) *Client {
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Client{
		transport: transport,
		backoff:   cfg.Backoff,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		state:     StateClosed,
	}
}

// Connect subscribes to pageID, closing any previous subscription first.
// An empty pageID is ignored. The previous handler sees no events after
// Connect returns.
func (c *Client) Connect(pageID string, onEvent Handler) {
	pageID = strings.TrimSpace(pageID)
	if pageID == "" {
		return
	}
	c.delivery.Lock()
	defer c.delivery.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	c.pageID = pageID
	c.handler = onEvent
	c.logger.Info("realtime subscribe", zap.String("page_id", pageID))
	c.openLocked(c.gen)
}

// Disconnect closes the subscription, cancels a pending reconnect and resets
// the attempt counter. It is idempotent. It waits for an event already being
// handled; the handler sees nothing after Disconnect returns.
func (c *Client) Disconnect() {
	c.delivery.Lock()
	defer c.delivery.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateClosed {
		c.logger.Info("realtime disconnect", zap.String("page_id", c.pageID))
	}
	c.closeLocked()
}

// Close implements io.Closer by calling Disconnect.
func (c *Client) Close() error {
	c.Disconnect()
	return nil
}

// Status reports the current page, state and reconnect attempt.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{PageID: c.pageID, State: c.state, ReconnectAttempt: c.attempt}
}

func (c *Client) closeLocked() {
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.state == StateOpen {
		metrics.DecOpenConnections()
	}
	c.state = StateClosed
	c.attempt = 0
	c.handler = nil
}

func (c *Client) openLocked(gen uint64) {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.state = StateConnecting
	go c.run(ctx, gen, c.pageID)
}

func (c *Client) run(ctx context.Context, gen uint64, pageID string) {
	stream, err := c.transport.Open(ctx, pageID)
	if err != nil {
		c.fail(gen, err)
		return
	}
	stop := context.AfterFunc(ctx, func() { _ = stream.Close() })
	defer func() {
		stop()
		_ = stream.Close()
	}()

	if !c.markOpen(gen) {
		return
	}
	dec := NewDecoder(stream)
	for {
		data, err := dec.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			c.fail(gen, err)
			return
		}
		c.dispatch(gen, data)
	}
}

func (c *Client) markOpen(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return false
	}
	c.state = StateOpen
	c.attempt = 0
	metrics.IncOpenConnections()
	c.logger.Info("realtime connected", zap.String("page_id", c.pageID))
	return true
}

// fail moves a live subscription to reconnecting and schedules the retry.
func (c *Client) fail(gen uint64, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.state == StateClosed || c.state == StateReconnecting {
		return
	}
	if c.state == StateOpen {
		metrics.DecOpenConnections()
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.state = StateReconnecting
	delay := c.backoff.Delay(c.attempt)
	metrics.ObserveReconnect()
	c.logger.Warn("realtime transport failed; reconnect scheduled",
		zap.String("page_id", c.pageID),
		zap.Int("attempt", c.attempt),
		zap.Duration("delay", delay),
		zap.Error(cause),
	)
	c.timer = c.clock.AfterFunc(delay, func() { c.retry(gen) })
}

func (c *Client) retry(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.state != StateReconnecting {
		return
	}
	c.timer = nil
	c.attempt++
	c.logger.Debug("realtime reconnecting",
		zap.String("page_id", c.pageID),
		zap.Int("attempt", c.attempt),
	)
	c.openLocked(gen)
}

func (c *Client) dispatch(gen uint64, data []byte) {
	evt, err := ParseEvent(data)
	if err != nil {
		c.logger.Warn("dropping malformed realtime event", zap.Error(err), zap.ByteString("data", truncate(data, 256)))
		metrics.ObserveRealtimeEvent("malformed")
		return
	}
	metrics.ObserveRealtimeEvent(string(evt.Type))

	switch evt.Type {
	case EventHeartbeat:
		return
	case EventError:
		c.logger.Warn("realtime server reported error", zap.String("message", evt.Message))
		return
	case EventUnknown:
		c.logger.Debug("dropping unknown realtime event", zap.String("type", evt.RawType))
		return
	}

	c.delivery.RLock()
	defer c.delivery.RUnlock()
	c.mu.Lock()
	handler := c.handler
	current := c.gen
	c.mu.Unlock()
	if current != gen || handler == nil {
		return
	}
	handler(evt)
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
