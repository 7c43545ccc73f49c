// Package notify is an explicit publish/subscribe registry for page-level
// notifications. Subscriptions are owned by whoever created them and end with
// the returned unsubscribe func or Bus.Close.
package notify

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// Topic names a notification stream.
type Topic string

// Known topics.
const (
	// TopicPageChanged fires when the selected page changes.
	TopicPageChanged Topic = "page_changed"
	// TopicKnowledgeGroupStatusChanged fires when a customer's type or
	// knowledge group changes server-side.
	TopicKnowledgeGroupStatusChanged Topic = "knowledge_group_status_changed"
	// TopicCustomerUpdated fires when a customer record changes server-side.
	TopicCustomerUpdated Topic = "customer_updated"
)

// Message is one notification.
type Message struct {
	Topic   Topic
	PageID  string
	Payload json.RawMessage
}

// Handler receives messages for a topic.
type Handler func(Message)

type subscription struct {
	id uint64
	fn Handler
}

// Bus delivers messages synchronously to subscribers in subscription order.
type Bus struct {
	logger *zap.Logger

	mu     sync.RWMutex
	nextID uint64
	subs   map[Topic][]subscription
	closed bool
}

// New returns an empty Bus.
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{logger: logger, subs: make(map[Topic][]subscription)}
}

// Subscribe registers fn for topic. The returned func removes it and is safe
// to call more than once.
func (b *Bus) Subscribe(topic Topic, fn Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || fn == nil {
		return func() {}
	}
	b.nextID++
	id := b.nextID
	b.subs[topic] = append(b.subs[topic], subscription{id: id, fn: fn})
	return func() { b.unsubscribe(topic, id) }
}

func (b *Bus) unsubscribe(topic Topic, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[topic]
	for i, s := range subs {
		if s.id == id {
			b.subs[topic] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Publish delivers msg to every current subscriber of msg.Topic and returns
// how many were called. A panicking handler is logged and skipped.
func (b *Bus) Publish(msg Message) int {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return 0
	}
	subs := append([]subscription(nil), b.subs[msg.Topic]...)
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(s, msg)
	}
	return len(subs)
}

func (b *Bus) deliver(s subscription, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("notify handler panicked",
				zap.String("topic", string(msg.Topic)),
				zap.Any("panic", r),
			)
		}
	}()
	s.fn(msg)
}

// Subscribers reports the number of subscribers for topic.
func (b *Bus) Subscribers(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Close drops every subscription; later Publish calls deliver nothing.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[Topic][]subscription)
	return nil
}
