package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagemine/internal/progress"
)

// PubSubSink publishes every progress event as a JSON message so other
// services can follow mining operations.
type PubSubSink struct {
	topic  *pubsub.Topic
	logger *zap.Logger
}

type eventMessage struct {
	OperationID  string    `json:"operation_id"`
	PageID       string    `json:"page_id,omitempty"`
	Stage        string    `json:"stage"`
	TS           time.Time `json:"ts"`
	Batch        int       `json:"batch,omitempty"`
	TotalBatches int       `json:"total_batches"`
	Success      int       `json:"success"`
	Fail         int       `json:"fail"`
	DurationMS   int64     `json:"duration_ms,omitempty"`
	Note         string    `json:"note,omitempty"`
}

// NewPubSubSink wraps topic. The sink stops the topic on Close.
func NewPubSubSink(topic *pubsub.Topic, logger *zap.Logger) (*PubSubSink, error) {
	if topic == nil {
		return nil, errors.New("pubsub topic is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PubSubSink{topic: topic, logger: logger}, nil
}

// Name identifies the sink in hub warnings.
func (s *PubSubSink) Name() string { return "pubsub" }

// Consume publishes the batch and waits for every result. The first publish
// error is returned after all results settle.
func (s *PubSubSink) Consume(ctx context.Context, batch []progress.Event) error {
	results := make([]*pubsub.PublishResult, 0, len(batch))
	for _, evt := range batch {
		data, err := json.Marshal(toMessage(evt))
		if err != nil {
			return fmt.Errorf("marshal progress event: %w", err)
		}
		msg := &pubsub.Message{
			Data: data,
			Attributes: map[string]string{
				"operation_id": evt.OperationID.String(),
				"stage":        string(evt.Stage),
			},
		}
		if evt.PageID != "" {
			msg.Attributes["page_id"] = evt.PageID
		}
		otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})
		results = append(results, s.topic.Publish(ctx, msg))
	}

	var firstErr error
	for _, res := range results {
		id, err := res.Get(ctx)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("publish progress event: %w", err)
			}
			continue
		}
		s.logger.Debug("progress event published", zap.String("message_id", id))
	}
	return firstErr
}

// Close flushes outstanding messages and stops the topic's goroutines.
func (s *PubSubSink) Close(context.Context) error {
	s.topic.Stop()
	return nil
}

func toMessage(evt progress.Event) eventMessage {
	return eventMessage{
		OperationID:  evt.OperationID.String(),
		PageID:       evt.PageID,
		Stage:        string(evt.Stage),
		TS:           evt.TS.UTC(),
		Batch:        evt.Batch,
		TotalBatches: evt.TotalBatches,
		Success:      evt.Success,
		Fail:         evt.Fail,
		DurationMS:   evt.Dur.Milliseconds(),
		Note:         evt.Note,
	}
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
