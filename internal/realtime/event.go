package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// EventType tags a ServerEvent.
type EventType string

// Event types understood by the client. Anything else classifies as EventUnknown.
const (
	EventCustomerUpdate     EventType = "customer_update"
	EventCustomerTypeUpdate EventType = "customer_type_update"
	EventHeartbeat          EventType = "heartbeat"
	EventError              EventType = "error"
	EventUnknown            EventType = "unknown"
)

// ErrMalformedEvent is returned by ParseEvent for payloads that are not a JSON object.
var ErrMalformedEvent = errors.New("malformed server event")

// ServerEvent is a classified server-push message.
type ServerEvent struct {
	Type EventType
	// RawType preserves the wire tag, which differs from Type for unknown events.
	RawType string
	// Payload is the opaque "data" member; nil for heartbeats.
	Payload json.RawMessage
	// Message carries the text of application error events.
	Message string
}

type wireEvent struct {
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// ParseEvent decodes one `{type, data?, message?}` message.
func ParseEvent(raw []byte) (ServerEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return ServerEvent{}, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}
	evt := ServerEvent{
		Type:    classify(w.Type),
		RawType: w.Type,
		Message: w.Message,
	}
	if evt.Type != EventHeartbeat && len(w.Data) > 0 && string(w.Data) != "null" {
		evt.Payload = w.Data
	}
	return evt, nil
}

func classify(tag string) EventType {
	switch EventType(strings.TrimSpace(tag)) {
	case EventCustomerUpdate:
		return EventCustomerUpdate
	case EventCustomerTypeUpdate:
		return EventCustomerTypeUpdate
	case EventHeartbeat:
		return EventHeartbeat
	case EventError:
		return EventError
	default:
		return EventUnknown
	}
}

// Forwarded reports whether events of this type reach the business handler.
func (t EventType) Forwarded() bool {
	return t == EventCustomerUpdate || t == EventCustomerTypeUpdate
}
