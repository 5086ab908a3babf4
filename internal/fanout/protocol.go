package fanout

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/charleschow/execution-core/internal/events"
)

// Envelope is the wire format for events sent over the fanout WebSocket.
type Envelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Timestamp time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload"`
}

// MarshalEvent serializes an Event into a JSON-encoded Envelope.
func MarshalEvent(evt events.Event) ([]byte, error) {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	env := Envelope{
		Type:      string(evt.Type),
		ID:        evt.ID,
		Timestamp: evt.Timestamp,
		Payload:   payload,
	}
	return json.Marshal(env)
}

// UnmarshalEvent deserializes a JSON Envelope back into a typed Event.
func UnmarshalEvent(data []byte) (events.Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return events.Event{}, fmt.Errorf("unmarshal envelope: %w", err)
	}

	evt := events.Event{
		ID:        env.ID,
		Type:      events.EventType(env.Type),
		Timestamp: env.Timestamp,
	}

	switch evt.Type {
	case events.EventOrderStateChanged:
		var p events.OrderStateChangedEvent
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return evt, fmt.Errorf("unmarshal order_state_changed: %w", err)
		}
		evt.Payload = p
	case events.EventConflictDetected, events.EventOrderBlocked, events.EventPriorityOverride:
		var p events.ConflictEvent
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return evt, fmt.Errorf("unmarshal %s: %w", evt.Type, err)
		}
		evt.Payload = p
	case events.EventOwnershipAcquired:
		var p events.OwnershipAcquiredEvent
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return evt, fmt.Errorf("unmarshal ownership_acquired: %w", err)
		}
		evt.Payload = p
	case events.EventOwnershipTransferred:
		var p events.OwnershipTransferredEvent
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return evt, fmt.Errorf("unmarshal ownership_transferred: %w", err)
		}
		evt.Payload = p
	case events.EventRecoveryComplete:
		var p events.RecoveryCompleteEvent
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return evt, fmt.Errorf("unmarshal recovery_complete: %w", err)
		}
		evt.Payload = p
	case events.EventOrderIntent:
		var p events.OrderIntentEvent
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return evt, fmt.Errorf("unmarshal order_intent: %w", err)
		}
		evt.Payload = p
	default:
		return evt, fmt.Errorf("unknown event type: %s", env.Type)
	}

	return evt, nil
}
