package events

import (
	"time"

	"github.com/google/uuid"
)

// Event is the envelope that flows through the event bus.
// Every domain event (state change, conflict, ownership move, recovery
// summary) is wrapped in one. Events are immutable after publish.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Payload   any
}

type EventType string

const (
	// Order lifecycle
	EventOrderIntent       EventType = "order_intent"
	EventOrderStateChanged EventType = "order_state_changed"

	// Conflict arbitration
	EventConflictDetected EventType = "conflict_detected"
	EventOrderBlocked     EventType = "order_blocked_by_conflict"
	EventPriorityOverride EventType = "priority_override"

	// Ownership
	EventOwnershipAcquired    EventType = "ownership_acquired"
	EventOwnershipTransferred EventType = "ownership_transferred"

	// Startup reconciliation
	EventRecoveryComplete EventType = "recovery_complete"
)

func newEvent(t EventType, payload any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: time.Now(),
		Payload:   payload,
	}
}
