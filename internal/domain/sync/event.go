package sync

import (
	"time"

	"github.com/google/uuid"
)

// EventType names a lifecycle or system event published on the event stream.
type EventType string

const (
	EventOperationQueued     EventType = "operation_queued"
	EventOperationStarted    EventType = "operation_started"
	EventOperationCompleted  EventType = "operation_completed"
	EventOperationFailed     EventType = "operation_failed"
	EventOperationConflicted EventType = "operation_conflicted"
	EventOperationDeadLetter EventType = "operation_dead_letter"
	EventCustomerCreate      EventType = "customer_create"
	EventCustomerUpdate      EventType = "customer_update"
	EventOrderSync           EventType = "order_sync"
	EventInventoryLowStock   EventType = "inventory_low_stock"
	EventPriceUpdate         EventType = "price_update"
	EventSystemHealth        EventType = "system_health"
	EventAlert               EventType = "alert"
	EventNotification        EventType = "notification"
)

// KnownEventTypes returns the full set of event types subscribers may request.
func KnownEventTypes() []EventType {
	return []EventType{
		EventOperationQueued,
		EventOperationStarted,
		EventOperationCompleted,
		EventOperationFailed,
		EventOperationConflicted,
		EventOperationDeadLetter,
		EventCustomerCreate,
		EventCustomerUpdate,
		EventOrderSync,
		EventInventoryLowStock,
		EventPriceUpdate,
		EventSystemHealth,
		EventAlert,
		EventNotification,
	}
}

// IsKnownEventType reports whether t is a recognized event type.
func IsKnownEventType(t EventType) bool {
	for _, known := range KnownEventTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// EntityEventType maps a successfully applied operation to the entity-facing
// event type dashboards subscribe to. Inventory has no per-completion event;
// its low-stock notification is threshold-driven.
func EntityEventType(entityType EntityType, op OperationType) (EventType, bool) {
	switch entityType {
	case EntityOrder:
		return EventOrderSync, true
	case EntityCustomer:
		if op == OpCreate {
			return EventCustomerCreate, true
		}
		return EventCustomerUpdate, true
	case EntityPricing:
		return EventPriceUpdate, true
	}
	return "", false
}

// Event is published on the event stream for every operation state transition
// and for system-level notifications. It is the payload broadcast to
// real-time subscribers.
type Event struct {
	ID            uuid.UUID      `json:"id"`
	Type          EventType      `json:"type"`
	OperationID   uuid.UUID      `json:"operation_id,omitempty"`
	CorrelationID uuid.UUID      `json:"correlation_id,omitempty"`
	EntityType    EntityType     `json:"entity_type,omitempty"`
	SourceSystem  string         `json:"source_system,omitempty"`
	Status        Status         `json:"status,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
	OccurredAt    time.Time      `json:"occurred_at"`
}

// NewEvent creates an event with a fresh id and timestamp.
func NewEvent(t EventType) Event {
	return Event{
		ID:         uuid.New(),
		Type:       t,
		OccurredAt: time.Now(),
	}
}

// NewOperationEvent creates a lifecycle event describing op.
func NewOperationEvent(t EventType, op *SyncOperation) Event {
	ev := NewEvent(t)
	ev.OperationID = op.ID
	ev.CorrelationID = op.CorrelationID
	ev.EntityType = op.EntityType
	ev.SourceSystem = op.Source
	ev.Status = op.Status
	return ev
}
