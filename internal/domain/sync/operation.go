package sync

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// EntityType identifies the class of business object being synchronized.
type EntityType string

const (
	EntityCustomer   EntityType = "customer"
	EntityInventory  EntityType = "inventory"
	EntityOrder      EntityType = "order"
	EntityPricing    EntityType = "pricing"
	EntityQuality    EntityType = "quality"
	EntityProduction EntityType = "production"
)

// AllEntityTypes returns every entity type that can be synchronized.
func AllEntityTypes() []EntityType {
	return []EntityType{
		EntityCustomer,
		EntityInventory,
		EntityOrder,
		EntityPricing,
		EntityQuality,
		EntityProduction,
	}
}

// IsValid returns true if the entity type is one of the known types.
func (e EntityType) IsValid() bool {
	switch e {
	case EntityCustomer, EntityInventory, EntityOrder, EntityPricing, EntityQuality, EntityProduction:
		return true
	}
	return false
}

// OperationType identifies the kind of change being propagated.
type OperationType string

const (
	OpCreate   OperationType = "create"
	OpUpdate   OperationType = "update"
	OpDelete   OperationType = "delete"
	OpBulkSync OperationType = "bulk_sync"
)

// IsValid returns true if the operation type is one of the known types.
func (o OperationType) IsValid() bool {
	switch o {
	case OpCreate, OpUpdate, OpDelete, OpBulkSync:
		return true
	}
	return false
}

// Priority orders operations within a queue. Lower weight is served first.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Weight returns the numeric ordering weight for the priority.
// Critical < high < medium < low; lower weight dequeues first.
func (p Priority) Weight() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	default:
		return 3
	}
}

// DerivePriority computes the priority of an operation from its entity type
// and operation type. Deletes and order events must propagate first.
func DerivePriority(entityType EntityType, op OperationType) Priority {
	if op == OpDelete || entityType == EntityOrder {
		return PriorityCritical
	}
	switch entityType {
	case EntityCustomer, EntityPricing:
		return PriorityHigh
	case EntityInventory:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// Status represents the lifecycle state of a sync operation.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusConflicted Status = "conflicted"
)

// TargetAll is the sentinel target meaning "every registered system except the source".
const TargetAll = "all"

// Lifecycle errors
var (
	ErrInvalidTransition = errors.New("invalid operation status transition")
	ErrRetriesExhausted  = errors.New("operation retries exhausted")
)

// SyncOperation is the unit of work flowing through the broker.
type SyncOperation struct {
	ID            uuid.UUID       `json:"id"`
	EntityType    EntityType      `json:"entity_type"`
	Operation     OperationType   `json:"operation"`
	Source        string          `json:"source"`
	Target        string          `json:"target"`
	EntityID      string          `json:"entity_id"`
	Payload       map[string]any  `json:"payload"`
	Priority      Priority        `json:"priority"`
	Status        Status          `json:"status"`
	RetryCount    int             `json:"retry_count"`
	MaxRetries    int             `json:"max_retries"`
	CorrelationID uuid.UUID       `json:"correlation_id"`
	LastError     string          `json:"last_error,omitempty"`
	Conflicts     []ConflictField `json:"conflicts,omitempty"`
	// ManuallyResolved marks a re-queued operation whose payload carries
	// operator-chosen values; those values are applied as-is instead of
	// going through conflict resolution again.
	ManuallyResolved bool      `json:"manually_resolved,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// ConflictField records one field-level disagreement attached to a conflicted
// operation, so operator tooling can display what diverged.
type ConflictField struct {
	Field        string `json:"field"`
	SourceValue  any    `json:"source_value"`
	TargetValues []any  `json:"target_values"`
	Resolution   string `json:"resolution"`
	Reason       string `json:"reason"`
}

// NewSyncOperation creates a pending operation with a derived priority.
func NewSyncOperation(entityType EntityType, op OperationType, source, target, entityID string, payload map[string]any, correlationID uuid.UUID, maxRetries int) *SyncOperation {
	now := time.Now()
	return &SyncOperation{
		ID:            uuid.New(),
		EntityType:    entityType,
		Operation:     op,
		Source:        source,
		Target:        target,
		EntityID:      entityID,
		Payload:       payload,
		Priority:      DerivePriority(entityType, op),
		Status:        StatusPending,
		MaxRetries:    maxRetries,
		CorrelationID: correlationID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// MarkProcessing moves a pending operation to processing.
func (o *SyncOperation) MarkProcessing() error {
	if o.Status != StatusPending {
		return ErrInvalidTransition
	}
	o.Status = StatusProcessing
	o.UpdatedAt = time.Now()
	return nil
}

// MarkCompleted moves a processing operation to its terminal completed state.
func (o *SyncOperation) MarkCompleted() error {
	if o.Status != StatusProcessing {
		return ErrInvalidTransition
	}
	o.Status = StatusCompleted
	o.LastError = ""
	o.UpdatedAt = time.Now()
	return nil
}

// Requeue records a failed attempt and returns the operation to pending so it
// can be retried with backoff. When the attempt budget is exhausted the
// operation stays in processing and ErrRetriesExhausted is returned; the
// caller must MarkFailed instead.
func (o *SyncOperation) Requeue(errMsg string) error {
	if o.Status != StatusProcessing {
		return ErrInvalidTransition
	}
	o.RetryCount++
	o.LastError = errMsg
	o.UpdatedAt = time.Now()
	if o.RetryCount >= o.MaxRetries {
		return ErrRetriesExhausted
	}
	o.Status = StatusPending
	return nil
}

// MarkFailed moves a processing operation to its terminal failed state.
func (o *SyncOperation) MarkFailed(errMsg string) error {
	if o.Status != StatusProcessing {
		return ErrInvalidTransition
	}
	o.Status = StatusFailed
	o.LastError = errMsg
	o.UpdatedAt = time.Now()
	return nil
}

// MarkConflicted flags a processing operation as needing manual intervention.
func (o *SyncOperation) MarkConflicted(conflicts []ConflictField) error {
	if o.Status != StatusProcessing {
		return ErrInvalidTransition
	}
	o.Status = StatusConflicted
	o.Conflicts = conflicts
	o.UpdatedAt = time.Now()
	return nil
}

// ResetForRetry returns a failed or conflicted operation to pending with a
// fresh retry budget. This is the only path out of a terminal failure and is
// driven by manual action or successful conflict resolution.
func (o *SyncOperation) ResetForRetry() error {
	if o.Status != StatusFailed && o.Status != StatusConflicted {
		return ErrInvalidTransition
	}
	o.Status = StatusPending
	o.RetryCount = 0
	o.LastError = ""
	o.Conflicts = nil
	o.UpdatedAt = time.Now()
	return nil
}

// IsTerminal returns true if the operation is in an absorbing state.
func (o *SyncOperation) IsTerminal() bool {
	return o.Status == StatusCompleted || o.Status == StatusFailed || o.Status == StatusConflicted
}
