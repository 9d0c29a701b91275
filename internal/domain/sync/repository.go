package sync

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// HistoryEntry is one persisted operation state transition. The history table
// is the audit trail behind correlation lookups that outlive the short-lived
// status cache.
type HistoryEntry struct {
	ID            uuid.UUID     `json:"id"`
	OperationID   uuid.UUID     `json:"operation_id"`
	CorrelationID uuid.UUID     `json:"correlation_id"`
	EntityType    EntityType    `json:"entity_type"`
	Operation     OperationType `json:"operation"`
	Source        string        `json:"source"`
	Target        string        `json:"target"`
	EntityID      string        `json:"entity_id"`
	Status        Status        `json:"status"`
	RetryCount    int           `json:"retry_count"`
	LastError     string        `json:"last_error,omitempty"`
	RecordedAt    time.Time     `json:"recorded_at"`
}

// HistoryRepository persists the operation audit trail.
type HistoryRepository interface {
	Append(ctx context.Context, op *SyncOperation) error
	ListByCorrelation(ctx context.Context, correlationID uuid.UUID) ([]HistoryEntry, error)
	ListByEntity(ctx context.Context, entityType EntityType, entityID string, limit int) ([]HistoryEntry, error)
	// PurgeOlderThan deletes entries recorded before the cutoff and returns
	// the number removed.
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// AlertRepository persists monitoring alerts through their operator workflow.
type AlertRepository interface {
	Save(ctx context.Context, alert *Alert) error
	Update(ctx context.Context, alert *Alert) error
	FindByID(ctx context.Context, id uuid.UUID) (*Alert, error)
	// List returns alerts filtered by status; an empty status matches all.
	List(ctx context.Context, status AlertStatus, limit int) ([]*Alert, error)
}
