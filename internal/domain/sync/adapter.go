package sync

import (
	"context"
	"time"
)

// Snapshot is the generic view of one entity as observed in one system.
// Field semantics are owned by the per-entity adapters; the orchestrator and
// conflict resolver only see the field map.
type Snapshot struct {
	System     string         `json:"system"`
	EntityType EntityType     `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Fields     map[string]any `json:"fields"`
	ObservedAt time.Time      `json:"observed_at"`
}

// SystemAdapter is the interface each external business system is integrated
// through. Adapters own field mapping and API specifics; everything above
// them depends only on this shape.
type SystemAdapter interface {
	// Name returns the system identifier (e.g. "erpnext").
	Name() string
	// Fetch reads the current snapshot of an entity, or nil if it does not
	// exist in the system.
	Fetch(ctx context.Context, entityType EntityType, entityID string) (*Snapshot, error)
	// Apply writes a snapshot into the system.
	Apply(ctx context.Context, snapshot *Snapshot) error
	// Ping verifies the system is reachable.
	Ping(ctx context.Context) error
	// ChangedSince lists entity ids modified after the watermark, used by
	// incremental sync.
	ChangedSince(ctx context.Context, entityType EntityType, since time.Time) ([]string, error)
}
