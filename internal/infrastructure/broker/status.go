package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	syncdomain "github.com/syncbridge/backend/internal/domain/sync"
)

// OperationStatus is one operation's snapshot inside a correlation group.
type OperationStatus struct {
	OperationID uuid.UUID             `json:"operation_id"`
	EntityType  syncdomain.EntityType `json:"entity_type"`
	Target      string                `json:"target"`
	Status      syncdomain.Status     `json:"status"`
	RetryCount  int                   `json:"retry_count"`
	LastError   string                `json:"last_error,omitempty"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

// CorrelationStatus aggregates every operation sharing a correlation id, so
// a fan-out submission can be tracked as a single unit.
type CorrelationStatus struct {
	CorrelationID uuid.UUID         `json:"correlation_id"`
	Aggregate     string            `json:"aggregate"`
	Operations    []OperationStatus `json:"operations"`
}

// Aggregate states for a correlation group.
const (
	AggregateInProgress = "in_progress"
	AggregateCompleted  = "completed"
	AggregatePartial    = "partial"
	AggregateFailed     = "failed"
	AggregateConflicted = "conflicted"
)

// AggregateOf folds per-operation states into one group state, for callers
// rebuilding a correlation view from other sources.
func AggregateOf(ops []OperationStatus) string {
	return aggregateStatus(ops)
}

// aggregateStatus folds per-operation states into one group state. Any
// in-flight operation keeps the group in progress; conflicts take precedence
// over failures once everything has settled.
func aggregateStatus(ops []OperationStatus) string {
	var completed, failed, conflicted int
	for _, op := range ops {
		switch op.Status {
		case syncdomain.StatusCompleted:
			completed++
		case syncdomain.StatusFailed:
			failed++
		case syncdomain.StatusConflicted:
			conflicted++
		default:
			return AggregateInProgress
		}
	}
	switch {
	case conflicted > 0:
		return AggregateConflicted
	case failed > 0 && completed > 0:
		return AggregatePartial
	case failed > 0:
		return AggregateFailed
	default:
		return AggregateCompleted
	}
}

// StatusStore tracks per-operation status snapshots grouped by correlation id.
type StatusStore interface {
	// Record upserts the operation's current snapshot into its group.
	Record(ctx context.Context, op *syncdomain.SyncOperation) error
	// Correlation returns the group's aggregate view, or (nil, nil) when the
	// correlation id is unknown or has expired.
	Correlation(ctx context.Context, correlationID uuid.UUID) (*CorrelationStatus, error)
}

// RedisStatusStore keeps each correlation group in a Redis hash keyed by
// operation id. Groups expire after the TTL so completed submissions do not
// accumulate.
type RedisStatusStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewRedisStatusStore creates a status store with the given TTL. A zero ttl
// defaults to one hour.
func NewRedisStatusStore(client *redis.Client, ttl time.Duration) *RedisStatusStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisStatusStore{
		client:    client,
		keyPrefix: "sync:status:",
		ttl:       ttl,
	}
}

func (s *RedisStatusStore) key(correlationID uuid.UUID) string {
	return s.keyPrefix + correlationID.String()
}

func snapshotOf(op *syncdomain.SyncOperation) OperationStatus {
	return OperationStatus{
		OperationID: op.ID,
		EntityType:  op.EntityType,
		Target:      op.Target,
		Status:      op.Status,
		RetryCount:  op.RetryCount,
		LastError:   op.LastError,
		UpdatedAt:   op.UpdatedAt,
	}
}

// Record upserts the operation snapshot and refreshes the group TTL.
func (s *RedisStatusStore) Record(ctx context.Context, op *syncdomain.SyncOperation) error {
	data, err := json.Marshal(snapshotOf(op))
	if err != nil {
		return fmt.Errorf("marshal status snapshot: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.key(op.CorrelationID), op.ID.String(), data)
	pipe.Expire(ctx, s.key(op.CorrelationID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record status: %w", err)
	}
	return nil
}

// Correlation loads and aggregates the group.
func (s *RedisStatusStore) Correlation(ctx context.Context, correlationID uuid.UUID) (*CorrelationStatus, error) {
	fields, err := s.client.HGetAll(ctx, s.key(correlationID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load status: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	ops := make([]OperationStatus, 0, len(fields))
	for _, raw := range fields {
		var snap OperationStatus
		if err := json.Unmarshal([]byte(raw), &snap); err != nil {
			return nil, fmt.Errorf("unmarshal status snapshot: %w", err)
		}
		ops = append(ops, snap)
	}
	sort.Slice(ops, func(i, j int) bool {
		return ops[i].OperationID.String() < ops[j].OperationID.String()
	})

	return &CorrelationStatus{
		CorrelationID: correlationID,
		Aggregate:     aggregateStatus(ops),
		Operations:    ops,
	}, nil
}

var _ StatusStore = (*RedisStatusStore)(nil)

// MemoryStatusStore implements StatusStore in process memory for tests and
// single-node development.
type MemoryStatusStore struct {
	mu     sync.RWMutex
	groups map[uuid.UUID]map[uuid.UUID]OperationStatus
}

// NewMemoryStatusStore creates an empty in-memory status store.
func NewMemoryStatusStore() *MemoryStatusStore {
	return &MemoryStatusStore{
		groups: make(map[uuid.UUID]map[uuid.UUID]OperationStatus),
	}
}

// Record upserts the operation snapshot into its group.
func (s *MemoryStatusStore) Record(_ context.Context, op *syncdomain.SyncOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	group, ok := s.groups[op.CorrelationID]
	if !ok {
		group = make(map[uuid.UUID]OperationStatus)
		s.groups[op.CorrelationID] = group
	}
	group[op.ID] = snapshotOf(op)
	return nil
}

// Correlation returns the group's aggregate view.
func (s *MemoryStatusStore) Correlation(_ context.Context, correlationID uuid.UUID) (*CorrelationStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	group, ok := s.groups[correlationID]
	if !ok {
		return nil, nil
	}

	ops := make([]OperationStatus, 0, len(group))
	for _, snap := range group {
		ops = append(ops, snap)
	}
	sort.Slice(ops, func(i, j int) bool {
		return ops[i].OperationID.String() < ops[j].OperationID.String()
	})

	return &CorrelationStatus{
		CorrelationID: correlationID,
		Aggregate:     aggregateStatus(ops),
		Operations:    ops,
	}, nil
}

var _ StatusStore = (*MemoryStatusStore)(nil)
