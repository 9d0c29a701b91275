package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	syncdomain "github.com/syncbridge/backend/internal/domain/sync"
)

// ConflictStore parks operations that need manual resolution. Take removes
// the operation so a resolution can only be applied once.
type ConflictStore interface {
	Put(ctx context.Context, op *syncdomain.SyncOperation) error
	// Take removes and returns the operation, or (nil, nil) when unknown.
	Take(ctx context.Context, operationID uuid.UUID) (*syncdomain.SyncOperation, error)
	List(ctx context.Context, limit int) ([]*syncdomain.SyncOperation, error)
}

// WatermarkStore remembers the last incremental-sync cursor per system and
// entity type.
type WatermarkStore interface {
	Get(ctx context.Context, system string, entityType syncdomain.EntityType) (time.Time, error)
	Set(ctx context.Context, system string, entityType syncdomain.EntityType, t time.Time) error
}

// RedisConflictStore keeps parked operations in one Redis hash keyed by
// operation id.
type RedisConflictStore struct {
	client *redis.Client
	key    string
}

// NewRedisConflictStore creates a conflict store over an existing client.
func NewRedisConflictStore(client *redis.Client) *RedisConflictStore {
	return &RedisConflictStore{client: client, key: "sync:conflicts"}
}

// Put stores the conflicted operation.
func (s *RedisConflictStore) Put(ctx context.Context, op *syncdomain.SyncOperation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("marshal conflicted operation: %w", err)
	}
	if err := s.client.HSet(ctx, s.key, op.ID.String(), data).Err(); err != nil {
		return fmt.Errorf("store conflicted operation: %w", err)
	}
	return nil
}

// Take removes and returns the operation.
func (s *RedisConflictStore) Take(ctx context.Context, operationID uuid.UUID) (*syncdomain.SyncOperation, error) {
	raw, err := s.client.HGet(ctx, s.key, operationID.String()).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load conflicted operation: %w", err)
	}
	if err := s.client.HDel(ctx, s.key, operationID.String()).Err(); err != nil {
		return nil, fmt.Errorf("remove conflicted operation: %w", err)
	}

	var op syncdomain.SyncOperation
	if err := json.Unmarshal([]byte(raw), &op); err != nil {
		return nil, fmt.Errorf("unmarshal conflicted operation: %w", err)
	}
	return &op, nil
}

// List returns parked operations without removing them.
func (s *RedisConflictStore) List(ctx context.Context, limit int) ([]*syncdomain.SyncOperation, error) {
	fields, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("list conflicted operations: %w", err)
	}

	ops := make([]*syncdomain.SyncOperation, 0, len(fields))
	for _, raw := range fields {
		var op syncdomain.SyncOperation
		if err := json.Unmarshal([]byte(raw), &op); err != nil {
			continue
		}
		ops = append(ops, &op)
		if limit > 0 && len(ops) >= limit {
			break
		}
	}
	return ops, nil
}

var _ ConflictStore = (*RedisConflictStore)(nil)

// MemoryConflictStore implements ConflictStore in process memory.
type MemoryConflictStore struct {
	mu  sync.Mutex
	ops map[uuid.UUID]*syncdomain.SyncOperation
}

// NewMemoryConflictStore creates an empty in-memory conflict store.
func NewMemoryConflictStore() *MemoryConflictStore {
	return &MemoryConflictStore{ops: make(map[uuid.UUID]*syncdomain.SyncOperation)}
}

func (s *MemoryConflictStore) Put(_ context.Context, op *syncdomain.SyncOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *op
	s.ops[op.ID] = &copied
	return nil
}

func (s *MemoryConflictStore) Take(_ context.Context, operationID uuid.UUID) (*syncdomain.SyncOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[operationID]
	if !ok {
		return nil, nil
	}
	delete(s.ops, operationID)
	return op, nil
}

func (s *MemoryConflictStore) List(_ context.Context, limit int) ([]*syncdomain.SyncOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ops := make([]*syncdomain.SyncOperation, 0, len(s.ops))
	for _, op := range s.ops {
		copied := *op
		ops = append(ops, &copied)
		if limit > 0 && len(ops) >= limit {
			break
		}
	}
	return ops, nil
}

var _ ConflictStore = (*MemoryConflictStore)(nil)

// RedisWatermarkStore keeps incremental cursors in Redis string keys.
type RedisWatermarkStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisWatermarkStore creates a watermark store over an existing client.
func NewRedisWatermarkStore(client *redis.Client) *RedisWatermarkStore {
	return &RedisWatermarkStore{client: client, keyPrefix: "sync:watermark:"}
}

func (s *RedisWatermarkStore) key(system string, entityType syncdomain.EntityType) string {
	return s.keyPrefix + system + ":" + string(entityType)
}

// Get returns the stored cursor, or the zero time when none exists.
func (s *RedisWatermarkStore) Get(ctx context.Context, system string, entityType syncdomain.EntityType) (time.Time, error) {
	raw, err := s.client.Get(ctx, s.key(system, entityType)).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("load watermark: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse watermark: %w", err)
	}
	return t, nil
}

// Set stores the cursor.
func (s *RedisWatermarkStore) Set(ctx context.Context, system string, entityType syncdomain.EntityType, t time.Time) error {
	if err := s.client.Set(ctx, s.key(system, entityType), t.Format(time.RFC3339Nano), 0).Err(); err != nil {
		return fmt.Errorf("store watermark: %w", err)
	}
	return nil
}

var _ WatermarkStore = (*RedisWatermarkStore)(nil)

// MemoryWatermarkStore implements WatermarkStore in process memory.
type MemoryWatermarkStore struct {
	mu    sync.Mutex
	marks map[string]time.Time
}

// NewMemoryWatermarkStore creates an empty in-memory watermark store.
func NewMemoryWatermarkStore() *MemoryWatermarkStore {
	return &MemoryWatermarkStore{marks: make(map[string]time.Time)}
}

func (s *MemoryWatermarkStore) Get(_ context.Context, system string, entityType syncdomain.EntityType) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.marks[system+":"+string(entityType)], nil
}

func (s *MemoryWatermarkStore) Set(_ context.Context, system string, entityType syncdomain.EntityType, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marks[system+":"+string(entityType)] = t
	return nil
}

var _ WatermarkStore = (*MemoryWatermarkStore)(nil)
