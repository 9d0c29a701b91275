package connector

import (
	"context"
	"sync"
	"time"

	syncdomain "github.com/syncbridge/backend/internal/domain/sync"
)

// MemoryConnector is an in-process system adapter holding entity snapshots in
// a map. It backs tests and local development without external systems.
type MemoryConnector struct {
	name string

	mu       sync.RWMutex
	entities map[syncdomain.EntityType]map[string]*syncdomain.Snapshot
	applyErr error
	pingErr  error
}

// NewMemoryConnector creates an empty in-memory system.
func NewMemoryConnector(name string) *MemoryConnector {
	return &MemoryConnector{
		name:     name,
		entities: make(map[syncdomain.EntityType]map[string]*syncdomain.Snapshot),
	}
}

// Name returns the system identifier.
func (c *MemoryConnector) Name() string {
	return c.name
}

// Seed stores a snapshot directly, bypassing failure injection.
func (c *MemoryConnector) Seed(entityType syncdomain.EntityType, entityID string, fields map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.put(&syncdomain.Snapshot{
		System:     c.name,
		EntityType: entityType,
		EntityID:   entityID,
		Fields:     fields,
		ObservedAt: time.Now(),
	})
}

// FailApplyWith makes every subsequent Apply return err; nil restores normal
// behaviour.
func (c *MemoryConnector) FailApplyWith(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyErr = err
}

// FailPingWith makes every subsequent Ping return err; nil restores normal
// behaviour.
func (c *MemoryConnector) FailPingWith(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pingErr = err
}

// Fetch reads the stored snapshot, or nil when the entity is unknown.
func (c *MemoryConnector) Fetch(_ context.Context, entityType syncdomain.EntityType, entityID string) (*syncdomain.Snapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap, ok := c.entities[entityType][entityID]
	if !ok {
		return nil, nil
	}
	copied := *snap
	copied.Fields = copyFields(snap.Fields)
	return &copied, nil
}

// Apply stores the snapshot.
func (c *MemoryConnector) Apply(_ context.Context, snapshot *syncdomain.Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.applyErr != nil {
		return c.applyErr
	}
	stored := *snapshot
	stored.System = c.name
	stored.Fields = copyFields(snapshot.Fields)
	stored.ObservedAt = time.Now()
	c.put(&stored)
	return nil
}

// Ping reports the injected health state.
func (c *MemoryConnector) Ping(context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pingErr
}

// ChangedSince lists ids whose snapshots were observed after the watermark.
func (c *MemoryConnector) ChangedSince(_ context.Context, entityType syncdomain.EntityType, since time.Time) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var ids []string
	for id, snap := range c.entities[entityType] {
		if snap.ObservedAt.After(since) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (c *MemoryConnector) put(snap *syncdomain.Snapshot) {
	byID, ok := c.entities[snap.EntityType]
	if !ok {
		byID = make(map[string]*syncdomain.Snapshot)
		c.entities[snap.EntityType] = byID
	}
	byID[snap.EntityID] = snap
}

func copyFields(fields map[string]any) map[string]any {
	copied := make(map[string]any, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	return copied
}

var _ syncdomain.SystemAdapter = (*MemoryConnector)(nil)
