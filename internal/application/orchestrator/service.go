// Package orchestrator drives sync operations through their lifecycle: it
// validates submissions, fans them out across target systems, processes each
// queue with conflict resolution behind circuit breakers, and runs the
// scheduled health, incremental, resync and cleanup loops.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/syncbridge/backend/internal/application/alerting"
	"github.com/syncbridge/backend/internal/domain/conflict"
	syncdomain "github.com/syncbridge/backend/internal/domain/sync"
	"github.com/syncbridge/backend/internal/infrastructure/broker"
	"github.com/syncbridge/backend/internal/infrastructure/lock"
	"github.com/syncbridge/backend/internal/infrastructure/resilience"
	"github.com/syncbridge/backend/internal/infrastructure/telemetry"
)

// Submission errors are synchronous: the caller gets them before anything is
// queued.
var (
	ErrUnknownEntityType = errors.New("unknown entity type")
	ErrUnknownOperation  = errors.New("unknown operation type")
	ErrUnknownSystem     = errors.New("system is not registered")
	ErrSameSourceTarget  = errors.New("source and target are the same system")
	ErrConflictNotFound  = errors.New("no conflicted operation with that id")
	ErrStatusNotFound    = errors.New("no operations recorded for that correlation id")
)

// SubmitRequest is a validated request to propagate one entity change.
// Target may name a registered system or "all".
type SubmitRequest struct {
	EntityType string         `json:"entity_type" validate:"required"`
	Operation  string         `json:"operation" validate:"required"`
	Source     string         `json:"source" validate:"required"`
	Target     string         `json:"target" validate:"required"`
	EntityID   string         `json:"entity_id" validate:"required"`
	Payload    map[string]any `json:"payload"`
}

// Config tunes the orchestrator's scheduled loops.
type Config struct {
	HealthCheckInterval time.Duration
	IncrementalInterval time.Duration
	FullResyncHour      int
	CleanupInterval     time.Duration
	HistoryRetention    time.Duration
	LockTTL             time.Duration
	// LowStockThreshold triggers an inventory_low_stock event whenever an
	// applied snapshot leaves qty_on_hand at or below it. Zero disables
	// the check.
	LowStockThreshold float64
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		HealthCheckInterval: 30 * time.Second,
		IncrementalInterval: time.Hour,
		FullResyncHour:      3,
		CleanupInterval:     24 * time.Hour,
		HistoryRetention:    30 * 24 * time.Hour,
		LockTTL:             10 * time.Minute,
		LowStockThreshold:   10,
	}
}

// EventPublisher is the slice of the event stream the orchestrator needs.
type EventPublisher interface {
	Publish(ctx context.Context, event syncdomain.Event) error
}

// Orchestrator coordinates the broker, the per-system adapters and the
// conflict resolver.
type Orchestrator struct {
	config     Config
	broker     *broker.Broker
	adapters   map[string]syncdomain.SystemAdapter
	breakers   map[string]*resilience.CircuitBreaker
	resolver   *conflict.Resolver
	history    syncdomain.HistoryRepository
	conflicts  ConflictStore
	watermarks WatermarkStore
	locker     lock.Locker
	stream     EventPublisher
	evaluator  *alerting.Evaluator
	metrics    *telemetry.SyncMetrics
	validate   *validator.Validate
	logger     *zap.Logger
	now        func() time.Time
	instanceID string

	breakerConfig resilience.CircuitBreakerConfig

	mu         sync.Mutex
	running    bool
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	lastResync map[syncdomain.EntityType]string
}

// Option is a functional option for configuring the orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithHistory sets the audit-trail repository.
func WithHistory(history syncdomain.HistoryRepository) Option {
	return func(o *Orchestrator) { o.history = history }
}

// WithConflictStore overrides the conflicted-operation store.
func WithConflictStore(store ConflictStore) Option {
	return func(o *Orchestrator) { o.conflicts = store }
}

// WithWatermarkStore overrides the incremental-sync cursor store.
func WithWatermarkStore(store WatermarkStore) Option {
	return func(o *Orchestrator) { o.watermarks = store }
}

// WithLocker sets the advisory lock guarding full resyncs.
func WithLocker(locker lock.Locker) Option {
	return func(o *Orchestrator) { o.locker = locker }
}

// WithEventPublisher sets the stream system-level events are published on.
func WithEventPublisher(stream EventPublisher) Option {
	return func(o *Orchestrator) { o.stream = stream }
}

// WithEvaluator feeds health and queue observations into alerting.
func WithEvaluator(evaluator *alerting.Evaluator) Option {
	return func(o *Orchestrator) { o.evaluator = evaluator }
}

// WithMetrics enables telemetry recording.
func WithMetrics(metrics *telemetry.SyncMetrics) Option {
	return func(o *Orchestrator) { o.metrics = metrics }
}

// WithBreakerConfig overrides the per-system circuit breaker tuning. Must be
// applied at construction; breakers are created per registered adapter.
func WithBreakerConfig(cfg resilience.CircuitBreakerConfig) Option {
	return func(o *Orchestrator) { o.breakerConfig = cfg }
}

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an orchestrator over the broker and the registered adapters.
func New(config Config, b *broker.Broker, resolver *conflict.Resolver, adapters []syncdomain.SystemAdapter, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		config:        config,
		broker:        b,
		adapters:      make(map[string]syncdomain.SystemAdapter, len(adapters)),
		breakers:      make(map[string]*resilience.CircuitBreaker, len(adapters)),
		resolver:      resolver,
		conflicts:     NewMemoryConflictStore(),
		watermarks:    NewMemoryWatermarkStore(),
		locker:        lock.NewMemoryLocker(),
		validate:      validator.New(),
		logger:        zap.NewNop(),
		now:           time.Now,
		instanceID:    uuid.NewString(),
		breakerConfig: resilience.DefaultCircuitBreakerConfig(),
		lastResync:    make(map[syncdomain.EntityType]string),
	}

	for _, adapter := range adapters {
		o.adapters[adapter.Name()] = adapter
	}
	for _, opt := range opts {
		opt(o)
	}
	for name := range o.adapters {
		o.breakers[name] = resilience.NewCircuitBreaker(name, o.breakerConfig,
			resilience.WithBreakerLogger(o.logger.Named("breaker")))
	}
	return o
}

// RegisterProcessors subscribes the orchestrator's handler for every entity
// type. Must be called before the broker starts.
func (o *Orchestrator) RegisterProcessors() error {
	subscribed := make(map[broker.QueueName]bool)
	for _, entityType := range syncdomain.AllEntityTypes() {
		queue := broker.QueueForEntity(entityType)
		if subscribed[queue] {
			continue
		}
		if err := o.broker.Subscribe(queue, o.handleOperation); err != nil {
			return fmt.Errorf("subscribe %s: %w", queue, err)
		}
		subscribed[queue] = true
	}
	return nil
}

// Submit validates the request, expands "all" targets and enqueues one
// operation per target system under a shared correlation id.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (uuid.UUID, error) {
	if err := o.validate.Struct(req); err != nil {
		return uuid.Nil, syncdomain.NewClassifiedError(syncdomain.ErrorClassValidation, err)
	}

	entityType := syncdomain.EntityType(req.EntityType)
	if !entityType.IsValid() {
		return uuid.Nil, fmt.Errorf("%w: %q", ErrUnknownEntityType, req.EntityType)
	}
	operation := syncdomain.OperationType(req.Operation)
	if !operation.IsValid() {
		return uuid.Nil, fmt.Errorf("%w: %q", ErrUnknownOperation, req.Operation)
	}
	if _, ok := o.adapters[req.Source]; !ok {
		return uuid.Nil, fmt.Errorf("%w: source %q", ErrUnknownSystem, req.Source)
	}

	targets, err := o.expandTargets(req.Source, req.Target)
	if err != nil {
		return uuid.Nil, err
	}

	correlationID := uuid.New()
	for _, target := range targets {
		op := syncdomain.NewSyncOperation(entityType, operation,
			req.Source, target, req.EntityID, req.Payload, correlationID, 0)
		if _, err := o.broker.Enqueue(ctx, op); err != nil {
			return uuid.Nil, fmt.Errorf("enqueue for %s: %w", target, err)
		}
		o.appendHistory(ctx, op)
	}

	o.logger.Info("sync submitted",
		zap.String("correlation_id", correlationID.String()),
		zap.String("entity_type", req.EntityType),
		zap.String("operation", req.Operation),
		zap.String("source", req.Source),
		zap.Int("targets", len(targets)),
	)
	return correlationID, nil
}

// expandTargets resolves "all" to every registered system except the source.
func (o *Orchestrator) expandTargets(source, target string) ([]string, error) {
	if target == syncdomain.TargetAll {
		targets := make([]string, 0, len(o.adapters)-1)
		for name := range o.adapters {
			if name != source {
				targets = append(targets, name)
			}
		}
		if len(targets) == 0 {
			return nil, fmt.Errorf("%w: no targets besides source %q", ErrUnknownSystem, source)
		}
		sort.Strings(targets)
		return targets, nil
	}
	if target == source {
		return nil, ErrSameSourceTarget
	}
	if _, ok := o.adapters[target]; !ok {
		return nil, fmt.Errorf("%w: target %q", ErrUnknownSystem, target)
	}
	return []string{target}, nil
}

// GetStatus returns the aggregated status for a correlation group. When the
// short-lived status cache has expired the audit trail is consulted instead.
func (o *Orchestrator) GetStatus(ctx context.Context, correlationID uuid.UUID) (*broker.CorrelationStatus, error) {
	status, err := o.broker.Status(ctx, correlationID)
	if err != nil {
		return nil, err
	}
	if status != nil {
		return status, nil
	}
	if o.history == nil {
		return nil, ErrStatusNotFound
	}

	entries, err := o.history.ListByCorrelation(ctx, correlationID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrStatusNotFound
	}
	return statusFromHistory(correlationID, entries), nil
}

// RetryOperation manually re-queues a dead-lettered operation with a fresh
// retry budget.
func (o *Orchestrator) RetryOperation(ctx context.Context, operationID uuid.UUID) error {
	return o.broker.RetryOperation(ctx, operationID)
}

// ListConflicts returns operations waiting for manual resolution.
func (o *Orchestrator) ListConflicts(ctx context.Context, limit int) ([]*syncdomain.SyncOperation, error) {
	return o.conflicts.List(ctx, limit)
}

// ResolveConflict applies operator-chosen field values to a parked conflicted
// operation and re-queues it with a reset retry budget.
func (o *Orchestrator) ResolveConflict(ctx context.Context, operationID uuid.UUID, resolutions map[string]any) error {
	op, err := o.conflicts.Take(ctx, operationID)
	if err != nil {
		return err
	}
	if op == nil {
		return ErrConflictNotFound
	}

	if op.Payload == nil {
		op.Payload = make(map[string]any, len(resolutions))
	}
	for field, value := range resolutions {
		op.Payload[field] = value
	}
	op.ManuallyResolved = true
	if err := op.ResetForRetry(); err != nil {
		return fmt.Errorf("reset conflicted operation: %w", err)
	}

	if _, err := o.broker.Enqueue(ctx, op); err != nil {
		// Put the operation back so the resolution can be retried.
		if putErr := o.conflicts.Put(ctx, op); putErr != nil {
			o.logger.Error("failed to re-park conflicted operation",
				zap.String("operation_id", operationID.String()),
				zap.Error(putErr),
			)
		}
		return err
	}
	o.appendHistory(ctx, op)

	o.logger.Info("conflict manually resolved",
		zap.String("operation_id", operationID.String()),
		zap.Int("fields", len(resolutions)),
	)
	return nil
}

// handleOperation processes one operation against its target system.
func (o *Orchestrator) handleOperation(ctx context.Context, op *syncdomain.SyncOperation) error {
	start := o.now()

	adapter, ok := o.adapters[op.Target]
	if !ok {
		err := syncdomain.NewClassifiedError(syncdomain.ErrorClassValidation,
			fmt.Errorf("%w: target %q", ErrUnknownSystem, op.Target))
		o.finishAttempt(ctx, op, start, err)
		return err
	}

	var err error
	switch {
	case op.ManuallyResolved:
		// Operator-chosen values are authoritative; applying them must not
		// re-open the conflict.
		err = o.applyDirect(ctx, adapter, op)
	case op.Operation == syncdomain.OpUpdate || op.Operation == syncdomain.OpBulkSync:
		err = o.applyWithResolution(ctx, adapter, op)
	default:
		err = o.applyDirect(ctx, adapter, op)
	}

	o.finishAttempt(ctx, op, start, err)
	return err
}

// applyDirect pushes the submitted payload straight to the target. Creates
// and deletes carry no divergence to reconcile.
func (o *Orchestrator) applyDirect(ctx context.Context, adapter syncdomain.SystemAdapter, op *syncdomain.SyncOperation) error {
	fields := op.Payload
	if op.Operation == syncdomain.OpDelete {
		fields = map[string]any{"deleted": true}
	}
	snapshot := &syncdomain.Snapshot{
		System:     op.Source,
		EntityType: op.EntityType,
		EntityID:   op.EntityID,
		Fields:     fields,
		ObservedAt: o.now(),
	}
	err := o.execute(ctx, op.Target, func(ctx context.Context) error {
		return adapter.Apply(ctx, snapshot)
	})
	if err == nil && op.Operation != syncdomain.OpDelete {
		o.notifyLowStock(ctx, op, snapshot.Fields)
	}
	return err
}

// applyWithResolution fetches both sides, reconciles divergence through the
// resolver and applies the winning values. Unresolvable conflicts park the
// operation for manual action.
func (o *Orchestrator) applyWithResolution(ctx context.Context, adapter syncdomain.SystemAdapter, op *syncdomain.SyncOperation) error {
	source, err := o.fetchSource(ctx, op)
	if err != nil {
		return err
	}

	var target *syncdomain.Snapshot
	err = o.execute(ctx, op.Target, func(ctx context.Context) error {
		var fetchErr error
		target, fetchErr = adapter.Fetch(ctx, op.EntityType, op.EntityID)
		return fetchErr
	})
	if err != nil {
		return err
	}

	if target == nil {
		// Entity absent in the target: nothing to reconcile.
		err := o.execute(ctx, op.Target, func(ctx context.Context) error {
			return adapter.Apply(ctx, source)
		})
		if err == nil {
			o.notifyLowStock(ctx, op, source.Fields)
		}
		return err
	}

	resolution := o.resolver.Resolve(source, []*syncdomain.Snapshot{target})
	if resolution.HasConflicts {
		o.recordConflict(ctx, op.EntityType, resolution.Resolved)
		o.logger.Info("divergence detected",
			zap.String("operation_id", op.ID.String()),
			zap.String("entity_type", string(op.EntityType)),
			zap.String("entity_id", op.EntityID),
			zap.Int("fields", len(resolution.Conflicts)),
			zap.Bool("auto_resolved", resolution.Resolved),
		)
	}

	if !resolution.Resolved {
		if err := op.MarkConflicted(conflictFields(resolution.Conflicts)); err != nil {
			return fmt.Errorf("mark conflicted: %w", err)
		}
		if err := o.conflicts.Put(ctx, op); err != nil {
			o.logger.Error("failed to park conflicted operation",
				zap.String("operation_id", op.ID.String()),
				zap.Error(err),
			)
		}
		return nil
	}

	resolved := &syncdomain.Snapshot{
		System:     op.Source,
		EntityType: op.EntityType,
		EntityID:   op.EntityID,
		Fields:     resolution.ResolvedData,
		ObservedAt: o.now(),
	}
	err = o.execute(ctx, op.Target, func(ctx context.Context) error {
		return adapter.Apply(ctx, resolved)
	})
	if err == nil {
		o.notifyLowStock(ctx, op, resolved.Fields)
	}
	return err
}

// lowStockField is the inventory on-hand quantity checked against the
// configured threshold after every applied snapshot.
const lowStockField = "qty_on_hand"

// notifyLowStock publishes an inventory_low_stock event when an applied
// inventory snapshot leaves on-hand stock at or below the threshold.
func (o *Orchestrator) notifyLowStock(ctx context.Context, op *syncdomain.SyncOperation, fields map[string]any) {
	if o.stream == nil || op.EntityType != syncdomain.EntityInventory || o.config.LowStockThreshold <= 0 {
		return
	}
	qty, ok := asQuantity(fields[lowStockField])
	if !ok || qty > o.config.LowStockThreshold {
		return
	}

	ev := syncdomain.NewOperationEvent(syncdomain.EventInventoryLowStock, op)
	ev.Data = map[string]any{
		"entity_id":   op.EntityID,
		"qty_on_hand": qty,
		"threshold":   o.config.LowStockThreshold,
	}
	if err := o.stream.Publish(ctx, ev); err != nil {
		o.logger.Warn("failed to publish low-stock event",
			zap.String("entity_id", op.EntityID),
			zap.Error(err),
		)
		return
	}
	o.logger.Info("low stock detected",
		zap.String("entity_id", op.EntityID),
		zap.String("target", op.Target),
		zap.Float64("qty_on_hand", qty),
		zap.Float64("threshold", o.config.LowStockThreshold),
	)
}

// asQuantity widens the numeric types a payload or snapshot may carry.
func asQuantity(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// fetchSource builds the source snapshot: the live source state when the
// source system is reachable, overlaid with the submitted payload, or the
// payload alone otherwise.
func (o *Orchestrator) fetchSource(ctx context.Context, op *syncdomain.SyncOperation) (*syncdomain.Snapshot, error) {
	sourceAdapter, ok := o.adapters[op.Source]
	if ok {
		var snapshot *syncdomain.Snapshot
		err := o.execute(ctx, op.Source, func(ctx context.Context) error {
			var fetchErr error
			snapshot, fetchErr = sourceAdapter.Fetch(ctx, op.EntityType, op.EntityID)
			return fetchErr
		})
		if err != nil {
			return nil, err
		}
		if snapshot != nil {
			if snapshot.Fields == nil {
				snapshot.Fields = make(map[string]any, len(op.Payload))
			}
			// The submitted payload is the change being propagated; it wins
			// over whatever the source held when fetched.
			for field, value := range op.Payload {
				snapshot.Fields[field] = value
			}
			return snapshot, nil
		}
	}

	return &syncdomain.Snapshot{
		System:     op.Source,
		EntityType: op.EntityType,
		EntityID:   op.EntityID,
		Fields:     op.Payload,
		ObservedAt: o.now(),
	}, nil
}

// execute runs fn under the named system's circuit breaker. A rejected call
// is surfaced as transient so it retries once the circuit recovers.
func (o *Orchestrator) execute(ctx context.Context, system string, fn func(ctx context.Context) error) error {
	cb, ok := o.breakers[system]
	if !ok {
		return fn(ctx)
	}
	err := cb.Execute(ctx, fn)
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return syncdomain.NewClassifiedError(syncdomain.ErrorClassTransient, err)
	}
	return err
}

// Breaker exposes the named system's circuit breaker for admin surfaces.
func (o *Orchestrator) Breaker(system string) (*resilience.CircuitBreaker, bool) {
	cb, ok := o.breakers[system]
	return cb, ok
}

// finishAttempt records telemetry and the audit trail for one handler attempt.
func (o *Orchestrator) finishAttempt(ctx context.Context, op *syncdomain.SyncOperation, start time.Time, err error) {
	duration := o.now().Sub(start)

	switch {
	case err == nil && op.Status == syncdomain.StatusConflicted:
		o.recordOperation(ctx, op.EntityType, string(syncdomain.StatusConflicted), duration)
	case err == nil:
		o.recordOperation(ctx, op.EntityType, string(syncdomain.StatusCompleted), duration)
	default:
		class := syncdomain.Classify(err)
		if class.Retryable() && op.RetryCount+1 < op.MaxRetries {
			o.recordRetry(ctx, op.EntityType, class)
		} else {
			o.recordOperation(ctx, op.EntityType, string(syncdomain.StatusFailed), duration)
		}
	}

	o.appendHistory(ctx, op)
}

func (o *Orchestrator) appendHistory(ctx context.Context, op *syncdomain.SyncOperation) {
	if o.history == nil {
		return
	}
	if err := o.history.Append(ctx, op); err != nil {
		o.logger.Warn("failed to append history entry",
			zap.String("operation_id", op.ID.String()),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) recordOperation(ctx context.Context, entityType syncdomain.EntityType, status string, duration time.Duration) {
	if o.metrics == nil {
		return
	}
	o.metrics.RecordOperation(ctx, string(entityType), status, duration)
}

func (o *Orchestrator) recordRetry(ctx context.Context, entityType syncdomain.EntityType, class syncdomain.ErrorClass) {
	if o.metrics == nil {
		return
	}
	o.metrics.RecordRetry(ctx, string(entityType), string(class))
}

func (o *Orchestrator) recordConflict(ctx context.Context, entityType syncdomain.EntityType, resolved bool) {
	if o.metrics == nil {
		return
	}
	o.metrics.RecordConflict(ctx, string(entityType), resolved)
}

// conflictFields converts resolver details to the domain shape stored on the
// operation.
func conflictFields(details []conflict.Detail) []syncdomain.ConflictField {
	fields := make([]syncdomain.ConflictField, len(details))
	for i, d := range details {
		fields[i] = syncdomain.ConflictField{
			Field:        d.Field,
			SourceValue:  d.SourceValue,
			TargetValues: d.TargetValues,
			Resolution:   string(d.Resolution),
			Reason:       d.Reason,
		}
	}
	return fields
}

// statusFromHistory rebuilds a correlation view from the audit trail, keeping
// the latest entry per operation.
func statusFromHistory(correlationID uuid.UUID, entries []syncdomain.HistoryEntry) *broker.CorrelationStatus {
	latest := make(map[uuid.UUID]syncdomain.HistoryEntry)
	for _, entry := range entries {
		current, ok := latest[entry.OperationID]
		if !ok || entry.RecordedAt.After(current.RecordedAt) {
			latest[entry.OperationID] = entry
		}
	}

	ops := make([]broker.OperationStatus, 0, len(latest))
	for _, entry := range latest {
		ops = append(ops, broker.OperationStatus{
			OperationID: entry.OperationID,
			EntityType:  entry.EntityType,
			Target:      entry.Target,
			Status:      entry.Status,
			RetryCount:  entry.RetryCount,
			LastError:   entry.LastError,
			UpdatedAt:   entry.RecordedAt,
		})
	}
	sort.Slice(ops, func(i, j int) bool {
		return ops[i].OperationID.String() < ops[j].OperationID.String()
	})

	return &broker.CorrelationStatus{
		CorrelationID: correlationID,
		Aggregate:     broker.AggregateOf(ops),
		Operations:    ops,
	}
}
