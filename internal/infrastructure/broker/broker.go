package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	syncdomain "github.com/syncbridge/backend/internal/domain/sync"
	"github.com/syncbridge/backend/internal/infrastructure/resilience"
)

const (
	defaultPollInterval = 250 * time.Millisecond
	defaultStopTimeout  = 10 * time.Second
)

// Handler processes one sync operation. Returning nil acknowledges the job;
// a retryable error re-queues it with backoff and anything else dead-letters
// it immediately.
type Handler func(ctx context.Context, op *syncdomain.SyncOperation) error

// DeadLetterHook observes every dead-lettered job, for archival or alerting.
type DeadLetterHook func(ctx context.Context, entry *DeadLetterEntry)

// Broker routes sync operations to per-entity priority queues, runs bounded
// worker pools against them, retries transient failures with backoff and
// dead-letters everything else. It owns the operation lifecycle transitions
// and publishes an event for each one.
type Broker struct {
	store   QueueStore
	status  StatusStore
	stream  EventStream
	configs map[QueueName]QueueConfig
	policy  resilience.RetryPolicy
	logger  *zap.Logger

	pollInterval time.Duration
	stopTimeout  time.Duration
	hooks        []DeadLetterHook

	mu       sync.RWMutex
	handlers map[QueueName]Handler

	running  bool
	cancelFn context.CancelFunc
	wg       sync.WaitGroup
}

// Option is a functional option for configuring the broker.
type Option func(*Broker)

// WithBrokerLogger sets the logger.
func WithBrokerLogger(logger *zap.Logger) Option {
	return func(b *Broker) {
		b.logger = logger
	}
}

// WithQueueConfigs overrides the per-queue worker and retry tuning.
func WithQueueConfigs(configs map[QueueName]QueueConfig) Option {
	return func(b *Broker) {
		b.configs = configs
	}
}

// WithRetryPolicy overrides the backoff policy.
func WithRetryPolicy(policy resilience.RetryPolicy) Option {
	return func(b *Broker) {
		b.policy = policy
	}
}

// WithPollInterval sets the idle worker poll interval.
func WithPollInterval(interval time.Duration) Option {
	return func(b *Broker) {
		b.pollInterval = interval
	}
}

// WithDeadLetterHook registers a hook invoked for every dead-lettered job.
func WithDeadLetterHook(hook DeadLetterHook) Option {
	return func(b *Broker) {
		b.hooks = append(b.hooks, hook)
	}
}

// NewBroker wires the broker over its queue, status and event stores.
func NewBroker(store QueueStore, status StatusStore, stream EventStream, opts ...Option) *Broker {
	b := &Broker{
		store:        store,
		status:       status,
		stream:       stream,
		configs:      DefaultQueueConfigs(),
		policy:       resilience.DefaultRetryPolicy(),
		logger:       zap.NewNop(),
		pollInterval: defaultPollInterval,
		stopTimeout:  defaultStopTimeout,
		handlers:     make(map[QueueName]Handler),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SubscribeProcessor registers the handler serving the entity type's queue.
// Registering two entity types that share a queue with different handlers is
// a programming error and returns one.
func (b *Broker) SubscribeProcessor(entityType syncdomain.EntityType, handler Handler) error {
	if !entityType.IsValid() {
		return fmt.Errorf("unknown entity type %q", entityType)
	}
	return b.Subscribe(QueueForEntity(entityType), handler)
}

// Subscribe registers the handler for a queue directly. Must be called
// before Start.
func (b *Broker) Subscribe(queue QueueName, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return fmt.Errorf("cannot subscribe while broker is running")
	}
	if existing, ok := b.handlers[queue]; ok && existing != nil {
		return fmt.Errorf("queue %q already has a handler", queue)
	}
	b.handlers[queue] = handler
	return nil
}

// Enqueue accepts a pending operation, assigns it a job id and places it on
// its entity queue. The queue's configured enqueue delay and attempt budget
// apply.
func (b *Broker) Enqueue(ctx context.Context, op *syncdomain.SyncOperation) (uuid.UUID, error) {
	if op.Status != syncdomain.StatusPending {
		return uuid.Nil, syncdomain.ErrInvalidTransition
	}

	queue := QueueForEntity(op.EntityType)
	cfg := b.config(queue)
	if op.MaxRetries <= 0 {
		op.MaxRetries = cfg.MaxAttempts
	}

	msg := &QueueMessage{
		JobID:     uuid.New(),
		Operation: op,
	}
	if err := b.store.Enqueue(ctx, queue, msg, cfg.EnqueueDelay); err != nil {
		return uuid.Nil, fmt.Errorf("enqueue operation: %w", err)
	}

	b.recordStatus(ctx, op)
	b.publish(ctx, syncdomain.NewOperationEvent(syncdomain.EventOperationQueued, op))

	b.logger.Debug("operation enqueued",
		zap.String("job_id", msg.JobID.String()),
		zap.String("queue", string(queue)),
		zap.String("entity_type", string(op.EntityType)),
		zap.String("priority", string(op.Priority)),
	)
	return msg.JobID, nil
}

// Start launches the worker pools. Each subscribed queue gets its configured
// worker count; the retry-failed queue always runs its re-routing worker.
func (b *Broker) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return fmt.Errorf("broker already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.cancelFn = cancel
	b.running = true

	for queue, handler := range b.handlers {
		cfg := b.config(queue)
		for i := 0; i < cfg.Workers; i++ {
			b.wg.Add(1)
			go b.worker(runCtx, queue, handler)
		}
		b.logger.Info("queue workers started",
			zap.String("queue", string(queue)),
			zap.Int("workers", cfg.Workers),
		)
	}

	if _, ok := b.handlers[QueueRetryFailed]; !ok {
		cfg := b.config(QueueRetryFailed)
		for i := 0; i < cfg.Workers; i++ {
			b.wg.Add(1)
			go b.rerouteWorker(runCtx)
		}
	}

	return nil
}

// Stop cancels the workers and waits for in-flight jobs to finish, up to the
// stop timeout or ctx deadline.
func (b *Broker) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	cancel := b.cancelFn
	b.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.logger.Info("broker stopped")
		return nil
	case <-time.After(b.stopTimeout):
		return fmt.Errorf("timeout waiting for broker workers to stop")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// worker polls one queue and processes messages until the context ends.
func (b *Broker) worker(ctx context.Context, queue QueueName, handler Handler) {
	defer b.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, err := b.store.Dequeue(ctx, queue)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Error("dequeue failed",
				zap.String("queue", string(queue)),
				zap.Error(err),
			)
			b.sleep(ctx, b.pollInterval)
			continue
		}
		if msg == nil {
			b.sleep(ctx, b.pollInterval)
			continue
		}

		b.process(ctx, queue, msg, handler)
	}
}

// process drives one job through the operation lifecycle.
func (b *Broker) process(ctx context.Context, queue QueueName, msg *QueueMessage, handler Handler) {
	op := msg.Operation

	if err := op.MarkProcessing(); err != nil {
		b.logger.Error("dropping job in unexpected state",
			zap.String("job_id", msg.JobID.String()),
			zap.String("status", string(op.Status)),
			zap.Error(err),
		)
		_ = b.store.Ack(ctx, queue, msg.JobID, false)
		return
	}
	b.recordStatus(ctx, op)
	b.publish(ctx, syncdomain.NewOperationEvent(syncdomain.EventOperationStarted, op))

	err := handler(ctx, op)
	if err == nil {
		if op.Status == syncdomain.StatusConflicted {
			// Handler surfaced an unresolvable conflict without failing.
			b.settleConflicted(ctx, queue, msg)
			return
		}
		if markErr := op.MarkCompleted(); markErr != nil {
			b.logger.Error("failed to complete operation",
				zap.String("job_id", msg.JobID.String()),
				zap.Error(markErr),
			)
		}
		if ackErr := b.store.Ack(ctx, queue, msg.JobID, true); ackErr != nil {
			b.logger.Error("ack failed",
				zap.String("queue", string(queue)),
				zap.String("job_id", msg.JobID.String()),
				zap.Error(ackErr),
			)
		}
		b.recordStatus(ctx, op)
		b.publish(ctx, syncdomain.NewOperationEvent(syncdomain.EventOperationCompleted, op))
		if entityEvent, ok := syncdomain.EntityEventType(op.EntityType, op.Operation); ok {
			b.publish(ctx, syncdomain.NewOperationEvent(entityEvent, op))
		}
		return
	}

	class := syncdomain.Classify(err)
	if !class.Retryable() {
		op.RetryCount++
		b.deadLetter(ctx, queue, msg, err.Error())
		return
	}

	switch requeueErr := op.Requeue(err.Error()); {
	case errors.Is(requeueErr, syncdomain.ErrRetriesExhausted):
		b.deadLetter(ctx, queue, msg, err.Error())
	case requeueErr != nil:
		b.logger.Error("requeue transition failed",
			zap.String("job_id", msg.JobID.String()),
			zap.Error(requeueErr),
		)
		b.deadLetter(ctx, queue, msg, err.Error())
	default:
		delay := b.policy.NextDelay(class, op.RetryCount, retryAfterHint(err))
		if storeErr := b.store.Requeue(ctx, queue, msg, delay); storeErr != nil {
			b.logger.Error("failed to requeue job",
				zap.String("queue", string(queue)),
				zap.String("job_id", msg.JobID.String()),
				zap.Error(storeErr),
			)
			b.deadLetter(ctx, queue, msg, err.Error())
			return
		}
		b.recordStatus(ctx, op)
		b.logger.Warn("operation retry scheduled",
			zap.String("job_id", msg.JobID.String()),
			zap.String("queue", string(queue)),
			zap.Int("attempt", op.RetryCount),
			zap.Duration("delay", delay),
			zap.String("error_class", string(class)),
			zap.String("error", err.Error()),
		)
	}
}

// settleConflicted acknowledges a job whose handler parked the operation in
// the conflicted state for manual resolution.
func (b *Broker) settleConflicted(ctx context.Context, queue QueueName, msg *QueueMessage) {
	if err := b.store.Ack(ctx, queue, msg.JobID, false); err != nil {
		b.logger.Error("ack failed for conflicted job",
			zap.String("job_id", msg.JobID.String()),
			zap.Error(err),
		)
	}
	b.recordStatus(ctx, msg.Operation)
	b.publish(ctx, syncdomain.NewOperationEvent(syncdomain.EventOperationConflicted, msg.Operation))
}

// deadLetter moves an exhausted or permanently failed job to the dead-letter
// queue, preserving the full payload, and notifies the hooks.
func (b *Broker) deadLetter(ctx context.Context, queue QueueName, msg *QueueMessage, errMsg string) {
	op := msg.Operation
	if op.Status == syncdomain.StatusProcessing {
		if err := op.MarkFailed(errMsg); err != nil {
			b.logger.Error("failed transition to failed state",
				zap.String("job_id", msg.JobID.String()),
				zap.Error(err),
			)
		}
	}

	entry := &DeadLetterEntry{
		JobID:     msg.JobID,
		Queue:     queue,
		Operation: op,
		LastError: errMsg,
		Attempts:  op.RetryCount,
		FailedAt:  time.Now(),
	}

	if err := b.store.MoveToDead(ctx, entry); err != nil {
		b.logger.Error("failed to move job to dead-letter queue",
			zap.String("job_id", msg.JobID.String()),
			zap.Error(err),
		)
	}
	if err := b.store.Ack(ctx, queue, msg.JobID, false); err != nil {
		b.logger.Error("ack failed for dead-lettered job",
			zap.String("job_id", msg.JobID.String()),
			zap.Error(err),
		)
	}

	b.recordStatus(ctx, op)
	b.publish(ctx, syncdomain.NewOperationEvent(syncdomain.EventOperationFailed, op))
	b.publish(ctx, syncdomain.NewOperationEvent(syncdomain.EventOperationDeadLetter, op))

	b.logger.Error("operation dead-lettered",
		zap.String("job_id", msg.JobID.String()),
		zap.String("queue", string(queue)),
		zap.String("entity_type", string(op.EntityType)),
		zap.Int("attempts", entry.Attempts),
		zap.String("error", errMsg),
	)

	for _, hook := range b.hooks {
		hook(ctx, entry)
	}
}

// rerouteWorker drains the retry-failed queue, returning each operation to
// its entity queue with a fresh attempt budget.
func (b *Broker) rerouteWorker(ctx context.Context) {
	defer b.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, err := b.store.Dequeue(ctx, QueueRetryFailed)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Error("dequeue failed", zap.String("queue", string(QueueRetryFailed)), zap.Error(err))
			b.sleep(ctx, b.pollInterval)
			continue
		}
		if msg == nil {
			b.sleep(ctx, b.pollInterval)
			continue
		}

		if _, err := b.Enqueue(ctx, msg.Operation); err != nil {
			b.logger.Error("failed to re-route retried operation",
				zap.String("job_id", msg.JobID.String()),
				zap.Error(err),
			)
			_ = b.store.Ack(ctx, QueueRetryFailed, msg.JobID, false)
			continue
		}
		_ = b.store.Ack(ctx, QueueRetryFailed, msg.JobID, true)
	}
}

// RetryFailed takes up to limit dead-letter entries for the queue (empty
// queue name matches all) and schedules them for re-processing through the
// retry-failed queue. Returns the number of entries scheduled.
func (b *Broker) RetryFailed(ctx context.Context, queue QueueName, limit int) (int, error) {
	entries, err := b.store.TakeDeadLetters(ctx, queue, limit)
	if err != nil {
		return 0, fmt.Errorf("take dead letters: %w", err)
	}

	scheduled := 0
	for _, entry := range entries {
		op := entry.Operation
		if op.IsTerminal() {
			if err := op.ResetForRetry(); err != nil {
				b.logger.Error("cannot reset dead-lettered operation",
					zap.String("job_id", entry.JobID.String()),
					zap.String("status", string(op.Status)),
					zap.Error(err),
				)
				continue
			}
		}
		msg := &QueueMessage{JobID: uuid.New(), Operation: op}
		if err := b.store.Enqueue(ctx, QueueRetryFailed, msg, 0); err != nil {
			return scheduled, fmt.Errorf("schedule retry: %w", err)
		}
		b.recordStatus(ctx, op)
		scheduled++
	}

	if scheduled > 0 {
		b.logger.Info("dead-lettered operations scheduled for retry",
			zap.String("queue", string(queue)),
			zap.Int("count", scheduled),
		)
	}
	return scheduled, nil
}

// ErrOperationNotFound is returned when a manual retry targets an operation
// the dead-letter store does not hold.
var ErrOperationNotFound = errors.New("operation not found in dead-letter queue")

// RetryOperation pulls one dead-lettered operation by id, resets its retry
// budget and re-queues it on its entity queue.
func (b *Broker) RetryOperation(ctx context.Context, operationID uuid.UUID) error {
	entry, err := b.store.TakeDeadLetterByOperation(ctx, operationID)
	if err != nil {
		return fmt.Errorf("take dead letter: %w", err)
	}
	if entry == nil {
		return ErrOperationNotFound
	}

	op := entry.Operation
	if op.IsTerminal() {
		if err := op.ResetForRetry(); err != nil {
			return fmt.Errorf("reset operation: %w", err)
		}
	}
	if _, err := b.Enqueue(ctx, op); err != nil {
		return err
	}
	b.logger.Info("dead-lettered operation manually retried",
		zap.String("operation_id", operationID.String()),
		zap.String("entity_type", string(op.EntityType)),
	)
	return nil
}

// DeadLetters lists dead-letter entries without removing them.
func (b *Broker) DeadLetters(ctx context.Context, queue QueueName, limit int) ([]*DeadLetterEntry, error) {
	return b.store.DeadLetters(ctx, queue, limit)
}

// Pause stops dequeues for the queue; in-flight jobs finish normally.
func (b *Broker) Pause(ctx context.Context, queue QueueName) error {
	if err := b.store.Pause(ctx, queue); err != nil {
		return err
	}
	b.logger.Info("queue paused", zap.String("queue", string(queue)))
	return nil
}

// Resume re-enables dequeues for the queue.
func (b *Broker) Resume(ctx context.Context, queue QueueName) error {
	if err := b.store.Resume(ctx, queue); err != nil {
		return err
	}
	b.logger.Info("queue resumed", zap.String("queue", string(queue)))
	return nil
}

// Clear drops every waiting and delayed job on the queue. In-flight jobs
// finish normally and the dead-letter store is untouched.
func (b *Broker) Clear(ctx context.Context, queue QueueName) error {
	if err := b.store.Clear(ctx, queue); err != nil {
		return err
	}
	b.logger.Warn("queue cleared", zap.String("queue", string(queue)))
	return nil
}

// GetQueueStats returns current stats for every work queue plus the
// dead-letter depth.
func (b *Broker) GetQueueStats(ctx context.Context) (map[QueueName]QueueStats, error) {
	stats := make(map[QueueName]QueueStats, len(WorkQueues())+1)
	for _, queue := range WorkQueues() {
		s, err := b.store.Stats(ctx, queue)
		if err != nil {
			return nil, fmt.Errorf("stats for %s: %w", queue, err)
		}
		stats[queue] = s
	}

	dead, err := b.store.DeadLetters(ctx, "", 0)
	if err != nil {
		return nil, fmt.Errorf("dead-letter stats: %w", err)
	}
	stats[QueueDeadLetter] = QueueStats{Waiting: int64(len(dead))}
	return stats, nil
}

// QueueDepths reports waiting jobs per queue, in the shape the telemetry
// observable gauge consumes.
func (b *Broker) QueueDepths(ctx context.Context) (map[string]int64, error) {
	stats, err := b.GetQueueStats(ctx)
	if err != nil {
		return nil, err
	}
	depths := make(map[string]int64, len(stats))
	for queue, s := range stats {
		depths[string(queue)] = s.Waiting
	}
	return depths, nil
}

// Status returns the aggregated status of all operations sharing the
// correlation id.
func (b *Broker) Status(ctx context.Context, correlationID uuid.UUID) (*CorrelationStatus, error) {
	return b.status.Correlation(ctx, correlationID)
}

// Ping verifies the backing queue store is reachable.
func (b *Broker) Ping(ctx context.Context) error {
	return b.store.Ping(ctx)
}

func (b *Broker) config(queue QueueName) QueueConfig {
	if cfg, ok := b.configs[queue]; ok {
		return cfg
	}
	return QueueConfig{Workers: 1, MaxAttempts: 3}
}

func (b *Broker) recordStatus(ctx context.Context, op *syncdomain.SyncOperation) {
	if b.status == nil {
		return
	}
	if err := b.status.Record(ctx, op); err != nil {
		b.logger.Warn("failed to record operation status",
			zap.String("operation_id", op.ID.String()),
			zap.Error(err),
		)
	}
}

func (b *Broker) publish(ctx context.Context, event syncdomain.Event) {
	if b.stream == nil {
		return
	}
	if err := b.stream.Publish(ctx, event); err != nil {
		b.logger.Warn("failed to publish event",
			zap.String("event_type", string(event.Type)),
			zap.Error(err),
		)
	}
}

func (b *Broker) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// retryAfterHint extracts the advised wait from a rate-limited error.
func retryAfterHint(err error) time.Duration {
	var ce *syncdomain.ClassifiedError
	if errors.As(err, &ce) {
		return ce.RetryAfter
	}
	return 0
}
