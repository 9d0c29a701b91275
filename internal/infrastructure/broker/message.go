// Package broker routes typed sync operations to per-entity priority queues
// with bounded worker pools, retry with backoff, and a dead-letter queue.
// Queue state lives behind the QueueStore interface so Redis backs production
// while tests run against the in-memory implementation.
package broker

import (
	"time"

	"github.com/google/uuid"
	syncdomain "github.com/syncbridge/backend/internal/domain/sync"
)

// QueueName identifies one broker queue.
type QueueName string

const (
	QueueCustomer      QueueName = "customer"
	QueueInventory     QueueName = "inventory"
	QueueOrder         QueueName = "order"
	QueuePricing       QueueName = "pricing"
	QueueWebhookEvents QueueName = "webhook-events"
	QueueNotifications QueueName = "notifications"
	QueueRetryFailed   QueueName = "retry-failed"
	QueueDeadLetter    QueueName = "dead-letter"
)

// WorkQueues returns the queues served by worker pools. The dead-letter
// queue is a terminal store and has no workers.
func WorkQueues() []QueueName {
	return []QueueName{
		QueueCustomer,
		QueueInventory,
		QueueOrder,
		QueuePricing,
		QueueWebhookEvents,
		QueueNotifications,
		QueueRetryFailed,
	}
}

// QueueForEntity maps an entity type to its dedicated queue. Entity types
// without a dedicated queue flow through the webhook-events queue.
func QueueForEntity(entityType syncdomain.EntityType) QueueName {
	switch entityType {
	case syncdomain.EntityCustomer:
		return QueueCustomer
	case syncdomain.EntityInventory:
		return QueueInventory
	case syncdomain.EntityOrder:
		return QueueOrder
	case syncdomain.EntityPricing:
		return QueuePricing
	default:
		return QueueWebhookEvents
	}
}

// QueueConfig tunes one queue's worker pool and retry budget.
type QueueConfig struct {
	// Workers bounds the queue's concurrency.
	Workers int
	// MaxAttempts caps handler attempts before dead-lettering.
	MaxAttempts int
	// EnqueueDelay smooths bursty writes for lower-value entities.
	EnqueueDelay time.Duration
}

// DefaultQueueConfigs tunes workers and attempts by entity criticality:
// orders run few workers at top priority, inventory runs wide with a larger
// retry budget.
func DefaultQueueConfigs() map[QueueName]QueueConfig {
	return map[QueueName]QueueConfig{
		QueueOrder:         {Workers: 2, MaxAttempts: 3, EnqueueDelay: 0},
		QueueInventory:     {Workers: 8, MaxAttempts: 5, EnqueueDelay: 2 * time.Second},
		QueueCustomer:      {Workers: 4, MaxAttempts: 3, EnqueueDelay: 5 * time.Second},
		QueuePricing:       {Workers: 4, MaxAttempts: 3, EnqueueDelay: 5 * time.Second},
		QueueWebhookEvents: {Workers: 4, MaxAttempts: 3, EnqueueDelay: 0},
		QueueNotifications: {Workers: 2, MaxAttempts: 3, EnqueueDelay: 0},
		QueueRetryFailed:   {Workers: 1, MaxAttempts: 1, EnqueueDelay: 0},
	}
}

// QueueMessage is the broker envelope wrapping a sync operation with its
// computed priority score.
type QueueMessage struct {
	JobID      uuid.UUID                 `json:"job_id"`
	Operation  *syncdomain.SyncOperation `json:"operation"`
	Score      int64                     `json:"score"`
	EnqueuedAt time.Time                 `json:"enqueued_at"`
}

// priorityScore packs the priority weight above a monotonically increasing
// sequence number: lower scores dequeue first, so priority wins and FIFO
// breaks ties within a priority band.
func priorityScore(p syncdomain.Priority, seq int64) int64 {
	return int64(p.Weight())<<40 | (seq & (1<<40 - 1))
}

// DeadLetterEntry preserves an exhausted job with its full original payload
// and final error for manual inspection. Jobs are never silently dropped.
type DeadLetterEntry struct {
	JobID     uuid.UUID                 `json:"job_id"`
	Queue     QueueName                 `json:"queue"`
	Operation *syncdomain.SyncOperation `json:"operation"`
	LastError string                    `json:"last_error"`
	Attempts  int                       `json:"attempts"`
	FailedAt  time.Time                 `json:"failed_at"`
}

// QueueStats is the operator-facing view of one queue.
type QueueStats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}
