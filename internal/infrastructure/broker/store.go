package broker

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// QueueStore persists queue state: waiting and delayed entries, in-flight
// jobs, completion counters, pause flags and the dead-letter store.
//
// Semantics shared by all implementations:
//   - Dequeue promotes due delayed entries, then pops the lowest-score
//     waiting entry and registers it as active. It returns (nil, nil) when
//     the queue is empty or paused.
//   - Ack removes the job from the active set and bumps the completed or
//     failed counter.
//   - Store errors never imply job loss: entries stay queued and are
//     reprocessed once the store recovers.
type QueueStore interface {
	Enqueue(ctx context.Context, queue QueueName, msg *QueueMessage, delay time.Duration) error
	Dequeue(ctx context.Context, queue QueueName) (*QueueMessage, error)
	Ack(ctx context.Context, queue QueueName, jobID uuid.UUID, success bool) error
	Requeue(ctx context.Context, queue QueueName, msg *QueueMessage, delay time.Duration) error

	MoveToDead(ctx context.Context, entry *DeadLetterEntry) error
	// TakeDeadLetters removes and returns up to limit dead-letter entries
	// originating from queue; an empty queue name matches all.
	TakeDeadLetters(ctx context.Context, queue QueueName, limit int) ([]*DeadLetterEntry, error)
	// DeadLetters lists dead-letter entries without removing them.
	DeadLetters(ctx context.Context, queue QueueName, limit int) ([]*DeadLetterEntry, error)
	// TakeDeadLetterByOperation removes and returns the dead-letter entry
	// holding the given operation, or (nil, nil) when none exists.
	TakeDeadLetterByOperation(ctx context.Context, operationID uuid.UUID) (*DeadLetterEntry, error)

	Stats(ctx context.Context, queue QueueName) (QueueStats, error)
	Pause(ctx context.Context, queue QueueName) error
	Resume(ctx context.Context, queue QueueName) error
	IsPaused(ctx context.Context, queue QueueName) (bool, error)
	Clear(ctx context.Context, queue QueueName) error

	Ping(ctx context.Context) error
}
