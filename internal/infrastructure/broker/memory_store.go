package broker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueueStore implements QueueStore in process memory. It mirrors the
// Redis store's semantics and backs unit tests and single-node development.
type MemoryQueueStore struct {
	mu     sync.Mutex
	seq    int64
	queues map[QueueName]*memoryQueue
	dead   []*DeadLetterEntry
	now    func() time.Time
}

type memoryQueue struct {
	waiting   []*QueueMessage
	delayed   []delayedEntry
	active    map[uuid.UUID]*QueueMessage
	completed int64
	failed    int64
	paused    bool
}

type delayedEntry struct {
	msg     *QueueMessage
	readyAt time.Time
}

// NewMemoryQueueStore creates an empty in-memory store.
func NewMemoryQueueStore() *MemoryQueueStore {
	return &MemoryQueueStore{
		queues: make(map[QueueName]*memoryQueue),
		now:    time.Now,
	}
}

// SetClock overrides the time source, used by tests exercising delays.
func (s *MemoryQueueStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryQueueStore) queue(name QueueName) *memoryQueue {
	q, ok := s.queues[name]
	if !ok {
		q = &memoryQueue{active: make(map[uuid.UUID]*QueueMessage)}
		s.queues[name] = q
	}
	return q
}

// NextSeq returns the next enqueue sequence number.
func (s *MemoryQueueStore) NextSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

// Enqueue adds a message, honouring the scheduling delay.
func (s *MemoryQueueStore) Enqueue(_ context.Context, queue QueueName, msg *QueueMessage, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	msg.Score = priorityScore(msg.Operation.Priority, s.seq)
	msg.EnqueuedAt = s.now()

	q := s.queue(queue)
	if delay > 0 {
		q.delayed = append(q.delayed, delayedEntry{msg: msg, readyAt: s.now().Add(delay)})
		return nil
	}
	q.waiting = append(q.waiting, msg)
	return nil
}

// Dequeue promotes due delayed entries and pops the lowest-score waiting
// message, registering it as active.
func (s *MemoryQueueStore) Dequeue(_ context.Context, queue QueueName) (*QueueMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queue(queue)
	if q.paused {
		return nil, nil
	}

	now := s.now()
	remaining := q.delayed[:0]
	for _, entry := range q.delayed {
		if !entry.readyAt.After(now) {
			q.waiting = append(q.waiting, entry.msg)
		} else {
			remaining = append(remaining, entry)
		}
	}
	q.delayed = remaining

	if len(q.waiting) == 0 {
		return nil, nil
	}

	best := 0
	for i, msg := range q.waiting {
		if msg.Score < q.waiting[best].Score {
			best = i
		}
	}
	msg := q.waiting[best]
	q.waiting = append(q.waiting[:best], q.waiting[best+1:]...)
	q.active[msg.JobID] = msg
	return msg, nil
}

// Ack removes the job from the active set and bumps the outcome counter.
func (s *MemoryQueueStore) Ack(_ context.Context, queue QueueName, jobID uuid.UUID, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queue(queue)
	delete(q.active, jobID)
	if success {
		q.completed++
	} else {
		q.failed++
	}
	return nil
}

// Requeue returns a previously active job to the queue with a retry delay.
func (s *MemoryQueueStore) Requeue(ctx context.Context, queue QueueName, msg *QueueMessage, delay time.Duration) error {
	s.mu.Lock()
	delete(s.queue(queue).active, msg.JobID)
	s.mu.Unlock()
	return s.Enqueue(ctx, queue, msg, delay)
}

// MoveToDead appends the entry to the dead-letter store.
func (s *MemoryQueueStore) MoveToDead(_ context.Context, entry *DeadLetterEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queue(entry.Queue).active, entry.JobID)
	s.dead = append(s.dead, entry)
	return nil
}

// TakeDeadLetters removes and returns matching dead-letter entries.
func (s *MemoryQueueStore) TakeDeadLetters(_ context.Context, queue QueueName, limit int) ([]*DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var taken []*DeadLetterEntry
	var kept []*DeadLetterEntry
	for _, entry := range s.dead {
		if (queue == "" || entry.Queue == queue) && (limit <= 0 || len(taken) < limit) {
			taken = append(taken, entry)
			continue
		}
		kept = append(kept, entry)
	}
	s.dead = kept
	return taken, nil
}

// TakeDeadLetterByOperation removes and returns the entry holding the
// operation, or nil when absent.
func (s *MemoryQueueStore) TakeDeadLetterByOperation(_ context.Context, operationID uuid.UUID) (*DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, entry := range s.dead {
		if entry.Operation != nil && entry.Operation.ID == operationID {
			s.dead = append(s.dead[:i], s.dead[i+1:]...)
			return entry, nil
		}
	}
	return nil, nil
}

// DeadLetters lists matching dead-letter entries without removing them.
func (s *MemoryQueueStore) DeadLetters(_ context.Context, queue QueueName, limit int) ([]*DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var entries []*DeadLetterEntry
	for _, entry := range s.dead {
		if queue == "" || entry.Queue == queue {
			entries = append(entries, entry)
			if limit > 0 && len(entries) >= limit {
				break
			}
		}
	}
	return entries, nil
}

// Stats returns the queue's current depth and counters.
func (s *MemoryQueueStore) Stats(_ context.Context, queue QueueName) (QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queue(queue)
	return QueueStats{
		Waiting:   int64(len(q.waiting)),
		Active:    int64(len(q.active)),
		Delayed:   int64(len(q.delayed)),
		Completed: q.completed,
		Failed:    q.failed,
	}, nil
}

// Pause stops dequeues for the queue.
func (s *MemoryQueueStore) Pause(_ context.Context, queue QueueName) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue(queue).paused = true
	return nil
}

// Resume re-enables dequeues for the queue.
func (s *MemoryQueueStore) Resume(_ context.Context, queue QueueName) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue(queue).paused = false
	return nil
}

// IsPaused reports whether the queue is paused.
func (s *MemoryQueueStore) IsPaused(_ context.Context, queue QueueName) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue(queue).paused, nil
}

// Clear drops all waiting and delayed entries for the queue.
func (s *MemoryQueueStore) Clear(_ context.Context, queue QueueName) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queue(queue)
	q.waiting = nil
	q.delayed = nil
	return nil
}

// Ping always succeeds for the in-memory store.
func (s *MemoryQueueStore) Ping(context.Context) error {
	return nil
}

var _ QueueStore = (*MemoryQueueStore)(nil)
