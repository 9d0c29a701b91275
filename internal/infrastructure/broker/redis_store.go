package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisQueueStore implements QueueStore on Redis so queue state survives
// restarts and is shared across instances.
//
// Key layout under the prefix (default "sync:queue:"):
//
//	seq                     INCR counter feeding priority scores
//	<queue>                 ZSET of waiting messages, score = priority score
//	<queue>:delayed         ZSET of delayed messages, score = ready time (ms)
//	<queue>:active          HASH job id -> message
//	<queue>:counters        HASH completed / failed counters
//	<queue>:paused          flag key
//	dead-letter             LIST of dead-letter entries
type RedisQueueStore struct {
	client    *redis.Client
	keyPrefix string
	logger    *zap.Logger
}

// RedisQueueStoreOption is a functional option for configuring the store.
type RedisQueueStoreOption func(*RedisQueueStore)

// WithQueueKeyPrefix overrides the key prefix.
func WithQueueKeyPrefix(prefix string) RedisQueueStoreOption {
	return func(s *RedisQueueStore) {
		s.keyPrefix = prefix
	}
}

// WithQueueStoreLogger sets the logger.
func WithQueueStoreLogger(logger *zap.Logger) RedisQueueStoreOption {
	return func(s *RedisQueueStore) {
		s.logger = logger
	}
}

// NewRedisQueueStore creates a store over an existing Redis client. The
// caller retains ownership of the client.
func NewRedisQueueStore(client *redis.Client, opts ...RedisQueueStoreOption) *RedisQueueStore {
	s := &RedisQueueStore{
		client:    client,
		keyPrefix: "sync:queue:",
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisQueueStore) waitingKey(q QueueName) string  { return s.keyPrefix + string(q) }
func (s *RedisQueueStore) delayedKey(q QueueName) string  { return s.keyPrefix + string(q) + ":delayed" }
func (s *RedisQueueStore) activeKey(q QueueName) string   { return s.keyPrefix + string(q) + ":active" }
func (s *RedisQueueStore) countersKey(q QueueName) string { return s.keyPrefix + string(q) + ":counters" }
func (s *RedisQueueStore) pausedKey(q QueueName) string   { return s.keyPrefix + string(q) + ":paused" }
func (s *RedisQueueStore) deadKey() string                { return s.keyPrefix + "dead-letter" }
func (s *RedisQueueStore) seqKey() string                 { return s.keyPrefix + "seq" }

// Enqueue scores the message and adds it to the waiting or delayed set.
func (s *RedisQueueStore) Enqueue(ctx context.Context, queue QueueName, msg *QueueMessage, delay time.Duration) error {
	seq, err := s.client.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return fmt.Errorf("queue sequence: %w", err)
	}
	msg.Score = priorityScore(msg.Operation.Priority, seq)
	msg.EnqueuedAt = time.Now()

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal queue message: %w", err)
	}

	if delay > 0 {
		readyAt := float64(time.Now().Add(delay).UnixMilli())
		if err := s.client.ZAdd(ctx, s.delayedKey(queue), redis.Z{Score: readyAt, Member: data}).Err(); err != nil {
			return fmt.Errorf("enqueue delayed: %w", err)
		}
		return nil
	}

	if err := s.client.ZAdd(ctx, s.waitingKey(queue), redis.Z{Score: float64(msg.Score), Member: data}).Err(); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

// Dequeue promotes due delayed entries, then pops the lowest-score waiting
// message and registers it as active.
func (s *RedisQueueStore) Dequeue(ctx context.Context, queue QueueName) (*QueueMessage, error) {
	paused, err := s.IsPaused(ctx, queue)
	if err != nil {
		return nil, err
	}
	if paused {
		return nil, nil
	}

	if err := s.promoteDelayed(ctx, queue); err != nil {
		return nil, err
	}

	popped, err := s.client.ZPopMin(ctx, s.waitingKey(queue), 1).Result()
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	if len(popped) == 0 {
		return nil, nil
	}

	raw, ok := popped[0].Member.(string)
	if !ok {
		return nil, fmt.Errorf("dequeue: unexpected member type %T", popped[0].Member)
	}

	var msg QueueMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return nil, fmt.Errorf("unmarshal queue message: %w", err)
	}

	if err := s.client.HSet(ctx, s.activeKey(queue), msg.JobID.String(), raw).Err(); err != nil {
		// Job is already popped; losing the active record only affects
		// stats, not delivery.
		s.logger.Warn("failed to register active job",
			zap.String("queue", string(queue)),
			zap.String("job_id", msg.JobID.String()),
			zap.Error(err),
		)
	}
	return &msg, nil
}

// promoteDelayed moves entries whose ready time has passed into the waiting set.
func (s *RedisQueueStore) promoteDelayed(ctx context.Context, queue QueueName) error {
	now := fmt.Sprintf("%d", time.Now().UnixMilli())
	due, err := s.client.ZRangeByScore(ctx, s.delayedKey(queue), &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		return fmt.Errorf("promote delayed: %w", err)
	}

	for _, raw := range due {
		var msg QueueMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			s.logger.Error("dropping unparseable delayed entry",
				zap.String("queue", string(queue)),
				zap.Error(err),
			)
			s.client.ZRem(ctx, s.delayedKey(queue), raw)
			continue
		}
		pipe := s.client.TxPipeline()
		pipe.ZRem(ctx, s.delayedKey(queue), raw)
		pipe.ZAdd(ctx, s.waitingKey(queue), redis.Z{Score: float64(msg.Score), Member: raw})
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("promote delayed: %w", err)
		}
	}
	return nil
}

// Ack removes the job from the active hash and bumps the outcome counter.
func (s *RedisQueueStore) Ack(ctx context.Context, queue QueueName, jobID uuid.UUID, success bool) error {
	field := "failed"
	if success {
		field = "completed"
	}
	pipe := s.client.TxPipeline()
	pipe.HDel(ctx, s.activeKey(queue), jobID.String())
	pipe.HIncrBy(ctx, s.countersKey(queue), field, 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	return nil
}

// Requeue returns a previously active job to the queue with a retry delay.
func (s *RedisQueueStore) Requeue(ctx context.Context, queue QueueName, msg *QueueMessage, delay time.Duration) error {
	if err := s.client.HDel(ctx, s.activeKey(queue), msg.JobID.String()).Err(); err != nil {
		return fmt.Errorf("requeue: %w", err)
	}
	return s.Enqueue(ctx, queue, msg, delay)
}

// MoveToDead appends the entry to the dead-letter list.
func (s *RedisQueueStore) MoveToDead(ctx context.Context, entry *DeadLetterEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.HDel(ctx, s.activeKey(entry.Queue), entry.JobID.String())
	pipe.RPush(ctx, s.deadKey(), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("move to dead letter: %w", err)
	}
	return nil
}

// TakeDeadLetters removes and returns matching dead-letter entries.
func (s *RedisQueueStore) TakeDeadLetters(ctx context.Context, queue QueueName, limit int) ([]*DeadLetterEntry, error) {
	raws, err := s.client.LRange(ctx, s.deadKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("dead letters: %w", err)
	}

	var taken []*DeadLetterEntry
	for _, raw := range raws {
		if limit > 0 && len(taken) >= limit {
			break
		}
		var entry DeadLetterEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			s.logger.Error("skipping unparseable dead-letter entry", zap.Error(err))
			continue
		}
		if queue != "" && entry.Queue != queue {
			continue
		}
		if err := s.client.LRem(ctx, s.deadKey(), 1, raw).Err(); err != nil {
			return taken, fmt.Errorf("remove dead letter: %w", err)
		}
		taken = append(taken, &entry)
	}
	return taken, nil
}

// TakeDeadLetterByOperation removes and returns the entry holding the
// operation, or nil when absent.
func (s *RedisQueueStore) TakeDeadLetterByOperation(ctx context.Context, operationID uuid.UUID) (*DeadLetterEntry, error) {
	raws, err := s.client.LRange(ctx, s.deadKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("dead letters: %w", err)
	}

	for _, raw := range raws {
		var entry DeadLetterEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		if entry.Operation == nil || entry.Operation.ID != operationID {
			continue
		}
		if err := s.client.LRem(ctx, s.deadKey(), 1, raw).Err(); err != nil {
			return nil, fmt.Errorf("remove dead letter: %w", err)
		}
		return &entry, nil
	}
	return nil, nil
}

// DeadLetters lists matching dead-letter entries without removing them.
func (s *RedisQueueStore) DeadLetters(ctx context.Context, queue QueueName, limit int) ([]*DeadLetterEntry, error) {
	raws, err := s.client.LRange(ctx, s.deadKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("dead letters: %w", err)
	}

	var entries []*DeadLetterEntry
	for _, raw := range raws {
		var entry DeadLetterEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		if queue != "" && entry.Queue != queue {
			continue
		}
		entries = append(entries, &entry)
		if limit > 0 && len(entries) >= limit {
			break
		}
	}
	return entries, nil
}

// Stats returns the queue's current depth and counters.
func (s *RedisQueueStore) Stats(ctx context.Context, queue QueueName) (QueueStats, error) {
	pipe := s.client.TxPipeline()
	waiting := pipe.ZCard(ctx, s.waitingKey(queue))
	delayed := pipe.ZCard(ctx, s.delayedKey(queue))
	active := pipe.HLen(ctx, s.activeKey(queue))
	counters := pipe.HGetAll(ctx, s.countersKey(queue))
	if _, err := pipe.Exec(ctx); err != nil {
		return QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}

	stats := QueueStats{
		Waiting: waiting.Val(),
		Delayed: delayed.Val(),
		Active:  active.Val(),
	}
	fmt.Sscan(counters.Val()["completed"], &stats.Completed)
	fmt.Sscan(counters.Val()["failed"], &stats.Failed)
	return stats, nil
}

// Pause stops dequeues for the queue.
func (s *RedisQueueStore) Pause(ctx context.Context, queue QueueName) error {
	return s.client.Set(ctx, s.pausedKey(queue), "1", 0).Err()
}

// Resume re-enables dequeues for the queue.
func (s *RedisQueueStore) Resume(ctx context.Context, queue QueueName) error {
	return s.client.Del(ctx, s.pausedKey(queue)).Err()
}

// IsPaused reports whether the queue is paused.
func (s *RedisQueueStore) IsPaused(ctx context.Context, queue QueueName) (bool, error) {
	n, err := s.client.Exists(ctx, s.pausedKey(queue)).Result()
	if err != nil {
		return false, fmt.Errorf("paused flag: %w", err)
	}
	return n > 0, nil
}

// Clear drops all waiting and delayed entries for the queue.
func (s *RedisQueueStore) Clear(ctx context.Context, queue QueueName) error {
	return s.client.Del(ctx, s.waitingKey(queue), s.delayedKey(queue)).Err()
}

// Ping verifies the Redis connection.
func (s *RedisQueueStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

var _ QueueStore = (*RedisQueueStore)(nil)
