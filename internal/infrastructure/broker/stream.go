package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	syncdomain "github.com/syncbridge/backend/internal/domain/sync"
)

const defaultStreamCloseTimeout = 5 * time.Second

// EventStream fans sync lifecycle events out to interested consumers. The
// broker and orchestrator publish; the real-time broadcaster and alerting
// evaluator subscribe.
type EventStream interface {
	Publish(ctx context.Context, event syncdomain.Event) error
	// Subscribe blocks, invoking callback for each event until ctx is
	// cancelled or Close is called. Call it from a goroutine.
	Subscribe(ctx context.Context, callback func(event syncdomain.Event)) error
	Close() error
}

// RedisEventStream implements EventStream on Redis Pub/Sub, so events reach
// every instance behind a load balancer.
type RedisEventStream struct {
	client    *redis.Client
	channel   string
	logger    *zap.Logger
	cancelFn  context.CancelFunc
	doneCh    chan struct{}
	doneOnce  sync.Once
	mu        sync.Mutex
	isRunning bool
}

// RedisEventStreamOption is a functional option for configuring the stream.
type RedisEventStreamOption func(*RedisEventStream)

// WithStreamChannel sets the Pub/Sub channel name.
func WithStreamChannel(channel string) RedisEventStreamOption {
	return func(s *RedisEventStream) {
		s.channel = channel
	}
}

// WithStreamLogger sets the logger.
func WithStreamLogger(logger *zap.Logger) RedisEventStreamOption {
	return func(s *RedisEventStream) {
		s.logger = logger
	}
}

// NewRedisEventStream creates a stream over an existing Redis client. The
// caller retains ownership of the client.
func NewRedisEventStream(client *redis.Client, opts ...RedisEventStreamOption) *RedisEventStream {
	s := &RedisEventStream{
		client:  client,
		channel: "sync:events",
		logger:  zap.NewNop(),
		doneCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Publish sends the event to all subscribers.
func (s *RedisEventStream) Publish(ctx context.Context, event syncdomain.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, data).Err(); err != nil {
		s.logger.Error("failed to publish event",
			zap.String("channel", s.channel),
			zap.String("event_type", string(event.Type)),
			zap.Error(err),
		)
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Subscribe listens on the channel and invokes callback for each event.
// It blocks until ctx is cancelled or Close is called.
func (s *RedisEventStream) Subscribe(ctx context.Context, callback func(event syncdomain.Event)) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("subscription already running")
	}
	s.isRunning = true
	s.mu.Unlock()

	subCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancelFn = cancel
	s.mu.Unlock()

	pubsub := s.client.Subscribe(subCtx, s.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(subCtx); err != nil {
		s.mu.Lock()
		s.isRunning = false
		s.mu.Unlock()
		return fmt.Errorf("subscribe to event channel: %w", err)
	}

	s.logger.Info("subscribed to event stream", zap.String("channel", s.channel))

	ch := pubsub.Channel()
	for {
		select {
		case <-subCtx.Done():
			s.mu.Lock()
			s.isRunning = false
			s.mu.Unlock()
			s.markDone()
			return subCtx.Err()
		case msg, ok := <-ch:
			if !ok {
				s.logger.Warn("event stream channel closed")
				s.mu.Lock()
				s.isRunning = false
				s.mu.Unlock()
				s.markDone()
				return nil
			}

			var event syncdomain.Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				s.logger.Error("failed to unmarshal event",
					zap.String("payload", msg.Payload),
					zap.Error(err),
				)
				continue
			}

			go func(ev syncdomain.Event) {
				defer func() {
					if r := recover(); r != nil {
						s.logger.Error("panic in event callback", zap.Any("panic", r))
					}
				}()
				callback(ev)
			}(event)
		}
	}
}

func (s *RedisEventStream) markDone() {
	s.doneOnce.Do(func() {
		close(s.doneCh)
	})
}

// Close stops the subscription. The shared Redis client stays open.
func (s *RedisEventStream) Close() error {
	s.mu.Lock()
	cancelFn := s.cancelFn
	s.mu.Unlock()

	if cancelFn != nil {
		cancelFn()
		select {
		case <-s.doneCh:
		case <-time.After(defaultStreamCloseTimeout):
			s.logger.Warn("timeout waiting for event subscription to stop")
		}
	}
	return nil
}

var _ EventStream = (*RedisEventStream)(nil)

// MemoryEventStream implements EventStream in process memory. Publish is
// synchronous delivery into buffered subscriber channels; a slow subscriber
// drops events instead of blocking publishers.
type MemoryEventStream struct {
	mu     sync.Mutex
	subs   []chan syncdomain.Event
	closed bool
}

// NewMemoryEventStream creates an empty in-memory event stream.
func NewMemoryEventStream() *MemoryEventStream {
	return &MemoryEventStream{}
}

// Publish delivers the event to every subscriber, dropping it for any whose
// buffer is full.
func (s *MemoryEventStream) Publish(_ context.Context, event syncdomain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("event stream closed")
	}
	for _, sub := range s.subs {
		select {
		case sub <- event:
		default:
		}
	}
	return nil
}

// Subscribe registers a consumer and blocks until ctx is cancelled or the
// stream is closed.
func (s *MemoryEventStream) Subscribe(ctx context.Context, callback func(event syncdomain.Event)) error {
	ch := make(chan syncdomain.Event, 256)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("event stream closed")
	}
	s.subs = append(s.subs, ch)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		for i, sub := range s.subs {
			if sub == ch {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-ch:
			if !ok {
				return nil
			}
			callback(event)
		}
	}
}

// Close shuts the stream down and releases all subscribers.
func (s *MemoryEventStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, sub := range s.subs {
		close(sub)
	}
	s.subs = nil
	return nil
}

var _ EventStream = (*MemoryEventStream)(nil)
