// Package resilience provides the primitives guarding every outbound call:
// circuit breakers, rate limiters, and classified retry backoff.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CircuitState is the current state of a circuit breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

// ErrCircuitOpen is returned by Execute without invoking the wrapped function
// while the circuit is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig holds tuning for one protected resource.
type CircuitBreakerConfig struct {
	// FailureThreshold opens the circuit after this many consecutive failures.
	FailureThreshold int
	// RecoveryTimeout is how long the circuit stays open before a half-open probe.
	RecoveryTimeout time.Duration
	// MonitoringWindow is the rolling window for the failure-rate check.
	MonitoringWindow time.Duration
	// MinSamples is the minimum window population before the rate check applies.
	MinSamples int
	// FailureRateThreshold opens the circuit when the windowed failure rate
	// reaches this fraction (0..1).
	FailureRateThreshold float64
}

// DefaultCircuitBreakerConfig returns production defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:     5,
		RecoveryTimeout:      30 * time.Second,
		MonitoringWindow:     time.Minute,
		MinSamples:           10,
		FailureRateThreshold: 0.5,
	}
}

type outcome struct {
	at      time.Time
	success bool
}

// CircuitBreaker guards calls to one external-system endpoint class.
// One instance per protected resource; instances are not shared globally.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig
	logger *zap.Logger
	now    func() time.Time

	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	outcomes            []outcome
	nextAttemptAt       time.Time
	forcedOpen          bool
	healthFailing       bool

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// CircuitBreakerOption is a functional option for configuring the breaker.
type CircuitBreakerOption func(*CircuitBreaker)

// WithBreakerLogger sets the logger.
func WithBreakerLogger(logger *zap.Logger) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.logger = logger
	}
}

// WithBreakerClock overrides the time source, used by tests.
func WithBreakerClock(now func() time.Time) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.now = now
	}
}

// NewCircuitBreaker creates a closed circuit breaker for the named resource.
func NewCircuitBreaker(name string, config CircuitBreakerConfig, opts ...CircuitBreakerOption) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultCircuitBreakerConfig().FailureThreshold
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = DefaultCircuitBreakerConfig().RecoveryTimeout
	}
	if config.MonitoringWindow <= 0 {
		config.MonitoringWindow = DefaultCircuitBreakerConfig().MonitoringWindow
	}
	if config.MinSamples <= 0 {
		config.MinSamples = DefaultCircuitBreakerConfig().MinSamples
	}
	if config.FailureRateThreshold <= 0 {
		config.FailureRateThreshold = DefaultCircuitBreakerConfig().FailureRateThreshold
	}

	cb := &CircuitBreaker{
		name:   name,
		config: config,
		logger: zap.NewNop(),
		now:    time.Now,
		state:  CircuitClosed,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// Execute runs fn under the breaker. While the circuit is open and the
// recovery deadline has not passed, fn is not invoked and ErrCircuitOpen is
// returned.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.allow(); err != nil {
		return err
	}

	err := fn(ctx)
	if err != nil {
		cb.recordFailure()
		return err
	}
	cb.recordSuccess()
	return nil
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Name returns the protected resource name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// ForceOpen opens the circuit until Reset is called.
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.forcedOpen = true
	cb.openLocked()
	cb.logger.Warn("circuit breaker forced open", zap.String("breaker", cb.name))
}

// Reset closes the circuit and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.forcedOpen = false
	cb.healthFailing = false
	cb.closeLocked()
	cb.logger.Info("circuit breaker reset", zap.String("breaker", cb.name))
}

// StartHealthCheck probes the protected resource periodically. While the
// probe fails the circuit is held open even past the recovery timeout.
func (cb *CircuitBreaker) StartHealthCheck(ctx context.Context, interval time.Duration, probe func(ctx context.Context) error) {
	ctx, cancel := context.WithCancel(ctx)
	cb.mu.Lock()
	cb.cancel = cancel
	cb.mu.Unlock()

	cb.wg.Add(1)
	go func() {
		defer cb.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := probe(ctx)
				cb.mu.Lock()
				wasFailing := cb.healthFailing
				cb.healthFailing = err != nil
				if cb.healthFailing && cb.state != CircuitOpen {
					cb.openLocked()
				}
				cb.mu.Unlock()
				if err != nil && !wasFailing {
					cb.logger.Warn("health check failing, holding circuit open",
						zap.String("breaker", cb.name),
						zap.Error(err),
					)
				}
			}
		}
	}()
}

// StopHealthCheck stops the health-check goroutine if one was started.
func (cb *CircuitBreaker) StopHealthCheck() {
	cb.stopOnce.Do(func() {
		cb.mu.Lock()
		cancel := cb.cancel
		cb.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		cb.wg.Wait()
	})
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil
	case CircuitHalfOpen:
		return nil
	default: // CircuitOpen
		if cb.forcedOpen || cb.healthFailing {
			return ErrCircuitOpen
		}
		if cb.now().Before(cb.nextAttemptAt) {
			return ErrCircuitOpen
		}
		cb.state = CircuitHalfOpen
		cb.logger.Info("circuit breaker half-open", zap.String("breaker", cb.name))
		return nil
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.appendOutcomeLocked(true)
	if cb.state == CircuitHalfOpen {
		cb.closeLocked()
		cb.logger.Info("circuit breaker closed after probe success", zap.String("breaker", cb.name))
		return
	}
	cb.consecutiveFailures = 0
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.appendOutcomeLocked(false)
	cb.consecutiveFailures++

	if cb.state == CircuitHalfOpen {
		cb.openLocked()
		cb.logger.Warn("circuit breaker reopened after probe failure", zap.String("breaker", cb.name))
		return
	}

	if cb.consecutiveFailures >= cb.config.FailureThreshold || cb.failureRateExceededLocked() {
		cb.openLocked()
		cb.logger.Warn("circuit breaker opened",
			zap.String("breaker", cb.name),
			zap.Int("consecutive_failures", cb.consecutiveFailures),
		)
	}
}

func (cb *CircuitBreaker) failureRateExceededLocked() bool {
	cb.pruneOutcomesLocked()
	if len(cb.outcomes) < cb.config.MinSamples {
		return false
	}
	failures := 0
	for _, o := range cb.outcomes {
		if !o.success {
			failures++
		}
	}
	rate := float64(failures) / float64(len(cb.outcomes))
	return rate >= cb.config.FailureRateThreshold
}

func (cb *CircuitBreaker) appendOutcomeLocked(success bool) {
	cb.outcomes = append(cb.outcomes, outcome{at: cb.now(), success: success})
	cb.pruneOutcomesLocked()
}

func (cb *CircuitBreaker) pruneOutcomesLocked() {
	cutoff := cb.now().Add(-cb.config.MonitoringWindow)
	kept := cb.outcomes[:0]
	for _, o := range cb.outcomes {
		if o.at.After(cutoff) {
			kept = append(kept, o)
		}
	}
	cb.outcomes = kept
}

func (cb *CircuitBreaker) openLocked() {
	cb.state = CircuitOpen
	cb.nextAttemptAt = cb.now().Add(cb.config.RecoveryTimeout)
}

func (cb *CircuitBreaker) closeLocked() {
	cb.state = CircuitClosed
	cb.consecutiveFailures = 0
	cb.outcomes = nil
	cb.nextAttemptAt = time.Time{}
}
