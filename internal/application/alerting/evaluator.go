// Package alerting evaluates monitoring rules over recorded metric samples
// and operational events, raising persisted alerts with per-rule cooldown.
package alerting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	syncdomain "github.com/syncbridge/backend/internal/domain/sync"
	"github.com/syncbridge/backend/internal/infrastructure/broker"
)

// Metric names a monitored signal.
type Metric string

const (
	MetricResponseTime Metric = "response_time"
	MetricErrorRate    Metric = "error_rate"
	MetricAvailability Metric = "availability"
	MetricThroughput   Metric = "throughput"
	MetricQueueDepth   Metric = "queue_depth"
	MetricDeadLetters  Metric = "dead_letters"
)

// Operator compares a sample against a rule threshold.
type Operator string

const (
	OpGreaterThan Operator = "gt"
	OpGreaterOrEq Operator = "gte"
	OpLessThan    Operator = "lt"
	OpLessOrEq    Operator = "lte"
)

func (o Operator) breached(value, threshold float64) bool {
	switch o {
	case OpGreaterThan:
		return value > threshold
	case OpGreaterOrEq:
		return value >= threshold
	case OpLessThan:
		return value < threshold
	case OpLessOrEq:
		return value <= threshold
	default:
		return false
	}
}

// AlertRule fires when a metric sample breaches its threshold. Cooldown
// suppresses repeat alerts for the same rule.
type AlertRule struct {
	Name      string
	Metric    Metric
	Operator  Operator
	Threshold float64
	Severity  syncdomain.AlertSeverity
	Cooldown  time.Duration
	Message   string
}

// DefaultRules returns the standing monitoring rules. Thresholds for queue
// depth and dead letters come from configuration; the cooldown applies to
// every rule.
func DefaultRules(deadLetterThreshold, queueDepthThreshold int, cooldown time.Duration) []AlertRule {
	return []AlertRule{
		{
			Name:      "slow_responses",
			Metric:    MetricResponseTime,
			Operator:  OpGreaterThan,
			Threshold: 5000, // milliseconds
			Severity:  syncdomain.SeverityWarning,
			Cooldown:  cooldown,
			Message:   "external system response time degraded",
		},
		{
			Name:      "high_error_rate",
			Metric:    MetricErrorRate,
			Operator:  OpGreaterOrEq,
			Threshold: 0.25,
			Severity:  syncdomain.SeverityCritical,
			Cooldown:  cooldown,
			Message:   "sync error rate above 25%",
		},
		{
			Name:      "system_unavailable",
			Metric:    MetricAvailability,
			Operator:  OpLessThan,
			Threshold: 1,
			Severity:  syncdomain.SeverityCritical,
			Cooldown:  cooldown,
			Message:   "external system health probe failing",
		},
		{
			Name:      "queue_backlog",
			Metric:    MetricQueueDepth,
			Operator:  OpGreaterOrEq,
			Threshold: float64(queueDepthThreshold),
			Severity:  syncdomain.SeverityWarning,
			Cooldown:  cooldown,
			Message:   "queue depth above threshold",
		},
		{
			Name:      "dead_letter_accumulation",
			Metric:    MetricDeadLetters,
			Operator:  OpGreaterOrEq,
			Threshold: float64(deadLetterThreshold),
			Severity:  syncdomain.SeverityCritical,
			Cooldown:  cooldown,
			Message:   "dead-letter queue accumulating",
		},
	}
}

// EventPublisher is the slice of the event stream the evaluator needs.
type EventPublisher interface {
	Publish(ctx context.Context, event syncdomain.Event) error
}

// Evaluator records metric samples against the rule table and manages the
// operator alert workflow.
type Evaluator struct {
	rules   []AlertRule
	repo    syncdomain.AlertRepository
	stream  EventPublisher
	logger  *zap.Logger
	enabled bool
	now     func() time.Time

	mu        sync.Mutex
	lastFired map[string]time.Time
}

// EvaluatorOption is a functional option for configuring the evaluator.
type EvaluatorOption func(*Evaluator)

// WithEvaluatorLogger sets the logger.
func WithEvaluatorLogger(logger *zap.Logger) EvaluatorOption {
	return func(e *Evaluator) {
		e.logger = logger
	}
}

// WithEvaluatorClock overrides the time source, used by tests.
func WithEvaluatorClock(now func() time.Time) EvaluatorOption {
	return func(e *Evaluator) {
		e.now = now
	}
}

// WithEvaluatorDisabled keeps the workflow API working while suppressing new
// alerts, for deployments that run alerting elsewhere.
func WithEvaluatorDisabled() EvaluatorOption {
	return func(e *Evaluator) {
		e.enabled = false
	}
}

// NewEvaluator creates an evaluator over the given rules.
func NewEvaluator(rules []AlertRule, repo syncdomain.AlertRepository, stream EventPublisher, opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{
		rules:     rules,
		repo:      repo,
		stream:    stream,
		logger:    zap.NewNop(),
		enabled:   true,
		now:       time.Now,
		lastFired: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Record evaluates one metric sample against every rule watching that metric.
// Details are attached to any alert raised.
func (e *Evaluator) Record(ctx context.Context, metric Metric, value float64, details map[string]any) {
	if !e.enabled {
		return
	}
	for _, rule := range e.rules {
		if rule.Metric != metric || !rule.Operator.breached(value, rule.Threshold) {
			continue
		}
		merged := map[string]any{
			"metric":    string(metric),
			"value":     value,
			"threshold": rule.Threshold,
		}
		for k, v := range details {
			merged[k] = v
		}
		e.fire(ctx, rule, merged)
	}
}

// HandleDeadLetter raises an alert for a permanently failed operation. Order
// and inventory failures block revenue and stock accuracy, so they escalate
// to critical.
func (e *Evaluator) HandleDeadLetter(ctx context.Context, entry *broker.DeadLetterEntry) {
	if !e.enabled || entry == nil || entry.Operation == nil {
		return
	}

	severity := syncdomain.SeverityWarning
	switch entry.Operation.EntityType {
	case syncdomain.EntityOrder, syncdomain.EntityInventory:
		severity = syncdomain.SeverityCritical
	}

	rule := AlertRule{
		Name:     "operation_failed_" + string(entry.Operation.EntityType),
		Severity: severity,
		Cooldown: 0, // every permanent failure is worth an alert
		Message:  fmt.Sprintf("%s sync operation permanently failed", entry.Operation.EntityType),
	}
	e.fire(ctx, rule, map[string]any{
		"job_id":         entry.JobID.String(),
		"operation_id":   entry.Operation.ID.String(),
		"correlation_id": entry.Operation.CorrelationID.String(),
		"entity_type":    string(entry.Operation.EntityType),
		"entity_id":      entry.Operation.EntityID,
		"queue":          string(entry.Queue),
		"attempts":       entry.Attempts,
		"last_error":     entry.LastError,
	})
}

// ObserveQueueStats feeds queue depth and dead-letter counts into the rule
// table. Called periodically by the orchestrator's health loop.
func (e *Evaluator) ObserveQueueStats(ctx context.Context, stats map[broker.QueueName]broker.QueueStats) {
	if !e.enabled {
		return
	}
	for queue, s := range stats {
		metric := MetricQueueDepth
		if queue == broker.QueueDeadLetter {
			metric = MetricDeadLetters
		}
		e.Record(ctx, metric, float64(s.Waiting), map[string]any{"queue": string(queue)})
	}
}

// Acknowledge marks an active alert as seen.
func (e *Evaluator) Acknowledge(ctx context.Context, id uuid.UUID) (*syncdomain.Alert, error) {
	alert, err := e.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := alert.Acknowledge(); err != nil {
		return nil, err
	}
	if err := e.repo.Update(ctx, alert); err != nil {
		return nil, err
	}
	return alert, nil
}

// ResolveAlert closes an alert.
func (e *Evaluator) ResolveAlert(ctx context.Context, id uuid.UUID) (*syncdomain.Alert, error) {
	alert, err := e.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := alert.Resolve(); err != nil {
		return nil, err
	}
	if err := e.repo.Update(ctx, alert); err != nil {
		return nil, err
	}
	return alert, nil
}

// ListAlerts lists alerts, optionally filtered by status.
func (e *Evaluator) ListAlerts(ctx context.Context, status syncdomain.AlertStatus, limit int) ([]*syncdomain.Alert, error) {
	return e.repo.List(ctx, status, limit)
}

func (e *Evaluator) fire(ctx context.Context, rule AlertRule, details map[string]any) {
	now := e.now()

	e.mu.Lock()
	if rule.Cooldown > 0 {
		if last, ok := e.lastFired[rule.Name]; ok && now.Sub(last) < rule.Cooldown {
			e.mu.Unlock()
			return
		}
	}
	e.lastFired[rule.Name] = now
	e.mu.Unlock()

	alert := syncdomain.NewAlert(rule.Name, rule.Severity, rule.Message, details)
	if e.repo != nil {
		if err := e.repo.Save(ctx, alert); err != nil {
			e.logger.Error("failed to persist alert",
				zap.String("rule", rule.Name),
				zap.Error(err),
			)
		}
	}

	if e.stream != nil {
		event := syncdomain.NewEvent(syncdomain.EventAlert)
		event.Data = map[string]any{
			"alert_id": alert.ID.String(),
			"rule":     alert.Rule,
			"severity": string(alert.Severity),
			"message":  alert.Message,
			"details":  alert.Details,
		}
		if err := e.stream.Publish(ctx, event); err != nil {
			e.logger.Warn("failed to publish alert event",
				zap.String("rule", rule.Name),
				zap.Error(err),
			)
		}
	}

	e.logger.Warn("alert raised",
		zap.String("rule", rule.Name),
		zap.String("severity", string(rule.Severity)),
		zap.String("message", rule.Message),
	)
}
