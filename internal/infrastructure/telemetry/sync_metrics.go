// Package telemetry provides OpenTelemetry integration for metrics collection.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// ErrMeterNil is returned when a metrics instance is created without a meter.
var ErrMeterNil = errors.New("meter is required")

// Attribute keys shared across sync metrics.
var (
	AttrEntityType = attribute.Key("entity_type")
	AttrStatus     = attribute.Key("status")
	AttrErrorClass = attribute.Key("error_class")
	AttrQueue      = attribute.Key("queue")
	AttrSystem     = attribute.Key("system")
	AttrResolved   = attribute.Key("resolved")
)

// QueueDepthProvider reports waiting-job counts per queue for the observable
// gauge. The broker implements it; the interface keeps telemetry from
// depending on the broker package.
type QueueDepthProvider interface {
	QueueDepths(ctx context.Context) (map[string]int64, error)
}

// SyncMetrics tracks operation throughput, retries, dead letters, conflicts
// and per-entity processing latency.
type SyncMetrics struct {
	logger *zap.Logger

	operationsTotal metric.Int64Counter
	retriesTotal    metric.Int64Counter
	deadLetterTotal metric.Int64Counter
	conflictsTotal  metric.Int64Counter
	durationSeconds metric.Float64Histogram
	systemHealth    metric.Int64Gauge
}

// SyncMetricsConfig holds configuration for sync metrics.
type SyncMetricsConfig struct {
	Meter  metric.Meter
	Logger *zap.Logger
	// DepthProvider, when set, backs the sync_queue_depth observable gauge.
	DepthProvider QueueDepthProvider
}

// NewSyncMetrics creates a SyncMetrics instance and registers its instruments.
func NewSyncMetrics(cfg SyncMetricsConfig) (*SyncMetrics, error) {
	if cfg.Meter == nil {
		return nil, ErrMeterNil
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	sm := &SyncMetrics{logger: logger}

	var err error
	sm.operationsTotal, err = cfg.Meter.Int64Counter(
		"sync_operations_total",
		metric.WithDescription("Total sync operations by terminal status"),
		metric.WithUnit("{operations}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create operations counter: %w", err)
	}

	sm.retriesTotal, err = cfg.Meter.Int64Counter(
		"sync_retries_total",
		metric.WithDescription("Total retry attempts by error class"),
		metric.WithUnit("{retries}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create retries counter: %w", err)
	}

	sm.deadLetterTotal, err = cfg.Meter.Int64Counter(
		"sync_dead_letters_total",
		metric.WithDescription("Total operations moved to the dead-letter queue"),
		metric.WithUnit("{operations}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create dead-letter counter: %w", err)
	}

	sm.conflictsTotal, err = cfg.Meter.Int64Counter(
		"sync_conflicts_total",
		metric.WithDescription("Total field-level conflicts detected"),
		metric.WithUnit("{conflicts}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create conflicts counter: %w", err)
	}

	sm.durationSeconds, err = cfg.Meter.Float64Histogram(
		"sync_operation_duration_seconds",
		metric.WithDescription("Sync operation processing duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create duration histogram: %w", err)
	}

	sm.systemHealth, err = cfg.Meter.Int64Gauge(
		"sync_system_healthy",
		metric.WithDescription("1 when the external system's health probe passes, 0 otherwise"),
	)
	if err != nil {
		return nil, fmt.Errorf("create system health gauge: %w", err)
	}

	if cfg.DepthProvider != nil {
		depthGauge, err := cfg.Meter.Int64ObservableGauge(
			"sync_queue_depth",
			metric.WithDescription("Waiting jobs per queue"),
			metric.WithUnit("{jobs}"),
		)
		if err != nil {
			return nil, fmt.Errorf("create queue depth gauge: %w", err)
		}
		_, err = cfg.Meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			depths, err := cfg.DepthProvider.QueueDepths(ctx)
			if err != nil {
				logger.Warn("failed to collect queue depths", zap.Error(err))
				return nil
			}
			for queue, depth := range depths {
				o.ObserveInt64(depthGauge, depth, metric.WithAttributes(AttrQueue.String(queue)))
			}
			return nil
		}, depthGauge)
		if err != nil {
			return nil, fmt.Errorf("register queue depth callback: %w", err)
		}
	}

	return sm, nil
}

// RecordOperation records a terminal operation outcome and its duration.
func (sm *SyncMetrics) RecordOperation(ctx context.Context, entityType, status string, duration time.Duration) {
	attrs := metric.WithAttributes(
		AttrEntityType.String(entityType),
		AttrStatus.String(status),
	)
	sm.operationsTotal.Add(ctx, 1, attrs)
	sm.durationSeconds.Record(ctx, duration.Seconds(), metric.WithAttributes(AttrEntityType.String(entityType)))
}

// RecordRetry records one retry attempt.
func (sm *SyncMetrics) RecordRetry(ctx context.Context, entityType, errorClass string) {
	sm.retriesTotal.Add(ctx, 1, metric.WithAttributes(
		AttrEntityType.String(entityType),
		AttrErrorClass.String(errorClass),
	))
}

// RecordDeadLetter records one dead-lettered operation.
func (sm *SyncMetrics) RecordDeadLetter(ctx context.Context, queue string) {
	sm.deadLetterTotal.Add(ctx, 1, metric.WithAttributes(AttrQueue.String(queue)))
}

// RecordConflict records a detected conflict and whether it auto-resolved.
func (sm *SyncMetrics) RecordConflict(ctx context.Context, entityType string, resolved bool) {
	sm.conflictsTotal.Add(ctx, 1, metric.WithAttributes(
		AttrEntityType.String(entityType),
		AttrResolved.Bool(resolved),
	))
}

// RecordSystemHealth records the outcome of one health probe.
func (sm *SyncMetrics) RecordSystemHealth(ctx context.Context, system string, healthy bool) {
	value := int64(0)
	if healthy {
		value = 1
	}
	sm.systemHealth.Record(ctx, value, metric.WithAttributes(AttrSystem.String(system)))
}
