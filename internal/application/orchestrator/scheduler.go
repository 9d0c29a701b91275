package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/syncbridge/backend/internal/application/alerting"
	syncdomain "github.com/syncbridge/backend/internal/domain/sync"
)

// resyncTickInterval is how often the full-resync loop checks the clock.
const resyncTickInterval = time.Minute

// Start launches the scheduled loops: health checks, incremental sync, the
// daily full resync and history cleanup.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = true
	o.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	loops := []struct {
		name     string
		interval time.Duration
		fn       func(ctx context.Context)
	}{
		{"health", o.config.HealthCheckInterval, o.runHealthCheck},
		{"incremental", o.config.IncrementalInterval, o.runIncrementalSync},
		{"resync", resyncTickInterval, o.checkFullResync},
		{"cleanup", o.config.CleanupInterval, o.runCleanup},
	}
	for _, loop := range loops {
		if loop.interval <= 0 {
			continue
		}
		o.wg.Add(1)
		go o.runLoop(runCtx, loop.name, loop.interval, loop.fn)
	}

	o.logger.Info("orchestrator schedulers started",
		zap.Duration("health_interval", o.config.HealthCheckInterval),
		zap.Duration("incremental_interval", o.config.IncrementalInterval),
		zap.Int("full_resync_hour", o.config.FullResyncHour),
	)
	return nil
}

// Stop cancels the scheduled loops and waits for them to finish.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = false
	cancel := o.cancel
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.logger.Info("orchestrator schedulers stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) runLoop(ctx context.Context, name string, interval time.Duration, fn func(ctx context.Context)) {
	defer o.wg.Done()

	o.logger.Debug("scheduler loop running",
		zap.String("loop", name),
		zap.Duration("interval", interval),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// runHealthCheck probes every registered system plus the queue store,
// publishes system_health events and feeds alerting.
func (o *Orchestrator) runHealthCheck(ctx context.Context) {
	for name, adapter := range o.adapters {
		err := adapter.Ping(ctx)
		healthy := err == nil

		if o.metrics != nil {
			o.metrics.RecordSystemHealth(ctx, name, healthy)
		}
		if o.evaluator != nil {
			availability := 1.0
			if !healthy {
				availability = 0
			}
			o.evaluator.Record(ctx, alerting.MetricAvailability, availability,
				map[string]any{"system": name})
		}
		o.publishHealth(ctx, name, healthy, err)

		if !healthy {
			o.logger.Warn("system health check failed",
				zap.String("system", name),
				zap.Error(err),
			)
		}
	}

	if err := o.broker.Ping(ctx); err != nil {
		o.logger.Error("queue store health check failed", zap.Error(err))
		o.publishHealth(ctx, "broker", false, err)
	}

	if o.evaluator != nil {
		stats, err := o.broker.GetQueueStats(ctx)
		if err != nil {
			o.logger.Warn("failed to collect queue stats", zap.Error(err))
			return
		}
		o.evaluator.ObserveQueueStats(ctx, stats)
	}
}

func (o *Orchestrator) publishHealth(ctx context.Context, system string, healthy bool, probeErr error) {
	if o.stream == nil {
		return
	}
	event := syncdomain.NewEvent(syncdomain.EventSystemHealth)
	event.SourceSystem = system
	event.Data = map[string]any{
		"system":  system,
		"healthy": healthy,
	}
	if probeErr != nil {
		event.Data["error"] = probeErr.Error()
	}
	if err := o.stream.Publish(ctx, event); err != nil {
		o.logger.Warn("failed to publish health event", zap.Error(err))
	}
}

// runIncrementalSync asks every system for entities changed since the stored
// watermark and fans the changes out to the other systems.
func (o *Orchestrator) runIncrementalSync(ctx context.Context) {
	now := o.now()
	for _, system := range o.systemNames() {
		adapter := o.adapters[system]
		for _, entityType := range syncdomain.AllEntityTypes() {
			since, err := o.watermarks.Get(ctx, system, entityType)
			if err != nil {
				o.logger.Warn("failed to load watermark",
					zap.String("system", system),
					zap.String("entity_type", string(entityType)),
					zap.Error(err),
				)
				continue
			}
			if since.IsZero() {
				since = now.Add(-o.config.IncrementalInterval)
			}

			count, err := o.syncChangedEntities(ctx, adapter, system, entityType, since)
			if err != nil {
				o.logger.Warn("incremental sync failed",
					zap.String("system", system),
					zap.String("entity_type", string(entityType)),
					zap.Error(err),
				)
				continue
			}

			if err := o.watermarks.Set(ctx, system, entityType, now); err != nil {
				o.logger.Warn("failed to store watermark",
					zap.String("system", system),
					zap.String("entity_type", string(entityType)),
					zap.Error(err),
				)
			}
			if count > 0 {
				o.logger.Info("incremental sync scheduled",
					zap.String("system", system),
					zap.String("entity_type", string(entityType)),
					zap.Int("entities", count),
				)
			}
		}
	}
}

// checkFullResync runs the daily full resync once per day at the configured
// hour, one entity type at a time under the advisory lock so only a single
// instance performs it.
func (o *Orchestrator) checkFullResync(ctx context.Context) {
	now := o.now()
	if now.Hour() != o.config.FullResyncHour {
		return
	}
	today := now.Format("2006-01-02")

	for _, entityType := range syncdomain.AllEntityTypes() {
		o.mu.Lock()
		done := o.lastResync[entityType] == today
		o.mu.Unlock()
		if done {
			continue
		}

		lockName := "full-resync:" + string(entityType)
		acquired, err := o.locker.Acquire(ctx, lockName, o.instanceID, o.config.LockTTL)
		if err != nil {
			o.logger.Warn("failed to acquire resync lock",
				zap.String("entity_type", string(entityType)),
				zap.Error(err),
			)
			continue
		}
		if !acquired {
			// Another instance owns this resync today.
			o.mu.Lock()
			o.lastResync[entityType] = today
			o.mu.Unlock()
			continue
		}

		o.runFullResync(ctx, entityType)

		o.mu.Lock()
		o.lastResync[entityType] = today
		o.mu.Unlock()

		if err := o.locker.Release(ctx, lockName, o.instanceID); err != nil {
			o.logger.Warn("failed to release resync lock",
				zap.String("entity_type", string(entityType)),
				zap.Error(err),
			)
		}
	}
}

// runFullResync re-syncs every entity of the type from each system, using the
// zero watermark to mean "everything".
func (o *Orchestrator) runFullResync(ctx context.Context, entityType syncdomain.EntityType) {
	o.logger.Info("full resync started", zap.String("entity_type", string(entityType)))

	total := 0
	for _, system := range o.systemNames() {
		count, err := o.syncChangedEntities(ctx, o.adapters[system], system, entityType, time.Time{})
		if err != nil {
			o.logger.Warn("full resync failed for system",
				zap.String("system", system),
				zap.String("entity_type", string(entityType)),
				zap.Error(err),
			)
			continue
		}
		total += count
	}

	o.logger.Info("full resync finished",
		zap.String("entity_type", string(entityType)),
		zap.Int("entities", total),
	)
}

// syncChangedEntities enqueues a bulk_sync operation per changed entity per
// target system. All operations for one source entity share a correlation id.
func (o *Orchestrator) syncChangedEntities(ctx context.Context, adapter syncdomain.SystemAdapter, system string, entityType syncdomain.EntityType, since time.Time) (int, error) {
	var ids []string
	err := o.execute(ctx, system, func(ctx context.Context) error {
		var listErr error
		ids, listErr = adapter.ChangedSince(ctx, entityType, since)
		return listErr
	})
	if err != nil {
		return 0, fmt.Errorf("list changed entities: %w", err)
	}

	targets := make([]string, 0, len(o.adapters)-1)
	for name := range o.adapters {
		if name != system {
			targets = append(targets, name)
		}
	}
	sort.Strings(targets)

	for _, id := range ids {
		correlationID := uuid.New()
		for _, target := range targets {
			op := syncdomain.NewSyncOperation(entityType, syncdomain.OpBulkSync,
				system, target, id, nil, correlationID, 0)
			if _, err := o.broker.Enqueue(ctx, op); err != nil {
				return 0, fmt.Errorf("enqueue bulk sync for %s: %w", id, err)
			}
			o.appendHistory(ctx, op)
		}
	}
	return len(ids), nil
}

// runCleanup purges audit-trail entries past the retention window.
func (o *Orchestrator) runCleanup(ctx context.Context) {
	if o.history == nil {
		return
	}
	cutoff := o.now().Add(-o.config.HistoryRetention)
	removed, err := o.history.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		o.logger.Error("history cleanup failed", zap.Error(err))
		return
	}
	if removed > 0 {
		o.logger.Info("history entries purged",
			zap.Int64("removed", removed),
			zap.Time("cutoff", cutoff),
		)
	}
}

func (o *Orchestrator) systemNames() []string {
	names := make([]string, 0, len(o.adapters))
	for name := range o.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
