package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncbridge/backend/internal/application/alerting"
	syncdomain "github.com/syncbridge/backend/internal/domain/sync"
	"github.com/syncbridge/backend/internal/infrastructure/broker"
)

type memoryAlertRepo struct {
	mu     sync.Mutex
	alerts []*syncdomain.Alert
}

func (r *memoryAlertRepo) Save(_ context.Context, alert *syncdomain.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *alert
	r.alerts = append(r.alerts, &copied)
	return nil
}

func (r *memoryAlertRepo) Update(_ context.Context, alert *syncdomain.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.alerts {
		if existing.ID == alert.ID {
			copied := *alert
			r.alerts[i] = &copied
			return nil
		}
	}
	return syncdomain.ErrNotFound
}

func (r *memoryAlertRepo) FindByID(_ context.Context, id uuid.UUID) (*syncdomain.Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, alert := range r.alerts {
		if alert.ID == id {
			copied := *alert
			return &copied, nil
		}
	}
	return nil, syncdomain.ErrNotFound
}

func (r *memoryAlertRepo) List(_ context.Context, status syncdomain.AlertStatus, limit int) ([]*syncdomain.Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*syncdomain.Alert
	for _, alert := range r.alerts {
		if status != "" && alert.Status != status {
			continue
		}
		copied := *alert
		out = append(out, &copied)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *memoryAlertRepo) byRule(rule string) []*syncdomain.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*syncdomain.Alert
	for _, alert := range r.alerts {
		if alert.Rule == rule {
			out = append(out, alert)
		}
	}
	return out
}

var _ syncdomain.AlertRepository = (*memoryAlertRepo)(nil)

func customerWaiting(t *testing.T, env *testEnv) int64 {
	t.Helper()
	stats, err := env.store.Stats(context.Background(), broker.QueueCustomer)
	require.NoError(t, err)
	return stats.Waiting
}

func TestOrchestrator_HealthCheckPublishesAndAlerts(t *testing.T) {
	repo := &memoryAlertRepo{}
	evaluator := alerting.NewEvaluator(alerting.DefaultRules(10, 1000, time.Minute), repo, nil)
	env := newTestEnv(t, nil, WithEvaluator(evaluator))

	ctx := context.Background()
	env.crm.FailPingWith(errors.New("connection refused"))

	env.orch.runHealthCheck(ctx)

	assert.Eventually(t, func() bool {
		return env.rec.count(syncdomain.EventSystemHealth) == 3
	}, 2*time.Second, 10*time.Millisecond, "one health event per registered system")

	assert.True(t, env.rec.find(syncdomain.EventSystemHealth, func(ev syncdomain.Event) bool {
		return ev.Data["system"] == "crm" && ev.Data["healthy"] == false
	}), "failing system is reported unhealthy")
	assert.True(t, env.rec.find(syncdomain.EventSystemHealth, func(ev syncdomain.Event) bool {
		return ev.Data["system"] == "erp" && ev.Data["healthy"] == true
	}))

	fired := repo.byRule("system_unavailable")
	require.Len(t, fired, 1, "one availability alert for the failing probe")
	assert.Equal(t, syncdomain.SeverityCritical, fired[0].Severity)
	assert.Equal(t, "crm", fired[0].Details["system"])

	// The probe recovers; a fresh check raises nothing new within the cooldown.
	env.crm.FailPingWith(nil)
	env.orch.runHealthCheck(ctx)
	assert.Len(t, repo.byRule("system_unavailable"), 1)
}

func TestOrchestrator_IncrementalSyncUsesWatermark(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.erp.Seed(syncdomain.EntityCustomer, "cust-1", map[string]any{"email": "a@example.com"})

	env.orch.runIncrementalSync(ctx)
	assert.EqualValues(t, 2, customerWaiting(t, env),
		"the changed customer fans out to both other systems")

	mark, err := env.watermarks.Get(ctx, "erp", syncdomain.EntityCustomer)
	require.NoError(t, err)
	assert.False(t, mark.IsZero(), "watermark advances after a sweep")

	// Nothing changed since the stored watermark, so the second sweep is a no-op.
	env.orch.runIncrementalSync(ctx)
	assert.EqualValues(t, 2, customerWaiting(t, env))

	// A new observation after the watermark is picked up.
	env.erp.Seed(syncdomain.EntityCustomer, "cust-2", map[string]any{"email": "b@example.com"})
	env.orch.runIncrementalSync(ctx)
	assert.EqualValues(t, 4, customerWaiting(t, env))
}

func TestOrchestrator_FullResyncRunsOncePerDay(t *testing.T) {
	now := time.Date(2026, 1, 5, 3, 10, 0, 0, time.UTC)
	env := newTestEnv(t, nil, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	env.erp.Seed(syncdomain.EntityCustomer, "cust-1", map[string]any{"email": "a@example.com"})

	env.orch.checkFullResync(ctx)
	assert.EqualValues(t, 2, customerWaiting(t, env))

	// Same day: the resync already ran.
	env.orch.checkFullResync(ctx)
	assert.EqualValues(t, 2, customerWaiting(t, env))

	// Outside the configured hour nothing happens.
	now = now.Add(5 * time.Hour)
	env.orch.checkFullResync(ctx)
	assert.EqualValues(t, 2, customerWaiting(t, env))

	// Next day at the resync hour it runs again.
	now = time.Date(2026, 1, 6, 3, 0, 0, 0, time.UTC)
	env.orch.checkFullResync(ctx)
	assert.EqualValues(t, 4, customerWaiting(t, env))
}

func TestOrchestrator_FullResyncSkipsWhenLockHeld(t *testing.T) {
	now := time.Date(2026, 1, 5, 3, 10, 0, 0, time.UTC)
	env := newTestEnv(t, nil, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	env.erp.Seed(syncdomain.EntityCustomer, "cust-1", map[string]any{"email": "a@example.com"})

	acquired, err := env.locker.Acquire(ctx, "full-resync:customer", "other-instance", time.Hour)
	require.NoError(t, err)
	require.True(t, acquired)

	env.orch.checkFullResync(ctx)
	assert.EqualValues(t, 0, customerWaiting(t, env),
		"another instance owns the customer resync")
}

func TestOrchestrator_CleanupPurgesOldHistory(t *testing.T) {
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	env := newTestEnv(t, nil, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	env.history.add(syncdomain.HistoryEntry{
		ID:         uuid.New(),
		RecordedAt: now.Add(-40 * 24 * time.Hour),
	})
	env.history.add(syncdomain.HistoryEntry{
		ID:         uuid.New(),
		RecordedAt: now.Add(-24 * time.Hour),
	})

	env.orch.runCleanup(ctx)
	assert.Equal(t, 1, env.history.len(), "only entries past the retention window are purged")
}
