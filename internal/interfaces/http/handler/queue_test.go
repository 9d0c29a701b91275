package handler

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncdomain "github.com/syncbridge/backend/internal/domain/sync"
	"github.com/syncbridge/backend/internal/infrastructure/auth"
	"github.com/syncbridge/backend/internal/infrastructure/broker"
)

type fakeQueueAdmin struct {
	paused  map[broker.QueueName]bool
	cleared map[broker.QueueName]bool
	dead    map[broker.QueueName][]*broker.DeadLetterEntry
	retried map[broker.QueueName]int
}

func newFakeQueueAdmin() *fakeQueueAdmin {
	return &fakeQueueAdmin{
		paused:  make(map[broker.QueueName]bool),
		cleared: make(map[broker.QueueName]bool),
		dead:    make(map[broker.QueueName][]*broker.DeadLetterEntry),
		retried: make(map[broker.QueueName]int),
	}
}

func (f *fakeQueueAdmin) GetQueueStats(context.Context) (map[broker.QueueName]broker.QueueStats, error) {
	return map[broker.QueueName]broker.QueueStats{
		broker.QueueOrder:     {Waiting: 3, Completed: 12},
		broker.QueueInventory: {Failed: 1},
	}, nil
}

func (f *fakeQueueAdmin) Pause(_ context.Context, queue broker.QueueName) error {
	f.paused[queue] = true
	return nil
}

func (f *fakeQueueAdmin) Resume(_ context.Context, queue broker.QueueName) error {
	f.paused[queue] = false
	return nil
}

func (f *fakeQueueAdmin) Clear(_ context.Context, queue broker.QueueName) error {
	f.cleared[queue] = true
	return nil
}

func (f *fakeQueueAdmin) RetryFailed(_ context.Context, queue broker.QueueName, limit int) (int, error) {
	n := f.retried[queue]
	if n > limit {
		n = limit
	}
	return n, nil
}

func (f *fakeQueueAdmin) DeadLetters(_ context.Context, queue broker.QueueName, _ int) ([]*broker.DeadLetterEntry, error) {
	return f.dead[queue], nil
}

func newQueueRouter(admin QueueAdmin, role auth.Role) *gin.Engine {
	engine := gin.New()
	api := engine.Group("/api/v1")
	api.Use(asRole(role))
	NewQueueHandler(admin).RegisterRoutes(api)
	return engine
}

func TestQueueHandler_Stats(t *testing.T) {
	engine := newQueueRouter(newFakeQueueAdmin(), auth.RoleAdmin)

	w := doJSON(engine, http.MethodGet, "/api/v1/queues/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"waiting":3`)
}

func TestQueueHandler_RoleGate(t *testing.T) {
	engine := newQueueRouter(newFakeQueueAdmin(), auth.RoleOperator)

	w := doJSON(engine, http.MethodGet, "/api/v1/queues/stats", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "FORBIDDEN")
}

func TestQueueHandler_PauseResume(t *testing.T) {
	admin := newFakeQueueAdmin()
	engine := newQueueRouter(admin, auth.RoleManager)

	w := doJSON(engine, http.MethodPost, "/api/v1/queues/order/pause", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, admin.paused[broker.QueueOrder])

	w = doJSON(engine, http.MethodPost, "/api/v1/queues/order/resume", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, admin.paused[broker.QueueOrder])
}

func TestQueueHandler_Clear(t *testing.T) {
	admin := newFakeQueueAdmin()
	engine := newQueueRouter(admin, auth.RoleAdmin)

	w := doJSON(engine, http.MethodPost, "/api/v1/queues/order/clear", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"cleared":true`)
	assert.True(t, admin.cleared[broker.QueueOrder])
}

func TestQueueHandler_UnknownQueue(t *testing.T) {
	engine := newQueueRouter(newFakeQueueAdmin(), auth.RoleAdmin)

	w := doJSON(engine, http.MethodPost, "/api/v1/queues/billing/pause", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(engine, http.MethodPost, "/api/v1/queues/billing/clear", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestQueueHandler_RetryFailed(t *testing.T) {
	admin := newFakeQueueAdmin()
	admin.retried[broker.QueueInventory] = 4
	engine := newQueueRouter(admin, auth.RoleAdmin)

	w := doJSON(engine, http.MethodPost, "/api/v1/queues/inventory/retry-failed?limit=10", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, w.Body.String(), `"replayed":4`)
}

func TestQueueHandler_DeadLetters(t *testing.T) {
	admin := newFakeQueueAdmin()
	op := syncdomain.NewSyncOperation(syncdomain.EntityOrder, syncdomain.OpCreate,
		"commerce", "erp", "ord-9", map[string]any{"total": 10}, uuid.New(), 0)
	admin.dead[broker.QueueOrder] = []*broker.DeadLetterEntry{{
		JobID:     uuid.New(),
		Queue:     broker.QueueOrder,
		Operation: op,
		LastError: "timeout",
		Attempts:  3,
		FailedAt:  time.Now(),
	}}
	engine := newQueueRouter(admin, auth.RoleAdmin)

	w := doJSON(engine, http.MethodGet, "/api/v1/queues/dead-letter?queue=order", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ord-9")
	assert.Contains(t, w.Body.String(), "timeout")
}
