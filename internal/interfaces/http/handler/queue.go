package handler

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/syncbridge/backend/internal/infrastructure/auth"
	"github.com/syncbridge/backend/internal/infrastructure/broker"
	"github.com/syncbridge/backend/internal/interfaces/http/dto"
	"github.com/syncbridge/backend/internal/interfaces/http/middleware"
)

// QueueAdmin is the slice of the broker the queue endpoints need.
type QueueAdmin interface {
	GetQueueStats(ctx context.Context) (map[broker.QueueName]broker.QueueStats, error)
	Pause(ctx context.Context, queue broker.QueueName) error
	Resume(ctx context.Context, queue broker.QueueName) error
	Clear(ctx context.Context, queue broker.QueueName) error
	RetryFailed(ctx context.Context, queue broker.QueueName, limit int) (int, error)
	DeadLetters(ctx context.Context, queue broker.QueueName, limit int) ([]*broker.DeadLetterEntry, error)
}

// QueueHandler exposes queue administration: stats, pause/resume/clear,
// dead-letter inspection and bulk retry. All routes are admin/manager gated.
type QueueHandler struct {
	BaseHandler
	broker QueueAdmin
}

// NewQueueHandler creates a new QueueHandler
func NewQueueHandler(b QueueAdmin) *QueueHandler {
	return &QueueHandler{broker: b}
}

// RegisterRoutes registers queue admin routes on the given group.
func (h *QueueHandler) RegisterRoutes(rg *gin.RouterGroup) {
	queues := rg.Group("/queues")
	queues.Use(middleware.RequireRoles(auth.RoleAdmin, auth.RoleManager))
	{
		queues.GET("/stats", h.Stats)
		queues.GET("/dead-letter", h.DeadLetters)
		queues.POST("/:name/pause", h.Pause)
		queues.POST("/:name/resume", h.Resume)
		queues.POST("/:name/clear", h.Clear)
		queues.POST("/:name/retry-failed", h.RetryFailed)
	}
}

// Stats returns waiting/active/completed/failed counts per queue.
func (h *QueueHandler) Stats(c *gin.Context) {
	stats, err := h.broker.GetQueueStats(c.Request.Context())
	if err != nil {
		h.InternalError(c, err.Error())
		return
	}
	h.Success(c, stats)
}

// queueFromParam validates the :name path parameter against the work queues.
func (h *QueueHandler) queueFromParam(c *gin.Context) (broker.QueueName, bool) {
	name := broker.QueueName(c.Param("name"))
	for _, queue := range broker.WorkQueues() {
		if queue == name {
			return name, true
		}
	}
	h.NotFound(c, "no such queue: "+string(name))
	return "", false
}

// Pause stops workers from picking up new jobs on the queue.
func (h *QueueHandler) Pause(c *gin.Context) {
	queue, ok := h.queueFromParam(c)
	if !ok {
		return
	}
	if err := h.broker.Pause(c.Request.Context(), queue); err != nil {
		h.InternalError(c, err.Error())
		return
	}
	h.Success(c, gin.H{"queue": string(queue), "paused": true})
}

// Resume lets workers pick up jobs on the queue again.
func (h *QueueHandler) Resume(c *gin.Context) {
	queue, ok := h.queueFromParam(c)
	if !ok {
		return
	}
	if err := h.broker.Resume(c.Request.Context(), queue); err != nil {
		h.InternalError(c, err.Error())
		return
	}
	h.Success(c, gin.H{"queue": string(queue), "paused": false})
}

// Clear drops every waiting job on the queue. Jobs already being processed
// finish normally.
func (h *QueueHandler) Clear(c *gin.Context) {
	queue, ok := h.queueFromParam(c)
	if !ok {
		return
	}
	if err := h.broker.Clear(c.Request.Context(), queue); err != nil {
		h.InternalError(c, err.Error())
		return
	}
	h.Success(c, gin.H{"queue": string(queue), "cleared": true})
}

// RetryFailed re-queues dead-lettered jobs from the queue, newest first,
// bounded by the limit query parameter.
func (h *QueueHandler) RetryFailed(c *gin.Context) {
	queue, ok := h.queueFromParam(c)
	if !ok {
		return
	}

	req := dto.DefaultListRequest()
	if err := c.ShouldBindQuery(&req); err != nil {
		h.BadRequest(c, err.Error())
		return
	}

	replayed, err := h.broker.RetryFailed(c.Request.Context(), queue, req.Limit)
	if err != nil {
		h.InternalError(c, err.Error())
		return
	}
	h.Accepted(c, gin.H{"queue": string(queue), "replayed": replayed})
}

// DeadLetters lists dead-lettered jobs. An optional queue query parameter
// narrows the listing to one queue.
func (h *QueueHandler) DeadLetters(c *gin.Context) {
	req := dto.DefaultListRequest()
	if err := c.ShouldBindQuery(&req); err != nil {
		h.BadRequest(c, err.Error())
		return
	}

	queues := broker.WorkQueues()
	if name := c.Query("queue"); name != "" {
		queues = []broker.QueueName{broker.QueueName(name)}
	}

	entries := make([]*broker.DeadLetterEntry, 0)
	for _, queue := range queues {
		batch, err := h.broker.DeadLetters(c.Request.Context(), queue, req.Limit)
		if err != nil {
			h.InternalError(c, err.Error())
			return
		}
		entries = append(entries, batch...)
	}
	h.SuccessWithMeta(c, entries, len(entries), req.Limit)
}
