package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/syncbridge/backend/internal/application/orchestrator"
	"github.com/syncbridge/backend/internal/infrastructure/auth"
	"github.com/syncbridge/backend/internal/interfaces/http/dto"
	"github.com/syncbridge/backend/internal/interfaces/http/middleware"
)

// SyncHandler handles sync submission, status and conflict resolution.
type SyncHandler struct {
	BaseHandler
	orchestrator *orchestrator.Orchestrator
}

// NewSyncHandler creates a new SyncHandler
func NewSyncHandler(orch *orchestrator.Orchestrator) *SyncHandler {
	return &SyncHandler{orchestrator: orch}
}

// RegisterRoutes registers sync routes on the given group.
func (h *SyncHandler) RegisterRoutes(rg *gin.RouterGroup) {
	sync := rg.Group("/sync")
	{
		sync.POST("/operations", h.Submit)
		sync.GET("/operations/:correlationId", h.Status)
		sync.GET("/conflicts", h.ListConflicts)

		privileged := sync.Group("")
		privileged.Use(middleware.RequireRoles(auth.RoleAdmin, auth.RoleManager))
		{
			privileged.POST("/operations/:correlationId/retry", h.Retry)
			privileged.POST("/conflicts/:id/resolve", h.ResolveConflict)
		}
	}
}

// SubmitResponse acknowledges a queued submission.
type SubmitResponse struct {
	CorrelationID string `json:"correlation_id"`
	Status        string `json:"status"`
}

// Submit validates and enqueues a sync operation, fanning out to every
// target system. Returns 202 with the correlation id for status polling.
func (h *SyncHandler) Submit(c *gin.Context) {
	var req orchestrator.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Error(c, 400, dto.ErrCodeInvalidJSON, err.Error())
		return
	}

	correlationID, err := h.orchestrator.Submit(c.Request.Context(), req)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.Accepted(c, SubmitResponse{
		CorrelationID: correlationID.String(),
		Status:        "queued",
	})
}

// Status returns the aggregate view of every operation sharing the
// correlation id.
func (h *SyncHandler) Status(c *gin.Context) {
	correlationID, err := uuid.Parse(c.Param("correlationId"))
	if err != nil {
		h.BadRequest(c, "correlationId must be a UUID")
		return
	}

	status, err := h.orchestrator.GetStatus(c.Request.Context(), correlationID)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, status)
}

// Retry replays a dead-lettered operation back onto its work queue.
func (h *SyncHandler) Retry(c *gin.Context) {
	operationID, err := uuid.Parse(c.Param("correlationId"))
	if err != nil {
		h.BadRequest(c, "operation id must be a UUID")
		return
	}

	if err := h.orchestrator.RetryOperation(c.Request.Context(), operationID); err != nil {
		h.HandleError(c, err)
		return
	}
	h.Accepted(c, gin.H{"operation_id": operationID.String(), "status": "queued"})
}

// ListConflicts returns operations parked for manual resolution.
func (h *SyncHandler) ListConflicts(c *gin.Context) {
	req := dto.DefaultListRequest()
	if err := c.ShouldBindQuery(&req); err != nil {
		h.BadRequest(c, err.Error())
		return
	}

	conflicts, err := h.orchestrator.ListConflicts(c.Request.Context(), req.Limit)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.SuccessWithMeta(c, conflicts, len(conflicts), req.Limit)
}

// ResolveConflictRequest carries the operator-chosen field values.
type ResolveConflictRequest struct {
	Resolutions map[string]any `json:"resolutions" binding:"required"`
}

// ResolveConflict applies operator-chosen values to a parked operation and
// re-queues it.
func (h *SyncHandler) ResolveConflict(c *gin.Context) {
	operationID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		h.BadRequest(c, "conflict id must be a UUID")
		return
	}

	var req ResolveConflictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Error(c, 400, dto.ErrCodeInvalidJSON, err.Error())
		return
	}

	if err := h.orchestrator.ResolveConflict(c.Request.Context(), operationID, req.Resolutions); err != nil {
		h.HandleError(c, err)
		return
	}
	h.Accepted(c, gin.H{"operation_id": operationID.String(), "status": "queued"})
}
