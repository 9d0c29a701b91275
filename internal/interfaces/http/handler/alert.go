package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/syncbridge/backend/internal/application/alerting"
	syncdomain "github.com/syncbridge/backend/internal/domain/sync"
)

// AlertHandler exposes the alert operator workflow: list, acknowledge,
// resolve.
type AlertHandler struct {
	BaseHandler
	evaluator *alerting.Evaluator
}

// NewAlertHandler creates a new AlertHandler
func NewAlertHandler(evaluator *alerting.Evaluator) *AlertHandler {
	return &AlertHandler{evaluator: evaluator}
}

// RegisterRoutes registers alert routes on the given group.
func (h *AlertHandler) RegisterRoutes(rg *gin.RouterGroup) {
	alerts := rg.Group("/alerts")
	{
		alerts.GET("", h.List)
		alerts.POST("/:id/acknowledge", h.Acknowledge)
		alerts.POST("/:id/resolve", h.Resolve)
	}
}

type listAlertsRequest struct {
	Status string `form:"status" binding:"omitempty,oneof=active acknowledged resolved"`
	Limit  int    `form:"limit" binding:"omitempty,min=1,max=500"`
}

// List returns alerts, newest first, optionally filtered by status.
func (h *AlertHandler) List(c *gin.Context) {
	req := listAlertsRequest{Limit: 50}
	if err := c.ShouldBindQuery(&req); err != nil {
		h.BadRequest(c, err.Error())
		return
	}

	alerts, err := h.evaluator.ListAlerts(c.Request.Context(), syncdomain.AlertStatus(req.Status), req.Limit)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.SuccessWithMeta(c, alerts, len(alerts), req.Limit)
}

// Acknowledge marks an active alert as seen by an operator.
func (h *AlertHandler) Acknowledge(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		h.BadRequest(c, "alert id must be a UUID")
		return
	}

	alert, err := h.evaluator.Acknowledge(c.Request.Context(), id)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, alert)
}

// Resolve closes an alert.
func (h *AlertHandler) Resolve(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		h.BadRequest(c, "alert id must be a UUID")
		return
	}

	alert, err := h.evaluator.ResolveAlert(c.Request.Context(), id)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, alert)
}
