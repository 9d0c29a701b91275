// Package handler exposes the sync engine over HTTP: submission and status,
// queue administration, conflict resolution and alert workflows.
package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/syncbridge/backend/internal/application/orchestrator"
	syncdomain "github.com/syncbridge/backend/internal/domain/sync"
	"github.com/syncbridge/backend/internal/infrastructure/broker"
	"github.com/syncbridge/backend/internal/infrastructure/logger"
	"github.com/syncbridge/backend/internal/interfaces/http/dto"
)

// BaseHandler provides common handler utilities
type BaseHandler struct{}

// Success sends a success response
func (h *BaseHandler) Success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, dto.NewSuccessResponse(data))
}

// SuccessWithMeta sends a success response with list meta
func (h *BaseHandler) SuccessWithMeta(c *gin.Context, data any, total, limit int) {
	c.JSON(http.StatusOK, dto.NewSuccessResponseWithMeta(data, total, limit))
}

// Accepted sends a 202 accepted response, used for queued work
func (h *BaseHandler) Accepted(c *gin.Context, data any) {
	c.JSON(http.StatusAccepted, dto.NewSuccessResponse(data))
}

// Error sends an error response with the given status code
func (h *BaseHandler) Error(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, dto.NewErrorResponse(code, message))
}

// ErrorWithCode sends an error response, deriving the status from the code
func (h *BaseHandler) ErrorWithCode(c *gin.Context, code, message string) {
	c.JSON(dto.GetHTTPStatus(code), dto.NewErrorResponse(code, message))
}

// BadRequest sends a 400 bad request response
func (h *BaseHandler) BadRequest(c *gin.Context, message string) {
	h.Error(c, http.StatusBadRequest, dto.ErrCodeBadRequest, message)
}

// NotFound sends a 404 not found response
func (h *BaseHandler) NotFound(c *gin.Context, message string) {
	h.Error(c, http.StatusNotFound, dto.ErrCodeNotFound, message)
}

// InternalError sends a 500 internal server error response
func (h *BaseHandler) InternalError(c *gin.Context, message string) {
	h.Error(c, http.StatusInternalServerError, dto.ErrCodeInternal, message)
}

// HandleError maps orchestrator and domain errors onto the response envelope.
func (h *BaseHandler) HandleError(c *gin.Context, err error) {
	if err == nil {
		return
	}

	switch {
	case errors.Is(err, orchestrator.ErrUnknownEntityType),
		errors.Is(err, orchestrator.ErrUnknownOperation),
		errors.Is(err, orchestrator.ErrSameSourceTarget):
		h.ErrorWithCode(c, dto.ErrCodeValidation, err.Error())
		return
	case errors.Is(err, orchestrator.ErrUnknownSystem):
		h.ErrorWithCode(c, dto.ErrCodeUnknownSystem, err.Error())
		return
	case errors.Is(err, orchestrator.ErrConflictNotFound),
		errors.Is(err, orchestrator.ErrStatusNotFound),
		errors.Is(err, broker.ErrOperationNotFound),
		errors.Is(err, syncdomain.ErrNotFound):
		h.ErrorWithCode(c, dto.ErrCodeNotFound, err.Error())
		return
	case errors.Is(err, syncdomain.ErrInvalidTransition):
		h.ErrorWithCode(c, dto.ErrCodeInvalidState, err.Error())
		return
	}

	var classified *syncdomain.ClassifiedError
	if errors.As(err, &classified) {
		h.ErrorWithCode(c, dto.CodeForErrorClass(classified.Class), classified.Error())
		return
	}

	logger.FromContext(c.Request.Context()).Error("Unhandled error", zap.Error(err))
	h.InternalError(c, "An unexpected error occurred")
}
