package realtime

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	syncdomain "github.com/syncbridge/backend/internal/domain/sync"
	"github.com/syncbridge/backend/internal/infrastructure/auth"
	"github.com/syncbridge/backend/internal/interfaces/http/middleware"
)

// SSEHandler exposes the hub over HTTP: the event stream itself plus the
// subscription management endpoints.
type SSEHandler struct {
	hub    *Hub
	logger *zap.Logger
}

// NewSSEHandler creates the handler over a hub.
func NewSSEHandler(hub *Hub, logger *zap.Logger) *SSEHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SSEHandler{hub: hub, logger: logger}
}

// RegisterRoutes registers the SSE routes on the given group.
func (h *SSEHandler) RegisterRoutes(rg *gin.RouterGroup) {
	events := rg.Group("/events")
	{
		events.GET("/stream", h.Stream)
		events.POST("/subscribe", h.Subscribe)
		events.POST("/unsubscribe", h.Unsubscribe)
	}
}

type connectedAck struct {
	ClientID      string   `json:"client_id"`
	Role          string   `json:"role"`
	Subscriptions []string `json:"subscriptions"`
	Timestamp     int64    `json:"timestamp"`
}

// Stream establishes the SSE connection. The client receives a `connected`
// acknowledgment listing its role-default subscriptions, then events as they
// are broadcast.
func (h *SSEHandler) Stream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		c.JSON(http.StatusUnauthorized, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "UNAUTHORIZED",
				"message": "Authentication required",
			},
		})
		return
	}

	client, err := h.hub.Register(claims)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "MAX_CONNECTIONS_REACHED",
				"message": "Maximum number of realtime connections reached",
			},
		})
		return
	}
	defer func() {
		h.hub.Unregister(client.ID)
		close(client.Chan)
	}()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	ack := connectedAck{
		ClientID:      client.ID,
		Role:          string(client.Role),
		Subscriptions: h.hub.Subscriptions(client.ID),
		Timestamp:     time.Now().Unix(),
	}
	ackJSON, _ := json.Marshal(ack)
	writeEvent(c.Writer, Message{Event: "connected", Data: string(ackJSON)})
	c.Writer.Flush()

	reqCtx := c.Request.Context()
	for {
		select {
		case <-reqCtx.Done():
			return
		case <-client.Done:
			// Hub shutdown: flush the pending notice before closing.
			for {
				select {
				case msg := <-client.Chan:
					writeEvent(c.Writer, msg)
				default:
					c.Writer.Flush()
					return
				}
			}
		case msg, ok := <-client.Chan:
			if !ok {
				return
			}
			writeEvent(c.Writer, msg)
			c.Writer.Flush()
		}
	}
}

type subscriptionRequest struct {
	ClientID string   `json:"client_id" binding:"required"`
	Events   []string `json:"events" binding:"required"`
}

// Subscribe adds event types to a connected client. Unknown event names are
// skipped, not fatal.
func (h *SSEHandler) Subscribe(c *gin.Context) {
	h.updateSubscriptions(c, h.hub.Subscribe)
}

// Unsubscribe removes event types from a connected client.
func (h *SSEHandler) Unsubscribe(c *gin.Context) {
	h.updateSubscriptions(c, h.hub.Unsubscribe)
}

func (h *SSEHandler) updateSubscriptions(c *gin.Context, apply func(string, []string) []syncdomain.EventType) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		c.JSON(http.StatusUnauthorized, gin.H{
			"success": false,
			"error":   gin.H{"code": "UNAUTHORIZED", "message": "Authentication required"},
		})
		return
	}

	var req subscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   gin.H{"code": "INVALID_REQUEST", "message": err.Error()},
		})
		return
	}

	client := h.hub.Lookup(req.ClientID)
	if client == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"error":   gin.H{"code": "CLIENT_NOT_FOUND", "message": "No connected client with that id"},
		})
		return
	}
	// Clients may only manage their own subscriptions; admins may manage any.
	if client.UserID != claims.UserID && claims.Role != auth.RoleAdmin {
		c.JSON(http.StatusForbidden, gin.H{
			"success": false,
			"error":   gin.H{"code": "FORBIDDEN", "message": "Cannot manage another user's subscriptions"},
		})
		return
	}

	applied := apply(req.ClientID, req.Events)
	appliedNames := make([]string, len(applied))
	for i, eventType := range applied {
		appliedNames[i] = string(eventType)
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"applied":       appliedNames,
			"subscriptions": h.hub.Subscriptions(req.ClientID),
		},
	})
}

func writeEvent(w io.Writer, msg Message) {
	if msg.Event != "" {
		fmt.Fprintf(w, "event: %s\n", msg.Event)
	}
	if msg.ID != "" {
		fmt.Fprintf(w, "id: %s\n", msg.ID)
	}
	fmt.Fprintf(w, "data: %s\n\n", msg.Data)
}
