package handler

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/syncbridge/backend/internal/interfaces/http/dto"
)

// HealthCheck probes one dependency.
type HealthCheck struct {
	Name  string
	Probe func(ctx context.Context) error
}

// SystemHandler handles health and system info endpoints.
type SystemHandler struct {
	BaseHandler
	version   string
	checks    []HealthCheck
	startTime time.Time
}

// NewSystemHandler creates a new SystemHandler
func NewSystemHandler(version string, checks ...HealthCheck) *SystemHandler {
	return &SystemHandler{
		version:   version,
		checks:    checks,
		startTime: time.Now(),
	}
}

// RegisterPublicRoutes registers unauthenticated routes on the engine.
func (h *SystemHandler) RegisterPublicRoutes(engine *gin.Engine) {
	engine.GET("/healthz", h.Healthz)
	engine.GET("/ready", h.Ready)
}

// RegisterRoutes registers authenticated system routes on the given group.
func (h *SystemHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/system/info", h.Info)
}

// HealthzResponse reports overall and per-dependency health.
type HealthzResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
	Uptime string            `json:"uptime"`
}

// Healthz probes every registered dependency. Any failing probe degrades the
// overall status and flips the response to 503.
func (h *SystemHandler) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	resp := HealthzResponse{
		Status: "ok",
		Checks: make(map[string]string, len(h.checks)),
		Uptime: time.Since(h.startTime).Round(time.Second).String(),
	}
	for _, check := range h.checks {
		if err := check.Probe(ctx); err != nil {
			resp.Checks[check.Name] = err.Error()
			resp.Status = "degraded"
		} else {
			resp.Checks[check.Name] = "ok"
		}
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, dto.NewSuccessResponse(resp))
}

// Ready reports process liveness without probing dependencies.
func (h *SystemHandler) Ready(c *gin.Context) {
	h.Success(c, gin.H{"status": "ready"})
}

// SystemInfoResponse represents the system information response
type SystemInfoResponse struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	Uptime    string `json:"uptime"`
}

// Info returns basic system information including version and uptime.
func (h *SystemHandler) Info(c *gin.Context) {
	h.Success(c, SystemInfoResponse{
		Name:      "SyncBridge API",
		Version:   h.version,
		GoVersion: runtime.Version(),
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
	})
}
