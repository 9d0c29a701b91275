package handler

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncbridge/backend/internal/infrastructure/auth"
)

func TestSystemHandler_HealthzOK(t *testing.T) {
	handler := NewSystemHandler("1.2.3",
		HealthCheck{Name: "redis", Probe: func(context.Context) error { return nil }},
		HealthCheck{Name: "erp", Probe: func(context.Context) error { return nil }},
	)

	engine := gin.New()
	handler.RegisterPublicRoutes(engine)

	w := doJSON(engine, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
	assert.Contains(t, w.Body.String(), `"redis":"ok"`)
}

func TestSystemHandler_HealthzDegraded(t *testing.T) {
	handler := NewSystemHandler("1.2.3",
		HealthCheck{Name: "redis", Probe: func(context.Context) error { return nil }},
		HealthCheck{Name: "crm", Probe: func(context.Context) error { return errors.New("connection refused") }},
	)

	engine := gin.New()
	handler.RegisterPublicRoutes(engine)

	w := doJSON(engine, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"degraded"`)
	assert.Contains(t, w.Body.String(), "connection refused")
}

func TestSystemHandler_Info(t *testing.T) {
	handler := NewSystemHandler("2.0.0")

	engine := gin.New()
	api := engine.Group("/api/v1")
	api.Use(asRole(auth.RoleOperator))
	handler.RegisterRoutes(api)

	w := doJSON(engine, http.MethodGet, "/api/v1/system/info", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"version":"2.0.0"`)
}
