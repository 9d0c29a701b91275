package logger

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// requestLog finds the access-log entry among everything the middleware logged.
func requestLog(t *testing.T, recorded *observer.ObservedLogs) observer.LoggedEntry {
	t.Helper()
	for _, entry := range recorded.All() {
		if entry.Message == "HTTP Request" {
			return entry
		}
	}
	t.Fatal("no HTTP Request log entry")
	return observer.LoggedEntry{}
}

func TestGinMiddleware_LogLevelTracksStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
		level  zapcore.Level
	}{
		{name: "2xx logs info", status: http.StatusOK, level: zapcore.InfoLevel},
		{name: "4xx logs warn", status: http.StatusBadRequest, level: zapcore.WarnLevel},
		{name: "5xx logs error", status: http.StatusBadGateway, level: zapcore.ErrorLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, recorded := observer.New(zapcore.InfoLevel)

			router := gin.New()
			router.Use(GinMiddleware(zap.New(core)))
			router.GET("/test", func(c *gin.Context) {
				c.Status(tt.status)
			})

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))

			entry := requestLog(t, recorded)
			assert.Equal(t, tt.level, entry.Level)
		})
	}
}

func TestGinMiddleware_CarriesRequestID(t *testing.T) {
	core, recorded := observer.New(zapcore.InfoLevel)

	router := gin.New()
	// Simulates the RequestID middleware running first.
	router.Use(func(c *gin.Context) {
		c.Set("request_id", "req-abc")
		c.Next()
	})
	router.Use(GinMiddleware(zap.New(core)))
	router.GET("/test", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))

	entry := requestLog(t, recorded)
	found := false
	for _, field := range entry.Context {
		if field.Key == "request_id" {
			found = true
			assert.Equal(t, "req-abc", field.String)
		}
	}
	assert.True(t, found, "request_id should be in log fields")
}

func TestGinMiddleware_AttachesLoggerToRequestContext(t *testing.T) {
	core, _ := observer.New(zapcore.InfoLevel)

	var fromCtx *zap.Logger
	var requestID string

	router := gin.New()
	router.Use(func(c *gin.Context) {
		c.Set("request_id", "req-ctx-1")
		c.Next()
	})
	router.Use(GinMiddleware(zap.New(core)))
	router.GET("/test", func(c *gin.Context) {
		fromCtx = FromContext(c.Request.Context())
		requestID = GetRequestID(c.Request.Context())
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))

	require.NotNil(t, fromCtx)
	assert.Equal(t, "req-ctx-1", requestID)
}

func TestGinMiddleware_LogsRequestFields(t *testing.T) {
	core, recorded := observer.New(zapcore.InfoLevel)

	router := gin.New()
	router.Use(GinMiddleware(zap.New(core)))
	router.POST("/api/v1/sync/operations", func(c *gin.Context) {
		c.Status(http.StatusAccepted)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sync/operations?dryRun=1", nil)
	req.Header.Set("User-Agent", "Test-Agent/1.0")
	router.ServeHTTP(w, req)

	entry := requestLog(t, recorded)
	keys := make(map[string]zap.Field, len(entry.Context))
	for _, field := range entry.Context {
		keys[field.Key] = field
	}

	for _, want := range []string{"status", "latency", "client_ip", "user_agent", "method", "path", "query"} {
		assert.Contains(t, keys, want)
	}
	assert.Contains(t, keys["query"].String, "dryRun=1")
}

func TestRecovery(t *testing.T) {
	core, recorded := observer.New(zapcore.ErrorLevel)

	router := gin.New()
	router.Use(Recovery(zap.New(core)))
	router.GET("/panic", func(c *gin.Context) {
		panic("boom")
	})

	w := httptest.NewRecorder()
	assert.NotPanics(t, func() {
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))
	})

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	logs := recorded.All()
	require.NotEmpty(t, logs)
	assert.Contains(t, logs[0].Message, "Panic recovered")
}

func TestGetGinLogger(t *testing.T) {
	core, _ := observer.New(zapcore.InfoLevel)

	var retrieved *zap.Logger
	router := gin.New()
	router.Use(GinMiddleware(zap.New(core)))
	router.GET("/test", func(c *gin.Context) {
		retrieved = GetGinLogger(c)
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))

	assert.NotNil(t, retrieved)
}

func TestGetGinLogger_NotSet(t *testing.T) {
	var retrieved *zap.Logger
	router := gin.New()
	router.GET("/test", func(c *gin.Context) {
		retrieved = GetGinLogger(c)
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))

	// No-op logger, never nil
	require.NotNil(t, retrieved)
	assert.NotPanics(t, func() {
		retrieved.Info("test")
	})
}
