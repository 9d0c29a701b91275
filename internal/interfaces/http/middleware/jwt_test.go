package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncbridge/backend/internal/infrastructure/auth"
	"github.com/syncbridge/backend/internal/infrastructure/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newJWTService(expiration time.Duration) *auth.JWTService {
	return auth.NewJWTService(config.JWTConfig{
		Secret:                "test-secret-test-secret-test-secret",
		Issuer:                "syncbridge-test",
		AccessTokenExpiration: expiration,
	})
}

func issueToken(t *testing.T, svc *auth.JWTService, role auth.Role) string {
	t.Helper()
	token, err := svc.GenerateToken(auth.GenerateTokenInput{
		UserID:   uuid.New(),
		Username: "tester",
		Role:     role,
	})
	require.NoError(t, err)
	return token
}

func newProtectedRouter(svc *auth.JWTService, roles ...auth.Role) *gin.Engine {
	engine := gin.New()
	engine.Use(JWTAuthMiddleware(svc))

	handlers := []gin.HandlerFunc{}
	if len(roles) > 0 {
		handlers = append(handlers, RequireRoles(roles...))
	}
	handlers = append(handlers, func(c *gin.Context) {
		claims := GetClaims(c)
		c.JSON(http.StatusOK, gin.H{"user": claims.Username, "role": string(GetRole(c))})
	})

	engine.GET("/protected", handlers...)
	engine.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	return engine
}

func get(engine *gin.Engine, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set(AuthHeaderKey, BearerPrefix+token)
	}
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func TestJWTAuthMiddleware_ValidToken(t *testing.T) {
	svc := newJWTService(time.Hour)
	engine := newProtectedRouter(svc)

	w := get(engine, "/protected", issueToken(t, svc, auth.RoleManager))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"role":"manager"`)
}

func TestJWTAuthMiddleware_MissingToken(t *testing.T) {
	engine := newProtectedRouter(newJWTService(time.Hour))

	w := get(engine, "/protected", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "UNAUTHORIZED")
}

func TestJWTAuthMiddleware_MalformedHeader(t *testing.T) {
	engine := newProtectedRouter(newJWTService(time.Hour))

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set(AuthHeaderKey, "Token abc123")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "INVALID_TOKEN")
}

func TestJWTAuthMiddleware_ExpiredToken(t *testing.T) {
	svc := newJWTService(-time.Minute)
	engine := newProtectedRouter(svc)

	w := get(engine, "/protected", issueToken(t, svc, auth.RoleAdmin))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "TOKEN_EXPIRED")
}

func TestJWTAuthMiddleware_SkipPaths(t *testing.T) {
	engine := newProtectedRouter(newJWTService(time.Hour))

	w := get(engine, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequireRoles(t *testing.T) {
	svc := newJWTService(time.Hour)
	engine := newProtectedRouter(svc, auth.RoleAdmin, auth.RoleManager)

	w := get(engine, "/protected", issueToken(t, svc, auth.RoleManager))
	assert.Equal(t, http.StatusOK, w.Code)

	w = get(engine, "/protected", issueToken(t, svc, auth.RoleSales))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "FORBIDDEN")
}
