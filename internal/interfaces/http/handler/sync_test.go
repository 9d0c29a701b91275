package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncbridge/backend/internal/application/orchestrator"
	"github.com/syncbridge/backend/internal/domain/conflict"
	syncdomain "github.com/syncbridge/backend/internal/domain/sync"
	"github.com/syncbridge/backend/internal/infrastructure/auth"
	"github.com/syncbridge/backend/internal/infrastructure/broker"
	"github.com/syncbridge/backend/internal/infrastructure/connector"
	"github.com/syncbridge/backend/internal/interfaces/http/middleware"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// asRole injects the claims the JWT middleware would have set.
func asRole(role auth.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := &auth.Claims{UserID: "user-" + string(role), Username: string(role), Role: role}
		c.Set(middleware.JWTClaimsKey, claims)
		c.Set(middleware.JWTUserIDKey, claims.UserID)
		c.Set(middleware.JWTRoleKey, role)
		c.Next()
	}
}

func newSyncRouter(t *testing.T, role auth.Role) *gin.Engine {
	t.Helper()

	b := broker.NewBroker(
		broker.NewMemoryQueueStore(),
		broker.NewMemoryStatusStore(),
		broker.NewMemoryEventStream(),
	)
	orch := orchestrator.New(
		orchestrator.DefaultConfig(),
		b,
		conflict.NewResolver(conflict.DefaultRegistry("erp")),
		[]syncdomain.SystemAdapter{
			connector.NewMemoryConnector("erp"),
			connector.NewMemoryConnector("crm"),
		},
	)

	engine := gin.New()
	api := engine.Group("/api/v1")
	api.Use(asRole(role))
	NewSyncHandler(orch).RegisterRoutes(api)
	return engine
}

func doJSON(engine *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		payload, _ := json.Marshal(body)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func TestSyncHandler_SubmitAndStatus(t *testing.T) {
	engine := newSyncRouter(t, auth.RoleOperator)

	w := doJSON(engine, http.MethodPost, "/api/v1/sync/operations", gin.H{
		"entity_type": "customer",
		"operation":   "update",
		"source":      "erp",
		"target":      "crm",
		"entity_id":   "cust-1",
		"payload":     gin.H{"email": "a@example.com"},
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var submitResp struct {
		Success bool `json:"success"`
		Data    struct {
			CorrelationID string `json:"correlation_id"`
			Status        string `json:"status"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &submitResp))
	assert.True(t, submitResp.Success)
	assert.Equal(t, "queued", submitResp.Data.Status)
	require.NotEmpty(t, submitResp.Data.CorrelationID)

	w = doJSON(engine, http.MethodGet, "/api/v1/sync/operations/"+submitResp.Data.CorrelationID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var statusResp struct {
		Data broker.CorrelationStatus `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &statusResp))
	assert.Equal(t, broker.AggregateInProgress, statusResp.Data.Aggregate)
	require.Len(t, statusResp.Data.Operations, 1)
	assert.Equal(t, "crm", statusResp.Data.Operations[0].Target)
}

func TestSyncHandler_SubmitValidation(t *testing.T) {
	engine := newSyncRouter(t, auth.RoleOperator)

	w := doJSON(engine, http.MethodPost, "/api/v1/sync/operations", gin.H{
		"entity_type": "customer",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "ERR_VALIDATION")

	w = doJSON(engine, http.MethodPost, "/api/v1/sync/operations", gin.H{
		"entity_type": "customer",
		"operation":   "update",
		"source":      "warehouse",
		"target":      "crm",
		"entity_id":   "cust-1",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "ERR_UNKNOWN_SYSTEM")
}

func TestSyncHandler_StatusErrors(t *testing.T) {
	engine := newSyncRouter(t, auth.RoleOperator)

	w := doJSON(engine, http.MethodGet, "/api/v1/sync/operations/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(engine, http.MethodGet, "/api/v1/sync/operations/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "ERR_NOT_FOUND")
}

func TestSyncHandler_ListConflictsEmpty(t *testing.T) {
	engine := newSyncRouter(t, auth.RoleOperator)

	w := doJSON(engine, http.MethodGet, "/api/v1/sync/conflicts", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data []json.RawMessage `json:"data"`
		Meta struct {
			Total int `json:"total"`
		} `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Zero(t, resp.Meta.Total)
}

func TestSyncHandler_ResolveConflictRoleGate(t *testing.T) {
	operator := newSyncRouter(t, auth.RoleOperator)
	w := doJSON(operator, http.MethodPost, "/api/v1/sync/conflicts/"+uuid.NewString()+"/resolve", gin.H{
		"resolutions": gin.H{"email": "b@example.com"},
	})
	assert.Equal(t, http.StatusForbidden, w.Code)

	admin := newSyncRouter(t, auth.RoleAdmin)
	w = doJSON(admin, http.MethodPost, "/api/v1/sync/conflicts/"+uuid.NewString()+"/resolve", gin.H{
		"resolutions": gin.H{"email": "b@example.com"},
	})
	assert.Equal(t, http.StatusNotFound, w.Code, "unknown conflict ids surface as 404")
}

func TestSyncHandler_RetryUnknownOperation(t *testing.T) {
	engine := newSyncRouter(t, auth.RoleManager)

	w := doJSON(engine, http.MethodPost, "/api/v1/sync/operations/"+uuid.NewString()+"/retry", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
