package connector

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncdomain "github.com/syncbridge/backend/internal/domain/sync"
)

func TestRESTConnector_Fetch(t *testing.T) {
	t.Run("returns snapshot fields", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/customer/cust-1", r.URL.Path)
			assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"name":"Acme","credit_limit":"5000"}`))
		}))
		defer srv.Close()

		c := NewRESTConnector("erp", srv.URL, "secret")
		snap, err := c.Fetch(context.Background(), syncdomain.EntityCustomer, "cust-1")

		require.NoError(t, err)
		require.NotNil(t, snap)
		assert.Equal(t, "erp", snap.System)
		assert.Equal(t, "Acme", snap.Fields["name"])
	})

	t.Run("missing entity yields nil without error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer srv.Close()

		c := NewRESTConnector("erp", srv.URL, "")
		snap, err := c.Fetch(context.Background(), syncdomain.EntityCustomer, "cust-404")

		require.NoError(t, err)
		assert.Nil(t, snap)
	})
}

func TestRESTConnector_Apply(t *testing.T) {
	t.Run("puts the field map", func(t *testing.T) {
		var gotMethod, gotPath string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotMethod = r.Method
			gotPath = r.URL.Path
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		c := NewRESTConnector("commerce", srv.URL, "")
		err := c.Apply(context.Background(), &syncdomain.Snapshot{
			EntityType: syncdomain.EntityInventory,
			EntityID:   "sku-1",
			Fields:     map[string]any{"quantity": 10},
		})

		require.NoError(t, err)
		assert.Equal(t, http.MethodPut, gotMethod)
		assert.Equal(t, "/api/inventory/sku-1", gotPath)
	})
}

func TestRESTConnector_ErrorClassification(t *testing.T) {
	cases := []struct {
		name       string
		status     int
		wantClass  syncdomain.ErrorClass
		wantsRetry bool
	}{
		{"unauthorized maps to auth", http.StatusUnauthorized, syncdomain.ErrorClassAuth, false},
		{"conflict maps to conflict", http.StatusConflict, syncdomain.ErrorClassConflict, false},
		{"unprocessable maps to validation", http.StatusUnprocessableEntity, syncdomain.ErrorClassValidation, false},
		{"server error maps to transient", http.StatusBadGateway, syncdomain.ErrorClassTransient, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			c := NewRESTConnector("erp", srv.URL, "")
			err := c.Apply(context.Background(), &syncdomain.Snapshot{
				EntityType: syncdomain.EntityOrder,
				EntityID:   "ord-1",
				Fields:     map[string]any{},
			})

			require.Error(t, err)
			assert.Equal(t, tc.wantClass, syncdomain.Classify(err))
			assert.Equal(t, tc.wantsRetry, syncdomain.Classify(err).Retryable())
		})
	}

	t.Run("rate limit carries the retry-after hint", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Retry-After", "45")
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer srv.Close()

		c := NewRESTConnector("erp", srv.URL, "")
		err := c.Ping(context.Background())

		require.Error(t, err)
		var cerr *syncdomain.ClassifiedError
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, syncdomain.ErrorClassRateLimited, cerr.Class)
		assert.Equal(t, 45*time.Second, cerr.RetryAfter)
	})

	t.Run("connection failure is transient", func(t *testing.T) {
		c := NewRESTConnector("erp", "http://127.0.0.1:1", "")
		err := c.Ping(context.Background())

		require.Error(t, err)
		assert.Equal(t, syncdomain.ErrorClassTransient, syncdomain.Classify(err))
	})
}

func TestRESTConnector_ChangedSince(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/pricing", r.URL.Path)
		assert.NotEmpty(t, r.URL.Query().Get("changed_since"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ids":["price-1","price-2"]}`))
	}))
	defer srv.Close()

	c := NewRESTConnector("erp", srv.URL, "")
	ids, err := c.ChangedSince(context.Background(), syncdomain.EntityPricing, time.Now().Add(-time.Hour))

	require.NoError(t, err)
	assert.Equal(t, []string{"price-1", "price-2"}, ids)
}
