// Package connector implements system adapters over the transports external
// business systems actually expose. The REST connector covers any system with
// a JSON HTTP API; tests and local development use the in-memory connector.
package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	syncdomain "github.com/syncbridge/backend/internal/domain/sync"
)

const defaultRequestTimeout = 15 * time.Second

// RESTConnector adapts an external system exposing a JSON REST API:
//
//	GET  /health                          liveness probe
//	GET  /api/{entity_type}/{entity_id}   fetch one entity
//	PUT  /api/{entity_type}/{entity_id}   upsert one entity
//	GET  /api/{entity_type}?changed_since=<RFC3339>  list changed ids
//
// Response status codes map onto the error taxonomy, so the broker can tell
// retryable failures from permanent ones.
type RESTConnector struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

// RESTConnectorOption is a functional option for configuring the connector.
type RESTConnectorOption func(*RESTConnector)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) RESTConnectorOption {
	return func(c *RESTConnector) {
		c.httpClient = client
	}
}

// WithConnectorLogger sets the logger.
func WithConnectorLogger(logger *zap.Logger) RESTConnectorOption {
	return func(c *RESTConnector) {
		c.logger = logger
	}
}

// NewRESTConnector creates a connector for the named system.
func NewRESTConnector(name, baseURL, apiKey string, opts ...RESTConnectorOption) *RESTConnector {
	c := &RESTConnector{
		name:       name,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the system identifier.
func (c *RESTConnector) Name() string {
	return c.name
}

// Fetch reads the current snapshot of an entity. A 404 means the entity does
// not exist and returns (nil, nil).
func (c *RESTConnector) Fetch(ctx context.Context, entityType syncdomain.EntityType, entityID string) (*syncdomain.Snapshot, error) {
	endpoint := fmt.Sprintf("%s/api/%s/%s", c.baseURL, entityType, url.PathEscape(entityID))
	resp, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if err := c.checkStatus(resp); err != nil {
		return nil, err
	}

	var fields map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&fields); err != nil {
		return nil, syncdomain.NewClassifiedError(syncdomain.ErrorClassValidation,
			fmt.Errorf("decode %s response from %s: %w", entityType, c.name, err))
	}

	return &syncdomain.Snapshot{
		System:     c.name,
		EntityType: entityType,
		EntityID:   entityID,
		Fields:     fields,
		ObservedAt: time.Now(),
	}, nil
}

// Apply upserts the snapshot into the system.
func (c *RESTConnector) Apply(ctx context.Context, snapshot *syncdomain.Snapshot) error {
	body, err := json.Marshal(snapshot.Fields)
	if err != nil {
		return syncdomain.NewClassifiedError(syncdomain.ErrorClassValidation,
			fmt.Errorf("marshal %s payload: %w", snapshot.EntityType, err))
	}

	endpoint := fmt.Sprintf("%s/api/%s/%s", c.baseURL, snapshot.EntityType, url.PathEscape(snapshot.EntityID))
	resp, err := c.do(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp); err != nil {
		return err
	}

	c.logger.Debug("snapshot applied",
		zap.String("system", c.name),
		zap.String("entity_type", string(snapshot.EntityType)),
		zap.String("entity_id", snapshot.EntityID),
	)
	return nil
}

// Ping verifies the system's health endpoint responds.
func (c *RESTConnector) Ping(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return c.checkStatus(resp)
}

// ChangedSince lists ids modified after the watermark.
func (c *RESTConnector) ChangedSince(ctx context.Context, entityType syncdomain.EntityType, since time.Time) ([]string, error) {
	endpoint := fmt.Sprintf("%s/api/%s?changed_since=%s", c.baseURL, entityType, url.QueryEscape(since.Format(time.RFC3339)))
	resp, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp); err != nil {
		return nil, err
	}

	var payload struct {
		IDs []string `json:"ids"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, syncdomain.NewClassifiedError(syncdomain.ErrorClassValidation,
			fmt.Errorf("decode changed-ids response from %s: %w", c.name, err))
	}
	return payload.IDs, nil
}

// do issues the request with auth headers; transport failures classify as
// transient.
func (c *RESTConnector) do(ctx context.Context, method, endpoint string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, syncdomain.NewClassifiedError(syncdomain.ErrorClassTransient,
			fmt.Errorf("%s request to %s failed: %w", method, c.name, err))
	}
	return resp, nil
}

// checkStatus maps non-2xx responses onto the error taxonomy, reading the
// Retry-After header for 429s.
func (c *RESTConnector) checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	class := syncdomain.ClassifyHTTPStatus(resp.StatusCode)
	cerr := syncdomain.NewClassifiedError(class,
		fmt.Errorf("%s returned %d: %s", c.name, resp.StatusCode, strings.TrimSpace(string(detail))))

	if class == syncdomain.ErrorClassRateLimited {
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			cerr.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return cerr
}

var _ syncdomain.SystemAdapter = (*RESTConnector)(nil)
