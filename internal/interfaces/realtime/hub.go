// Package realtime fans sync events out to connected dashboard clients over
// Server-Sent Events. Each client's visibility is scoped by its role, its
// explicit event subscriptions and the systems its token may observe.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	syncdomain "github.com/syncbridge/backend/internal/domain/sync"
	"github.com/syncbridge/backend/internal/infrastructure/auth"
)

// clientBufferSize allows messages to queue without blocking broadcast.
const clientBufferSize = 100

// Message is one wire-format SSE frame.
type Message struct {
	Event string `json:"event"`
	Data  string `json:"data"`
	ID    string `json:"id,omitempty"`
}

// Client is one connected SSE subscriber.
type Client struct {
	ID     string
	UserID string
	Role   auth.Role
	Chan   chan Message
	Done   chan struct{}

	claims *auth.Claims
}

// DefaultSubscriptions returns the event types a role starts with before any
// explicit subscribe/unsubscribe calls.
func DefaultSubscriptions(role auth.Role) []syncdomain.EventType {
	switch role {
	case auth.RoleAdmin:
		return syncdomain.KnownEventTypes()
	case auth.RoleManager:
		return []syncdomain.EventType{
			syncdomain.EventOrderSync,
			syncdomain.EventInventoryLowStock,
			syncdomain.EventCustomerCreate,
			syncdomain.EventPriceUpdate,
		}
	case auth.RoleOperator:
		return []syncdomain.EventType{
			syncdomain.EventOrderSync,
			syncdomain.EventInventoryLowStock,
		}
	case auth.RoleSales:
		return []syncdomain.EventType{
			syncdomain.EventCustomerCreate,
			syncdomain.EventCustomerUpdate,
			syncdomain.EventOrderSync,
			syncdomain.EventPriceUpdate,
		}
	default:
		return nil
	}
}

// roleMayObserve enforces role restrictions that subscriptions cannot widen.
func roleMayObserve(role auth.Role, eventType syncdomain.EventType) bool {
	if role != auth.RoleOperator {
		return true
	}
	switch eventType {
	case syncdomain.EventCustomerCreate, syncdomain.EventCustomerUpdate:
		return false
	}
	return true
}

// EventSource is the slice of the event stream the hub consumes.
type EventSource interface {
	Subscribe(ctx context.Context, callback func(event syncdomain.Event)) error
}

// ErrMaxClientsReached is returned when the connection cap is hit.
var ErrMaxClientsReached = fmt.Errorf("maximum number of realtime clients reached")

// Hub tracks connected clients and routes events to them through a per-event
// subscription index.
type Hub struct {
	source     EventSource
	logger     *zap.Logger
	heartbeat  time.Duration
	maxClients int

	mu      sync.RWMutex
	clients map[string]*Client
	index   map[syncdomain.EventType]map[string]*Client

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// HubOption is a functional option for configuring the hub.
type HubOption func(*Hub)

// WithHubLogger sets the logger.
func WithHubLogger(logger *zap.Logger) HubOption {
	return func(h *Hub) { h.logger = logger }
}

// WithHeartbeat sets the keep-alive interval.
func WithHeartbeat(interval time.Duration) HubOption {
	return func(h *Hub) { h.heartbeat = interval }
}

// WithMaxClients caps concurrent connections.
func WithMaxClients(max int) HubOption {
	return func(h *Hub) { h.maxClients = max }
}

// NewHub creates a hub consuming events from the given source.
func NewHub(source EventSource, opts ...HubOption) *Hub {
	h := &Hub{
		source:     source,
		logger:     zap.NewNop(),
		heartbeat:  30 * time.Second,
		maxClients: 10000,
		clients:    make(map[string]*Client),
		index:      make(map[syncdomain.EventType]map[string]*Client),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start subscribes to the event source and begins heartbeating.
func (h *Hub) Start(ctx context.Context) error {
	h.runMu.Lock()
	defer h.runMu.Unlock()
	if h.running {
		return fmt.Errorf("realtime hub already started")
	}
	h.running = true

	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := h.source.Subscribe(runCtx, h.Broadcast); err != nil && runCtx.Err() == nil {
			h.logger.Error("event subscription ended", zap.Error(err))
		}
	}()

	h.wg.Add(1)
	go h.sendHeartbeats(runCtx)

	h.logger.Info("realtime hub started",
		zap.Duration("heartbeat", h.heartbeat),
		zap.Int("max_clients", h.maxClients),
	)
	return nil
}

// Shutdown notifies every client and disconnects them all.
func (h *Hub) Shutdown() {
	h.runMu.Lock()
	if h.running {
		h.running = false
		h.cancel()
	}
	h.runMu.Unlock()
	h.wg.Wait()

	notice := Message{
		Event: "shutdown",
		Data:  fmt.Sprintf(`{"timestamp":%d}`, time.Now().Unix()),
	}

	h.mu.Lock()
	for _, client := range h.clients {
		select {
		case client.Chan <- notice:
		default:
		}
		close(client.Done)
	}
	h.clients = make(map[string]*Client)
	h.index = make(map[syncdomain.EventType]map[string]*Client)
	h.mu.Unlock()

	h.logger.Info("realtime hub stopped")
}

// Register connects a client with its role's default subscriptions.
func (h *Hub) Register(claims *auth.Claims) (*Client, error) {
	client := &Client{
		ID:     uuid.New().String(),
		UserID: claims.UserID,
		Role:   claims.Role,
		Chan:   make(chan Message, clientBufferSize),
		Done:   make(chan struct{}),
		claims: claims,
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.maxClients > 0 && len(h.clients) >= h.maxClients {
		return nil, ErrMaxClientsReached
	}

	h.clients[client.ID] = client
	for _, eventType := range DefaultSubscriptions(claims.Role) {
		h.addToIndex(eventType, client)
	}

	h.logger.Info("realtime client connected",
		zap.String("client_id", client.ID),
		zap.String("user_id", client.UserID),
		zap.String("role", string(client.Role)),
	)
	return client, nil
}

// Unregister disconnects a client and removes it from every event index.
func (h *Hub) Unregister(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client, ok := h.clients[clientID]
	if !ok {
		return
	}
	delete(h.clients, clientID)
	for eventType := range h.index {
		h.removeFromIndex(eventType, clientID)
	}

	h.logger.Info("realtime client disconnected",
		zap.String("client_id", client.ID),
		zap.String("user_id", client.UserID),
	)
}

// Lookup returns the connected client, or nil.
func (h *Hub) Lookup(clientID string) *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[clientID]
}

// Subscribe adds event types to a client's subscriptions. Unknown names are
// skipped; the applied set is returned. A missing client returns nil.
func (h *Hub) Subscribe(clientID string, events []string) []syncdomain.EventType {
	h.mu.Lock()
	defer h.mu.Unlock()

	client, ok := h.clients[clientID]
	if !ok {
		return nil
	}

	applied := make([]syncdomain.EventType, 0, len(events))
	for _, name := range events {
		eventType := syncdomain.EventType(name)
		if !syncdomain.IsKnownEventType(eventType) {
			h.logger.Debug("skipping unknown event subscription",
				zap.String("client_id", clientID),
				zap.String("event", name),
			)
			continue
		}
		h.addToIndex(eventType, client)
		applied = append(applied, eventType)
	}
	return applied
}

// Unsubscribe removes event types from a client's subscriptions. Unknown
// names are skipped; the applied set is returned.
func (h *Hub) Unsubscribe(clientID string, events []string) []syncdomain.EventType {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[clientID]; !ok {
		return nil
	}

	applied := make([]syncdomain.EventType, 0, len(events))
	for _, name := range events {
		eventType := syncdomain.EventType(name)
		if !syncdomain.IsKnownEventType(eventType) {
			continue
		}
		h.removeFromIndex(eventType, clientID)
		applied = append(applied, eventType)
	}
	return applied
}

// Subscriptions returns the client's current event types, sorted.
func (h *Hub) Subscriptions(clientID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var subs []string
	for eventType, members := range h.index {
		if _, ok := members[clientID]; ok {
			subs = append(subs, string(eventType))
		}
	}
	sort.Strings(subs)
	return subs
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast routes one event to every subscribed client that may observe it.
// Slow clients with a full buffer miss the message rather than blocking the
// rest.
func (h *Hub) Broadcast(event syncdomain.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to marshal event", zap.Error(err))
		return
	}
	msg := Message{
		Event: string(event.Type),
		Data:  string(data),
		ID:    event.ID.String(),
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.index[event.Type] {
		if !roleMayObserve(client.Role, event.Type) {
			continue
		}
		if event.SourceSystem != "" && !client.claims.CanObserveSystem(event.SourceSystem) {
			continue
		}

		select {
		case client.Chan <- msg:
		default:
			h.logger.Warn("client buffer full, dropping message",
				zap.String("client_id", client.ID),
				zap.String("event", msg.Event),
			)
		}
	}
}

func (h *Hub) sendHeartbeats(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			beat := Message{
				Event: "heartbeat",
				Data:  fmt.Sprintf(`{"timestamp":%d}`, time.Now().Unix()),
			}
			h.mu.RLock()
			for _, client := range h.clients {
				select {
				case client.Chan <- beat:
				default:
				}
			}
			h.mu.RUnlock()
		}
	}
}

// addToIndex requires h.mu held.
func (h *Hub) addToIndex(eventType syncdomain.EventType, client *Client) {
	members, ok := h.index[eventType]
	if !ok {
		members = make(map[string]*Client)
		h.index[eventType] = members
	}
	members[client.ID] = client
}

// removeFromIndex requires h.mu held.
func (h *Hub) removeFromIndex(eventType syncdomain.EventType, clientID string) {
	if members, ok := h.index[eventType]; ok {
		delete(members, clientID)
		if len(members) == 0 {
			delete(h.index, eventType)
		}
	}
}
