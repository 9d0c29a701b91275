package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncdomain "github.com/syncbridge/backend/internal/domain/sync"
	"github.com/syncbridge/backend/internal/infrastructure/auth"
	"github.com/syncbridge/backend/internal/infrastructure/broker"
)

func claimsFor(role auth.Role, systems ...string) *auth.Claims {
	return &auth.Claims{
		UserID:         "user-" + string(role),
		Username:       string(role),
		Role:           role,
		AllowedSystems: systems,
	}
}

func drain(client *Client) []Message {
	var msgs []Message
	for {
		select {
		case msg := <-client.Chan:
			msgs = append(msgs, msg)
		default:
			return msgs
		}
	}
}

func eventNamed(t syncdomain.EventType, source string) syncdomain.Event {
	ev := syncdomain.NewEvent(t)
	ev.SourceSystem = source
	return ev
}

func TestDefaultSubscriptions(t *testing.T) {
	assert.Len(t, DefaultSubscriptions(auth.RoleAdmin), len(syncdomain.KnownEventTypes()))
	assert.ElementsMatch(t, []syncdomain.EventType{
		syncdomain.EventOrderSync,
		syncdomain.EventInventoryLowStock,
		syncdomain.EventCustomerCreate,
		syncdomain.EventPriceUpdate,
	}, DefaultSubscriptions(auth.RoleManager))
	assert.ElementsMatch(t, []syncdomain.EventType{
		syncdomain.EventOrderSync,
		syncdomain.EventInventoryLowStock,
	}, DefaultSubscriptions(auth.RoleOperator))
	assert.ElementsMatch(t, []syncdomain.EventType{
		syncdomain.EventCustomerCreate,
		syncdomain.EventCustomerUpdate,
		syncdomain.EventOrderSync,
		syncdomain.EventPriceUpdate,
	}, DefaultSubscriptions(auth.RoleSales))
}

func TestHub_RegisterAppliesRoleDefaults(t *testing.T) {
	hub := NewHub(broker.NewMemoryEventStream())

	client, err := hub.Register(claimsFor(auth.RoleOperator))
	require.NoError(t, err)

	assert.Equal(t, []string{
		string(syncdomain.EventInventoryLowStock),
		string(syncdomain.EventOrderSync),
	}, hub.Subscriptions(client.ID))
	assert.Equal(t, 1, hub.ClientCount())
}

func TestHub_BroadcastRoutesBySubscription(t *testing.T) {
	hub := NewHub(broker.NewMemoryEventStream())

	operator, err := hub.Register(claimsFor(auth.RoleOperator))
	require.NoError(t, err)
	sales, err := hub.Register(claimsFor(auth.RoleSales))
	require.NoError(t, err)

	hub.Broadcast(eventNamed(syncdomain.EventPriceUpdate, "erp"))

	assert.Empty(t, drain(operator), "operator is not subscribed to price updates")
	msgs := drain(sales)
	require.Len(t, msgs, 1)
	assert.Equal(t, string(syncdomain.EventPriceUpdate), msgs[0].Event)
	assert.Contains(t, msgs[0].Data, "price_update")
}

func TestHub_BroadcastFiltersBySourceSystem(t *testing.T) {
	hub := NewHub(broker.NewMemoryEventStream())

	erpOnly, err := hub.Register(claimsFor(auth.RoleManager, "erp"))
	require.NoError(t, err)
	unrestricted, err := hub.Register(claimsFor(auth.RoleAdmin))
	require.NoError(t, err)

	hub.Broadcast(eventNamed(syncdomain.EventOrderSync, "commerce"))

	assert.Empty(t, drain(erpOnly), "events from systems outside the token scope are hidden")
	assert.Len(t, drain(unrestricted), 1)
}

func TestHub_CustomerEventsHiddenFromOperator(t *testing.T) {
	hub := NewHub(broker.NewMemoryEventStream())

	operator, err := hub.Register(claimsFor(auth.RoleOperator))
	require.NoError(t, err)

	// Even an explicit subscription cannot widen the role restriction.
	applied := hub.Subscribe(operator.ID, []string{string(syncdomain.EventCustomerCreate)})
	require.Len(t, applied, 1)

	hub.Broadcast(eventNamed(syncdomain.EventCustomerCreate, "crm"))
	assert.Empty(t, drain(operator))
}

func TestHub_SubscribeSkipsUnknownEvents(t *testing.T) {
	hub := NewHub(broker.NewMemoryEventStream())

	client, err := hub.Register(claimsFor(auth.RoleOperator))
	require.NoError(t, err)

	applied := hub.Subscribe(client.ID, []string{"price_update", "bogus_event", "alert"})
	assert.ElementsMatch(t, []syncdomain.EventType{
		syncdomain.EventPriceUpdate,
		syncdomain.EventAlert,
	}, applied, "unknown names are skipped, not fatal")

	subs := hub.Subscriptions(client.ID)
	assert.Contains(t, subs, "price_update")
	assert.Contains(t, subs, "alert")
	assert.NotContains(t, subs, "bogus_event")
}

func TestHub_UnsubscribeStopsDelivery(t *testing.T) {
	hub := NewHub(broker.NewMemoryEventStream())

	client, err := hub.Register(claimsFor(auth.RoleSales))
	require.NoError(t, err)

	applied := hub.Unsubscribe(client.ID, []string{string(syncdomain.EventOrderSync)})
	require.Len(t, applied, 1)

	hub.Broadcast(eventNamed(syncdomain.EventOrderSync, "erp"))
	assert.Empty(t, drain(client))

	hub.Broadcast(eventNamed(syncdomain.EventPriceUpdate, "erp"))
	assert.Len(t, drain(client), 1, "remaining subscriptions still deliver")
}

func TestHub_UnregisterRemovesFromEveryIndex(t *testing.T) {
	hub := NewHub(broker.NewMemoryEventStream())

	client, err := hub.Register(claimsFor(auth.RoleAdmin))
	require.NoError(t, err)

	hub.Unregister(client.ID)
	assert.Equal(t, 0, hub.ClientCount())
	assert.Empty(t, hub.Subscriptions(client.ID))

	hub.Broadcast(eventNamed(syncdomain.EventOrderSync, "erp"))
	assert.Empty(t, drain(client))
}

func TestHub_SlowClientDropsInsteadOfBlocking(t *testing.T) {
	hub := NewHub(broker.NewMemoryEventStream())

	slow, err := hub.Register(claimsFor(auth.RoleAdmin))
	require.NoError(t, err)
	healthy, err := hub.Register(claimsFor(auth.RoleAdmin))
	require.NoError(t, err)

	for i := 0; i < clientBufferSize; i++ {
		slow.Chan <- Message{Event: "filler"}
	}

	done := make(chan struct{})
	go func() {
		hub.Broadcast(eventNamed(syncdomain.EventOrderSync, "erp"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a slow client")
	}

	assert.Len(t, drain(healthy), 1, "other clients still receive the event")
}

func TestHub_MaxClients(t *testing.T) {
	hub := NewHub(broker.NewMemoryEventStream(), WithMaxClients(1))

	_, err := hub.Register(claimsFor(auth.RoleAdmin))
	require.NoError(t, err)
	_, err = hub.Register(claimsFor(auth.RoleSales))
	assert.ErrorIs(t, err, ErrMaxClientsReached)
}

func TestHub_StreamsEventsFromSource(t *testing.T) {
	stream := broker.NewMemoryEventStream()
	hub := NewHub(stream, WithHeartbeat(time.Hour))

	require.NoError(t, hub.Start(context.Background()))
	defer hub.Shutdown()

	client, err := hub.Register(claimsFor(auth.RoleAdmin))
	require.NoError(t, err)

	// Publish until the stream subscription is up and the event flows through.
	require.Eventually(t, func() bool {
		require.NoError(t, stream.Publish(context.Background(), eventNamed(syncdomain.EventAlert, "")))
		select {
		case msg := <-client.Chan:
			assert.Equal(t, string(syncdomain.EventAlert), msg.Event)
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHub_ManagerReceivesCompletedOrderSync(t *testing.T) {
	stream := broker.NewMemoryEventStream()
	hub := NewHub(stream, WithHeartbeat(time.Hour))

	b := broker.NewBroker(broker.NewMemoryQueueStore(), broker.NewMemoryStatusStore(), stream,
		broker.WithPollInterval(5*time.Millisecond))
	require.NoError(t, b.Subscribe(broker.QueueOrder, func(context.Context, *syncdomain.SyncOperation) error {
		return nil
	}))

	require.NoError(t, hub.Start(context.Background()))
	defer hub.Shutdown()

	sentinel, err := hub.Register(claimsFor(auth.RoleAdmin))
	require.NoError(t, err)
	manager, err := hub.Register(claimsFor(auth.RoleManager, "erp"))
	require.NoError(t, err)

	// Publish until the hub's stream subscription is live before enqueuing.
	require.Eventually(t, func() bool {
		require.NoError(t, stream.Publish(context.Background(), eventNamed(syncdomain.EventAlert, "")))
		return len(drain(sentinel)) > 0
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, b.Start(context.Background()))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = b.Stop(ctx)
	}()

	op := syncdomain.NewSyncOperation(syncdomain.EntityOrder, syncdomain.OpUpdate,
		"erp", "commerce", "ord-77", map[string]any{"total": 120.5}, uuid.New(), 0)
	_, err = b.Enqueue(context.Background(), op)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, msg := range drain(manager) {
			if msg.Event == string(syncdomain.EventOrderSync) {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond,
		"manager default subscriptions must deliver completed order syncs")
}

func TestHub_ShutdownNotifiesClients(t *testing.T) {
	hub := NewHub(broker.NewMemoryEventStream(), WithHeartbeat(time.Hour))
	require.NoError(t, hub.Start(context.Background()))

	client, err := hub.Register(claimsFor(auth.RoleAdmin))
	require.NoError(t, err)

	hub.Shutdown()

	select {
	case <-client.Done:
	default:
		t.Fatal("client was not disconnected on shutdown")
	}
	msgs := drain(client)
	require.NotEmpty(t, msgs)
	assert.Equal(t, "shutdown", msgs[len(msgs)-1].Event)
	assert.Equal(t, 0, hub.ClientCount())
}
