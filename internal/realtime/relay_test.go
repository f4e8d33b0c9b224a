package realtime

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRelay(t *testing.T) (*Relay, *redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	bus := NewEventBus(slog.Default(), nil)
	relay := NewRelay(client, "sync-events", bus, slog.Default())
	return relay, client, mr
}

func TestRelay_SendPublishesToChannel(t *testing.T) {
	relay, client, _ := setupTestRelay(t)

	ctx := context.Background()
	sub := client.Subscribe(ctx, "sync-events")
	defer sub.Close()

	// Subscribe is asynchronous; give miniredis time to register it before publishing.
	time.Sleep(50 * time.Millisecond)

	event := Event{Type: EventTypeItemSynced, Data: map[string]interface{}{"userId": "user-1"}}
	require.NoError(t, relay.Send(event))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Contains(t, msg.Payload, "item_synced")
}

func TestRelay_RunForwardsIntoLocalBus(t *testing.T) {
	relay, client, _ := setupTestRelay(t)

	subscriber := newMockSubscriber("relay-target")
	require.NoError(t, relay.bus.Subscribe(subscriber))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	busCtx, busCancel := context.WithCancel(context.Background())
	defer busCancel()
	require.NoError(t, relay.bus.Start(busCtx))
	defer relay.bus.Stop(context.Background())

	go relay.Run(ctx)

	// Give the subscription time to establish before publishing.
	time.Sleep(50 * time.Millisecond)

	event := Event{Type: EventTypeItemRemoved, Data: map[string]interface{}{"userId": "user-1"}}
	require.NoError(t, relay.Send(event))

	require.Eventually(t, func() bool {
		return subscriber.GetEventCount() == 1
	}, time.Second, 10*time.Millisecond)

	got := subscriber.GetEvents()[0]
	assert.Equal(t, EventTypeItemRemoved, got.Type)
	_ = client
}

// TestRelay_RunDropsItsOwnRepublishedEvent exercises the actual production
// wiring: the relay itself is subscribed to the local bus (so every local
// publish is sent to Redis), and its own Run loop is subscribed to that same
// Redis channel. Without origin tracking, Publish -> Send -> Redis -> Run ->
// Publish would loop forever; this asserts the local bus only ever sees the
// event once.
func TestRelay_RunDropsItsOwnRepublishedEvent(t *testing.T) {
	relay, _, _ := setupTestRelay(t)

	require.NoError(t, relay.bus.Subscribe(relay))

	observer := newMockSubscriber("observer")
	require.NoError(t, relay.bus.Subscribe(observer))

	busCtx, busCancel := context.WithCancel(context.Background())
	defer busCancel()
	require.NoError(t, relay.bus.Start(busCtx))
	defer relay.bus.Stop(context.Background())

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go relay.Run(runCtx)

	time.Sleep(50 * time.Millisecond)

	event := Event{Type: EventTypeItemSynced, Data: map[string]interface{}{"userId": "user-1"}}
	require.NoError(t, relay.bus.Publish(event))

	require.Eventually(t, func() bool {
		return observer.GetEventCount() == 1
	}, time.Second, 10*time.Millisecond)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, observer.GetEventCount(), "event must not be republished after the round trip through Redis")
}
