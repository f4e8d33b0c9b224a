package dispatch

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncstorage/sync-engine/internal/conflict"
	"github.com/syncstorage/sync-engine/internal/domain"
	"github.com/syncstorage/sync-engine/internal/jsonvalue"
	"github.com/syncstorage/sync-engine/internal/realtime"
	"github.com/syncstorage/sync-engine/internal/storage/memory"
)

// recordingSubscriber captures every event delivered to it for assertions.
type recordingSubscriber struct {
	id  string
	ctx context.Context

	mu     sync.Mutex
	events []realtime.Event
}

func newRecordingSubscriber(id string) *recordingSubscriber {
	return &recordingSubscriber{id: id, ctx: context.Background()}
}

func (s *recordingSubscriber) ID() string { return s.id }

func (s *recordingSubscriber) Send(event realtime.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSubscriber) Close() error                  { return nil }
func (s *recordingSubscriber) Context() context.Context      { return s.ctx }
func (s *recordingSubscriber) snapshot() []realtime.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]realtime.Event, len(s.events))
	copy(out, s.events)
	return out
}

func testDispatcher(t *testing.T) (*Dispatcher, *recordingSubscriber) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := memory.NewStorage()
	engine := conflict.NewEngine(repo, logger)
	bus := realtime.NewEventBus(logger, nil)
	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(func() { _ = bus.Stop(context.Background()) })

	sub := newRecordingSubscriber("sub-1")
	require.NoError(t, bus.Subscribe(sub))

	publisher := realtime.NewEventPublisher(bus, logger, nil)
	return NewDispatcher(repo, engine, publisher, logger), sub
}

func mustValue(t *testing.T, raw string) jsonvalue.Value {
	t.Helper()
	v, err := jsonvalue.Parse([]byte(raw))
	require.NoError(t, err)
	return v
}

// waitForEvents polls the subscriber until it has at least n events or the
// deadline passes, since the bus broadcasts asynchronously off a channel.
func waitForEvents(t *testing.T, sub *recordingSubscriber, n int) []realtime.Event {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if events := sub.snapshot(); len(events) >= n {
			return events
		}
		time.Sleep(5 * time.Millisecond)
	}
	return sub.snapshot()
}

func TestDispatcher_SetItem_PublishesItemSyncedEvent(t *testing.T) {
	d, sub := testDispatcher(t)
	ctx := context.Background()

	result, err := d.Dispatch(ctx, SetItem{
		UserID:     "u1",
		InstanceID: "a",
		Key:        "prefs",
		Value:      mustValue(t, `{"theme":"dark"}`),
		Metadata:   mustValue(t, `{}`),
	})
	require.NoError(t, err)
	require.NotNil(t, result.Item)
	assert.Nil(t, result.Conflict)

	events := waitForEvents(t, sub, 1)
	require.Len(t, events, 1)
	assert.Equal(t, realtime.EventTypeItemSynced, events[0].Type)
	assert.Equal(t, "u1", events[0].Data["userId"])
	assert.Equal(t, "prefs", events[0].Data["key"])
}

func TestDispatcher_SetItem_ConflictPublishesConflictDetectedToo(t *testing.T) {
	d, sub := testDispatcher(t)
	ctx := context.Background()

	_, err := d.Dispatch(ctx, SetItem{
		UserID:     "u1",
		InstanceID: "a",
		Key:        "k",
		Value:      mustValue(t, `{"x":1}`),
		Metadata:   mustValue(t, `{}`),
	})
	require.NoError(t, err)
	waitForEvents(t, sub, 1)

	badVersion := int64(99)
	result, err := d.Dispatch(ctx, SetItem{
		UserID:          "u1",
		InstanceID:      "b",
		Key:             "k",
		Value:           mustValue(t, `{"x":2}`),
		Metadata:        mustValue(t, `{}`),
		ExpectedVersion: &badVersion,
	})
	require.NoError(t, err)
	require.NotNil(t, result.Conflict)
	assert.Equal(t, domain.ConflictVersionMismatch, result.Conflict.ConflictType)

	events := waitForEvents(t, sub, 3)
	require.GreaterOrEqual(t, len(events), 3)

	var sawConflict bool
	for _, e := range events {
		if e.Type == realtime.EventTypeConflictDetected {
			sawConflict = true
			assert.Equal(t, result.Conflict.ID, e.Data["conflictId"])
		}
	}
	assert.True(t, sawConflict, "expected a conflict_detected event")
}

func TestDispatcher_RemoveItem_PublishesItemRemovedEvent(t *testing.T) {
	d, sub := testDispatcher(t)
	ctx := context.Background()

	_, err := d.Dispatch(ctx, SetItem{
		UserID:     "u1",
		InstanceID: "a",
		Key:        "k",
		Value:      mustValue(t, `{"x":1}`),
		Metadata:   mustValue(t, `{}`),
	})
	require.NoError(t, err)
	waitForEvents(t, sub, 1)

	_, err = d.Dispatch(ctx, RemoveItem{UserID: "u1", InstanceID: "a", Key: "k"})
	require.NoError(t, err)

	events := waitForEvents(t, sub, 2)
	require.Len(t, events, 2)
	assert.Equal(t, realtime.EventTypeItemRemoved, events[1].Type)
	assert.Equal(t, "k", events[1].Data["key"])
}

func TestDispatcher_RemoveItem_NoOpWhenNotFoundPublishesNothing(t *testing.T) {
	d, sub := testDispatcher(t)
	ctx := context.Background()

	result, err := d.Dispatch(ctx, RemoveItem{UserID: "u1", InstanceID: "a", Key: "missing"})
	require.NoError(t, err)
	assert.Nil(t, result.Item)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, sub.snapshot())
}

func TestDispatcher_ClearStorage_PublishesStorageClearedEvent(t *testing.T) {
	d, sub := testDispatcher(t)
	ctx := context.Background()

	_, err := d.Dispatch(ctx, SetItem{
		UserID:     "u1",
		InstanceID: "a",
		Key:        "k",
		Value:      mustValue(t, `{"x":1}`),
		Metadata:   mustValue(t, `{}`),
	})
	require.NoError(t, err)
	waitForEvents(t, sub, 1)

	_, err = d.Dispatch(ctx, ClearStorage{UserID: "u1", InstanceID: "a"})
	require.NoError(t, err)

	events := waitForEvents(t, sub, 2)
	require.Len(t, events, 2)
	assert.Equal(t, realtime.EventTypeStorageCleared, events[1].Type)
}

func TestDispatcher_Dispatch_UnknownCommandReturnsError(t *testing.T) {
	d, _ := testDispatcher(t)
	_, err := d.Dispatch(context.Background(), nil)
	require.Error(t, err)
}

func TestDispatcher_GetItem_NotFoundReturnsError(t *testing.T) {
	d, _ := testDispatcher(t)
	_, err := d.Query(context.Background(), GetItem{UserID: "u1", Key: "missing"})
	require.Error(t, err)
}

func TestDispatcher_GetItem_Found(t *testing.T) {
	d, sub := testDispatcher(t)
	ctx := context.Background()

	_, err := d.Dispatch(ctx, SetItem{
		UserID:     "u1",
		InstanceID: "a",
		Key:        "k",
		Value:      mustValue(t, `{"x":1}`),
		Metadata:   mustValue(t, `{}`),
	})
	require.NoError(t, err)
	waitForEvents(t, sub, 1)

	result, err := d.Query(ctx, GetItem{UserID: "u1", Key: "k"})
	require.NoError(t, err)
	item, ok := result.(*domain.Item)
	require.True(t, ok)
	assert.Equal(t, "k", item.Key)
}

func TestDispatcher_GetAllItemsAndGetKeys(t *testing.T) {
	d, sub := testDispatcher(t)
	ctx := context.Background()

	for _, key := range []string{"a/1", "a/2", "b/1"} {
		_, err := d.Dispatch(ctx, SetItem{
			UserID:     "u1",
			InstanceID: "x",
			Key:        key,
			Value:      mustValue(t, `{"v":1}`),
			Metadata:   mustValue(t, `{}`),
		})
		require.NoError(t, err)
	}
	waitForEvents(t, sub, 3)

	items, err := d.Query(ctx, GetAllItems{UserID: "u1", Prefix: "a/"})
	require.NoError(t, err)
	list, ok := items.([]*domain.Item)
	require.True(t, ok)
	assert.Len(t, list, 2)

	keys, err := d.Query(ctx, GetKeys{UserID: "u1", Prefix: "a/"})
	require.NoError(t, err)
	keyList, ok := keys.([]string)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"a/1", "a/2"}, keyList)
}
