package queue

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncstorage/sync-engine/internal/domain"
	"github.com/syncstorage/sync-engine/internal/jsonvalue"
	"github.com/syncstorage/sync-engine/internal/realtime"
)

type fakeConnectivity struct {
	connected map[string]bool
}

func (f *fakeConnectivity) IsInstanceConnected(userID, instanceID string) bool {
	return f.connected[userID+"\x00"+instanceID]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustValue(t *testing.T, raw string) jsonvalue.Value {
	t.Helper()
	v, err := jsonvalue.Parse([]byte(raw))
	require.NoError(t, err)
	return v
}

func TestManager_QueueUpdate_GetPendingUpdatesNewestFirst(t *testing.T) {
	m := NewManager(nil, testLogger(), nil)

	m.QueueUpdate("u1", "b", "k1", mustValue(t, `{"v":1}`), mustValue(t, `{}`), 1, 100)
	m.QueueUpdate("u1", "b", "k2", mustValue(t, `{"v":2}`), mustValue(t, `{}`), 2, 200)

	pending := m.GetPendingUpdates("u1", "b", nil)
	require.Len(t, pending, 2)
	assert.Equal(t, "k2", pending[0].Key) // newest first
	assert.Equal(t, "k1", pending[1].Key)
}

func TestManager_GetPendingUpdates_FilteredBySince(t *testing.T) {
	m := NewManager(nil, testLogger(), nil)

	m.QueueUpdate("u1", "b", "k1", mustValue(t, `{}`), mustValue(t, `{}`), 1, 100)
	m.QueueUpdate("u1", "b", "k2", mustValue(t, `{}`), mustValue(t, `{}`), 2, 200)

	since := int64(100)
	pending := m.GetPendingUpdates("u1", "b", &since)
	require.Len(t, pending, 1)
	assert.Equal(t, "k2", pending[0].Key)
}

func TestManager_QueueUpdate_BoundedToCapacity(t *testing.T) {
	metrics := NewMetrics("test_capacity")
	m := NewManager(nil, testLogger(), metrics)

	for i := 0; i < domain.MaxQueuedUpdatesPerInstance+10; i++ {
		m.QueueUpdate("u1", "b", "k", mustValue(t, `{}`), mustValue(t, `{}`), int64(i), int64(i))
	}

	pending := m.GetPendingUpdates("u1", "b", nil)
	assert.Len(t, pending, domain.MaxQueuedUpdatesPerInstance)
}

func TestManager_Sweep_EvictsAgedEntriesAndEmptiesQueues(t *testing.T) {
	m := NewManager(nil, testLogger(), nil)

	old := time.Now().Add(-2 * domain.MaxQueuedUpdateAge).UnixMilli()
	m.QueueUpdate("u1", "b", "k1", mustValue(t, `{}`), mustValue(t, `{}`), 1, old)

	evicted, emptied := m.Sweep()
	assert.Equal(t, 1, evicted)
	assert.Equal(t, 1, emptied)

	pending := m.GetPendingUpdates("u1", "b", nil)
	assert.Empty(t, pending)
}

func TestManager_ClearQueue_SingleInstance(t *testing.T) {
	m := NewManager(nil, testLogger(), nil)
	m.QueueUpdate("u1", "a", "k", mustValue(t, `{}`), mustValue(t, `{}`), 1, 1)
	m.QueueUpdate("u1", "b", "k", mustValue(t, `{}`), mustValue(t, `{}`), 1, 1)

	m.ClearQueue("u1", "a")

	assert.Empty(t, m.GetPendingUpdates("u1", "a", nil))
	assert.Len(t, m.GetPendingUpdates("u1", "b", nil), 1)
}

func TestManager_ClearQueue_AllOfUser(t *testing.T) {
	m := NewManager(nil, testLogger(), nil)
	m.QueueUpdate("u1", "a", "k", mustValue(t, `{}`), mustValue(t, `{}`), 1, 1)
	m.QueueUpdate("u1", "b", "k", mustValue(t, `{}`), mustValue(t, `{}`), 1, 1)

	m.ClearQueue("u1", "")

	assert.Empty(t, m.GetPendingUpdates("u1", "a", nil))
	assert.Empty(t, m.GetPendingUpdates("u1", "b", nil))
}

func TestManager_Send_ItemSyncedQueuesForOfflineSiblingsOnly(t *testing.T) {
	conn := &fakeConnectivity{connected: map[string]bool{"u1\x00live": true}}
	m := NewManager(conn, testLogger(), nil)

	m.RegisterInstance("u1", "a")
	m.RegisterInstance("u1", "live")

	event := *realtime.NewEvent(realtime.EventTypeItemSynced, map[string]interface{}{
		"userId":     "u1",
		"instanceId": "a",
		"key":        "k",
		"value":      mustValue(t, `{"x":1}`),
		"metadata":   mustValue(t, `{}`),
		"version":    int64(1),
		"timestamp":  int64(1000),
	}, realtime.EventSourceDispatcher)

	require.NoError(t, m.Send(event))

	assert.Empty(t, m.GetPendingUpdates("u1", "live", nil), "connected sibling should not receive a buffered update")
	assert.Empty(t, m.GetPendingUpdates("u1", "a", nil), "origin instance should never receive its own write back")
}

func TestManager_Send_ItemSyncedQueuesForDisconnectedSibling(t *testing.T) {
	conn := &fakeConnectivity{connected: map[string]bool{}}
	m := NewManager(conn, testLogger(), nil)

	m.RegisterInstance("u1", "offline-device")

	event := *realtime.NewEvent(realtime.EventTypeItemSynced, map[string]interface{}{
		"userId":     "u1",
		"instanceId": "a",
		"key":        "k",
		"value":      mustValue(t, `{"x":1}`),
		"metadata":   mustValue(t, `{}`),
		"version":    int64(1),
		"timestamp":  int64(1000),
	}, realtime.EventSourceDispatcher)

	require.NoError(t, m.Send(event))

	pending := m.GetPendingUpdates("u1", "offline-device", nil)
	require.Len(t, pending, 1)
	assert.Equal(t, domain.QueuedUpdateSet, pending[0].Type)
	assert.Equal(t, "k", pending[0].Key)
}

func TestManager_Send_ItemRemovedQueuesRemoval(t *testing.T) {
	m := NewManager(&fakeConnectivity{connected: map[string]bool{}}, testLogger(), nil)
	m.RegisterInstance("u1", "offline-device")

	event := *realtime.NewEvent(realtime.EventTypeItemRemoved, map[string]interface{}{
		"userId":     "u1",
		"instanceId": "a",
		"key":        "k",
		"version":    int64(3),
		"timestamp":  int64(1000),
	}, realtime.EventSourceDispatcher)

	require.NoError(t, m.Send(event))

	pending := m.GetPendingUpdates("u1", "offline-device", nil)
	require.Len(t, pending, 1)
	assert.Equal(t, domain.QueuedUpdateRemove, pending[0].Type)
}

func TestManager_Send_StorageClearedIsNotQueued(t *testing.T) {
	m := NewManager(&fakeConnectivity{connected: map[string]bool{}}, testLogger(), nil)
	m.RegisterInstance("u1", "offline-device")

	event := *realtime.NewEvent(realtime.EventTypeStorageCleared, map[string]interface{}{
		"userId":     "u1",
		"instanceId": "a",
	}, realtime.EventSourceDispatcher)

	require.NoError(t, m.Send(event))
	assert.Empty(t, m.GetPendingUpdates("u1", "offline-device", nil))
}
