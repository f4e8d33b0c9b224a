package realtime

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syncstorage/sync-engine/internal/domain"
	"github.com/syncstorage/sync-engine/internal/jsonvalue"
)

func mustJSONValue(t *testing.T, raw string) jsonvalue.Value {
	t.Helper()
	v, err := jsonvalue.Parse([]byte(raw))
	require.NoError(t, err)
	return v
}

func TestEventPublisher_PublishItemSynced(t *testing.T) {
	// Use nil metrics to avoid Prometheus registration issues in tests
	eventBus := NewEventBus(slog.Default(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := eventBus.Start(ctx)
	require.NoError(t, err)
	defer eventBus.Stop(context.Background())

	publisher := NewEventPublisher(eventBus, slog.Default(), nil)

	item := &domain.Item{
		UserID:       "user-1",
		Key:          "settings",
		Value:        mustJSONValue(t, `{"theme":"dark"}`),
		Version:      3,
		LastModified: time.Now(),
		Timestamp:    domain.NowMillis(time.Now()),
		InstanceID:   "device-a",
		Size:         17,
	}

	err = publisher.PublishItemSynced(item)
	assert.NoError(t, err)
}

func TestEventPublisher_PublishItemRemoved(t *testing.T) {
	eventBus := NewEventBus(slog.Default(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := eventBus.Start(ctx)
	require.NoError(t, err)
	defer eventBus.Stop(context.Background())

	publisher := NewEventPublisher(eventBus, slog.Default(), nil)

	err = publisher.PublishItemRemoved("user-1", "settings", 4, domain.NowMillis(time.Now()), "device-a")
	assert.NoError(t, err)
}

func TestEventPublisher_PublishStorageCleared(t *testing.T) {
	eventBus := NewEventBus(slog.Default(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := eventBus.Start(ctx)
	require.NoError(t, err)
	defer eventBus.Stop(context.Background())

	publisher := NewEventPublisher(eventBus, slog.Default(), nil)

	err = publisher.PublishStorageCleared("user-1", "device-a")
	assert.NoError(t, err)
}

func TestEventPublisher_PublishConflictDetected(t *testing.T) {
	eventBus := NewEventBus(slog.Default(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := eventBus.Start(ctx)
	require.NoError(t, err)
	defer eventBus.Stop(context.Background())

	publisher := NewEventPublisher(eventBus, slog.Default(), nil)

	conflict := &domain.ConflictRecord{
		ID:           "conflict-1",
		ItemID:       "user-1:settings",
		UserID:       "user-1",
		ConflictType: domain.ConflictVersionMismatch,
		Strategy:     domain.StrategyLastWriteWins,
		Status:       domain.ConflictStatusPending,
		CreatedAt:    time.Now(),
	}

	err = publisher.PublishConflictDetected(conflict)
	assert.NoError(t, err)
}

func TestEventPublisher_NilEventBus(t *testing.T) {
	// Publisher should handle nil EventBus gracefully
	publisher := NewEventPublisher(nil, slog.Default(), nil)

	item := &domain.Item{
		UserID:     "user-1",
		Key:        "settings",
		Value:      mustJSONValue(t, `{"theme":"dark"}`),
		InstanceID: "device-a",
	}

	// Should not panic
	err := publisher.PublishItemSynced(item)
	assert.NoError(t, err) // Returns nil when EventBus is nil
}
