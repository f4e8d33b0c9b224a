// Package realtime fans out item mutations to subscribed sessions over the
// /sync WebSocket namespace.
package realtime

import (
	"log/slog"

	"github.com/syncstorage/sync-engine/internal/domain"
)

// EventPublisher publishes sync domain events to the EventBus from various
// sources (dispatcher, conflict engine, scheduler).
type EventPublisher struct {
	eventBus *DefaultEventBus
	logger   *slog.Logger
	metrics  *RealtimeMetrics
}

// NewEventPublisher creates a new event publisher.
func NewEventPublisher(eventBus *DefaultEventBus, logger *slog.Logger, metrics *RealtimeMetrics) *EventPublisher {
	return &EventPublisher{
		eventBus: eventBus,
		logger:   logger.With("component", "event_publisher"),
		metrics:  metrics,
	}
}

// PublishItemSynced publishes an ItemSynced event for a successful write,
// so sibling sessions for the same user can apply the item without a
// follow-up read.
func (p *EventPublisher) PublishItemSynced(item *domain.Item) error {
	if p.eventBus == nil {
		return nil // EventBus not initialized, skip
	}

	data := map[string]interface{}{
		"userId":     item.UserID,
		"key":        item.Key,
		"value":      item.Value,
		"metadata":   item.Metadata,
		"version":    item.Version,
		"timestamp":  item.Timestamp,
		"instanceId": item.InstanceID,
		"size":       item.Size,
	}

	event := NewEvent(EventTypeItemSynced, data, EventSourceDispatcher)
	return p.eventBus.Publish(*event)
}

// PublishItemRemoved publishes an ItemRemoved event for a successful delete.
func (p *EventPublisher) PublishItemRemoved(userID, key string, version int64, timestamp int64, instanceID string) error {
	if p.eventBus == nil {
		return nil // EventBus not initialized, skip
	}

	data := map[string]interface{}{
		"userId":     userID,
		"key":        key,
		"version":    version,
		"timestamp":  timestamp,
		"instanceId": instanceID,
	}

	event := NewEvent(EventTypeItemRemoved, data, EventSourceDispatcher)
	return p.eventBus.Publish(*event)
}

// PublishStorageCleared publishes a StorageCleared event after a user's
// entire store has been wiped.
func (p *EventPublisher) PublishStorageCleared(userID string, instanceID string) error {
	if p.eventBus == nil {
		return nil // EventBus not initialized, skip
	}

	data := map[string]interface{}{
		"userId":     userID,
		"instanceId": instanceID,
	}

	event := NewEvent(EventTypeStorageCleared, data, EventSourceDispatcher)
	return p.eventBus.Publish(*event)
}

// PublishConflictDetected publishes a ConflictDetected event when the
// conflict engine records a new conflict for an item.
func (p *EventPublisher) PublishConflictDetected(conflict *domain.ConflictRecord) error {
	if p.eventBus == nil {
		return nil // EventBus not initialized, skip
	}

	data := map[string]interface{}{
		"conflictId":   conflict.ID,
		"userId":       conflict.UserID,
		"itemId":       conflict.ItemID,
		"conflictType": conflict.ConflictType,
		"strategy":     conflict.Strategy,
		"status":       conflict.Status,
	}

	event := NewEvent(EventTypeConflictDetected, data, EventSourceConflict)
	return p.eventBus.Publish(*event)
}
