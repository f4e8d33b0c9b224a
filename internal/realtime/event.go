// Package realtime fans out item mutations to subscribed sessions over the
// /sync WebSocket namespace.
package realtime

import (
	"time"

	"github.com/google/uuid"
)

// Event represents a real-time event broadcast to subscribers.
type Event struct {
	// Type is the event type (item_synced, item_removed, storage_cleared,
	// conflict_detected)
	Type string `json:"type"`

	// ID is a unique event ID (UUID)
	ID string `json:"id"`

	// Data is the event payload (varies by event type)
	Data map[string]interface{} `json:"data"`

	// Timestamp is when the event occurred
	Timestamp time.Time `json:"timestamp"`

	// Source is the event source (dispatcher, conflict_engine, scheduler, system)
	Source string `json:"source"`

	// Sequence is a sequence number for event ordering (monotonically increasing)
	Sequence int64 `json:"sequence"`
}

// EventType constants for sync fan-out events (§4.E).
const (
	// EventTypeItemSynced fires after a successful SetItem command; it
	// carries the full resulting item so sibling devices can apply it
	// without a follow-up read.
	EventTypeItemSynced = "item_synced"

	// EventTypeItemRemoved fires after a successful RemoveItem command.
	EventTypeItemRemoved = "item_removed"

	// EventTypeStorageCleared fires after a successful ClearStorage command.
	EventTypeStorageCleared = "storage_cleared"

	// EventTypeConflictDetected fires when a write collides with existing
	// state and the conflict engine records it.
	EventTypeConflictDetected = "conflict_detected"
)

// EventSource constants.
const (
	EventSourceDispatcher = "dispatcher"
	EventSourceConflict   = "conflict_engine"
	EventSourceScheduler  = "scheduler"
	EventSourceSystem     = "system"
)

// NewEvent creates a new Event with the given type, data, and source.
func NewEvent(eventType string, data map[string]interface{}, source string) *Event {
	return &Event{
		Type:      eventType,
		ID:        generateEventID(),
		Data:      data,
		Timestamp: time.Now(),
		Source:    source,
		Sequence:  0, // Will be set by EventBus
	}
}

// generateEventID generates a unique event ID (UUID).
func generateEventID() string {
	return uuid.New().String()
}
