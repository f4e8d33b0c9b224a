package domain

import (
	"time"

	"github.com/syncstorage/sync-engine/internal/jsonvalue"
)

// Session is one live connection for a (userId, instanceId) pair.
type Session struct {
	UserID       string          `json:"userId"`
	InstanceID   string          `json:"instanceId"`
	ConnectionID string          `json:"connectionId"`
	ConnectedAt  time.Time       `json:"connectedAt"`
	LastActivity time.Time       `json:"lastActivity"`
	ClientMeta   jsonvalue.Value `json:"clientMeta,omitempty"`
}

// QueuedUpdateType distinguishes a pending set from a pending remove.
type QueuedUpdateType string

const (
	QueuedUpdateSet    QueuedUpdateType = "set"
	QueuedUpdateRemove QueuedUpdateType = "remove"
)

// QueuedUpdate is one pending delivery held for a disconnected instance.
type QueuedUpdate struct {
	Type       QueuedUpdateType `json:"type"`
	UserID     string           `json:"userId"`
	InstanceID string           `json:"instanceId"`
	Key        string           `json:"key"`
	Value      jsonvalue.Value  `json:"value,omitempty"`
	Metadata   jsonvalue.Value  `json:"metadata,omitempty"`
	Timestamp  int64            `json:"timestamp"`
	Version    *int64           `json:"version,omitempty"`
}

const (
	// MaxQueuedUpdatesPerInstance bounds each (userId, instanceId) queue.
	MaxQueuedUpdatesPerInstance = 100
	// MaxQueuedUpdateAge bounds how long a queued update survives unread.
	MaxQueuedUpdateAge = 1 * time.Hour
)
