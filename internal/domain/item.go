// Package domain holds the engine's core entities: items, conflict records,
// API keys, sessions, and queued updates, as specified independently of how
// any one of them is transported or persisted.
package domain

import (
	"time"

	"github.com/syncstorage/sync-engine/internal/jsonvalue"
)

// Item is a single versioned (userId, key) record in a user's store.
type Item struct {
	UserID       string          `json:"userId"`
	Key          string          `json:"key"`
	Value        jsonvalue.Value `json:"value"`
	Metadata     jsonvalue.Value `json:"metadata,omitempty"`
	Version      int64           `json:"version"`
	LastModified time.Time       `json:"lastModified"`
	Timestamp    int64           `json:"timestamp"`
	InstanceID   string          `json:"instanceId"`
	Size         int             `json:"size"`
	IsDeleted    bool            `json:"isDeleted"`
}

// UpsertInput is the caller-supplied payload for Repository.Upsert; the
// repository computes Version, LastModified, Timestamp, and Size itself.
type UpsertInput struct {
	UserID     string
	Key        string
	Value      jsonvalue.Value
	Metadata   jsonvalue.Value
	InstanceID string
}

// StorageStats summarizes one user's store for housekeeping/diagnostics.
type StorageStats struct {
	UserID      string `json:"userId"`
	ItemCount   int64  `json:"itemCount"`
	TotalBytes  int64  `json:"totalBytes"`
	DeletedRows int64  `json:"deletedRows"`
}

// NowMillis returns the current time as epoch milliseconds, the wire
// representation the spec requires for Timestamp fields so they exceed the
// safe-integer range of a float64-backed client.
func NowMillis(t time.Time) int64 {
	return t.UnixMilli()
}
