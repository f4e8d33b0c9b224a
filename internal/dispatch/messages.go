// Package dispatch implements the engine's CQRS message bus: typed commands
// and queries dispatched by a type switch, grounded on the "decorated
// commands and queries" design note — a tagged union, not reflection-based
// routing.
package dispatch

import "github.com/syncstorage/sync-engine/internal/jsonvalue"

// Command is the marker interface every write operation implements.
type Command interface {
	isCommand()
}

// Query is the marker interface every read operation implements.
type Query interface {
	isQuery()
}

// SetItem upserts a single (userId, key) value.
type SetItem struct {
	UserID     string
	InstanceID string
	Key        string
	Value      jsonvalue.Value
	Metadata   jsonvalue.Value
	// ExpectedVersion, when set, lets the caller assert optimistic
	// concurrency; a mismatch is reported to the conflict engine.
	ExpectedVersion *int64
}

func (SetItem) isCommand() {}

// RemoveItem soft-deletes a single (userId, key) value.
type RemoveItem struct {
	UserID     string
	InstanceID string
	Key        string
}

func (RemoveItem) isCommand() {}

// ClearStorage soft-deletes every live item for a user.
type ClearStorage struct {
	UserID     string
	InstanceID string
}

func (ClearStorage) isCommand() {}

// GetItem reads a single (userId, key) value.
type GetItem struct {
	UserID string
	Key    string
}

func (GetItem) isQuery() {}

// GetAllItems lists live items for a user, optionally filtered by key prefix.
type GetAllItems struct {
	UserID string
	Prefix string
}

func (GetAllItems) isQuery() {}

// GetKeys lists live keys for a user, optionally filtered by key prefix.
type GetKeys struct {
	UserID string
	Prefix string
}

func (GetKeys) isQuery() {}
