// Package storage defines the versioned item/conflict repository contract
// and selects between its PostgreSQL and SQLite implementations based on
// deployment profile.
package storage

import (
	"context"
	"time"

	"github.com/syncstorage/sync-engine/internal/domain"
)

// Repository persists versioned items and conflict records for one
// deployment profile. Both implementations (postgres, sqlite) share these
// exact semantics; profile selection is a config value, not a code fork for
// callers.
type Repository interface {
	// FindByKey returns the live item for (userId, key), or found=false if
	// absent or soft-deleted.
	FindByKey(ctx context.Context, userID, key string) (item *domain.Item, found bool, err error)

	// FindAll returns live items for userID ordered by timestamp descending,
	// optionally filtered to keys with the given prefix.
	FindAll(ctx context.Context, userID, prefix string) ([]*domain.Item, error)

	// FindKeys returns live keys for userID ordered lexicographically
	// ascending, optionally filtered by prefix.
	FindKeys(ctx context.Context, userID, prefix string) ([]string, error)

	// Upsert atomically inserts or updates the item keyed on (userId, key),
	// assigning the next version and current timestamp, and is the
	// serialization point for concurrent writers (§5).
	Upsert(ctx context.Context, in domain.UpsertInput) (*domain.Item, error)

	// Delete soft-deletes (userId, key); a no-op if already deleted.
	Delete(ctx context.Context, userID, key string) error

	// ClearAll soft-deletes every live item owned by userID.
	ClearAll(ctx context.Context, userID string) error

	// Count returns the number of live items for userID.
	Count(ctx context.Context, userID string) (int64, error)

	// Exists reports whether a live item exists for (userId, key).
	Exists(ctx context.Context, userID, key string) (bool, error)

	// GetStorageStats summarizes one user's store.
	GetStorageStats(ctx context.Context, userID string) (*domain.StorageStats, error)

	// Cleanup hard-deletes soft-deleted rows older than the cutoff and
	// returns the number of rows removed.
	Cleanup(ctx context.Context, olderThan time.Time) (int64, error)

	// Export streams every live item for userID to yield.
	Export(ctx context.Context, userID string, yield func(*domain.Item) error) error

	// Import upserts a stream of items, preserving their version and
	// timestamp rather than recomputing them.
	Import(ctx context.Context, items []*domain.Item) error

	// SaveConflict persists a new or updated conflict record.
	SaveConflict(ctx context.Context, record *domain.ConflictRecord) error

	// GetConflict returns a conflict record by id.
	GetConflict(ctx context.Context, id string) (*domain.ConflictRecord, bool, error)

	// ListConflictsByItem returns conflict records referencing itemID.
	ListConflictsByItem(ctx context.Context, itemID string) ([]*domain.ConflictRecord, error)

	// ConflictStats aggregates conflicts by (type, status) within [from, to].
	ConflictStats(ctx context.Context, userID string, from, to time.Time) (*domain.ConflictStats, error)

	// Close releases underlying resources.
	Close() error
}

// ItemID derives the conflict record's itemId reference for (userId, key).
func ItemID(userID, key string) string {
	return userID + ":" + key
}
