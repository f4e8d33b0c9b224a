// Package postgres implements storage.Repository on PostgreSQL, the backend
// for the standard deployment profile.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/syncstorage/sync-engine/internal/domain"
	"github.com/syncstorage/sync-engine/internal/jsonvalue"
	"github.com/syncstorage/sync-engine/internal/storage"
)

// txnTimeout bounds every write transaction, matching the 60s serialization
// window the engine's concurrency model allows for a single Upsert.
const txnTimeout = 60 * time.Second

// Repository implements storage.Repository using PostgreSQL.
type Repository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewRepository constructs a PostgreSQL-backed repository. Schema migrations
// are applied separately (internal/infrastructure/migrations); the pool is
// assumed to already point at an initialized database.
func NewRepository(pool *pgxpool.Pool, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{pool: pool, logger: logger}
}

// FindByKey implements storage.Repository.
func (r *Repository) FindByKey(ctx context.Context, userID, key string) (*domain.Item, bool, error) {
	start := time.Now()

	row := r.pool.QueryRow(ctx, `
SELECT user_id, key, value, metadata, version, instance_id, timestamp
FROM sync_items WHERE user_id = $1 AND key = $2 AND is_deleted = false`, userID, key)

	item, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		storage.RecordOperation("get", "postgres", "not_found")
		return nil, false, nil
	}
	if err != nil {
		storage.RecordOperation("get", "postgres", "error")
		return nil, false, fmt.Errorf("failed to get item: %w", err)
	}

	storage.RecordOperation("get", "postgres", "success")
	storage.RecordOperationDuration("get", "postgres", time.Since(start).Seconds())
	return item, true, nil
}

// FindAll implements storage.Repository.
func (r *Repository) FindAll(ctx context.Context, userID, prefix string) ([]*domain.Item, error) {
	start := time.Now()

	query := `SELECT user_id, key, value, metadata, version, instance_id, timestamp
FROM sync_items WHERE user_id = $1 AND is_deleted = false`
	args := []interface{}{userID}
	if prefix != "" {
		query += " AND key LIKE $2 ESCAPE '\\'"
		args = append(args, escapeLike(prefix)+"%")
	}
	query += " ORDER BY timestamp DESC"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		storage.RecordOperation("list", "postgres", "error")
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	defer rows.Close()

	items := []*domain.Item{}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	storage.RecordOperation("list", "postgres", "success")
	storage.RecordOperationDuration("list", "postgres", time.Since(start).Seconds())
	return items, nil
}

// FindKeys implements storage.Repository.
func (r *Repository) FindKeys(ctx context.Context, userID, prefix string) ([]string, error) {
	query := `SELECT key FROM sync_items WHERE user_id = $1 AND is_deleted = false`
	args := []interface{}{userID}
	if prefix != "" {
		query += " AND key LIKE $2 ESCAPE '\\'"
		args = append(args, escapeLike(prefix)+"%")
	}
	query += " ORDER BY key ASC"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Upsert implements storage.Repository. It runs inside a Serializable
// transaction so concurrent writers to the same (userId, key) are
// serialized rather than silently clobbering each other's version bump.
func (r *Repository) Upsert(ctx context.Context, in domain.UpsertInput) (*domain.Item, error) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, txnTimeout)
	defer cancel()

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		storage.RecordOperation("upsert", "postgres", "error")
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var currentVersion int64
	err = tx.QueryRow(ctx, `SELECT version FROM sync_items WHERE user_id = $1 AND key = $2 FOR UPDATE`, in.UserID, in.Key).Scan(&currentVersion)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		storage.RecordOperation("upsert", "postgres", "error")
		return nil, fmt.Errorf("failed to read current version: %w", err)
	}

	nextVersion := currentVersion + 1
	now := time.Now()

	value := in.Value
	if value.IsZero() {
		value = jsonvalue.Null
	}
	metadata := in.Metadata
	if metadata.IsZero() {
		metadata, _ = jsonvalue.FromAny(map[string]interface{}{})
	}

	_, err = tx.Exec(ctx, `
INSERT INTO sync_items (user_id, key, value, metadata, version, instance_id, timestamp, is_deleted)
VALUES ($1, $2, $3, $4, $5, $6, $7, false)
ON CONFLICT (user_id, key) DO UPDATE SET
    value = excluded.value,
    metadata = excluded.metadata,
    version = excluded.version,
    instance_id = excluded.instance_id,
    timestamp = excluded.timestamp,
    is_deleted = false
`, in.UserID, in.Key, string(value.Bytes()), string(metadata.Bytes()), nextVersion, in.InstanceID, now)
	if err != nil {
		storage.RecordOperation("upsert", "postgres", "error")
		return nil, fmt.Errorf("failed to upsert item: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		storage.RecordOperation("upsert", "postgres", "error")
		return nil, fmt.Errorf("failed to commit upsert: %w", err)
	}

	storage.RecordOperation("upsert", "postgres", "success")
	storage.RecordOperationDuration("upsert", "postgres", time.Since(start).Seconds())

	return &domain.Item{
		UserID:       in.UserID,
		Key:          in.Key,
		Value:        value,
		Metadata:     metadata,
		Version:      nextVersion,
		LastModified: now,
		Timestamp:    domain.NowMillis(now),
		InstanceID:   in.InstanceID,
		Size:         value.Size(),
		IsDeleted:    false,
	}, nil
}

// Delete implements storage.Repository.
func (r *Repository) Delete(ctx context.Context, userID, key string) error {
	_, err := r.pool.Exec(ctx, `UPDATE sync_items SET is_deleted = true, timestamp = $1 WHERE user_id = $2 AND key = $3 AND is_deleted = false`,
		time.Now(), userID, key)
	if err != nil {
		storage.RecordOperation("delete", "postgres", "error")
		return fmt.Errorf("failed to delete item: %w", err)
	}
	storage.RecordOperation("delete", "postgres", "success")
	return nil
}

// ClearAll implements storage.Repository.
func (r *Repository) ClearAll(ctx context.Context, userID string) error {
	_, err := r.pool.Exec(ctx, `UPDATE sync_items SET is_deleted = true, timestamp = $1 WHERE user_id = $2 AND is_deleted = false`,
		time.Now(), userID)
	if err != nil {
		storage.RecordOperation("clear", "postgres", "error")
		return fmt.Errorf("failed to clear items: %w", err)
	}
	storage.RecordOperation("clear", "postgres", "success")
	return nil
}

// Count implements storage.Repository.
func (r *Repository) Count(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM sync_items WHERE user_id = $1 AND is_deleted = false`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count items: %w", err)
	}
	return count, nil
}

// Exists implements storage.Repository.
func (r *Repository) Exists(ctx context.Context, userID, key string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM sync_items WHERE user_id = $1 AND key = $2 AND is_deleted = false)`, userID, key).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check existence: %w", err)
	}
	return exists, nil
}

// GetStorageStats implements storage.Repository.
func (r *Repository) GetStorageStats(ctx context.Context, userID string) (*domain.StorageStats, error) {
	stats := &domain.StorageStats{UserID: userID}
	err := r.pool.QueryRow(ctx, `
SELECT COUNT(*) FILTER (WHERE is_deleted = false),
       COALESCE(SUM(octet_length(value::text)) FILTER (WHERE is_deleted = false), 0),
       COUNT(*) FILTER (WHERE is_deleted = true)
FROM sync_items WHERE user_id = $1`, userID).Scan(&stats.ItemCount, &stats.TotalBytes, &stats.DeletedRows)
	if err != nil {
		return nil, fmt.Errorf("failed to compute storage stats: %w", err)
	}
	return stats, nil
}

// Cleanup implements storage.Repository.
func (r *Repository) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM sync_items WHERE is_deleted = true AND timestamp < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup items: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Export implements storage.Repository.
func (r *Repository) Export(ctx context.Context, userID string, yield func(*domain.Item) error) error {
	rows, err := r.pool.Query(ctx, `
SELECT user_id, key, value, metadata, version, instance_id, timestamp
FROM sync_items WHERE user_id = $1 AND is_deleted = false ORDER BY key ASC`, userID)
	if err != nil {
		return fmt.Errorf("failed to export items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return fmt.Errorf("failed to scan item: %w", err)
		}
		if err := yield(item); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Import implements storage.Repository.
func (r *Repository) Import(ctx context.Context, items []*domain.Item) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin import transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, item := range items {
		_, err := tx.Exec(ctx, `
INSERT INTO sync_items (user_id, key, value, metadata, version, instance_id, timestamp, is_deleted)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (user_id, key) DO UPDATE SET
    value = excluded.value, metadata = excluded.metadata, version = excluded.version,
    instance_id = excluded.instance_id, timestamp = excluded.timestamp, is_deleted = excluded.is_deleted
`, item.UserID, item.Key, string(item.Value.Bytes()), string(item.Metadata.Bytes()), item.Version, item.InstanceID,
			time.UnixMilli(item.Timestamp), item.IsDeleted)
		if err != nil {
			return fmt.Errorf("failed to import item %s:%s: %w", item.UserID, item.Key, err)
		}
	}

	return tx.Commit(ctx)
}

// Close implements storage.Repository. The pool is owned by the caller
// (cmd/server wires it into multiple consumers), so Close is a no-op here.
func (r *Repository) Close() error {
	return nil
}

func scanItem(row pgx.Row) (*domain.Item, error) {
	var item domain.Item
	var valueRaw, metaRaw []byte
	var ts time.Time

	err := row.Scan(&item.UserID, &item.Key, &valueRaw, &metaRaw, &item.Version, &item.InstanceID, &ts)
	if err != nil {
		return nil, err
	}

	val, err := jsonvalue.Parse(valueRaw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse value: %w", err)
	}
	meta, err := jsonvalue.Parse(metaRaw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}

	item.Value = val
	item.Metadata = meta
	item.LastModified = ts
	item.Timestamp = domain.NowMillis(ts)
	item.Size = val.Size()
	return &item, nil
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "%", "\\%")
	s = strings.ReplaceAll(s, "_", "\\_")
	return s
}
