// Package sqlite implements storage.Repository on an embedded SQLite
// database. Designed for the lite deployment profile (single-node, no
// external dependencies).
//
// Features:
//   - WAL mode enabled (concurrent reads during writes)
//   - Foreign keys enabled (data integrity)
//   - Secure file permissions (0600, owner read/write only)
//   - Thread-safe operations (RWMutex)
//   - UPSERT logic on (user_id, key) for idempotent writes
//   - Schema compatible with the PostgreSQL repository
//
// Limitations:
//   - No horizontal scaling (single-node only)
//   - Limited concurrency (max 10 connections)
//   - Disk space constrained
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	// CGO SQLite driver; chosen over modernc.org/sqlite because the rest of
	// this tree already carries CGO-using dependencies (pgx, go-sqlite3 is
	// the pack's own idiom for the lite profile).
	_ "github.com/mattn/go-sqlite3"

	"github.com/syncstorage/sync-engine/internal/domain"
	"github.com/syncstorage/sync-engine/internal/jsonvalue"
	"github.com/syncstorage/sync-engine/internal/storage"
)

// Storage implements storage.Repository using SQLite.
// Thread-safe for concurrent access (up to 10 goroutines).
type Storage struct {
	db     *sql.DB
	logger *slog.Logger
	path   string
	mu     sync.RWMutex
}

// NewRepository creates a new SQLite-backed repository.
// Path must be absolute or relative to the current working directory.
// The file is created with mode 0600; the parent directory with 0700.
func NewRepository(ctx context.Context, path string, logger *slog.Logger) (*Storage, error) {
	if path == "" {
		return nil, &storage.ErrInvalidFilePath{Path: path, Reason: "path cannot be empty"}
	}

	if strings.Contains(path, "..") {
		return nil, &storage.ErrInvalidFilePath{Path: path, Reason: "contains '..'"}
	}

	forbiddenPrefixes := []string{"/etc", "/sys", "/proc", "/dev"}
	for _, prefix := range forbiddenPrefixes {
		if strings.HasPrefix(path, prefix) {
			return nil, &storage.ErrInvalidFilePath{Path: path, Reason: fmt.Sprintf("forbidden path prefix %s", prefix)}
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", path)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, &storage.ErrConnectionFailed{Backend: "sqlite", Cause: err}
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &storage.ErrConnectionFailed{Backend: "sqlite", Cause: err}
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, &storage.ErrSchemaInitFailed{Backend: "sqlite", Cause: err}
	}

	s := &Storage{db: db, logger: logger, path: path}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if err := os.Chmod(path, 0600); err != nil {
		logger.Warn("failed to set file permissions to 0600", "path", path, "error", err)
	}

	logger.Info("sqlite repository initialized", "path", path, "wal_mode", true)

	return s, nil
}

func (s *Storage) initSchema(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS sync_items (
    user_id TEXT NOT NULL,
    key TEXT NOT NULL,
    value TEXT NOT NULL,
    metadata TEXT NOT NULL DEFAULT '{}',
    version INTEGER NOT NULL,
    instance_id TEXT NOT NULL DEFAULT '',
    timestamp INTEGER NOT NULL,
    is_deleted INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (user_id, key)
);

CREATE INDEX IF NOT EXISTS idx_sync_items_user ON sync_items(user_id, is_deleted);
CREATE INDEX IF NOT EXISTS idx_sync_items_user_ts ON sync_items(user_id, timestamp);

CREATE TABLE IF NOT EXISTS sync_conflicts (
    id TEXT PRIMARY KEY,
    item_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    conflict_type TEXT NOT NULL,
    original_value TEXT,
    conflicting_value TEXT,
    strategy TEXT,
    resolved_value TEXT,
    reason TEXT,
    confidence REAL NOT NULL DEFAULT 0,
    status TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    resolved_at INTEGER,
    ai_model TEXT,
    human_reviewed INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_sync_conflicts_item ON sync_conflicts(item_id);
CREATE INDEX IF NOT EXISTS idx_sync_conflicts_user ON sync_conflicts(user_id, created_at);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return &storage.ErrSchemaInitFailed{Backend: "sqlite", Cause: err}
	}
	s.logger.Debug("sqlite schema initialized", "tables", 2)
	return nil
}

// FindByKey implements storage.Repository.
func (s *Storage) FindByKey(ctx context.Context, userID, key string) (*domain.Item, bool, error) {
	start := time.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
SELECT user_id, key, value, metadata, version, instance_id, timestamp
FROM sync_items WHERE user_id = ? AND key = ? AND is_deleted = 0`, userID, key)

	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		storage.RecordOperation("get", "sqlite", "not_found")
		return nil, false, nil
	}
	if err != nil {
		storage.RecordOperation("get", "sqlite", "error")
		return nil, false, fmt.Errorf("failed to get item: %w", err)
	}

	storage.RecordOperation("get", "sqlite", "success")
	storage.RecordOperationDuration("get", "sqlite", time.Since(start).Seconds())
	return item, true, nil
}

// FindAll implements storage.Repository.
func (s *Storage) FindAll(ctx context.Context, userID, prefix string) ([]*domain.Item, error) {
	start := time.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT user_id, key, value, metadata, version, instance_id, timestamp
FROM sync_items WHERE user_id = ? AND is_deleted = 0`
	args := []interface{}{userID}
	if prefix != "" {
		query += " AND key LIKE ? ESCAPE '\\'"
		args = append(args, escapeLike(prefix)+"%")
	}
	query += " ORDER BY timestamp DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		storage.RecordOperation("list", "sqlite", "error")
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

	storage.RecordOperation("list", "sqlite", "success")
	storage.RecordOperationDuration("list", "sqlite", time.Since(start).Seconds())
	return items, nil
}

// FindKeys implements storage.Repository.
func (s *Storage) FindKeys(ctx context.Context, userID, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT key FROM sync_items WHERE user_id = ? AND is_deleted = 0`
	args := []interface{}{userID}
	if prefix != "" {
		query += " AND key LIKE ? ESCAPE '\\'"
		args = append(args, escapeLike(prefix)+"%")
	}
	query += " ORDER BY key ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
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

// Upsert implements storage.Repository.
func (s *Storage) Upsert(ctx context.Context, in domain.UpsertInput) (*domain.Item, error) {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	var value, metadata string
	if !in.Value.IsZero() {
		value = in.Value.String()
	} else {
		value = "null"
	}
	if !in.Metadata.IsZero() {
		metadata = in.Metadata.String()
	} else {
		metadata = "{}"
	}

	nowTime := time.Now()
	now := domain.NowMillis(nowTime)

	var currentVersion sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT version FROM sync_items WHERE user_id = ? AND key = ?`, in.UserID, in.Key).Scan(&currentVersion)
	if err != nil && err != sql.ErrNoRows {
		storage.RecordOperation("upsert", "sqlite", "error")
		return nil, fmt.Errorf("failed to read current version: %w", err)
	}

	nextVersion := int64(1)
	if currentVersion.Valid {
		nextVersion = currentVersion.Int64 + 1
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO sync_items (user_id, key, value, metadata, version, instance_id, timestamp, is_deleted)
VALUES (?, ?, ?, ?, ?, ?, ?, 0)
ON CONFLICT(user_id, key) DO UPDATE SET
    value = excluded.value,
    metadata = excluded.metadata,
    version = excluded.version,
    instance_id = excluded.instance_id,
    timestamp = excluded.timestamp,
    is_deleted = 0
`, in.UserID, in.Key, value, metadata, nextVersion, in.InstanceID, now)
	if err != nil {
		storage.RecordOperation("upsert", "sqlite", "error")
		return nil, fmt.Errorf("failed to upsert item: %w", err)
	}

	storage.RecordOperation("upsert", "sqlite", "success")
	storage.RecordOperationDuration("upsert", "sqlite", time.Since(start).Seconds())

	valueRaw, _ := jsonvalue.Parse([]byte(value))
	metaRaw, _ := jsonvalue.Parse([]byte(metadata))

	return &domain.Item{
		UserID:       in.UserID,
		Key:          in.Key,
		Value:        valueRaw,
		Metadata:     metaRaw,
		Version:      nextVersion,
		LastModified: nowTime,
		Timestamp:    now,
		InstanceID:   in.InstanceID,
		Size:         valueRaw.Size(),
		IsDeleted:    false,
	}, nil
}

// Delete implements storage.Repository.
func (s *Storage) Delete(ctx context.Context, userID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `UPDATE sync_items SET is_deleted = 1, timestamp = ? WHERE user_id = ? AND key = ? AND is_deleted = 0`,
		domain.NowMillis(time.Now()), userID, key)
	if err != nil {
		storage.RecordOperation("delete", "sqlite", "error")
		return fmt.Errorf("failed to delete item: %w", err)
	}
	storage.RecordOperation("delete", "sqlite", "success")
	return nil
}

// ClearAll implements storage.Repository.
func (s *Storage) ClearAll(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `UPDATE sync_items SET is_deleted = 1, timestamp = ? WHERE user_id = ? AND is_deleted = 0`,
		domain.NowMillis(time.Now()), userID)
	if err != nil {
		storage.RecordOperation("clear", "sqlite", "error")
		return fmt.Errorf("failed to clear items: %w", err)
	}
	storage.RecordOperation("clear", "sqlite", "success")
	return nil
}

// Count implements storage.Repository.
func (s *Storage) Count(ctx context.Context, userID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_items WHERE user_id = ? AND is_deleted = 0`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count items: %w", err)
	}
	return count, nil
}

// Exists implements storage.Repository.
func (s *Storage) Exists(ctx context.Context, userID, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM sync_items WHERE user_id = ? AND key = ? AND is_deleted = 0`, userID, key).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check existence: %w", err)
	}
	return true, nil
}

// GetStorageStats implements storage.Repository.
func (s *Storage) GetStorageStats(ctx context.Context, userID string) (*domain.StorageStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &domain.StorageStats{UserID: userID}
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FILTER (WHERE is_deleted = 0),
       COALESCE(SUM(LENGTH(value)) FILTER (WHERE is_deleted = 0), 0),
       COUNT(*) FILTER (WHERE is_deleted = 1)
FROM sync_items WHERE user_id = ?`, userID).Scan(&stats.ItemCount, &stats.TotalBytes, &stats.DeletedRows)
	if err != nil {
		return nil, fmt.Errorf("failed to compute storage stats: %w", err)
	}
	return stats, nil
}

// Cleanup implements storage.Repository.
func (s *Storage) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `DELETE FROM sync_items WHERE is_deleted = 1 AND timestamp < ?`, olderThan.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup items: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}

// Export implements storage.Repository.
func (s *Storage) Export(ctx context.Context, userID string, yield func(*domain.Item) error) error {
	s.mu.RLock()
	rows, err := s.db.QueryContext(ctx, `
SELECT user_id, key, value, metadata, version, instance_id, timestamp
FROM sync_items WHERE user_id = ? AND is_deleted = 0 ORDER BY key ASC`, userID)
	s.mu.RUnlock()
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
func (s *Storage) Import(ctx context.Context, items []*domain.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin import transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO sync_items (user_id, key, value, metadata, version, instance_id, timestamp, is_deleted)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(user_id, key) DO UPDATE SET
    value = excluded.value, metadata = excluded.metadata, version = excluded.version,
    instance_id = excluded.instance_id, timestamp = excluded.timestamp, is_deleted = excluded.is_deleted
`)
	if err != nil {
		return fmt.Errorf("failed to prepare import statement: %w", err)
	}
	defer stmt.Close()

	for _, item := range items {
		deleted := 0
		if item.IsDeleted {
			deleted = 1
		}
		if _, err := stmt.ExecContext(ctx, item.UserID, item.Key, item.Value.String(), item.Metadata.String(),
			item.Version, item.InstanceID, item.Timestamp, deleted); err != nil {
			return fmt.Errorf("failed to import item %s:%s: %w", item.UserID, item.Key, err)
		}
	}

	return tx.Commit()
}

// Close implements storage.Repository.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		if err != nil {
			return fmt.Errorf("failed to close database: %w", err)
		}
		storage.SetHealthStatus("sqlite", 0)
	}
	return nil
}

// FileSize returns the current SQLite file size in bytes, or 0 if the file
// does not exist.
func (s *Storage) FileSize() int64 {
	info, err := os.Stat(s.path)
	if err != nil {
		return 0
	}
	return info.Size()
}

func scanItem(scanner interface{ Scan(...interface{}) error }) (*domain.Item, error) {
	var item domain.Item
	var value, metadata string
	err := scanner.Scan(&item.UserID, &item.Key, &value, &metadata, &item.Version, &item.InstanceID, &item.Timestamp)
	if err != nil {
		return nil, err
	}

	val, err := jsonvalue.Parse([]byte(value))
	if err != nil {
		return nil, fmt.Errorf("failed to parse value: %w", err)
	}
	meta, err := jsonvalue.Parse([]byte(metadata))
	if err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}

	item.Value = val
	item.Metadata = meta
	item.LastModified = time.UnixMilli(item.Timestamp)
	item.Size = val.Size()
	return &item, nil
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "%", "\\%")
	s = strings.ReplaceAll(s, "_", "\\_")
	return s
}
