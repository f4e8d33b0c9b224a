// Package memory implements storage.Repository with a plain in-memory map.
// It has no persistence and no capacity limit; it exists as the fast
// backend used by package unit tests, not as a deployment profile.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/syncstorage/sync-engine/internal/domain"
	"github.com/syncstorage/sync-engine/internal/storage"
)

// Storage implements storage.Repository using in-memory maps.
// Thread-safe for concurrent access.
type Storage struct {
	mu        sync.RWMutex
	items     map[string]*domain.Item // "userId:key" -> item
	conflicts map[string]*domain.ConflictRecord
}

// NewStorage creates an empty in-memory repository.
func NewStorage() *Storage {
	return &Storage{
		items:     make(map[string]*domain.Item),
		conflicts: make(map[string]*domain.ConflictRecord),
	}
}

func itemKey(userID, key string) string {
	return userID + "\x00" + key
}

// FindByKey implements storage.Repository.
func (s *Storage) FindByKey(ctx context.Context, userID, key string) (*domain.Item, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[itemKey(userID, key)]
	if !ok || item.IsDeleted {
		return nil, false, nil
	}
	copied := *item
	return &copied, true, nil
}

// FindAll implements storage.Repository.
func (s *Storage) FindAll(ctx context.Context, userID, prefix string) ([]*domain.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Item
	for _, item := range s.items {
		if item.UserID != userID || item.IsDeleted {
			continue
		}
		if prefix != "" && !strings.HasPrefix(item.Key, prefix) {
			continue
		}
		copied := *item
		result = append(result, &copied)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Timestamp > result[j].Timestamp })
	return result, nil
}

// FindKeys implements storage.Repository.
func (s *Storage) FindKeys(ctx context.Context, userID, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	for _, item := range s.items {
		if item.UserID != userID || item.IsDeleted {
			continue
		}
		if prefix != "" && !strings.HasPrefix(item.Key, prefix) {
			continue
		}
		keys = append(keys, item.Key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Upsert implements storage.Repository.
func (s *Storage) Upsert(ctx context.Context, in domain.UpsertInput) (*domain.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := itemKey(in.UserID, in.Key)
	var nextVersion int64 = 1
	if existing, ok := s.items[k]; ok {
		nextVersion = existing.Version + 1
	}

	now := time.Now()
	item := &domain.Item{
		UserID:       in.UserID,
		Key:          in.Key,
		Value:        in.Value,
		Metadata:     in.Metadata,
		Version:      nextVersion,
		LastModified: now,
		Timestamp:    domain.NowMillis(now),
		InstanceID:   in.InstanceID,
		Size:         in.Value.Size(),
		IsDeleted:    false,
	}
	s.items[k] = item

	copied := *item
	return &copied, nil
}

// Delete implements storage.Repository.
func (s *Storage) Delete(ctx context.Context, userID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := itemKey(userID, key)
	if item, ok := s.items[k]; ok && !item.IsDeleted {
		item.IsDeleted = true
		item.Timestamp = domain.NowMillis(time.Now())
	}
	return nil
}

// ClearAll implements storage.Repository.
func (s *Storage) ClearAll(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := domain.NowMillis(time.Now())
	for _, item := range s.items {
		if item.UserID == userID && !item.IsDeleted {
			item.IsDeleted = true
			item.Timestamp = now
		}
	}
	return nil
}

// Count implements storage.Repository.
func (s *Storage) Count(ctx context.Context, userID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, item := range s.items {
		if item.UserID == userID && !item.IsDeleted {
			count++
		}
	}
	return count, nil
}

// Exists implements storage.Repository.
func (s *Storage) Exists(ctx context.Context, userID, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[itemKey(userID, key)]
	return ok && !item.IsDeleted, nil
}

// GetStorageStats implements storage.Repository.
func (s *Storage) GetStorageStats(ctx context.Context, userID string) (*domain.StorageStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &domain.StorageStats{UserID: userID}
	for _, item := range s.items {
		if item.UserID != userID {
			continue
		}
		if item.IsDeleted {
			stats.DeletedRows++
			continue
		}
		stats.ItemCount++
		stats.TotalBytes += int64(item.Size)
	}
	return stats, nil
}

// Cleanup implements storage.Repository.
func (s *Storage) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := olderThan.UnixMilli()
	var removed int64
	for k, item := range s.items {
		if item.IsDeleted && item.Timestamp < cutoff {
			delete(s.items, k)
			removed++
		}
	}
	return removed, nil
}

// Export implements storage.Repository.
func (s *Storage) Export(ctx context.Context, userID string, yield func(*domain.Item) error) error {
	items, err := s.FindAll(ctx, userID, "")
	if err != nil {
		return err
	}
	for _, item := range items {
		if err := yield(item); err != nil {
			return err
		}
	}
	return nil
}

// Import implements storage.Repository.
func (s *Storage) Import(ctx context.Context, items []*domain.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, item := range items {
		copied := *item
		s.items[itemKey(item.UserID, item.Key)] = &copied
	}
	return nil
}

// SaveConflict implements storage.Repository.
func (s *Storage) SaveConflict(ctx context.Context, record *domain.ConflictRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *record
	s.conflicts[record.ID] = &copied
	return nil
}

// GetConflict implements storage.Repository.
func (s *Storage) GetConflict(ctx context.Context, id string) (*domain.ConflictRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.conflicts[id]
	if !ok {
		return nil, false, nil
	}
	copied := *record
	return &copied, true, nil
}

// ListConflictsByItem implements storage.Repository.
func (s *Storage) ListConflictsByItem(ctx context.Context, itemID string) ([]*domain.ConflictRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.ConflictRecord
	for _, record := range s.conflicts {
		if record.ItemID == itemID {
			copied := *record
			result = append(result, &copied)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

// ConflictStats implements storage.Repository.
func (s *Storage) ConflictStats(ctx context.Context, userID string, from, to time.Time) (*domain.ConflictStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &domain.ConflictStats{ByType: map[domain.ConflictType]int64{}}
	for _, record := range s.conflicts {
		if record.UserID != userID || record.CreatedAt.Before(from) || record.CreatedAt.After(to) {
			continue
		}
		stats.Total++
		if record.IsResolved() {
			stats.Resolved++
		}
		stats.ByType[record.ConflictType]++
	}
	if stats.Total > 0 {
		stats.AutoResolutionRate = float64(stats.Resolved) / float64(stats.Total)
	}
	return stats, nil
}

// Close implements storage.Repository.
func (s *Storage) Close() error {
	return nil
}

var _ storage.Repository = (*Storage)(nil)
