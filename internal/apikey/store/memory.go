package store

import (
	"context"
	"sync"
	"time"

	"github.com/syncstorage/sync-engine/internal/domain"
)

// seenUser is one (ip, domain, userId) sighting, used for the maxUsersPerIp
// / maxUsersPerDomain restriction checks.
type seenUser struct {
	apiKeyID string
	userID   string
	ip       string
	domain   string
	at       time.Time
}

// MemoryStore is an in-memory Store for the lite profile and for tests. Keys
// are indexed by secret; sightings are kept in a flat slice and pruned
// lazily on read since the window is only 24 hours.
type MemoryStore struct {
	mu        sync.Mutex
	keys      map[string]*domain.APIKey // secret -> key
	sightings []seenUser
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]*domain.APIKey)}
}

// Put registers or replaces a key, keyed by its secret. Exposed for lite
// deployments that load keys from configuration rather than a database.
func (s *MemoryStore) Put(key *domain.APIKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.Secret] = key
}

func (s *MemoryStore) FindBySecret(ctx context.Context, secret string) (*domain.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.keys[secret]
	if !ok {
		return nil, ErrNotFound
	}
	copyKey := *key
	return &copyKey, nil
}

func (s *MemoryStore) RecordAdmission(ctx context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := s.findByIDLocked(id)
	if key == nil {
		return ErrNotFound
	}

	key.TotalCalls++
	key.SuccessfulCalls++
	key.MinuteQuota.Current++
	key.HourQuota.Current++
	key.DayQuota.Current++
	key.MonthQuota.Current++
	key.LastUsedAt = &now
	return nil
}

func (s *MemoryStore) RecordResponseTime(ctx context.Context, id string, elapsed time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := s.findByIDLocked(id)
	if key == nil {
		return ErrNotFound
	}

	elapsedMS := elapsed.Milliseconds()
	if key.TotalCalls <= 0 {
		key.AvgResponseTimeMS = elapsedMS
		return nil
	}
	key.AvgResponseTimeMS = (key.AvgResponseTimeMS*(key.TotalCalls-1) + elapsedMS) / key.TotalCalls
	return nil
}

func (s *MemoryStore) RecordFailure(ctx context.Context, id string, reason string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := s.findByIDLocked(id)
	if key == nil {
		return ErrNotFound
	}

	if len(reason) > 190 {
		reason = reason[:190]
	}
	key.FailedCalls++
	key.LastFailureAt = &now
	key.LastFailureReason = reason
	return nil
}

func (s *MemoryStore) RecordSecurityViolation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := s.findByIDLocked(id)
	if key == nil {
		return ErrNotFound
	}
	key.SecurityViolations++
	return nil
}

func (s *MemoryStore) ResetQuota(ctx context.Context, period QuotaPeriod) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range s.keys {
		switch period {
		case PeriodMinute:
			key.MinuteQuota.Current = 0
		case PeriodHour:
			key.HourQuota.Current = 0
		case PeriodDay:
			key.DayQuota.Current = 0
		case PeriodMonth:
			key.MonthQuota.Current = 0
		}
	}
	return nil
}

func (s *MemoryStore) CountDistinctUsersByIP(ctx context.Context, ip string, since time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	users := make(map[string]bool)
	for _, sighting := range s.sightings {
		if sighting.ip == ip && sighting.at.After(since) {
			users[sighting.userID] = true
		}
	}
	return int64(len(users)), nil
}

func (s *MemoryStore) CountDistinctUsersByDomain(ctx context.Context, domainName string, since time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	users := make(map[string]bool)
	for _, sighting := range s.sightings {
		if sighting.domain == domainName && sighting.at.After(since) {
			users[sighting.userID] = true
		}
	}
	return int64(len(users)), nil
}

func (s *MemoryStore) RecordSeenUser(ctx context.Context, apiKeyID, userID, ip, domainName string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sightings = append(s.sightings, seenUser{apiKeyID: apiKeyID, userID: userID, ip: ip, domain: domainName, at: now})

	cutoff := now.Add(-24 * time.Hour)
	pruned := s.sightings[:0]
	for _, sighting := range s.sightings {
		if sighting.at.After(cutoff) {
			pruned = append(pruned, sighting)
		}
	}
	s.sightings = pruned
	return nil
}

func (s *MemoryStore) DeactivateExpiredKeys(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for _, key := range s.keys {
		if key.Active && key.ExpiresAt != nil && key.ExpiresAt.Before(now) {
			key.Active = false
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) findByIDLocked(id string) *domain.APIKey {
	for _, key := range s.keys {
		if key.ID == id {
			return key
		}
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
