package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncstorage/sync-engine/internal/domain"
)

func TestMemoryStore_FindBySecret(t *testing.T) {
	s := NewMemoryStore()
	s.Put(&domain.APIKey{ID: "key-1", Secret: "sekret", Active: true})

	got, err := s.FindBySecret(context.Background(), "sekret")
	require.NoError(t, err)
	assert.Equal(t, "key-1", got.ID)

	_, err = s.FindBySecret(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_RecordAdmissionIncrementsCounters(t *testing.T) {
	s := NewMemoryStore()
	s.Put(&domain.APIKey{ID: "key-1", Secret: "sekret", Active: true})

	now := time.Now()
	require.NoError(t, s.RecordAdmission(context.Background(), "key-1", now))

	got, err := s.FindBySecret(context.Background(), "sekret")
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.TotalCalls)
	assert.EqualValues(t, 1, got.SuccessfulCalls)
	assert.EqualValues(t, 1, got.MinuteQuota.Current)
	assert.EqualValues(t, 1, got.HourQuota.Current)
	assert.EqualValues(t, 1, got.DayQuota.Current)
	assert.EqualValues(t, 1, got.MonthQuota.Current)
	require.NotNil(t, got.LastUsedAt)
}

func TestMemoryStore_RecordFailureTruncatesReason(t *testing.T) {
	s := NewMemoryStore()
	s.Put(&domain.APIKey{ID: "key-1", Secret: "sekret", Active: true})

	longReason := ""
	for i := 0; i < 250; i++ {
		longReason += "x"
	}

	require.NoError(t, s.RecordFailure(context.Background(), "key-1", longReason, time.Now()))

	got, err := s.FindBySecret(context.Background(), "sekret")
	require.NoError(t, err)
	assert.Len(t, got.LastFailureReason, 190)
	assert.EqualValues(t, 1, got.FailedCalls)
}

func TestMemoryStore_ResetQuotaZeroesOnlyThatPeriod(t *testing.T) {
	s := NewMemoryStore()
	s.Put(&domain.APIKey{ID: "key-1", Secret: "sekret", Active: true})
	require.NoError(t, s.RecordAdmission(context.Background(), "key-1", time.Now()))

	require.NoError(t, s.ResetQuota(context.Background(), PeriodMinute))

	got, _ := s.FindBySecret(context.Background(), "sekret")
	assert.EqualValues(t, 0, got.MinuteQuota.Current)
	assert.EqualValues(t, 1, got.HourQuota.Current)
}

func TestMemoryStore_CountDistinctUsersByIP(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now()

	require.NoError(t, s.RecordSeenUser(context.Background(), "key-1", "user-a", "10.0.0.1", "example.com", now))
	require.NoError(t, s.RecordSeenUser(context.Background(), "key-1", "user-b", "10.0.0.1", "example.com", now))
	require.NoError(t, s.RecordSeenUser(context.Background(), "key-1", "user-a", "10.0.0.1", "example.com", now))

	count, err := s.CountDistinctUsersByIP(context.Background(), "10.0.0.1", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)

	stale, err := s.CountDistinctUsersByIP(context.Background(), "10.0.0.1", now.Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 0, stale)
}
