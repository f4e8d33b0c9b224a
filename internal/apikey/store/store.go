// Package store persists API key records and their quota/usage counters.
// Both implementations mutate counters only via single-row updates (spec
// §5), never read-modify-write the whole record.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/syncstorage/sync-engine/internal/domain"
)

// ErrNotFound is returned when a secret has no matching API key.
var ErrNotFound = errors.New("api key not found")

// QuotaPeriod names one of the four rolling quota windows.
type QuotaPeriod string

const (
	PeriodMinute QuotaPeriod = "minute"
	PeriodHour   QuotaPeriod = "hour"
	PeriodDay    QuotaPeriod = "day"
	PeriodMonth  QuotaPeriod = "month"
)

// Store is the admission gate's persistence boundary for API keys.
type Store interface {
	// FindBySecret looks up a key by its exact opaque secret.
	FindBySecret(ctx context.Context, secret string) (*domain.APIKey, error)

	// RecordAdmission atomically increments totalCalls, successfulCalls, and
	// all four currentXxxUsage counters, and sets lastUsedAt=now.
	RecordAdmission(ctx context.Context, id string, now time.Time) error

	// RecordResponseTime folds elapsed into the key's running average
	// response time.
	RecordResponseTime(ctx context.Context, id string, elapsed time.Duration) error

	// RecordFailure increments failedCalls and stores a truncated reason.
	RecordFailure(ctx context.Context, id string, reason string, now time.Time) error

	// RecordSecurityViolation increments securityViolations.
	RecordSecurityViolation(ctx context.Context, id string) error

	// ResetQuota zeroes the current-usage counter for one period, called by
	// the scheduler on that period's tick.
	ResetQuota(ctx context.Context, period QuotaPeriod) error

	// CountDistinctUsersByIP counts distinct userIds seen from ip in the
	// trailing window ending at now (spec: "in the last 24 hours").
	CountDistinctUsersByIP(ctx context.Context, ip string, since time.Time) (int64, error)

	// CountDistinctUsersByDomain counts distinct userIds seen from domain in
	// the trailing window ending at now.
	CountDistinctUsersByDomain(ctx context.Context, domain string, since time.Time) (int64, error)

	// RecordSeenUser notes that userId made a call from ip/domain at now,
	// feeding the user-limit checks above.
	RecordSeenUser(ctx context.Context, apiKeyID, userID, ip, domain string, now time.Time) error

	// DeactivateExpiredKeys sets isActive=false for every key with
	// expiresAt < now and isActive=true, called by the scheduler's daily
	// 02:00 tick. Returns the number of keys deactivated.
	DeactivateExpiredKeys(ctx context.Context, now time.Time) (int64, error)
}
