package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/syncstorage/sync-engine/internal/domain"
)

// PostgresStore is the standard-profile Store, backed by the api_keys table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) FindBySecret(ctx context.Context, secret string) (*domain.APIKey, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, secret, active, expires_at,
		       allowed_key_patterns, blocked_key_patterns, allowed_domains, ip_list,
		       country_list, allowed_methods, allowed_user_agents, blocked_user_agents,
		       restriction_mode, require_https, max_users_per_ip, max_users_per_domain,
		       minute_limit, minute_current, hour_limit, hour_current,
		       day_limit, day_current, month_limit, month_current,
		       total_calls, successful_calls, failed_calls, security_violations,
		       last_used_at, last_failure_at, last_failure_reason, avg_response_time_ms
		FROM api_keys WHERE secret = $1
	`, secret)

	key, err := scanAPIKey(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return key, err
}

func (s *PostgresStore) RecordAdmission(ctx context.Context, id string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE api_keys
		SET total_calls = total_calls + 1,
		    successful_calls = successful_calls + 1,
		    minute_current = minute_current + 1,
		    hour_current = hour_current + 1,
		    day_current = day_current + 1,
		    month_current = month_current + 1,
		    last_used_at = $2
		WHERE id = $1
	`, id, now)
	return err
}

func (s *PostgresStore) RecordResponseTime(ctx context.Context, id string, elapsed time.Duration) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE api_keys
		SET avg_response_time_ms = CASE
		    WHEN total_calls <= 0 THEN $2
		    ELSE (avg_response_time_ms * (total_calls - 1) + $2) / total_calls
		END
		WHERE id = $1
	`, id, elapsed.Milliseconds())
	return err
}

func (s *PostgresStore) RecordFailure(ctx context.Context, id string, reason string, now time.Time) error {
	if len(reason) > 190 {
		reason = reason[:190]
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE api_keys
		SET failed_calls = failed_calls + 1, last_failure_at = $2, last_failure_reason = $3
		WHERE id = $1
	`, id, now, reason)
	return err
}

func (s *PostgresStore) RecordSecurityViolation(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE api_keys SET security_violations = security_violations + 1 WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) ResetQuota(ctx context.Context, period QuotaPeriod) error {
	column, ok := quotaColumn(period)
	if !ok {
		return errors.New("unknown quota period")
	}
	_, err := s.pool.Exec(ctx, `UPDATE api_keys SET `+column+` = 0`)
	return err
}

func quotaColumn(period QuotaPeriod) (string, bool) {
	switch period {
	case PeriodMinute:
		return "minute_current", true
	case PeriodHour:
		return "hour_current", true
	case PeriodDay:
		return "day_current", true
	case PeriodMonth:
		return "month_current", true
	default:
		return "", false
	}
}

func (s *PostgresStore) CountDistinctUsersByIP(ctx context.Context, ip string, since time.Time) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(DISTINCT user_id) FROM api_key_usage_log WHERE ip = $1 AND seen_at > $2
	`, ip, since).Scan(&count)
	return count, err
}

func (s *PostgresStore) CountDistinctUsersByDomain(ctx context.Context, domainName string, since time.Time) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(DISTINCT user_id) FROM api_key_usage_log WHERE domain = $1 AND seen_at > $2
	`, domainName, since).Scan(&count)
	return count, err
}

func (s *PostgresStore) RecordSeenUser(ctx context.Context, apiKeyID, userID, ip, domainName string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO api_key_usage_log (api_key_id, user_id, ip, domain, seen_at)
		VALUES ($1, $2, $3, $4, $5)
	`, apiKeyID, userID, ip, domainName, now)
	return err
}

func (s *PostgresStore) DeactivateExpiredKeys(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE api_keys SET active = false WHERE active = true AND expires_at < $1
	`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanAPIKey(row pgx.Row) (*domain.APIKey, error) {
	var k domain.APIKey
	var r domain.Restrictions

	err := row.Scan(
		&k.ID, &k.Secret, &k.Active, &k.ExpiresAt,
		&r.AllowedKeyPatterns, &r.BlockedKeyPatterns, &r.AllowedDomains, &r.IPList,
		&r.CountryList, &r.AllowedMethods, &r.AllowedUserAgents, &r.BlockedUserAgents,
		&r.Mode, &r.RequireHTTPS, &r.MaxUsersPerIP, &r.MaxUsersPerDomain,
		&k.MinuteQuota.Limit, &k.MinuteQuota.Current, &k.HourQuota.Limit, &k.HourQuota.Current,
		&k.DayQuota.Limit, &k.DayQuota.Current, &k.MonthQuota.Limit, &k.MonthQuota.Current,
		&k.TotalCalls, &k.SuccessfulCalls, &k.FailedCalls, &k.SecurityViolations,
		&k.LastUsedAt, &k.LastFailureAt, &k.LastFailureReason, &k.AvgResponseTimeMS,
	)
	if err != nil {
		return nil, err
	}
	k.Restrictions = r
	return &k, nil
}

var _ Store = (*PostgresStore)(nil)
