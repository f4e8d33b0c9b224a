package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/syncstorage/sync-engine/internal/domain"
	"github.com/syncstorage/sync-engine/internal/jsonvalue"
)

// SaveConflict implements storage.Repository.
func (r *Repository) SaveConflict(ctx context.Context, record *domain.ConflictRecord) error {
	var resolved []byte
	if record.ResolvedValue != nil && !record.ResolvedValue.IsZero() {
		resolved = record.ResolvedValue.Bytes()
	}

	_, err := r.pool.Exec(ctx, `
INSERT INTO sync_conflicts (
    id, item_id, user_id, conflict_type, original_value, conflicting_value,
    strategy, resolved_value, reason, confidence, status, created_at,
    resolved_at, ai_model, human_reviewed
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
ON CONFLICT (id) DO UPDATE SET
    strategy = excluded.strategy,
    resolved_value = excluded.resolved_value,
    reason = excluded.reason,
    confidence = excluded.confidence,
    status = excluded.status,
    resolved_at = excluded.resolved_at,
    ai_model = excluded.ai_model,
    human_reviewed = excluded.human_reviewed
`, record.ID, record.ItemID, record.UserID, string(record.ConflictType),
		string(record.OriginalValue.Bytes()), string(record.ConflictingValue.Bytes()),
		string(record.Strategy), optionalString(resolved), record.Reason, record.Confidence,
		string(record.Status), record.CreatedAt, record.ResolvedAt, nullableString(record.AIModel), record.HumanReviewed)
	if err != nil {
		return fmt.Errorf("failed to save conflict record: %w", err)
	}
	return nil
}

// GetConflict implements storage.Repository.
func (r *Repository) GetConflict(ctx context.Context, id string) (*domain.ConflictRecord, bool, error) {
	row := r.pool.QueryRow(ctx, `
SELECT id, item_id, user_id, conflict_type, original_value, conflicting_value,
       strategy, resolved_value, reason, confidence, status, created_at,
       resolved_at, ai_model, human_reviewed
FROM sync_conflicts WHERE id = $1`, id)

	record, err := scanConflict(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get conflict record: %w", err)
	}
	return record, true, nil
}

// ListConflictsByItem implements storage.Repository.
func (r *Repository) ListConflictsByItem(ctx context.Context, itemID string) ([]*domain.ConflictRecord, error) {
	rows, err := r.pool.Query(ctx, `
SELECT id, item_id, user_id, conflict_type, original_value, conflicting_value,
       strategy, resolved_value, reason, confidence, status, created_at,
       resolved_at, ai_model, human_reviewed
FROM sync_conflicts WHERE item_id = $1 ORDER BY created_at DESC`, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	defer rows.Close()

	records := []*domain.ConflictRecord{}
	for rows.Next() {
		record, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conflict record: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// ConflictStats implements storage.Repository.
func (r *Repository) ConflictStats(ctx context.Context, userID string, from, to time.Time) (*domain.ConflictStats, error) {
	stats := &domain.ConflictStats{ByType: map[domain.ConflictType]int64{}}

	err := r.pool.QueryRow(ctx, `
SELECT COUNT(*), COUNT(*) FILTER (WHERE status = 'resolved')
FROM sync_conflicts WHERE user_id = $1 AND created_at BETWEEN $2 AND $3`, userID, from, to).
		Scan(&stats.Total, &stats.Resolved)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate conflict stats: %w", err)
	}
	if stats.Total > 0 {
		stats.AutoResolutionRate = float64(stats.Resolved) / float64(stats.Total)
	}

	rows, err := r.pool.Query(ctx, `
SELECT conflict_type, COUNT(*) FROM sync_conflicts
WHERE user_id = $1 AND created_at BETWEEN $2 AND $3 GROUP BY conflict_type`, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate conflict types: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var t string
		var count int64
		if err := rows.Scan(&t, &count); err != nil {
			return nil, fmt.Errorf("failed to scan conflict type count: %w", err)
		}
		stats.ByType[domain.ConflictType(t)] = count
	}
	return stats, rows.Err()
}

func scanConflict(row pgx.Row) (*domain.ConflictRecord, error) {
	var rec domain.ConflictRecord
	var conflictType, strategy, status string
	var original, conflicting []byte
	var resolved *string
	var aiModel *string

	err := row.Scan(&rec.ID, &rec.ItemID, &rec.UserID, &conflictType, &original, &conflicting,
		&strategy, &resolved, &rec.Reason, &rec.Confidence, &status, &rec.CreatedAt, &rec.ResolvedAt,
		&aiModel, &rec.HumanReviewed)
	if err != nil {
		return nil, err
	}

	rec.ConflictType = domain.ConflictType(conflictType)
	rec.Strategy = domain.ResolutionStrategy(strategy)
	rec.Status = domain.ConflictStatus(status)
	if aiModel != nil {
		rec.AIModel = *aiModel
	}

	if v, err := jsonvalue.Parse(original); err == nil {
		rec.OriginalValue = v
	}
	if v, err := jsonvalue.Parse(conflicting); err == nil {
		rec.ConflictingValue = v
	}
	if resolved != nil {
		v, err := jsonvalue.Parse([]byte(*resolved))
		if err == nil {
			rec.ResolvedValue = &v
		}
	}

	return &rec, nil
}

func optionalString(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
