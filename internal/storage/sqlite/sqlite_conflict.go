package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/syncstorage/sync-engine/internal/domain"
	"github.com/syncstorage/sync-engine/internal/jsonvalue"
)

// SaveConflict implements storage.Repository.
func (s *Storage) SaveConflict(ctx context.Context, record *domain.ConflictRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var original, conflicting, resolved interface{}
	if !record.OriginalValue.IsZero() {
		original = record.OriginalValue.String()
	}
	if !record.ConflictingValue.IsZero() {
		conflicting = record.ConflictingValue.String()
	}
	if record.ResolvedValue != nil && !record.ResolvedValue.IsZero() {
		resolved = record.ResolvedValue.String()
	}

	var resolvedAt interface{}
	if record.ResolvedAt != nil {
		resolvedAt = record.ResolvedAt.UnixMilli()
	}

	humanReviewed := 0
	if record.HumanReviewed {
		humanReviewed = 1
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO sync_conflicts (
    id, item_id, user_id, conflict_type, original_value, conflicting_value,
    strategy, resolved_value, reason, confidence, status, created_at,
    resolved_at, ai_model, human_reviewed
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    strategy = excluded.strategy,
    resolved_value = excluded.resolved_value,
    reason = excluded.reason,
    confidence = excluded.confidence,
    status = excluded.status,
    resolved_at = excluded.resolved_at,
    ai_model = excluded.ai_model,
    human_reviewed = excluded.human_reviewed
`, record.ID, record.ItemID, record.UserID, string(record.ConflictType), original, conflicting,
		string(record.Strategy), resolved, record.Reason, record.Confidence, string(record.Status),
		record.CreatedAt.UnixMilli(), resolvedAt, record.AIModel, humanReviewed)
	if err != nil {
		return fmt.Errorf("failed to save conflict record: %w", err)
	}
	return nil
}

// GetConflict implements storage.Repository.
func (s *Storage) GetConflict(ctx context.Context, id string) (*domain.ConflictRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
SELECT id, item_id, user_id, conflict_type, original_value, conflicting_value,
       strategy, resolved_value, reason, confidence, status, created_at,
       resolved_at, ai_model, human_reviewed
FROM sync_conflicts WHERE id = ?`, id)

	record, err := scanConflict(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get conflict record: %w", err)
	}
	return record, true, nil
}

// ListConflictsByItem implements storage.Repository.
func (s *Storage) ListConflictsByItem(ctx context.Context, itemID string) ([]*domain.ConflictRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
SELECT id, item_id, user_id, conflict_type, original_value, conflicting_value,
       strategy, resolved_value, reason, confidence, status, created_at,
       resolved_at, ai_model, human_reviewed
FROM sync_conflicts WHERE item_id = ? ORDER BY created_at DESC`, itemID)
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
func (s *Storage) ConflictStats(ctx context.Context, userID string, from, to time.Time) (*domain.ConflictStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &domain.ConflictStats{ByType: map[domain.ConflictType]int64{}}

	row := s.db.QueryRowContext(ctx, `
SELECT COUNT(*), COUNT(*) FILTER (WHERE status = 'resolved')
FROM sync_conflicts WHERE user_id = ? AND created_at BETWEEN ? AND ?`,
		userID, from.UnixMilli(), to.UnixMilli())
	if err := row.Scan(&stats.Total, &stats.Resolved); err != nil {
		return nil, fmt.Errorf("failed to aggregate conflict stats: %w", err)
	}
	if stats.Total > 0 {
		stats.AutoResolutionRate = float64(stats.Resolved) / float64(stats.Total)
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT conflict_type, COUNT(*) FROM sync_conflicts
WHERE user_id = ? AND created_at BETWEEN ? AND ? GROUP BY conflict_type`,
		userID, from.UnixMilli(), to.UnixMilli())
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

func scanConflict(scanner interface{ Scan(...interface{}) error }) (*domain.ConflictRecord, error) {
	var r domain.ConflictRecord
	var conflictType, strategy, status string
	var original, conflicting, resolved sql.NullString
	var createdAt int64
	var resolvedAt sql.NullInt64
	var aiModel sql.NullString
	var humanReviewed int

	err := scanner.Scan(&r.ID, &r.ItemID, &r.UserID, &conflictType, &original, &conflicting,
		&strategy, &resolved, &r.Reason, &r.Confidence, &status, &createdAt, &resolvedAt, &aiModel, &humanReviewed)
	if err != nil {
		return nil, err
	}

	r.ConflictType = domain.ConflictType(conflictType)
	r.Strategy = domain.ResolutionStrategy(strategy)
	r.Status = domain.ConflictStatus(status)
	r.CreatedAt = time.UnixMilli(createdAt)
	r.HumanReviewed = humanReviewed != 0
	if aiModel.Valid {
		r.AIModel = aiModel.String
	}

	if original.Valid {
		v, err := jsonvalue.Parse([]byte(original.String))
		if err == nil {
			r.OriginalValue = v
		}
	}
	if conflicting.Valid {
		v, err := jsonvalue.Parse([]byte(conflicting.String))
		if err == nil {
			r.ConflictingValue = v
		}
	}
	if resolved.Valid {
		v, err := jsonvalue.Parse([]byte(resolved.String))
		if err == nil {
			r.ResolvedValue = &v
		}
	}
	if resolvedAt.Valid {
		t := time.UnixMilli(resolvedAt.Int64)
		r.ResolvedAt = &t
	}

	return &r, nil
}
