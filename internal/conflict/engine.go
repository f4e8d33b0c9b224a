// Package conflict implements the engine's conflict-detection and
// resolution pipeline: detecting version/concurrency/schema collisions,
// analyzing their severity, resolving them by one of five strategies, and
// keeping the durable audit trail the storage repository persists.
package conflict

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/syncstorage/sync-engine/internal/domain"
	"github.com/syncstorage/sync-engine/internal/jsonvalue"
	"github.com/syncstorage/sync-engine/internal/storage"
	"github.com/syncstorage/sync-engine/internal/syncerr"
)

// defaultStrategy is applied to every freshly-detected conflict before an
// operator or the ai-assisted pipeline overrides it via resolve-by-id.
const defaultStrategy = domain.StrategyLastWriteWins

// Engine orchestrates detection, analysis, and resolution against the
// repository's conflict-record store.
type Engine struct {
	repo   storage.Repository
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine creates an Engine backed by repo.
func NewEngine(repo storage.Repository, logger *slog.Logger) *Engine {
	return &Engine{repo: repo, logger: logger.With("component", "conflict_engine"), now: time.Now}
}

// WriteOutcome is the result of running the write-time pipeline: the value
// and metadata to actually persist, and the conflict record created, if any.
type WriteOutcome struct {
	Value    jsonvalue.Value
	Metadata jsonvalue.Value
	Conflict *domain.ConflictRecord
}

// ProcessWrite runs the write-time pipeline spec'd for SetItem: detect, and
// if a conflict is found, persist a pending record under the default
// strategy and resolve inline so the write is never blocked — unless the
// default strategy itself requires manual resolution, in which case the
// manual envelope (both sides with their timestamps) is stored and the
// record stays pending.
func (e *Engine) ProcessWrite(ctx context.Context, in domain.DetectionInput, incomingMetadata jsonvalue.Value) (WriteOutcome, error) {
	detection := Detect(in)
	if detection.Type == "" {
		return WriteOutcome{Value: in.NewValue, Metadata: incomingMetadata}, nil
	}

	now := e.now()
	analysis := Analyze(detection)
	strategy := defaultStrategy

	pair := Pair{
		OriginalValue:     in.Current.Value,
		OriginalMetadata:  in.Current.Metadata,
		OriginalTimestamp: in.Current.Timestamp,
		IncomingValue:     in.NewValue,
		IncomingMetadata:  incomingMetadata,
		IncomingTimestamp: domain.NowMillis(now),
	}
	resolution := Resolve(strategy, pair, now)

	record := &domain.ConflictRecord{
		ID:               uuid.NewString(),
		ItemID:           storage.ItemID(in.UserID, in.Key),
		UserID:           in.UserID,
		ConflictType:     detection.Type,
		OriginalValue:    in.Current.Value,
		ConflictingValue: in.NewValue,
		Strategy:         resolution.Strategy,
		Reason:           resolution.Reason,
		Confidence:       resolution.Confidence,
		Status:           domain.ConflictStatusPending,
		CreatedAt:        now,
	}
	if !resolution.NeedsManualResolution {
		resolvedValue := resolution.Value
		record.ResolvedValue = &resolvedValue
		record.Status = domain.ConflictStatusResolved
		resolvedAt := now
		record.ResolvedAt = &resolvedAt
	}

	if err := e.repo.SaveConflict(ctx, record); err != nil {
		return WriteOutcome{}, fmt.Errorf("failed to save conflict record: %w", err)
	}

	e.logger.Info("conflict detected",
		"conflict_id", record.ID, "user_id", in.UserID, "key", in.Key,
		"conflict_type", detection.Type, "severity", analysis.Severity,
		"auto_resolvable", analysis.AutoResolvable, "strategy", resolution.Strategy)

	if resolution.NeedsManualResolution {
		return WriteOutcome{Value: resolution.Value, Metadata: incomingMetadata, Conflict: record}, nil
	}
	return WriteOutcome{Value: resolution.Value, Metadata: resolution.Metadata, Conflict: record}, nil
}

// ResolveByID applies strategy to the named conflict record and persists the
// outcome. Idempotent: a record already in ConflictStatusResolved returns its
// existing resolution unchanged regardless of the strategy requested.
func (e *Engine) ResolveByID(ctx context.Context, id string, strategy domain.ResolutionStrategy, aiModel string, humanReviewed bool) (*domain.ConflictRecord, error) {
	record, found, err := e.repo.GetConflict(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load conflict record: %w", err)
	}
	if !found {
		return nil, syncerr.NotFound("conflict record")
	}
	if record.IsResolved() {
		record.HumanReviewed = record.HumanReviewed || humanReviewed
		if humanReviewed {
			if err := e.repo.SaveConflict(ctx, record); err != nil {
				return nil, fmt.Errorf("failed to save conflict record: %w", err)
			}
		}
		return record, nil
	}

	now := e.now()
	pair := Pair{
		OriginalValue:     record.OriginalValue,
		OriginalTimestamp: 0,
		IncomingValue:     record.ConflictingValue,
		IncomingTimestamp: domain.NowMillis(now),
		AIModel:           aiModel,
	}
	resolution := Resolve(strategy, pair, now)

	record.Strategy = strategy
	record.Reason = resolution.Reason
	record.Confidence = resolution.Confidence
	record.AIModel = aiModel
	record.HumanReviewed = record.HumanReviewed || humanReviewed

	if resolution.NeedsManualResolution {
		record.Status = domain.ConflictStatusPending
	} else {
		resolvedValue := resolution.Value
		record.ResolvedValue = &resolvedValue
		record.Status = domain.ConflictStatusResolved
		resolvedAt := now
		record.ResolvedAt = &resolvedAt
	}

	if err := e.repo.SaveConflict(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to save conflict record: %w", err)
	}
	return record, nil
}

// Stats delegates to the repository's single aggregate query.
func (e *Engine) Stats(ctx context.Context, userID string, from, to time.Time) (*domain.ConflictStats, error) {
	return e.repo.ConflictStats(ctx, userID, from, to)
}

// History returns every conflict record referencing itemID.
func (e *Engine) History(ctx context.Context, itemID string) ([]*domain.ConflictRecord, error) {
	return e.repo.ListConflictsByItem(ctx, itemID)
}
