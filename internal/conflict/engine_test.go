package conflict

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncstorage/sync-engine/internal/domain"
	"github.com/syncstorage/sync-engine/internal/storage"
	"github.com/syncstorage/sync-engine/internal/storage/memory"
)

func testEngine(t *testing.T) (*Engine, storage.Repository) {
	t.Helper()
	repo := memory.NewStorage()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewEngine(repo, logger), repo
}

func TestEngine_ProcessWrite_NoConflictPassesValueThrough(t *testing.T) {
	e, _ := testEngine(t)

	outcome, err := e.ProcessWrite(context.Background(), domain.DetectionInput{
		UserID:   "u",
		Key:      "k",
		NewValue: mustValue(t, `{"x":1}`),
		Now:      time.Now(),
	}, mustValue(t, `{}`))

	require.NoError(t, err)
	assert.Nil(t, outcome.Conflict)
	assert.True(t, outcome.Value.Equal(mustValue(t, `{"x":1}`)))
}

func TestEngine_ProcessWrite_VersionGapConflict(t *testing.T) {
	e, repo := testEngine(t)
	ctx := context.Background()

	_, err := repo.Upsert(ctx, domain.UpsertInput{UserID: "u", Key: "k", Value: mustValue(t, `{"x":1}`), InstanceID: "a"})
	require.NoError(t, err)

	item, found, err := repo.FindByKey(ctx, "u", "k")
	require.NoError(t, err)
	require.True(t, found)
	item.Version = 3
	item.LastModified = time.Now().Add(-time.Hour)

	expected := int64(2)
	outcome, err := e.ProcessWrite(ctx, domain.DetectionInput{
		UserID:          "u",
		Key:             "k",
		NewValue:        mustValue(t, `{"x":2}`),
		ExpectedVersion: &expected,
		InstanceID:      "b",
		Now:             time.Now(),
		Current:         item,
	}, mustValue(t, `{}`))

	require.NoError(t, err)
	require.NotNil(t, outcome.Conflict)
	assert.Equal(t, domain.ConflictVersionMismatch, outcome.Conflict.ConflictType)
	assert.Equal(t, domain.ConflictStatusResolved, outcome.Conflict.Status)
	assert.Equal(t, domain.StrategyLastWriteWins, outcome.Conflict.Strategy)
}

func TestEngine_ProcessWrite_SchemaChangeResolvesUnderDefaultStrategy(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()
	now := time.Now()

	current := &domain.Item{
		UserID:       "u",
		Key:          "k",
		Value:        mustValue(t, `{"a":1,"b":2}`),
		Version:      1,
		LastModified: now.Add(-time.Hour),
		InstanceID:   "a",
	}

	outcome, err := e.ProcessWrite(ctx, domain.DetectionInput{
		UserID:     "u",
		Key:        "k",
		NewValue:   mustValue(t, `{"a":1,"c":3}`),
		InstanceID: "a",
		Now:        now,
		Current:    current,
	}, mustValue(t, `{}`))

	require.NoError(t, err)
	require.NotNil(t, outcome.Conflict)
	assert.Equal(t, domain.ConflictSchemaChange, outcome.Conflict.ConflictType)

	// default strategy (last-write-wins) is not manual, so schema-change
	// conflicts still auto-resolve inline under the pipeline's default.
	assert.Equal(t, domain.ConflictStatusResolved, outcome.Conflict.Status)
}

func TestEngine_ResolveByID_IsIdempotentOnceResolved(t *testing.T) {
	e, repo := testEngine(t)
	ctx := context.Background()

	outcome, err := e.ProcessWrite(ctx, domain.DetectionInput{
		UserID:   "u",
		Key:      "k",
		NewValue: mustValue(t, `{"x":2}`),
		Now:      time.Now(),
		Current: &domain.Item{
			Value:        mustValue(t, `{"x":1}`),
			Version:      1,
			LastModified: time.Now().Add(-time.Hour),
			InstanceID:   "a",
		},
		ExpectedVersion: int64Ptr(99),
	}, mustValue(t, `{}`))
	require.NoError(t, err)
	require.NotNil(t, outcome.Conflict)

	first, err := e.ResolveByID(ctx, outcome.Conflict.ID, domain.StrategyFirstWriteWins, "", false)
	require.NoError(t, err)
	assert.Equal(t, domain.ConflictStatusResolved, first.Status)
	assert.Equal(t, outcome.Conflict.Strategy, first.Strategy) // unchanged, already resolved

	_ = repo
}

func TestEngine_ResolveByID_ManualStrategyStaysPending(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()

	record := &domain.ConflictRecord{
		ID:               "c1",
		ItemID:           storage.ItemID("u", "k"),
		UserID:           "u",
		ConflictType:     domain.ConflictSchemaChange,
		OriginalValue:    mustValue(t, `{"a":1}`),
		ConflictingValue: mustValue(t, `{"a":"one"}`),
		Strategy:         domain.StrategyManual,
		Status:           domain.ConflictStatusPending,
		CreatedAt:        time.Now(),
	}
	// seed directly via the repository the engine wraps
	repo := memory.NewStorage()
	e2 := NewEngine(repo, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, repo.SaveConflict(ctx, record))

	resolved, err := e2.ResolveByID(ctx, "c1", domain.StrategyManual, "", false)
	require.NoError(t, err)
	assert.True(t, resolved.Status == domain.ConflictStatusPending)

	_ = e
}

func TestEngine_ResolveByID_NotFound(t *testing.T) {
	e, _ := testEngine(t)
	_, err := e.ResolveByID(context.Background(), "missing", domain.StrategyLastWriteWins, "", false)
	require.Error(t, err)
}

func int64Ptr(v int64) *int64 { return &v }
