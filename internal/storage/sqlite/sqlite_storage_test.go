package sqlite_test

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncstorage/sync-engine/internal/domain"
	"github.com/syncstorage/sync-engine/internal/jsonvalue"
	"github.com/syncstorage/sync-engine/internal/storage"
	"github.com/syncstorage/sync-engine/internal/storage/sqlite"
)

func newTestRepository(t *testing.T) storage.Repository {
	ctx := context.Background()
	dbPath := t.TempDir() + "/test.db"
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	repo, err := sqlite.NewRepository(ctx, dbPath, logger)
	require.NoError(t, err)
	require.NotNil(t, repo)

	t.Cleanup(func() { repo.Close() })
	return repo
}

func mustValue(t *testing.T, raw string) jsonvalue.Value {
	v, err := jsonvalue.Parse([]byte(raw))
	require.NoError(t, err)
	return v
}

func TestUpsertCreatesNewItem(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	item, err := repo.Upsert(ctx, domain.UpsertInput{
		UserID: "user-1", Key: "theme", Value: mustValue(t, `"dark"`), InstanceID: "inst-1",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), item.Version)
	assert.False(t, item.IsDeleted)
}

func TestUpsertIncrementsVersion(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	_, err := repo.Upsert(ctx, domain.UpsertInput{UserID: "user-1", Key: "theme", Value: mustValue(t, `"dark"`)})
	require.NoError(t, err)

	item, err := repo.Upsert(ctx, domain.UpsertInput{UserID: "user-1", Key: "theme", Value: mustValue(t, `"light"`)})
	require.NoError(t, err)
	assert.Equal(t, int64(2), item.Version)
}

func TestFindByKeyMissingReturnsNotFound(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	item, found, err := repo.FindByKey(ctx, "user-1", "missing")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, item)
}

func TestDeleteIsSoftAndInvisibleToReads(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	_, err := repo.Upsert(ctx, domain.UpsertInput{UserID: "user-1", Key: "theme", Value: mustValue(t, `"dark"`)})
	require.NoError(t, err)

	require.NoError(t, repo.Delete(ctx, "user-1", "theme"))

	_, found, err := repo.FindByKey(ctx, "user-1", "theme")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFindAllFiltersByPrefix(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	_, err := repo.Upsert(ctx, domain.UpsertInput{UserID: "user-1", Key: "settings.theme", Value: mustValue(t, `"dark"`)})
	require.NoError(t, err)
	_, err = repo.Upsert(ctx, domain.UpsertInput{UserID: "user-1", Key: "profile.name", Value: mustValue(t, `"alice"`)})
	require.NoError(t, err)

	items, err := repo.FindAll(ctx, "user-1", "settings.")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "settings.theme", items[0].Key)
}

func TestClearAllSoftDeletesEverything(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	_, err := repo.Upsert(ctx, domain.UpsertInput{UserID: "user-1", Key: "a", Value: mustValue(t, `1`)})
	require.NoError(t, err)
	_, err = repo.Upsert(ctx, domain.UpsertInput{UserID: "user-1", Key: "b", Value: mustValue(t, `2`)})
	require.NoError(t, err)

	require.NoError(t, repo.ClearAll(ctx, "user-1"))

	count, err := repo.Count(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestSaveAndGetConflict(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	record := &domain.ConflictRecord{
		ID:           "conf-1",
		ItemID:       "user-1:theme",
		UserID:       "user-1",
		ConflictType: domain.ConflictVersionMismatch,
		Status:       domain.ConflictStatusPending,
	}
	require.NoError(t, repo.SaveConflict(ctx, record))

	got, found, err := repo.GetConflict(ctx, "conf-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, domain.ConflictVersionMismatch, got.ConflictType)
}

func TestExportImportRoundTrip(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	_, err := repo.Upsert(ctx, domain.UpsertInput{UserID: "user-1", Key: "a", Value: mustValue(t, `1`)})
	require.NoError(t, err)

	var exported []*domain.Item
	require.NoError(t, repo.Export(ctx, "user-1", func(item *domain.Item) error {
		exported = append(exported, item)
		return nil
	}))
	require.Len(t, exported, 1)

	require.NoError(t, repo.ClearAll(ctx, "user-1"))
	require.NoError(t, repo.Import(ctx, exported))

	count, err := repo.Count(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}
