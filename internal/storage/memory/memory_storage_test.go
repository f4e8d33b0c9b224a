package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncstorage/sync-engine/internal/domain"
	"github.com/syncstorage/sync-engine/internal/jsonvalue"
	"github.com/syncstorage/sync-engine/internal/storage/memory"
)

func mustValue(t *testing.T, raw string) jsonvalue.Value {
	v, err := jsonvalue.Parse([]byte(raw))
	require.NoError(t, err)
	return v
}

func TestUpsertAndFindByKey(t *testing.T) {
	repo := memory.NewStorage()
	ctx := context.Background()

	_, err := repo.Upsert(ctx, domain.UpsertInput{UserID: "u1", Key: "k1", Value: mustValue(t, `{"a":1}`)})
	require.NoError(t, err)

	item, found, err := repo.FindByKey(ctx, "u1", "k1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(1), item.Version)
}

func TestUpsertIncrementsVersionAndDeleteIsSoft(t *testing.T) {
	repo := memory.NewStorage()
	ctx := context.Background()

	_, err := repo.Upsert(ctx, domain.UpsertInput{UserID: "u1", Key: "k1", Value: mustValue(t, `1`)})
	require.NoError(t, err)
	item, err := repo.Upsert(ctx, domain.UpsertInput{UserID: "u1", Key: "k1", Value: mustValue(t, `2`)})
	require.NoError(t, err)
	assert.Equal(t, int64(2), item.Version)

	require.NoError(t, repo.Delete(ctx, "u1", "k1"))
	_, found, err := repo.FindByKey(ctx, "u1", "k1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFindAllAndKeysRespectPrefix(t *testing.T) {
	repo := memory.NewStorage()
	ctx := context.Background()

	_, err := repo.Upsert(ctx, domain.UpsertInput{UserID: "u1", Key: "a.x", Value: mustValue(t, `1`)})
	require.NoError(t, err)
	_, err = repo.Upsert(ctx, domain.UpsertInput{UserID: "u1", Key: "b.y", Value: mustValue(t, `2`)})
	require.NoError(t, err)

	items, err := repo.FindAll(ctx, "u1", "a.")
	require.NoError(t, err)
	require.Len(t, items, 1)

	keys, err := repo.FindKeys(ctx, "u1", "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.x", "b.y"}, keys)
}

func TestConflictRoundTrip(t *testing.T) {
	repo := memory.NewStorage()
	ctx := context.Background()

	record := &domain.ConflictRecord{
		ID: "c1", ItemID: "u1:k1", UserID: "u1",
		ConflictType: domain.ConflictVersionMismatch,
		Status:       domain.ConflictStatusResolved,
	}
	require.NoError(t, repo.SaveConflict(ctx, record))

	got, found, err := repo.GetConflict(ctx, "c1")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, got.IsResolved())

	list, err := repo.ListConflictsByItem(ctx, "u1:k1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
