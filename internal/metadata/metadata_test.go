package metadata

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	store, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestUpsertInstance_RoundTripsAllFields(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	forkedFrom := uuid.New()

	in := &StoredInstance{
		ID: uuid.New(), Dialect: "mysql", HostID: uuid.New(),
		DBName: "db_abc", User: "u_abc", Password: "secret",
		State: "Ready", CreatedAt: time.Now().Truncate(time.Second),
		LastActivityAt: time.Now().Truncate(time.Second),
		ExpiresAt:      time.Now().Add(time.Hour).Truncate(time.Second),
		ForkedFrom:     &forkedFrom, SizeBytes: 1024, ReadOnly: true,
	}
	require.NoError(t, store.UpsertInstance(ctx, in))

	got, err := store.GetInstance(ctx, in.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, in.Dialect, got.Dialect)
	assert.Equal(t, in.DBName, got.DBName)
	assert.Equal(t, in.State, got.State)
	assert.True(t, got.ReadOnly)
	require.NotNil(t, got.ForkedFrom)
	assert.Equal(t, forkedFrom, *got.ForkedFrom)
}

func TestUpsertInstance_SecondCallUpdatesInPlace(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id := uuid.New()
	in := &StoredInstance{ID: id, Dialect: "mysql", HostID: uuid.New(), DBName: "d", User: "u", Password: "p", State: "Ready", CreatedAt: time.Now(), LastActivityAt: time.Now(), ExpiresAt: time.Now()}
	require.NoError(t, store.UpsertInstance(ctx, in))

	in.State = "Busy"
	require.NoError(t, store.UpsertInstance(ctx, in))

	got, err := store.GetInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Busy", got.State)

	all, err := store.ListInstances(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestGetInstance_MissingReturnsNilNil(t *testing.T) {
	store := openTestStore(t)
	got, err := store.GetInstance(context.Background(), uuid.New())
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestDeleteInstance_RemovesRecord(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	in := &StoredInstance{ID: uuid.New(), Dialect: "mysql", HostID: uuid.New(), DBName: "d", User: "u", Password: "p", State: "Ready", CreatedAt: time.Now(), LastActivityAt: time.Now(), ExpiresAt: time.Now()}
	require.NoError(t, store.UpsertInstance(ctx, in))
	require.NoError(t, store.DeleteInstance(ctx, in.ID))

	got, err := store.GetInstance(ctx, in.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestBackups_ListForInstanceFiltersBySource(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	dbA, dbB := uuid.New(), uuid.New()
	for i := 0; i < 3; i++ {
		src := dbA
		if i == 2 {
			src = dbB
		}
		require.NoError(t, store.UpsertBackup(ctx, &StoredBackup{
			ID: uuid.New(), SourceDBID: src, Dialect: "mysql",
			CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour),
			SizeBytes: 10, StorageKey: "key",
		}))
	}

	forA, err := store.ListBackupsForInstance(ctx, dbA)
	require.NoError(t, err)
	assert.Len(t, forA, 2)

	forB, err := store.ListBackupsForInstance(ctx, dbB)
	require.NoError(t, err)
	assert.Len(t, forB, 1)
}

func TestGetBackup_MissingReturnsNilNil(t *testing.T) {
	store := openTestStore(t)
	got, err := store.GetBackup(context.Background(), uuid.New())
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestPing_SucceedsAgainstOpenStore(t *testing.T) {
	store := openTestStore(t)
	assert.NoError(t, store.Ping(context.Background()))
}
