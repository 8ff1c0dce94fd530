package push

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStateStore(t *testing.T) *StateStore {
	t.Helper()
	store, err := OpenStateStore(filepath.Join(t.TempDir(), "push-state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStateStoreUpsertAndGet(t *testing.T) {
	store := openTestStateStore(t)
	ctx := context.Background()
	require.NoError(t, store.EnsureModelTable(ctx, "ds/Org"))

	require.NoError(t, store.Upsert(ctx, "ds/Org", RowState{ID: "id1", Revision: "r1", Checksum: "sum1"}))

	st, found, err := store.Get(ctx, "ds/Org", "id1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "r1", st.Revision)
	assert.Equal(t, "sum1", st.Checksum)
	assert.False(t, st.Error)
}

func TestStateStoreMarkErrorAndList(t *testing.T) {
	store := openTestStateStore(t)
	ctx := context.Background()
	require.NoError(t, store.EnsureModelTable(ctx, "ds/Org"))

	require.NoError(t, store.MarkError(ctx, "ds/Org", "bad1", []byte(`{}`)))

	ids, err := store.ErroredIDs(ctx, "ds/Org")
	require.NoError(t, err)
	assert.Contains(t, ids, "bad1")

	st, found, err := store.Get(ctx, "ds/Org", "bad1")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, st.Error)
}

func TestStateStoreAllIDsAndDelete(t *testing.T) {
	store := openTestStateStore(t)
	ctx := context.Background()
	require.NoError(t, store.EnsureModelTable(ctx, "ds/Org"))
	require.NoError(t, store.Upsert(ctx, "ds/Org", RowState{ID: "id1", Revision: "r1", Checksum: "s1"}))
	require.NoError(t, store.Upsert(ctx, "ds/Org", RowState{ID: "id2", Revision: "r2", Checksum: "s2"}))

	ids, err := store.AllIDs(ctx, "ds/Org")
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	require.NoError(t, store.Delete(ctx, "ds/Org", "id1"))
	ids, err = store.AllIDs(ctx, "ds/Org")
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestStateStorePageCursor(t *testing.T) {
	store := openTestStateStore(t)
	ctx := context.Background()

	_, found, err := store.GetPage(ctx, "ds/Org", "created")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.SetPage(ctx, "ds/Org", "created", "2026-01-01T00:00:00Z"))
	value, found, err := store.GetPage(ctx, "ds/Org", "created")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "2026-01-01T00:00:00Z", value)

	require.NoError(t, store.SetPage(ctx, "ds/Org", "created", "2026-02-01T00:00:00Z"))
	value, _, err = store.GetPage(ctx, "ds/Org", "created")
	require.NoError(t, err)
	assert.Equal(t, "2026-02-01T00:00:00Z", value)
}
