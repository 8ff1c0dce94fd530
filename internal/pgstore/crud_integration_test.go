//go:build integration

package pgstore

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metasvc/corehub/manifest"
	"github.com/metasvc/corehub/rql"
)

// These tests require a reachable PostgreSQL instance named by
// PGSTORE_TEST_DSN and only run with `-tags integration`. We do not spin up
// a container ourselves; point PGSTORE_TEST_DSN at a disposable database.

func testStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("PGSTORE_TEST_DSN")
	if dsn == "" {
		t.Skip("PGSTORE_TEST_DSN not set")
	}
	store, err := Open(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

func testOrgModel(t *testing.T) (*manifest.Manifest, *manifest.Model) {
	t.Helper()
	data := []byte(`{
		"name": "x",
		"datasets": {"ds": {"access": "open", "resources": {"r": {"type": "internal", "models": {
			"ds/Org": {
				"propertyOrder": ["title", "tags"],
				"primaryKey": ["title"],
				"properties": {
					"title": {"type": "string"},
					"tags": {"type": "array", "items": {"type": "string"}}
				}
			}
		}}}}}
	}`)
	m, err := manifest.LoadBytes(data)
	require.NoError(t, err)
	model, err := m.LookupModel("ds/Org")
	require.NoError(t, err)
	return m, model
}

func TestBackendInsertGetOne(t *testing.T) {
	store := testStore(t)
	mf, model := testOrgModel(t)
	ctx := context.Background()

	backend, err := NewBackend(ctx, store, mf, model)
	require.NoError(t, err)

	wtx, err := store.BeginWrite(ctx)
	require.NoError(t, err)
	row, err := backend.Insert(ctx, wtx, map[string]interface{}{"title": "acme", "tags": []interface{}{"a", "b"}})
	require.NoError(t, err)
	require.NoError(t, wtx.Commit(ctx))

	rtx, err := store.BeginRead(ctx)
	require.NoError(t, err)
	defer rtx.Rollback(ctx)

	fetched, err := backend.GetOne(ctx, rtx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, "acme", fetched.Data["title"])
}

func TestBackendUpdateConflict(t *testing.T) {
	store := testStore(t)
	mf, model := testOrgModel(t)
	ctx := context.Background()
	backend, err := NewBackend(ctx, store, mf, model)
	require.NoError(t, err)

	wtx, err := store.BeginWrite(ctx)
	require.NoError(t, err)
	row, err := backend.Insert(ctx, wtx, map[string]interface{}{"title": "acme2"})
	require.NoError(t, err)
	require.NoError(t, wtx.Commit(ctx))

	wtx2, err := store.BeginWrite(ctx)
	require.NoError(t, err)
	_, err = backend.Update(ctx, wtx2, row.ID, "wrong-revision", map[string]interface{}{"title": "acme3"})
	require.Error(t, err)
	wtx2.Rollback(ctx)
}

func TestBackendPatchMergesSiblings(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	data := []byte(`{
		"name": "x",
		"datasets": {"ds": {"access": "open", "resources": {"r": {"type": "internal", "models": {
			"ds/Addr": {
				"propertyOrder": ["address"],
				"properties": {
					"address": {"type": "object", "props": {
						"city": {"type": "string"}, "country": {"type": "string"}
					}}
				}
			}
		}}}}}
	}`)
	mf, err := manifest.LoadBytes(data)
	require.NoError(t, err)
	model, err := mf.LookupModel("ds/Addr")
	require.NoError(t, err)

	backend, err := NewBackend(ctx, store, mf, model)
	require.NoError(t, err)

	wtx, err := store.BeginWrite(ctx)
	require.NoError(t, err)
	row, err := backend.Insert(ctx, wtx, map[string]interface{}{
		"address": map[string]interface{}{"city": "Vilnius", "country": "LT"},
	})
	require.NoError(t, err)
	require.NoError(t, wtx.Commit(ctx))

	wtx2, err := store.BeginWrite(ctx)
	require.NoError(t, err)
	patched, err := backend.Patch(ctx, wtx2, row.ID, row.Revision, map[string]interface{}{
		"address": map[string]interface{}{"city": "Kaunas"},
	})
	require.NoError(t, err)
	require.NoError(t, wtx2.Commit(ctx))

	addr := patched.Data["address"].(map[string]interface{})
	assert.Equal(t, "Kaunas", addr["city"])
	assert.Equal(t, "LT", addr["country"])
}

func TestBackendSearchByListCondition(t *testing.T) {
	store := testStore(t)
	mf, model := testOrgModel(t)
	ctx := context.Background()
	backend, err := NewBackend(ctx, store, mf, model)
	require.NoError(t, err)

	wtx, err := store.BeginWrite(ctx)
	require.NoError(t, err)
	_, err = backend.Insert(ctx, wtx, map[string]interface{}{"title": "findme", "tags": []interface{}{"special"}})
	require.NoError(t, err)
	require.NoError(t, wtx.Commit(ctx))

	rtx, err := store.BeginRead(ctx)
	require.NoError(t, err)
	defer rtx.Rollback(ctx)

	plan, err := rql.Resolve(mf, model, rql.Cond(rql.OpEq, "tags", "special"), nil, nil, 0, 0)
	require.NoError(t, err)

	rows, err := backend.GetAll(ctx, rtx, plan)
	require.NoError(t, err)
	require.NotEmpty(t, rows)
}

func TestBackendSearchByListConditionNeExcludesMultiValueMatch(t *testing.T) {
	store := testStore(t)
	mf, model := testOrgModel(t)
	ctx := context.Background()
	backend, err := NewBackend(ctx, store, mf, model)
	require.NoError(t, err)

	wtx, err := store.BeginWrite(ctx)
	require.NoError(t, err)
	_, err = backend.Insert(ctx, wtx, map[string]interface{}{"title": "archived-org", "tags": []interface{}{"a", "archived"}})
	require.NoError(t, err)
	_, err = backend.Insert(ctx, wtx, map[string]interface{}{"title": "active-org", "tags": []interface{}{"a", "b"}})
	require.NoError(t, err)
	require.NoError(t, wtx.Commit(ctx))

	rtx, err := store.BeginRead(ctx)
	require.NoError(t, err)
	defer rtx.Rollback(ctx)

	plan, err := rql.Resolve(mf, model, rql.Cond(rql.OpNe, "tags", "archived"), nil, nil, 0, 0)
	require.NoError(t, err)

	rows, err := backend.GetAll(ctx, rtx, plan)
	require.NoError(t, err)

	var titles []string
	for _, row := range rows {
		titles = append(titles, row.Data["title"].(string))
	}
	assert.NotContains(t, titles, "archived-org", "a list containing the searched value must never match ne()")
	assert.Contains(t, titles, "active-org")
}

func TestBackendDeleteAndWipe(t *testing.T) {
	store := testStore(t)
	mf, model := testOrgModel(t)
	ctx := context.Background()
	backend, err := NewBackend(ctx, store, mf, model)
	require.NoError(t, err)

	wtx, err := store.BeginWrite(ctx)
	require.NoError(t, err)
	row, err := backend.Insert(ctx, wtx, map[string]interface{}{"title": "deleteme"})
	require.NoError(t, err)
	require.NoError(t, backend.Delete(ctx, wtx, row.ID))
	require.NoError(t, wtx.Commit(ctx))

	wtx2, err := store.BeginWrite(ctx)
	require.NoError(t, err)
	require.NoError(t, backend.Wipe(ctx, wtx2))
	require.NoError(t, wtx2.Commit(ctx))
}
