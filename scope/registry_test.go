package scope

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breez/table-sync/store"
	"github.com/breez/table-sync/store/memory"
	"github.com/breez/table-sync/types"
)

func testScope() *types.Scope {
	return &types.Scope{
		Name:    "shop",
		Version: "1",
		Tables: []types.Table{
			{
				Name: "orders",
				Columns: []types.Column{
					{Name: "id", Type: types.ColumnInt64},
					{Name: "customer_id", Type: types.ColumnInt64},
				},
				PrimaryKey: []string{"id"},
				DependsOn:  []string{"customers"},
			},
			{
				Name: "customers",
				Columns: []types.Column{
					{Name: "id", Type: types.ColumnInt64},
					{Name: "name", Type: types.ColumnString},
				},
				PrimaryKey: []string{"id"},
			},
		},
	}
}

func newRegistry(t *testing.T) (*Registry, *memory.Store) {
	provider, err := memory.New()
	require.NoError(t, err)
	return NewRegistry(provider), provider
}

func TestProvision(t *testing.T) {
	ctx := context.Background()
	registry, provider := newRegistry(t)
	scope := testScope()

	customers, _ := scope.Table("customers")
	require.NoError(t, provider.Upsert(ctx, customers, []any{int64(1), "ann"}))

	info, err := registry.Provision(ctx, scope, "client-1", ProvisionOptions{})
	require.NoError(t, err)
	assert.True(t, info.IsNewScope)
	assert.Nil(t, info.LastSyncWatermark)
	assert.Equal(t, scope.Hash(), info.SchemaHash)
	assert.Equal(t, "1", info.SchemaVersion)

	// base rows are untouched
	rows, err := provider.Rows(ctx, customers)
	require.NoError(t, err)
	assert.Equal(t, [][]any{{int64(1), "ann"}}, rows)

	stored, err := registry.GetScope(ctx, "shop")
	require.NoError(t, err)
	assert.Equal(t, scope.Hash(), stored.Hash())

	require.NoError(t, provider.Upsert(ctx, customers, []any{int64(2), "bob"}))
	info.IsNewScope = false
	info.LastSyncWatermark = types.Int64(1)
	require.NoError(t, registry.SaveScopeInfo(ctx, info))

	again, err := registry.Provision(ctx, testScope(), "client-1", ProvisionOptions{})
	require.NoError(t, err)
	assert.Equal(t, info, again, "identical scope must return the existing info")
}

func TestProvisionMismatch(t *testing.T) {
	ctx := context.Background()
	registry, _ := newRegistry(t)

	_, err := registry.Provision(ctx, testScope(), "client-1", ProvisionOptions{})
	require.NoError(t, err)

	changed := testScope()
	changed.Version = "2"
	changed.Tables[1].Columns = append(changed.Tables[1].Columns, types.Column{Name: "email", Type: types.ColumnString, Nullable: true})

	_, err = registry.Provision(ctx, changed, "client-1", ProvisionOptions{})
	var mismatch *types.SchemaMismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, "shop", mismatch.Scope)
	assert.Equal(t, types.KindSchemaMismatch, types.KindOf(err))

	info, err := registry.Provision(ctx, changed, "client-1", ProvisionOptions{Overwrite: true})
	require.NoError(t, err)
	assert.Equal(t, changed.Hash(), info.SchemaHash)
	assert.True(t, info.IsNewScope)
}

func TestProvisionVersionChange(t *testing.T) {
	ctx := context.Background()
	registry, _ := newRegistry(t)

	_, err := registry.Provision(ctx, testScope(), "client-1", ProvisionOptions{})
	require.NoError(t, err)

	bumped := testScope()
	bumped.Version = "2"
	_, err = registry.Provision(ctx, bumped, "client-1", ProvisionOptions{})
	assert.Equal(t, types.KindSchemaMismatch, types.KindOf(err))

	info, err := registry.Provision(ctx, bumped, "client-1", ProvisionOptions{Overwrite: true})
	require.NoError(t, err)
	assert.Equal(t, "2", info.SchemaVersion)
	assert.True(t, info.IsNewScope)
}

func TestProvisionInvalid(t *testing.T) {
	ctx := context.Background()
	registry, _ := newRegistry(t)

	cyclic := testScope()
	cyclic.Tables[1].DependsOn = []string{"orders"}
	_, err := registry.Provision(ctx, cyclic, "client-1", ProvisionOptions{})
	require.ErrorIs(t, err, types.ErrDependencyCycle)

	_, err = registry.Provision(ctx, &types.Scope{}, "client-1", ProvisionOptions{})
	require.ErrorIs(t, err, types.ErrInvalidScope)
}

func TestDeprovision(t *testing.T) {
	ctx := context.Background()
	registry, provider := newRegistry(t)
	scope := testScope()
	customers, _ := scope.Table("customers")

	_, err := registry.Provision(ctx, scope, "client-1", ProvisionOptions{})
	require.NoError(t, err)
	require.NoError(t, provider.Upsert(ctx, customers, []any{int64(1), "ann"}))

	require.NoError(t, registry.Deprovision(ctx, "shop"))
	require.NoError(t, registry.Deprovision(ctx, "shop"), "deprovision should be idempotent")

	_, err = registry.GetScope(ctx, "shop")
	require.ErrorIs(t, err, store.ErrScopeNotFound)
	_, err = registry.GetScopeInfo(ctx, "shop", "client-1")
	require.ErrorIs(t, err, store.ErrScopeInfoNotFound)

	rows, err := provider.Rows(ctx, customers)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestCleanup(t *testing.T) {
	ctx := context.Background()
	registry, provider := newRegistry(t)
	scope := testScope()
	customers, _ := scope.Table("customers")

	_, err := registry.Provision(ctx, scope, "server", ProvisionOptions{})
	require.NoError(t, err)
	for i := int64(1); i <= 3; i++ {
		require.NoError(t, provider.Upsert(ctx, customers, []any{i, "c"}))
	}
	require.NoError(t, provider.Delete(ctx, customers, []any{int64(1)})) // seq 4
	require.NoError(t, provider.Delete(ctx, customers, []any{int64(2)})) // seq 5

	removed, err := registry.Cleanup(ctx, "shop")
	require.NoError(t, err)
	assert.Zero(t, removed, "no node committed a session yet")

	// the server's own info stays new and never committed
	require.NoError(t, registry.SaveScopeInfo(ctx, &types.ScopeInfo{ScopeName: "shop", NodeID: "client-a", LastSyncWatermark: types.Int64(5)}))
	require.NoError(t, registry.SaveScopeInfo(ctx, &types.ScopeInfo{ScopeName: "shop", NodeID: "client-b", LastSyncWatermark: types.Int64(4)}))
	require.NoError(t, registry.SaveScopeInfo(ctx, &types.ScopeInfo{ScopeName: "shop", NodeID: "client-c", IsNewScope: true}))

	removed, err = registry.Cleanup(ctx, "shop")
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	cursor, err := provider.ReadChanges(ctx, customers, store.ChangeQuery{Since: 3})
	require.NoError(t, err)
	changes := store.Collect(t, cursor)
	require.Len(t, changes, 1)
	assert.Equal(t, []any{int64(2)}, changes[0].Key)
}

func TestCheckSchema(t *testing.T) {
	scope := testScope()
	require.NoError(t, CheckSchema(scope, scope.Hash(), "1"))
	err := CheckSchema(scope, "other", "2")
	var mismatch *types.SchemaMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "other", mismatch.Remote)

	err = CheckSchema(scope, scope.Hash(), "2")
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "1", mismatch.Local)
	assert.Equal(t, "2", mismatch.Remote)
}
