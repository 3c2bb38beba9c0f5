package changes

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breez/table-sync/store"
	"github.com/breez/table-sync/store/memory"
	"github.com/breez/table-sync/types"
)

type countingProvider struct {
	*memory.Store
	reads int
}

func (p *countingProvider) ReadChanges(ctx context.Context, table *types.Table, q store.ChangeQuery) (store.RowCursor, error) {
	p.reads++
	return p.Store.ReadChanges(ctx, table, q)
}

func testScope() *types.Scope {
	return &types.Scope{
		Name:       "notes",
		Version:    "1",
		Parameters: []types.FilterParameter{{Name: "owner", Type: types.ColumnString}},
		Tables: []types.Table{
			{
				Name: "notes",
				Columns: []types.Column{
					{Name: "id", Type: types.ColumnString},
					{Name: "folder_id", Type: types.ColumnString},
					{Name: "owner", Type: types.ColumnString},
				},
				PrimaryKey: []string{"id"},
				DependsOn:  []string{"folders"},
				Filters:    []types.TableFilter{{Column: "owner", Parameter: "owner"}},
			},
			{
				Name: "folders",
				Columns: []types.Column{
					{Name: "id", Type: types.ColumnString},
					{Name: "owner", Type: types.ColumnString},
				},
				PrimaryKey: []string{"id"},
				Filters:    []types.TableFilter{{Column: "owner", Parameter: "owner"}},
			},
		},
	}
}

func setup(t *testing.T) (*countingProvider, *types.Scope) {
	ctx := context.Background()
	mem, err := memory.New()
	require.NoError(t, err)
	provider := &countingProvider{Store: mem}
	scope := testScope()
	for i := range scope.Tables {
		require.NoError(t, provider.ProvisionTable(ctx, &scope.Tables[i]))
	}
	return provider, scope
}

type tableRows struct {
	table string
	keys  []any
}

func drain(t *testing.T, cs *ChangeSet) []tableRows {
	var out []tableRows
	for cs.Next(context.Background()) {
		tc := cs.Table()
		tr := tableRows{table: tc.Table().Name}
		for tc.Next() {
			tr.keys = append(tr.keys, tc.Change().Key[0])
		}
		require.NoError(t, tc.Err())
		out = append(out, tr)
	}
	require.NoError(t, cs.Err())
	return out
}

func TestEnumerateOrderAndWatermark(t *testing.T) {
	ctx := context.Background()
	provider, scope := setup(t)
	notes, _ := scope.Table("notes")
	folders, _ := scope.Table("folders")

	require.NoError(t, provider.Upsert(ctx, notes, []any{"n1", "f1", "ann"})) // 1
	require.NoError(t, provider.Upsert(ctx, folders, []any{"f1", "ann"}))     // 2
	require.NoError(t, provider.Upsert(ctx, notes, []any{"n2", "f1", "ann"})) // 3
	require.NoError(t, provider.Upsert(ctx, notes, []any{"n3", "f1", "bob"})) // 4
	require.NoError(t, provider.Upsert(ctx, folders, []any{"f2", "ann"}))     // 5

	enumerator := NewEnumerator(provider)
	cs, err := enumerator.Enumerate(ctx, Request{Scope: scope, Parameters: map[string]any{"owner": "ann"}})
	require.NoError(t, err)
	assert.Equal(t, 0, provider.reads, "enumeration must be lazy")

	assert.Equal(t, []tableRows{
		{table: "folders", keys: []any{"f1", "f2"}},
		{table: "notes", keys: []any{"n1", "n2"}},
	}, drain(t, cs))

	cs, err = enumerator.Enumerate(ctx, Request{Scope: scope, Since: 2, UpTo: 4, Parameters: map[string]any{"owner": "ann"}})
	require.NoError(t, err)
	assert.Equal(t, []tableRows{
		{table: "folders"},
		{table: "notes", keys: []any{"n2"}},
	}, drain(t, cs))
}

func TestEnumerateConsumedOnce(t *testing.T) {
	ctx := context.Background()
	provider, scope := setup(t)

	cs, err := NewEnumerator(provider).Enumerate(ctx, Request{Scope: scope, Parameters: map[string]any{"owner": "ann"}})
	require.NoError(t, err)
	drain(t, cs)

	assert.False(t, cs.Next(ctx))
	assert.ErrorIs(t, cs.Err(), ErrConsumed)
}

func TestEnumerateExcludesSender(t *testing.T) {
	ctx := context.Background()
	provider, scope := setup(t)
	folders, _ := scope.Table("folders")

	tx, err := provider.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.ApplyRow(ctx, folders, types.Change{
		Table: "folders", Key: []any{"f9"}, State: types.RowUpserted, Values: []any{"f9", "ann"}, Sequence: 3,
	}, "client-a", nil))
	require.NoError(t, tx.Commit(ctx))
	require.NoError(t, provider.Upsert(ctx, folders, []any{"f1", "ann"}))

	params := map[string]any{"owner": "ann"}
	cs, err := NewEnumerator(provider).Enumerate(ctx, Request{Scope: scope, NodeID: "client-a", Parameters: params})
	require.NoError(t, err)
	assert.Equal(t, []tableRows{{table: "folders", keys: []any{"f1"}}, {table: "notes"}}, drain(t, cs))

	// a full read for a new scope ignores the origin
	cs, err = NewEnumerator(provider).Enumerate(ctx, Request{Scope: scope, NodeID: "client-a", Parameters: params, IsNewScope: true})
	require.NoError(t, err)
	assert.Equal(t, []tableRows{{table: "folders", keys: []any{"f1", "f9"}}, {table: "notes"}}, drain(t, cs))
}

func TestEnumerateParameters(t *testing.T) {
	ctx := context.Background()
	provider, scope := setup(t)
	enumerator := NewEnumerator(provider)

	_, err := enumerator.Enumerate(ctx, Request{Scope: scope})
	require.ErrorIs(t, err, ErrInvalidParameter)

	_, err = enumerator.Enumerate(ctx, Request{Scope: scope, Parameters: map[string]any{"owner": "ann", "tenant": "x"}})
	require.ErrorIs(t, err, ErrInvalidParameter)

	_, err = enumerator.Enumerate(ctx, Request{Scope: scope, Parameters: map[string]any{"owner": []int{1}}})
	require.ErrorIs(t, err, ErrInvalidParameter)

	_, err = enumerator.Enumerate(ctx, Request{})
	require.ErrorIs(t, err, types.ErrInvalidScope)
}

func TestEnumerateCanceled(t *testing.T) {
	provider, scope := setup(t)
	ctx, cancel := context.WithCancel(context.Background())

	cs, err := NewEnumerator(provider).Enumerate(ctx, Request{Scope: scope, Parameters: map[string]any{"owner": "ann"}})
	require.NoError(t, err)
	cancel()

	require.True(t, cs.Next(ctx))
	tc := cs.Table()
	assert.False(t, tc.Next())
	assert.ErrorIs(t, tc.Err(), context.Canceled)
	require.NoError(t, cs.Close())
}

func TestEnumerateBeforeTable(t *testing.T) {
	ctx := context.Background()
	provider, scope := setup(t)
	notes, _ := scope.Table("notes")
	require.NoError(t, provider.Upsert(ctx, notes, []any{"n1", "f1", "ann"}))

	var seen []string
	cs, err := NewEnumerator(provider).Enumerate(ctx, Request{
		Scope:      scope,
		Parameters: map[string]any{"owner": "ann"},
		BeforeTable: func(_ context.Context, table *types.Table) (bool, error) {
			seen = append(seen, table.Name)
			return table.Name == "notes", nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []tableRows{{table: "folders"}}, drain(t, cs))
	assert.Equal(t, []string{"folders", "notes"}, seen)
	assert.Equal(t, scope.Hash(), cs.SchemaHash())
	assert.Equal(t, 1, provider.reads)
}
