package store

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/breez/table-sync/types"
)

// LocalWriter writes rows the way an application would, outside of any sync
// session.
type LocalWriter interface {
	Upsert(ctx context.Context, table *types.Table, values []any) error
	Delete(ctx context.Context, table *types.Table, key []any) error
}

// TestProvider is a provider that also accepts local writes.
type TestProvider interface {
	Provider
	LocalWriter
}

type StoreTest struct{}

// Run runs every test of the suite against storage.
func (s *StoreTest) Run(t *testing.T, storage TestProvider) {
	t.Run("sequence", func(t *testing.T) { s.TestSequence(t, storage) })
	t.Run("update and delete", func(t *testing.T) { s.TestUpdateAndDelete(t, storage) })
	t.Run("values", func(t *testing.T) { s.TestValues(t, storage) })
	t.Run("apply row", func(t *testing.T) { s.TestApplyRow(t, storage) })
	t.Run("concurrency violation", func(t *testing.T) { s.TestConcurrencyViolation(t, storage) })
	t.Run("rollback", func(t *testing.T) { s.TestRollback(t, storage) })
	t.Run("filters", func(t *testing.T) { s.TestFilters(t, storage) })
	t.Run("cleanup", func(t *testing.T) { s.TestCleanup(t, storage) })
	t.Run("deprovision", func(t *testing.T) { s.TestDeprovision(t, storage) })
	t.Run("scope store", func(t *testing.T) { s.TestScopeStore(t, storage) })
}

// NewTestTable returns a table with a unique name covering every column type.
func NewTestTable() *types.Table {
	return &types.Table{
		Name: "items_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12],
		Columns: []types.Column{
			{Name: "id", Type: types.ColumnString},
			{Name: "owner", Type: types.ColumnString},
			{Name: "qty", Type: types.ColumnInt64, Nullable: true},
			{Name: "price", Type: types.ColumnFloat64, Nullable: true},
			{Name: "data", Type: types.ColumnBytes, Nullable: true},
			{Name: "active", Type: types.ColumnBool, Nullable: true},
			{Name: "updated", Type: types.ColumnTime, Nullable: true},
		},
		PrimaryKey: []string{"id"},
		Filters:    []types.TableFilter{{Column: "owner", Parameter: "owner"}},
	}
}

func itemRow(id, owner string, qty int64) []any {
	return []any{id, owner, qty, nil, nil, nil, nil}
}

func provision(t *testing.T, storage Provider) *types.Table {
	table := NewTestTable()
	require.NoError(t, storage.ProvisionTable(context.Background(), table), "failed to provision table")
	return table
}

// Collect drains a cursor.
func Collect(t *testing.T, cursor RowCursor) []types.Change {
	defer cursor.Close()
	var changes []types.Change
	for cursor.Next() {
		changes = append(changes, cursor.Change())
	}
	require.NoError(t, cursor.Err(), "cursor failed")
	return changes
}

func (s *StoreTest) TestSequence(t *testing.T, storage TestProvider) {
	ctx := context.Background()
	table := provision(t, storage)

	before, err := storage.CurrentSequence(ctx)
	require.NoError(t, err, "failed to call CurrentSequence")

	require.NoError(t, storage.Upsert(ctx, table, itemRow("a1", "alice", 1)), "failed to upsert a1")
	require.NoError(t, storage.Upsert(ctx, table, itemRow("a2", "alice", 2)), "failed to upsert a2")

	after, err := storage.CurrentSequence(ctx)
	require.NoError(t, err, "failed to call CurrentSequence")
	require.Equal(t, before+2, after)

	cursor, err := storage.ReadChanges(ctx, table, ChangeQuery{Since: before})
	require.NoError(t, err, "failed to read changes")
	changes := Collect(t, cursor)
	require.Len(t, changes, 2)
	require.Equal(t, []any{"a1"}, changes[0].Key)
	require.Equal(t, before+1, changes[0].Sequence)
	require.Equal(t, itemRow("a1", "alice", 1), changes[0].Values)
	require.Equal(t, []any{"a2"}, changes[1].Key)
	require.Equal(t, before+2, changes[1].Sequence)
	require.Empty(t, changes[1].Origin)

	// equal watermark means no change
	cursor, err = storage.ReadChanges(ctx, table, ChangeQuery{Since: after})
	require.NoError(t, err, "failed to read changes")
	require.Empty(t, Collect(t, cursor))

	cursor, err = storage.ReadChanges(ctx, table, ChangeQuery{Since: before, UpTo: before + 1})
	require.NoError(t, err, "failed to read changes")
	changes = Collect(t, cursor)
	require.Len(t, changes, 1)
	require.Equal(t, []any{"a1"}, changes[0].Key)
}

func (s *StoreTest) TestUpdateAndDelete(t *testing.T, storage TestProvider) {
	ctx := context.Background()
	table := provision(t, storage)

	before, err := storage.CurrentSequence(ctx)
	require.NoError(t, err)
	require.NoError(t, storage.Upsert(ctx, table, itemRow("a1", "alice", 1)))
	require.NoError(t, storage.Upsert(ctx, table, itemRow("a1", "alice", 5)))

	cursor, err := storage.ReadChanges(ctx, table, ChangeQuery{Since: before})
	require.NoError(t, err)
	changes := Collect(t, cursor)
	require.Len(t, changes, 1)
	require.Equal(t, types.RowUpserted, changes[0].State)
	require.Equal(t, itemRow("a1", "alice", 5), changes[0].Values)
	require.Equal(t, before+2, changes[0].Sequence)

	require.NoError(t, storage.Delete(ctx, table, []any{"a1"}))
	cursor, err = storage.ReadChanges(ctx, table, ChangeQuery{Since: before})
	require.NoError(t, err)
	changes = Collect(t, cursor)
	require.Len(t, changes, 1)
	require.Equal(t, types.RowDeleted, changes[0].State)
	require.Nil(t, changes[0].Values)
	require.Equal(t, before+3, changes[0].Sequence)

	cursor, err = storage.ReadChanges(ctx, table, ChangeQuery{Full: true})
	require.NoError(t, err)
	require.Empty(t, Collect(t, cursor))
}

func (s *StoreTest) TestValues(t *testing.T, storage TestProvider) {
	ctx := context.Background()
	table := provision(t, storage)

	updated := time.Unix(0, 1700000000123456789).UTC()
	full := []any{"v1", "bob", int64(-7), 3.25, []byte{0, 1, 2, 255}, true, updated}
	empty := []any{"v2", "bob", nil, nil, nil, nil, nil}
	require.NoError(t, storage.Upsert(ctx, table, full))
	require.NoError(t, storage.Upsert(ctx, table, empty))

	cursor, err := storage.ReadChanges(ctx, table, ChangeQuery{Full: true})
	require.NoError(t, err)
	changes := Collect(t, cursor)
	require.Len(t, changes, 2)
	require.Equal(t, full, changes[0].Values)
	require.Equal(t, empty, changes[1].Values)
}

func (s *StoreTest) TestApplyRow(t *testing.T, storage TestProvider) {
	ctx := context.Background()
	table := provision(t, storage)

	before, err := storage.CurrentSequence(ctx)
	require.NoError(t, err)

	tx, err := storage.Begin(ctx)
	require.NoError(t, err, "failed to begin")
	change := types.Change{
		Table:    table.Name,
		Key:      []any{"r1"},
		State:    types.RowUpserted,
		Values:   itemRow("r1", "carol", 3),
		Sequence: 7,
	}
	require.NoError(t, tx.ApplyRow(ctx, table, change, "node-a", nil), "failed to apply row")
	require.NoError(t, tx.Commit(ctx), "failed to commit")

	tx, err = storage.Begin(ctx)
	require.NoError(t, err)
	local, err := tx.LocalRow(ctx, table, []any{"r1"})
	require.NoError(t, err)
	require.NoError(t, tx.Rollback(ctx))
	require.NotNil(t, local)
	require.Equal(t, "node-a", local.Origin)
	require.Equal(t, int64(7), local.OriginSequence)
	require.Equal(t, before+1, local.Sequence)
	require.Equal(t, itemRow("r1", "carol", 3), local.Values)

	cursor, err := storage.ReadChanges(ctx, table, ChangeQuery{Since: before, ExcludeOrigin: "node-a"})
	require.NoError(t, err)
	require.Empty(t, Collect(t, cursor))

	cursor, err = storage.ReadChanges(ctx, table, ChangeQuery{Since: before, ExcludeOrigin: "node-b"})
	require.NoError(t, err)
	changes := Collect(t, cursor)
	require.Len(t, changes, 1)
	require.Equal(t, "node-a", changes[0].Origin)

	// a local edit clears the origin
	require.NoError(t, storage.Upsert(ctx, table, itemRow("r1", "carol", 4)))
	cursor, err = storage.ReadChanges(ctx, table, ChangeQuery{Since: before, ExcludeOrigin: "node-a"})
	require.NoError(t, err)
	require.Len(t, Collect(t, cursor), 1)

	tx, err = storage.Begin(ctx)
	require.NoError(t, err)
	missing, err := tx.LocalRow(ctx, table, []any{"nope"})
	require.NoError(t, err)
	require.Nil(t, missing)
	require.NoError(t, tx.Rollback(ctx))
}

func (s *StoreTest) TestConcurrencyViolation(t *testing.T, storage TestProvider) {
	ctx := context.Background()
	table := provision(t, storage)

	require.NoError(t, storage.Upsert(ctx, table, itemRow("c1", "dave", 1)))
	seq, err := storage.CurrentSequence(ctx)
	require.NoError(t, err)

	tx, err := storage.Begin(ctx)
	require.NoError(t, err)
	stale := types.Int64(seq - 1)
	err = tx.ApplyRow(ctx, table, types.Change{
		Table: table.Name, Key: []any{"c1"}, State: types.RowUpserted, Values: itemRow("c1", "dave", 2),
	}, "node-a", stale)
	require.Error(t, err, "should have returned with error")
	require.True(t, storage.IsConcurrencyViolation(err))

	// the failed row does not poison the transaction
	require.NoError(t, tx.ApplyRow(ctx, table, types.Change{
		Table: table.Name, Key: []any{"c2"}, State: types.RowUpserted, Values: itemRow("c2", "dave", 9),
	}, "node-a", types.Int64(0)))
	require.NoError(t, tx.Commit(ctx))

	cursor, err := storage.ReadChanges(ctx, table, ChangeQuery{Full: true})
	require.NoError(t, err)
	changes := Collect(t, cursor)
	require.Len(t, changes, 2)
	require.Equal(t, itemRow("c1", "dave", 1), changes[0].Values)
	require.Equal(t, itemRow("c2", "dave", 9), changes[1].Values)
}

func (s *StoreTest) TestRollback(t *testing.T, storage TestProvider) {
	ctx := context.Background()
	table := provision(t, storage)

	before, err := storage.CurrentSequence(ctx)
	require.NoError(t, err)

	tx, err := storage.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.ApplyRow(ctx, table, types.Change{
		Table: table.Name, Key: []any{"x1"}, State: types.RowUpserted, Values: itemRow("x1", "erin", 1),
	}, "node-a", nil))
	require.NoError(t, tx.Rollback(ctx))

	after, err := storage.CurrentSequence(ctx)
	require.NoError(t, err)
	require.Equal(t, before, after)

	cursor, err := storage.ReadChanges(ctx, table, ChangeQuery{Full: true})
	require.NoError(t, err)
	require.Empty(t, Collect(t, cursor))
}

func (s *StoreTest) TestFilters(t *testing.T, storage TestProvider) {
	ctx := context.Background()
	table := provision(t, storage)

	before, err := storage.CurrentSequence(ctx)
	require.NoError(t, err)
	require.NoError(t, storage.Upsert(ctx, table, itemRow("f1", "alice", 1)))
	require.NoError(t, storage.Upsert(ctx, table, itemRow("f2", "bob", 2)))
	require.NoError(t, storage.Upsert(ctx, table, itemRow("f3", "alice", 3)))
	require.NoError(t, storage.Delete(ctx, table, []any{"f3"}))

	params := map[string]any{"owner": "alice"}
	cursor, err := storage.ReadChanges(ctx, table, ChangeQuery{Since: before, Parameters: params})
	require.NoError(t, err)
	changes := Collect(t, cursor)
	require.Len(t, changes, 2)
	require.Equal(t, []any{"f1"}, changes[0].Key)
	require.Equal(t, []any{"f3"}, changes[1].Key)
	require.Equal(t, types.RowDeleted, changes[1].State)

	cursor, err = storage.ReadChanges(ctx, table, ChangeQuery{Full: true, Parameters: map[string]any{"owner": "bob"}})
	require.NoError(t, err)
	changes = Collect(t, cursor)
	require.Len(t, changes, 1)
	require.Equal(t, []any{"f2"}, changes[0].Key)
}

func (s *StoreTest) TestCleanup(t *testing.T, storage TestProvider) {
	ctx := context.Background()
	table := provision(t, storage)

	before, err := storage.CurrentSequence(ctx)
	require.NoError(t, err)
	require.NoError(t, storage.Upsert(ctx, table, itemRow("d1", "alice", 1)))
	require.NoError(t, storage.Upsert(ctx, table, itemRow("d2", "alice", 1)))
	require.NoError(t, storage.Delete(ctx, table, []any{"d1"}))

	removed, err := storage.CleanupTracking(ctx, table, before+1)
	require.NoError(t, err)
	require.Equal(t, int64(0), removed)

	removed, err = storage.CleanupTracking(ctx, table, before+10)
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)

	cursor, err := storage.ReadChanges(ctx, table, ChangeQuery{Since: before})
	require.NoError(t, err)
	changes := Collect(t, cursor)
	require.Len(t, changes, 1)
	require.Equal(t, []any{"d2"}, changes[0].Key)
}

func (s *StoreTest) TestDeprovision(t *testing.T, storage TestProvider) {
	ctx := context.Background()
	table := provision(t, storage)

	require.NoError(t, storage.Upsert(ctx, table, itemRow("p1", "alice", 1)))
	require.NoError(t, storage.DeprovisionTable(ctx, table))
	require.NoError(t, storage.DeprovisionTable(ctx, table), "deprovision should be idempotent")

	_, err := storage.ReadChanges(ctx, table, ChangeQuery{})
	require.ErrorIs(t, err, ErrTableNotProvisioned)

	cursor, err := storage.ReadChanges(ctx, table, ChangeQuery{Full: true})
	require.NoError(t, err)
	require.Len(t, Collect(t, cursor), 1, "base rows must survive deprovisioning")

	// provisioning again keeps the rows
	require.NoError(t, storage.ProvisionTable(ctx, table))
	require.NoError(t, storage.ProvisionTable(ctx, table))
	cursor, err = storage.ReadChanges(ctx, table, ChangeQuery{Full: true})
	require.NoError(t, err)
	require.Len(t, Collect(t, cursor), 1)
}

func (s *StoreTest) TestScopeStore(t *testing.T, storage TestProvider) {
	ctx := context.Background()
	name := "scope-" + uuid.New().String()

	_, err := storage.GetScope(ctx, name)
	require.ErrorIs(t, err, ErrScopeNotFound)

	scope := &types.Scope{Name: name, Version: "1", Tables: []types.Table{*NewTestTable()}}
	require.NoError(t, storage.SaveScope(ctx, scope))
	stored, err := storage.GetScope(ctx, name)
	require.NoError(t, err)
	require.Equal(t, scope.Hash(), stored.Hash())

	_, err = storage.GetScopeInfo(ctx, name, "node-a")
	require.ErrorIs(t, err, ErrScopeInfoNotFound)

	ts := time.Unix(1700000000, 0).UTC()
	info := &types.ScopeInfo{
		ScopeName:         name,
		NodeID:            "node-a",
		IsNewScope:        true,
		LastSyncWatermark: types.Int64(12),
		LastSyncTimestamp: &ts,
		SchemaVersion:     "1",
		SchemaHash:        scope.Hash(),
	}
	require.NoError(t, storage.SaveScopeInfo(ctx, info))
	require.NoError(t, storage.SaveScopeInfo(ctx, &types.ScopeInfo{ScopeName: name, NodeID: "node-b"}))

	got, err := storage.GetScopeInfo(ctx, name, "node-a")
	require.NoError(t, err)
	require.Equal(t, info, got)

	info.IsNewScope = false
	info.LastServerWatermark = types.Int64(30)
	require.NoError(t, storage.SaveScopeInfo(ctx, info))
	got, err = storage.GetScopeInfo(ctx, name, "node-a")
	require.NoError(t, err)
	require.Equal(t, info, got)

	infos, err := storage.ListScopeInfos(ctx, name)
	require.NoError(t, err)
	require.Len(t, infos, 2)

	require.NoError(t, storage.DeleteScopeInfos(ctx, name))
	infos, err = storage.ListScopeInfos(ctx, name)
	require.NoError(t, err)
	require.Empty(t, infos)

	require.NoError(t, storage.DeleteScope(ctx, name))
	require.NoError(t, storage.DeleteScope(ctx, name))
	_, err = storage.GetScope(ctx, name)
	require.ErrorIs(t, err, ErrScopeNotFound)
}
