package orchestrator

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breez/table-sync/batch/codec"
	"github.com/breez/table-sync/conflict"
	"github.com/breez/table-sync/scope"
	"github.com/breez/table-sync/store/sqlite"
	"github.com/breez/table-sync/transport"
	"github.com/breez/table-sync/types"
)

func openSQLite(t *testing.T) *sqlite.SQLiteStore {
	storage, err := sqlite.NewSQLiteStore("file:" + uuid.New().String() + "?mode=memory&cache=shared")
	require.NoError(t, err, "failed to connect")
	t.Cleanup(func() { storage.Close() })
	return storage
}

func sqliteRow(t *testing.T, storage *sqlite.SQLiteStore, table *types.Table, id int64) []any {
	ctx := context.Background()
	tx, err := storage.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)
	row, err := tx.LocalRow(ctx, table, []any{id})
	require.NoError(t, err)
	if row == nil {
		return nil
	}
	return row.Values
}

func TestSessionsOverSQLite(t *testing.T) {
	ctx := context.Background()
	sc := notesScope()
	folders, _ := sc.Table("folders")
	notes, _ := sc.Table("notes")

	serverStore := openSQLite(t)
	_, err := scope.NewRegistry(serverStore).Provision(ctx, sc, serverID, scope.ProvisionOptions{})
	require.NoError(t, err)
	require.NoError(t, serverStore.Upsert(ctx, folders, folder(1, "inbox")))
	require.NoError(t, serverStore.Upsert(ctx, notes, note(10, 1, "hello")))
	require.NoError(t, serverStore.Upsert(ctx, notes, note(11, 1, nil)))
	server := NewServer(serverID, serverStore)

	clientStore := openSQLite(t)
	a := NewAgent("a", clientStore, transport.NewLocal(server, codec.JSON))
	sync := func(opts Options) *Result {
		opts.ScopeName = "notes"
		res, err := a.Synchronize(ctx, opts)
		require.NoError(t, err)
		require.Equal(t, types.StageEnd, res.Stage)
		require.True(t, res.Committed)
		return res
	}

	res := sync(Options{})
	require.Equal(t, 3, res.Downloaded)
	require.Equal(t, 3, res.AppliedLocally)
	require.Equal(t, folder(1, "inbox"), sqliteRow(t, clientStore, folders, 1))
	require.Equal(t, note(10, 1, "hello"), sqliteRow(t, clientStore, notes, 10))
	require.Equal(t, note(11, 1, nil), sqliteRow(t, clientStore, notes, 11))

	res = sync(Options{})
	require.Zero(t, res.Uploaded)
	require.Zero(t, res.Downloaded)

	// the same row edited on both sides
	require.NoError(t, serverStore.Upsert(ctx, folders, folder(1, "Y")))
	require.NoError(t, clientStore.Upsert(ctx, folders, folder(1, "X")))
	require.NoError(t, clientStore.Delete(ctx, notes, []any{int64(11)}))

	res = sync(Options{Policy: conflict.ServerWins})
	require.Equal(t, 2, res.Uploaded)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, conflict.ResolutionRemoteWins, res.Conflicts[0].Resolution)
	assert.Equal(t, []any{int64(1)}, res.Conflicts[0].Key)
	require.Equal(t, folder(1, "Y"), sqliteRow(t, clientStore, folders, 1))
	require.Equal(t, folder(1, "Y"), sqliteRow(t, serverStore, folders, 1))
	require.Nil(t, sqliteRow(t, serverStore, notes, 11))

	res = sync(Options{})
	require.Zero(t, res.Uploaded)
	require.Zero(t, res.Downloaded)
}
