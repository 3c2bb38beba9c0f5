package conflict

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breez/table-sync/types"
)

var notes = &types.Table{
	Name: "notes",
	Columns: []types.Column{
		{Name: "id", Type: types.ColumnString},
		{Name: "body", Type: types.ColumnString},
		{Name: "rev", Type: types.ColumnInt64},
	},
	PrimaryKey: []string{"id"},
}

func localRow(seq int64, origin string, state types.RowState, values []any) *types.TrackedRow {
	return &types.TrackedRow{Key: []any{"k"}, Sequence: seq, State: state, Origin: origin, Values: values}
}

func upsert(values ...any) types.Change {
	return types.Change{Table: "notes", Key: []any{"k"}, State: types.RowUpserted, Values: values, Sequence: 7}
}

func deletion() types.Change {
	return types.Change{Table: "notes", Key: []any{"k"}, State: types.RowDeleted, Sequence: 7}
}

func TestDetect(t *testing.T) {
	tests := []struct {
		name     string
		local    *types.TrackedRow
		incoming types.Change
		conflict bool
		typ      Type
	}{
		{"no local row", nil, upsert("k", "x", int64(1)), false, ""},
		{"local older than watermark", localRow(3, "", types.RowUpserted, nil), upsert("k", "x", int64(1)), false, ""},
		{"local at watermark", localRow(10, "", types.RowUpserted, nil), upsert("k", "x", int64(1)), false, ""},
		{"echo of the sender", localRow(11, "server", types.RowUpserted, nil), upsert("k", "x", int64(1)), false, ""},
		{"both deleted", localRow(11, "", types.RowDeleted, nil), deletion(), false, ""},
		{"update update", localRow(11, "", types.RowUpserted, nil), upsert("k", "x", int64(1)), true, UpdateUpdate},
		{"update delete", localRow(11, "", types.RowUpserted, nil), deletion(), true, UpdateDelete},
		{"delete update", localRow(11, "", types.RowDeleted, nil), upsert("k", "x", int64(1)), true, DeleteUpdate},
		{"edit from another node", localRow(11, "other", types.RowUpserted, nil), upsert("k", "x", int64(1)), true, UpdateUpdate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, ok := Detect(notes, tt.local, tt.incoming, 10, "server")
			require.Equal(t, tt.conflict, ok)
			if !ok {
				require.Nil(t, c)
				return
			}
			require.Equal(t, tt.typ, c.Type)
			require.Equal(t, []any{"k"}, c.Key)
			require.Same(t, notes, c.Table)
		})
	}
}

func TestSessionPolicy(t *testing.T) {
	assert.Equal(t, RemoteWins, ServerWins.For(types.SideClient))
	assert.Equal(t, LocalWins, ServerWins.For(types.SideServer))
	assert.Equal(t, LocalWins, ClientWins.For(types.SideClient))
	assert.Equal(t, RemoteWins, ClientWins.For(types.SideServer))

	for _, p := range []SessionPolicy{ServerWins, ClientWins} {
		parsed, err := ParseSessionPolicy(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, parsed)
	}
	_, err := ParseSessionPolicy("newest_wins")
	require.ErrorIs(t, err, ErrUnknownPolicy)
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	c, ok := Detect(notes, localRow(11, "", types.RowUpserted, []any{"k", "local", int64(2)}), upsert("k", "remote", int64(3)), 10, "server")
	require.True(t, ok)

	r, err := NewResolver(RemoteWins, nil)
	require.NoError(t, err)
	res, err := r.Resolve(ctx, c)
	require.NoError(t, err)
	require.Equal(t, ResolutionRemoteWins, res.Resolution)

	r, err = NewResolver(LocalWins, nil)
	require.NoError(t, err)
	res, err = r.Resolve(ctx, c)
	require.NoError(t, err)
	require.Equal(t, ResolutionLocalWins, res.Resolution)

	_, err = NewResolver(MergeRow, nil)
	require.ErrorIs(t, err, ErrNoMergeFunc)

	r, err = NewResolver(MergeRow, func(_ context.Context, c *Conflict) ([]any, error) {
		local, remote := c.Local.Values, c.Remote.Values
		return []any{local[0], local[1].(string) + "+" + remote[1].(string), 5}, nil
	})
	require.NoError(t, err)
	first, err := r.Resolve(ctx, c)
	require.NoError(t, err)
	require.Equal(t, ResolutionMerged, first.Resolution)
	require.Equal(t, []any{"k", "local+remote", int64(5)}, first.Values, "merged values are normalized")

	for i := 0; i < 10; i++ {
		again, err := r.Resolve(ctx, c)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}

func TestResolveMergeDelete(t *testing.T) {
	c, ok := Detect(notes, localRow(11, "", types.RowUpserted, []any{"k", "a", int64(1)}), deletion(), 10, "server")
	require.True(t, ok)
	r, err := NewResolver(MergeRow, func(context.Context, *Conflict) ([]any, error) { return nil, nil })
	require.NoError(t, err)
	res, err := r.Resolve(context.Background(), c)
	require.NoError(t, err)
	require.Equal(t, ResolutionMerged, res.Resolution)
	require.Nil(t, res.Values)
}

func TestResolveMergeFailure(t *testing.T) {
	ctx := context.Background()
	c, ok := Detect(notes, localRow(11, "", types.RowUpserted, []any{"k", "a", int64(1)}), upsert("k", "b", int64(2)), 10, "server")
	require.True(t, ok)

	boom := errors.New("boom")
	r, err := NewResolver(MergeRow, func(context.Context, *Conflict) ([]any, error) { return nil, boom })
	require.NoError(t, err)
	_, err = r.Resolve(ctx, c)
	require.ErrorIs(t, err, ErrMergeFailed)
	require.ErrorIs(t, err, boom)

	r, err = NewResolver(MergeRow, func(context.Context, *Conflict) ([]any, error) { panic("bad merge") })
	require.NoError(t, err)
	_, err = r.Resolve(ctx, c)
	require.ErrorIs(t, err, ErrMergeFailed)
	require.Contains(t, err.Error(), "bad merge")

	r, err = NewResolver(MergeRow, func(context.Context, *Conflict) ([]any, error) { return []any{"k"}, nil })
	require.NoError(t, err)
	_, err = r.Resolve(ctx, c)
	require.ErrorIs(t, err, ErrMergeFailed, "a merged row with the wrong shape fails")
}

func TestRecordMirror(t *testing.T) {
	c, ok := Detect(notes, localRow(11, "", types.RowUpserted, []any{"k", "server", int64(1)}), deletion(), 10, "client")
	require.True(t, ok)

	rec := NewRecord(c, ResolutionLocalWins)
	require.Equal(t, "notes", rec.Table)
	require.Equal(t, UpdateDelete, rec.Type)
	require.Equal(t, []any{"k", "server", int64(1)}, rec.Local)
	require.Nil(t, rec.Remote)

	m := rec.Mirror()
	require.Equal(t, ResolutionRemoteWins, m.Resolution)
	require.Equal(t, DeleteUpdate, m.Type)
	require.Equal(t, rec.Local, m.Remote)
	require.Nil(t, m.Local)
	require.Equal(t, rec, m.Mirror())

	merged := Record{Resolution: ResolutionMerged, Type: UpdateUpdate}
	require.Equal(t, ResolutionMerged, merged.Mirror().Resolution)
}
