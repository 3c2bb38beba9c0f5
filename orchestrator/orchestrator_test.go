package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breez/table-sync/batch"
	"github.com/breez/table-sync/batch/codec"
	"github.com/breez/table-sync/batch/compress"
	"github.com/breez/table-sync/conflict"
	"github.com/breez/table-sync/hooks"
	"github.com/breez/table-sync/scope"
	"github.com/breez/table-sync/store/memory"
	"github.com/breez/table-sync/transport"
	"github.com/breez/table-sync/types"
)

const serverID = "server"

func notesScope() *types.Scope {
	return &types.Scope{
		Name:    "notes",
		Version: "1",
		Tables: []types.Table{
			{
				Name: "notes",
				Columns: []types.Column{
					{Name: "id", Type: types.ColumnInt64},
					{Name: "folder_id", Type: types.ColumnInt64},
					{Name: "body", Type: types.ColumnString, Nullable: true},
				},
				PrimaryKey: []string{"id"},
				DependsOn:  []string{"folders"},
			},
			{
				Name: "folders",
				Columns: []types.Column{
					{Name: "id", Type: types.ColumnInt64},
					{Name: "name", Type: types.ColumnString},
				},
				PrimaryKey: []string{"id"},
			},
		},
	}
}

func folder(id int64, name string) []any { return []any{id, name} }

func note(id, folderID int64, body any) []any { return []any{id, folderID, body} }

type env struct {
	t      *testing.T
	ctx    context.Context
	scope  *types.Scope
	store  *memory.Store
	server *Server
}

func newEnv(t *testing.T, opts ...Option) *env {
	ctx := context.Background()
	mem, err := memory.New()
	require.NoError(t, err)
	sc := notesScope()
	_, err = scope.NewRegistry(mem).Provision(ctx, sc, serverID, scope.ProvisionOptions{})
	require.NoError(t, err)
	return &env{t: t, ctx: ctx, scope: sc, store: mem, server: NewServer(serverID, mem, opts...)}
}

func (e *env) table(name string) *types.Table {
	table, ok := e.scope.Table(name)
	require.True(e.t, ok)
	return table
}

func (e *env) client(id string, opts ...Option) (*Agent, *memory.Store) {
	mem, err := memory.New()
	require.NoError(e.t, err)
	return NewAgent(id, mem, transport.NewLocal(e.server, codec.JSON), opts...), mem
}

func (e *env) upsert(mem *memory.Store, table string, values []any) {
	require.NoError(e.t, mem.Upsert(e.ctx, e.table(table), values))
}

func (e *env) get(mem *memory.Store, table string, id int64) []any {
	values, err := mem.Get(e.ctx, e.table(table), []any{id})
	require.NoError(e.t, err)
	return values
}

func (e *env) sync(agent *Agent, opts Options) *Result {
	if opts.ScopeName == "" {
		opts.ScopeName = "notes"
	}
	res, err := agent.Synchronize(e.ctx, opts)
	require.NoError(e.t, err)
	require.Equal(e.t, types.StageEnd, res.Stage)
	return res
}

func (e *env) requireQuiet(agent *Agent) {
	res := e.sync(agent, Options{})
	require.Zero(e.t, res.Uploaded, "uploaded")
	require.Zero(e.t, res.Downloaded, "downloaded")
	require.Empty(e.t, res.Conflicts)
}

func TestNewClientReceivesFullCopy(t *testing.T) {
	e := newEnv(t)
	e.upsert(e.store, "folders", folder(1, "inbox"))
	e.upsert(e.store, "notes", note(10, 1, "hello"))
	e.upsert(e.store, "notes", note(11, 1, nil))

	a, local := e.client("a")
	res := e.sync(a, Options{})
	require.True(t, res.Committed)
	require.False(t, res.Partial())
	require.Equal(t, 3, res.Downloaded)
	require.Equal(t, 3, res.AppliedLocally)
	require.Equal(t, 2, res.BatchesReceived)

	require.Equal(t, folder(1, "inbox"), e.get(local, "folders", 1))
	require.Equal(t, note(10, 1, "hello"), e.get(local, "notes", 10))
	require.Equal(t, note(11, 1, nil), e.get(local, "notes", 11))

	info, err := scope.NewRegistry(local).GetScopeInfo(e.ctx, "notes", "a")
	require.NoError(t, err)
	require.False(t, info.IsNewScope)
	require.Equal(t, int64(3), *info.LastServerWatermark)
	require.Equal(t, e.scope.Hash(), info.SchemaHash)

	serverInfo, err := e.server.registry.GetScopeInfo(e.ctx, "notes", "a")
	require.NoError(t, err)
	require.False(t, serverInfo.IsNewScope)
	require.Equal(t, int64(3), serverInfo.Watermark())

	e.requireQuiet(a)
}

func TestNewClientUploadsExistingRows(t *testing.T) {
	e := newEnv(t)
	a, local := e.client("a")
	// rows written before the scope is provisioned have no tracking entry
	e.upsert(local, "folders", folder(7, "offline"))

	res := e.sync(a, Options{Scope: notesScope()})
	require.Equal(t, 1, res.Uploaded)
	require.Equal(t, 1, res.AppliedOnServer)
	require.Equal(t, folder(7, "offline"), e.get(e.store, "folders", 7))

	e.requireQuiet(a)
}

type notification struct {
	scope    string
	sequence int64
	origin   string
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []notification
}

func (n *recordingNotifier) Notify(scope string, sequence int64, origin string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, notification{scope, sequence, origin})
}

func TestLoopPrevention(t *testing.T) {
	notifier := &recordingNotifier{}
	e := newEnv(t, WithNotifier(notifier))
	a, localA := e.client("a")
	b, localB := e.client("b")
	e.sync(a, Options{})
	e.sync(b, Options{})

	e.upsert(localA, "folders", folder(1, "from a"))
	res := e.sync(a, Options{})
	require.Equal(t, 1, res.Uploaded)
	require.Equal(t, 1, res.AppliedOnServer)
	require.Zero(t, res.Downloaded, "a must not receive its own change")
	require.Equal(t, []notification{{"notes", 1, "a"}}, notifier.notes)

	res = e.sync(b, Options{})
	require.Zero(t, res.Uploaded)
	require.Equal(t, 1, res.Downloaded)
	require.Equal(t, folder(1, "from a"), e.get(localB, "folders", 1))

	e.requireQuiet(a)
	e.requireQuiet(b)
	seq, err := e.store.CurrentSequence(e.ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), seq)
}

func TestConcurrentEdit(t *testing.T) {
	tests := []struct {
		name       string
		policy     conflict.SessionPolicy
		resolution conflict.Resolution
		want       string
	}{
		{name: "server wins", policy: conflict.ServerWins, resolution: conflict.ResolutionRemoteWins, want: "Y"},
		{name: "client wins", policy: conflict.ClientWins, resolution: conflict.ResolutionLocalWins, want: "X"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			e.upsert(e.store, "folders", folder(1, "original"))
			a, local := e.client("a")
			e.sync(a, Options{Policy: tt.policy})

			e.upsert(e.store, "folders", folder(1, "Y"))
			e.upsert(local, "folders", folder(1, "X"))

			res := e.sync(a, Options{Policy: tt.policy})
			require.True(t, res.Committed)
			require.Len(t, res.Conflicts, 1)
			rec := res.Conflicts[0]
			assert.Equal(t, tt.resolution, rec.Resolution)
			assert.Equal(t, conflict.UpdateUpdate, rec.Type)
			assert.Equal(t, "folders", rec.Table)
			assert.Equal(t, []any{int64(1)}, rec.Key)
			assert.Equal(t, folder(1, "X"), rec.Local)
			assert.Equal(t, folder(1, "Y"), rec.Remote)

			require.Equal(t, folder(1, tt.want), e.get(local, "folders", 1))
			require.Equal(t, folder(1, tt.want), e.get(e.store, "folders", 1))

			e.requireQuiet(a)
		})
	}
}

func TestDeleteUpdateConflict(t *testing.T) {
	e := newEnv(t)
	e.upsert(e.store, "folders", folder(1, "original"))
	a, local := e.client("a")
	e.sync(a, Options{})

	e.upsert(e.store, "folders", folder(1, "renamed"))
	require.NoError(t, local.Delete(e.ctx, e.table("folders"), []any{int64(1)}))

	res := e.sync(a, Options{Policy: conflict.ServerWins})
	require.Len(t, res.Conflicts, 1)
	// the server saw a local upsert against the client's delete
	assert.Equal(t, conflict.DeleteUpdate, res.Conflicts[0].Type)
	assert.Equal(t, conflict.ResolutionRemoteWins, res.Conflicts[0].Resolution)
	require.Equal(t, folder(1, "renamed"), e.get(local, "folders", 1))
}

func TestMergeFailureIsRowFailure(t *testing.T) {
	failing := true
	merge := func(_ context.Context, c *conflict.Conflict) ([]any, error) {
		if failing && c.Key[0] == int64(1) {
			return nil, errors.New("cannot merge")
		}
		return []any{c.Key[0], fmt.Sprintf("%v+%v", c.Remote.Values[1], c.Local.Values[1])}, nil
	}
	e := newEnv(t, WithMergeFunc(merge))
	e.upsert(e.store, "folders", folder(1, "Y1"))
	e.upsert(e.store, "folders", folder(2, "Y2"))
	a, local := e.client("a")
	e.sync(a, Options{})

	e.upsert(e.store, "folders", folder(1, "Y1'"))
	e.upsert(e.store, "folders", folder(2, "Y2'"))
	e.upsert(local, "folders", folder(1, "X1"))
	e.upsert(local, "folders", folder(2, "X2"))

	res, err := a.Synchronize(e.ctx, Options{ScopeName: "notes"})
	require.NoError(t, err, "a failed merge does not abort the session")
	require.True(t, res.Partial())
	require.False(t, res.Committed)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, types.KindConflict, res.Failures[0].Kind)
	assert.Equal(t, []any{int64(1)}, res.Failures[0].Key)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, conflict.ResolutionMerged, res.Conflicts[0].Resolution)

	require.Equal(t, folder(2, "X2+Y2'"), e.get(e.store, "folders", 2))
	require.Equal(t, folder(2, "X2+Y2'"), e.get(local, "folders", 2))
	require.Equal(t, folder(1, "Y1'"), e.get(e.store, "folders", 1))
	require.Equal(t, folder(1, "X1"), e.get(local, "folders", 1), "the rejected edit stays pending")

	failing = false
	res = e.sync(a, Options{})
	require.True(t, res.Committed)
	require.Equal(t, 1, res.Uploaded, "the rejected edit is uploaded again")
	require.Equal(t, 1, res.AppliedOnServer)
	require.Empty(t, res.Failures)
	require.Equal(t, folder(1, "X1+Y1'"), e.get(e.store, "folders", 1))
	require.Equal(t, folder(1, "X1+Y1'"), e.get(local, "folders", 1))
	require.Equal(t, folder(2, "X2+Y2'"), e.get(local, "folders", 2))

	e.requireQuiet(a)
}

func TestLargeDownload(t *testing.T) {
	e := newEnv(t)
	const rows = 10000
	for i := int64(1); i <= rows; i++ {
		e.upsert(e.store, "folders", folder(i, fmt.Sprintf("folder-%05d", i)))
	}
	sample := types.Change{Table: "folders", Key: []any{int64(1)}, Values: folder(1, "folder-00001")}

	var mu sync.Mutex
	var indices []int
	var last []bool
	h := hooks.NewManager()
	h.Register(hooks.EventPostApplyPart, hooks.ListenerFunc(0, func(_ context.Context, event hooks.Event) error {
		p := event.Payload().(hooks.PartPayload)
		mu.Lock()
		defer mu.Unlock()
		indices = append(indices, p.Index)
		last = append(last, p.IsLast)
		return nil
	}))
	zstd, err := compress.ByType(compress.Zstd)
	require.NoError(t, err)
	manager := batch.NewManager(batch.NewSerializer(codec.JSON, zstd), batch.NewDiskSpool(t.TempDir()))
	a, local := e.client("a", WithHooks(h), WithBatchManager(manager))

	res := e.sync(a, Options{MaxBatchBytes: 500 * sample.EstimatedSize()})
	require.Equal(t, rows, res.Downloaded)
	require.Equal(t, rows, res.AppliedLocally)
	require.Equal(t, 20, res.BatchesReceived)

	require.Len(t, indices, 20)
	for i := range indices {
		require.Equal(t, i, indices[i])
		require.Equal(t, i == 19, last[i])
	}
	all, err := local.Rows(e.ctx, e.table("folders"))
	require.NoError(t, err)
	require.Len(t, all, rows)
}

// flakyTransport fails the n-th ApplyChanges request.
type flakyTransport struct {
	next   transport.Transport
	mu     sync.Mutex
	failAt int
	calls  int
}

func (f *flakyTransport) Send(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	f.mu.Lock()
	if req.Step == transport.StepApplyChanges {
		f.calls++
		if f.calls == f.failAt {
			f.failAt = 0
			f.mu.Unlock()
			return nil, errors.New("connection reset")
		}
	}
	f.mu.Unlock()
	return f.next.Send(ctx, req)
}

func TestResumeAfterTransportFailure(t *testing.T) {
	e := newEnv(t)
	local, err := memory.New()
	require.NoError(t, err)
	flaky := &flakyTransport{next: transport.NewLocal(e.server, codec.JSON)}
	a := NewAgent("a", local, flaky)
	e.sync(a, Options{})

	const rows = 30
	for i := int64(1); i <= rows; i++ {
		e.upsert(local, "folders", folder(i, fmt.Sprintf("folder-%05d", i)))
	}
	sample := types.Change{Table: "folders", Key: []any{int64(1)}, Values: folder(1, "folder-00001")}
	maxBytes := 10 * sample.EstimatedSize()

	flaky.failAt = 3
	flaky.calls = 0
	res, err := a.Synchronize(e.ctx, Options{ScopeName: "notes", MaxBatchBytes: maxBytes})
	require.Error(t, err)
	require.Equal(t, types.KindTransport, types.KindOf(err))
	require.Equal(t, types.StageAborted, res.Stage)
	require.False(t, res.Committed)
	require.Equal(t, 2, res.BatchesSent)

	serverRows, err := e.store.Rows(e.ctx, e.table("folders"))
	require.NoError(t, err)
	require.Len(t, serverRows, 20)

	res = e.sync(a, Options{MaxBatchBytes: maxBytes})
	require.Equal(t, rows, res.Uploaded)
	require.Equal(t, rows, res.AppliedOnServer)
	require.Equal(t, 3, res.BatchesSent)
	require.Empty(t, res.Conflicts)
	require.Empty(t, res.Failures)

	serverRows, err = e.store.Rows(e.ctx, e.table("folders"))
	require.NoError(t, err)
	require.Len(t, serverRows, rows)
	seq, err := e.store.CurrentSequence(e.ctx)
	require.NoError(t, err)
	require.Equal(t, int64(rows), seq, "replayed rows are not written twice")

	e.requireQuiet(a)
}

func TestHookCancel(t *testing.T) {
	e := newEnv(t)
	e.upsert(e.store, "folders", folder(1, "inbox"))

	h := hooks.NewManager()
	canceling := true
	h.Register(hooks.EventPreStage, hooks.ListenerFunc(0, func(_ context.Context, event hooks.Event) error {
		if canceling && event.Payload().(hooks.StagePayload).Stage == types.StageApplyChanges {
			return hooks.Cancel("maintenance")
		}
		return nil
	}))
	a, local := e.client("a", WithHooks(h))

	res, err := a.Synchronize(e.ctx, Options{ScopeName: "notes"})
	require.True(t, hooks.IsCancel(err))
	require.Equal(t, types.StageAborted, res.Stage)
	require.False(t, res.Committed)
	require.Equal(t, 1, res.Downloaded)
	require.Nil(t, e.get(local, "folders", 1))

	serverInfo, err := e.server.registry.GetScopeInfo(e.ctx, "notes", "a")
	require.NoError(t, err)
	require.True(t, serverInfo.IsNewScope)
	require.Nil(t, serverInfo.LastSyncWatermark)

	canceling = false
	res = e.sync(a, Options{})
	require.Equal(t, 1, res.AppliedLocally)
	require.Equal(t, folder(1, "inbox"), e.get(local, "folders", 1))
}

func TestContextCanceled(t *testing.T) {
	e := newEnv(t)
	e.upsert(e.store, "folders", folder(1, "inbox"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := hooks.NewManager()
	h.Register(hooks.EventPreStage, hooks.ListenerFunc(0, func(_ context.Context, event hooks.Event) error {
		if event.Payload().(hooks.StagePayload).Stage == types.StageReceiveChanges {
			cancel()
		}
		return nil
	}))
	a, local := e.client("a", WithHooks(h))

	res, err := a.Synchronize(ctx, Options{ScopeName: "notes"})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, types.StageAborted, res.Stage)
	require.Nil(t, e.get(local, "folders", 1))

	info, err := scope.NewRegistry(local).GetScopeInfo(e.ctx, "notes", "a")
	require.NoError(t, err)
	require.True(t, info.IsNewScope)
	require.Nil(t, info.LastServerWatermark)
}

func TestSchemaMismatch(t *testing.T) {
	e := newEnv(t)
	altered := notesScope()
	altered.Version = "2"
	altered.Tables[1].Columns = append(altered.Tables[1].Columns, types.Column{Name: "color", Type: types.ColumnString, Nullable: true})

	a, _ := e.client("a")
	res, err := a.Synchronize(e.ctx, Options{Scope: altered})
	var mismatch *types.SchemaMismatchError
	require.ErrorAs(t, err, &mismatch)
	require.Equal(t, altered.Hash(), mismatch.Local)
	require.Equal(t, e.scope.Hash(), mismatch.Remote)
	require.Equal(t, types.StageAborted, res.Stage)
	require.False(t, res.Committed)
}

func TestSchemaVersionMismatch(t *testing.T) {
	e := newEnv(t)
	e.upsert(e.store, "folders", folder(1, "inbox"))
	renumbered := notesScope()
	renumbered.Version = "2"
	require.Equal(t, e.scope.Hash(), renumbered.Hash(), "same tables")

	a, local := e.client("a")
	res, err := a.Synchronize(e.ctx, Options{Scope: renumbered})
	var mismatch *types.SchemaMismatchError
	require.ErrorAs(t, err, &mismatch)
	require.Equal(t, "2", mismatch.Local)
	require.Equal(t, "1", mismatch.Remote)
	require.Equal(t, types.StageAborted, res.Stage)
	require.False(t, res.Committed)
	require.Nil(t, e.get(local, "folders", 1))
}

func TestCleanupAfterSessions(t *testing.T) {
	e := newEnv(t)
	e.upsert(e.store, "folders", folder(1, "inbox"))
	e.upsert(e.store, "notes", note(10, 1, "keep"))
	e.upsert(e.store, "notes", note(11, 1, "drop"))
	a, _ := e.client("a")
	b, bStore := e.client("b")
	e.sync(a, Options{})
	e.sync(b, Options{})

	require.NoError(t, e.store.Delete(e.ctx, e.table("notes"), []any{int64(11)}))
	e.sync(a, Options{})

	registry := scope.NewRegistry(e.store)
	removed, err := registry.Cleanup(e.ctx, "notes")
	require.NoError(t, err)
	require.Zero(t, removed, "b has not received the delete")

	res := e.sync(b, Options{})
	require.Equal(t, 1, res.Downloaded)
	require.Nil(t, e.get(bStore, "notes", 11))

	removed, err = registry.Cleanup(e.ctx, "notes")
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)

	e.requireQuiet(a)
	e.requireQuiet(b)
	c, cStore := e.client("c")
	res = e.sync(c, Options{})
	require.Equal(t, 2, res.Downloaded)
	require.Equal(t, note(10, 1, "keep"), e.get(cStore, "notes", 10))
	require.Nil(t, e.get(cStore, "notes", 11))
}

func TestReinitialize(t *testing.T) {
	e := newEnv(t)
	e.upsert(e.store, "folders", folder(1, "inbox"))
	e.upsert(e.store, "notes", note(10, 1, "hello"))
	a, local := e.client("a")
	e.sync(a, Options{})

	// local data loss
	require.NoError(t, local.Delete(e.ctx, e.table("notes"), []any{int64(10)}))
	e.upsert(local, "folders", folder(1, "corrupted"))

	res := e.sync(a, Options{SyncType: Reinitialize})
	require.Zero(t, res.Uploaded)
	require.Equal(t, 2, res.Downloaded)
	require.Empty(t, res.Conflicts)
	require.Equal(t, note(10, 1, "hello"), e.get(local, "notes", 10))
	require.Equal(t, folder(1, "inbox"), e.get(local, "folders", 1))
	require.Equal(t, folder(1, "inbox"), e.get(e.store, "folders", 1))

	e.requireQuiet(a)
}

func TestWatermarksNeverDecrease(t *testing.T) {
	e := newEnv(t)
	a, local := e.client("a")
	registry := scope.NewRegistry(local)

	var lastLocal, lastServer, lastPerClient int64
	for round := int64(1); round <= 4; round++ {
		e.upsert(local, "folders", folder(round, "client"))
		e.upsert(e.store, "folders", folder(100+round, "server"))
		e.sync(a, Options{})

		info, err := registry.GetScopeInfo(e.ctx, "notes", "a")
		require.NoError(t, err)
		serverInfo, err := e.server.registry.GetScopeInfo(e.ctx, "notes", "a")
		require.NoError(t, err)

		require.GreaterOrEqual(t, info.Watermark(), lastLocal)
		require.GreaterOrEqual(t, *info.LastServerWatermark, lastServer)
		require.GreaterOrEqual(t, serverInfo.Watermark(), lastPerClient)
		lastLocal, lastServer, lastPerClient = info.Watermark(), *info.LastServerWatermark, serverInfo.Watermark()
	}
	rows, err := local.Rows(e.ctx, e.table("folders"))
	require.NoError(t, err)
	require.Len(t, rows, 8)
	e.requireQuiet(a)
}

func TestStageHooks(t *testing.T) {
	e := newEnv(t)
	e.upsert(e.store, "folders", folder(1, "inbox"))
	e.upsert(e.store, "notes", note(10, 1, "hello"))

	var stages []types.Stage
	h := hooks.NewManager()
	h.Register(hooks.EventPreStage, hooks.ListenerFunc(0, func(_ context.Context, event hooks.Event) error {
		stages = append(stages, event.Payload().(hooks.StagePayload).Stage)
		return nil
	}))
	h.Register(hooks.EventPreTableChanges, hooks.ListenerFunc(0, func(_ context.Context, event hooks.Event) error {
		p := event.Payload().(hooks.TablePayload)
		if p.Direction == hooks.DirectionApply && p.Table.Name == "notes" {
			return hooks.ErrSkip
		}
		return nil
	}))
	a, local := e.client("a", WithHooks(h))

	res := e.sync(a, Options{})
	require.Equal(t, []types.Stage{
		types.StageBegin,
		types.StageEnsureScope,
		types.StageEnsureSchema,
		types.StageSelectChanges,
		types.StageSendChanges,
		types.StageReceiveChanges,
		types.StageApplyChanges,
		types.StageCommitWatermark,
		types.StageEnd,
	}, stages)
	require.Equal(t, 2, res.Downloaded)
	require.Equal(t, 1, res.AppliedLocally)
	require.Equal(t, folder(1, "inbox"), e.get(local, "folders", 1))
	require.Nil(t, e.get(local, "notes", 10))
}

func TestServerConflictHookDefers(t *testing.T) {
	h := hooks.NewManager()
	h.Register(hooks.EventConflict, hooks.ListenerFunc(0, func(context.Context, hooks.Event) error {
		return hooks.ErrSkip
	}))
	e := newEnv(t, WithHooks(h))
	e.upsert(e.store, "folders", folder(1, "original"))
	a, local := e.client("a")
	e.sync(a, Options{})

	e.upsert(e.store, "folders", folder(1, "Y"))
	e.upsert(local, "folders", folder(1, "X"))

	res := e.sync(a, Options{Policy: conflict.ClientWins})
	require.Len(t, res.Conflicts, 1)
	require.Equal(t, conflict.ResolutionDeferred, res.Conflicts[0].Resolution)
	require.Equal(t, folder(1, "Y"), e.get(e.store, "folders", 1))
}

func TestServerSessions(t *testing.T) {
	e := newEnv(t)
	ctx := e.ctx
	begin := func(id string) {
		_, err := e.server.Handle(ctx, &transport.Request{SessionID: id, Step: transport.StepBeginSession, ScopeName: "notes", ClientID: "a"})
		require.NoError(t, err)
	}

	_, err := e.server.Handle(ctx, &transport.Request{SessionID: "missing", Step: transport.StepEnsureSchema, ClientID: "a"})
	require.ErrorIs(t, err, ErrUnknownSession)

	_, err = e.server.Handle(ctx, &transport.Request{SessionID: "s0", Step: transport.StepBeginSession, ScopeName: "unknown", ClientID: "a"})
	require.Error(t, err)

	begin("s1")
	_, err = e.server.Handle(ctx, &transport.Request{SessionID: "s1", Step: transport.StepEnsureSchema, ClientID: "b"})
	require.ErrorIs(t, err, ErrUnknownSession, "sessions are bound to their client")

	resp, err := e.server.Handle(ctx, &transport.Request{SessionID: "s1", Step: transport.StepEnsureSchema, ClientID: "a"})
	require.NoError(t, err)
	require.Equal(t, e.scope.Hash(), resp.Scope.Hash())

	_, err = e.server.Handle(ctx, &transport.Request{SessionID: "s1", Step: transport.StepApplyChanges, ClientID: "a",
		Part: &batch.PartInfo{Table: "folders"}})
	require.ErrorIs(t, err, ErrStepOrder)
	_, err = e.server.Handle(ctx, &transport.Request{SessionID: "s1", Step: transport.StepCommitWatermark, ClientID: "a"})
	require.ErrorIs(t, err, ErrStepOrder)

	resp, err = e.server.Handle(ctx, &transport.Request{SessionID: "s1", Step: transport.StepGetLocalTimestamp, ClientID: "a"})
	require.NoError(t, err)
	require.Zero(t, resp.ServerSequence)

	begin("s2")
	_, err = e.server.Handle(ctx, &transport.Request{SessionID: "s1", Step: transport.StepEnsureSchema, ClientID: "a"})
	require.ErrorIs(t, err, ErrUnknownSession, "a new session of the same client evicts the old one")

	_, err = e.server.Handle(ctx, &transport.Request{SessionID: "s2", Step: transport.StepEndSession, ClientID: "a"})
	require.NoError(t, err)
	_, err = e.server.Handle(ctx, &transport.Request{SessionID: "s2", Step: transport.StepEndSession, ClientID: "a"})
	require.ErrorIs(t, err, ErrUnknownSession)
}

func TestResultPartial(t *testing.T) {
	r := &Result{}
	require.False(t, r.Partial())
	require.Equal(t, "committed", r.outcome())
	r.TableFailures = append(r.TableFailures, types.TableFailure{Table: "t"})
	require.True(t, r.Partial())
	require.Equal(t, "partial", r.outcome())
	r.Stage = types.StageAborted
	require.Equal(t, "aborted", r.outcome())
}
