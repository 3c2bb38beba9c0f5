package main

import (
	"context"
	"log"
	"net"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/breez/table-sync/batch/codec"
	"github.com/breez/table-sync/metrics"
	"github.com/breez/table-sync/middleware"
	"github.com/breez/table-sync/orchestrator"
	"github.com/breez/table-sync/scope"
	"github.com/breez/table-sync/store/memory"
	"github.com/breez/table-sync/transport"
	"github.com/breez/table-sync/types"
)

func notesScope() *types.Scope {
	return &types.Scope{
		Name:    "notes",
		Version: "1",
		Tables: []types.Table{
			{
				Name: "notes",
				Columns: []types.Column{
					{Name: "id", Type: types.ColumnInt64},
					{Name: "body", Type: types.ColumnString, Nullable: true},
				},
				PrimaryKey: []string{"id"},
			},
		},
	}
}

type testServer struct {
	store *memory.Store
	conn  *grpc.ClientConn
}

func server(t *testing.T) *testServer {
	ctx := context.Background()
	mem, err := memory.New()
	require.NoError(t, err)
	_, err = scope.NewRegistry(mem).Provision(ctx, notesScope(), "server", scope.ProvisionOptions{})
	require.NoError(t, err)

	m, err := metrics.NewMetrics()
	require.NoError(t, err)
	syncServer := NewSyncServer("server", mem, middleware.NewAuthenticator(nil), orchestrator.WithMetrics(m))
	quitChan := make(chan struct{})
	syncServer.Start(quitChan)

	buffer := 101024 * 1024
	lis := bufconn.Listen(buffer)
	baseServer := CreateServer(codec.JSON, syncServer, m)
	go func() {
		if err := baseServer.Serve(lis); err != nil {
			log.Printf("error serving server: %v", err)
		}
	}()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
			return lis.Dial()
		}), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		baseServer.Stop()
		close(quitChan)
	})
	return &testServer{store: mem, conn: conn}
}

func (s *testServer) client(t *testing.T) (*orchestrator.Agent, *transport.GRPC, *memory.Store, string) {
	signer := newTestSigner(t)
	mem, err := memory.New()
	require.NoError(t, err)
	grpcTransport := transport.NewGRPC(s.conn, codec.JSON, signer)
	return orchestrator.NewAgent(signer.NodeID(), mem, grpcTransport), grpcTransport, mem, signer.NodeID()
}

func newTestSigner(t *testing.T) *middleware.KeySigner {
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return middleware.NewKeySigner(key)
}

func upsertNote(t *testing.T, mem *memory.Store, id int64, body string) {
	table, _ := notesScope().Table("notes")
	require.NoError(t, mem.Upsert(context.Background(), table, []any{id, body}))
}

func getNote(t *testing.T, mem *memory.Store, id int64) []any {
	table, _ := notesScope().Table("notes")
	values, err := mem.Get(context.Background(), table, []any{id})
	require.NoError(t, err)
	return values
}

func TestSyncService(t *testing.T) {
	ctx := context.Background()
	s := server(t)
	upsertNote(t, s.store, 1, "from server")

	a, _, aStore, _ := s.client(t)
	res, err := a.Synchronize(ctx, orchestrator.Options{ScopeName: "notes"})
	require.NoError(t, err)
	require.True(t, res.Committed)
	require.Equal(t, 1, res.Downloaded)
	require.Equal(t, []any{int64(1), "from server"}, getNote(t, aStore, 1))

	upsertNote(t, aStore, 2, "from a")
	res, err = a.Synchronize(ctx, orchestrator.Options{ScopeName: "notes"})
	require.NoError(t, err)
	require.Equal(t, 1, res.Uploaded)
	require.Equal(t, 1, res.AppliedOnServer)
	require.Zero(t, res.Downloaded, "own changes are not sent back")
	require.Equal(t, []any{int64(2), "from a"}, getNote(t, s.store, 2))

	b, _, bStore, _ := s.client(t)
	res, err = b.Synchronize(ctx, orchestrator.Options{ScopeName: "notes"})
	require.NoError(t, err)
	require.Equal(t, 2, res.Downloaded)
	require.Equal(t, []any{int64(2), "from a"}, getNote(t, bStore, 2))
}

func TestUnsignedRequestRejected(t *testing.T) {
	s := server(t)
	mem, err := memory.New()
	require.NoError(t, err)
	a := orchestrator.NewAgent("anonymous", mem, transport.NewGRPC(s.conn, codec.JSON, nil))

	_, err = a.Synchronize(context.Background(), orchestrator.Options{ScopeName: "notes"})
	require.Error(t, err)
	require.ErrorAs(t, err, new(*types.TransportError))
	require.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestWatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := server(t)

	a, _, aStore, aID := s.client(t)
	_, bTransport, _, _ := s.client(t)
	notifications, _, err := bTransport.Watch(ctx, "notes")
	require.NoError(t, err)

	// The subscription is registered asynchronously on the server, so keep
	// producing changes until one is observed.
	var n *transport.Notification
	for id := int64(1); id <= 50 && n == nil; id++ {
		upsertNote(t, aStore, id, "change")
		_, err := a.Synchronize(ctx, orchestrator.Options{ScopeName: "notes"})
		require.NoError(t, err)
		select {
		case n = <-notifications:
		case <-time.After(100 * time.Millisecond):
		}
	}
	require.NotNil(t, n, "no notification received")
	require.Equal(t, "notes", n.Scope)
	require.Equal(t, aID, n.Origin)
	require.Positive(t, n.Sequence)
}

func TestWatchSkipsOwnChanges(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := server(t)

	a, aTransport, aStore, _ := s.client(t)
	notifications, _, err := aTransport.Watch(ctx, "notes")
	require.NoError(t, err)

	upsertNote(t, aStore, 1, "mine")
	_, err = a.Synchronize(ctx, orchestrator.Options{ScopeName: "notes"})
	require.NoError(t, err)
	select {
	case n := <-notifications:
		t.Fatalf("unexpected notification %+v", n)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestEventsManager(t *testing.T) {
	events := newEventsManager()
	quitChan := make(chan struct{})
	events.start(quitChan)

	first := events.subscribe("notes")
	require.NotNil(t, first)
	second := events.subscribe("notes")
	require.NotNil(t, second)
	other := events.subscribe("other")
	require.NotNil(t, other)
	require.NotEqual(t, first.id, second.id)

	events.Notify("notes", 7, "a")
	for _, sub := range []*subscription{first, second} {
		n := <-sub.eventsChan
		require.Equal(t, &transport.Notification{Scope: "notes", Sequence: 7, Origin: "a"}, n)
	}

	events.unsubscribe("notes", first.id)
	_, ok := <-first.eventsChan
	require.False(t, ok, "unsubscribe closes the channel")

	// Overflowing a slow watcher drops notifications instead of blocking.
	for i := 0; i < notificationBuffer+5; i++ {
		events.Notify("notes", int64(i), "a")
	}
	require.Len(t, second.eventsChan, notificationBuffer)
	require.Empty(t, other.eventsChan)

	close(quitChan)
	<-events.done
	require.Nil(t, events.subscribe("notes"))
	events.Notify("notes", 1, "a")
}
