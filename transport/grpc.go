package transport

import (
	"context"
	"fmt"

	"google.golang.org/grpc"

	"github.com/breez/table-sync/batch/codec"
	"github.com/breez/table-sync/types"
)

const (
	ServiceName = "tablesync.Syncer"

	exchangeMethod = "/" + ServiceName + "/Exchange"
	watchMethod    = "/" + ServiceName + "/Watch"
)

// WatchRequest subscribes to the change notifications of a scope.
type WatchRequest struct {
	ScopeName   string `json:"scope_name" bson:"scope_name"`
	ClientID    string `json:"client_id" bson:"client_id"`
	RequestTime int64  `json:"request_time" bson:"request_time"`
	Signature   string `json:"signature,omitempty" bson:"signature,omitempty"`
}

// Notification tells a watcher that the server applied changes of a scope.
type Notification struct {
	Scope    string `json:"scope" bson:"scope"`
	Sequence int64  `json:"sequence" bson:"sequence"`
	// Origin is the client whose upload produced the changes.
	Origin string `json:"origin" bson:"origin"`
}

// SyncerServer is the server API of the Syncer service.
type SyncerServer interface {
	Exchange(ctx context.Context, req *Request) (*Response, error)
	Watch(req *WatchRequest, stream SyncerWatchServer) error
}

type SyncerWatchServer interface {
	Send(*Notification) error
	grpc.ServerStream
}

type syncerWatchServer struct {
	grpc.ServerStream
}

func (x *syncerWatchServer) Send(m *Notification) error {
	return x.ServerStream.SendMsg(m)
}

func exchangeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Request)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SyncerServer).Exchange(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: exchangeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SyncerServer).Exchange(ctx, req.(*Request))
	}
	return interceptor(ctx, in, info, handler)
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	m := new(WatchRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(SyncerServer).Watch(m, &syncerWatchServer{stream})
}

// SyncerServiceDesc declares the Syncer service. Messages are encoded with
// the batch codecs instead of protobuf.
var SyncerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SyncerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Exchange", Handler: exchangeHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Watch", Handler: watchHandler, ServerStreams: true},
	},
}

func RegisterSyncerServer(s grpc.ServiceRegistrar, srv SyncerServer) {
	s.RegisterService(&SyncerServiceDesc, srv)
}

// ServerCodec makes a grpc server use c for every message.
func ServerCodec(c codec.Codec) grpc.ServerOption {
	return grpc.ForceServerCodec(c)
}

// SyncerClient is the client API of the Syncer service.
type SyncerClient interface {
	Exchange(ctx context.Context, in *Request, opts ...grpc.CallOption) (*Response, error)
	Watch(ctx context.Context, in *WatchRequest, opts ...grpc.CallOption) (SyncerWatchClient, error)
}

type SyncerWatchClient interface {
	Recv() (*Notification, error)
	grpc.ClientStream
}

type syncerClient struct {
	cc grpc.ClientConnInterface
}

func NewSyncerClient(cc grpc.ClientConnInterface) SyncerClient {
	return &syncerClient{cc}
}

func (c *syncerClient) Exchange(ctx context.Context, in *Request, opts ...grpc.CallOption) (*Response, error) {
	out := new(Response)
	if err := c.cc.Invoke(ctx, exchangeMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *syncerClient) Watch(ctx context.Context, in *WatchRequest, opts ...grpc.CallOption) (SyncerWatchClient, error) {
	stream, err := c.cc.NewStream(ctx, &SyncerServiceDesc.Streams[0], watchMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &syncerWatchClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

type syncerWatchClient struct {
	grpc.ClientStream
}

func (x *syncerWatchClient) Recv() (*Notification, error) {
	m := new(Notification)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Signer authenticates the requests of a client.
type Signer interface {
	NodeID() string
	SignRequest(req *Request) error
	SignWatch(req *WatchRequest) error
}

// GRPC is a Transport over a grpc connection.
type GRPC struct {
	client SyncerClient
	codec  codec.Codec
	signer Signer
}

// NewGRPC returns a transport sending requests encoded with c. Requests are
// signed when signer is not nil.
func NewGRPC(cc grpc.ClientConnInterface, c codec.Codec, signer Signer) *GRPC {
	if c == nil {
		c = codec.JSON
	}
	return &GRPC{client: NewSyncerClient(cc), codec: c, signer: signer}
}

func (g *GRPC) Send(ctx context.Context, req *Request) (*Response, error) {
	if g.signer != nil {
		if err := g.signer.SignRequest(req); err != nil {
			return nil, &types.TransportError{Step: req.Step.String(), Err: fmt.Errorf("sign: %w", err)}
		}
	}
	resp, err := g.client.Exchange(ctx, req, grpc.ForceCodec(g.codec))
	if err != nil {
		return nil, &types.TransportError{Step: req.Step.String(), Err: err}
	}
	return resp, nil
}

// Watch streams the notifications of a scope until ctx is done. Notifications
// caused by this client are dropped.
func (g *GRPC) Watch(ctx context.Context, scopeName string) (<-chan *Notification, <-chan error, error) {
	req := &WatchRequest{ScopeName: scopeName}
	if g.signer != nil {
		if err := g.signer.SignWatch(req); err != nil {
			return nil, nil, fmt.Errorf("sign watch: %w", err)
		}
	}
	stream, err := g.client.Watch(ctx, req, grpc.ForceCodec(g.codec))
	if err != nil {
		return nil, nil, &types.TransportError{Step: "Watch", Err: err}
	}

	notifications := make(chan *Notification)
	errs := make(chan error, 1)
	go func() {
		defer close(notifications)
		for {
			n, err := stream.Recv()
			if err != nil {
				errs <- err
				return
			}
			if req.ClientID != "" && n.Origin == req.ClientID {
				continue
			}
			select {
			case notifications <- n:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()
	return notifications, errs, nil
}
