package main

import (
	"context"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/breez/table-sync/logging"
	"github.com/breez/table-sync/middleware"
	"github.com/breez/table-sync/orchestrator"
	"github.com/breez/table-sync/store"
	"github.com/breez/table-sync/transport"
)

// notificationBuffer is how many notifications a slow watcher may lag
// behind before newer ones are dropped for it.
const notificationBuffer = 16

type SyncServer struct {
	auth          *middleware.Authenticator
	handler       *orchestrator.Server
	eventsManager *eventsManager
	logger        logging.Logger
}

// NewSyncServer serves the sessions of provider. Requests are not
// authenticated when auth is nil.
func NewSyncServer(nodeID string, provider store.Provider, auth *middleware.Authenticator, opts ...orchestrator.Option) *SyncServer {
	events := newEventsManager()
	opts = append(opts, orchestrator.WithNotifier(events))
	return &SyncServer{
		auth:          auth,
		handler:       orchestrator.NewServer(nodeID, provider, opts...),
		eventsManager: events,
		logger:        logging.New("syncer", logging.NewField("node", nodeID)),
	}
}

func (s *SyncServer) Start(quitChan chan struct{}) {
	s.eventsManager.start(quitChan)
}

func (s *SyncServer) Exchange(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	if s.auth != nil {
		c, err := s.auth.AuthenticateRequest(ctx, req)
		if err != nil {
			s.logger.Warnf("rejected %s of %s: %v", req.Step, req.ClientID, err)
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
		ctx = c
	}
	ctx = logging.With(ctx, s.logger.With("client", req.ClientID))
	return transport.Serve(ctx, s.handler, req), nil
}

func (s *SyncServer) Watch(request *transport.WatchRequest, stream transport.SyncerWatchServer) error {
	ctx := stream.Context()
	if s.auth != nil {
		c, err := s.auth.AuthenticateWatch(ctx, request)
		if err != nil {
			return status.Error(codes.Unauthenticated, err.Error())
		}
		ctx = c
	}

	subscription := s.eventsManager.subscribe(request.ScopeName)
	if subscription == nil {
		return status.Error(codes.Unavailable, "server is shutting down")
	}
	defer s.eventsManager.unsubscribe(request.ScopeName, subscription.id)
	for {
		select {
		case event, ok := <-subscription.eventsChan:
			if !ok {
				return nil
			}
			if event.Origin == request.ClientID {
				continue
			}
			if err := stream.Send(event); err != nil {
				return err
			}

		case <-ctx.Done():
			return nil
		}
	}
}

type notifyChange struct {
	notification *transport.Notification
}

type unsubscribe struct {
	scope string
	id    int64
}

type subscription struct {
	id         int64
	scope      string
	eventsChan chan *transport.Notification
}

// eventsManager fans out change notifications to the watchers of a scope.
// Its state is owned by the goroutine started by start.
type eventsManager struct {
	globalIDs int64
	streams   map[string][]*subscription
	msgChan   chan interface{}
	done      chan struct{}
	logger    logging.Logger
}

func newEventsManager() *eventsManager {
	return &eventsManager{
		streams: make(map[string][]*subscription),
		msgChan: make(chan interface{}),
		done:    make(chan struct{}),
		logger:  logging.New("events"),
	}
}

func (c *eventsManager) start(quitChan chan struct{}) {
	go func() {
		defer close(c.done)
		for {
			select {
			case msg := <-c.msgChan:
				switch m := msg.(type) {
				case *subscription:
					c.globalIDs++
					m.id = c.globalIDs
					c.streams[m.scope] = append(c.streams[m.scope], m)
					// hand the id back to subscribe
					m.eventsChan <- nil
				case *unsubscribe:
					var newSubs []*subscription
					for _, sub := range c.streams[m.scope] {
						if sub.id != m.id {
							newSubs = append(newSubs, sub)
							continue
						}
						close(sub.eventsChan)
					}
					delete(c.streams, m.scope)
					if len(newSubs) > 0 {
						c.streams[m.scope] = newSubs
					}
				case *notifyChange:
					for _, sub := range c.streams[m.notification.Scope] {
						select {
						case sub.eventsChan <- m.notification:
						default:
							c.logger.Debugf("watcher %d of %s is behind, dropping notification", sub.id, sub.scope)
						}
					}
				}

			case <-quitChan:
				for _, subs := range c.streams {
					for _, sub := range subs {
						close(sub.eventsChan)
					}
				}
				c.streams = nil
				return
			}
		}
	}()
}

// send hands msg to the manager goroutine and reports false once it stopped.
func (c *eventsManager) send(msg interface{}) bool {
	select {
	case c.msgChan <- msg:
		return true
	case <-c.done:
		return false
	}
}

// Notify publishes that the server applied changes of origin to scope.
func (c *eventsManager) Notify(scope string, sequence int64, origin string) {
	c.send(&notifyChange{notification: &transport.Notification{Scope: scope, Sequence: sequence, Origin: origin}})
}

// subscribe returns nil when the manager stopped.
func (c *eventsManager) subscribe(scope string) *subscription {
	s := &subscription{scope: scope, eventsChan: make(chan *transport.Notification, notificationBuffer)}
	if !c.send(s) {
		return nil
	}
	<-s.eventsChan
	return s
}

func (c *eventsManager) unsubscribe(scope string, id int64) {
	c.send(&unsubscribe{scope: scope, id: id})
}
