package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/breez/table-sync/batch"
	"github.com/breez/table-sync/changes"
	"github.com/breez/table-sync/conflict"
	"github.com/breez/table-sync/hooks"
	"github.com/breez/table-sync/logging"
	"github.com/breez/table-sync/scope"
	"github.com/breez/table-sync/store"
	"github.com/breez/table-sync/transport"
	"github.com/breez/table-sync/types"
)

// DefaultSessionTTL is how long a server keeps a session without requests.
const DefaultSessionTTL = 30 * time.Minute

var (
	// ErrUnknownSession is returned for a request whose session was never
	// begun, already ended or was evicted.
	ErrUnknownSession = errors.New("unknown session")

	// ErrStepOrder is returned for a step the session is not ready for.
	ErrStepOrder = errors.New("step out of order")
)

// Notifier is told about changes a server applied for a client.
type Notifier interface {
	Notify(scope string, sequence int64, origin string)
}

// Server answers the session steps of clients.
type Server struct {
	nodeID     string
	provider   store.Provider
	registry   *scope.Registry
	enumerator *changes.Enumerator
	opts       *options
	ttl        time.Duration
	logger     logging.Logger

	mu       sync.Mutex
	sessions map[string]*serverSession
}

type serverSession struct {
	*Session

	mu       sync.Mutex
	clientID string
	lastSeen time.Time

	policy        conflict.SessionPolicy
	parameters    map[string]any
	maxBatchBytes int
	reinitialize  bool
	clientNew     bool

	info     *types.ScopeInfo
	resolver *conflict.Resolver
	receiver *batch.Receiver
	skipped  map[string]bool
	failed   map[string]bool
	upload   applyStats

	download  *batch.Batch
	snapshot  int64
	committed bool
}

func NewServer(nodeID string, provider store.Provider, opts ...Option) *Server {
	return &Server{
		nodeID:     nodeID,
		provider:   provider,
		registry:   scope.NewRegistry(provider),
		enumerator: changes.NewEnumerator(provider),
		opts:       newOptions(opts),
		ttl:        DefaultSessionTTL,
		logger:     logging.New("server", logging.NewField("node", nodeID)),
		sessions:   make(map[string]*serverSession),
	}
}

// NodeID returns the id the server applies client changes with.
func (s *Server) NodeID() string {
	return s.nodeID
}

// Handle serves one step.
func (s *Server) Handle(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	if req.Step == transport.StepBeginSession {
		return s.begin(ctx, req)
	}
	sess, err := s.session(req)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.lastSeen = time.Now()

	switch req.Step {
	case transport.StepEnsureSchema:
		return sess.ensureSchema(ctx, s)
	case transport.StepEnsureScopes:
		return sess.ensureScopes(ctx, s, req)
	case transport.StepEnsureDatabase:
		return sess.ensureDatabase(ctx, s)
	case transport.StepGetLocalTimestamp:
		seq, err := s.provider.CurrentSequence(ctx)
		if err != nil {
			return nil, err
		}
		return &transport.Response{ServerSequence: seq}, nil
	case transport.StepApplyChanges:
		return sess.applyChanges(ctx, s, req)
	case transport.StepGetChangeBatch:
		return sess.getChangeBatch(ctx, s, req)
	case transport.StepCommitWatermark:
		return sess.commitWatermark(ctx, s)
	case transport.StepEndSession:
		return sess.end(ctx, s)
	}
	return nil, fmt.Errorf("%w: unsupported step %s", ErrStepOrder, req.Step)
}

func (s *Server) session(req *transport.Request) (*serverSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[req.SessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, req.SessionID)
	}
	if sess.clientID != req.ClientID {
		return nil, fmt.Errorf("%w: %s belongs to another client", ErrUnknownSession, req.SessionID)
	}
	return sess, nil
}

func (s *Server) begin(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	if req.SessionID == "" || req.ScopeName == "" {
		return nil, fmt.Errorf("%w: begin without session or scope", ErrStepOrder)
	}
	sc, err := s.registry.GetScope(ctx, req.ScopeName)
	if err != nil {
		return nil, fmt.Errorf("scope %s: %w", req.ScopeName, err)
	}
	resolver, err := s.opts.resolver(req.Policy, types.SideServer)
	if err != nil {
		return nil, err
	}
	maxBytes := req.MaxBatchBytes
	if maxBytes == 0 {
		maxBytes = DefaultMaxBatchBytes
	}

	sess := &serverSession{
		Session:       newSession(req.SessionID, types.SideServer, s.opts.hooks, s.opts.metrics),
		clientID:      req.ClientID,
		lastSeen:      time.Now(),
		policy:        req.Policy,
		parameters:    req.Parameters,
		maxBatchBytes: maxBytes,
		reinitialize:  req.Reinitialize,
		clientNew:     req.IsNewScope,
		resolver:      resolver,
		receiver:      batch.NewReceiver(),
		skipped:       make(map[string]bool),
		failed:        make(map[string]bool),
	}
	sess.Scope = sc
	sess.logger = sess.logger.With("client", req.ClientID, "scope", sc.Name)

	err = sess.run(ctx, types.StageBegin, func(ctx context.Context) error {
		return changes.ValidateParameters(sc, req.Parameters)
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	now := time.Now()
	for id, other := range s.sessions {
		same := other.clientID == req.ClientID && other.Scope.Name == req.ScopeName
		if same || now.Sub(other.lastSeen) > s.ttl {
			s.logger.Infof("evicting session %s of %s", id, other.clientID)
			delete(s.sessions, id)
			go other.close(s, "evicted")
		}
	}
	s.sessions[req.SessionID] = sess
	s.mu.Unlock()

	s.opts.metrics.SessionStarted(string(types.SideServer))
	sess.logger.Infof("session started (policy %s, reinitialize %v)", req.Policy, req.Reinitialize)
	return &transport.Response{ServerID: s.nodeID}, nil
}

// close releases an evicted or ended session.
func (ss *serverSession) close(s *Server, result string) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.download != nil {
		if err := ss.download.Cleanup(); err != nil {
			ss.logger.Warnf("cleanup download batch: %v", err)
		}
		ss.download = nil
	}
	s.opts.metrics.SessionFinished(string(types.SideServer), result, time.Since(ss.StartTime))
}

func (ss *serverSession) ensureSchema(ctx context.Context, s *Server) (*transport.Response, error) {
	resp := &transport.Response{}
	err := ss.run(ctx, types.StageEnsureSchema, func(ctx context.Context) error {
		resp.Scope = ss.Scope
		return nil
	})
	return resp, err
}

func (ss *serverSession) ensureScopes(ctx context.Context, s *Server, req *transport.Request) (*transport.Response, error) {
	err := ss.run(ctx, types.StageEnsureScope, func(ctx context.Context) error {
		if req.ScopeName != ss.Scope.Name {
			return &types.SchemaMismatchError{Scope: ss.Scope.Name, Reason: "scope names differ", Local: ss.Scope.Name, Remote: req.ScopeName}
		}
		return scope.CheckSchema(ss.Scope, req.SchemaHash, req.SchemaVersion)
	})
	if err != nil {
		return nil, err
	}
	return &transport.Response{}, nil
}

// ensureDatabase loads the client's scope info, creating it for a client
// seen for the first time.
func (ss *serverSession) ensureDatabase(ctx context.Context, s *Server) (*transport.Response, error) {
	err := ss.run(ctx, types.StageEnsureSchema, func(ctx context.Context) error {
		info, err := s.registry.GetScopeInfo(ctx, ss.Scope.Name, ss.clientID)
		if errors.Is(err, store.ErrScopeInfoNotFound) {
			info, err = s.registry.Provision(ctx, ss.Scope, ss.clientID, scope.ProvisionOptions{})
		}
		if err != nil {
			return err
		}
		ss.info = info
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &transport.Response{}, nil
}

// since returns the watermark of what the client already received.
func (ss *serverSession) since() int64 {
	if ss.info == nil || ss.info.IsNewScope {
		return 0
	}
	return ss.info.Watermark()
}

func (ss *serverSession) applyChanges(ctx context.Context, s *Server, req *transport.Request) (*transport.Response, error) {
	if ss.info == nil {
		return nil, fmt.Errorf("%w: changes before EnsureDatabase", ErrStepOrder)
	}
	if req.Part == nil {
		return nil, fmt.Errorf("%w: changes without part", ErrStepOrder)
	}
	info := *req.Part
	resp := &transport.Response{}
	err := ss.run(ctx, types.StageApplyChanges, func(ctx context.Context) error {
		if err := ss.receiver.Accept(info); err != nil {
			return err
		}
		if ss.failed[info.Table] || ss.skipped[info.Table] {
			return nil
		}
		if info.Index == 0 {
			table, ok := ss.Scope.Table(info.Table)
			if ok {
				skip, err := ss.beforeTable(hooks.DirectionApply)(ctx, table)
				if err != nil {
					return err
				}
				if skip {
					ss.skipped[info.Table] = true
					return nil
				}
			}
		}

		stats := &applyStats{}
		part, err := s.opts.manager.Serializer().Deserialize(req.Payload)
		if err != nil {
			stats.TableFailures = append(stats.TableFailures, types.NewTableFailure(info.Table, info.Index, err))
			ss.failed[info.Table] = true
		} else {
			a := &applier{
				session:  ss.Session,
				provider: s.provider,
				resolver: ss.resolver,
				since:    ss.since(),
				sender:   ss.clientID,
			}
			ok, err := a.apply(ctx, ss.Scope, part, stats)
			if err != nil {
				return err
			}
			if !ok {
				ss.failed[info.Table] = true
			}
		}

		ss.upload.add(stats)
		resp.Applied = stats.Applied
		resp.Conflicts = stats.Conflicts
		resp.Failures = stats.Failures
		resp.TableFailures = stats.TableFailures
		ss.recordApply(s, stats, info.RowCount)

		if stats.Applied > 0 && s.opts.notifier != nil {
			seq, err := s.provider.CurrentSequence(ctx)
			if err != nil {
				return err
			}
			s.opts.notifier.Notify(ss.Scope.Name, seq, ss.clientID)
		}
		return ss.progress(ctx, info.Table, info.RowCount, 1)
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (ss *serverSession) recordApply(s *Server, stats *applyStats, received int) {
	side := string(types.SideServer)
	s.opts.metrics.AddParts(side, "received", 1)
	s.opts.metrics.AddRows(side, "received", received)
	stats.record(s.opts.metrics, types.SideServer)
}

// getChangeBatch returns the part at req.PartIndex. The first call takes the
// download snapshot and spools every part.
func (ss *serverSession) getChangeBatch(ctx context.Context, s *Server, req *transport.Request) (*transport.Response, error) {
	if ss.info == nil {
		return nil, fmt.Errorf("%w: download before EnsureDatabase", ErrStepOrder)
	}
	if ss.download == nil {
		if req.PartIndex != 0 {
			return nil, fmt.Errorf("%w: part %d requested first", ErrStepOrder, req.PartIndex)
		}
		err := ss.run(ctx, types.StageSelectChanges, func(ctx context.Context) error {
			return ss.selectChanges(ctx, s)
		})
		if err != nil {
			return nil, err
		}
	}

	resp := &transport.Response{ServerSequence: ss.snapshot}
	err := ss.run(ctx, types.StageSendChanges, func(ctx context.Context) error {
		if req.PartIndex < 0 || req.PartIndex > len(ss.download.Parts) {
			return fmt.Errorf("%w: part %d of %d", ErrStepOrder, req.PartIndex, len(ss.download.Parts))
		}
		if req.PartIndex == len(ss.download.Parts) {
			return nil
		}
		info := ss.download.Parts[req.PartIndex]
		payload, err := ss.download.Payload(info)
		if err != nil {
			return err
		}
		resp.Part = &info
		resp.Payload = payload
		resp.More = req.PartIndex+1 < len(ss.download.Parts)
		s.opts.metrics.AddParts(string(types.SideServer), "sent", 1)
		s.opts.metrics.AddRows(string(types.SideServer), "sent", info.RowCount)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (ss *serverSession) selectChanges(ctx context.Context, s *Server) error {
	snapshot, err := s.provider.CurrentSequence(ctx)
	if err != nil {
		return err
	}
	full := ss.reinitialize || ss.clientNew || ss.info.IsNewScope
	cs, err := s.enumerator.Enumerate(ctx, changes.Request{
		Scope:       ss.Scope,
		Since:       ss.since(),
		UpTo:        snapshot,
		NodeID:      ss.clientID,
		Parameters:  ss.parameters,
		IsNewScope:  full,
		BeforeTable: ss.beforeTable(hooks.DirectionSelect),
	})
	if err != nil {
		return err
	}
	b, err := s.opts.manager.CreateBatches(ctx, ss.ID+"-down", cs, ss.maxBatchBytes)
	if err != nil {
		_ = b.Cleanup()
		return err
	}
	ss.download = b
	ss.snapshot = snapshot
	ss.logger.Infof("selected %d rows in %d parts up to sequence %d (full %v)", b.RowCount(), len(b.Parts), snapshot, full)
	return nil
}

// commitWatermark records that the client received everything up to the
// download snapshot.
func (ss *serverSession) commitWatermark(ctx context.Context, s *Server) (*transport.Response, error) {
	if ss.download == nil {
		return nil, fmt.Errorf("%w: commit before download", ErrStepOrder)
	}
	err := ss.run(ctx, types.StageCommitWatermark, func(ctx context.Context) error {
		info := ss.info.DeepCopy()
		now := time.Now().UTC()
		info.LastSyncWatermark = types.Int64(ss.snapshot)
		info.LastSyncTimestamp = &now
		info.IsNewScope = false
		if err := s.registry.SaveScopeInfo(ctx, info); err != nil {
			return err
		}
		ss.info = info
		ss.committed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	ss.logger.Infof("committed watermark %d", ss.snapshot)
	return &transport.Response{ServerSequence: ss.snapshot}, nil
}

func (ss *serverSession) end(ctx context.Context, s *Server) (*transport.Response, error) {
	s.mu.Lock()
	delete(s.sessions, ss.ID)
	s.mu.Unlock()

	err := ss.run(ctx, types.StageEnd, func(ctx context.Context) error {
		return nil
	})

	result := "committed"
	switch {
	case !ss.committed:
		result = "aborted"
	case len(ss.upload.Failures) > 0 || len(ss.upload.TableFailures) > 0:
		result = "partial"
	}
	if ss.download != nil {
		if cleanupErr := ss.download.Cleanup(); cleanupErr != nil {
			ss.logger.Warnf("cleanup download batch: %v", cleanupErr)
		}
		ss.download = nil
	}
	s.opts.metrics.SessionFinished(string(types.SideServer), result, time.Since(ss.StartTime))
	ss.logger.Infof("session ended (%s): applied %d uploaded rows, %d conflicts", result, ss.upload.Applied, len(ss.upload.Conflicts))
	if err != nil {
		return nil, err
	}
	return &transport.Response{}, nil
}
