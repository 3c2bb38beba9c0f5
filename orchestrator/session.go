// Package orchestrator drives synchronization sessions: the Agent on the
// client side and the Server it talks to through a transport.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/breez/table-sync/batch"
	"github.com/breez/table-sync/conflict"
	"github.com/breez/table-sync/hooks"
	"github.com/breez/table-sync/logging"
	"github.com/breez/table-sync/metrics"
	"github.com/breez/table-sync/tracing"
	"github.com/breez/table-sync/types"
)

// DefaultMaxBatchBytes bounds the estimated size of a batch part when a
// session does not set one.
const DefaultMaxBatchBytes = 1 << 20

// SyncType selects how a session treats the local state.
type SyncType int

const (
	// Normal exchanges the changes made since the last session.
	Normal SyncType = iota
	// Reinitialize drops nothing but downloads every row again, overwriting
	// local versions. Local changes are not uploaded.
	Reinitialize
	// ReinitializeWithUpload uploads local changes first, then downloads
	// every row again.
	ReinitializeWithUpload
)

func (t SyncType) String() string {
	switch t {
	case Reinitialize:
		return "reinitialize"
	case ReinitializeWithUpload:
		return "reinitialize_with_upload"
	}
	return "normal"
}

// Options configures one call to Agent.Synchronize.
type Options struct {
	ScopeName string
	// Scope is provisioned locally when the scope is unknown on this node.
	// When nil the server's definition is used.
	Scope      *types.Scope
	SyncType   SyncType
	Policy     conflict.SessionPolicy
	Parameters map[string]any
	// MaxBatchBytes bounds parts in both directions. Zero uses
	// DefaultMaxBatchBytes.
	MaxBatchBytes int
	// CommitOnPartialFailure commits the watermarks even when some rows or
	// tables failed to apply. Failed rows are then not selected again.
	CommitOnPartialFailure bool
}

func (o *Options) maxBatchBytes() int {
	if o.MaxBatchBytes == 0 {
		return DefaultMaxBatchBytes
	}
	return o.MaxBatchBytes
}

// Result reports a finished session.
type Result struct {
	SessionID    string
	ScopeName    string
	Stage        types.Stage
	StartTime    time.Time
	CompleteTime time.Time

	// Uploaded rows were sent to the server, which applied AppliedOnServer
	// of them.
	Uploaded        int
	AppliedOnServer int
	// Downloaded rows were received from the server, of which
	// AppliedLocally were applied.
	Downloaded      int
	AppliedLocally  int
	BatchesSent     int
	BatchesReceived int

	// Conflicts lists the conflicts of both sides from the client's point
	// of view.
	Conflicts     []conflict.Record
	Failures      []types.RowFailure
	TableFailures []types.TableFailure

	Committed bool
	// Err is the error the session aborted with.
	Err error
}

// Partial reports whether some rows or tables failed to apply.
func (r *Result) Partial() bool {
	return len(r.Failures) > 0 || len(r.TableFailures) > 0
}

// Duration returns how long the session ran.
func (r *Result) Duration() time.Duration {
	return r.CompleteTime.Sub(r.StartTime)
}

func (r *Result) outcome() string {
	switch {
	case r.Stage == types.StageAborted:
		return "aborted"
	case r.Partial():
		return "partial"
	}
	return "committed"
}

func (r *Result) addApply(s *applyStats) {
	r.Conflicts = append(r.Conflicts, s.Conflicts...)
	r.Failures = append(r.Failures, s.Failures...)
	r.TableFailures = append(r.TableFailures, s.TableFailures...)
}

// Session is the state of one run on one side. It lives until the session
// ends and is never shared with another session.
type Session struct {
	ID        string
	Scope     *types.Scope
	Side      types.Side
	Stage     types.Stage
	StartTime time.Time

	hooks   *hooks.Manager
	metrics *metrics.Metrics
	logger  logging.Logger
}

func newSession(id string, side types.Side, h *hooks.Manager, m *metrics.Metrics) *Session {
	return &Session{
		ID:        id,
		Side:      side,
		Stage:     types.StageBegin,
		StartTime: time.Now(),
		hooks:     h,
		metrics:   m,
		logger:    logging.New(string(side), logging.NewField("session", id)),
	}
}

func (s *Session) scopeName() string {
	if s.Scope == nil {
		return ""
	}
	return s.Scope.Name
}

// run moves the session to stage and runs fn between the PreStage and
// PostStage events.
func (s *Session) run(ctx context.Context, stage types.Stage, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.Stage = stage
	payload := hooks.StagePayload{SessionID: s.ID, Scope: s.scopeName(), Side: s.Side, Stage: stage}
	if err := s.hooks.Trigger(ctx, hooks.NewPreStageEvent(payload)); err != nil {
		if errors.Is(err, hooks.ErrSkip) {
			return hooks.Cancel(fmt.Sprintf("stage %s cannot be skipped", stage))
		}
		return err
	}

	stageCtx, span := tracing.StartStage(ctx, s.Side, s.ID, stage)
	start := time.Now()
	err := fn(stageCtx)
	tracing.End(span, err)
	s.logger.Debugf("stage %s done in %v", stage, time.Since(start))

	payload.Err = err
	if hookErr := s.hooks.Trigger(ctx, hooks.NewPostStageEvent(payload)); hookErr != nil && err == nil {
		err = hookErr
	}
	return err
}

func (s *Session) progress(ctx context.Context, table string, rows, parts int) error {
	return s.hooks.Trigger(ctx, hooks.NewProgressEvent(hooks.ProgressPayload{
		SessionID: s.ID,
		Side:      s.Side,
		Stage:     s.Stage,
		Table:     table,
		Rows:      rows,
		Parts:     parts,
	}))
}

// beforeTable asks the PreTableChanges listeners whether a table is skipped.
func (s *Session) beforeTable(direction hooks.Direction) func(context.Context, *types.Table) (bool, error) {
	return func(ctx context.Context, table *types.Table) (bool, error) {
		err := s.hooks.Trigger(ctx, hooks.NewPreTableChangesEvent(hooks.TablePayload{
			SessionID: s.ID,
			Side:      s.Side,
			Direction: direction,
			Table:     table,
		}))
		if errors.Is(err, hooks.ErrSkip) {
			s.logger.Infof("skipping %s of table %s", direction, table.Name)
			return true, nil
		}
		return false, err
	}
}

type options struct {
	manager  *batch.Manager
	hooks    *hooks.Manager
	metrics  *metrics.Metrics
	merge    conflict.MergeFunc
	notifier Notifier
}

// Option configures an Agent or a Server.
type Option func(*options)

// WithBatchManager sets how parts are serialized and spooled. The default
// uses JSON without compression in memory.
func WithBatchManager(m *batch.Manager) Option {
	return func(o *options) { o.manager = m }
}

func WithHooks(h *hooks.Manager) Option {
	return func(o *options) { o.hooks = h }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithMergeFunc sets the merge function rows conflicting under a merge
// policy are resolved with.
func WithMergeFunc(fn conflict.MergeFunc) Option {
	return func(o *options) { o.merge = fn }
}

// WithNotifier sets who is told about changes a server applied.
func WithNotifier(n Notifier) Option {
	return func(o *options) { o.notifier = n }
}

func newOptions(opts []Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.manager == nil {
		o.manager = batch.NewManager(batch.NewSerializer(nil, nil), batch.NewMemorySpool())
	}
	return o
}

// resolver returns the resolver of a side. A merge function, when set,
// replaces the policy the session asks for.
func (o *options) resolver(policy conflict.SessionPolicy, side types.Side) (*conflict.Resolver, error) {
	if o.merge != nil {
		return conflict.NewResolver(conflict.MergeRow, o.merge)
	}
	return conflict.NewResolver(policy.For(side), nil)
}
