package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

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

const endSessionTimeout = 10 * time.Second

// ErrIncompleteDownload is returned when the server stops sending parts
// before the last part of a table.
var ErrIncompleteDownload = errors.New("incomplete download")

// Agent runs sessions of the local node against a server.
type Agent struct {
	nodeID     string
	provider   store.Provider
	registry   *scope.Registry
	enumerator *changes.Enumerator
	transport  transport.Transport
	opts       *options
	logger     logging.Logger
}

// NewAgent returns an agent synchronizing provider through t. nodeID is the
// id the server knows this node by.
func NewAgent(nodeID string, provider store.Provider, t transport.Transport, opts ...Option) *Agent {
	return &Agent{
		nodeID:     nodeID,
		provider:   provider,
		registry:   scope.NewRegistry(provider),
		enumerator: changes.NewEnumerator(provider),
		transport:  t,
		opts:       newOptions(opts),
		logger:     logging.New("agent", logging.NewField("node", nodeID)),
	}
}

// agentRun is the state of one Synchronize call.
type agentRun struct {
	*Session
	agent  *Agent
	opts   *Options
	result *Result

	info     *types.ScopeInfo
	serverID string
	// selected is the local sequence the upload was selected up to.
	selected int64
	uploaded bool
	// serverSequence is the server's download snapshot.
	serverSequence int64
	received       *batch.Receiver
	download       *batch.Batch
	local          applyStats
	// rejectedRows and rejectedTables hold what the server failed to apply
	// from the upload. Their local versions stay pending.
	rejectedRows   map[string]bool
	rejectedTables map[string]bool
}

// Synchronize runs one session: it uploads the local changes, downloads the
// server's and commits both watermarks. The returned error is the reason the
// session aborted; the result is returned in every case.
func (a *Agent) Synchronize(ctx context.Context, opts Options) (*Result, error) {
	if opts.ScopeName == "" && opts.Scope != nil {
		opts.ScopeName = opts.Scope.Name
	}
	sess := newSession(uuid.NewString(), types.SideClient, a.opts.hooks, a.opts.metrics)
	sess.logger = sess.logger.With("scope", opts.ScopeName)
	r := &agentRun{
		Session:  sess,
		agent:    a,
		opts:     &opts,
		result:   &Result{SessionID: sess.ID, ScopeName: opts.ScopeName, StartTime: sess.StartTime},
		received: batch.NewReceiver(),

		rejectedRows:   make(map[string]bool),
		rejectedTables: make(map[string]bool),
	}

	a.opts.metrics.SessionStarted(string(types.SideClient))
	err := r.synchronize(ctx)
	if r.download != nil {
		if cleanupErr := r.download.Cleanup(); cleanupErr != nil {
			r.logger.Warnf("cleanup download batch: %v", cleanupErr)
		}
	}
	r.result.CompleteTime = time.Now()
	r.result.Stage = r.Stage
	if err != nil {
		r.abort(ctx, err)
	}
	a.opts.metrics.SessionFinished(string(types.SideClient), r.result.outcome(), r.result.Duration())
	r.logger.Infof("session %s in %v: uploaded %d (applied %d), downloaded %d (applied %d), %d conflicts, %d failures, committed %v",
		r.result.outcome(), r.result.Duration(), r.result.Uploaded, r.result.AppliedOnServer,
		r.result.Downloaded, r.result.AppliedLocally, len(r.result.Conflicts), len(r.result.Failures)+len(r.result.TableFailures), r.result.Committed)
	return r.result, err
}

// abort moves the session to Aborted and tells the server, which drops its
// side of the session without committing.
func (r *agentRun) abort(ctx context.Context, err error) {
	r.Stage = types.StageAborted
	r.result.Stage = types.StageAborted
	r.result.Err = err
	r.logger.Errorf("session aborted: %v", err)

	payload := hooks.StagePayload{SessionID: r.ID, Scope: r.opts.ScopeName, Side: r.Side, Stage: types.StageAborted, Err: err}
	endCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), endSessionTimeout)
	defer cancel()
	if hookErr := r.hooks.Trigger(endCtx, hooks.NewPostStageEvent(payload)); hookErr != nil {
		r.logger.Warnf("aborted stage listener: %v", hookErr)
	}
	if r.serverID == "" {
		return
	}
	if _, endErr := r.exchange(endCtx, &transport.Request{Step: transport.StepEndSession}); endErr != nil {
		r.logger.Warnf("end aborted session: %v", endErr)
	}
}

func (r *agentRun) exchange(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	req.SessionID = r.ID
	req.ScopeName = r.opts.ScopeName
	req.ClientID = r.agent.nodeID
	req.RequestTime = time.Now().Unix()
	return transport.Exchange(ctx, r.agent.transport, req)
}

func (r *agentRun) synchronize(ctx context.Context) error {
	steps := []struct {
		stage types.Stage
		fn    func(context.Context) error
	}{
		{types.StageBegin, r.begin},
		{types.StageEnsureScope, r.ensureScope},
		{types.StageEnsureSchema, r.ensureSchema},
		{types.StageSelectChanges, r.selectChanges},
		{types.StageSendChanges, r.sendChanges},
		{types.StageReceiveChanges, r.receiveChanges},
		{types.StageApplyChanges, r.applyChanges},
		{types.StageCommitWatermark, r.commitWatermark},
		{types.StageEnd, r.end},
	}
	for _, step := range steps {
		if err := r.run(ctx, step.stage, step.fn); err != nil {
			return err
		}
	}
	return nil
}

func (r *agentRun) begin(ctx context.Context) error {
	sc, err := r.agent.registry.GetScope(ctx, r.opts.ScopeName)
	switch {
	case errors.Is(err, store.ErrScopeNotFound):
	case err != nil:
		return err
	default:
		r.Scope = sc
		info, err := r.agent.registry.GetScopeInfo(ctx, sc.Name, r.agent.nodeID)
		if err != nil && !errors.Is(err, store.ErrScopeInfoNotFound) {
			return err
		}
		r.info = info
	}

	resp, err := r.exchange(ctx, &transport.Request{
		Step:          transport.StepBeginSession,
		Policy:        r.opts.Policy,
		Parameters:    r.opts.Parameters,
		MaxBatchBytes: r.opts.maxBatchBytes(),
		Reinitialize:  r.opts.SyncType != Normal,
		IsNewScope:    r.info == nil || r.info.IsNewScope,
	})
	if err != nil {
		return err
	}
	r.serverID = resp.ServerID
	r.logger.Debugf("session begun with server %s", r.serverID)
	return nil
}

// ensureScope provisions the scope locally when needed and checks that both
// sides agree on its schema.
func (r *agentRun) ensureScope(ctx context.Context) error {
	if r.Scope == nil {
		sc := r.opts.Scope
		if sc == nil {
			resp, err := r.exchange(ctx, &transport.Request{Step: transport.StepEnsureSchema})
			if err != nil {
				return err
			}
			if resp.Scope == nil {
				return fmt.Errorf("%w: server sent no scope %s", types.ErrInvalidScope, r.opts.ScopeName)
			}
			sc = resp.Scope
		}
		r.Scope = sc
	}
	if r.info == nil {
		info, err := r.agent.registry.Provision(ctx, r.Scope, r.agent.nodeID, scope.ProvisionOptions{})
		if err != nil {
			return err
		}
		r.info = info
	}

	_, err := r.exchange(ctx, &transport.Request{
		Step:          transport.StepEnsureScopes,
		SchemaHash:    r.Scope.Hash(),
		SchemaVersion: r.Scope.Version,
	})
	return err
}

func (r *agentRun) ensureSchema(ctx context.Context) error {
	_, err := r.exchange(ctx, &transport.Request{Step: transport.StepEnsureDatabase})
	return err
}

func (r *agentRun) selectChanges(ctx context.Context) error {
	seq, err := r.agent.provider.CurrentSequence(ctx)
	if err != nil {
		return err
	}
	r.selected = seq
	r.uploaded = r.opts.SyncType != Reinitialize
	return nil
}

// sendChanges enumerates the local changes up to the selected sequence and
// streams them to the server while they are produced.
func (r *agentRun) sendChanges(ctx context.Context) error {
	if !r.uploaded {
		r.logger.Debugf("reinitializing, upload skipped")
		return nil
	}
	cs, err := r.agent.enumerator.Enumerate(ctx, changes.Request{
		Scope:       r.Scope,
		Since:       r.info.Watermark(),
		UpTo:        r.selected,
		NodeID:      r.serverID,
		Parameters:  r.opts.Parameters,
		IsNewScope:  r.info.IsNewScope && r.opts.SyncType == Normal,
		BeforeTable: r.beforeTable(hooks.DirectionSelect),
	})
	if err != nil {
		return err
	}

	m := r.agent.opts.metrics
	side := string(types.SideClient)
	b, err := r.agent.opts.manager.Stream(ctx, r.ID+"-up", cs, r.opts.maxBatchBytes(),
		func(ctx context.Context, info batch.PartInfo, payload []byte) error {
			resp, err := r.exchange(ctx, &transport.Request{Step: transport.StepApplyChanges, Part: &info, Payload: payload})
			if err != nil {
				return err
			}
			r.result.Uploaded += info.RowCount
			r.result.BatchesSent++
			r.result.AppliedOnServer += resp.Applied
			for _, rec := range resp.Conflicts {
				r.result.Conflicts = append(r.result.Conflicts, r.normalizeRecord(rec.Mirror()))
			}
			for _, f := range resp.Failures {
				f.Key = r.normalizeKey(f.Table, f.Key)
				r.result.Failures = append(r.result.Failures, f)
				r.rejectedRows[rowID(f.Table, f.Key)] = true
			}
			for _, f := range resp.TableFailures {
				r.result.TableFailures = append(r.result.TableFailures, f)
				r.rejectedTables[f.Table] = true
			}
			m.AddParts(side, "sent", 1)
			m.AddRows(side, "sent", info.RowCount)
			return r.progress(ctx, info.Table, info.RowCount, 1)
		})
	if b != nil {
		if cleanupErr := b.Cleanup(); cleanupErr != nil {
			r.logger.Warnf("cleanup upload batch: %v", cleanupErr)
		}
	}
	return err
}

// receiveChanges downloads every part of the server and spools it.
func (r *agentRun) receiveChanges(ctx context.Context) error {
	r.download = r.agent.opts.manager.NewBatch(r.ID + "-down")
	m := r.agent.opts.metrics
	side := string(types.SideClient)
	for index := 0; ; index++ {
		resp, err := r.exchange(ctx, &transport.Request{Step: transport.StepGetChangeBatch, PartIndex: index})
		if err != nil {
			return err
		}
		r.serverSequence = resp.ServerSequence
		if resp.Part == nil {
			break
		}
		if err := r.received.Accept(*resp.Part); err != nil {
			return err
		}
		if _, err := r.download.Add(*resp.Part, resp.Payload); err != nil {
			return err
		}
		r.result.Downloaded += resp.Part.RowCount
		r.result.BatchesReceived++
		m.AddParts(side, "received", 1)
		m.AddRows(side, "received", resp.Part.RowCount)
		if err := r.progress(ctx, resp.Part.Table, resp.Part.RowCount, 1); err != nil {
			return err
		}
		if !resp.More {
			break
		}
	}
	if pending := r.received.Pending(); len(pending) > 0 {
		return fmt.Errorf("%w: no last part for %v", ErrIncompleteDownload, pending)
	}
	return nil
}

// applyChanges applies the downloaded parts table by table in dependency
// order, one transaction per part.
func (r *agentRun) applyChanges(ctx context.Context) error {
	resolver, err := r.agent.opts.resolver(r.opts.Policy, types.SideClient)
	if err != nil {
		return err
	}
	a := &applier{
		session:  r.Session,
		provider: r.agent.provider,
		resolver: resolver,
		since:    r.selected,
		sender:   r.serverID,
		force:    r.opts.SyncType != Normal,
		keep:     r.rejected,
	}
	tables, err := r.Scope.OrderedTables()
	if err != nil {
		return err
	}
	for i := range tables {
		table := &tables[i]
		parts := r.download.TableParts(table.Name)
		if len(parts) == 0 {
			continue
		}
		skip, err := r.beforeTable(hooks.DirectionApply)(ctx, table)
		if err != nil {
			return err
		}
		if skip {
			continue
		}
		for _, info := range parts {
			part, err := r.download.Open(info)
			if err != nil {
				r.local.TableFailures = append(r.local.TableFailures, types.NewTableFailure(info.Table, info.Index, err))
				break
			}
			ok, err := a.apply(ctx, r.Scope, part, &r.local)
			if err != nil {
				return err
			}
			if !ok {
				break
			}
		}
	}
	if unknown := r.unknownTables(tables); len(unknown) > 0 {
		for _, info := range unknown {
			r.local.TableFailures = append(r.local.TableFailures, types.NewTableFailure(info.Table, info.Index,
				&types.SerializationError{Table: info.Table, Index: info.Index, Err: fmt.Errorf("table not in scope %s", r.Scope.Name)}))
		}
	}

	r.result.AppliedLocally = r.local.Applied
	r.result.addApply(&r.local)
	r.local.record(r.agent.opts.metrics, types.SideClient)
	return nil
}

// rejected reports whether local is an edit of this session's upload that
// the server did not apply. Overwriting it with the server's version would
// lose it, since the uncommitted watermark only brings back rows with a
// local origin.
func (r *agentRun) rejected(table string, key []any, local *types.TrackedRow) bool {
	if local == nil || local.Origin == r.serverID || local.Sequence <= r.info.Watermark() {
		return false
	}
	return r.rejectedTables[table] || r.rejectedRows[rowID(table, key)]
}

func rowID(table string, key []any) string {
	return table + "/" + types.EncodeKey(key)
}

// unknownTables returns the first received part of every table the local
// scope does not have.
func (r *agentRun) unknownTables(tables []types.Table) []batch.PartInfo {
	known := make(map[string]bool, len(tables))
	for _, t := range tables {
		known[t.Name] = true
	}
	var unknown []batch.PartInfo
	for _, p := range r.download.Parts {
		if !known[p.Table] {
			known[p.Table] = true
			unknown = append(unknown, p)
		}
	}
	return unknown
}

// commitWatermark stores the watermarks once everything was applied. With
// failures it commits only when CommitOnPartialFailure is set.
func (r *agentRun) commitWatermark(ctx context.Context) error {
	if r.result.Partial() && !r.opts.CommitOnPartialFailure {
		r.logger.Warnf("not committing: %d rows and %d tables failed", len(r.result.Failures), len(r.result.TableFailures))
		return nil
	}
	resp, err := r.exchange(ctx, &transport.Request{Step: transport.StepCommitWatermark})
	if err != nil {
		return err
	}

	info := r.info.DeepCopy()
	now := time.Now().UTC()
	if r.uploaded {
		info.LastSyncWatermark = types.Int64(r.selected)
	}
	info.LastServerWatermark = types.Int64(resp.ServerSequence)
	info.LastSyncTimestamp = &now
	info.IsNewScope = false
	info.SchemaHash = r.Scope.Hash()
	info.SchemaVersion = r.Scope.Version
	if err := r.agent.registry.SaveScopeInfo(ctx, info); err != nil {
		return err
	}
	r.info = info
	r.result.Committed = true
	return nil
}

func (r *agentRun) end(ctx context.Context) error {
	_, err := r.exchange(ctx, &transport.Request{Step: transport.StepEndSession})
	return err
}

// normalizeRecord converts the values of a record decoded from the wire to
// the column types of its table.
func (r *agentRun) normalizeRecord(rec conflict.Record) conflict.Record {
	table, ok := r.Scope.Table(rec.Table)
	if !ok {
		return rec
	}
	rec.Key = r.normalizeKey(rec.Table, rec.Key)
	if rec.Local != nil {
		if v, err := types.NormalizeRow(table.Columns, rec.Local); err == nil {
			rec.Local = v
		}
	}
	if rec.Remote != nil {
		if v, err := types.NormalizeRow(table.Columns, rec.Remote); err == nil {
			rec.Remote = v
		}
	}
	return rec
}

func (r *agentRun) normalizeKey(tableName string, key []any) []any {
	table, ok := r.Scope.Table(tableName)
	if !ok {
		return key
	}
	if k, err := types.NormalizeRow(table.KeyColumns(), key); err == nil {
		return k
	}
	return key
}
