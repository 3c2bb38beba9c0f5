package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/breez/table-sync/batch"
	"github.com/breez/table-sync/conflict"
	"github.com/breez/table-sync/hooks"
	"github.com/breez/table-sync/metrics"
	"github.com/breez/table-sync/store"
	"github.com/breez/table-sync/types"
)

type applyStats struct {
	Applied       int
	Conflicts     []conflict.Record
	Failures      []types.RowFailure
	TableFailures []types.TableFailure
}

func (s *applyStats) record(m *metrics.Metrics, side types.Side) {
	m.AddRows(string(side), "applied", s.Applied)
	for _, c := range s.Conflicts {
		m.AddConflict(string(side), string(c.Resolution))
	}
	for _, f := range s.Failures {
		m.AddFailures(string(side), string(f.Kind), 1)
	}
	for _, f := range s.TableFailures {
		m.AddFailures(string(side), string(f.Kind), 1)
	}
}

func (s *applyStats) add(o *applyStats) {
	s.Applied += o.Applied
	s.Conflicts = append(s.Conflicts, o.Conflicts...)
	s.Failures = append(s.Failures, o.Failures...)
	s.TableFailures = append(s.TableFailures, o.TableFailures...)
}

// applier writes the parts received from sender.
type applier struct {
	session  *Session
	provider store.Provider
	resolver *conflict.Resolver
	// since is the watermark local changes are compared with to detect
	// conflicts.
	since  int64
	sender string
	// force applies remote rows without conflict detection.
	force bool
	// keep reports local rows no remote change may overwrite.
	keep func(table string, key []any, local *types.TrackedRow) bool
}

// fatal reports whether err ends the session instead of the table.
func fatal(ctx context.Context, err error) bool {
	var mismatch *types.SchemaMismatchError
	return ctx.Err() != nil || hooks.IsCancel(err) || errors.As(err, &mismatch)
}

// apply applies part in one transaction. A part that cannot be committed is
// reported as a table failure and false is returned; the remaining parts of
// the table must then be skipped. Errors are fatal for the session.
func (a *applier) apply(ctx context.Context, scope *types.Scope, part *batch.Part, stats *applyStats) (bool, error) {
	table, ok := scope.Table(part.Table)
	if !ok {
		stats.TableFailures = append(stats.TableFailures, types.NewTableFailure(part.Table, part.Index,
			&types.SerializationError{Table: part.Table, Index: part.Index, Err: fmt.Errorf("table not in scope %s", scope.Name)}))
		return false, nil
	}
	if part.SchemaHash != scope.Hash() {
		return false, &types.SchemaMismatchError{
			Scope:  scope.Name,
			Reason: fmt.Sprintf("part %d of %s has another schema", part.Index, part.Table),
			Local:  scope.Hash(),
			Remote: part.SchemaHash,
		}
	}

	partStats, err := a.applyPart(ctx, table, part)
	if err != nil {
		if fatal(ctx, err) {
			return false, err
		}
		a.session.logger.Errorf("apply %s part %d: %v", part.Table, part.Index, err)
		stats.TableFailures = append(stats.TableFailures, types.NewTableFailure(part.Table, part.Index, err))
		return false, nil
	}
	stats.add(partStats)

	err = a.session.hooks.Trigger(ctx, hooks.NewPostApplyPartEvent(hooks.PartPayload{
		SessionID: a.session.ID,
		Side:      a.session.Side,
		Table:     part.Table,
		Index:     part.Index,
		IsLast:    part.IsLast,
		Applied:   partStats.Applied,
		Failed:    len(partStats.Failures),
		Conflicts: len(partStats.Conflicts),
	}))
	if err != nil {
		return false, err
	}
	return true, nil
}

func (a *applier) applyPart(ctx context.Context, table *types.Table, part *batch.Part) (*applyStats, error) {
	tx, err := a.provider.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	stats := &applyStats{}
	for _, change := range part.Changes {
		if err := ctx.Err(); err != nil {
			_ = tx.Rollback(ctx)
			return nil, err
		}
		if err := a.applyRow(ctx, tx, table, change, stats); err != nil {
			_ = tx.Rollback(ctx)
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		_ = tx.Rollback(ctx)
		return nil, fmt.Errorf("commit: %w", err)
	}
	return stats, nil
}

// applyRow applies one change. Row level problems are recorded in stats;
// the returned error cancels the part.
func (a *applier) applyRow(ctx context.Context, tx store.Tx, table *types.Table, change types.Change, stats *applyStats) error {
	retried := false
	for {
		local, err := tx.LocalRow(ctx, table, change.Key)
		if err != nil {
			stats.Failures = append(stats.Failures, types.NewRowFailure(table.Name, change.Key, err))
			return nil
		}
		if local != nil && local.Origin == a.sender && local.OriginSequence == change.Sequence {
			// already applied by an earlier attempt of this session
			stats.Applied++
			return nil
		}
		if a.keep != nil && a.keep(table.Name, change.Key, local) {
			a.session.logger.Debugf("keeping pending local version of %s %s", table.Name, types.EncodeKey(change.Key))
			return nil
		}

		write := change
		origin := a.sender
		var record *conflict.Record
		if !a.force {
			if c, ok := conflict.Detect(table, local, change, a.since, a.sender); ok {
				resolved, err := a.resolve(ctx, c)
				if err != nil {
					if hooks.IsCancel(err) {
						return err
					}
					stats.Failures = append(stats.Failures, types.RowFailure{
						Table: table.Name, Key: change.Key, Kind: types.KindConflict, Message: err.Error(),
					})
					return nil
				}
				rec := conflict.NewRecord(c, resolved.Resolution)
				switch resolved.Resolution {
				case conflict.ResolutionLocalWins, conflict.ResolutionDeferred:
					stats.Conflicts = append(stats.Conflicts, rec)
					return nil
				case conflict.ResolutionMerged:
					write.Values = resolved.Values
					write.State = types.RowUpserted
					if resolved.Values == nil {
						write.State = types.RowDeleted
					}
					// a merged row is a new local version
					origin = ""
				}
				record = &rec
			}
		}

		var expected int64
		if local != nil {
			expected = local.Sequence
		}
		err = tx.ApplyRow(ctx, table, write, origin, &expected)
		if err == nil {
			stats.Applied++
			if record != nil {
				stats.Conflicts = append(stats.Conflicts, *record)
			}
			return nil
		}
		if errors.Is(err, store.ErrConcurrencyViolation) || a.provider.IsConcurrencyViolation(err) {
			if !retried {
				retried = true
				continue
			}
			err = &types.ConcurrencyViolationError{Table: table.Name, Key: change.Key, Err: err}
		}
		stats.Failures = append(stats.Failures, types.NewRowFailure(table.Name, change.Key, err))
		return nil
	}
}

// resolve decides a conflict and lets the Conflict listeners override the
// decision. ErrSkip from a listener defers the row.
func (a *applier) resolve(ctx context.Context, c *conflict.Conflict) (conflict.Resolved, error) {
	resolved, err := a.resolver.Resolve(ctx, c)
	if err != nil {
		return resolved, err
	}
	err = a.session.hooks.Trigger(ctx, hooks.NewConflictEvent(hooks.ConflictPayload{
		SessionID: a.session.ID,
		Side:      a.session.Side,
		Conflict:  c,
		Resolved:  &resolved,
	}))
	switch {
	case errors.Is(err, hooks.ErrSkip):
		return conflict.Resolved{Resolution: conflict.ResolutionDeferred}, nil
	case err != nil:
		return resolved, err
	}
	return resolved, nil
}
