// Package conflict detects rows edited independently on both sides of a
// session and decides which version survives.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/breez/table-sync/types"
)

var (
	// ErrMergeFailed is returned when a merge function fails or panics. The
	// row is reported as failed and the rest of the part is applied.
	ErrMergeFailed = errors.New("merge failed")

	// ErrNoMergeFunc is returned by NewResolver for MergeRow without a merge
	// function.
	ErrNoMergeFunc = errors.New("merge policy without merge function")

	// ErrUnknownPolicy is returned when parsing an unknown policy name.
	ErrUnknownPolicy = errors.New("unknown conflict policy")
)

// Type classifies a conflict by the state of both versions.
type Type string

const (
	UpdateUpdate Type = "update_update"
	// UpdateDelete is a local upsert against a remote delete.
	UpdateDelete Type = "update_delete"
	// DeleteUpdate is a local delete against a remote upsert.
	DeleteUpdate Type = "delete_update"
)

// Conflict holds both versions of a row edited on both sides.
type Conflict struct {
	Table  *types.Table
	Key    []any
	Type   Type
	Local  *types.TrackedRow
	Remote types.Change
}

// Detect reports a conflict when the local row changed after since and the
// change did not come from sender. Two deletes never conflict.
func Detect(table *types.Table, local *types.TrackedRow, incoming types.Change, since int64, sender string) (*Conflict, bool) {
	if local == nil || local.Sequence <= since {
		return nil, false
	}
	if sender != "" && local.Origin == sender {
		return nil, false
	}
	localDeleted := local.IsDeleted()
	remoteDeleted := incoming.IsDelete()
	if localDeleted && remoteDeleted {
		return nil, false
	}

	c := &Conflict{Table: table, Key: incoming.Key, Local: local, Remote: incoming, Type: UpdateUpdate}
	switch {
	case remoteDeleted:
		c.Type = UpdateDelete
	case localDeleted:
		c.Type = DeleteUpdate
	}
	return c, true
}

// Policy selects the surviving version of a conflicting row.
type Policy int

const (
	RemoteWins Policy = iota
	LocalWins
	MergeRow
)

func (p Policy) String() string {
	switch p {
	case RemoteWins:
		return "remote_wins"
	case LocalWins:
		return "local_wins"
	case MergeRow:
		return "merge"
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

// SessionPolicy is the conflict policy a client asks a session to use. It
// names a side rather than a version.
type SessionPolicy int

const (
	ServerWins SessionPolicy = iota
	ClientWins
)

func (p SessionPolicy) String() string {
	if p == ClientWins {
		return "client_wins"
	}
	return "server_wins"
}

// ParseSessionPolicy parses the names returned by String.
func ParseSessionPolicy(name string) (SessionPolicy, error) {
	switch strings.ToLower(name) {
	case "", "server_wins", "serverwins":
		return ServerWins, nil
	case "client_wins", "clientwins":
		return ClientWins, nil
	}
	return ServerWins, fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
}

// For returns the policy the given side applies rows with.
func (p SessionPolicy) For(side types.Side) Policy {
	serverSide := side == types.SideServer
	if (p == ServerWins) == serverSide {
		return LocalWins
	}
	return RemoteWins
}

// Resolution is the outcome of a conflict.
type Resolution string

const (
	ResolutionLocalWins  Resolution = "local_wins"
	ResolutionRemoteWins Resolution = "remote_wins"
	ResolutionMerged     Resolution = "merged"
	// ResolutionDeferred leaves the row untouched on request of a listener.
	ResolutionDeferred Resolution = "deferred"
)

// Resolved is the decision for one conflict.
type Resolved struct {
	Resolution Resolution
	// Values is the merged row; nil with Resolution Merged deletes the row.
	Values []any
}

// MergeFunc computes a merged row from both versions. A nil row deletes it.
type MergeFunc func(ctx context.Context, c *Conflict) ([]any, error)

// Resolver applies a policy to conflicts.
type Resolver struct {
	policy Policy
	merge  MergeFunc
}

func NewResolver(policy Policy, merge MergeFunc) (*Resolver, error) {
	if policy == MergeRow && merge == nil {
		return nil, ErrNoMergeFunc
	}
	return &Resolver{policy: policy, merge: merge}, nil
}

// Policy returns the resolver's policy.
func (r *Resolver) Policy() Policy {
	return r.policy
}

// Resolve decides the conflict. It only looks at the two versions and the
// policy, so the same inputs always give the same decision.
func (r *Resolver) Resolve(ctx context.Context, c *Conflict) (Resolved, error) {
	switch r.policy {
	case LocalWins:
		return Resolved{Resolution: ResolutionLocalWins}, nil
	case MergeRow:
		values, err := r.callMerge(ctx, c)
		if err != nil {
			return Resolved{}, err
		}
		if values != nil && c.Table != nil {
			if values, err = types.NormalizeRow(c.Table.Columns, values); err != nil {
				return Resolved{}, fmt.Errorf("%w: %v", ErrMergeFailed, err)
			}
		}
		return Resolved{Resolution: ResolutionMerged, Values: values}, nil
	}
	return Resolved{Resolution: ResolutionRemoteWins}, nil
}

func (r *Resolver) callMerge(ctx context.Context, c *Conflict) (values []any, err error) {
	defer func() {
		if p := recover(); p != nil {
			values, err = nil, fmt.Errorf("%w: panic: %v", ErrMergeFailed, p)
		}
	}()
	values, err = r.merge(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMergeFailed, err)
	}
	return values, nil
}

// Record reports a resolved conflict in a session result.
type Record struct {
	Table      string     `json:"table" bson:"table"`
	Key        []any      `json:"key" bson:"key"`
	Type       Type       `json:"type" bson:"type"`
	Local      []any      `json:"local,omitempty" bson:"local,omitempty"`
	Remote     []any      `json:"remote,omitempty" bson:"remote,omitempty"`
	Resolution Resolution `json:"resolution" bson:"resolution"`
}

// NewRecord returns the record of a conflict and its resolution.
func NewRecord(c *Conflict, resolution Resolution) Record {
	rec := Record{
		Table:      c.Remote.Table,
		Key:        c.Key,
		Type:       c.Type,
		Remote:     c.Remote.Values,
		Resolution: resolution,
	}
	if c.Table != nil {
		rec.Table = c.Table.Name
	}
	if c.Local != nil {
		rec.Local = c.Local.Values
	}
	return rec
}

// Mirror returns the record as seen from the other side of the session.
func (r Record) Mirror() Record {
	m := r
	m.Local, m.Remote = r.Remote, r.Local
	switch r.Resolution {
	case ResolutionLocalWins:
		m.Resolution = ResolutionRemoteWins
	case ResolutionRemoteWins:
		m.Resolution = ResolutionLocalWins
	}
	switch r.Type {
	case UpdateDelete:
		m.Type = DeleteUpdate
	case DeleteUpdate:
		m.Type = UpdateDelete
	}
	return m
}
