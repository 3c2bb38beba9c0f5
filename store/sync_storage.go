package store

import (
	"context"
	"errors"

	"github.com/breez/table-sync/types"
)

var (
	// ErrConcurrencyViolation is returned by ApplyRow when the tracked
	// sequence of the row is not the expected one.
	ErrConcurrencyViolation = errors.New("concurrency violation")

	// ErrScopeNotFound is returned when a scope is not stored.
	ErrScopeNotFound = errors.New("scope not found")

	// ErrScopeInfoNotFound is returned when a node has no info for a scope.
	ErrScopeInfoNotFound = errors.New("scope info not found")

	// ErrTableNotProvisioned is returned when a table has no tracking metadata.
	ErrTableNotProvisioned = errors.New("table not provisioned")
)

// ChangeQuery selects the tracked rows of one table.
type ChangeQuery struct {
	// Since excludes rows whose sequence is less than or equal to it.
	Since int64
	// UpTo excludes rows whose sequence is greater than it, when positive.
	UpTo int64
	// ExcludeOrigin excludes rows last applied from that node.
	ExcludeOrigin string
	// Full selects every current base row as upserted, ignoring Since, UpTo
	// and ExcludeOrigin.
	Full bool
	// Parameters holds filter parameter values by name.
	Parameters map[string]any
}

// RowCursor iterates over changed rows. It follows the database/sql.Rows
// protocol.
type RowCursor interface {
	Next() bool
	Change() types.Change
	Err() error
	Close() error
}

// ScopeStore persists scopes and per-node scope infos.
type ScopeStore interface {
	GetScope(ctx context.Context, name string) (*types.Scope, error)
	SaveScope(ctx context.Context, scope *types.Scope) error
	DeleteScope(ctx context.Context, name string) error

	GetScopeInfo(ctx context.Context, scopeName, nodeID string) (*types.ScopeInfo, error)
	SaveScopeInfo(ctx context.Context, info *types.ScopeInfo) error
	ListScopeInfos(ctx context.Context, scopeName string) ([]*types.ScopeInfo, error)
	DeleteScopeInfos(ctx context.Context, scopeName string) error
}

// Provider is the capability set one database engine exposes to the sync
// engine.
type Provider interface {
	ScopeStore

	// Name returns the backend name, e.g. "sqlite".
	Name() string

	// CurrentSequence returns the latest change-sequence value.
	CurrentSequence(ctx context.Context) (int64, error)

	// ReadChanges enumerates the changed rows of a table.
	ReadChanges(ctx context.Context, table *types.Table, q ChangeQuery) (RowCursor, error)

	// Begin starts a transaction used to apply one batch part.
	Begin(ctx context.Context) (Tx, error)

	// IsConcurrencyViolation reports whether err is a primary key or
	// concurrency violation raised by the driver.
	IsConcurrencyViolation(err error) bool

	// ProvisionTable creates the tracking metadata of a table. It never
	// modifies existing base rows.
	ProvisionTable(ctx context.Context, table *types.Table) error

	// DeprovisionTable removes the tracking metadata of a table. Removing
	// absent metadata is not an error.
	DeprovisionTable(ctx context.Context, table *types.Table) error

	// CleanupTracking removes tombstones whose sequence is below the given
	// value and returns how many were removed.
	CleanupTracking(ctx context.Context, table *types.Table, below int64) (int64, error)

	Close() error
}

// Tx applies changes inside one backend transaction.
type Tx interface {
	// LocalRow returns the tracking state and current values of a row, or
	// nil when the row was never seen.
	LocalRow(ctx context.Context, table *types.Table, key []any) (*types.TrackedRow, error)

	// ApplyRow upserts or deletes the row and stamps its tracking entry with
	// origin and the change sequence. When expected is not nil and the
	// tracked sequence differs, ErrConcurrencyViolation is returned. A failed
	// row leaves the rest of the transaction usable.
	ApplyRow(ctx context.Context, table *types.Table, change types.Change, origin string, expected *int64) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// SliceCursor is a RowCursor over an in-memory slice.
type SliceCursor struct {
	changes []types.Change
	pos     int
}

// NewSliceCursor returns a cursor over changes.
func NewSliceCursor(changes []types.Change) *SliceCursor {
	return &SliceCursor{changes: changes, pos: -1}
}

func (c *SliceCursor) Next() bool {
	c.pos++
	return c.pos < len(c.changes)
}

func (c *SliceCursor) Change() types.Change { return c.changes[c.pos] }

func (c *SliceCursor) Err() error { return nil }

func (c *SliceCursor) Close() error { return nil }
