// Package changes enumerates the rows of a scope that changed since a
// watermark, table by table in dependency order.
package changes

import (
	"context"
	"errors"
	"fmt"

	"github.com/breez/table-sync/store"
	"github.com/breez/table-sync/types"
)

var (
	// ErrConsumed is returned when a change set is iterated a second time.
	ErrConsumed = errors.New("change set already consumed")

	// ErrInvalidParameter is returned for a missing or undeclared filter
	// parameter.
	ErrInvalidParameter = errors.New("invalid filter parameter")
)

// Request selects the changes to enumerate.
type Request struct {
	Scope *types.Scope
	// Since is the watermark already delivered. Rows with a greater sequence
	// are returned.
	Since int64
	// UpTo bounds the enumeration to a snapshot when positive.
	UpTo int64
	// NodeID is the node the changes are for. Rows last applied from it are
	// skipped.
	NodeID     string
	Parameters map[string]any
	// IsNewScope returns every current row instead of the tracked changes.
	IsNewScope bool

	// BeforeTable is called before a table is read. The table is skipped
	// when it returns true; an error stops the iteration.
	BeforeTable func(ctx context.Context, table *types.Table) (skip bool, err error)
}

// Enumerator reads changes from a provider.
type Enumerator struct {
	provider store.Provider
}

func NewEnumerator(provider store.Provider) *Enumerator {
	return &Enumerator{provider: provider}
}

// Enumerate validates the request and returns a lazy change set. No rows are
// read until the set is iterated.
func (e *Enumerator) Enumerate(ctx context.Context, req Request) (*ChangeSet, error) {
	if req.Scope == nil {
		return nil, fmt.Errorf("%w: nil scope", types.ErrInvalidScope)
	}
	tables, err := req.Scope.OrderedTables()
	if err != nil {
		return nil, err
	}
	if err := ValidateParameters(req.Scope, req.Parameters); err != nil {
		return nil, err
	}
	query := store.ChangeQuery{
		Since:         req.Since,
		UpTo:          req.UpTo,
		ExcludeOrigin: req.NodeID,
		Full:          req.IsNewScope,
		Parameters:    req.Parameters,
	}
	return &ChangeSet{
		provider:    e.provider,
		tables:      tables,
		query:       query,
		schemaHash:  req.Scope.Hash(),
		beforeTable: req.BeforeTable,
		pos:         -1,
	}, nil
}

// ValidateParameters checks that every filter parameter the scope's tables
// use has a value of the declared type and that no unknown parameter is set.
func ValidateParameters(scope *types.Scope, params map[string]any) error {
	for name := range params {
		if _, ok := scope.Parameter(name); !ok {
			return fmt.Errorf("%w: %s is not declared by scope %s", ErrInvalidParameter, name, scope.Name)
		}
	}
	for _, t := range scope.Tables {
		for _, f := range t.Filters {
			v, ok := params[f.Parameter]
			if !ok {
				return fmt.Errorf("%w: %s is required by table %s", ErrInvalidParameter, f.Parameter, t.Name)
			}
			p, _ := scope.Parameter(f.Parameter)
			if _, err := types.DecodeValue(p.Type, v); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrInvalidParameter, f.Parameter, err)
			}
		}
	}
	return nil
}

// ChangeSet yields one TableChanges per table of the scope in dependency
// order. It can be iterated once.
type ChangeSet struct {
	provider    store.Provider
	tables      []types.Table
	query       store.ChangeQuery
	schemaHash  string
	beforeTable func(ctx context.Context, table *types.Table) (bool, error)
	pos         int
	current     *TableChanges
	err         error
	consumed    bool
}

// SchemaHash returns the hash of the enumerated scope.
func (cs *ChangeSet) SchemaHash() string {
	return cs.schemaHash
}

// Tables returns the tables of the set in iteration order.
func (cs *ChangeSet) Tables() []types.Table {
	return cs.tables
}

// Next advances to the next table. The previous table's cursor is closed.
func (cs *ChangeSet) Next(ctx context.Context) bool {
	if cs.consumed {
		cs.err = ErrConsumed
		return false
	}
	if cs.current != nil {
		if err := cs.current.Close(); err != nil && cs.err == nil {
			cs.err = err
		}
		cs.current = nil
	}
	if cs.err != nil {
		return false
	}
	for {
		cs.pos++
		if cs.pos >= len(cs.tables) {
			cs.consumed = true
			return false
		}
		table := &cs.tables[cs.pos]
		if cs.beforeTable != nil {
			skip, err := cs.beforeTable(ctx, table)
			if err != nil {
				cs.err = err
				return false
			}
			if skip {
				continue
			}
		}
		cs.current = &TableChanges{provider: cs.provider, table: table, query: cs.query, ctx: ctx}
		return true
	}
}

// Table returns the current table stream.
func (cs *ChangeSet) Table() *TableChanges {
	return cs.current
}

// Err returns the error that stopped the iteration.
func (cs *ChangeSet) Err() error {
	return cs.err
}

// Close releases the current table stream and marks the set consumed.
func (cs *ChangeSet) Close() error {
	cs.consumed = true
	if cs.current != nil {
		err := cs.current.Close()
		cs.current = nil
		return err
	}
	return nil
}

// TableChanges streams the changed rows of one table. The underlying cursor
// is opened on the first call to Next.
type TableChanges struct {
	provider store.Provider
	table    *types.Table
	query    store.ChangeQuery
	ctx      context.Context
	cursor   store.RowCursor
	err      error
	done     bool
}

// Table returns the table definition.
func (tc *TableChanges) Table() *types.Table {
	return tc.table
}

func (tc *TableChanges) Next() bool {
	if tc.done || tc.err != nil {
		return false
	}
	if tc.cursor == nil {
		if err := tc.ctx.Err(); err != nil {
			tc.err = err
			return false
		}
		cursor, err := tc.provider.ReadChanges(tc.ctx, tc.table, tc.query)
		if err != nil {
			tc.err = fmt.Errorf("read changes of %s: %w", tc.table.Name, err)
			return false
		}
		tc.cursor = cursor
	}
	if !tc.cursor.Next() {
		tc.done = true
		tc.err = tc.cursor.Err()
		return false
	}
	return true
}

func (tc *TableChanges) Change() types.Change {
	return tc.cursor.Change()
}

func (tc *TableChanges) Err() error {
	return tc.err
}

func (tc *TableChanges) Close() error {
	tc.done = true
	if tc.cursor == nil {
		return nil
	}
	err := tc.cursor.Close()
	tc.cursor = nil
	return err
}
