// Package sqlbase holds the parts of the SQL providers that do not depend on
// the database engine: change queries, row application with savepoints and
// the scope store.
package sqlbase

import (
	"context"
	"strings"

	"github.com/breez/table-sync/types"
)

const (
	SequenceTable   = "tablesync_sequence"
	TablesTable     = "tablesync_tables"
	ScopesTable     = "tablesync_scopes"
	ScopeInfosTable = "tablesync_scope_infos"

	rowSavepoint = "tablesync_row"
)

// Dialect describes how an engine spells what the shared queries need.
type Dialect struct {
	Name string

	// Placeholder returns the n-th (1-based) bind parameter.
	Placeholder func(n int) string

	// ColumnType maps a column type to the engine's column type.
	ColumnType func(t types.ColumnType) string

	// Triggers returns the statements creating the tracking triggers.
	Triggers func(table *types.Table) []string

	// DropTriggers returns the statements removing the tracking triggers.
	DropTriggers func(table *types.Table) []string
}

// Rows is the row iteration both database/sql and pgx can provide.
type Rows interface {
	Next() bool
	Values() ([]any, error)
	Err() error
	Close() error
}

// Execer runs statements on a database handle or inside a transaction.
type Execer interface {
	Exec(ctx context.Context, query string, args ...any) (int64, error)
	Query(ctx context.Context, query string, args ...any) (Rows, error)
}

// QueryRow returns the values of the first row, or nil when there is none.
func QueryRow(ctx context.Context, ex Execer, query string, args ...any) ([]any, error) {
	rows, err := ex.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	return rows.Values()
}

// Quote quotes an identifier.
func Quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// TrackingTable returns the name of the tracking table of a table.
func TrackingTable(table *types.Table) string {
	return table.Name + "_tracking"
}

// TrackingColumns returns the key columns followed by the filter columns
// that are not part of the key.
func TrackingColumns(table *types.Table) []types.Column {
	cols := table.KeyColumns()
	for _, c := range table.FilterColumns() {
		inKey := false
		for _, k := range table.PrimaryKey {
			if k == c.Name {
				inKey = true
				break
			}
		}
		if !inKey {
			cols = append(cols, c)
		}
	}
	return cols
}

// ColumnNames returns the quoted names of columns, each prefixed by prefix.
func ColumnNames(prefix string, cols []types.Column) []string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = prefix + Quote(c.Name)
	}
	return names
}

// CreateStatements returns the statements creating the base table and its
// tracking table. Existing tables are left untouched.
func CreateStatements(d Dialect, table *types.Table) []string {
	var defs []string
	for _, c := range table.Columns {
		def := Quote(c.Name) + " " + d.ColumnType(c.Type)
		if !c.Nullable {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	pk := strings.Join(ColumnNames("", table.KeyColumns()), ", ")
	base := "CREATE TABLE IF NOT EXISTS " + Quote(table.Name) + " (" + strings.Join(defs, ", ") + ", PRIMARY KEY (" + pk + "))"

	var tdefs []string
	for i, c := range TrackingColumns(table) {
		def := Quote(c.Name) + " " + d.ColumnType(c.Type)
		if i < len(table.PrimaryKey) {
			def += " NOT NULL"
		}
		tdefs = append(tdefs, def)
	}
	tdefs = append(tdefs,
		"sequence "+d.ColumnType(types.ColumnInt64)+" NOT NULL",
		"deleted "+d.ColumnType(types.ColumnBool)+" NOT NULL",
		"origin "+d.ColumnType(types.ColumnString)+" NOT NULL DEFAULT ''",
		"origin_sequence "+d.ColumnType(types.ColumnInt64)+" NOT NULL DEFAULT 0",
		"last_modified "+d.ColumnType(types.ColumnInt64)+" NOT NULL DEFAULT 0",
	)
	tracking := "CREATE TABLE IF NOT EXISTS " + Quote(TrackingTable(table)) + " (" + strings.Join(tdefs, ", ") + ", PRIMARY KEY (" + pk + "))"
	index := "CREATE INDEX IF NOT EXISTS " + Quote(TrackingTable(table)+"_sequence") + " ON " + Quote(TrackingTable(table)) + " (sequence)"
	return []string{base, tracking, index}
}

type builder struct {
	d    Dialect
	args []any
}

func (b *builder) arg(v any) string {
	b.args = append(b.args, v)
	return b.d.Placeholder(len(b.args))
}

func (b *builder) keyPredicate(alias string, table *types.Table, key []any) string {
	var preds []string
	for i, c := range table.KeyColumns() {
		var v any
		if i < len(key) {
			v = types.EncodeValue(c.Type, key[i])
		}
		preds = append(preds, alias+Quote(c.Name)+" = "+b.arg(v))
	}
	return strings.Join(preds, " AND ")
}

func joinOn(table *types.Table) string {
	var preds []string
	for _, c := range table.KeyColumns() {
		preds = append(preds, "b."+Quote(c.Name)+" = t."+Quote(c.Name))
	}
	return strings.Join(preds, " AND ")
}
