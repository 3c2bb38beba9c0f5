package sqlbase

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/breez/table-sync/store"
	"github.com/breez/table-sync/types"
)

// ChangesQuery builds the query reading the changes of a table. Every query
// selects the key, sequence, deleted, origin and last_modified columns
// followed by the base columns.
func ChangesQuery(d Dialect, table *types.Table, q store.ChangeQuery, provisioned bool) (string, []any, error) {
	filters, err := store.FilterArgs(table, q.Parameters)
	if err != nil {
		return "", nil, err
	}
	b := &builder{d: d}
	base := strings.Join(ColumnNames("b.", table.Columns), ", ")

	var sb strings.Builder
	var where []string
	switch {
	case q.Full && !provisioned:
		sb.WriteString("SELECT " + strings.Join(ColumnNames("b.", table.KeyColumns()), ", "))
		sb.WriteString(", 0, 1 = 0, '', 0, " + base)
		sb.WriteString(" FROM " + Quote(table.Name) + " b")
		for _, f := range filters {
			where = append(where, "b."+Quote(f.Column)+" = "+b.arg(types.EncodeValue(f.Type, f.Value)))
		}
	case q.Full:
		sb.WriteString("SELECT " + strings.Join(ColumnNames("b.", table.KeyColumns()), ", "))
		sb.WriteString(", COALESCE(t.sequence, 0), 1 = 0, COALESCE(t.origin, ''), COALESCE(t.last_modified, 0), " + base)
		sb.WriteString(" FROM " + Quote(table.Name) + " b LEFT JOIN " + Quote(TrackingTable(table)) + " t ON " + joinOn(table))
		for _, f := range filters {
			where = append(where, "b."+Quote(f.Column)+" = "+b.arg(types.EncodeValue(f.Type, f.Value)))
		}
	default:
		sb.WriteString("SELECT " + strings.Join(ColumnNames("t.", table.KeyColumns()), ", "))
		sb.WriteString(", t.sequence, t.deleted, t.origin, t.last_modified, " + base)
		sb.WriteString(" FROM " + Quote(TrackingTable(table)) + " t LEFT JOIN " + Quote(table.Name) + " b ON " + joinOn(table))
		where = append(where, "t.sequence > "+b.arg(q.Since))
		if q.UpTo > 0 {
			where = append(where, "t.sequence <= "+b.arg(q.UpTo))
		}
		if q.ExcludeOrigin != "" {
			where = append(where, "t.origin <> "+b.arg(q.ExcludeOrigin))
		}
		for _, f := range filters {
			where = append(where, "t."+Quote(f.Column)+" = "+b.arg(types.EncodeValue(f.Type, f.Value)))
		}
	}
	if len(where) > 0 {
		sb.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	if q.Full {
		sb.WriteString(" ORDER BY " + strings.Join(ColumnNames("b.", table.KeyColumns()), ", "))
	} else {
		sb.WriteString(" ORDER BY t.sequence")
	}
	return sb.String(), b.args, nil
}

// Cursor turns query rows into changes.
type Cursor struct {
	rows   Rows
	table  *types.Table
	change types.Change
	err    error
}

// NewCursor returns a cursor over rows produced by ChangesQuery.
func NewCursor(rows Rows, table *types.Table) *Cursor {
	return &Cursor{rows: rows, table: table}
}

func (c *Cursor) Next() bool {
	if c.err != nil {
		return false
	}
	for c.rows.Next() {
		values, err := c.rows.Values()
		if err != nil {
			c.err = fmt.Errorf("read change row: %w", err)
			return false
		}
		change, ok, err := scanChange(c.table, values)
		if err != nil {
			c.err = err
			return false
		}
		if ok {
			c.change = change
			return true
		}
	}
	return false
}

func (c *Cursor) Change() types.Change { return c.change }

func (c *Cursor) Err() error {
	if c.err != nil {
		return c.err
	}
	return c.rows.Err()
}

func (c *Cursor) Close() error { return c.rows.Close() }

func scanChange(table *types.Table, values []any) (types.Change, bool, error) {
	keyCols := table.KeyColumns()
	if len(values) != len(keyCols)+4+len(table.Columns) {
		return types.Change{}, false, fmt.Errorf("unexpected change row width %d", len(values))
	}
	change := types.Change{Table: table.Name, State: types.RowUpserted}
	change.Key = make([]any, len(keyCols))
	for i, c := range keyCols {
		v, err := types.ScanValue(c.Type, values[i])
		if err != nil {
			return change, false, fmt.Errorf("key %s: %w", c.Name, err)
		}
		change.Key[i] = v
	}
	meta := values[len(keyCols):]
	seq, err := types.ScanValue(types.ColumnInt64, meta[0])
	if err != nil {
		return change, false, fmt.Errorf("sequence: %w", err)
	}
	change.Sequence = seq.(int64)
	deleted, err := types.ScanValue(types.ColumnBool, meta[1])
	if err != nil {
		return change, false, fmt.Errorf("deleted: %w", err)
	}
	if deleted.(bool) {
		change.State = types.RowDeleted
	}
	if meta[2] != nil {
		origin, err := types.ScanValue(types.ColumnString, meta[2])
		if err != nil {
			return change, false, fmt.Errorf("origin: %w", err)
		}
		change.Origin = origin.(string)
	}
	change.LastModified = scanNanos(meta[3])

	if change.IsDelete() {
		return change, true, nil
	}
	row, err := ScanRow(table.Columns, values[len(keyCols)+4:])
	if err != nil {
		return change, false, err
	}
	// the base row is gone while its tracking entry says upserted
	if isNullKey(table, row) {
		return change, false, nil
	}
	change.Values = row
	return change, true, nil
}

func isNullKey(table *types.Table, row []any) bool {
	for _, v := range table.KeyOf(row) {
		if v != nil {
			return false
		}
	}
	return true
}

func scanNanos(v any) time.Time {
	n, err := types.ScanValue(types.ColumnInt64, v)
	if err != nil || n == nil || n.(int64) == 0 {
		return time.Time{}
	}
	return time.Unix(0, n.(int64)).UTC()
}

// ScanRow converts driver values into canonical column values.
func ScanRow(columns []types.Column, values []any) ([]any, error) {
	if len(values) != len(columns) {
		return nil, fmt.Errorf("%w: row has %d values for %d columns", types.ErrInvalidValue, len(values), len(columns))
	}
	out := make([]any, len(values))
	for i, v := range values {
		n, err := types.ScanValue(columns[i].Type, v)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", columns[i].Name, err)
		}
		out[i] = n
	}
	return out, nil
}

// EncodeRow converts canonical values into driver arguments.
func EncodeRow(columns []types.Column, values []any) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = types.EncodeValue(columns[i].Type, v)
	}
	return out
}

// ReadChanges runs ChangesQuery on ex.
func ReadChanges(ctx context.Context, ex Execer, d Dialect, table *types.Table, q store.ChangeQuery) (store.RowCursor, error) {
	provisioned, err := IsProvisioned(ctx, ex, d, table)
	if err != nil {
		return nil, err
	}
	if !provisioned && !q.Full {
		return nil, fmt.Errorf("%s: %w", table.Name, store.ErrTableNotProvisioned)
	}
	query, args, err := ChangesQuery(d, table, q, provisioned)
	if err != nil {
		return nil, err
	}
	rows, err := ex.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query changes of %s: %w", table.Name, err)
	}
	return NewCursor(rows, table), nil
}

// IsProvisioned reports whether a table has tracking metadata.
func IsProvisioned(ctx context.Context, ex Execer, d Dialect, table *types.Table) (bool, error) {
	row, err := QueryRow(ctx, ex, "SELECT name FROM "+TablesTable+" WHERE name = "+d.Placeholder(1), table.Name)
	if err != nil {
		return false, fmt.Errorf("find table %s: %w", table.Name, err)
	}
	return row != nil, nil
}
