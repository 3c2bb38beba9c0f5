package store

import (
	"fmt"

	"github.com/breez/table-sync/types"
)

// FilterArg is one resolved filter predicate: Column must equal Value.
type FilterArg struct {
	Column string
	Index  int
	Type   types.ColumnType
	Value  any
}

// FilterArgs resolves the filters of a table against parameter values.
// Filters whose parameter has no value are ignored.
func FilterArgs(table *types.Table, params map[string]any) ([]FilterArg, error) {
	var args []FilterArg
	for _, f := range table.Filters {
		raw, ok := params[f.Parameter]
		if !ok {
			continue
		}
		idx := table.ColumnIndex(f.Column)
		if idx < 0 {
			return nil, fmt.Errorf("filter column %s.%s: %w", table.Name, f.Column, types.ErrInvalidScope)
		}
		col := table.Columns[idx]
		v, err := types.DecodeValue(col.Type, raw)
		if err != nil {
			return nil, fmt.Errorf("filter parameter %s: %w", f.Parameter, err)
		}
		args = append(args, FilterArg{Column: col.Name, Index: idx, Type: col.Type, Value: v})
	}
	return args, nil
}

// MatchFilters reports whether a row satisfies every filter argument. The
// values are aligned with the filter columns when aligned is true, with the
// table columns otherwise.
func MatchFilters(args []FilterArg, table *types.Table, values []any, aligned bool) bool {
	for _, a := range args {
		var v any
		if aligned {
			i := filterPosition(table, a.Column)
			if i < 0 || i >= len(values) {
				return false
			}
			v = values[i]
		} else {
			if a.Index >= len(values) {
				return false
			}
			v = values[a.Index]
		}
		if types.EncodeKey([]any{v}) != types.EncodeKey([]any{a.Value}) {
			return false
		}
	}
	return true
}

func filterPosition(table *types.Table, column string) int {
	for i, c := range table.FilterColumns() {
		if c.Name == column {
			return i
		}
	}
	return -1
}
