package sqlite

import (
	"strings"

	"github.com/breez/table-sync/store/sqlbase"
	"github.com/breez/table-sync/types"
)

var dialect = sqlbase.Dialect{
	Name:         "sqlite",
	Placeholder:  func(int) string { return "?" },
	ColumnType:   columnType,
	Triggers:     triggers,
	DropTriggers: dropTriggers,
}

func columnType(t types.ColumnType) string {
	switch t {
	case types.ColumnFloat64:
		return "REAL"
	case types.ColumnString:
		return "TEXT"
	case types.ColumnBytes:
		return "BLOB"
	default:
		return "INTEGER"
	}
}

const nowNanos = "CAST((julianday('now') - 2440587.5) * 86400000.0 AS INTEGER) * 1000000"

func triggerName(table *types.Table, suffix string) string {
	return sqlbase.Quote(table.Name + "_tsync_" + suffix)
}

// trackRow bumps the sequence and records the row referenced by ref (NEW or
// OLD) in the tracking table.
func trackRow(table *types.Table, ref string, deleted bool) string {
	cols := sqlbase.TrackingColumns(table)
	names := sqlbase.ColumnNames("", cols)
	refs := sqlbase.ColumnNames(ref+".", cols)
	flag := "0"
	if deleted {
		flag = "1"
	}
	sets := []string{
		"sequence = excluded.sequence",
		"deleted = excluded.deleted",
		"origin = ''",
		"origin_sequence = 0",
		"last_modified = excluded.last_modified",
	}
	for _, c := range cols[len(table.PrimaryKey):] {
		sets = append(sets, sqlbase.Quote(c.Name)+" = excluded."+sqlbase.Quote(c.Name))
	}
	return "UPDATE " + sqlbase.SequenceTable + " SET value = value + 1 WHERE id = 1; " +
		"INSERT INTO " + sqlbase.Quote(sqlbase.TrackingTable(table)) +
		" (" + strings.Join(names, ", ") + ", sequence, deleted, origin, origin_sequence, last_modified) VALUES (" +
		strings.Join(refs, ", ") + ", (SELECT value FROM " + sqlbase.SequenceTable + " WHERE id = 1), " + flag + ", '', 0, " + nowNanos + ")" +
		" ON CONFLICT (" + strings.Join(sqlbase.ColumnNames("", table.KeyColumns()), ", ") + ") DO UPDATE SET " + strings.Join(sets, ", ") + ";"
}

func triggers(table *types.Table) []string {
	name := sqlbase.Quote(table.Name)
	var keyChanged []string
	for _, c := range table.KeyColumns() {
		keyChanged = append(keyChanged, "OLD."+sqlbase.Quote(c.Name)+" IS NOT NEW."+sqlbase.Quote(c.Name))
	}
	return []string{
		"CREATE TRIGGER IF NOT EXISTS " + triggerName(table, "insert") + " AFTER INSERT ON " + name +
			" BEGIN " + trackRow(table, "NEW", false) + " END",
		"CREATE TRIGGER IF NOT EXISTS " + triggerName(table, "update") + " AFTER UPDATE ON " + name +
			" BEGIN " + trackRow(table, "NEW", false) + " END",
		"CREATE TRIGGER IF NOT EXISTS " + triggerName(table, "rekey") + " AFTER UPDATE ON " + name +
			" WHEN " + strings.Join(keyChanged, " OR ") + " BEGIN " + trackRow(table, "OLD", true) + " END",
		"CREATE TRIGGER IF NOT EXISTS " + triggerName(table, "delete") + " AFTER DELETE ON " + name +
			" BEGIN " + trackRow(table, "OLD", true) + " END",
	}
}

func dropTriggers(table *types.Table) []string {
	var stmts []string
	for _, suffix := range []string{"insert", "update", "rekey", "delete"} {
		stmts = append(stmts, "DROP TRIGGER IF EXISTS "+triggerName(table, suffix))
	}
	return stmts
}
