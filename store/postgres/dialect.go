package postgres

import (
	"strconv"
	"strings"

	"github.com/breez/table-sync/store/sqlbase"
	"github.com/breez/table-sync/types"
)

var dialect = sqlbase.Dialect{
	Name:         "postgres",
	Placeholder:  func(n int) string { return "$" + strconv.Itoa(n) },
	ColumnType:   columnType,
	Triggers:     triggers,
	DropTriggers: dropTriggers,
}

func columnType(t types.ColumnType) string {
	switch t {
	case types.ColumnFloat64:
		return "DOUBLE PRECISION"
	case types.ColumnString:
		return "TEXT"
	case types.ColumnBytes:
		return "BYTEA"
	case types.ColumnBool:
		return "BOOLEAN"
	default:
		return "BIGINT"
	}
}

func functionName(table *types.Table) string {
	return sqlbase.Quote(table.Name + "_tsync_fn")
}

func triggerName(table *types.Table) string {
	return sqlbase.Quote(table.Name + "_tsync")
}

// trackRow records the row referenced by ref (NEW or OLD). The sequence row
// stays locked until the writing transaction ends, so sequence order is
// commit order.
func trackRow(table *types.Table, ref string, deleted bool) string {
	cols := sqlbase.TrackingColumns(table)
	names := sqlbase.ColumnNames("", cols)
	refs := sqlbase.ColumnNames(ref+".", cols)
	sets := []string{
		"sequence = EXCLUDED.sequence",
		"deleted = EXCLUDED.deleted",
		"origin = ''",
		"origin_sequence = 0",
		"last_modified = EXCLUDED.last_modified",
	}
	for _, c := range cols[len(table.PrimaryKey):] {
		sets = append(sets, sqlbase.Quote(c.Name)+" = EXCLUDED."+sqlbase.Quote(c.Name))
	}
	return "UPDATE " + sqlbase.SequenceTable + " SET value = value + 1 WHERE id = 1 RETURNING value INTO seq;\n" +
		"INSERT INTO " + sqlbase.Quote(sqlbase.TrackingTable(table)) +
		" (" + strings.Join(names, ", ") + ", sequence, deleted, origin, origin_sequence, last_modified) VALUES (" +
		strings.Join(refs, ", ") + ", seq, " + strconv.FormatBool(deleted) + ", '', 0, " +
		"(EXTRACT(EPOCH FROM clock_timestamp()) * 1000000)::BIGINT * 1000)" +
		" ON CONFLICT (" + strings.Join(sqlbase.ColumnNames("", table.KeyColumns()), ", ") + ") DO UPDATE SET " + strings.Join(sets, ", ") + ";\n"
}

func triggers(table *types.Table) []string {
	var keyChanged []string
	for _, c := range table.KeyColumns() {
		keyChanged = append(keyChanged, "OLD."+sqlbase.Quote(c.Name)+" IS DISTINCT FROM NEW."+sqlbase.Quote(c.Name))
	}
	fn := "CREATE OR REPLACE FUNCTION " + functionName(table) + "() RETURNS trigger AS $$\n" +
		"DECLARE seq BIGINT;\n" +
		"BEGIN\n" +
		"IF TG_OP = 'DELETE' OR (TG_OP = 'UPDATE' AND (" + strings.Join(keyChanged, " OR ") + ")) THEN\n" +
		trackRow(table, "OLD", true) +
		"END IF;\n" +
		"IF TG_OP IN ('INSERT', 'UPDATE') THEN\n" +
		trackRow(table, "NEW", false) +
		"END IF;\n" +
		"RETURN NULL;\n" +
		"END;\n" +
		"$$ LANGUAGE plpgsql"
	return []string{
		fn,
		"DROP TRIGGER IF EXISTS " + triggerName(table) + " ON " + sqlbase.Quote(table.Name),
		"CREATE TRIGGER " + triggerName(table) + " AFTER INSERT OR UPDATE OR DELETE ON " + sqlbase.Quote(table.Name) +
			" FOR EACH ROW EXECUTE FUNCTION " + functionName(table) + "()",
	}
}

func dropTriggers(table *types.Table) []string {
	return []string{
		"DROP TRIGGER IF EXISTS " + triggerName(table) + " ON " + sqlbase.Quote(table.Name),
		"DROP FUNCTION IF EXISTS " + functionName(table) + "()",
	}
}
