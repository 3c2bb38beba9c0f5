package memory

import "github.com/hashicorp/go-memdb"

var (
	tblRows       = "rows"
	tblTracking   = "tracking"
	tblTables     = "tables"
	tblScopes     = "scopes"
	tblScopeInfos = "scope_infos"
	tblCounters   = "counters"
)

var schema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		tblRows: {
			Name: tblRows,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "ID"},
				},
				"table": {
					Name:    "table",
					Indexer: &memdb.StringFieldIndex{Field: "Table"},
				},
			},
		},
		tblTracking: {
			Name: tblTracking,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "ID"},
				},
				"table": {
					Name:    "table",
					Indexer: &memdb.StringFieldIndex{Field: "Table"},
				},
			},
		},
		tblTables: {
			Name: tblTables,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "Name"},
				},
			},
		},
		tblScopes: {
			Name: tblScopes,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "Name"},
				},
			},
		},
		tblScopeInfos: {
			Name: tblScopeInfos,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "ID"},
				},
				"scope": {
					Name:    "scope",
					Indexer: &memdb.StringFieldIndex{Field: "ScopeName"},
				},
			},
		},
		tblCounters: {
			Name: tblCounters,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "Name"},
				},
			},
		},
	},
}
