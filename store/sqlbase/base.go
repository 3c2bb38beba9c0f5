package sqlbase

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/breez/table-sync/store"
	"github.com/breez/table-sync/types"
)

// Base implements the engine independent part of store.Provider.
type Base struct {
	DB      Execer
	Dialect Dialect
}

func (b *Base) Name() string { return b.Dialect.Name }

func (b *Base) CurrentSequence(ctx context.Context) (int64, error) {
	row, err := QueryRow(ctx, b.DB, "SELECT value FROM "+SequenceTable+" WHERE id = 1")
	if err != nil {
		return 0, fmt.Errorf("failed to get current sequence: %w", err)
	}
	if row == nil {
		return 0, nil
	}
	seq, err := types.ScanValue(types.ColumnInt64, row[0])
	if err != nil {
		return 0, fmt.Errorf("sequence: %w", err)
	}
	return seq.(int64), nil
}

func (b *Base) ReadChanges(ctx context.Context, table *types.Table, q store.ChangeQuery) (store.RowCursor, error) {
	return ReadChanges(ctx, b.DB, b.Dialect, table, q)
}

func (b *Base) Upsert(ctx context.Context, table *types.Table, values []any) error {
	return Upsert(ctx, b.DB, b.Dialect, table, values)
}

func (b *Base) Delete(ctx context.Context, table *types.Table, key []any) error {
	return Delete(ctx, b.DB, b.Dialect, table, key)
}

// ProvisionTable creates the base table when missing, its tracking table and
// triggers, and registers the table.
func (b *Base) ProvisionTable(ctx context.Context, table *types.Table) error {
	stmts := CreateStatements(b.Dialect, table)
	stmts = append(stmts, b.Dialect.Triggers(table)...)
	for _, stmt := range stmts {
		if _, err := b.DB.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("provision %s: %w", table.Name, err)
		}
	}
	definition, err := json.Marshal(table)
	if err != nil {
		return fmt.Errorf("marshal table %s: %w", table.Name, err)
	}
	p := b.Dialect.Placeholder
	_, err = b.DB.Exec(ctx, "INSERT INTO "+TablesTable+" (name, definition) VALUES ("+p(1)+", "+p(2)+
		") ON CONFLICT (name) DO UPDATE SET definition = excluded.definition", table.Name, string(definition))
	if err != nil {
		return fmt.Errorf("register %s: %w", table.Name, err)
	}
	return nil
}

// DeprovisionTable drops the triggers and the tracking table. The base table
// is kept.
func (b *Base) DeprovisionTable(ctx context.Context, table *types.Table) error {
	stmts := b.Dialect.DropTriggers(table)
	stmts = append(stmts, "DROP TABLE IF EXISTS "+Quote(TrackingTable(table)))
	for _, stmt := range stmts {
		if _, err := b.DB.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("deprovision %s: %w", table.Name, err)
		}
	}
	if _, err := b.DB.Exec(ctx, "DELETE FROM "+TablesTable+" WHERE name = "+b.Dialect.Placeholder(1), table.Name); err != nil {
		return fmt.Errorf("unregister %s: %w", table.Name, err)
	}
	return nil
}

func (b *Base) CleanupTracking(ctx context.Context, table *types.Table, below int64) (int64, error) {
	p := b.Dialect.Placeholder
	n, err := b.DB.Exec(ctx, "DELETE FROM "+Quote(TrackingTable(table))+" WHERE deleted = "+p(1)+" AND sequence < "+p(2), true, below)
	if err != nil {
		return 0, fmt.Errorf("cleanup tracking of %s: %w", table.Name, err)
	}
	return n, nil
}

func (b *Base) GetScope(ctx context.Context, name string) (*types.Scope, error) {
	row, err := QueryRow(ctx, b.DB, "SELECT definition FROM "+ScopesTable+" WHERE name = "+b.Dialect.Placeholder(1), name)
	if err != nil {
		return nil, fmt.Errorf("find scope %s: %w", name, err)
	}
	if row == nil {
		return nil, fmt.Errorf("%s: %w", name, store.ErrScopeNotFound)
	}
	definition, err := types.ScanValue(types.ColumnString, row[0])
	if err != nil {
		return nil, fmt.Errorf("scope definition: %w", err)
	}
	var scope types.Scope
	if err := json.Unmarshal([]byte(definition.(string)), &scope); err != nil {
		return nil, fmt.Errorf("unmarshal scope %s: %w", name, err)
	}
	return &scope, nil
}

func (b *Base) SaveScope(ctx context.Context, scope *types.Scope) error {
	definition, err := json.Marshal(scope)
	if err != nil {
		return fmt.Errorf("marshal scope %s: %w", scope.Name, err)
	}
	p := b.Dialect.Placeholder
	_, err = b.DB.Exec(ctx, "INSERT INTO "+ScopesTable+" (name, definition) VALUES ("+p(1)+", "+p(2)+
		") ON CONFLICT (name) DO UPDATE SET definition = excluded.definition", scope.Name, string(definition))
	if err != nil {
		return fmt.Errorf("save scope %s: %w", scope.Name, err)
	}
	return nil
}

func (b *Base) DeleteScope(ctx context.Context, name string) error {
	if _, err := b.DB.Exec(ctx, "DELETE FROM "+ScopesTable+" WHERE name = "+b.Dialect.Placeholder(1), name); err != nil {
		return fmt.Errorf("delete scope %s: %w", name, err)
	}
	return nil
}

const scopeInfoColumns = "scope_name, node_id, is_new_scope, last_sync_watermark, last_server_watermark, last_sync_timestamp, schema_version, schema_hash"

func (b *Base) GetScopeInfo(ctx context.Context, scopeName, nodeID string) (*types.ScopeInfo, error) {
	p := b.Dialect.Placeholder
	row, err := QueryRow(ctx, b.DB, "SELECT "+scopeInfoColumns+" FROM "+ScopeInfosTable+" WHERE scope_name = "+p(1)+" AND node_id = "+p(2), scopeName, nodeID)
	if err != nil {
		return nil, fmt.Errorf("find scope info %s/%s: %w", scopeName, nodeID, err)
	}
	if row == nil {
		return nil, fmt.Errorf("%s/%s: %w", scopeName, nodeID, store.ErrScopeInfoNotFound)
	}
	return scanScopeInfo(row)
}

func (b *Base) SaveScopeInfo(ctx context.Context, info *types.ScopeInfo) error {
	var ts any
	if info.LastSyncTimestamp != nil {
		ts = info.LastSyncTimestamp.UnixNano()
	}
	var lastSync, lastServer any
	if info.LastSyncWatermark != nil {
		lastSync = *info.LastSyncWatermark
	}
	if info.LastServerWatermark != nil {
		lastServer = *info.LastServerWatermark
	}
	p := b.Dialect.Placeholder
	query := "INSERT INTO " + ScopeInfosTable + " (" + scopeInfoColumns + ") VALUES (" +
		p(1) + ", " + p(2) + ", " + p(3) + ", " + p(4) + ", " + p(5) + ", " + p(6) + ", " + p(7) + ", " + p(8) +
		") ON CONFLICT (scope_name, node_id) DO UPDATE SET is_new_scope = excluded.is_new_scope, " +
		"last_sync_watermark = excluded.last_sync_watermark, last_server_watermark = excluded.last_server_watermark, " +
		"last_sync_timestamp = excluded.last_sync_timestamp, schema_version = excluded.schema_version, schema_hash = excluded.schema_hash"
	_, err := b.DB.Exec(ctx, query, info.ScopeName, info.NodeID, info.IsNewScope, lastSync, lastServer, ts, info.SchemaVersion, info.SchemaHash)
	if err != nil {
		return fmt.Errorf("save scope info %s/%s: %w", info.ScopeName, info.NodeID, err)
	}
	return nil
}

func (b *Base) ListScopeInfos(ctx context.Context, scopeName string) ([]*types.ScopeInfo, error) {
	rows, err := b.DB.Query(ctx, "SELECT "+scopeInfoColumns+" FROM "+ScopeInfosTable+" WHERE scope_name = "+
		b.Dialect.Placeholder(1)+" ORDER BY node_id", scopeName)
	if err != nil {
		return nil, fmt.Errorf("list scope infos of %s: %w", scopeName, err)
	}
	defer rows.Close()

	var infos []*types.ScopeInfo
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("read scope info: %w", err)
		}
		info, err := scanScopeInfo(values)
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

func (b *Base) DeleteScopeInfos(ctx context.Context, scopeName string) error {
	if _, err := b.DB.Exec(ctx, "DELETE FROM "+ScopeInfosTable+" WHERE scope_name = "+b.Dialect.Placeholder(1), scopeName); err != nil {
		return fmt.Errorf("delete scope infos of %s: %w", scopeName, err)
	}
	return nil
}

func scanScopeInfo(row []any) (*types.ScopeInfo, error) {
	if len(row) != 8 {
		return nil, fmt.Errorf("unexpected scope info width %d", len(row))
	}
	var strs [4]string
	for i, idx := range []int{0, 1, 6, 7} {
		v, err := types.ScanValue(types.ColumnString, row[idx])
		if err != nil {
			return nil, fmt.Errorf("scope info: %w", err)
		}
		strs[i], _ = v.(string)
	}
	isNew, err := types.ScanValue(types.ColumnBool, row[2])
	if err != nil {
		return nil, fmt.Errorf("scope info: %w", err)
	}
	info := &types.ScopeInfo{
		ScopeName:     strs[0],
		NodeID:        strs[1],
		SchemaVersion: strs[2],
		SchemaHash:    strs[3],
	}
	info.IsNewScope, _ = isNew.(bool)
	if row[3] != nil {
		v, err := types.ScanValue(types.ColumnInt64, row[3])
		if err != nil {
			return nil, fmt.Errorf("scope info: %w", err)
		}
		info.LastSyncWatermark = types.Int64(v.(int64))
	}
	if row[4] != nil {
		v, err := types.ScanValue(types.ColumnInt64, row[4])
		if err != nil {
			return nil, fmt.Errorf("scope info: %w", err)
		}
		info.LastServerWatermark = types.Int64(v.(int64))
	}
	if row[5] != nil {
		v, err := types.ScanValue(types.ColumnInt64, row[5])
		if err != nil {
			return nil, fmt.Errorf("scope info: %w", err)
		}
		ts := time.Unix(0, v.(int64)).UTC()
		info.LastSyncTimestamp = &ts
	}
	return info, nil
}
