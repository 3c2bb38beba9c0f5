// Package memory implements the store.Provider interface on top of
// go-memdb. Write transactions of go-memdb are serialized, which makes the
// sequence increment transactional.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-memdb"

	"github.com/breez/table-sync/store"
	"github.com/breez/table-sync/types"
)

const sequenceCounter = "sequence"

type rowRecord struct {
	ID     string
	Table  string
	Key    []any
	Values []any
}

type trackingRecord struct {
	ID             string
	Table          string
	Key            []any
	Sequence       int64
	State          types.RowState
	Origin         string
	OriginSequence int64
	LastModified   time.Time

	// FilterValues holds the last known values of the table's filter columns
	// so deleted rows can still be filtered.
	FilterValues []any
}

type tableRecord struct {
	Name  string
	Table types.Table
}

type scopeRecord struct {
	Name  string
	Scope *types.Scope
}

type scopeInfoRecord struct {
	ID        string
	ScopeName string
	NodeID    string
	Info      *types.ScopeInfo
}

type counterRecord struct {
	Name  string
	Value int64
}

// Store is an in-memory provider.
type Store struct {
	db *memdb.MemDB
}

// New returns a new in-memory provider.
func New() (*Store, error) {
	db, err := memdb.NewMemDB(schema)
	if err != nil {
		return nil, fmt.Errorf("new memdb: %w", err)
	}
	return &Store{db: db}, nil
}

func rowID(table string, key []any) string {
	return table + "\x00\x00" + types.EncodeKey(key)
}

func scopeInfoID(scopeName, nodeID string) string {
	return scopeName + "\x00" + nodeID
}

// Name returns "memory".
func (s *Store) Name() string { return "memory" }

// Close does nothing.
func (s *Store) Close() error { return nil }

// CurrentSequence returns the latest sequence value.
func (s *Store) CurrentSequence(_ context.Context) (int64, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	return currentSequence(txn)
}

func currentSequence(txn *memdb.Txn) (int64, error) {
	raw, err := txn.First(tblCounters, "id", sequenceCounter)
	if err != nil {
		return 0, fmt.Errorf("find sequence: %w", err)
	}
	if raw == nil {
		return 0, nil
	}
	return raw.(*counterRecord).Value, nil
}

func nextSequence(txn *memdb.Txn) (int64, error) {
	seq, err := currentSequence(txn)
	if err != nil {
		return 0, err
	}
	seq++
	if err := txn.Insert(tblCounters, &counterRecord{Name: sequenceCounter, Value: seq}); err != nil {
		return 0, fmt.Errorf("update sequence: %w", err)
	}
	return seq, nil
}

func isProvisioned(txn *memdb.Txn, table string) (bool, error) {
	raw, err := txn.First(tblTables, "id", table)
	if err != nil {
		return false, fmt.Errorf("find table %s: %w", table, err)
	}
	return raw != nil, nil
}

func scanRow(table *types.Table, values []any) ([]any, error) {
	if len(values) != len(table.Columns) {
		return nil, fmt.Errorf("%w: row has %d values for %d columns", types.ErrInvalidValue, len(values), len(table.Columns))
	}
	out := make([]any, len(values))
	for i, v := range values {
		n, err := types.ScanValue(table.Columns[i].Type, v)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", table.Columns[i].Name, err)
		}
		out[i] = n
	}
	return out, nil
}

func filterValues(table *types.Table, values []any) []any {
	cols := table.FilterColumns()
	if len(cols) == 0 || values == nil {
		return nil
	}
	out := make([]any, len(cols))
	for i, c := range cols {
		out[i] = values[table.ColumnIndex(c.Name)]
	}
	return out
}

// Upsert writes a row as a local edit, recording it in the tracking table
// when the table is provisioned.
func (s *Store) Upsert(_ context.Context, table *types.Table, values []any) error {
	row, err := scanRow(table, values)
	if err != nil {
		return err
	}
	key := table.KeyOf(row)

	txn := s.db.Txn(true)
	defer txn.Abort()

	if err := writeRow(txn, table, key, row, "", 0, time.Now().UTC()); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// Delete removes a row as a local edit.
func (s *Store) Delete(_ context.Context, table *types.Table, key []any) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	if err := writeRow(txn, table, key, nil, "", 0, time.Now().UTC()); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// Get returns the current values of a row, or nil when it does not exist.
func (s *Store) Get(_ context.Context, table *types.Table, key []any) ([]any, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(tblRows, "id", rowID(table.Name, key))
	if err != nil {
		return nil, fmt.Errorf("find row: %w", err)
	}
	if raw == nil {
		return nil, nil
	}
	return raw.(*rowRecord).Values, nil
}

// Rows returns every row of a table ordered by key.
func (s *Store) Rows(_ context.Context, table *types.Table) ([][]any, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	records, err := tableRows(txn, table.Name)
	if err != nil {
		return nil, err
	}
	rows := make([][]any, 0, len(records))
	for _, r := range records {
		rows = append(rows, r.Values)
	}
	return rows, nil
}

func tableRows(txn *memdb.Txn, table string) ([]*rowRecord, error) {
	iter, err := txn.Get(tblRows, "table", table)
	if err != nil {
		return nil, fmt.Errorf("fetch rows of %s: %w", table, err)
	}
	var records []*rowRecord
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		records = append(records, raw.(*rowRecord))
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, nil
}

// writeRow upserts or, when values is nil, deletes a base row and stamps its
// tracking entry. Nothing is written when an error is returned.
func writeRow(txn *memdb.Txn, table *types.Table, key []any, values []any, origin string, originSeq int64, modified time.Time) error {
	id := rowID(table.Name, key)
	raw, err := txn.First(tblRows, "id", id)
	if err != nil {
		return fmt.Errorf("find row: %w", err)
	}

	tracked, err := isProvisioned(txn, table.Name)
	if err != nil {
		return err
	}

	state := types.RowUpserted
	filters := filterValues(table, values)
	if values == nil {
		state = types.RowDeleted
		if raw == nil {
			return nil
		}
		filters = filterValues(table, raw.(*rowRecord).Values)
		if err := txn.Delete(tblRows, raw); err != nil {
			return fmt.Errorf("delete row: %w", err)
		}
	} else {
		if err := txn.Insert(tblRows, &rowRecord{ID: id, Table: table.Name, Key: key, Values: values}); err != nil {
			return fmt.Errorf("insert row: %w", err)
		}
	}

	if !tracked {
		return nil
	}
	seq, err := nextSequence(txn)
	if err != nil {
		return err
	}
	record := &trackingRecord{
		ID:             id,
		Table:          table.Name,
		Key:            key,
		Sequence:       seq,
		State:          state,
		Origin:         origin,
		OriginSequence: originSeq,
		LastModified:   modified,
		FilterValues:   filters,
	}
	if err := txn.Insert(tblTracking, record); err != nil {
		return fmt.Errorf("insert tracking: %w", err)
	}
	return nil
}

// ReadChanges returns the changed rows of a table ordered by sequence, or
// every row ordered by key for full reads.
func (s *Store) ReadChanges(ctx context.Context, table *types.Table, q store.ChangeQuery) (store.RowCursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	args, err := store.FilterArgs(table, q.Parameters)
	if err != nil {
		return nil, err
	}

	txn := s.db.Txn(false)
	defer txn.Abort()

	if q.Full {
		return s.readFull(txn, table, args)
	}

	provisioned, err := isProvisioned(txn, table.Name)
	if err != nil {
		return nil, err
	}
	if !provisioned {
		return nil, fmt.Errorf("%s: %w", table.Name, store.ErrTableNotProvisioned)
	}

	iter, err := txn.Get(tblTracking, "table", table.Name)
	if err != nil {
		return nil, fmt.Errorf("fetch tracking of %s: %w", table.Name, err)
	}
	var changes []types.Change
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		tr := raw.(*trackingRecord)
		if tr.Sequence <= q.Since || (q.UpTo > 0 && tr.Sequence > q.UpTo) {
			continue
		}
		if q.ExcludeOrigin != "" && tr.Origin == q.ExcludeOrigin {
			continue
		}
		if !store.MatchFilters(args, table, tr.FilterValues, true) {
			continue
		}
		change := types.Change{
			Table:        table.Name,
			Key:          tr.Key,
			State:        tr.State,
			Sequence:     tr.Sequence,
			Origin:       tr.Origin,
			LastModified: tr.LastModified,
		}
		if tr.State == types.RowUpserted {
			rawRow, err := txn.First(tblRows, "id", tr.ID)
			if err != nil {
				return nil, fmt.Errorf("find row: %w", err)
			}
			if rawRow == nil {
				continue
			}
			change.Values = rawRow.(*rowRecord).Values
		}
		changes = append(changes, change)
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Sequence < changes[j].Sequence })
	return store.NewSliceCursor(changes), nil
}

func (s *Store) readFull(txn *memdb.Txn, table *types.Table, args []store.FilterArg) (store.RowCursor, error) {
	records, err := tableRows(txn, table.Name)
	if err != nil {
		return nil, err
	}
	changes := make([]types.Change, 0, len(records))
	for _, r := range records {
		if !store.MatchFilters(args, table, r.Values, false) {
			continue
		}
		change := types.Change{
			Table:  table.Name,
			Key:    r.Key,
			State:  types.RowUpserted,
			Values: r.Values,
		}
		rawTracking, err := txn.First(tblTracking, "id", r.ID)
		if err != nil {
			return nil, fmt.Errorf("find tracking: %w", err)
		}
		if rawTracking != nil {
			tr := rawTracking.(*trackingRecord)
			change.Sequence = tr.Sequence
			change.Origin = tr.Origin
			change.LastModified = tr.LastModified
		}
		changes = append(changes, change)
	}
	return store.NewSliceCursor(changes), nil
}

// Begin starts a write transaction. It blocks other writers until it ends.
func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &tx{txn: s.db.Txn(true)}, nil
}

// IsConcurrencyViolation reports whether err is store.ErrConcurrencyViolation.
func (s *Store) IsConcurrencyViolation(err error) bool {
	return errors.Is(err, store.ErrConcurrencyViolation)
}

// ProvisionTable starts tracking changes of a table.
func (s *Store) ProvisionTable(_ context.Context, table *types.Table) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	if err := txn.Insert(tblTables, &tableRecord{Name: table.Name, Table: *table}); err != nil {
		return fmt.Errorf("insert table %s: %w", table.Name, err)
	}
	txn.Commit()
	return nil
}

// DeprovisionTable stops tracking a table and drops its tracking rows.
func (s *Store) DeprovisionTable(_ context.Context, table *types.Table) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	if _, err := txn.DeleteAll(tblTables, "id", table.Name); err != nil {
		return fmt.Errorf("delete table %s: %w", table.Name, err)
	}
	if _, err := txn.DeleteAll(tblTracking, "table", table.Name); err != nil {
		return fmt.Errorf("delete tracking of %s: %w", table.Name, err)
	}
	txn.Commit()
	return nil
}

// CleanupTracking removes tombstones of a table below a sequence.
func (s *Store) CleanupTracking(_ context.Context, table *types.Table, below int64) (int64, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	iter, err := txn.Get(tblTracking, "table", table.Name)
	if err != nil {
		return 0, fmt.Errorf("fetch tracking of %s: %w", table.Name, err)
	}
	var stale []*trackingRecord
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		tr := raw.(*trackingRecord)
		if tr.State == types.RowDeleted && tr.Sequence < below {
			stale = append(stale, tr)
		}
	}
	for _, tr := range stale {
		if err := txn.Delete(tblTracking, tr); err != nil {
			return 0, fmt.Errorf("delete tracking: %w", err)
		}
	}
	txn.Commit()
	return int64(len(stale)), nil
}

type tx struct {
	txn *memdb.Txn
}

func (t *tx) LocalRow(_ context.Context, table *types.Table, key []any) (*types.TrackedRow, error) {
	id := rowID(table.Name, key)
	raw, err := t.txn.First(tblRows, "id", id)
	if err != nil {
		return nil, fmt.Errorf("find row: %w", err)
	}
	rawTracking, err := t.txn.First(tblTracking, "id", id)
	if err != nil {
		return nil, fmt.Errorf("find tracking: %w", err)
	}
	if raw == nil && rawTracking == nil {
		return nil, nil
	}

	row := &types.TrackedRow{Key: key, State: types.RowUpserted}
	if rawTracking != nil {
		tr := rawTracking.(*trackingRecord)
		row.Sequence = tr.Sequence
		row.State = tr.State
		row.Origin = tr.Origin
		row.OriginSequence = tr.OriginSequence
		row.LastModified = tr.LastModified
	}
	if raw != nil {
		row.Values = raw.(*rowRecord).Values
	}
	return row, nil
}

func (t *tx) ApplyRow(_ context.Context, table *types.Table, change types.Change, origin string, expected *int64) error {
	if expected != nil {
		var current int64
		raw, err := t.txn.First(tblTracking, "id", rowID(table.Name, change.Key))
		if err != nil {
			return fmt.Errorf("find tracking: %w", err)
		}
		if raw != nil {
			current = raw.(*trackingRecord).Sequence
		}
		if current != *expected {
			return store.ErrConcurrencyViolation
		}
	}

	var values []any
	if !change.IsDelete() {
		if change.Values == nil {
			return fmt.Errorf("%w: upsert without values", types.ErrInvalidValue)
		}
		var err error
		if values, err = scanRow(table, change.Values); err != nil {
			return err
		}
	}
	modified := change.LastModified
	if modified.IsZero() {
		modified = time.Now().UTC()
	}
	return writeRow(t.txn, table, change.Key, values, origin, change.Sequence, modified)
}

func (t *tx) Commit(_ context.Context) error {
	t.txn.Commit()
	return nil
}

func (t *tx) Rollback(_ context.Context) error {
	t.txn.Abort()
	return nil
}
