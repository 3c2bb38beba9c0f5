package sqlbase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/breez/table-sync/store"
	"github.com/breez/table-sync/types"
)

func upsertQuery(d Dialect, table *types.Table, values []any) (string, []any) {
	b := &builder{d: d}
	var placeholders []string
	for _, v := range EncodeRow(table.Columns, values) {
		placeholders = append(placeholders, b.arg(v))
	}
	var sets []string
	for _, c := range table.Columns {
		isKey := false
		for _, k := range table.PrimaryKey {
			if k == c.Name {
				isKey = true
				break
			}
		}
		if !isKey {
			sets = append(sets, Quote(c.Name)+" = excluded."+Quote(c.Name))
		}
	}
	query := "INSERT INTO " + Quote(table.Name) + " (" + strings.Join(ColumnNames("", table.Columns), ", ") + ") VALUES (" +
		strings.Join(placeholders, ", ") + ") ON CONFLICT (" + strings.Join(ColumnNames("", table.KeyColumns()), ", ") + ")"
	if len(sets) == 0 {
		query += " DO NOTHING"
	} else {
		query += " DO UPDATE SET " + strings.Join(sets, ", ")
	}
	return query, b.args
}

func deleteQuery(d Dialect, table *types.Table, key []any) (string, []any) {
	b := &builder{d: d}
	query := "DELETE FROM " + Quote(table.Name) + " WHERE " + b.keyPredicate("", table, key)
	return query, b.args
}

// Upsert writes a row as a local edit. The triggers record it.
func Upsert(ctx context.Context, ex Execer, d Dialect, table *types.Table, values []any) error {
	row, err := ScanRow(table.Columns, values)
	if err != nil {
		return err
	}
	query, args := upsertQuery(d, table, row)
	if _, err := ex.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert into %s: %w", table.Name, err)
	}
	return nil
}

// Delete removes a row as a local edit.
func Delete(ctx context.Context, ex Execer, d Dialect, table *types.Table, key []any) error {
	query, args := deleteQuery(d, table, key)
	if _, err := ex.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("delete from %s: %w", table.Name, err)
	}
	return nil
}

// Tx applies rows inside an engine transaction.
type Tx struct {
	ex       Execer
	d        Dialect
	commit   func(ctx context.Context) error
	rollback func(ctx context.Context) error
}

// NewTx wraps an engine transaction.
func NewTx(ex Execer, d Dialect, commit, rollback func(ctx context.Context) error) *Tx {
	return &Tx{ex: ex, d: d, commit: commit, rollback: rollback}
}

func (t *Tx) Commit(ctx context.Context) error {
	if err := t.commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (t *Tx) Rollback(ctx context.Context) error {
	return t.rollback(ctx)
}

func (t *Tx) LocalRow(ctx context.Context, table *types.Table, key []any) (*types.TrackedRow, error) {
	b := &builder{d: t.d}
	tracking, err := QueryRow(ctx, t.ex, "SELECT sequence, deleted, origin, origin_sequence, last_modified FROM "+
		Quote(TrackingTable(table))+" WHERE "+b.keyPredicate("", table, key), b.args...)
	if err != nil {
		return nil, fmt.Errorf("find tracking of %s: %w", table.Name, err)
	}

	b = &builder{d: t.d}
	base, err := QueryRow(ctx, t.ex, "SELECT "+strings.Join(ColumnNames("", table.Columns), ", ")+" FROM "+
		Quote(table.Name)+" WHERE "+b.keyPredicate("", table, key), b.args...)
	if err != nil {
		return nil, fmt.Errorf("find row of %s: %w", table.Name, err)
	}
	if tracking == nil && base == nil {
		return nil, nil
	}

	row := &types.TrackedRow{Key: key, State: types.RowUpserted}
	if tracking != nil {
		seq, err := types.ScanValue(types.ColumnInt64, tracking[0])
		if err != nil {
			return nil, fmt.Errorf("sequence: %w", err)
		}
		row.Sequence = seq.(int64)
		deleted, err := types.ScanValue(types.ColumnBool, tracking[1])
		if err != nil {
			return nil, fmt.Errorf("deleted: %w", err)
		}
		if deleted.(bool) {
			row.State = types.RowDeleted
		}
		origin, err := types.ScanValue(types.ColumnString, tracking[2])
		if err != nil {
			return nil, fmt.Errorf("origin: %w", err)
		}
		row.Origin, _ = origin.(string)
		originSeq, err := types.ScanValue(types.ColumnInt64, tracking[3])
		if err != nil {
			return nil, fmt.Errorf("origin sequence: %w", err)
		}
		row.OriginSequence, _ = originSeq.(int64)
		row.LastModified = scanNanos(tracking[4])
	}
	if base != nil {
		if row.Values, err = ScanRow(table.Columns, base); err != nil {
			return nil, err
		}
	}
	return row, nil
}

// ApplyRow applies one change inside a savepoint so a failure leaves the
// transaction usable.
func (t *Tx) ApplyRow(ctx context.Context, table *types.Table, change types.Change, origin string, expected *int64) error {
	if _, err := t.ex.Exec(ctx, "SAVEPOINT "+rowSavepoint); err != nil {
		return fmt.Errorf("savepoint: %w", err)
	}
	err := t.applyRow(ctx, table, change, origin, expected)
	if err != nil {
		_, rbErr := t.ex.Exec(ctx, "ROLLBACK TO SAVEPOINT "+rowSavepoint)
		if rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback to savepoint: %w", rbErr))
		}
	}
	if _, relErr := t.ex.Exec(ctx, "RELEASE SAVEPOINT "+rowSavepoint); relErr != nil && err == nil {
		return fmt.Errorf("release savepoint: %w", relErr)
	}
	return err
}

func (t *Tx) applyRow(ctx context.Context, table *types.Table, change types.Change, origin string, expected *int64) error {
	if expected != nil {
		b := &builder{d: t.d}
		row, err := QueryRow(ctx, t.ex, "SELECT sequence FROM "+Quote(TrackingTable(table))+" WHERE "+
			b.keyPredicate("", table, change.Key), b.args...)
		if err != nil {
			return fmt.Errorf("find tracking of %s: %w", table.Name, err)
		}
		var current int64
		if row != nil {
			seq, err := types.ScanValue(types.ColumnInt64, row[0])
			if err != nil {
				return fmt.Errorf("sequence: %w", err)
			}
			current = seq.(int64)
		}
		if current != *expected {
			return store.ErrConcurrencyViolation
		}
	}

	if change.IsDelete() {
		query, args := deleteQuery(t.d, table, change.Key)
		n, err := t.ex.Exec(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("delete from %s: %w", table.Name, err)
		}
		if n == 0 {
			return nil
		}
	} else {
		if change.Values == nil {
			return fmt.Errorf("%w: upsert without values", types.ErrInvalidValue)
		}
		row, err := ScanRow(table.Columns, change.Values)
		if err != nil {
			return err
		}
		query, args := upsertQuery(t.d, table, row)
		if _, err := t.ex.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("upsert into %s: %w", table.Name, err)
		}
	}

	modified := change.LastModified
	if modified.IsZero() {
		modified = time.Now()
	}
	b := &builder{d: t.d}
	query := "UPDATE " + Quote(TrackingTable(table)) + " SET origin = " + b.arg(origin) +
		", origin_sequence = " + b.arg(change.Sequence) + ", last_modified = " + b.arg(modified.UnixNano())
	query += " WHERE " + b.keyPredicate("", table, change.Key)
	if _, err := t.ex.Exec(ctx, query, b.args...); err != nil {
		return fmt.Errorf("stamp tracking of %s: %w", table.Name, err)
	}
	return nil
}
