package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	sqlite3migrate "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/mattn/go-sqlite3"
	msqlite "modernc.org/sqlite"

	"github.com/breez/table-sync/store"
	"github.com/breez/table-sync/store/sqlbase"
	"github.com/breez/table-sync/types"
)

const (
	// DriverCgo is the mattn/go-sqlite3 driver.
	DriverCgo = "sqlite3"
	// DriverPure is the pure Go modernc.org/sqlite driver.
	DriverPure = "sqlite"

	sqliteConstraint = 19
)

//go:embed migrations/*.sql
var migrationFS embed.FS

type SQLiteStore struct {
	sqlbase.Base
	db *sql.DB
}

// NewSQLiteStore opens file with the default driver.
func NewSQLiteStore(file string) (*SQLiteStore, error) {
	return Open(DriverCgo, file)
}

// Open opens file with the given driver and runs the migrations.
func Open(driver, file string) (*SQLiteStore, error) {
	if driver != DriverCgo && driver != DriverPure {
		return nil, fmt.Errorf("unknown sqlite driver %q", driver)
	}
	db, err := sql.Open(driver, file)
	if err != nil {
		return nil, &types.ConnectionError{Backend: "sqlite", Err: err}
	}
	// A single connection serializes writers and keeps shared in-memory
	// databases alive.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		return nil, &types.ConnectionError{Backend: "sqlite", Err: err}
	}

	driverInstance, err := sqlite3migrate.WithInstance(db, &sqlite3migrate.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver %w", err)
	}
	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, file, driverInstance)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate migrations %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return nil, fmt.Errorf("failed to run migrations %w", err)
	}

	return &SQLiteStore{
		Base: sqlbase.Base{DB: execer{q: db}, Dialect: dialect},
		db:   db,
	}, nil
}

func (s *SQLiteStore) Begin(ctx context.Context) (store.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	commit := func(context.Context) error { return tx.Commit() }
	rollback := func(context.Context) error {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			return err
		}
		return nil
	}
	return sqlbase.NewTx(execer{q: tx}, dialect, commit, rollback), nil
}

// IsConcurrencyViolation reports constraint errors of either driver.
func (s *SQLiteStore) IsConcurrencyViolation(err error) bool {
	if errors.Is(err, store.ErrConcurrencyViolation) {
		return true
	}
	var cgoErr sqlite3.Error
	if errors.As(err, &cgoErr) {
		return cgoErr.Code == sqlite3.ErrConstraint
	}
	var pureErr *msqlite.Error
	if errors.As(err, &pureErr) {
		return pureErr.Code()&0xff == sqliteConstraint
	}
	return false
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type execer struct {
	q queryer
}

func (e execer) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := e.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (e execer) Query(ctx context.Context, query string, args ...any) (sqlbase.Rows, error) {
	rows, err := e.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return &sqlRows{Rows: rows}, nil
}

type sqlRows struct {
	*sql.Rows
}

func (r *sqlRows) Values() ([]any, error) {
	cols, err := r.Columns()
	if err != nil {
		return nil, err
	}
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := r.Scan(ptrs...); err != nil {
		return nil, err
	}
	return values, nil
}
