package postgres

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/breez/table-sync/store"
)

func connect(t *testing.T) *PgStore {
	url := os.Getenv("TEST_PG_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_PG_DATABASE_URL is not set")
	}
	storage, err := NewPgStore(context.Background(), url)
	require.NoError(t, err, "failed to connect")
	t.Cleanup(func() { storage.Close() })
	return storage
}

func TestPgStore(t *testing.T) {
	storage := connect(t)
	(&store.StoreTest{}).Run(t, storage)
}

func TestIsConcurrencyViolation(t *testing.T) {
	s := &PgStore{}
	require.True(t, s.IsConcurrencyViolation(&pgconn.PgError{Code: pgerrcode.UniqueViolation}))
	require.True(t, s.IsConcurrencyViolation(&pgconn.PgError{Code: pgerrcode.SerializationFailure}))
	require.True(t, s.IsConcurrencyViolation(store.ErrConcurrencyViolation))
	require.False(t, s.IsConcurrencyViolation(&pgconn.PgError{Code: pgerrcode.UndefinedTable}))
	require.False(t, s.IsConcurrencyViolation(errors.New("boom")))
}
