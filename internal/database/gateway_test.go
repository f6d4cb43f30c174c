// internal/database/gateway_test.go
package database_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookshare/internal/apperr"
	"bookshare/internal/config"
	"bookshare/internal/database"
	"bookshare/internal/database/dbtest"
)

func insertUser(ctx context.Context, q database.Querier, name string) error {
	_, err := q.ExecContext(ctx, q.Rebind(`INSERT INTO users (username, password_hash, password_salt) VALUES (?, 'h', 's')`), name)
	return err
}

func countUsers(t *testing.T, gw *database.Gateway) int {
	t.Helper()
	var n int
	err := gw.Do(context.Background(), "count", func(ctx context.Context, q database.Querier) error {
		return q.QueryRowxContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	})
	require.NoError(t, err)
	return n
}

func TestMigrateIsIdempotent(t *testing.T) {
	gw := dbtest.Open(t)
	require.NoError(t, gw.Migrate(context.Background()))
	assert.Equal(t, "sqlite3", gw.DriverName())
}

func TestWithinTxRollsBackOnError(t *testing.T) {
	gw := dbtest.Open(t)
	ctx := context.Background()

	err := gw.WithinTx(ctx, "rollback", func(ctx context.Context, q database.Querier) error {
		require.NoError(t, insertUser(ctx, q, "alice"))
		return apperr.Conflict("stop")
	})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindConflict))
	assert.Equal(t, 0, countUsers(t, gw))

	err = gw.WithinTx(ctx, "commit", func(ctx context.Context, q database.Querier) error {
		return insertUser(ctx, q, "alice")
	})
	require.NoError(t, err)
	assert.Equal(t, 1, countUsers(t, gw))
}

func TestDriverErrorsAreSanitized(t *testing.T) {
	gw := dbtest.Open(t)

	err := gw.Do(context.Background(), "bad", func(ctx context.Context, q database.Querier) error {
		_, err := q.ExecContext(ctx, `INSERT INTO nowhere VALUES (1)`)
		return err
	})
	require.Error(t, err)

	var appErr *apperr.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, apperr.KindDatabase, appErr.Kind)
	assert.NotEmpty(t, appErr.CorrelationID)
	assert.Equal(t, "database error", appErr.Message)
}

func TestUniqueViolationDetected(t *testing.T) {
	gw := dbtest.Open(t)
	ctx := context.Background()

	var dupErr error
	err := gw.Do(ctx, "dup", func(ctx context.Context, q database.Querier) error {
		require.NoError(t, insertUser(ctx, q, "bob"))
		dupErr = insertUser(ctx, q, "bob")
		return nil
	})
	require.NoError(t, err)
	assert.True(t, database.IsUniqueViolation(dupErr))
	assert.False(t, database.IsUniqueViolation(errors.New("other")))
}

func TestForUpdateDialect(t *testing.T) {
	gw := dbtest.Open(t)
	err := gw.Do(context.Background(), "dialect", func(ctx context.Context, q database.Querier) error {
		assert.Equal(t, "", database.ForUpdate(q))
		return nil
	})
	require.NoError(t, err)
}

func openSQLite(t *testing.T, url string) (*database.Gateway, error) {
	t.Helper()
	gw, err := database.Open(context.Background(), config.DatabaseConfig{
		Driver:          "sqlite3",
		URL:             url,
		ConnectTimeout:  time.Second,
		BreakerFailures: 5,
		BreakerCooldown: time.Second,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err == nil {
		t.Cleanup(func() { gw.Close() })
	}
	return gw, err
}

func TestOpenEnablesSQLiteForeignKeys(t *testing.T) {
	gw, err := openSQLite(t, filepath.Join(t.TempDir(), "plain.db"))
	require.NoError(t, err)
	require.NoError(t, gw.Migrate(context.Background()))

	var on int
	err = gw.Do(context.Background(), "pragma", func(ctx context.Context, q database.Querier) error {
		return q.QueryRowxContext(ctx, `PRAGMA foreign_keys`).Scan(&on)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, on)

	// a book of a deleted owner goes with it
	ctx := context.Background()
	owner := dbtest.User(t, gw, "owner")
	dbtest.Book(t, gw, owner, "Dune")
	err = gw.Do(ctx, "delete", func(ctx context.Context, q database.Querier) error {
		_, err := q.ExecContext(ctx, q.Rebind(`DELETE FROM users WHERE id = ?`), owner)
		return err
	})
	require.NoError(t, err)
	var books int
	err = gw.Do(ctx, "count", func(ctx context.Context, q database.Querier) error {
		return q.QueryRowxContext(ctx, `SELECT COUNT(*) FROM books`).Scan(&books)
	})
	require.NoError(t, err)
	assert.Equal(t, 0, books)
}

func TestOpenRefusesSQLiteWithoutForeignKeys(t *testing.T) {
	_, err := openSQLite(t, "file:"+filepath.Join(t.TempDir(), "off.db")+"?_foreign_keys=0")
	assert.Error(t, err)
}
