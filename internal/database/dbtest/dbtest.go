// internal/database/dbtest/dbtest.go

// Package dbtest opens throwaway SQLite gateways for package tests.
package dbtest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"bookshare/internal/config"
	"bookshare/internal/database"
)

// Open returns a migrated gateway backed by a fresh SQLite file in t.TempDir.
func Open(t testing.TB) *database.Gateway {
	t.Helper()

	path := filepath.Join(t.TempDir(), "bookshare.db")
	cfg := config.DatabaseConfig{
		Driver:          "sqlite3",
		URL:             fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=1", path),
		ConnectTimeout:  5 * time.Second,
		BreakerFailures: 1000,
		BreakerCooldown: time.Second,
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw, err := database.Open(context.Background(), cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { gw.Close() })

	require.NoError(t, gw.Migrate(context.Background()))
	return gw
}

// User inserts a user row directly and returns its id. The password fields
// hold placeholders, so the account cannot log in.
func User(t testing.TB, gw *database.Gateway, username string) int64 {
	t.Helper()
	var id int64
	err := gw.Do(context.Background(), "dbtest.user", func(ctx context.Context, q database.Querier) error {
		return q.QueryRowxContext(ctx,
			q.Rebind(`INSERT INTO users (username, password_hash, password_salt, email) VALUES (?, 'x', 'x', ?) RETURNING id`),
			username, username+"@example.com",
		).Scan(&id)
	})
	require.NoError(t, err)
	return id
}

// Book inserts an Available book owned by ownerID and returns its id.
func Book(t testing.TB, gw *database.Gateway, ownerID int64, title string) int64 {
	t.Helper()
	var id int64
	err := gw.Do(context.Background(), "dbtest.book", func(ctx context.Context, q database.Querier) error {
		return q.QueryRowxContext(ctx,
			q.Rebind(`INSERT INTO books (title, owner_id) VALUES (?, ?) RETURNING id`),
			title, ownerID,
		).Scan(&id)
	})
	require.NoError(t, err)
	return id
}
