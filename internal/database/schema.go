// internal/database/schema.go
package database

import (
	"context"
	"fmt"
)

const schemaVersion = 1

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id BIGSERIAL PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		password_salt TEXT NOT NULL,
		full_name TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		country TEXT NOT NULL DEFAULT '',
		city TEXT NOT NULL DEFAULT '',
		postcode TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS books (
		id BIGSERIAL PRIMARY KEY,
		title TEXT NOT NULL,
		author TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		year_published INT NOT NULL DEFAULT 0,
		isbn TEXT NOT NULL DEFAULT '',
		images TEXT NOT NULL DEFAULT '',
		owner_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		request_id BIGINT,
		status TEXT NOT NULL DEFAULT 'Available',
		version INT NOT NULL DEFAULT 1,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS books_owner_id_idx ON books (owner_id)`,
	`CREATE TABLE IF NOT EXISTS requests (
		id BIGSERIAL PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		requester_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		book_id BIGINT NOT NULL REFERENCES books(id) ON DELETE CASCADE,
		book_owner_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		status TEXT NOT NULL DEFAULT 'Open',
		is_archived_by_requester BOOLEAN NOT NULL DEFAULT FALSE,
		is_archived_by_receiver BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		CHECK (requester_id <> book_owner_id)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS requests_one_active_per_book ON requests (book_id) WHERE status <> 'Completed'`,
	`CREATE TABLE IF NOT EXISTS messages (
		id BIGSERIAL PRIMARY KEY,
		message TEXT NOT NULL,
		sender_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		receiver_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		request_id BIGINT NOT NULL REFERENCES requests(id) ON DELETE CASCADE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS messages_request_id_idx ON messages (request_id)`,
	`CREATE TABLE IF NOT EXISTS loan_events (
		id BIGSERIAL PRIMARY KEY,
		aggregate_type TEXT NOT NULL,
		aggregate_id BIGINT NOT NULL,
		event_type TEXT NOT NULL,
		event_data JSONB NOT NULL,
		metadata JSONB,
		version INT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (aggregate_type, aggregate_id, version)
	)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		password_salt TEXT NOT NULL,
		full_name TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		country TEXT NOT NULL DEFAULT '',
		city TEXT NOT NULL DEFAULT '',
		postcode TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS books (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL,
		author TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		year_published INTEGER NOT NULL DEFAULT 0,
		isbn TEXT NOT NULL DEFAULT '',
		images TEXT NOT NULL DEFAULT '',
		owner_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		request_id INTEGER,
		status TEXT NOT NULL DEFAULT 'Available',
		version INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS books_owner_id_idx ON books (owner_id)`,
	`CREATE TABLE IF NOT EXISTS requests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL DEFAULT '',
		requester_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		book_id INTEGER NOT NULL REFERENCES books(id) ON DELETE CASCADE,
		book_owner_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		status TEXT NOT NULL DEFAULT 'Open',
		is_archived_by_requester BOOLEAN NOT NULL DEFAULT FALSE,
		is_archived_by_receiver BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		CHECK (requester_id <> book_owner_id)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS requests_one_active_per_book ON requests (book_id) WHERE status <> 'Completed'`,
	`CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message TEXT NOT NULL,
		sender_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		receiver_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		request_id INTEGER NOT NULL REFERENCES requests(id) ON DELETE CASCADE,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS messages_request_id_idx ON messages (request_id)`,
	`CREATE TABLE IF NOT EXISTS loan_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		aggregate_type TEXT NOT NULL,
		aggregate_id INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		event_data TEXT NOT NULL,
		metadata TEXT,
		version INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (aggregate_type, aggregate_id, version)
	)`,
}

// Migrate creates the schema if the recorded version is behind.
func (g *Gateway) Migrate(ctx context.Context) error {
	stmts := postgresSchema
	if g.db.DriverName() == "sqlite3" {
		stmts = sqliteSchema
	}

	return g.WithinTx(ctx, "migrate", func(ctx context.Context, q Querier) error {
		if _, err := q.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_meta (key TEXT PRIMARY KEY, value INTEGER NOT NULL)`); err != nil {
			return fmt.Errorf("create schema_meta: %w", err)
		}

		var current int
		err := q.QueryRowxContext(ctx, q.Rebind(`SELECT value FROM schema_meta WHERE key = ?`), "schema_version").Scan(&current)
		if err != nil && !IsNoRows(err) {
			return fmt.Errorf("read schema version: %w", err)
		}
		if current >= schemaVersion {
			return nil
		}

		for i, stmt := range stmts {
			if _, err := q.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("apply schema statement %d: %w", i, err)
			}
		}

		if current == 0 {
			_, err = q.ExecContext(ctx, q.Rebind(`INSERT INTO schema_meta (key, value) VALUES (?, ?)`), "schema_version", schemaVersion)
		} else {
			_, err = q.ExecContext(ctx, q.Rebind(`UPDATE schema_meta SET value = ? WHERE key = ?`), schemaVersion, "schema_version")
		}
		if err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		return nil
	})
}
