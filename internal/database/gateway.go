// internal/database/gateway.go

// Package database owns the connection pool and runs every statement the
// repositories issue, inside spans, behind a circuit breaker, with driver
// errors sanitized before they leave the package.
package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"bookshare/internal/apperr"
	"bookshare/internal/config"

	// registered drivers
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Querier is satisfied by both *sqlx.DB and *sqlx.Tx, so repositories run
// unchanged inside or outside a transaction.
type Querier = sqlx.ExtContext

// Gateway executes repository work against the relational store.
type Gateway struct {
	db      *sqlx.DB
	breaker *gobreaker.CircuitBreaker
	tracer  trace.Tracer
	logger  *slog.Logger
}

// Open connects to the configured database, retrying the initial ping with
// exponential back-off until cfg.ConnectTimeout elapses.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*Gateway, error) {
	dsn := cfg.URL
	if cfg.Driver == "sqlite3" {
		dsn = sqliteDSN(dsn)
	}
	db, err := sqlx.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}

	if cfg.Driver == "sqlite3" {
		// SQLite serializes writers; one connection keeps transactions from
		// tripping over SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	_, err = backoff.Retry(ctx,
		func() (struct{}, error) {
			return struct{}{}, db.PingContext(ctx)
		},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(cfg.ConnectTimeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("database not ready", "driver", cfg.Driver, "retry_in", next, "error", err)
		}),
	)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Driver, err)
	}

	if cfg.Driver == "sqlite3" {
		var on int
		if err := db.QueryRowContext(ctx, `PRAGMA foreign_keys`).Scan(&on); err != nil {
			db.Close()
			return nil, fmt.Errorf("read sqlite foreign_keys: %w", err)
		}
		if on != 1 {
			db.Close()
			return nil, errors.New("sqlite foreign keys are disabled; deletes would not cascade")
		}
	}

	return New(db, cfg, logger), nil
}

// sqliteDSN turns on foreign keys unless the DSN already sets them.
func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_foreign_keys=") || strings.Contains(dsn, "_fk=") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&_foreign_keys=1"
	}
	return dsn + "?_foreign_keys=1"
}

// New wraps an already opened pool.
func New(db *sqlx.DB, cfg config.DatabaseConfig, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}

	g := &Gateway{
		db:     db,
		tracer: otel.Tracer("bookshare/database"),
		logger: logger,
	}
	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "database",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: isHealthy,
	})
	return g
}

// DriverName returns the sqlx driver name, "postgres" or "sqlite3".
func (g *Gateway) DriverName() string { return g.db.DriverName() }

// Close closes the underlying pool.
func (g *Gateway) Close() error { return g.db.Close() }

// Ping checks connectivity through the breaker.
func (g *Gateway) Ping(ctx context.Context) error {
	return g.run(ctx, "ping", func(ctx context.Context) error {
		return g.db.PingContext(ctx)
	})
}

// Do runs fn against the pool.
func (g *Gateway) Do(ctx context.Context, op string, fn func(ctx context.Context, q Querier) error) error {
	return g.run(ctx, op, func(ctx context.Context) error {
		return fn(ctx, g.db)
	})
}

// WithinTx runs fn inside a single transaction. The transaction commits only
// when fn returns nil; any error, classified or not, rolls back every write
// fn made.
func (g *Gateway) WithinTx(ctx context.Context, op string, fn func(ctx context.Context, q Querier) error) error {
	return g.run(ctx, op, func(ctx context.Context) error {
		tx, err := g.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer tx.Rollback()

		if err := fn(ctx, tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit transaction: %w", err)
		}
		return nil
	})
}

func (g *Gateway) run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, span := g.tracer.Start(ctx, "db."+op,
		trace.WithAttributes(attribute.String("db.system", g.db.DriverName())),
	)
	defer span.End()

	_, err := g.breaker.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	if err == nil {
		return nil
	}

	var appErr *apperr.Error
	if errors.As(err, &appErr) && appErr.Kind != apperr.KindDatabase {
		span.SetAttributes(attribute.String("app.error_kind", appErr.Kind.String()))
		return err
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, op)
	return g.sanitize(ctx, op, err)
}

// sanitize logs the raw failure under a fresh correlation id and returns the
// generic error clients are allowed to see.
func (g *Gateway) sanitize(ctx context.Context, op string, err error) error {
	var appErr *apperr.Error
	if errors.As(err, &appErr) && appErr.CorrelationID != "" {
		return err
	}

	id := uuid.NewString()
	msg := "database operation failed"
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		msg = "database circuit open"
	}
	g.logger.ErrorContext(ctx, msg, "op", op, "correlation_id", id, "error", err)
	return apperr.Database(id, err)
}

// isHealthy tells the breaker which errors say nothing about database health.
func isHealthy(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return appErr.Kind != apperr.KindDatabase && appErr.Kind != apperr.KindInternal
	}
	return false
}

// ForUpdate returns the row-locking suffix for dialects that support it.
func ForUpdate(q Querier) string {
	if q.DriverName() == "postgres" {
		return " FOR UPDATE"
	}
	return ""
}
