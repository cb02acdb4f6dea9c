// Package db wraps the pgx connection pool reshape runs every query
// through: retrying transient failures, taking the cross-process advisory
// lock that keeps two reshape invocations from racing, and exposing a
// transaction helper the orchestrator and actions build on.
package db

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mantty/reshape/reshapeerr"
)

//go:embed assets/bootstrap.sql
var bootstrapSQL string

// lockKey is the session-level advisory lock key every reshape instance
// contends for before touching the lifecycle state. An arbitrary fixed
// 64-bit value, chosen once and never changed, so unrelated applications on
// the same database don't collide with it by chance.
const lockKey int64 = 4036779288569897133

// Gateway is the pool-backed entry point into the database. It satisfies
// Conn directly, so callers that don't need a transaction can use it as one.
type Gateway struct {
	pool *pgxpool.Pool

	// lockConn is the single physical connection AcquireLock pins the
	// session-level advisory lock to. pg_try_advisory_lock is tied to the
	// backend that took it, so the lock/unlock pair must run against the
	// same connection rather than whatever the pool happens to hand back.
	lockConn *pgxpool.Conn
}

// Open connects to databaseURL, verifies connectivity, and ensures the
// reshape metadata schema exists.
func Open(ctx context.Context, databaseURL string) (*Gateway, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, reshapeerr.Newf(reshapeerr.Configuration, "parse database url: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, reshapeerr.Newf(reshapeerr.Configuration, "create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, reshapeerr.Newf(reshapeerr.DatabaseTransient, "ping database: %w", err)
	}

	gw := &Gateway{pool: pool}
	if err := gw.bootstrap(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return gw, nil
}

// Close releases the underlying connection pool.
func (g *Gateway) Close() {
	g.pool.Close()
}

func (g *Gateway) bootstrap(ctx context.Context) error {
	if err := g.Exec(ctx, bootstrapSQL); err != nil {
		return reshapeerr.Newf(reshapeerr.DatabasePermanent, "bootstrap reshape schema: %w", err)
	}
	return nil
}

// Exec runs sql against the pool, retrying transient failures.
func (g *Gateway) Exec(ctx context.Context, sql string, args ...any) error {
	return withRetry(ctx, func() error {
		_, err := g.pool.Exec(ctx, sql, args...)
		return err
	})
}

// Query runs sql against the pool, retrying transient failures, and returns
// the resulting rows.
func (g *Gateway) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	var rows pgx.Rows
	err := withRetry(ctx, func() error {
		r, err := g.pool.Query(ctx, sql, args...)
		rows = r
		return err
	})
	return rows, err
}

// QueryRow runs sql against the pool and returns a single row. pgx defers
// the query's own error until Scan is called, so retrying has to wrap the
// whole query-and-scan attempt rather than the QueryRow call itself.
func (g *Gateway) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return &retryRow{ctx: ctx, pool: g.pool, sql: sql, args: args}
}

// retryRow defers running its query until Scan is called, so a transient
// failure can retry the full query-and-scan attempt rather than just the
// part of it that already ran.
type retryRow struct {
	ctx  context.Context
	pool *pgxpool.Pool
	sql  string
	args []any
}

func (r *retryRow) Scan(dest ...any) error {
	return withRetry(r.ctx, func() error {
		return r.pool.QueryRow(r.ctx, r.sql, r.args...).Scan(dest...)
	})
}

// Tx is an open transaction. It satisfies Conn, so actions run the same
// code whether they're handed a Gateway or a Tx.
type Tx struct {
	tx pgx.Tx
}

func (t *Tx) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := t.tx.Exec(ctx, sql, args...)
	return err
}

func (t *Tx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return t.tx.Query(ctx, sql, args...)
}

func (t *Tx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return t.tx.QueryRow(ctx, sql, args...)
}

func (t *Tx) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t *Tx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

// WithTransaction runs fn inside a transaction, committing if fn returns nil
// and rolling back otherwise. The transaction is retried as a whole on a
// transient failure, since Postgres aborts the entire transaction on error
// and there's nothing partial to resume.
func (g *Gateway) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	return withRetry(ctx, func() error {
		pgxTx, err := g.pool.Begin(ctx)
		if err != nil {
			return err
		}
		tx := &Tx{tx: pgxTx}

		if err := fn(ctx, tx); err != nil {
			_ = tx.Rollback(ctx)
			return err
		}
		return tx.Commit(ctx)
	})
}

// ErrAlreadyRunning is returned by AcquireLock when another reshape
// instance currently holds the advisory lock.
var ErrAlreadyRunning = reshapeerr.Newf(reshapeerr.Concurrency, "another reshape invocation is already running against this database")

// AcquireLock takes the session-level advisory lock that serializes reshape
// invocations against a single database. It does not block: a held lock
// means a concurrent invocation is in progress, which is reported to the
// caller as ErrAlreadyRunning rather than waited out.
func (g *Gateway) AcquireLock(ctx context.Context) error {
	conn, err := g.pool.Acquire(ctx)
	if err != nil {
		return reshapeerr.Newf(reshapeerr.DatabaseTransient, "acquire connection for advisory lock: %w", err)
	}

	var locked bool
	row := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", lockKey)
	if err := row.Scan(&locked); err != nil {
		conn.Release()
		return reshapeerr.Newf(reshapeerr.DatabaseTransient, "acquire advisory lock: %w", err)
	}
	if !locked {
		conn.Release()
		return ErrAlreadyRunning
	}

	g.lockConn = conn
	return nil
}

// ReleaseLock releases the advisory lock taken by AcquireLock, using the
// same physical connection that took it.
func (g *Gateway) ReleaseLock(ctx context.Context) error {
	if g.lockConn == nil {
		return nil
	}
	defer func() {
		g.lockConn.Release()
		g.lockConn = nil
	}()

	var released bool
	row := g.lockConn.QueryRow(ctx, "SELECT pg_advisory_unlock($1)", lockKey)
	if err := row.Scan(&released); err != nil {
		return fmt.Errorf("release advisory lock: %w", err)
	}
	return nil
}
