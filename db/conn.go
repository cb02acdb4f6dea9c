package db

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// Conn is the minimal surface reshape issues queries through. Both the pool
// gateway and an open transaction satisfy it, so actions and the schema
// tracker can run against either without caring which.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) error
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}
