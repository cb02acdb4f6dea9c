package actions

import (
	"context"
	"fmt"
	"strings"

	"github.com/mantty/reshape/db"
	"github.com/mantty/reshape/schema"
)

// CreateEnum creates a Postgres enum type. CREATE TYPE has no IF NOT
// EXISTS, so existence is checked manually against pg_type first.
type CreateEnum struct {
	Name   string   `json:"name"`
	Values []string `json:"values"`
}

func (a *CreateEnum) Type() string { return "create_enum" }

func (a *CreateEnum) Describe() string { return fmt.Sprintf("Creating enum %q", a.Name) }

func (a *CreateEnum) Start(ctx context.Context, actx Context, conn db.Conn, s *schema.Schema) error {
	var exists bool
	row := conn.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_catalog.pg_type WHERE typcategory = 'E' AND typname = $1
		)
	`, a.Name)
	if err := row.Scan(&exists); err != nil {
		return fmt.Errorf("check for existing enum %q: %w", a.Name, err)
	}
	if exists {
		return nil
	}

	values := make([]string, len(a.Values))
	for i, v := range a.Values {
		values[i] = "'" + strings.ReplaceAll(v, "'", "''") + "'"
	}
	return conn.Exec(ctx, fmt.Sprintf("CREATE TYPE %s AS ENUM (%s)", quoteIdent(a.Name), strings.Join(values, ", ")))
}

func (a *CreateEnum) Complete(ctx context.Context, actx Context, conn db.Conn, s *schema.Schema) error {
	return nil
}

func (a *CreateEnum) Abort(ctx context.Context, actx Context, conn db.Conn, s *schema.Schema) error {
	return conn.Exec(ctx, fmt.Sprintf("DROP TYPE IF EXISTS %s", quoteIdent(a.Name)))
}

func (a *CreateEnum) UpdateSchema(actx Context, s *schema.Schema) error {
	s.AddEnum(&schema.Enum{Name: a.Name, Values: a.Values})
	return nil
}
