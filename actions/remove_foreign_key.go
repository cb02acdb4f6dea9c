package actions

import (
	"context"
	"fmt"

	"github.com/mantty/reshape/db"
	"github.com/mantty/reshape/schema"
)

// RemoveForeignKey removes a foreign key constraint, but not until
// Complete: Postgres has no way to temporarily disable a foreign key check,
// so removing it early would let the new schema write rows the old schema's
// invariants still expect to be constrained, and re-adding it on Abort
// could fail validation if the window let bad data in.
type RemoveForeignKey struct {
	Table      string `json:"table"`
	ForeignKey string `json:"foreign_key"`
}

func (a *RemoveForeignKey) Type() string { return "remove_foreign_key" }

func (a *RemoveForeignKey) Describe() string {
	return fmt.Sprintf("Removing foreign key %q from table %q", a.ForeignKey, a.Table)
}

func (a *RemoveForeignKey) Start(ctx context.Context, actx Context, conn db.Conn, s *schema.Schema) error {
	table, err := s.RequireTable(a.Table)
	if err != nil {
		return err
	}

	var exists bool
	row := conn.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.table_constraints
			WHERE constraint_type = 'FOREIGN KEY' AND table_name = $1 AND constraint_name = $2
		)
	`, table.RealTableName(), a.ForeignKey)
	if err := row.Scan(&exists); err != nil {
		return fmt.Errorf("check for foreign key %q: %w", a.ForeignKey, err)
	}
	if !exists {
		return fmt.Errorf("no foreign key %q exists on table %q", a.ForeignKey, a.Table)
	}
	return nil
}

func (a *RemoveForeignKey) Complete(ctx context.Context, actx Context, conn db.Conn, s *schema.Schema) error {
	return conn.Exec(ctx, fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT IF EXISTS %s", quoteIdent(a.Table), quoteIdent(a.ForeignKey)))
}

func (a *RemoveForeignKey) Abort(ctx context.Context, actx Context, conn db.Conn, s *schema.Schema) error {
	return nil
}

func (a *RemoveForeignKey) UpdateSchema(actx Context, s *schema.Schema) error {
	table, err := s.RequireTable(a.Table)
	if err != nil {
		return err
	}
	for i, fk := range table.ForeignKeys {
		if fk.Name == a.ForeignKey {
			table.ForeignKeys = append(table.ForeignKeys[:i], table.ForeignKeys[i+1:]...)
			return nil
		}
	}
	return nil
}
