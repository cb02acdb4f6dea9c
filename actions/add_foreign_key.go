package actions

import (
	"context"
	"fmt"
	"strings"

	"github.com/mantty/reshape/db"
	"github.com/mantty/reshape/schema"
)

// AddForeignKey adds a foreign key constraint, validated without a
// long-lived lock: the constraint is created NOT VALID (enforced for new
// writes immediately) then validated against existing rows in a separate
// statement that only needs a brief lock.
type AddForeignKey struct {
	Table      string        `json:"table"`
	ForeignKey ForeignKeyDef `json:"foreign_key"`
}

func (a *AddForeignKey) Type() string { return "add_foreign_key" }

func (a *AddForeignKey) Describe() string {
	return fmt.Sprintf("Adding foreign key from table %q to %q", a.Table, a.ForeignKey.ReferencedTable)
}

func (a *AddForeignKey) tempConstraintName(actx Context) string {
	return fmt.Sprintf("%s_temp_fkey", actx.Prefix())
}

func (a *AddForeignKey) finalConstraintName() string {
	return fmt.Sprintf("%s_%s_fkey", a.Table, strings.Join(a.ForeignKey.Columns, "_"))
}

func (a *AddForeignKey) Start(ctx context.Context, actx Context, conn db.Conn, s *schema.Schema) error {
	table, err := s.RequireTable(a.Table)
	if err != nil {
		return err
	}
	refTable, err := s.RequireTable(a.ForeignKey.ReferencedTable)
	if err != nil {
		return err
	}

	cols := make([]string, len(a.ForeignKey.Columns))
	for i, name := range a.ForeignKey.Columns {
		col := table.FindColumn(name)
		if col == nil {
			return fmt.Errorf("no column %q on table %q", name, a.Table)
		}
		cols[i] = col.RealColumnName()
	}
	refCols := make([]string, len(a.ForeignKey.ReferencedColumns))
	for i, name := range a.ForeignKey.ReferencedColumns {
		col := refTable.FindColumn(name)
		if col == nil {
			return fmt.Errorf("no column %q on table %q", name, a.ForeignKey.ReferencedTable)
		}
		refCols[i] = col.RealColumnName()
	}

	constraint := a.tempConstraintName(actx)
	if err := conn.Exec(ctx, fmt.Sprintf(
		"ALTER TABLE %s ADD CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s (%s) NOT VALID",
		quoteIdent(table.RealTableName()), quoteIdent(constraint), strings.Join(quoteIdents(cols), ", "),
		quoteIdent(refTable.RealTableName()), strings.Join(quoteIdents(refCols), ", "),
	)); err != nil {
		return fmt.Errorf("create foreign key on %q: %w", a.Table, err)
	}

	return conn.Exec(ctx, fmt.Sprintf("ALTER TABLE %s VALIDATE CONSTRAINT %s", quoteIdent(table.RealTableName()), quoteIdent(constraint)))
}

func (a *AddForeignKey) Complete(ctx context.Context, actx Context, conn db.Conn, s *schema.Schema) error {
	return conn.Exec(ctx, fmt.Sprintf(
		"ALTER TABLE %s RENAME CONSTRAINT %s TO %s",
		quoteIdent(a.Table), quoteIdent(a.tempConstraintName(actx)), quoteIdent(a.finalConstraintName()),
	))
}

func (a *AddForeignKey) Abort(ctx context.Context, actx Context, conn db.Conn, s *schema.Schema) error {
	return conn.Exec(ctx, fmt.Sprintf(
		"ALTER TABLE %s DROP CONSTRAINT IF EXISTS %s", quoteIdent(a.Table), quoteIdent(a.tempConstraintName(actx)),
	))
}

func (a *AddForeignKey) UpdateSchema(actx Context, s *schema.Schema) error {
	table, err := s.RequireTable(a.Table)
	if err != nil {
		return err
	}
	table.ForeignKeys = append(table.ForeignKeys, &schema.ForeignKey{
		Name:              a.finalConstraintName(),
		Columns:           a.ForeignKey.Columns,
		ReferencedTable:   a.ForeignKey.ReferencedTable,
		ReferencedColumns: a.ForeignKey.ReferencedColumns,
	})
	return nil
}
