package actions

import (
	"context"
	"fmt"

	"github.com/mantty/reshape/db"
	"github.com/mantty/reshape/schema"
)

// RenameTable renames a table. The rename itself only happens at Complete —
// until then, the old name keeps serving the old schema's view while the
// new schema's view is generated against the tracked new name.
type RenameTable struct {
	Table   string `json:"table"`
	NewName string `json:"new_name"`
}

func (a *RenameTable) Type() string { return "rename_table" }

func (a *RenameTable) Describe() string {
	return fmt.Sprintf("Renaming table %q to %q", a.Table, a.NewName)
}

func (a *RenameTable) Start(ctx context.Context, actx Context, conn db.Conn, s *schema.Schema) error {
	return nil
}

func (a *RenameTable) Complete(ctx context.Context, actx Context, conn db.Conn, s *schema.Schema) error {
	return conn.Exec(ctx, fmt.Sprintf("ALTER TABLE %s RENAME TO %s", quoteIdent(a.Table), quoteIdent(a.NewName)))
}

func (a *RenameTable) Abort(ctx context.Context, actx Context, conn db.Conn, s *schema.Schema) error {
	return nil
}

func (a *RenameTable) UpdateSchema(actx Context, s *schema.Schema) error {
	table, err := s.RequireTable(a.Table)
	if err != nil {
		return err
	}
	table.RealName = a.Table
	table.Name = a.NewName
	return nil
}
