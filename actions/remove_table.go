package actions

import (
	"context"
	"fmt"

	"github.com/mantty/reshape/db"
	"github.com/mantty/reshape/schema"
)

// RemoveTable drops a table. The drop happens at Complete: the old schema
// keeps using it until the old schema is retired.
type RemoveTable struct {
	Table string `json:"table"`
}

func (a *RemoveTable) Type() string { return "remove_table" }

func (a *RemoveTable) Describe() string { return fmt.Sprintf("Removing table %q", a.Table) }

func (a *RemoveTable) Start(ctx context.Context, actx Context, conn db.Conn, s *schema.Schema) error {
	return nil
}

func (a *RemoveTable) Complete(ctx context.Context, actx Context, conn db.Conn, s *schema.Schema) error {
	return conn.Exec(ctx, fmt.Sprintf("DROP TABLE %s", quoteIdent(a.Table)))
}

func (a *RemoveTable) Abort(ctx context.Context, actx Context, conn db.Conn, s *schema.Schema) error {
	return nil
}

func (a *RemoveTable) UpdateSchema(actx Context, s *schema.Schema) error {
	table, err := s.RequireTable(a.Table)
	if err != nil {
		return err
	}
	table.Removed = true
	return nil
}
