package actions

import (
	"context"
	"fmt"
	"strings"

	"github.com/mantty/reshape/db"
	"github.com/mantty/reshape/schema"
)

// AddIndex creates an index concurrently, so it doesn't hold a lock that
// blocks writes for the duration of the (possibly long) build. CONCURRENTLY
// can't run inside a transaction block, so this action's Start must be
// invoked with a connection outside the overall migration transaction.
type AddIndex struct {
	Table   string   `json:"table"`
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
}

func (a *AddIndex) Type() string { return "add_index" }

func (a *AddIndex) Describe() string {
	return fmt.Sprintf("Adding index %q to table %q", a.Name, a.Table)
}

func (a *AddIndex) Start(ctx context.Context, actx Context, conn db.Conn, s *schema.Schema) error {
	table, err := s.RequireTable(a.Table)
	if err != nil {
		return err
	}
	cols := make([]string, len(a.Columns))
	for i, name := range a.Columns {
		col := table.FindColumn(name)
		if col == nil {
			return fmt.Errorf("no column %q on table %q", name, a.Table)
		}
		cols[i] = col.RealColumnName()
	}

	return conn.Exec(ctx, fmt.Sprintf(
		"CREATE INDEX CONCURRENTLY %s ON %s (%s)",
		quoteIdent(a.Name), quoteIdent(table.RealTableName()), strings.Join(quoteIdents(cols), ", "),
	))
}

func (a *AddIndex) Complete(ctx context.Context, actx Context, conn db.Conn, s *schema.Schema) error {
	return nil
}

func (a *AddIndex) Abort(ctx context.Context, actx Context, conn db.Conn, s *schema.Schema) error {
	return dropDuplicatedIndices(ctx, conn, a.Name)
}

func (a *AddIndex) UpdateSchema(actx Context, s *schema.Schema) error {
	table, err := s.RequireTable(a.Table)
	if err != nil {
		return err
	}
	table.Indices = append(table.Indices, &schema.Index{Name: a.Name, Columns: a.Columns})
	return nil
}
