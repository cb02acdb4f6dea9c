package actions

import (
	"context"
	"fmt"
	"strings"

	"github.com/mantty/reshape/db"
	"github.com/mantty/reshape/schema"
)

// RemoveColumn hides a column from the new schema while the old schema
// keeps writing it. When Down is set, a trigger fills the column in from
// the row's other values whenever the new schema leaves it NULL, so rows
// written through the new schema stay valid for old-schema readers.
type RemoveColumn struct {
	Table  string `json:"table"`
	Column string `json:"column"`
	Down   string `json:"down,omitempty"`
}

func (a *RemoveColumn) Type() string { return "remove_column" }

func (a *RemoveColumn) Describe() string {
	return fmt.Sprintf("Removing column %q from %q", a.Column, a.Table)
}

func (a *RemoveColumn) triggerName(actx Context) string {
	return fmt.Sprintf("%s_remove_column_%s_%s", actx.Prefix(), a.Table, a.Column)
}

func (a *RemoveColumn) Start(ctx context.Context, actx Context, conn db.Conn, s *schema.Schema) error {
	if a.Down == "" {
		return nil
	}

	table, err := s.RequireTable(a.Table)
	if err != nil {
		return err
	}

	var declarations []string
	for _, col := range table.Columns {
		declarations = append(declarations, fmt.Sprintf(
			"%s public.%s.%s%%TYPE := NEW.%s;",
			quoteIdent(col.Name), quoteIdent(table.RealTableName()), quoteIdent(col.RealColumnName()), quoteIdent(col.RealColumnName()),
		))
	}

	trigger := a.triggerName(actx)
	query := fmt.Sprintf(`
		CREATE OR REPLACE FUNCTION %[1]s()
		RETURNS TRIGGER AS $$
		BEGIN
			IF NEW.%[2]s IS NULL THEN
				DECLARE
					%[3]s
				BEGIN
					NEW.%[2]s = %[4]s;
				END;
			END IF;
			RETURN NEW;
		END
		$$ LANGUAGE plpgsql;

		DROP TRIGGER IF EXISTS %[1]s ON %[5]s;
		CREATE TRIGGER %[1]s BEFORE UPDATE OR INSERT ON %[5]s FOR EACH ROW EXECUTE PROCEDURE %[1]s();
	`, quoteIdent(trigger), quoteIdent(a.Column), strings.Join(declarations, "\n"), a.Down, quoteIdent(table.RealTableName()))

	return conn.Exec(ctx, query)
}

func (a *RemoveColumn) Complete(ctx context.Context, actx Context, conn db.Conn, s *schema.Schema) error {
	trigger := a.triggerName(actx)
	return conn.Exec(ctx, fmt.Sprintf(
		"ALTER TABLE %s DROP COLUMN %s; DROP TRIGGER IF EXISTS %s ON %s; DROP FUNCTION IF EXISTS %s",
		quoteIdent(a.Table), quoteIdent(a.Column), quoteIdent(trigger), quoteIdent(a.Table), quoteIdent(trigger),
	))
}

func (a *RemoveColumn) Abort(ctx context.Context, actx Context, conn db.Conn, s *schema.Schema) error {
	trigger := a.triggerName(actx)
	return conn.Exec(ctx, fmt.Sprintf(
		"DROP TRIGGER IF EXISTS %s ON %s; DROP FUNCTION IF EXISTS %s",
		quoteIdent(trigger), quoteIdent(a.Table), quoteIdent(trigger),
	))
}

func (a *RemoveColumn) UpdateSchema(actx Context, s *schema.Schema) error {
	table, err := s.RequireTable(a.Table)
	if err != nil {
		return err
	}
	col := table.FindColumn(a.Column)
	if col == nil {
		return fmt.Errorf("no column %q on table %q", a.Column, a.Table)
	}
	col.Hidden = true
	return nil
}
