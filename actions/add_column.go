package actions

import (
	"context"
	"fmt"
	"strings"

	"github.com/mantty/reshape/db"
	"github.com/mantty/reshape/schema"
)

// AddColumn adds a column to an existing table. When Up is set, rows written
// through the old schema get the new column backfilled via a trigger that
// evaluates Up against the row's other columns; otherwise the column is
// simply added (e.g. nullable with a constant default).
type AddColumn struct {
	Table  string    `json:"table"`
	Up     string    `json:"up,omitempty"`
	Column ColumnDef `json:"column"`
}

func (a *AddColumn) Type() string { return "add_column" }

func (a *AddColumn) Describe() string {
	return fmt.Sprintf("Adding column %q to %q", a.Column.Name, a.Table)
}

func (a *AddColumn) triggerName(actx Context) string {
	return fmt.Sprintf("%s_add_column_%s_%s", actx.Prefix(), a.Table, a.Column.Name)
}

func (a *AddColumn) notNullConstraintName(actx Context) string {
	return fmt.Sprintf("%s_add_column_not_null_%s_%s", actx.Prefix(), a.Table, a.Column.Name)
}

func (a *AddColumn) Start(ctx context.Context, actx Context, conn db.Conn, s *schema.Schema) error {
	table, err := s.RequireTable(a.Table)
	if err != nil {
		return err
	}

	defParts := []string{quoteIdent(a.Column.Name), a.Column.Type}
	if a.Column.Default != "" {
		defParts = append(defParts, "DEFAULT", a.Column.Default)
	}
	if err := conn.Exec(ctx, fmt.Sprintf(
		"ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s", quoteIdent(a.Table), strings.Join(defParts, " "),
	)); err != nil {
		return fmt.Errorf("add column %q to %q: %w", a.Column.Name, a.Table, err)
	}

	if a.Up != "" {
		if err := conn.Exec(ctx, fmt.Sprintf(
			"ALTER TABLE %s ADD COLUMN IF NOT EXISTS __reshape_is_new BOOLEAN DEFAULT FALSE NOT NULL", quoteIdent(a.Table),
		)); err != nil {
			return fmt.Errorf("add __reshape_is_new to %q: %w", a.Table, err)
		}

		var declarations []string
		for _, col := range table.Columns {
			declarations = append(declarations, fmt.Sprintf(
				"%s public.%s.%s%%TYPE := NEW.%s;",
				quoteIdent(col.Name), quoteIdent(table.RealTableName()), quoteIdent(col.Name), quoteIdent(col.Name),
			))
		}

		trigger := a.triggerName(actx)
		query := fmt.Sprintf(`
			CREATE OR REPLACE FUNCTION %[1]s()
			RETURNS TRIGGER AS $$
			BEGIN
				IF NOT NEW.__reshape_is_new THEN
					DECLARE
						%[2]s
					BEGIN
						NEW.%[3]s = %[4]s;
					END;
				END IF;
				RETURN NEW;
			END
			$$ LANGUAGE plpgsql;

			DROP TRIGGER IF EXISTS %[1]s ON %[5]s;
			CREATE TRIGGER %[1]s BEFORE UPDATE OR INSERT ON %[5]s FOR EACH ROW EXECUTE PROCEDURE %[1]s();
		`, quoteIdent(trigger), strings.Join(declarations, "\n"), quoteIdent(a.Column.Name), a.Up, quoteIdent(a.Table))
		if err := conn.Exec(ctx, query); err != nil {
			return fmt.Errorf("create up trigger for %q.%q: %w", a.Table, a.Column.Name, err)
		}
	}

	if !a.Column.Nullable {
		if err := conn.Exec(ctx, fmt.Sprintf(
			"ALTER TABLE %s ADD CONSTRAINT %s CHECK (%s IS NOT NULL) NOT VALID",
			quoteIdent(a.Table), quoteIdent(a.notNullConstraintName(actx)), quoteIdent(a.Column.Name),
		)); err != nil {
			return fmt.Errorf("add temporary not-null constraint on %q.%q: %w", a.Table, a.Column.Name, err)
		}
	}

	if a.Up != "" {
		if err := batchBackfill(ctx, conn, table.RealTableName(), fmt.Sprintf("%s = %s", quoteIdent(a.Column.Name), a.Up)); err != nil {
			return fmt.Errorf("backfill %q.%q: %w", a.Table, a.Column.Name, err)
		}
	}

	return nil
}

func (a *AddColumn) Complete(ctx context.Context, actx Context, conn db.Conn, s *schema.Schema) error {
	trigger := a.triggerName(actx)
	if err := conn.Exec(ctx, fmt.Sprintf(
		"DROP TRIGGER IF EXISTS %s ON %s; DROP FUNCTION IF EXISTS %s",
		quoteIdent(trigger), quoteIdent(a.Table), quoteIdent(trigger),
	)); err != nil {
		return err
	}

	if a.Column.Nullable {
		return nil
	}

	constraint := a.notNullConstraintName(actx)
	if err := conn.Exec(ctx, fmt.Sprintf("ALTER TABLE %s VALIDATE CONSTRAINT %s", quoteIdent(a.Table), quoteIdent(constraint))); err != nil {
		return fmt.Errorf("validate not-null constraint on %q.%q: %w", a.Table, a.Column.Name, err)
	}
	if err := conn.Exec(ctx, fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s SET NOT NULL", quoteIdent(a.Table), quoteIdent(a.Column.Name))); err != nil {
		return fmt.Errorf("set not null on %q.%q: %w", a.Table, a.Column.Name, err)
	}
	return conn.Exec(ctx, fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT %s", quoteIdent(a.Table), quoteIdent(constraint)))
}

func (a *AddColumn) Abort(ctx context.Context, actx Context, conn db.Conn, s *schema.Schema) error {
	trigger := a.triggerName(actx)
	if err := conn.Exec(ctx, fmt.Sprintf(
		"DROP TRIGGER IF EXISTS %s ON %s; DROP FUNCTION IF EXISTS %s",
		quoteIdent(trigger), quoteIdent(a.Table), quoteIdent(trigger),
	)); err != nil {
		return err
	}
	return conn.Exec(ctx, fmt.Sprintf("ALTER TABLE %s DROP COLUMN IF EXISTS %s", quoteIdent(a.Table), quoteIdent(a.Column.Name)))
}

func (a *AddColumn) UpdateSchema(actx Context, s *schema.Schema) error {
	table, err := s.RequireTable(a.Table)
	if err != nil {
		return err
	}
	if a.Up != "" {
		table.HasIsNew = true
	}
	table.Columns = append(table.Columns, &schema.Column{
		Name:     a.Column.Name,
		Type:     a.Column.Type,
		Nullable: a.Column.Nullable,
		Default:  a.Column.Default,
	})
	return nil
}
