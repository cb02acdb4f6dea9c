package actions

import (
	"context"
	"fmt"
	"strings"

	"github.com/mantty/reshape/db"
	"github.com/mantty/reshape/schema"
)

// ColumnChanges lists which properties of a column alter_column is asked to
// change. Any unset field keeps its current value.
type ColumnChanges struct {
	Name     string `json:"name,omitempty"`
	Type     string `json:"type,omitempty"`
	Nullable *bool  `json:"nullable,omitempty"`
}

// AlterColumn changes a column's name, type, or nullability. A rename-only
// change is applied directly; anything touching type or nullability goes
// through a temporary column and bidirectional triggers so both schemas can
// read and write the column concurrently.
type AlterColumn struct {
	Table   string        `json:"table"`
	Column  string        `json:"column"`
	Up      string        `json:"up,omitempty"`
	Down    string        `json:"down,omitempty"`
	Changes ColumnChanges `json:"changes"`
}

func (a *AlterColumn) Type() string { return "alter_column" }

func (a *AlterColumn) Describe() string {
	return fmt.Sprintf("Altering column %q on %q", a.Column, a.Table)
}

func (a *AlterColumn) canShortCircuit() bool {
	return a.Changes.Name != "" && a.Changes.Type == "" && a.Changes.Nullable == nil
}

func (a *AlterColumn) insertTrigger() string     { return fmt.Sprintf("alter_column_insert_trigger_%s_%s", a.Table, a.Column) }
func (a *AlterColumn) updateOldTrigger() string  { return fmt.Sprintf("alter_column_update_old_trigger_%s_%s", a.Table, a.Column) }
func (a *AlterColumn) updateNewTrigger() string  { return fmt.Sprintf("alter_column_update_new_trigger_%s_%s", a.Table, a.Column) }
func (a *AlterColumn) notNullConstraint() string { return fmt.Sprintf("alter_column_temporary_not_null_%s_%s", a.Table, a.Column) }
func (a *AlterColumn) temporaryColumn(realName string) string { return "__new__" + realName }
func (a *AlterColumn) duplicateIndexName(original string) string { return "__new__" + original }

// coveringIndices returns every index tracked on table that includes the
// column being altered, in the order Start must duplicate them and Complete
// must rename them back.
func (a *AlterColumn) coveringIndices(table *schema.Table) []*schema.Index {
	var out []*schema.Index
	for _, idx := range table.Indices {
		for _, c := range idx.Columns {
			if c == a.Column {
				out = append(out, idx)
				break
			}
		}
	}
	return out
}

// duplicateIndexColumns returns the physical column list for idx with the
// altered column's real name swapped for tempColumn, preserving idx's
// original column order.
func (a *AlterColumn) duplicateIndexColumns(table *schema.Table, idx *schema.Index, tempColumn string) ([]string, error) {
	cols := make([]string, len(idx.Columns))
	for i, name := range idx.Columns {
		if name == a.Column {
			cols[i] = tempColumn
			continue
		}
		col := table.FindColumn(name)
		if col == nil {
			return nil, fmt.Errorf("index %q covers untracked column %q on table %q", idx.Name, name, a.Table)
		}
		cols[i] = col.RealColumnName()
	}
	return cols, nil
}

func (a *AlterColumn) Start(ctx context.Context, actx Context, conn db.Conn, s *schema.Schema) error {
	table, err := s.RequireTable(a.Table)
	if err != nil {
		return err
	}
	col := table.FindColumn(a.Column)
	if col == nil {
		return fmt.Errorf("no column %q on table %q", a.Column, a.Table)
	}

	if a.canShortCircuit() {
		if a.Changes.Name == "" {
			return nil
		}
		return conn.Exec(ctx, fmt.Sprintf(
			"ALTER TABLE %s RENAME COLUMN %s TO %s",
			quoteIdent(a.Table), quoteIdent(col.RealColumnName()), quoteIdent(a.Changes.Name),
		))
	}

	if a.Up == "" || a.Down == "" {
		return fmt.Errorf("alter_column on %q.%q changes type or nullability: up and down expressions are required", a.Table, a.Column)
	}

	tempColumn := a.temporaryColumn(col.RealColumnName())
	tempType := a.Changes.Type
	if tempType == "" {
		tempType = col.Type
	}

	if err := conn.Exec(ctx, fmt.Sprintf(
		"ALTER TABLE %[1]s ADD COLUMN IF NOT EXISTS %[2]s %[3]s; ALTER TABLE %[1]s ADD COLUMN IF NOT EXISTS __reshape_is_new BOOLEAN DEFAULT FALSE NOT NULL",
		quoteIdent(a.Table), quoteIdent(tempColumn), tempType,
	)); err != nil {
		return fmt.Errorf("add temporary column for %q.%q: %w", a.Table, a.Column, err)
	}

	insertTrigger, updateOldTrigger, updateNewTrigger := a.insertTrigger(), a.updateOldTrigger(), a.updateNewTrigger()
	existing := col.RealColumnName()
	// up/down are user-authored expressions that reference the column by its
	// own bare name (spec example: up = "age::TEXT", down = "age::INTEGER"),
	// not by NEW./OLD. qualification or the temp column's name. PL/pgSQL
	// doesn't auto-resolve a bare column name inside a trigger body, so each
	// branch declares a local variable under that exact name, shadowing it,
	// sourced from whichever physical column already holds the value that
	// triggered this run: a write through the new view already populated
	// tempColumn and needs down() to backfill existing; a write through the
	// old view already populated existing and needs up() to backfill
	// tempColumn.
	query := fmt.Sprintf(`
		CREATE OR REPLACE FUNCTION %[1]s()
		RETURNS TRIGGER AS $$
		BEGIN
			IF NEW.__reshape_is_new THEN
				DECLARE
					%[10]s public.%[9]s.%[3]s%%TYPE := NEW.%[3]s;
				BEGIN
					NEW.%[2]s = %[5]s;
				END;
			ELSIF NOT NEW.__reshape_is_new THEN
				DECLARE
					%[10]s public.%[9]s.%[2]s%%TYPE := NEW.%[2]s;
				BEGIN
					NEW.%[3]s = %[4]s;
				END;
			END IF;
			RETURN NEW;
		END
		$$ LANGUAGE plpgsql;

		DROP TRIGGER IF EXISTS %[1]s ON %[9]s;
		CREATE TRIGGER %[1]s BEFORE INSERT ON %[9]s FOR EACH ROW EXECUTE PROCEDURE %[1]s();

		CREATE OR REPLACE FUNCTION %[6]s()
		RETURNS TRIGGER AS $$
		DECLARE
			%[10]s public.%[9]s.%[3]s%%TYPE := NEW.%[3]s;
		BEGIN
			NEW.%[2]s = %[5]s;
			RETURN NEW;
		END
		$$ LANGUAGE plpgsql;

		DROP TRIGGER IF EXISTS %[6]s ON %[9]s;
		CREATE TRIGGER %[6]s BEFORE UPDATE OF %[3]s ON %[9]s FOR EACH ROW EXECUTE PROCEDURE %[6]s();

		CREATE OR REPLACE FUNCTION %[7]s()
		RETURNS TRIGGER AS $$
		DECLARE
			%[10]s public.%[9]s.%[2]s%%TYPE := NEW.%[2]s;
		BEGIN
			NEW.%[3]s = %[4]s;
			RETURN NEW;
		END
		$$ LANGUAGE plpgsql;

		DROP TRIGGER IF EXISTS %[7]s ON %[9]s;
		CREATE TRIGGER %[7]s BEFORE UPDATE OF %[8]s ON %[9]s FOR EACH ROW EXECUTE PROCEDURE %[7]s();
	`,
		quoteIdent(insertTrigger), quoteIdent(existing), quoteIdent(tempColumn), a.Up, a.Down,
		quoteIdent(updateOldTrigger), quoteIdent(updateNewTrigger), quoteIdent(existing), quoteIdent(a.Table),
		quoteIdent(a.Column),
	)
	if err := conn.Exec(ctx, query); err != nil {
		return fmt.Errorf("create alter_column triggers for %q.%q: %w", a.Table, a.Column, err)
	}

	if !col.Nullable {
		if err := conn.Exec(ctx, fmt.Sprintf(
			"ALTER TABLE %s ADD CONSTRAINT %s CHECK (%s IS NOT NULL) NOT VALID",
			quoteIdent(a.Table), quoteIdent(a.notNullConstraint()), quoteIdent(tempColumn),
		)); err != nil {
			return fmt.Errorf("add temporary not-null constraint for %q.%q: %w", a.Table, a.Column, err)
		}
	}

	if err := batchBackfill(ctx, conn, table.RealTableName(), fmt.Sprintf("%s = %s", quoteIdent(tempColumn), a.Up)); err != nil {
		return fmt.Errorf("backfill %q.%q: %w", a.Table, a.Column, err)
	}

	// Any index covering the original column would otherwise go stale the
	// moment Complete renames the temporary column into place, since an
	// index is bound to a physical column, not reshape's tracked name.
	// CREATE INDEX CONCURRENTLY can't run inside the transaction block the
	// rest of Start's statements are batched into, so each is its own Exec.
	for _, idx := range a.coveringIndices(table) {
		cols, err := a.duplicateIndexColumns(table, idx, tempColumn)
		if err != nil {
			return err
		}
		unique := ""
		if idx.Unique {
			unique = "UNIQUE "
		}
		if err := conn.Exec(ctx, fmt.Sprintf(
			"CREATE %sINDEX CONCURRENTLY %s ON %s (%s)",
			unique, quoteIdent(a.duplicateIndexName(idx.Name)), quoteIdent(table.RealTableName()), strings.Join(quoteIdents(cols), ", "),
		)); err != nil {
			return fmt.Errorf("duplicate index %q for %q.%q: %w", idx.Name, a.Table, a.Column, err)
		}
	}

	return nil
}

func (a *AlterColumn) Complete(ctx context.Context, actx Context, conn db.Conn, s *schema.Schema) error {
	if a.canShortCircuit() {
		return nil
	}

	table, err := s.RequireTable(a.Table)
	if err != nil {
		return err
	}
	col := table.FindColumn(a.Column)
	if col == nil {
		return fmt.Errorf("no column %q on table %q", a.Column, a.Table)
	}

	// UpdateSchema already ran for this action by the time Complete is
	// called, so col.RealColumnName() is the temporary column, not the
	// original one: col.Name carries the final presented name instead.
	finalName := col.Name
	tempColumn := col.RealColumnName()

	if err := conn.Exec(ctx, fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s CASCADE", quoteIdent(a.Table), quoteIdent(a.Column))); err != nil {
		return fmt.Errorf("drop old column %q.%q: %w", a.Table, a.Column, err)
	}
	if err := conn.Exec(ctx, fmt.Sprintf(
		"ALTER TABLE %s RENAME COLUMN %s TO %s",
		quoteIdent(a.Table), quoteIdent(tempColumn), quoteIdent(finalName),
	)); err != nil {
		return fmt.Errorf("rename temporary column for %q.%q: %w", a.Table, a.Column, err)
	}

	dropTriggers := fmt.Sprintf(
		"DROP TRIGGER IF EXISTS %[1]s ON %[4]s; DROP FUNCTION IF EXISTS %[1]s;"+
			"DROP TRIGGER IF EXISTS %[2]s ON %[4]s; DROP FUNCTION IF EXISTS %[2]s;"+
			"DROP TRIGGER IF EXISTS %[3]s ON %[4]s; DROP FUNCTION IF EXISTS %[3]s;",
		quoteIdent(a.insertTrigger()), quoteIdent(a.updateOldTrigger()), quoteIdent(a.updateNewTrigger()), quoteIdent(a.Table),
	)
	if err := conn.Exec(ctx, dropTriggers); err != nil {
		return fmt.Errorf("drop alter_column triggers for %q.%q: %w", a.Table, a.Column, err)
	}

	// DROP COLUMN CASCADE above already took the original index with it
	// (an index can't survive losing one of its columns), freeing its name
	// for the duplicate built against the temporary column to take over.
	for _, idx := range a.coveringIndices(table) {
		if err := conn.Exec(ctx, fmt.Sprintf(
			"ALTER INDEX %s RENAME TO %s", quoteIdent(a.duplicateIndexName(idx.Name)), quoteIdent(idx.Name),
		)); err != nil {
			return fmt.Errorf("rename duplicated index %q for %q.%q: %w", idx.Name, a.Table, a.Column, err)
		}
	}

	if col.Nullable {
		return nil
	}

	constraint := a.notNullConstraint()
	if err := conn.Exec(ctx, fmt.Sprintf("ALTER TABLE %s VALIDATE CONSTRAINT %s", quoteIdent(a.Table), quoteIdent(constraint))); err != nil {
		return err
	}
	if err := conn.Exec(ctx, fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s SET NOT NULL", quoteIdent(a.Table), quoteIdent(finalName))); err != nil {
		return err
	}
	return conn.Exec(ctx, fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT %s", quoteIdent(a.Table), quoteIdent(constraint)))
}

// Abort undoes Start. For a rename-only change it renames the column back
// to its original name; otherwise it drops the triggers, the duplicated
// indices and the temporary column Start added, leaving the original
// column untouched.
func (a *AlterColumn) Abort(ctx context.Context, actx Context, conn db.Conn, s *schema.Schema) error {
	if a.canShortCircuit() {
		if a.Changes.Name == "" {
			return nil
		}
		table, err := s.RequireTable(a.Table)
		if err != nil {
			return err
		}
		col := table.FindColumn(a.Changes.Name)
		if col == nil {
			return nil
		}
		return conn.Exec(ctx, fmt.Sprintf("ALTER TABLE %s RENAME COLUMN %s TO %s", quoteIdent(a.Table), quoteIdent(a.Changes.Name), quoteIdent(a.Column)))
	}

	dropTriggers := fmt.Sprintf(
		"DROP TRIGGER IF EXISTS %[1]s ON %[4]s; DROP FUNCTION IF EXISTS %[1]s;"+
			"DROP TRIGGER IF EXISTS %[2]s ON %[4]s; DROP FUNCTION IF EXISTS %[2]s;"+
			"DROP TRIGGER IF EXISTS %[3]s ON %[4]s; DROP FUNCTION IF EXISTS %[3]s;",
		quoteIdent(a.insertTrigger()), quoteIdent(a.updateOldTrigger()), quoteIdent(a.updateNewTrigger()), quoteIdent(a.Table),
	)
	if err := conn.Exec(ctx, dropTriggers); err != nil {
		return err
	}

	table, err := s.RequireTable(a.Table)
	if err != nil {
		return err
	}
	col := table.FindColumn(a.Column)
	if col == nil {
		return nil
	}

	// The duplicated indices point at the temporary column, so they have to
	// go first: dropped regardless of whether CREATE INDEX CONCURRENTLY
	// ever finished, since a failed concurrent build leaves an invalid
	// index behind rather than rolling back.
	names := make([]string, 0, len(table.Indices))
	for _, idx := range a.coveringIndices(table) {
		names = append(names, a.duplicateIndexName(idx.Name))
	}
	if err := dropDuplicatedIndices(ctx, conn, names...); err != nil {
		return err
	}

	// UpdateSchema already ran for this action by the time Abort is called
	// (abortRun only reverses actions whose Start and UpdateSchema both
	// succeeded), so col.RealColumnName() is already the temporary column.
	return conn.Exec(ctx, fmt.Sprintf("ALTER TABLE %s DROP COLUMN IF EXISTS %s", quoteIdent(a.Table), quoteIdent(col.RealColumnName())))
}

func (a *AlterColumn) UpdateSchema(actx Context, s *schema.Schema) error {
	table, err := s.RequireTable(a.Table)
	if err != nil {
		return err
	}
	col := table.FindColumn(a.Column)
	if col == nil {
		return fmt.Errorf("no column %q on table %q", a.Column, a.Table)
	}

	if a.canShortCircuit() {
		if a.Changes.Name != "" {
			col.RealName = ""
			col.Name = a.Changes.Name
		}
		return nil
	}

	newName := a.Column
	if a.Changes.Name != "" {
		newName = a.Changes.Name
	}
	col.Name = newName
	col.RealName = a.temporaryColumn(a.Column)
	table.HasIsNew = true
	return nil
}
