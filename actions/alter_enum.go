package actions

import (
	"context"
	"fmt"
	"strings"

	"github.com/mantty/reshape/db"
	"github.com/mantty/reshape/schema"
)

// AlterEnum changes the value set of an enum type. Postgres's native ALTER
// TYPE ... ADD VALUE isn't transactional and can't be rolled back, so this
// follows the same temp-column/bidirectional-trigger shape AlterColumn
// uses: build a new enum type with the full target value set, shadow every
// column of the old type with a column of the new type, and keep both in
// sync until Complete retires the old type.
//
// Down supplies, for each new value that has no equivalent in the old enum,
// the value an old-schema reader should see instead when a new-schema
// writer inserts it. Values already present in both enums translate via a
// direct text cast and need no entry.
type AlterEnum struct {
	Enum   string            `json:"enum"`
	Values []string          `json:"values"`
	Down   map[string]string `json:"down,omitempty"`
}

func (a *AlterEnum) Type() string { return "alter_enum" }

func (a *AlterEnum) Describe() string { return fmt.Sprintf("Altering enum %q", a.Enum) }

func (a *AlterEnum) newTypeName() string { return a.Enum + "__reshape_new" }

func (a *AlterEnum) insertTrigger(table, column string) string {
	return fmt.Sprintf("alter_enum_insert_trigger_%s_%s", table, column)
}
func (a *AlterEnum) updateOldTrigger(table, column string) string {
	return fmt.Sprintf("alter_enum_update_old_trigger_%s_%s", table, column)
}
func (a *AlterEnum) updateNewTrigger(table, column string) string {
	return fmt.Sprintf("alter_enum_update_new_trigger_%s_%s", table, column)
}
func (a *AlterEnum) temporaryColumn(realName string) string { return "__new__" + realName }

// affectedColumns returns every (table, column) pair whose tracked type is
// this enum.
func (a *AlterEnum) affectedColumns(s *schema.Schema) []struct {
	Table  *schema.Table
	Column *schema.Column
} {
	var out []struct {
		Table  *schema.Table
		Column *schema.Column
	}
	for _, t := range s.Tables {
		if t.Removed {
			continue
		}
		for _, c := range t.Columns {
			if c.Type == a.Enum {
				out = append(out, struct {
					Table  *schema.Table
					Column *schema.Column
				}{t, c})
			}
		}
	}
	return out
}

// downExpression builds the CASE expression translating a new-enum value
// back to an old-schema-visible value: literal mappings from Down, direct
// cast for everything else.
func (a *AlterEnum) downExpression(sourceExpr string) string {
	if len(a.Down) == 0 {
		return fmt.Sprintf("(%s)::text::%s", sourceExpr, quoteIdent(a.Enum))
	}
	var b strings.Builder
	b.WriteString("CASE " + sourceExpr)
	for value, down := range a.Down {
		fmt.Fprintf(&b, " WHEN %s THEN %s", "'"+strings.ReplaceAll(value, "'", "''")+"'", down)
	}
	fmt.Fprintf(&b, " ELSE (%s)::text::%s END", sourceExpr, quoteIdent(a.Enum))
	return b.String()
}

func (a *AlterEnum) Start(ctx context.Context, actx Context, conn db.Conn, s *schema.Schema) error {
	values := make([]string, len(a.Values))
	for i, v := range a.Values {
		values[i] = "'" + strings.ReplaceAll(v, "'", "''") + "'"
	}
	if err := conn.Exec(ctx, fmt.Sprintf("CREATE TYPE %s AS ENUM (%s)", quoteIdent(a.newTypeName()), strings.Join(values, ", "))); err != nil {
		return fmt.Errorf("create new enum type for %q: %w", a.Enum, err)
	}

	for _, pair := range a.affectedColumns(s) {
		table, col := pair.Table, pair.Column
		tempColumn := a.temporaryColumn(col.RealColumnName())

		if err := conn.Exec(ctx, fmt.Sprintf(
			"ALTER TABLE %[1]s ADD COLUMN IF NOT EXISTS %[2]s %[3]s; ALTER TABLE %[1]s ADD COLUMN IF NOT EXISTS __reshape_is_new BOOLEAN DEFAULT FALSE NOT NULL",
			quoteIdent(table.RealTableName()), quoteIdent(tempColumn), quoteIdent(a.newTypeName()),
		)); err != nil {
			return fmt.Errorf("add temporary column for %q.%q: %w", table.Name, col.Name, err)
		}

		insertTrigger := a.insertTrigger(table.Name, col.Name)
		updateOldTrigger := a.updateOldTrigger(table.Name, col.Name)
		updateNewTrigger := a.updateNewTrigger(table.Name, col.Name)
		existing := col.RealColumnName()

		query := fmt.Sprintf(`
			CREATE OR REPLACE FUNCTION %[1]s()
			RETURNS TRIGGER AS $$
			BEGIN
				IF NEW.__reshape_is_new THEN
					NEW.%[2]s = %[4]s;
				ELSE
					NEW.%[3]s = (NEW.%[2]s)::text::%[5]s;
				END IF;
				RETURN NEW;
			END
			$$ LANGUAGE plpgsql;

			DROP TRIGGER IF EXISTS %[1]s ON %[6]s;
			CREATE TRIGGER %[1]s BEFORE INSERT ON %[6]s FOR EACH ROW EXECUTE PROCEDURE %[1]s();

			CREATE OR REPLACE FUNCTION %[7]s()
			RETURNS TRIGGER AS $$
			BEGIN
				NEW.%[3]s = (NEW.%[2]s)::text::%[5]s;
				RETURN NEW;
			END
			$$ LANGUAGE plpgsql;

			DROP TRIGGER IF EXISTS %[7]s ON %[6]s;
			CREATE TRIGGER %[7]s BEFORE UPDATE OF %[2]s ON %[6]s FOR EACH ROW EXECUTE PROCEDURE %[7]s();

			CREATE OR REPLACE FUNCTION %[8]s()
			RETURNS TRIGGER AS $$
			BEGIN
				NEW.%[2]s = %[9]s;
				RETURN NEW;
			END
			$$ LANGUAGE plpgsql;

			DROP TRIGGER IF EXISTS %[8]s ON %[6]s;
			CREATE TRIGGER %[8]s BEFORE UPDATE OF %[3]s ON %[6]s FOR EACH ROW EXECUTE PROCEDURE %[8]s();
		`,
			quoteIdent(insertTrigger), quoteIdent(existing), quoteIdent(tempColumn),
			a.downExpression("NEW."+quoteIdent(tempColumn)), quoteIdent(a.newTypeName()), quoteIdent(table.RealTableName()),
			quoteIdent(updateOldTrigger), quoteIdent(updateNewTrigger), a.downExpression("NEW."+quoteIdent(tempColumn)),
		)
		if err := conn.Exec(ctx, query); err != nil {
			return fmt.Errorf("create alter_enum triggers for %q.%q: %w", table.Name, col.Name, err)
		}

		if err := batchBackfill(ctx, conn, table.RealTableName(), fmt.Sprintf(
			"%s = (%s)::text::%s", quoteIdent(tempColumn), quoteIdent(existing), quoteIdent(a.newTypeName()),
		)); err != nil {
			return fmt.Errorf("backfill %q.%q: %w", table.Name, col.Name, err)
		}
	}

	return nil
}

func (a *AlterEnum) Complete(ctx context.Context, actx Context, conn db.Conn, s *schema.Schema) error {
	for _, pair := range a.affectedColumns(s) {
		table, col := pair.Table, pair.Column
		// UpdateSchema already ran for this action by the time Complete is
		// called, so col.RealColumnName() is the temporary column and the
		// original column is its name without the temporary prefix.
		tempColumn := col.RealColumnName()
		existing := strings.TrimPrefix(tempColumn, a.temporaryColumn(""))

		if err := conn.Exec(ctx, fmt.Sprintf(
			"ALTER TABLE %s DROP COLUMN %s CASCADE", quoteIdent(table.RealTableName()), quoteIdent(existing),
		)); err != nil {
			return fmt.Errorf("drop old column %q.%q: %w", table.Name, col.Name, err)
		}
		if err := conn.Exec(ctx, fmt.Sprintf(
			"ALTER TABLE %s RENAME COLUMN %s TO %s", quoteIdent(table.RealTableName()), quoteIdent(tempColumn), quoteIdent(col.Name),
		)); err != nil {
			return fmt.Errorf("rename temporary column for %q.%q: %w", table.Name, col.Name, err)
		}

		dropTriggers := fmt.Sprintf(
			"DROP TRIGGER IF EXISTS %[1]s ON %[4]s; DROP FUNCTION IF EXISTS %[1]s;"+
				"DROP TRIGGER IF EXISTS %[2]s ON %[4]s; DROP FUNCTION IF EXISTS %[2]s;"+
				"DROP TRIGGER IF EXISTS %[3]s ON %[4]s; DROP FUNCTION IF EXISTS %[3]s;",
			quoteIdent(a.insertTrigger(table.Name, col.Name)), quoteIdent(a.updateOldTrigger(table.Name, col.Name)),
			quoteIdent(a.updateNewTrigger(table.Name, col.Name)), quoteIdent(table.RealTableName()),
		)
		if err := conn.Exec(ctx, dropTriggers); err != nil {
			return err
		}
	}

	if err := conn.Exec(ctx, fmt.Sprintf("DROP TYPE IF EXISTS %s", quoteIdent(a.Enum))); err != nil {
		return fmt.Errorf("drop old enum type %q: %w", a.Enum, err)
	}
	return conn.Exec(ctx, fmt.Sprintf("ALTER TYPE %s RENAME TO %s", quoteIdent(a.newTypeName()), quoteIdent(a.Enum)))
}

func (a *AlterEnum) Abort(ctx context.Context, actx Context, conn db.Conn, s *schema.Schema) error {
	for _, pair := range a.affectedColumns(s) {
		table, col := pair.Table, pair.Column
		dropTriggers := fmt.Sprintf(
			"DROP TRIGGER IF EXISTS %[1]s ON %[4]s; DROP FUNCTION IF EXISTS %[1]s;"+
				"DROP TRIGGER IF EXISTS %[2]s ON %[4]s; DROP FUNCTION IF EXISTS %[2]s;"+
				"DROP TRIGGER IF EXISTS %[3]s ON %[4]s; DROP FUNCTION IF EXISTS %[3]s;",
			quoteIdent(a.insertTrigger(table.Name, col.Name)), quoteIdent(a.updateOldTrigger(table.Name, col.Name)),
			quoteIdent(a.updateNewTrigger(table.Name, col.Name)), quoteIdent(table.RealTableName()),
		)
		if err := conn.Exec(ctx, dropTriggers); err != nil {
			return err
		}
		// After this action's UpdateSchema, col.RealColumnName() is already
		// the temporary column; before it, the temporary column is derived
		// from the original name.
		tempColumn := col.RealColumnName()
		if !strings.HasPrefix(tempColumn, a.temporaryColumn("")) {
			tempColumn = a.temporaryColumn(tempColumn)
		}
		if err := conn.Exec(ctx, fmt.Sprintf(
			"ALTER TABLE %s DROP COLUMN IF EXISTS %s", quoteIdent(table.RealTableName()), quoteIdent(tempColumn),
		)); err != nil {
			return err
		}
	}
	return conn.Exec(ctx, fmt.Sprintf("DROP TYPE IF EXISTS %s", quoteIdent(a.newTypeName())))
}

func (a *AlterEnum) UpdateSchema(actx Context, s *schema.Schema) error {
	enum := s.FindEnum(a.Enum)
	if enum == nil {
		return fmt.Errorf("no enum named %q in tracked schema", a.Enum)
	}
	enum.Values = a.Values

	for _, pair := range a.affectedColumns(s) {
		pair.Column.RealName = a.temporaryColumn(pair.Column.RealColumnName())
		pair.Table.HasIsNew = true
	}
	return nil
}
