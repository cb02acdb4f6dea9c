package actions

import (
	"context"
	"fmt"
	"strings"

	"github.com/mantty/reshape/db"
	"github.com/mantty/reshape/schema"
)

// ColumnDef describes a column as declared in a migration file, before it
// becomes a tracked schema.Column.
type ColumnDef struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Nullable  bool   `json:"nullable"`
	Default   string `json:"default,omitempty"`
	Generated string `json:"generated,omitempty"`
}

// ForeignKeyDef describes a foreign key as declared in a migration file.
type ForeignKeyDef struct {
	Columns           []string `json:"columns"`
	ReferencedTable   string   `json:"referenced_table"`
	ReferencedColumns []string `json:"referenced_columns"`
}

// Transformation backfills a new table from an existing one as rows are
// written through the old schema, via an insert/update trigger on the
// source table.
type Transformation struct {
	Table             string            `json:"table"`
	Values            map[string]string `json:"values"`
	UpsertConstraint  string            `json:"upsert_constraint,omitempty"`
}

// CreateTable creates a new table, optionally keeping it populated from an
// existing table via Up while the old schema is still live.
type CreateTable struct {
	Name        string          `json:"name"`
	Columns     []ColumnDef     `json:"columns"`
	PrimaryKey  []string        `json:"primary_key"`
	ForeignKeys []ForeignKeyDef `json:"foreign_keys,omitempty"`
	Up          *Transformation `json:"up,omitempty"`
}

func (a *CreateTable) Type() string { return "create_table" }

func (a *CreateTable) Describe() string {
	return fmt.Sprintf("Creating table %q", a.Name)
}

func (a *CreateTable) triggerName(actx Context) string {
	return fmt.Sprintf("%s_create_table_%s", actx.Prefix(), a.Name)
}

func (a *CreateTable) Start(ctx context.Context, actx Context, conn db.Conn, s *schema.Schema) error {
	var defs []string
	for _, col := range a.Columns {
		parts := []string{quoteIdent(col.Name), col.Type}
		if col.Default != "" {
			parts = append(parts, "DEFAULT", col.Default)
		}
		if !col.Nullable {
			parts = append(parts, "NOT NULL")
		}
		if col.Generated != "" {
			parts = append(parts, "GENERATED", col.Generated)
		}
		defs = append(defs, strings.Join(parts, " "))
	}
	defs = append(defs, fmt.Sprintf("PRIMARY KEY (%s)", strings.Join(quoteIdents(a.PrimaryKey), ", ")))

	for _, fk := range a.ForeignKeys {
		refTable, err := s.RequireTable(fk.ReferencedTable)
		if err != nil {
			return err
		}
		refCols := make([]string, len(fk.ReferencedColumns))
		for i, c := range fk.ReferencedColumns {
			col := refTable.FindColumn(c)
			if col == nil {
				return fmt.Errorf("no column %q on table %q", c, fk.ReferencedTable)
			}
			refCols[i] = col.RealColumnName()
		}
		defs = append(defs, fmt.Sprintf(
			"FOREIGN KEY (%s) REFERENCES %s (%s)",
			strings.Join(quoteIdents(fk.Columns), ", "),
			quoteIdent(refTable.RealTableName()),
			strings.Join(quoteIdents(refCols), ", "),
		))
	}

	if err := conn.Exec(ctx, fmt.Sprintf(
		"CREATE TABLE %s (\n%s\n)", quoteIdent(a.Name), strings.Join(defs, ",\n"),
	)); err != nil {
		return fmt.Errorf("create table %q: %w", a.Name, err)
	}

	if a.Up == nil {
		return nil
	}

	fromTable, err := s.RequireTable(a.Up.Table)
	if err != nil {
		return err
	}

	var declarations []string
	for _, col := range fromTable.Columns {
		declarations = append(declarations, fmt.Sprintf(
			"%s public.%s.%s%%TYPE := NEW.%s;",
			quoteIdent(col.Name), quoteIdent(fromTable.RealTableName()), quoteIdent(col.RealColumnName()), quoteIdent(col.RealColumnName()),
		))
	}

	var insertCols, insertVals, updateSet []string
	for field, value := range a.Up.Values {
		insertCols = append(insertCols, quoteIdent(field))
		insertVals = append(insertVals, value)
		updateSet = append(updateSet, fmt.Sprintf("%s = %s", quoteIdent(field), value))
	}

	conflictConstraint := a.Up.UpsertConstraint
	if conflictConstraint == "" {
		conflictConstraint = a.Name + "_pkey"
	}

	trigger := a.triggerName(actx)
	query := fmt.Sprintf(`
		CREATE OR REPLACE FUNCTION %[1]s()
		RETURNS TRIGGER AS $$
		#variable_conflict use_variable
		BEGIN
			IF NOT reshape.is_new_schema() THEN
				DECLARE
					%[2]s
				BEGIN
					INSERT INTO public.%[3]s (%[4]s)
					VALUES (%[5]s)
					ON CONFLICT ON CONSTRAINT %[6]s
					DO UPDATE SET
						%[7]s;
				END;
			END IF;
			RETURN NEW;
		END
		$$ LANGUAGE plpgsql;

		DROP TRIGGER IF EXISTS %[1]s ON %[8]s;
		CREATE TRIGGER %[1]s BEFORE UPDATE OR INSERT ON %[8]s FOR EACH ROW EXECUTE PROCEDURE %[1]s();
	`,
		quoteIdent(trigger),
		strings.Join(declarations, "\n"),
		quoteIdent(a.Name),
		strings.Join(insertCols, ", "),
		strings.Join(insertVals, ", "),
		quoteIdent(conflictConstraint),
		strings.Join(updateSet, ",\n"),
		quoteIdent(fromTable.RealTableName()),
	)
	if err := conn.Exec(ctx, query); err != nil {
		return fmt.Errorf("create up trigger for %q: %w", a.Name, err)
	}

	if err := batchTouch(ctx, conn, fromTable.RealTableName(), fromTable.Columns[0].RealColumnName()); err != nil {
		return fmt.Errorf("backfill %q from %q: %w", a.Name, fromTable.Name, err)
	}

	return nil
}

func (a *CreateTable) Complete(ctx context.Context, actx Context, conn db.Conn, s *schema.Schema) error {
	return conn.Exec(ctx, fmt.Sprintf("DROP FUNCTION IF EXISTS %s CASCADE", quoteIdent(a.triggerName(actx))))
}

func (a *CreateTable) Abort(ctx context.Context, actx Context, conn db.Conn, s *schema.Schema) error {
	if err := conn.Exec(ctx, fmt.Sprintf("DROP FUNCTION IF EXISTS %s CASCADE", quoteIdent(a.triggerName(actx)))); err != nil {
		return err
	}
	return conn.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteIdent(a.Name)))
}

func (a *CreateTable) UpdateSchema(actx Context, s *schema.Schema) error {
	t := &schema.Table{Name: a.Name, PrimaryKey: a.PrimaryKey}
	for _, col := range a.Columns {
		t.Columns = append(t.Columns, &schema.Column{
			Name:     col.Name,
			Type:     col.Type,
			Nullable: col.Nullable,
			Default:  col.Default,
		})
	}
	for _, fk := range a.ForeignKeys {
		t.ForeignKeys = append(t.ForeignKeys, &schema.ForeignKey{
			Columns:           fk.Columns,
			ReferencedTable:   fk.ReferencedTable,
			ReferencedColumns: fk.ReferencedColumns,
		})
	}
	s.AddTable(t)
	return nil
}
