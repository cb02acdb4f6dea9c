// Package viewgen generates the per-migration namespace of views that
// implement reshape's dual-schema illusion: a schema per in-flight
// migration, containing one view per tracked table that projects the
// table's real columns onto the names and shapes the migration's target
// schema expects.
package viewgen

import (
	"context"
	"fmt"
	"strings"

	"github.com/mantty/reshape/db"
	"github.com/mantty/reshape/schema"
)

// SchemaNameForMigration returns the Postgres schema name reserved for a
// migration's view namespace.
func SchemaNameForMigration(migrationName string) string {
	return "migration_" + migrationName
}

// GenerateSchemaQuery returns the SQL an application runs to start seeing
// the given migration's schema.
func GenerateSchemaQuery(migrationName string) string {
	return fmt.Sprintf("SET search_path TO %s", SchemaNameForMigration(migrationName))
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// CreateSchemaForMigration creates migrationName's view namespace and a
// view for every tracked table that is not marked Removed. Each view
// projects the real (possibly aliased) column names onto their presented
// names.
func CreateSchemaForMigration(ctx context.Context, conn db.Conn, migrationName string, s *schema.Schema) error {
	schemaName := SchemaNameForMigration(migrationName)
	if err := conn.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", quoteIdent(schemaName))); err != nil {
		return fmt.Errorf("create schema %q: %w", schemaName, err)
	}

	for _, t := range s.Tables {
		if t.Removed {
			continue
		}
		if err := CreateViewForTable(ctx, conn, t, schemaName, true); err != nil {
			return err
		}
	}
	return nil
}

// CreateViewForTable emits the single view that projects table onto
// schemaName. useAlias controls whether the view selects each column's
// real name aliased to its presented name, or selects the presented names
// directly.
func CreateViewForTable(ctx context.Context, conn db.Conn, table *schema.Table, schemaName string, useAlias bool) error {
	var selectColumns []string
	for _, col := range table.Columns {
		if col.Hidden {
			continue
		}
		if useAlias {
			selectColumns = append(selectColumns, fmt.Sprintf("%s AS %s", quoteIdent(col.RealColumnName()), quoteIdent(col.Name)))
		} else {
			selectColumns = append(selectColumns, quoteIdent(col.Name))
		}
	}
	if table.HasIsNew {
		selectColumns = append(selectColumns, "__reshape_is_new")
	}

	viewName := fmt.Sprintf("%s.%s", quoteIdent(schemaName), quoteIdent(table.Name))
	if err := conn.Exec(ctx, fmt.Sprintf(
		"CREATE OR REPLACE VIEW %s AS SELECT %s FROM %s",
		viewName, strings.Join(selectColumns, ", "), quoteIdent(table.RealTableName()),
	)); err != nil {
		return fmt.Errorf("create view for table %q: %w", table.Name, err)
	}

	if table.HasIsNew {
		if err := conn.Exec(ctx, fmt.Sprintf("ALTER VIEW %s ALTER __reshape_is_new SET DEFAULT TRUE", viewName)); err != nil {
			return fmt.Errorf("set __reshape_is_new default on view for %q: %w", table.Name, err)
		}
	}

	return nil
}

// DropSchemaForMigration drops migrationName's view namespace, used both
// to retire a completed migration's old namespace and to clean up a
// namespace an aborted migration partially created.
func DropSchemaForMigration(ctx context.Context, conn db.Conn, migrationName string) error {
	return conn.Exec(ctx, fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", quoteIdent(SchemaNameForMigration(migrationName))))
}

// SetUpHelpers (re)creates the reshape.is_old_schema() function translation
// triggers consult to tell which schema a write came through. currentMigration
// is empty when no migration has ever completed. The predicate matches
// either the session's current search_path (the usual pooled-connection
// case, since the application sets it once per connection) or the explicit
// reshape.is_old_schema GUC, which a migration tool itself sets around
// direct old-schema operations it performs outside the view layer.
func SetUpHelpers(ctx context.Context, conn db.Conn, currentMigration string) error {
	predicate := "setting_bool"
	if currentMigration != "" {
		predicate = fmt.Sprintf("current_setting('search_path') = %s OR setting_bool", quoteLiteral(SchemaNameForMigration(currentMigration)))
	}

	query := fmt.Sprintf(`
		CREATE OR REPLACE FUNCTION reshape.is_old_schema()
		RETURNS BOOLEAN AS $$
		DECLARE
			setting TEXT := current_setting('reshape.is_old_schema', TRUE);
			setting_bool BOOLEAN := setting IS NOT NULL AND setting = 'YES';
		BEGIN
			RETURN %s;
		END
		$$ LANGUAGE plpgsql;

		CREATE OR REPLACE FUNCTION reshape.is_new_schema()
		RETURNS BOOLEAN AS $$
		BEGIN
			RETURN NOT reshape.is_old_schema();
		END
		$$ LANGUAGE plpgsql;
	`, predicate)

	if err := conn.Exec(ctx, query); err != nil {
		return fmt.Errorf("create helper function reshape.is_old_schema(): %w", err)
	}
	return nil
}

// TearDownHelpers drops the helper functions SetUpHelpers created.
func TearDownHelpers(ctx context.Context, conn db.Conn) error {
	return conn.Exec(ctx, "DROP FUNCTION IF EXISTS reshape.is_old_schema; DROP FUNCTION IF EXISTS reshape.is_new_schema")
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
