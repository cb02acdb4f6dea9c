package schema

import (
	"context"
	"fmt"

	"github.com/mantty/reshape/db"
)

// Introspect builds a Schema by reading Postgres's own catalogs, used to
// seed the tracker when reshape starts against a database on which no
// migration has completed yet and whose tracked schema is still empty.
func Introspect(ctx context.Context, conn db.Conn) (*Schema, error) {
	s := New()

	tableNames, err := queryStrings(ctx, conn, `
		SELECT table_name FROM information_schema.tables
		WHERE table_schema = 'public' AND table_type = 'BASE TABLE'
	`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}

	for _, name := range tableNames {
		t := &Table{Name: name}

		cols, err := conn.Query(ctx, `
			SELECT column_name, data_type, is_nullable = 'YES', COALESCE(column_default, '')
			FROM information_schema.columns
			WHERE table_schema = 'public' AND table_name = $1
			ORDER BY ordinal_position
		`, name)
		if err != nil {
			return nil, fmt.Errorf("list columns for %q: %w", name, err)
		}
		for cols.Next() {
			c := &Column{}
			if err := cols.Scan(&c.Name, &c.Type, &c.Nullable, &c.Default); err != nil {
				cols.Close()
				return nil, fmt.Errorf("scan column for %q: %w", name, err)
			}
			t.Columns = append(t.Columns, c)
		}
		cols.Close()

		pk, err := GetPrimaryKeyColumns(ctx, conn, name)
		if err != nil {
			return nil, err
		}
		t.PrimaryKey = pk

		fks, err := getForeignKeys(ctx, conn, name)
		if err != nil {
			return nil, err
		}
		t.ForeignKeys = fks

		idx, err := getIndicesForTable(ctx, conn, name)
		if err != nil {
			return nil, err
		}
		t.Indices = idx

		t.HasIsNew = t.FindColumn("__reshape_is_new") != nil

		s.AddTable(t)
	}

	enumNames, err := queryStrings(ctx, conn, `
		SELECT t.typname FROM pg_type t
		JOIN pg_enum e ON e.enumtypid = t.oid
		GROUP BY t.typname
	`)
	if err != nil {
		return nil, fmt.Errorf("list enums: %w", err)
	}
	for _, name := range enumNames {
		values, err := queryStrings(ctx, conn, `
			SELECT e.enumlabel FROM pg_type t
			JOIN pg_enum e ON e.enumtypid = t.oid
			WHERE t.typname = $1
			ORDER BY e.enumsortorder
		`, name)
		if err != nil {
			return nil, fmt.Errorf("list values for enum %q: %w", name, err)
		}
		s.AddEnum(&Enum{Name: name, Values: values})
	}

	return s, nil
}

func queryStrings(ctx context.Context, conn db.Conn, sql string, args ...any) ([]string, error) {
	rows, err := conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// GetPrimaryKeyColumns returns the ordered primary key column names for
// table.
func GetPrimaryKeyColumns(ctx context.Context, conn db.Conn, table string) ([]string, error) {
	rows, err := conn.Query(ctx, `
		SELECT a.attname AS column_name
		FROM pg_index i
		JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
		WHERE i.indrelid = $1::regclass AND i.indisprimary
		ORDER BY array_position(i.indkey, a.attnum)
	`, table)
	if err != nil {
		return nil, fmt.Errorf("get primary key columns for %q: %w", table, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

func getForeignKeys(ctx context.Context, conn db.Conn, table string) ([]*ForeignKey, error) {
	rows, err := conn.Query(ctx, `
		SELECT
			con.conname,
			ARRAY_AGG(att.attname ORDER BY u.ord) AS columns,
			ref.relname AS referenced_table,
			ARRAY_AGG(refatt.attname ORDER BY u.ord) AS referenced_columns
		FROM pg_constraint con
		JOIN pg_class tbl ON tbl.oid = con.conrelid
		JOIN pg_class ref ON ref.oid = con.confrelid
		JOIN LATERAL unnest(con.conkey, con.confkey) WITH ORDINALITY AS u(attnum, refattnum, ord) ON TRUE
		JOIN pg_attribute att ON att.attrelid = con.conrelid AND att.attnum = u.attnum
		JOIN pg_attribute refatt ON refatt.attrelid = con.confrelid AND refatt.attnum = u.refattnum
		WHERE con.contype = 'f' AND tbl.relname = $1
		GROUP BY con.conname, ref.relname
	`, table)
	if err != nil {
		return nil, fmt.Errorf("get foreign keys for %q: %w", table, err)
	}
	defer rows.Close()

	var out []*ForeignKey
	for rows.Next() {
		fk := &ForeignKey{}
		if err := rows.Scan(&fk.Name, &fk.Columns, &fk.ReferencedTable, &fk.ReferencedColumns); err != nil {
			return nil, err
		}
		out = append(out, fk)
	}
	return out, rows.Err()
}

func getIndicesForTable(ctx context.Context, conn db.Conn, table string) ([]*Index, error) {
	rows, err := conn.Query(ctx, `
		SELECT i.relname AS name, ix.indisunique AS unique
		FROM pg_index ix
		JOIN pg_class t ON t.oid = ix.indrelid
		JOIN pg_class i ON i.oid = ix.indexrelid
		WHERE t.relname = $1 AND NOT ix.indisprimary
	`, table)
	if err != nil {
		return nil, fmt.Errorf("get indices for %q: %w", table, err)
	}
	defer rows.Close()

	var out []*Index
	for rows.Next() {
		idx := &Index{}
		if err := rows.Scan(&idx.Name, &idx.Unique); err != nil {
			return nil, err
		}
		cols, err := GetIndexColumns(ctx, conn, idx.Name)
		if err != nil {
			return nil, err
		}
		idx.Columns = cols
		out = append(out, idx)
	}
	return out, rows.Err()
}

// GetIndexColumns returns the ordered column names participating in the
// named index.
func GetIndexColumns(ctx context.Context, conn db.Conn, indexName string) ([]string, error) {
	rows, err := conn.Query(ctx, `
		SELECT a.attname
		FROM pg_index ix
		JOIN pg_class i ON i.oid = ix.indexrelid
		JOIN pg_attribute a ON a.attrelid = ix.indrelid AND a.attnum = ANY(ix.indkey)
		WHERE i.relname = $1
		ORDER BY array_position(ix.indkey, a.attnum)
	`, indexName)
	if err != nil {
		return nil, fmt.Errorf("get columns for index %q: %w", indexName, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}
