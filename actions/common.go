package actions

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/mantty/reshape/db"
	"github.com/mantty/reshape/schema"
)

const batchSize = 1000

// quoteIdent wraps an identifier in double quotes. Reshape generates every
// identifier it uses (table/column names come from the schema tracker, not
// directly from migration file text passed to SQL without going through
// this), so this is purely for safety against reserved words and mixed
// case, not a defense against injection from an untrusted source.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteIdents(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = quoteIdent(n)
	}
	return out
}

// batchBackfill re-writes every row of table in primary-key order, batchSize
// rows at a time, via setClause (a "col = expr, col2 = expr2" fragment).
// Batching keeps each transaction small so a long-running backfill doesn't
// hold locks or bloat a single transaction's undo footprint on a big table.
func batchBackfill(ctx context.Context, conn db.Conn, table string, setClause string) error {
	pk, err := schema.GetPrimaryKeyColumns(ctx, conn, table)
	if err != nil {
		return err
	}
	if len(pk) == 0 {
		return fmt.Errorf("table %q has no primary key, can't batch backfill", table)
	}

	quotedTable := quoteIdent(table)
	quotedPK := quoteIdents(pk)
	pkList := strings.Join(quotedPK, ", ")

	var cursor []any
	for {
		where := ""
		args := []any{}
		if cursor != nil {
			placeholders := make([]string, len(pk))
			for i := range pk {
				placeholders[i] = fmt.Sprintf("$%d", i+1)
				args = append(args, cursor[i])
			}
			where = fmt.Sprintf("WHERE (%s) > (%s)", pkList, strings.Join(placeholders, ", "))
		}

		query := fmt.Sprintf(`
			WITH batch AS (
				SELECT %[1]s FROM %[2]s
				%[3]s
				ORDER BY %[1]s
				LIMIT %[4]d
			), updated AS (
				UPDATE %[2]s SET %[5]s
				WHERE (%[1]s) IN (SELECT %[1]s FROM batch)
				RETURNING %[1]s
			)
			SELECT %[1]s FROM updated ORDER BY %[1]s DESC LIMIT 1
		`, pkList, quotedTable, where, batchSize, setClause)

		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("backfill batch on %q: %w", table, err)
		}

		next, err := lastRowValues(rows, len(pk))
		if err != nil {
			return fmt.Errorf("read backfill cursor on %q: %w", table, err)
		}
		if next == nil {
			return nil
		}
		cursor = next
	}
}

func lastRowValues(rows pgx.Rows, n int) ([]any, error) {
	defer rows.Close()
	var last []any
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		last = vals
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if last == nil {
		return nil, nil
	}
	if len(last) != n {
		return nil, fmt.Errorf("expected %d primary key values, got %d", n, len(last))
	}
	return last, nil
}

// batchTouch re-writes every row of table without changing any value,
// tripping whatever insert/update triggers a later action installs so
// existing rows pick up the new column's up/down translation. Used by
// create_table's backfill when no up transformation needs a real value
// change, only trigger execution.
func batchTouch(ctx context.Context, conn db.Conn, table string, anyColumn string) error {
	return batchBackfill(ctx, conn, table, fmt.Sprintf("%[1]s = %[1]s", quoteIdent(anyColumn)))
}

// dropDuplicatedIndices drops every index abort needs to clean up after a
// CREATE INDEX CONCURRENTLY that may have left an invalid index behind (the
// concurrent build fails non-transactionally, so a half-built index can
// survive a rolled-back statement). It drops regardless of validity: a
// caller running this on abort wants the index gone either way.
func dropDuplicatedIndices(ctx context.Context, conn db.Conn, names ...string) error {
	for _, name := range names {
		if name == "" {
			continue
		}
		if err := conn.Exec(ctx, fmt.Sprintf("DROP INDEX CONCURRENTLY IF EXISTS %s", quoteIdent(name))); err != nil {
			return fmt.Errorf("drop index %q: %w", name, err)
		}
	}
	return nil
}
