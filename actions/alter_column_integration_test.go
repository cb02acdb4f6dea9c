package actions_test

import (
	"context"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	pgTest "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/mantty/reshape/actions"
	"github.com/mantty/reshape/db"
	"github.com/mantty/reshape/schema"
)

func startPostgresForActions(t *testing.T) *db.Gateway {
	t.Helper()

	ctx := context.Background()
	container, err := pgTest.Run(ctx,
		"postgres:17-alpine",
		pgTest.WithDatabase("test"),
		pgTest.WithUsername("user"),
		pgTest.WithPassword("password"),
		pgTest.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() {
		testcontainers.CleanupContainer(t, container)
	})

	dbURL, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}

	gw, err := db.Open(ctx, dbURL)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(gw.Close)
	return gw
}

func widgetsTableWithCoveringIndex() *schema.Table {
	return &schema.Table{
		Name:       "widgets",
		PrimaryKey: []string{"id"},
		Columns: []*schema.Column{
			{Name: "id", Type: "bigint", Nullable: false},
			{Name: "code", Type: "text", Nullable: false},
		},
		Indices: []*schema.Index{
			{Name: "idx_widgets_code", Columns: []string{"code"}, Unique: true},
		},
	}
}

// A unique index covering the altered column must survive alter_column's
// temp-column dance: duplicated onto the temp column at Start, renamed back
// to its declared name once Complete drops the original column, and still
// enforcing uniqueness on the renamed physical column afterward.
func TestAlterColumnPreservesCoveringIndex(t *testing.T) {
	ctx := context.Background()
	gw := startPostgresForActions(t)

	if err := gw.Exec(ctx, `
		CREATE TABLE widgets (id BIGINT PRIMARY KEY, code TEXT NOT NULL);
		CREATE UNIQUE INDEX idx_widgets_code ON widgets (code);
		INSERT INTO widgets (id, code) VALUES (1, 'a');
	`); err != nil {
		t.Fatalf("set up widgets table: %v", err)
	}

	s := schema.New()
	s.AddTable(widgetsTableWithCoveringIndex())

	a := &actions.AlterColumn{
		Table:   "widgets",
		Column:  "code",
		Up:      "''",
		Down:    "''",
		Changes: actions.ColumnChanges{Type: "text"},
	}
	actx := actions.Context{MigrationIndex: 0, ActionIndex: 0}

	if err := a.Start(ctx, actx, gw, s); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var dupCount int
	if err := gw.QueryRow(ctx, `SELECT count(*) FROM pg_class WHERE relname = '__new__idx_widgets_code'`).Scan(&dupCount); err != nil {
		t.Fatalf("check for duplicated index: %v", err)
	}
	if dupCount != 1 {
		t.Fatalf("expected Start to create a duplicated index pointing at the temp column, got count=%d", dupCount)
	}

	if err := a.UpdateSchema(actx, s); err != nil {
		t.Fatalf("UpdateSchema: %v", err)
	}
	if err := a.Complete(ctx, actx, gw, s); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	var finalCount int
	if err := gw.QueryRow(ctx, `SELECT count(*) FROM pg_class WHERE relname = 'idx_widgets_code'`).Scan(&finalCount); err != nil {
		t.Fatalf("check for final index: %v", err)
	}
	if finalCount != 1 {
		t.Error("expected the duplicated index to be renamed back to idx_widgets_code once Complete runs")
	}

	var dupLeftover int
	if err := gw.QueryRow(ctx, `SELECT count(*) FROM pg_class WHERE relname = '__new__idx_widgets_code'`).Scan(&dupLeftover); err != nil {
		t.Fatalf("check for leftover duplicated index: %v", err)
	}
	if dupLeftover != 0 {
		t.Error("expected the duplicated index name to be gone once Complete renames it back")
	}

	var indexedColumn string
	if err := gw.QueryRow(ctx, `
		SELECT a.attname FROM pg_index ix
		JOIN pg_class i ON i.oid = ix.indexrelid
		JOIN pg_attribute a ON a.attrelid = ix.indrelid AND a.attnum = ANY(ix.indkey)
		WHERE i.relname = 'idx_widgets_code'
	`).Scan(&indexedColumn); err != nil {
		t.Fatalf("look up indexed column: %v", err)
	}
	if indexedColumn != "code" {
		t.Errorf("indexed column = %q, want code (the final physical column)", indexedColumn)
	}

	// Uniqueness must still be enforced on the final column. Up ('') was
	// backfilled into row 1, so inserting '' again must collide.
	if err := gw.Exec(ctx, `INSERT INTO widgets (id, code) VALUES (2, '')`); err == nil {
		t.Error("expected the renamed index to still enforce uniqueness")
	}
}

// Abort must drop a duplicated index regardless of whether its concurrent
// build ever finished, since a failed build leaves an invalid index behind
// rather than rolling back, and must leave the original index untouched.
func TestAlterColumnAbortDropsDuplicatedIndex(t *testing.T) {
	ctx := context.Background()
	gw := startPostgresForActions(t)

	if err := gw.Exec(ctx, `
		CREATE TABLE widgets (id BIGINT PRIMARY KEY, code TEXT NOT NULL);
		CREATE UNIQUE INDEX idx_widgets_code ON widgets (code);
	`); err != nil {
		t.Fatalf("set up widgets table: %v", err)
	}

	s := schema.New()
	s.AddTable(widgetsTableWithCoveringIndex())

	a := &actions.AlterColumn{
		Table:   "widgets",
		Column:  "code",
		Up:      "''",
		Down:    "''",
		Changes: actions.ColumnChanges{Type: "text"},
	}
	actx := actions.Context{MigrationIndex: 0, ActionIndex: 0}

	if err := a.Start(ctx, actx, gw, s); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := a.UpdateSchema(actx, s); err != nil {
		t.Fatalf("UpdateSchema: %v", err)
	}
	if err := a.Abort(ctx, actx, gw, s); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	var dupCount int
	if err := gw.QueryRow(ctx, `SELECT count(*) FROM pg_class WHERE relname = '__new__idx_widgets_code'`).Scan(&dupCount); err != nil {
		t.Fatalf("check for leftover duplicated index: %v", err)
	}
	if dupCount != 0 {
		t.Error("expected Abort to drop the duplicated index")
	}

	var originalCount int
	if err := gw.QueryRow(ctx, `SELECT count(*) FROM pg_class WHERE relname = 'idx_widgets_code'`).Scan(&originalCount); err != nil {
		t.Fatalf("check original index survives: %v", err)
	}
	if originalCount != 1 {
		t.Error("expected the original index to be untouched by Abort")
	}

	var tempColumnCount int
	if err := gw.QueryRow(ctx, `
		SELECT count(*) FROM information_schema.columns WHERE table_name = 'widgets' AND column_name = '__new__code'
	`).Scan(&tempColumnCount); err != nil {
		t.Fatalf("check for leftover temp column: %v", err)
	}
	if tempColumnCount != 0 {
		t.Error("expected Abort to drop the temporary column")
	}
}
