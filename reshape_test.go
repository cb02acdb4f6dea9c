package reshape_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	pgTest "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/mantty/reshape"
	"github.com/mantty/reshape/db"
)

func newTestEngine(t *testing.T) (*reshape.Engine, *db.Gateway, string) {
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

	migrationsDir := t.TempDir()
	return reshape.New(gw, migrationsDir), gw, migrationsDir
}

func writeMigration(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatalf("write migration %s: %v", name, err)
	}
}

const createUsersMigration = `{
	"description": "create the users table",
	"actions": [
		{"type": "create_table", "name": "users", "primary_key": ["id"], "columns": [
			{"name": "id", "type": "bigserial", "nullable": false},
			{"name": "email", "type": "text", "nullable": false}
		]}
	]
}`

const addNicknameMigration = `{
	"description": "add a nickname column",
	"actions": [
		{"type": "add_column", "table": "users", "up": "''", "column": {"name": "nickname", "type": "text", "nullable": true}}
	]
}`

// The first migration against a blank database has no old schema worth
// keeping a dual-schema window open for, so Migrate is expected to complete
// it immediately without a separate Complete call.
func TestMigrateBlankDatabaseAutoCompletes(t *testing.T) {
	ctx := context.Background()
	engine, gw, dir := newTestEngine(t)
	writeMigration(t, dir, "001_create_users.json", createUsersMigration)

	names, err := engine.Migrate(ctx, false)
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if len(names) != 1 || names[0] != "001_create_users" {
		t.Fatalf("Migrate returned %v, want [001_create_users]", names)
	}

	var schemaName string
	row := gw.QueryRow(ctx, "SELECT schema_name FROM information_schema.schemata WHERE schema_name = 'migration_001_create_users'")
	if err := row.Scan(&schemaName); err != nil {
		t.Fatalf("expected the migration's view namespace to exist: %v", err)
	}

	if err := gw.Exec(ctx, `INSERT INTO migration_001_create_users.users (email) VALUES ('a@example.com')`); err != nil {
		t.Fatalf("insert through the generated view: %v", err)
	}

	var email string
	if err := gw.QueryRow(ctx, "SELECT email FROM migration_001_create_users.users").Scan(&email); err != nil {
		t.Fatalf("select through the generated view: %v", err)
	}
	if email != "a@example.com" {
		t.Errorf("email = %q, want a@example.com", email)
	}
}

// A migration run against a database that already has a completed
// migration stays InProgress until Complete is called, and both the old
// and new view namespaces serve traffic concurrently in the meantime.
func TestMigrateWithLiveWritesThenComplete(t *testing.T) {
	ctx := context.Background()
	engine, gw, dir := newTestEngine(t)
	writeMigration(t, dir, "001_create_users.json", createUsersMigration)

	if _, err := engine.Migrate(ctx, false); err != nil {
		t.Fatalf("first Migrate: %v", err)
	}

	writeMigration(t, dir, "002_add_nickname.json", addNicknameMigration)

	names, err := engine.Migrate(ctx, false)
	if err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	if len(names) != 1 || names[0] != "002_add_nickname" {
		t.Fatalf("Migrate returned %v, want [002_add_nickname]", names)
	}

	// A write through the old schema's view (no nickname column) must be
	// visible, with a backfilled default, through the new schema's view.
	if err := gw.Exec(ctx, `INSERT INTO migration_001_create_users.users (email) VALUES ('old-writer@example.com')`); err != nil {
		t.Fatalf("insert through the old view: %v", err)
	}
	var nickname string
	row := gw.QueryRow(ctx, `SELECT nickname FROM migration_002_add_nickname.users WHERE email = 'old-writer@example.com'`)
	if err := row.Scan(&nickname); err != nil {
		t.Fatalf("select backfilled column through the new view: %v", err)
	}
	if nickname != "" {
		t.Errorf("nickname = %q, want the backfilled empty string", nickname)
	}

	// A write through the new schema's view must remain visible through the
	// old schema's view, which doesn't know about the new column at all.
	if err := gw.Exec(ctx, `INSERT INTO migration_002_add_nickname.users (email, nickname) VALUES ('new-writer@example.com', 'nn')`); err != nil {
		t.Fatalf("insert through the new view: %v", err)
	}
	var count int
	if err := gw.QueryRow(ctx, `SELECT count(*) FROM migration_001_create_users.users WHERE email = 'new-writer@example.com'`).Scan(&count); err != nil {
		t.Fatalf("select through the old view: %v", err)
	}
	if count != 1 {
		t.Errorf("expected the new-writer row to be visible through the old view, got count=%d", count)
	}

	if err := engine.Complete(ctx); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	row = gw.QueryRow(ctx, "SELECT schema_name FROM information_schema.schemata WHERE schema_name = 'migration_001_create_users'")
	var leftover string
	if err := row.Scan(&leftover); err == nil {
		t.Error("expected the old view namespace to be dropped once Complete runs")
	}

	var isNewColumnCount int
	if err := gw.QueryRow(ctx, `
		SELECT count(*) FROM information_schema.columns
		WHERE table_name = 'users' AND column_name = '__reshape_is_new'
	`).Scan(&isNewColumnCount); err != nil {
		t.Fatalf("check for leftover bookkeeping column: %v", err)
	}
	if isNewColumnCount != 0 {
		t.Error("expected __reshape_is_new to be dropped once Complete runs")
	}
}

// A failure partway through Start's action loop must trigger an automatic,
// reverse-order abort that returns the database to Idle with no partial
// namespace left behind.
func TestMigrateAutoAbortsOnActionFailure(t *testing.T) {
	ctx := context.Background()
	engine, gw, dir := newTestEngine(t)
	writeMigration(t, dir, "001_create_users.json", createUsersMigration)
	if _, err := engine.Migrate(ctx, true); err != nil {
		t.Fatalf("setup Migrate: %v", err)
	}

	// add_foreign_key referencing a table that doesn't exist fails Start.
	const brokenMigration = `{
		"actions": [
			{"type": "add_column", "table": "users", "column": {"name": "age", "type": "integer", "nullable": true}},
			{"type": "add_foreign_key", "table": "users", "foreign_key": {"columns": ["age"], "referenced_table": "does_not_exist", "referenced_columns": ["id"]}}
		]
	}`
	writeMigration(t, dir, "002_broken.json", brokenMigration)

	if _, err := engine.Migrate(ctx, false); err == nil {
		t.Fatal("expected Migrate to fail when an action references a nonexistent table")
	}

	var ageColumnCount int
	if err := gw.QueryRow(ctx, `
		SELECT count(*) FROM information_schema.columns WHERE table_name = 'users' AND column_name = 'age'
	`).Scan(&ageColumnCount); err != nil {
		t.Fatalf("check for leftover column: %v", err)
	}
	if ageColumnCount != 0 {
		t.Error("expected the auto-abort to drop the column add_column.Start had already made")
	}

	var namespaceCount int
	if err := gw.QueryRow(ctx, `
		SELECT count(*) FROM pg_catalog.pg_namespace WHERE nspname = 'migration_002_broken'
	`).Scan(&namespaceCount); err != nil {
		t.Fatalf("check for leftover namespace: %v", err)
	}
	if namespaceCount != 0 {
		t.Error("expected no view namespace to exist for a migration that never reached Start's namespace-creation step")
	}

	// The engine should be back to Idle and able to start a fresh migration.
	fixed := `{
		"actions": [
			{"type": "add_column", "table": "users", "column": {"name": "age", "type": "integer", "nullable": true}}
		]
	}`
	writeMigration(t, dir, "002_broken.json", fixed)
	if _, err := engine.Migrate(ctx, true); err != nil {
		t.Fatalf("expected a corrected retry of the same migration name to succeed: %v", err)
	}
}

// Two engines racing against the same database must not both be able to
// start a migration: the advisory lock serializes them.
func TestMigrateRejectsConcurrentInvocation(t *testing.T) {
	ctx := context.Background()
	engine, gw, dir := newTestEngine(t)
	writeMigration(t, dir, "001_create_users.json", createUsersMigration)

	if err := gw.AcquireLock(ctx); err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	defer gw.ReleaseLock(ctx)

	if _, err := engine.Migrate(ctx, false); err == nil {
		t.Error("expected Migrate to fail while another invocation holds the advisory lock")
	}
}

// Abort called while a migration is InProgress reverses every action and
// restores Idle, leaving the database exactly as it was pre-migration.
func TestAbortInProgressMigration(t *testing.T) {
	ctx := context.Background()
	engine, gw, dir := newTestEngine(t)
	writeMigration(t, dir, "001_create_users.json", createUsersMigration)
	if _, err := engine.Migrate(ctx, true); err != nil {
		t.Fatalf("setup Migrate: %v", err)
	}

	writeMigration(t, dir, "002_add_nickname.json", addNicknameMigration)
	if _, err := engine.Migrate(ctx, false); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}

	if err := engine.Abort(ctx); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	var nicknameColumnCount int
	if err := gw.QueryRow(ctx, `
		SELECT count(*) FROM information_schema.columns WHERE table_name = 'users' AND column_name = 'nickname'
	`).Scan(&nicknameColumnCount); err != nil {
		t.Fatalf("check for leftover column: %v", err)
	}
	if nicknameColumnCount != 0 {
		t.Error("expected Abort to drop the nickname column add_column.Start had added")
	}

	var namespaceCount int
	if err := gw.QueryRow(ctx, `
		SELECT count(*) FROM pg_catalog.pg_namespace WHERE nspname = 'migration_002_add_nickname'
	`).Scan(&namespaceCount); err != nil {
		t.Fatalf("check for leftover namespace: %v", err)
	}
	if namespaceCount != 0 {
		t.Error("expected Abort to drop the new view namespace")
	}

	// A subsequent Migrate for the same pending migration should work again.
	if _, err := engine.Migrate(ctx, true); err != nil {
		t.Fatalf("expected a retry after Abort to succeed: %v", err)
	}
}

const createPeopleMigration = `{
	"description": "create people",
	"actions": [
		{"type": "create_table", "name": "people", "primary_key": ["id"], "columns": [
			{"name": "id", "type": "bigserial", "nullable": false},
			{"name": "age", "type": "integer", "nullable": false}
		]}
	]
}`

const alterAgeToTextMigration = `{
	"description": "change age to text",
	"actions": [
		{"type": "alter_column", "table": "people", "column": "age", "up": "age::TEXT", "down": "age::INTEGER", "changes": {"type": "text"}}
	]
}`

// alter_column's bidirectional triggers must translate a real up/down
// expression that references the column by its own bare name (the spec's
// own age::TEXT / age::INTEGER example), both for inserts and updates made
// through either schema's view, not just mechanically move values around.
func TestAlterColumnTranslatesValuesBidirectionally(t *testing.T) {
	ctx := context.Background()
	engine, gw, dir := newTestEngine(t)
	writeMigration(t, dir, "001_create_people.json", createPeopleMigration)

	if _, err := engine.Migrate(ctx, false); err != nil {
		t.Fatalf("first Migrate: %v", err)
	}

	writeMigration(t, dir, "002_alter_age.json", alterAgeToTextMigration)
	if _, err := engine.Migrate(ctx, false); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}

	// A write through the old view supplies an integer age; up() must
	// translate it forward so the new view's text column reflects it.
	if err := gw.Exec(ctx, `INSERT INTO migration_001_create_people.people (age) VALUES (5)`); err != nil {
		t.Fatalf("insert through the old view: %v", err)
	}
	var newAge string
	if err := gw.QueryRow(ctx, `SELECT age FROM migration_002_alter_age.people WHERE age = '5'`).Scan(&newAge); err != nil {
		t.Fatalf("select translated age through the new view: %v", err)
	}
	if newAge != "5" {
		t.Errorf(`age via new view = %q, want "5"`, newAge)
	}

	// A write through the new view supplies a text age; down() must
	// translate it backward so the old view's integer column reflects it.
	if err := gw.Exec(ctx, `INSERT INTO migration_002_alter_age.people (age) VALUES ('42')`); err != nil {
		t.Fatalf("insert through the new view: %v", err)
	}
	var oldAge int
	if err := gw.QueryRow(ctx, `SELECT age FROM migration_001_create_people.people WHERE age = 42`).Scan(&oldAge); err != nil {
		t.Fatalf("select translated age through the old view: %v", err)
	}
	if oldAge != 42 {
		t.Errorf("age via old view = %d, want 42", oldAge)
	}

	// Updating the column directly through the old view must propagate
	// forward through up() too, not just inserts.
	if err := gw.Exec(ctx, `UPDATE migration_001_create_people.people SET age = 7 WHERE age = 5`); err != nil {
		t.Fatalf("update through the old view: %v", err)
	}
	if err := gw.QueryRow(ctx, `SELECT age FROM migration_002_alter_age.people WHERE age = '7'`).Scan(&newAge); err != nil {
		t.Fatalf("select translated update through the new view: %v", err)
	}
	if newAge != "7" {
		t.Errorf(`age via new view after update = %q, want "7"`, newAge)
	}

	// Updating the column directly through the new view must propagate
	// backward through down() too.
	if err := gw.Exec(ctx, `UPDATE migration_002_alter_age.people SET age = '99' WHERE age = '42'`); err != nil {
		t.Fatalf("update through the new view: %v", err)
	}
	if err := gw.QueryRow(ctx, `SELECT age FROM migration_001_create_people.people WHERE age = 99`).Scan(&oldAge); err != nil {
		t.Fatalf("select translated update through the old view: %v", err)
	}
	if oldAge != 99 {
		t.Errorf("age via old view after update = %d, want 99", oldAge)
	}

	if err := engine.Complete(ctx); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	var finalAge string
	if err := gw.QueryRow(ctx, `SELECT age FROM migration_002_alter_age.people WHERE age = '7'`).Scan(&finalAge); err != nil {
		t.Fatalf("select age through the completed view: %v", err)
	}
	if finalAge != "7" {
		t.Errorf(`age after Complete = %q, want "7"`, finalAge)
	}
}

func TestSchemaQueryNeedsNoDatabase(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "001_create_users.json", createUsersMigration)
	writeMigration(t, dir, "002_add_nickname.json", addNicknameMigration)

	query, err := reshape.SchemaQuery(dir)
	if err != nil {
		t.Fatalf("SchemaQuery: %v", err)
	}
	if query != "SET search_path TO migration_002_add_nickname" {
		t.Errorf("SchemaQuery = %q", query)
	}
}
