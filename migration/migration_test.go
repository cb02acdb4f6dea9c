package migration_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mantty/reshape/actions"
	"github.com/mantty/reshape/migration"
)

func writeFile(t *testing.T, dir, name, contents string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(contents), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestLoadJSON(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "001_create_users.json", `{
		"description": "create the users table",
		"actions": [
			{"type": "create_table", "name": "users", "primary_key": ["id"], "columns": [
				{"name": "id", "type": "bigserial", "nullable": false}
			]}
		]
	}`)

	m, err := migration.Load(filepath.Join(dir, "001_create_users.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Name != "001_create_users" {
		t.Errorf("Name = %q, want derived-from-filename %q", m.Name, "001_create_users")
	}
	if m.Description != "create the users table" {
		t.Errorf("Description = %q", m.Description)
	}
	if len(m.Actions) != 1 {
		t.Fatalf("got %d actions, want 1", len(m.Actions))
	}
	ct, ok := m.Actions[0].(*actions.CreateTable)
	if !ok {
		t.Fatalf("action 0 is %T, want *actions.CreateTable", m.Actions[0])
	}
	if ct.Name != "users" {
		t.Errorf("CreateTable.Name = %q", ct.Name)
	}
}

func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "002_rename_users.toml", `
description = "rename users to accounts"

[[actions]]
type = "rename_table"
table = "users"
new_name = "accounts"
`)

	m, err := migration.Load(filepath.Join(dir, "002_rename_users.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(m.Actions) != 1 {
		t.Fatalf("got %d actions, want 1", len(m.Actions))
	}
	rt, ok := m.Actions[0].(*actions.RenameTable)
	if !ok {
		t.Fatalf("action 0 is %T, want *actions.RenameTable", m.Actions[0])
	}
	if rt.Table != "users" || rt.NewName != "accounts" {
		t.Errorf("RenameTable = %+v", rt)
	}
}

func TestLoadUnrecognizedExtension(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "003_bad.yaml", "actions: []")

	if _, err := migration.Load(filepath.Join(dir, "003_bad.yaml")); err == nil {
		t.Error("expected an error for an unrecognized extension")
	}
}

func TestDiscoverOrdersLexicographically(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "002_second.json", `{"actions": []}`)
	writeFile(t, dir, "001_first.json", `{"actions": []}`)
	writeFile(t, dir, "readme.txt", "not a migration")

	migrations, err := migration.Discover(dir)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(migrations) != 2 {
		t.Fatalf("got %d migrations, want 2 (readme.txt should be skipped)", len(migrations))
	}
	if migrations[0].Name != "001_first" || migrations[1].Name != "002_second" {
		t.Errorf("order = [%s, %s], want [001_first, 002_second]", migrations[0].Name, migrations[1].Name)
	}
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	m := migration.Migration{
		Name:        "001_create_users",
		Description: "create users",
		Actions:     []actions.Action{&actions.CreateTable{Name: "users", PrimaryKey: []string{"id"}}},
	}

	data, err := m.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON: %v", err)
	}

	var decoded migration.Migration
	if err := decoded.UnmarshalJSON(data); err != nil {
		t.Fatalf("UnmarshalJSON: %v", err)
	}
	if decoded.Name != m.Name || decoded.Description != m.Description {
		t.Errorf("decoded = %+v, want name/description matching %+v", decoded, m)
	}
	if len(decoded.Actions) != 1 || decoded.Actions[0].Type() != "create_table" {
		t.Errorf("decoded.Actions = %+v", decoded.Actions)
	}
}
