package viewgen_test

import (
	"testing"

	"github.com/mantty/reshape/viewgen"
)

func TestSchemaNameForMigration(t *testing.T) {
	if got, want := viewgen.SchemaNameForMigration("001_create_users"), "migration_001_create_users"; got != want {
		t.Errorf("SchemaNameForMigration() = %q, want %q", got, want)
	}
}

func TestGenerateSchemaQuery(t *testing.T) {
	got := viewgen.GenerateSchemaQuery("001_create_users")
	want := "SET search_path TO migration_001_create_users"
	if got != want {
		t.Errorf("GenerateSchemaQuery() = %q, want %q", got, want)
	}
}
