package state_test

import (
	"context"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	pgTest "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/mantty/reshape/db"
	"github.com/mantty/reshape/schema"
	"github.com/mantty/reshape/state"
)

func openGateway(t *testing.T) (*db.Gateway, context.Context) {
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

	return gw, ctx
}

func TestLoadWithNoPersistedStateReturnsIdle(t *testing.T) {
	gw, ctx := openGateway(t)

	s, err := state.Load(ctx, gw)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Status != state.Idle {
		t.Errorf("Status = %q, want %q", s.Status, state.Idle)
	}
	if s.CurrentMigration != "" {
		t.Errorf("CurrentMigration = %q, want empty", s.CurrentMigration)
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	gw, ctx := openGateway(t)

	s, err := state.Load(ctx, gw)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	s.Status = state.InProgress
	s.CurrentMigration = "001_create_users"
	s.TargetMigration = "002_add_column"
	s.CurrentSchema.AddTable(&schema.Table{Name: "users"})

	if err := s.Save(ctx, gw); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded, err := state.Load(ctx, gw)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Status != state.InProgress {
		t.Errorf("Status = %q, want %q", reloaded.Status, state.InProgress)
	}
	if reloaded.CurrentMigration != "001_create_users" || reloaded.TargetMigration != "002_add_column" {
		t.Errorf("reloaded = %+v", reloaded)
	}
	if reloaded.CurrentSchema.FindTable("users") == nil {
		t.Error("expected the tracked users table to survive a save/load round trip")
	}
}

func TestClearResetsToIdle(t *testing.T) {
	gw, ctx := openGateway(t)

	s, _ := state.Load(ctx, gw)
	s.Status = state.Aborting
	if err := s.Save(ctx, gw); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := state.Clear(ctx, gw); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	reloaded, err := state.Load(ctx, gw)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if reloaded.Status != state.Idle {
		t.Errorf("Status = %q after Clear, want %q", reloaded.Status, state.Idle)
	}
}

func TestRecordCompletionAndLoadHistory(t *testing.T) {
	gw, ctx := openGateway(t)

	if err := state.RecordCompletion(ctx, gw, "001_create_users", "create users"); err != nil {
		t.Fatalf("RecordCompletion: %v", err)
	}
	if err := state.RecordCompletion(ctx, gw, "002_add_column", "add column"); err != nil {
		t.Fatalf("RecordCompletion: %v", err)
	}
	// Completing the same migration twice (e.g. after a retried Complete)
	// must not fail or duplicate the history entry.
	if err := state.RecordCompletion(ctx, gw, "001_create_users", "create users"); err != nil {
		t.Fatalf("RecordCompletion (duplicate): %v", err)
	}

	history, err := state.LoadHistory(ctx, gw)
	if err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("got %d history entries, want 2", len(history))
	}
	if history[0].Name != "001_create_users" || history[1].Name != "002_add_column" {
		t.Errorf("history order = [%s, %s]", history[0].Name, history[1].Name)
	}
}
