// Package state persists reshape's lifecycle state and migration history
// in a reserved metadata schema, so a crashed or killed invocation leaves
// behind enough information for the next invocation to recover rather than
// leaving the database in an ambiguous shape.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mantty/reshape/db"
	"github.com/mantty/reshape/migration"
	"github.com/mantty/reshape/schema"
)

// Status is a point in reshape's lifecycle state machine.
type Status string

const (
	Idle       Status = "idle"
	Applying   Status = "applying"
	InProgress Status = "in_progress"
	Completing Status = "completing"
	Aborting   Status = "aborting"
)

// schemaVersion is stamped into every persisted document. A future
// incompatible change to this package bumps it, so Load can refuse to
// operate on a document written by a version it no longer understands
// rather than silently misinterpreting it.
const schemaVersion = 1

// State is reshape's full persisted lifecycle record.
type State struct {
	Version Version `json:"version"`

	Status Status `json:"status"`

	// CurrentMigration is the name of the most recently completed
	// migration, empty if none has ever completed.
	CurrentMigration string `json:"current_migration,omitempty"`
	// CurrentSchema is the schema as of CurrentMigration.
	CurrentSchema *schema.Schema `json:"current_schema"`

	// TargetMigration and TargetSchema describe the migration run that is
	// Applying, InProgress, Completing, or Aborting — empty/nil when Idle.
	TargetMigration string         `json:"target_migration,omitempty"`
	TargetSchema    *schema.Schema `json:"target_schema,omitempty"`

	// PendingMigrations is the full ordered list of migrations being
	// applied in the current run, kept so Complete and Abort can replay
	// each action's Complete/Abort without re-reading migration files.
	PendingMigrations []migration.Migration `json:"pending_migrations,omitempty"`

	// PreStartSchema snapshots CurrentSchema as it was before the current
	// run's Start began. Abort does not read it: CurrentSchema itself is
	// left unchanged while Start mutates the TargetSchema clone.
	PreStartSchema *schema.Schema `json:"pre_start_schema,omitempty"`
}

// Version is the schema_version of a persisted document.
type Version int

// History is one completed migration, appended to reshape.migrations.
type History struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CompletedAt time.Time `json:"completed_at"`
}

// New returns a fresh Idle state, used when no state has ever been
// persisted.
func New() *State {
	return &State{
		Version:       schemaVersion,
		Status:        Idle,
		CurrentSchema: schema.New(),
	}
}

// Load reads the persisted state from reshape.data, returning a fresh Idle
// state if none has ever been written.
func Load(ctx context.Context, conn db.Conn) (*State, error) {
	var raw []byte
	row := conn.QueryRow(ctx, "SELECT value FROM reshape.data WHERE key = 'state'")
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return New(), nil
		}
		return nil, fmt.Errorf("load reshape state: %w", err)
	}

	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode reshape state: %w", err)
	}
	if s.Version != schemaVersion {
		return nil, fmt.Errorf("reshape state was written by schema version %d, this build understands version %d", s.Version, schemaVersion)
	}
	return &s, nil
}

// Save persists the state document.
func (s *State) Save(ctx context.Context, conn db.Conn) error {
	s.Version = schemaVersion
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode reshape state: %w", err)
	}
	return conn.Exec(ctx, `
		INSERT INTO reshape.data (key, value) VALUES ('state', $1)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`, data)
}

// Clear resets the persisted state to a fresh Idle document.
func Clear(ctx context.Context, conn db.Conn) error {
	return New().Save(ctx, conn)
}

// RecordCompletion appends a completed migration to the history table.
func RecordCompletion(ctx context.Context, conn db.Conn, name, description string) error {
	return conn.Exec(ctx, `
		INSERT INTO reshape.migrations (name, description) VALUES ($1, $2)
		ON CONFLICT (name) DO NOTHING
	`, name, description)
}

// LoadHistory returns every completed migration, oldest first.
func LoadHistory(ctx context.Context, conn db.Conn) ([]History, error) {
	rows, err := conn.Query(ctx, "SELECT name, description, completed_at FROM reshape.migrations ORDER BY completed_at ASC")
	if err != nil {
		return nil, fmt.Errorf("load migration history: %w", err)
	}
	defer rows.Close()

	var out []History
	for rows.Next() {
		var h History
		if err := rows.Scan(&h.Name, &h.Description, &h.CompletedAt); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
