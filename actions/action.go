// Package actions implements the fourteen declarative schema change types
// reshape migrations are built from. Each one knows how to set up the
// dual-schema illusion (Start), make the change permanent (Complete), undo
// what it did (Abort), and project its effect onto the in-memory schema
// tracker (UpdateSchema).
package actions

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mantty/reshape/db"
	"github.com/mantty/reshape/schema"
)

// Context carries the coordinates an action needs to name the temporary
// objects (triggers, functions, columns) it creates without colliding with
// another action in the same or a different migration.
type Context struct {
	MigrationIndex int
	ActionIndex    int
}

// Prefix returns the namespace reserved for this action's temporary
// objects, e.g. "__reshape_0_3".
func (c Context) Prefix() string {
	return fmt.Sprintf("__reshape_%d_%d", c.MigrationIndex, c.ActionIndex)
}

// Action is a single declarative schema change.
type Action interface {
	// Type is the JSON discriminator this action decodes/encodes under.
	Type() string
	// Describe returns a short human-readable summary for CLI narration.
	Describe() string
	// Start sets up the dual-schema illusion for this change: new columns,
	// triggers, backfills. Runs inside the overall migration's lifetime but
	// each action commits its own work incrementally where the original
	// SQL pattern requires it (e.g. CREATE INDEX CONCURRENTLY can't run in
	// a transaction).
	Start(ctx context.Context, actx Context, conn db.Conn, s *schema.Schema) error
	// Complete makes the change permanent once the old schema is retired.
	Complete(ctx context.Context, actx Context, conn db.Conn, s *schema.Schema) error
	// Abort undoes whatever Start did, restoring the schema to its
	// pre-migration shape.
	Abort(ctx context.Context, actx Context, conn db.Conn, s *schema.Schema) error
	// UpdateSchema projects this action's effect onto the in-memory
	// tracker. Called once, right after this action's Start succeeds;
	// Complete and Abort later receive the schema it updated.
	UpdateSchema(actx Context, s *schema.Schema) error
}

// decoders maps a JSON "type" discriminator to a constructor for the zero
// value to unmarshal into. Explicit registry rather than reflection: the
// decode path is a hand-written lookup table, not a mapping derived from
// struct tags.
var decoders = map[string]func() Action{
	"create_table":      func() Action { return &CreateTable{} },
	"add_column":        func() Action { return &AddColumn{} },
	"alter_column":      func() Action { return &AlterColumn{} },
	"remove_column":     func() Action { return &RemoveColumn{} },
	"rename_table":      func() Action { return &RenameTable{} },
	"remove_table":      func() Action { return &RemoveTable{} },
	"add_index":         func() Action { return &AddIndex{} },
	"remove_index":      func() Action { return &RemoveIndex{} },
	"create_enum":       func() Action { return &CreateEnum{} },
	"alter_enum":        func() Action { return &AlterEnum{} },
	"remove_enum":       func() Action { return &RemoveEnum{} },
	"add_foreign_key":   func() Action { return &AddForeignKey{} },
	"remove_foreign_key": func() Action { return &RemoveForeignKey{} },
	"custom":            func() Action { return &Custom{} },
}

type typeTag struct {
	Type string `json:"type"`
}

// Decode unmarshals a single action from its tagged JSON representation.
func Decode(data []byte) (Action, error) {
	var tag typeTag
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, fmt.Errorf("decode action tag: %w", err)
	}
	ctor, ok := decoders[tag.Type]
	if !ok {
		return nil, fmt.Errorf("unknown action type %q", tag.Type)
	}
	a := ctor()
	if err := json.Unmarshal(data, a); err != nil {
		return nil, fmt.Errorf("decode action %q: %w", tag.Type, err)
	}
	return a, nil
}

// Encode marshals a single action back to its tagged JSON representation,
// the inverse of Decode.
func Encode(a Action) ([]byte, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("encode action %q: %w", a.Type(), err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	tagged, err := json.Marshal(a.Type())
	if err != nil {
		return nil, err
	}
	fields["type"] = tagged
	return json.Marshal(fields)
}

// DecodeSlice decodes a JSON array of tagged actions.
func DecodeSlice(data []byte) ([]Action, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode action list: %w", err)
	}
	out := make([]Action, len(raw))
	for i, r := range raw {
		a, err := Decode(r)
		if err != nil {
			return nil, fmt.Errorf("action %d: %w", i, err)
		}
		out[i] = a
	}
	return out, nil
}

// EncodeSlice encodes a slice of actions back to a JSON array of tagged
// objects.
func EncodeSlice(actions []Action) ([]byte, error) {
	raw := make([]json.RawMessage, len(actions))
	for i, a := range actions {
		data, err := Encode(a)
		if err != nil {
			return nil, fmt.Errorf("action %d: %w", i, err)
		}
		raw[i] = data
	}
	return json.Marshal(raw)
}
