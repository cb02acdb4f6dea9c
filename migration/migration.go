// Package migration loads migration files from disk and represents a
// decoded migration as an ordered list of actions.
package migration

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/mantty/reshape/actions"
)

// Migration is a named, ordered sequence of actions. Its identity is its
// file name (sorted lexicographically against other migrations), and it's
// immutable once applied.
type Migration struct {
	Name        string
	Description string           `json:"description,omitempty"`
	Actions     []actions.Action `json:"actions"`
}

// fileMigration mirrors the on-disk shape before actions are decoded
// through the tagged-union registry.
type fileMigration struct {
	Name        string            `json:"name,omitempty"`
	Description string            `json:"description,omitempty"`
	Actions     []json.RawMessage `json:"actions"`
}

// MarshalJSON encodes Actions through the tagged-union registry so each
// action carries its "type" discriminator.
func (m Migration) MarshalJSON() ([]byte, error) {
	raw, err := actions.EncodeSlice(m.Actions)
	if err != nil {
		return nil, err
	}
	var decoded []json.RawMessage
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		Name        string            `json:"name"`
		Description string            `json:"description,omitempty"`
		Actions     []json.RawMessage `json:"actions"`
	}{m.Name, m.Description, decoded})
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (m *Migration) UnmarshalJSON(data []byte) error {
	var fm fileMigration
	if err := json.Unmarshal(data, &fm); err != nil {
		return err
	}
	a, err := decodeRaws(fm.Actions)
	if err != nil {
		return err
	}
	m.Name, m.Description, m.Actions = fm.Name, fm.Description, a
	return nil
}

func decodeRaws(raws []json.RawMessage) ([]actions.Action, error) {
	out := make([]actions.Action, len(raws))
	for i, r := range raws {
		a, err := actions.Decode(r)
		if err != nil {
			return nil, fmt.Errorf("action %d: %w", i, err)
		}
		out[i] = a
	}
	return out, nil
}

// Load decodes a single migration file. TOML and JSON are both supported,
// dispatched by extension, matching the original implementation's
// toml-or-json acceptance.
func Load(path string) (Migration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Migration{}, fmt.Errorf("read migration file %q: %w", path, err)
	}

	var fm fileMigration
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		// go-toml can't decode directly into json.RawMessage (it isn't a
		// TOML unmarshaler), so actions round-trip through a generic map
		// first and get re-marshaled to JSON for the tagged-union decoder.
		var tf struct {
			Name        string           `toml:"name"`
			Description string           `toml:"description"`
			Actions     []map[string]any `toml:"actions"`
		}
		if err := toml.Unmarshal(data, &tf); err != nil {
			return Migration{}, fmt.Errorf("decode TOML migration file %q: %w", path, err)
		}
		fm.Name, fm.Description = tf.Name, tf.Description
		for _, a := range tf.Actions {
			raw, err := json.Marshal(a)
			if err != nil {
				return Migration{}, fmt.Errorf("re-encode action from %q: %w", path, err)
			}
			fm.Actions = append(fm.Actions, raw)
		}
	case ".json":
		if err := json.Unmarshal(data, &fm); err != nil {
			return Migration{}, fmt.Errorf("decode JSON migration file %q: %w", path, err)
		}
	default:
		return Migration{}, fmt.Errorf("unrecognized migration file extension %q", filepath.Ext(path))
	}

	decodedActions, err := decodeRaws(fm.Actions)
	if err != nil {
		return Migration{}, fmt.Errorf("decode actions in %q: %w", path, err)
	}

	name := fm.Name
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	return Migration{Name: name, Description: fm.Description, Actions: decodedActions}, nil
}

// Discover reads every migration file in dir, in lexicographic filename
// order — the order in which migrations are identified and applied.
func Discover(dir string) ([]Migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations directory %q: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".toml" || ext == ".json" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	out := make([]Migration, 0, len(names))
	for _, name := range names {
		m, err := Load(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}
