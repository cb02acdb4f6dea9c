// Package schema tracks reshape's in-memory model of the database shape as
// migrations apply: tables, columns, indices, enums, and foreign keys, plus
// the aliasing needed to project an in-progress migration's target shape
// onto tables whose underlying columns haven't been renamed yet.
package schema

import "fmt"

// Schema is the full tracked shape of the database.
type Schema struct {
	Tables []*Table
	Enums  []*Enum
}

// Column is a tracked column. RealName holds the name the column actually
// has in Postgres when it differs from Name — set while a migration is
// renaming or type-changing the column via a temporary column, cleared once
// Complete runs and the rename becomes permanent.
type Column struct {
	Name     string
	RealName string
	Type     string
	Nullable bool
	Default  string
	Hidden   bool // set by remove_column's UpdateSchema: visible in the old view, gone from the new one
}

// RealColumnName returns the column's actual name in Postgres.
func (c *Column) RealColumnName() string {
	if c.RealName != "" {
		return c.RealName
	}
	return c.Name
}

// Index is a tracked index.
type Index struct {
	Name    string
	Columns []string
	Unique  bool
}

// ForeignKey is a tracked foreign key constraint.
type ForeignKey struct {
	Name              string
	Columns           []string
	ReferencedTable   string
	ReferencedColumns []string
}

// Table is a tracked table. RealName holds the table's actual name in
// Postgres when rename_table has updated the schema but not yet completed,
// mirroring Column.RealName.
type Table struct {
	Name        string
	RealName    string
	Columns     []*Column
	PrimaryKey  []string
	Indices     []*Index
	ForeignKeys []*ForeignKey

	// HasIsNew marks that this table carries a __reshape_is_new column,
	// used by bidirectional triggers to tell which schema wrote a row
	// without relying solely on the session-local search_path GUC — the
	// GUC isn't reliable across pooled application connections.
	HasIsNew bool

	// Removed marks a table queued for removal by remove_table: gone from
	// the new schema's view, still present (and still serving the old
	// schema's view) until Complete drops it for real.
	Removed bool
}

// RealTableName returns the table's actual name in Postgres.
func (t *Table) RealTableName() string {
	if t.RealName != "" {
		return t.RealName
	}
	return t.Name
}

// FindColumn returns the column named name, or nil.
func (t *Table) FindColumn(name string) *Column {
	for _, c := range t.Columns {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// Enum is a tracked Postgres enum type.
type Enum struct {
	Name   string
	Values []string
}

// New returns an empty schema.
func New() *Schema {
	return &Schema{}
}

// FindTable returns the table named name, or nil if it isn't tracked (or has
// been marked Removed).
func (s *Schema) FindTable(name string) *Table {
	for _, t := range s.Tables {
		if t.Name == name && !t.Removed {
			return t
		}
	}
	return nil
}

// RequireTable is FindTable but returns an error naming the table when it's
// missing, for actions that can't proceed without it.
func (s *Schema) RequireTable(name string) (*Table, error) {
	t := s.FindTable(name)
	if t == nil {
		return nil, fmt.Errorf("no table named %q in tracked schema", name)
	}
	return t, nil
}

// AddTable registers a new table.
func (s *Schema) AddTable(t *Table) {
	s.Tables = append(s.Tables, t)
}

// RemoveTable drops a table from the tracker outright. UpdateSchema during
// Start uses Table.Removed instead so the old schema's view keeps working.
func (s *Schema) RemoveTable(name string) {
	for i, t := range s.Tables {
		if t.Name == name {
			s.Tables = append(s.Tables[:i], s.Tables[i+1:]...)
			return
		}
	}
}

// FindEnum returns the enum named name, or nil.
func (s *Schema) FindEnum(name string) *Enum {
	for _, e := range s.Enums {
		if e.Name == name {
			return e
		}
	}
	return nil
}

// AddEnum registers a new enum.
func (s *Schema) AddEnum(e *Enum) {
	s.Enums = append(s.Enums, e)
}

// RemoveEnum drops an enum from the tracker.
func (s *Schema) RemoveEnum(name string) {
	for i, e := range s.Enums {
		if e.Name == name {
			s.Enums = append(s.Enums[:i], s.Enums[i+1:]...)
			return
		}
	}
}

// Clone deep-copies the schema, used to snapshot the pre-migration shape
// before a run starts so Abort can discard in-flight tracker mutations
// without re-introspecting the database.
func (s *Schema) Clone() *Schema {
	out := &Schema{}
	for _, t := range s.Tables {
		nt := *t
		nt.Columns = make([]*Column, len(t.Columns))
		for i, c := range t.Columns {
			cc := *c
			nt.Columns[i] = &cc
		}
		nt.Indices = make([]*Index, len(t.Indices))
		for i, idx := range t.Indices {
			ic := *idx
			ic.Columns = append([]string(nil), idx.Columns...)
			nt.Indices[i] = &ic
		}
		nt.ForeignKeys = make([]*ForeignKey, len(t.ForeignKeys))
		for i, fk := range t.ForeignKeys {
			fc := *fk
			fc.Columns = append([]string(nil), fk.Columns...)
			fc.ReferencedColumns = append([]string(nil), fk.ReferencedColumns...)
			nt.ForeignKeys[i] = &fc
		}
		nt.PrimaryKey = append([]string(nil), t.PrimaryKey...)
		out.Tables = append(out.Tables, &nt)
	}
	for _, e := range s.Enums {
		ne := *e
		ne.Values = append([]string(nil), e.Values...)
		out.Enums = append(out.Enums, &ne)
	}
	return out
}
