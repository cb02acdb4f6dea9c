package actions

import (
	"context"
	"fmt"

	"github.com/mantty/reshape/db"
	"github.com/mantty/reshape/schema"
)

// RemoveIndex drops an index, but not until Complete: the old schema may
// still rely on it for query performance until the old schema is retired.
// DROP INDEX CONCURRENTLY can't run inside a transaction block.
type RemoveIndex struct {
	Index string `json:"index"`
}

func (a *RemoveIndex) Type() string { return "remove_index" }

func (a *RemoveIndex) Describe() string { return fmt.Sprintf("Removing index %q", a.Index) }

func (a *RemoveIndex) Start(ctx context.Context, actx Context, conn db.Conn, s *schema.Schema) error {
	return nil
}

func (a *RemoveIndex) Complete(ctx context.Context, actx Context, conn db.Conn, s *schema.Schema) error {
	return conn.Exec(ctx, fmt.Sprintf("DROP INDEX CONCURRENTLY IF EXISTS %s", quoteIdent(a.Index)))
}

func (a *RemoveIndex) Abort(ctx context.Context, actx Context, conn db.Conn, s *schema.Schema) error {
	return nil
}

func (a *RemoveIndex) UpdateSchema(actx Context, s *schema.Schema) error {
	for _, t := range s.Tables {
		for i, idx := range t.Indices {
			if idx.Name == a.Index {
				t.Indices = append(t.Indices[:i], t.Indices[i+1:]...)
				return nil
			}
		}
	}
	return nil
}
