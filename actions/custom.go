package actions

import (
	"context"
	"log"

	"github.com/mantty/reshape/db"
	"github.com/mantty/reshape/schema"
)

// Custom runs operator-supplied SQL verbatim at each lifecycle stage.
// Each payload must be idempotent (IF [NOT] EXISTS) since reshape may
// retry a transient failure around it. UpdateSchema is a no-op: custom
// actions are invisible to the schema tracker, so a custom action
// shouldn't touch objects a later declarative action references.
type Custom struct {
	Start_   string `json:"start,omitempty"`
	Complete_ string `json:"complete,omitempty"`
	Abort_   string `json:"abort,omitempty"`
}

func (a *Custom) Type() string { return "custom" }

func (a *Custom) Describe() string { return "Running custom migration" }

func (a *Custom) Start(ctx context.Context, actx Context, conn db.Conn, s *schema.Schema) error {
	if a.Start_ == "" {
		return nil
	}
	log.Printf("running custom start query: %s", a.Start_)
	return conn.Exec(ctx, a.Start_)
}

func (a *Custom) Complete(ctx context.Context, actx Context, conn db.Conn, s *schema.Schema) error {
	if a.Complete_ == "" {
		return nil
	}
	return conn.Exec(ctx, a.Complete_)
}

func (a *Custom) Abort(ctx context.Context, actx Context, conn db.Conn, s *schema.Schema) error {
	if a.Abort_ == "" {
		return nil
	}
	return conn.Exec(ctx, a.Abort_)
}

func (a *Custom) UpdateSchema(actx Context, s *schema.Schema) error { return nil }
