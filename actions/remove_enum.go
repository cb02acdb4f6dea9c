package actions

import (
	"context"
	"fmt"

	"github.com/mantty/reshape/db"
	"github.com/mantty/reshape/schema"
)

// RemoveEnum drops an enum type. Deferred to Complete, since the old
// schema may still have columns of this type until it's retired.
type RemoveEnum struct {
	Enum string `json:"enum"`
}

func (a *RemoveEnum) Type() string { return "remove_enum" }

func (a *RemoveEnum) Describe() string { return fmt.Sprintf("Removing enum %q", a.Enum) }

func (a *RemoveEnum) Start(ctx context.Context, actx Context, conn db.Conn, s *schema.Schema) error {
	return nil
}

func (a *RemoveEnum) Complete(ctx context.Context, actx Context, conn db.Conn, s *schema.Schema) error {
	return conn.Exec(ctx, fmt.Sprintf("DROP TYPE IF EXISTS %s", quoteIdent(a.Enum)))
}

func (a *RemoveEnum) Abort(ctx context.Context, actx Context, conn db.Conn, s *schema.Schema) error {
	return nil
}

func (a *RemoveEnum) UpdateSchema(actx Context, s *schema.Schema) error {
	s.RemoveEnum(a.Enum)
	return nil
}
