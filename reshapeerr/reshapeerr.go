// Package reshapeerr defines the error taxonomy reshape uses to classify
// failures during a migration run: whether a caller should retry, abort,
// or treat the state as corrupt.
package reshapeerr

import "fmt"

// Kind classifies a reshape error into one of the categories an orchestrator
// needs to branch on.
type Kind int

const (
	// Configuration covers bad flags and malformed migration files.
	Configuration Kind = iota
	// StatePrecondition covers calls made in the wrong lifecycle state,
	// e.g. completing when nothing is in progress.
	StatePrecondition
	// Concurrency covers a second reshape instance holding the advisory lock.
	Concurrency
	// DatabaseTransient covers errors worth retrying: connection resets,
	// deadlocks, serialization failures.
	DatabaseTransient
	// DatabasePermanent covers errors that will never succeed on retry:
	// syntax errors, missing tables, type mismatches.
	DatabasePermanent
	// InvariantViolation covers internal bugs: schema tracker state that
	// doesn't match what the database actually contains.
	InvariantViolation
)

func (k Kind) String() string {
	switch k {
	case Configuration:
		return "configuration"
	case StatePrecondition:
		return "state precondition"
	case Concurrency:
		return "concurrency"
	case DatabaseTransient:
		return "database transient"
	case DatabasePermanent:
		return "database permanent"
	case InvariantViolation:
		return "invariant violation"
	default:
		return "unknown"
	}
}

// Error is a reshape error carrying the coordinates of the migration action
// that produced it, when applicable.
type Error struct {
	Kind          Kind
	Migration     string
	ActionIndex   int
	ActionType    string
	HasAction     bool
	Err           error
}

func (e *Error) Error() string {
	if !e.HasAction {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: migration %q action %d (%s): %v", e.Kind, e.Migration, e.ActionIndex, e.ActionType, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a kind and no action coordinates.
func New(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Newf is New with fmt.Errorf-style formatting.
func Newf(kind Kind, format string, args ...any) error {
	return New(kind, fmt.Errorf(format, args...))
}

// WithAction wraps err with a kind and the coordinates of the action that
// produced it.
func WithAction(kind Kind, migration string, actionIndex int, actionType string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:        kind,
		Migration:   migration,
		ActionIndex: actionIndex,
		ActionType:  actionType,
		HasAction:   true,
		Err:         err,
	}
}

// KindOf returns the Kind of err if it is (or wraps) a *Error, and ok=false
// otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	for err != nil {
		if asErr, ok := err.(*Error); ok {
			e = asErr
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if e == nil {
		return 0, false
	}
	return e.Kind, true
}

// Is reports whether err is (or wraps) a *Error of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
