package reshapeerr_test

import (
	"errors"
	"testing"

	"github.com/mantty/reshape/reshapeerr"
)

func TestNewNilError(t *testing.T) {
	if err := reshapeerr.New(reshapeerr.Configuration, nil); err != nil {
		t.Errorf("New with a nil cause should return nil, got %v", err)
	}
}

func TestWithActionMessage(t *testing.T) {
	err := reshapeerr.WithAction(reshapeerr.DatabasePermanent, "002_add_column", 3, "add_column", errors.New("syntax error"))

	got := err.Error()
	want := `database permanent: migration "002_add_column" action 3 (add_column): syntax error`
	if got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestKindOfUnwrapsWrappedError(t *testing.T) {
	base := reshapeerr.Newf(reshapeerr.Concurrency, "advisory lock held")
	wrapped := errWrap{base}

	kind, ok := reshapeerr.KindOf(wrapped)
	if !ok {
		t.Fatal("expected KindOf to find the wrapped *Error")
	}
	if kind != reshapeerr.Concurrency {
		t.Errorf("KindOf = %v, want Concurrency", kind)
	}

	if !reshapeerr.Is(wrapped, reshapeerr.Concurrency) {
		t.Error("Is(wrapped, Concurrency) = false, want true")
	}
	if reshapeerr.Is(wrapped, reshapeerr.InvariantViolation) {
		t.Error("Is(wrapped, InvariantViolation) = true, want false")
	}
}

func TestKindOfUnclassifiedError(t *testing.T) {
	if _, ok := reshapeerr.KindOf(errors.New("plain error")); ok {
		t.Error("KindOf on a plain error should report ok=false")
	}
}

type errWrap struct{ err error }

func (e errWrap) Error() string       { return "wrapped: " + e.err.Error() }
func (e errWrap) Unwrap() error       { return e.err }
