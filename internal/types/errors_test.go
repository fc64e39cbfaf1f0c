package types

import (
	"errors"
	"fmt"
	"testing"
)

func TestCodedErrorUnwrapsToKind(t *testing.T) {
	err := NewError(ErrConflict, "RunAlreadyActive", "run %s is active", "abc")
	wrapped := fmt.Errorf("create run: %w", err)

	if !errors.Is(wrapped, ErrConflict) {
		t.Fatalf("expected wrapped error to match ErrConflict")
	}
	if errors.Is(wrapped, ErrNotFound) {
		t.Fatalf("did not expect wrapped error to match ErrNotFound")
	}
	if got := CodeOf(wrapped); got != "RunAlreadyActive" {
		t.Fatalf("got code %q, want RunAlreadyActive", got)
	}
	if got := err.Error(); got != "RunAlreadyActive: run abc is active" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestCodeOfPlainError(t *testing.T) {
	if got := CodeOf(errors.New("boom")); got != "" {
		t.Fatalf("got %q, want empty code", got)
	}
}
