package fault

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	errTurn := Conflict("proposal: not your turn")

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"validation", Validation("x: bad"), KindValidation},
		{"authorization", Authorization("x: nope"), KindAuthorization},
		{"conflict wrapped", fmt.Errorf("respond: %w", errTurn), KindConflict},
		{"not found", NotFound("x: gone"), KindNotFound},
		{"plain error", errors.New("boom"), KindInternal},
		{"nil", nil, KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Fatalf("KindOf() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestSentinelIdentity(t *testing.T) {
	a := Conflict("same message")
	b := Conflict("same message")

	wrapped := fmt.Errorf("ctx: %w", a)
	if !errors.Is(wrapped, a) {
		t.Fatal("expected wrapped error to match its sentinel")
	}
	if errors.Is(wrapped, b) {
		t.Fatal("distinct sentinels with equal text must not match")
	}
}

func TestIsCallerError(t *testing.T) {
	if IsCallerError(nil) {
		t.Error("nil is not a caller error")
	}
	if IsCallerError(errors.New("db down")) {
		t.Error("unclassified errors are internal")
	}
	if !IsCallerError(Validation("missing terms")) {
		t.Error("validation errors are caller errors")
	}
}
