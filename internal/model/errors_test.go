package model

import (
	"errors"
	"fmt"
	"testing"
)

func TestNewErrorMessage(t *testing.T) {
	err := NewError(ErrAgentNotFound, "agent %q not found", "agent-1")

	if err.Kind != ErrAgentNotFound {
		t.Errorf("Kind = %v, want %v", err.Kind, ErrAgentNotFound)
	}
	want := `AGENT_NOT_FOUND: agent "agent-1" not found`
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if err.Unwrap() != nil {
		t.Error("NewError should not set a Cause")
	}
}

func TestWrapErrorIncludesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := WrapError(ErrStorageUnavailable, cause, "store ping failed")

	if !errors.Is(err, cause) {
		t.Error("WrapError's result should unwrap to the cause")
	}
	if err.Error() == "" || err.Cause != cause {
		t.Errorf("WrapError did not preserve cause, got %+v", err)
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"direct *Error", NewError(ErrConflict, "dup"), ErrConflict},
		{"wrapped *Error via fmt.Errorf", fmt.Errorf("context: %w", NewError(ErrGone, "tombstoned")), ErrGone},
		{"plain error", errors.New("boom"), ErrInternal},
		{"nil error falls back to internal", nil, ErrInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}
