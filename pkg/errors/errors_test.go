package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTypedErrorsMatchSentinels(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
	}{
		{name: "conflict", err: NewConflictError("ports", "abc"), sentinel: ErrConflict},
		{name: "validation", err: NewValidationError("name", "", "must not be empty"), sentinel: ErrValidation},
		{name: "plugin", err: NewPluginError("nmap", errors.New("bad xml")), sentinel: ErrPlugin},
		{name: "transition", err: &TransitionError{From: "done", To: "running"}, sentinel: ErrInvalidTransition},
		{name: "not found", err: NotFound("tool", "42"), sentinel: ErrNotFound},
		{name: "rpc timeout", err: ErrRPCTimeout, sentinel: ErrWorkerUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", tt.err)
			assert.ErrorIs(t, wrapped, tt.sentinel)
		})
	}
}

func TestPluginErrorKeepsCause(t *testing.T) {
	cause := errors.New("unexpected EOF")
	err := NewPluginError("nuclei", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "nuclei")
}

func TestConflictErrorExposesExistingID(t *testing.T) {
	var conflict *ConflictError
	err := fmt.Errorf("insert: %w", NewConflictError("ports", "p-1"))

	if assert.ErrorAs(t, err, &conflict) {
		assert.Equal(t, "p-1", conflict.ExistingID)
	}
}
