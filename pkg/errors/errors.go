package errors

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("already exists")
	ErrValidation        = errors.New("validation failed")
	ErrAuth              = errors.New("authentication failed")
	ErrWorkerUnavailable = errors.New("no worker available")
	ErrPlugin            = errors.New("plugin failed")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrStrayResult       = errors.New("result received for a tool that is not running")
	ErrRPCTimeout        = fmt.Errorf("%w: rpc timed out", ErrWorkerUnavailable)
	ErrAutoscanLimit     = fmt.Errorf("%w: autoscan limit reached", ErrConflict)

	ErrDiscordNotConfigured = errors.New("discord client not configured")
)

// NotFound wraps ErrNotFound with the kind and id that were looked up.
func NotFound(kind, id string) error {
	return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
}

// ConflictError is returned when an insert hits an existing unique key.
type ConflictError struct {
	Collection string
	ExistingID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Collection, e.ExistingID, ErrConflict)
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

func NewConflictError(collection, existingID string) *ConflictError {
	return &ConflictError{
		Collection: collection,
		ExistingID: existingID,
	}
}

type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s (value: %v): %s", e.Field, e.Value, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// PluginError carries the failure of a result parser. It matches both
// ErrPlugin and the underlying cause.
type PluginError struct {
	Plugin string
	Err    error
}

func (e *PluginError) Error() string {
	return fmt.Sprintf("plugin %s failed: %v", e.Plugin, e.Err)
}

func (e *PluginError) Unwrap() error {
	return e.Err
}

func (e *PluginError) Is(target error) bool {
	return target == ErrPlugin
}

func NewPluginError(plugin string, err error) *PluginError {
	return &PluginError{
		Plugin: plugin,
		Err:    err,
	}
}

// TransitionError reports a refused tool status change.
type TransitionError struct {
	From string
	To   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%v: %s -> %s", ErrInvalidTransition, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
