package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a task, approval or audit trail does not exist.
var ErrNotFound = errors.New("not found")

// ErrStateConflict is the sentinel wrapped by every StateConflictError.
var ErrStateConflict = errors.New("invalid state")

// ValidationError reports malformed plan or step input. It is raised before
// any side effect of a run takes place.
type ValidationError struct {
	Field   string
	Message string
}

// NewValidationError creates a ValidationError for the given field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// Error implements the error interface for ValidationError.
func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Message)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

// ConfigurationError reports a programming or wiring mistake, such as a step
// kind with no registered handler. It aborts the run.
type ConfigurationError struct {
	Capability string
	Message    string
}

// NewConfigurationError creates a ConfigurationError for a capability.
func NewConfigurationError(capability, message string) *ConfigurationError {
	return &ConfigurationError{Capability: capability, Message: message}
}

// Error implements the error interface for ConfigurationError.
func (e *ConfigurationError) Error() string {
	if e.Capability == "" {
		return fmt.Sprintf("configuration error: %s", e.Message)
	}
	return fmt.Sprintf("configuration error: capability %q: %s", e.Capability, e.Message)
}

// StateConflictError reports an operation attempted while a task is in a state
// that does not permit it, or a decision resubmitted for a decided gate.
type StateConflictError struct {
	TaskID  string
	Status  TaskStatus
	Message string
}

// NewStateConflictError creates a StateConflictError.
func NewStateConflictError(taskID string, status TaskStatus, message string) *StateConflictError {
	return &StateConflictError{TaskID: taskID, Status: status, Message: message}
}

// Error implements the error interface for StateConflictError.
func (e *StateConflictError) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("task %s: %s", e.TaskID, e.Message))
	if e.Status != "" {
		sb.WriteString(fmt.Sprintf(" (status %s)", e.Status))
	}
	return sb.String()
}

// Unwrap lets errors.Is match ErrStateConflict.
func (e *StateConflictError) Unwrap() error {
	return ErrStateConflict
}

// CollaboratorError reports a network failure or timeout talking to the
// ledger or a remote worker.
type CollaboratorError struct {
	Collaborator string
	Op           string
	Err          error
}

// NewCollaboratorError wraps err as a failure of collaborator during op.
func NewCollaboratorError(collaborator, op string, err error) *CollaboratorError {
	return &CollaboratorError{Collaborator: collaborator, Op: op, Err: err}
}

// Error implements the error interface for CollaboratorError.
func (e *CollaboratorError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s unavailable: %s", e.Collaborator, e.Op)
	}
	return fmt.Sprintf("%s unavailable: %s: %v", e.Collaborator, e.Op, e.Err)
}

// Unwrap returns the underlying error for error wrapping support.
func (e *CollaboratorError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsStateConflict reports whether err is a state conflict.
func IsStateConflict(err error) bool {
	return errors.Is(err, ErrStateConflict)
}

// IsValidationError reports whether err is or wraps a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsConfigurationError reports whether err is or wraps a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// IsCollaboratorError reports whether err is or wraps a CollaboratorError.
func IsCollaboratorError(err error) bool {
	var ce *CollaboratorError
	return errors.As(err, &ce)
}
