package domain

import "fmt"

// ValidationError reports malformed caller input. Operations return it before
// mutating anything.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError with a formatted reason.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// PreconditionError reports an operation invoked against a distribution in
// the wrong lifecycle state.
type PreconditionError struct {
	DistributionID string
	Status         DistributionStatus
	Reason         string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("distribution %s (%s): %s", e.DistributionID, e.Status, e.Reason)
}

// NotFoundError is returned when a referenced record does not exist.
type NotFoundError struct {
	Entity EntityType
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}
