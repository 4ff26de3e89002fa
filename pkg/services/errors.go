// Package services implements the audit and provisioning stores over
// PostgreSQL, plus the stale-run sweeper.
package services

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an entity is not found.
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists is returned when attempting to create a duplicate entity.
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConcurrentModification is returned when an atomic transition
	// observes a state other than the one it expected.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrQuotaExceeded is returned when the license team cap is reached.
	ErrQuotaExceeded = errors.New("license quota exceeded")

	// ErrUpstream is returned when a dependent HTTP service fails.
	ErrUpstream = errors.New("upstream service error")

	// ErrUnavailable is returned when a required backend (Kubernetes,
	// the agent runtime) is not reachable or not configured.
	ErrUnavailable = errors.New("service unavailable")

	// ErrTrialExpired is returned when a trial credential is past its
	// expiry and no active subscription exists.
	ErrTrialExpired = errors.New("trial expired")

	// ErrForbidden is returned when an authenticated caller lacks the
	// required permission.
	ErrForbidden = errors.New("permission denied")

	// ErrUnauthorized is returned when a caller's token is missing or invalid.
	ErrUnauthorized = errors.New("invalid or missing token")
)

// ValidationError wraps field-specific validation errors.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// IsValidationError checks if an error is a validation error.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
