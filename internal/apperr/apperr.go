// Package apperr defines the failure classes surfaced by the screening pipeline.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed, missing or undecodable input.
	ErrValidation = errors.New("validation error")
	// ErrModelUnavailable is returned while the model adapters are not loaded.
	ErrModelUnavailable = errors.New("models are not loaded")
	// ErrExplainability marks a saliency computation that could not complete.
	ErrExplainability = errors.New("explanation unavailable")
	// ErrNoTargetLayer means a model exposes no layer usable for class activation mapping.
	ErrNoTargetLayer = errors.New("no spatial feature layer found for class activation mapping")
)

// ValidationError describes why a caller-supplied field was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Is lets errors.Is match ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Invalid builds a ValidationError with a formatted reason.
func Invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ExplainabilityError wraps the cause of a failed saliency computation.
// Model names the classifier that could not be explained.
type ExplainabilityError struct {
	Model string
	Err   error
}

// Error implements the error interface.
func (e *ExplainabilityError) Error() string {
	if e.Model == "" {
		return fmt.Sprintf("explanation unavailable: %v", e.Err)
	}
	return fmt.Sprintf("explanation unavailable for %s: %v", e.Model, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ExplainabilityError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match ErrExplainability.
func (e *ExplainabilityError) Is(target error) bool {
	return target == ErrExplainability
}

// Unexplainable wraps err as an ExplainabilityError. A nil err stays nil.
func Unexplainable(modelName string, err error) error {
	if err == nil {
		return nil
	}
	return &ExplainabilityError{Model: modelName, Err: err}
}

// Kind returns a short name for the failure class of err, used in API payloads.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "ValidationError"
	case errors.Is(err, ErrModelUnavailable):
		return "ModelUnavailableError"
	case errors.Is(err, ErrExplainability):
		return "ExplainabilityError"
	case errors.Is(err, ErrNoTargetLayer):
		return "ConfigurationError"
	default:
		return "InternalError"
	}
}
