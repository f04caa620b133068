package logging

import (
	"fmt"
	"strings"
)

// OperationError annotates an error with the operation, request and, when the
// failure is specific to one drawing, the stream it happened on.
type OperationError struct {
	Operation string
	RequestID string
	Stream    string
	Err       error
}

// Error implements the error interface.
func (e *OperationError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	var meta []string
	if e.RequestID != "" {
		meta = append(meta, "request_id="+e.RequestID)
	}
	if e.Stream != "" {
		meta = append(meta, "stream="+e.Stream)
	}
	if len(meta) == 0 {
		return fmt.Sprintf("%s: %v", e.Operation, e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", e.Operation, strings.Join(meta, " "), e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewOperationError wraps an error with structured context about where it occurred.
func NewOperationError(operation, requestID string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Operation: operation, RequestID: requestID, Err: err}
}

// NewStreamError is NewOperationError for failures tied to one input stream.
func NewStreamError(operation, requestID, stream string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Operation: operation, RequestID: requestID, Stream: stream, Err: err}
}
