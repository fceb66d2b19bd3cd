package controller

import (
	"errors"
	"fmt"
)

var (
	RunError         = errors.New("stress test error-")
	ErrRunInProgress = fmt.Errorf("%w%s", RunError, "another stress test is running")
)

// ValidationError rejects a request before anything is started.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func makeValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// ConnectionError is a failure to open a connection to the target server.
type ConnectionError struct {
	ConnectionID string
	Err          error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("cannot connect to %s: %v", e.ConnectionID, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
