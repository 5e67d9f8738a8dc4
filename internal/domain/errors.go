// Package domain defines the error taxonomy shared by the semantic layer packages.
package domain

import "fmt"

// ConfigurationError indicates an invalid model configuration (unknown related
// table, missing primary key, duplicate id, ambiguous join target).
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string { return e.Message }

// ExpressionError indicates an expression that cannot be parsed or uses an
// unknown function, a wrong arity or an illegal placeholder.
type ExpressionError struct {
	Message string
}

func (e *ExpressionError) Error() string { return e.Message }

// ResolutionError indicates a reference that cannot be resolved: circular or
// dangling references, aggregate mixing, disallowed reference kinds.
type ResolutionError struct {
	Message string
}

func (e *ResolutionError) Error() string { return e.Message }

// RequestValidationError indicates an invalid query request.
type RequestValidationError struct {
	Message string
}

func (e *RequestValidationError) Error() string { return e.Message }

// NotFoundError indicates a catalog entity was not found.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

// ErrConfiguration creates a ConfigurationError with a formatted message.
func ErrConfiguration(format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{Message: fmt.Sprintf(format, args...)}
}

// ErrExpression creates an ExpressionError with a formatted message.
func ErrExpression(format string, args ...interface{}) *ExpressionError {
	return &ExpressionError{Message: fmt.Sprintf(format, args...)}
}

// ErrResolution creates a ResolutionError with a formatted message.
func ErrResolution(format string, args ...interface{}) *ResolutionError {
	return &ResolutionError{Message: fmt.Sprintf(format, args...)}
}

// ErrRequest creates a RequestValidationError with a formatted message.
func ErrRequest(format string, args ...interface{}) *RequestValidationError {
	return &RequestValidationError{Message: fmt.Sprintf(format, args...)}
}

// ErrNotFound creates a NotFoundError with a formatted message.
func ErrNotFound(format string, args ...interface{}) *NotFoundError {
	return &NotFoundError{Message: fmt.Sprintf(format, args...)}
}
