package jql

import "fmt"

// JQLError represents errors that occur during JQL operations
type JQLError struct {
	Type    string                 `json:"type" yaml:"type"`
	Message string                 `json:"message" yaml:"message"`
	Context map[string]interface{} `json:"context,omitempty" yaml:"context,omitempty"`
	Err     error                  `json:"-" yaml:"-"`
}

func (e *JQLError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("JQL %s: %s (%v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("JQL %s: %s", e.Type, e.Message)
}

func (e *JQLError) Unwrap() error {
	return e.Err
}

// JQL error types
const (
	ErrorTypeValidation = "validation_error"
	ErrorTypeQuery      = "query_error"
)

// NewValidationError creates a validation error
func NewValidationError(message string, jql string) *JQLError {
	return &JQLError{
		Type:    ErrorTypeValidation,
		Message: message,
		Context: map[string]interface{}{
			"jql": jql,
		},
	}
}

// NewQueryError creates a query error
func NewQueryError(message string, jql string, err error) *JQLError {
	return &JQLError{
		Type:    ErrorTypeQuery,
		Message: message,
		Context: map[string]interface{}{
			"jql": jql,
		},
		Err: err,
	}
}

// IsValidationError checks if the error is a validation error
func IsValidationError(err error) bool {
	if jqlErr, ok := err.(*JQLError); ok {
		return jqlErr.Type == ErrorTypeValidation
	}
	return false
}

// IsQueryError checks if the error is a query error
func IsQueryError(err error) bool {
	if jqlErr, ok := err.(*JQLError); ok {
		return jqlErr.Type == ErrorTypeQuery
	}
	return false
}

// GetErrorContext extracts context information from a JQL error
func GetErrorContext(err error) map[string]interface{} {
	if jqlErr, ok := err.(*JQLError); ok {
		return jqlErr.Context
	}
	return nil
}
