package schema

import (
	"errors"
	"fmt"
)

// SchemaError represents errors that occur while loading or validating a
// field-mapping schema.
type SchemaError struct {
	Type    string // invalid_input, deserialization_error, file_error
	Message string
	Err     error
	Context string // file path or field-mapping path
}

func (e *SchemaError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("schema error (%s) for %s: %s", e.Type, e.Context, e.Message)
	}
	return fmt.Sprintf("schema error (%s): %s", e.Type, e.Message)
}

func (e *SchemaError) Unwrap() error {
	return e.Err
}

// IsFileError checks if the error is related to reading the schema file
func IsFileError(err error) bool {
	var schemaErr *SchemaError
	return errors.As(err, &schemaErr) && schemaErr.Type == "file_error"
}

// IsInvalidInputError checks if the error is a validation failure
func IsInvalidInputError(err error) bool {
	var schemaErr *SchemaError
	return errors.As(err, &schemaErr) && schemaErr.Type == "invalid_input"
}
