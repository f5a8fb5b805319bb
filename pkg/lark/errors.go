package lark

import "fmt"

// ClientError represents errors that occur during Lark client operations
type ClientError struct {
	Type    string // Type of error (auth_error, api_error, envelope_error, etc.)
	Message string // Human-readable error message
	Err     error  // Underlying error
	Context string // Additional context (table id, record id, operation, etc.)
}

func (e *ClientError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("lark client error (%s) for %s: %s", e.Type, e.Context, e.Message)
	}
	return fmt.Sprintf("lark client error (%s): %s", e.Type, e.Message)
}

func (e *ClientError) Unwrap() error {
	return e.Err
}

// APIError represents a non-zero code in the Lark response envelope.
type APIError struct {
	Code      int
	Msg       string
	Operation string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("lark API error %d during %s: %s", e.Code, e.Operation, e.Msg)
}

// IsAuthError checks if the error is related to token acquisition
func IsAuthError(err error) bool {
	if clientErr, ok := err.(*ClientError); ok {
		return clientErr.Type == "auth_error"
	}
	return false
}

// IsAPIError checks if the error is a non-zero envelope code
func IsAPIError(err error) bool {
	_, ok := err.(*APIError)
	return ok
}

// APIErrorCode extracts the envelope code, or 0 when the error is not an APIError.
func APIErrorCode(err error) int {
	if apiErr, ok := err.(*APIError); ok {
		return apiErr.Code
	}
	return 0
}
