package jira

import (
	"fmt"
	"strings"
)

// ClientError represents errors that occur during JIRA client operations
type ClientError struct {
	Type    string // Type of error (authentication_error, api_error, etc.)
	Message string // Human-readable error message
	Err     error  // Underlying error
	Context string // Additional context (issue key, JQL, operation, etc.)
}

func (e *ClientError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("JIRA client error (%s) for %s: %s", e.Type, e.Context, e.Message)
	}
	return fmt.Sprintf("JIRA client error (%s): %s", e.Type, e.Message)
}

func (e *ClientError) Unwrap() error {
	return e.Err
}

// IsAuthenticationError checks if the error is related to authentication
func IsAuthenticationError(err error) bool {
	if clientErr, ok := err.(*ClientError); ok {
		return clientErr.Type == "authentication_error"
	}
	return false
}

// IsAuthorizationError checks if the error is related to insufficient permissions
func IsAuthorizationError(err error) bool {
	if clientErr, ok := err.(*ClientError); ok {
		return clientErr.Type == "authorization_error"
	}
	return false
}

// IsNotFoundError checks if the error is related to a resource not being found
func IsNotFoundError(err error) bool {
	if clientErr, ok := err.(*ClientError); ok {
		return clientErr.Type == "not_found"
	}
	return false
}

// IsInvalidJQLError checks if the error is related to a rejected JQL query
func IsInvalidJQLError(err error) bool {
	if clientErr, ok := err.(*ClientError); ok {
		return clientErr.Type == "invalid_jql"
	}
	return false
}

// DataIncompleteError reports a search whose collected result set disagrees
// with the server-reported total after all retries. The workflow must abort
// without recording state so the next cycle retries the whole query.
type DataIncompleteError struct {
	JQL           string
	ExpectedTotal int
	Collected     int
	FailedOffsets []int
}

func (e *DataIncompleteError) Error() string {
	offsets := make([]string, 0, len(e.FailedOffsets))
	for _, o := range e.FailedOffsets {
		offsets = append(offsets, fmt.Sprintf("%d", o))
	}
	return fmt.Sprintf("incomplete JIRA search result: collected %d of %d issues (failed offsets: %s)",
		e.Collected, e.ExpectedTotal, strings.Join(offsets, ","))
}

// IsDataIncompleteError checks if the error reports an incomplete fetch
func IsDataIncompleteError(err error) bool {
	_, ok := err.(*DataIncompleteError)
	return ok
}
