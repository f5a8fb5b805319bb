package jira

import (
	"context"
	"fmt"
	"sync"
)

// MockClient implements the Client interface for testing
// This enables comprehensive unit testing without external dependencies
type MockClient struct {
	// mu protects all fields for thread-safe concurrent access
	mu sync.RWMutex

	// Issues maps issue keys to Issue objects for testing
	Issues map[string]*Issue

	// JQLResults maps JQL queries to lists of issue keys for testing
	JQLResults map[string][]string

	// AuthenticationError simulates authentication failures when set
	AuthenticationError error

	// SearchError simulates search failures when set
	SearchError error

	// GetIssueError simulates single-issue fetch failures when set
	GetIssueError error

	// Call tracking
	GetIssueCallCount         int
	SearchIssuesCallCount     int
	SearchIssuesByKeysCallCnt int
	AuthenticateCallCount     int
	LastRequestedIssue        string
	LastJQLQuery              string
	LastRequestedKeys         []string
	LastRequestedSearchFields []string
}

// NewMockClient creates a new mock JIRA client for testing
func NewMockClient() *MockClient {
	return &MockClient{
		Issues:     make(map[string]*Issue),
		JQLResults: make(map[string][]string),
	}
}

// AddIssue registers a mock issue.
func (m *MockClient) AddIssue(issue *Issue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Issues[issue.Key] = issue
}

// SetJQLResult maps a JQL query to the keys it returns.
func (m *MockClient) SetJQLResult(jql string, keys []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.JQLResults[jql] = keys
}

// Authenticate simulates an authentication round trip.
func (m *MockClient) Authenticate(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AuthenticateCallCount++
	return m.AuthenticationError
}

// ServerInfo returns a static mock version.
func (m *MockClient) ServerInfo(_ context.Context) (*ServerInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.AuthenticationError != nil {
		return nil, m.AuthenticationError
	}
	return &ServerInfo{Version: "9.4.0", DeploymentType: "Server"}, nil
}

// GetIssue retrieves a mock issue by key
func (m *MockClient) GetIssue(_ context.Context, key string, fields []string) (*Issue, error) {
	m.mu.Lock()
	m.GetIssueCallCount++
	m.LastRequestedIssue = key
	m.LastRequestedSearchFields = fields
	getErr := m.GetIssueError
	issue := m.Issues[key]
	m.mu.Unlock()

	if getErr != nil {
		return nil, getErr
	}
	if issue != nil {
		return issue, nil
	}
	return nil, &ClientError{
		Type:    "not_found",
		Message: fmt.Sprintf("issue %s not found", key),
		Context: key,
	}
}

// SearchIssues returns the issues registered for a JQL query
func (m *MockClient) SearchIssues(_ context.Context, jqlQuery string, fields []string) ([]*Issue, error) {
	m.mu.Lock()
	m.SearchIssuesCallCount++
	m.LastJQLQuery = jqlQuery
	m.LastRequestedSearchFields = fields
	searchErr := m.SearchError
	keys := m.JQLResults[jqlQuery]
	issues := make([]*Issue, 0, len(keys))
	for _, key := range keys {
		if issue, ok := m.Issues[key]; ok {
			issues = append(issues, issue)
		}
	}
	m.mu.Unlock()

	if searchErr != nil {
		return nil, searchErr
	}
	return issues, nil
}

// SearchIssuesByKeys returns registered issues for the requested keys,
// silently skipping unknown keys like the real client does.
func (m *MockClient) SearchIssuesByKeys(_ context.Context, keys []string, fields []string) ([]*Issue, error) {
	m.mu.Lock()
	m.SearchIssuesByKeysCallCnt++
	m.LastRequestedKeys = append([]string(nil), keys...)
	m.LastRequestedSearchFields = fields
	searchErr := m.SearchError
	issues := make([]*Issue, 0, len(keys))
	for _, key := range keys {
		if issue, ok := m.Issues[key]; ok {
			issues = append(issues, issue)
		}
	}
	m.mu.Unlock()

	if searchErr != nil {
		return nil, searchErr
	}
	return issues, nil
}
