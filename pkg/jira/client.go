package jira

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jackyhsuehtcg/jira-sync-sub000/pkg/jql"
	"github.com/jackyhsuehtcg/jira-sync-sub000/pkg/ratelimit"
)

// Client defines the interface for JIRA API operations.
// This enables dependency injection and testing with mock implementations.
type Client interface {
	// Authenticate verifies connectivity and credentials against the server
	Authenticate(ctx context.Context) error

	// GetIssue fetches a single issue by key, restricted to the given fields
	GetIssue(ctx context.Context, key string, fields []string) (*Issue, error)

	// SearchIssues runs a JQL query and returns the complete result set.
	// The fetch is atomic: if any page cannot be retrieved after retries,
	// a DataIncompleteError is returned instead of a partial set.
	SearchIssues(ctx context.Context, jqlQuery string, fields []string) ([]*Issue, error)

	// SearchIssuesByKeys fetches issues in `key in (...)` batches.
	// Batches that fail after retries are logged and skipped.
	SearchIssuesByKeys(ctx context.Context, keys []string, fields []string) ([]*Issue, error)

	// ServerInfo probes the server version
	ServerInfo(ctx context.Context) (*ServerInfo, error)
}

// ServerInfo is the subset of /rest/api/2/serverInfo the engine reads.
type ServerInfo struct {
	BaseURL        string `json:"baseUrl"`
	Version        string `json:"version"`
	DeploymentType string `json:"deploymentType"`
}

// Options configures an HTTPClient.
type Options struct {
	ServerURL string
	Username  string
	Password  string
	Timeout   time.Duration
	// PageSize bounds one search page; server-side caps still apply.
	PageSize int
}

// HTTPClient implements Client against the JIRA REST API using basic auth
// and a rate-limited transport. Safe for concurrent use.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	pageSize   int
	logger     *logrus.Entry
}

const (
	defaultPageSize  = 100
	searchRetries    = 3
	retryBackoffBase = 1 * time.Second
)

// NewClient creates a JIRA client with rate limiting wired into the transport.
func NewClient(opts Options, logger *logrus.Logger) (*HTTPClient, error) {
	if opts.ServerURL == "" || opts.Username == "" || opts.Password == "" {
		return nil, &ClientError{
			Type:    "configuration_error",
			Message: "server URL, username, and password are all required",
		}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	pageSize := opts.PageSize
	if pageSize <= 0 || pageSize > defaultPageSize {
		pageSize = defaultPageSize
	}

	limiter := ratelimit.NewRateLimiter(ratelimit.DefaultOptions())
	transport := ratelimit.NewBasicAuthRateLimitedTransport(opts.Username, opts.Password, limiter)

	return &HTTPClient{
		baseURL: strings.TrimRight(opts.ServerURL, "/"),
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		pageSize: pageSize,
		logger:   logger.WithField("component", "jira-client"),
	}, nil
}

// Authenticate verifies credentials by fetching the current user.
func (c *HTTPClient) Authenticate(ctx context.Context) error {
	var myself struct {
		Name string `json:"name"`
	}
	if err := c.getJSON(ctx, "/rest/api/2/myself", nil, &myself); err != nil {
		return err
	}
	c.logger.WithField("user", myself.Name).Debug("authenticated against JIRA")
	return nil
}

// ServerInfo probes the server version.
func (c *HTTPClient) ServerInfo(ctx context.Context) (*ServerInfo, error) {
	info := &ServerInfo{}
	if err := c.getJSON(ctx, "/rest/api/2/serverInfo", nil, info); err != nil {
		return nil, err
	}
	return info, nil
}

// GetIssue fetches a single issue by key.
func (c *HTTPClient) GetIssue(ctx context.Context, key string, fields []string) (*Issue, error) {
	if key == "" {
		return nil, &ClientError{Type: "invalid_input", Message: "issue key is empty"}
	}

	params := url.Values{}
	if len(fields) > 0 {
		params.Set("fields", strings.Join(fields, ","))
	}

	issue := &Issue{}
	if err := c.getJSON(ctx, "/rest/api/2/issue/"+url.PathEscape(key), params, issue); err != nil {
		if clientErr, ok := err.(*ClientError); ok && clientErr.Context == "" {
			clientErr.Context = key
		}
		return nil, err
	}
	return issue, nil
}

type searchResponse struct {
	StartAt    int      `json:"startAt"`
	MaxResults int      `json:"maxResults"`
	Total      int      `json:"total"`
	Issues     []*Issue `json:"issues"`
}

// SearchIssues runs a JQL query and returns the complete result set.
//
// The total is probed first with an empty page, then each page is fetched
// with independent retries. Any page still missing after retries turns the
// whole call into a DataIncompleteError; partial results are never returned.
func (c *HTTPClient) SearchIssues(ctx context.Context, jqlQuery string, fields []string) ([]*Issue, error) {
	total, err := c.searchTotal(ctx, jqlQuery)
	if err != nil {
		return nil, err
	}
	if total == 0 {
		return nil, nil
	}

	issues := make([]*Issue, 0, total)
	var failedOffsets []int

	for startAt := 0; startAt < total; startAt += c.pageSize {
		page, err := c.searchPageWithRetry(ctx, jqlQuery, fields, startAt)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.logger.WithFields(logrus.Fields{
				"start_at": startAt,
				"error":    err,
			}).Warn("search page failed after retries")
			failedOffsets = append(failedOffsets, startAt)
			continue
		}
		issues = append(issues, page.Issues...)
	}

	if len(failedOffsets) > 0 || len(issues) < total {
		return nil, &DataIncompleteError{
			JQL:           jqlQuery,
			ExpectedTotal: total,
			Collected:     len(issues),
			FailedOffsets: failedOffsets,
		}
	}

	return issues, nil
}

// SearchIssuesByKeys fetches issues in `key in (...)` batches of 50,
// protecting against URI length limits. Failed batches are logged and
// skipped; the caller tolerates missing keys.
func (c *HTTPClient) SearchIssuesByKeys(ctx context.Context, keys []string, fields []string) ([]*Issue, error) {
	var issues []*Issue

	for _, batch := range jql.BatchKeys(keys) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		query := jql.BuildKeyInQuery(batch)
		page, err := c.searchPageWithRetry(ctx, query, fields, 0)
		if err != nil {
			c.logger.WithFields(logrus.Fields{
				"batch_size": len(batch),
				"error":      err,
			}).Warn("key batch fetch failed, skipping")
			continue
		}
		issues = append(issues, page.Issues...)
		if len(page.Issues) < len(batch) {
			c.logger.WithFields(logrus.Fields{
				"requested": len(batch),
				"returned":  len(page.Issues),
			}).Warn("some keys in batch were not found in JIRA")
		}
	}

	return issues, nil
}

// searchTotal probes the server-reported total for a JQL query.
func (c *HTTPClient) searchTotal(ctx context.Context, jqlQuery string) (int, error) {
	var lastErr error
	for attempt := 0; attempt < searchRetries; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, attempt); err != nil {
				return 0, err
			}
		}
		resp, err := c.searchPage(ctx, jqlQuery, nil, 0, 0)
		if err == nil {
			return resp.Total, nil
		}
		if !isRetryable(err) {
			return 0, err
		}
		lastErr = err
	}
	return 0, lastErr
}

// searchPageWithRetry fetches one search page with bounded retries and
// exponential backoff plus jitter.
func (c *HTTPClient) searchPageWithRetry(ctx context.Context, jqlQuery string, fields []string, startAt int) (*searchResponse, error) {
	var lastErr error
	for attempt := 0; attempt < searchRetries; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, attempt); err != nil {
				return nil, err
			}
		}
		resp, err := c.searchPage(ctx, jqlQuery, fields, startAt, c.pageSize)
		if err == nil {
			return resp, nil
		}
		if !isRetryable(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (c *HTTPClient) searchPage(ctx context.Context, jqlQuery string, fields []string, startAt, maxResults int) (*searchResponse, error) {
	params := url.Values{}
	params.Set("jql", jqlQuery)
	params.Set("startAt", strconv.Itoa(startAt))
	params.Set("maxResults", strconv.Itoa(maxResults))
	if len(fields) > 0 {
		params.Set("fields", strings.Join(fields, ","))
	}

	resp := &searchResponse{}
	if err := c.getJSON(ctx, "/rest/api/2/search", params, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// getJSON performs a GET request and decodes the JSON response body.
func (c *HTTPClient) getJSON(ctx context.Context, path string, params url.Values, out interface{}) error {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return &ClientError{Type: "request_error", Message: "failed to build request", Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &ClientError{Type: "network_error", Message: "request failed", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return c.handleAPIError(resp, path)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ClientError{Type: "decode_error", Message: "failed to decode response body", Err: err}
	}
	return nil
}

// handleAPIError maps HTTP status codes to typed client errors.
func (c *HTTPClient) handleAPIError(resp *http.Response, path string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	detail := strings.TrimSpace(string(body))

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return &ClientError{
			Type:    "authentication_error",
			Message: "authentication failed, check username and password",
			Context: path,
		}
	case http.StatusForbidden:
		return &ClientError{
			Type:    "authorization_error",
			Message: "insufficient permissions for this operation",
			Context: path,
		}
	case http.StatusNotFound:
		return &ClientError{
			Type:    "not_found",
			Message: "resource not found",
			Context: path,
		}
	case http.StatusBadRequest:
		return &ClientError{
			Type:    "invalid_jql",
			Message: fmt.Sprintf("request rejected by server: %s", detail),
			Context: path,
		}
	default:
		return &ClientError{
			Type:    "api_error",
			Message: fmt.Sprintf("unexpected HTTP %d: %s", resp.StatusCode, detail),
			Context: path,
		}
	}
}

// isRetryable reports whether an error is worth another attempt.
// Auth, permission, not-found, and bad-JQL failures are final.
func isRetryable(err error) bool {
	if clientErr, ok := err.(*ClientError); ok {
		switch clientErr.Type {
		case "authentication_error", "authorization_error", "not_found", "invalid_jql", "invalid_input":
			return false
		}
	}
	return true
}

// sleepBackoff waits base*2^(attempt-1) plus up to 500ms of jitter.
func sleepBackoff(ctx context.Context, attempt int) error {
	delay := retryBackoffBase * time.Duration(1<<(attempt-1))
	delay += time.Duration(rand.Int63n(int64(500 * time.Millisecond)))
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
